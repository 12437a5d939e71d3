// Package cmd defines the progresswatch CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/progresswatch/internal/app"
	"github.com/JakeFAU/progresswatch/internal/config"
	"github.com/JakeFAU/progresswatch/internal/logging"
)

const defaultTUILogFile = "progresswatch.log"

// servicesKeyType is the key for storing loaded services in the context.
type servicesKeyType string

const servicesKey servicesKeyType = "services"

// Watcher is the client surface commands drive. It lets tests inject a fake.
type Watcher interface {
	StartRequest(ctx context.Context, subtasks int) (string, error)
	Ready() bool
	Run(ctx context.Context) error
}

// WatcherFactory builds a Watcher from loaded configuration.
type WatcherFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Watcher, error)

func defaultWatcherFactory(ctx context.Context, cfg config.Config, logger *zap.Logger) (Watcher, error) {
	client, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		return nil, fmt.Errorf("build client: %w", err)
	}
	return client, nil
}

type services struct {
	cfg    config.Config
	logger *zap.Logger
}

// newRootCmd creates the root command. Config and the logger are loaded
// before any subcommand runs and carried on the command context.
func newRootCmd(factory WatcherFactory) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "progresswatch",
		Short: "Live progress bars for long-running server-side tasks.",
		Long: `progresswatch connects to a progress server over a websocket and/or an
HTTP command endpoint paired with a server-sent event stream, renders each
snapshot it receives as a bar, and rolls sub-task completions up into one
summary bar per request.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), servicesKey, &services{cfg: cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(servicesKey).(*services); ok && rt != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); PROGRESS_* env vars override it")

	cmd.AddCommand(newWatchCmd(factory))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// newLogger keeps the terminal free for the bars when the TUI renders.
func newLogger(cfg config.Config) (*zap.Logger, error) {
	opts := logging.Options{Development: cfg.Logging.Development}
	if cfg.Render.Mode == config.RenderTUI {
		path := cfg.Render.LogFile
		if path == "" {
			path = defaultTUILogFile
		}
		opts.OutputPaths = []string{path}
	}
	return logging.NewWithOptions(opts)
}

func resolveServices(ctx context.Context) (*services, error) {
	rt, ok := ctx.Value(servicesKey).(*services)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd(defaultWatcherFactory).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
