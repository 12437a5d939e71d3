package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const readyPollInterval = 50 * time.Millisecond

type watchOptions struct {
	start        int
	subtasks     int
	readyTimeout time.Duration
}

// newWatchCmd creates the 'watch' subcommand: connect, optionally start
// requests once a transport is OPEN, and render until interrupted.
func newWatchCmd(factory WatcherFactory) *cobra.Command {
	opts := watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect and render progress until interrupted",
		Long: `Opens the configured transports and renders every bar the server reports.
With --start, the given number of requests are started once a transport is
connected, each expecting --subtasks sub-task bars.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd.Context(), factory, opts)
		},
	}
	cmd.Flags().IntVar(&opts.start, "start", 0, "number of requests to start once connected")
	cmd.Flags().IntVar(&opts.subtasks, "subtasks", 1, "sub-tasks per started request")
	cmd.Flags().DurationVar(&opts.readyTimeout, "ready-timeout", 30*time.Second, "how long --start waits for a connection")
	return cmd
}

func runWatch(ctx context.Context, factory WatcherFactory, opts watchOptions) error {
	if opts.start < 0 {
		return errors.New("--start must be >= 0")
	}
	if opts.start > 0 && opts.subtasks < 1 {
		return errors.New("--subtasks must be >= 1")
	}
	rt, err := resolveServices(ctx)
	if err != nil {
		return err
	}
	watcher, err := factory(ctx, rt.cfg, rt.logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.start > 0 {
		go startWhenReady(ctx, watcher, opts, rt.logger.Named("watch"))
	}
	if err := watcher.Run(ctx); err != nil {
		return fmt.Errorf("run client: %w", err)
	}
	return nil
}

// startWhenReady waits for an OPEN transport and starts opts.start requests.
// Failures are logged; the watch keeps rendering whatever does arrive.
func startWhenReady(ctx context.Context, watcher Watcher, opts watchOptions, logger *zap.Logger) {
	waitCtx, cancel := context.WithTimeout(ctx, opts.readyTimeout)
	defer cancel()
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for !watcher.Ready() {
		select {
		case <-waitCtx.Done():
			logger.Warn("no transport connected, requests not started",
				zap.Duration("ready_timeout", opts.readyTimeout),
				zap.Int("requests", opts.start),
			)
			return
		case <-ticker.C:
		}
	}
	for i := 0; i < opts.start; i++ {
		requestID, err := watcher.StartRequest(ctx, opts.subtasks)
		if err != nil {
			logger.Warn("start request failed", zap.String("request_id", requestID), zap.Error(err))
			continue
		}
		logger.Info("request started", zap.String("request_id", requestID), zap.Int("subtasks", opts.subtasks))
	}
}
