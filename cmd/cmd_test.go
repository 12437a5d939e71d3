package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/progresswatch/internal/config"
)

// executeCommand runs a cobra command with args and returns captured output.
func executeCommand(t *testing.T, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

type fakeWatcher struct {
	mu       sync.Mutex
	ready    bool
	started  []int
	startErr error
	// runUntil returns from Run once it reports true.
	runUntil func(*fakeWatcher) bool
}

func (f *fakeWatcher) StartRequest(_ context.Context, subtasks int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, subtasks)
	return "req", f.startErr
}

func (f *fakeWatcher) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.mu.Lock()
			done := f.runUntil != nil && f.runUntil(f)
			f.mu.Unlock()
			if done {
				return nil
			}
		}
	}
}

func factoryFor(w *fakeWatcher, gotCfg *config.Config) WatcherFactory {
	return func(_ context.Context, cfg config.Config, _ *zap.Logger) (Watcher, error) {
		if gotCfg != nil {
			*gotCfg = cfg
		}
		return w, nil
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	t.Parallel()

	root := newRootCmd(defaultWatcherFactory)
	require.Equal(t, "progresswatch", root.Use)
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["watch"])
	require.True(t, names["version"])
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	out, err := executeCommand(t, newRootCmd(defaultWatcherFactory), "version")
	require.NoError(t, err)
	require.Contains(t, out, "progresswatch dev")
}

func TestWatchStartsRequestsOnceReady(t *testing.T) {
	t.Parallel()

	w := &fakeWatcher{
		ready:    true,
		runUntil: func(f *fakeWatcher) bool { return len(f.started) == 2 },
	}
	_, err := executeCommand(t, newRootCmd(factoryFor(w, nil)), "watch", "--start", "2", "--subtasks", "3")
	require.NoError(t, err)
	require.Equal(t, []int{3, 3}, w.started)
}

func TestWatchKeepsRunningWhenStartFails(t *testing.T) {
	t.Parallel()

	w := &fakeWatcher{
		ready:    true,
		startErr: errors.New("refused"),
		runUntil: func(f *fakeWatcher) bool { return len(f.started) == 1 },
	}
	_, err := executeCommand(t, newRootCmd(factoryFor(w, nil)), "watch", "--start", "1")
	require.NoError(t, err)
	require.Equal(t, []int{1}, w.started)
}

func TestWatchGivesUpWaitingForConnection(t *testing.T) {
	t.Parallel()

	start := time.Now()
	w := &fakeWatcher{
		runUntil: func(*fakeWatcher) bool { return time.Since(start) > 200*time.Millisecond },
	}
	_, err := executeCommand(t, newRootCmd(factoryFor(w, nil)),
		"watch", "--start", "1", "--ready-timeout", "20ms")
	require.NoError(t, err)
	require.Empty(t, w.started)
}

func TestWatchRejectsBadFlags(t *testing.T) {
	t.Parallel()

	_, err := executeCommand(t, newRootCmd(factoryFor(&fakeWatcher{}, nil)), "watch", "--start", "-1")
	require.ErrorContains(t, err, "--start")

	_, err = executeCommand(t, newRootCmd(factoryFor(&fakeWatcher{}, nil)), "watch", "--start", "1", "--subtasks", "0")
	require.ErrorContains(t, err, "--subtasks")
}

func TestWatchLoadsConfigFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport:
  mode: sse
  base_url: http://progress.internal:3768
render:
  mode: none
`), 0o600))

	var got config.Config
	w := &fakeWatcher{runUntil: func(*fakeWatcher) bool { return true }}
	_, err := executeCommand(t, newRootCmd(factoryFor(w, &got)), "--config", path, "watch")
	require.NoError(t, err)
	require.Equal(t, config.ModeSSE, got.Transport.Mode)
	require.Equal(t, config.RenderNone, got.Render.Mode)
}

func TestWatchFailsOnInvalidConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport:\n  mode: pigeon\n"), 0o600))
	_, err := executeCommand(t, newRootCmd(factoryFor(&fakeWatcher{}, nil)), "--config", path, "watch")
	require.ErrorContains(t, err, "transport.mode")
}
