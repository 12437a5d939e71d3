package command

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/progresswatch/internal/policy/ratelimit"
	"github.com/JakeFAU/progresswatch/internal/progress"
)

type fakeSender struct {
	mu     sync.Mutex
	open   bool
	frames [][]byte
}

func (s *fakeSender) Send(msg any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	s.frames = append(s.frames, data)
	return true
}

func TestCommandWireFormat(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(New(Start, "R1"))
	require.NoError(t, err)
	require.JSONEq(t, `{"command":"start","request_id":"R1"}`, string(data))
	require.ErrorIs(t, Command{}.Validate(), ErrEmptyCommand)
}

func TestPushIssuer(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	issuer := NewPushIssuer(sender, nil)

	err := issuer.Issue(context.Background(), New(Start, "R1"))
	require.ErrorIs(t, err, ErrNotAccepted)
	require.Empty(t, sender.frames)

	sender.open = true
	require.NoError(t, issuer.Issue(context.Background(), New(Start, "R1")))
	require.Len(t, sender.frames, 1)
	require.JSONEq(t, `{"command":"start","request_id":"R1"}`, string(sender.frames[0]))
}

func TestCallIssuerPostsRequestID(t *testing.T) {
	t.Parallel()

	type received struct{ path, body string }
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{path: r.URL.Path, body: string(body)}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	issuer, err := NewCallIssuer(CallConfig{BaseURL: srv.URL + "/api"})
	require.NoError(t, err)
	require.NoError(t, issuer.Issue(context.Background(), New(Start, "R9")))
	req := <-got
	require.Equal(t, "/api/start", req.path)
	require.JSONEq(t, `{"request_id":"R9"}`, req.body)
}

func TestCallIssuerOmitsEmptyRequestID(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- string(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	issuer, err := NewCallIssuer(CallConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, issuer.Issue(context.Background(), New(Start, "")))
	require.JSONEq(t, `{}`, <-got)
}

func TestCallIssuerReportsStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	issuer, err := NewCallIssuer(CallConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	err = issuer.Issue(context.Background(), New(Start, "R1"))
	require.ErrorContains(t, err, "status 503: busy")
}

func TestCallIssuerHonorsLimiterContext(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	issuer, err := NewCallIssuer(CallConfig{
		BaseURL: srv.URL,
		Limiter: ratelimit.New(ratelimit.Config{DefaultRPS: 0.001, DefaultBurst: 1}),
	})
	require.NoError(t, err)
	require.NoError(t, issuer.Issue(context.Background(), New(Start, "R1")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, issuer.Issue(ctx, New(Start, "R2")))
	require.EqualValues(t, 1, calls.Load())
}

func TestNewCallIssuerRejectsScheme(t *testing.T) {
	t.Parallel()

	_, err := NewCallIssuer(CallConfig{BaseURL: "ws://localhost:3768"})
	require.Error(t, err)
}

type issuerFunc struct {
	name string
	fn   func(context.Context, Command) error
}

func (f issuerFunc) Strategy() string { return f.name }

func (f issuerFunc) Issue(ctx context.Context, cmd Command) error { return f.fn(ctx, cmd) }

func TestFanoutSucceedsWhenAnyStrategyAccepts(t *testing.T) {
	t.Parallel()

	ok := issuerFunc{name: "ok", fn: func(context.Context, Command) error { return nil }}
	bad := issuerFunc{name: "bad", fn: func(context.Context, Command) error { return errors.New("down") }}

	require.NoError(t, NewFanoutIssuer(nil, ok, bad).Issue(context.Background(), New(Start, "R1")))

	err := NewFanoutIssuer(nil, bad, bad).Issue(context.Background(), New(Start, "R1"))
	require.ErrorIs(t, err, ErrNotAccepted)
	require.ErrorContains(t, err, "bad: down")

	err = NewFanoutIssuer(nil).Issue(context.Background(), New(Start, "R1"))
	require.ErrorIs(t, err, ErrNotAccepted)
	require.Equal(t, "fanout(ok,bad)", NewFanoutIssuer(nil, ok, nil, bad).Strategy())
}

// TestFanoutDuplicateIssuanceCountsOnce issues one start over two strategies.
// The server answers each with the same sub-task snapshots; the summary must
// still count every sub-task once.
func TestFanoutDuplicateIssuanceCountsOnce(t *testing.T) {
	t.Parallel()

	router := progress.NewRouter(progress.NewStore(nil), nil, nil)
	router.StartRequest("R1", 2)

	var mu sync.Mutex
	server := func(_ context.Context, cmd Command) error {
		mu.Lock()
		defer mu.Unlock()
		for _, bar := range []string{"R1-a", "R1-b"} {
			for n := 1.0; n <= 4; n++ {
				if _, err := router.Route(progress.Snapshot{RequestID: cmd.RequestID, BarID: bar, N: n, Total: 4}); err != nil {
					return err
				}
			}
		}
		return nil
	}
	fanout := NewFanoutIssuer(nil,
		issuerFunc{name: "push", fn: server},
		issuerFunc{name: "call", fn: server},
	)

	require.NoError(t, fanout.Issue(context.Background(), New(Start, "R1")))

	summary, ok := router.Store().Get("R1")
	require.True(t, ok)
	require.InDelta(t, 2, summary.N, 1e-9)
	require.True(t, summary.Completed)
}
