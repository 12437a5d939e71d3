// Package app builds the progress client from configuration and owns its
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/progresswatch/internal/api"
	"github.com/JakeFAU/progresswatch/internal/clock/system"
	"github.com/JakeFAU/progresswatch/internal/command"
	"github.com/JakeFAU/progresswatch/internal/config"
	"github.com/JakeFAU/progresswatch/internal/conn"
	"github.com/JakeFAU/progresswatch/internal/dispatcher"
	"github.com/JakeFAU/progresswatch/internal/id/uuid"
	"github.com/JakeFAU/progresswatch/internal/policy/ratelimit"
	"github.com/JakeFAU/progresswatch/internal/progress"
	progresssinks "github.com/JakeFAU/progresswatch/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/progresswatch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/progresswatch/internal/publisher/pubsub"
	"github.com/JakeFAU/progresswatch/internal/transport/sse"
	"github.com/JakeFAU/progresswatch/internal/transport/websocket"
)

const (
	eventBuffer     = 256
	shutdownTimeout = 10 * time.Second
)

// ErrClosed is returned by StartRequest after Close.
var ErrClosed = errors.New("client closed")

// IDGenerator mints request ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock drives reconnect timers and bar timestamps.
type Clock interface {
	conn.Clock
	progress.Clock
}

// Options overrides collaborators that tests and embedders need to control.
//   - Registerer: Prometheus registry for bar collectors (defaults to the global one).
//   - IDs: request id source (defaults to UUIDv7).
//   - Clock: reconnect timer and bar timestamps (defaults to the system clock).
//   - TUIOptions: forwarded to tea.NewProgram when render.mode is tui.
type Options struct {
	Registerer prometheus.Registerer
	IDs        IDGenerator
	Clock      Clock
	TUIOptions []tea.ProgramOption
}

type closer interface {
	Close() error
}

// Client contains the progress client's dependencies.
type Client struct {
	cfg    config.Config
	logger *zap.Logger
	ids    IDGenerator

	events    chan conn.Event
	managers  []*conn.Manager
	store     *progress.Store
	router    *progress.Router
	hub       *progress.Hub
	dispatch  *dispatcher.Dispatcher
	issuer    command.Issuer
	tui       *progresssinks.TUISink
	publisher closer
	apiServer *api.Server

	mu          sync.Mutex
	connectOnce sync.Once
	closeOnce   sync.Once
	closed      chan struct{}
	loopCancel  context.CancelFunc
	loopDone    chan struct{}
}

// Build creates the client's dependencies. Nothing connects until Run or
// Connect is called.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.IDs == nil {
		opts.IDs = uuid.New()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	c := &Client{
		cfg:      cfg,
		logger:   logger,
		ids:      opts.IDs,
		events:   make(chan conn.Event, eventBuffer),
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	logger.Info("building progress client",
		zap.String("transport_mode", cfg.Transport.Mode),
		zap.String("render_mode", cfg.Render.Mode),
		zap.Int("max_retries", cfg.Retry.MaxRetries),
	)

	if err := c.setupTransports(opts.Clock); err != nil {
		return nil, err
	}
	if err := c.setupIssuer(); err != nil {
		return nil, err
	}
	sinkList, err := c.setupSinks(ctx, opts)
	if err != nil {
		c.closePublisher()
		if c.tui != nil {
			_ = c.tui.Close(ctx)
		}
		return nil, err
	}

	hubCfg := progress.Config{
		BufferSize:  cfg.Render.BufferSize,
		BaseContext: context.WithoutCancel(ctx),
		Logger:      logger.Named("progress_hub"),
	}
	c.hub = progress.NewHub(hubCfg, sinkList...)
	c.store = progress.NewStore(opts.Clock)
	c.router = progress.NewRouter(c.store, c.hub, logger.Named("router"))
	c.dispatch = dispatcher.New(c.events, c.router, dispatcher.Config{
		OnStatus: c.onStatus,
		Logger:   logger.Named("dispatcher"),
	})
	if cfg.Server.Enabled {
		c.apiServer = api.NewServer(c, logger.Named("api"))
	}
	return c, nil
}

func (c *Client) setupTransports(clock conn.Clock) error {
	var retry conn.Backoff = conn.FixedBackoff(c.cfg.RetryDelay())
	if c.cfg.Retry.Strategy == config.RetryExponential {
		retry = conn.NewExponentialBackoff(c.cfg.RetryDelay(), c.cfg.MaxRetryDelay())
	}
	if c.cfg.UsesPush() {
		dialer, err := websocket.NewDialer(c.cfg.Transport.WebSocketURL, c.cfg.Transport.Origin)
		if err != nil {
			return fmt.Errorf("websocket dialer init failed: %w", err)
		}
		c.managers = append(c.managers, conn.NewManager(dialer, c.events, conn.Config{
			Name:       "websocket",
			MaxRetries: c.cfg.Retry.MaxRetries,
			Backoff:    retry,
			Clock:      clock,
			Logger:     c.logger.Named("conn"),
		}))
		c.logger.Debug("websocket binding", zap.String("url", c.cfg.Transport.WebSocketURL))
	}
	if c.cfg.UsesStream() {
		eventsURL := strings.TrimRight(c.cfg.Transport.BaseURL, "/") + c.cfg.Transport.EventsPath
		c.managers = append(c.managers, conn.NewManager(sse.NewDialer(eventsURL, nil), c.events, conn.Config{
			Name:       "sse",
			MaxRetries: c.cfg.Retry.MaxRetries,
			Backoff:    retry,
			Clock:      clock,
			Logger:     c.logger.Named("conn"),
		}))
		c.logger.Debug("event stream binding", zap.String("url", eventsURL))
	}
	return nil
}

func (c *Client) setupIssuer() error {
	var issuers []command.Issuer
	for _, m := range c.managers {
		if m.Name() == "websocket" {
			issuers = append(issuers, command.NewPushIssuer(m, c.logger.Named("command")))
		}
	}
	if c.cfg.UsesStream() {
		var limiter *ratelimit.Limiter
		if c.cfg.Command.RatePerSecond > 0 {
			limiter = ratelimit.New(ratelimit.Config{
				DefaultRPS:   c.cfg.Command.RatePerSecond,
				DefaultBurst: c.cfg.Command.Burst,
			})
		}
		call, err := command.NewCallIssuer(command.CallConfig{
			BaseURL: c.cfg.Transport.BaseURL,
			Client:  &http.Client{Timeout: c.cfg.CommandTimeout()},
			Limiter: limiter,
			Logger:  c.logger.Named("command"),
		})
		if err != nil {
			return fmt.Errorf("command issuer init failed: %w", err)
		}
		issuers = append(issuers, call)
	}
	switch len(issuers) {
	case 0:
		return errors.New("no command strategy configured")
	case 1:
		c.issuer = issuers[0]
	default:
		c.issuer = command.NewFanoutIssuer(c.logger.Named("command"), issuers...)
	}
	c.logger.Info("command strategy", zap.String("strategy", c.issuer.Strategy()))
	return nil
}

func (c *Client) setupSinks(ctx context.Context, opts Options) ([]progress.Sink, error) {
	var sinkList []progress.Sink
	switch c.cfg.Render.Mode {
	case config.RenderTUI:
		c.tui = progresssinks.NewTUISink(opts.TUIOptions...)
		sinkList = append(sinkList, progresssinks.NewThrottleSink(c.tui, c.cfg.RenderInterval(), c.logger))
		c.logger.Debug("added terminal sink")
	case config.RenderLog:
		sinkList = append(sinkList, progresssinks.NewThrottleSink(
			progresssinks.NewLogSink(c.logger.Named("progress_log")),
			c.cfg.RenderInterval(),
			c.logger,
		))
		c.logger.Debug("added progress log sink")
	}

	promSink, err := progresssinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	publisher, err := c.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	sinkList = append(sinkList, progresssinks.NewNotifySink(publisher, c.cfg.Notify.TopicName, c.logger.Named("notify")))
	return sinkList, nil
}

func (c *Client) setupPublisher(ctx context.Context) (progresssinks.Publisher, error) {
	if c.cfg.Notify.TopicName == "" || c.cfg.Notify.ProjectID == "" {
		c.logger.Debug("no Pub/Sub topic configured, using in-memory publisher")
		pub := memorypublisher.New()
		c.publisher = pub
		return pub, nil
	}
	pub, err := gcppublisher.Connect(ctx, c.cfg.Notify.ProjectID, c.cfg.Notify.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	c.publisher = pub
	c.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", c.cfg.Notify.ProjectID),
		zap.String("topic", c.cfg.Notify.TopicName),
	)
	return pub, nil
}

// Connect opens every transport and starts the event loop. It returns
// immediately; progress arrives asynchronously.
// Later calls are no-ops.
func (c *Client) Connect(ctx context.Context) {
	c.connectOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		select {
		case <-c.closed:
			return
		default:
		}
		ctx, c.loopCancel = context.WithCancel(ctx)
		go func() {
			defer close(c.loopDone)
			c.logger.Info("dispatcher started")
			c.dispatch.Run(ctx)
		}()
		for _, m := range c.managers {
			m.Open(ctx)
		}
	})
}

// Run connects and blocks until the context is canceled, a signal arrives or
// the terminal UI exits. It closes the client before returning.
func (c *Client) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c.Connect(ctx)

	var srv *http.Server
	if c.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", c.cfg.Server.Port),
			Handler:           c.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			c.logger.Info("status server started", zap.Int("port", c.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Error("status server error", zap.Error(err))
				stop()
			}
		}()
	}

	var tuiDone <-chan struct{}
	if c.tui != nil {
		tuiDone = c.tui.Done()
	}
	select {
	case <-ctx.Done():
	case <-tuiDone:
		c.logger.Info("terminal ui exited")
	}
	c.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("status server shutdown error", zap.Error(err))
		}
	}
	return c.Close(shutdownCtx)
}

// StartRequest creates a request group with a summary bar of the given size
// and issues the start command. The id is returned even when issuance fails
// so callers can dispose of the group.
func (c *Client) StartRequest(ctx context.Context, subtasks int) (string, error) {
	select {
	case <-c.closed:
		return "", ErrClosed
	default:
	}
	requestID, err := c.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate request id: %w", err)
	}
	c.router.StartRequest(requestID, subtasks)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout())
	defer cancel()
	if err := c.issuer.Issue(ctx, command.New(command.Start, requestID)); err != nil {
		c.logger.Warn("start command failed",
			zap.String("request_id", requestID),
			zap.Int("subtasks", subtasks),
			zap.Error(err),
		)
		return requestID, fmt.Errorf("issue start for %s: %w", requestID, err)
	}
	c.logger.Info("request started", zap.String("request_id", requestID), zap.Int("subtasks", subtasks))
	return requestID, nil
}

// Bars returns a copy of every tracked bar.
func (c *Client) Bars() []progress.BarState {
	return c.store.Bars()
}

// Request returns the bars of one request group.
func (c *Client) Request(requestID string) []progress.BarState {
	return c.store.Request(requestID)
}

// Dispose drops a request group and returns how many bars it held.
func (c *Client) Dispose(requestID string) int {
	return c.router.Dispose(requestID)
}

// Connections reports each transport's connection state.
func (c *Client) Connections() map[string]string {
	out := make(map[string]string, len(c.managers))
	for _, m := range c.managers {
		out[m.Name()] = string(m.State())
	}
	return out
}

// Ready reports whether at least one transport is OPEN.
func (c *Client) Ready() bool {
	for _, m := range c.managers {
		if m.State() == conn.StateOpen {
			return true
		}
	}
	return false
}

// Stats returns how many frames were routed and dropped.
func (c *Client) Stats() (routed, dropped int64) {
	return c.dispatch.Stats()
}

// Close shuts every transport down, drains the renderers and releases the
// publisher. It is safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		loopCancel := c.loopCancel
		c.mu.Unlock()
		for _, m := range c.managers {
			m.Close()
		}
		if loopCancel != nil {
			loopCancel()
			select {
			case <-c.loopDone:
			case <-ctx.Done():
			}
		}
		if hubErr := c.hub.Close(ctx); hubErr != nil {
			c.logger.Warn("progress hub close failed", zap.Error(hubErr))
			err = hubErr
		}
		c.closePublisher()
		c.logger.Info("shutdown complete")
	})
	return err
}

func (c *Client) closePublisher() {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Close(); err != nil {
		c.logger.Warn("publisher close failed", zap.Error(err))
	}
}

func (c *Client) onStatus(evt conn.Event) {
	if c.tui == nil {
		return
	}
	switch evt.Kind {
	case conn.EventOpen:
		c.tui.SetStatus(evt.Source+" connected", true)
	case conn.EventClose, conn.EventReconnecting:
		c.tui.SetStatus(evt.Source+" disconnected, reconnecting", false)
	case conn.EventTerminated:
		c.tui.SetStatus(evt.Source+" disconnected", false)
	}
}
