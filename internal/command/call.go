package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/progresswatch/internal/metrics"
	"github.com/JakeFAU/progresswatch/internal/policy/ratelimit"
)

const (
	defaultCallTimeout = 30 * time.Second
	maxErrorBody       = 512
)

// CallConfig controls a CallIssuer.
//   - BaseURL: server root; commands are POSTed to {BaseURL}/{command}.
//   - Client: HTTP client (defaults to one with a 30s timeout).
//   - Limiter: optional per-command pacing of outbound calls.
//   - Logger: optional structured logger.
type CallConfig struct {
	BaseURL string
	Client  *http.Client
	Limiter *ratelimit.Limiter
	Logger  *zap.Logger
}

// CallIssuer issues commands as one-shot HTTP calls. It pairs with a push
// stream that carries the resulting snapshots.
type CallIssuer struct {
	base    *url.URL
	client  *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

type callBody struct {
	RequestID string `json:"request_id,omitempty"`
}

// NewCallIssuer validates the base URL.
func NewCallIssuer(cfg CallConfig) (*CallIssuer, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse command base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("command base url %q must be http or https", cfg.BaseURL)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultCallTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallIssuer{base: base, client: client, limiter: cfg.Limiter, logger: logger}, nil
}

// Strategy implements Issuer.
func (c *CallIssuer) Strategy() string {
	return "call"
}

// Issue POSTs {"request_id": ...} and blocks until the response arrives.
// Any non-2xx status is an error.
func (c *CallIssuer) Issue(ctx context.Context, cmd Command) (err error) {
	defer func() { metrics.ObserveCommand(c.Strategy(), string(cmd.Name), err) }()
	if err := cmd.Validate(); err != nil {
		return err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, string(cmd.Name)); err != nil {
			return fmt.Errorf("call %s: %w", cmd.Name, err)
		}
	}

	body, err := json.Marshal(callBody{RequestID: cmd.RequestID})
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", cmd.Name, err)
	}
	endpoint := c.base.JoinPath(string(cmd.Name)).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", cmd.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("call %s: status %d: %s", endpoint, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	c.logger.Debug("command called",
		zap.String("command", string(cmd.Name)),
		zap.String("request_id", cmd.RequestID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)
	return nil
}
