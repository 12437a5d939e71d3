// Package sse binds conn.Manager to a server-sent events stream. Sessions are
// receive-only; commands travel over a separate call strategy.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/JakeFAU/progresswatch/internal/conn"
)

const maxEventSize = 1 << 20

// Dialer opens event streams with GET requests against a fixed URL.
type Dialer struct {
	url    string
	client *http.Client
}

// NewDialer returns a Dialer. A nil client uses one without a timeout, since
// streams are long-lived.
func NewDialer(url string, client *http.Client) *Dialer {
	if client == nil {
		client = &http.Client{Timeout: 0}
	}
	return &Dialer{url: url, client: client}
}

// Dial issues the stream request and returns once response headers arrive.
func (d *Dialer) Dial(ctx context.Context) (conn.Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := d.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream %s: %w", d.url, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open stream %s: unexpected status %d", d.url, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &session{body: resp.Body, scanner: scanner, cancel: cancel}, nil
}

type session struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
}

// Receive returns the data of the next event. Multi-line data fields are
// joined with newlines; comments and other fields are skipped.
func (s *session) Receive() ([]byte, error) {
	var data bytes.Buffer
	hasData := false
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if hasData {
				return data.Bytes(), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		if hasData {
			data.WriteByte('\n')
		}
		data.WriteString(strings.TrimPrefix(value, " "))
		hasData = true
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if hasData {
		return data.Bytes(), nil
	}
	return nil, fmt.Errorf("read stream: %w", io.EOF)
}

// Send always fails; the stream is one-way.
func (s *session) Send([]byte) error {
	return conn.ErrSendUnsupported
}

func (s *session) Close() error {
	s.cancel()
	if err := s.body.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close stream: %w", err)
	}
	return nil
}
