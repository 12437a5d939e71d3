// Package websocket binds conn.Manager to a push channel over RFC 6455.
package websocket

import (
	"context"
	"fmt"

	"golang.org/x/net/websocket"

	"github.com/JakeFAU/progresswatch/internal/conn"
)

// Dialer opens websocket sessions against a fixed URL.
type Dialer struct {
	url    string
	origin string
}

// NewDialer validates the endpoint and returns a Dialer.
func NewDialer(url, origin string) (*Dialer, error) {
	if _, err := websocket.NewConfig(url, origin); err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	return &Dialer{url: url, origin: origin}, nil
}

// Dial performs the handshake.
func (d *Dialer) Dial(ctx context.Context) (conn.Session, error) {
	cfg, err := websocket.NewConfig(d.url, d.origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	return &session{ws: ws}, nil
}

type session struct {
	ws *websocket.Conn
}

// Receive blocks for the next text or binary frame.
func (s *session) Receive() ([]byte, error) {
	var data []byte
	if err := websocket.Message.Receive(s.ws, &data); err != nil {
		return nil, fmt.Errorf("websocket receive: %w", err)
	}
	return data, nil
}

// Send writes one text frame.
func (s *session) Send(data []byte) error {
	if err := websocket.Message.Send(s.ws, string(data)); err != nil {
		return fmt.Errorf("websocket send: %w", err)
	}
	return nil
}

func (s *session) Close() error {
	if err := s.ws.Close(); err != nil {
		return fmt.Errorf("websocket close: %w", err)
	}
	return nil
}
