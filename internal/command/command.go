// Package command issues control commands to the progress server. A command
// travels either over an open push channel, as a one-shot HTTP call, or over
// several strategies at once.
package command

import (
	"context"
	"errors"
)

// Name identifies a command in the server's vocabulary.
type Name string

// Start asks the server to begin a task for a request id.
const Start Name = "start"

var (
	// ErrNotAccepted reports that no strategy took the command.
	ErrNotAccepted = errors.New("command not accepted")
	// ErrEmptyCommand rejects a command without a name.
	ErrEmptyCommand = errors.New("command name is required")
)

// Command is the outbound message. Its JSON form is the push frame.
type Command struct {
	Name      Name   `json:"command"`
	RequestID string `json:"request_id,omitempty"`
}

// New builds a command for a request.
func New(name Name, requestID string) Command {
	return Command{Name: name, RequestID: requestID}
}

// Validate checks the command can be issued.
func (c Command) Validate() error {
	if c.Name == "" {
		return ErrEmptyCommand
	}
	return nil
}

// Issuer delivers a command using one strategy.
type Issuer interface {
	// Strategy names the delivery strategy for logs and metrics.
	Strategy() string
	Issue(ctx context.Context, cmd Command) error
}
