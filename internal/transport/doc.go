// Package transport groups the physical channel bindings used by conn.Manager:
// a bidirectional websocket and a receive-only server-sent events stream.
package transport
