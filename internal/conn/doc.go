// Package conn owns the retryable channel to the progress server. A Manager
// drives one transport binding through an explicit state machine, replaces
// its Session on every reconnect, and publishes typed Events on a channel
// consumed by a single dispatcher. Reconnects are scheduled on a cancellable
// timer that Close always stops.
package conn
