// ABOUTME: Connectivity status events emitted by the feed supervisor
// ABOUTME: Consumers use them to tell "no data" apart from "disconnected"

package stream

import "time"

// State is a connection lifecycle state.
type State string

const (
	StateConnecting      State = "connecting"
	StateConnected       State = "connected"
	StateDisconnected    State = "disconnected"
	StateReconnecting    State = "reconnecting"
	StateAuthFailed      State = "auth_failed"
	StateAuthFailedFatal State = "auth_failed_fatal"
	StateStopped         State = "stopped"
)

// Status is one lifecycle event.
type Status struct {
	State State `json:"state"`
	// Attempt counts consecutive unsuccessful connection attempts.
	Attempt int `json:"attempt,omitempty"`
	// Generation identifies the connection the event belongs to.
	Generation uint64 `json:"generation,omitempty"`
	// RetryInMs is the backoff delay before the next attempt.
	RetryInMs int64     `json:"retry_in_ms,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Connected reports whether the feed is currently live.
func (s Status) Connected() bool {
	return s.State == StateConnected
}

// Fatal reports whether the supervisor gave up and needs a manual login.
func (s Status) Fatal() bool {
	return s.State == StateAuthFailedFatal
}

// StatusSink receives lifecycle events. It is called from the supervisor
// goroutine and must not block.
type StatusSink func(Status)
