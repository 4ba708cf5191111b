// ABOUTME: Error types for frame decoding
// ABOUTME: DecodeError pinpoints the frame or snapshot that was dropped

package feed

import (
	"errors"
	"fmt"
)

// ErrUpstreamAuth indicates the upstream sent an authentication error instead of data.
var ErrUpstreamAuth = errors.New("upstream rejected credentials")

// DecodeError describes a frame or snapshot that could not be decoded.
// Index is -1 when the whole frame was rejected.
type DecodeError struct {
	Index   int
	AgentID string
	Reason  string
	Err     error
}

func (e *DecodeError) Error() string {
	var msg string
	switch {
	case e.Index < 0:
		msg = "frame: " + e.Reason
	case e.AgentID != "":
		msg = fmt.Sprintf("snapshot %d (agent %s): %s", e.Index, e.AgentID, e.Reason)
	default:
		msg = fmt.Sprintf("snapshot %d: %s", e.Index, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func frameError(reason string, err error) *DecodeError {
	return &DecodeError{Index: -1, Reason: reason, Err: err}
}
