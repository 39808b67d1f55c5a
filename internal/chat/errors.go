package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a message is sent while the
	// connection is not open.
	ErrNotConnected = errors.New("chat: not connected")

	// ErrUnauthenticated is returned when an operation needs a credential
	// and none is stored.
	ErrUnauthenticated = errors.New("chat: sign in required")
)

// ParseError describes an inbound frame that could not be decoded.
type ParseError struct {
	Payload string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("chat: malformed frame %q", e.Payload)
	}
	return fmt.Sprintf("chat: malformed frame %q: %v", e.Payload, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TransportError wraps a socket-level failure.
type TransportError struct {
	Op  string // dial, read, write
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chat: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AssistantRequestError is a failed call to the assistant service: network
// failure, timeout, non-2xx status or an undecodable body.
type AssistantRequestError struct {
	Status  int // 0 when no response was received
	Message string
	Err     error
}

func (e *AssistantRequestError) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("assistant: %s (status %d)", e.Message, e.Status)
	case e.Status != 0:
		return fmt.Sprintf("assistant: status %d", e.Status)
	case e.Err != nil:
		return fmt.Sprintf("assistant: %v", e.Err)
	default:
		return "assistant: " + e.Message
	}
}

func (e *AssistantRequestError) Unwrap() error { return e.Err }

// truncatePayload keeps ParseError messages readable for large frames.
func truncatePayload(b []byte) string {
	const max = 120
	if len(b) > max {
		return string(b[:max]) + "...[truncated]"
	}
	return string(b)
}
