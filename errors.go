package ariarpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrConnection       = errors.New("ariarpc: connection error")
	ErrConnectionLost   = errors.New("ariarpc: connection lost")
	ErrConnectionClosed = errors.New("ariarpc: connection closed")
	ErrTimeout          = errors.New("ariarpc: timeout")
	ErrProtocol         = errors.New("ariarpc: protocol error")
	ErrIDSpaceExhausted = errors.New("ariarpc: correlation id space exhausted")
	ErrNotOpen          = errors.New("ariarpc: connection not open")
)

// ConnectionError reports a failure to establish or keep the transport.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("ariarpc: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ariarpc: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// ProtocolError is returned for inbound payloads that are neither a
// response nor a notification. The receive loop logs and drops them.
type ProtocolError struct {
	Reason  string
	Payload []byte
}

func (e *ProtocolError) Error() string {
	return "ariarpc: protocol error: " + e.Reason
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// TimeoutError is returned when no correlated response arrived in time.
type TimeoutError struct {
	ID       ID
	Method   string
	Attempts int
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("ariarpc: call %d timed out after %s", e.ID, e.After)
	}
	if e.Attempts > 1 {
		return fmt.Sprintf("ariarpc: %s (id %d) timed out after %d attempts (%s)", e.Method, e.ID, e.Attempts, e.After)
	}
	return fmt.Sprintf("ariarpc: %s (id %d) timed out after %s", e.Method, e.ID, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// RemoteError is the error object of a valid response. It is never retried.
type RemoteError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("ariarpc: remote error %d: %s", e.Code, e.Message)
}
