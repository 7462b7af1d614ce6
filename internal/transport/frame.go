// Package transport owns the physical duplex channel to the queue backend.
// It has no knowledge of conversations or queues; it moves JSON frames.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// FrameType is the envelope discriminator.
type FrameType string

const (
	FrameEvent     FrameType = "event"
	FrameSubscribe FrameType = "subscribe"
	FrameAck       FrameType = "ack"
	FrameError     FrameType = "error"
)

// Frame is the JSON envelope exchanged over the socket.
type Frame struct {
	Type    FrameType       `json:"type"`
	Event   string          `json:"event,omitempty"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

// NewFrame marshals payload into a frame of the given type.
func NewFrame(frameType FrameType, event string, payload any) (Frame, error) {
	frame := Frame{Type: frameType, Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s payload: %w", frameType, err)
		}
		frame.Payload = data
	}
	return frame, nil
}

// Conn is one open channel to the server.
//
// Read blocks until a data frame arrives, the connection fails, or ctx is done.
// WriteFrame and Ping may be called concurrently with Read.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame Frame) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	return f(ctx, url, header)
}

// ErrTransport matches every *Error with errors.Is.
var ErrTransport = errors.New("transport error")

// ErrClosed is wrapped when an operation is attempted on a closed connection.
var ErrClosed = errors.New("connection closed")

// Error is a network-level failure: timeout, refused, TLS, dropped socket.
// These are always retryable from the caller's point of view.
type Error struct {
	Op  string
	URL string
	Err error
}

func (e *Error) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrTransport) true for any *Error.
func (e *Error) Is(target error) bool {
	return target == ErrTransport
}

// IsTransportError reports whether err came from the transport layer.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransport)
}
