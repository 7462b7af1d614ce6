package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteWait        = 10 * time.Second
	defaultPongWait         = 60 * time.Second
	defaultReadLimit        = 1 << 20
)

// WebSocketOptions tunes the gorilla/websocket dialer.
type WebSocketOptions struct {
	HandshakeTimeout time.Duration
	// WriteWait bounds every write and ping.
	WriteWait time.Duration
	// PongWait is how long the read side tolerates silence. Any frame or pong resets it.
	PongWait  time.Duration
	ReadLimit int64
}

// WebSocketDialer dials the backend socket.
type WebSocketDialer struct {
	opts   WebSocketOptions
	dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer, filling unset options with defaults.
func NewWebSocketDialer(opts WebSocketOptions) *WebSocketDialer {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	return &WebSocketDialer{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadBufferSize:   8192,
			WriteBufferSize:  8192,
		},
	}
}

// Dial opens a websocket connection to url.
func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close() //nolint:errcheck // handshake body is not used
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, &Error{Op: "dial", URL: url, Err: err}
	}

	c := &wsConn{conn: conn, opts: d.opts}
	conn.SetReadLimit(d.opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(d.opts.PongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(d.opts.PongWait))
	})
	return c, nil
}

type wsConn struct {
	conn *websocket.Conn
	opts WebSocketOptions

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now()) //nolint:errcheck // unblocks ReadMessage
	})
	defer stop()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = errors.Join(ErrClosed, err)
			}
			return nil, &Error{Op: "read", Err: err}
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)) //nolint:errcheck
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) WriteFrame(ctx context.Context, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return &Error{Op: "write", Err: err}
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &Error{Op: "write", Err: err}
	}
	return nil
}

func (c *wsConn) Ping(ctx context.Context) error {
	if err := c.conn.WriteControl(websocket.PingMessage, nil, c.deadline(ctx)); err != nil {
		return &Error{Op: "ping", Err: err}
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck // best-effort close handshake
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.opts.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}
