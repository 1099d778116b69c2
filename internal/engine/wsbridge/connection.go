package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/dcdl-sim/controller/pkg/streaming"
)

const (
	sendChSize = 256
	writeWait  = 10 * time.Second
)

var errClosed = errors.New("connection closed")

// connection manages a WebSocket connection with a single write goroutine.
// Responses are routed back to callers by request id.
type connection struct {
	mu      sync.Mutex
	conn    *ws.Conn
	sendCh  chan []byte
	done    chan struct{} // closed on shutdown
	closed  bool
	failure error // first transport error; every later request fails with it

	nextID  atomic.Uint64
	pending map[uint64]chan streaming.Response

	logger *slog.Logger
}

func newConnection(logger *slog.Logger) *connection {
	return &connection{
		sendCh:  make(chan []byte, sendChSize),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan streaming.Response),
		logger:  logger,
	}
}

// dial connects to the relay with the secret query param and starts the
// read and write loops.
func (c *connection) dial(rawURL, secret string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid websocket URL: %w", err)
	}
	if secret != "" {
		q := u.Query()
		q.Set("secret", secret)
		u.RawQuery = q.Encode()
	}

	conn, _, err := ws.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.writeLoop()
	go c.readLoop()
	return nil
}

// writeLoop drains sendCh and writes messages to the WebSocket.
func (c *connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}

			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.fail(fmt.Errorf("set write deadline: %w", err))
				return
			}
			if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
				c.fail(fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

// readLoop reads responses and hands each one to the waiting caller.
func (c *connection) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.fail(fmt.Errorf("read: %w", err))
			return
		}

		var resp streaming.Response
		if err := json.Unmarshal(message, &resp); err != nil {
			c.logger.Debug("Undecodable relay message", "raw", string(message))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("Response without a pending request", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

// fail records the first transport error and releases every waiting caller.
// The engine session cannot be resumed on a new socket, so there is no
// reconnect.
func (c *connection) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure != nil || c.closed {
		return
	}
	c.failure = err
	c.logger.Warn("WebSocket connection lost", "error", err)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// request sends one envelope and blocks until the matching response arrives,
// ctx is done, or timeout expires.
func (c *connection) request(ctx context.Context, msgType string, payload any, timeout time.Duration) (streaming.Response, error) {
	env := streaming.Envelope{ID: c.nextID.Add(1), Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return streaming.Response{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return streaming.Response{}, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}

	ch := make(chan streaming.Response, 1)
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return streaming.Response{}, errClosed
	case c.failure != nil:
		err := c.failure
		c.mu.Unlock()
		return streaming.Response{}, err
	}
	c.pending[env.ID] = ch
	c.mu.Unlock()

	select {
	case c.sendCh <- data:
	case <-ctx.Done():
		c.forget(env.ID)
		return streaming.Response{}, ctx.Err()
	case <-c.done:
		return streaming.Response{}, errClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.failure
			c.mu.Unlock()
			return streaming.Response{}, err
		}
		return resp, nil
	case <-timer.C:
		c.forget(env.ID)
		return streaming.Response{}, fmt.Errorf("timeout waiting for %s response", msgType)
	case <-ctx.Done():
		c.forget(env.ID)
		return streaming.Response{}, ctx.Err()
	case <-c.done:
		return streaming.Response{}, errClosed
	}
}

// err reports why the connection can no longer carry requests, or nil.
func (c *connection) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	return c.failure
}

func (c *connection) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// close sends a WebSocket close frame and shuts down all goroutines.
func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
		)
		return conn.Close()
	}
	return nil
}
