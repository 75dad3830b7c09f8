// Package signalr is a small client for ASP.NET Core SignalR hubs speaking the
// JSON hub protocol over WebSockets. It only receives server invocations; the
// console never calls hub methods.
package signalr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const keepAliveInterval = 15 * time.Second

// connectTimeout bounds the websocket upgrade and the protocol handshake
// together. Hub holds its lock while dialing, so this is also the longest a
// subscriber can wait on an unresponsive hub.
var connectTimeout = 5 * time.Second

var ErrClosed = errors.New("signalr connection closed")

type Handler func(args []json.RawMessage)

type handlerEntry struct {
	id uint64
	fn Handler
}

type Client struct {
	conn   *websocket.Conn
	logger logrus.FieldLogger

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   uint64
	err      error
	// backlog holds invocations that arrived with the handshake response,
	// before any handler could be registered.
	backlog []message

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to hubURL (http, https, ws or wss), performs the JSON protocol
// handshake and starts reading invocations.
func Dial(ctx context.Context, hubURL string, header http.Header, logger logrus.FieldLogger) (*Client, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: connectTimeout,
	}
	wsURL := toWebSocketURL(hubURL)
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to hub %s (HTTP %d): %w", wsURL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to hub %s: %w", wsURL, err)
	}

	backlog, err := handshake(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &Client{
		conn:     conn,
		logger:   logger.WithField("hub", wsURL),
		handlers: make(map[string][]handlerEntry),
		backlog:  backlog,
		done:     make(chan struct{}),
	}

	go c.readLoop()
	go c.keepAlive()

	return c, nil
}

// handshake negotiates the JSON protocol and returns any invocations the
// server sent in the same message as its response.
func handshake(ctx context.Context, conn *websocket.Conn) ([]message, error) {
	frame, err := encodeFrame(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		return nil, err
	}

	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(d)
		_ = conn.SetReadDeadline(d)
		defer func() {
			_ = conn.SetWriteDeadline(time.Time{})
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}

	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read handshake response: %w", err)
	}

	frames := splitFrames(data)
	if len(frames) == 0 {
		return nil, errors.New("empty handshake response")
	}

	var resp handshakeResponse
	if err := json.Unmarshal(frames[0], &resp); err != nil {
		return nil, fmt.Errorf("invalid handshake response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("hub rejected handshake: %s", resp.Error)
	}

	var backlog []message
	for _, f := range frames[1:] {
		var msg message
		if err := json.Unmarshal(f, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case messageInvocation:
			backlog = append(backlog, msg)
		case messageClose:
			if msg.Error != "" {
				return nil, fmt.Errorf("hub closed connection: %s", msg.Error)
			}
			return nil, ErrClosed
		}
	}

	return backlog, nil
}

// On registers fn for invocations of target. Target names match
// case-insensitively. Invocations of target that arrived with the handshake
// are delivered to the first handler registered for it before On returns.
// The returned func removes the registration.
func (c *Client) On(target string, fn Handler) func() {
	key := strings.ToLower(target)

	c.mu.Lock()
	var replay []message
	kept := c.backlog[:0]
	for _, msg := range c.backlog {
		if strings.ToLower(msg.Target) == key {
			replay = append(replay, msg)
		} else {
			kept = append(kept, msg)
		}
	}
	c.backlog = kept
	c.mu.Unlock()

	for _, msg := range replay {
		fn(msg.Arguments)
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[key] = append(c.handlers[key], handlerEntry{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		entries := c.handlers[key]
		for i, e := range entries {
			if e.id == id {
				c.handlers[key] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		if len(c.handlers[key]) == 0 {
			delete(c.handlers, key)
		}
	}
}

// Done is closed when the connection ends for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Client) Close() error {
	frame, _ := encodeFrame(message{Type: messageClose})
	_ = c.write(frame)
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("hub read failed: %w", err))
			return
		}

		for _, frame := range splitFrames(data) {
			var msg message
			if err := json.Unmarshal(frame, &msg); err != nil {
				c.logger.WithError(err).Warn("Dropping malformed hub frame")
				continue
			}

			switch msg.Type {
			case messageInvocation:
				c.dispatch(msg)
			case messagePing:
			case messageClose:
				if msg.Error != "" {
					c.shutdown(fmt.Errorf("hub closed connection: %s", msg.Error))
				} else {
					c.shutdown(ErrClosed)
				}
				return
			}
		}
	}
}

func (c *Client) dispatch(msg message) {
	c.mu.RLock()
	entries := append([]handlerEntry(nil), c.handlers[strings.ToLower(msg.Target)]...)
	c.mu.RUnlock()

	for _, e := range entries {
		e.fn(msg.Arguments)
	}
}

func (c *Client) keepAlive() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ping, _ := encodeFrame(message{Type: messagePing})
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(ping); err != nil {
				c.shutdown(fmt.Errorf("hub keep-alive failed: %w", err))
				return
			}
		}
	}
}

func (c *Client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()

		_ = c.conn.Close()
		close(c.done)

		if !errors.Is(err, ErrClosed) {
			c.logger.WithError(err).Warn("Hub connection lost")
		}
	})
}

func toWebSocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}
