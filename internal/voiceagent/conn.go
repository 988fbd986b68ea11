// Package voiceagent is a client for the Deepgram Voice Agent V1 WebSocket API.
package voiceagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultURL is the Voice Agent V1 endpoint.
	DefaultURL = "wss://agent.deepgram.com/v1/agent/converse"

	writeWait        = 10 * time.Second
	maxMessageSize   = 1 << 20
	handshakeTimeout = 10 * time.Second
)

// ErrClosed is returned by Conn operations after Close.
var ErrClosed = errors.New("voiceagent: connection closed")

// Dialer opens agent connections.
type Dialer struct {
	// URL defaults to DefaultURL.
	URL string
	// APIKey is sent as "Authorization: Token <key>".
	APIKey string
	// KeepAlive sends a KeepAlive message at this interval; zero disables it.
	KeepAlive time.Duration

	WebSocket *websocket.Dialer
	Logger    *slog.Logger
}

// Dial connects to the agent endpoint. The returned Conn is idle until
// SendSettings is called.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	target := d.URL
	if target == "" {
		target = DefaultURL
	}
	wsDialer := d.WebSocket
	if wsDialer == nil {
		wsDialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	header := http.Header{}
	if d.APIKey != "" {
		header.Set("Authorization", "Token "+d.APIKey)
	}

	ws, resp, err := wsDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("voiceagent: dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("voiceagent: dial %s: %w", target, err)
	}
	ws.SetReadLimit(maxMessageSize)

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{ws: ws, logger: logger, closed: make(chan struct{})}
	if d.KeepAlive > 0 {
		go c.keepAliveLoop(d.KeepAlive)
	}
	return c, nil
}

// Conn is one agent session. Writes are serialized internally; Listen must
// be called by a single goroutine.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// SendSettings configures the agent. It must be the first message sent.
func (c *Conn) SendSettings(s Settings) error {
	if s.Type == "" {
		s.Type = "Settings"
	}
	return c.writeJSON(s)
}

// SendAudio forwards caller audio in the configured input encoding.
func (c *Conn) SendAudio(audio []byte) error {
	return c.write(websocket.BinaryMessage, audio)
}

// SendFunctionCallResponse answers a client-side function call.
func (c *Conn) SendFunctionCallResponse(id, name, content string) error {
	return c.writeJSON(functionCallResponse{
		Type:    "FunctionCallResponse",
		ID:      id,
		Name:    name,
		Content: content,
	})
}

// Listen reads messages and passes each decoded event to handle until the
// connection fails, is closed, or ctx is canceled. Undecodable text messages
// are logged and skipped. It returns nil on a normal close or after Close,
// and ctx.Err() on cancellation.
func (c *Conn) Listen(ctx context.Context, handle func(Event)) error {
	stop := context.AfterFunc(ctx, func() {
		// Unblock the pending read.
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.isClosed() || isCloseError(err) {
				return nil
			}
			return fmt.Errorf("voiceagent: read: %w", err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			handle(Event{Type: EventAudio, Audio: data})
		case websocket.TextMessage:
			ev, err := DecodeEvent(data)
			if err != nil {
				c.logger.Warn("dropping undecodable agent message", "error", err)
				continue
			}
			handle(ev)
		}
	}
}

// Close closes the connection. It is idempotent and safe to call concurrently.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

func (c *Conn) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.writeJSON(keepAlive{Type: "KeepAlive"}); err != nil {
				if !errors.Is(err, ErrClosed) {
					c.logger.Debug("agent keepalive failed", "error", err)
				}
				return
			}
		}
	}
}

func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("voiceagent: encode: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Conn) write(msgType int, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(msgType, data); err != nil {
		return fmt.Errorf("voiceagent: write: %w", err)
	}
	return nil
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func isCloseError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, net.ErrClosed)
}
