// ABOUTME: Transport interfaces for the chat stream and the gorilla/websocket implementation
// ABOUTME: Dial performs the bearer handshake and waits for the server's ack frame

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/support-chat/internal/chat"
)

// Dialer opens an authenticated stream connection. Dial returns only after the
// handshake completed: an error matching chat.ErrAuth means the credential was
// rejected, anything else matches chat.ErrTransport.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is a live, handshaken stream connection.
// Receive must be called from a single goroutine; Send is safe for concurrent use.
type Conn interface {
	Receive() (Event, error)
	Send(cmd Command) error
	Close() error
}

const writeTimeout = 10 * time.Second

// WebSocketDialer connects to the chat stream over a WebSocket.
type WebSocketDialer struct {
	URL              string
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	Logger           *slog.Logger
}

// NewWebSocketDialer creates a dialer for url. Pass nil logger for default.
func NewWebSocketDialer(url string, handshakeTimeout time.Duration, logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{
		URL:              url,
		HandshakeTimeout: handshakeTimeout,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		Logger: logger.With("component", "stream"),
	}
}

// Dial upgrades to a WebSocket with the bearer token and waits for the ack frame.
func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := d.Dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &chat.Error{Kind: chat.ErrAuth, Op: "stream handshake", Status: resp.StatusCode}
		}
		return nil, chat.Transport("stream dial", err)
	}

	if err := d.awaitAck(ctx, ws); err != nil {
		_ = ws.Close()
		return nil, err
	}

	d.Logger.Debug("stream handshake complete", "url", d.URL)
	return &wsConn{ws: ws, logger: d.Logger}, nil
}

// awaitAck reads the first frame, which must be connected or connect_error.
func (d *WebSocketDialer) awaitAck(ctx context.Context, ws *websocket.Conn) error {
	deadline := time.Now().Add(d.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := ws.SetReadDeadline(deadline); err != nil {
		return chat.Transport("stream handshake", err)
	}

	_, data, err := ws.ReadMessage()
	if err != nil {
		return chat.Transport("stream handshake", err)
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return chat.Transport("stream handshake", fmt.Errorf("decoding ack: %w", err))
	}

	switch EventType(frame.Event) {
	case EventConnected:
	case EventConnectError:
		return connectError(frame)
	default:
		return chat.Transport("stream handshake", fmt.Errorf("unexpected frame %q before ack", frame.Event))
	}

	if err := ws.SetReadDeadline(time.Time{}); err != nil {
		return chat.Transport("stream handshake", err)
	}
	return nil
}

func connectError(frame Frame) error {
	var data ConnectErrorData
	_ = json.Unmarshal(frame.Data, &data)
	if data.Message == "" {
		data.Message = "connection rejected"
	}
	return chat.Auth("stream handshake", data.Message)
}

type wsConn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Receive returns the next decodable event. Unknown or malformed frames are
// logged and skipped. A connect_error frame mid-session is an auth failure.
func (c *wsConn) Receive() (Event, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, chat.Transport("stream receive", err)
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if EventType(frame.Event) == EventConnectError {
			return nil, connectError(frame)
		}

		ev, err := DecodeFrame(frame)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				c.logger.Debug("ignoring unknown event", "event", frame.Event)
			} else {
				c.logger.Warn("dropping invalid event", "event", frame.Event, "error", err)
			}
			continue
		}
		return ev, nil
	}
}

// Send writes a command frame.
func (c *wsConn) Send(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return chat.Transport("stream send", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return chat.Transport("stream send", err)
	}
	return nil
}

// Close sends a close frame and closes the socket. Safe to call more than once.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
