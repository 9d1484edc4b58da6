package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeWriteTimeout = time.Second

// WebSocketConn is a Conn over a gorilla WebSocket. Writes are serialised so that
// several goroutines may send while the listener reads.
type WebSocketConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// NewWebSocketConn wraps an already established connection.
func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{conn: conn}
}

// Dial connects to a simulator control channel. Addresses without a scheme are
// treated as ws://host:port.
func Dial(ctx context.Context, addr string) (Conn, error) {
	conn, err := DialTimeout(ctx, addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// DialTimeout is Dial with an explicit handshake timeout.
func DialTimeout(ctx context.Context, addr string, handshakeTimeout time.Duration) (*WebSocketConn, error) {
	target, err := normalizeURL(addr)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to WebSocket server %s (HTTP %d): %w", target, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to WebSocket server %s: %w", target, err)
	}
	return NewWebSocketConn(conn), nil
}

func normalizeURL(addr string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		// "localhost:8080" parses as scheme "localhost"
		u, err = url.Parse("ws://" + addr)
		if err != nil {
			return "", fmt.Errorf("invalid WebSocket URL: %w", err)
		}
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "tcp":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid WebSocket URL %q: unsupported scheme %q", addr, u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

func (t *WebSocketConn) Read() ([]byte, error) {
	if t.conn == nil {
		return nil, ErrNotConnected
	}

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("WebSocket connection error: %w", err)
			}
			return nil, fmt.Errorf("connection closed: %w", err)
		}
		if messageType != websocket.TextMessage {
			slog.Debug("Ignoring non-text WebSocket frame", "type", messageType, "size", len(data))
			continue
		}
		return data, nil
	}
}

func (t *WebSocketConn) Send(data []byte) error {
	if t.conn == nil {
		return ErrNotConnected
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send WebSocket message: %w", err)
	}
	return nil
}

func (t *WebSocketConn) Close() error {
	if t.conn == nil {
		return nil
	}

	t.wmu.Lock()
	err := t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWriteTimeout))
	t.wmu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		// Still close the socket below.
		slog.Debug("Failed to send close message", "error", err)
	}

	return t.conn.Close()
}
