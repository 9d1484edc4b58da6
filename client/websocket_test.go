package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer replies to every text frame with the same frame and then sends any
// extra frames queued by the test.
func echoServer(t *testing.T, extra ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, e := range extra {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(e)); err != nil {
				return
			}
		}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ws://localhost:8080", "ws://localhost:8080/"},
		{"ws://localhost:8080/ws", "ws://localhost:8080/ws"},
		{"localhost:8080", "ws://localhost:8080/"},
		{"127.0.0.1:8080", "ws://127.0.0.1:8080/"},
		{"http://localhost:8080", "ws://localhost:8080/"},
		{"https://example.com", "wss://example.com/"},
		{"tcp://localhost:1234", "ws://localhost:1234/"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := normalizeURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := normalizeURL("ftp://localhost")
	assert.Error(t, err)
}

func TestWebSocketConn_SendAndRead(t *testing.T) {
	srv := echoServer(t)

	conn, err := Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send([]byte(`{"type":"pinMode","pin":"D10","mode":"digital"}`)))
	data, err := conn.Read()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pinMode","pin":"D10","mode":"digital"}`, string(data))
}

func TestWebSocketConn_DialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1")
	assert.Error(t, err)
}

func TestWebSocketConn_NilConnection(t *testing.T) {
	var conn WebSocketConn
	_, err := conn.Read()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, conn.Send([]byte("{}")), ErrNotConnected)
	assert.NoError(t, conn.Close())
}

func TestListener_OverWebSocket(t *testing.T) {
	srv := echoServer(t,
		`{"type":"pinState","pin":"D10","state":true}`,
		`garbage`,
		`{"type":"pinState","pin":"D10","state":false}`,
	)

	l := NewURLListener(wsURL(srv), RetryPolicy{MaxRetries: 3, RetryInterval: 10 * time.Millisecond}, WithLogger(quietLogger()))
	l.Start(context.Background())
	require.True(t, l.Running())

	require.NoError(t, l.Conn().Send([]byte(`{"replyId":"X","executed":true}`)))

	msgs := waitForCount(t, l, 3)
	require.Len(t, msgs, 3)
	assert.Equal(t, true, msgs[0]["state"])
	assert.Equal(t, false, msgs[1]["state"])
	assert.Equal(t, "X", msgs[2].ReplyID())

	l.Stop()
	assert.False(t, l.Running())
	assert.NoError(t, l.Err())
}

func TestListener_ServerCloseStopsLoop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		conn.Close()
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)

	l := NewListener(conn, WithLogger(quietLogger()))
	l.Start(context.Background())
	defer l.Stop()

	require.Eventually(t, func() bool { return !l.Running() }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, l.Messages(), 1)
	assert.Error(t, l.Err())
}
