package server

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/avrharness/proto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSTransport upgrades HTTP requests to WebSocket sessions and feeds decoded
// frames to OnMessage. It is an http.Handler so it can be mounted on a router.
type WSTransport struct {
	onMessage    func(Client, proto.Message)
	onConnect    func(Client) error
	onDisconnect func(Client)

	name    string
	path    string
	clients map[string]Client
	cmu     sync.RWMutex
	wg      sync.WaitGroup

	maxClients int
	logger     *slog.Logger
}

func NewWSTransport(path string) *WSTransport {
	return &WSTransport{
		path:       path,
		maxClients: 16,
		clients:    make(map[string]Client),
		logger:     slog.Default(),
	}
}

func (t *WSTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.onConnect == nil || t.onDisconnect == nil || t.onMessage == nil {
		t.logger.Error("WebSocket transport used without OnConnect, OnDisconnect or OnMessage callbacks")
		http.Error(w, "transport not configured", http.StatusInternalServerError)
		return
	}

	t.cmu.RLock()
	clientCount := len(t.clients)
	t.cmu.RUnlock()

	if t.maxClients > 0 && clientCount >= t.maxClients {
		t.logger.Warn("Max clients reached, rejecting connection", "remote_addr", r.RemoteAddr)
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	t.wg.Add(1)
	go t.handleConnection(conn, r.RemoteAddr)
}

func (t *WSTransport) handleConnection(conn *websocket.Conn, remoteAddr string) {
	defer t.wg.Done()
	t.logger.Info("WebSocket client connected", "addr", remoteAddr)

	client := NewWSClient(conn, remoteAddr)
	client.logger = t.logger

	defer func() {
		t.cmu.Lock()
		delete(t.clients, client.Id)
		t.cmu.Unlock()

		t.onDisconnect(client)

		conn.Close()
		ConnectedClients.Dec()
		t.logger.Info("WebSocket client disconnected", "addr", remoteAddr, "id", client.Id)
	}()
	ConnectedClients.Inc()

	err := t.onConnect(client)
	if err != nil {
		t.logger.Error("Failed to register WebSocket client", "addr", remoteAddr, "error", err.Error())
		return
	}

	t.cmu.Lock()
	t.clients[client.Id] = client
	t.cmu.Unlock()

	for {
		_, messageBytes, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				t.logger.Warn("WebSocket connection error", "addr", remoteAddr, "error", err)
			}
			break
		}

		msg, err := proto.Decode(messageBytes)
		if err != nil {
			InvalidFramesTotal.Inc()
			t.logger.Warn("Invalid JSON message received", "error", err, "data", string(messageBytes))
			continue
		}

		t.logger.Debug("WebSocket message received", "type", msg.Type(), "pin", msg.Pin(), "sender", client.Id, "reply_id", msg.ReplyID())
		t.onMessage(client, msg)
	}
}

// Close disconnects every client and waits for their read loops to finish.
func (t *WSTransport) Close() {
	t.cmu.RLock()
	for _, c := range t.clients {
		if ws, ok := c.(*WSClient); ok && ws.conn != nil {
			ws.conn.Close()
		}
	}
	t.cmu.RUnlock()
	t.wg.Wait()
}

func (t *WSTransport) OnMessage(fn func(Client, proto.Message)) {
	t.onMessage = fn
}

func (t *WSTransport) OnConnect(fn func(Client) error) {
	t.onConnect = fn
}

func (t *WSTransport) OnDisconnect(fn func(Client)) {
	t.onDisconnect = fn
}

func (t *WSTransport) Meta() TransportMetadata {
	t.cmu.RLock()
	clients := make(map[string]Client, len(t.clients))
	for id, c := range t.clients {
		clients[id] = c
	}
	t.cmu.RUnlock()
	return TransportMetadata{
		Name:       t.name,
		Protocol:   "websocket",
		Path:       t.path,
		Clients:    clients,
		MaxClients: t.maxClients,
	}
}

func (t *WSTransport) SetName(name string) {
	t.name = name
}

func (t *WSTransport) SetMaxClients(n int) {
	t.maxClients = n
}

// SetLogger replaces the logger used for connection events. nil keeps the
// current one.
func (t *WSTransport) SetLogger(logger *slog.Logger) {
	if logger != nil {
		t.logger = logger
	}
}
