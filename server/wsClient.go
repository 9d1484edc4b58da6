package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbocsi/avrharness/proto"
)

type WSClient struct {
	ClientMetadata
	conn   *websocket.Conn
	wmu    sync.Mutex
	logger *slog.Logger
}

func NewWSClient(conn *websocket.Conn, remoteAddr string) *WSClient {
	return &WSClient{
		conn:   conn,
		logger: slog.Default(),
		ClientMetadata: ClientMetadata{
			Id:          generateClientId("ws"),
			RemoteAddr:  remoteAddr,
			ConnectedAt: time.Now(),
			Modes:       make(map[string]string),
		},
	}
}

func (c *WSClient) Send(msg proto.Message) error {
	if c.conn == nil {
		return errors.New("websocket client is not connected")
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, jsonData)
	c.wmu.Unlock()
	if err != nil {
		return err
	}

	c.logger.Debug("Sent WebSocket Message", "to", c.Id, "type", msg.Type(), "pin", msg.Pin(), "size", len(jsonData))
	return nil
}

func (c *WSClient) Meta() *ClientMetadata {
	return &c.ClientMetadata
}
