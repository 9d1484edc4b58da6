package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mbocsi/avrharness/proto"
)

// SSEClient streams pin state notifications to an HTTP client as
// Server-Sent Events.
type SSEClient struct {
	ClientMetadata
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func NewSSEClient(w http.ResponseWriter, flusher http.Flusher, remoteAddr string) *SSEClient {
	return &SSEClient{
		writer:  w,
		flusher: flusher,
		ClientMetadata: ClientMetadata{
			Id:          generateClientId("sse"),
			RemoteAddr:  remoteAddr,
			ConnectedAt: time.Now(),
			Modes:       make(map[string]string),
		},
	}
}

func (c *SSEClient) Send(msg proto.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.writer, "event: %s\ndata: %s\n\n", msg.Type(), data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *SSEClient) Meta() *ClientMetadata {
	return &c.ClientMetadata
}
