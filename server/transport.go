package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbocsi/avrharness/proto"
)

type TransportMetadata struct {
	Name     string // Human-friendly name, e.g. "virtualavr stub"
	Protocol string // Always "websocket" for now
	Path     string // Route the transport is mounted on

	Clients    map[string]Client // Current active clients
	MaxClients int               // Max allowed clients (0 means unlimited)
}

type ClientMetadata struct {
	Id          string
	RemoteAddr  string
	ConnectedAt time.Time
	Modes       map[string]string // pin -> report mode requested via pinMode
	SerialDebug bool
	Mu          sync.RWMutex
}

// Client is one connection to the stub, typically a harness listener.
type Client interface {
	Send(proto.Message) error
	Meta() *ClientMetadata
}

func generateClientId(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
