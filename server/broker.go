package server

import (
	"log/slog"
	"sync"

	"github.com/mbocsi/avrharness/proto"
)

// Broker fans pin state notifications out to the clients watching the pin.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[Client]struct{} // Map pin to hashset of Clients

	logger *slog.Logger
}

func NewBroker() *Broker {
	return &Broker{
		subs:   make(map[string]map[Client]struct{}),
		logger: slog.Default(),
	}
}

func (b *Broker) SetLogger(logger *slog.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

func (b *Broker) Subscribe(pin string, client Client) {
	b.logger.Debug("Watching pin", "pin", pin, "clientId", client.Meta().Id)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[pin] == nil {
		b.subs[pin] = make(map[Client]struct{})
	}
	b.subs[pin][client] = struct{}{}
}

// Publish sends msg to every client watching msg.Pin() and returns how many
// clients received it.
func (b *Broker) Publish(msg proto.Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sentCount := 0
	for client := range b.subs[msg.Pin()] {
		err := client.Send(msg)
		if err != nil {
			b.logger.Warn("There was an error publishing a pin state to a watcher", "pin", msg.Pin(), "clientId", client.Meta().Id, "error", err.Error())
			continue
		}
		sentCount++
	}
	b.logger.Debug("Pin state published", "pin", msg.Pin(), "watchers", sentCount)
	return sentCount
}

func (b *Broker) Unsubscribe(pin string, client Client) {
	b.logger.Debug("Unwatching pin", "pin", pin, "clientId", client.Meta().Id)
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[pin]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(b.subs, pin)
		}
	}
}

// UnsubscribeAll removes client from every pin, e.g. on disconnect.
func (b *Broker) UnsubscribeAll(client Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for pin, subs := range b.subs {
		delete(subs, client)
		if len(subs) == 0 {
			delete(b.subs, pin)
		}
	}
}

// Watchers returns the number of clients watching pin.
func (b *Broker) Watchers(pin string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[pin])
}
