package server

import (
	"maps"
	"strconv"
	"sync"

	"github.com/mbocsi/avrharness/proto"
)

// Board holds the last known state of every pin of the simulated AVR.
type Board struct {
	mu     sync.RWMutex
	states map[string]any
}

func NewBoard() *Board {
	return &Board{states: make(map[string]any)}
}

// Set stores state for pin and reports whether the value changed.
func (b *Board) Set(pin string, state any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	old, ok := b.states[pin]
	b.states[pin] = state
	return !ok || !proto.ValueEqual(old, state)
}

func (b *Board) Get(pin string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	state, ok := b.states[pin]
	return state, ok
}

// Int reads pin as an analog value. Digital true reads as 1, unknown pins as 0.
func (b *Board) Int(pin string) int {
	state, _ := b.Get(pin)
	switch v := state.(type) {
	case bool:
		if v {
			return 1
		}
		return 0
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

// Bool reads pin as a digital value.
func (b *Board) Bool(pin string) bool {
	state, _ := b.Get(pin)
	if v, ok := state.(bool); ok {
		return v
	}
	return b.Int(pin) != 0
}

func (b *Board) Snapshot() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.states)
}
