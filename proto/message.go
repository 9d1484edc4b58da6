package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"

	"github.com/google/uuid"
)

// Well-known message keys.
const (
	KeyType       = "type"
	KeyPin        = "pin"
	KeyState      = "state"
	KeyMode       = "mode"
	KeyAction     = "action"
	KeyReplyID    = "replyId"
	KeyExecuted   = "executed"
	KeyCPUTime    = "cpuTime"
	KeyDeprecated = "deprecated"
)

// Message types.
const (
	TypePinMode     = "pinMode"
	TypePinState    = "pinState"
	TypeControl     = "control"
	TypeSerialDebug = "serialDebug"
)

// Message is one decoded JSON object received from (or sent to) the simulator.
// Messages are shared between readers and must not be mutated; use With to derive
// a modified copy.
type Message map[string]any

// Decode parses a single text frame. Only JSON objects are accepted.
func Decode(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("invalid JSON: expected an object, got null")
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid JSON: trailing data after object")
	}
	return msg, nil
}

func (m Message) Type() string    { return m.str(KeyType) }
func (m Message) Pin() string     { return m.str(KeyPin) }
func (m Message) Mode() string    { return m.str(KeyMode) }
func (m Message) ReplyID() string { return m.str(KeyReplyID) }

// State returns the raw state value and whether the key was present.
func (m Message) State() (any, bool) {
	v, ok := m[KeyState]
	return v, ok
}

func (m Message) Executed() bool {
	b, _ := m[KeyExecuted].(bool)
	return b
}

// Deprecated reports whether the simulator flagged the message as a legacy duplicate.
func (m Message) Deprecated() bool {
	v, ok := m[KeyDeprecated]
	return ok && v != nil
}

func (m Message) CPUTime() float64 {
	f, _ := toFloat(m[KeyCPUTime])
	return f
}

// IsReply reports whether m acknowledges a request.
func (m Message) IsReply() bool {
	return m.ReplyID() != "" && m.Executed()
}

// IsPinState reports whether m is a pin state notification.
func (m Message) IsPinState() bool {
	return m.Type() == TypePinState && !m.IsReply() && !m.Deprecated()
}

// With returns a copy of m with key set to value.
func (m Message) With(key string, value any) Message {
	out := make(Message, len(m)+1)
	maps.Copy(out, m)
	out[key] = value
	return out
}

// Equal compares two messages by value, treating all JSON numbers alike.
func (m Message) Equal(other Message) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		ov, ok := other[k]
		if !ok || !ValueEqual(v, ov) {
			return false
		}
	}
	return true
}

// Matches reports whether every key of expected is present in m with an equal
// value. Keys only m carries, such as cpuTime, are ignored.
func (m Message) Matches(expected Message) bool {
	for k, v := range expected {
		mv, ok := m[k]
		if !ok || !ValueEqual(mv, v) {
			return false
		}
	}
	return true
}

func (m Message) str(key string) string {
	s, _ := m[key].(string)
	return s
}

// ValueEqual compares decoded JSON values. Numbers compare numerically
// regardless of their Go type so that a parsed 900 matches a decoded 900.0.
// A boolean compared with a number counts as 1 or 0, so a digital pin reported
// as true equals an expected 1.
func ValueEqual(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum || bNum {
		if !aNum {
			fa, aNum = boolToFloat(a)
		}
		if !bNum {
			fb, bNum = boolToFloat(b)
		}
		return aNum && bNum && fa == fb
	}
	if am, ok := a.(map[string]any); ok {
		bm, ok := b.(map[string]any)
		return ok && Message(am).Equal(Message(bm))
	}
	if am, ok := a.(Message); ok {
		bm, ok := b.(Message)
		return ok && am.Equal(bm)
	}
	if as, ok := a.([]any); ok {
		bs, ok := b.([]any)
		if !ok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !ValueEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func boolToFloat(v any) (float64, bool) {
	b, ok := v.(bool)
	if !ok {
		return 0, false
	}
	if b {
		return 1, true
	}
	return 0, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// NewReplyID returns a fresh correlation token for a request.
func NewReplyID() string {
	return uuid.NewString()
}
