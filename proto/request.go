package proto

import (
	"errors"
	"fmt"
	"strings"
)

// Pin report modes understood by the simulator.
const (
	ModeDigital = "digital"
	ModeAnalog  = "analog"
	ModeNone    = "none"
)

// Control actions.
const (
	ActionPause   = "pause"
	ActionUnpause = "unpause"
)

var validModes = map[string]bool{
	ModeDigital: true,
	ModeAnalog:  true,
	ModeNone:    true,
}

// PinMode asks the simulator to report changes of pin using mode.
func PinMode(pin, mode string) (Message, error) {
	if err := validatePin(pin); err != nil {
		return nil, err
	}
	if !validModes[mode] {
		return nil, fmt.Errorf("invalid pin mode %q for pin %s", mode, pin)
	}
	return Message{KeyType: TypePinMode, KeyPin: pin, KeyMode: mode}, nil
}

// PinState drives an input pin. state must be a bool (digital) or an integer (analog).
func PinState(pin string, state any) (Message, error) {
	if err := validatePin(pin); err != nil {
		return nil, err
	}
	switch state.(type) {
	case bool, int, int64:
	default:
		return nil, fmt.Errorf("invalid state %v (%T) for pin %s: want bool or int", state, state, pin)
	}
	return Message{KeyType: TypePinState, KeyPin: pin, KeyState: state}, nil
}

// Control pauses or resumes the simulated CPU.
func Control(action string) (Message, error) {
	if action != ActionPause && action != ActionUnpause {
		return nil, fmt.Errorf("invalid control action %q", action)
	}
	return Message{KeyType: TypeControl, KeyAction: action}, nil
}

// SerialDebug toggles serialDebug notifications.
func SerialDebug(on bool) Message {
	return Message{KeyType: TypeSerialDebug, KeyState: on}
}

// Reply builds the acknowledgement the simulator sends for a request.
func Reply(replyID string) Message {
	return Message{KeyReplyID: replyID, KeyExecuted: true}
}

func validatePin(pin string) error {
	if strings.TrimSpace(pin) == "" {
		return errors.New("pin is required")
	}
	return nil
}
