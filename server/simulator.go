package server

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mbocsi/avrharness/proto"
)

// deprecatedNotice is attached to the legacy duplicate of every pin state
// notification when EmitDeprecated is set.
const deprecatedNotice = "legacy message format, use pinState without deprecated flag"

// Simulator plays the AVR side of the control protocol: it keeps pin states,
// runs a Sketch on input changes and notifies watchers of output changes.
type Simulator struct {
	Board  *Board
	Broker *Broker

	sketch         Sketch
	emitDeprecated bool
	start          time.Time
	logger         *slog.Logger

	mu     sync.Mutex // serialises sketch evaluation
	paused bool
}

type SimulatorOptions struct {
	Sketch         Sketch       // Optional (defaults to Idle)
	Board          *Board       // Optional (defaults to new Board if nil)
	Broker         *Broker      // Optional (defaults to new Broker if nil)
	PauseOnStart   bool         // Start with the CPU paused until an unpause request
	EmitDeprecated bool         // Also publish deprecated duplicates of pin states
	Logger         *slog.Logger // Optional (defaults to slog.Default())
}

func NewSimulator(opts SimulatorOptions) *Simulator {
	if opts.Sketch == nil {
		opts.Sketch = Idle{}
	}
	if opts.Board == nil {
		opts.Board = NewBoard()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Broker == nil {
		opts.Broker = NewBroker()
		opts.Broker.SetLogger(opts.Logger)
	}

	s := &Simulator{
		Board:          opts.Board,
		Broker:         opts.Broker,
		sketch:         opts.Sketch,
		emitDeprecated: opts.EmitDeprecated,
		start:          time.Now(),
		logger:         opts.Logger,
		paused:         opts.PauseOnStart,
	}
	if !s.paused {
		s.mu.Lock()
		s.apply(s.sketch.Evaluate(s.Board))
		s.mu.Unlock()
	}
	return s
}

func (s *Simulator) Sketch() Sketch { return s.sketch }

func (s *Simulator) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Run drives Looper sketches until ctx is done. Sketches that only react to
// inputs need no driving; Run then just waits for ctx.
func (s *Simulator) Run(ctx context.Context) {
	looper, ok := s.sketch.(Looper)
	if !ok || looper.Interval() <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(looper.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.paused {
				s.apply(looper.Tick(s.Board))
			}
			s.mu.Unlock()
		}
	}
}

// Handle processes one request from client and acknowledges it when it carries
// a replyId. Rejected requests are acknowledged with executed=false.
func (s *Simulator) Handle(client Client, msg proto.Message) {
	msgType := msg.Type()
	if msgType == "" {
		msgType = "unknown"
	}
	RequestsHandledTotal.WithLabelValues(msgType).Inc()

	var err error
	switch msg.Type() {
	case proto.TypePinMode:
		err = s.handlePinMode(client, msg)
	case proto.TypePinState:
		err = s.handlePinState(msg)
	case proto.TypeControl:
		err = s.handleControl(msg)
	case proto.TypeSerialDebug:
		err = s.handleSerialDebug(client, msg)
	default:
		err = fmt.Errorf("unhandled message type %q", msg.Type())
	}
	if err != nil {
		s.logger.Warn("Rejected request", "type", msg.Type(), "sender", client.Meta().Id, "error", err)
	}

	replyID := msg.ReplyID()
	if replyID == "" {
		return
	}
	reply := proto.Reply(replyID)
	if err != nil {
		reply = reply.With(proto.KeyExecuted, false)
	}
	if sendErr := client.Send(reply); sendErr != nil {
		s.logger.Warn("Failed to send reply", "reply_id", replyID, "error", sendErr)
	}
}

// Disconnect forgets everything client was watching.
func (s *Simulator) Disconnect(client Client) {
	s.Broker.UnsubscribeAll(client)
}

func (s *Simulator) handlePinMode(client Client, msg proto.Message) error {
	pin, mode := msg.Pin(), msg.Mode()
	if pin == "" {
		return fmt.Errorf("pinMode without pin")
	}

	meta := client.Meta()
	switch mode {
	case proto.ModeNone:
		s.Broker.Unsubscribe(pin, client)
		meta.Mu.Lock()
		delete(meta.Modes, pin)
		meta.Mu.Unlock()
		return nil
	case proto.ModeDigital, proto.ModeAnalog:
	default:
		return fmt.Errorf("invalid mode %q for pin %s", mode, pin)
	}

	meta.Mu.Lock()
	meta.Modes[pin] = mode
	meta.Mu.Unlock()
	s.Broker.Subscribe(pin, client)

	// New watchers learn the current state right away.
	if state, ok := s.Board.Get(pin); ok {
		if err := client.Send(s.pinStateMessage(pin, state)); err != nil {
			s.logger.Warn("Failed to send initial pin state", "pin", pin, "error", err)
		}
	}
	return nil
}

func (s *Simulator) handlePinState(msg proto.Message) error {
	pin := msg.Pin()
	raw, ok := msg.State()
	if pin == "" || !ok {
		return fmt.Errorf("pinState needs pin and state")
	}
	state, err := normalizeState(raw)
	if err != nil {
		return fmt.Errorf("pin %s: %w", pin, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Board.Set(pin, state) {
		s.publish(pin, state)
	}
	if !s.paused {
		s.apply(s.sketch.Evaluate(s.Board))
	}
	return nil
}

func (s *Simulator) handleControl(msg proto.Message) error {
	action, _ := msg[proto.KeyAction].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch action {
	case proto.ActionPause:
		s.paused = true
	case proto.ActionUnpause:
		if s.paused {
			s.paused = false
			s.apply(s.sketch.Evaluate(s.Board))
		}
	default:
		return fmt.Errorf("invalid control action %q", action)
	}
	s.logger.Info("CPU control", "action", action)
	return nil
}

func (s *Simulator) handleSerialDebug(client Client, msg proto.Message) error {
	raw, _ := msg.State()
	on, ok := raw.(bool)
	if !ok {
		return fmt.Errorf("serialDebug state must be a boolean")
	}
	meta := client.Meta()
	meta.Mu.Lock()
	meta.SerialDebug = on
	meta.Mu.Unlock()
	return nil
}

// apply stores sketch outputs and notifies watchers of changes. Callers hold s.mu.
func (s *Simulator) apply(outputs map[string]any) {
	for pin, state := range outputs {
		if s.Board.Set(pin, state) {
			s.publish(pin, state)
		}
	}
}

func (s *Simulator) publish(pin string, state any) {
	msg := s.pinStateMessage(pin, state)
	n := s.Broker.Publish(msg)
	PinStatesPublishedTotal.Add(float64(n))
	if s.emitDeprecated {
		s.Broker.Publish(msg.With(proto.KeyDeprecated, deprecatedNotice))
	}
}

func (s *Simulator) pinStateMessage(pin string, state any) proto.Message {
	return proto.Message{
		proto.KeyType:    proto.TypePinState,
		proto.KeyPin:     pin,
		proto.KeyState:   state,
		proto.KeyCPUTime: time.Since(s.start).Seconds(),
	}
}

// normalizeState maps decoded JSON states to bool or int.
func normalizeState(v any) (any, error) {
	switch st := v.(type) {
	case bool:
		return st, nil
	case int:
		return st, nil
	case int64:
		return int(st), nil
	case float64:
		if st != math.Trunc(st) {
			return nil, fmt.Errorf("state %v is not an integer", st)
		}
		return int(st), nil
	default:
		return nil, fmt.Errorf("state %v (%T) is neither boolean nor integer", v, v)
	}
}
