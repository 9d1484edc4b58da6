package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbocsi/avrharness/client"
	"github.com/mbocsi/avrharness/proto"
)

// DefaultTimeout is used by waits called with a non-positive timeout.
const DefaultTimeout = 20 * time.Second

// Option configures a PinService.
type Option func(*PinService)

// WithTimeout sets the timeout used when a wait is called without one.
func WithTimeout(timeout time.Duration) Option {
	return func(s *PinService) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *PinService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// PinService sends requests to the simulator and waits for the resulting
// messages to show up in a listener's log.
type PinService struct {
	source  MessageSource
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	mark int
}

// NewPinService creates a pin service reading from source
func NewPinService(source MessageSource, opts ...Option) *PinService {
	s := &PinService{
		source:  source,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Timeout returns the default wait timeout.
func (s *PinService) Timeout() time.Duration {
	return s.timeout
}

// Send stamps msg with a fresh replyId, writes it and returns the replyId.
func (s *PinService) Send(ctx context.Context, msg proto.Message) (string, error) {
	replyID := proto.NewReplyID()
	if err := s.write(ctx, msg.With(proto.KeyReplyID, replyID)); err != nil {
		return "", err
	}
	return replyID, nil
}

// SendRaw writes msg as is, without asking for a reply.
func (s *PinService) SendRaw(ctx context.Context, msg proto.Message) error {
	return s.write(ctx, msg)
}

func (s *PinService) write(ctx context.Context, msg proto.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn := s.source.Conn()
	if conn == nil {
		return ServiceError{
			Code:    ErrCodeNotConnected,
			Message: "Cannot send " + msg.Type() + " message",
			Cause:   client.ErrNotConnected,
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return ServiceError{
			Code:    ErrCodeInvalidInput,
			Message: "Failed to marshal message",
			Cause:   err,
		}
	}
	if err := conn.Send(data); err != nil {
		return ServiceError{
			Code:    ErrCodeInternal,
			Message: "Failed to send " + msg.Type() + " message",
			Cause:   err,
		}
	}

	RequestsSentTotal.WithLabelValues(msg.Type()).Inc()
	s.logger.Debug("Sent WebSocket message", "message", string(data))
	return nil
}

// SendAndWait sends msg and waits for the simulator to acknowledge it.
func (s *PinService) SendAndWait(ctx context.Context, msg proto.Message) error {
	replyID, err := s.Send(ctx, msg)
	if err != nil {
		return err
	}
	return s.WaitForReply(ctx, replyID, 0)
}

// WaitForReply waits until a message with replyID and executed=true was received.
func (s *PinService) WaitForReply(ctx context.Context, replyID string, timeout time.Duration) error {
	timeout = s.effective(timeout)
	err := s.waitUntil(ctx, "reply", timeout, func(msgs []proto.Message) bool {
		for _, m := range msgs {
			if m.ReplyID() == replyID && m.Executed() {
				return true
			}
		}
		return false
	})
	if errors.Is(err, ErrTimeout) {
		return timeoutError(fmt.Sprintf("Reply for replyId %s not received within %s", replyID, timeout))
	}
	if err == nil {
		s.logger.Debug("Received reply", "reply_id", replyID)
	}
	return err
}

// WaitForPinState waits until the most recent state reported for pin equals
// expected. Earlier matching states do not count.
func (s *PinService) WaitForPinState(ctx context.Context, pin string, expected any, timeout time.Duration) error {
	timeout = s.effective(timeout)
	err := s.waitUntil(ctx, "pin_state", timeout, func(msgs []proto.Message) bool {
		state, ok := LastState(msgs, pin)
		return ok && proto.ValueEqual(state, expected)
	})
	if errors.Is(err, ErrTimeout) {
		last, ok := s.LastState(pin)
		if !ok {
			last = "nothing"
		}
		return timeoutError(fmt.Sprintf("Expected state %v for pin %s not received within %s (last reported %v)", expected, pin, timeout, last))
	}
	return err
}

// WaitForMessage waits until a message carrying every key of expected with an
// equal value was received after the current clear mark. Additional keys such
// as cpuTime are ignored.
func (s *PinService) WaitForMessage(ctx context.Context, expected proto.Message, timeout time.Duration) error {
	timeout = s.effective(timeout)
	err := s.waitUntil(ctx, "message", timeout, func(msgs []proto.Message) bool {
		for _, m := range s.sinceMark(msgs) {
			if m.Matches(expected) {
				return true
			}
		}
		return false
	})
	if errors.Is(err, ErrTimeout) {
		data, _ := json.Marshal(expected)
		return timeoutError(fmt.Sprintf("Expected message %s not received within %s", data, timeout))
	}
	return err
}

// WaitForToggleCount waits until pin changed state at least n times after the
// current clear mark.
func (s *PinService) WaitForToggleCount(ctx context.Context, pin string, n int, timeout time.Duration) error {
	timeout = s.effective(timeout)
	err := s.waitUntil(ctx, "toggles", timeout, func(msgs []proto.Message) bool {
		return CountTogglesSince(msgs, s.Mark(), pin) >= n
	})
	if errors.Is(err, ErrTimeout) {
		return timeoutError(fmt.Sprintf("Expected %d toggles for pin %s, but only %d toggles were received within %s", n, pin, s.Toggles(pin), timeout))
	}
	return err
}

// PinMode asks the simulator to report pin and waits for the acknowledgement.
func (s *PinService) PinMode(ctx context.Context, pin, mode string) error {
	msg, err := proto.PinMode(pin, mode)
	if err != nil {
		return ServiceError{Code: ErrCodeInvalidInput, Message: "Invalid pinMode request", Cause: err}
	}
	return s.SendAndWait(ctx, msg)
}

// SetPinState drives an input pin and waits for the acknowledgement.
func (s *PinService) SetPinState(ctx context.Context, pin string, state any) error {
	msg, err := proto.PinState(pin, state)
	if err != nil {
		return ServiceError{Code: ErrCodeInvalidInput, Message: "Invalid pinState request", Cause: err}
	}
	return s.SendAndWait(ctx, msg)
}

func (s *PinService) Pause(ctx context.Context) error {
	return s.control(ctx, proto.ActionPause)
}

func (s *PinService) Unpause(ctx context.Context) error {
	return s.control(ctx, proto.ActionUnpause)
}

func (s *PinService) control(ctx context.Context, action string) error {
	msg, err := proto.Control(action)
	if err != nil {
		return ServiceError{Code: ErrCodeInvalidInput, Message: "Invalid control request", Cause: err}
	}
	return s.SendAndWait(ctx, msg)
}

// SerialDebug switches serialDebug notifications on or off.
func (s *PinService) SerialDebug(ctx context.Context, on bool) error {
	return s.SendAndWait(ctx, proto.SerialDebug(on))
}

// LastState returns the most recent state reported for pin.
func (s *PinService) LastState(pin string) (any, bool) {
	return LastState(s.source.Messages(), pin)
}

// LastStates returns the most recent state of every reported pin.
func (s *PinService) LastStates() map[string]any {
	return LastStates(s.source.Messages())
}

// Toggles counts state changes of pin after the clear mark.
func (s *PinService) Toggles(pin string) int {
	return CountTogglesSince(s.source.Messages(), s.Mark(), pin)
}

// ClearMark hides everything received so far from WaitForMessage and starts
// toggle counting afresh, using each pin's current state as the baseline. Pin
// state checks keep using the full log so that a pin whose state did not change
// since still has a known state.
func (s *PinService) ClearMark() {
	n := len(s.source.Messages())
	s.mu.Lock()
	s.mark = n
	s.mu.Unlock()
	s.logger.Debug("Cleared the message queue", "mark", n)
}

// Mark returns the log position recorded by the last ClearMark.
func (s *PinService) Mark() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mark
}

func (s *PinService) sinceMark(msgs []proto.Message) []proto.Message {
	mark := s.Mark()
	if mark > len(msgs) {
		return nil
	}
	return msgs[mark:]
}

func (s *PinService) effective(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return s.timeout
	}
	return timeout
}
