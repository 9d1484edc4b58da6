package services

import (
	"context"
	"time"

	"github.com/mbocsi/avrharness/proto"
)

// waitUntil evaluates check against fresh snapshots of the source until it holds.
// It re-checks whenever the source reports a change and gives up once timeout has
// elapsed, returning ErrTimeout, or when ctx is done.
func (s *PinService) waitUntil(ctx context.Context, wait string, timeout time.Duration, check func([]proto.Message) bool) error {
	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		// Fetch before the snapshot so a message arriving in between still wakes us.
		changed := s.source.Changed()
		if check(s.source.Messages()) {
			WaitDuration.WithLabelValues(wait, "ok").Observe(time.Since(start).Seconds())
			return nil
		}

		select {
		case <-changed:
		case <-timer.C:
			WaitDuration.WithLabelValues(wait, "timeout").Observe(time.Since(start).Seconds())
			return ErrTimeout
		case <-ctx.Done():
			WaitDuration.WithLabelValues(wait, "canceled").Observe(time.Since(start).Seconds())
			return ctx.Err()
		}
	}
}

func timeoutError(message string) error {
	return ServiceError{Code: ErrCodeTimeout, Message: message, Cause: ErrTimeout}
}

// LastState returns the state of the last pinState message for pin in msgs.
// Replies and deprecated messages are ignored.
func LastState(msgs []proto.Message, pin string) (any, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if !m.IsPinState() || m.Pin() != pin {
			continue
		}
		if state, ok := m.State(); ok {
			return state, true
		}
	}
	return nil, false
}

func LastStates(msgs []proto.Message) map[string]any {
	states := make(map[string]any)
	for _, m := range msgs {
		if !m.IsPinState() || m.Pin() == "" {
			continue
		}
		if state, ok := m.State(); ok {
			states[m.Pin()] = state
		}
	}
	return states
}

// CountToggles counts how often consecutive states reported for pin differ.
func CountToggles(msgs []proto.Message, pin string) int {
	return CountTogglesSince(msgs, 0, pin)
}

// CountTogglesSince counts state changes of pin in msgs[from:]. The last state
// reported before from is the baseline for the first change.
func CountTogglesSince(msgs []proto.Message, from int, pin string) int {
	if from > len(msgs) {
		from = len(msgs)
	}
	last, seen := LastState(msgs[:from], pin)

	toggles := 0
	for _, m := range msgs[from:] {
		if !m.IsPinState() || m.Pin() != pin {
			continue
		}
		state, ok := m.State()
		if !ok {
			continue
		}
		if seen && !proto.ValueEqual(state, last) {
			toggles++
		}
		last, seen = state, true
	}
	return toggles
}
