package services

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/avrharness/client"
	"github.com/mbocsi/avrharness/proto"
)

// fakeSource is an in-memory MessageSource. Its connection acknowledges every
// request carrying a replyId when autoReply is set.
type fakeSource struct {
	mu        sync.Mutex
	msgs      []proto.Message
	changed   chan struct{}
	sent      []proto.Message
	autoReply bool
	noConn    bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{changed: make(chan struct{}), autoReply: true}
}

func (f *fakeSource) push(msgs ...proto.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *fakeSource) pushLater(d time.Duration, msgs ...proto.Message) {
	go func() {
		time.Sleep(d)
		f.push(msgs...)
	}()
}

func (f *fakeSource) Messages() []proto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proto.Message(nil), f.msgs...)
}

func (f *fakeSource) Changed() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changed
}

func (f *fakeSource) Conn() client.Conn {
	if f.noConn {
		return nil
	}
	return fakeConn{f}
}

func (f *fakeSource) sentMessages() []proto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proto.Message(nil), f.sent...)
}

type fakeConn struct{ f *fakeSource }

func (c fakeConn) Read() ([]byte, error) { select {} }
func (c fakeConn) Close() error          { return nil }

func (c fakeConn) Send(data []byte) error {
	msg, err := proto.Decode(data)
	if err != nil {
		return err
	}
	c.f.mu.Lock()
	c.f.sent = append(c.f.sent, msg)
	reply := c.f.autoReply
	c.f.mu.Unlock()
	if id := msg.ReplyID(); reply && id != "" {
		c.f.push(proto.Reply(id))
	}
	return nil
}

func pinState(pin string, state any) proto.Message {
	return proto.Message{"type": "pinState", "pin": pin, "state": state}
}

func newService(src MessageSource, timeout time.Duration) *PinService {
	return NewPinService(src, WithTimeout(timeout), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestSend_StampsReplyID(t *testing.T) {
	src := newFakeSource()
	s := newService(src, time.Second)

	id, err := s.Send(context.Background(), proto.Message{"type": "pinMode", "pin": "D10", "mode": "digital"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sent := src.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, id, sent[0].ReplyID())
	assert.Equal(t, "D10", sent[0].Pin())

	other, err := s.Send(context.Background(), proto.Message{"type": "pinMode", "pin": "D10", "mode": "digital"})
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestSend_NotConnected(t *testing.T) {
	src := newFakeSource()
	src.noConn = true
	s := newService(src, time.Second)

	_, err := s.Send(context.Background(), proto.Message{"type": "pinMode"})
	assert.ErrorIs(t, err, client.ErrNotConnected)

	var serr ServiceError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ErrCodeNotConnected, serr.Code)
}

func TestSend_CanceledContext(t *testing.T) {
	src := newFakeSource()
	s := newService(src, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Send(ctx, proto.Message{"type": "pinMode"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, src.sentMessages())
}

func TestSendRaw_NoReplyID(t *testing.T) {
	src := newFakeSource()
	s := newService(src, time.Second)

	require.NoError(t, s.SendRaw(context.Background(), proto.Message{"type": "pinMode", "pin": "D10", "mode": "digital"}))
	sent := src.sentMessages()
	require.Len(t, sent, 1)
	_, has := sent[0][proto.KeyReplyID]
	assert.False(t, has)
}

func TestWaitForReply(t *testing.T) {
	src := newFakeSource()
	s := newService(src, time.Second)

	src.pushLater(20*time.Millisecond, proto.Message{"replyId": "X", "executed": true})
	assert.NoError(t, s.WaitForReply(context.Background(), "X", 0))
}

func TestWaitForReply_RequiresExecuted(t *testing.T) {
	src := newFakeSource()
	s := newService(src, time.Second)

	src.push(proto.Message{"replyId": "X", "executed": false}, proto.Message{"replyId": "Y", "executed": true})
	err := s.WaitForReply(context.Background(), "X", 50*time.Millisecond)
	assert.True(t, IsTimeout(err))
	assert.Contains(t, err.Error(), "replyId X")
}

func TestSendAndWait(t *testing.T) {
	src := newFakeSource()
	s := newService(src, time.Second)

	require.NoError(t, s.PinMode(context.Background(), "D10", proto.ModeDigital))
	require.NoError(t, s.SetPinState(context.Background(), "A0", 1000))
	require.NoError(t, s.Pause(context.Background()))
	require.NoError(t, s.Unpause(context.Background()))
	require.NoError(t, s.SerialDebug(context.Background(), true))

	sent := src.sentMessages()
	require.Len(t, sent, 5)
	assert.Equal(t, "pinMode", sent[0].Type())
	assert.Equal(t, "pinState", sent[1].Type())
	assert.Equal(t, "pause", sent[2]["action"])
	assert.Equal(t, "unpause", sent[3]["action"])
	assert.Equal(t, "serialDebug", sent[4].Type())
}

func TestSendAndWait_NoReply(t *testing.T) {
	src := newFakeSource()
	src.autoReply = false
	s := newService(src, 50*time.Millisecond)

	err := s.PinMode(context.Background(), "D10", proto.ModeDigital)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestInvalidRequests(t *testing.T) {
	src := newFakeSource()
	s := newService(src, time.Second)

	var serr ServiceError
	err := s.PinMode(context.Background(), "D10", "pwm")
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ErrCodeInvalidInput, serr.Code)

	err = s.SetPinState(context.Background(), "", true)
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ErrCodeInvalidInput, serr.Code)
	assert.Empty(t, src.sentMessages())
}

func TestWaitForPinState_UsesLastState(t *testing.T) {
	src := newFakeSource()
	s := newService(src, time.Second)

	src.push(pinState("D10", true), pinState("D10", false))

	assert.NoError(t, s.WaitForPinState(context.Background(), "D10", false, 0))
	err := s.WaitForPinState(context.Background(), "D10", true, 50*time.Millisecond)
	assert.True(t, IsTimeout(err))
	assert.Contains(t, err.Error(), "pin D10")

	src.pushLater(20*time.Millisecond, pinState("D10", true))
	assert.NoError(t, s.WaitForPinState(context.Background(), "D10", true, 0))
}

func TestWaitForPinState_NumbersAndFiltering(t *testing.T) {
	src := newFakeSource()
	s := newService(src, time.Second)

	decoded, err := proto.Decode([]byte(`{"type":"pinState","pin":"A1","state":900}`))
	require.NoError(t, err)
	src.push(
		decoded,
		proto.Message{"type": "pinState", "pin": "A1", "state": 5, "deprecated": true},
		proto.Message{"type": "pinState", "pin": "A1", "state": 7, "replyId": "r", "executed": true},
	)

	assert.NoError(t, s.WaitForPinState(context.Background(), "A1", 900, 0))
}

func TestWaitForPinState_TimesOutAfterTimeout(t *testing.T) {
	src := newFakeSource()
	s := newService(src, time.Second)
	src.push(pinState("D12", false))

	timeout := 200 * time.Millisecond
	start := time.Now()
	err := s.WaitForPinState(context.Background(), "D12", true, timeout)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)

	var serr ServiceError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ErrCodeTimeout, serr.Code)
}

func TestWait_ContextCanceled(t *testing.T) {
	src := newFakeSource()
	s := newService(src, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := s.WaitForPinState(ctx, "D10", true, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForToggleCount(t *testing.T) {
	src := newFakeSource()
	s := newService(src, time.Second)

	src.push(pinState("D10", true), pinState("D11", true), pinState("D10", false), pinState("D10", true))
	assert.Equal(t, 2, s.Toggles("D10"))
	assert.Equal(t, 0, s.Toggles("D11"))

	assert.NoError(t, s.WaitForToggleCount(context.Background(), "D10", 2, 0))

	err := s.WaitForToggleCount(context.Background(), "D10", 3, 50*time.Millisecond)
	assert.True(t, IsTimeout(err))
	assert.Contains(t, err.Error(), "only 2 toggles")

	src.pushLater(20*time.Millisecond, pinState("D10", false))
	assert.NoError(t, s.WaitForToggleCount(context.Background(), "D10", 3, 0))
}

func TestClearMark(t *testing.T) {
	src := newFakeSource()
	s := newService(src, time.Second)

	src.push(pinState("D10", true), pinState("D10", false), pinState("D10", true))
	s.ClearMark()
	assert.Equal(t, 0, s.Toggles("D10"))

	// pin state checks still see the history
	assert.NoError(t, s.WaitForPinState(context.Background(), "D10", true, 0))

	err := s.WaitForMessage(context.Background(), pinState("D10", true), 50*time.Millisecond)
	assert.True(t, IsTimeout(err))

	// the state before the mark is the baseline
	src.push(pinState("D10", false), pinState("D10", true))
	assert.Equal(t, 2, s.Toggles("D10"))
	assert.NoError(t, s.WaitForMessage(context.Background(), pinState("D10", true), 0))
}

func TestWaitForMessage(t *testing.T) {
	src := newFakeSource()
	s := newService(src, time.Second)

	decoded, err := proto.Decode([]byte(`{"type":"pinState","pin":"D11","state":true,"cpuTime":0.0015}`))
	require.NoError(t, err)
	src.pushLater(20*time.Millisecond, decoded)

	// cpuTime is not part of the expectation
	assert.NoError(t, s.WaitForMessage(context.Background(), pinState("D11", true), 0))

	err = s.WaitForMessage(context.Background(), pinState("D11", false), 30*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"state":false`)
}

func TestWaitForPinState_BooleanAsNumber(t *testing.T) {
	src := newFakeSource()
	s := newService(src, time.Second)
	src.push(pinState("D10", true), pinState("D11", false))

	assert.NoError(t, s.WaitForPinState(context.Background(), "D10", 1, 0))
	assert.NoError(t, s.WaitForPinState(context.Background(), "D11", 0, 0))
	err := s.WaitForPinState(context.Background(), "D10", 0, 50*time.Millisecond)
	assert.True(t, IsTimeout(err))
}

func TestLastStates(t *testing.T) {
	src := newFakeSource()
	s := newService(src, time.Second)

	src.push(
		pinState("D10", true),
		pinState("A0", json.Number("1000")),
		pinState("D10", false),
		proto.Message{"type": "pinState", "pin": "D10", "state": true, "deprecated": true},
		proto.Message{"type": "serialDebug", "state": true},
	)

	state, ok := s.LastState("D10")
	require.True(t, ok)
	assert.Equal(t, false, state)

	_, ok = s.LastState("D13")
	assert.False(t, ok)

	states := s.LastStates()
	assert.Len(t, states, 2)
	assert.Equal(t, false, states["D10"])
	assert.True(t, proto.ValueEqual(1000, states["A0"]))
}

func TestPinService_OverListener(t *testing.T) {
	conn := &chanConn{frames: make(chan []byte, 4), closed: make(chan struct{})}
	l := client.NewListener(conn, client.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	l.Start(context.Background())
	defer l.Stop()

	s := newService(l, time.Second)
	conn.frames <- []byte(`{"type":"pinState","pin":"D10","state":true}`)
	conn.frames <- []byte(`{"type":"pinState","pin":"D10","state":false}`)
	conn.frames <- []byte(`{"type":"pinState","pin":"D10","state":true}`)

	assert.NoError(t, s.WaitForToggleCount(context.Background(), "D10", 2, 0))
	assert.NoError(t, s.WaitForPinState(context.Background(), "D10", true, 0))
}

type chanConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *chanConn) Read() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *chanConn) Send([]byte) error { return nil }

func (c *chanConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
