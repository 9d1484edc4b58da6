package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/avrharness/proto"
)

// fakeConn feeds frames pushed by the test to the listener.
type fakeConn struct {
	frames chan frame
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	sent     [][]byte
	closeErr error
}

type frame struct {
	data []byte
	err  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan frame, 64), closed: make(chan struct{})}
}

func (c *fakeConn) feed(data string) { c.frames <- frame{data: []byte(data)} }

func (c *fakeConn) fail(err error) { c.frames <- frame{err: err} }

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f.data, f.err
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return c.closeErr
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForCount(t *testing.T, l *Listener, n int) []proto.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(l.Messages()) >= n }, 2*time.Second, 5*time.Millisecond)
	return l.Messages()
}

func TestListener_PreConnectedRunningFromConstruction(t *testing.T) {
	l := NewListener(newFakeConn(), WithLogger(quietLogger()))
	assert.True(t, l.Running())
	assert.Equal(t, ModePreConnected, l.Mode())
	l.Stop()
	assert.False(t, l.Running())
}

func TestListener_ReceivesInOrder(t *testing.T) {
	conn := newFakeConn()
	l := NewListener(conn, WithLogger(quietLogger()))
	l.Start(context.Background())
	defer l.Stop()

	for i := range 50 {
		conn.feed(fmt.Sprintf(`{"type":"pinState","pin":"D%d","state":%d}`, i%14, i))
	}

	msgs := waitForCount(t, l, 50)
	require.Len(t, msgs, 50)
	for i, msg := range msgs {
		state, ok := msg.State()
		require.True(t, ok)
		assert.Equal(t, float64(i), state)
		assert.Equal(t, fmt.Sprintf("D%d", i%14), msg.Pin())
	}
}

func TestListener_MessagesIsNonDestructive(t *testing.T) {
	conn := newFakeConn()
	l := NewListener(conn, WithLogger(quietLogger()))
	l.Start(context.Background())
	defer l.Stop()

	conn.feed(`{"replyId":"X","executed":true}`)
	first := waitForCount(t, l, 1)
	second := l.Messages()
	assert.Equal(t, first, second)

	// Mutating the returned slice does not affect the listener.
	first[0] = proto.Message{"type": "bogus"}
	assert.Equal(t, "X", l.Messages()[0].ReplyID())
}

func TestListener_MessageConsumesWithoutAffectingSnapshot(t *testing.T) {
	conn := newFakeConn()
	l := NewListener(conn, WithLogger(quietLogger()))
	l.Start(context.Background())
	defer l.Stop()

	conn.feed(`{"n":1}`)
	conn.feed(`{"n":2}`)
	waitForCount(t, l, 2)

	msg, ok := l.Message(time.Second)
	require.True(t, ok)
	assert.Equal(t, float64(1), msg["n"])
	msg, ok = l.Message(time.Second)
	require.True(t, ok)
	assert.Equal(t, float64(2), msg["n"])

	assert.Len(t, l.Messages(), 2)
}

func TestListener_MessageWaitsForArrival(t *testing.T) {
	conn := newFakeConn()
	l := NewListener(conn, WithLogger(quietLogger()))
	l.Start(context.Background())
	defer l.Stop()

	go func() {
		time.Sleep(50 * time.Millisecond)
		conn.feed(`{"type":"pinState","pin":"D13","state":true}`)
	}()

	msg, ok := l.Message(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "D13", msg.Pin())
}

func TestListener_MessageTimeoutOnEmptyQueue(t *testing.T) {
	l := NewListener(newFakeConn(), WithLogger(quietLogger()))
	l.Start(context.Background())
	defer l.Stop()

	timeout := 100 * time.Millisecond
	start := time.Now()
	msg, ok := l.Message(timeout)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.Nil(t, msg)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
}

func TestListener_MessageZeroTimeoutDoesNotBlock(t *testing.T) {
	l := NewListener(newFakeConn(), WithLogger(quietLogger()))
	_, ok := l.Message(0)
	assert.False(t, ok)
}

func TestListener_PreConnectedMalformedFrameEndsLoop(t *testing.T) {
	conn := newFakeConn()
	l := NewListener(conn, WithLogger(quietLogger()))
	l.Start(context.Background())
	defer l.Stop()

	conn.feed(`{"n":1}`)
	conn.feed(`not json`)
	conn.feed(`{"n":2}`)

	require.Eventually(t, func() bool { return !l.Running() }, 2*time.Second, 5*time.Millisecond)
	msgs := l.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, float64(1), msgs[0]["n"])
	assert.Error(t, l.Err())
}

func TestListener_URLModeSkipsMalformedAndEmptyFrames(t *testing.T) {
	conn := newFakeConn()
	l := NewURLListener("ws://simulator", RetryPolicy{MaxRetries: 1},
		WithLogger(quietLogger()),
		WithDialer(func(ctx context.Context, url string) (Conn, error) { return conn, nil }))
	l.Start(context.Background())
	defer l.Stop()
	require.True(t, l.Running())

	conn.feed(`{"n":1}`)
	conn.feed(`{broken`)
	conn.feed(``)
	conn.feed(`   `)
	conn.feed(`{"n":2}`)

	msgs := waitForCount(t, l, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, float64(1), msgs[0]["n"])
	assert.Equal(t, float64(2), msgs[1]["n"])
	assert.True(t, l.Running())
}

func TestListener_ReceiveTimeoutIsRecoverable(t *testing.T) {
	conn := newFakeConn()
	l := NewListener(conn, WithLogger(quietLogger()))
	l.Start(context.Background())
	defer l.Stop()

	conn.fail(fmt.Errorf("read: %w", ErrReceiveTimeout))
	conn.feed(`{"n":1}`)

	msgs := waitForCount(t, l, 1)
	assert.Len(t, msgs, 1)
	assert.True(t, l.Running())
}

func TestListener_TransportErrorEndsLoop(t *testing.T) {
	conn := newFakeConn()
	l := NewListener(conn, WithLogger(quietLogger()))
	l.Start(context.Background())
	defer l.Stop()

	boom := errors.New("connection reset")
	conn.fail(boom)

	require.Eventually(t, func() bool { return !l.Running() }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, l.Err(), boom)
}

func TestListener_NoAppendsAfterStop(t *testing.T) {
	conn := newFakeConn()
	l := NewListener(conn, WithLogger(quietLogger()))
	l.Start(context.Background())

	conn.feed(`{"n":1}`)
	waitForCount(t, l, 1)

	l.Stop()
	assert.False(t, l.Running())

	// The transport keeps delivering but nothing reads it anymore.
	conn.frames <- frame{data: []byte(`{"n":2}`)}
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, l.Messages(), 1)
	assert.NoError(t, l.Err(), "closing on Stop is not an error")
}

func TestListener_StopIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	conn.closeErr = errors.New("already closed")
	l := NewListener(conn, WithLogger(quietLogger()))
	l.Start(context.Background())

	done := make(chan struct{})
	go func() {
		l.Stop()
		l.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestListener_StopWithoutStart(t *testing.T) {
	conn := newFakeConn()
	l := NewListener(conn, WithLogger(quietLogger()))
	l.Stop()

	select {
	case <-conn.closed:
	default:
		t.Error("expected connection to be closed")
	}

	l.Start(context.Background())
	assert.False(t, l.Running())
}

func TestListener_URLModeRetriesUntilConnected(t *testing.T) {
	conn := newFakeConn()
	var attempts atomic.Int32
	dial := func(ctx context.Context, url string) (Conn, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	}

	interval := 20 * time.Millisecond
	l := NewURLListener("ws://simulator", RetryPolicy{MaxRetries: 5, RetryInterval: interval},
		WithLogger(quietLogger()), WithDialer(dial))

	start := time.Now()
	l.Start(context.Background())
	elapsed := time.Since(start)
	defer l.Stop()

	assert.Equal(t, int32(3), attempts.Load())
	assert.True(t, l.Running())
	assert.Same(t, conn, l.Conn())
	// Two sleeps between three attempts, none before the first.
	assert.GreaterOrEqual(t, elapsed, 2*interval)
	assert.Less(t, elapsed, 3*interval+500*time.Millisecond)
}

func TestListener_URLModeGivesUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	refused := errors.New("connection refused")
	l := NewURLListener("ws://simulator", RetryPolicy{MaxRetries: 3, RetryInterval: time.Millisecond},
		WithLogger(quietLogger()),
		WithDialer(func(ctx context.Context, url string) (Conn, error) {
			attempts.Add(1)
			return nil, refused
		}))

	l.Start(context.Background())
	defer l.Stop()

	assert.Equal(t, int32(3), attempts.Load(), "every attempt actually dials")
	assert.False(t, l.Running())
	assert.Nil(t, l.Conn())
	assert.ErrorIs(t, l.Err(), refused)

	_, ok := l.Message(20 * time.Millisecond)
	assert.False(t, ok)
}

func TestListener_URLModeConnectHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewURLListener("ws://simulator", RetryPolicy{MaxRetries: 100, RetryInterval: time.Hour},
		WithLogger(quietLogger()),
		WithDialer(func(ctx context.Context, url string) (Conn, error) {
			cancel()
			return nil, errors.New("connection refused")
		}))

	l.Start(ctx)
	defer l.Stop()

	assert.False(t, l.Running())
	assert.ErrorIs(t, l.Err(), context.Canceled)
}

func TestListener_ConcurrentSnapshotsDuringReceipt(t *testing.T) {
	conn := newFakeConn()
	l := NewListener(conn, WithLogger(quietLogger()))
	l.Start(context.Background())
	defer l.Stop()

	const total = 500
	go func() {
		for i := range total {
			conn.feed(fmt.Sprintf(`{"type":"pinState","pin":"A0","state":%d}`, i))
		}
	}()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for len(l.Messages()) < total {
				for i, msg := range l.Messages() {
					state, ok := msg.State()
					if !assert.True(t, ok) || !assert.Equal(t, float64(i), state) {
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestListener_ChangedFiresOnAppend(t *testing.T) {
	conn := newFakeConn()
	l := NewListener(conn, WithLogger(quietLogger()))
	l.Start(context.Background())
	defer l.Stop()

	changed := l.Changed()
	conn.feed(`{"n":1}`)

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("Changed was not signalled")
	}
}
