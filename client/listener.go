package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbocsi/avrharness/proto"
)

// Mode selects how a Listener obtains its connection.
type Mode int

const (
	// ModePreConnected listeners receive an open Conn. Any receive or decode
	// error ends the receive loop.
	ModePreConnected Mode = iota
	// ModeURL listeners dial lazily in Start with a RetryPolicy. Empty frames
	// and malformed JSON are skipped.
	ModeURL
)

func (m Mode) String() string {
	if m == ModeURL {
		return "url"
	}
	return "pre-connected"
}

// RetryPolicy controls connection establishment in URL mode: up to MaxRetries
// attempts with RetryInterval between consecutive attempts.
type RetryPolicy struct {
	MaxRetries    int
	RetryInterval time.Duration
}

// DefaultRetryPolicy matches a freshly started simulator container, which needs a
// few seconds before its WebSocket endpoint accepts connections.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 20, RetryInterval: time.Second}
}

// Option configures a Listener.
type Option func(*Listener)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithDialer replaces Dial for URL-mode listeners.
func WithDialer(dial DialFunc) Option {
	return func(l *Listener) {
		if dial != nil {
			l.dial = dial
		}
	}
}

// Listener drains one connection into an append-only, in-order message log on a
// single background goroutine.
//
// Messages returns non-destructive snapshots of the log. Message consumes from a
// companion cursor over the same log without affecting snapshots. The listener
// never writes to the connection; callers send through Conn directly.
type Listener struct {
	mode   Mode
	url    string
	retry  RetryPolicy
	dial   DialFunc
	logger *slog.Logger

	mu       sync.Mutex
	conn     Conn
	running  bool
	started  bool
	stopped  bool
	err      error
	messages []proto.Message
	consumed int
	changed  chan struct{}

	done     chan struct{}
	stopOnce sync.Once
}

// NewListener creates a pre-connected listener. It reports Running from construction.
func NewListener(conn Conn, opts ...Option) *Listener {
	l := newListener(ModePreConnected, opts)
	l.conn = conn
	l.running = true
	return l
}

// NewURLListener creates a listener that connects to url when started.
func NewURLListener(url string, retry RetryPolicy, opts ...Option) *Listener {
	l := newListener(ModeURL, opts)
	l.url = url
	l.retry = retry
	if l.retry.MaxRetries < 1 {
		l.retry.MaxRetries = 1
	}
	return l
}

func newListener(mode Mode, opts []Option) *Listener {
	l := &Listener{
		mode:    mode,
		dial:    Dial,
		logger:  slog.Default(),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start spawns the receive goroutine. In URL mode it first connects, blocking the
// caller for up to MaxRetries attempts. A listener that could not connect is left
// not running; the failure is only visible through Running and Err.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		l.logger.Warn("Listener already started or stopped, ignoring Start", "mode", l.mode)
		return
	}
	l.started = true
	l.mu.Unlock()

	if l.mode == ModeURL {
		l.connect(ctx)
	}

	go l.listen()
}

func (l *Listener) connect(ctx context.Context) {
	var lastErr error
	for attempt := 1; attempt <= l.retry.MaxRetries; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(l.retry.RetryInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				l.fail(fmt.Errorf("connect to %s aborted after %d attempts: %w", l.url, attempt-1, ctx.Err()))
				return
			case <-timer.C:
			}
		}

		conn, err := l.dial(ctx, l.url)
		if err == nil {
			ConnectAttemptsTotal.WithLabelValues("ok").Inc()
			l.mu.Lock()
			if l.stopped {
				l.mu.Unlock()
				_ = conn.Close()
				return
			}
			l.conn = conn
			l.running = true
			l.mu.Unlock()
			l.logger.Info("WebSocket connection established", "url", l.url, "attempt", attempt)
			return
		}

		ConnectAttemptsTotal.WithLabelValues("failed").Inc()
		lastErr = err
		l.logger.Debug("Retrying WebSocket connection", "url", l.url, "attempt", attempt, "max_retries", l.retry.MaxRetries, "error", err)
	}

	l.fail(fmt.Errorf("failed to establish WebSocket connection to %s after %d attempts: %w", l.url, l.retry.MaxRetries, lastErr))
}

func (l *Listener) fail(err error) {
	l.mu.Lock()
	l.running = false
	l.err = err
	l.mu.Unlock()
	l.logger.Error("WebSocket listener has no connection", "url", l.url, "error", err)
}

func (l *Listener) listen() {
	defer close(l.done)
	defer l.terminate()

	conn := l.Conn()
	if conn == nil || !l.Running() {
		return
	}

	ActiveListeners.Inc()
	defer ActiveListeners.Dec()

	for l.Running() {
		data, err := conn.Read()
		if err != nil {
			if errors.Is(err, ErrReceiveTimeout) {
				l.logger.Debug("Receive timed out, still listening")
				continue
			}
			l.loopError(err)
			return
		}

		if l.mode == ModeURL && len(bytes.TrimSpace(data)) == 0 {
			FramesDroppedTotal.WithLabelValues("empty").Inc()
			continue
		}

		msg, err := proto.Decode(data)
		if err != nil {
			FramesDroppedTotal.WithLabelValues("invalid_json").Inc()
			if l.mode == ModeURL {
				l.logger.Warn("Invalid JSON message received", "error", err, "data", string(data))
				continue
			}
			l.loopError(err)
			return
		}

		if !l.append(msg) {
			return
		}
		l.logger.Debug("Background listener received", "type", msg.Type(), "pin", msg.Pin(), "reply_id", msg.ReplyID())
	}
}

// loopError records why the receive loop ended. Errors caused by Stop closing the
// connection are expected and not recorded.
func (l *Listener) loopError(err error) {
	l.mu.Lock()
	stopping := !l.running
	if !stopping {
		l.err = err
	}
	l.mu.Unlock()

	if stopping {
		l.logger.Debug("WebSocket listener stopped", "error", err)
		return
	}
	l.logger.Warn("Error in WebSocket listener", "error", err)
}

// append adds msg to the log unless the listener was stopped meanwhile.
func (l *Listener) append(msg proto.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return false
	}
	l.messages = append(l.messages, msg)
	MessagesReceivedTotal.Inc()
	l.broadcastLocked()
	return true
}

func (l *Listener) terminate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
	l.broadcastLocked()
}

func (l *Listener) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// Stop ends the receive loop, closes the connection and waits for the receive
// goroutine to exit. It is safe to call more than once but must not be called
// from the receive goroutine.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.running = false
		l.stopped = true
		conn := l.conn
		started := l.started
		l.broadcastLocked()
		l.mu.Unlock()

		if conn != nil {
			if err := conn.Close(); err != nil {
				l.logger.Warn("Failed to close WebSocket connection", "error", err)
			}
		}
		if started {
			<-l.done
		}
		l.logger.Debug("WebSocket listener stopped", "mode", l.mode, "messages", len(l.Messages()))
	})
}

// Messages returns a copy of every message received so far, in receipt order.
func (l *Listener) Messages() []proto.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]proto.Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Message removes and returns the oldest message not yet returned by Message,
// waiting up to timeout. It returns false if none arrived in time; a
// non-positive timeout only checks what is already queued.
func (l *Listener) Message(timeout time.Duration) (proto.Message, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		l.mu.Lock()
		if l.consumed < len(l.messages) {
			msg := l.messages[l.consumed]
			l.consumed++
			l.mu.Unlock()
			return msg, true
		}
		changed := l.changed
		l.mu.Unlock()

		if expired == nil {
			return nil, false
		}
		select {
		case <-changed:
		case <-expired:
			return nil, false
		}
	}
}

// Changed returns a channel that is closed on the next append or when the
// listener stops. Fetch it before inspecting Messages to avoid missing a wakeup.
func (l *Listener) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}

func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Conn returns the underlying connection, or nil if a URL-mode listener has not
// (or could not) connect.
func (l *Listener) Conn() Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// Err returns the error that ended the receive loop or prevented connecting.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Listener) Mode() Mode { return l.mode }

// URL returns the connection target of a URL-mode listener.
func (l *Listener) URL() string { return l.url }
