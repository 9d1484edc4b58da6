// Package steps provides godog step definitions for driving a virtualavr
// simulator from Gherkin features.
package steps

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbocsi/avrharness/client"
	"github.com/mbocsi/avrharness/container"
	"github.com/mbocsi/avrharness/server"
	"github.com/mbocsi/avrharness/services"
)

// ReleaseFunc gives back whatever a Connector acquired for one scenario.
type ReleaseFunc func(ctx context.Context) error

func noRelease(context.Context) error { return nil }

// Connector provides the simulator a scenario talks to.
type Connector interface {
	Connect(ctx context.Context) (url string, release ReleaseFunc, err error)
}

// URLConnector points every scenario at an already running simulator.
type URLConnector string

func (u URLConnector) Connect(context.Context) (string, ReleaseFunc, error) {
	return string(u), noRelease, nil
}

// ContainerConnector runs virtualavr in Docker. With PerScenario set every
// scenario gets a fresh container; otherwise one container is started on first
// use and removed by Close.
type ContainerConnector struct {
	Options     container.Options
	PerScenario bool

	mu     sync.Mutex
	shared *container.VirtualAVR
}

func (c *ContainerConnector) Connect(ctx context.Context) (string, ReleaseFunc, error) {
	if c.PerScenario {
		avr, err := c.start(ctx)
		if err != nil {
			return "", nil, err
		}
		url, err := avr.URL(ctx)
		if err != nil {
			_ = avr.Stop(ctx)
			return "", nil, err
		}
		return url, avr.Stop, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shared == nil {
		avr, err := c.start(ctx)
		if err != nil {
			return "", nil, err
		}
		c.shared = avr
	}
	url, err := c.shared.URL(ctx)
	if err != nil {
		return "", nil, err
	}
	return url, noRelease, nil
}

func (c *ContainerConnector) start(ctx context.Context) (*container.VirtualAVR, error) {
	avr, err := container.New(c.Options)
	if err != nil {
		return nil, err
	}
	if err := avr.Start(ctx); err != nil {
		return nil, err
	}
	return avr, nil
}

// Close removes the shared container, if any.
func (c *ContainerConnector) Close(ctx context.Context) error {
	c.mu.Lock()
	avr := c.shared
	c.shared = nil
	c.mu.Unlock()
	if avr == nil {
		return nil
	}
	return avr.Stop(ctx)
}

// StubConnector serves a fresh in-process simulator stub per scenario.
type StubConnector struct {
	// Sketch returns the sketch for a new stub; nil runs the stub without outputs.
	Sketch         func() server.Sketch
	EmitDeprecated bool
	Logger         *slog.Logger
}

func (c StubConnector) Connect(ctx context.Context) (string, ReleaseFunc, error) {
	opts := server.StubOptions{EmitDeprecated: c.EmitDeprecated, Logger: c.Logger}
	if c.Sketch != nil {
		opts.Sketch = c.Sketch()
	}
	stub := server.NewStub(opts)

	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- stub.ListenAndServe(runCtx, "127.0.0.1:0", ready)
	}()

	select {
	case addr := <-ready:
		release := func(context.Context) error {
			cancel()
			return <-errCh
		}
		return "ws://" + addr, release, nil
	case err := <-errCh:
		cancel()
		return "", nil, fmt.Errorf("failed to start simulator stub: %w", err)
	case <-ctx.Done():
		cancel()
		return "", nil, ctx.Err()
	}
}

// Harness holds what all scenarios of a suite share.
type Harness struct {
	Connector Connector
	Retry     client.RetryPolicy
	// Timeout bounds every wait of a step; zero means services.DefaultTimeout.
	Timeout time.Duration
	// Aliases are predefined for every scenario; alias tables in features add to them.
	Aliases services.Aliases
	Logger  *slog.Logger
}

func (h *Harness) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Harness) retry() client.RetryPolicy {
	if h.Retry.MaxRetries < 1 {
		return client.DefaultRetryPolicy()
	}
	return h.Retry
}
