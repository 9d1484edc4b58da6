package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mbocsi/avrharness/proto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type StubOptions struct {
	Sketch         Sketch       // Optional (defaults to Idle)
	PauseOnStart   bool         // Keep the CPU paused until an unpause request
	EmitDeprecated bool         // Publish deprecated duplicates of every pin state
	MaxClients     int          // Optional (defaults to 16)
	Logger         *slog.Logger // Optional (defaults to slog.Default())
}

// Stub is an in-process stand-in for a virtualavr container. It speaks the same
// WebSocket protocol on "/" and adds a few inspection endpoints.
type Stub struct {
	Simulator *Simulator
	Transport *WSTransport
	router    chi.Router
	logger    *slog.Logger
}

func NewStub(opts StubOptions) *Stub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	sim := NewSimulator(SimulatorOptions{
		Sketch:         opts.Sketch,
		PauseOnStart:   opts.PauseOnStart,
		EmitDeprecated: opts.EmitDeprecated,
		Logger:         opts.Logger,
	})

	transport := NewWSTransport("/")
	transport.SetName("virtualavr stub")
	transport.SetLogger(opts.Logger)
	if opts.MaxClients > 0 {
		transport.SetMaxClients(opts.MaxClients)
	}
	transport.OnMessage(sim.Handle)
	transport.OnConnect(func(c Client) error {
		opts.Logger.Info("Registered client", "id", c.Meta().Id)
		return nil
	})
	transport.OnDisconnect(sim.Disconnect)

	s := &Stub{Simulator: sim, Transport: transport, logger: opts.Logger}
	s.router = s.routes()
	return s
}

func (s *Stub) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", s.Transport.ServeHTTP)
	r.Get("/health", s.HandleHealth)
	r.Get("/pins", s.HandlePins)
	r.Get("/pins/{pin}", s.HandlePin)
	r.Get("/pins/{pin}/events", s.HandlePinEvents)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Stub) Handler() http.Handler {
	return s.router
}

// Run drives the sketch until ctx is done.
func (s *Stub) Run(ctx context.Context) {
	s.Simulator.Run(ctx)
}

// Close disconnects all WebSocket clients.
func (s *Stub) Close() {
	s.Transport.Close()
}

// ListenAndServe serves the stub on addr until ctx is done. If ready is not nil
// it receives the bound address once the listener is open.
func (s *Stub) ListenAndServe(ctx context.Context, addr string, ready chan<- string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("Starting simulator stub", "addr", ln.Addr().String(), "sketch", s.Simulator.Sketch().Name())
	if ready != nil {
		ready <- ln.Addr().String()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.Run(runCtx)

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		// Ends streaming requests on shutdown.
		BaseContext: func(net.Listener) context.Context { return runCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down simulator stub")
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	err = srv.Shutdown(shutdownCtx)
	s.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// SetPin drives an input pin directly, as if a client had sent a pinState request.
func (s *Stub) SetPin(pin string, state any) error {
	msg, err := proto.PinState(pin, state)
	if err != nil {
		return err
	}
	return s.Simulator.handlePinState(msg)
}
