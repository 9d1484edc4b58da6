package cli

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mbocsi/avrharness/client"
	"github.com/mbocsi/avrharness/proto"
	"github.com/mbocsi/avrharness/services"
)

type listenOptions struct {
	watch         []string
	mode          string
	retries       int
	retryInterval time.Duration
	duration      time.Duration
	metricsAddr   string
}

func newListenCommand(root *rootOptions) *cobra.Command {
	opts := &listenOptions{}

	cmd := &cobra.Command{
		Use:   "listen <url>",
		Short: "Print every message a simulator publishes as JSON lines",
		Example: `  avrharness listen ws://localhost:8080 --watch D13
  avrharness listen localhost:8080 --watch A0,D10 --duration 30s --metrics-addr :9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			retry := root.retryPolicy()
			if cmd.Flags().Changed("retries") {
				retry.MaxRetries = opts.retries
			}
			if cmd.Flags().Changed("retry-interval") {
				retry.RetryInterval = opts.retryInterval
			}
			return runListen(cmd, root, opts, args[0], retry)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVarP(&opts.watch, "watch", "w", nil, "pins to request state changes for (comma separated)")
	flags.StringVar(&opts.mode, "mode", proto.ModeDigital, "report mode for watched pins (digital, analog)")
	flags.IntVar(&opts.retries, "retries", 0, "connection attempts (default from config)")
	flags.DurationVar(&opts.retryInterval, "retry-interval", 0, "pause between connection attempts (default from config)")
	flags.DurationVar(&opts.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func runListen(cmd *cobra.Command, root *rootOptions, opts *listenOptions, url string, retry client.RetryPolicy) error {
	ctx := cmd.Context()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	if opts.metricsAddr != "" {
		stop, err := serveMetrics(opts.metricsAddr, root.logger)
		if err != nil {
			return err
		}
		defer stop()
		root.logger.Info("Serving metrics", "addr", opts.metricsAddr)
	}

	l := client.NewURLListener(url, retry, client.WithLogger(root.logger))
	l.Start(ctx)
	defer l.Stop()
	if !l.Running() {
		return l.Err()
	}

	pins := services.NewPinService(l, services.WithTimeout(root.cfg.WaitTimeout), services.WithLogger(root.logger))
	for _, pin := range opts.watch {
		if err := pins.PinMode(ctx, pin, opts.mode); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	for {
		if msg, ok := l.Message(100 * time.Millisecond); ok {
			if err := enc.Encode(msg); err != nil {
				return err
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if !l.Running() {
			for {
				msg, ok := l.Message(0)
				if !ok {
					break
				}
				if err := enc.Encode(msg); err != nil {
					return err
				}
			}
			return l.Err()
		}
	}
}

// serveMetrics starts a metrics endpoint and returns a function that stops it.
func serveMetrics(addr string, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-done
	}, nil
}
