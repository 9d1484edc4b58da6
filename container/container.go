// Package container runs the virtualavr simulator image with testcontainers-go.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mbocsi/avrharness/config"
)

const (
	// WebSocketPort is the simulator's control channel inside the container.
	WebSocketPort = "8080/tcp"
	// SketchDir is where the sketch is placed inside the container.
	SketchDir = "/sketch"

	DefaultStartupTimeout = 2 * time.Minute
)

var ErrNotStarted = errors.New("virtualavr container not started")

type Options struct {
	Image           string
	Tag             string
	SketchFile      string // Host path of the .ino (or .hex) file to run
	BuildExtraFlags string // e.g. "-DPUBLISH_ONLY_EVERY_X_MS=2500"
	PublishMillis   int
	Baudrate        int
	PauseOnStart    bool
	Debug           bool
	Env             map[string]string // Extra variables, applied last
	StartupTimeout  time.Duration
	Logger          *slog.Logger
}

// OptionsFromConfig maps harness configuration onto container options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Image:           cfg.Image,
		Tag:             cfg.ImageTag,
		SketchFile:      cfg.SketchFile,
		BuildExtraFlags: cfg.BuildExtraFlags,
		PublishMillis:   cfg.PublishMillis,
		Baudrate:        cfg.Baudrate,
		PauseOnStart:    cfg.PauseOnStart,
		Debug:           cfg.Debug,
		Env:             cfg.Env,
	}
}

// ImageRef returns image:tag with defaults applied.
func (o Options) ImageRef() string {
	image, tag := o.Image, o.Tag
	if image == "" {
		image = config.DefaultImage
	}
	if tag == "" {
		tag = config.DefaultImageTag
	}
	return image + ":" + tag
}

// Environment returns the variables passed to the container.
func (o Options) Environment() map[string]string {
	env := map[string]string{
		"FILENAME": filepath.Base(o.SketchFile),
	}
	if o.BuildExtraFlags != "" {
		env["BUILD_EXTRA_FLAGS"] = o.BuildExtraFlags
	}
	if o.PublishMillis > 0 {
		env["PUBLISH_MILLIS"] = strconv.Itoa(o.PublishMillis)
	}
	if o.Baudrate > 0 {
		env["BAUDRATE"] = strconv.Itoa(o.Baudrate)
	}
	if o.PauseOnStart {
		env["PAUSE_ON_START"] = "true"
	}
	if o.Debug {
		env["DEBUG"] = "true"
	}
	for k, v := range o.Env {
		env[k] = v
	}
	return env
}

// VirtualAVR manages one simulator container.
type VirtualAVR struct {
	opts   Options
	sketch string
	logger *slog.Logger

	mu        sync.Mutex
	container testcontainers.Container
}

// New validates opts. The sketch file must exist on the host.
func New(opts Options) (*VirtualAVR, error) {
	if strings.TrimSpace(opts.SketchFile) == "" {
		return nil, config.ErrSketchFileMissing
	}
	sketch, err := filepath.Abs(opts.SketchFile)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sketch path: %w", err)
	}
	info, err := os.Stat(sketch)
	if err != nil {
		return nil, fmt.Errorf("sketch file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("sketch file %s is a directory", sketch)
	}

	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &VirtualAVR{opts: opts, sketch: sketch, logger: opts.Logger}, nil
}

func (v *VirtualAVR) request() testcontainers.ContainerRequest {
	req := testcontainers.ContainerRequest{
		Image:        v.opts.ImageRef(),
		ExposedPorts: []string{WebSocketPort},
		Env:          v.opts.Environment(),
		Files: []testcontainers.ContainerFile{{
			HostFilePath:      v.sketch,
			ContainerFilePath: SketchDir + "/" + filepath.Base(v.sketch),
			FileMode:          0o444,
		}},
		WaitingFor: wait.ForListeningPort(WebSocketPort).WithStartupTimeout(v.opts.StartupTimeout),
	}
	if v.opts.Debug {
		req.LogConsumerCfg = &testcontainers.LogConsumerConfig{
			Consumers: []testcontainers.LogConsumer{&logConsumer{logger: v.logger}},
		}
	}
	return req
}

// Start runs the container and waits until the WebSocket port accepts connections.
func (v *VirtualAVR) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.container != nil {
		return errors.New("virtualavr container already started")
	}

	req := v.request()
	v.logger.Info("Starting virtualavr container", "image", req.Image, "sketch", v.sketch)
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if c != nil {
			_ = c.Terminate(context.Background())
		}
		return fmt.Errorf("failed to start virtualavr container: %w", err)
	}
	v.container = c
	v.logger.Info("virtualavr container started", "id", c.GetContainerID())
	return nil
}

// URL returns the ws:// address of the simulator's mapped control port.
func (v *VirtualAVR) URL(ctx context.Context) (string, error) {
	c := v.Container()
	if c == nil {
		return "", ErrNotStarted
	}
	host, err := c.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := c.MappedPort(ctx, WebSocketPort)
	if err != nil {
		return "", fmt.Errorf("failed to get mapped port: %w", err)
	}
	return fmt.Sprintf("ws://%s:%s", host, port.Port()), nil
}

// Stop stops and removes the container. Stopping a container that was never
// started is a no-op.
func (v *VirtualAVR) Stop(ctx context.Context) error {
	v.mu.Lock()
	c := v.container
	v.container = nil
	v.mu.Unlock()
	if c == nil {
		return nil
	}

	if err := c.Terminate(ctx); err != nil {
		return fmt.Errorf("failed to remove virtualavr container: %w", err)
	}
	v.logger.Info("virtualavr container stopped and removed")
	return nil
}

// Logs returns everything the container wrote so far.
func (v *VirtualAVR) Logs(ctx context.Context) (string, error) {
	c := v.Container()
	if c == nil {
		return "", ErrNotStarted
	}
	rc, err := c.Logs(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	return string(data), nil
}

func (v *VirtualAVR) Container() testcontainers.Container {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.container
}

func (v *VirtualAVR) Options() Options { return v.opts }

type logConsumer struct {
	logger *slog.Logger
}

func (l *logConsumer) Accept(log testcontainers.Log) {
	l.logger.Debug("virtualavr", "stream", log.LogType, "line", strings.TrimRight(string(log.Content), "\n"))
}
