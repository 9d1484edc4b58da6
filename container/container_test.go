package container

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/avrharness/config"
)

func TestOptions_Environment(t *testing.T) {
	opts := Options{
		SketchFile:      "sketches/noise/noise.ino",
		BuildExtraFlags: "-DPUBLISH_ONLY_EVERY_X_MS=2500",
		PublishMillis:   50,
		Baudrate:        115200,
		PauseOnStart:    true,
		Env:             map[string]string{"VERBOSITY": "2", "BAUDRATE": "9600"},
	}

	env := opts.Environment()
	assert.Equal(t, "noise.ino", env["FILENAME"])
	assert.Equal(t, "-DPUBLISH_ONLY_EVERY_X_MS=2500", env["BUILD_EXTRA_FLAGS"])
	assert.Equal(t, "50", env["PUBLISH_MILLIS"])
	assert.Equal(t, "9600", env["BAUDRATE"], "extra env wins")
	assert.Equal(t, "true", env["PAUSE_ON_START"])
	assert.Equal(t, "2", env["VERBOSITY"])
	assert.NotContains(t, env, "DEBUG")
}

func TestOptions_ImageRef(t *testing.T) {
	assert.Equal(t, "pfichtner/virtualavr:latest", Options{}.ImageRef())
	assert.Equal(t, "example/avr:1.0", Options{Image: "example/avr", Tag: "1.0"}.ImageRef())
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.SketchFile = "blink.ino"
	cfg.ImageTag = "dev"
	cfg.Debug = true

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, "pfichtner/virtualavr:dev", opts.ImageRef())
	assert.Equal(t, "blink.ino", opts.SketchFile)
	assert.True(t, opts.Debug)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, config.ErrSketchFileMissing)

	_, err = New(Options{SketchFile: filepath.Join(t.TempDir(), "missing.ino")})
	assert.Error(t, err)

	_, err = New(Options{SketchFile: t.TempDir()})
	assert.Error(t, err)

	v, err := New(Options{SketchFile: "testdata/blink.ino"})
	require.NoError(t, err)
	assert.Equal(t, DefaultStartupTimeout, v.Options().StartupTimeout)
	assert.True(t, filepath.IsAbs(v.sketch))
}

func TestRequest(t *testing.T) {
	v, err := New(Options{SketchFile: "testdata/blink.ino", StartupTimeout: time.Minute, Debug: true})
	require.NoError(t, err)

	req := v.request()
	assert.Equal(t, "pfichtner/virtualavr:latest", req.Image)
	assert.Equal(t, []string{"8080/tcp"}, req.ExposedPorts)
	require.Len(t, req.Files, 1)
	assert.Equal(t, "/sketch/blink.ino", req.Files[0].ContainerFilePath)
	assert.Equal(t, "blink.ino", req.Env["FILENAME"])
	assert.Equal(t, "true", req.Env["DEBUG"])
	assert.NotNil(t, req.WaitingFor)
	assert.NotNil(t, req.LogConsumerCfg)
}

func TestNotStarted(t *testing.T) {
	v, err := New(Options{SketchFile: "testdata/blink.ino"})
	require.NoError(t, err)

	_, err = v.URL(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = v.Logs(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NoError(t, v.Stop(context.Background()))
}
