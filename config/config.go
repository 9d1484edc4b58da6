// Package config loads harness settings from an optional YAML file, an optional
// .env file and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultImage          = "pfichtner/virtualavr"
	DefaultImageTag       = "latest"
	DefaultWaitTimeout    = 20 * time.Second
	DefaultConnectRetries = 20
	DefaultRetryInterval  = time.Second
)

// Environment variables recognised by Load.
const (
	EnvSketchFile      = "SKETCH_FILE"
	EnvImageTag        = "DOCKER_IMAGE_TAG"
	EnvImage           = "VIRTUALAVR_IMAGE"
	EnvBuildExtraFlags = "BUILD_EXTRA_FLAGS"
	EnvPublishMillis   = "PUBLISH_MILLIS"
	EnvBaudrate        = "BAUDRATE"
	EnvPauseOnStart    = "PAUSE_ON_START"
	EnvDebug           = "DEBUG"
	EnvWaitTimeout     = "HARNESS_WAIT_TIMEOUT"
	EnvConnectRetries  = "HARNESS_CONNECT_RETRIES"
	EnvRetryInterval   = "HARNESS_RETRY_INTERVAL"
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogFormat       = "LOG_FORMAT"
)

var ErrSketchFileMissing = errors.New("environment variable 'SKETCH_FILE' is not set")

type Config struct {
	Image           string `yaml:"image"`
	ImageTag        string `yaml:"image_tag"`
	SketchFile      string `yaml:"sketch_file"`
	BuildExtraFlags string `yaml:"build_extra_flags"`
	PublishMillis   int    `yaml:"publish_millis"`
	Baudrate        int    `yaml:"baudrate"`
	PauseOnStart    bool   `yaml:"pause_on_start"`
	Debug           bool   `yaml:"debug"`
	// Env is passed to the simulator container verbatim.
	Env map[string]string `yaml:"env"`

	// Aliases maps human readable names used in features to pin identifiers.
	Aliases map[string]string `yaml:"aliases"`

	WaitTimeout    time.Duration `yaml:"wait_timeout"`
	ConnectRetries int           `yaml:"connect_retries"`
	RetryInterval  time.Duration `yaml:"retry_interval"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func Default() *Config {
	return &Config{
		Image:          DefaultImage,
		ImageTag:       DefaultImageTag,
		WaitTimeout:    DefaultWaitTimeout,
		ConnectRetries: DefaultConnectRetries,
		RetryInterval:  DefaultRetryInterval,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load reads path (YAML, optional when empty) and envFile (dotenv, ignored when
// missing), then applies the process environment on top.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	env := map[string]string{}
	if envFile != "" {
		fileEnv, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := env[key]
		return v, ok
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvSketchFile, &c.SketchFile)
	str(EnvImageTag, &c.ImageTag)
	str(EnvImage, &c.Image)
	str(EnvBuildExtraFlags, &c.BuildExtraFlags)
	str(EnvLogLevel, &c.LogLevel)
	str(EnvLogFormat, &c.LogFormat)

	ints := []struct {
		key string
		dst *int
	}{
		{EnvPublishMillis, &c.PublishMillis},
		{EnvBaudrate, &c.Baudrate},
		{EnvConnectRetries, &c.ConnectRetries},
	}
	for _, i := range ints {
		if v, ok := lookup(i.key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", i.key, v, err)
			}
			*i.dst = n
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{EnvPauseOnStart, &c.PauseOnStart},
		{EnvDebug, &c.Debug},
	}
	for _, b := range bools {
		if v, ok := lookup(b.key); ok && v != "" {
			parsed, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", b.key, v, err)
			}
			*b.dst = parsed
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvWaitTimeout, &c.WaitTimeout},
		{EnvRetryInterval, &c.RetryInterval},
	}
	for _, d := range durations {
		if v, ok := lookup(d.key); ok && v != "" {
			parsed, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", d.key, v, err)
			}
			*d.dst = parsed
		}
	}
	return nil
}

// Validate checks the settings needed to start a simulator container.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.SketchFile) == "" {
		return ErrSketchFileMissing
	}
	if c.ConnectRetries < 1 {
		return fmt.Errorf("connect retries must be at least 1, got %d", c.ConnectRetries)
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("wait timeout must be positive, got %s", c.WaitTimeout)
	}
	return nil
}

// ImageRef is the full image reference, e.g. pfichtner/virtualavr:latest.
func (c *Config) ImageRef() string {
	tag := c.ImageTag
	if tag == "" {
		tag = DefaultImageTag
	}
	return c.Image + ":" + tag
}
