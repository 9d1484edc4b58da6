package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/cucumber/godog"
	"github.com/spf13/cobra"

	"github.com/mbocsi/avrharness/container"
	"github.com/mbocsi/avrharness/server"
	"github.com/mbocsi/avrharness/steps"
)

type runOptions struct {
	url         string
	stubSketch  string
	perScenario bool
	format      string
	tags        string
	strict      bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [features...]",
		Short: "Run Gherkin features against a simulator",
		Long: `Run Gherkin features against a simulator.

By default a virtualavr container is started for SKETCH_FILE. Use --url to
test against a simulator that is already running, or --stub to use the
in-process simulator stub with one of the built-in sketches.`,
		Example: `  SKETCH_FILE=blink.ino avrharness run features/
  avrharness run --stub noise features/noise_level_indicator.feature`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"features"}
			}
			return runFeatures(cmd, root, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.url, "url", "", "WebSocket URL of a running simulator")
	flags.StringVar(&opts.stubSketch, "stub", "", fmt.Sprintf("use the in-process stub with this sketch %v", server.SketchNames()))
	flags.BoolVar(&opts.perScenario, "per-scenario", false, "start a fresh container for every scenario")
	flags.StringVarP(&opts.format, "format", "f", "pretty", "godog output format")
	flags.StringVarP(&opts.tags, "tags", "t", "", "only run scenarios matching this tag expression")
	flags.BoolVar(&opts.strict, "strict", true, "fail on undefined or pending steps")
	cmd.MarkFlagsMutuallyExclusive("url", "stub")
	return cmd
}

func runFeatures(cmd *cobra.Command, root *rootOptions, opts *runOptions, paths []string) error {
	connector, closeConnector, err := newConnector(root, opts)
	if err != nil {
		return err
	}
	defer closeConnector()

	harness := &steps.Harness{
		Connector: connector,
		Retry:     root.retryPolicy(),
		Timeout:   root.cfg.WaitTimeout,
		Aliases:   root.cfg.Aliases,
		Logger:    root.logger,
	}

	suite := godog.TestSuite{
		Name:                "avrharness",
		ScenarioInitializer: harness.InitializeScenario,
		Options: &godog.Options{
			Format:         opts.format,
			Paths:          paths,
			Tags:           opts.tags,
			Strict:         opts.strict,
			Output:         cmd.OutOrStdout(),
			DefaultContext: cmd.Context(),
		},
	}

	if status := suite.Run(); status != 0 {
		return fmt.Errorf("feature run failed with status %d", status)
	}
	return nil
}

func newConnector(root *rootOptions, opts *runOptions) (steps.Connector, func(), error) {
	switch {
	case opts.url != "":
		return steps.URLConnector(opts.url), func() {}, nil

	case opts.stubSketch != "":
		if _, err := server.SketchByName(opts.stubSketch); err != nil {
			return nil, nil, err
		}
		sketch := opts.stubSketch
		return steps.StubConnector{
			Sketch: func() server.Sketch {
				s, _ := server.SketchByName(sketch)
				return s
			},
			Logger: root.logger,
		}, func() {}, nil

	default:
		if err := root.cfg.Validate(); err != nil {
			return nil, nil, err
		}
		containerOpts := container.OptionsFromConfig(root.cfg)
		containerOpts.Logger = root.logger
		c := &steps.ContainerConnector{Options: containerOpts, PerScenario: opts.perScenario}
		return c, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.Close(ctx); err != nil {
				root.logger.Error("Failed to remove simulator container", "error", err)
			}
		}, nil
	}
}
