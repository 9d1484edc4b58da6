package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbocsi/avrharness/server"
)

type stubOptions struct {
	addr       string
	sketch     string
	deprecated bool
	pause      bool
	maxClients int
}

func newStubCommand(root *rootOptions) *cobra.Command {
	opts := &stubOptions{}

	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Serve the in-process simulator stub",
		Long: `Serve a simulator stub speaking the virtualavr WebSocket protocol on "/".

The stub also serves /health, /pins, /pins/{pin}, /pins/{pin}/events (SSE)
and /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sketch, err := server.SketchByName(opts.sketch)
			if err != nil {
				return err
			}

			stub := server.NewStub(server.StubOptions{
				Sketch:         sketch,
				PauseOnStart:   opts.pause || (!cmd.Flags().Changed("pause") && root.cfg.PauseOnStart),
				EmitDeprecated: opts.deprecated,
				MaxClients:     opts.maxClients,
				Logger:         root.logger,
			})

			ready := make(chan string, 1)
			go func() {
				if addr, ok := <-ready; ok {
					fmt.Fprintf(cmd.OutOrStdout(), "ws://%s\n", addr)
				}
			}()
			err = stub.ListenAndServe(cmd.Context(), opts.addr, ready)
			close(ready)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", ":8080", "listen address")
	flags.StringVar(&opts.sketch, "sketch", "noise", fmt.Sprintf("sketch to simulate %v", server.SketchNames()))
	flags.BoolVar(&opts.deprecated, "deprecated", false, "also publish deprecated duplicates of pin states")
	flags.BoolVar(&opts.pause, "pause", false, "start with the CPU paused (default from PAUSE_ON_START)")
	flags.IntVar(&opts.maxClients, "max-clients", 0, "maximum concurrent WebSocket clients (0 uses the stub default)")
	return cmd
}
