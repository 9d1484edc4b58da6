package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbocsi/avrharness/client"
	"github.com/mbocsi/avrharness/mcp"
	"github.com/mbocsi/avrharness/server"
	"github.com/mbocsi/avrharness/steps"
)

type mcpOptions struct {
	url        string
	stubSketch string
}

func newMCPCommand(root *rootOptions) *cobra.Command {
	opts := &mcpOptions{}

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server in stdio mode for AI assistants",
		Long: `Start the Model Context Protocol (MCP) server in stdio mode.

The server connects to one simulator and offers tools to watch and drive its
pins, list received messages and pause the CPU. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var connector steps.Connector = steps.URLConnector(opts.url)
			if opts.stubSketch != "" {
				sketch, err := server.SketchByName(opts.stubSketch)
				if err != nil {
					return err
				}
				connector = steps.StubConnector{
					Sketch: func() server.Sketch { return sketch },
					Logger: root.logger,
				}
			}

			url, release, err := connector.Connect(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := release(context.Background()); err != nil {
					root.logger.Warn("Failed to release simulator", "error", err)
				}
			}()

			l := client.NewURLListener(url, root.retryPolicy(), client.WithLogger(root.logger))
			l.Start(ctx)
			defer l.Stop()
			if !l.Running() {
				return fmt.Errorf("connect %s: %w", url, l.Err())
			}

			s := mcp.NewMCPServer(l,
				mcp.WithAliases(root.cfg.Aliases),
				mcp.WithTimeout(root.cfg.WaitTimeout),
				mcp.WithLogger(root.logger),
			)
			return s.Run()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.url, "url", "ws://localhost:8080", "WebSocket URL of a running simulator")
	flags.StringVar(&opts.stubSketch, "stub", "", fmt.Sprintf("use the in-process stub with this sketch %v", server.SketchNames()))
	cmd.MarkFlagsMutuallyExclusive("url", "stub")
	return cmd
}
