// Package mcp exposes a simulator connection as Model Context Protocol tools so
// that an assistant can watch and drive pins interactively.
package mcp

import (
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbocsi/avrharness/services"
)

const (
	serverName    = "avrharness"
	serverVersion = "1.0.0"
)

type Option func(*MCPServer)

func WithAliases(aliases map[string]string) Option {
	return func(s *MCPServer) {
		s.aliases = s.aliases.Merge(aliases)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *MCPServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeout sets the wait timeout used when a tool call does not pass one.
func WithTimeout(timeout time.Duration) Option {
	return func(s *MCPServer) {
		s.timeout = timeout
	}
}

// MCPServer serves pin tools over a single simulator connection.
type MCPServer struct {
	Server *server.MCPServer

	source  services.MessageSource
	pins    *services.PinService
	aliases services.Aliases
	timeout time.Duration
	logger  *slog.Logger
}

// NewMCPServer creates the server and registers all tools. source is usually a
// started *client.Listener.
func NewMCPServer(source services.MessageSource, opts ...Option) *MCPServer {
	s := &MCPServer{
		Server:  server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false)),
		source:  source,
		aliases: services.Aliases{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pins = services.NewPinService(source, services.WithTimeout(s.timeout), services.WithLogger(s.logger))

	s.registerPinTools()
	s.registerMessageTools()
	s.registerControlTools()
	return s
}

// Pins returns the pin service the tools work with.
func (s *MCPServer) Pins() *services.PinService {
	return s.pins
}

// Run serves MCP over stdin/stdout until stdin is closed.
func (s *MCPServer) Run() error {
	s.logger.Info("Started stdio MCP server")
	defer func() {
		s.logger.Info("Shut down stdio MCP server")
	}()
	return server.ServeStdio(s.Server)
}

func (s *MCPServer) registerPinTools() {
	pinModeTool := mcp.NewTool("pin_mode",
		mcp.WithDescription("Start or stop receiving state changes of a pin"),
		mcp.WithString("pin",
			mcp.Required(),
			mcp.Description("Pin name (e.g. D13, A0) or a defined alias"),
		),
		mcp.WithString("mode",
			mcp.Description("Report mode; none stops reporting"),
			mcp.Enum("digital", "analog", "none"),
		),
	)
	s.Server.AddTool(pinModeTool, s.handlePinMode)

	setStateTool := mcp.NewTool("set_pin_state",
		mcp.WithDescription("Drive an input pin of the simulated AVR"),
		mcp.WithString("pin",
			mcp.Required(),
			mcp.Description("Pin name or alias"),
		),
		mcp.WithString("state",
			mcp.Required(),
			mcp.Description("true/false, on/off, high/low or an integer for analog pins"),
		),
	)
	s.Server.AddTool(setStateTool, s.handleSetPinState)

	pinStateTool := mcp.NewTool("pin_state",
		mcp.WithDescription("Get the last reported state of a pin, or wait until it has the expected state"),
		mcp.WithString("pin",
			mcp.Required(),
			mcp.Description("Pin name or alias"),
		),
		mcp.WithString("expected",
			mcp.Description("Wait until the last reported state equals this value"),
		),
		mcp.WithNumber("timeout",
			mcp.Description("Timeout in seconds for the wait"),
		),
	)
	s.Server.AddTool(pinStateTool, s.handlePinState)

	togglesTool := mcp.NewTool("toggles",
		mcp.WithDescription("Count state changes of a pin since the message log was last cleared"),
		mcp.WithString("pin",
			mcp.Required(),
			mcp.Description("Pin name or alias"),
		),
		mcp.WithNumber("at_least",
			mcp.Description("Wait until the pin toggled at least this many times"),
		),
		mcp.WithNumber("timeout",
			mcp.Description("Timeout in seconds for the wait"),
		),
	)
	s.Server.AddTool(togglesTool, s.handleToggles)
}

func (s *MCPServer) registerMessageTools() {
	messagesTool := mcp.NewTool("messages",
		mcp.WithDescription("List messages received from the simulator"),
		mcp.WithNumber("limit",
			mcp.Description("Only return the most recent messages"),
		),
		mcp.WithBoolean("since_clear",
			mcp.Description("Only return messages received after the last clear_messages call"),
		),
	)
	s.Server.AddTool(messagesTool, s.handleMessages)

	clearTool := mcp.NewTool("clear_messages",
		mcp.WithDescription("Start counting toggles and matching messages afresh"),
	)
	s.Server.AddTool(clearTool, s.handleClearMessages)
}

func (s *MCPServer) registerControlTools() {
	controlTool := mcp.NewTool("control",
		mcp.WithDescription("Pause or resume the simulated CPU"),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Enum("pause", "unpause"),
		),
	)
	s.Server.AddTool(controlTool, s.handleControl)

	serialDebugTool := mcp.NewTool("serial_debug",
		mcp.WithDescription("Switch serial debug notifications on or off"),
		mcp.WithBoolean("enabled",
			mcp.Required(),
		),
	)
	s.Server.AddTool(serialDebugTool, s.handleSerialDebug)
}
