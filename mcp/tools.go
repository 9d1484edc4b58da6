package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbocsi/avrharness/proto"
	"github.com/mbocsi/avrharness/services"
)

func (s *MCPServer) handlePinMode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pin, err := request.RequireString("pin")
	if err != nil {
		return mcp.NewToolResultError("pin is required and must be a string"), nil
	}
	pin = s.aliases.Resolve(pin)
	mode := request.GetString("mode", proto.ModeDigital)

	if err := s.pins.PinMode(ctx, pin, mode); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pinMode %s for %s failed: %v", mode, pin, err)), nil
	}

	if mode == proto.ModeNone {
		return mcp.NewToolResultText(fmt.Sprintf("Stopped watching pin %s", pin)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Watching pin %s (%s)", pin, mode)), nil
}

func (s *MCPServer) handleSetPinState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pin, err := request.RequireString("pin")
	if err != nil {
		return mcp.NewToolResultError("pin is required and must be a string"), nil
	}
	pin = s.aliases.Resolve(pin)

	state, err := stateArgument(request, "state")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if state == nil {
		return mcp.NewToolResultError("state is required"), nil
	}

	if err := s.pins.SetPinState(ctx, pin, state); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Setting %s to %v failed: %v", pin, state, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Set pin %s to %v", pin, state)), nil
}

func (s *MCPServer) handlePinState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pin, err := request.RequireString("pin")
	if err != nil {
		return mcp.NewToolResultError("pin is required and must be a string"), nil
	}
	pin = s.aliases.Resolve(pin)

	expected, err := stateArgument(request, "expected")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if expected != nil {
		err := s.pins.WaitForPinState(ctx, pin, expected, timeoutArgument(request))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	state, known := s.pins.LastState(pin)
	return jsonResult(map[string]any{
		"pin":   pin,
		"state": state,
		"known": known,
	})
}

func (s *MCPServer) handleToggles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pin, err := request.RequireString("pin")
	if err != nil {
		return mcp.NewToolResultError("pin is required and must be a string"), nil
	}
	pin = s.aliases.Resolve(pin)

	if atLeast := int(request.GetFloat("at_least", 0)); atLeast > 0 {
		if err := s.pins.WaitForToggleCount(ctx, pin, atLeast, timeoutArgument(request)); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	return jsonResult(map[string]any{
		"pin":     pin,
		"toggles": s.pins.Toggles(pin),
	})
}

func (s *MCPServer) handleMessages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	msgs := s.source.Messages()
	if request.GetBool("since_clear", false) {
		if mark := s.pins.Mark(); mark < len(msgs) {
			msgs = msgs[mark:]
		} else {
			msgs = nil
		}
	}
	if limit := int(request.GetFloat("limit", 0)); limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if msgs == nil {
		msgs = []proto.Message{}
	}

	return jsonResult(map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
}

func (s *MCPServer) handleClearMessages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.pins.ClearMark()
	return mcp.NewToolResultText("Cleared the message log"), nil
}

func (s *MCPServer) handleControl(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := request.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required and must be a string"), nil
	}

	switch action {
	case proto.ActionPause:
		err = s.pins.Pause(ctx)
	case proto.ActionUnpause:
		err = s.pins.Unpause(ctx)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q", action)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("CPU %sd", action)), nil
}

func (s *MCPServer) handleSerialDebug(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enabled, err := request.RequireBool("enabled")
	if err != nil {
		return mcp.NewToolResultError("enabled is required and must be a boolean"), nil
	}
	if err := s.pins.SerialDebug(ctx, enabled); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("serialDebug failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Serial debug enabled: %t", enabled)), nil
}

var errInvalidState = errors.New("state must be a boolean, on/off, high/low or an integer")

// stateArgument reads a pin state argument. Clients may send it as a string or
// as a JSON boolean or number. A missing argument yields nil.
func stateArgument(request mcp.CallToolRequest, key string) (any, error) {
	raw, ok := request.GetArguments()[key]
	if !ok || raw == nil {
		return nil, nil
	}

	switch v := raw.(type) {
	case bool:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("%s %v: %w", key, v, errInvalidState)
		}
		return int(v), nil
	case string:
		state, err := services.ParseValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", key, v, errInvalidState)
		}
		return state, nil
	default:
		return nil, fmt.Errorf("%s %v: %w", key, v, errInvalidState)
	}
}

// timeoutArgument returns the timeout argument; zero leaves the choice to the
// pin service.
func timeoutArgument(request mcp.CallToolRequest) time.Duration {
	seconds := request.GetFloat("timeout", 0)
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
