package steps

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cucumber/godog"

	"github.com/mbocsi/avrharness/client"
	"github.com/mbocsi/avrharness/proto"
	"github.com/mbocsi/avrharness/services"
)

type ctxKey int

const stateKey ctxKey = 0

// scenarioState is what one scenario works with.
type scenarioState struct {
	listener *client.Listener
	pins     *services.PinService
	aliases  services.Aliases
	release  ReleaseFunc
}

func getState(ctx context.Context) *scenarioState {
	s, _ := ctx.Value(stateKey).(*scenarioState)
	return s
}

// PinService returns the pin service of the running scenario, for custom steps.
func PinService(ctx context.Context) *services.PinService {
	if st := getState(ctx); st != nil {
		return st.pins
	}
	return nil
}

// Listener returns the listener of the running scenario, for custom steps.
func Listener(ctx context.Context) *client.Listener {
	if st := getState(ctx); st != nil {
		return st.listener
	}
	return nil
}

var errNoSimulator = errors.New("no simulator connection for this scenario")

// InitializeScenario can be used as godog.TestSuite.ScenarioInitializer.
func (h *Harness) InitializeScenario(sc *godog.ScenarioContext) {
	Register(sc, h)
}

// Register connects each scenario to a simulator and binds the pin steps of
// both supported phrasings:
//
//	Given the following aliases are defined      | Given the following pins are assigned
//	Given pin <alias> is watched                 | Given the pin of <alias> is monitored
//	When pin <alias> is set to <value>           | When the <alias> is set to <value>
//	Then pin <alias> should be <state>           | Then the <alias> should be <state>
//	                                             | When the message queue is cleared
//	                                             | Then the <alias> was toggled <n> times
//
// The "pin" phrasing sends requests without waiting for an acknowledgement.
func Register(sc *godog.ScenarioContext, h *Harness) {
	state := &scenarioState{}

	sc.Before(func(ctx context.Context, s *godog.Scenario) (context.Context, error) {
		url, release, err := h.Connector.Connect(ctx)
		if err != nil {
			return ctx, fmt.Errorf("connect simulator for %q: %w", s.Name, err)
		}

		l := client.NewURLListener(url, h.retry(), client.WithLogger(h.logger()))
		l.Start(ctx)
		if !l.Running() {
			err := l.Err()
			if relErr := release(ctx); relErr != nil {
				h.logger().Warn("Failed to release simulator", "error", relErr)
			}
			return ctx, fmt.Errorf("websocket listener for %q: %w", s.Name, err)
		}
		h.logger().Info("WebSocket listener started", "scenario", s.Name, "url", url)

		state.listener = l
		state.pins = services.NewPinService(l, services.WithTimeout(h.Timeout), services.WithLogger(h.logger()))
		state.aliases = services.Aliases{}.Merge(h.Aliases)
		state.release = release
		return context.WithValue(ctx, stateKey, state), nil
	})

	sc.After(func(ctx context.Context, s *godog.Scenario, err error) (context.Context, error) {
		if state.listener != nil {
			state.listener.Stop()
			h.logger().Info("WebSocket listener stopped", "scenario", s.Name, "messages", len(state.listener.Messages()))
		}
		var relErr error
		if state.release != nil {
			relErr = state.release(ctx)
			if relErr != nil {
				h.logger().Error("Error releasing simulator", "scenario", s.Name, "error", relErr)
			}
		}
		state.listener, state.pins, state.release = nil, nil, nil
		return ctx, relErr
	})

	sc.Step(`^the following aliases are defined$`, state.defineAliases)
	sc.Step(`^the following pins are assigned$`, state.defineAliases)

	sc.Step(`^pin (.+) is watched$`, state.watchPinNoWait)
	sc.Step(`^the pin of (.+) is monitored$`, state.watchPin)

	sc.Step(`^pin (.+) is set to (.+)$`, state.setPinNoWait)
	sc.Step(`^the (.+) is set to (.+)$`, state.setPin)

	sc.Step(`^pin (.+) should be (.+)$`, state.checkPinState)
	sc.Step(`^the (.+) should be (.+)$`, state.checkPinState)

	sc.Step(`^the message queue is cleared$`, state.clearMessages)
	sc.Step(`^the (.+) was toggled (\d+) times?$`, state.checkToggles)
}

func (s *scenarioState) ready() error {
	if s.pins == nil {
		return errNoSimulator
	}
	return nil
}

func (s *scenarioState) defineAliases(ctx context.Context, table *godog.Table) error {
	rows := make([][]string, 0, len(table.Rows))
	for _, row := range table.Rows {
		cells := make([]string, 0, len(row.Cells))
		for _, cell := range row.Cells {
			cells = append(cells, cell.Value)
		}
		rows = append(rows, cells)
	}

	aliases, err := services.AliasesFromTable(rows)
	if err != nil {
		return err
	}
	s.aliases = s.aliases.Merge(aliases)
	return nil
}

func (s *scenarioState) watchPin(ctx context.Context, alias string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.pins.PinMode(ctx, s.aliases.Resolve(alias), proto.ModeDigital)
}

func (s *scenarioState) watchPinNoWait(ctx context.Context, alias string) error {
	if err := s.ready(); err != nil {
		return err
	}
	msg, err := proto.PinMode(s.aliases.Resolve(alias), proto.ModeDigital)
	if err != nil {
		return err
	}
	return s.pins.SendRaw(ctx, msg)
}

func (s *scenarioState) setPin(ctx context.Context, alias, value string) error {
	if err := s.ready(); err != nil {
		return err
	}
	state, err := services.ParseValue(value)
	if err != nil {
		return err
	}
	return s.pins.SetPinState(ctx, s.aliases.Resolve(alias), state)
}

func (s *scenarioState) setPinNoWait(ctx context.Context, alias, value string) error {
	if err := s.ready(); err != nil {
		return err
	}
	state, err := services.ParseValue(value)
	if err != nil {
		return err
	}
	msg, err := proto.PinState(s.aliases.Resolve(alias), state)
	if err != nil {
		return err
	}
	return s.pins.SendRaw(ctx, msg)
}

func (s *scenarioState) checkPinState(ctx context.Context, alias, value string) error {
	if err := s.ready(); err != nil {
		return err
	}
	expected, err := services.ParseValue(value)
	if err != nil {
		return err
	}
	return s.pins.WaitForPinState(ctx, s.aliases.Resolve(alias), expected, 0)
}

func (s *scenarioState) clearMessages(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.pins.ClearMark()
	return nil
}

func (s *scenarioState) checkToggles(ctx context.Context, alias, times string) error {
	if err := s.ready(); err != nil {
		return err
	}
	n, err := strconv.Atoi(times)
	if err != nil {
		return fmt.Errorf("invalid toggle count %q: %w", times, err)
	}
	return s.pins.WaitForToggleCount(ctx, s.aliases.Resolve(alias), n, 0)
}
