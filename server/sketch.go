package server

import (
	"fmt"
	"sort"
	"time"
)

// PinReader gives sketches read access to the board.
type PinReader interface {
	Int(pin string) int
	Bool(pin string) bool
}

// Sketch stands in for the firmware running on the simulated AVR. Evaluate is
// called after every input change and returns the resulting output states.
type Sketch interface {
	Name() string
	Evaluate(in PinReader) map[string]any
}

// Looper is implemented by sketches that also change outputs on their own.
// Tick is called every Interval while the CPU is not paused.
type Looper interface {
	Interval() time.Duration
	Tick(in PinReader) map[string]any
}

// NoiseLevelIndicator compares the analog value on Value against the reference on
// Ref: green up to 90% of the reference, yellow up to the reference, red above.
type NoiseLevelIndicator struct {
	Ref, Value         string
	Green, Yellow, Red string
}

func NewNoiseLevelIndicator() *NoiseLevelIndicator {
	return &NoiseLevelIndicator{Ref: "A0", Value: "A1", Green: "D10", Yellow: "D11", Red: "D12"}
}

func (s *NoiseLevelIndicator) Name() string { return "noise" }

func (s *NoiseLevelIndicator) Evaluate(in PinReader) map[string]any {
	ref, value := in.Int(s.Ref), in.Int(s.Value)
	green := value*10 <= ref*9
	red := value > ref
	return map[string]any{
		s.Green:  green,
		s.Yellow: !green && !red,
		s.Red:    red,
	}
}

// Blink toggles Pin every Period.
type Blink struct {
	Pin    string
	Period time.Duration

	on bool
}

func NewBlink(pin string, period time.Duration) *Blink {
	return &Blink{Pin: pin, Period: period}
}

func (s *Blink) Name() string { return "blink" }

func (s *Blink) Evaluate(PinReader) map[string]any {
	return map[string]any{s.Pin: s.on}
}

func (s *Blink) Interval() time.Duration { return s.Period }

func (s *Blink) Tick(PinReader) map[string]any {
	s.on = !s.on
	return map[string]any{s.Pin: s.on}
}

// Idle is a sketch without outputs; the stub then only echoes input pins.
type Idle struct{}

func (Idle) Name() string                        { return "none" }
func (Idle) Evaluate(PinReader) map[string]any { return nil }

var sketches = map[string]func() Sketch{
	"noise": func() Sketch { return NewNoiseLevelIndicator() },
	"blink": func() Sketch { return NewBlink("D13", 500*time.Millisecond) },
	"none":  func() Sketch { return Idle{} },
}

// SketchByName returns a fresh instance of a built-in sketch.
func SketchByName(name string) (Sketch, error) {
	newSketch, ok := sketches[name]
	if !ok {
		return nil, fmt.Errorf("unknown sketch %q (available: %v)", name, SketchNames())
	}
	return newSketch(), nil
}

func SketchNames() []string {
	names := make([]string, 0, len(sketches))
	for name := range sketches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
