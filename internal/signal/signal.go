// Package signal classifies price windows into discrete market states used to find historical analogs.
package signal

import (
	"fmt"
	"strings"

	"statemax-go/internal/kline"
)

// State is a per-bar label. Undefined marks bars without enough history and never matches.
type State int

// Undefined is the label of bars whose state is not yet defined.
const Undefined State = -1

// Target selects the series a classifier reads.
type Target string

const (
	// TargetClose classifies the close price.
	TargetClose Target = "close"
	// TargetReturn classifies the close-over-close return.
	TargetReturn Target = "ret"
)

// Config is one point in a classifier's configuration space.
type Config struct {
	Target      Target `json:"state_target" yaml:"state_target"`
	EMAFast     int    `json:"ema_fast_length,omitempty" yaml:"ema_fast_length,omitempty"`
	EMASlow     int    `json:"ema_slow_length,omitempty" yaml:"ema_slow_length,omitempty"`
	QtLength    int    `json:"qt_length,omitempty" yaml:"qt_length,omitempty"`
	QtSteps     int    `json:"qt_steps,omitempty" yaml:"qt_steps,omitempty"`
	ChainLength int    `json:"chain_length,omitempty" yaml:"chain_length,omitempty"`
}

func (c Config) String() string {
	parts := []string{"target=" + string(c.Target)}
	add := func(name string, v int) {
		if v != 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", name, v))
		}
	}
	add("ema_fast", c.EMAFast)
	add("ema_slow", c.EMASlow)
	add("qt_length", c.QtLength)
	add("qt_steps", c.QtSteps)
	add("chain_length", c.ChainLength)
	return strings.Join(parts, " ")
}

// Space lists candidate values per classifier axis.
type Space struct {
	Target      []Target `yaml:"state_target" json:"state_target"`
	EMAFast     []int    `yaml:"ema_fast_length" json:"ema_fast_length,omitempty"`
	EMASlow     []int    `yaml:"ema_slow_length" json:"ema_slow_length,omitempty"`
	QtLength    []int    `yaml:"qt_length" json:"qt_length,omitempty"`
	QtSteps     []int    `yaml:"qt_steps" json:"qt_steps,omitempty"`
	ChainLength []int    `yaml:"chain_length" json:"chain_length,omitempty"`
}

// Classifier labels bars with states. Variants are added by implementing this interface.
type Classifier interface {
	Name() string
	// Label returns one state per bar.
	Label(bars []kline.Bar, cfg Config) ([]State, error)
	// Length is the history required before states are well defined for the widest config in space.
	Length(space Space) int
	// Expand enumerates the classifier axes of space in declaration order.
	Expand(space Space) []Config
	// MinLookback is the smallest lookback (before forward projection) the space needs.
	MinLookback(space Space) int
	Validate(space Space) error
}

func targets(space Space) []Target {
	if len(space.Target) == 0 {
		return []Target{TargetClose}
	}
	return space.Target
}

func series(bars []kline.Bar, target Target) ([]float64, error) {
	switch target {
	case TargetClose, "":
		return kline.Closes(bars), nil
	case TargetReturn:
		return kline.Returns(bars), nil
	default:
		return nil, fmt.Errorf("unknown state target %q", target)
	}
}

func validateTargets(space Space) error {
	for _, t := range space.Target {
		if t != TargetClose && t != TargetReturn {
			return fmt.Errorf("unknown state target %q", t)
		}
	}
	return nil
}
