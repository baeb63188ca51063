package strategy

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"statemax-go/internal/search"
	"statemax-go/internal/store"
)

// Mode names accepted by Build.
const (
	ModeStateMaxGC  = "statemax_gc"
	ModeStateMaxQQ  = "statemax_qq"
	ModeGoldenCross = "golden_cross"
	ModeConstant    = "constant"
)

// Config selects and parameterises a signal.
type Config struct {
	Mode string `yaml:"mode" json:"mode"`
	// Buffer overrides the number of bars fed to each tick.
	Buffer int `yaml:"buffer" json:"buffer"`
	// Search drives the state-maximisation modes.
	Search search.Config `yaml:"search" json:"search"`
	// Periods drive the plain golden-cross mode.
	Periods []int `yaml:"periods" json:"periods"`
	// Fraction drives the constant mode.
	Fraction float64 `yaml:"fraction" json:"fraction"`
}

// Build returns the signal matching the configured mode. state is the signal's own namespace.
func Build(cfg Config, state *store.State, log zerolog.Logger) (Signal, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", ModeStateMaxGC, "gcsm":
		return NewGoldenCrossStateMaximization(cfg.Search, cfg.Buffer, state, log)
	case ModeStateMaxQQ, "qqsm":
		return NewQuantileStateMaximization(cfg.Search, cfg.Buffer, state, log)
	case ModeGoldenCross, "gc":
		return NewGoldenCross(cfg.Periods, cfg.Buffer, state, log)
	case ModeConstant:
		return NewConstant(cfg.Fraction)
	default:
		return nil, fmt.Errorf("unknown signal mode %q", cfg.Mode)
	}
}
