package signal

import (
	"fmt"
	"math"

	"github.com/samber/lo"

	"statemax-go/internal/kline"
)

// QuantileChain buckets the rolling rank of the target into qt_steps levels and encodes the last
// chain_length buckets as one base-(qt_steps+1) integer, most recent bar most significant.
type QuantileChain struct{}

// Name identifies the classifier.
func (QuantileChain) Name() string { return "quantile_chain" }

// Label computes the chained quantile state series.
func (QuantileChain) Label(bars []kline.Bar, cfg Config) ([]State, error) {
	if cfg.QtLength <= 1 || cfg.QtSteps <= 1 || cfg.ChainLength <= 1 {
		return nil, fmt.Errorf("quantile chain config incomplete: %s", cfg)
	}
	vals, err := series(bars, cfg.Target)
	if err != nil {
		return nil, err
	}
	buckets := RollingBuckets(vals, cfg.QtLength, cfg.QtSteps)
	base := cfg.QtSteps + 1

	out := make([]State, len(vals))
	for i := range out {
		out[i] = Undefined
		if i < cfg.ChainLength-1 {
			continue
		}
		code, ok := 0, true
		for k := 0; k < cfg.ChainLength; k++ {
			b := buckets[i-k]
			if b < 0 {
				ok = false
				break
			}
			code += b * ipow(base, cfg.ChainLength-1-k)
		}
		if ok {
			out[i] = State(code)
		}
	}
	return out, nil
}

// RollingBuckets maps each value to round(rank·steps/length) where rank is its average rank
// inside the trailing window; bars before the first full window get -1.
func RollingBuckets(vals []float64, length, steps int) []int {
	out := make([]int, len(vals))
	for i := range out {
		out[i] = -1
		if i < length-1 {
			continue
		}
		x := vals[i]
		less, equal := 0, 0
		for _, v := range vals[i-length+1 : i+1] {
			switch {
			case v < x:
				less++
			case v == x:
				equal++
			}
		}
		rank := float64(less) + float64(equal+1)/2
		out[i] = int(math.RoundToEven(rank * float64(steps) / float64(length)))
	}
	return out
}

// Length is max(qt_length) + max(chain_length).
func (QuantileChain) Length(space Space) int {
	return lo.Max(space.QtLength) + lo.Max(space.ChainLength)
}

// Expand enumerates target × qt_length × qt_steps × chain_length.
func (QuantileChain) Expand(space Space) []Config {
	var out []Config
	for _, t := range targets(space) {
		for _, l := range space.QtLength {
			for _, s := range space.QtSteps {
				for _, c := range space.ChainLength {
					out = append(out, Config{Target: t, QtLength: l, QtSteps: s, ChainLength: c})
				}
			}
		}
	}
	return out
}

// MinLookback is the longest chain: a lookback must at least hold one chained state.
func (QuantileChain) MinLookback(space Space) int { return lo.Max(space.ChainLength) }

// Validate checks axis bounds and that encoded states fit in an int.
func (QuantileChain) Validate(space Space) error {
	if err := validateTargets(space); err != nil {
		return err
	}
	if len(space.QtLength) == 0 || len(space.QtSteps) == 0 || len(space.ChainLength) == 0 {
		return fmt.Errorf("qt_length, qt_steps and chain_length need at least one value")
	}
	for _, axis := range []struct {
		name string
		vals []int
	}{{"qt_length", space.QtLength}, {"qt_steps", space.QtSteps}, {"chain_length", space.ChainLength}} {
		for _, v := range axis.vals {
			if v <= 1 {
				return fmt.Errorf("%s %d must be greater than 1", axis.name, v)
			}
		}
	}
	if bits := float64(lo.Max(space.ChainLength)) * math.Log2(float64(lo.Max(space.QtSteps)+1)); bits > 62 {
		return fmt.Errorf("chain_length and qt_steps encode %.0f bits of state, limit is 62", bits)
	}
	return nil
}

func ipow(base, exp int) int {
	out := 1
	for ; exp > 0; exp-- {
		out *= base
	}
	return out
}
