package signal

import (
	"fmt"

	"github.com/samber/lo"

	"statemax-go/internal/kline"
)

const (
	defaultEMAFast = 12
	defaultEMASlow = 26
)

// GoldenCross labels a bar 1 when the fast EMA of the target is above the slow EMA, else 0.
type GoldenCross struct{}

// Name identifies the classifier.
func (GoldenCross) Name() string { return "golden_cross" }

func gcSpace(space Space) Space {
	if len(space.EMAFast) == 0 {
		space.EMAFast = []int{defaultEMAFast}
	}
	if len(space.EMASlow) == 0 {
		space.EMASlow = []int{defaultEMASlow}
	}
	space.Target = targets(space)
	return space
}

// Label computes the momentum-cross state series.
func (GoldenCross) Label(bars []kline.Bar, cfg Config) ([]State, error) {
	fast, slow := cfg.EMAFast, cfg.EMASlow
	if fast == 0 {
		fast = defaultEMAFast
	}
	if slow == 0 {
		slow = defaultEMASlow
	}
	vals, err := series(bars, cfg.Target)
	if err != nil {
		return nil, err
	}
	emaFast, emaSlow := EMA(vals, fast), EMA(vals, slow)
	out := make([]State, len(vals))
	for i := range vals {
		if emaFast[i] > emaSlow[i] {
			out[i] = 1
		}
	}
	return out, nil
}

// Length is the widest EMA span in the space.
func (GoldenCross) Length(space Space) int {
	space = gcSpace(space)
	return max(lo.Max(space.EMAFast), lo.Max(space.EMASlow))
}

// Expand enumerates target × fast × slow.
func (GoldenCross) Expand(space Space) []Config {
	space = gcSpace(space)
	var out []Config
	for _, t := range space.Target {
		for _, f := range space.EMAFast {
			for _, s := range space.EMASlow {
				out = append(out, Config{Target: t, EMAFast: f, EMASlow: s})
			}
		}
	}
	return out
}

// MinLookback is zero: a single bar carries the whole state.
func (GoldenCross) MinLookback(Space) int { return 0 }

// Validate checks the EMA spans.
func (GoldenCross) Validate(space Space) error {
	if err := validateTargets(space); err != nil {
		return err
	}
	space = gcSpace(space)
	for _, f := range space.EMAFast {
		if f <= 1 {
			return fmt.Errorf("ema_fast_length %d must be greater than 1", f)
		}
	}
	for _, s := range space.EMASlow {
		if s <= 2 {
			return fmt.Errorf("ema_slow_length %d must be greater than 2", s)
		}
	}
	return nil
}

// EMA is the bias-adjusted exponentially weighted mean with alpha = 2/(span+1),
// weighting observation k bars back by (1-alpha)^k.
func EMA(vals []float64, span int) []float64 {
	out := make([]float64, len(vals))
	if span < 1 {
		span = 1
	}
	decay := 1 - 2/(float64(span)+1)
	var num, den float64
	for i, v := range vals {
		num = v + decay*num
		den = 1 + decay*den
		out[i] = num / den
	}
	return out
}
