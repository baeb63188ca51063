// Package search tunes optimizer hyperparameters by backtesting every grid point in parallel.
package search

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/samber/lo"

	"statemax-go/internal/backtest"
	"statemax-go/internal/optimizer"
	"statemax-go/internal/signal"
)

// ErrInvalidConfig rejects malformed search spaces.
var ErrInvalidConfig = errors.New("invalid search config")

// Point is one grid point.
type Point = optimizer.Params

// Config is the search space and schedule.
type Config struct {
	TradeFreq     time.Duration `yaml:"trade_freq" json:"trade_freq"`
	Lookback      []int         `yaml:"lookback" json:"lookback"`
	ForwardLength []int         `yaml:"forward_length" json:"forward_length"`
	FeeAdj        []float64     `yaml:"fee_adj" json:"fee_adj"`
	Offset        []int         `yaml:"offset" json:"offset"`
	State         signal.Space  `yaml:"state" json:"state"`

	// OptRange is the number of bars each search backtests over.
	OptRange int `yaml:"opt_range" json:"opt_range"`
	// OptFreq is the record lifetime in trade periods.
	OptFreq     int     `yaml:"opt_freq" json:"opt_freq"`
	Optimize    bool    `yaml:"optimize" json:"optimize"`
	SaveResults bool    `yaml:"save_opt_results" json:"save_opt_results"`
	ScoreMetric string  `yaml:"score_metric" json:"score_metric"`
	Workers     int     `yaml:"workers" json:"workers"`
	StartEquity float64 `yaml:"start_equity" json:"start_equity"`

	// NaNScore replaces non-finite scores; nil means backtest.DefaultNaNScore.
	NaNScore *float64 `yaml:"nan_score,omitempty" json:"nan_score,omitempty"`
}

// WithDefaults fills optional axes and knobs.
func (c Config) WithDefaults() Config {
	if len(c.ForwardLength) == 0 {
		c.ForwardLength = []int{1}
	}
	if len(c.FeeAdj) == 0 {
		c.FeeAdj = []float64{1}
	}
	if len(c.Offset) == 0 {
		c.Offset = []int{0}
	}
	if c.ScoreMetric == "" {
		c.ScoreMetric = backtest.MetricAnnualReturn
	}
	if c.NaNScore == nil {
		v := backtest.DefaultNaNScore
		c.NaNScore = &v
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.StartEquity <= 0 {
		c.StartEquity = 10000
	}
	return c
}

// Validate checks c against the classifier it will drive. Defaults must already be applied.
func (c Config) Validate(cl signal.Classifier) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if c.TradeFreq <= 0 {
		return fail("trade_freq must be positive")
	}
	if len(c.Lookback) == 0 || len(c.ForwardLength) == 0 || len(c.FeeAdj) == 0 || len(c.Offset) == 0 {
		return fail("every axis needs at least one value")
	}
	for _, v := range c.Lookback {
		if v <= 1 {
			return fail("lookback %d must be greater than 1", v)
		}
		if c.OptRange <= v {
			return fail("opt_range %d must exceed lookback %d", c.OptRange, v)
		}
	}
	for _, v := range c.ForwardLength {
		if v < 1 {
			return fail("forward_length %d must be at least 1", v)
		}
	}
	for _, v := range c.FeeAdj {
		if v < 0 || math.IsNaN(v) {
			return fail("fee_adj %g must be non-negative", v)
		}
	}
	for _, v := range c.Offset {
		if v < 0 {
			return fail("offset %d must be non-negative", v)
		}
	}
	if c.OptFreq <= 1 {
		return fail("opt_freq %d must be greater than 1", c.OptFreq)
	}
	if !backtest.ValidMetric(c.ScoreMetric) {
		return fail("unknown score_metric %q", c.ScoreMetric)
	}
	if err := cl.Validate(c.State); err != nil {
		return fail("%s: %v", cl.Name(), err)
	}
	if need := cl.MinLookback(c.State) + lo.Max(c.ForwardLength); lo.Min(c.Lookback) < need {
		return fail("lookback %d shorter than state history plus forward length (%d)", lo.Min(c.Lookback), need)
	}
	return nil
}

// Sentinel is the score given to points whose metric is not finite.
func (c Config) Sentinel() float64 {
	if c.NaNScore == nil {
		return backtest.DefaultNaNScore
	}
	return *c.NaNScore
}

// Lifetime is how long a record stays fresh.
func (c Config) Lifetime() time.Duration {
	return time.Duration(c.OptFreq) * c.TradeFreq
}

// Grid is the Cartesian product of every axis in the order lookback, forward_length, fee_adj,
// offset, then the classifier's own axes.
func Grid(c Config, cl signal.Classifier) []Point {
	states := cl.Expand(c.State)
	var out []Point
	for _, lb := range c.Lookback {
		for _, fl := range c.ForwardLength {
			for _, fa := range c.FeeAdj {
				for _, off := range c.Offset {
					for _, st := range states {
						out = append(out, Point{Lookback: lb, ForwardLength: fl, FeeAdj: fa, Offset: off, State: st})
					}
				}
			}
		}
	}
	return out
}

// First is the point built from the first value of every axis.
func First(c Config, cl signal.Classifier) Point {
	p := Point{Lookback: c.Lookback[0], ForwardLength: c.ForwardLength[0], FeeAdj: c.FeeAdj[0], Offset: c.Offset[0]}
	if states := cl.Expand(c.State); len(states) > 0 {
		p.State = states[0]
	}
	return p
}
