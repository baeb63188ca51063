// Package optimizer picks the rebalancing fraction that maximises mean log growth over historical
// analogs of the current market state.
package optimizer

import (
	"errors"
	"fmt"
	"math"
	"time"

	"statemax-go/internal/kline"
	"statemax-go/internal/signal"
)

// DefaultFraction is used when a window holds no analog returns.
const DefaultFraction = 0.5

// Params is one hyperparameter point.
type Params struct {
	Lookback      int           `json:"lookback"`
	ForwardLength int           `json:"forward_length"`
	FeeAdj        float64       `json:"fee_adj"`
	Offset        int           `json:"offset"`
	State         signal.Config `json:"state"`
}

func (p Params) String() string {
	return fmt.Sprintf("lookback=%d forward=%d fee_adj=%g offset=%d %s", p.Lookback, p.ForwardLength, p.FeeAdj, p.Offset, p.State)
}

// Validate rejects parameter points the optimizer cannot evaluate.
func (p Params) Validate() error {
	switch {
	case p.Lookback <= 1:
		return fmt.Errorf("lookback %d must be greater than 1", p.Lookback)
	case p.ForwardLength < 1:
		return fmt.Errorf("forward_length %d must be at least 1", p.ForwardLength)
	case p.FeeAdj < 0 || math.IsNaN(p.FeeAdj):
		return fmt.Errorf("fee_adj %g must be non-negative", p.FeeAdj)
	case p.Offset < 0:
		return fmt.Errorf("offset %d must be non-negative", p.Offset)
	}
	return nil
}

// Row is the optimizer output for one bar.
type Row struct {
	Time      time.Time    `json:"time"`
	Close     float64      `json:"close"`
	Return    float64      `json:"ret"`
	State     signal.State `json:"state"`
	LastState signal.State `json:"last_state"`
	Weight    float64      `json:"weight"`
	Evaluated bool         `json:"evaluated"`
	RetAvg    float64      `json:"ret_avg"`
	RetCount  int          `json:"ret_count"`

	KlineStart time.Time `json:"kline_start"`
	KlineLast  time.Time `json:"kline_last"`
	KlineCount int       `json:"kline_count"`
}

// Options configures an Optimizer.
type Options struct {
	// Fee is the venue's proportional trading fee.
	Fee float64
	// Candidates defaults to 0.0, 0.1, ..., 1.0.
	Candidates []float64
	// Default is returned for empty samples; nil means DefaultFraction.
	Default *float64
}

// Optimizer evaluates weights over a bar series using one classifier.
type Optimizer struct {
	cl   signal.Classifier
	opts Options
	def  float64
}

// DefaultCandidates returns the fraction grid 0.0..1.0 step 0.1.
func DefaultCandidates() []float64 {
	out := make([]float64, 11)
	for i := range out {
		out[i] = float64(i) / 10
	}
	return out
}

// New builds an optimizer. Candidates outside [0, 1] are rejected.
func New(cl signal.Classifier, opts Options) (*Optimizer, error) {
	if cl == nil {
		return nil, errors.New("optimizer needs a classifier")
	}
	if len(opts.Candidates) == 0 {
		opts.Candidates = DefaultCandidates()
	}
	for _, f := range opts.Candidates {
		if f < 0 || f > 1 || math.IsNaN(f) {
			return nil, fmt.Errorf("candidate fraction %g outside [0, 1]", f)
		}
	}
	def := DefaultFraction
	if opts.Default != nil {
		def = *opts.Default
		if def < 0 || def > 1 || math.IsNaN(def) {
			return nil, fmt.Errorf("default fraction %g outside [0, 1]", def)
		}
	}
	if opts.Fee < 0 {
		return nil, fmt.Errorf("fee %g must be non-negative", opts.Fee)
	}
	return &Optimizer{cl: cl, opts: opts, def: def}, nil
}

// Weights computes the per-bar weight series. With latestOnly only the last bar is evaluated;
// otherwise every bar from index lookback on. prev seeds the fraction the first evaluated bar
// rebalances from and then carries the previous weight forward. Bars not evaluated get weight 0.
func (o *Optimizer) Weights(bars []kline.Bar, p Params, prev float64, latestOnly bool) ([]Row, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	states, err := o.cl.Label(bars, p.State)
	if err != nil {
		return nil, fmt.Errorf("label states: %w", err)
	}
	n := len(bars)
	rets := kline.Returns(bars)
	rows := make([]Row, n)
	for i, b := range bars {
		rows[i] = Row{Time: b.Time, Close: b.Close, Return: rets[i], State: states[i], LastState: signal.Undefined}
	}

	from := p.Lookback
	if latestOnly {
		from = n - 1
	}
	if from < 0 {
		from = 0
	}
	cost := o.opts.Fee * p.FeeAdj
	for i := from; i < n; i++ {
		hi := i + 1 - p.Offset
		lo := max(hi-p.Lookback, 0)
		row := &rows[i]
		row.Evaluated = true

		var sample []float64
		if hi > lo {
			row.LastState = states[hi-1]
			sample = analogs(rets[lo:hi], states[lo:hi], states[hi-1], p.ForwardLength)
			row.KlineStart, row.KlineLast, row.KlineCount = bars[lo].Time, bars[hi-1].Time, hi-lo
		}
		row.Weight = Maximize(sample, cost, prev, o.opts.Candidates, o.def)
		row.RetCount = len(sample)
		if len(sample) > 0 {
			row.RetAvg = mean(sample)
		}
		prev = row.Weight
	}
	return rows, nil
}

// analogs gathers the returns inside [j, j+forward) for every j whose state equals last.
// An undefined last state has no analogs.
func analogs(rets []float64, states []signal.State, last signal.State, forward int) []float64 {
	if last == signal.Undefined {
		return nil
	}
	mask := make([]bool, len(rets))
	for j, s := range states {
		if s != last {
			continue
		}
		for k := j; k < j+forward && k < len(rets); k++ {
			mask[k] = true
		}
	}
	var out []float64
	for k, m := range mask {
		if m {
			out = append(out, rets[k])
		}
	}
	return out
}

// Objective is the mean log growth of holding fraction f over rets after moving from prev,
// paying cost·|f−prev| on entry and cost·|f−prev|·(1+r) on exit.
func Objective(rets []float64, f, prev, cost float64) float64 {
	d := math.Abs(f - prev)
	sum := 0.0
	for _, r := range rets {
		sum += math.Log(1 + r*f - cost*d*(2+r))
	}
	return sum / float64(len(rets))
}

// Maximize returns the first candidate with the highest finite objective, or def when rets is
// empty or no candidate scores finitely.
func Maximize(rets []float64, cost, prev float64, candidates []float64, def float64) float64 {
	if len(rets) == 0 {
		return def
	}
	best, bestScore, found := def, math.Inf(-1), false
	for _, f := range candidates {
		s := Objective(rets, f, prev, cost)
		if math.IsNaN(s) || math.IsInf(s, 0) {
			continue
		}
		if !found || s > bestScore {
			best, bestScore, found = f, s, true
		}
	}
	return best
}

func mean(vals []float64) float64 {
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
