// Package backtest replays a weight series as target-percent rebalancing and scores the result.
package backtest

import (
	"errors"
	"fmt"
	"math"
	"time"

	"statemax-go/internal/kline"
)

const yearDuration = 365 * 24 * time.Hour

// Options configures a run.
type Options struct {
	TradeFreq   time.Duration
	Fee         float64
	StartEquity float64
}

// Point is one trade period of the equity curve.
type Point struct {
	Time   time.Time `json:"time"`
	Close  float64   `json:"close"`
	Weight float64   `json:"weight"`
	Equity float64   `json:"equity"`
	Fees   float64   `json:"fees"`
}

// Report summarises a run. Returns, volatility and drawdown are percentages.
type Report struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Bars         int       `json:"bars"`
	EndEquity    float64   `json:"end_equity"`
	TotalReturn  float64   `json:"total_return"`
	AnnualReturn float64   `json:"annual_return"`
	Volatility   float64   `json:"volatility"`
	Sharpe       float64   `json:"sharpe"`
	MaxDrawdown  float64   `json:"max_drawdown"`
	TotalFees    float64   `json:"total_fees"`
	Trades       int       `json:"trades"`
}

// Result is the full output of Run.
type Result struct {
	Curve  []Point
	Report Report
}

// Run resamples bars to opts.TradeFreq and rebalances to each period's weight.
// weights align with bars; a period takes the weight of the bar opening it, else the last one seen.
func Run(bars []kline.Bar, weights []float64, opts Options) (Result, error) {
	if len(bars) != len(weights) {
		return Result{}, fmt.Errorf("bars (%d) and weights (%d) differ in length", len(bars), len(weights))
	}
	if len(bars) == 0 {
		return Result{}, errors.New("no bars to backtest")
	}
	if opts.TradeFreq <= 0 {
		return Result{}, fmt.Errorf("trade frequency %s must be positive", opts.TradeFreq)
	}
	if opts.StartEquity <= 0 {
		opts.StartEquity = 10000
	}

	curve := periods(bars, weights, opts.TradeFreq)
	cash, units := opts.StartEquity, 0.0
	var fees float64
	trades := 0
	for i := range curve {
		p := &curve[i]
		value := cash + units*p.Close
		delta := p.Weight*value/p.Close - units
		switch {
		case delta > 1e-12:
			cost := delta * p.Close * (1 + opts.Fee)
			if cost > cash {
				delta = cash / (p.Close * (1 + opts.Fee))
				cost = cash
			}
			cash -= cost
			units += delta
			p.Fees = delta * p.Close * opts.Fee
			trades++
		case delta < -1e-12:
			sold := math.Min(-delta, units)
			cash += sold * p.Close * (1 - opts.Fee)
			units -= sold
			p.Fees = sold * p.Close * opts.Fee
			trades++
		}
		fees += p.Fees
		p.Equity = cash + units*p.Close
	}
	return Result{Curve: curve, Report: report(curve, opts, fees, trades)}, nil
}

func periods(bars []kline.Bar, weights []float64, freq time.Duration) []Point {
	var out []Point
	weight := 0.0
	for i, b := range bars {
		bucket := b.Time.Truncate(freq)
		if b.Time.Equal(bucket) {
			weight = weights[i]
		}
		if n := len(out); n > 0 && out[n-1].Time.Equal(bucket) {
			out[n-1].Close = b.Close
			continue
		}
		out = append(out, Point{Time: bucket, Close: b.Close, Weight: weight})
	}
	return out
}

func report(curve []Point, opts Options, fees float64, trades int) Report {
	// period returns of the equity curve; the first period counts as zero
	rets := make([]float64, len(curve))
	for i := 1; i < len(curve); i++ {
		rets[i] = curve[i].Equity/curve[i-1].Equity - 1
	}
	ratio := float64(yearDuration) / float64(opts.TradeFreq)

	logSum := 0.0
	for _, r := range rets {
		logSum += math.Log1p(r)
	}
	mu := mean(rets)
	sd := stdev(rets, mu)
	sharpe := 0.0
	if sd > 0 {
		sharpe = mu / sd * math.Sqrt(ratio)
	} else {
		// a flat curve has no risk to reward
		sd = 0
	}

	peak, maxDD := opts.StartEquity, 0.0
	for _, p := range curve {
		peak = math.Max(peak, p.Equity)
		if dd := (peak - p.Equity) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	end := curve[len(curve)-1]
	return Report{
		Start:        curve[0].Time,
		End:          end.Time,
		Bars:         len(curve),
		EndEquity:    end.Equity,
		TotalReturn:  100 * (end.Equity/opts.StartEquity - 1),
		AnnualReturn: 100 * (math.Exp(logSum/float64(len(rets))*ratio) - 1),
		Volatility:   100 * sd * math.Sqrt(ratio),
		Sharpe:       sharpe,
		MaxDrawdown:  100 * maxDD,
		TotalFees:    fees,
		Trades:       trades,
	}
}

func mean(vals []float64) float64 {
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func stdev(vals []float64, mu float64) float64 {
	if len(vals) < 2 {
		return math.NaN()
	}
	ss := 0.0
	for _, v := range vals {
		ss += (v - mu) * (v - mu)
	}
	return math.Sqrt(ss / float64(len(vals)-1))
}
