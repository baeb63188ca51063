// Package replay runs the live rebalancing stack against historical bars on a simulated venue
// and a manual clock, one controller tick per bar.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"statemax-go/internal/clock"
	"statemax-go/internal/controller"
	"statemax-go/internal/exchange"
	"statemax-go/internal/execution"
	"statemax-go/internal/kline"
	"statemax-go/internal/paper"
	"statemax-go/internal/store"
	"statemax-go/internal/strategy"
)

// Options describe one replay.
type Options struct {
	Market    exchange.Market
	Timeframe kline.Timeframe
	Balances  map[string]float64
	Signal    strategy.Config
	Execution execution.Options
	Cache     kline.Options
	// Start and End bound the tick times; zero values use the whole series.
	Start time.Time
	End   time.Time
	// Backend persists state; nil keeps it in memory.
	Backend store.Backend
	// Namespace is the state root of this run.
	Namespace string
	Recorder  paper.FillRecorder
}

// Step is the outcome of one tick.
type Step struct {
	Time     time.Time `json:"time"`
	Fraction float64   `json:"fraction"`
	Equity   float64   `json:"equity"`
	Traded   bool      `json:"traded"`
}

// Result summarises a replay.
type Result struct {
	Steps       []Step             `json:"steps"`
	Fills       []exchange.Fill    `json:"fills"`
	Balances    map[string]float64 `json:"balances"`
	StartEquity float64            `json:"start_equity"`
	EndEquity   float64            `json:"end_equity"`
	TotalReturn float64            `json:"total_return"`
}

// Run ticks the controller at every bar open in [Start, End], halting on the first error.
func Run(ctx context.Context, bars []kline.Bar, opts Options, log zerolog.Logger) (Result, error) {
	if len(bars) == 0 {
		return Result{}, errors.New("no bars to replay")
	}
	tf := opts.Timeframe
	d := tf.Duration()
	if d <= 0 {
		return Result{}, errors.New("replay needs a timeframe")
	}
	start, end := opts.Start, opts.End
	if start.IsZero() {
		start = bars[0].Time.Add(d)
	}
	if end.IsZero() {
		end = bars[len(bars)-1].Time.Add(d)
	}
	start = tf.Floor(start)
	if end.Before(start) {
		return Result{}, fmt.Errorf("replay end %s before start %s", end, start)
	}

	opts.Execution.Symbol = opts.Market.Symbol
	clk := clock.NewManual(start.Add(-d))
	ledger := paper.NewLedger(0)
	recorders := paper.Tee{ledger}
	if opts.Recorder != nil {
		recorders = append(recorders, opts.Recorder)
	}
	venue := paper.NewExchange(clk, tf, []exchange.Market{opts.Market}, opts.Balances,
		paper.WithRecorder(recorders), paper.WithLogger(log))
	venue.LoadBars(opts.Market.Symbol, bars)
	cache := kline.NewCache(venue, opts.Market.Symbol, tf, clk, log, opts.Cache)

	root := store.New(opts.Backend, clk)
	if opts.Namespace != "" {
		root = root.Sub(opts.Namespace)
	}
	modState := root.Sub("strategy")
	sig, err := strategy.Build(opts.Signal, modState.Sub("signal"), log)
	if err != nil {
		return Result{}, fmt.Errorf("build signal: %w", err)
	}
	reb, err := execution.New(ctx, venue, cache, sig, modState, opts.Execution, log)
	if err != nil {
		return Result{}, err
	}
	ctrl := controller.New([]controller.Module{reb}, root, clk, log)
	ctrl.HaltOnError = true
	if err := ctrl.Init(ctx); err != nil {
		return Result{}, err
	}

	price := bars[0].Close
	if b, err := venue.Price(opts.Market.Symbol); err == nil {
		price = b.Close
	}
	res := Result{StartEquity: equity(venue, opts.Market, price)}
	for t := start; !t.After(end); t = t.Add(d) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		clk.Set(t)
		venue.Match()
		if err := ctrl.Tick(ctx); err != nil {
			return res, fmt.Errorf("tick at %s: %w", t.Format(time.RFC3339), err)
		}
		last, _ := reb.Last()
		res.Steps = append(res.Steps, Step{Time: t, Fraction: last.Fraction, Equity: last.FinalEquity, Traded: last.Traded})
	}

	res.Fills = ledger.Snapshot()
	res.Balances = venue.Account().Balances()
	if n := len(res.Steps); n > 0 {
		res.EndEquity = res.Steps[n-1].Equity
	}
	if res.StartEquity > 0 {
		res.TotalReturn = (res.EndEquity/res.StartEquity - 1) * 100
	}
	log.Info().
		Int("ticks", len(res.Steps)).
		Int("fills", len(res.Fills)).
		Float64("start_equity", res.StartEquity).
		Float64("end_equity", res.EndEquity).
		Msg("replay done")
	return res, nil
}

func equity(venue *paper.Exchange, m exchange.Market, price float64) float64 {
	acct := venue.Account()
	return acct.Balance(m.Quote) + acct.Balance(m.Base)*price
}
