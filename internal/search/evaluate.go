package search

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"statemax-go/internal/backtest"
	"statemax-go/internal/kline"
	"statemax-go/internal/optimizer"
	"statemax-go/internal/signal"
)

// Result is the backtest outcome of one grid point.
type Result struct {
	Index  int             `json:"index"`
	Params Point           `json:"params"`
	Score  float64         `json:"score"`
	Report backtest.Report `json:"report"`
}

// Evaluate backtests every point over bars on at most c.Workers goroutines. Each job only reads
// the shared bars and writes its own slot, so results line up with points.
func Evaluate(ctx context.Context, c Config, cl signal.Classifier, bars []kline.Bar, fee float64, points []Point) ([]Result, error) {
	opt, err := optimizer.New(cl, optimizer.Options{Fee: fee})
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(points))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.Workers, 1))
	for i, p := range points {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := evaluate(opt, c, bars, fee, p)
			if err != nil {
				return fmt.Errorf("evaluate %s: %w", p, err)
			}
			r.Index = i
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func evaluate(opt *optimizer.Optimizer, c Config, bars []kline.Bar, fee float64, p Point) (Result, error) {
	rows, err := opt.Weights(bars, p, 0, false)
	if err != nil {
		return Result{}, err
	}
	weights := make([]float64, len(rows))
	for i, r := range rows {
		weights[i] = r.Weight
	}
	res, err := backtest.Run(bars, weights, backtest.Options{TradeFreq: c.TradeFreq, Fee: fee, StartEquity: c.StartEquity})
	if err != nil {
		return Result{}, err
	}
	return Result{Params: p, Score: res.Report.Score(c.ScoreMetric, c.Sentinel()), Report: res.Report}, nil
}

// Best returns the highest score; ties go to the lowest grid index.
func Best(results []Result) (Result, bool) {
	if len(results) == 0 {
		return Result{}, false
	}
	best := results[0]
	for _, r := range results[1:] {
		if r.Score > best.Score || (r.Score == best.Score && r.Index < best.Index) {
			best = r
		}
	}
	return best, true
}
