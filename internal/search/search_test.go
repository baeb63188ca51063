package search

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"statemax-go/internal/backtest"
	"statemax-go/internal/clock"
	"statemax-go/internal/kline"
	"statemax-go/internal/signal"
	"statemax-go/internal/store"
)

var day = 24 * time.Hour

func randomWalk(n int, seed int64) []kline.Bar {
	rng := rand.New(rand.NewSource(seed))
	t0 := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]kline.Bar, n)
	price := 100.0
	for i := range out {
		price *= math.Exp(0.0005 + rng.NormFloat64()*0.02)
		out[i] = kline.Bar{Time: t0.Add(time.Duration(i) * day), Open: price, High: price, Low: price, Close: price}
	}
	return out
}

func gcConfig() Config {
	return Config{
		TradeFreq:     day,
		Lookback:      []int{30, 60},
		ForwardLength: []int{1, 2},
		FeeAdj:        []float64{1, 2},
		Offset:        []int{0},
		State:         signal.Space{EMAFast: []int{5, 12}, EMASlow: []int{26}},
		OptRange:      120,
		OptFreq:       7,
		Optimize:      true,
	}.WithDefaults()
}

func TestGridIsExhaustiveAndOrdered(t *testing.T) {
	cfg := gcConfig()
	points := Grid(cfg, signal.GoldenCross{})
	if len(points) != 16 {
		t.Fatalf("expected 16 points, got %d", len(points))
	}
	seen := map[string]bool{}
	for _, p := range points {
		if seen[p.String()] {
			t.Fatalf("duplicate point %s", p)
		}
		seen[p.String()] = true
	}
	if points[0] != First(cfg, signal.GoldenCross{}) {
		t.Fatalf("first grid point should be the first value of every axis")
	}
	if points[1].State.EMAFast != 12 || points[2].Offset != 0 || points[2].FeeAdj != 2 {
		t.Fatalf("classifier axes should vary fastest: %+v %+v", points[1], points[2])
	}
	if points[8].Lookback != 60 || points[7].Lookback != 30 {
		t.Fatalf("lookback should vary slowest")
	}
}

func TestValidateRejectsMalformedSpaces(t *testing.T) {
	cases := map[string]func(*Config){
		"lookback too short":  func(c *Config) { c.Lookback = []int{1} },
		"opt_range too small": func(c *Config) { c.OptRange = 60 },
		"opt_freq":            func(c *Config) { c.OptFreq = 1 },
		"forward_length":      func(c *Config) { c.ForwardLength = []int{0} },
		"fee_adj":             func(c *Config) { c.FeeAdj = []float64{-0.5} },
		"offset":              func(c *Config) { c.Offset = []int{-1} },
		"metric":              func(c *Config) { c.ScoreMetric = "sortino" },
		"classifier":          func(c *Config) { c.State.EMAFast = []int{1} },
	}
	for name, mutate := range cases {
		cfg := gcConfig()
		mutate(&cfg)
		if err := cfg.Validate(signal.GoldenCross{}); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}

	qq := gcConfig()
	qq.State = signal.Space{QtLength: []int{20}, QtSteps: []int{3}, ChainLength: []int{30}}
	if err := qq.Validate(signal.QuantileChain{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected lookback shorter than chain plus forward to fail, got %v", err)
	}
	qq.State.ChainLength = []int{3}
	if err := qq.Validate(signal.QuantileChain{}); err != nil {
		t.Fatalf("expected valid quantile space, got %v", err)
	}
}

func TestEvaluateIsDeterministicAcrossWorkerCounts(t *testing.T) {
	bars := randomWalk(120, 3)
	cfg := gcConfig()
	points := Grid(cfg, signal.GoldenCross{})

	cfg.Workers = 1
	serial, err := Evaluate(context.Background(), cfg, signal.GoldenCross{}, bars, 0.001, points)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	cfg.Workers = 8
	parallel, err := Evaluate(context.Background(), cfg, signal.GoldenCross{}, bars, 0.001, points)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	for i := range serial {
		if serial[i].Index != i || serial[i].Params != points[i] {
			t.Fatalf("result %d not in its own slot", i)
		}
		if serial[i].Score != parallel[i].Score {
			t.Fatalf("point %d scored %v serially and %v in parallel", i, serial[i].Score, parallel[i].Score)
		}
	}
	a, _ := Best(serial)
	b, _ := Best(parallel)
	if a.Index != b.Index {
		t.Fatalf("winner depends on scheduling: %d vs %d", a.Index, b.Index)
	}
}

func TestEvaluateStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := gcConfig()
	if _, err := Evaluate(ctx, cfg, signal.GoldenCross{}, randomWalk(120, 1), 0.001, Grid(cfg, signal.GoldenCross{})); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBestBreaksTiesByGridIndex(t *testing.T) {
	results := []Result{{Index: 2, Score: 5}, {Index: 0, Score: 5}, {Index: 1, Score: 4}}
	best, ok := Best(results)
	if !ok || best.Index != 0 {
		t.Fatalf("expected index 0, got %+v", best)
	}
	if _, ok := Best(nil); ok {
		t.Fatalf("empty results should have no winner")
	}
}

func TestOptimizeHonoursStalenessGate(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	mem := store.NewMemory()
	state := store.New(mem, clk).Sub("signal")
	s, err := New("gc", gcConfig(), signal.GoldenCross{}, state, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bars := randomWalk(120, 11)

	ran, err := s.Optimize(ctx, bars, 0.001, clk.Now(), false)
	if err != nil || !ran {
		t.Fatalf("first optimisation should run: %v %v", ran, err)
	}
	first, _ := s.Record()
	if !first.ExpectedExpire.Equal(clk.Now().Add(7 * day)) || first.KlineCount != 120 {
		t.Fatalf("unexpected record %+v", first)
	}

	clk.Advance(6 * day)
	ran, err = s.Optimize(ctx, bars, 0.001, clk.Now(), false)
	if err != nil || ran {
		t.Fatalf("fresh record must not be re-optimised: %v %v", ran, err)
	}
	if rec, _ := s.Record(); !rec.Date.Equal(first.Date) {
		t.Fatalf("record changed inside its lifetime")
	}
	if ran, _ := s.Optimize(ctx, bars, 0.001, clk.Now(), true); !ran {
		t.Fatalf("force should bypass the gate")
	}

	forced, _ := s.Record()
	clk.Advance(7*day - time.Second)
	if ran, err := s.Optimize(ctx, bars, 0.001, clk.Now(), false); err != nil || ran {
		t.Fatalf("record must hold until date + opt_freq periods: %v %v", ran, err)
	}
	clk.Advance(time.Second)
	if !clk.Now().Equal(forced.Date.Add(7 * day)) || !s.Stale(clk.Now()) {
		t.Fatalf("record should be stale after opt_freq periods")
	}
	ran, err = s.Optimize(ctx, bars, 0.001, clk.Now(), false)
	if err != nil || !ran {
		t.Fatalf("expired record should trigger a search: %v %v", ran, err)
	}
	if rec, _ := s.Record(); !rec.Date.Equal(clk.Now()) || rec.Date.Equal(forced.Date) {
		t.Fatalf("expected a new record dated %s, got %s", clk.Now(), rec.Date)
	}
	if len(mem.History("/signal/params")) != 3 {
		t.Fatalf("expected three persisted records, got %d", len(mem.History("/signal/params")))
	}

	reloaded, _ := New("gc", gcConfig(), signal.GoldenCross{}, store.New(mem, clk).Sub("signal"), zerolog.Nop())
	ok, err := reloaded.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("Load: %v %v", ok, err)
	}
	want, _ := s.Record()
	got, _ := reloaded.Record()
	if got.Params != want.Params || !got.Date.Equal(want.Date) {
		t.Fatalf("reloaded record %+v, want %+v", got, want)
	}
}

func TestOptimizeSavesResultsWhenEnabled(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	cfg := gcConfig()
	cfg.SaveResults = true
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := New("gc", cfg, signal.GoldenCross{}, store.New(mem, clock.NewManual(now)), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Optimize(ctx, randomWalk(120, 5), 0.001, now, false); err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if len(mem.History("/opt_results")) != 1 {
		t.Fatalf("expected persisted search results")
	}
}

func TestSeedUsesFirstAxisValues(t *testing.T) {
	s, err := New("gc", gcConfig(), signal.GoldenCross{}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec, err := s.Seed(now)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if rec.Params.Lookback != 30 || rec.Params.State.EMAFast != 5 || rec.Params.State.EMASlow != 26 {
		t.Fatalf("unexpected seeded params %+v", rec.Params)
	}
	if s.Stale(now.Add(time.Hour)) {
		t.Fatalf("seeded record should be fresh")
	}
}

func TestNewRejectsInvalidConfigEagerly(t *testing.T) {
	cfg := gcConfig()
	cfg.OptRange = 10
	if _, err := New("gc", cfg, signal.GoldenCross{}, nil, zerolog.Nop()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestNaNScoreDefaultsToSentinelButKeepsExplicitZero(t *testing.T) {
	cfg := gcConfig()
	if cfg.NaNScore == nil || cfg.Sentinel() != backtest.DefaultNaNScore {
		t.Fatalf("unset nan_score should default to %v, got %v", backtest.DefaultNaNScore, cfg.Sentinel())
	}
	zero := 0.0
	cfg = Config{TradeFreq: day, NaNScore: &zero}.WithDefaults()
	if cfg.Sentinel() != 0 {
		t.Fatalf("explicit zero sentinel was overridden: %v", cfg.Sentinel())
	}

	degenerate := backtest.Report{Sharpe: math.NaN(), Volatility: 12}
	cfg = gcConfig()
	if got := degenerate.Score(backtest.MetricSharpe, cfg.Sentinel()); got != backtest.DefaultNaNScore {
		t.Fatalf("NaN sharpe should score the sentinel, got %v", got)
	}
	if degenerate.Score(backtest.MetricSharpe, cfg.Sentinel()) >= degenerate.Score(backtest.MetricNegVolatility, cfg.Sentinel()) {
		t.Fatalf("a NaN score must not beat a real one")
	}
}
