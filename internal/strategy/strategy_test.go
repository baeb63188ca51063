package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"statemax-go/internal/kline"
	"statemax-go/internal/search"
	"statemax-go/internal/signal"
	"statemax-go/internal/store"
)

var day = 24 * time.Hour

func rally(n int) []kline.Bar {
	t0 := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]kline.Bar, n)
	price := 100.0
	for i := range out {
		if i > 0 {
			price *= 1.01
		}
		out[i] = kline.Bar{Time: t0.Add(time.Duration(i) * day), Open: price, High: price, Low: price, Close: price}
	}
	return out
}

type fakeHost struct {
	bars  []kline.Bar
	fee   float64
	calls int
}

func (h *fakeHost) Klines(_ context.Context, limit int, _ time.Time) ([]kline.Bar, error) {
	h.calls++
	if limit > len(h.bars) {
		return nil, errors.New("not enough bars")
	}
	return h.bars[len(h.bars)-limit:], nil
}

func (h *fakeHost) TradingFee() float64 { return h.fee }

func smConfig(optimize bool) search.Config {
	return search.Config{
		TradeFreq: day,
		Lookback:  []int{100, 60},
		State:     signal.Space{EMAFast: []int{12, 5}, EMASlow: []int{26}},
		OptRange:  150,
		OptFreq:   7,
		Optimize:  optimize,
		Workers:   2,
	}
}

func TestPositionFraction(t *testing.T) {
	p := Position{Base: 5, Quote: 500, Price: 100, Equity: 1000}
	if got := p.Fraction(); got != 0.5 {
		t.Fatalf("expected 0.5, got %v", got)
	}
	if got := (Position{Base: 1, Price: 100}).Fraction(); got != 0 {
		t.Fatalf("zero equity should give 0, got %v", got)
	}
}

func TestStateMaximizationSeedsWhenOptimisationOff(t *testing.T) {
	bars := rally(200)
	host := &fakeHost{bars: bars, fee: 0.001}
	state := store.New(nil, nil)
	sm, err := NewGoldenCrossStateMaximization(smConfig(false), 0, state, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sm.Length() != 100+1+26 {
		t.Fatalf("unexpected buffer %d", sm.Length())
	}
	now := bars[150].Time.Add(day)
	if err := sm.Init(context.Background(), host, now); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if host.calls != 0 {
		t.Fatalf("seeding should not fetch bars")
	}
	rec, ok := sm.Search().Record()
	if !ok || rec.Params.Lookback != 100 || rec.Params.State.EMAFast != 12 {
		t.Fatalf("expected first axis values, got %+v", rec.Params)
	}

	frac, err := sm.Tick(context.Background(), now, bars[:151], Position{Base: 5, Quote: 500, Price: 100, Equity: 1000})
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if frac != 1 {
		t.Fatalf("expected full exposure in a rally, got %v", frac)
	}
	var res TickResult
	if ok, err := state.Get(context.Background(), "state", &res); err != nil || !ok {
		t.Fatalf("tick state not stored: %v", err)
	}
	if res.InitialFraction != 0.5 || res.Fraction != 1 || res.KlineCount != 151 || !res.KlineLast.Equal(bars[150].Time) {
		t.Fatalf("unexpected tick state %+v", res)
	}
	if err := sm.PostTick(context.Background(), now.Add(30*day)); err != nil || host.calls != 0 {
		t.Fatalf("post tick must not optimise when disabled (calls %d, err %v)", host.calls, err)
	}
}

func TestStateMaximizationOptimisesOnInitAndWhenStale(t *testing.T) {
	bars := rally(200)
	host := &fakeHost{bars: bars, fee: 0.001}
	sm, err := NewGoldenCrossStateMaximization(smConfig(true), 0, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := bars[len(bars)-1].Time.Add(day)
	if err := sm.Init(context.Background(), host, now); err != nil {
		t.Fatalf("Init: %v", err)
	}
	rec, ok := sm.Search().Record()
	if !ok || host.calls != 1 || rec.KlineCount != 150 {
		t.Fatalf("expected one optimisation over 150 bars, got calls %d rec %+v", host.calls, rec)
	}

	if err := sm.PostTick(context.Background(), now.Add(day)); err != nil {
		t.Fatalf("PostTick: %v", err)
	}
	if host.calls != 1 {
		t.Fatalf("fresh params must not trigger a search")
	}
	if err := sm.PostTick(context.Background(), now.Add(7*day)); err != nil {
		t.Fatalf("PostTick: %v", err)
	}
	next, _ := sm.Search().Record()
	if host.calls != 2 || !next.Date.Equal(now.Add(7*day)) {
		t.Fatalf("expected a refresh after the lifetime, calls %d date %s", host.calls, next.Date)
	}
}

func TestStateMaximizationRestoresPersistedParams(t *testing.T) {
	bars := rally(200)
	host := &fakeHost{bars: bars, fee: 0.001}
	backend := store.NewMemory()
	now := bars[len(bars)-1].Time.Add(day)

	first, _ := NewGoldenCrossStateMaximization(smConfig(true), 0, store.New(backend, nil).Sub("signal"), zerolog.Nop())
	if err := first.Init(context.Background(), host, now); err != nil {
		t.Fatalf("Init: %v", err)
	}
	second, _ := NewGoldenCrossStateMaximization(smConfig(true), 0, store.New(backend, nil).Sub("signal"), zerolog.Nop())
	if err := second.Init(context.Background(), host, now.Add(day)); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if host.calls != 1 {
		t.Fatalf("restored params should skip the search, got %d fetches", host.calls)
	}
}

func TestStateMaximizationTickBeforeInit(t *testing.T) {
	sm, _ := NewGoldenCrossStateMaximization(smConfig(false), 0, nil, zerolog.Nop())
	if _, err := sm.Tick(context.Background(), time.Now(), rally(10), Position{}); err == nil {
		t.Fatalf("expected error before Init")
	}
}

func TestQuantileStateMaximizationValidates(t *testing.T) {
	cfg := smConfig(false)
	cfg.State = signal.Space{QtLength: []int{20}, QtSteps: []int{3}, ChainLength: []int{99}}
	if _, err := NewQuantileStateMaximization(cfg, 0, nil, zerolog.Nop()); !errors.Is(err, search.ErrInvalidConfig) {
		t.Fatalf("expected lookback shorter than chain plus forward to fail, got %v", err)
	}
	cfg.State.ChainLength = []int{2}
	sm, err := NewQuantileStateMaximization(cfg, 0, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sm.Length() != 100+1+22 {
		t.Fatalf("unexpected buffer %d", sm.Length())
	}
}

func TestGoldenCrossSignal(t *testing.T) {
	g, err := NewGoldenCross([]int{26, 5, 12}, 0, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGoldenCross: %v", err)
	}
	if g.Length() != 104 {
		t.Fatalf("expected 4x the longest period, got %d", g.Length())
	}
	up := rally(120)
	frac, err := g.Tick(context.Background(), time.Now(), up, Position{})
	if err != nil || frac != 1 {
		t.Fatalf("expected 1 in an uptrend, got %v (%v)", frac, err)
	}
	last, _ := g.Last()
	if last.Periods[0] != 5 || last.Periods[2] != 26 {
		t.Fatalf("periods should be sorted, got %v", last.Periods)
	}

	down := make([]kline.Bar, len(up))
	for i := range up {
		down[i] = up[len(up)-1-i]
		down[i].Time = up[i].Time
	}
	if frac, _ := g.Tick(context.Background(), time.Now(), down, Position{}); frac != 0 {
		t.Fatalf("expected 0 in a downtrend, got %v", frac)
	}
}

func TestGoldenCrossRejectsBadPeriods(t *testing.T) {
	for _, periods := range [][]int{{10}, {10, 10}, {0, 5}} {
		if _, err := NewGoldenCross(periods, 0, nil, zerolog.Nop()); err == nil {
			t.Fatalf("expected error for %v", periods)
		}
	}
}

func TestBuildModes(t *testing.T) {
	cases := map[string]string{
		"statemax_gc":  "statemax_gc",
		"qqsm":         "statemax_qq",
		"golden_cross": "golden_cross",
		"constant":     "constant",
	}
	for mode, want := range cases {
		cfg := Config{Mode: mode, Search: smConfig(false), Periods: []int{5, 20}, Fraction: 0.25}
		if mode == "qqsm" {
			cfg.Search.State = signal.Space{QtLength: []int{20}, QtSteps: []int{3}, ChainLength: []int{2}}
		}
		sig, err := Build(cfg, nil, zerolog.Nop())
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		if sig.Name() != want {
			t.Fatalf("%s built %s", mode, sig.Name())
		}
	}
	if _, err := Build(Config{Mode: "obi"}, nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected unknown mode error")
	}
	if _, err := Build(Config{Mode: "constant", Fraction: 1.5}, nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected fraction range error")
	}
}
