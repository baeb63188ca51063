package execution

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"statemax-go/internal/clock"
	"statemax-go/internal/exchange"
	"statemax-go/internal/kline"
	"statemax-go/internal/paper"
	"statemax-go/internal/risk"
	"statemax-go/internal/store"
	"statemax-go/internal/strategy"
)

var day = 24 * time.Hour

var btcMarket = exchange.Market{
	Symbol:          "BTC/USDT",
	Base:            "BTC",
	Quote:           "USDT",
	AmountPrecision: 0.0001,
	PricePrecision:  0.01,
	MinAmount:       0.001,
	Taker:           0.001,
	Maker:           0.0005,
}

type fixture struct {
	ex    *paper.Exchange
	cache *kline.Cache
	now   time.Time
}

func newFixture(balances map[string]float64) fixture {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var bars []kline.Bar
	for i := 0; i < 10; i++ {
		c := 1000 + float64(i)*10
		bars = append(bars, kline.Bar{Time: t0.Add(time.Duration(i) * day), Open: c, High: c, Low: c, Close: c})
	}
	now := t0.Add(5 * day)
	clk := clock.NewManual(now)
	tf := kline.MustTimeframe("1d")
	ex := paper.NewExchange(clk, tf, []exchange.Market{btcMarket}, balances)
	ex.LoadBars("BTC/USDT", bars)
	cache := kline.NewCache(ex, "BTC/USDT", tf, clk, zerolog.Nop(), kline.Options{})
	return fixture{ex: ex, cache: cache, now: now}
}

func constant(t *testing.T, f float64) strategy.Signal {
	t.Helper()
	sig, err := strategy.NewConstant(f)
	if err != nil {
		t.Fatalf("NewConstant: %v", err)
	}
	return sig
}

// fixedSignal returns whatever fraction it holds.
type fixedSignal struct {
	strategy.Constant
	frac float64
}

func (s *fixedSignal) Tick(context.Context, time.Time, []kline.Bar, strategy.Position) (float64, error) {
	return s.frac, nil
}

// slowFills reports an order open a number of times before passing through.
type slowFills struct {
	*paper.Exchange
	open   int
	status exchange.OrderStatus
	polls  int
}

func (s *slowFills) FetchOrder(ctx context.Context, id, symbol string) (exchange.Order, error) {
	s.polls++
	o, err := s.Exchange.FetchOrder(ctx, id, symbol)
	if err != nil {
		return o, err
	}
	if s.status != "" {
		o.Status = s.status
	} else if s.polls <= s.open {
		o.Status = exchange.StatusOpen
	}
	return o, nil
}

func TestLiveTickBuysTowardTarget(t *testing.T) {
	fx := newFixture(map[string]float64{"USDT": 1000})
	state := store.New(nil, nil)
	r, err := New(context.Background(), fx.ex, fx.cache, constant(t, 0.5), state, Options{Symbol: "BTC/USDT", Live: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Init(context.Background(), fx.now); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := r.Tick(context.Background(), fx.now); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if r.Phase() != PhaseSettled {
		t.Fatalf("expected settled phase, got %s", r.Phase())
	}
	res, _ := r.Last()
	if res.DiffBase != 0.4807 || res.Side != exchange.Buy || !res.Traded {
		t.Fatalf("unexpected rebalance %+v", res)
	}
	if res.Order == nil || res.Order.Price != 1040 {
		t.Fatalf("expected a fill at the last close, got %+v", res.Order)
	}
	wantBase := 0.4807 * (1 - btcMarket.Taker)
	if math.Abs(res.FinalBaseBal-wantBase) > 1e-12 {
		t.Fatalf("final base %v, want %v", res.FinalBaseBal, wantBase)
	}
	if math.Abs(res.FinalEquity-(res.FinalQuoteBal+res.FinalBaseBal*1040)) > 1e-9 {
		t.Fatalf("final equity must use the fill price")
	}
	if !res.KlineLast.Equal(fx.now.Add(-day)) {
		t.Fatalf("last bar should start one timeframe before now, got %s", res.KlineLast)
	}

	if err := r.PostTick(context.Background(), fx.now); err != nil {
		t.Fatalf("PostTick: %v", err)
	}
	var stored Response
	if ok, err := state.Get(context.Background(), "tick", &stored); !ok || err != nil {
		t.Fatalf("tick response not stored: %v", err)
	}
	if stored.DiffBase != res.DiffBase || !stored.Traded {
		t.Fatalf("stored response differs: %+v", stored)
	}
}

func TestDryRunRejectsOrder(t *testing.T) {
	fx := newFixture(map[string]float64{"USDT": 1000})
	var buf bytes.Buffer
	r, err := New(context.Background(), fx.ex, fx.cache, constant(t, 1), nil, Options{Symbol: "BTC/USDT"}, zerolog.New(&buf))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Init(context.Background(), fx.now); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := r.Tick(context.Background(), fx.now); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	res, _ := r.Last()
	if res.Traded || res.Order != nil || res.DiffBase <= 0 {
		t.Fatalf("dry run must compute but not trade: %+v", res)
	}
	if res.FinalEquity != res.Equity || res.FinalQuoteBal != 1000 {
		t.Fatalf("balances should be untouched: %+v", res)
	}
	if !strings.Contains(buf.String(), "rebalancing rejected: not in live mode") {
		t.Fatalf("missing rejection log: %s", buf.String())
	}
}

func TestNoTradeBelowMinimumAmount(t *testing.T) {
	fx := newFixture(map[string]float64{"USDT": 520, "BTC": 0.5})
	r, _ := New(context.Background(), fx.ex, fx.cache, constant(t, 0.5), nil, Options{Symbol: "BTC/USDT", Live: true}, zerolog.Nop())
	if err := r.Init(context.Background(), fx.now); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := r.Tick(context.Background(), fx.now); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	res, _ := r.Last()
	if res.DiffBase != 0 || res.Traded || res.Side != "" {
		t.Fatalf("expected no trade, got %+v", res)
	}
}

func TestSellRoundsTowardZero(t *testing.T) {
	fx := newFixture(map[string]float64{"BTC": 1})
	r, _ := New(context.Background(), fx.ex, fx.cache, constant(t, 0.33333), nil, Options{Symbol: "BTC/USDT", Live: true}, zerolog.Nop())
	if err := r.Init(context.Background(), fx.now); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := r.Tick(context.Background(), fx.now); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	res, _ := r.Last()
	if res.Side != exchange.Sell || res.DiffBase != -0.6666 {
		t.Fatalf("expected a sell of 0.6666, got %+v", res)
	}
}

func TestNotionalCapShrinksTrade(t *testing.T) {
	fx := newFixture(map[string]float64{"USDT": 1000})
	opts := Options{Symbol: "BTC/USDT", Live: true, Limits: risk.Limits{MaxNotionalPerTrade: 104}}
	r, _ := New(context.Background(), fx.ex, fx.cache, constant(t, 1), nil, opts, zerolog.Nop())
	if err := r.Init(context.Background(), fx.now); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := r.Tick(context.Background(), fx.now); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res, _ := r.Last(); res.DiffBase != 0.1 {
		t.Fatalf("expected the capped amount 0.1, got %v", res.DiffBase)
	}
}

func TestFractionOutOfRangeFailsTick(t *testing.T) {
	fx := newFixture(map[string]float64{"USDT": 1000})
	r, _ := New(context.Background(), fx.ex, fx.cache, &fixedSignal{frac: 1.5}, nil, Options{Symbol: "BTC/USDT", Live: true}, zerolog.Nop())
	if err := r.Tick(context.Background(), fx.now); err == nil {
		t.Fatalf("expected an error for fraction 1.5")
	}
	if r.Phase() != PhaseIdle {
		t.Fatalf("failed tick should leave the rebalancer idle, got %s", r.Phase())
	}
	if err := r.PostTick(context.Background(), fx.now); err == nil {
		t.Fatalf("post tick without a rebalance should fail")
	}
}

func TestAwaitPollsUntilClosed(t *testing.T) {
	fx := newFixture(map[string]float64{"USDT": 1000})
	ex := &slowFills{Exchange: fx.ex, open: 3}
	r, _ := New(context.Background(), ex, fx.cache, constant(t, 0.5), nil, Options{Symbol: "BTC/USDT", Live: true, RetryDelay: time.Millisecond}, zerolog.Nop())
	if err := r.Tick(context.Background(), fx.now); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if ex.polls != 4 {
		t.Fatalf("expected 4 polls, got %d", ex.polls)
	}
}

func TestAwaitFailsOnCancelAndTimeout(t *testing.T) {
	fx := newFixture(map[string]float64{"USDT": 1000})
	ex := &slowFills{Exchange: fx.ex, status: exchange.StatusCanceled}
	r, _ := New(context.Background(), ex, fx.cache, constant(t, 0.5), nil, Options{Symbol: "BTC/USDT", Live: true, RetryDelay: time.Millisecond}, zerolog.Nop())
	if err := r.Tick(context.Background(), fx.now); err == nil || !strings.Contains(err.Error(), "canceled") {
		t.Fatalf("expected canceled order error, got %v", err)
	}

	fx = newFixture(map[string]float64{"USDT": 1000})
	ex = &slowFills{Exchange: fx.ex, status: exchange.StatusOpen}
	opts := Options{Symbol: "BTC/USDT", Live: true, RetryDelay: time.Millisecond, FillTimeout: 20 * time.Millisecond}
	r, _ = New(context.Background(), ex, fx.cache, constant(t, 0.5), nil, opts, zerolog.Nop())
	if err := r.Tick(context.Background(), fx.now); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected fill timeout, got %v", err)
	}
}

func TestNewRejectsUnknownSymbol(t *testing.T) {
	fx := newFixture(nil)
	_, err := New(context.Background(), fx.ex, fx.cache, constant(t, 0.5), nil, Options{Symbol: "ETH/USDT"}, zerolog.Nop())
	if !errors.Is(err, exchange.ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}
}
