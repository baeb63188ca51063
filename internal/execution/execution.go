// Package execution turns a signal's target fraction into a market order and waits for the fill.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"statemax-go/internal/exchange"
	"statemax-go/internal/kline"
	"statemax-go/internal/metrics"
	"statemax-go/internal/risk"
	"statemax-go/internal/store"
	"statemax-go/internal/strategy"
)

// Phase of the current tick.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingBars
	PhaseAwaitingFraction
	PhaseAwaitingFill
	PhaseSettled
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingBars:
		return "awaiting_bars"
	case PhaseAwaitingFraction:
		return "awaiting_fraction"
	case PhaseAwaitingFill:
		return "awaiting_fill"
	case PhaseSettled:
		return "settled"
	default:
		return "idle"
	}
}

const defaultRetryDelay = time.Second

// Options configures a Rebalancer.
type Options struct {
	Symbol string
	// Live submits orders; otherwise the rebalance is computed and logged only.
	Live       bool
	RetryDelay time.Duration
	// FillTimeout bounds the wait for a fill. Zero waits until the context ends.
	FillTimeout time.Duration
	Limits      risk.Limits
}

// Response describes one rebalance and is persisted under "tick".
type Response struct {
	Time          time.Time       `json:"time"`
	Fraction      float64         `json:"fraction"`
	QuoteBal      float64         `json:"quote_bal"`
	BaseBal       float64         `json:"base_bal"`
	Equity        float64         `json:"equity"`
	QuoteInvest   float64         `json:"quote_invest"`
	BaseInvest    float64         `json:"base_invest"`
	DiffBase      float64         `json:"diff_base"`
	Side          exchange.Side   `json:"side,omitempty"`
	FinalQuoteBal float64         `json:"final_quote_bal"`
	FinalBaseBal  float64         `json:"final_base_bal"`
	FinalEquity   float64         `json:"final_equity"`
	Traded        bool            `json:"traded"`
	Order         *exchange.Order `json:"order"`
	KlineStart    time.Time       `json:"kline_start"`
	KlineLast     time.Time       `json:"kline_last"`
}

// Rebalancer drives one signal against one market. It is the signal's Host.
type Rebalancer struct {
	ex     exchange.Exchange
	cache  *kline.Cache
	sig    strategy.Signal
	opts   Options
	market exchange.Market
	state  *store.State
	log    zerolog.Logger

	mu    sync.Mutex
	phase Phase
	last  *Response
}

// New resolves the market for opts.Symbol. state is the rebalancer's namespace and may be nil.
func New(ctx context.Context, ex exchange.Exchange, cache *kline.Cache, sig strategy.Signal, state *store.State, opts Options, log zerolog.Logger) (*Rebalancer, error) {
	if ex == nil || cache == nil || sig == nil {
		return nil, errors.New("rebalancer needs an exchange, a kline cache and a signal")
	}
	markets, err := ex.LoadMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}
	m, ok := markets[opts.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: unknown symbol %s", exchange.ErrInvalidOrder, opts.Symbol)
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if state == nil {
		state = store.New(nil, nil)
	}
	return &Rebalancer{
		ex:     ex,
		cache:  cache,
		sig:    sig,
		opts:   opts,
		market: m,
		state:  state,
		log:    log.With().Str("component", "rebalancer").Str("symbol", opts.Symbol).Logger(),
	}, nil
}

// Name identifies the module.
func (r *Rebalancer) Name() string { return "strategy" }

// Market returns the resolved market.
func (r *Rebalancer) Market() exchange.Market { return r.market }

// Phase reports where the current tick stands.
func (r *Rebalancer) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Last returns the most recent rebalance.
func (r *Rebalancer) Last() (Response, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Response{}, false
	}
	return *r.last, true
}

func (r *Rebalancer) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

// Klines returns limit closed bars, the newest starting one timeframe before now.
func (r *Rebalancer) Klines(ctx context.Context, limit int, now time.Time) ([]kline.Bar, error) {
	return r.cache.Get(ctx, kline.Query{Limit: limit, Last: now.Add(-r.cache.Timeframe().Duration())})
}

// TradingFee is the market taker fee.
func (r *Rebalancer) TradingFee() float64 { return r.market.Taker }

// Init restores the previous response and initialises the signal.
func (r *Rebalancer) Init(ctx context.Context, now time.Time) error {
	var prev Response
	if ok, err := r.state.Get(ctx, "tick", &prev); err != nil {
		return fmt.Errorf("load last tick: %w", err)
	} else if ok {
		r.mu.Lock()
		r.last = &prev
		r.mu.Unlock()
	}
	bal, err := r.ex.FetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}
	r.log.Info().
		Bool("live", r.opts.Live).
		Str("base", r.market.Base).
		Str("quote", r.market.Quote).
		Str("timeframe", r.cache.Timeframe().String()).
		Str("signal", r.sig.Name()).
		Interface("balance", bal.Total).
		Msg("rebalancer ready")
	return r.sig.Init(ctx, r, now)
}

func (r *Rebalancer) position(ctx context.Context, price float64) (strategy.Position, error) {
	bal, err := r.ex.FetchBalance(ctx)
	if err != nil {
		return strategy.Position{}, fmt.Errorf("fetch balance: %w", err)
	}
	p := strategy.Position{Base: bal.Total[r.market.Base], Quote: bal.Total[r.market.Quote], Price: price}
	p.Equity = p.Quote + p.Base*p.Price
	return p, nil
}

// Tick asks the signal for a fraction and trades the base difference.
func (r *Rebalancer) Tick(ctx context.Context, now time.Time) (err error) {
	defer func() {
		if err != nil {
			r.setPhase(PhaseIdle)
		}
	}()
	r.setPhase(PhaseAwaitingBars)
	bars, err := r.Klines(ctx, r.sig.Length(), now)
	if err != nil {
		return fmt.Errorf("klines: %w", err)
	}
	if len(bars) == 0 {
		return errors.New("no closed bars available")
	}
	price := bars[len(bars)-1].Close
	pos, err := r.position(ctx, price)
	if err != nil {
		return err
	}

	r.setPhase(PhaseAwaitingFraction)
	frac, err := r.sig.Tick(ctx, now, bars, pos)
	if err != nil {
		return fmt.Errorf("signal %s: %w", r.sig.Name(), err)
	}
	if math.IsNaN(frac) || frac < 0 || frac > 1 {
		return fmt.Errorf("signal %s returned fraction %v outside [0, 1]", r.sig.Name(), frac)
	}
	frac = r.opts.Limits.CapFraction(frac)
	metrics.Fraction.WithLabelValues(r.opts.Symbol).Set(frac)

	res, err := r.rebalance(ctx, now, frac, pos)
	if err != nil {
		return err
	}
	res.KlineStart, res.KlineLast = bars[0].Time, bars[len(bars)-1].Time
	metrics.Equity.WithLabelValues(r.opts.Symbol).Set(res.FinalEquity)

	r.mu.Lock()
	r.last = &res
	r.phase = PhaseSettled
	r.mu.Unlock()
	return nil
}

func (r *Rebalancer) rebalance(ctx context.Context, now time.Time, frac float64, pos strategy.Position) (Response, error) {
	res := Response{
		Time:          now,
		Fraction:      frac,
		QuoteBal:      pos.Quote,
		BaseBal:       pos.Base,
		Equity:        pos.Equity,
		QuoteInvest:   pos.Equity * frac,
		FinalQuoteBal: pos.Quote,
		FinalBaseBal:  pos.Base,
		FinalEquity:   pos.Equity,
	}
	res.BaseInvest = res.QuoteInvest / pos.Price

	diff := r.opts.Limits.CapAmount(res.BaseInvest-pos.Base, pos.Price)
	diff = exchange.TruncateToStep(diff, r.market.AmountPrecision)
	if math.Abs(diff) < r.market.MinAmount {
		diff = 0
	}
	res.DiffBase = diff
	if diff == 0 {
		return res, nil
	}

	side := exchange.Buy
	if diff < 0 {
		side = exchange.Sell
	}
	res.Side = side
	amount := math.Abs(diff)
	r.log.Info().Float64("amount", amount).Str("side", string(side)).Str("base", r.market.Base).Msg("rebalancing")

	var filled *exchange.Order
	if r.opts.Live {
		o, err := r.ex.CreateOrder(ctx, r.opts.Symbol, exchange.MarketOrder, side, amount, 0)
		if err != nil {
			return res, fmt.Errorf("create order: %w", err)
		}
		metrics.OrdersTotal.WithLabelValues(r.opts.Symbol, string(side)).Inc()
		r.setPhase(PhaseAwaitingFill)
		r.log.Info().Str("order_id", o.ID).Msg("awaiting order")
		done, err := r.await(ctx, o.ID)
		if err != nil {
			return res, err
		}
		r.log.Info().Str("order_id", done.ID).Float64("price", done.Price).Msg("order filled")
		filled = &done
	} else {
		r.log.Info().Msg("rebalancing rejected: not in live mode")
	}

	after, err := r.position(ctx, pos.Price)
	if err != nil {
		return res, err
	}
	res.FinalQuoteBal, res.FinalBaseBal = after.Quote, after.Base
	if filled != nil {
		res.FinalEquity = after.Quote + after.Base*filled.Price
	}
	res.Traded = filled != nil
	res.Order = filled
	return res, nil
}

// await polls the order every RetryDelay until it closes.
func (r *Rebalancer) await(ctx context.Context, id string) (exchange.Order, error) {
	if r.opts.FillTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.FillTimeout)
		defer cancel()
	}
	for {
		o, err := r.ex.FetchOrder(ctx, id, r.opts.Symbol)
		if err != nil {
			return exchange.Order{}, fmt.Errorf("fetch order %s: %w", id, err)
		}
		switch o.Status {
		case exchange.StatusClosed:
			return o, nil
		case exchange.StatusCanceled:
			return o, fmt.Errorf("order %s was canceled", id)
		}
		select {
		case <-ctx.Done():
			return o, fmt.Errorf("waiting for order %s: %w", id, ctx.Err())
		case <-time.After(r.opts.RetryDelay):
		}
	}
}

// PostTick persists and logs the rebalance, then lets the signal refresh itself.
func (r *Rebalancer) PostTick(ctx context.Context, now time.Time) error {
	res, ok := r.Last()
	if !ok || !res.Time.Equal(now) {
		return errors.New("no rebalance recorded for this tick")
	}
	if err := r.state.Set("tick", res); err != nil {
		return err
	}
	r.log.Info().
		Time("kline_start", res.KlineStart).
		Time("kline_last", res.KlineLast).
		Float64("fraction", res.Fraction).
		Float64("diff_base", res.DiffBase).
		Float64("final_base_bal", res.FinalBaseBal).
		Float64("final_quote_bal", res.FinalQuoteBal).
		Float64("final_equity", res.FinalEquity).
		Bool("traded", res.Traded).
		Msg("rebalance done")
	return r.sig.PostTick(ctx, now)
}
