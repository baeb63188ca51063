package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"statemax-go/internal/clock"
	"statemax-go/internal/exchange"
	"statemax-go/internal/kline"
)

// Exchange is a simulated spot venue. It only reveals bars that have closed at the clock's
// current time, fills market orders at the last closed bar's close and limit orders on Match.
type Exchange struct {
	clock    clock.Clock
	tf       kline.Timeframe
	account  *Account
	recorder FillRecorder
	log      zerolog.Logger

	mu      sync.Mutex
	markets map[string]exchange.Market
	bars    map[string][]kline.Bar
	orders  map[string]*exchange.Order
	open    []string
}

// Option configures the paper exchange.
type Option func(*Exchange)

// WithRecorder captures every fill.
func WithRecorder(r FillRecorder) Option {
	return func(e *Exchange) { e.recorder = r }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Exchange) { e.log = log.With().Str("component", "paper_exchange").Logger() }
}

// NewExchange builds a venue trading markets on the tf grid with the given starting balances.
func NewExchange(clk clock.Clock, tf kline.Timeframe, markets []exchange.Market, balances map[string]float64, opts ...Option) *Exchange {
	e := &Exchange{
		clock:   clk,
		tf:      tf,
		account: NewAccount(balances),
		log:     zerolog.Nop(),
		markets: make(map[string]exchange.Market, len(markets)),
		bars:    make(map[string][]kline.Bar),
		orders:  make(map[string]*exchange.Order),
	}
	for _, m := range markets {
		e.markets[m.Symbol] = m
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LoadBars sets the full price history of symbol; bars are aligned and sorted.
func (e *Exchange) LoadBars(symbol string, bars []kline.Bar) {
	aligned := kline.Resample(bars, e.tf, false)
	e.mu.Lock()
	e.bars[symbol] = aligned
	e.mu.Unlock()
}

// Account exposes the simulated balances.
func (e *Exchange) Account() *Account { return e.account }

// LoadMarkets returns the configured markets.
func (e *Exchange) LoadMarkets(context.Context) (map[string]exchange.Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]exchange.Market, len(e.markets))
	for k, v := range e.markets {
		out[k] = v
	}
	return out, nil
}

// FetchOHLCV serves closed bars from since (inclusive), or the newest limit bars when since is zero.
func (e *Exchange) FetchOHLCV(_ context.Context, symbol, _ string, since time.Time, limit int) ([]kline.Bar, error) {
	if limit <= 0 {
		limit = 100
	}
	closed := e.closedBars(symbol)
	if since.IsZero() {
		if len(closed) > limit {
			closed = closed[len(closed)-limit:]
		}
		return append([]kline.Bar(nil), closed...), nil
	}
	i := sort.Search(len(closed), func(i int) bool { return !closed[i].Time.Before(since) })
	end := min(i+limit, len(closed))
	return append([]kline.Bar(nil), closed[i:end]...), nil
}

func (e *Exchange) closedBars(symbol string) []kline.Bar {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closedLocked(symbol)
}

func (e *Exchange) closedLocked(symbol string) []kline.Bar {
	now := e.clock.Now()
	all := e.bars[symbol]
	d := e.tf.Duration()
	n := sort.Search(len(all), func(i int) bool { return all[i].Time.Add(d).After(now) })
	return all[:n]
}

// Price is the close of the latest closed bar.
func (e *Exchange) Price(symbol string) (kline.Bar, error) {
	closed := e.closedBars(symbol)
	if len(closed) == 0 {
		return kline.Bar{}, fmt.Errorf("no closed %s bar at %s", symbol, e.clock.Now().Format(time.RFC3339))
	}
	return closed[len(closed)-1], nil
}

// FetchBalance reports the simulated balances; nothing is ever locked.
func (e *Exchange) FetchBalance(context.Context) (exchange.Balance, error) {
	free := e.account.Balances()
	total := make(map[string]float64, len(free))
	for k, v := range free {
		total[k] = v
	}
	return exchange.Balance{Free: free, Total: total}, nil
}

// CreateOrder validates the order against market rules. Market orders fill immediately; a buy
// costing more than the quote balance or a sell above the base balance fails with
// exchange.ErrInsufficientFunds and leaves balances untouched.
func (e *Exchange) CreateOrder(_ context.Context, symbol string, typ exchange.OrderType, side exchange.Side, amount, price float64) (exchange.Order, error) {
	e.mu.Lock()
	m, ok := e.markets[symbol]
	e.mu.Unlock()
	if !ok {
		return exchange.Order{}, fmt.Errorf("%w: unknown symbol %s", exchange.ErrInvalidOrder, symbol)
	}
	if typ != exchange.MarketOrder && typ != exchange.LimitOrder {
		return exchange.Order{}, fmt.Errorf("%w: unknown order type %q", exchange.ErrInvalidOrder, typ)
	}
	if side != exchange.Buy && side != exchange.Sell {
		return exchange.Order{}, fmt.Errorf("%w: unknown side %q", exchange.ErrInvalidOrder, side)
	}
	if !exchange.OnStep(amount, m.AmountPrecision) {
		return exchange.Order{}, fmt.Errorf("%w: amount %v off precision %v", exchange.ErrInvalidOrder, amount, m.AmountPrecision)
	}
	if amount <= 0 || amount < m.MinAmount {
		return exchange.Order{}, fmt.Errorf("%w: amount %v below minimum %v", exchange.ErrInvalidOrder, amount, m.MinAmount)
	}
	if typ == exchange.LimitOrder && (price <= 0 || !exchange.OnStep(price, m.PricePrecision)) {
		return exchange.Order{}, fmt.Errorf("%w: price %v off precision %v", exchange.ErrInvalidOrder, price, m.PricePrecision)
	}

	order := &exchange.Order{
		ID:     uuid.NewString(),
		Symbol: symbol,
		Type:   typ,
		Side:   side,
		Amount: amount,
		Price:  price,
		Status: exchange.StatusOpen,
		Time:   e.clock.Now(),
	}
	if typ == exchange.MarketOrder {
		bar, err := e.Price(symbol)
		if err != nil {
			return exchange.Order{}, err
		}
		if err := e.fill(m, order, bar.Close, m.Taker); err != nil {
			return exchange.Order{}, err
		}
	}

	e.mu.Lock()
	e.orders[order.ID] = order
	if order.Status == exchange.StatusOpen {
		e.open = append(e.open, order.ID)
	}
	e.mu.Unlock()
	return *order, nil
}

func (e *Exchange) fill(m exchange.Market, order *exchange.Order, price, fee float64) error {
	if err := e.account.MarketFill(m.Base, m.Quote, order.Side, order.Amount, price, fee); err != nil {
		return err
	}
	order.Status = exchange.StatusClosed
	order.Price = price
	order.Filled = order.Amount
	order.Cost = order.Amount * price
	if order.Side == exchange.Buy {
		order.Fee = order.Amount * fee
	} else {
		order.Fee = order.Cost * fee
	}
	e.log.Debug().Str("id", order.ID).Str("side", string(order.Side)).Float64("amount", order.Amount).Float64("price", price).Msg("paper fill")
	if e.recorder != nil {
		e.recorder.Record(exchange.Fill{
			OrderID: order.ID,
			Symbol:  order.Symbol,
			Side:    order.Side,
			Amount:  order.Amount,
			Price:   price,
			Fee:     order.Fee,
			Time:    e.clock.Now(),
		})
	}
	return nil
}

// Match fills open limit orders whose price the latest closed bar traded through. Orders that
// cannot be funded stay open.
func (e *Exchange) Match() {
	e.mu.Lock()
	defer e.mu.Unlock()

	still := e.open[:0]
	for _, id := range e.open {
		order := e.orders[id]
		m := e.markets[order.Symbol]
		closed := e.closedLocked(order.Symbol)
		if len(closed) == 0 {
			still = append(still, id)
			continue
		}
		bar := closed[len(closed)-1]
		crossed := (order.Side == exchange.Buy && bar.Low <= order.Price) || (order.Side == exchange.Sell && bar.High >= order.Price)
		if !crossed {
			still = append(still, id)
			continue
		}
		if err := e.fill(m, order, order.Price, m.Maker); err != nil {
			e.log.Warn().Err(err).Str("id", id).Msg("limit order left open")
			still = append(still, id)
		}
	}
	e.open = still
}

// FetchOrder returns a copy of a known order.
func (e *Exchange) FetchOrder(_ context.Context, id, _ string) (exchange.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[id]
	if !ok {
		return exchange.Order{}, fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, id)
	}
	return *order, nil
}
