package exchange

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"statemax-go/internal/kline"
)

const (
	// ProviderStub emits deterministic synthetic candles (useful for tests/offline work).
	ProviderStub = "stub"
	// ProviderBinance streams live klines from Binance public websockets.
	ProviderBinance = "binance"
)

const (
	defaultStubInterval     = 500 * time.Millisecond
	defaultBinanceStreamURL = "wss://stream.binance.com:9443"
)

// Candle is a streamed bar update. Closed is set on the final update of a bar.
type Candle struct {
	Symbol string
	Bar    kline.Bar
	Closed bool
}

// Feed streams kline updates for a set of symbols.
type Feed struct {
	provider     string
	timeframe    string
	symbols      []string
	log          zerolog.Logger
	stubInterval time.Duration
	streamURL    string
	mu           sync.RWMutex
}

// Option configures Feed construction parameters.
type Option func(*Feed)

// WithStubInterval overrides the synthetic candle cadence.
func WithStubInterval(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.stubInterval = d
		}
	}
}

// WithStreamURL overrides the websocket host.
func WithStreamURL(u string) Option {
	return func(f *Feed) {
		if u != "" {
			f.streamURL = strings.TrimSuffix(u, "/")
		}
	}
}

// NewFeed constructs a feed backed by the requested provider. Symbols use the BASE/QUOTE form.
func NewFeed(provider, timeframe string, symbols []string, log zerolog.Logger, opts ...Option) *Feed {
	if provider == "" {
		provider = ProviderStub
	}
	f := &Feed{
		provider:     strings.ToLower(provider),
		timeframe:    timeframe,
		log:          log.With().Str("component", "feed").Logger(),
		stubInterval: defaultStubInterval,
		streamURL:    defaultBinanceStreamURL,
	}
	f.SetSymbols(symbols)
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetSymbols replaces the tracked symbol list (deduplicated, sorted for determinism).
func (f *Feed) SetSymbols(symbols []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	unique := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		sym = strings.TrimSpace(sym)
		if sym == "" {
			continue
		}
		unique[sym] = struct{}{}
	}
	f.symbols = f.symbols[:0]
	for sym := range unique {
		f.symbols = append(f.symbols, sym)
	}
	sort.Strings(f.symbols)
}

func (f *Feed) snapshotSymbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.symbols))
	copy(out, f.symbols)
	return out
}

// Run pushes candles onto out until the context is canceled.
func (f *Feed) Run(ctx context.Context, out chan<- Candle) error {
	switch f.provider {
	case ProviderBinance:
		return f.runBinance(ctx, out)
	default:
		return f.runStub(ctx, out)
	}
}

// Pipe applies candles for symbol to cache until ctx is done or in closes. In-progress candles
// are skipped unless the cache serves the open bar.
func Pipe(ctx context.Context, in <-chan Candle, symbol string, cache *kline.Cache) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-in:
			if !ok {
				return
			}
			if c.Symbol != symbol || (!c.Closed && !cache.IncludesOpen()) {
				continue
			}
			cache.Upsert(c.Bar, c.Closed)
		}
	}
}

func (f *Feed) runStub(ctx context.Context, out chan<- Candle) error {
	ticker := time.NewTicker(f.stubInterval)
	defer ticker.Stop()

	px := 100.0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ts := <-ticker.C:
			px += 0.1
			for _, s := range f.snapshotSymbols() {
				c := Candle{Symbol: s, Bar: kline.Bar{Time: ts.UTC(), Open: px, High: px, Low: px, Close: px, Volume: 1}}
				select {
				case out <- c:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}
