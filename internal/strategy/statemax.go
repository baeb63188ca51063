package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"statemax-go/internal/kline"
	"statemax-go/internal/optimizer"
	"statemax-go/internal/search"
	"statemax-go/internal/signal"
	"statemax-go/internal/store"
)

// StateMaximization sizes the base position by maximising log growth over past bars whose
// classifier state matches the current one, with hyperparameters kept fresh by a grid search.
type StateMaximization struct {
	name   string
	cl     signal.Classifier
	cfg    search.Config
	buffer int
	search *search.Search
	state  *store.State
	log    zerolog.Logger

	mu   sync.Mutex
	host Host
	last *TickResult
}

// NewStateMaximization validates cfg against cl. buffer 0 derives the bar requirement from the space.
func NewStateMaximization(name string, cl signal.Classifier, cfg search.Config, buffer int, state *store.State, log zerolog.Logger) (*StateMaximization, error) {
	if state == nil {
		state = store.New(nil, nil)
	}
	s, err := search.New(name, cfg, cl, state, log)
	if err != nil {
		return nil, err
	}
	log = log.With().Str("component", "signal").Str("signal", name).Logger()
	cfg = s.Config()
	if buffer <= 0 {
		buffer = lo.Max(cfg.Lookback) + lo.Max(cfg.ForwardLength) + cl.Length(cfg.State)
	}
	return &StateMaximization{name: name, cl: cl, cfg: cfg, buffer: buffer, search: s, state: state, log: log}, nil
}

// NewGoldenCrossStateMaximization uses the momentum-cross classifier.
func NewGoldenCrossStateMaximization(cfg search.Config, buffer int, state *store.State, log zerolog.Logger) (*StateMaximization, error) {
	return NewStateMaximization("statemax_gc", signal.GoldenCross{}, cfg, buffer, state, log)
}

// NewQuantileStateMaximization uses the quantile-chain classifier.
func NewQuantileStateMaximization(cfg search.Config, buffer int, state *store.State, log zerolog.Logger) (*StateMaximization, error) {
	return NewStateMaximization("statemax_qq", signal.QuantileChain{}, cfg, buffer, state, log)
}

// Name identifies the signal.
func (s *StateMaximization) Name() string { return s.name }

// Length is the bar buffer each tick reads.
func (s *StateMaximization) Length() int { return s.buffer }

// Search exposes the hyperparameter search.
func (s *StateMaximization) Search() *search.Search { return s.search }

// Last returns the most recent tick result.
func (s *StateMaximization) Last() (TickResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return TickResult{}, false
	}
	return *s.last, true
}

// Init restores the persisted record, then seeds it (optimisation off) or runs the
// staleness-gated search over the last opt_range bars.
func (s *StateMaximization) Init(ctx context.Context, host Host, now time.Time) error {
	s.mu.Lock()
	s.host = host
	s.mu.Unlock()

	loaded, err := s.search.Load(ctx)
	if err != nil {
		return fmt.Errorf("load params: %w", err)
	}
	if !s.cfg.Optimize {
		rec, err := s.search.Seed(now)
		if err != nil {
			return err
		}
		s.log.Info().Stringer("params", rec.Params).Msg("optimisation disabled, using first axis values")
		return nil
	}
	if loaded {
		rec, _ := s.search.Record()
		s.log.Info().Time("date", rec.Date).Time("expected_expire", rec.ExpectedExpire).Msg("restored params")
	}
	return s.optimize(ctx, host, now)
}

func (s *StateMaximization) optimize(ctx context.Context, host Host, now time.Time) error {
	if !s.search.Stale(now) {
		return nil
	}
	bars, err := host.Klines(ctx, s.cfg.OptRange, now)
	if err != nil {
		return fmt.Errorf("optimisation klines: %w", err)
	}
	_, err = s.search.Optimize(ctx, bars, host.TradingFee(), now, false)
	return err
}

// Tick evaluates the latest bar only, rebalancing from the account's current fraction.
func (s *StateMaximization) Tick(_ context.Context, now time.Time, bars []kline.Bar, pos Position) (float64, error) {
	s.mu.Lock()
	host := s.host
	s.mu.Unlock()
	if host == nil {
		return 0, errors.New("signal not initialised")
	}
	rec, ok := s.search.Record()
	if !ok {
		return 0, errors.New("no hyperparameters in force")
	}
	if len(bars) == 0 {
		return 0, errors.New("no bars to evaluate")
	}
	opt, err := optimizer.New(s.cl, optimizer.Options{Fee: host.TradingFee()})
	if err != nil {
		return 0, err
	}
	initial := pos.Fraction()
	rows, err := opt.Weights(bars, rec.Params, initial, true)
	if err != nil {
		return 0, err
	}
	last := rows[len(rows)-1]
	res := TickResult{
		Time:            now,
		InitialFraction: initial,
		Fraction:        last.Weight,
		KlineStart:      bars[0].Time,
		KlineLast:       bars[len(bars)-1].Time,
		KlineCount:      len(bars),
		Params:          rec.Params,
		Last:            last,
	}
	if err := s.state.Set("state", res); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()
	return last.Weight, nil
}

// PostTick refreshes the hyperparameters once their lifetime has elapsed.
func (s *StateMaximization) PostTick(ctx context.Context, now time.Time) error {
	if !s.cfg.Optimize {
		return nil
	}
	s.mu.Lock()
	host := s.host
	s.mu.Unlock()
	if host == nil {
		return errors.New("signal not initialised")
	}
	return s.optimize(ctx, host, now)
}
