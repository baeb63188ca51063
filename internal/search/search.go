package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"statemax-go/internal/kline"
	"statemax-go/internal/metrics"
	"statemax-go/internal/signal"
	"statemax-go/internal/store"
)

const (
	paramsKey  = "params"
	resultsKey = "opt_results"
)

// Record is the hyperparameter point currently in force and where it came from.
type Record struct {
	Date           time.Time `json:"date"`
	ExpectedExpire time.Time `json:"expected_expire"`
	KlineStart     time.Time `json:"kline_start,omitempty"`
	KlineLast      time.Time `json:"kline_last,omitempty"`
	KlineCount     int       `json:"kline_count"`
	Params         Point     `json:"params"`
}

type savedResults struct {
	Date           time.Time `json:"date"`
	ExpectedExpire time.Time `json:"expected_expire"`
	Results        []Result  `json:"results"`
}

// Search owns the parameter record of one signal.
type Search struct {
	name  string
	cfg   Config
	cl    signal.Classifier
	state *store.State
	log   zerolog.Logger

	mu     sync.RWMutex
	record *Record
}

// New validates cfg eagerly. state may be nil when nothing should persist.
func New(name string, cfg Config, cl signal.Classifier, state *store.State, log zerolog.Logger) (*Search, error) {
	if cl == nil {
		return nil, fmt.Errorf("%w: no classifier", ErrInvalidConfig)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(cl); err != nil {
		return nil, err
	}
	if state == nil {
		state = store.New(nil, nil)
	}
	return &Search{
		name:  name,
		cfg:   cfg,
		cl:    cl,
		state: state,
		log:   log.With().Str("component", "search").Str("signal", name).Logger(),
	}, nil
}

// Config returns the normalised configuration.
func (s *Search) Config() Config { return s.cfg }

// Load restores the persisted record, reporting whether one existed.
func (s *Search) Load(ctx context.Context) (bool, error) {
	var rec Record
	ok, err := s.state.Get(ctx, paramsKey, &rec)
	if err != nil || !ok {
		return false, err
	}
	s.mu.Lock()
	s.record = &rec
	s.mu.Unlock()
	return true, nil
}

// Record returns the current record.
func (s *Search) Record() (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.record == nil {
		return Record{}, false
	}
	return *s.record, true
}

// Stale reports whether a search is due at now.
func (s *Search) Stale(now time.Time) bool {
	rec, ok := s.Record()
	return !ok || !now.Before(rec.Date.Add(s.cfg.Lifetime()))
}

// Seed installs the first-value point without searching; used when optimisation is off.
func (s *Search) Seed(now time.Time) (Record, error) {
	rec := Record{Date: now, ExpectedExpire: now.Add(s.cfg.Lifetime()), Params: First(s.cfg, s.cl)}
	if err := s.swap(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Optimize searches the grid over bars unless the record is still fresh and force is false.
// It reports whether a new record was installed.
func (s *Search) Optimize(ctx context.Context, bars []kline.Bar, fee float64, now time.Time, force bool) (bool, error) {
	if !force && !s.Stale(now) {
		return false, nil
	}
	if len(bars) == 0 {
		return false, errors.New("no bars to optimise over")
	}
	points := Grid(s.cfg, s.cl)
	s.log.Info().
		Time("kline_start", bars[0].Time).
		Time("kline_last", bars[len(bars)-1].Time).
		Int("points", len(points)).
		Msg("params expired or missing, starting optimisation")

	results, err := Evaluate(ctx, s.cfg, s.cl, bars, fee, points)
	if err != nil {
		return false, err
	}
	metrics.SearchEvaluationsTotal.WithLabelValues(s.name).Add(float64(len(results)))
	best, ok := Best(results)
	if !ok {
		return false, errors.New("empty search grid")
	}

	rec := Record{
		Date:           now,
		ExpectedExpire: now.Add(s.cfg.Lifetime()),
		KlineStart:     bars[0].Time,
		KlineLast:      bars[len(bars)-1].Time,
		KlineCount:     len(bars),
		Params:         best.Params,
	}
	if err := s.swap(rec); err != nil {
		return false, err
	}
	if s.cfg.SaveResults {
		if err := s.state.Set(resultsKey, savedResults{Date: now, ExpectedExpire: rec.ExpectedExpire, Results: results}); err != nil {
			return false, err
		}
	}
	if err := s.state.Save(ctx, now); err != nil {
		return false, fmt.Errorf("persist search record: %w", err)
	}
	metrics.OptimizationsTotal.WithLabelValues(s.name).Inc()
	s.log.Info().Stringer("params", best.Params).Float64("score", best.Score).Msg("optimisation done")
	return true, nil
}

func (s *Search) swap(rec Record) error {
	if err := s.state.Set(paramsKey, rec); err != nil {
		return err
	}
	s.mu.Lock()
	s.record = &rec
	s.mu.Unlock()
	return nil
}
