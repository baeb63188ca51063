package strategy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"statemax-go/internal/kline"
	"statemax-go/internal/signal"
	"statemax-go/internal/store"
)

// GoldenCrossResult is persisted under "state" by the plain golden-cross signal.
type GoldenCrossResult struct {
	Time     time.Time `json:"time"`
	Fraction float64   `json:"fraction"`
	Periods  []int     `json:"periods"`
	EMAs     []float64 `json:"emas"`
	Last     kline.Bar `json:"last"`
}

// GoldenCross holds the full position while the EMAs of increasing period are strictly ordered
// from fastest to slowest, and nothing otherwise.
type GoldenCross struct {
	periods []int
	buffer  int
	state   *store.State
	log     zerolog.Logger

	mu   sync.Mutex
	last *GoldenCrossResult
}

// NewGoldenCross sorts periods; they must be distinct and at least two. buffer 0 means 4x the longest period.
func NewGoldenCross(periods []int, buffer int, state *store.State, log zerolog.Logger) (*GoldenCross, error) {
	if len(periods) < 2 {
		return nil, errors.New("golden cross needs at least two periods")
	}
	sorted := slices.Clone(periods)
	slices.Sort(sorted)
	for i, p := range sorted {
		if p < 1 {
			return nil, fmt.Errorf("golden cross period %d must be positive", p)
		}
		if i > 0 && p == sorted[i-1] {
			return nil, fmt.Errorf("golden cross periods must be distinct, got %v", periods)
		}
	}
	if buffer <= 0 {
		buffer = 4 * lo.Max(sorted)
	}
	if state == nil {
		state = store.New(nil, nil)
	}
	return &GoldenCross{
		periods: sorted,
		buffer:  buffer,
		state:   state,
		log:     log.With().Str("component", "signal").Str("signal", "golden_cross").Logger(),
	}, nil
}

// Name identifies the signal.
func (g *GoldenCross) Name() string { return "golden_cross" }

// Length is the bar buffer each tick reads.
func (g *GoldenCross) Length() int { return g.buffer }

// Init has nothing to prepare.
func (g *GoldenCross) Init(context.Context, Host, time.Time) error { return nil }

// PostTick has nothing to refresh.
func (g *GoldenCross) PostTick(context.Context, time.Time) error { return nil }

// Last returns the most recent tick result.
func (g *GoldenCross) Last() (GoldenCrossResult, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == nil {
		return GoldenCrossResult{}, false
	}
	return *g.last, true
}

// Tick compares the final EMA values of consecutive periods.
func (g *GoldenCross) Tick(_ context.Context, now time.Time, bars []kline.Bar, _ Position) (float64, error) {
	if len(bars) == 0 {
		return 0, errors.New("no bars to evaluate")
	}
	closes := kline.Closes(bars)
	emas := make([]float64, len(g.periods))
	for i, p := range g.periods {
		series := signal.EMA(closes, p)
		emas[i] = series[len(series)-1]
	}
	frac := 1.0
	for i := 0; i+1 < len(emas); i++ {
		if !(emas[i] > emas[i+1]) {
			frac = 0
			break
		}
	}
	res := GoldenCrossResult{Time: now, Fraction: frac, Periods: g.periods, EMAs: emas, Last: bars[len(bars)-1]}
	if err := g.state.Set("state", res); err != nil {
		return 0, err
	}
	g.mu.Lock()
	g.last = &res
	g.mu.Unlock()
	g.log.Debug().Floats64("emas", emas).Float64("fraction", frac).Msg("golden cross evaluated")
	return frac, nil
}
