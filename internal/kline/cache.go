package kline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"statemax-go/internal/clock"
	"statemax-go/internal/metrics"
)

var (
	// ErrInvalidQuery rejects conflicting or future-dated bar requests.
	ErrInvalidQuery = errors.New("invalid kline query")
	// ErrOutOfRange rejects limits outside [1, max length].
	ErrOutOfRange = fmt.Errorf("%w: limit out of range", ErrInvalidQuery)
)

// DefaultMaxLength bounds the cache when Options.MaxLength is unset.
const DefaultMaxLength = 5000

const defaultPageLimit = 100

// Query selects a window of bars. Zero fields are unset; at most one of Last and End may be set.
type Query struct {
	Limit int
	Start time.Time
	Last  time.Time
	End   time.Time
}

// Options tunes cache behaviour.
type Options struct {
	MaxLength   int
	PageLimit   int
	Fill        bool
	IncludeOpen bool
}

// Cache keeps a bounded, grid-aligned bar history for one symbol and fetches missing ranges on demand.
type Cache struct {
	mu          sync.Mutex
	src         Fetcher
	symbol      string
	tf          Timeframe
	clock       clock.Clock
	log         zerolog.Logger
	opts        Options
	bars        []Bar
	emptyBefore time.Time
	unconfirmed map[time.Time]struct{}
}

// NewCache builds a cache over src.
func NewCache(src Fetcher, symbol string, tf Timeframe, clk clock.Clock, log zerolog.Logger, opts Options) *Cache {
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = defaultPageLimit
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Cache{
		src:    src,
		symbol: symbol,
		tf:     tf,
		clock:  clk,
		log:    log.With().Str("component", "kline_cache").Str("symbol", symbol).Logger(),
		opts:   opts,
	}
}

// Timeframe returns the cache grid.
func (c *Cache) Timeframe() Timeframe { return c.tf }

// IncludesOpen reports whether windows may contain the in-progress bar.
func (c *Cache) IncludesOpen() bool { return c.opts.IncludeOpen }

// MaxLength returns the bar bound.
func (c *Cache) MaxLength() int { return c.opts.MaxLength }

// EmptyBefore reports the known-empty lower bound (zero when unknown).
func (c *Cache) EmptyBefore() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emptyBefore
}

// Len reports the number of cached bars.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bars)
}

// Snapshot copies the cached bars.
func (c *Cache) Snapshot() []Bar {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Bar, len(c.bars))
	copy(out, c.bars)
	return out
}

// Get returns exactly the requested window, fetching whatever the cache does not hold yet.
func (c *Cache) Get(ctx context.Context, q Query) ([]Bar, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	start, limit, err := c.window(q, now)
	if err != nil {
		return nil, err
	}
	end := start.Add(time.Duration(limit) * c.tf.Duration())

	if err := c.refresh(ctx, start, end, now); err != nil {
		return nil, err
	}
	out := c.slice(start, end)
	c.trim()
	return out, nil
}

func (c *Cache) window(q Query, now time.Time) (time.Time, int, error) {
	d := c.tf.Duration()
	if !q.Last.IsZero() && !q.End.IsZero() {
		return time.Time{}, 0, fmt.Errorf("%w: last and end must not both be set", ErrInvalidQuery)
	}

	end := q.End
	if !q.Last.IsZero() {
		end = q.Last.Add(d)
	}
	start, limit := q.Start, q.Limit

	switch {
	case !start.IsZero() && limit > 0:
	case !start.IsZero() && !end.IsZero():
		limit = int(end.Sub(start) / d)
	case !start.IsZero():
		end = now
		if c.opts.IncludeOpen {
			end = c.tf.Floor(now).Add(d)
		}
		limit = int(end.Sub(start) / d)
	default:
		if end.IsZero() {
			end = now
			if c.opts.IncludeOpen {
				end = c.tf.Floor(now).Add(d)
			}
		}
		start = end.Add(-time.Duration(limit) * d)
	}
	start = c.tf.Floor(start)

	if limit < 1 || limit > c.opts.MaxLength {
		return time.Time{}, 0, fmt.Errorf("%w: %d not in [1, %d]", ErrOutOfRange, limit, c.opts.MaxLength)
	}

	if !c.emptyBefore.IsZero() && start.Before(c.emptyBefore) {
		winEnd := start.Add(time.Duration(limit) * d)
		start = c.emptyBefore
		limit = int(winEnd.Sub(start) / d)
		if limit < 1 {
			return time.Time{}, 0, fmt.Errorf("%w: no history before %s", ErrOutOfRange, c.emptyBefore.Format(time.RFC3339))
		}
	}

	openStart := c.tf.Floor(now)
	winEnd := start.Add(time.Duration(limit) * d)
	if !c.opts.IncludeOpen && winEnd.After(openStart) {
		return time.Time{}, 0, fmt.Errorf("%w: window ending %s reaches the open bar at %s",
			ErrInvalidQuery, winEnd.Format(time.RFC3339), openStart.Format(time.RFC3339))
	}
	if c.opts.IncludeOpen && start.After(openStart) {
		return time.Time{}, 0, fmt.Errorf("%w: window starts in the future", ErrInvalidQuery)
	}
	return start, limit, nil
}

func (c *Cache) refresh(ctx context.Context, start, end, now time.Time) error {
	d := c.tf.Duration()
	if n := len(c.bars); n > 0 {
		oldest, newest := c.bars[0].Time, c.bars[n-1].Time
		if newest.Add(d).Before(start) || !oldest.Before(end) {
			c.log.Debug().Time("start", start).Time("end", end).Msg("cache does not overlap window, rebuilding")
			c.bars = nil
			c.unconfirmed = nil
		}
	}

	if len(c.bars) == 0 {
		fetched, err := c.fetchBackward(ctx, start, end)
		if err != nil {
			return err
		}
		c.bars = Resample(fetched, c.tf, c.opts.Fill)
		return nil
	}

	merged := c.bars
	if oldest := c.bars[0].Time; oldest.After(start) {
		older, err := c.fetchBackward(ctx, start, oldest)
		if err != nil {
			return err
		}
		merged = append(older, merged...)
	}
	newest := c.bars[len(c.bars)-1].Time
	openNewest := c.opts.IncludeOpen && !newest.Before(c.tf.Floor(now))
	from := newest
	stale, hasStale := c.oldestUnconfirmed(now, end)
	if hasStale && stale.Before(from) {
		from = stale
	}
	if newest.Add(d).Before(end) || openNewest || hasStale {
		newer, err := c.fetchForward(ctx, from, end)
		if err != nil {
			return err
		}
		merged = append(c.confirm(merged, newer, now, end), newer...)
	}
	c.bars = Resample(merged, c.tf, c.opts.Fill)
	return nil
}

// fetchBackward pages older history ending just before cursorEnd until start is reached or the
// venue runs out of data, in which case the known-empty lower bound is recorded.
func (c *Cache) fetchBackward(ctx context.Context, start, cursorEnd time.Time) ([]Bar, error) {
	d := c.tf.Duration()
	var out []Bar
	for cursorEnd.After(start) {
		if !c.emptyBefore.IsZero() && !cursorEnd.After(c.emptyBefore) {
			break
		}
		n := int(cursorEnd.Sub(start) / d)
		if n > c.opts.PageLimit {
			n = c.opts.PageLimit
		}
		if n < 1 {
			n = 1
		}
		since := cursorEnd.Add(-time.Duration(n) * d)
		page, err := c.fetch(ctx, since, n)
		if err != nil {
			return nil, err
		}
		page = within(page, since, cursorEnd)
		if len(page) == 0 {
			lower := cursorEnd
			if len(out) > 0 {
				lower = c.tf.Floor(out[0].Time)
			}
			c.emptyBefore = lower
			c.log.Info().Time("empty_before", lower).Msg("reached start of venue history")
			break
		}
		out = append(page, out...)
		cursorEnd = since
	}
	return out, nil
}

func (c *Cache) fetchForward(ctx context.Context, from, end time.Time) ([]Bar, error) {
	d := c.tf.Duration()
	var out []Bar
	cursor := from
	for cursor.Before(end) {
		n := int((end.Sub(cursor) + d - 1) / d)
		if n > c.opts.PageLimit {
			n = c.opts.PageLimit
		}
		page, err := c.fetch(ctx, cursor, n)
		if err != nil {
			return nil, err
		}
		page = within(page, cursor, end)
		if len(page) == 0 {
			break
		}
		out = append(out, page...)
		next := c.tf.Floor(page[len(page)-1].Time).Add(d)
		if !next.After(cursor) {
			break
		}
		cursor = next
	}
	return out, nil
}

func (c *Cache) fetch(ctx context.Context, since time.Time, limit int) ([]Bar, error) {
	metrics.KlineFetchesTotal.WithLabelValues(c.symbol).Inc()
	bars, err := c.src.FetchOHLCV(ctx, c.symbol, c.tf.String(), since, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch ohlcv since %s: %w", since.Format(time.RFC3339), err)
	}
	c.log.Debug().Time("since", since).Int("limit", limit).Int("got", len(bars)).Msg("fetched bars")
	return bars, nil
}

func within(bars []Bar, from, to time.Time) []Bar {
	out := bars[:0:0]
	for _, b := range bars {
		if !b.Time.Before(from) && b.Time.Before(to) {
			out = append(out, b)
		}
	}
	return out
}

func (c *Cache) slice(start, end time.Time) []Bar {
	var out []Bar
	for _, b := range c.bars {
		if !b.Time.Before(start) && b.Time.Before(end) {
			out = append(out, b)
		}
	}
	return out
}

// oldestUnconfirmed returns the earliest streamed bar that should have closed before now but
// never received its final update.
func (c *Cache) oldestUnconfirmed(now, end time.Time) (time.Time, bool) {
	open := c.tf.Floor(now)
	var oldest time.Time
	for t := range c.unconfirmed {
		if t.Before(open) && t.Before(end) && (oldest.IsZero() || t.Before(oldest)) {
			oldest = t
		}
	}
	return oldest, !oldest.IsZero()
}

// confirm settles unconfirmed bars covered by a forward fetch. Bars the venue returned replace
// the streamed partials on resample; the ones it did not return are dropped.
func (c *Cache) confirm(merged, fetched []Bar, now, end time.Time) []Bar {
	if len(c.unconfirmed) == 0 {
		return merged
	}
	got := make(map[time.Time]bool, len(fetched))
	for _, b := range fetched {
		got[c.tf.Floor(b.Time)] = true
	}
	open := c.tf.Floor(now)
	drop := make(map[time.Time]bool)
	for t := range c.unconfirmed {
		if !t.Before(open) || !t.Before(end) {
			continue
		}
		if !got[t] {
			drop[t] = true
		}
		delete(c.unconfirmed, t)
	}
	if len(drop) == 0 {
		return merged
	}
	c.log.Warn().Int("dropped", len(drop)).Msg("venue did not confirm streamed bars")
	out := make([]Bar, 0, len(merged))
	for _, b := range merged {
		if !drop[b.Time] {
			out = append(out, b)
		}
	}
	return out
}

func (c *Cache) trim() {
	if extra := len(c.bars) - c.opts.MaxLength; extra > 0 {
		c.bars = append([]Bar(nil), c.bars[extra:]...)
	}
	if len(c.bars) == 0 {
		return
	}
	for t := range c.unconfirmed {
		if t.Before(c.bars[0].Time) {
			delete(c.unconfirmed, t)
		}
	}
}

// Upsert applies a streamed bar: the in-progress bar is overwritten in place, the next bar is
// appended, and anything older than the cache is ignored. A bar upserted without closed stays
// unconfirmed until a closed update arrives or the venue's copy replaces it on a later Get.
func (c *Cache) Upsert(b Bar, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b.Time = c.tf.Floor(b.Time)
	if closed {
		delete(c.unconfirmed, b.Time)
	} else {
		if c.unconfirmed == nil {
			c.unconfirmed = make(map[time.Time]struct{})
		}
		c.unconfirmed[b.Time] = struct{}{}
	}
	n := len(c.bars)
	switch {
	case n == 0:
		c.bars = []Bar{b}
	case b.Time.Equal(c.bars[n-1].Time):
		c.bars[n-1] = b
	case b.Time.After(c.bars[n-1].Time):
		c.bars = Resample(append(c.bars, b), c.tf, c.opts.Fill)
	default:
		for i := n - 1; i >= 0; i-- {
			if c.bars[i].Time.Equal(b.Time) {
				c.bars[i] = b
				break
			}
		}
	}
	c.trim()
}
