// Package kline holds OHLCV bars and the incremental bar cache that serves signal windows.
package kline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Bar is one OHLCV candle for a fixed time bucket.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Fetcher pulls candles from a venue. since is inclusive; a zero since means "most recent".
type Fetcher interface {
	FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]Bar, error)
}

// Timeframe is a fixed bucket width such as 1m, 4h or 1d.
type Timeframe struct {
	raw string
	d   time.Duration
}

// ParseTimeframe accepts <n><unit> with unit one of m, h, d, w.
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return Timeframe{}, fmt.Errorf("invalid timeframe %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return Timeframe{}, fmt.Errorf("invalid timeframe %q", s)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return Timeframe{}, fmt.Errorf("unsupported timeframe unit in %q", s)
	}
	return Timeframe{raw: s, d: time.Duration(n) * unit}, nil
}

// MustTimeframe panics on an invalid literal; meant for tests and constants.
func MustTimeframe(s string) Timeframe {
	tf, err := ParseTimeframe(s)
	if err != nil {
		panic(err)
	}
	return tf
}

// String returns the exchange notation.
func (t Timeframe) String() string { return t.raw }

// Duration returns the bucket width.
func (t Timeframe) Duration() time.Duration { return t.d }

// Floor aligns tm to the start of its bucket. Weekly buckets start on Monday.
func (t Timeframe) Floor(tm time.Time) time.Time {
	if t.d <= 0 {
		return tm.UTC()
	}
	return tm.UTC().Truncate(t.d)
}

// Bars converts a duration into a whole number of buckets, rounding up.
func (t Timeframe) Bars(d time.Duration) int {
	if t.d <= 0 {
		return 0
	}
	return int((d + t.d - 1) / t.d)
}

// Returns computes close-over-close percent changes; the first bar's return is 0.
func Returns(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev != 0 {
			out[i] = bars[i].Close/prev - 1
		}
	}
	return out
}

// Closes extracts the close series.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Resample aligns bars to the timeframe grid, keeps the last bar seen for each bucket and,
// when fill is set, carries the previous close forward into missing buckets.
func Resample(bars []Bar, tf Timeframe, fill bool) []Bar {
	if len(bars) == 0 {
		return nil
	}
	aligned := make([]Bar, len(bars))
	for i, b := range bars {
		b.Time = tf.Floor(b.Time)
		aligned[i] = b
	}
	sort.SliceStable(aligned, func(i, j int) bool { return aligned[i].Time.Before(aligned[j].Time) })

	out := make([]Bar, 0, len(aligned))
	for _, b := range aligned {
		if n := len(out); n > 0 && out[n-1].Time.Equal(b.Time) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	if !fill {
		return out
	}

	d := tf.Duration()
	filled := make([]Bar, 0, len(out))
	for i, b := range out {
		if i > 0 {
			prev := filled[len(filled)-1]
			for t := prev.Time.Add(d); t.Before(b.Time); t = t.Add(d) {
				filled = append(filled, Bar{Time: t, Open: prev.Close, High: prev.Close, Low: prev.Close, Close: prev.Close})
			}
		}
		filled = append(filled, b)
	}
	return filled
}
