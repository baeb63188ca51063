// Package strategy holds the rebalancing signals that turn a bar window into a target base fraction.
package strategy

import (
	"context"
	"time"

	"statemax-go/internal/kline"
	"statemax-go/internal/optimizer"
)

// Position is the account snapshot a tick starts from, valued in quote.
type Position struct {
	Base   float64 `json:"base"`
	Quote  float64 `json:"quote"`
	Price  float64 `json:"price"`
	Equity float64 `json:"equity"`
}

// Fraction is the share of equity currently held in base.
func (p Position) Fraction() float64 {
	if p.Equity <= 0 {
		return 0
	}
	return p.Base * p.Price / p.Equity
}

// Host is what a signal needs from the rebalancer driving it.
type Host interface {
	// Klines returns limit closed bars ending before now.
	Klines(ctx context.Context, limit int, now time.Time) ([]kline.Bar, error)
	TradingFee() float64
}

// Signal produces a target base fraction in [0, 1] each tick.
type Signal interface {
	Name() string
	// Length is the number of bars Tick needs.
	Length() int
	Init(ctx context.Context, host Host, now time.Time) error
	Tick(ctx context.Context, now time.Time, bars []kline.Bar, pos Position) (float64, error)
	PostTick(ctx context.Context, now time.Time) error
}

// TickResult is what a state-maximising signal persists under "state" each tick.
type TickResult struct {
	Time            time.Time        `json:"time"`
	InitialFraction float64          `json:"initial_frac"`
	Fraction        float64          `json:"fraction"`
	KlineStart      time.Time        `json:"kline_start"`
	KlineLast       time.Time        `json:"kline_last"`
	KlineCount      int              `json:"kline_count"`
	Params          optimizer.Params `json:"params"`
	Last            optimizer.Row    `json:"last"`
}
