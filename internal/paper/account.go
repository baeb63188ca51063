// Package paper simulates a spot venue over recorded bars so the live code path can be backtested.
package paper

import (
	"fmt"
	"sync"

	"statemax-go/internal/exchange"
)

// FillRecorder captures paper fills for later inspection.
type FillRecorder interface {
	Record(exchange.Fill)
}

// Account holds free balances per currency. Fills either apply fully or not at all.
type Account struct {
	mu       sync.Mutex
	balances map[string]float64
}

// NewAccount copies the starting balances.
func NewAccount(initial map[string]float64) *Account {
	balances := make(map[string]float64, len(initial))
	for k, v := range initial {
		balances[k] = v
	}
	return &Account{balances: balances}
}

// MarketFill swaps quote for base (buy) or base for quote (sell) at price, charging fee on the
// received asset.
func (a *Account) MarketFill(base, quote string, side exchange.Side, amount, price, fee float64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", exchange.ErrInvalidOrder)
	}
	if price <= 0 {
		return fmt.Errorf("%w: price must be positive", exchange.ErrInvalidOrder)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch side {
	case exchange.Buy:
		cost := amount * price
		if a.balances[quote] < cost {
			return fmt.Errorf("%w: buying %g %s costs %g %s, have %g", exchange.ErrInsufficientFunds, amount, base, cost, quote, a.balances[quote])
		}
		a.balances[quote] -= cost
		a.balances[base] += amount * (1 - fee)
	case exchange.Sell:
		if a.balances[base] < amount {
			return fmt.Errorf("%w: selling %g %s, have %g", exchange.ErrInsufficientFunds, amount, base, a.balances[base])
		}
		a.balances[base] -= amount
		a.balances[quote] += amount * price * (1 - fee)
	default:
		return fmt.Errorf("%w: unknown order side %q", exchange.ErrInvalidOrder, side)
	}
	return nil
}

// Balances returns a copy of every balance.
func (a *Account) Balances() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64, len(a.balances))
	for k, v := range a.balances {
		out[k] = v
	}
	return out
}

// Balance returns one currency balance.
func (a *Account) Balance(currency string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balances[currency]
}
