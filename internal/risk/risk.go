package risk

import "math"

// Limits bounds a single rebalance. Zero values disable a limit.
type Limits struct {
	MaxNotionalPerTrade float64 `yaml:"max_notional_per_trade"`
	MaxFraction         float64 `yaml:"max_fraction"`
}

// Allow reports whether a trade of notional quote value fits the per-trade cap.
func (l Limits) Allow(notional float64) bool {
	return l.MaxNotionalPerTrade <= 0 || math.Abs(notional) <= l.MaxNotionalPerTrade
}

// CapFraction clamps a target base fraction to MaxFraction.
func (l Limits) CapFraction(f float64) float64 {
	if l.MaxFraction > 0 && f > l.MaxFraction {
		return l.MaxFraction
	}
	return f
}

// CapAmount shrinks a signed base amount so its notional at price fits the per-trade cap.
func (l Limits) CapAmount(amount, price float64) float64 {
	if l.Allow(amount*price) || price <= 0 {
		return amount
	}
	return math.Copysign(l.MaxNotionalPerTrade/price, amount)
}
