package exchange

import "github.com/shopspring/decimal"

// TruncateToStep rounds v toward zero onto the step grid. A non-positive step leaves v untouched.
func TruncateToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(v)
	s := decimal.NewFromFloat(step)
	f, _ := d.Div(s).Truncate(0).Mul(s).Float64()
	return f
}

// OnStep reports whether v is an exact multiple of step.
func OnStep(v, step float64) bool {
	if step <= 0 {
		return true
	}
	return decimal.NewFromFloat(v).Mod(decimal.NewFromFloat(step)).IsZero()
}

// FormatAmount renders v without float noise for wire formats.
func FormatAmount(v float64) string {
	return decimal.NewFromFloat(v).String()
}
