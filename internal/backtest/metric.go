package backtest

import (
	"fmt"
	"math"
)

// Metric names accepted by Score.
const (
	MetricAnnualReturn  = "annual_return"
	MetricTotalReturn   = "total_return"
	MetricSharpe        = "sharpe"
	MetricNegVolatility = "neg_volatility"
	MetricNegDrawdown   = "neg_drawdown"
)

// DefaultNaNScore replaces non-finite scores unless configured otherwise.
const DefaultNaNScore = -100.0

// ValidMetric reports whether name is a known score metric.
func ValidMetric(name string) bool {
	switch name {
	case MetricAnnualReturn, MetricTotalReturn, MetricSharpe, MetricNegVolatility, MetricNegDrawdown:
		return true
	}
	return false
}

// Metric returns the named report value; higher is always better.
func (r Report) Metric(name string) (float64, error) {
	switch name {
	case MetricAnnualReturn, "":
		return r.AnnualReturn, nil
	case MetricTotalReturn:
		return r.TotalReturn, nil
	case MetricSharpe:
		return r.Sharpe, nil
	case MetricNegVolatility:
		return -r.Volatility, nil
	case MetricNegDrawdown:
		return -r.MaxDrawdown, nil
	}
	return 0, fmt.Errorf("unknown score metric %q", name)
}

// Score is Metric with non-finite values and unknown names mapped to sentinel.
func (r Report) Score(name string, sentinel float64) float64 {
	v, err := r.Metric(name)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return sentinel
	}
	return v
}
