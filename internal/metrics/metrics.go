// Package metrics exposes Prometheus instruments for ticks, orders, searches and the bar cache.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_total", Help: "Controller ticks executed per module"},
		[]string{"module"},
	)
	TickErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tick_errors_total", Help: "Module tick or post-tick failures"},
		[]string{"module"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted"},
		[]string{"symbol", "side"},
	)
	Fraction = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "rebalance_fraction", Help: "Latest target base fraction"},
		[]string{"symbol"},
	)
	Equity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "equity_quote", Help: "Account equity in quote currency after the last tick"},
		[]string{"symbol"},
	)
	OptimizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optimizations_total", Help: "Completed hyperparameter searches"},
		[]string{"signal"},
	)
	SearchEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "search_evaluations_total", Help: "Backtests run by the hyperparameter search"},
		[]string{"signal"},
	)
	KlineFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kline_fetches_total", Help: "OHLCV pages requested from the venue"},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		TickErrorsTotal,
		OrdersTotal,
		Fraction,
		Equity,
		OptimizationsTotal,
		SearchEvaluationsTotal,
		KlineFetchesTotal,
	)
}

// Serve exposes /metrics on addr in the background.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
