package backtest

import (
	"math"
	"testing"
	"time"

	"statemax-go/internal/kline"
)

var day = 24 * time.Hour

func dailyBars(closes ...float64) []kline.Bar {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]kline.Bar, len(closes))
	for i, c := range closes {
		out[i] = kline.Bar{Time: t0.Add(time.Duration(i) * day), Close: c}
	}
	return out
}

func TestRunFullyInvestedTracksPrice(t *testing.T) {
	bars := dailyBars(100, 110, 121)
	res, err := Run(bars, []float64{1, 1, 1}, Options{TradeFreq: day, StartEquity: 1000})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if math.Abs(res.Report.EndEquity-1210) > 1e-9 {
		t.Fatalf("expected 1210, got %v", res.Report.EndEquity)
	}
	if math.Abs(res.Report.TotalReturn-21) > 1e-9 {
		t.Fatalf("expected 21%% total return, got %v", res.Report.TotalReturn)
	}
	if res.Report.Trades != 1 {
		t.Fatalf("expected a single entry trade, got %d", res.Report.Trades)
	}
}

func TestRunChargesFees(t *testing.T) {
	bars := dailyBars(100, 100, 100, 100)
	res, err := Run(bars, []float64{1, 0, 1, 0}, Options{TradeFreq: day, Fee: 0.01, StartEquity: 1000})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Report.EndEquity >= 1000 || res.Report.TotalFees <= 0 {
		t.Fatalf("fees not charged: %+v", res.Report)
	}
	if res.Report.Trades != 4 {
		t.Fatalf("expected 4 trades, got %d", res.Report.Trades)
	}
	if res.Report.MaxDrawdown <= 0 {
		t.Fatalf("fee bleed should register as drawdown")
	}
}

func TestRunFlatWeightKeepsCash(t *testing.T) {
	bars := dailyBars(100, 50, 25)
	res, err := Run(bars, []float64{0, 0, 0}, Options{TradeFreq: day, Fee: 0.001, StartEquity: 500})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Report.EndEquity != 500 || res.Report.Trades != 0 || res.Report.AnnualReturn != 0 {
		t.Fatalf("cash-only run changed value: %+v", res.Report)
	}
}

func TestRunResamplesToTradeFrequency(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var bars []kline.Bar
	var weights []float64
	for i := 0; i < 48; i++ {
		bars = append(bars, kline.Bar{Time: t0.Add(time.Duration(i) * time.Hour), Close: 100 + float64(i)})
		w := 0.0
		if i == 24 {
			w = 1
		}
		weights = append(weights, w)
	}
	res, err := Run(bars, weights, Options{TradeFreq: day})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Curve) != 2 {
		t.Fatalf("expected 2 daily periods, got %d", len(res.Curve))
	}
	if res.Curve[0].Close != 123 || res.Curve[1].Close != 147 {
		t.Fatalf("periods should use the last close, got %+v", res.Curve)
	}
	if res.Curve[0].Weight != 0 || res.Curve[1].Weight != 1 {
		t.Fatalf("periods should use the opening bar's weight, got %+v", res.Curve)
	}
}

func TestAnnualReturnCompoundsMeanLogReturn(t *testing.T) {
	bars := dailyBars(100, 101, 102.01)
	res, err := Run(bars, []float64{1, 1, 1}, Options{TradeFreq: day, StartEquity: 100})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := 100 * (math.Exp((2*math.Log(1.01))/3*365) - 1)
	if math.Abs(res.Report.AnnualReturn-want) > 1e-6 {
		t.Fatalf("annual return %v, want %v", res.Report.AnnualReturn, want)
	}
}

func TestRunRejectsMismatchedInput(t *testing.T) {
	if _, err := Run(dailyBars(1, 2), []float64{1}, Options{TradeFreq: day}); err == nil {
		t.Fatalf("expected length mismatch error")
	}
	if _, err := Run(dailyBars(1), []float64{1}, Options{}); err == nil {
		t.Fatalf("expected missing trade frequency error")
	}
}

func TestScoreReplacesNonFinite(t *testing.T) {
	r := Report{AnnualReturn: 12, Sharpe: math.NaN(), Volatility: 30, MaxDrawdown: 5}
	if got := r.Score(MetricAnnualReturn, DefaultNaNScore); got != 12 {
		t.Fatalf("annual_return score %v", got)
	}
	if got := r.Score(MetricSharpe, DefaultNaNScore); got != DefaultNaNScore {
		t.Fatalf("NaN sharpe should score the sentinel, got %v", got)
	}
	if got := r.Score(MetricNegVolatility, 0); got != -30 {
		t.Fatalf("neg_volatility score %v", got)
	}
	if got := r.Score("sortino", -1); got != -1 {
		t.Fatalf("unknown metric should score the sentinel, got %v", got)
	}
	if ValidMetric("sortino") || !ValidMetric(MetricNegDrawdown) {
		t.Fatalf("ValidMetric mismatch")
	}
}
