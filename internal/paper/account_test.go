package paper

import (
	"errors"
	"math"
	"testing"

	"statemax-go/internal/exchange"
)

func TestMarketFillBuySellChargesFeeOnReceivedAsset(t *testing.T) {
	account := NewAccount(map[string]float64{"USDT": 1000})

	if err := account.MarketFill("BTC", "USDT", exchange.Buy, 0.5, 1000, 0.001); err != nil {
		t.Fatalf("unexpected buy error: %v", err)
	}
	if got := account.Balance("BTC"); math.Abs(got-0.4995) > 1e-12 {
		t.Fatalf("expected 0.4995 BTC after fee, got %v", got)
	}
	if got := account.Balance("USDT"); got != 500 {
		t.Fatalf("expected 500 USDT left, got %v", got)
	}

	if err := account.MarketFill("BTC", "USDT", exchange.Sell, 0.4, 1200, 0.001); err != nil {
		t.Fatalf("unexpected sell error: %v", err)
	}
	if got := account.Balance("USDT"); math.Abs(got-(500+480*0.999)) > 1e-9 {
		t.Fatalf("unexpected USDT after sell %v", got)
	}
}

func TestMarketFillInsufficientLeavesBalances(t *testing.T) {
	account := NewAccount(map[string]float64{"USDT": 100, "BTC": 0.01})
	before := account.Balances()

	if err := account.MarketFill("BTC", "USDT", exchange.Buy, 0.2, 1000, 0); !errors.Is(err, exchange.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds on buy, got %v", err)
	}
	if err := account.MarketFill("BTC", "USDT", exchange.Sell, 0.02, 1000, 0); !errors.Is(err, exchange.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds on sell, got %v", err)
	}
	after := account.Balances()
	for k, v := range before {
		if after[k] != v {
			t.Fatalf("%s changed from %v to %v", k, v, after[k])
		}
	}
}

func TestMarketFillRejectsBadInput(t *testing.T) {
	account := NewAccount(map[string]float64{"USDT": 100})
	if err := account.MarketFill("BTC", "USDT", exchange.Buy, 0, 10, 0); err == nil {
		t.Fatalf("expected zero amount error")
	}
	if err := account.MarketFill("BTC", "USDT", exchange.Buy, 1, 0, 0); err == nil {
		t.Fatalf("expected zero price error")
	}
	if err := account.MarketFill("BTC", "USDT", "hold", 1, 10, 0); err == nil {
		t.Fatalf("expected unknown side error")
	}
}
