// Package exchange defines the venue contract and hosts the Binance connector and kline stream.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"statemax-go/internal/kline"
)

var (
	// ErrInsufficientFunds is returned when an order costs more than the free balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrOrderNotFound is returned for unknown order ids.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidOrder covers precision, minimum amount and unknown symbol violations.
	ErrInvalidOrder = errors.New("invalid order")
)

// Side of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType of an order.
type OrderType string

const (
	MarketOrder OrderType = "market"
	LimitOrder  OrderType = "limit"
)

// OrderStatus follows the usual open/closed/canceled life cycle.
type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusClosed   OrderStatus = "closed"
	StatusCanceled OrderStatus = "canceled"
)

// Order as reported by a venue. Price is the average fill price once filled.
type Order struct {
	ID       string      `json:"id"`
	ClientID string      `json:"client_id,omitempty"`
	Symbol   string      `json:"symbol"`
	Type     OrderType   `json:"type"`
	Side     Side        `json:"side"`
	Amount   float64     `json:"amount"`
	Filled   float64     `json:"filled"`
	Price    float64     `json:"price"`
	Cost     float64     `json:"cost"`
	Fee      float64     `json:"fee"`
	Status   OrderStatus `json:"status"`
	Time     time.Time   `json:"time"`
}

// Fill is one executed order as seen by recorders.
type Fill struct {
	OrderID string    `json:"order_id"`
	Symbol  string    `json:"symbol"`
	Side    Side      `json:"side"`
	Amount  float64   `json:"amount"`
	Price   float64   `json:"price"`
	Fee     float64   `json:"fee"`
	Time    time.Time `json:"time"`
}

// Balance per currency code.
type Balance struct {
	Free  map[string]float64 `json:"free"`
	Total map[string]float64 `json:"total"`
}

// Market describes a tradable pair. Precisions are step sizes (0.0001), not digit counts.
type Market struct {
	Symbol          string  `json:"symbol"`
	ID              string  `json:"id"`
	Base            string  `json:"base"`
	Quote           string  `json:"quote"`
	AmountPrecision float64 `json:"amount_precision"`
	PricePrecision  float64 `json:"price_precision"`
	MinAmount       float64 `json:"min_amount"`
	Taker           float64 `json:"taker"`
	Maker           float64 `json:"maker"`
}

// Exchange is everything the rebalancer needs from a venue.
type Exchange interface {
	kline.Fetcher
	LoadMarkets(ctx context.Context) (map[string]Market, error)
	FetchBalance(ctx context.Context) (Balance, error)
	CreateOrder(ctx context.Context, symbol string, typ OrderType, side Side, amount, price float64) (Order, error)
	FetchOrder(ctx context.Context, id, symbol string) (Order, error)
}

// SplitSymbol splits "BTC/USDT" into base and quote.
func SplitSymbol(symbol string) (string, string, error) {
	base, quote, ok := strings.Cut(symbol, "/")
	if !ok || base == "" || quote == "" {
		return "", "", fmt.Errorf("%w: symbol %q is not BASE/QUOTE", ErrInvalidOrder, symbol)
	}
	return strings.ToUpper(base), strings.ToUpper(quote), nil
}
