// Package exchange defines the venue abstraction the rest of the bot trades
// through: one interface, one error taxonomy, one factory. The trading venue
// is selectable at runtime; market data always comes from Kraken.
package exchange

import (
	"math"
	"strings"
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type OrderStatus string

const (
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

var AllIntervals = []Interval{Interval1m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d}

func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval4h:
		return 4 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	}
	return time.Minute
}

// Minutes is the venue-API representation used by Kraken's OHLC endpoint.
func (i Interval) Minutes() int {
	return int(i.Duration() / time.Minute)
}

// Candle is one OHLC bar. Closed is false for the bar still forming; indicator
// inputs must exclude it.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Closed   bool
}

type Ticker struct {
	Pair string
	Bid  float64
	Ask  float64
	Last float64
	Time time.Time
}

// Mid returns the bid/ask midpoint, falling back to the last trade when one
// side is missing.
func (t *Ticker) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Last
}

type BookLevel struct {
	Price  float64
	Volume float64
}

type OrderBook struct {
	Pair string
	Bids []BookLevel
	Asks []BookLevel
	Time time.Time
}

type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

type OrderRequest struct {
	Pair          string
	Side          Side
	Type          OrderType
	Amount        float64 // base asset quantity
	Price         float64 // required for limit orders
	ClientOrderID string
}

type Order struct {
	ID            string
	ClientOrderID string
	Pair          string
	Side          Side
	Type          OrderType
	Status        OrderStatus
	Amount        float64
	FilledAmount  float64
	AvgFillPrice  float64
	FeePaid       float64
	FeeCurrency   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Fill struct {
	ID            string
	OrderID       string
	ClientOrderID string
	Pair          string
	Side          Side
	Price         float64
	Quantity      float64
	Fee           float64
	FeeCurrency   string
	QuoteCurrency string
	Time          time.Time
}

// Ledger entry types as the venue classifies balance movements.
const (
	LedgerTrade      = "trade"
	LedgerStaking    = "staking"
	LedgerSpend      = "spend"
	LedgerReceive    = "receive"
	LedgerDeposit    = "deposit"
	LedgerWithdrawal = "withdrawal"
)

// LedgerEntry is a non-order balance movement reported by the venue ledger.
// Conversions arrive as a spend/receive entry sharing one RefID.
type LedgerEntry struct {
	ID     string
	RefID  string
	Type   string
	Asset  string
	Amount float64 // positive credits, negative debits
	Fee    float64
	Time   time.Time
}

// PairSpec carries the venue's rounding and minimum constraints for a pair.
type PairSpec struct {
	Pair        string
	PriceStep   float64
	QtyStep     float64
	MinQty      float64
	MinNotional float64
}

// SplitPair splits "BTC/EUR" into base and quote. A pair without a slash
// returns the whole string as base and an empty quote.
func SplitPair(pair string) (base, quote string) {
	if i := strings.Index(pair, "/"); i >= 0 {
		return pair[:i], pair[i+1:]
	}
	return pair, ""
}

// QuoteCurrency returns the quote side of a pair, defaulting to EUR.
func QuoteCurrency(pair string) string {
	_, quote := SplitPair(pair)
	if quote == "" {
		return "EUR"
	}
	return quote
}

// FloorToStep rounds v down to an exact multiple of step. A zero step returns
// v unchanged.
func FloorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	// Nudge before flooring so values that are already an exact multiple do
	// not lose a step to float representation error.
	return math.Floor(v/step+1e-9) * step
}
