package exchange

import (
	"context"
	"time"
)

// Exchange is the uniform venue surface. Implementations translate venue
// payloads and error strings into the shared types and taxonomy; callers never
// see raw venue responses.
type Exchange interface {
	Name() string

	GetTicker(ctx context.Context, pair string) (*Ticker, error)
	GetOHLC(ctx context.Context, pair string, interval Interval, limit int) ([]Candle, error)
	GetBalance(ctx context.Context) ([]Balance, error)
	// GetOrderBook returns ErrNotSupported on venues without a book endpoint.
	GetOrderBook(ctx context.Context, pair string, depth int) (*OrderBook, error)

	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetOrderStatus(ctx context.Context, orderID, pair string) (*Order, error)
	CancelOrder(ctx context.Context, orderID, pair string) error
	ListFills(ctx context.Context, since time.Time) ([]Fill, error)

	TakerFeePct() float64
	MakerFeePct() float64
	PairSpec(pair string) (PairSpec, bool)
}

// LedgerProvider is an optional capability for venues that expose their
// account ledger. The fiscal sync uses it to pick up conversions and
// staking rewards that never pass through an order.
type LedgerProvider interface {
	GetLedger(ctx context.Context, since time.Time) ([]LedgerEntry, error)
}

// Compile-time interface checks.
var (
	_ Exchange       = (*KrakenClient)(nil)
	_ Exchange       = (*RevolutXClient)(nil)
	_ Exchange       = (*MockExchange)(nil)
	_ LedgerProvider = (*KrakenClient)(nil)
	_ LedgerProvider = (*MockExchange)(nil)
)
