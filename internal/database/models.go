package database

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Trade statuses as stored in trades.status.
const (
	TradeStatusOpen     = "open"
	TradeStatusPartial  = "partial"
	TradeStatusFilled   = "filled"
	TradeStatusCanceled = "canceled"
	TradeStatusRejected = "rejected"
)

// Position lifecycle states. Transitions only move forward:
// ACTIVE -> BE_ARMED -> TRAILING -> CLOSED.
const (
	PositionStateActive   = "ACTIVE"
	PositionStateBEArmed  = "BE_ARMED"
	PositionStateTrailing = "TRAILING"
	PositionStateClosed   = "CLOSED"
)

// Close reasons in tie-break priority order.
const (
	CloseReasonStopLoss   = "SL"
	CloseReasonTrailing   = "TRAILING"
	CloseReasonTakeProfit = "TP"
	CloseReasonManual     = "MANUAL"
	CloseReasonSignal     = "SIGNAL"
)

// Lot acquisition sources.
const (
	LotSourceTrade      = "trade"
	LotSourceConversion = "conversion"
	LotSourceStaking    = "staking"
)

// Sync run statuses.
const (
	SyncStatusRunning = "running"
	SyncStatusOK      = "ok"
	SyncStatusError   = "error"
)

// Event severities for bot_events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Trade is one submitted order, keyed by its client order id.
type Trade struct {
	ID            int64      `json:"id"`
	ClientOrderID string     `json:"client_order_id"`
	VenueOrderID  *string    `json:"venue_order_id,omitempty"`
	Venue         string     `json:"venue"`
	Pair          string     `json:"pair"`
	Side          string     `json:"side"`
	OrderType     string     `json:"order_type"`
	Status        string     `json:"status"`
	RequestedQty  float64    `json:"requested_qty"`
	LimitPrice    *float64   `json:"limit_price,omitempty"`
	FilledQty     float64    `json:"filled_qty"`
	AvgFillPrice  *float64   `json:"avg_fill_price,omitempty"`
	FeePaid       float64    `json:"fee_paid"`
	FeeCurrency   *string    `json:"fee_currency,omitempty"`
	RefMid        *float64   `json:"ref_mid,omitempty"`
	TickID        int64      `json:"tick_id"`
	Strategy      *string    `json:"strategy,omitempty"`
	Reason        *string    `json:"reason,omitempty"`
	DryRun        bool       `json:"dry_run"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Fill is an immutable execution record and the fiscal source of truth,
// hence decimal amounts rather than floats.
type Fill struct {
	ID            int64           `json:"id"`
	Venue         string          `json:"venue"`
	VenueFillID   string          `json:"venue_fill_id"`
	VenueOrderID  *string         `json:"venue_order_id,omitempty"`
	ClientOrderID *string         `json:"client_order_id,omitempty"`
	Pair          string          `json:"pair"`
	Side          string          `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Fee           decimal.Decimal `json:"fee"`
	FeeCurrency   *string         `json:"fee_currency,omitempty"`
	QuoteCurrency *string         `json:"quote_currency,omitempty"`
	ExecutedAt    time.Time       `json:"executed_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Position is an open (or recently closed) holding with its exit state.
type Position struct {
	ID            int64      `json:"id"`
	Pair          string     `json:"pair"`
	Venue         string     `json:"venue"`
	EntryPrice    float64    `json:"entry_price"`
	Quantity      float64    `json:"quantity"`
	State         string     `json:"state"`
	StopPrice     float64    `json:"stop_price"`
	TakeProfit    float64    `json:"take_profit"`
	HighWaterMark float64    `json:"high_water_mark"`
	EntryOrderID  *string    `json:"entry_order_id,omitempty"`
	Strategy      *string    `json:"strategy,omitempty"`
	ScaleIns      int        `json:"scale_ins"`
	DryRun        bool       `json:"dry_run"`
	OpenedAt      time.Time  `json:"opened_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	CloseReason   *string    `json:"close_reason,omitempty"`
	RealizedPnL   *float64   `json:"realized_pnl,omitempty"`
}

// Open reports whether the position is still held.
func (p *Position) Open() bool {
	return p.ClosedAt == nil
}

// ValueAt returns the position value in quote currency at the given price.
func (p *Position) ValueAt(price float64) float64 {
	return p.Quantity * price
}

// Lot is a FIFO acquisition lot with EUR cost basis.
type Lot struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	Asset       string          `json:"asset"`
	Quantity    decimal.Decimal `json:"quantity"`
	Remaining   decimal.Decimal `json:"remaining"`
	UnitCostEUR decimal.Decimal `json:"unit_cost_eur"`
	FeeEUR      decimal.Decimal `json:"fee_eur"`
	Source      string          `json:"source"`
	FillRef     *string         `json:"fill_ref,omitempty"`
	AcquiredAt  time.Time       `json:"acquired_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Disposal is a FIFO match against one lot. LotID is nil when the sell
// exceeded available lots; those rows carry Warning and a zero cost basis.
type Disposal struct {
	ID          string          `json:"id"`
	Asset       string          `json:"asset"`
	Quantity    decimal.Decimal `json:"quantity"`
	ProceedsEUR decimal.Decimal `json:"proceeds_eur"`
	CostEUR     decimal.Decimal `json:"cost_eur"`
	GainEUR     decimal.Decimal `json:"gain_eur"`
	LotID       *string         `json:"lot_id,omitempty"`
	Warning     bool            `json:"warning"`
	FillRef     *string         `json:"fill_ref,omitempty"`
	DisposedAt  time.Time       `json:"disposed_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// BotEvent is one operator-visible log entry.
type BotEvent struct {
	ID        int64           `json:"id"`
	EventType string          `json:"event_type"`
	Severity  string          `json:"severity"`
	Pair      *string         `json:"pair,omitempty"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// BotConfig is the single persisted runtime-state row.
type BotConfig struct {
	TradingVenue   string          `json:"trading_venue"`
	Paused         bool            `json:"paused"`
	KillSwitchDay  *time.Time      `json:"kill_switch_day,omitempty"`
	LastReportDate *time.Time      `json:"last_report_date,omitempty"`
	Overrides      json.RawMessage `json:"overrides,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TelegramChat is a chat known to the bot.
type TelegramChat struct {
	ChatID     int64      `json:"chat_id"`
	Username   *string    `json:"username,omitempty"`
	Authorized bool       `json:"authorized"`
	IsOperator bool       `json:"is_operator"`
	AddedAt    time.Time  `json:"added_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// FiscoAlertConfig holds fiscal alert thresholds.
type FiscoAlertConfig struct {
	Enabled      bool            `json:"enabled"`
	ThresholdEUR decimal.Decimal `json:"threshold_eur"`
	NotifyChatID *int64          `json:"notify_chat_id,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// SyncRun records one FIFO synchronization pass.
type SyncRun struct {
	ID               string     `json:"id"`
	Venue            string     `json:"venue"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	FillsFetched     int        `json:"fills_fetched"`
	LotsCreated      int        `json:"lots_created"`
	DisposalsCreated int        `json:"disposals_created"`
	Warnings         int        `json:"warnings"`
	Status           string     `json:"status"`
	Error            *string    `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// FXRate is a daily conversion rate override.
type FXRate struct {
	Date      time.Time       `json:"date"`
	Pair      string          `json:"pair"`
	Rate      decimal.Decimal `json:"rate"`
	Source    string          `json:"source"`
	CreatedAt time.Time       `json:"created_at"`
}
