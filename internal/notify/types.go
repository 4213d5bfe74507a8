// Package notify renders operator notifications in Spanish and decides
// which of them are actually worth sending: every candidate passes
// validation, content dedupe and per-kind throttling before it reaches
// Telegram.
package notify

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies a notification family. Throttling policy is per kind.
type Kind string

const (
	KindBotStarted      Kind = "bot_started"
	KindHeartbeat       Kind = "heartbeat"
	KindDailyReport     Kind = "daily_report"
	KindTradeBuy        Kind = "trade_buy"
	KindTradeSell       Kind = "trade_sell"
	KindPositionsUpdate Kind = "positions_update"
	KindEntryIntent     Kind = "entry_intent"
	KindError           Kind = "error"
	KindRegimeChange    Kind = "regime_change"
	KindFiscoSync       Kind = "fisco_sync"
	KindFiscoReport     Kind = "fisco_report"
	KindFiscoAlert      Kind = "fisco_alert"
)

// Notification is a typed message context. Render produces the final
// Telegram HTML; Validate rejects contexts whose critical fields carry the
// placeholder junk ("", "-", "null") that a formatting bug would produce.
type Notification interface {
	Kind() Kind
	Validate() error
	Render() string
}

// Keyed notifications override the dedupe key instead of relying on the
// rendered-content hash.
type Keyed interface {
	DedupeKey(now time.Time) string
}

// invalid reports whether a critical string field is unusable.
func invalid(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || s == "-" || strings.EqualFold(s, "null")
}

func requireFields(kind Kind, fields map[string]string) error {
	for name, value := range fields {
		if invalid(value) {
			return fmt.Errorf("%s: field %s is empty or placeholder (%q)", kind, name, value)
		}
	}
	return nil
}

// BotStarted announces a boot.
type BotStarted struct {
	Version string
	Venue   string
	Pairs   []string
	DryRun  bool
}

func (n *BotStarted) Kind() Kind { return KindBotStarted }

func (n *BotStarted) Validate() error {
	if len(n.Pairs) == 0 {
		return fmt.Errorf("%s: no pairs configured", n.Kind())
	}
	return requireFields(n.Kind(), map[string]string{"venue": n.Venue})
}

// Heartbeat is the periodic liveness message.
type Heartbeat struct {
	Uptime        time.Duration
	Ticks         int64
	OpenPositions int
	Venue         string
	Paused        bool
}

func (n *Heartbeat) Kind() Kind { return KindHeartbeat }

func (n *Heartbeat) Validate() error {
	return requireFields(n.Kind(), map[string]string{"venue": n.Venue})
}

// TradeBuy reports an executed entry.
type TradeBuy struct {
	Pair     string
	Venue    string
	Quantity float64
	Price    float64
	CostEUR  float64
	FeeEUR   float64
	Strategy string
	Reason   string
	DryRun   bool
}

func (n *TradeBuy) Kind() Kind { return KindTradeBuy }

func (n *TradeBuy) Validate() error {
	if n.Quantity <= 0 || n.Price <= 0 {
		return fmt.Errorf("%s: non-positive quantity or price", n.Kind())
	}
	return requireFields(n.Kind(), map[string]string{
		"pair":     n.Pair,
		"venue":    n.Venue,
		"strategy": n.Strategy,
	})
}

// TradeSell reports an executed exit.
type TradeSell struct {
	Pair        string
	Venue       string
	Quantity    float64
	Price       float64
	ProceedsEUR float64
	PnL         float64
	PnLPct      float64
	Reason      string
	DryRun      bool
}

func (n *TradeSell) Kind() Kind { return KindTradeSell }

func (n *TradeSell) Validate() error {
	if n.Quantity <= 0 || n.Price <= 0 {
		return fmt.Errorf("%s: non-positive quantity or price", n.Kind())
	}
	return requireFields(n.Kind(), map[string]string{
		"pair":   n.Pair,
		"venue":  n.Venue,
		"reason": n.Reason,
	})
}

// PositionLine is one row of a positions update.
type PositionLine struct {
	Pair     string
	State    string
	Quantity float64
	Entry    float64
	Current  float64
	Stop     float64
	PnL      float64
	PnLPct   float64
}

// PositionsUpdate summarizes all open positions.
type PositionsUpdate struct {
	Positions []PositionLine
	TotalEUR  float64
	TotalPnL  float64
}

func (n *PositionsUpdate) Kind() Kind { return KindPositionsUpdate }

func (n *PositionsUpdate) Validate() error {
	for _, p := range n.Positions {
		if invalid(p.Pair) {
			return fmt.Errorf("%s: position with empty pair", n.Kind())
		}
	}
	return nil
}

// EntryIntent reports a signal that passed the router but is waiting on
// admission (or was sized to zero). Its dedupe key buckets repeats of the
// same pair and side into 15-minute windows.
type EntryIntent struct {
	Pair       string
	Side       string
	Strategy   string
	Confidence float64
	Threshold  float64
	Reason     string
}

func (n *EntryIntent) Kind() Kind { return KindEntryIntent }

func (n *EntryIntent) Validate() error {
	return requireFields(n.Kind(), map[string]string{
		"pair":     n.Pair,
		"side":     n.Side,
		"strategy": n.Strategy,
	})
}

func (n *EntryIntent) DedupeKey(now time.Time) string {
	bucket := now.Unix() / 900
	return fmt.Sprintf("%s|%s|%d", n.Pair, n.Side, bucket)
}

// ErrorAlert reports an operational failure.
type ErrorAlert struct {
	Source  string
	Message string
}

func (n *ErrorAlert) Kind() Kind { return KindError }

func (n *ErrorAlert) Validate() error {
	return requireFields(n.Kind(), map[string]string{
		"source":  n.Source,
		"message": n.Message,
	})
}

// RegimeChange reports a market regime transition on a pair.
type RegimeChange struct {
	Pair   string
	From   string
	To     string
	Reason string
}

func (n *RegimeChange) Kind() Kind { return KindRegimeChange }

func (n *RegimeChange) Validate() error {
	return requireFields(n.Kind(), map[string]string{
		"pair": n.Pair,
		"from": n.From,
		"to":   n.To,
	})
}

// DailyReport is the once-a-day summary.
type DailyReport struct {
	Date          string
	Venue         string
	RealizedPnL   float64
	Trades        int
	Wins          int
	OpenPositions []PositionLine
	FreeQuoteEUR  float64
	TotalEUR      float64
	Paused        bool
}

func (n *DailyReport) Kind() Kind { return KindDailyReport }

func (n *DailyReport) Validate() error {
	return requireFields(n.Kind(), map[string]string{
		"date":  n.Date,
		"venue": n.Venue,
	})
}

// FiscoSyncSummary reports a FIFO sync outcome.
type FiscoSyncSummary struct {
	Venue     string
	Fills     int
	Lots      int
	Disposals int
	Warnings  int
	Status    string
	Error     string
}

func (n *FiscoSyncSummary) Kind() Kind { return KindFiscoSync }

func (n *FiscoSyncSummary) Validate() error {
	return requireFields(n.Kind(), map[string]string{
		"venue":  n.Venue,
		"status": n.Status,
	})
}

// FiscoReportGenerated reports a finished fiscal report.
type FiscoReportGenerated struct {
	From      string
	To        string
	GainEUR   string
	CleanEUR  string
	Disposals int
	Warnings  int
}

func (n *FiscoReportGenerated) Kind() Kind { return KindFiscoReport }

func (n *FiscoReportGenerated) Validate() error {
	return requireFields(n.Kind(), map[string]string{
		"from":     n.From,
		"to":       n.To,
		"gain_eur": n.GainEUR,
	})
}

// FiscoAlert warns that year-to-date realized gains crossed the configured
// threshold.
type FiscoAlert struct {
	Year         int
	GainEUR      string
	ThresholdEUR string
}

func (n *FiscoAlert) Kind() Kind { return KindFiscoAlert }

func (n *FiscoAlert) Validate() error {
	return requireFields(n.Kind(), map[string]string{
		"gain_eur":      n.GainEUR,
		"threshold_eur": n.ThresholdEUR,
	})
}
