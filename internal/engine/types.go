// Package engine runs the trading loop: one serial tick every interval that
// manages exits first, then scans pairs for entries through the strategy
// router, admission control and sizing, and submits orders with idempotent
// client IDs. Control messages (pause, resume, reload) are drained at tick
// boundaries.
package engine

import (
	"sync"
	"time"
)

// Status is the engine snapshot served to /estado and the API.
type Status struct {
	DryRun        bool      `json:"dry_run"`
	Venue         string    `json:"venue"`
	Paused        bool      `json:"paused"`
	PauseReason   string    `json:"pause_reason,omitempty"`
	KillSwitch    bool      `json:"kill_switch"`
	StartedAt     time.Time `json:"started_at"`
	Ticks         int64     `json:"ticks"`
	LastTickAt    time.Time `json:"last_tick_at"`
	OpenPositions int       `json:"open_positions"`
	Pairs         []string  `json:"pairs"`
}

// PairDiagnostic records what happened to one pair on one tick: the routed
// signal, the admission verdict and the sizing outcome, kept verbatim so the
// operator sees exactly why nothing (or something) traded.
type PairDiagnostic struct {
	Tick        int64     `json:"tick"`
	Pair        string    `json:"pair"`
	Regime      string    `json:"regime"`
	Strategy    string    `json:"strategy"`
	Signal      string    `json:"signal"`
	Confidence  float64   `json:"confidence"`
	Threshold   float64   `json:"threshold"`
	Satisfied   int       `json:"satisfied"`
	Required    int       `json:"required"`
	Reason      string    `json:"reason,omitempty"`
	CooldownSec int       `json:"cooldown_sec,omitempty"`
	Quantity    float64   `json:"quantity,omitempty"`
	OrderResult string    `json:"order_result,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// PositionView is an open position valued at the live ticker.
type PositionView struct {
	ID           int64   `json:"id"`
	Pair         string  `json:"pair"`
	State        string  `json:"state"`
	Quantity     float64 `json:"quantity"`
	EntryPrice   float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price"`
	StopPrice    float64 `json:"stop_price"`
	TakeProfit   float64 `json:"take_profit"`
	PnL          float64 `json:"pnl"`
	PnLPct       float64 `json:"pnl_pct"`
	DryRun       bool    `json:"dry_run"`
}

// PortfolioLine is one asset of the EUR-valued portfolio.
type PortfolioLine struct {
	Asset    string  `json:"asset"`
	Quantity float64 `json:"quantity"`
	ValueEUR float64 `json:"value_eur"`
}

// Portfolio is the venue account valued in EUR.
type Portfolio struct {
	Venue    string          `json:"venue"`
	Lines    []PortfolioLine `json:"lines"`
	FreeEUR  float64         `json:"free_eur"`
	TotalEUR float64         `json:"total_eur"`
}

// PairExposure is one pair's open exposure against its cap.
type PairExposure struct {
	Pair   string  `json:"pair"`
	EUR    float64 `json:"eur"`
	Pct    float64 `json:"pct"`
	MaxPct float64 `json:"max_pct"`
}

// ExposureReport compares open exposure and daily P&L against the configured
// limits.
type ExposureReport struct {
	TotalEUR          float64        `json:"total_eur"`
	TotalPct          float64        `json:"total_pct"`
	MaxTotalPct       float64        `json:"max_total_pct"`
	PerPair           []PairExposure `json:"per_pair"`
	DailyPnL          float64        `json:"daily_pnl"`
	DailyLossLimitPct float64        `json:"daily_loss_limit_pct"`
	KillSwitch        bool           `json:"kill_switch"`
}

// diagRingSize bounds the retained per-pair diagnostics.
const diagRingSize = 200

// diagRing is a fixed-size ring of the most recent pair diagnostics.
type diagRing struct {
	mu      sync.RWMutex
	entries []PairDiagnostic
	next    int
	full    bool
}

func newDiagRing() *diagRing {
	return &diagRing{entries: make([]PairDiagnostic, diagRingSize)}
}

func (r *diagRing) add(d PairDiagnostic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = d
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// recent returns up to n diagnostics, newest first.
func (r *diagRing) recent(n int) []PairDiagnostic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.full {
		size = len(r.entries)
	}
	if n > size {
		n = size
	}
	out := make([]PairDiagnostic, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}

// lastPerPair returns the newest diagnostic for each pair in the given order.
func (r *diagRing) lastPerPair(pairs []string) []PairDiagnostic {
	recent := r.recent(diagRingSize)
	byPair := make(map[string]PairDiagnostic, len(pairs))
	for _, d := range recent {
		if _, ok := byPair[d.Pair]; !ok {
			byPair[d.Pair] = d
		}
	}
	out := make([]PairDiagnostic, 0, len(pairs))
	for _, p := range pairs {
		if d, ok := byPair[p]; ok {
			out = append(out, d)
		}
	}
	return out
}
