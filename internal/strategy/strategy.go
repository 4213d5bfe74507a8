// Package strategy implements the signal generators and the regime-aware
// router that decides which one may act on a given tick.
package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/market"
)

// SignalType is the side a strategy wants to take.
type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
	SignalNone SignalType = "NONE"
)

// Signal is one strategy's verdict for one pair on one tick. Satisfied and
// Required count the entry conditions; Reason lists each condition with its
// pass/fail so the text can be surfaced verbatim in notifications and the
// diagnostics endpoint.
type Signal struct {
	Type         SignalType
	Pair         string
	Strategy     string
	Confidence   float64 // 0..100
	Satisfied    int
	Required     int
	Reason       string
	EntryPrice   float64
	Regime       market.Regime
	RegimeReason string
	TFAlignBonus float64
	SizeFactor   float64 // 1.0 default; reduced under VOLATILE
	Timestamp    time.Time
}

// Strategy evaluates one pair snapshot and produces a signal. Implementations
// must be stateless across pairs; any per-pair memory belongs to the caller.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, snap *market.PairSnapshot) (*Signal, error)
}

// check is one named entry condition with its outcome.
type check struct {
	name string
	pass bool
}

// checkList accumulates conditions as a strategy evaluates them.
type checkList struct {
	checks []check
}

func (cl *checkList) add(pass bool, format string, args ...interface{}) bool {
	cl.checks = append(cl.checks, check{name: fmt.Sprintf(format, args...), pass: pass})
	return pass
}

func (cl *checkList) satisfied() int {
	n := 0
	for _, c := range cl.checks {
		if c.pass {
			n++
		}
	}
	return n
}

func (cl *checkList) required() int {
	return len(cl.checks)
}

func (cl *checkList) allPass() bool {
	return cl.satisfied() == len(cl.checks) && len(cl.checks) > 0
}

// reason renders "name ✓" / "name ✗" joined with commas.
func (cl *checkList) reason() string {
	parts := make([]string, 0, len(cl.checks))
	for _, c := range cl.checks {
		mark := "✗"
		if c.pass {
			mark = "✓"
		}
		parts = append(parts, c.name+" "+mark)
	}
	return strings.Join(parts, ", ")
}

// baseConfidence scales with condition progress: a fully satisfied check list
// starts at 70 and quality bonuses raise it from there.
const confidenceBase = 70.0

func (cl *checkList) confidence(qualityBonus float64) float64 {
	if cl.required() == 0 {
		return 0
	}
	conf := confidenceBase * float64(cl.satisfied()) / float64(cl.required())
	if cl.allPass() {
		conf += qualityBonus
	}
	if conf > 100 {
		conf = 100
	}
	return conf
}

// signalFrom assembles a Signal carrying the snapshot's regime context.
func signalFrom(name string, snap *market.PairSnapshot, sigType SignalType, cl *checkList, quality float64) *Signal {
	return &Signal{
		Type:         sigType,
		Pair:         snap.Pair,
		Strategy:     name,
		Confidence:   cl.confidence(quality),
		Satisfied:    cl.satisfied(),
		Required:     cl.required(),
		Reason:       cl.reason(),
		EntryPrice:   snap.Ticker.Last,
		Regime:       snap.Regime,
		RegimeReason: snap.RegimeReason,
		SizeFactor:   1.0,
		Timestamp:    snap.Taken,
	}
}
