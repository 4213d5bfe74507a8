package exchange

import (
	"sync"
	"time"
)

// RequestPriority tiers venue calls by how much of the weight budget they may
// consume before being denied. Order management must go through; background
// data is throttled first.
type RequestPriority int

const (
	// PriorityCritical - cancellations and status polls, up to 95% of budget
	PriorityCritical RequestPriority = iota

	// PriorityHigh - order submission, up to 80%
	PriorityHigh

	// PriorityNormal - balances and fills, up to 60%
	PriorityNormal

	// PriorityLow - tickers and OHLC, up to 40%
	PriorityLow
)

func (p RequestPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

func (p RequestPriority) thresholdPct() float64 {
	switch p {
	case PriorityCritical:
		return 95
	case PriorityHigh:
		return 80
	case PriorityNormal:
		return 60
	default:
		return 40
	}
}

// AcquireResult is the outcome of a non-blocking TryAcquire.
type AcquireResult struct {
	Acquired     bool
	WaitTime     time.Duration // suggested wait when denied
	Reason       string
	CurrentUsage float64 // weight usage percentage after this call
}

// RateBudget is a weight-window limiter kept safely under a venue's published
// limits. One instance per venue client.
type RateBudget struct {
	mu          sync.Mutex
	venue       string
	maxWeight   int
	window      time.Duration
	used        int
	windowStart time.Time
	weights     map[string]int
	now         func() time.Time
}

func NewRateBudget(venue string, maxWeight int, window time.Duration, weights map[string]int) *RateBudget {
	return &RateBudget{
		venue:       venue,
		maxWeight:   maxWeight,
		window:      window,
		weights:     weights,
		windowStart: time.Now(),
		now:         time.Now,
	}
}

// TryAcquire reserves the endpoint's weight if the priority tier still has
// headroom. Denied calls get the time until the window resets.
func (r *RateBudget) TryAcquire(endpoint string, prio RequestPriority) AcquireResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.windowStart) >= r.window {
		r.used = 0
		r.windowStart = now
	}

	weight, ok := r.weights[endpoint]
	if !ok {
		weight = 1
	}

	usagePct := float64(r.used+weight) / float64(r.maxWeight) * 100
	if usagePct > prio.thresholdPct() {
		return AcquireResult{
			Acquired:     false,
			WaitTime:     r.window - now.Sub(r.windowStart),
			Reason:       "weight budget exhausted for priority " + prio.String(),
			CurrentUsage: float64(r.used) / float64(r.maxWeight) * 100,
		}
	}

	r.used += weight
	return AcquireResult{
		Acquired:     true,
		CurrentUsage: float64(r.used) / float64(r.maxWeight) * 100,
	}
}

// Usage returns the current weight usage percentage.
func (r *RateBudget) Usage() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now().Sub(r.windowStart) >= r.window {
		return 0
	}
	return float64(r.used) / float64(r.maxWeight) * 100
}

// Kraken REST costs: private endpoints decay from a counter of 15-20; we track
// approximate counter points over a rolling minute.
var krakenWeights = map[string]int{
	"Ticker":        1,
	"OHLC":          1,
	"Depth":         1,
	"Balance":       1,
	"AddOrder":      1,
	"QueryOrders":   1,
	"CancelOrder":   1,
	"TradesHistory": 2,
}

var revolutxWeights = map[string]int{
	"ticker":   1,
	"candles":  1,
	"balances": 1,
	"orders":   1,
	"fills":    2,
}
