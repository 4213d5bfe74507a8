// Package markup learns the real execution premium per venue/pair. Every
// confirmed fill contributes the observed slippage against the reference mid,
// smoothed with an EMA; the engine adds the learned markup to its entry price
// estimate so limit orders land where fills actually happen.
package markup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/cache"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
)

const (
	// alpha weights the newest observation at 30%.
	alpha = 0.3
	// MinSamples observations are required before the learned value replaces
	// the static default.
	MinSamples = 3
	// MinPct / MaxPct clamp the markup applied to orders.
	MinPct = 0.10
	MaxPct = 5.00
)

// PairMarkup is one venue/pair learning state.
type PairMarkup struct {
	EMA       float64   `json:"ema"`
	Samples   int       `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker holds the markup EMAs for every venue/pair and mirrors them to
// Redis so a restart does not forget what it learned.
type Tracker struct {
	mu         sync.Mutex
	defaultPct float64
	states     map[string]*PairMarkup
	cache      *cache.CacheService
	logger     zerolog.Logger
	now        func() time.Time
}

// NewTracker builds a tracker with the static default used until a pair has
// enough samples. cs may be nil; persistence is then skipped.
func NewTracker(defaultPct float64, cs *cache.CacheService) *Tracker {
	return &Tracker{
		defaultPct: defaultPct,
		states:     make(map[string]*PairMarkup),
		cache:      cs,
		logger:     logging.Component("markup"),
		now:        time.Now,
	}
}

func stateKey(venue, pair string) string {
	return venue + "|" + pair
}

// Observe folds one executed fill into the EMA. refMid is the data-exchange
// mid price captured when the order was placed.
func (t *Tracker) Observe(ctx context.Context, venue, pair string, executedPrice, refMid float64) {
	if refMid <= 0 || executedPrice <= 0 {
		return
	}
	slippagePct := (executedPrice - refMid) / refMid * 100

	t.mu.Lock()
	key := stateKey(venue, pair)
	st, ok := t.states[key]
	if !ok {
		st = &PairMarkup{EMA: slippagePct}
	} else {
		st.EMA = alpha*slippagePct + (1-alpha)*st.EMA
	}
	st.Samples++
	st.UpdatedAt = t.now()
	t.states[key] = st
	snapshot := *st
	t.mu.Unlock()

	t.logger.Debug().
		Str("venue", venue).
		Str("pair", pair).
		Float64("slippage_pct", slippagePct).
		Float64("ema", snapshot.EMA).
		Int("samples", snapshot.Samples).
		Msg("Markup observation")

	t.persist(ctx, venue, pair, snapshot)
}

// MarkupPct returns the markup to apply for the next order on venue/pair:
// the clamped EMA once MinSamples observations exist, the static default
// before that.
func (t *Tracker) MarkupPct(venue, pair string) float64 {
	t.mu.Lock()
	st, ok := t.states[stateKey(venue, pair)]
	t.mu.Unlock()

	if !ok || st.Samples < MinSamples {
		return clampPct(t.defaultPct)
	}
	return clampPct(st.EMA)
}

// Snapshot returns a copy of every learning state, keyed "venue|pair".
func (t *Tracker) Snapshot() map[string]PairMarkup {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]PairMarkup, len(t.states))
	for k, v := range t.states {
		out[k] = *v
	}
	return out
}

// Restore loads previously persisted states for the given venues and pairs.
// Missing keys are not an error.
func (t *Tracker) Restore(ctx context.Context, venues, pairs []string) error {
	if t.cache == nil {
		return nil
	}

	restored := 0
	for _, venue := range venues {
		for _, pair := range pairs {
			var st PairMarkup
			err := t.cache.GetJSON(ctx, cache.MarkupKey(venue, pair), &st)
			if err != nil {
				if cache.IsMiss(err) {
					continue
				}
				return fmt.Errorf("restore markup %s/%s: %w", venue, pair, err)
			}
			t.mu.Lock()
			t.states[stateKey(venue, pair)] = &st
			t.mu.Unlock()
			restored++
		}
	}
	if restored > 0 {
		t.logger.Info().Int("states", restored).Msg("Markup states restored")
	}
	return nil
}

func (t *Tracker) persist(ctx context.Context, venue, pair string, st PairMarkup) {
	if t.cache == nil {
		return
	}
	if err := t.cache.SetJSON(ctx, cache.MarkupKey(venue, pair), st, cache.DefaultMarkupTTL); err != nil {
		t.logger.Debug().Err(err).Str("pair", pair).Msg("Markup persist skipped")
	}
}

func clampPct(pct float64) float64 {
	if pct < MinPct {
		return MinPct
	}
	if pct > MaxPct {
		return MaxPct
	}
	return pct
}
