package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/circuit"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/events"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/exchange"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/market"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/notify"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/strategy"
)

// Store is the repository slice the engine persists through. *database.Repository
// satisfies it; tests use an in-memory double.
type Store interface {
	CreateTrade(ctx context.Context, trade *database.Trade) error
	UpdateTradeStatus(ctx context.Context, clientOrderID, status string, filledQty float64, avgFillPrice *float64, feePaid float64) error
	SetTradeVenueOrderID(ctx context.Context, clientOrderID, venueOrderID string) error
	GetOpenOrders(ctx context.Context, venue string) ([]*database.Trade, error)
	HasPendingBuy(ctx context.Context, pair, venue string) (bool, error)
	GetLastTerminalOrderTime(ctx context.Context, pair, venue string) (*time.Time, error)
	RecordFill(ctx context.Context, fill *database.Fill) (bool, error)
	CreatePosition(ctx context.Context, pos *database.Position) error
	UpdatePositionExit(ctx context.Context, id int64, state string, stopPrice, highWaterMark float64) error
	AddToPosition(ctx context.Context, id int64, entryPrice, quantity float64) error
	ClosePosition(ctx context.Context, id int64, closeReason string, realizedPnL float64, closedAt time.Time) error
	GetOpenPositions(ctx context.Context) ([]*database.Position, error)
	GetOpenPosition(ctx context.Context, pair, venue string) (*database.Position, error)
	GetRealizedPnLSince(ctx context.Context, since time.Time) (float64, error)
	GetBotConfig(ctx context.Context) (*database.BotConfig, error)
	SaveBotConfig(ctx context.Context, cfg *database.BotConfig) error
}

// MarketSource is the market-data slice the engine reads.
type MarketSource interface {
	Snapshot(ctx context.Context, pair string) (*market.PairSnapshot, error)
	Ticker(ctx context.Context, pair string) (*exchange.Ticker, error)
}

// SignalRouter routes one pair snapshot to the configured strategy.
type SignalRouter interface {
	Route(ctx context.Context, snap *market.PairSnapshot) (*strategy.Decision, error)
}

// MarkupSource tracks the execution markup used for the effective entry price.
type MarkupSource interface {
	MarkupPct(venue, pair string) float64
	Observe(ctx context.Context, venue, pair string, executedPrice, refMid float64)
}

// Notifier enqueues operator notifications without blocking.
type Notifier interface {
	Notify(n notify.Notification)
}

// VenueSource builds trading clients and tracks which venue is selected.
// *exchange.Factory satisfies it.
type VenueSource interface {
	SetTradingVenue(venue string) error
	Trading() (exchange.Exchange, error)
}

const controlQueueSize = 16

type controlKind int

const (
	controlManualClose controlKind = iota
	controlReconcile
	controlSetVenue
)

type controlMsg struct {
	kind  controlKind
	pair  string
	venue string
}

// Engine is the trading loop. One goroutine runs Run; everything exported is
// safe to call from other goroutines (Telegram, API).
type Engine struct {
	cfg     *config.Config
	trading exchange.Exchange
	venue   string
	store   Store
	market  MarketSource
	router  SignalRouter
	markup  MarkupSource
	breaker *circuit.Breaker
	bus     *events.EventBus
	notif   Notifier
	logger  zerolog.Logger

	control chan controlMsg
	diags   *diagRing
	venues  VenueSource // nil when venue switching is not wired

	mu              sync.RWMutex
	paused          bool
	pauseReason     string
	persistDegraded bool
	startedAt       time.Time
	ticks           int64
	lastTickAt      time.Time
	lastTickStart   time.Time
	openCount       int
	regimes         map[string]market.Regime
	entryConf       map[int64]float64
	stopEmits       map[int64]*stopEmitState

	wg  sync.WaitGroup
	now func() time.Time
}

func New(cfg *config.Config, trading exchange.Exchange, venue string, store Store, mkt MarketSource, router SignalRouter, markup MarkupSource, breaker *circuit.Breaker, bus *events.EventBus, notif Notifier) *Engine {
	return &Engine{
		cfg:       cfg,
		trading:   trading,
		venue:     venue,
		store:     store,
		market:    mkt,
		router:    router,
		markup:    markup,
		breaker:   breaker,
		bus:       bus,
		notif:     notif,
		logger:    logging.Component("engine"),
		control:   make(chan controlMsg, controlQueueSize),
		diags:     newDiagRing(),
		startedAt: time.Now(),
		regimes:   make(map[string]market.Regime),
		entryConf: make(map[int64]float64),
		stopEmits: make(map[int64]*stopEmitState),
		now:       time.Now,
	}
}

// SetNow injects a deterministic clock.
func (e *Engine) SetNow(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// SetVenueSource enables runtime venue switching through RequestVenueChange.
func (e *Engine) SetVenueSource(v VenueSource) {
	e.venues = v
}

// Run blocks until ctx is canceled. Call it in a goroutine.
func (e *Engine) Run(ctx context.Context) {
	e.restoreState(ctx)

	interval := time.Duration(e.cfg.TradingConfig.TickIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info().
		Str("venue", e.venue).
		Dur("interval", interval).
		Bool("dry_run", e.cfg.TradingConfig.DryRun).
		Strs("pairs", e.cfg.TradingConfig.ActivePairs).
		Msg("Engine started")

	e.bus.Publish(events.Event{
		Type:    events.EventBotStarted,
		Message: "engine started on " + e.venue,
		Data:    map[string]interface{}{"venue": e.venue, "dry_run": e.cfg.TradingConfig.DryRun},
	})

	// First tick immediately so the operator sees state without waiting a
	// full interval.
	e.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			e.bus.Publish(events.Event{Type: events.EventBotStopped, Message: "engine stopping"})
			e.wg.Wait()
			e.logger.Info().Msg("Engine stopped")
			return
		case <-ticker.C:
			e.mu.RLock()
			sinceLast := e.now().Sub(e.lastTickStart)
			e.mu.RUnlock()
			if sinceLast < interval/2 {
				// A fire queued up behind a slow tick.
				e.logger.Debug().Dur("since_last", sinceLast).Msg("Skipping queued tick")
				continue
			}
			e.Tick(ctx)
		}
	}
}

// restoreState reloads persisted runtime state: pause flag and kill switch.
func (e *Engine) restoreState(ctx context.Context) {
	bc, err := e.store.GetBotConfig(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Could not load persisted state")
		return
	}
	if bc == nil {
		return
	}
	e.mu.Lock()
	e.paused = bc.Paused
	if bc.Paused {
		e.pauseReason = "restored"
	}
	e.mu.Unlock()
	e.breaker.Restore(bc.KillSwitchDay)
}

// Tick runs one full engine iteration. Exported so tests and the control path
// can drive the loop deterministically.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	e.ticks++
	tickID := e.ticks
	e.lastTickStart = e.now()
	e.mu.Unlock()

	e.drainControl(ctx)

	positions, err := e.store.GetOpenPositions(ctx)
	if err != nil {
		e.setPersistDegraded(true, err)
		positions = nil
	} else {
		e.setPersistDegraded(false, nil)
	}

	// Exits always run, even paused or with the kill switch on.
	prices := e.manageExits(ctx, positions)

	// Kill switch: evaluated against today's realized P&L and current equity.
	equity, freeQuote := e.equity(ctx, positions, prices)
	dailyPnL := e.dailyRealizedPnL(ctx)
	entriesAllowed, blockReason := e.breaker.Evaluate(dailyPnL, equity)

	e.mu.RLock()
	paused, pauseReason := e.paused, e.pauseReason
	degraded := e.persistDegraded
	e.mu.RUnlock()

	switch {
	case paused:
		entriesAllowed, blockReason = false, "paused: "+pauseReason
	case degraded:
		entriesAllowed, blockReason = false, "persistence degraded"
	}

	if entriesAllowed {
		for _, pair := range e.cfg.TradingConfig.ActivePairs {
			e.scanPair(ctx, tickID, pair, freeQuote, equity, positions)
		}
	} else {
		e.logger.Debug().Str("reason", blockReason).Msg("Entries skipped this tick")
	}

	if n := e.cfg.TradingConfig.ReconcileEveryTicks; n > 0 && tickID%int64(n) == 0 {
		e.reconcile(ctx)
	}

	e.mu.Lock()
	e.lastTickAt = e.now()
	e.openCount = len(positions)
	e.mu.Unlock()
}

func (e *Engine) drainControl(ctx context.Context) {
	for {
		select {
		case msg := <-e.control:
			switch msg.kind {
			case controlManualClose:
				if err := e.closePairNow(ctx, msg.pair); err != nil {
					e.logger.Error().Err(err).Str("pair", msg.pair).Msg("Manual close failed")
				}
			case controlReconcile:
				e.reconcile(ctx)
			case controlSetVenue:
				e.applyVenueChange(ctx, msg.venue)
			}
		default:
			return
		}
	}
}

func (e *Engine) setPersistDegraded(degraded bool, err error) {
	e.mu.Lock()
	was := e.persistDegraded
	e.persistDegraded = degraded
	e.mu.Unlock()
	if degraded && !was {
		e.logger.Error().Err(err).Str("event", logging.EventPersistDegraded).Msg("Persistence degraded, entries paused")
		e.bus.Publish(events.Event{
			Type:     events.EventPersistDegraded,
			Severity: events.SeverityError,
			Message:  "persistence degraded, entries paused",
		})
	}
	if !degraded && was {
		e.logger.Info().Msg("Persistence recovered")
	}
}

// dailyRealizedPnL returns realized P&L since UTC midnight. A read failure is
// treated as zero; the persistence guard handles the degraded case.
func (e *Engine) dailyRealizedPnL(ctx context.Context) float64 {
	e.mu.RLock()
	now := e.now().UTC()
	e.mu.RUnlock()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	pnl, err := e.store.GetRealizedPnLSince(ctx, midnight)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Could not read daily P&L")
		return 0
	}
	return pnl
}

// equity values the account: free quote currency plus open positions at the
// prices collected during exit management.
func (e *Engine) equity(ctx context.Context, positions []*database.Position, prices map[string]float64) (equity, freeQuote float64) {
	balances, err := e.trading.GetBalance(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Balance refresh failed")
	}
	for _, b := range balances {
		if b.Asset == "EUR" {
			freeQuote = b.Free
		}
	}
	equity = freeQuote
	for _, pos := range positions {
		price := prices[pos.Pair]
		if price <= 0 {
			price = pos.EntryPrice
		}
		equity += pos.ValueAt(price)
	}
	return equity, freeQuote
}

// manageExits walks every open position through the exit machine and fires
// exit orders. Returns the tickers it fetched, keyed by pair, for reuse.
func (e *Engine) manageExits(ctx context.Context, positions []*database.Position) map[string]float64 {
	prices := make(map[string]float64, len(positions))
	params := e.exitParams()

	for _, pos := range positions {
		ticker, err := e.market.Ticker(ctx, pos.Pair)
		if err != nil {
			e.logger.Warn().Err(err).Str("pair", pos.Pair).Msg("No ticker for exit check")
			continue
		}
		price := ticker.Mid()
		prices[pos.Pair] = price

		d := EvaluateExit(pos, price, params)
		if d.Exit {
			if err := e.exitPosition(ctx, pos, price, d.Reason); err != nil {
				e.logger.Error().Err(err).Str("pair", pos.Pair).Msg("Exit order failed")
			}
			continue
		}
		if d.StateChanged || d.StopMoved {
			if err := e.store.UpdatePositionExit(ctx, pos.ID, d.State, d.StopPrice, d.HighWaterMark); err != nil {
				e.logger.Error().Err(err).Str("pair", pos.Pair).Msg("Stop update not persisted")
				continue
			}
			pos.State = d.State
			pos.StopPrice = d.StopPrice
			pos.HighWaterMark = d.HighWaterMark
			e.emitStopUpdate(pos, d)
		}
	}
	return prices
}

func (e *Engine) exitParams() ExitParams {
	t := e.cfg.TradingConfig
	return ExitParams{
		StopLossPct:         t.StopLossPct,
		TakeProfitPct:       t.TakeProfitPct,
		BreakEvenArmPct:     t.BreakEvenArmPct,
		BreakEvenLockPct:    t.BreakEvenLockPct,
		TrailingArmPct:      t.TrailingArmPct,
		TrailingDistancePct: t.TrailingDistancePct,
		TrailingEnabled:     t.TrailingStopEnabled,
	}
}

func (e *Engine) emitStopUpdate(pos *database.Position, d ExitDecision) {
	e.mu.Lock()
	now := e.now()
	prev := e.stopEmits[pos.ID]
	emit := d.StateChanged || shouldEmitStopUpdate(prev, d.StopPrice, now)
	if emit {
		e.stopEmits[pos.ID] = &stopEmitState{at: now, price: d.StopPrice}
	}
	e.mu.Unlock()
	if !emit {
		return
	}
	e.bus.Publish(events.Event{
		Type:    events.EventStopUpdated,
		Pair:    pos.Pair,
		Message: fmt.Sprintf("%s stop %.4f (%s)", pos.Pair, d.StopPrice, d.State),
		Data: map[string]interface{}{
			"position_id": pos.ID,
			"state":       d.State,
			"stop":        d.StopPrice,
			"hwm":         d.HighWaterMark,
		},
	})
}

// scanPair runs one pair through snapshot → router → admission → sizing →
// order. Failures are contained: logged, recorded in the diagnostic, never
// propagated to the tick.
func (e *Engine) scanPair(ctx context.Context, tickID int64, pair string, freeQuote, equity float64, positions []*database.Position) {
	diag := PairDiagnostic{Tick: tickID, Pair: pair, At: e.now()}
	defer func() { e.diags.add(diag) }()

	snap, err := e.market.Snapshot(ctx, pair)
	if err != nil {
		diag.Error = err.Error()
		e.logger.Warn().Err(err).Str("pair", pair).Msg("Snapshot failed")
		return
	}
	diag.Regime = string(snap.Regime)
	e.noteRegime(pair, snap)

	decision, err := e.router.Route(ctx, snap)
	if err != nil {
		diag.Error = err.Error()
		e.logger.Warn().Err(err).Str("pair", pair).Msg("Routing failed")
		return
	}
	sig := decision.Signal
	diag.Strategy = sig.Strategy
	diag.Signal = string(sig.Type)
	diag.Confidence = sig.Confidence
	diag.Threshold = decision.Threshold
	diag.Satisfied = sig.Satisfied
	diag.Required = sig.Required
	diag.Reason = sig.Reason

	if sig.Type != strategy.SignalBuy {
		return
	}
	e.bus.PublishSignal(sig.Strategy, pair, string(sig.Type), sig.Reason, sig.Confidence)

	if sig.Confidence < decision.Threshold {
		diag.OrderResult = fmt.Sprintf("below threshold (%.0f < %.0f)", sig.Confidence, decision.Threshold)
		return
	}

	adm := e.admitEntry(ctx, pair, sig.Confidence, positions)
	diag.CooldownSec = adm.CooldownSec
	if !adm.Allowed {
		diag.OrderResult = "admission: " + adm.Reason
		e.notifyEntryIntent(sig, decision.Threshold, adm.Reason)
		return
	}

	spec, _ := e.trading.PairSpec(pair)
	markupPct := e.markup.MarkupPct(e.venue, pair)
	sizing := sizeEntry(freeQuote, e.cfg.TradingConfig.RiskPerTradePct, e.cfg.TradingConfig.StopLossPct,
		sig.EntryPrice, markupPct, sig.SizeFactor, spec)
	diag.Quantity = sizing.Quantity
	if sizing.Rejected {
		diag.OrderResult = "sizing: " + sizing.Reason
		e.notifyEntryIntent(sig, decision.Threshold, sizing.Reason)
		return
	}

	if reason, ok := e.checkExposure(pair, sizing.NotionalEUR, equity, positions); !ok {
		diag.OrderResult = "exposure: " + reason
		e.notifyEntryIntent(sig, decision.Threshold, reason)
		return
	}

	result, err := e.enterPosition(ctx, tickID, sig, sizing, adm)
	if err != nil {
		diag.Error = err.Error()
		e.logger.Error().Err(err).Str("pair", pair).Msg("Entry failed")
		return
	}
	diag.OrderResult = result
}

// noteRegime publishes a regime-change event on transitions.
func (e *Engine) noteRegime(pair string, snap *market.PairSnapshot) {
	e.mu.Lock()
	prev, seen := e.regimes[pair]
	e.regimes[pair] = snap.Regime
	e.mu.Unlock()
	if seen && prev != snap.Regime {
		e.bus.PublishRegimeChange(pair, string(prev), string(snap.Regime), snap.RegimeReason)
		e.notif.Notify(&notify.RegimeChange{
			Pair:   pair,
			From:   string(prev),
			To:     string(snap.Regime),
			Reason: snap.RegimeReason,
		})
	}
}

func (e *Engine) notifyEntryIntent(sig *strategy.Signal, threshold float64, reason string) {
	e.bus.Publish(events.Event{
		Type:    events.EventEntryIntent,
		Pair:    sig.Pair,
		Message: fmt.Sprintf("%s BUY intent held: %s", sig.Pair, reason),
		Data: map[string]interface{}{
			"strategy":   sig.Strategy,
			"confidence": sig.Confidence,
			"threshold":  threshold,
			"reason":     reason,
		},
	})
	e.notif.Notify(&notify.EntryIntent{
		Pair:       sig.Pair,
		Side:       "BUY",
		Strategy:   sig.Strategy,
		Confidence: sig.Confidence,
		Threshold:  threshold,
		Reason:     reason,
	})
}

// === Control surface (Telegram commands, API) ===

// Pause stops new entries. Open positions keep being managed.
func (e *Engine) Pause(ctx context.Context, reason string) error {
	e.mu.Lock()
	e.paused = true
	e.pauseReason = reason
	e.mu.Unlock()

	e.bus.Publish(events.Event{Type: events.EventBotPaused, Message: "paused: " + reason})
	return e.persistRuntimeState(ctx)
}

// Resume re-enables entries.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	e.paused = false
	e.pauseReason = ""
	e.mu.Unlock()

	e.bus.Publish(events.Event{Type: events.EventBotResumed, Message: "resumed"})
	return e.persistRuntimeState(ctx)
}

// RequestClose schedules a manual close of the pair's open position for the
// next tick boundary. A full control queue returns an error instead of
// blocking the caller.
func (e *Engine) RequestClose(pair string) error {
	select {
	case e.control <- controlMsg{kind: controlManualClose, pair: pair}:
		return nil
	default:
		return fmt.Errorf("control queue full")
	}
}

// RequestVenueChange schedules a switch of the trading venue for the next
// tick boundary. Fails immediately when switching is not wired or the queue
// is full.
func (e *Engine) RequestVenueChange(venue string) error {
	if e.venues == nil {
		return fmt.Errorf("venue switching not available")
	}
	select {
	case e.control <- controlMsg{kind: controlSetVenue, venue: venue}:
		return nil
	default:
		return fmt.Errorf("control queue full")
	}
}

// applyVenueChange swaps the trading client. Refused while positions are
// open: they were entered on the old venue and must be exited there.
func (e *Engine) applyVenueChange(ctx context.Context, venue string) {
	e.mu.RLock()
	current := e.venue
	e.mu.RUnlock()
	if venue == current {
		return
	}

	positions, err := e.store.GetOpenPositions(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Venue change aborted, positions unreadable")
		return
	}
	if len(positions) > 0 {
		e.logger.Warn().Str("venue", venue).Int("open", len(positions)).Msg("Venue change refused with open positions")
		e.bus.PublishError("engine", fmt.Sprintf("venue change to %s refused: %d open positions", venue, len(positions)), nil)
		return
	}

	if err := e.venues.SetTradingVenue(venue); err != nil {
		e.logger.Error().Err(err).Str("venue", venue).Msg("Venue change rejected")
		e.bus.PublishError("engine", "venue change rejected", err)
		return
	}
	client, err := e.venues.Trading()
	if err != nil {
		e.logger.Error().Err(err).Str("venue", venue).Msg("Venue client unavailable")
		e.bus.PublishError("engine", "venue client unavailable", err)
		return
	}

	e.mu.Lock()
	e.trading = client
	e.venue = venue
	e.mu.Unlock()

	e.logger.Info().Str("from", current).Str("to", venue).Msg("Trading venue switched")
	e.bus.Publish(events.Event{
		Type:    events.EventVenueChange,
		Message: fmt.Sprintf("trading venue switched %s -> %s", current, venue),
		Data:    map[string]interface{}{"from": current, "to": venue},
	})
	if err := e.persistRuntimeState(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Venue change not persisted")
	}
}

func (e *Engine) persistRuntimeState(ctx context.Context) error {
	bc, err := e.store.GetBotConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading bot config: %w", err)
	}
	if bc == nil {
		bc = &database.BotConfig{}
	}
	e.mu.RLock()
	bc.Paused = e.paused
	bc.TradingVenue = e.venue
	e.mu.RUnlock()
	bc.KillSwitchDay = e.breaker.TrippedDay()
	if err := e.store.SaveBotConfig(ctx, bc); err != nil {
		return fmt.Errorf("saving bot config: %w", err)
	}
	return nil
}

// Status returns the engine snapshot.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pairs := make([]string, len(e.cfg.TradingConfig.ActivePairs))
	copy(pairs, e.cfg.TradingConfig.ActivePairs)
	return Status{
		DryRun:        e.cfg.TradingConfig.DryRun,
		Venue:         e.venue,
		Paused:        e.paused,
		PauseReason:   e.pauseReason,
		KillSwitch:    e.breaker.Tripped(),
		StartedAt:     e.startedAt,
		Ticks:         e.ticks,
		LastTickAt:    e.lastTickAt,
		OpenPositions: e.openCount,
		Pairs:         pairs,
	}
}

// Diagnostics returns the newest diagnostic per active pair.
func (e *Engine) Diagnostics() []PairDiagnostic {
	return e.diags.lastPerPair(e.cfg.TradingConfig.ActivePairs)
}

// RecentDiagnostics returns up to n diagnostics, newest first. Served by the
// API.
func (e *Engine) RecentDiagnostics(n int) []PairDiagnostic {
	return e.diags.recent(n)
}
