package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/events"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/exchange"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
)

// orphanTolerance is the fraction of a position's quantity that must be
// missing from the venue balance before the row is treated as orphaned.
// Fees and dust make exact comparison useless.
const orphanTolerance = 0.5

// reconcile squares the database against the venue: position rows whose base
// asset is no longer on the venue get closed with a warning, venue balances
// with no row get reported, and stale open order rows get settled.
func (e *Engine) reconcile(ctx context.Context) {
	balances, err := e.trading.GetBalance(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Reconcile skipped, no balances")
		return
	}
	held := make(map[string]float64, len(balances))
	for _, b := range balances {
		held[b.Asset] = b.Free + b.Locked
	}

	positions, err := e.store.GetOpenPositions(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Reconcile skipped, positions unreadable")
		return
	}

	covered := make(map[string]float64)
	for _, pos := range positions {
		base, _ := exchange.SplitPair(pos.Pair)
		covered[base] += pos.Quantity
		if pos.DryRun {
			continue
		}
		if held[base] >= pos.Quantity*orphanTolerance {
			continue
		}
		// The asset left the venue outside the bot (manual sale, withdrawal).
		price := pos.EntryPrice
		if ticker, terr := e.market.Ticker(ctx, pos.Pair); terr == nil {
			price = ticker.Mid()
		}
		pnl := (price - pos.EntryPrice) * pos.Quantity
		if cerr := e.store.ClosePosition(ctx, pos.ID, database.CloseReasonManual, pnl, e.now()); cerr != nil {
			e.logger.Error().Err(cerr).Str("pair", pos.Pair).Msg("Orphan close not persisted")
			continue
		}
		e.mu.Lock()
		delete(e.entryConf, pos.ID)
		delete(e.stopEmits, pos.ID)
		e.mu.Unlock()
		e.logger.Warn().
			Str("event", logging.EventOrphanCleaned).
			Str("pair", pos.Pair).
			Float64("quantity", pos.Quantity).
			Float64("held", held[base]).
			Msg("Orphaned position row closed")
		e.bus.Publish(events.Event{
			Type:     events.EventOrphanCleaned,
			Severity: events.SeverityWarning,
			Pair:     pos.Pair,
			Message:  fmt.Sprintf("%s position had no backing balance, closed", pos.Pair),
			Data: map[string]interface{}{
				"position_id": pos.ID,
				"quantity":    pos.Quantity,
				"held":        held[base],
			},
		})
	}

	// Balances the bot does not track are reported, never adopted: without an
	// entry price a synthesized position would corrupt P&L.
	for _, pair := range e.cfg.TradingConfig.ActivePairs {
		base, _ := exchange.SplitPair(pair)
		free := held[base]
		if free <= covered[base] {
			continue
		}
		spec, _ := e.trading.PairSpec(pair)
		if extra := free - covered[base]; extra > spec.MinQty {
			e.logger.Warn().
				Str("pair", pair).
				Float64("untracked", extra).
				Msg("Venue balance not covered by any position row")
		}
	}

	e.settleStaleOrders(ctx)
}

// settleStaleOrders resolves open trade rows whose venue order reached a
// terminal state while no watcher was looking (typically after a restart).
func (e *Engine) settleStaleOrders(ctx context.Context) {
	open, err := e.store.GetOpenOrders(ctx, e.venue)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Open order sweep skipped")
		return
	}
	timeout := time.Duration(e.cfg.TradingConfig.OrderTimeoutSec) * time.Second

	for _, trade := range open {
		if trade.DryRun || trade.VenueOrderID == nil {
			continue
		}
		order, err := e.trading.GetOrderStatus(ctx, *trade.VenueOrderID, trade.Pair)
		if err != nil {
			e.logger.Warn().Err(err).Str("order_id", *trade.VenueOrderID).Msg("Stale order poll failed")
			continue
		}
		switch {
		case order.Status == exchange.StatusFilled:
			if uerr := e.store.UpdateTradeStatus(ctx, trade.ClientOrderID, database.TradeStatusFilled, order.FilledAmount, &order.AvgFillPrice, order.FeePaid); uerr != nil {
				e.logger.Error().Err(uerr).Str("client_order_id", trade.ClientOrderID).Msg("Stale fill not persisted")
				continue
			}
			e.recordVenueFills(ctx, order)
			e.bus.PublishOrderFilled(trade.Pair, trade.Side, trade.ClientOrderID, order.AvgFillPrice, order.FilledAmount, order.FeePaid)
		case order.Status.Terminal():
			if uerr := e.store.UpdateTradeStatus(ctx, trade.ClientOrderID, database.TradeStatusCanceled, order.FilledAmount, nil, order.FeePaid); uerr != nil {
				e.logger.Error().Err(uerr).Str("client_order_id", trade.ClientOrderID).Msg("Stale cancel not persisted")
			}
		case e.now().Sub(trade.SubmittedAt) > timeout:
			if cerr := e.trading.CancelOrder(ctx, *trade.VenueOrderID, trade.Pair); cerr != nil {
				e.logger.Error().Err(cerr).Str("order_id", *trade.VenueOrderID).Msg("Stale order cancel failed")
			}
		}
	}
}
