package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/events"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/exchange"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/notify"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/strategy"
)

const (
	nonceMaxAttempts = 3
	watchBackoffMin  = 2 * time.Second
	watchBackoffMax  = 30 * time.Second
)

// clientOrderID builds the deterministic venue-safe client order ID for one
// {pair, side, tick} triple. Resubmitting within the same tick reproduces the
// same ID, which the venues treat as "return the existing order".
func clientOrderID(pair string, side exchange.Side, tickID int64) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(pair) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	s := "B"
	if side == exchange.SideSell {
		s = "S"
	}
	return fmt.Sprintf("KAT-%s-%s-%d", b.String(), s, tickID%100000)
}

// submitWithRetry submits an order, retrying nonce rejections up to three
// attempts with a single NONCE_RETRY warn.
func (e *Engine) submitWithRetry(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	var lastErr error
	warned := false
	for attempt := 1; attempt <= nonceMaxAttempts; attempt++ {
		order, err := e.trading.SubmitOrder(ctx, req)
		if err == nil {
			return order, nil
		}
		if !exchange.IsNonce(err) {
			return nil, err
		}
		lastErr = err
		if !warned {
			warned = true
			e.logger.Warn().
				Str("event", logging.EventNonceRetry).
				Str("pair", req.Pair).
				Str("client_order_id", req.ClientOrderID).
				Msg("Nonce rejected, retrying")
			e.bus.Publish(events.Event{
				Type:     events.EventNonceRetry,
				Severity: events.SeverityWarning,
				Pair:     req.Pair,
				Message:  "nonce rejected, retrying " + req.ClientOrderID,
			})
		}
	}
	return nil, fmt.Errorf("nonce retries exhausted: %w", lastErr)
}

// enterPosition persists the intent, submits (or simulates) the buy and wires
// the fill handling. The trade row is written before anything leaves the
// process so a crash never loses an order we may have placed.
func (e *Engine) enterPosition(ctx context.Context, tickID int64, sig *strategy.Signal, sizing Sizing, adm Admission) (string, error) {
	t := e.cfg.TradingConfig
	coid := clientOrderID(sig.Pair, exchange.SideBuy, tickID)
	strategyName := sig.Strategy
	reason := sig.Reason
	refMid := sig.EntryPrice

	trade := &database.Trade{
		ClientOrderID: coid,
		Venue:         e.venue,
		Pair:          sig.Pair,
		Side:          "BUY",
		OrderType:     string(exchange.OrderTypeMarket),
		Status:        database.TradeStatusOpen,
		RequestedQty:  sizing.Quantity,
		RefMid:        &refMid,
		TickID:        tickID,
		Strategy:      &strategyName,
		Reason:        &reason,
		DryRun:        t.DryRun,
		SubmittedAt:   e.now(),
	}
	if err := e.store.CreateTrade(ctx, trade); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			e.logger.Warn().
				Str("event", logging.EventDuplicate).
				Str("client_order_id", coid).
				Msg("Duplicate order suppressed")
			e.bus.Publish(events.Event{
				Type:     events.EventDuplicateOrder,
				Severity: events.SeverityWarning,
				Pair:     sig.Pair,
				Message:  "duplicate client order id " + coid,
			})
			return "duplicate suppressed", nil
		}
		return "", fmt.Errorf("persisting trade: %w", err)
	}

	if t.DryRun {
		return e.simulateEntryFill(ctx, trade, sig, sizing, adm)
	}

	order, err := e.submitWithRetry(ctx, exchange.OrderRequest{
		Pair:          sig.Pair,
		Side:          exchange.SideBuy,
		Type:          exchange.OrderTypeMarket,
		Amount:        sizing.Quantity,
		ClientOrderID: coid,
	})
	if err != nil {
		if uerr := e.store.UpdateTradeStatus(ctx, coid, database.TradeStatusRejected, 0, nil, 0); uerr != nil {
			e.logger.Error().Err(uerr).Str("client_order_id", coid).Msg("Could not mark trade rejected")
		}
		e.bus.Publish(events.Event{
			Type:     events.EventOrderRejected,
			Severity: events.SeverityWarning,
			Pair:     sig.Pair,
			Message:  fmt.Sprintf("BUY %s rejected: %v", sig.Pair, err),
		})
		return "", fmt.Errorf("submitting order: %w", err)
	}

	if err := e.store.SetTradeVenueOrderID(ctx, coid, order.ID); err != nil {
		e.logger.Error().Err(err).Str("client_order_id", coid).Msg("Could not store venue order id")
	}
	e.bus.PublishOrderSubmitted(sig.Pair, "BUY", coid, sizing.EffectivePrice, sizing.Quantity, false)

	if order.Status == exchange.StatusFilled {
		e.onEntryFill(ctx, trade, order, sig, adm)
		return "filled", nil
	}

	e.watchOrder(ctx, trade, order.ID, func(ctx context.Context, final *exchange.Order) {
		e.onEntryFill(ctx, trade, final, sig, adm)
	})
	return "submitted", nil
}

// simulateEntryFill is the dry-run entry path: a virtual fill at the
// effective price with the venue taker fee, flowing through the same position
// and notification handling as a live fill. Simulated fills never enter the
// fills table: the fiscal book only carries money that moved.
func (e *Engine) simulateEntryFill(ctx context.Context, trade *database.Trade, sig *strategy.Signal, sizing Sizing, adm Admission) (string, error) {
	price := sizing.EffectivePrice
	fee := sizing.Quantity * price * e.trading.TakerFeePct() / 100
	if err := e.store.UpdateTradeStatus(ctx, trade.ClientOrderID, database.TradeStatusFilled, sizing.Quantity, &price, fee); err != nil {
		return "", fmt.Errorf("recording simulated fill: %w", err)
	}
	order := &exchange.Order{
		ID:            "dry-" + trade.ClientOrderID,
		ClientOrderID: trade.ClientOrderID,
		Pair:          trade.Pair,
		Side:          exchange.SideBuy,
		Status:        exchange.StatusFilled,
		Amount:        sizing.Quantity,
		FilledAmount:  sizing.Quantity,
		AvgFillPrice:  price,
		FeePaid:       fee,
	}
	e.bus.PublishOrderSubmitted(trade.Pair, "BUY", trade.ClientOrderID, price, sizing.Quantity, true)
	e.onEntryFill(ctx, trade, order, sig, adm)
	return "filled [DRY_RUN]", nil
}

// onEntryFill records the executed buy: fills, position row (new or
// scale-in), markup observation and the trade notification.
func (e *Engine) onEntryFill(ctx context.Context, trade *database.Trade, order *exchange.Order, sig *strategy.Signal, adm Admission) {
	avg := order.AvgFillPrice
	qty := order.FilledAmount

	if err := e.store.UpdateTradeStatus(ctx, trade.ClientOrderID, database.TradeStatusFilled, qty, &avg, order.FeePaid); err != nil {
		e.logger.Error().Err(err).Str("client_order_id", trade.ClientOrderID).Msg("Could not mark trade filled")
	}
	if !trade.DryRun {
		e.recordVenueFills(ctx, order)
		if trade.RefMid != nil && *trade.RefMid > 0 {
			e.markup.Observe(ctx, e.venue, trade.Pair, avg, *trade.RefMid)
		}
	}
	e.bus.PublishOrderFilled(trade.Pair, "BUY", trade.ClientOrderID, avg, qty, order.FeePaid)

	if adm.ScaleIn && adm.Position != nil {
		if err := e.store.AddToPosition(ctx, adm.Position.ID, avg, qty); err != nil {
			e.logger.Error().Err(err).Str("pair", trade.Pair).Msg("Scale-in not persisted")
			return
		}
		e.logger.Info().Str("pair", trade.Pair).Float64("qty", qty).Float64("price", avg).Msg("Scaled into position")
	} else {
		stop, tp := InitExit(avg, e.exitParams())
		pos := &database.Position{
			Pair:          trade.Pair,
			Venue:         e.venue,
			EntryPrice:    avg,
			Quantity:      qty,
			State:         database.PositionStateActive,
			StopPrice:     stop,
			TakeProfit:    tp,
			HighWaterMark: avg,
			EntryOrderID:  &trade.ClientOrderID,
			Strategy:      trade.Strategy,
			DryRun:        trade.DryRun,
			OpenedAt:      e.now(),
		}
		if err := e.store.CreatePosition(ctx, pos); err != nil {
			e.logger.Error().Err(err).Str("pair", trade.Pair).Msg("Position not persisted")
			return
		}
		e.mu.Lock()
		e.entryConf[pos.ID] = sig.Confidence
		e.mu.Unlock()
		e.bus.Publish(events.Event{
			Type:    events.EventPositionOpened,
			Pair:    trade.Pair,
			Message: fmt.Sprintf("%s position opened @ %.4f", trade.Pair, avg),
			Data: map[string]interface{}{
				"position_id": pos.ID,
				"entry":       avg,
				"quantity":    qty,
				"stop":        stop,
				"take_profit": tp,
				"dry_run":     trade.DryRun,
			},
		})
	}

	strategyName := ""
	if trade.Strategy != nil {
		strategyName = *trade.Strategy
	}
	e.notif.Notify(&notify.TradeBuy{
		Pair:     trade.Pair,
		Venue:    e.venue,
		Quantity: qty,
		Price:    avg,
		CostEUR:  qty * avg,
		FeeEUR:   order.FeePaid,
		Strategy: strategyName,
		Reason:   sig.Reason,
		DryRun:   trade.DryRun,
	})
}

// exitPosition submits (or simulates) the market sell that closes a position.
func (e *Engine) exitPosition(ctx context.Context, pos *database.Position, price float64, reason string) error {
	e.mu.RLock()
	tickID := e.ticks
	e.mu.RUnlock()
	coid := clientOrderID(pos.Pair, exchange.SideSell, tickID)
	refMid := price

	trade := &database.Trade{
		ClientOrderID: coid,
		Venue:         e.venue,
		Pair:          pos.Pair,
		Side:          "SELL",
		OrderType:     string(exchange.OrderTypeMarket),
		Status:        database.TradeStatusOpen,
		RequestedQty:  pos.Quantity,
		RefMid:        &refMid,
		TickID:        tickID,
		Strategy:      pos.Strategy,
		Reason:        &reason,
		DryRun:        pos.DryRun,
		SubmittedAt:   e.now(),
	}
	if err := e.store.CreateTrade(ctx, trade); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			// The sell for this tick is already in flight.
			return nil
		}
		return fmt.Errorf("persisting exit trade: %w", err)
	}

	if pos.DryRun {
		fee := pos.Quantity * price * e.trading.TakerFeePct() / 100
		if err := e.store.UpdateTradeStatus(ctx, coid, database.TradeStatusFilled, pos.Quantity, &price, fee); err != nil {
			return fmt.Errorf("recording simulated exit: %w", err)
		}
		e.closeFilledPosition(ctx, pos, price, pos.Quantity, fee, reason, true)
		return nil
	}

	order, err := e.submitWithRetry(ctx, exchange.OrderRequest{
		Pair:          pos.Pair,
		Side:          exchange.SideSell,
		Type:          exchange.OrderTypeMarket,
		Amount:        pos.Quantity,
		ClientOrderID: coid,
	})
	if err != nil {
		if uerr := e.store.UpdateTradeStatus(ctx, coid, database.TradeStatusRejected, 0, nil, 0); uerr != nil {
			e.logger.Error().Err(uerr).Str("client_order_id", coid).Msg("Could not mark exit rejected")
		}
		return fmt.Errorf("submitting exit order: %w", err)
	}
	if err := e.store.SetTradeVenueOrderID(ctx, coid, order.ID); err != nil {
		e.logger.Error().Err(err).Str("client_order_id", coid).Msg("Could not store venue order id")
	}
	e.bus.PublishOrderSubmitted(pos.Pair, "SELL", coid, price, pos.Quantity, false)

	finish := func(ctx context.Context, final *exchange.Order) {
		if err := e.store.UpdateTradeStatus(ctx, coid, database.TradeStatusFilled, final.FilledAmount, &final.AvgFillPrice, final.FeePaid); err != nil {
			e.logger.Error().Err(err).Str("client_order_id", coid).Msg("Could not mark exit filled")
		}
		e.recordVenueFills(ctx, final)
		e.closeFilledPosition(ctx, pos, final.AvgFillPrice, final.FilledAmount, final.FeePaid, reason, false)
	}

	if order.Status == exchange.StatusFilled {
		finish(ctx, order)
		return nil
	}
	e.watchOrder(ctx, trade, order.ID, finish)
	return nil
}

// closeFilledPosition persists the close and emits the sell notification.
func (e *Engine) closeFilledPosition(ctx context.Context, pos *database.Position, exitPrice, qty, fee float64, reason string, dryRun bool) {
	pnl := (exitPrice-pos.EntryPrice)*qty - fee
	if err := e.store.ClosePosition(ctx, pos.ID, reason, pnl, e.now()); err != nil {
		e.logger.Error().Err(err).Str("pair", pos.Pair).Msg("Position close not persisted")
		return
	}
	e.mu.Lock()
	delete(e.entryConf, pos.ID)
	delete(e.stopEmits, pos.ID)
	e.mu.Unlock()

	e.logger.Info().
		Str("pair", pos.Pair).
		Str("reason", reason).
		Float64("entry", pos.EntryPrice).
		Float64("exit", exitPrice).
		Float64("pnl", pnl).
		Bool("dry_run", dryRun).
		Msg("Position closed")
	e.bus.PublishPositionClosed(pos.Pair, reason, pos.EntryPrice, exitPrice, qty, pnl)

	pnlPct := 0.0
	if pos.EntryPrice > 0 {
		pnlPct = (exitPrice - pos.EntryPrice) / pos.EntryPrice * 100
	}
	e.notif.Notify(&notify.TradeSell{
		Pair:        pos.Pair,
		Venue:       e.venue,
		Quantity:    qty,
		Price:       exitPrice,
		ProceedsEUR: qty*exitPrice - fee,
		PnL:         pnl,
		PnLPct:      pnlPct,
		Reason:      reason,
		DryRun:      dryRun,
	})
}

// closePairNow force-closes the pair's open position at market (reason
// MANUAL). Invoked from the control queue.
func (e *Engine) closePairNow(ctx context.Context, pair string) error {
	pos, err := e.store.GetOpenPosition(ctx, pair, e.venue)
	if err != nil {
		return fmt.Errorf("loading position: %w", err)
	}
	if pos == nil {
		return fmt.Errorf("no open position on %s", pair)
	}
	ticker, err := e.market.Ticker(ctx, pair)
	if err != nil {
		return fmt.Errorf("fetching ticker: %w", err)
	}
	return e.exitPosition(ctx, pos, ticker.Mid(), database.CloseReasonManual)
}

// recordVenueFills pulls the venue fills behind a terminal order and persists
// them. RecordFill dedupes on the venue fill ID, so overlap with the nightly
// fiscal sync is harmless. Failures only warn: the sync will pick the fills
// up later.
func (e *Engine) recordVenueFills(ctx context.Context, order *exchange.Order) {
	since := order.CreatedAt.Add(-time.Minute)
	fills, err := e.trading.ListFills(ctx, since)
	if err != nil {
		e.logger.Warn().Err(err).Str("order_id", order.ID).Msg("Could not list fills, leaving to fiscal sync")
		return
	}
	for _, f := range fills {
		if f.OrderID != order.ID && (f.ClientOrderID == "" || f.ClientOrderID != order.ClientOrderID) {
			continue
		}
		fill := f
		record := &database.Fill{
			Venue:        e.venue,
			VenueFillID:  fill.ID,
			VenueOrderID: &fill.OrderID,
			Pair:         fill.Pair,
			Side:         strings.ToUpper(string(fill.Side)),
			Price:        decimal.NewFromFloat(fill.Price),
			Quantity:     decimal.NewFromFloat(fill.Quantity),
			Fee:          decimal.NewFromFloat(fill.Fee),
			ExecutedAt:   fill.Time,
		}
		if fill.ClientOrderID != "" {
			record.ClientOrderID = &fill.ClientOrderID
		}
		if fill.FeeCurrency != "" {
			record.FeeCurrency = &fill.FeeCurrency
		}
		if fill.QuoteCurrency != "" {
			record.QuoteCurrency = &fill.QuoteCurrency
		}
		if _, err := e.store.RecordFill(ctx, record); err != nil {
			e.logger.Warn().Err(err).Str("fill_id", fill.ID).Msg("Fill not persisted")
		}
	}
}

// watchOrder polls an in-flight order until it reaches a terminal state,
// backing off 2s→30s, and cancels it after the configured timeout. onFill
// runs once when the order fills.
func (e *Engine) watchOrder(ctx context.Context, trade *database.Trade, orderID string, onFill func(context.Context, *exchange.Order)) {
	timeout := time.Duration(e.cfg.TradingConfig.OrderTimeoutSec) * time.Second
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		deadline := e.now().Add(timeout)
		backoff := watchBackoffMin
		canceled := false

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > watchBackoffMax {
				backoff = watchBackoffMax
			}

			order, err := e.trading.GetOrderStatus(ctx, orderID, trade.Pair)
			if err != nil {
				e.logger.Warn().Err(err).Str("order_id", orderID).Msg("Order status poll failed")
			} else if order.Status.Terminal() {
				switch order.Status {
				case exchange.StatusFilled:
					onFill(ctx, order)
				case exchange.StatusCanceled, exchange.StatusExpired, exchange.StatusRejected:
					if uerr := e.store.UpdateTradeStatus(ctx, trade.ClientOrderID, database.TradeStatusCanceled, order.FilledAmount, nil, order.FeePaid); uerr != nil {
						e.logger.Error().Err(uerr).Str("client_order_id", trade.ClientOrderID).Msg("Could not mark trade canceled")
					}
					e.bus.Publish(events.Event{
						Type:    events.EventOrderCanceled,
						Pair:    trade.Pair,
						Message: fmt.Sprintf("%s %s %s", trade.Side, trade.Pair, order.Status),
					})
				}
				return
			} else if order.Status == exchange.StatusPartiallyFilled {
				if uerr := e.store.UpdateTradeStatus(ctx, trade.ClientOrderID, database.TradeStatusPartial, order.FilledAmount, nil, order.FeePaid); uerr != nil {
					e.logger.Error().Err(uerr).Str("client_order_id", trade.ClientOrderID).Msg("Could not record partial fill")
				}
			}

			if !canceled && e.now().After(deadline) {
				canceled = true
				e.logger.Warn().
					Str("order_id", orderID).
					Str("pair", trade.Pair).
					Dur("timeout", timeout).
					Msg("Order timed out, canceling")
				if cerr := e.trading.CancelOrder(ctx, orderID, trade.Pair); cerr != nil {
					e.logger.Error().Err(cerr).Str("order_id", orderID).Msg("Cancel failed")
				}
				// Next poll observes the canceled state and settles the row.
			}
		}
	}()
}
