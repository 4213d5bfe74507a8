package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/exchange"
)

// tradingClient reads the live trading client. The pointer is swapped on a
// venue change, so callers outside the tick goroutine go through here.
func (e *Engine) tradingClient() (exchange.Exchange, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.trading, e.venue
}

// Balances returns the raw venue balances.
func (e *Engine) Balances(ctx context.Context) ([]exchange.Balance, error) {
	trading, _ := e.tradingClient()
	balances, err := trading.GetBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching balances: %w", err)
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].Asset < balances[j].Asset })
	return balances, nil
}

// Positions returns every open position valued at the live ticker.
func (e *Engine) Positions(ctx context.Context) ([]PositionView, error) {
	positions, err := e.store.GetOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading positions: %w", err)
	}
	views := make([]PositionView, 0, len(positions))
	for _, pos := range positions {
		current := pos.EntryPrice
		if ticker, terr := e.market.Ticker(ctx, pos.Pair); terr == nil {
			current = ticker.Mid()
		}
		pnl := (current - pos.EntryPrice) * pos.Quantity
		pnlPct := 0.0
		if pos.EntryPrice > 0 {
			pnlPct = (current - pos.EntryPrice) / pos.EntryPrice * 100
		}
		views = append(views, PositionView{
			ID:           pos.ID,
			Pair:         pos.Pair,
			State:        pos.State,
			Quantity:     pos.Quantity,
			EntryPrice:   pos.EntryPrice,
			CurrentPrice: current,
			StopPrice:    pos.StopPrice,
			TakeProfit:   pos.TakeProfit,
			PnL:          pnl,
			PnLPct:       pnlPct,
			DryRun:       pos.DryRun,
		})
	}
	return views, nil
}

// Portfolio values the venue account in EUR. Assets without a EUR ticker are
// listed unvalued.
func (e *Engine) Portfolio(ctx context.Context) (*Portfolio, error) {
	trading, venue := e.tradingClient()
	balances, err := trading.GetBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching balances: %w", err)
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].Asset < balances[j].Asset })

	pf := &Portfolio{Venue: venue}
	for _, b := range balances {
		total := b.Free + b.Locked
		if total < 1e-8 {
			continue
		}
		if b.Asset == "EUR" {
			pf.FreeEUR = b.Free
			pf.TotalEUR += total
			continue
		}
		line := PortfolioLine{Asset: b.Asset, Quantity: total}
		if ticker, terr := e.market.Ticker(ctx, b.Asset+"/EUR"); terr == nil {
			line.ValueEUR = total * ticker.Mid()
			pf.TotalEUR += line.ValueEUR
		}
		pf.Lines = append(pf.Lines, line)
	}
	return pf, nil
}

// Exposure compares open exposure and today's realized P&L against the
// configured limits.
func (e *Engine) Exposure(ctx context.Context) (*ExposureReport, error) {
	positions, err := e.store.GetOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading positions: %w", err)
	}
	pf, err := e.Portfolio(ctx)
	if err != nil {
		return nil, err
	}
	equity := pf.TotalEUR

	t := e.cfg.TradingConfig
	rep := &ExposureReport{
		MaxTotalPct:       t.MaxTotalExposurePct,
		DailyLossLimitPct: t.DailyLossLimitPct,
		KillSwitch:        e.breaker.Tripped(),
	}

	byPair := make(map[string]float64)
	for _, pos := range positions {
		price := pos.EntryPrice
		if ticker, terr := e.market.Ticker(ctx, pos.Pair); terr == nil {
			price = ticker.Mid()
		}
		value := pos.ValueAt(price)
		byPair[pos.Pair] += value
		rep.TotalEUR += value
	}
	if equity > 0 {
		rep.TotalPct = rep.TotalEUR / equity * 100
	}

	pairs := make([]string, 0, len(byPair))
	for pair := range byPair {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)
	for _, pair := range pairs {
		pe := PairExposure{Pair: pair, EUR: byPair[pair], MaxPct: t.MaxPairExposurePct}
		if equity > 0 {
			pe.Pct = pe.EUR / equity * 100
		}
		rep.PerPair = append(rep.PerPair, pe)
	}

	e.mu.RLock()
	now := e.now().UTC()
	e.mu.RUnlock()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if pnl, perr := e.store.GetRealizedPnLSince(ctx, midnight); perr == nil {
		rep.DailyPnL = pnl
	}
	return rep, nil
}
