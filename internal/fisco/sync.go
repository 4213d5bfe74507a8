package fisco

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/events"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/exchange"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
)

// syncOverlap is re-fetched before the last sync start to absorb venue-side
// clock skew. Idempotent inserts make the overlap harmless.
const syncOverlap = time.Hour

// Syncer pulls fills and ledger movements from the data venue and feeds the
// FIFO book.
type Syncer struct {
	repo   *database.Repository
	data   exchange.Exchange
	rates  RateProvider
	bus    *events.EventBus
	cfg    config.FiscoConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewSyncer(repo *database.Repository, data exchange.Exchange, rates RateProvider, bus *events.EventBus, cfg config.FiscoConfig) *Syncer {
	return &Syncer{
		repo:   repo,
		data:   data,
		rates:  rates,
		bus:    bus,
		cfg:    cfg,
		logger: logging.Component("fisco.sync"),
		now:    time.Now,
	}
}

// Run performs one incremental sync from the last successful run.
func (s *Syncer) Run(ctx context.Context) (*database.SyncRun, error) {
	var since time.Time
	if last, err := s.repo.GetLastSuccessfulSync(ctx, s.data.Name()); err != nil {
		return nil, fmt.Errorf("looking up last sync: %w", err)
	} else if last != nil {
		since = last.StartedAt.Add(-syncOverlap)
	}
	return s.runFrom(ctx, since)
}

// Rebuild wipes lots and disposals, then replays the venue's history from
// the beginning. Persisted fills dedupe on the way back in, so a rebuild
// lands on the same book.
func (s *Syncer) Rebuild(ctx context.Context) (*database.SyncRun, error) {
	if err := s.repo.PurgeFiscalState(ctx); err != nil {
		return nil, fmt.Errorf("purging fiscal state: %w", err)
	}
	s.logger.Warn().Msg("Fiscal state purged, replaying full history")
	return s.runFrom(ctx, time.Time{})
}

func (s *Syncer) runFrom(ctx context.Context, since time.Time) (*database.SyncRun, error) {
	run := &database.SyncRun{
		ID:        uuid.New().String(),
		Venue:     s.data.Name(),
		StartedAt: s.now().UTC(),
		Status:    database.SyncStatusRunning,
	}
	if err := s.repo.CreateSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("recording sync run: %w", err)
	}

	err := s.sync(ctx, run, since)

	finished := s.now().UTC()
	run.FinishedAt = &finished
	if err != nil {
		run.Status = database.SyncStatusError
		msg := err.Error()
		run.Error = &msg
	} else {
		run.Status = database.SyncStatusOK
	}
	if ferr := s.repo.FinishSyncRun(ctx, run); ferr != nil {
		s.logger.Error().Err(ferr).Str("run_id", run.ID).Msg("Failed to finalize sync run")
	}

	if err != nil {
		s.bus.PublishError("fisco", "fiscal sync failed", err)
		return run, err
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Int("fills", run.FillsFetched).
		Int("lots", run.LotsCreated).
		Int("disposals", run.DisposalsCreated).
		Int("warnings", run.Warnings).
		Msg("Fiscal sync completed")

	s.bus.Publish(events.Event{
		Type:    events.EventFiscoSyncDone,
		Message: fmt.Sprintf("fiscal sync: %d fills, %d lots, %d disposals", run.FillsFetched, run.LotsCreated, run.DisposalsCreated),
		Data: map[string]interface{}{
			"run_id":    run.ID,
			"fills":     run.FillsFetched,
			"lots":      run.LotsCreated,
			"disposals": run.DisposalsCreated,
			"warnings":  run.Warnings,
		},
	})
	return run, nil
}

func (s *Syncer) sync(ctx context.Context, run *database.SyncRun, since time.Time) error {
	fills, err := s.data.ListFills(ctx, since)
	if err != nil {
		return fmt.Errorf("listing fills: %w", err)
	}

	sort.Slice(fills, func(i, j int) bool {
		if !fills[i].Time.Equal(fills[j].Time) {
			return fills[i].Time.Before(fills[j].Time)
		}
		return fills[i].ID < fills[j].ID
	})

	for _, f := range fills {
		record := fillRecord(s.data.Name(), f)
		if _, err := s.repo.RecordFill(ctx, record); err != nil {
			return fmt.Errorf("recording fill %s: %w", f.ID, err)
		}
		run.FillsFetched++
		if err := s.processFill(ctx, run, record); err != nil {
			return err
		}
	}

	if lp, ok := s.data.(exchange.LedgerProvider); ok {
		if err := s.syncLedger(ctx, run, lp, since); err != nil {
			return err
		}
	}
	return nil
}

// processFill turns one persisted fill into fiscal entries. Buys become
// lots; sells consume the book FIFO. Both sides dedupe on the fill
// reference, so reprocessing is a no-op.
func (s *Syncer) processFill(ctx context.Context, run *database.SyncRun, fill *database.Fill) error {
	base, quote := exchange.SplitPair(fill.Pair)
	ref := FillRef(fill.Venue, fill.VenueFillID)

	rate, err := s.rates.RateToEUR(ctx, quote, fill.ExecutedAt)
	if err != nil {
		return fmt.Errorf("rate for %s: %w", fill.Pair, err)
	}

	notional := fill.Price.Mul(fill.Quantity)

	switch fill.Side {
	case "buy", "BUY":
		lot := NewLot(Acquisition{
			Asset:      base,
			Quantity:   fill.Quantity,
			CostEUR:    notional.Add(fill.Fee).Mul(rate),
			FeeEUR:     fill.Fee.Mul(rate),
			Source:     database.LotSourceTrade,
			FillRef:    ref,
			AcquiredAt: fill.ExecutedAt,
		})
		inserted, err := s.repo.CreateLot(ctx, lot)
		if err != nil {
			return fmt.Errorf("creating lot for %s: %w", ref, err)
		}
		if inserted {
			run.LotsCreated++
		}

	case "sell", "SELL":
		done, err := s.repo.HasDisposalsForFill(ctx, ref)
		if err != nil {
			return fmt.Errorf("checking disposals for %s: %w", ref, err)
		}
		if done {
			return nil
		}
		sale := Sale{
			Asset:       base,
			Quantity:    fill.Quantity,
			ProceedsEUR: notional.Sub(fill.Fee).Mul(rate),
			FillRef:     ref,
			DisposedAt:  fill.ExecutedAt,
		}
		if err := s.applySale(ctx, run, sale); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) applySale(ctx context.Context, run *database.SyncRun, sale Sale) error {
	lots, err := s.repo.GetOpenLotsFIFO(ctx, sale.Asset)
	if err != nil {
		return fmt.Errorf("loading lots for %s: %w", sale.Asset, err)
	}

	disposals, remaining := MatchSale(lots, sale)
	if len(disposals) == 0 {
		return nil
	}
	if err := s.repo.ApplySale(ctx, disposals, remaining); err != nil {
		return fmt.Errorf("applying sale %s: %w", sale.FillRef, err)
	}

	run.DisposalsCreated += len(disposals)
	for _, d := range disposals {
		if d.Warning {
			run.Warnings++
			s.logger.Warn().
				Str("asset", sale.Asset).
				Str("fill_ref", sale.FillRef).
				Str("quantity", d.Quantity.String()).
				Msg("Sell exceeds tracked lots, disposal recorded without cost basis")
		}
	}
	return nil
}

// syncLedger folds conversions and staking rewards into the book as
// synthetic acquisitions. A crypto-funded conversion also disposes the
// spent asset at its market value.
func (s *Syncer) syncLedger(ctx context.Context, run *database.SyncRun, lp exchange.LedgerProvider, since time.Time) error {
	entries, err := lp.GetLedger(ctx, since)
	if err != nil {
		return fmt.Errorf("listing ledger: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Time.Equal(entries[j].Time) {
			return entries[i].Time.Before(entries[j].Time)
		}
		return entries[i].ID < entries[j].ID
	})

	type conversion struct {
		spend   *exchange.LedgerEntry
		receive *exchange.LedgerEntry
	}
	conversions := make(map[string]*conversion)
	order := make([]string, 0)

	for i := range entries {
		e := &entries[i]
		switch e.Type {
		case exchange.LedgerStaking:
			if err := s.processStaking(ctx, run, e); err != nil {
				return err
			}
		case exchange.LedgerSpend, exchange.LedgerReceive:
			c, ok := conversions[e.RefID]
			if !ok {
				c = &conversion{}
				conversions[e.RefID] = c
				order = append(order, e.RefID)
			}
			if e.Type == exchange.LedgerSpend {
				c.spend = e
			} else {
				c.receive = e
			}
		}
	}

	for _, ref := range order {
		c := conversions[ref]
		if c.spend == nil || c.receive == nil {
			s.logger.Debug().Str("ref_id", ref).Msg("Skipping half-seen conversion")
			continue
		}
		if err := s.processConversion(ctx, run, c.spend, c.receive); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) processStaking(ctx context.Context, run *database.SyncRun, e *exchange.LedgerEntry) error {
	if e.Amount <= 0 || e.Asset == "EUR" {
		return nil
	}

	qty := decimal.NewFromFloat(e.Amount)
	cost := decimal.Zero
	if s.cfg.ValueStaking {
		price, err := s.valuationPrice(ctx, e.Asset, e.Time)
		if err != nil {
			return fmt.Errorf("valuing staking reward %s: %w", e.ID, err)
		}
		cost = price.Mul(qty)
	}

	lot := NewLot(Acquisition{
		Asset:      e.Asset,
		Quantity:   qty,
		CostEUR:    cost,
		Source:     database.LotSourceStaking,
		FillRef:    LedgerRef(e.ID),
		AcquiredAt: e.Time,
	})
	inserted, err := s.repo.CreateLot(ctx, lot)
	if err != nil {
		return fmt.Errorf("creating staking lot %s: %w", e.ID, err)
	}
	if inserted {
		run.LotsCreated++
	}
	return nil
}

func (s *Syncer) processConversion(ctx context.Context, run *database.SyncRun, spend, receive *exchange.LedgerEntry) error {
	spent := decimal.NewFromFloat(-spend.Amount)
	if !spent.IsPositive() {
		return nil
	}

	// EUR value of the conversion, taken from whichever leg is simplest.
	var valueEUR decimal.Decimal
	switch {
	case spend.Asset == "EUR":
		valueEUR = spent
	case receive.Asset == "EUR":
		valueEUR = decimal.NewFromFloat(receive.Amount)
	default:
		price, err := s.valuationPrice(ctx, spend.Asset, spend.Time)
		if err != nil {
			return fmt.Errorf("valuing conversion %s: %w", spend.RefID, err)
		}
		valueEUR = price.Mul(spent)
	}

	// Spending crypto disposes it.
	if spend.Asset != "EUR" {
		ref := LedgerRef(spend.ID)
		done, err := s.repo.HasDisposalsForFill(ctx, ref)
		if err != nil {
			return fmt.Errorf("checking conversion disposal %s: %w", ref, err)
		}
		if !done {
			sale := Sale{
				Asset:       spend.Asset,
				Quantity:    spent,
				ProceedsEUR: valueEUR,
				FillRef:     ref,
				DisposedAt:  spend.Time,
			}
			if err := s.applySale(ctx, run, sale); err != nil {
				return err
			}
		}
	}

	// Receiving crypto opens a lot at the conversion value.
	if receive.Asset != "EUR" && receive.Amount > 0 {
		lot := NewLot(Acquisition{
			Asset:      receive.Asset,
			Quantity:   decimal.NewFromFloat(receive.Amount),
			CostEUR:    valueEUR,
			Source:     database.LotSourceConversion,
			FillRef:    LedgerRef(receive.ID),
			AcquiredAt: receive.Time,
		})
		inserted, err := s.repo.CreateLot(ctx, lot)
		if err != nil {
			return fmt.Errorf("creating conversion lot %s: %w", receive.ID, err)
		}
		if inserted {
			run.LotsCreated++
		}
	}
	return nil
}

// valuationPrice returns the EUR price of an asset at a moment, preferring
// the daily candle covering it and falling back to the live ticker.
func (s *Syncer) valuationPrice(ctx context.Context, asset string, at time.Time) (decimal.Decimal, error) {
	pair := asset + "/EUR"

	candles, err := s.data.GetOHLC(ctx, pair, exchange.Interval1d, 400)
	if err == nil {
		for i := len(candles) - 1; i >= 0; i-- {
			if !candles[i].OpenTime.After(at) {
				return decimal.NewFromFloat(candles[i].Close), nil
			}
		}
	}

	ticker, err := s.data.GetTicker(ctx, pair)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(ticker.Mid()), nil
}

// FillRef is the lot/disposal reference for a venue fill.
func FillRef(venue, fillID string) string {
	return venue + ":" + fillID
}

// LedgerRef is the lot/disposal reference for a ledger entry.
func LedgerRef(entryID string) string {
	return "ledger:" + entryID
}

func fillRecord(venue string, f exchange.Fill) *database.Fill {
	record := &database.Fill{
		Venue:       venue,
		VenueFillID: f.ID,
		Pair:        f.Pair,
		Side:        string(f.Side),
		Price:       decimal.NewFromFloat(f.Price),
		Quantity:    decimal.NewFromFloat(f.Quantity),
		Fee:         decimal.NewFromFloat(f.Fee),
		ExecutedAt:  f.Time,
	}
	if f.OrderID != "" {
		id := f.OrderID
		record.VenueOrderID = &id
	}
	if f.ClientOrderID != "" {
		id := f.ClientOrderID
		record.ClientOrderID = &id
	}
	if f.FeeCurrency != "" {
		c := f.FeeCurrency
		record.FeeCurrency = &c
	}
	if f.QuoteCurrency != "" {
		c := f.QuoteCurrency
		record.QuoteCurrency = &c
	}
	return record
}
