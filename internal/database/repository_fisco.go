package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ============================================================================
// LOTS
// ============================================================================

// CreateLot inserts an acquisition lot. Returns false when a lot with the
// same fill reference already exists, which keeps replays idempotent.
func (r *Repository) CreateLot(ctx context.Context, lot *Lot) (bool, error) {
	query := `
		INSERT INTO lots (id, asset, quantity, remaining, unit_cost_eur, fee_eur, source, fill_ref, acquired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (fill_ref) DO NOTHING
		RETURNING seq, created_at
	`
	err := r.db.Pool.QueryRow(
		ctx, query,
		lot.ID, lot.Asset, lot.Quantity, lot.Remaining, lot.UnitCostEUR, lot.FeeEUR,
		lot.Source, lot.FillRef, lot.AcquiredAt,
	).Scan(&lot.Seq, &lot.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetOpenLotsFIFO retrieves lots with remaining quantity for an asset in
// strict FIFO order: acquisition time, then the insertion sequence for ties.
// The sequence makes equal-timestamp consumption deterministic across
// rebuilds.
func (r *Repository) GetOpenLotsFIFO(ctx context.Context, asset string) ([]*Lot, error) {
	query := lotColumns + `
		WHERE asset = $1 AND remaining > 0
		ORDER BY acquired_at ASC, seq ASC
	`
	return r.queryLots(ctx, query, asset)
}

const lotColumns = `
	SELECT id, seq, asset, quantity, remaining, unit_cost_eur, fee_eur, source, fill_ref, acquired_at, created_at
	FROM lots`

func (r *Repository) queryLots(ctx context.Context, query string, args ...interface{}) ([]*Lot, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []*Lot
	for rows.Next() {
		lot := &Lot{}
		err := rows.Scan(
			&lot.ID, &lot.Seq, &lot.Asset, &lot.Quantity, &lot.Remaining, &lot.UnitCostEUR,
			&lot.FeeEUR, &lot.Source, &lot.FillRef, &lot.AcquiredAt, &lot.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// ============================================================================
// DISPOSALS
// ============================================================================

// ApplySale atomically writes the disposals produced by one sell and the
// updated remaining quantities of the lots it consumed. Either everything
// lands or nothing does.
func (r *Repository) ApplySale(ctx context.Context, disposals []*Disposal, lotRemaining map[string]decimal.Decimal) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for lotID, remaining := range lotRemaining {
		if _, err := tx.Exec(ctx,
			`UPDATE lots SET remaining = $2 WHERE id = $1`,
			lotID, remaining,
		); err != nil {
			return err
		}
	}

	for _, d := range disposals {
		err := tx.QueryRow(ctx,
			`INSERT INTO disposals (id, asset, quantity, proceeds_eur, cost_eur, gain_eur, lot_id, warning, fill_ref, disposed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 RETURNING created_at`,
			d.ID, d.Asset, d.Quantity, d.ProceedsEUR, d.CostEUR, d.GainEUR,
			d.LotID, d.Warning, d.FillRef, d.DisposedAt,
		).Scan(&d.CreatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// HasDisposalsForFill reports whether a sell fill was already matched. Used
// to skip fills whose disposals survived an interrupted run.
func (r *Repository) HasDisposalsForFill(ctx context.Context, fillRef string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM disposals WHERE fill_ref = $1)`,
		fillRef,
	).Scan(&exists)
	return exists, err
}

// GetDisposalsBetween retrieves disposals in a date range, oldest first.
func (r *Repository) GetDisposalsBetween(ctx context.Context, from, to time.Time) ([]*Disposal, error) {
	query := disposalColumns + `
		WHERE disposed_at >= $1 AND disposed_at < $2
		ORDER BY disposed_at ASC, created_at ASC
	`
	return r.queryDisposals(ctx, query, from, to)
}

// GainTotals aggregates disposals in a date range. Warning disposals carry
// no cost basis, so the clean figures exclude them.
type GainTotals struct {
	ProceedsEUR decimal.Decimal `json:"proceeds_eur"`
	CostEUR     decimal.Decimal `json:"cost_eur"`
	GainEUR     decimal.Decimal `json:"gain_eur"`
	Disposals   int             `json:"disposals"`
	Warnings    int             `json:"warnings"`
}

// SumGains aggregates disposals in a date range, optionally excluding the
// warning rows.
func (r *Repository) SumGains(ctx context.Context, from, to time.Time, excludeWarnings bool) (*GainTotals, error) {
	query := `
		SELECT COALESCE(SUM(proceeds_eur), 0), COALESCE(SUM(cost_eur), 0), COALESCE(SUM(gain_eur), 0),
		       COUNT(*), COUNT(*) FILTER (WHERE warning)
		FROM disposals
		WHERE disposed_at >= $1 AND disposed_at < $2
	`
	if excludeWarnings {
		query += ` AND NOT warning`
	}
	totals := &GainTotals{}
	err := r.db.Pool.QueryRow(ctx, query, from, to).Scan(
		&totals.ProceedsEUR, &totals.CostEUR, &totals.GainEUR, &totals.Disposals, &totals.Warnings,
	)
	if err != nil {
		return nil, err
	}
	return totals, nil
}

// PurgeFiscalState deletes all disposals and lots so a full rebuild can
// replay from persisted fills.
func (r *Repository) PurgeFiscalState(ctx context.Context) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM disposals`); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM lots`); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const disposalColumns = `
	SELECT id, asset, quantity, proceeds_eur, cost_eur, gain_eur, lot_id, warning, fill_ref, disposed_at, created_at
	FROM disposals`

func (r *Repository) queryDisposals(ctx context.Context, query string, args ...interface{}) ([]*Disposal, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var disposals []*Disposal
	for rows.Next() {
		d := &Disposal{}
		err := rows.Scan(
			&d.ID, &d.Asset, &d.Quantity, &d.ProceedsEUR, &d.CostEUR, &d.GainEUR,
			&d.LotID, &d.Warning, &d.FillRef, &d.DisposedAt, &d.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		disposals = append(disposals, d)
	}
	return disposals, rows.Err()
}

// ============================================================================
// SYNC HISTORY
// ============================================================================

// CreateSyncRun records the start of a FIFO sync pass.
func (r *Repository) CreateSyncRun(ctx context.Context, run *SyncRun) error {
	return r.db.Pool.QueryRow(ctx,
		`INSERT INTO fisco_sync_history (id, venue, started_at, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		run.ID, run.Venue, run.StartedAt, run.Status,
	).Scan(&run.CreatedAt)
}

// FinishSyncRun records the outcome of a sync pass.
func (r *Repository) FinishSyncRun(ctx context.Context, run *SyncRun) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE fisco_sync_history
		 SET finished_at = $2, fills_fetched = $3, lots_created = $4, disposals_created = $5,
		     warnings = $6, status = $7, error = $8
		 WHERE id = $1`,
		run.ID, run.FinishedAt, run.FillsFetched, run.LotsCreated, run.DisposalsCreated,
		run.Warnings, run.Status, run.Error,
	)
	return err
}

// GetLastSuccessfulSync retrieves the most recent completed sync for a
// venue, or nil. The next incremental sync starts from here.
func (r *Repository) GetLastSuccessfulSync(ctx context.Context, venue string) (*SyncRun, error) {
	run, err := r.scanSyncRun(r.db.Pool.QueryRow(ctx,
		syncRunColumns+` WHERE venue = $1 AND status = 'ok' ORDER BY started_at DESC LIMIT 1`, venue,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// GetSyncHistory retrieves recent sync runs, newest first.
func (r *Repository) GetSyncHistory(ctx context.Context, limit int) ([]*SyncRun, error) {
	rows, err := r.db.Pool.Query(ctx,
		syncRunColumns+` ORDER BY started_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		run, err := r.scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

const syncRunColumns = `
	SELECT id, venue, started_at, finished_at, fills_fetched, lots_created,
	       disposals_created, warnings, status, error, created_at
	FROM fisco_sync_history`

func (r *Repository) scanSyncRun(row pgx.Row) (*SyncRun, error) {
	run := &SyncRun{}
	err := row.Scan(
		&run.ID, &run.Venue, &run.StartedAt, &run.FinishedAt, &run.FillsFetched,
		&run.LotsCreated, &run.DisposalsCreated, &run.Warnings, &run.Status,
		&run.Error, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ============================================================================
// FX RATES
// ============================================================================

// GetFXRate retrieves the stored rate for a date and pair, or nil.
func (r *Repository) GetFXRate(ctx context.Context, date time.Time, pair string) (*FXRate, error) {
	rate := &FXRate{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT rate_date, pair, rate, source, created_at FROM fx_rates
		 WHERE rate_date = $1 AND pair = $2`,
		date, pair,
	).Scan(&rate.Date, &rate.Pair, &rate.Rate, &rate.Source, &rate.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rate, nil
}

// UpsertFXRate stores a conversion rate for a date.
func (r *Repository) UpsertFXRate(ctx context.Context, rate *FXRate) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO fx_rates (rate_date, pair, rate, source)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (rate_date, pair) DO UPDATE SET rate = EXCLUDED.rate, source = EXCLUDED.source`,
		rate.Date, rate.Pair, rate.Rate, rate.Source,
	)
	return err
}

// ============================================================================
// FISCAL ALERT CONFIG
// ============================================================================

// GetFiscoAlertConfig retrieves the alert thresholds, creating the default
// row on first call.
func (r *Repository) GetFiscoAlertConfig(ctx context.Context) (*FiscoAlertConfig, error) {
	cfg := &FiscoAlertConfig{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT enabled, threshold_eur, notify_chat_id, updated_at FROM fisco_alert_config WHERE id = 1`,
	).Scan(&cfg.Enabled, &cfg.ThresholdEUR, &cfg.NotifyChatID, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		cfg = &FiscoAlertConfig{ThresholdEUR: decimal.Zero, UpdatedAt: time.Now().UTC()}
		return cfg, r.SaveFiscoAlertConfig(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveFiscoAlertConfig upserts the alert thresholds.
func (r *Repository) SaveFiscoAlertConfig(ctx context.Context, cfg *FiscoAlertConfig) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO fisco_alert_config (id, enabled, threshold_eur, notify_chat_id, updated_at)
		 VALUES (1, $1, $2, $3, NOW())
		 ON CONFLICT (id) DO UPDATE
		 SET enabled = EXCLUDED.enabled, threshold_eur = EXCLUDED.threshold_eur,
		     notify_chat_id = EXCLUDED.notify_chat_id, updated_at = NOW()`,
		cfg.Enabled, cfg.ThresholdEUR, cfg.NotifyChatID,
	)
	return err
}
