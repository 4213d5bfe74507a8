package fisco

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/events"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
)

// GainSummary aggregates realized results.
type GainSummary struct {
	ProceedsEUR decimal.Decimal `json:"proceeds_eur"`
	CostEUR     decimal.Decimal `json:"cost_eur"`
	GainEUR     decimal.Decimal `json:"gain_eur"`
	Disposals   int             `json:"disposals"`
}

func (g *GainSummary) add(d *database.Disposal) {
	g.ProceedsEUR = g.ProceedsEUR.Add(d.ProceedsEUR)
	g.CostEUR = g.CostEUR.Add(d.CostEUR)
	g.GainEUR = g.GainEUR.Add(d.GainEUR)
	g.Disposals++
}

// Report summarizes realized results for a period. Total includes every
// disposal; Clean excludes the warning rows whose cost basis is unknown, so
// both the optimistic and the defensible figure are always available.
type Report struct {
	From     time.Time               `json:"from"`
	To       time.Time               `json:"to"`
	Total    GainSummary             `json:"total"`
	Clean    GainSummary             `json:"clean"`
	ByAsset  map[string]*GainSummary `json:"by_asset"`
	Warnings int                     `json:"warnings"`
}

// Reporter builds fiscal reports from the disposal book.
type Reporter struct {
	repo   *database.Repository
	bus    *events.EventBus
	logger zerolog.Logger
}

func NewReporter(repo *database.Repository, bus *events.EventBus) *Reporter {
	return &Reporter{
		repo:   repo,
		bus:    bus,
		logger: logging.Component("fisco.report"),
	}
}

// Generate aggregates disposals in [from, to).
func (r *Reporter) Generate(ctx context.Context, from, to time.Time) (*Report, error) {
	disposals, err := r.repo.GetDisposalsBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("loading disposals: %w", err)
	}

	report := &Report{
		From:    from,
		To:      to,
		ByAsset: make(map[string]*GainSummary),
	}
	for _, d := range disposals {
		report.Total.add(d)
		if d.Warning {
			report.Warnings++
		} else {
			report.Clean.add(d)
		}
		summary, ok := report.ByAsset[d.Asset]
		if !ok {
			summary = &GainSummary{}
			report.ByAsset[d.Asset] = summary
		}
		summary.add(d)
	}

	r.logger.Info().
		Time("from", from).
		Time("to", to).
		Int("disposals", report.Total.Disposals).
		Str("gain_eur", report.Total.GainEUR.StringFixed(2)).
		Msg("Fiscal report generated")

	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:    events.EventFiscoReportReady,
			Message: fmt.Sprintf("fiscal report %d-%d: %s EUR realized", from.Year(), to.Year(), report.Total.GainEUR.StringFixed(2)),
			Data: map[string]interface{}{
				"from":      from.Format("2006-01-02"),
				"to":        to.Format("2006-01-02"),
				"gain_eur":  report.Total.GainEUR.StringFixed(2),
				"disposals": report.Total.Disposals,
				"warnings":  report.Warnings,
			},
		})
	}
	return report, nil
}

// YearReport runs Generate over one calendar year, UTC.
func (r *Reporter) YearReport(ctx context.Context, year int) (*Report, error) {
	from := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	return r.Generate(ctx, from, from.AddDate(1, 0, 0))
}

// CheckAlert compares year-to-date realized gains against the configured
// threshold. Returns the gain, the threshold and true when it is crossed.
func (r *Reporter) CheckAlert(ctx context.Context) (gain, threshold decimal.Decimal, crossed bool, err error) {
	cfg, err := r.repo.GetFiscoAlertConfig(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, fmt.Errorf("loading alert config: %w", err)
	}
	if !cfg.Enabled {
		return decimal.Zero, decimal.Zero, false, nil
	}

	now := time.Now().UTC()
	from := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	totals, err := r.repo.SumGains(ctx, from, now, false)
	if err != nil {
		return decimal.Zero, cfg.ThresholdEUR, false, fmt.Errorf("summing gains: %w", err)
	}
	return totals.GainEUR, cfg.ThresholdEUR, totals.GainEUR.GreaterThanOrEqual(cfg.ThresholdEUR), nil
}
