// Package scheduler runs the time-driven jobs: the periodic heartbeat, the
// daily operator report and the nightly fiscal sync. One goroutine per job;
// a panicking job is contained and retried at its next slot.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/engine"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/notify"
)

// EngineSource is the engine slice the jobs read.
type EngineSource interface {
	Status() engine.Status
	Positions(ctx context.Context) ([]engine.PositionView, error)
	Portfolio(ctx context.Context) (*engine.Portfolio, error)
}

// Store is the repository slice the jobs persist through.
type Store interface {
	GetBotConfig(ctx context.Context) (*database.BotConfig, error)
	SaveBotConfig(ctx context.Context, cfg *database.BotConfig) error
	GetRealizedPnLSince(ctx context.Context, since time.Time) (float64, error)
	GetClosedPositionsSince(ctx context.Context, since time.Time) ([]*database.Position, error)
}

// FiscoSyncer runs one incremental fiscal sync.
type FiscoSyncer interface {
	Run(ctx context.Context) (*database.SyncRun, error)
}

// AlertChecker reports year-to-date gains against the alert threshold.
type AlertChecker interface {
	CheckAlert(ctx context.Context) (gain, threshold decimal.Decimal, crossed bool, err error)
}

// Notifier enqueues operator notifications without blocking.
type Notifier interface {
	Notify(n notify.Notification)
}

// Scheduler owns the three timer loops. Construct with New, call Start once;
// jobs stop when the context is canceled.
type Scheduler struct {
	cfg      config.SchedulerConfig
	fiscoCfg config.FiscoConfig
	eng      EngineSource
	store    Store
	syncer   FiscoSyncer // nil when the fiscal module is disabled
	alerts   AlertChecker
	notif    Notifier
	loc      *time.Location
	logger   zerolog.Logger
	wg       sync.WaitGroup
	now      func() time.Time
}

func New(cfg config.SchedulerConfig, fiscoCfg config.FiscoConfig, eng EngineSource, store Store, syncer FiscoSyncer, alerts AlertChecker, notif Notifier) *Scheduler {
	loc, err := time.LoadLocation(cfg.ReportTimezone)
	if err != nil {
		loc = time.UTC
	}
	s := &Scheduler{
		cfg:      cfg,
		fiscoCfg: fiscoCfg,
		eng:      eng,
		store:    store,
		syncer:   syncer,
		alerts:   alerts,
		notif:    notif,
		loc:      loc,
		logger:   logging.Component("scheduler"),
		now:      time.Now,
	}
	if err != nil {
		s.logger.Warn().Str("timezone", cfg.ReportTimezone).Msg("Unknown report timezone, using UTC")
	}
	return s
}

// SetNow injects a deterministic clock.
func (s *Scheduler) SetNow(now func() time.Time) {
	s.now = now
}

// Start launches the job loops and returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	heartbeat := time.Duration(s.cfg.HeartbeatHours) * time.Hour
	s.launch(ctx, "heartbeat", s.runHeartbeat, func(now time.Time) time.Time {
		return now.Add(heartbeat)
	})
	s.launch(ctx, "daily_report", s.runDailyReport, func(now time.Time) time.Time {
		return nextDaily(now, s.cfg.DailyReportHour, s.loc)
	})
	if s.syncer != nil {
		s.launch(ctx, "fisco_sync", s.runFiscoSync, func(now time.Time) time.Time {
			return nextDaily(now, s.fiscoCfg.SyncHour, s.loc)
		})
	}
	s.logger.Info().
		Int("heartbeat_hours", s.cfg.HeartbeatHours).
		Int("report_hour", s.cfg.DailyReportHour).
		Str("timezone", s.loc.String()).
		Bool("fisco", s.syncer != nil).
		Msg("Scheduler started")
}

// Wait blocks until every job loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) launch(ctx context.Context, name string, job func(context.Context), next func(time.Time) time.Time) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			wait := next(s.now()).Sub(s.now())
			if wait < time.Second {
				wait = time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			s.runJob(ctx, name, job)
		}
	}()
}

// runJob contains a job's panics so one bad run never kills the loop.
func (s *Scheduler) runJob(ctx context.Context, name string, job func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("job", name).Interface("panic", r).Msg("Job panicked")
		}
	}()
	start := s.now()
	s.logger.Info().Str("job", name).Msg("Job started")
	job(ctx)
	s.logger.Info().Str("job", name).Dur("took", s.now().Sub(start)).Msg("Job finished")
}

// nextDaily returns the next occurrence of hour:00 in loc strictly after now.
func nextDaily(now time.Time, hour int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s *Scheduler) runHeartbeat(ctx context.Context) {
	st := s.eng.Status()
	s.notif.Notify(&notify.Heartbeat{
		Uptime:        s.now().Sub(st.StartedAt),
		Ticks:         st.Ticks,
		OpenPositions: st.OpenPositions,
		Venue:         st.Venue,
		Paused:        st.Paused,
	})
}

// runDailyReport builds and sends the once-a-day summary. The last-sent date
// persisted in bot_config guards against a double send after a restart near
// the report hour.
func (s *Scheduler) runDailyReport(ctx context.Context) {
	now := s.now().In(s.loc)

	bc, err := s.store.GetBotConfig(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Daily report skipped, config unreadable")
		return
	}
	if bc != nil && bc.LastReportDate != nil && sameLocalDay(*bc.LastReportDate, now, s.loc) {
		s.logger.Debug().Msg("Daily report already sent today")
		return
	}

	report, err := s.buildDailyReport(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("Daily report build failed")
		return
	}
	s.notif.Notify(report)

	if bc == nil {
		bc = &database.BotConfig{TradingVenue: s.eng.Status().Venue}
	}
	sent := now
	bc.LastReportDate = &sent
	if err := s.store.SaveBotConfig(ctx, bc); err != nil {
		s.logger.Error().Err(err).Msg("Could not persist report date")
	}
}

func (s *Scheduler) buildDailyReport(ctx context.Context, now time.Time) (*notify.DailyReport, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)

	pnl, err := s.store.GetRealizedPnLSince(ctx, midnight)
	if err != nil {
		return nil, fmt.Errorf("reading realized P&L: %w", err)
	}
	closed, err := s.store.GetClosedPositionsSince(ctx, midnight)
	if err != nil {
		return nil, fmt.Errorf("reading closed positions: %w", err)
	}
	wins := 0
	for _, pos := range closed {
		if pos.RealizedPnL != nil && *pos.RealizedPnL > 0 {
			wins++
		}
	}

	st := s.eng.Status()
	report := &notify.DailyReport{
		Date:        now.Format("2006-01-02"),
		Venue:       st.Venue,
		RealizedPnL: pnl,
		Trades:      len(closed),
		Wins:        wins,
		Paused:      st.Paused,
	}

	if views, err := s.eng.Positions(ctx); err == nil {
		for _, v := range views {
			report.OpenPositions = append(report.OpenPositions, notify.PositionLine{
				Pair:     v.Pair,
				State:    v.State,
				Quantity: v.Quantity,
				Entry:    v.EntryPrice,
				Current:  v.CurrentPrice,
				Stop:     v.StopPrice,
				PnL:      v.PnL,
				PnLPct:   v.PnLPct,
			})
		}
	} else {
		s.logger.Warn().Err(err).Msg("Daily report without positions")
	}
	if pf, err := s.eng.Portfolio(ctx); err == nil {
		report.FreeQuoteEUR = pf.FreeEUR
		report.TotalEUR = pf.TotalEUR
	} else {
		s.logger.Warn().Err(err).Msg("Daily report without portfolio valuation")
	}
	return report, nil
}

func (s *Scheduler) runFiscoSync(ctx context.Context) {
	run, err := s.syncer.Run(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Fiscal sync failed")
		if run != nil {
			s.notif.Notify(&notify.FiscoSyncSummary{
				Venue:  run.Venue,
				Status: run.Status,
				Error:  err.Error(),
			})
		}
		return
	}
	s.notif.Notify(&notify.FiscoSyncSummary{
		Venue:     run.Venue,
		Fills:     run.FillsFetched,
		Lots:      run.LotsCreated,
		Disposals: run.DisposalsCreated,
		Warnings:  run.Warnings,
		Status:    run.Status,
	})
	s.checkFiscoAlert(ctx)
}

// checkFiscoAlert runs after a successful sync, when the disposal book is
// freshest.
func (s *Scheduler) checkFiscoAlert(ctx context.Context) {
	if s.alerts == nil {
		return
	}
	gain, threshold, crossed, err := s.alerts.CheckAlert(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Fiscal alert check failed")
		return
	}
	if !crossed {
		return
	}
	s.notif.Notify(&notify.FiscoAlert{
		Year:         s.now().UTC().Year(),
		GainEUR:      gain.StringFixed(2),
		ThresholdEUR: threshold.StringFixed(2),
	})
}

func sameLocalDay(a, b time.Time, loc *time.Location) bool {
	a, b = a.In(loc), b.In(loc)
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
