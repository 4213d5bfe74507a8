package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/engine"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/notify"
)

type stubEngine struct {
	status    engine.Status
	positions []engine.PositionView
	portfolio *engine.Portfolio
}

func (s *stubEngine) Status() engine.Status { return s.status }
func (s *stubEngine) Positions(ctx context.Context) ([]engine.PositionView, error) {
	return s.positions, nil
}
func (s *stubEngine) Portfolio(ctx context.Context) (*engine.Portfolio, error) {
	if s.portfolio == nil {
		return &engine.Portfolio{Venue: s.status.Venue}, nil
	}
	return s.portfolio, nil
}

type stubStore struct {
	mu        sync.Mutex
	botConfig *database.BotConfig
	pnl       float64
	closed    []*database.Position
}

func (s *stubStore) GetBotConfig(ctx context.Context) (*database.BotConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.botConfig == nil {
		return nil, nil
	}
	cp := *s.botConfig
	return &cp, nil
}

func (s *stubStore) SaveBotConfig(ctx context.Context, cfg *database.BotConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.botConfig = &cp
	return nil
}

func (s *stubStore) GetRealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	return s.pnl, nil
}

func (s *stubStore) GetClosedPositionsSince(ctx context.Context, since time.Time) ([]*database.Position, error) {
	return s.closed, nil
}

type stubSyncer struct {
	run *database.SyncRun
	err error
}

func (s *stubSyncer) Run(ctx context.Context) (*database.SyncRun, error) { return s.run, s.err }

type stubAlerts struct {
	gain      decimal.Decimal
	threshold decimal.Decimal
	crossed   bool
	err       error
}

func (s *stubAlerts) CheckAlert(ctx context.Context) (decimal.Decimal, decimal.Decimal, bool, error) {
	return s.gain, s.threshold, s.crossed, s.err
}

type captureNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (c *captureNotifier) Notify(n notify.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
}

func (c *captureNotifier) all() []notify.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]notify.Notification, len(c.got))
	copy(out, c.got)
	return out
}

func testScheduler(t *testing.T) (*Scheduler, *stubStore, *captureNotifier) {
	t.Helper()
	eng := &stubEngine{
		status: engine.Status{
			Venue:         "kraken",
			Ticks:         120,
			OpenPositions: 1,
			StartedAt:     time.Now().Add(-3 * time.Hour),
		},
		positions: []engine.PositionView{{
			Pair: "BTC/EUR", State: "TRAILING", Quantity: 0.5,
			EntryPrice: 100, CurrentPrice: 107, StopPrice: 104.86, PnL: 3.5, PnLPct: 7,
		}},
		portfolio: &engine.Portfolio{Venue: "kraken", FreeEUR: 800, TotalEUR: 1500},
	}
	store := &stubStore{pnl: 12.5}
	notif := &captureNotifier{}
	s := New(
		config.SchedulerConfig{HeartbeatHours: 12, DailyReportHour: 14, ReportTimezone: "Europe/Madrid"},
		config.FiscoConfig{SyncHour: 8},
		eng, store, nil, nil, notif,
	)
	return s, store, notif
}

func TestNextDaily(t *testing.T) {
	madrid, err := time.LoadLocation("Europe/Madrid")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	// Before the hour: today.
	now := time.Date(2025, 6, 10, 9, 30, 0, 0, madrid)
	next := nextDaily(now, 14, madrid)
	if want := time.Date(2025, 6, 10, 14, 0, 0, 0, madrid); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	// At or past the hour: tomorrow.
	now = time.Date(2025, 6, 10, 14, 0, 0, 0, madrid)
	next = nextDaily(now, 14, madrid)
	if want := time.Date(2025, 6, 11, 14, 0, 0, 0, madrid); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestHeartbeatJob(t *testing.T) {
	s, _, notif := testScheduler(t)
	s.runHeartbeat(context.Background())

	got := notif.all()
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
	hb, ok := got[0].(*notify.Heartbeat)
	if !ok {
		t.Fatalf("notification type %T", got[0])
	}
	if hb.Venue != "kraken" || hb.Ticks != 120 || hb.OpenPositions != 1 {
		t.Fatalf("heartbeat = %+v", hb)
	}
	if hb.Uptime < 2*time.Hour {
		t.Fatalf("uptime = %v, want about 3h", hb.Uptime)
	}
}

func TestDailyReportJob(t *testing.T) {
	s, store, notif := testScheduler(t)
	win, loss := 5.0, -2.0
	now := time.Now()
	store.closed = []*database.Position{
		{Pair: "BTC/EUR", RealizedPnL: &win, ClosedAt: &now},
		{Pair: "ETH/EUR", RealizedPnL: &loss, ClosedAt: &now},
	}

	s.runDailyReport(context.Background())

	got := notif.all()
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
	report, ok := got[0].(*notify.DailyReport)
	if !ok {
		t.Fatalf("notification type %T", got[0])
	}
	if report.Trades != 2 || report.Wins != 1 {
		t.Fatalf("report = %d trades %d wins, want 2/1", report.Trades, report.Wins)
	}
	if report.RealizedPnL != 12.5 || report.TotalEUR != 1500 {
		t.Fatalf("report = %+v", report)
	}
	if len(report.OpenPositions) != 1 || report.OpenPositions[0].Pair != "BTC/EUR" {
		t.Fatalf("open positions = %+v", report.OpenPositions)
	}

	// The sent date must be persisted for the double-send guard.
	bc, _ := store.GetBotConfig(context.Background())
	if bc == nil || bc.LastReportDate == nil {
		t.Fatal("report date not persisted")
	}

	// A second run on the same day is suppressed.
	s.runDailyReport(context.Background())
	if n := len(notif.all()); n != 1 {
		t.Fatalf("notifications after rerun = %d, want 1", n)
	}
}

func TestDailyReportResendsNextDay(t *testing.T) {
	s, store, notif := testScheduler(t)
	yesterday := time.Now().AddDate(0, 0, -1)
	store.botConfig = &database.BotConfig{TradingVenue: "kraken", LastReportDate: &yesterday}

	s.runDailyReport(context.Background())
	if n := len(notif.all()); n != 1 {
		t.Fatalf("notifications = %d, want 1 (yesterday's date must not suppress)", n)
	}
}

func TestFiscoSyncJob(t *testing.T) {
	s, _, notif := testScheduler(t)
	s.syncer = &stubSyncer{run: &database.SyncRun{
		Venue:            "kraken",
		FillsFetched:     8,
		LotsCreated:      3,
		DisposalsCreated: 2,
		Warnings:         1,
		Status:           database.SyncStatusOK,
	}}

	s.runFiscoSync(context.Background())

	got := notif.all()
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
	sum, ok := got[0].(*notify.FiscoSyncSummary)
	if !ok {
		t.Fatalf("notification type %T", got[0])
	}
	if sum.Fills != 8 || sum.Lots != 3 || sum.Disposals != 2 || sum.Warnings != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.Status != database.SyncStatusOK {
		t.Fatalf("status = %s", sum.Status)
	}
}

func TestFiscoSyncAlertsWhenThresholdCrossed(t *testing.T) {
	s, _, notif := testScheduler(t)
	s.syncer = &stubSyncer{run: &database.SyncRun{Venue: "kraken", Status: database.SyncStatusOK}}
	s.alerts = &stubAlerts{
		gain:      decimal.NewFromFloat(5200.50),
		threshold: decimal.NewFromInt(5000),
		crossed:   true,
	}

	s.runFiscoSync(context.Background())

	got := notif.all()
	if len(got) != 2 {
		t.Fatalf("notifications = %d, want sync summary + alert", len(got))
	}
	alert, ok := got[1].(*notify.FiscoAlert)
	if !ok {
		t.Fatalf("second notification type %T", got[1])
	}
	if alert.GainEUR != "5200.50" || alert.ThresholdEUR != "5000.00" {
		t.Fatalf("alert = %+v", alert)
	}
}

func TestFiscoSyncNoAlertBelowThreshold(t *testing.T) {
	s, _, notif := testScheduler(t)
	s.syncer = &stubSyncer{run: &database.SyncRun{Venue: "kraken", Status: database.SyncStatusOK}}
	s.alerts = &stubAlerts{
		gain:      decimal.NewFromInt(100),
		threshold: decimal.NewFromInt(5000),
	}

	s.runFiscoSync(context.Background())

	got := notif.all()
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want only the sync summary", len(got))
	}
	if _, ok := got[0].(*notify.FiscoSyncSummary); !ok {
		t.Fatalf("notification type %T", got[0])
	}
}

func TestRunJobContainsPanics(t *testing.T) {
	s, _, _ := testScheduler(t)
	s.runJob(context.Background(), "explosive", func(context.Context) {
		panic("boom")
	})
	// Reaching here is the assertion: the panic must not escape.
}
