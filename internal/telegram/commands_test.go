package telegram

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/engine"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/exchange"
)

// stubControl records the control calls the commands issue.
type stubControl struct {
	status      engine.Status
	closedPairs []string
	venues      []string
	closeErr    error
	venueErr    error
}

func (s *stubControl) Pause(ctx context.Context, reason string) error { return nil }
func (s *stubControl) Resume(ctx context.Context) error               { return nil }
func (s *stubControl) RequestClose(pair string) error {
	if s.closeErr != nil {
		return s.closeErr
	}
	s.closedPairs = append(s.closedPairs, pair)
	return nil
}
func (s *stubControl) RequestVenueChange(venue string) error {
	if s.venueErr != nil {
		return s.venueErr
	}
	s.venues = append(s.venues, venue)
	return nil
}
func (s *stubControl) Status() engine.Status                     { return s.status }
func (s *stubControl) Diagnostics() []engine.PairDiagnostic      { return nil }
func (s *stubControl) Positions(ctx context.Context) ([]engine.PositionView, error) {
	return nil, nil
}
func (s *stubControl) Portfolio(ctx context.Context) (*engine.Portfolio, error) {
	return &engine.Portfolio{Venue: s.status.Venue}, nil
}
func (s *stubControl) Exposure(ctx context.Context) (*engine.ExposureReport, error) {
	return &engine.ExposureReport{}, nil
}
func (s *stubControl) Balances(ctx context.Context) ([]exchange.Balance, error) {
	return nil, nil
}

// stubCmdStore backs the command router with canned data.
type stubCmdStore struct {
	chats    map[int64]*database.TelegramChat
	syncRuns []*database.SyncRun
}

func (s *stubCmdStore) GetTradeHistory(ctx context.Context, limit int) ([]*database.Trade, error) {
	return nil, nil
}
func (s *stubCmdStore) GetRecentEvents(ctx context.Context, limit int) ([]*database.BotEvent, error) {
	return nil, nil
}
func (s *stubCmdStore) GetEventByID(ctx context.Context, id int64) (*database.BotEvent, error) {
	return nil, nil
}
func (s *stubCmdStore) GetRealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	return 0, nil
}
func (s *stubCmdStore) GetSyncHistory(ctx context.Context, limit int) ([]*database.SyncRun, error) {
	return s.syncRuns, nil
}
func (s *stubCmdStore) ListAuthorizedChats(ctx context.Context) ([]*database.TelegramChat, error) {
	return nil, nil
}
func (s *stubCmdStore) GetTelegramChat(ctx context.Context, chatID int64) (*database.TelegramChat, error) {
	if s.chats == nil {
		return nil, nil
	}
	return s.chats[chatID], nil
}
func (s *stubCmdStore) SetChatAuthorized(ctx context.Context, chatID int64, authorized bool) error {
	return nil
}

type stubFiscalSyncer struct {
	runs     int
	rebuilds int
	run      *database.SyncRun
}

func (s *stubFiscalSyncer) Run(ctx context.Context) (*database.SyncRun, error) {
	s.runs++
	return s.run, nil
}

func (s *stubFiscalSyncer) Rebuild(ctx context.Context) (*database.SyncRun, error) {
	s.rebuilds++
	return s.run, nil
}

const (
	operatorChatID = int64(42)
	guestChatID    = int64(7)
)

func testCommandRouter(syncer FiscalSyncer) (*Router, *stubControl, *stubCmdStore) {
	control := &stubControl{status: engine.Status{Venue: "kraken", StartedAt: time.Now()}}
	store := &stubCmdStore{chats: map[int64]*database.TelegramChat{
		operatorChatID: {ChatID: operatorChatID, Authorized: true, IsOperator: true},
		guestChatID:    {ChatID: guestChatID, Authorized: true},
	}}
	return NewRouter(control, store, nil, syncer, nil, &config.Config{}), control, store
}

func TestCerrarQueuesManualClose(t *testing.T) {
	r, control, _ := testCommandRouter(nil)

	reply := r.Dispatch(context.Background(), operatorChatID, "/cerrar btc/eur")
	if !strings.Contains(reply, "Cierre manual de BTC/EUR") {
		t.Fatalf("reply = %q", reply)
	}
	if len(control.closedPairs) != 1 || control.closedPairs[0] != "BTC/EUR" {
		t.Fatalf("closed pairs = %v, want [BTC/EUR]", control.closedPairs)
	}
}

func TestCerrarRequiresOperator(t *testing.T) {
	r, control, _ := testCommandRouter(nil)

	reply := r.Dispatch(context.Background(), guestChatID, "/cerrar BTC/EUR")
	if reply != soloOperador {
		t.Fatalf("reply = %q, want operator gate", reply)
	}
	if len(control.closedPairs) != 0 {
		t.Fatalf("closed pairs = %v, want none", control.closedPairs)
	}
}

func TestCerrarWithoutPairShowsUsage(t *testing.T) {
	r, control, _ := testCommandRouter(nil)

	reply := r.Dispatch(context.Background(), operatorChatID, "/cerrar")
	if !strings.Contains(reply, "Uso: /cerrar") {
		t.Fatalf("reply = %q, want usage", reply)
	}
	reply = r.Dispatch(context.Background(), operatorChatID, "/cerrar BTCEUR")
	if !strings.Contains(reply, "Uso: /cerrar") {
		t.Fatalf("reply = %q, want usage for a pair without slash", reply)
	}
	if len(control.closedPairs) != 0 {
		t.Fatalf("closed pairs = %v, want none", control.closedPairs)
	}
}

func TestVenueWithoutArgsShowsCurrent(t *testing.T) {
	r, control, _ := testCommandRouter(nil)

	// Reading the venue is open to any authorized chat.
	reply := r.Dispatch(context.Background(), guestChatID, "/venue")
	if !strings.Contains(reply, "kraken") {
		t.Fatalf("reply = %q, want current venue", reply)
	}
	if len(control.venues) != 0 {
		t.Fatalf("venue changes = %v, want none", control.venues)
	}
}

func TestVenueChangeIsOperatorGated(t *testing.T) {
	r, control, _ := testCommandRouter(nil)

	reply := r.Dispatch(context.Background(), guestChatID, "/venue revolutx")
	if reply != soloOperador {
		t.Fatalf("reply = %q, want operator gate", reply)
	}

	reply = r.Dispatch(context.Background(), operatorChatID, "/venue RevolutX")
	if !strings.Contains(reply, "Cambio a <b>revolutx</b>") {
		t.Fatalf("reply = %q", reply)
	}
	if len(control.venues) != 1 || control.venues[0] != "revolutx" {
		t.Fatalf("venue changes = %v, want [revolutx]", control.venues)
	}

	reply = r.Dispatch(context.Background(), operatorChatID, "/venue binance")
	if !strings.Contains(reply, "Uso: /venue") {
		t.Fatalf("reply = %q, want usage for unknown venue", reply)
	}
}

func TestFiscoSyncHistory(t *testing.T) {
	r, _, store := testCommandRouter(nil)
	store.syncRuns = []*database.SyncRun{
		{Venue: "kraken", StartedAt: time.Now(), FillsFetched: 8, LotsCreated: 3, DisposalsCreated: 2, Status: database.SyncStatusOK},
		{Venue: "kraken", StartedAt: time.Now().Add(-24 * time.Hour), Status: "ERROR"},
	}

	reply := r.Dispatch(context.Background(), guestChatID, "/fisco_sync")
	if !strings.Contains(reply, "Sincronizaciones fiscales") {
		t.Fatalf("reply = %q", reply)
	}
	if !strings.Contains(reply, "✅") || !strings.Contains(reply, "❌") {
		t.Fatalf("reply = %q, want one ok and one failed run", reply)
	}
}

func TestFiscoSyncAhoraRunsSyncer(t *testing.T) {
	syncer := &stubFiscalSyncer{run: &database.SyncRun{
		Venue: "kraken", FillsFetched: 4, LotsCreated: 2, DisposalsCreated: 1, Status: database.SyncStatusOK,
	}}
	r, _, _ := testCommandRouter(syncer)

	reply := r.Dispatch(context.Background(), operatorChatID, "/fisco_sync ahora")
	if syncer.runs != 1 || syncer.rebuilds != 0 {
		t.Fatalf("runs = %d rebuilds = %d, want 1/0", syncer.runs, syncer.rebuilds)
	}
	if !strings.Contains(reply, "Sincronización fiscal") {
		t.Fatalf("reply = %q", reply)
	}

	r.Dispatch(context.Background(), operatorChatID, "/fisco_sync rebuild")
	if syncer.rebuilds != 1 {
		t.Fatalf("rebuilds = %d, want 1", syncer.rebuilds)
	}
}

func TestFiscoSyncMutationsNeedOperatorAndModule(t *testing.T) {
	syncer := &stubFiscalSyncer{run: &database.SyncRun{Venue: "kraken", Status: database.SyncStatusOK}}
	r, _, _ := testCommandRouter(syncer)

	if reply := r.Dispatch(context.Background(), guestChatID, "/fisco_sync ahora"); reply != soloOperador {
		t.Fatalf("reply = %q, want operator gate", reply)
	}
	if syncer.runs != 0 {
		t.Fatalf("runs = %d, want 0", syncer.runs)
	}

	disabled, _, _ := testCommandRouter(nil)
	reply := disabled.Dispatch(context.Background(), operatorChatID, "/fisco_sync ahora")
	if !strings.Contains(reply, "desactivado") {
		t.Fatalf("reply = %q, want disabled-module notice", reply)
	}
}
