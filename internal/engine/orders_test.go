package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/exchange"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/notify"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/strategy"
)

func TestClientOrderID(t *testing.T) {
	tests := []struct {
		pair string
		side exchange.Side
		tick int64
		want string
	}{
		{"BTC/EUR", exchange.SideBuy, 7, "KAT-BTCEUR-B-7"},
		{"BTC/EUR", exchange.SideSell, 7, "KAT-BTCEUR-S-7"},
		{"eth/eur", exchange.SideBuy, 42, "KAT-ETHEUR-B-42"},
		{"BTC-EUR", exchange.SideBuy, 100000, "KAT-BTCEUR-B-0"}, // tick wraps at 100000
		{"SOL/EUR", exchange.SideSell, 299999, "KAT-SOLEUR-S-99999"},
	}
	for _, tt := range tests {
		got := clientOrderID(tt.pair, tt.side, tt.tick)
		if got != tt.want {
			t.Errorf("clientOrderID(%q, %s, %d) = %q, want %q", tt.pair, tt.side, tt.tick, got, tt.want)
		}
		if len(got) > 32 {
			t.Errorf("%q exceeds 32 chars", got)
		}
		if again := clientOrderID(tt.pair, tt.side, tt.tick); again != got {
			t.Errorf("client order ID not deterministic: %q vs %q", got, again)
		}
	}
}

func TestSubmitWithRetryRecoversFromNonceErrors(t *testing.T) {
	rig := newTestRig(t, testConfig(false))
	rig.mock.SetTicker("BTC/EUR", 99.9, 100.1, 100)
	rig.mock.QueueError("SubmitOrder", &exchange.NonceError{Venue: "kraken", Msg: "EAPI:Invalid nonce"})
	rig.mock.QueueError("SubmitOrder", &exchange.NonceError{Venue: "kraken", Msg: "EAPI:Invalid nonce"})

	order, err := rig.engine.submitWithRetry(context.Background(), exchange.OrderRequest{
		Pair:          "BTC/EUR",
		Side:          exchange.SideBuy,
		Type:          exchange.OrderTypeMarket,
		Amount:        0.5,
		ClientOrderID: "KAT-BTCEUR-B-1",
	})
	if err != nil {
		t.Fatalf("submitWithRetry: %v", err)
	}
	if order == nil || order.Status != exchange.StatusFilled {
		t.Fatalf("order = %+v, want filled", order)
	}
	if n := rig.mock.CallCount("SubmitOrder"); n != 3 {
		t.Fatalf("SubmitOrder calls = %d, want 3", n)
	}
}

func TestSubmitWithRetryGivesUpAfterThreeNonceErrors(t *testing.T) {
	rig := newTestRig(t, testConfig(false))
	for i := 0; i < 3; i++ {
		rig.mock.QueueError("SubmitOrder", &exchange.NonceError{Venue: "kraken", Msg: "EAPI:Invalid nonce"})
	}

	_, err := rig.engine.submitWithRetry(context.Background(), exchange.OrderRequest{
		Pair: "BTC/EUR", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Amount: 0.5,
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if !strings.Contains(err.Error(), "nonce retries exhausted") {
		t.Fatalf("err = %v", err)
	}
	if n := rig.mock.CallCount("SubmitOrder"); n != 3 {
		t.Fatalf("SubmitOrder calls = %d, want 3", n)
	}
}

func TestSubmitWithRetryDoesNotRetryPermanentRejects(t *testing.T) {
	rig := newTestRig(t, testConfig(false))
	rig.mock.QueueError("SubmitOrder", &exchange.PermanentRejectError{Venue: "kraken", Code: "EOrder", Reason: "insufficient funds"})

	_, err := rig.engine.submitWithRetry(context.Background(), exchange.OrderRequest{
		Pair: "BTC/EUR", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Amount: 0.5,
	})
	if err == nil {
		t.Fatal("expected rejection to propagate")
	}
	if n := rig.mock.CallCount("SubmitOrder"); n != 1 {
		t.Fatalf("SubmitOrder calls = %d, want 1 (no retry)", n)
	}
}

func buySignal(pair string) *strategy.Signal {
	return &strategy.Signal{
		Type:       strategy.SignalBuy,
		Pair:       pair,
		Strategy:   "momentum",
		Confidence: 75,
		Reason:     "all checks pass",
		EntryPrice: 100,
		SizeFactor: 1.0,
	}
}

func TestEnterPositionSuppressesDuplicateClientOrderID(t *testing.T) {
	rig := newTestRig(t, testConfig(false))
	sig := buySignal("BTC/EUR")
	sizing := Sizing{Quantity: 0.5, EffectivePrice: 100.25, NotionalEUR: 50.125}

	// A trade with the same {pair, side, tick} ID already exists.
	coid := clientOrderID("BTC/EUR", exchange.SideBuy, 3)
	err := rig.store.CreateTrade(context.Background(), &database.Trade{
		ClientOrderID: coid,
		Venue:         "kraken",
		Pair:          "BTC/EUR",
		Side:          "BUY",
		Status:        database.TradeStatusOpen,
		SubmittedAt:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := rig.engine.enterPosition(context.Background(), 3, sig, sizing, Admission{Allowed: true})
	if err != nil {
		t.Fatalf("enterPosition: %v", err)
	}
	if result != "duplicate suppressed" {
		t.Fatalf("result = %q, want duplicate suppressed", result)
	}
	if n := rig.mock.CallCount("SubmitOrder"); n != 0 {
		t.Fatalf("SubmitOrder calls = %d, want 0", n)
	}
}

func TestEnterPositionLiveFill(t *testing.T) {
	rig := newTestRig(t, testConfig(false))
	rig.mock.SetTicker("BTC/EUR", 99.9, 100.1, 100)
	sig := buySignal("BTC/EUR")
	sizing := Sizing{Quantity: 0.5, EffectivePrice: 100.25, NotionalEUR: 50.125}

	result, err := rig.engine.enterPosition(context.Background(), 5, sig, sizing, Admission{Allowed: true})
	if err != nil {
		t.Fatalf("enterPosition: %v", err)
	}
	if result != "filled" {
		t.Fatalf("result = %q, want filled", result)
	}

	coid := clientOrderID("BTC/EUR", exchange.SideBuy, 5)
	trade := rig.store.trade(coid)
	if trade == nil {
		t.Fatal("trade row missing")
	}
	if trade.Status != database.TradeStatusFilled {
		t.Fatalf("trade status = %s, want %s", trade.Status, database.TradeStatusFilled)
	}
	if trade.VenueOrderID == nil {
		t.Fatal("venue order id not stored")
	}
	if trade.AvgFillPrice == nil || !near(*trade.AvgFillPrice, 100.1) {
		t.Fatalf("avg fill = %v, want 100.1 (the ask)", trade.AvgFillPrice)
	}

	// The venue fill must land in the fills table with its real venue ID.
	rig.store.mu.Lock()
	fillCount := len(rig.store.fills)
	rig.store.mu.Unlock()
	if fillCount != 1 {
		t.Fatalf("recorded fills = %d, want 1", fillCount)
	}

	positions, _ := rig.store.GetOpenPositions(context.Background())
	if len(positions) != 1 {
		t.Fatalf("open positions = %d, want 1", len(positions))
	}
	pos := positions[0]
	if pos.DryRun {
		t.Fatal("live fill must not be flagged dry-run")
	}
	if !near(pos.EntryPrice, 100.1) || !near(pos.Quantity, 0.5) {
		t.Fatalf("position = entry %v qty %v, want 100.1 / 0.5", pos.EntryPrice, pos.Quantity)
	}
	if !near(pos.StopPrice, 100.1*0.98) {
		t.Fatalf("stop = %v, want %v", pos.StopPrice, 100.1*0.98)
	}
}

func TestEnterPositionScaleInAddsToExisting(t *testing.T) {
	cfg := testConfig(false)
	cfg.TradingConfig.PositionMode = "SMART_GUARD"
	rig := newTestRig(t, cfg)
	rig.mock.SetTicker("BTC/EUR", 99.9, 100.1, 100)

	existing := &database.Position{
		Pair:       "BTC/EUR",
		Venue:      "kraken",
		EntryPrice: 98,
		Quantity:   0.5,
		State:      database.PositionStateActive,
		OpenedAt:   time.Now(),
	}
	if err := rig.store.CreatePosition(context.Background(), existing); err != nil {
		t.Fatal(err)
	}

	sig := buySignal("BTC/EUR")
	sizing := Sizing{Quantity: 0.5, EffectivePrice: 100.25, NotionalEUR: 50.125}
	result, err := rig.engine.enterPosition(context.Background(), 9, sig, sizing,
		Admission{Allowed: true, ScaleIn: true, Position: existing})
	if err != nil {
		t.Fatalf("enterPosition: %v", err)
	}
	if result != "filled" {
		t.Fatalf("result = %q, want filled", result)
	}

	pos := rig.store.position(existing.ID)
	if !near(pos.Quantity, 1.0) {
		t.Fatalf("quantity = %v, want 1.0 after scale-in", pos.Quantity)
	}
	if pos.ScaleIns != 1 {
		t.Fatalf("scale-ins = %d, want 1", pos.ScaleIns)
	}
	// Weighted entry: (98*0.5 + 100.1*0.5) / 1.0
	if !near(pos.EntryPrice, 99.05) {
		t.Fatalf("entry = %v, want 99.05", pos.EntryPrice)
	}

	positions, _ := rig.store.GetOpenPositions(context.Background())
	if len(positions) != 1 {
		t.Fatalf("open positions = %d, want 1 (no second row)", len(positions))
	}
}

func TestExitPositionDryRunClosesImmediately(t *testing.T) {
	rig := newTestRig(t, testConfig(true))
	pos := &database.Position{
		Pair:       "BTC/EUR",
		Venue:      "kraken",
		EntryPrice: 100,
		Quantity:   1,
		State:      database.PositionStateTrailing,
		StopPrice:  104,
		DryRun:     true,
		OpenedAt:   time.Now(),
	}
	if err := rig.store.CreatePosition(context.Background(), pos); err != nil {
		t.Fatal(err)
	}

	if err := rig.engine.exitPosition(context.Background(), pos, 104, database.CloseReasonTrailing); err != nil {
		t.Fatalf("exitPosition: %v", err)
	}

	closed := rig.store.position(pos.ID)
	if closed.ClosedAt == nil {
		t.Fatal("position must be closed")
	}
	if *closed.CloseReason != database.CloseReasonTrailing {
		t.Fatalf("reason = %s, want %s", *closed.CloseReason, database.CloseReasonTrailing)
	}
	// pnl = (104-100)*1 minus the simulated taker fee
	fee := 1 * 104 * rig.mock.TakerFeePct() / 100
	if !near(*closed.RealizedPnL, 4-fee) {
		t.Fatalf("pnl = %v, want %v", *closed.RealizedPnL, 4-fee)
	}

	sells := rig.notif.byKind(notify.KindTradeSell)
	if len(sells) != 1 {
		t.Fatalf("trade_sell notifications = %d, want 1", len(sells))
	}
	sell := sells[0].(*notify.TradeSell)
	if !sell.DryRun || sell.Reason != database.CloseReasonTrailing {
		t.Fatalf("notification = %+v", sell)
	}
	if n := rig.mock.CallCount("SubmitOrder"); n != 0 {
		t.Fatalf("SubmitOrder calls = %d, want 0 in dry run", n)
	}
}

func TestExitPositionDuplicateSellIsQuiet(t *testing.T) {
	rig := newTestRig(t, testConfig(false))
	pos := &database.Position{
		Pair:       "BTC/EUR",
		Venue:      "kraken",
		EntryPrice: 100,
		Quantity:   1,
		State:      database.PositionStateActive,
		OpenedAt:   time.Now(),
	}
	if err := rig.store.CreatePosition(context.Background(), pos); err != nil {
		t.Fatal(err)
	}

	coid := clientOrderID("BTC/EUR", exchange.SideSell, 0)
	err := rig.store.CreateTrade(context.Background(), &database.Trade{
		ClientOrderID: coid,
		Venue:         "kraken",
		Pair:          "BTC/EUR",
		Side:          "SELL",
		Status:        database.TradeStatusOpen,
		SubmittedAt:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := rig.engine.exitPosition(context.Background(), pos, 97, database.CloseReasonStopLoss); err != nil {
		t.Fatalf("duplicate sell must not error: %v", err)
	}
	if n := rig.mock.CallCount("SubmitOrder"); n != 0 {
		t.Fatalf("SubmitOrder calls = %d, want 0", n)
	}
}
