package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
)

type stubSender struct {
	mu    sync.Mutex
	sends []string
}

func (s *stubSender) SendMessage(_ context.Context, _ int64, html string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, html)
	return nil
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

type stubChats struct {
	chats []*database.TelegramChat
}

func (s *stubChats) ListAuthorizedChats(context.Context) ([]*database.TelegramChat, error) {
	return s.chats, nil
}

func operatorChat() *stubChats {
	return &stubChats{chats: []*database.TelegramChat{{ChatID: 1001, Authorized: true}}}
}

func newClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func TestThrottleDedupeWindow(t *testing.T) {
	now, clock := newClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	th := NewThrottle()
	th.SetNow(clock)

	hash := ContentHash("🟢 COMPRA BTC/EUR")
	if v := th.Check(KindTradeBuy, hash, ""); !v.Allowed {
		t.Fatalf("first send blocked: %s", v.Reason)
	}
	if v := th.Check(KindTradeBuy, hash, ""); v.Allowed || v.Reason != ReasonDuplicate {
		t.Fatalf("expected duplicate verdict, got %+v", v)
	}

	// Same content after the window expires goes out again.
	*now = now.Add(11 * time.Second)
	if v := th.Check(KindTradeBuy, hash, ""); !v.Allowed {
		t.Fatalf("send after dedupe window blocked: %s", v.Reason)
	}
}

func TestThrottleMinInterval(t *testing.T) {
	now, clock := newClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	th := NewThrottle()
	th.SetNow(clock)

	if v := th.Check(KindTradeBuy, ContentHash("a"), ""); !v.Allowed {
		t.Fatalf("first send blocked: %s", v.Reason)
	}
	// Different content, but too soon after the previous send of this kind.
	*now = now.Add(2 * time.Second)
	if v := th.Check(KindTradeBuy, ContentHash("b"), ""); v.Allowed || v.Reason != ReasonThrottled {
		t.Fatalf("expected throttled verdict, got %+v", v)
	}
	*now = now.Add(4 * time.Second)
	if v := th.Check(KindTradeBuy, ContentHash("b"), ""); !v.Allowed {
		t.Fatalf("send past min interval blocked: %s", v.Reason)
	}
}

func TestThrottleHourlyCap(t *testing.T) {
	now, clock := newClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	th := NewThrottle()
	th.SetNow(clock)

	// regime_change allows 10 per sliding hour.
	for i := 0; i < 10; i++ {
		if v := th.Check(KindRegimeChange, ContentHash(fmt.Sprintf("body-%d", i)), ""); !v.Allowed {
			t.Fatalf("send %d blocked: %s", i, v.Reason)
		}
		*now = now.Add(181 * time.Second)
	}
	if v := th.Check(KindRegimeChange, ContentHash("body-10"), ""); v.Allowed || v.Reason != ReasonHourlyCap {
		t.Fatalf("expected hourly-cap verdict, got %+v", v)
	}
}

func TestThrottleUnknownKindAlwaysAllowed(t *testing.T) {
	th := NewThrottle()
	hash := ContentHash("🤖 Bot iniciado")
	for i := 0; i < 5; i++ {
		if v := th.Check(KindBotStarted, hash, ""); !v.Allowed {
			t.Fatalf("unpoliced kind blocked on send %d: %s", i, v.Reason)
		}
	}
}

func TestThrottleGC(t *testing.T) {
	now, clock := newClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	th := NewThrottle()
	th.SetNow(clock)

	th.Check(KindTradeBuy, ContentHash("old"), "")
	*now = now.Add(25 * time.Hour)
	th.Check(KindTradeBuy, ContentHash("new"), "")

	if removed := th.GC(24 * time.Hour); removed != 1 {
		t.Fatalf("GC removed %d identities, want 1", removed)
	}
	if removed := th.GC(24 * time.Hour); removed != 0 {
		t.Fatalf("second GC removed %d identities, want 0", removed)
	}
}

func TestThrottleSnapshotRestore(t *testing.T) {
	_, clock := newClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	th := NewThrottle()
	th.SetNow(clock)

	hash := ContentHash("persisted")
	th.Check(KindTradeBuy, hash, "")

	fresh := NewThrottle()
	fresh.SetNow(clock)
	fresh.Restore(th.Snapshot())

	// The restored table still remembers the send.
	if v := fresh.Check(KindTradeBuy, hash, ""); v.Allowed || v.Reason != ReasonDuplicate {
		t.Fatalf("restored throttle forgot the send: %+v", v)
	}
}

func TestEntryIntentDedupeKeyBuckets(t *testing.T) {
	n := &EntryIntent{Pair: "BTC/EUR", Side: "BUY", Strategy: "momentum", Confidence: 72, Threshold: 60}
	base := time.Unix(900*100, 0).UTC()

	k1 := n.DedupeKey(base)
	k2 := n.DedupeKey(base.Add(14 * time.Minute))
	k3 := n.DedupeKey(base.Add(15 * time.Minute))

	if k1 != k2 {
		t.Errorf("keys inside one 15m bucket differ: %q vs %q", k1, k2)
	}
	if k1 == k3 {
		t.Errorf("keys across bucket boundary collide: %q", k1)
	}
	if !strings.HasPrefix(k1, "BTC/EUR|BUY|") {
		t.Errorf("unexpected key shape: %q", k1)
	}
}

func TestServiceSuppressesDuplicate(t *testing.T) {
	sender := &stubSender{}
	svc := NewService(config.NotifyConfig{Enabled: true}, sender, operatorChat(), nil)

	buy := &TradeBuy{
		Pair:     "BTC/EUR",
		Venue:    "kraken",
		Quantity: 0.01,
		Price:    40000,
		CostEUR:  400,
		FeeEUR:   1.04,
		Strategy: "momentum",
		Reason:   "EMA cross + RSI 58",
	}
	ctx := context.Background()
	svc.Process(ctx, buy)
	svc.Process(ctx, buy)

	if got := sender.count(); got != 1 {
		t.Fatalf("sender called %d times, want 1 (duplicate must be suppressed)", got)
	}
}

func TestServiceRejectsPlaceholderFields(t *testing.T) {
	sender := &stubSender{}
	svc := NewService(config.NotifyConfig{Enabled: true}, sender, operatorChat(), nil)

	bad := []Notification{
		&TradeBuy{Pair: "-", Venue: "kraken", Quantity: 1, Price: 100, Strategy: "momentum"},
		&TradeBuy{Pair: "BTC/EUR", Venue: "null", Quantity: 1, Price: 100, Strategy: "momentum"},
		&TradeBuy{Pair: "BTC/EUR", Venue: "kraken", Quantity: 0, Price: 100, Strategy: "momentum"},
		&ErrorAlert{Source: "", Message: "boom"},
	}
	ctx := context.Background()
	for i, n := range bad {
		svc.Process(ctx, n)
		if got := sender.count(); got != 0 {
			t.Fatalf("case %d: invalid notification was sent", i)
		}
	}
}

func TestServiceAppliesCooldownOverride(t *testing.T) {
	sender := &stubSender{}
	svc := NewService(config.NotifyConfig{Enabled: true, PositionsCooldownSec: 1}, sender, operatorChat(), nil)

	now, clock := newClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	svc.Throttle().SetNow(clock)

	ctx := context.Background()
	svc.Process(ctx, &PositionsUpdate{Positions: []PositionLine{{Pair: "BTC/EUR", State: "ACTIVE", Quantity: 0.01, Entry: 40000, Current: 40100}}})
	*now = now.Add(2 * time.Second)
	svc.Process(ctx, &PositionsUpdate{Positions: []PositionLine{{Pair: "BTC/EUR", State: "ACTIVE", Quantity: 0.01, Entry: 40000, Current: 40200}}})

	// Default spacing is 120s; the override shrinks it to 1s so both go out.
	if got := sender.count(); got != 2 {
		t.Fatalf("sender called %d times, want 2 with 1s cooldown override", got)
	}
}

func TestRenderEscapesHTML(t *testing.T) {
	n := &ErrorAlert{Source: "engine", Message: "qty < min & price > cap"}
	body := n.Render()
	if strings.Contains(body, "< min") || strings.Contains(body, "> cap") {
		t.Fatalf("unescaped HTML in body: %q", body)
	}
	if !strings.Contains(body, "&lt; min") || !strings.Contains(body, "&gt; cap") {
		t.Fatalf("expected escaped comparisons in body: %q", body)
	}
}

func TestRenderDryRunTag(t *testing.T) {
	n := &TradeBuy{Pair: "BTC/EUR", Venue: "kraken", Quantity: 0.01, Price: 40000, CostEUR: 400, Strategy: "momentum", Reason: "test", DryRun: true}
	if body := n.Render(); !strings.Contains(body, "[DRY_RUN]") {
		t.Fatalf("dry-run body missing tag: %q", body)
	}
	n.DryRun = false
	if body := n.Render(); strings.Contains(body, "[DRY_RUN]") {
		t.Fatalf("live body carries dry-run tag: %q", body)
	}
}
