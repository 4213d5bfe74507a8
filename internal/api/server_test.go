package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/auth"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/engine"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/events"
)

type stubEngine struct {
	status    engine.Status
	diags     []engine.PairDiagnostic
	positions []engine.PositionView
}

func (s *stubEngine) Status() engine.Status                   { return s.status }
func (s *stubEngine) Diagnostics() []engine.PairDiagnostic    { return s.diags }
func (s *stubEngine) RecentDiagnostics(n int) []engine.PairDiagnostic {
	if n > len(s.diags) {
		n = len(s.diags)
	}
	return s.diags[:n]
}
func (s *stubEngine) Positions(ctx context.Context) ([]engine.PositionView, error) {
	return s.positions, nil
}

type stubStore struct {
	events []*database.BotEvent
}

func (s *stubStore) GetRecentEvents(ctx context.Context, limit int) ([]*database.BotEvent, error) {
	if limit > len(s.events) {
		limit = len(s.events)
	}
	return s.events[:limit], nil
}

const testAPIKey = "dashboard-api-key"

func testServer(t *testing.T) (*Server, *auth.Service) {
	t.Helper()
	hash, err := auth.HashAPIKey(testAPIKey)
	if err != nil {
		t.Fatal(err)
	}
	authsvc, err := auth.NewService(config.AuthConfig{
		JWTSecret:  "test-secret",
		APIKeyHash: hash,
	})
	if err != nil {
		t.Fatal(err)
	}
	eng := &stubEngine{
		status: engine.Status{Venue: "kraken", Ticks: 42, Pairs: []string{"BTC/EUR"}},
		diags: []engine.PairDiagnostic{
			{Tick: 42, Pair: "BTC/EUR", OrderResult: "no signal"},
		},
		positions: []engine.PositionView{
			{ID: 1, Pair: "BTC/EUR", State: "ACTIVE", Quantity: 0.5, EntryPrice: 100},
		},
	}
	store := &stubStore{events: []*database.BotEvent{
		{ID: 2, EventType: "order_filled", Severity: "info", Message: "filled"},
		{ID: 1, EventType: "signal", Severity: "info", Message: "buy"},
	}}
	return NewServer(config.ServerConfig{Port: 0}, authsvc, eng, store, events.NewEventBus()), authsvc
}

func issueToken(t *testing.T, s *Server) string {
	t.Helper()
	body := strings.NewReader(`{"api_key":"` + testAPIKey + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/token", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("token endpoint: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.Token
}

func TestHealth(t *testing.T) {
	s, _ := testServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTokenEndpoint(t *testing.T) {
	s, authsvc := testServer(t)

	token := issueToken(t, s)
	if err := authsvc.ValidateToken(token); err != nil {
		t.Fatalf("issued token invalid: %v", err)
	}

	// Wrong key.
	req := httptest.NewRequest(http.MethodPost, "/api/auth/token", strings.NewReader(`{"api_key":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: %d, want 401", rec.Code)
	}

	// Missing key.
	req = httptest.NewRequest(http.MethodPost, "/api/auth/token", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing key: %d, want 400", rec.Code)
	}
}

func TestAuthedEndpointsRequireToken(t *testing.T) {
	s, _ := testServer(t)
	for _, path := range []string{"/api/status", "/api/diagnostics", "/api/positions", "/api/events"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: %d, want 401", path, rec.Code)
		}

		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer garbage")
		rec = httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s with bad token: %d, want 401", path, rec.Code)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := testServer(t)
	token := issueToken(t, s)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var st engine.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Venue != "kraken" || st.Ticks != 42 {
		t.Fatalf("status = %+v", st)
	}
}

func TestEventsEndpointLimit(t *testing.T) {
	s, _ := testServer(t)
	token := issueToken(t, s)

	req := httptest.NewRequest(http.MethodGet, "/api/events?limit=1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var rows []*database.BotEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].EventType != "order_filled" {
		t.Fatalf("rows = %+v", rows)
	}
}

func wsURL(srv *httptest.Server, token string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	s, _ := testServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "bad-token"), nil)
	if err != nil {
		t.Fatalf("dial (handshake must succeed): %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("err = %v, want close error", err)
	}
	if closeErr.Code != closeUnauthorized {
		t.Fatalf("close code = %d, want %d", closeErr.Code, closeUnauthorized)
	}
}

func TestWebSocketSnapshotOnConnect(t *testing.T) {
	s, _ := testServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	token := issueToken(t, s)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var msg struct {
		Type string `json:"type"`
		Data struct {
			Positions []engine.PositionView `json:"positions"`
			Events    []*database.BotEvent  `json:"events"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "snapshot" {
		t.Fatalf("type = %q, want snapshot", msg.Type)
	}
	if len(msg.Data.Positions) != 1 || msg.Data.Positions[0].Pair != "BTC/EUR" {
		t.Fatalf("positions = %+v", msg.Data.Positions)
	}
	if len(msg.Data.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(msg.Data.Events))
	}
}

func TestWebSocketReceivesBroadcast(t *testing.T) {
	s, _ := testServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	token := issueToken(t, s)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Drain the snapshot first.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	s.hub.BroadcastEvent(events.Event{
		Type:    events.EventOrderFilled,
		Pair:    "BTC/EUR",
		Message: "order filled",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	var msg struct {
		Type string       `json:"type"`
		Data events.Event `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "event" || msg.Data.Type != events.EventOrderFilled || msg.Data.Pair != "BTC/EUR" {
		t.Fatalf("message = %+v", msg)
	}
}
