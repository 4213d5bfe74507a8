package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
)

type stubLock struct {
	mu       sync.Mutex
	held     bool
	acquires int
	releases int
}

func (l *stubLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	return l.held, nil
}

func (l *stubLock) Release(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
}

func (l *stubLock) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquires, l.releases
}

type memChats struct {
	mu    sync.Mutex
	chats map[int64]*database.TelegramChat
}

func newMemChats() *memChats {
	return &memChats{chats: make(map[int64]*database.TelegramChat)}
}

func (m *memChats) UpsertTelegramChat(ctx context.Context, chat *database.TelegramChat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.chats[chat.ChatID]; ok {
		// Authorization survives refreshes, like the ON CONFLICT clause.
		chat.Authorized = existing.Authorized
		chat.IsOperator = existing.IsOperator
	}
	cp := *chat
	m.chats[chat.ChatID] = &cp
	return nil
}

func (m *memChats) GetTelegramChat(ctx context.Context, chatID int64) (*database.TelegramChat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat, ok := m.chats[chatID]
	if !ok {
		return nil, nil
	}
	cp := *chat
	return &cp, nil
}

type sentMessage struct {
	chatID int64
	html   string
}

// scriptAPI scripts GetUpdates call by call and records sends.
type scriptAPI struct {
	mu      sync.Mutex
	script  []func() ([]Update, error)
	calls   int
	offsets []int64
	sent    []sentMessage
}

func (a *scriptAPI) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	a.mu.Lock()
	a.offsets = append(a.offsets, offset)
	call := a.calls
	a.calls++
	a.mu.Unlock()
	if call < len(a.script) {
		return a.script[call]()
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (a *scriptAPI) SendMessage(ctx context.Context, chatID int64, html string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, sentMessage{chatID: chatID, html: html})
	return nil
}

func testPoller(lock *stubLock, api *scriptAPI, chats *memChats, router *Router, operator int64) *Poller {
	return &Poller{
		api:      api,
		lock:     lock,
		chats:    chats,
		router:   router,
		cfg:      config.TelegramConfig{PollTimeoutSec: 1},
		operator: operator,
		logger:   logging.Component("telegram"),
	}
}

func operatorUpdate(id int64, chatID int64, text string) Update {
	return Update{
		UpdateID: id,
		Message: &Message{
			Text: text,
			Chat: Chat{ID: chatID},
			From: &User{ID: chatID, Username: "operador"},
		},
	}
}

func TestPollerWithoutLockNeverPolls(t *testing.T) {
	lock := &stubLock{held: false}
	api := &scriptAPI{}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	p := testPoller(lock, api, newMemChats(), nil, 0)
	p.Run(ctx)

	acquires, _ := lock.counts()
	if acquires == 0 {
		t.Fatal("poller never checked the lock")
	}
	if api.calls != 0 {
		t.Fatalf("getUpdates called %d times without the lock, want 0", api.calls)
	}
}

func TestPollerDispatchesCommandAndAdvancesOffset(t *testing.T) {
	const operatorChat = int64(42)
	lock := &stubLock{held: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := &scriptAPI{}
	api.script = []func() ([]Update, error){
		func() ([]Update, error) {
			return []Update{operatorUpdate(7, operatorChat, "/ayuda")}, nil
		},
		func() ([]Update, error) {
			cancel()
			return nil, context.Canceled
		},
	}

	router := NewRouter(nil, nil, nil, nil, nil, &config.Config{})
	p := testPoller(lock, api, newMemChats(), router, operatorChat)
	p.Run(ctx)

	if len(api.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(api.sent))
	}
	if api.sent[0].chatID != operatorChat || !strings.Contains(api.sent[0].html, "/estado") {
		t.Fatalf("reply = %+v", api.sent[0])
	}
	if len(api.offsets) < 2 || api.offsets[1] != 8 {
		t.Fatalf("offsets = %v, second poll must ack update 7", api.offsets)
	}
}

func TestPollerStepsAsideOnConflict(t *testing.T) {
	lock := &stubLock{held: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := &scriptAPI{}
	api.script = []func() ([]Update, error){
		func() ([]Update, error) {
			cancel()
			return nil, ErrConflict
		},
	}

	p := testPoller(lock, api, newMemChats(), nil, 0)
	p.Run(ctx)

	_, releases := lock.counts()
	// One explicit release on the 409 plus the deferred one on shutdown.
	if releases != 2 {
		t.Fatalf("releases = %d, want 2", releases)
	}
	if api.calls != 1 {
		t.Fatalf("getUpdates calls = %d, want 1", api.calls)
	}
}

func TestEnsureChatOperatorIsAuthorizedOnFirstContact(t *testing.T) {
	chats := newMemChats()
	p := testPoller(&stubLock{}, &scriptAPI{}, chats, nil, 42)

	msg := &Message{Chat: Chat{ID: 42}, From: &User{Username: "operador"}}
	authorized, err := p.ensureChat(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if !authorized {
		t.Fatal("operator chat must be authorized on first contact")
	}
	stored, _ := chats.GetTelegramChat(context.Background(), 42)
	if stored == nil || !stored.IsOperator {
		t.Fatalf("stored chat = %+v", stored)
	}
}

func TestEnsureChatUnknownStartsUnauthorized(t *testing.T) {
	chats := newMemChats()
	p := testPoller(&stubLock{}, &scriptAPI{}, chats, nil, 42)

	msg := &Message{Chat: Chat{ID: 7}, From: &User{Username: "extranyo"}}
	authorized, err := p.ensureChat(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if authorized {
		t.Fatal("unknown chat must not be authorized")
	}
	stored, _ := chats.GetTelegramChat(context.Background(), 7)
	if stored == nil || stored.Authorized || stored.IsOperator {
		t.Fatalf("stored chat = %+v", stored)
	}
}

func TestHandleUpdateIgnoresUnauthorizedChat(t *testing.T) {
	api := &scriptAPI{}
	p := testPoller(&stubLock{}, api, newMemChats(), nil, 42)

	p.handleUpdate(context.Background(), operatorUpdate(1, 99, "/estado"))

	if len(api.sent) != 0 {
		t.Fatalf("unauthorized chat got %d replies, want 0", len(api.sent))
	}
}
