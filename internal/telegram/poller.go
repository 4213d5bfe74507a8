package telegram

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
)

const (
	conflictBackoffMin = 2 * time.Second
	conflictBackoffMax = 60 * time.Second
	lockRetryInterval  = 15 * time.Second
	pollErrorPause     = 5 * time.Second
)

// PollLock serializes getUpdates across every process sharing a bot token.
// Only the holder polls; everyone else stays send-only.
type PollLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

// AdvisoryPollLock is the production PollLock: a Postgres session advisory
// lock keyed by environment tag and token hash.
type AdvisoryPollLock struct {
	db   *database.DB
	key  int64
	held *database.AdvisoryLock
}

func NewAdvisoryPollLock(db *database.DB, envTag, token string) *AdvisoryPollLock {
	sum := sha256.Sum256([]byte(token))
	tokenHash := hex.EncodeToString(sum[:])
	return &AdvisoryPollLock{db: db, key: database.LockKey(envTag, tokenHash)}
}

func (l *AdvisoryPollLock) Acquire(ctx context.Context) (bool, error) {
	if l.held != nil {
		return true, nil
	}
	lock, err := l.db.TryAdvisoryLock(ctx, l.key)
	if err != nil {
		return false, err
	}
	if lock == nil {
		return false, nil
	}
	l.held = lock
	return true, nil
}

func (l *AdvisoryPollLock) Release(ctx context.Context) {
	if l.held == nil {
		return
	}
	l.held.Release(ctx)
	l.held = nil
}

// botAPI is the slice of Client the poller uses. Narrowed for tests.
type botAPI interface {
	GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, html string) error
}

// chatStore is the repository slice the poller uses.
type chatStore interface {
	UpsertTelegramChat(ctx context.Context, chat *database.TelegramChat) error
	GetTelegramChat(ctx context.Context, chatID int64) (*database.TelegramChat, error)
}

// Poller long-polls Telegram and dispatches operator commands. It runs on
// every deployment but only acts while it holds the poll lock; on a 409 it
// assumes another instance took over, releases the lock and backs off.
type Poller struct {
	api      botAPI
	lock     PollLock
	chats    chatStore
	router   *Router
	cfg      config.TelegramConfig
	operator int64
	logger   zerolog.Logger

	offset int64
}

func NewPoller(client *Client, lock PollLock, chats chatStore, router *Router, cfg config.TelegramConfig) *Poller {
	operator, _ := strconv.ParseInt(strings.TrimSpace(cfg.ChatID), 10, 64)
	return &Poller{
		api:      client,
		lock:     lock,
		chats:    chats,
		router:   router,
		cfg:      cfg,
		operator: operator,
		logger:   logging.Component("telegram"),
	}
}

// Run blocks until ctx is canceled. Call it in a goroutine.
func (p *Poller) Run(ctx context.Context) {
	defer p.lock.Release(context.Background())

	timeout := p.cfg.PollTimeoutSec
	if timeout <= 0 {
		timeout = 60
	}
	backoff := conflictBackoffMin

	for {
		if ctx.Err() != nil {
			return
		}

		held, err := p.lock.Acquire(ctx)
		if err != nil {
			p.logger.Error().Err(err).Msg("Poll lock check failed")
			if !sleepCtx(ctx, lockRetryInterval) {
				return
			}
			continue
		}
		if !held {
			// Another instance polls; this one only sends.
			if !sleepCtx(ctx, lockRetryInterval) {
				return
			}
			continue
		}

		updates, err := p.api.GetUpdates(ctx, p.offset, timeout)
		switch {
		case errors.Is(err, ErrConflict):
			// Someone else is polling with our token. Step aside.
			p.logger.Warn().Dur("backoff", backoff).Msg("Poller conflict, releasing lock")
			p.lock.Release(ctx)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > conflictBackoffMax {
				backoff = conflictBackoffMax
			}
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case err != nil:
			p.logger.Error().Err(err).Msg("getUpdates failed")
			if !sleepCtx(ctx, pollErrorPause) {
				return
			}
			continue
		}

		backoff = conflictBackoffMin
		for _, u := range updates {
			p.offset = u.UpdateID + 1
			p.handleUpdate(ctx, u)
		}
	}
}

func (p *Poller) handleUpdate(ctx context.Context, u Update) {
	if u.Message == nil || u.Message.From == nil || u.Message.From.IsBot {
		return
	}
	msg := u.Message
	chatID := msg.Chat.ID

	authorized, err := p.ensureChat(ctx, msg)
	if err != nil {
		p.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Chat upsert failed")
		return
	}
	if !authorized {
		// No reply: an unknown chat learns nothing about the bot.
		p.logger.Warn().
			Int64("chat_id", chatID).
			Str("username", msg.From.Username).
			Str("text", msg.Text).
			Msg("Unauthorized chat ignored")
		return
	}

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	p.logger.Info().Int64("chat_id", chatID).Str("command", firstWord(text)).Msg("Command received")
	reply := p.router.Dispatch(ctx, chatID, text)
	if reply == "" {
		return
	}
	if err := p.api.SendMessage(ctx, chatID, reply); err != nil {
		p.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Reply failed")
	}
}

// ensureChat records the chat and reports whether it may talk to the bot.
// The configured operator chat is authorized on first contact; anyone else
// starts unauthorized until promoted via /channels.
func (p *Poller) ensureChat(ctx context.Context, msg *Message) (bool, error) {
	chatID := msg.Chat.ID
	isOperator := p.operator != 0 && chatID == p.operator

	var username *string
	if msg.From.Username != "" {
		username = &msg.From.Username
	}

	existing, err := p.chats.GetTelegramChat(ctx, chatID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		chat := &database.TelegramChat{
			ChatID:     chatID,
			Username:   username,
			Authorized: isOperator,
			IsOperator: isOperator,
		}
		if err := p.chats.UpsertTelegramChat(ctx, chat); err != nil {
			return false, err
		}
		return chat.Authorized, nil
	}

	// Refresh username / last_seen; authorization is preserved on conflict.
	refresh := &database.TelegramChat{
		ChatID:     chatID,
		Username:   username,
		Authorized: existing.Authorized,
		IsOperator: existing.IsOperator,
	}
	if err := p.chats.UpsertTelegramChat(ctx, refresh); err != nil {
		return false, err
	}
	return existing.Authorized, nil
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}

// sleepCtx sleeps for d unless ctx ends first. Reports false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
