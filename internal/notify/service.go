package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/config"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/cache"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
)

const (
	defaultQueueSize = 64
	gcInterval       = time.Hour
	gcRetention      = 24 * time.Hour
	persistInterval  = 5 * time.Minute
)

// MessageSender delivers rendered HTML to one chat.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID int64, html string) error
}

// ChatSource lists the chats allowed to receive notifications.
type ChatSource interface {
	ListAuthorizedChats(ctx context.Context) ([]*database.TelegramChat, error)
}

// Service is the notification pipeline: enqueue, validate, dedupe/throttle,
// render once, fan out to every authorized chat.
type Service struct {
	cfg      config.NotifyConfig
	sender   MessageSender
	chats    ChatSource
	throttle *Throttle
	cache    *cache.CacheService
	queue    chan Notification
	logger   zerolog.Logger
}

func NewService(cfg config.NotifyConfig, sender MessageSender, chats ChatSource, cs *cache.CacheService) *Service {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	throttle := NewThrottle()
	if cfg.PositionsCooldownSec > 0 {
		throttle.OverrideMinInterval(KindPositionsUpdate, time.Duration(cfg.PositionsCooldownSec)*time.Second)
	}
	if cfg.EntryIntentCooldownSec > 0 {
		throttle.OverrideMinInterval(KindEntryIntent, time.Duration(cfg.EntryIntentCooldownSec)*time.Second)
	}
	return &Service{
		cfg:      cfg,
		sender:   sender,
		chats:    chats,
		throttle: throttle,
		cache:    cs,
		queue:    make(chan Notification, size),
		logger:   logging.Component("notify"),
	}
}

// Throttle exposes the suppression state, mainly for tests and /estado.
func (s *Service) Throttle() *Throttle {
	return s.throttle
}

// Notify enqueues a notification without blocking. When the queue is full
// the notification is dropped and counted against nobody: trading never
// waits on Telegram.
func (s *Service) Notify(n Notification) {
	if !s.cfg.Enabled {
		return
	}
	select {
	case s.queue <- n:
	default:
		s.logger.Warn().Str("kind", string(n.Kind())).Msg("Notification queue full, dropping")
	}
}

// Run processes the queue until ctx is canceled. Call it in a goroutine.
func (s *Service) Run(ctx context.Context) {
	s.restoreState(ctx)

	gcTicker := time.NewTicker(gcInterval)
	defer gcTicker.Stop()
	persistTicker := time.NewTicker(persistInterval)
	defer persistTicker.Stop()

	s.logger.Info().Int("queue", cap(s.queue)).Msg("Notification service started")

	for {
		select {
		case <-ctx.Done():
			s.persistState(context.Background())
			s.logger.Info().Msg("Notification service stopped")
			return
		case n := <-s.queue:
			s.Process(ctx, n)
		case <-gcTicker.C:
			if removed := s.throttle.GC(gcRetention); removed > 0 {
				s.logger.Debug().Int("removed", removed).Msg("Dedupe state pruned")
			}
		case <-persistTicker.C:
			s.persistState(ctx)
		}
	}
}

// Process runs one notification through the pipeline synchronously.
func (s *Service) Process(ctx context.Context, n Notification) {
	kind := n.Kind()

	if err := n.Validate(); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Notification rejected by validation")
		return
	}

	body := n.Render()
	hash := ContentHash(body)
	key := ""
	if keyed, ok := n.(Keyed); ok {
		key = keyed.DedupeKey(time.Now().UTC())
	}

	verdict := s.throttle.Check(kind, hash, key)
	if !verdict.Allowed {
		event := logging.EventThrottled
		msg := "Notification throttled"
		if verdict.Reason == ReasonDuplicate {
			event = logging.EventDuplicate
			msg = "Duplicate notification suppressed"
		}
		s.logger.Info().
			Str("event", event).
			Str("kind", string(kind)).
			Str("reason", verdict.Reason).
			Msg(msg)
		return
	}

	chats, err := s.chats.ListAuthorizedChats(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list chats, notification lost")
		return
	}
	if len(chats) == 0 {
		s.logger.Debug().Str("kind", string(kind)).Msg("No authorized chats")
		return
	}

	for _, chat := range chats {
		if err := s.sender.SendMessage(ctx, chat.ChatID, body); err != nil {
			s.logger.Error().Err(err).Int64("chat_id", chat.ChatID).Str("kind", string(kind)).Msg("Send failed")
		}
	}
}

func (s *Service) restoreState(ctx context.Context) {
	if !s.cfg.PersistDedupeState || s.cache == nil {
		return
	}
	var state ThrottleState
	if err := s.cache.GetJSON(ctx, cache.PrefixDedupeState, &state); err != nil {
		if !cache.IsMiss(err) {
			s.logger.Warn().Err(err).Msg("Could not restore dedupe state")
		}
		return
	}
	s.throttle.Restore(&state)
	s.logger.Info().Int("identities", len(state.Identities)).Msg("Dedupe state restored")
}

func (s *Service) persistState(ctx context.Context) {
	if !s.cfg.PersistDedupeState || s.cache == nil {
		return
	}
	if err := s.cache.SetJSON(ctx, cache.PrefixDedupeState, s.throttle.Snapshot(), cache.DefaultDedupeTTL); err != nil {
		s.logger.Warn().Err(err).Msg("Could not persist dedupe state")
	}
}
