package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/database"
	"github.com/luisdepargabitcon/Kraken-Autotrade-sub003/internal/logging"
)

// Persister writes published events into the operator event log.
type Persister struct {
	repo   *database.Repository
	logger zerolog.Logger
}

// NewPersister creates a persister. Wire it with bus.SubscribeAll.
func NewPersister(repo *database.Repository) *Persister {
	return &Persister{
		repo:   repo,
		logger: logging.Component("events"),
	}
}

// Handle stores one event. Failures are logged and swallowed: losing a log
// row must never take the publishing path down with it.
func (p *Persister) Handle(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	record := &database.BotEvent{
		EventType: string(event.Type),
		Severity:  event.Severity,
		Message:   event.Message,
	}
	if event.Pair != "" {
		pair := event.Pair
		record.Pair = &pair
	}
	if len(event.Data) > 0 {
		if data, err := json.Marshal(event.Data); err == nil {
			record.Data = data
		}
	}

	if err := p.repo.RecordEvent(ctx, record); err != nil {
		p.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("Failed to persist event")
	}
}
