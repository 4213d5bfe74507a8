package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventOrderSubmitted EventType = "ORDER_SUBMITTED"
	EventOrderFilled    EventType = "ORDER_FILLED"
	EventOrderCanceled  EventType = "ORDER_CANCELED"
	EventOrderRejected  EventType = "ORDER_REJECTED"

	EventPositionOpened EventType = "POSITION_OPENED"
	EventPositionClosed EventType = "POSITION_CLOSED"
	EventStopUpdated    EventType = "STOP_UPDATED"

	EventSignalGenerated EventType = "SIGNAL_GENERATED"
	EventEntryIntent     EventType = "ENTRY_INTENT"
	EventRegimeChange    EventType = "REGIME_CHANGE"

	EventBotStarted  EventType = "BOT_STARTED"
	EventBotStopped  EventType = "BOT_STOPPED"
	EventBotPaused   EventType = "BOT_PAUSED"
	EventBotResumed  EventType = "BOT_RESUMED"
	EventVenueChange EventType = "VENUE_CHANGE"

	EventKillSwitchOn  EventType = "KILL_SWITCH_ON"
	EventKillSwitchOff EventType = "KILL_SWITCH_OFF"

	EventNonceRetry       EventType = "NONCE_RETRY"
	EventOrphanCleaned    EventType = "ORPHAN_POSITION_CLEANED"
	EventDuplicateOrder   EventType = "DUPLICATE_ORDER"
	EventPersistDegraded  EventType = "PERSISTENCE_DEGRADED"
	EventFiscoSyncDone    EventType = "FISCO_SYNC_COMPLETED"
	EventFiscoReportReady EventType = "FISCO_REPORT_GENERATED"

	EventError EventType = "ERROR"
)

// Severity levels carried on events, matching what the operator log stores.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Severity  string                 `json:"severity"`
	Pair      string                 `json:"pair,omitempty"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Delivery is asynchronous so a
// slow subscriber never blocks the engine tick.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishOrderSubmitted publishes an order submission event
func (eb *EventBus) PublishOrderSubmitted(pair, side, clientOrderID string, price, quantity float64, dryRun bool) {
	eb.Publish(Event{
		Type:    EventOrderSubmitted,
		Pair:    pair,
		Message: side + " " + pair + " submitted",
		Data: map[string]interface{}{
			"side":            side,
			"client_order_id": clientOrderID,
			"price":           price,
			"quantity":        quantity,
			"dry_run":         dryRun,
		},
	})
}

// PublishOrderFilled publishes an order fill event
func (eb *EventBus) PublishOrderFilled(pair, side, clientOrderID string, avgPrice, quantity, fee float64) {
	eb.Publish(Event{
		Type:    EventOrderFilled,
		Pair:    pair,
		Message: side + " " + pair + " filled",
		Data: map[string]interface{}{
			"side":            side,
			"client_order_id": clientOrderID,
			"avg_price":       avgPrice,
			"quantity":        quantity,
			"fee":             fee,
		},
	})
}

// PublishPositionClosed publishes a position close with its realized result
func (eb *EventBus) PublishPositionClosed(pair, reason string, entryPrice, exitPrice, quantity, pnl float64) {
	eb.Publish(Event{
		Type:    EventPositionClosed,
		Pair:    pair,
		Message: pair + " closed (" + reason + ")",
		Data: map[string]interface{}{
			"reason":      reason,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"quantity":    quantity,
			"pnl":         pnl,
		},
	})
}

// PublishSignal publishes a strategy signal event
func (eb *EventBus) PublishSignal(strategy, pair, signalType, reason string, confidence float64) {
	eb.Publish(Event{
		Type:    EventSignalGenerated,
		Pair:    pair,
		Message: strategy + " " + signalType + " on " + pair,
		Data: map[string]interface{}{
			"strategy":    strategy,
			"signal_type": signalType,
			"reason":      reason,
			"confidence":  confidence,
		},
	})
}

// PublishRegimeChange publishes a market regime transition
func (eb *EventBus) PublishRegimeChange(pair, from, to, reason string) {
	eb.Publish(Event{
		Type:    EventRegimeChange,
		Pair:    pair,
		Message: pair + " regime " + from + " -> " + to,
		Data: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source": source,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type:     EventError,
		Severity: SeverityError,
		Message:  message,
		Data:     data,
	})
}
