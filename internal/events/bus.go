package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTradeOpened          EventType = "TRADE_OPENED"
	EventContractSettled      EventType = "CONTRACT_SETTLED"
	EventContractUpdate       EventType = "CONTRACT_UPDATE"
	EventStuckOrder           EventType = "STUCK_ORDER"
	EventPnLUpdate            EventType = "PNL_UPDATE"
	EventCircuitBreakerUpdate EventType = "CIRCUIT_BREAKER_UPDATE"
	EventRegimeChange         EventType = "REGIME_CHANGE"
	EventRecoveryUpdate       EventType = "RECOVERY_UPDATE"
	EventBotRunUpdate         EventType = "BOT_RUN_UPDATE"
	EventSessionState         EventType = "SESSION_STATE"
	EventError                EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	AccountID string                 `json:"account_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
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

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishTradeOpened publishes a trade opened event
func (eb *EventBus) PublishTradeOpened(accountID, symbol, direction string, contractID int64, stake, buyPrice, payout float64) {
	eb.Publish(Event{
		Type:      EventTradeOpened,
		AccountID: accountID,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"direction":   direction,
			"contract_id": contractID,
			"stake":       stake,
			"buy_price":   buyPrice,
			"payout":      payout,
		},
	})
}

// PublishContractSettled publishes a contract settled event
func (eb *EventBus) PublishContractSettled(accountID, symbol, direction string, contractID int64, stake, netProfit float64, status string) {
	eb.Publish(Event{
		Type:      EventContractSettled,
		AccountID: accountID,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"direction":   direction,
			"contract_id": contractID,
			"stake":       stake,
			"net_profit":  netProfit,
			"status":      status,
		},
	})
}

// PublishStuckOrder publishes a stuck order event
func (eb *EventBus) PublishStuckOrder(accountID string, contractID int64, waited time.Duration) {
	eb.Publish(Event{
		Type:      EventStuckOrder,
		AccountID: accountID,
		Data: map[string]interface{}{
			"contract_id": contractID,
			"waited_ms":   waited.Milliseconds(),
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(accountID, source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type:      EventError,
		AccountID: accountID,
		Data:      data,
	})
}

// ============================================================================
// Broadcast callbacks
// These allow core packages to push per-account updates to the SSE edge
// without importing the api package, avoiding import cycles.
// ============================================================================

// BroadcastFunc is a callback function for broadcasting data to one account's streams
type BroadcastFunc func(accountID string, data interface{})

// Global broadcast callbacks, wired up by the api package at startup
var (
	broadcastPnL            BroadcastFunc
	broadcastBotRun         BroadcastFunc
	broadcastCircuitBreaker BroadcastFunc
)

// SetBroadcastPnL sets the callback for P&L snapshot broadcasts
func SetBroadcastPnL(fn BroadcastFunc) {
	broadcastPnL = fn
}

// SetBroadcastBotRun sets the callback for bot run event broadcasts
func SetBroadcastBotRun(fn BroadcastFunc) {
	broadcastBotRun = fn
}

// SetBroadcastCircuitBreaker sets the callback for circuit breaker state broadcasts
func SetBroadcastCircuitBreaker(fn BroadcastFunc) {
	broadcastCircuitBreaker = fn
}

// BroadcastPnL pushes a P&L snapshot to an account's stream
func BroadcastPnL(accountID string, data interface{}) {
	if broadcastPnL != nil && accountID != "" {
		go broadcastPnL(accountID, data)
	}
}

// BroadcastBotRun pushes a bot run event to an account's stream
func BroadcastBotRun(accountID string, data interface{}) {
	if broadcastBotRun != nil && accountID != "" {
		go broadcastBotRun(accountID, data)
	}
}

// BroadcastCircuitBreaker pushes circuit breaker state to an account's stream
func BroadcastCircuitBreaker(accountID string, data interface{}) {
	if broadcastCircuitBreaker != nil && accountID != "" {
		go broadcastCircuitBreaker(accountID, data)
	}
}
