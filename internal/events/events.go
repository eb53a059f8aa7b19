package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"loyalty-engine/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventRewardEarned is emitted when a purchase pushes a customer over an
	// offer's threshold.
	EventRewardEarned EventType = "reward.earned"
	// EventRewardRedeemed is emitted after a redemption commits.
	EventRewardRedeemed EventType = "reward.redeemed"
	// EventRewardsExpired is emitted once per non-empty expiry batch.
	EventRewardsExpired EventType = "rewards.expired"
	// EventOrderProcessed is emitted at the end of every order evaluation.
	EventOrderProcessed EventType = "order.processed"
)

// Event represents an event in the system.
type Event struct {
	Type       EventType
	MerchantID string
	Timestamp  time.Time
	Data       any
}

// RewardEarnedData contains data for reward earned events.
type RewardEarnedData struct {
	Reward  models.Reward
	OfferID string
	TraceID string
}

// RewardRedeemedData contains data for reward redeemed events.
type RewardRedeemedData struct {
	Reward     models.Reward
	Redemption models.Redemption
}

// RewardsExpiredData contains data for rewards expired events.
type RewardsExpiredData struct {
	RewardIDs []string
	Count     int
}

// OrderProcessedData contains data for order processed events.
type OrderProcessedData struct {
	OrderID       string
	CustomerID    string
	Source        string
	Reason        string
	Recorded      int
	RewardsEarned int
	TraceID       string
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager fans events out to subscribed handlers. Handlers run on their own
// goroutines; a failing handler is logged and never affects the publisher.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewManager creates a new event manager.
func NewManager(enabled bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		logger:   logger,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	if m == nil || !m.enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers. A nil Manager
// drops the event.
func (m *Manager) Publish(ctx context.Context, merchantID string, eventType EventType, data any) {
	if m == nil {
		return
	}

	// Handlers are counted under the read lock so Shutdown, which flips
	// enabled under the write lock, never waits on a counter still rising.
	m.mu.RLock()
	if !m.enabled || len(m.handlers[eventType]) == 0 {
		m.mu.RUnlock()
		return
	}
	handlers := append([]Handler(nil), m.handlers[eventType]...)
	m.wg.Add(len(handlers))
	m.mu.RUnlock()

	event := Event{
		Type:       eventType,
		MerchantID: merchantID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	}

	// Handlers outlive the request, so they must not inherit its cancellation.
	hctx := context.WithoutCancel(ctx)
	for _, handler := range handlers {
		go func(h Handler) {
			defer m.wg.Done()
			if err := h(hctx, event); err != nil {
				m.logger.Warn("event handler failed",
					"event", string(eventType),
					"merchant_id", merchantID,
					"error", err,
				)
			}
		}(handler)
	}
}

// PublishRewardEarned publishes a reward earned event.
func (m *Manager) PublishRewardEarned(ctx context.Context, reward models.Reward, traceID string) {
	m.Publish(ctx, reward.MerchantID, EventRewardEarned, RewardEarnedData{
		Reward:  reward,
		OfferID: reward.OfferID,
		TraceID: traceID,
	})
}

// PublishRewardRedeemed publishes a reward redeemed event.
func (m *Manager) PublishRewardRedeemed(ctx context.Context, reward models.Reward, redemption models.Redemption) {
	m.Publish(ctx, reward.MerchantID, EventRewardRedeemed, RewardRedeemedData{
		Reward:     reward,
		Redemption: redemption,
	})
}

// PublishRewardsExpired publishes a rewards expired event.
func (m *Manager) PublishRewardsExpired(ctx context.Context, merchantID string, rewardIDs []string) {
	m.Publish(ctx, merchantID, EventRewardsExpired, RewardsExpiredData{
		RewardIDs: rewardIDs,
		Count:     len(rewardIDs),
	})
}

// PublishOrderProcessed publishes an order processed event.
func (m *Manager) PublishOrderProcessed(ctx context.Context, merchantID string, data OrderProcessedData) {
	m.Publish(ctx, merchantID, EventOrderProcessed, data)
}

// Wait blocks until every in-flight handler returned.
func (m *Manager) Wait() {
	if m == nil {
		return
	}
	m.wg.Wait()
}

// Shutdown stops accepting events and waits for running handlers.
func (m *Manager) Shutdown() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()

	m.wg.Wait()
}
