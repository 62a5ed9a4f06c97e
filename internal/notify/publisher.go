// Package notify fans engine events out to webhook subscribers with
// signed payloads and retried delivery.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dispatch/internal/clock"
	"dispatch/internal/store"
)

// Notifier is the event port the engine emits through. Emit is
// fire-and-forget: enqueue failures are swallowed so notification
// trouble never fails a dispatch decision.
type Notifier interface {
	Emit(ctx context.Context, eventType string, data any)
}

type Publisher struct {
	Store store.Store
	Clock clock.Clock
}

func NewPublisher(s store.Store, c clock.Clock) *Publisher {
	return &Publisher{Store: s, Clock: c}
}

// Emit enqueues one delivery per subscription matching the event type.
func (p *Publisher) Emit(ctx context.Context, eventType string, data any) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, eventType)
	if err != nil || len(subs) == 0 {
		return
	}
	now := p.Clock.Now()
	payload := map[string]any{
		"id":   fmt.Sprintf("evt_%d", now.UnixNano()),
		"type": eventType,
		"ts":   now.UTC().Format(time.RFC3339),
		"data": data,
	}
	body, _ := json.Marshal(payload)
	for _, s := range subs {
		_, _ = p.Store.EnqueueWebhook(ctx, s.ID, eventType, s.URL, s.Secret, body)
	}
}

// Noop discards every event; used in tests and when webhooks are disabled.
type Noop struct{}

func (Noop) Emit(context.Context, string, any) {}
