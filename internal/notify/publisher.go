// Package notify is the notification gateway: typed events are fanned out to
// registered subscriptions and delivered by a background worker with signed
// payloads and bounded retry.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"careroute/internal/store"
)

type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Emit enqueues the event for every subscription registered for its type.
// Fire-and-forget: callers never block on delivery.
func (p *Publisher) Emit(ctx context.Context, eventType string, data any) {
	subs, err := p.Store.SubscriptionsForEvent(ctx, eventType)
	if err != nil || len(subs) == 0 {
		return
	}
	payload := map[string]any{
		"id":   fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	}
	body, _ := json.Marshal(payload)
	for _, s := range subs {
		_, _ = p.Store.EnqueueDelivery(ctx, s.ID, eventType, s.URL, s.Secret, body)
	}
}
