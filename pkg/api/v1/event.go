package v1

import (
	"encoding/json"
	"time"
)

// IntegrationEvent is the envelope carried in the outbox payload and on the
// stream. ID doubles as the idempotency key for downstream handlers.
type IntegrationEvent struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	EventType   string          `json:"event_type"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Data        json.RawMessage `json:"data"`
}

// ProductData is the data section of product.* events.
type ProductData struct {
	ProductID   string   `json:"product_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	PriceCents  int64    `json:"price_cents"`
	Currency    string   `json:"currency"`
	Version     int      `json:"version"`
	Tags        []string `json:"tags,omitempty"`
}

func (e *IntegrationEvent) ToJSON() string {
	b, err := json.Marshal(e)
	if err != nil {
		panic("hakoflow serialization failed: " + err.Error())
	}
	return string(b)
}
