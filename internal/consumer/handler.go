package consumer

import (
	"context"

	v1 "hakoflow/pkg/api/v1"
)

// Handler applies one integration event: a read-model projection update or an
// external side effect. Implementations must be idempotent per event id; the
// pipeline is at-least-once and will redeliver.
type Handler interface {
	HandleIntegrationEvent(ctx context.Context, event *v1.IntegrationEvent) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event *v1.IntegrationEvent) error

func (f HandlerFunc) HandleIntegrationEvent(ctx context.Context, event *v1.IntegrationEvent) error {
	return f(ctx, event)
}
