package projection

import (
	"context"
	"encoding/json"
	"fmt"

	"hakoflow/internal/model"
	"hakoflow/internal/repository"
	v1 "hakoflow/pkg/api/v1"
	"hakoflow/pkg/constraints"
	"hakoflow/pkg/logger"

	"go.uber.org/zap"
)

// ProductHandler maintains the denormalized catalog read model. Idempotent:
// the version guard in the repository turns redelivered or reordered events
// into no-ops, and deletes are naturally repeatable.
type ProductHandler struct {
	views repository.ProductViewInterface
}

func NewProductHandler(views repository.ProductViewInterface) *ProductHandler {
	return &ProductHandler{views: views}
}

func (h *ProductHandler) HandleIntegrationEvent(ctx context.Context, event *v1.IntegrationEvent) error {
	switch event.EventType {
	case constraints.EventProductCreated, constraints.EventProductUpdated, constraints.EventPriceChanged:
		return h.applyUpsert(ctx, event)
	case constraints.EventProductDeleted:
		return h.views.Delete(ctx, event.AggregateID)
	default:
		// not a projection concern; succeeding here lets the message ack
		logger.Debug("ignoring event type", zap.String("event_type", event.EventType))
		return nil
	}
}

func (h *ProductHandler) applyUpsert(ctx context.Context, event *v1.IntegrationEvent) error {
	var data v1.ProductData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return fmt.Errorf("decode product data: %w", err)
	}

	return h.views.UpsertIfNewer(ctx, &model.ProductView{
		ID:          event.AggregateID,
		Name:        data.Name,
		Description: data.Description,
		PriceCents:  data.PriceCents,
		Currency:    data.Currency,
		Version:     data.Version,
	})
}
