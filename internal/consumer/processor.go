package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"hakoflow/internal/metrics"
	"hakoflow/internal/model"
	"hakoflow/internal/repository"
	v1 "hakoflow/pkg/api/v1"
	"hakoflow/pkg/constraints"
	"hakoflow/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// processor resolves one stream entry against the outbox and decides its fate:
// dropped, handled, retried later, or dead-lettered. Shared by the read loop
// and the sweeper. Duplicate delivery is the normal case, not an error.
type processor struct {
	outboxRepo  repository.OutboxInterface
	handler     Handler
	maxAttempts int
	observer    metrics.ConsumerObserver
}

func newProcessor(outboxRepo repository.OutboxInterface, handler Handler, maxAttempts int, observer metrics.ConsumerObserver) *processor {
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	return &processor{
		outboxRepo:  outboxRepo,
		handler:     handler,
		maxAttempts: maxAttempts,
		observer:    observer,
	}
}

// process reports whether the entry should be acknowledged. A false return
// leaves the entry in the group's pending list for redelivery. Nothing here
// may panic outward: an escaping panic would stall the whole batch.
func (p *processor) process(ctx context.Context, stream string, msg redis.XMessage) (ack bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic during message processing",
				zap.String("stream", stream),
				zap.String("message_id", msg.ID),
				zap.Any("panic", r))
			ack = false
		}
	}()

	outboxID, okID := msg.Values[constraints.FieldOutboxID].(string)
	payload, okPayload := msg.Values[constraints.FieldPayload].(string)
	if !okID || outboxID == "" || !okPayload || payload == "" {
		logger.Warn("malformed stream entry, dropping",
			zap.String("stream", stream), zap.String("message_id", msg.ID))
		p.observer.RecordDropped("malformed")
		return true
	}

	var event v1.IntegrationEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		logger.Warn("undecodable payload, dropping",
			zap.String("outbox_id", outboxID), zap.Error(err))
		p.observer.RecordDropped("malformed")
		return true
	}

	row, err := p.outboxRepo.GetByID(ctx, outboxID)
	if err != nil {
		if errors.Is(err, repository.ErrMessageNotFound) {
			// stale stream reference, the row was already resolved elsewhere
			p.observer.RecordDropped("stale")
			return true
		}
		logger.Error("outbox lookup failed", zap.String("outbox_id", outboxID), zap.Error(err))
		return false
	}

	if row.Status == model.StatusProcessed {
		p.observer.RecordDropped("duplicate")
		return true
	}

	if row.Attempts >= p.maxAttempts {
		reason := fmt.Sprintf("exceeded max attempts (%d)", p.maxAttempts)
		if err := p.outboxRepo.MoveToDeadLetter(ctx, row, reason); err != nil {
			logger.Error("dead letter move failed", zap.String("outbox_id", outboxID), zap.Error(err))
			return false
		}
		logger.Warn("message dead-lettered",
			zap.String("outbox_id", outboxID),
			zap.Int("attempts", row.Attempts))
		p.observer.RecordDeadLettered()
		return true
	}

	if err := p.invokeHandler(ctx, &event); err != nil {
		// no ack: the entry stays pending for this loop, the sweeper, or the
		// next owner after a rebalance; attempts bookkeeping is the writer's
		logger.Warn("handler failed",
			zap.String("outbox_id", outboxID),
			zap.String("event_type", event.EventType),
			zap.Error(err))
		p.observer.RecordHandlerFailure()
		return false
	}

	if err := p.outboxRepo.MarkProcessed(ctx, outboxID); err != nil {
		logger.Error("mark processed failed", zap.String("outbox_id", outboxID), zap.Error(err))
		return false
	}
	p.observer.RecordProcessed()
	return true
}

func (p *processor) invokeHandler(ctx context.Context, event *v1.IntegrationEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.HandleIntegrationEvent(ctx, event)
}
