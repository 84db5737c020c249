package repository

import (
	"context"
	"encoding/json"
	"errors"

	"hakoflow/internal/model"
	v1 "hakoflow/pkg/api/v1"

	"gorm.io/gorm"
)

var ErrDeadLetterNotFound = errors.New("dead letter not found")

type DeadLetterInterface interface {
	GetByID(ctx context.Context, id string) (*model.DeadLetterMessage, error)
	List(ctx context.Context, offset, limit int) ([]model.DeadLetterMessage, int64, error)
	Requeue(ctx context.Context, id string) error
	WithTx(tx *gorm.DB) DeadLetterInterface
}

type DeadLetterRepository struct {
	db *gorm.DB
}

func NewDeadLetterRepository(db *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

func (r *DeadLetterRepository) GetByID(ctx context.Context, id string) (*model.DeadLetterMessage, error) {
	var dl model.DeadLetterMessage
	if err := r.db.WithContext(ctx).First(&dl, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeadLetterNotFound
		}
		return nil, err
	}
	return &dl, nil
}

func (r *DeadLetterRepository) List(ctx context.Context, offset, limit int) ([]model.DeadLetterMessage, int64, error) {
	var entries []model.DeadLetterMessage
	var total int64
	if err := r.db.WithContext(ctx).Model(&model.DeadLetterMessage{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := r.db.WithContext(ctx).Order("failed_at DESC").
		Offset(offset).Limit(limit).Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// Requeue moves a dead letter back into the outbox with a reset attempts
// counter. Operator remediation only; delivery then follows the normal path.
func (r *DeadLetterRepository) Requeue(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dl model.DeadLetterMessage
		if err := tx.First(&dl, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDeadLetterNotFound
			}
			return err
		}

		var event v1.IntegrationEvent
		if err := json.Unmarshal([]byte(dl.Event), &event); err != nil {
			return err
		}

		if err := tx.Delete(&model.DeadLetterMessage{}, "id = ?", id).Error; err != nil {
			return err
		}
		return tx.Create(&model.OutboxMessage{
			ID:          dl.ID,
			AggregateID: event.AggregateID,
			EventType:   event.EventType,
			Payload:     dl.Event,
			Status:      model.StatusPending,
			Attempts:    0,
		}).Error
	})
}

func (r *DeadLetterRepository) WithTx(tx *gorm.DB) DeadLetterInterface {
	return &DeadLetterRepository{db: tx}
}
