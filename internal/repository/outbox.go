package repository

import (
	"context"
	"errors"
	"time"

	"hakoflow/internal/model"

	"gorm.io/gorm"
)

var ErrMessageNotFound = errors.New("outbox message not found")

type OutboxInterface interface {
	Create(ctx context.Context, msg *model.OutboxMessage) error
	GetByID(ctx context.Context, id string) (*model.OutboxMessage, error)
	MarkProcessed(ctx context.Context, id string) error
	MoveToDeadLetter(ctx context.Context, msg *model.OutboxMessage, reason string) error
	WithTx(tx *gorm.DB) OutboxInterface
}

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Create(ctx context.Context, msg *model.OutboxMessage) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *OutboxRepository) GetByID(ctx context.Context, id string) (*model.OutboxMessage, error) {
	var msg model.OutboxMessage
	if err := r.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

func (r *OutboxRepository) MarkProcessed(ctx context.Context, id string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxMessage{}).Where("id = ?", id).Updates(map[string]any{
		"status":       model.StatusProcessed,
		"processed_at": now,
	}).Error
}

// MoveToDeadLetter deletes the outbox row and inserts the dead-letter row in
// one transaction, so an id is never live in both tables or in neither.
// If the row is already gone (a racing duplicate delivery won), nothing is
// written.
func (r *OutboxRepository) MoveToDeadLetter(ctx context.Context, msg *model.OutboxMessage, reason string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", msg.ID).Delete(&model.OutboxMessage{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Create(&model.DeadLetterMessage{
			ID:        msg.ID,
			FailedAt:  time.Now(),
			Event:     msg.Payload,
			LastError: reason,
		}).Error
	})
}

func (r *OutboxRepository) WithTx(tx *gorm.DB) OutboxInterface {
	return &OutboxRepository{db: tx}
}
