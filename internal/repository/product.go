package repository

import (
	"context"
	"errors"

	"hakoflow/internal/model"

	"gorm.io/gorm"
)

type ProductViewInterface interface {
	GetByID(ctx context.Context, id string) (*model.ProductView, error)
	UpsertIfNewer(ctx context.Context, view *model.ProductView) error
	Delete(ctx context.Context, id string) error
}

type ProductViewRepository struct {
	db *gorm.DB
}

func NewProductViewRepository(db *gorm.DB) *ProductViewRepository {
	return &ProductViewRepository{db: db}
}

func (r *ProductViewRepository) GetByID(ctx context.Context, id string) (*model.ProductView, error) {
	var view model.ProductView
	if err := r.db.WithContext(ctx).First(&view, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &view, nil
}

// UpsertIfNewer writes the view unless the stored row already carries an equal
// or newer aggregate version. Stale redeliveries become no-ops, which keeps
// the projection idempotent and reorder-safe.
func (r *ProductViewRepository) UpsertIfNewer(ctx context.Context, view *model.ProductView) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.ProductView
		err := tx.First(&existing, "id = ?", view.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(view).Error
		case err != nil:
			return err
		case existing.Version >= view.Version:
			return nil
		default:
			return tx.Model(&model.ProductView{}).Where("id = ?", view.ID).Updates(map[string]any{
				"name":        view.Name,
				"description": view.Description,
				"price_cents": view.PriceCents,
				"currency":    view.Currency,
				"version":     view.Version,
			}).Error
		}
	})
}

func (r *ProductViewRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&model.ProductView{}, "id = ?", id).Error
}
