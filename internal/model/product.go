package model

import "time"

// ProductView is the denormalized catalog read model maintained by the
// projection handler. Version carries the aggregate version of the last
// applied event so stale redeliveries can be skipped.
type ProductView struct {
	ID          string `json:"id" gorm:"primaryKey;size:64"`
	Name        string `json:"name" gorm:"size:255"`
	Description string `json:"description" gorm:"type:text"`
	PriceCents  int64  `json:"price_cents"`
	Currency    string `json:"currency" gorm:"size:8"`
	Version     int    `json:"version"`
	UpdatedAt   time.Time
	CreatedAt   time.Time
}
