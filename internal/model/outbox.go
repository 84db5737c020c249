package model

import "time"

// OutboxMessage is one integration event staged for asynchronous delivery.
// The row is written in the same transaction as the domain change (write path,
// not part of this service) and resolved here by the stream consumer.
//
// Status only ever moves pending -> processed; a failed attempt leaves it
// pending. Attempts is bumped by the writer when it schedules a retry, never
// by the consumer.
type OutboxMessage struct {
	ID            string     `json:"id" gorm:"primaryKey;size:64"`
	AggregateID   string     `json:"aggregate_id" gorm:"size:64;index"`
	EventType     string     `json:"event_type" gorm:"size:128"`
	Payload       string     `json:"payload" gorm:"type:text"`
	Status        string     `json:"status" gorm:"size:16;index;default:pending"`
	Attempts      int        `json:"attempts" gorm:"default:0"`
	LastAttemptAt *time.Time `json:"last_attempt_at"`
	NextRetryAt   *time.Time `json:"next_retry_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
)
