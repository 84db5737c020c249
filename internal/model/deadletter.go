package model

import "time"

// DeadLetterMessage is the terminal home of an outbox message that exhausted
// its retries. Its ID is the outbox id; the row is created in the same
// transaction that deletes the outbox row, so an id is never live in both
// tables at once.
type DeadLetterMessage struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	FailedAt  time.Time `json:"failed_at"`
	Event     string    `json:"event" gorm:"type:text"`
	LastError string    `json:"last_error" gorm:"size:512"`
	CreatedAt time.Time
}
