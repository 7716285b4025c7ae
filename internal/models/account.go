package models

import (
	"time"
)

// Account is a student's per-class monetary identity. There is no balance
// column anywhere: the balance is always derived from ledger entries.
type Account struct {
	ID          string    `json:"id" db:"id"`
	StudentID   string    `json:"student_id" db:"student_id"`
	ClassID     string    `json:"class_id" db:"class_id"`
	ClassroomID string    `json:"classroom_id" db:"classroom_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
