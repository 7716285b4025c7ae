package models

import (
	"time"
)

type PayRequestStatus string

const (
	PayRequestStatusSubmitted PayRequestStatus = "SUBMITTED"
	PayRequestStatusApproved  PayRequestStatus = "APPROVED"
	PayRequestStatusPaid      PayRequestStatus = "PAID"
	PayRequestStatusRebuked   PayRequestStatus = "REBUKED"
	PayRequestStatusDenied    PayRequestStatus = "DENIED"
)

// PayRequest is a student-initiated request for a one-time payment. Status
// moves SUBMITTED -> APPROVED -> PAID, with REBUKED and DENIED reachable
// from SUBMITTED or APPROVED. PAID and DENIED are terminal. A request
// produces at most one ledger entry over its lifetime.
type PayRequest struct {
	ID             string           `json:"id" db:"id"`
	ClassID        string           `json:"class_id" db:"class_id"`
	StudentID      string           `json:"student_id" db:"student_id"`
	Amount         int64            `json:"amount" db:"amount"`
	Reason         string           `json:"reason" db:"reason"`
	Justification  string           `json:"justification" db:"justification"`
	Status         PayRequestStatus `json:"status" db:"status"`
	TeacherComment string           `json:"teacher_comment" db:"teacher_comment"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}
