package models

import (
	"time"
)

type EntryType string

const (
	EntryTypeDeposit    EntryType = "DEPOSIT"
	EntryTypeWithdrawal EntryType = "WITHDRAWAL"
	EntryTypeTransfer   EntryType = "TRANSFER"
	EntryTypeAdjustment EntryType = "ADJUSTMENT"
	EntryTypePurchase   EntryType = "PURCHASE"
	EntryTypeRefund     EntryType = "REFUND"
	EntryTypePayroll    EntryType = "PAYROLL"
	EntryTypeFine       EntryType = "FINE"
)

// ValidEntryType reports whether t is one of the known ledger entry types.
func ValidEntryType(t EntryType) bool {
	switch t {
	case EntryTypeDeposit, EntryTypeWithdrawal, EntryTypeTransfer,
		EntryTypeAdjustment, EntryTypePurchase, EntryTypeRefund,
		EntryTypePayroll, EntryTypeFine:
		return true
	}
	return false
}

// Entry is one immutable signed amount posted to an account's ledger.
// Amount is in the smallest currency unit: positive is a credit, negative a
// debit. Rows are never updated or deleted once written.
type Entry struct {
	ID              string    `json:"id" db:"id"`
	AccountID       string    `json:"account_id" db:"account_id"`
	ClassID         string    `json:"class_id" db:"class_id"`
	ClassroomID     string    `json:"classroom_id" db:"classroom_id"`
	Type            EntryType `json:"type" db:"type"`
	Amount          int64     `json:"amount" db:"amount"`
	Memo            string    `json:"memo" db:"memo"`
	CreatedByUserID string    `json:"created_by_user_id" db:"created_by_user_id"`
	IdempotencyKey  *string   `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
