package models

import (
	"time"
)

// StoreItem is a catalog row. Stock is nil for unlimited items.
// PerStudentLimit of zero means no per-student cap.
type StoreItem struct {
	ID              string    `json:"id" db:"id"`
	ClassID         string    `json:"class_id" db:"class_id"`
	Name            string    `json:"name" db:"name"`
	Price           int64     `json:"price" db:"price"`
	Stock           *int64    `json:"stock" db:"stock"`
	Active          bool      `json:"active" db:"active"`
	PerStudentLimit int64     `json:"per_student_limit" db:"per_student_limit"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Purchase is one basket line, written alongside exactly one PURCHASE debit
// entry. UnitPrice snapshots the item price at time of sale.
type Purchase struct {
	ID          string    `json:"id" db:"id"`
	StudentID   string    `json:"student_id" db:"student_id"`
	ClassID     string    `json:"class_id" db:"class_id"`
	AccountID   string    `json:"account_id" db:"account_id"`
	StoreItemID string    `json:"store_item_id" db:"store_item_id"`
	Quantity    int64     `json:"quantity" db:"quantity"`
	UnitPrice   int64     `json:"unit_price" db:"unit_price"`
	Total       int64     `json:"total" db:"total"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
