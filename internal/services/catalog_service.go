package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/classbank/backend/internal/models"
)

// CatalogReader is the read-only slice of the catalog/class service the
// core consumes. Catalog CRUD lives elsewhere; the core never writes
// catalog data except for stock decrements during checkout.
type CatalogReader interface {
	GetStoreItem(ctx context.Context, itemID string) (*models.StoreItem, error)
	IsActiveMember(ctx context.Context, userID, classID, role string) (bool, error)
	GetClassReasons(ctx context.Context, classID string) ([]string, error)
	ListActiveStudentAccounts(ctx context.Context, classID string) ([]models.Account, error)
}

// CatalogService reads catalog and membership data straight from the
// shared database.
type CatalogService struct {
	db *sql.DB
}

func NewCatalogService(db *sql.DB) *CatalogService {
	return &CatalogService{db: db}
}

func (s *CatalogService) GetStoreItem(ctx context.Context, itemID string) (*models.StoreItem, error) {
	var item models.StoreItem
	var limit sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, class_id, name, price, stock, active, per_student_limit, created_at
		FROM store_items
		WHERE id = $1`, itemID).Scan(
		&item.ID, &item.ClassID, &item.Name, &item.Price, &item.Stock,
		&item.Active, &limit, &item.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound.Withf("item %s not found", itemID)
	}
	if err != nil {
		return nil, err
	}
	// NULL means no per-student cap, same as zero.
	item.PerStudentLimit = limit.Int64
	return &item, nil
}

func (s *CatalogService) IsActiveMember(ctx context.Context, userID, classID, role string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, `
		SELECT active FROM class_members
		WHERE user_id = $1 AND class_id = $2 AND role = $3`, userID, classID, role).Scan(&active)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}

func (s *CatalogService) GetClassReasons(ctx context.Context, classID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT label FROM class_reasons WHERE class_id = $1 ORDER BY label`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reasons := []string{}
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, err
		}
		reasons = append(reasons, label)
	}
	return reasons, rows.Err()
}

// ListActiveStudentAccounts returns the accounts of every active student
// member of the class, the payroll batch's fan-out set.
func (s *CatalogService) ListActiveStudentAccounts(ctx context.Context, classID string) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.student_id, a.class_id, a.classroom_id, a.created_at
		FROM accounts a
		INNER JOIN class_members m ON m.user_id = a.student_id AND m.class_id = a.class_id
		WHERE a.class_id = $1 AND m.role = 'STUDENT' AND m.active
		ORDER BY a.id`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		var account models.Account
		if err := rows.Scan(&account.ID, &account.StudentID, &account.ClassID,
			&account.ClassroomID, &account.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// HandleGetItem returns a store item
// @Summary Get store item
// @Tags store
// @Produce json
// @Param itemId path string true "Item ID"
// @Success 200 {object} models.StoreItem
// @Failure 404 {object} ErrorResponse
// @Router /store/items/{itemId} [get]
func (s *CatalogService) HandleGetItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemId")

	item, err := s.GetStoreItem(r.Context(), itemID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(item)
}
