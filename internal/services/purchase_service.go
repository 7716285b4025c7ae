package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/classbank/backend/internal/models"
)

// PurchaseService runs the store checkout workflow. A basket either fully
// succeeds (all purchase rows, stock decrements and one debit entry) or
// nothing is applied: the whole workflow runs in one transaction holding
// FOR UPDATE locks on the account row and every basket item row.
type PurchaseService struct {
	db        *sql.DB
	ledger    *LedgerService
	events    EventPublisher
	validator *ValidationHelper
}

func NewPurchaseService(db *sql.DB, ledger *LedgerService, events EventPublisher) *PurchaseService {
	return &PurchaseService{
		db:        db,
		ledger:    ledger,
		events:    events,
		validator: NewValidationHelper(),
	}
}

// BasketLine is one requested item in a checkout.
type BasketLine struct {
	StoreItemID string `json:"storeItemId" validate:"required"`
	Quantity    int64  `json:"quantity" validate:"required,gt=0"`
}

// CheckoutRequest is the checkout payload. The account is derived from the
// authenticated student and the class, never taken from the client.
type CheckoutRequest struct {
	ClassID        string       `json:"classId" validate:"required"`
	Lines          []BasketLine `json:"lines" validate:"required,min=1,max=50,dive"`
	IdempotencyKey string       `json:"idempotencyKey" validate:"max=120"`
}

// CheckoutResult is returned on a committed checkout.
type CheckoutResult struct {
	Purchases []models.Purchase `json:"purchases"`
	Entry     *models.Entry     `json:"entry"`
	Balance   int64             `json:"balance"`
}

// Checkout validates and applies a basket for the given student.
func (s *PurchaseService) Checkout(ctx context.Context, studentID string, req *CheckoutRequest) (*CheckoutResult, error) {
	account, err := s.ledger.GetAccountForStudent(ctx, studentID, req.ClassID)
	if err != nil {
		return nil, err
	}

	lines, err := mergeLines(req.Lines)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The account lock serializes concurrent checkouts (and payouts) on the
	// same account, so the balance read below cannot go stale before commit.
	if _, err := s.ledger.LockAccountTx(tx, account.ID); err != nil {
		return nil, err
	}

	balance, err := s.ledger.BalanceOfTx(tx, account.ID)
	if err != nil {
		return nil, err
	}

	items, totalCost, err := s.validateBasketTx(tx, account, studentID, lines)
	if err != nil {
		return nil, err
	}

	if totalCost > balance {
		return nil, ErrInsufficientBalance.Withf("basket costs %d but balance is %d", totalCost, balance)
	}

	purchases := make([]models.Purchase, 0, len(lines))
	now := time.Now()
	for _, line := range lines {
		item := items[line.StoreItemID]

		purchase := models.Purchase{
			ID:          uuid.NewString(),
			StudentID:   studentID,
			ClassID:     account.ClassID,
			AccountID:   account.ID,
			StoreItemID: item.ID,
			Quantity:    line.Quantity,
			UnitPrice:   item.Price,
			Total:       item.Price * line.Quantity,
			CreatedAt:   now,
		}
		if _, err := tx.Exec(`
			INSERT INTO purchases
			(id, student_id, class_id, account_id, store_item_id, quantity, unit_price, total, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			purchase.ID, purchase.StudentID, purchase.ClassID, purchase.AccountID,
			purchase.StoreItemID, purchase.Quantity, purchase.UnitPrice, purchase.Total, purchase.CreatedAt); err != nil {
			return nil, err
		}

		if item.Stock != nil {
			if err := s.decrementStockTx(tx, item.ID, line.Quantity); err != nil {
				return nil, err
			}
		}

		purchases = append(purchases, purchase)
	}

	entry := &models.Entry{
		AccountID:       account.ID,
		ClassID:         account.ClassID,
		ClassroomID:     account.ClassroomID,
		Type:            models.EntryTypePurchase,
		Amount:          -totalCost,
		Memo:            fmt.Sprintf("Store purchase, %d item(s)", len(purchases)),
		CreatedByUserID: studentID,
	}
	if req.IdempotencyKey != "" {
		entry.IdempotencyKey = &req.IdempotencyKey
	}

	posted, err := s.ledger.AppendEntryTx(tx, entry)
	if errors.Is(err, ErrDuplicateKey) {
		// Retried checkout: the rollback discards this attempt's purchase
		// rows and stock decrements, the original entry stands alone.
		log.Printf("[CHECKOUT] replayed idempotency key %s, original entry %s stands", req.IdempotencyKey, posted.ID)
		return nil, ErrDuplicateKey
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	purchaseIDs := make([]string, len(purchases))
	for i, p := range purchases {
		purchaseIDs[i] = p.ID
	}
	s.events.PublishPurchaseCompleted(ctx, purchaseIDs, account.ID)

	return &CheckoutResult{
		Purchases: purchases,
		Entry:     posted,
		Balance:   balance - totalCost,
	}, nil
}

// validateBasketTx locks the basket's items in ascending id order and
// rejects the whole basket on the first violation. Locking order is fixed
// so concurrent checkouts with overlapping baskets cannot deadlock.
func (s *PurchaseService) validateBasketTx(tx *sql.Tx, account *models.Account, studentID string, lines []BasketLine) (map[string]*models.StoreItem, int64, error) {
	ids := make([]string, len(lines))
	byID := make(map[string]BasketLine, len(lines))
	for i, line := range lines {
		ids[i] = line.StoreItemID
		byID[line.StoreItemID] = line
	}
	sort.Strings(ids)

	items := make(map[string]*models.StoreItem, len(lines))
	var totalCost int64
	for _, id := range ids {
		line := byID[id]

		item, err := s.lockStoreItemTx(tx, id)
		if err != nil {
			return nil, 0, err
		}
		if item.ClassID != account.ClassID {
			return nil, 0, ErrItemWrongClass.Withf("item %s belongs to class %s", item.ID, item.ClassID)
		}
		if !item.Active {
			return nil, 0, ErrItemInactive.Withf("item %s is not active", item.ID)
		}
		if item.Stock != nil && *item.Stock < line.Quantity {
			return nil, 0, ErrInsufficientStock.Withf("item %s has %d in stock, %d requested", item.ID, *item.Stock, line.Quantity)
		}
		if item.PerStudentLimit > 0 {
			prior, err := s.purchasedQuantityTx(tx, studentID, item.ID)
			if err != nil {
				return nil, 0, err
			}
			if prior+line.Quantity > item.PerStudentLimit {
				return nil, 0, ErrItemLimitExceeded.Withf("item %s is limited to %d per student", item.ID, item.PerStudentLimit)
			}
		}

		items[id] = item
		totalCost += item.Price * line.Quantity
	}

	return items, totalCost, nil
}

func (s *PurchaseService) lockStoreItemTx(tx *sql.Tx, itemID string) (*models.StoreItem, error) {
	var item models.StoreItem
	var limit sql.NullInt64
	err := tx.QueryRow(`
		SELECT id, class_id, name, price, stock, active, per_student_limit, created_at
		FROM store_items
		WHERE id = $1
		FOR UPDATE`, itemID).Scan(
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

func (s *PurchaseService) purchasedQuantityTx(tx *sql.Tx, studentID, itemID string) (int64, error) {
	var quantity int64
	err := tx.QueryRow(`
		SELECT COALESCE(SUM(quantity), 0) FROM purchases
		WHERE student_id = $1 AND store_item_id = $2`, studentID, itemID).Scan(&quantity)
	return quantity, err
}

// decrementStockTx guards the decrement with stock >= quantity even though
// the item row is already locked, and treats zero affected rows as a stock
// failure rather than trusting the earlier read.
func (s *PurchaseService) decrementStockTx(tx *sql.Tx, itemID string, quantity int64) error {
	res, err := tx.Exec(`
		UPDATE store_items
		SET stock = stock - $1
		WHERE id = $2 AND stock IS NOT NULL AND stock >= $1`, quantity, itemID)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInsufficientStock.Withf("item %s ran out of stock", itemID)
	}
	return nil
}

func mergeLines(lines []BasketLine) ([]BasketLine, error) {
	merged := make([]BasketLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, ErrValidation.Withf("quantity must be positive for item %s", line.StoreItemID)
		}
		if i, ok := index[line.StoreItemID]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.StoreItemID] = len(merged)
		merged = append(merged, line)
	}
	return merged, nil
}

// HandleCheckout processes a basket purchase
// @Summary Checkout a shopping basket
// @Description Atomically purchase a basket of store items against the student's balance
// @Tags store
// @Accept json
// @Produce json
// @Param basket body CheckoutRequest true "Basket data"
// @Success 201 {object} CheckoutResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /store/checkout [post]
func (s *PurchaseService) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	userID, _ := CallerFromContext(r.Context())

	var req CheckoutRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := s.Checkout(r.Context(), userID, &req)
	if err != nil {
		log.Printf("[CHECKOUT] checkout rejected for student %s: %v", userID, err)
		WriteServiceError(w, err)
		return
	}

	log.Printf("[CHECKOUT] student %s purchased %d item(s) for %d", userID, len(result.Purchases), -result.Entry.Amount)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}
