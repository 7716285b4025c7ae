package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/classbank/backend/internal/models"
)

// LedgerService owns the append-only entry store and the balance engine.
// Balances are never stored: BalanceOfTx/GetBalance sum the account's
// entries and are the only balance derivation in the system.
type LedgerService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// LockAccountTx loads an account under FOR UPDATE, serializing every
// money-moving workflow that touches it for the life of the transaction.
func (s *LedgerService) LockAccountTx(tx *sql.Tx, accountID string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT id, student_id, class_id, classroom_id, created_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(
		&account.ID, &account.StudentID, &account.ClassID, &account.ClassroomID, &account.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound.Withf("account %s not found", accountID)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// GetAccount loads an account outside any transaction (read paths).
func (s *LedgerService) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, student_id, class_id, classroom_id, created_at
		FROM accounts
		WHERE id = $1`, accountID).Scan(
		&account.ID, &account.StudentID, &account.ClassID, &account.ClassroomID, &account.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound.Withf("account %s not found", accountID)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// GetAccountForStudent resolves the caller's account in a class.
func (s *LedgerService) GetAccountForStudent(ctx context.Context, studentID, classID string) (*models.Account, error) {
	var account models.Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, student_id, class_id, classroom_id, created_at
		FROM accounts
		WHERE student_id = $1 AND class_id = $2`, studentID, classID).Scan(
		&account.ID, &account.StudentID, &account.ClassID, &account.ClassroomID, &account.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound.Withf("no account for student %s in class %s", studentID, classID)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// BalanceOfTx derives the balance from the account's entries inside tx.
func (s *LedgerService) BalanceOfTx(tx *sql.Tx, accountID string) (int64, error) {
	var balance int64
	err := tx.QueryRow(`
		SELECT COALESCE(SUM(amount), 0) FROM entries WHERE account_id = $1`, accountID).Scan(&balance)
	return balance, err
}

// GetBalance derives the balance outside a transaction (read path only).
func (s *LedgerService) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM entries WHERE account_id = $1`, accountID).Scan(&balance)
	return balance, err
}

func validateEntry(e *models.Entry) error {
	if e.AccountID == "" || e.ClassID == "" || e.ClassroomID == "" {
		return ErrValidation.Withf("account, class and classroom are required")
	}
	if !models.ValidEntryType(e.Type) {
		return ErrValidation.Withf("unknown entry type %q", e.Type)
	}
	if e.Amount == 0 {
		return ErrValidation.Withf("amount must be non-zero")
	}
	switch e.Type {
	case models.EntryTypeDeposit, models.EntryTypeRefund, models.EntryTypePayroll:
		if e.Amount < 0 {
			return ErrValidation.Withf("%s entries must be credits", e.Type)
		}
	case models.EntryTypeWithdrawal, models.EntryTypePurchase, models.EntryTypeFine:
		if e.Amount > 0 {
			return ErrValidation.Withf("%s entries must be debits", e.Type)
		}
	}
	if e.IdempotencyKey != nil && *e.IdempotencyKey == "" {
		return ErrValidation.Withf("idempotency key must not be empty when present")
	}
	return nil
}

// AppendEntryTx posts one immutable entry inside tx. The idempotency key's
// unique index is the arbiter: ON CONFLICT DO NOTHING keeps the transaction
// alive on a replay, the original entry is loaded and returned together
// with ErrDuplicateKey. Entries are never updated or deleted afterwards.
func (s *LedgerService) AppendEntryTx(tx *sql.Tx, e *models.Entry) (*models.Entry, error) {
	if err := validateEntry(e); err != nil {
		return nil, err
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now()

	res, err := tx.Exec(`
		INSERT INTO entries
		(id, account_id, class_id, classroom_id, type, amount, memo, created_by_user_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`,
		e.ID, e.AccountID, e.ClassID, e.ClassroomID, e.Type, e.Amount, e.Memo,
		e.CreatedByUserID, e.IdempotencyKey, e.CreatedAt)
	if err != nil {
		return nil, err
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if inserted == 0 {
		original, err := s.getEntryByKeyTx(tx, *e.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		return original, ErrDuplicateKey
	}

	return e, nil
}

// AppendEntry posts one entry in its own transaction. It takes the account
// lock first so a manual debit serializes against any concurrent checkout or
// payout balance check on the same account, the same protocol checkout and
// payroll follow.
func (s *LedgerService) AppendEntry(ctx context.Context, e *models.Entry) (*models.Entry, error) {
	if err := validateEntry(e); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := s.LockAccountTx(tx, e.AccountID); err != nil {
		return nil, err
	}

	entry, err := s.AppendEntryTx(tx, e)
	if err != nil && !errors.Is(err, ErrDuplicateKey) {
		return nil, err
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return nil, commitErr
	}
	return entry, err
}

func (s *LedgerService) getEntryByKeyTx(tx *sql.Tx, key string) (*models.Entry, error) {
	row := tx.QueryRow(`
		SELECT id, account_id, class_id, classroom_id, type, amount, COALESCE(memo, ''),
		       created_by_user_id, idempotency_key, created_at
		FROM entries
		WHERE idempotency_key = $1`, key)
	return scanEntry(row)
}

// GetEntry fetches one entry by id.
func (s *LedgerService) GetEntry(ctx context.Context, entryID string) (*models.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, class_id, classroom_id, type, amount, COALESCE(memo, ''),
		       created_by_user_id, idempotency_key, created_at
		FROM entries
		WHERE id = $1`, entryID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound.Withf("entry %s not found", entryID)
	}
	return entry, err
}

// ListEntries returns an account's entries newest first.
func (s *LedgerService) ListEntries(ctx context.Context, accountID string, limit, offset int) ([]models.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, class_id, classroom_id, type, amount, COALESCE(memo, ''),
		       created_by_user_id, idempotency_key, created_at
		FROM entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.Entry{}
	for rows.Next() {
		var e models.Entry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.ClassID, &e.ClassroomID, &e.Type,
			&e.Amount, &e.Memo, &e.CreatedByUserID, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.Entry, error) {
	var e models.Entry
	err := row.Scan(&e.ID, &e.AccountID, &e.ClassID, &e.ClassroomID, &e.Type,
		&e.Amount, &e.Memo, &e.CreatedByUserID, &e.IdempotencyKey, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// HTTP handlers

// AppendEntryRequest is the manual posting payload (teacher role).
type AppendEntryRequest struct {
	AccountID      string `json:"accountId" validate:"required"`
	Type           string `json:"type" validate:"required"`
	Amount         int64  `json:"amount" validate:"required"`
	Memo           string `json:"memo" validate:"max=200"`
	IdempotencyKey string `json:"idempotencyKey" validate:"max=120"`
}

// HandleAppendEntry posts a manual ledger entry
// @Summary Append a ledger entry
// @Description Post a DEPOSIT, WITHDRAWAL, ADJUSTMENT or FINE entry to a student account
// @Tags ledger
// @Accept json
// @Produce json
// @Param entry body AppendEntryRequest true "Entry data"
// @Success 201 {object} models.Entry
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /ledger/entries [post]
func (s *LedgerService) HandleAppendEntry(w http.ResponseWriter, r *http.Request) {
	userID, role := CallerFromContext(r.Context())
	if role != RoleTeacher {
		WriteServiceError(w, ErrForbidden.Withf("only teachers may post manual entries"))
		return
	}

	var req AppendEntryRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	account, err := s.GetAccount(r.Context(), req.AccountID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	entry := &models.Entry{
		AccountID:       account.ID,
		ClassID:         account.ClassID,
		ClassroomID:     account.ClassroomID,
		Type:            models.EntryType(req.Type),
		Amount:          req.Amount,
		Memo:            req.Memo,
		CreatedByUserID: userID,
	}
	if req.IdempotencyKey != "" {
		entry.IdempotencyKey = &req.IdempotencyKey
	}

	posted, err := s.AppendEntry(r.Context(), entry)
	if errors.Is(err, ErrDuplicateKey) {
		log.Printf("[LEDGER] duplicate idempotency key %s, returning original entry %s", req.IdempotencyKey, posted.ID)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"code":  ErrDuplicateKey.Code,
			"entry": posted,
		})
		return
	}
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	log.Printf("[LEDGER] posted %s entry %s for account %s amount %d", entry.Type, posted.ID, account.ID, posted.Amount)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(posted)
}

// HandleGetBalance returns the derived balance
// @Summary Get account balance
// @Description Derive the account balance from its ledger entries
// @Tags ledger
// @Produce json
// @Param accountId query string true "Account ID"
// @Success 200 {object} object{accountId=string,balance=int64}
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /ledger/balance [get]
func (s *LedgerService) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		SendErrorResponse(w, "accountId is required", http.StatusBadRequest, nil)
		return
	}

	account, err := s.GetAccount(r.Context(), accountID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if err := s.authorizeAccountRead(r.Context(), account); err != nil {
		WriteServiceError(w, err)
		return
	}

	balance, err := s.GetBalance(r.Context(), accountID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"accountId": accountID,
		"balance":   balance,
	})
}

// HandleListEntries returns an account's entry history
// @Summary List ledger entries
// @Description List an account's entries, newest first
// @Tags ledger
// @Produce json
// @Param accountId query string true "Account ID"
// @Param limit query int false "Page size (default 50, max 200)"
// @Param offset query int false "Offset"
// @Success 200 {object} object{entries=[]models.Entry,count=int}
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /ledger/entries [get]
func (s *LedgerService) HandleListEntries(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	if accountID == "" {
		SendErrorResponse(w, "accountId is required", http.StatusBadRequest, nil)
		return
	}

	account, err := s.GetAccount(r.Context(), accountID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if err := s.authorizeAccountRead(r.Context(), account); err != nil {
		WriteServiceError(w, err)
		return
	}

	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 200 {
		limit = l
	}
	offset := 0
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	entries, err := s.ListEntries(r.Context(), accountID, limit, offset)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// HandleGetEntry returns a single entry
// @Summary Get ledger entry
// @Tags ledger
// @Produce json
// @Param entryId path string true "Entry ID"
// @Success 200 {object} models.Entry
// @Failure 404 {object} ErrorResponse
// @Router /ledger/entries/{entryId} [get]
func (s *LedgerService) HandleGetEntry(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryId")

	entry, err := s.GetEntry(r.Context(), entryID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	account, err := s.GetAccount(r.Context(), entry.AccountID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if err := s.authorizeAccountRead(r.Context(), account); err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}

// authorizeAccountRead allows teachers and the account's own student.
func (s *LedgerService) authorizeAccountRead(ctx context.Context, account *models.Account) error {
	userID, role := CallerFromContext(ctx)
	if role == RoleTeacher {
		return nil
	}
	if account.StudentID != userID {
		return ErrForbidden.Withf("account belongs to another student")
	}
	return nil
}
