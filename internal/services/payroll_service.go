package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/classbank/backend/internal/models"
)

// PayrollService posts recurring PAYROLL credits to every active student in
// a class. Each account's entry carries the key
// payroll:<classId>:<period>:<accountId>, so re-running a batch for the
// same period replays instead of double-paying. Accounts are processed in
// independent transactions: one student's failure never rolls back the
// rest, and the failed account is simply picked up by the retry.
type PayrollService struct {
	db        *sql.DB
	ledger    *LedgerService
	catalog   CatalogReader
	validator *ValidationHelper
}

func NewPayrollService(db *sql.DB, ledger *LedgerService, catalog CatalogReader) *PayrollService {
	return &PayrollService{
		db:        db,
		ledger:    ledger,
		catalog:   catalog,
		validator: NewValidationHelper(),
	}
}

const (
	payrollPosted   = "POSTED"
	payrollReplayed = "REPLAYED"
	payrollFailed   = "FAILED"
)

// PayrollLineResult is the outcome for one account in a batch.
type PayrollLineResult struct {
	AccountID string `json:"accountId"`
	Status    string `json:"status"`
	EntryID   string `json:"entryId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RunPayroll posts one PAYROLL credit per active student account.
func (s *PayrollService) RunPayroll(ctx context.Context, createdBy, classID, period string, amount int64, memo string) ([]PayrollLineResult, error) {
	if amount <= 0 {
		return nil, ErrValidation.Withf("payroll amount must be positive")
	}

	accounts, err := s.catalog.ListActiveStudentAccounts(ctx, classID)
	if err != nil {
		return nil, err
	}

	if memo == "" {
		memo = fmt.Sprintf("Payroll for period %s", period)
	}

	results := make([]PayrollLineResult, 0, len(accounts))
	for _, account := range accounts {
		result := PayrollLineResult{AccountID: account.ID}

		entry, err := s.postOne(ctx, createdBy, &account, period, amount, memo)
		switch {
		case errors.Is(err, ErrDuplicateKey):
			result.Status = payrollReplayed
			result.EntryID = entry.ID
		case err != nil:
			log.Printf("[PAYROLL] failed to pay account %s for period %s: %v", account.ID, period, err)
			result.Status = payrollFailed
			result.Error = err.Error()
		default:
			result.Status = payrollPosted
			result.EntryID = entry.ID
		}

		results = append(results, result)
	}

	log.Printf("[PAYROLL] class %s period %s: %d account(s) processed", classID, period, len(results))
	return results, nil
}

func (s *PayrollService) postOne(ctx context.Context, createdBy string, account *models.Account, period string, amount int64, memo string) (*models.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := s.ledger.LockAccountTx(tx, account.ID); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("payroll:%s:%s:%s", account.ClassID, period, account.ID)
	entry := &models.Entry{
		AccountID:       account.ID,
		ClassID:         account.ClassID,
		ClassroomID:     account.ClassroomID,
		Type:            models.EntryTypePayroll,
		Amount:          amount,
		Memo:            memo,
		CreatedByUserID: createdBy,
		IdempotencyKey:  &key,
	}

	posted, appendErr := s.ledger.AppendEntryTx(tx, entry)
	if appendErr != nil && !errors.Is(appendErr, ErrDuplicateKey) {
		return nil, appendErr
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return posted, appendErr
}

// RunPayrollRequest is the batch payload.
type RunPayrollRequest struct {
	ClassID string `json:"classId" validate:"required"`
	Period  string `json:"period" validate:"required,max=60"`
	Amount  int64  `json:"amount" validate:"required,gt=0"`
	Memo    string `json:"memo" validate:"max=200"`
}

// HandleRunPayroll runs a payroll batch
// @Summary Run a payroll batch
// @Description Post one PAYROLL credit per active student; safe to retry for the same period
// @Tags payroll
// @Accept json
// @Produce json
// @Param batch body RunPayrollRequest true "Batch data"
// @Success 200 {object} object{results=[]PayrollLineResult,summary=object}
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /payroll/run [post]
func (s *PayrollService) HandleRunPayroll(w http.ResponseWriter, r *http.Request) {
	userID, role := CallerFromContext(r.Context())
	if role != RoleTeacher {
		WriteServiceError(w, ErrForbidden.Withf("only teachers may run payroll"))
		return
	}

	var req RunPayrollRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	member, err := s.catalog.IsActiveMember(r.Context(), userID, req.ClassID, RoleTeacher)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if !member {
		WriteServiceError(w, ErrForbidden.Withf("teacher %s is not an active member of class %s", userID, req.ClassID))
		return
	}

	results, err := s.RunPayroll(r.Context(), userID, req.ClassID, req.Period, req.Amount, req.Memo)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	summary := map[string]int{payrollPosted: 0, payrollReplayed: 0, payrollFailed: 0}
	for _, result := range results {
		summary[result.Status]++
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"results": results,
		"summary": summary,
	})
}
