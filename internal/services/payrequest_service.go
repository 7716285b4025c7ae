package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/classbank/backend/internal/models"
)

// PayRequestService governs the pay request state machine:
//
//	SUBMITTED -> APPROVED -> PAID
//	SUBMITTED|APPROVED -> REBUKED
//	SUBMITTED|APPROVED -> DENIED
//
// PAID and DENIED are terminal. Payout posts exactly one PAYROLL entry,
// keyed on the request id, so retried pay calls can never double-pay.
type PayRequestService struct {
	db        *sql.DB
	ledger    *LedgerService
	catalog   CatalogReader
	events    EventPublisher
	validator *ValidationHelper
}

func NewPayRequestService(db *sql.DB, ledger *LedgerService, catalog CatalogReader, events EventPublisher) *PayRequestService {
	return &PayRequestService{
		db:        db,
		ledger:    ledger,
		catalog:   catalog,
		events:    events,
		validator: NewValidationHelper(),
	}
}

func payoutKey(requestID string) string {
	return fmt.Sprintf("payrequest:%s:payout", requestID)
}

// SubmitPayRequestRequest is the student submission payload.
type SubmitPayRequestRequest struct {
	ClassID       string `json:"classId" validate:"required"`
	Amount        int64  `json:"amount" validate:"required,gt=0"`
	Reason        string `json:"reason" validate:"required,max=100"`
	Justification string `json:"justification" validate:"required,max=500"`
}

// Submit creates a SUBMITTED request after checking class membership and
// that the reason matches one of the class's configured labels.
func (s *PayRequestService) Submit(ctx context.Context, studentID string, req *SubmitPayRequestRequest) (*models.PayRequest, error) {
	member, err := s.catalog.IsActiveMember(ctx, studentID, req.ClassID, RoleStudent)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrForbidden.Withf("student %s is not an active member of class %s", studentID, req.ClassID)
	}

	reasons, err := s.catalog.GetClassReasons(ctx, req.ClassID)
	if err != nil {
		return nil, err
	}
	valid := false
	for _, label := range reasons {
		if label == req.Reason {
			valid = true
			break
		}
	}
	if !valid {
		return nil, ErrValidation.Withf("reason %q is not configured for class %s", req.Reason, req.ClassID)
	}

	now := time.Now()
	request := &models.PayRequest{
		ID:            uuid.NewString(),
		ClassID:       req.ClassID,
		StudentID:     studentID,
		Amount:        req.Amount,
		Reason:        req.Reason,
		Justification: req.Justification,
		Status:        models.PayRequestStatusSubmitted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pay_requests
		(id, class_id, student_id, amount, reason, justification, status, teacher_comment, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		request.ID, request.ClassID, request.StudentID, request.Amount, request.Reason,
		request.Justification, request.Status, request.TeacherComment, request.CreatedAt, request.UpdatedAt)
	if err != nil {
		return nil, err
	}

	s.events.PublishPayRequestStatusChanged(ctx, request.ID, string(request.Status))
	return request, nil
}

// Approve moves SUBMITTED to APPROVED. No money moves.
func (s *PayRequestService) Approve(ctx context.Context, teacherID, requestID, comment string) (*models.PayRequest, error) {
	return s.transition(ctx, teacherID, requestID, comment,
		[]models.PayRequestStatus{models.PayRequestStatusSubmitted},
		models.PayRequestStatusApproved)
}

// Rebuke sends a request back with a mandatory comment.
func (s *PayRequestService) Rebuke(ctx context.Context, teacherID, requestID, comment string) (*models.PayRequest, error) {
	if comment == "" {
		return nil, ErrCommentRequired.Withf("rebuking a request requires a comment")
	}
	return s.transition(ctx, teacherID, requestID, comment,
		[]models.PayRequestStatus{models.PayRequestStatusSubmitted, models.PayRequestStatusApproved},
		models.PayRequestStatusRebuked)
}

// Deny terminally rejects a request. Comment optional.
func (s *PayRequestService) Deny(ctx context.Context, teacherID, requestID, comment string) (*models.PayRequest, error) {
	return s.transition(ctx, teacherID, requestID, comment,
		[]models.PayRequestStatus{models.PayRequestStatusSubmitted, models.PayRequestStatusApproved},
		models.PayRequestStatusDenied)
}

func (s *PayRequestService) transition(ctx context.Context, teacherID, requestID, comment string, from []models.PayRequestStatus, to models.PayRequestStatus) (*models.PayRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	request, err := s.lockPayRequestTx(tx, requestID)
	if err != nil {
		return nil, err
	}

	if err := s.authorizeTeacher(ctx, teacherID, request.ClassID); err != nil {
		return nil, err
	}

	if !statusIn(request.Status, from) {
		return nil, ErrInvalidTransition.Withf("cannot move request from %s to %s", request.Status, to)
	}

	request.Status = to
	if comment != "" {
		request.TeacherComment = comment
	}
	request.UpdatedAt = time.Now()

	if _, err := tx.Exec(`
		UPDATE pay_requests
		SET status = $1, teacher_comment = $2, updated_at = $3
		WHERE id = $4`,
		request.Status, request.TeacherComment, request.UpdatedAt, request.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.events.PublishPayRequestStatusChanged(ctx, request.ID, string(request.Status))
	return request, nil
}

// Pay moves APPROVED to PAID and posts the single PAYROLL credit. Retries
// are safe twice over: a PAID request short-circuits to the prior result,
// and the payout entry's idempotency key blocks a second credit even if a
// crash left the request APPROVED after the entry was written.
func (s *PayRequestService) Pay(ctx context.Context, teacherID, requestID string) (*models.PayRequest, *models.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	request, err := s.lockPayRequestTx(tx, requestID)
	if err != nil {
		return nil, nil, err
	}

	if err := s.authorizeTeacher(ctx, teacherID, request.ClassID); err != nil {
		return nil, nil, err
	}

	if request.Status == models.PayRequestStatusPaid {
		// Replay: return the prior result instead of a second entry.
		entry, err := s.getEntryByKeyTx(tx, payoutKey(request.ID))
		if err != nil {
			return nil, nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, nil, err
		}
		log.Printf("[PAYREQUEST] pay replay for request %s, returning entry %s", request.ID, entry.ID)
		return request, entry, nil
	}

	if request.Status != models.PayRequestStatusApproved {
		return nil, nil, ErrInvalidTransition.Withf("cannot pay request in status %s", request.Status)
	}

	account, err := s.ledger.GetAccountForStudent(ctx, request.StudentID, request.ClassID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.ledger.LockAccountTx(tx, account.ID); err != nil {
		return nil, nil, err
	}

	key := payoutKey(request.ID)
	entry := &models.Entry{
		AccountID:       account.ID,
		ClassID:         account.ClassID,
		ClassroomID:     account.ClassroomID,
		Type:            models.EntryTypePayroll,
		Amount:          request.Amount,
		Memo:            fmt.Sprintf("Pay request payout: %s", request.Reason),
		CreatedByUserID: teacherID,
		IdempotencyKey:  &key,
	}

	posted, err := s.ledger.AppendEntryTx(tx, entry)
	if err != nil && !errors.Is(err, ErrDuplicateKey) {
		return nil, nil, err
	}

	request.Status = models.PayRequestStatusPaid
	request.UpdatedAt = time.Now()
	if _, err := tx.Exec(`
		UPDATE pay_requests SET status = $1, updated_at = $2 WHERE id = $3`,
		request.Status, request.UpdatedAt, request.ID); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	s.events.PublishPayRequestStatusChanged(ctx, request.ID, string(request.Status))
	log.Printf("[PAYREQUEST] paid request %s, entry %s credits %d to account %s", request.ID, posted.ID, request.Amount, account.ID)
	return request, posted, nil
}

func (s *PayRequestService) getEntryByKeyTx(tx *sql.Tx, key string) (*models.Entry, error) {
	return s.ledger.getEntryByKeyTx(tx, key)
}

func (s *PayRequestService) lockPayRequestTx(tx *sql.Tx, requestID string) (*models.PayRequest, error) {
	var request models.PayRequest
	err := tx.QueryRow(`
		SELECT id, class_id, student_id, amount, reason, justification, status,
		       COALESCE(teacher_comment, ''), created_at, updated_at
		FROM pay_requests
		WHERE id = $1
		FOR UPDATE`, requestID).Scan(
		&request.ID, &request.ClassID, &request.StudentID, &request.Amount,
		&request.Reason, &request.Justification, &request.Status,
		&request.TeacherComment, &request.CreatedAt, &request.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound.Withf("pay request %s not found", requestID)
	}
	if err != nil {
		return nil, err
	}
	return &request, nil
}

func (s *PayRequestService) authorizeTeacher(ctx context.Context, teacherID, classID string) error {
	member, err := s.catalog.IsActiveMember(ctx, teacherID, classID, RoleTeacher)
	if err != nil {
		return err
	}
	if !member {
		return ErrForbidden.Withf("teacher %s is not an active member of class %s", teacherID, classID)
	}
	return nil
}

// GetPayRequest fetches one request.
func (s *PayRequestService) GetPayRequest(ctx context.Context, requestID string) (*models.PayRequest, error) {
	var request models.PayRequest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, class_id, student_id, amount, reason, justification, status,
		       COALESCE(teacher_comment, ''), created_at, updated_at
		FROM pay_requests
		WHERE id = $1`, requestID).Scan(
		&request.ID, &request.ClassID, &request.StudentID, &request.Amount,
		&request.Reason, &request.Justification, &request.Status,
		&request.TeacherComment, &request.CreatedAt, &request.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound.Withf("pay request %s not found", requestID)
	}
	if err != nil {
		return nil, err
	}
	return &request, nil
}

// ListPayRequests returns a class's requests, optionally filtered by
// status. Students only see their own.
func (s *PayRequestService) ListPayRequests(ctx context.Context, classID, studentID, status string, limit int) ([]models.PayRequest, error) {
	query := `
		SELECT id, class_id, student_id, amount, reason, justification, status,
		       COALESCE(teacher_comment, ''), created_at, updated_at
		FROM pay_requests
		WHERE class_id = $1`
	args := []any{classID}

	if studentID != "" {
		args = append(args, studentID)
		query += fmt.Sprintf(" AND student_id = $%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := []models.PayRequest{}
	for rows.Next() {
		var request models.PayRequest
		if err := rows.Scan(&request.ID, &request.ClassID, &request.StudentID, &request.Amount,
			&request.Reason, &request.Justification, &request.Status,
			&request.TeacherComment, &request.CreatedAt, &request.UpdatedAt); err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	return requests, rows.Err()
}

// HTTP handlers

// HandleSubmit creates a pay request
// @Summary Submit a pay request
// @Description Create a SUBMITTED pay request for the authenticated student
// @Tags pay-requests
// @Accept json
// @Produce json
// @Param request body SubmitPayRequestRequest true "Request data"
// @Success 201 {object} models.PayRequest
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /pay-requests [post]
func (s *PayRequestService) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, _ := CallerFromContext(r.Context())

	var req SubmitPayRequestRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	request, err := s.Submit(r.Context(), userID, &req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	log.Printf("[PAYREQUEST] student %s submitted request %s for %d", userID, request.ID, request.Amount)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(request)
}

// transitionRequest is the shared approve/rebuke/deny payload.
type transitionRequest struct {
	Comment string `json:"comment" validate:"max=500"`
}

// HandleApprove approves a pay request
// @Summary Approve a pay request
// @Tags pay-requests
// @Accept json
// @Produce json
// @Param requestId path string true "Request ID"
// @Param body body transitionRequest false "Optional comment"
// @Success 200 {object} models.PayRequest
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /pay-requests/{requestId}/approve [post]
func (s *PayRequestService) HandleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.Approve)
}

// HandleRebuke rebukes a pay request
// @Summary Rebuke a pay request
// @Description Send a request back to the student with a mandatory comment
// @Tags pay-requests
// @Accept json
// @Produce json
// @Param requestId path string true "Request ID"
// @Param body body transitionRequest true "Comment (required)"
// @Success 200 {object} models.PayRequest
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /pay-requests/{requestId}/rebuke [post]
func (s *PayRequestService) HandleRebuke(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.Rebuke)
}

// HandleDeny denies a pay request
// @Summary Deny a pay request
// @Tags pay-requests
// @Accept json
// @Produce json
// @Param requestId path string true "Request ID"
// @Param body body transitionRequest false "Optional comment"
// @Success 200 {object} models.PayRequest
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /pay-requests/{requestId}/deny [post]
func (s *PayRequestService) HandleDeny(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, s.Deny)
}

func (s *PayRequestService) handleTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string, string) (*models.PayRequest, error)) {
	userID, role := CallerFromContext(r.Context())
	if role != RoleTeacher {
		WriteServiceError(w, ErrForbidden.Withf("only teachers may review pay requests"))
		return
	}

	requestID := chi.URLParam(r, "requestId")

	var req transitionRequest
	if r.ContentLength > 0 {
		if err := DecodeJSONBody(w, r, &req); err != nil {
			SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
			return
		}
		if err := s.validator.ValidateStruct(&req); err != nil {
			SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
			return
		}
	}

	request, err := fn(r.Context(), userID, requestID, req.Comment)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	log.Printf("[PAYREQUEST] request %s moved to %s by %s", request.ID, request.Status, userID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(request)
}

// HandlePay pays an approved request
// @Summary Pay an approved request
// @Description Post the single PAYROLL payout entry and mark the request PAID; safe to retry
// @Tags pay-requests
// @Produce json
// @Param requestId path string true "Request ID"
// @Success 200 {object} object{request=models.PayRequest,entry=models.Entry}
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /pay-requests/{requestId}/pay [post]
func (s *PayRequestService) HandlePay(w http.ResponseWriter, r *http.Request) {
	userID, role := CallerFromContext(r.Context())
	if role != RoleTeacher {
		WriteServiceError(w, ErrForbidden.Withf("only teachers may pay requests"))
		return
	}

	requestID := chi.URLParam(r, "requestId")

	request, entry, err := s.Pay(r.Context(), userID, requestID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"request": request,
		"entry":   entry,
	})
}

// HandleGet returns a single pay request
// @Summary Get a pay request
// @Tags pay-requests
// @Produce json
// @Param requestId path string true "Request ID"
// @Success 200 {object} models.PayRequest
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /pay-requests/{requestId} [get]
func (s *PayRequestService) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, role := CallerFromContext(r.Context())
	requestID := chi.URLParam(r, "requestId")

	request, err := s.GetPayRequest(r.Context(), requestID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	if role != RoleTeacher && request.StudentID != userID {
		WriteServiceError(w, ErrForbidden.Withf("pay request belongs to another student"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(request)
}

// HandleList lists pay requests for a class
// @Summary List pay requests
// @Description Teachers see the class queue; students see their own requests
// @Tags pay-requests
// @Produce json
// @Param classId query string true "Class ID"
// @Param status query string false "Filter by status"
// @Success 200 {object} object{requests=[]models.PayRequest,count=int}
// @Failure 400 {object} ErrorResponse
// @Router /pay-requests [get]
func (s *PayRequestService) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, role := CallerFromContext(r.Context())

	classID := r.URL.Query().Get("classId")
	if classID == "" {
		SendErrorResponse(w, "classId is required", http.StatusBadRequest, nil)
		return
	}
	status := r.URL.Query().Get("status")

	studentID := ""
	if role != RoleTeacher {
		studentID = userID
	}

	requests, err := s.ListPayRequests(r.Context(), classID, studentID, status, 100)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"requests": requests,
		"count":    len(requests),
	})
}

func statusIn(status models.PayRequestStatus, set []models.PayRequestStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
