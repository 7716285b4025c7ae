package services

import (
	"context"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/mock"

	"github.com/classbank/backend/internal/models"
)

// MockCatalog is a testify mock for the CatalogReader interface.
type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) GetStoreItem(ctx context.Context, itemID string) (*models.StoreItem, error) {
	args := m.Called(ctx, itemID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.StoreItem), args.Error(1)
}

func (m *MockCatalog) IsActiveMember(ctx context.Context, userID, classID, role string) (bool, error) {
	args := m.Called(ctx, userID, classID, role)
	return args.Bool(0), args.Error(1)
}

func (m *MockCatalog) GetClassReasons(ctx context.Context, classID string) ([]string, error) {
	args := m.Called(ctx, classID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockCatalog) ListActiveStudentAccounts(ctx context.Context, classID string) ([]models.Account, error) {
	args := m.Called(ctx, classID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Account), args.Error(1)
}

// recordingEvents captures published events so tests can assert on them
// without redis.
type recordingEvents struct {
	statusChanges []string
	purchases     [][]string
}

func (r *recordingEvents) PublishPayRequestStatusChanged(ctx context.Context, requestID, newStatus string) {
	r.statusChanges = append(r.statusChanges, requestID+":"+newStatus)
}

func (r *recordingEvents) PublishPurchaseCompleted(ctx context.Context, purchaseIDs []string, accountID string) {
	r.purchases = append(r.purchases, purchaseIDs)
}

// authedCtx builds a request context the way the auth middleware does.
func authedCtx(userID, role string) context.Context {
	ctx := context.WithValue(context.Background(), "userID", userID)
	return context.WithValue(ctx, "role", role)
}

var accountColumns = []string{"id", "student_id", "class_id", "classroom_id", "created_at"}

func accountRow(id, studentID, classID string) *sqlmock.Rows {
	return sqlmock.NewRows(accountColumns).
		AddRow(id, studentID, classID, "room-1", time.Now())
}

var entryColumns = []string{
	"id", "account_id", "class_id", "classroom_id", "type",
	"amount", "memo", "created_by_user_id", "idempotency_key", "created_at",
}

func entryRow(id, accountID string, entryType models.EntryType, amount int64, key *string) *sqlmock.Rows {
	return sqlmock.NewRows(entryColumns).
		AddRow(id, accountID, "class-1", "room-1", entryType, amount, "", "user-1", key, time.Now())
}

var storeItemColumns = []string{
	"id", "class_id", "name", "price", "stock", "active", "per_student_limit", "created_at",
}

func storeItemRow(id, classID string, price int64, stock *int64, active bool, limit int64) *sqlmock.Rows {
	return sqlmock.NewRows(storeItemColumns).
		AddRow(id, classID, "Pencil", price, stock, active, limit, time.Now())
}

var payRequestColumns = []string{
	"id", "class_id", "student_id", "amount", "reason", "justification",
	"status", "teacher_comment", "created_at", "updated_at",
}

func payRequestRow(id, classID, studentID string, amount int64, status models.PayRequestStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(payRequestColumns).
		AddRow(id, classID, studentID, amount, "Homework help", "Helped grade quizzes", status, "", now, now)
}

func ptrInt64(v int64) *int64 { return &v }
