package services

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/classbank/backend/internal/models"
)

func newPayRequestFixture(t *testing.T) (*PayRequestService, sqlmock.Sqlmock, *MockCatalog, *recordingEvents) {
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	catalog := &MockCatalog{}
	events := &recordingEvents{}
	service := NewPayRequestService(db, NewLedgerService(db), catalog, events)
	return service, dbMock, catalog, events
}

func TestPayRequestService_Submit(t *testing.T) {
	t.Run("creates a submitted request", func(t *testing.T) {
		service, dbMock, catalog, events := newPayRequestFixture(t)

		catalog.On("IsActiveMember", mock.Anything, "student-1", "class-1", RoleStudent).Return(true, nil)
		catalog.On("GetClassReasons", mock.Anything, "class-1").Return([]string{"Homework help", "Tutoring"}, nil)
		dbMock.ExpectExec("INSERT INTO pay_requests").
			WillReturnResult(sqlmock.NewResult(0, 1))

		request, err := service.Submit(context.Background(), "student-1", &SubmitPayRequestRequest{
			ClassID:       "class-1",
			Amount:        50,
			Reason:        "Homework help",
			Justification: "Helped three classmates with fractions",
		})

		assert.NoError(t, err)
		assert.Equal(t, models.PayRequestStatusSubmitted, request.Status)
		assert.NotEmpty(t, request.ID)
		assert.Len(t, events.statusChanges, 1)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("rejects a reason the class does not offer", func(t *testing.T) {
		service, _, catalog, _ := newPayRequestFixture(t)

		catalog.On("IsActiveMember", mock.Anything, "student-1", "class-1", RoleStudent).Return(true, nil)
		catalog.On("GetClassReasons", mock.Anything, "class-1").Return([]string{"Tutoring"}, nil)

		_, err := service.Submit(context.Background(), "student-1", &SubmitPayRequestRequest{
			ClassID:       "class-1",
			Amount:        50,
			Reason:        "Homework help",
			Justification: "Helped three classmates",
		})

		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("rejects a non-member", func(t *testing.T) {
		service, _, catalog, _ := newPayRequestFixture(t)

		catalog.On("IsActiveMember", mock.Anything, "student-9", "class-1", RoleStudent).Return(false, nil)

		_, err := service.Submit(context.Background(), "student-9", &SubmitPayRequestRequest{
			ClassID:       "class-1",
			Amount:        50,
			Reason:        "Homework help",
			Justification: "Helped",
		})

		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestPayRequestService_Transitions(t *testing.T) {
	t.Run("approve moves submitted to approved", func(t *testing.T) {
		service, dbMock, catalog, events := newPayRequestFixture(t)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("FROM pay_requests\\s+WHERE id = \\$1\\s+FOR UPDATE").
			WithArgs("req-1").
			WillReturnRows(payRequestRow("req-1", "class-1", "student-1", 50, models.PayRequestStatusSubmitted))
		catalog.On("IsActiveMember", mock.Anything, "teacher-1", "class-1", RoleTeacher).Return(true, nil)
		dbMock.ExpectExec("UPDATE pay_requests").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		request, err := service.Approve(context.Background(), "teacher-1", "req-1", "")

		assert.NoError(t, err)
		assert.Equal(t, models.PayRequestStatusApproved, request.Status)
		assert.Len(t, events.statusChanges, 1)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("approve rejects a paid request", func(t *testing.T) {
		service, dbMock, catalog, _ := newPayRequestFixture(t)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("FROM pay_requests\\s+WHERE id = \\$1\\s+FOR UPDATE").
			WithArgs("req-1").
			WillReturnRows(payRequestRow("req-1", "class-1", "student-1", 50, models.PayRequestStatusPaid))
		catalog.On("IsActiveMember", mock.Anything, "teacher-1", "class-1", RoleTeacher).Return(true, nil)
		dbMock.ExpectRollback()

		_, err := service.Approve(context.Background(), "teacher-1", "req-1", "")

		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("rebuke requires a comment", func(t *testing.T) {
		service, _, _, _ := newPayRequestFixture(t)

		_, err := service.Rebuke(context.Background(), "teacher-1", "req-1", "")

		assert.ErrorIs(t, err, ErrCommentRequired)
	})

	t.Run("rebuke sends an approved request back", func(t *testing.T) {
		service, dbMock, catalog, _ := newPayRequestFixture(t)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("FROM pay_requests\\s+WHERE id = \\$1\\s+FOR UPDATE").
			WithArgs("req-1").
			WillReturnRows(payRequestRow("req-1", "class-1", "student-1", 50, models.PayRequestStatusApproved))
		catalog.On("IsActiveMember", mock.Anything, "teacher-1", "class-1", RoleTeacher).Return(true, nil)
		dbMock.ExpectExec("UPDATE pay_requests").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		request, err := service.Rebuke(context.Background(), "teacher-1", "req-1", "Need more detail")

		assert.NoError(t, err)
		assert.Equal(t, models.PayRequestStatusRebuked, request.Status)
		assert.Equal(t, "Need more detail", request.TeacherComment)
	})

	t.Run("deny rejects a denied request", func(t *testing.T) {
		service, dbMock, catalog, _ := newPayRequestFixture(t)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("FROM pay_requests\\s+WHERE id = \\$1\\s+FOR UPDATE").
			WithArgs("req-1").
			WillReturnRows(payRequestRow("req-1", "class-1", "student-1", 50, models.PayRequestStatusDenied))
		catalog.On("IsActiveMember", mock.Anything, "teacher-1", "class-1", RoleTeacher).Return(true, nil)
		dbMock.ExpectRollback()

		_, err := service.Deny(context.Background(), "teacher-1", "req-1", "")

		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("teacher outside the class is forbidden", func(t *testing.T) {
		service, dbMock, catalog, _ := newPayRequestFixture(t)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("FROM pay_requests\\s+WHERE id = \\$1\\s+FOR UPDATE").
			WithArgs("req-1").
			WillReturnRows(payRequestRow("req-1", "class-1", "student-1", 50, models.PayRequestStatusSubmitted))
		catalog.On("IsActiveMember", mock.Anything, "teacher-9", "class-1", RoleTeacher).Return(false, nil)
		dbMock.ExpectRollback()

		_, err := service.Approve(context.Background(), "teacher-9", "req-1", "")

		assert.ErrorIs(t, err, ErrForbidden)
	})
}

func TestPayRequestService_Pay(t *testing.T) {
	t.Run("pays an approved request once", func(t *testing.T) {
		service, dbMock, catalog, events := newPayRequestFixture(t)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("FROM pay_requests\\s+WHERE id = \\$1\\s+FOR UPDATE").
			WithArgs("req-1").
			WillReturnRows(payRequestRow("req-1", "class-1", "student-1", 50, models.PayRequestStatusApproved))
		catalog.On("IsActiveMember", mock.Anything, "teacher-1", "class-1", RoleTeacher).Return(true, nil)
		dbMock.ExpectQuery("WHERE student_id = \\$1 AND class_id = \\$2").
			WithArgs("student-1", "class-1").
			WillReturnRows(accountRow("acc-1", "student-1", "class-1"))
		dbMock.ExpectQuery("FROM accounts\\s+WHERE id = \\$1\\s+FOR UPDATE").
			WithArgs("acc-1").
			WillReturnRows(accountRow("acc-1", "student-1", "class-1"))
		dbMock.ExpectExec("INSERT INTO entries").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("UPDATE pay_requests").
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		request, entry, err := service.Pay(context.Background(), "teacher-1", "req-1")

		assert.NoError(t, err)
		assert.Equal(t, models.PayRequestStatusPaid, request.Status)
		assert.Equal(t, int64(50), entry.Amount)
		assert.Equal(t, models.EntryTypePayroll, entry.Type)
		assert.Equal(t, "payrequest:req-1:payout", *entry.IdempotencyKey)
		assert.Len(t, events.statusChanges, 1)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("retried pay returns the prior entry", func(t *testing.T) {
		service, dbMock, catalog, events := newPayRequestFixture(t)

		key := "payrequest:req-1:payout"

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("FROM pay_requests\\s+WHERE id = \\$1\\s+FOR UPDATE").
			WithArgs("req-1").
			WillReturnRows(payRequestRow("req-1", "class-1", "student-1", 50, models.PayRequestStatusPaid))
		catalog.On("IsActiveMember", mock.Anything, "teacher-1", "class-1", RoleTeacher).Return(true, nil)
		dbMock.ExpectQuery("WHERE idempotency_key = \\$1").
			WithArgs(key).
			WillReturnRows(entryRow("entry-payout", "acc-1", models.EntryTypePayroll, 50, &key))
		dbMock.ExpectCommit()

		request, entry, err := service.Pay(context.Background(), "teacher-1", "req-1")

		assert.NoError(t, err)
		assert.Equal(t, models.PayRequestStatusPaid, request.Status)
		assert.Equal(t, "entry-payout", entry.ID)
		assert.Empty(t, events.statusChanges)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("submitted requests cannot be paid directly", func(t *testing.T) {
		service, dbMock, catalog, _ := newPayRequestFixture(t)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("FROM pay_requests\\s+WHERE id = \\$1\\s+FOR UPDATE").
			WithArgs("req-1").
			WillReturnRows(payRequestRow("req-1", "class-1", "student-1", 50, models.PayRequestStatusSubmitted))
		catalog.On("IsActiveMember", mock.Anything, "teacher-1", "class-1", RoleTeacher).Return(true, nil)
		dbMock.ExpectRollback()

		_, _, err := service.Pay(context.Background(), "teacher-1", "req-1")

		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("unknown request", func(t *testing.T) {
		service, dbMock, _, _ := newPayRequestFixture(t)

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("FROM pay_requests\\s+WHERE id = \\$1\\s+FOR UPDATE").
			WithArgs("req-missing").
			WillReturnRows(sqlmock.NewRows(payRequestColumns))
		dbMock.ExpectRollback()

		_, _, err := service.Pay(context.Background(), "teacher-1", "req-missing")

		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPayRequestService_ListPayRequests(t *testing.T) {
	service, dbMock, _, _ := newPayRequestFixture(t)

	t.Run("filters by student and status", func(t *testing.T) {
		dbMock.ExpectQuery("FROM pay_requests\\s+WHERE class_id = \\$1 AND student_id = \\$2 AND status = \\$3").
			WithArgs("class-1", "student-1", "SUBMITTED", 100).
			WillReturnRows(payRequestRow("req-1", "class-1", "student-1", 50, models.PayRequestStatusSubmitted))

		requests, err := service.ListPayRequests(context.Background(), "class-1", "student-1", "SUBMITTED", 100)

		assert.NoError(t, err)
		assert.Len(t, requests, 1)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}
