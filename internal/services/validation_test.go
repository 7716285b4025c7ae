package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSendErrorResponse(t *testing.T) {
	t.Run("bad request carries the validation code", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "accountId is required", http.StatusBadRequest, nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var response ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "accountId is required", response.Error)
		assert.Equal(t, "VALIDATION_FAILED", response.Code)
	})

	t.Run("includes field details for validator errors", func(t *testing.T) {
		vh := NewValidationHelper()
		err := vh.ValidateStruct(&AppendEntryRequest{})
		assert.Error(t, err)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)

		var response ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Contains(t, response.Details, "AccountID")
	})
}

func TestWriteServiceError(t *testing.T) {
	t.Run("maps a service error onto its status and code", func(t *testing.T) {
		w := httptest.NewRecorder()

		WriteServiceError(w, ErrInsufficientBalance.Withf("basket costs 50 but balance is 10"))

		assert.Equal(t, http.StatusConflict, w.Code)
		var response ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "INSUFFICIENT_BALANCE", response.Code)
	})

	t.Run("unknown errors become an opaque 500", func(t *testing.T) {
		w := httptest.NewRecorder()

		WriteServiceError(w, errors.New("pq: connection refused"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		var response ErrorResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "INTERNAL", response.Code)
		assert.Equal(t, "internal error", response.Error)
	})
}

func TestServiceError_Is(t *testing.T) {
	t.Run("formatted copies match their sentinel", func(t *testing.T) {
		err := ErrDuplicateKey.Withf("key %s already used", "k-1")
		assert.ErrorIs(t, err, ErrDuplicateKey)
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("decodes a single object", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"name":"ok"}`))
		w := httptest.NewRecorder()

		var dst payload
		err := DecodeJSONBody(w, req, &dst)

		assert.NoError(t, err)
		assert.Equal(t, "ok", dst.Name)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"name":"ok","extra":1}`))
		w := httptest.NewRecorder()

		var dst payload
		err := DecodeJSONBody(w, req, &dst)

		assert.Error(t, err)
	})

	t.Run("rejects trailing data", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"name":"ok"}{"name":"again"}`))
		w := httptest.NewRecorder()

		var dst payload
		err := DecodeJSONBody(w, req, &dst)

		assert.Error(t, err)
	})
}
