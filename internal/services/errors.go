package services

import (
	"errors"
	"fmt"
	"net/http"
)

// ServiceError is a business failure with a stable wire code. Handlers map
// it straight onto the JSON error envelope; callers compare with errors.Is.
type ServiceError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// Is matches any ServiceError carrying the same code, so wrapped copies
// produced by Withf still compare equal to the sentinel.
func (e *ServiceError) Is(target error) bool {
	var se *ServiceError
	if errors.As(target, &se) {
		return se.Code == e.Code
	}
	return false
}

// Withf returns a copy of the sentinel with a formatted message.
func (e *ServiceError) Withf(format string, args ...any) *ServiceError {
	return &ServiceError{
		Code:       e.Code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: e.HTTPStatus,
	}
}

var (
	ErrValidation          = &ServiceError{Code: "VALIDATION_FAILED", Message: "validation failed", HTTPStatus: http.StatusBadRequest}
	ErrForbidden           = &ServiceError{Code: "FORBIDDEN", Message: "forbidden", HTTPStatus: http.StatusForbidden}
	ErrNotFound            = &ServiceError{Code: "NOT_FOUND", Message: "not found", HTTPStatus: http.StatusNotFound}
	ErrItemNotFound        = &ServiceError{Code: "ITEM_NOT_FOUND", Message: "store item not found", HTTPStatus: http.StatusNotFound}
	ErrItemInactive        = &ServiceError{Code: "ITEM_INACTIVE", Message: "store item is not active", HTTPStatus: http.StatusConflict}
	ErrItemWrongClass      = &ServiceError{Code: "ITEM_WRONG_CLASS", Message: "store item belongs to another class", HTTPStatus: http.StatusConflict}
	ErrItemLimitExceeded   = &ServiceError{Code: "ITEM_LIMIT_EXCEEDED", Message: "per-student purchase limit exceeded", HTTPStatus: http.StatusConflict}
	ErrInsufficientStock   = &ServiceError{Code: "INSUFFICIENT_STOCK", Message: "insufficient stock", HTTPStatus: http.StatusConflict}
	ErrInsufficientBalance = &ServiceError{Code: "INSUFFICIENT_BALANCE", Message: "insufficient balance", HTTPStatus: http.StatusConflict}
	ErrInvalidTransition   = &ServiceError{Code: "INVALID_TRANSITION", Message: "illegal pay request transition", HTTPStatus: http.StatusConflict}
	ErrCommentRequired     = &ServiceError{Code: "COMMENT_REQUIRED", Message: "a comment is required", HTTPStatus: http.StatusBadRequest}
	ErrDuplicateKey        = &ServiceError{Code: "DUPLICATE_KEY", Message: "idempotency key already used", HTTPStatus: http.StatusConflict}
)
