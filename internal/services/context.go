package services

import (
	"context"
)

// Roles supplied by the identity provider. The core trusts the token's
// claims and never re-verifies credentials.
const (
	RoleTeacher = "TEACHER"
	RoleStudent = "STUDENT"
)

// CallerFromContext reads the authenticated user id and role placed in the
// request context by the auth middleware.
func CallerFromContext(ctx context.Context) (userID, role string) {
	if v, ok := ctx.Value("userID").(string); ok {
		userID = v
	}
	if v, ok := ctx.Value("role").(string); ok {
		role = v
	}
	return userID, role
}
