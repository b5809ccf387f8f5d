package scan

import (
	"errors"

	"academy/internal/identity"
	"academy/internal/ledger"
	"academy/internal/session"
	"academy/internal/store"
	"academy/internal/token"
)

// ErrRoleMismatch is returned when the actor's role does not fit the
// requested purpose.
var ErrRoleMismatch = identity.ErrRoleMismatch

// CodeInternal is reported for errors outside the known taxonomy.
const CodeInternal = "INTERNAL"

var codes = []struct {
	err  error
	code string
}{
	{token.ErrForged, "FORGED"},
	{token.ErrNotFound, "TOKEN_NOT_FOUND"},
	{token.ErrExpired, "EXPIRED"},
	{token.ErrAlreadyUsed, "ALREADY_USED"},
	{token.ErrWrongContext, "WRONG_CONTEXT"},
	{token.ErrInvalidSubject, "INVALID_SUBJECT"},
	{token.ErrInvalidPurpose, "INVALID_PURPOSE"},
	{session.ErrDuplicateAttendance, "DUPLICATE_ATTENDANCE"},
	{session.ErrSessionClosed, "SESSION_CLOSED"},
	{session.ErrNotFound, "SESSION_NOT_FOUND"},
	{session.ErrNotClassTeacher, "NOT_CLASS_TEACHER"},
	{session.ErrClassNotFound, "CLASS_NOT_FOUND"},
	{session.ErrNotEnrolled, "NOT_ENROLLED"},
	{session.ErrNoActiveSession, "NO_ACTIVE_SESSION"},
	{session.ErrInvalidMode, "INVALID_MODE"},
	{ledger.ErrNotFound, "ALLOWANCE_NOT_FOUND"},
	{ledger.ErrUnknownStudent, "UNKNOWN_STUDENT"},
	{ledger.ErrInvalidAmount, "INVALID_AMOUNT"},
	{ledger.ErrInsufficientBalance, "INSUFFICIENT_BALANCE"},
	{identity.ErrRoleMismatch, "ROLE_MISMATCH"},
	{identity.ErrUnknownUser, "UNKNOWN_USER"},
	{identity.ErrInactiveUser, "INACTIVE_USER"},
	{store.ErrUnavailable, "UNAVAILABLE"},
}

// Code names err in the public error taxonomy.
func Code(err error) string {
	if err == nil {
		return "OK"
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Retryable reports whether the caller may retry the same request.
func Retryable(err error) bool {
	return errors.Is(err, store.ErrUnavailable)
}
