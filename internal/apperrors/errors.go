package apperrors

import (
	"errors"
)

var (
	// Issuance was rejected by the identity endpoint (wrong password, taken email, bad code)
	ErrInvalidCredentials = errors.New("invalid credentials")

	// Remote API unreachable or failed with 5xx
	ErrNetwork = errors.New("network error")

	// Refresh token is missing, expired or revoked
	ErrRefreshRejected = errors.New("refresh token rejected")

	// Session could not be recovered, user has to authenticate again
	ErrSessionExpired = errors.New("session expired")

	ErrNoCredential     = errors.New("no credential stored")
	ErrNotAuthenticated = errors.New("not authenticated")

	// Operation is not allowed in the current session state
	ErrInvalidTransition = errors.New("invalid session transition")

	ErrPermissionDenied = errors.New("push permission denied")
	ErrUnsupported      = errors.New("push is not supported on this platform")

	// Failure of a best-effort operation. Logged and counted, never returned to the caller flow
	ErrNonCritical = errors.New("non-critical operation failed")
)
