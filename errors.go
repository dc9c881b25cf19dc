package authflow

import "errors"

var (
	// ErrFlowNotFound reports that a flow secret is absent, expired, or was
	// already consumed. The three cases are deliberately indistinguishable.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrExceededMaxAttempts reports that a flow record exceeded its guess
	// ceiling and was destroyed. Terminal; callers must reject without
	// offering a retry.
	ErrExceededMaxAttempts = errors.New("exceeded max attempts")

	// ErrExceededLimit reports a tripped rate-limit window. Terminal for the
	// window; the counter keeps growing on retries.
	ErrExceededLimit = errors.New("exceeded limit")

	// ErrEmailAlreadyRegistered reports that the new email address is
	// claimed by a different account. Checked at acceptance time.
	ErrEmailAlreadyRegistered = errors.New("email already registered")

	// ErrInvalidCredentials reports a wrong password, verification code, or
	// recovery code. Recoverable; the caller may retry.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInactiveAccount reports a password-valid login against an account
	// that is not active.
	ErrInactiveAccount = errors.New("account not active")

	// ErrBackendUnavailable reports an infrastructure fault in the store or
	// a collaborator. Fatal for the request; never fail open.
	ErrBackendUnavailable = errors.New("backend unavailable")
)
