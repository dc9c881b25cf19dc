package authflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/velmis/authflow/internal/devices"
	"github.com/velmis/authflow/internal/flowstore"
	"github.com/velmis/authflow/internal/ratelimit"
	"github.com/velmis/authflow/internal/signals"
)

// Engine drives the multi-step authentication flows: sign-up, password
// recovery, login with a second factor, email change, recovery-code change,
// and account deletion. It is safe for concurrent use from many stateless
// processes sharing one Redis instance; all correctness comes from the
// store's atomic primitives.
type Engine struct {
	config     Config
	flows      *flowstore.Store
	limiter    *ratelimit.Limiter
	devices    *devices.History
	dispatcher *signals.Dispatcher

	users      UserDirectory
	hasher     PasswordHasher
	emails     EmailDispatcher
	captcha    CaptchaVerifier
	authServer AuthorizationServer
}

// Close drains and stops the signal dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.dispatcher.Close()
}

// SignalsDropped reports how many outbound events were discarded because the
// dispatcher buffer was full.
func (e *Engine) SignalsDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.dispatcher.Dropped()
}

func (e *Engine) emitSignal(ctx context.Context, eventType, userID, email string) {
	e.dispatcher.Emit(ctx, signals.Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		Email:     email,
	})
}

// verifyUserPassword loads the registration for the email and checks the
// password. Absent users and wrong passwords both report
// [ErrInvalidCredentials]; the caller cannot tell them apart.
func (e *Engine) verifyUserPassword(ctx context.Context, email, password string) (*UserCredentials, error) {
	user, err := e.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	ok, err := e.hasher.Verify(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// translateStoreErr maps flow store sentinels to the public taxonomy.
func translateStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, flowstore.ErrNotFound):
		return ErrFlowNotFound
	case errors.Is(err, flowstore.ErrAttemptsExceeded):
		return ErrExceededMaxAttempts
	default:
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
}
