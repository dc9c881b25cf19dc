package authflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/velmis/authflow/internal/flowstore"
	"github.com/velmis/authflow/internal/secrets"
	"github.com/velmis/authflow/internal/signals"
)

// SignUpFlow is a pending sign-up or password-recovery request, reachable
// only through its secret.
type SignUpFlow struct {
	engine      *Engine
	fingerprint [32]byte
	record      *flowstore.Record
}

func (f *SignUpFlow) Email() string            { return f.record.Email }
func (f *SignUpFlow) IsRecovery() bool         { return f.record.Recover }
func (f *SignUpFlow) ComputerCodeHash() string { return f.record.ComputerCodeHash }
func (f *SignUpFlow) Attempts() int            { return int(f.record.Attempts) }

// StartSignUpParams starts a sign-up (Recover false) or a password-recovery
// (Recover true) flow. ComputerCodeHash is the fingerprint of the browser's
// "computer code" cookie; proving email ownership later will register it as
// a trusted device.
type StartSignUpParams struct {
	Email            string
	ComputerCodeHash string
	RemoteIP         string
	Recover          bool
}

// StartSignUp initiates the flow and emails a secret link to the address.
// It never discloses whether the email is registered: a sign-up against an
// existing registration sends a notice to the owner instead, and a recovery
// against an unknown email does nothing. Both look identical to the caller.
func (e *Engine) StartSignUp(ctx context.Context, params StartSignUpParams) error {
	user, err := e.users.GetUserByEmail(ctx, params.Email)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if params.Recover {
		if user == nil {
			// Asked to change the password of a non-existing user. Fail
			// silently.
			return nil
		}

		secret, err := e.createFlow(ctx, &flowstore.Record{
			Kind:             flowstore.KindSignUp,
			UserID:           user.UserID,
			Email:            params.Email,
			ComputerCodeHash: params.ComputerCodeHash,
			RecoveryHash:     user.RecoveryCodeHash,
			Recover:          true,
		}, e.config.Flows.SignUpTTL)
		if err != nil {
			return err
		}

		if e.AllowSendingEmail(ctx, params.RemoteIP, params.Email) {
			e.sendEmail(ctx, params.Email, TemplateChangePassword, map[string]string{
				"secret": secret,
			})
		}
		return nil
	}

	if user != nil {
		// The email is taken. Fail silently, but let the owner know.
		if e.AllowSendingEmail(ctx, params.RemoteIP, params.Email) {
			e.sendEmail(ctx, params.Email, TemplateDuplicateRegistration, nil)
		}
		return nil
	}

	secret, err := e.createFlow(ctx, &flowstore.Record{
		Kind:             flowstore.KindSignUp,
		Email:            params.Email,
		ComputerCodeHash: params.ComputerCodeHash,
	}, e.config.Flows.SignUpTTL)
	if err != nil {
		return err
	}

	if e.AllowSendingEmail(ctx, params.RemoteIP, params.Email) {
		e.sendEmail(ctx, params.Email, TemplateConfirmRegistration, map[string]string{
			"secret": secret,
		})
	}
	return nil
}

// LoadSignUpFlow resolves a presented secret. Absent, expired, and consumed
// secrets all report [ErrFlowNotFound].
func (e *Engine) LoadSignUpFlow(ctx context.Context, secret string) (*SignUpFlow, error) {
	fingerprint := secrets.Fingerprint(secret)

	record, err := e.flows.Get(ctx, fingerprint)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	if record.Kind != flowstore.KindSignUp {
		return nil, ErrFlowNotFound
	}

	return &SignUpFlow{engine: e, fingerprint: fingerprint, record: record}, nil
}

// IsCorrectRecoveryCode checks a candidate against the recovery-code hash
// snapshotted into the flow. It mutates nothing and does not consume an
// attempt; the caller decides whether to call [SignUpFlow.RegisterCodeFailure].
func (f *SignUpFlow) IsCorrectRecoveryCode(candidate string) bool {
	if f.record.RecoveryHash == "" {
		return false
	}
	ok, err := f.engine.hasher.Verify(secrets.NormalizeRecoveryCode(candidate), f.record.RecoveryHash)
	return err == nil && ok
}

// RegisterCodeFailure counts a failed recovery-code guess. Exceeding the
// ceiling destroys the record and returns [ErrExceededMaxAttempts].
func (f *SignUpFlow) RegisterCodeFailure(ctx context.Context) error {
	return translateStoreErr(
		f.engine.flows.RegisterFailure(ctx, f.fingerprint, f.engine.config.Flows.MaxCodeAttempts))
}

// AcceptSignUpParams finalizes a sign-up flow. RecoveryCode is required only
// for recovery flows.
type AcceptSignUpParams struct {
	Password     string
	RecoveryCode string
	RemoteIP     string
}

// Accept consumes the flow exactly once. For a recovery flow it verifies the
// recovery code, replaces the password hash, trusts the device, and revokes
// every issued credential. For a new registration it persists the account
// and returns a freshly generated recovery code, which is shown to the user
// exactly once and never stored in recoverable form.
//
// A second Accept on the same flow fails with [ErrFlowNotFound] and repeats
// no side effects.
func (f *SignUpFlow) Accept(ctx context.Context, params AcceptSignUpParams) (string, error) {
	e := f.engine

	if f.record.Recover {
		if !f.IsCorrectRecoveryCode(params.RecoveryCode) {
			return "", ErrInvalidCredentials
		}

		if _, err := e.flows.Consume(ctx, f.fingerprint); err != nil {
			return "", translateStoreErr(err)
		}

		newHash, err := e.hasher.Hash(params.Password)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if err := e.users.UpdatePasswordHash(ctx, f.record.UserID, newHash); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}

		// Email ownership is proven now; trust this device so the next
		// login skips the verification code.
		if f.record.ComputerCodeHash != "" {
			if err := e.devices.Add(ctx, f.record.UserID, f.record.ComputerCodeHash); err != nil {
				return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}
		}

		// A password change invalidates all issued tokens for the account.
		if err := e.authServer.InvalidateCredentials(ctx, f.record.UserID); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}

		// This may come as a surprise if the user has been hacked.
		e.sendEmail(ctx, f.record.Email, TemplatePasswordChanged, nil)
		return "", nil
	}

	if _, err := e.flows.Consume(ctx, f.fingerprint); err != nil {
		return "", translateStoreErr(err)
	}

	userID := uuid.NewString()

	recoveryCode, err := secrets.NewRecoveryCode()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	recoveryHash, err := e.hasher.Hash(recoveryCode)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	passwordHash, err := e.hasher.Hash(params.Password)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	err = e.users.CreateUser(ctx, CreateUserInput{
		UserID:           userID,
		Email:            f.record.Email,
		PasswordHash:     passwordHash,
		RecoveryCodeHash: recoveryHash,
		RegisteredFromIP: params.RemoteIP,
	})
	if err != nil {
		if errors.Is(err, ErrEmailAlreadyRegistered) {
			return "", ErrEmailAlreadyRegistered
		}
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if f.record.ComputerCodeHash != "" {
		if err := e.devices.Add(ctx, userID, f.record.ComputerCodeHash); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	e.emitSignal(ctx, signals.EventUserRegistered, userID, f.record.Email)
	log.Printf("created new user registration for %s, from %s", f.record.Email, params.RemoteIP)

	return secrets.FormatRecoveryCode(recoveryCode), nil
}

// createFlow mints a random secret, stores the record under its fingerprint,
// and returns the plaintext secret for the outbound link or cookie. A
// fingerprint collision retries with a fresh secret.
func (e *Engine) createFlow(ctx context.Context, record *flowstore.Record, ttl time.Duration) (string, error) {
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		secret, err := secrets.NewSecret()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}

		err = e.flows.Create(ctx, secrets.Fingerprint(secret), record, ttl)
		if err != nil {
			if errors.Is(err, flowstore.ErrDuplicateSecret) {
				continue
			}
			return "", translateStoreErr(err)
		}
		return secret, nil
	}

	return "", fmt.Errorf("%w: could not mint a unique flow secret", ErrBackendUnavailable)
}

func (e *Engine) sendEmail(ctx context.Context, recipient, template string, params map[string]string) {
	if err := e.emails.Send(ctx, Email{
		Template:  template,
		Recipient: recipient,
		Params:    params,
	}); err != nil {
		log.Printf("sending %s email failed: %v", template, err)
	}
}
