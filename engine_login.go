package authflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/velmis/authflow/internal/flowstore"
	"github.com/velmis/authflow/internal/ratelimit"
	"github.com/velmis/authflow/internal/secrets"
)

// LoginVerificationFlow is a pending second-factor challenge. Normal records
// carry a numeric code that was emailed to the user and are keyed by the
// fingerprint of a browser cookie. Confirmation-only records carry no code;
// they exist purely to gate sensitive account actions on recent password
// re-entry.
type LoginVerificationFlow struct {
	engine      *Engine
	fingerprint [32]byte
	record      *flowstore.Record
}

func (f *LoginVerificationFlow) UserID() string      { return f.record.UserID }
func (f *LoginVerificationFlow) Email() string       { return f.record.Email }
func (f *LoginVerificationFlow) ChallengeID() string { return f.record.ChallengeID }
func (f *LoginVerificationFlow) Attempts() int       { return int(f.record.Attempts) }

// HasCode reports whether this is a code-bearing record. Confirmation-only
// records have no code-failure path at all.
func (f *LoginVerificationFlow) HasCode() bool { return f.record.Code != "" }

// IsCorrectCode checks a candidate verification code in constant time. It
// mutates nothing; the caller decides whether a wrong guess costs an
// attempt. A confirmation-only record matches no candidate.
func (f *LoginVerificationFlow) IsCorrectCode(candidate string) bool {
	if f.record.Code == "" {
		return false
	}
	return secrets.Equal(candidate, f.record.Code)
}

// IsCorrectRecoveryCode checks a candidate against the recovery-code hash
// snapshotted into the flow.
func (f *LoginVerificationFlow) IsCorrectRecoveryCode(candidate string) bool {
	if f.record.RecoveryHash == "" {
		return false
	}
	ok, err := f.engine.hasher.Verify(secrets.NormalizeRecoveryCode(candidate), f.record.RecoveryHash)
	return err == nil && ok
}

// RegisterCodeFailure counts a failed guess; exceeding the ceiling destroys
// the record and returns [ErrExceededMaxAttempts].
func (f *LoginVerificationFlow) RegisterCodeFailure(ctx context.Context) error {
	return translateStoreErr(
		f.engine.flows.RegisterFailure(ctx, f.fingerprint, f.engine.config.Flows.MaxCodeAttempts))
}

// Accept consumes the record. Exactly one Accept per record succeeds;
// replays report [ErrFlowNotFound].
func (f *LoginVerificationFlow) Accept(ctx context.Context) error {
	_, err := f.engine.flows.Consume(ctx, f.fingerprint)
	return translateStoreErr(err)
}

// AuthenticateParams describes a password login attempt. ComputerCode is the
// browser's long-lived "computer code" cookie value; when empty a fresh one
// is minted and must be set on the response.
type AuthenticateParams struct {
	Email        string
	Password     string
	ComputerCode string
	ChallengeID  string
	RemoteIP     string
	UserAgent    string
}

// AuthenticateResult is the outcome of a successful password check.
type AuthenticateResult struct {
	// RedirectTo is set when the login challenge was accepted outright:
	// either the challenge was already authenticated, or the device was
	// recognized and the second factor skipped.
	RedirectTo string

	// VerificationRequired is set when a verification code was emailed.
	// VerificationCookie must be delivered to the browser; presenting it
	// back resolves the pending flow.
	VerificationRequired bool
	VerificationCookie   string

	// ComputerCode echoes or mints the device cookie value.
	ComputerCode string
}

// Authenticate verifies the password and decides on the second factor. A
// device whose fingerprint is already trusted for the user completes the
// login immediately; otherwise a login-verification flow is created, keyed
// by the fingerprint of a fresh cookie secret, and its numeric code is
// emailed to the user.
func (e *Engine) Authenticate(ctx context.Context, params AuthenticateParams) (*AuthenticateResult, error) {
	// The user may reload the login page after already authenticating; the
	// challenge then carries the subject and no password check is needed.
	subject, err := e.authServer.FetchLoginSubject(ctx, params.ChallengeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if subject != "" {
		redirect, err := e.authServer.AcceptLogin(ctx, params.ChallengeID, subject)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return &AuthenticateResult{RedirectTo: redirect, ComputerCode: params.ComputerCode}, nil
	}

	user, err := e.verifyUserPassword(ctx, params.Email, params.Password)
	if err != nil {
		return nil, err
	}
	if user.Status != AccountActive {
		return nil, ErrInactiveAccount
	}

	computerCode := params.ComputerCode
	if computerCode == "" {
		computerCode, err = secrets.NewSecret()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	computerCodeHash := secrets.EncodeFingerprint(secrets.Fingerprint(computerCode))

	known, err := e.devices.Contains(ctx, user.UserID, computerCodeHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if known {
		// Two factors: the password, and a previous successful login from
		// this same device. Re-adding promotes the fingerprint to newest.
		if err := e.devices.Add(ctx, user.UserID, computerCodeHash); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}

		redirect, err := e.authServer.AcceptLogin(ctx, params.ChallengeID, e.authServer.Subject(user.UserID))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return &AuthenticateResult{RedirectTo: redirect, ComputerCode: computerCode}, nil
	}

	// Second factor required. The verification cookie proves knowledge of
	// the password; the emailed code proves access to the mailbox.
	code, err := secrets.NewNumericCode(e.config.Flows.VerificationCodeDigits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	cookie, err := secrets.NewSecret()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	err = e.createLoginVerification(ctx, secrets.Fingerprint(cookie), &flowstore.Record{
		Kind:        flowstore.KindLoginVerification,
		UserID:      user.UserID,
		Email:       user.Email,
		Code:        code,
		ChallengeID: params.ChallengeID,
	})
	if err != nil {
		return nil, err
	}

	e.sendEmail(ctx, user.Email, TemplateVerificationCode, map[string]string{
		"code":       code,
		"user_agent": params.UserAgent,
	})

	return &AuthenticateResult{
		VerificationRequired: true,
		VerificationCookie:   cookie,
		ComputerCode:         computerCode,
	}, nil
}

// LoadLoginVerification resolves a presented verification cookie or secret.
func (e *Engine) LoadLoginVerification(ctx context.Context, secret string) (*LoginVerificationFlow, error) {
	fingerprint := secrets.Fingerprint(secret)

	record, err := e.flows.Get(ctx, fingerprint)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	if record.Kind != flowstore.KindLoginVerification {
		return nil, ErrFlowNotFound
	}

	return &LoginVerificationFlow{engine: e, fingerprint: fingerprint, record: record}, nil
}

// CompleteLoginVerificationParams resolves a pending second factor: the
// cookie delivered by [Engine.Authenticate] plus the code the user received
// by email.
type CompleteLoginVerificationParams struct {
	VerificationCookie string
	Code               string
	ComputerCode       string
}

// CompleteLoginVerification checks the code, consumes the flow, trusts the
// device, and accepts the login challenge. A wrong code costs an attempt and
// reports [ErrInvalidCredentials]; exhausting the ceiling destroys the flow
// and reports [ErrExceededMaxAttempts].
func (e *Engine) CompleteLoginVerification(ctx context.Context, params CompleteLoginVerificationParams) (string, error) {
	flow, err := e.LoadLoginVerification(ctx, params.VerificationCookie)
	if err != nil {
		return "", err
	}

	if !flow.IsCorrectCode(params.Code) {
		if err := flow.RegisterCodeFailure(ctx); err != nil {
			return "", err
		}
		return "", ErrInvalidCredentials
	}

	if err := flow.Accept(ctx); err != nil {
		return "", err
	}

	// Email ownership is proven; the next login from this device will not
	// require a verification code.
	if params.ComputerCode != "" {
		fingerprint := secrets.EncodeFingerprint(secrets.Fingerprint(params.ComputerCode))
		if err := e.devices.Add(ctx, flow.UserID(), fingerprint); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	redirect, err := e.authServer.AcceptLogin(ctx, flow.ChallengeID(), e.authServer.Subject(flow.UserID()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return redirect, nil
}

// createLoginVerification stores a login-verification record under an
// externally derived fingerprint, enforcing the per-user creation ceiling so
// an attacker holding the password cannot mint challenges without bound.
func (e *Engine) createLoginVerification(ctx context.Context, fingerprint [32]byte, record *flowstore.Record) error {
	err := e.limiter.IncrementWithLimit(ctx,
		"lv:"+record.UserID,
		int64(e.config.Flows.MaxCodeAttempts),
		e.config.Flows.LoginVerificationTTL,
	)
	if err != nil {
		if errors.Is(err, ratelimit.ErrExceededLimit) {
			return ErrExceededMaxAttempts
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	err = e.flows.Create(ctx, fingerprint, record, e.config.Flows.LoginVerificationTTL)
	if err != nil && !errors.Is(err, flowstore.ErrDuplicateSecret) {
		return translateStoreErr(err)
	}
	return nil
}

// startConfirmationFlow creates a confirmation-only login-verification
// record after a successful password check. The returned secret gates email
// change and account deletion on recent password re-entry, without another
// email round trip.
func (e *Engine) startConfirmationFlow(ctx context.Context, user *UserCredentials, challengeID string) (string, error) {
	secret, err := secrets.NewSecret()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	err = e.createLoginVerification(ctx, secrets.Fingerprint(secret), &flowstore.Record{
		Kind:         flowstore.KindLoginVerification,
		UserID:       user.UserID,
		Email:        user.Email,
		RecoveryHash: user.RecoveryCodeHash,
		ChallengeID:  challengeID,
	})
	if err != nil {
		return "", err
	}
	return secret, nil
}
