package authflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/velmis/authflow/internal/flowstore"
	"github.com/velmis/authflow/internal/secrets"
)

// ChangeEmailFlow is a pending email change, created only after the user
// proved knowledge of the password and the recovery code; its secret was
// sent to the new address, so loading it proves ownership of that address.
type ChangeEmailFlow struct {
	engine      *Engine
	fingerprint [32]byte
	record      *flowstore.Record
}

func (f *ChangeEmailFlow) UserID() string   { return f.record.UserID }
func (f *ChangeEmailFlow) NewEmail() string { return f.record.Email }
func (f *ChangeEmailFlow) OldEmail() string { return f.record.OldEmail }

// StartEmailChangeParams opens the flow: a login-like step asking for the
// current email and password.
type StartEmailChangeParams struct {
	Email       string
	Password    string
	ChallengeID string
	RemoteIP    string
}

// StartEmailChange verifies the password, notifies the owner of the current
// address, and returns the secret of a confirmation-only verification flow.
// The next step presents that secret together with the recovery code.
func (e *Engine) StartEmailChange(ctx context.Context, params StartEmailChangeParams) (string, error) {
	user, err := e.verifyUserPassword(ctx, params.Email, params.Password)
	if err != nil {
		return "", err
	}

	secret, err := e.startConfirmationFlow(ctx, user, params.ChallengeID)
	if err != nil {
		return "", err
	}

	// This may come as a surprise if the user has been hacked.
	e.sendEmail(ctx, params.Email, TemplateChangeEmailRequest, nil)

	return secret, nil
}

// ChooseNewEmailParams is the second step: the confirmation secret, the
// chosen new address, and the recovery code.
type ChooseNewEmailParams struct {
	Secret       string
	NewEmail     string
	RecoveryCode string
	RemoteIP     string
}

// ChooseNewEmail verifies the recovery code, consumes the confirmation flow,
// and starts the final leg by emailing a secret link to the new address.
// Ownership of the new address is proven by following that link; whether the
// address is still available is deliberately not checked until acceptance.
func (e *Engine) ChooseNewEmail(ctx context.Context, params ChooseNewEmailParams) error {
	flow, err := e.LoadLoginVerification(ctx, params.Secret)
	if err != nil {
		return err
	}

	if !flow.IsCorrectRecoveryCode(params.RecoveryCode) {
		if err := flow.RegisterCodeFailure(ctx); err != nil {
			return err
		}
		return ErrInvalidCredentials
	}

	if err := flow.Accept(ctx); err != nil {
		return err
	}

	secret, err := e.createFlow(ctx, &flowstore.Record{
		Kind:     flowstore.KindChangeEmail,
		UserID:   flow.UserID(),
		Email:    params.NewEmail,
		OldEmail: flow.Email(),
	}, e.config.Flows.ChangeEmailTTL)
	if err != nil {
		return err
	}

	if e.AllowSendingEmail(ctx, params.RemoteIP, params.NewEmail) {
		e.sendEmail(ctx, params.NewEmail, TemplateConfirmNewEmail, map[string]string{
			"secret": secret,
		})
	}
	return nil
}

// LoadChangeEmailFlow resolves a presented email-change secret.
func (e *Engine) LoadChangeEmailFlow(ctx context.Context, secret string) (*ChangeEmailFlow, error) {
	fingerprint := secrets.Fingerprint(secret)

	record, err := e.flows.Get(ctx, fingerprint)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	if record.Kind != flowstore.KindChangeEmail {
		return nil, ErrFlowNotFound
	}

	return &ChangeEmailFlow{engine: e, fingerprint: fingerprint, record: record}, nil
}

// CompleteEmailChangeParams finalizes the flow. The password is required
// again, so an attacker who can read the new mailbox cannot finish the
// change on their own.
type CompleteEmailChangeParams struct {
	Secret   string
	Password string
}

// CompleteEmailChange re-verifies the password against the old address,
// consumes the flow, and makes the new address effective. If a different
// account claimed the address since the link was created, the change fails
// terminally with [ErrEmailAlreadyRegistered]; this condition is safe to
// disclose at this stage. Issued credentials are revoked on success.
func (e *Engine) CompleteEmailChange(ctx context.Context, params CompleteEmailChangeParams) error {
	flow, err := e.LoadChangeEmailFlow(ctx, params.Secret)
	if err != nil {
		return err
	}

	user, err := e.verifyUserPassword(ctx, flow.OldEmail(), params.Password)
	if err != nil {
		return err
	}

	if _, err := e.flows.Consume(ctx, flow.fingerprint); err != nil {
		return translateStoreErr(err)
	}

	// The uniqueness check is deferred to acceptance time: availability of
	// the address can change between link creation and link use.
	if err := e.users.UpdateEmail(ctx, user.UserID, flow.NewEmail()); err != nil {
		if errors.Is(err, ErrEmailAlreadyRegistered) {
			return ErrEmailAlreadyRegistered
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	// The email address is a login credential; invalidate all issued
	// tokens for the account.
	if err := e.authServer.InvalidateCredentials(ctx, user.UserID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return nil
}
