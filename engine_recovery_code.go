package authflow

import (
	"context"
	"fmt"

	"github.com/velmis/authflow/internal/flowstore"
	"github.com/velmis/authflow/internal/secrets"
)

// ChangeRecoveryCodeFlow is a pending recovery-code regeneration. Its secret
// was emailed to the account address, so loading it proves mailbox
// ownership; the final step still requires the password.
type ChangeRecoveryCodeFlow struct {
	engine      *Engine
	fingerprint [32]byte
	record      *flowstore.Record
}

func (f *ChangeRecoveryCodeFlow) Email() string { return f.record.Email }

// StartRecoveryCodeChangeParams opens the flow for an email address.
type StartRecoveryCodeChangeParams struct {
	Email    string
	RemoteIP string
}

// StartRecoveryCodeChange creates the flow and emails its secret link. The
// flow is created whether or not the address is registered; acceptance
// requires the password, so an unregistered address leads nowhere and
// existence is not disclosed here.
func (e *Engine) StartRecoveryCodeChange(ctx context.Context, params StartRecoveryCodeChangeParams) error {
	secret, err := e.createFlow(ctx, &flowstore.Record{
		Kind:  flowstore.KindChangeRecoveryCode,
		Email: params.Email,
	}, e.config.Flows.ChangeRecoveryCodeTTL)
	if err != nil {
		return err
	}

	if e.AllowSendingEmail(ctx, params.RemoteIP, params.Email) {
		e.sendEmail(ctx, params.Email, TemplateChangeRecoveryCode, map[string]string{
			"secret": secret,
		})
	}
	return nil
}

// LoadRecoveryCodeFlow resolves a presented recovery-code-change secret.
func (e *Engine) LoadRecoveryCodeFlow(ctx context.Context, secret string) (*ChangeRecoveryCodeFlow, error) {
	fingerprint := secrets.Fingerprint(secret)

	record, err := e.flows.Get(ctx, fingerprint)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	if record.Kind != flowstore.KindChangeRecoveryCode {
		return nil, ErrFlowNotFound
	}

	return &ChangeRecoveryCodeFlow{engine: e, fingerprint: fingerprint, record: record}, nil
}

// Accept re-verifies the password, consumes the flow, and replaces the
// account's recovery code. The new code is returned formatted for display,
// shown to the user exactly once; only its hash is persisted.
func (f *ChangeRecoveryCodeFlow) Accept(ctx context.Context, password string) (string, error) {
	e := f.engine

	user, err := e.verifyUserPassword(ctx, f.record.Email, password)
	if err != nil {
		return "", err
	}

	if _, err := e.flows.Consume(ctx, f.fingerprint); err != nil {
		return "", translateStoreErr(err)
	}

	recoveryCode, err := secrets.NewRecoveryCode()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	recoveryHash, err := e.hasher.Hash(recoveryCode)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if err := e.users.UpdateRecoveryCodeHash(ctx, user.UserID, recoveryHash); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return secrets.FormatRecoveryCode(recoveryCode), nil
}
