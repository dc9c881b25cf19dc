package authflow

import (
	"context"
	"fmt"

	"github.com/velmis/authflow/internal/signals"
)

// StartAccountDeletionParams opens the deletion flow: a login-like step
// asking for the email and password.
type StartAccountDeletionParams struct {
	Email       string
	Password    string
	ChallengeID string
	RemoteIP    string
}

// StartAccountDeletion verifies the password, creates a confirmation-only
// verification flow, and emails its secret link to the account address. The
// returned secret is the same one carried by the link.
func (e *Engine) StartAccountDeletion(ctx context.Context, params StartAccountDeletionParams) (string, error) {
	user, err := e.verifyUserPassword(ctx, params.Email, params.Password)
	if err != nil {
		return "", err
	}

	secret, err := e.startConfirmationFlow(ctx, user, params.ChallengeID)
	if err != nil {
		return "", err
	}

	if e.AllowSendingEmail(ctx, params.RemoteIP, params.Email) {
		e.sendEmail(ctx, params.Email, TemplateDeleteAccount, map[string]string{
			"secret": secret,
		})
	}
	return secret, nil
}

// ConfirmAccountDeletionParams finalizes the flow. The password is required
// again, so an attacker who can read the user's email cannot delete the
// account by following the link alone.
type ConfirmAccountDeletionParams struct {
	Secret   string
	Password string
}

// ConfirmAccountDeletion re-verifies the password, consumes the flow,
// deletes the registration, purges the trusted-device set, and emits a
// deactivation signal for downstream processing.
func (e *Engine) ConfirmAccountDeletion(ctx context.Context, params ConfirmAccountDeletionParams) error {
	flow, err := e.LoadLoginVerification(ctx, params.Secret)
	if err != nil {
		return err
	}

	user, err := e.verifyUserPassword(ctx, flow.Email(), params.Password)
	if err != nil {
		return err
	}

	if err := flow.Accept(ctx); err != nil {
		return err
	}

	if err := e.users.DeleteUser(ctx, user.UserID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	// Trusted devices are owned by the account; drop them with it.
	if err := e.devices.Purge(ctx, user.UserID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	e.emitSignal(ctx, signals.EventUserDeactivated, user.UserID, user.Email)
	return nil
}
