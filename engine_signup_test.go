package authflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestStartSignUpNewEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.engine.StartSignUp(ctx, StartSignUpParams{
		Email:            "new@example.com",
		ComputerCodeHash: ComputerCodeFingerprint("cc-secret"),
		RemoteIP:         "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("StartSignUp failed: %v", err)
	}

	email := env.mailer.last(t)
	if email.Template != TemplateConfirmRegistration || email.Recipient != "new@example.com" {
		t.Fatalf("unexpected email: %+v", email)
	}

	flow, err := env.engine.LoadSignUpFlow(ctx, env.mailer.lastSecret(t))
	if err != nil {
		t.Fatalf("LoadSignUpFlow failed: %v", err)
	}
	if flow.Email() != "new@example.com" || flow.IsRecovery() {
		t.Fatalf("unexpected flow state: email=%q recovery=%v", flow.Email(), flow.IsRecovery())
	}
}

func TestStartSignUpTakenEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.users.addUser("owner@example.com", "pw", "")

	err := env.engine.StartSignUp(ctx, StartSignUpParams{
		Email:    "owner@example.com",
		RemoteIP: "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("expected silent success for a taken email, got %v", err)
	}

	// The owner is notified; the initiator learns nothing and gets no link.
	email := env.mailer.last(t)
	if email.Template != TemplateDuplicateRegistration {
		t.Fatalf("expected duplicate-registration notice, got %q", email.Template)
	}
	if email.Params["secret"] != "" {
		t.Fatal("duplicate-registration notice must not carry a secret")
	}
}

func TestStartRecoveryUnknownEmail(t *testing.T) {
	env := newTestEnv(t)

	err := env.engine.StartSignUp(context.Background(), StartSignUpParams{
		Email:    "ghost@example.com",
		RemoteIP: "10.0.0.1",
		Recover:  true,
	})
	if err != nil {
		t.Fatalf("expected silent success for an unknown email, got %v", err)
	}
	if env.mailer.count() != 0 {
		t.Fatalf("expected no email for an unknown recovery target, got %d", env.mailer.count())
	}
}

func TestLoadSignUpFlowUnknownSecret(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.engine.LoadSignUpFlow(context.Background(), "never-issued"); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("expected ErrFlowNotFound, got %v", err)
	}
}

func TestSignUpFlowExpires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.engine.StartSignUp(ctx, StartSignUpParams{Email: "new@example.com", RemoteIP: "10.0.0.1"}); err != nil {
		t.Fatalf("StartSignUp failed: %v", err)
	}
	secret := env.mailer.lastSecret(t)

	env.mr.FastForward(25 * time.Hour)

	if _, err := env.engine.LoadSignUpFlow(ctx, secret); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("expected ErrFlowNotFound after expiry, got %v", err)
	}
}

func TestAcceptSignUpCreatesAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ccHash := ComputerCodeFingerprint("cc-secret")

	err := env.engine.StartSignUp(ctx, StartSignUpParams{
		Email:            "new@example.com",
		ComputerCodeHash: ccHash,
		RemoteIP:         "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("StartSignUp failed: %v", err)
	}
	secret := env.mailer.lastSecret(t)

	flow, err := env.engine.LoadSignUpFlow(ctx, secret)
	if err != nil {
		t.Fatalf("LoadSignUpFlow failed: %v", err)
	}

	recoveryCode, err := flow.Accept(ctx, AcceptSignUpParams{
		Password: "chosen password",
		RemoteIP: "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	// Displayed as four blocks of four.
	if len(recoveryCode) != 19 || strings.Count(recoveryCode, " ") != 3 {
		t.Fatalf("unexpected recovery code format: %q", recoveryCode)
	}

	user, err := env.users.GetUserByEmail(ctx, "new@example.com")
	if err != nil || user == nil {
		t.Fatalf("expected a persisted registration, got %v, %v", user, err)
	}
	if user.PasswordHash != "h:chosen password" {
		t.Fatalf("unexpected password hash: %q", user.PasswordHash)
	}

	// The browser that proved email ownership is trusted for future logins.
	trusted, err := env.engine.IsTrustedDevice(ctx, user.UserID, ccHash)
	if err != nil {
		t.Fatalf("IsTrustedDevice failed: %v", err)
	}
	if !trusted {
		t.Fatal("expected the sign-up device to be trusted")
	}

	select {
	case event := <-env.sink.Events():
		if event.EventType != "user.registered" || event.Email != "new@example.com" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the registration event")
	}

	// The secret is spent: loading and accepting again must fail without
	// repeating any side effect.
	if _, err := env.engine.LoadSignUpFlow(ctx, secret); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("expected ErrFlowNotFound for a consumed secret, got %v", err)
	}
	if _, err := flow.Accept(ctx, AcceptSignUpParams{Password: "other"}); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("expected ErrFlowNotFound on replayed Accept, got %v", err)
	}
}

func TestAcceptSignUpEmailTakenMeanwhile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.engine.StartSignUp(ctx, StartSignUpParams{Email: "new@example.com", RemoteIP: "10.0.0.1"}); err != nil {
		t.Fatalf("StartSignUp failed: %v", err)
	}
	flow, err := env.engine.LoadSignUpFlow(ctx, env.mailer.lastSecret(t))
	if err != nil {
		t.Fatalf("LoadSignUpFlow failed: %v", err)
	}

	// Someone else claims the address between link creation and acceptance.
	env.users.addUser("new@example.com", "other pw", "")

	if _, err := flow.Accept(ctx, AcceptSignUpParams{Password: "pw"}); !errors.Is(err, ErrEmailAlreadyRegistered) {
		t.Fatalf("expected ErrEmailAlreadyRegistered, got %v", err)
	}
}

func TestRecoveryFlowAccept(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.users.addUser("owner@example.com", "old password", "ABCDEFGHIJKLMNOP")
	ccHash := ComputerCodeFingerprint("cc-secret")

	err := env.engine.StartSignUp(ctx, StartSignUpParams{
		Email:            "owner@example.com",
		ComputerCodeHash: ccHash,
		RemoteIP:         "10.0.0.1",
		Recover:          true,
	})
	if err != nil {
		t.Fatalf("StartSignUp failed: %v", err)
	}
	if env.mailer.last(t).Template != TemplateChangePassword {
		t.Fatalf("expected change-password email, got %q", env.mailer.last(t).Template)
	}
	secret := env.mailer.lastSecret(t)

	flow, err := env.engine.LoadSignUpFlow(ctx, secret)
	if err != nil {
		t.Fatalf("LoadSignUpFlow failed: %v", err)
	}
	if !flow.IsRecovery() {
		t.Fatal("expected a recovery flow")
	}

	// A wrong recovery code does not consume the flow.
	if _, err := flow.Accept(ctx, AcceptSignUpParams{Password: "new password", RecoveryCode: "WRONGWRONGWRONGW"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := env.engine.LoadSignUpFlow(ctx, secret); err != nil {
		t.Fatalf("flow must survive a wrong recovery code: %v", err)
	}

	// Separators and case in the user's input are ignored.
	result, err := flow.Accept(ctx, AcceptSignUpParams{
		Password:     "new password",
		RecoveryCode: "abcd-efgh ijkl mnop",
	})
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if result != "" {
		t.Fatalf("recovery must not mint a new recovery code, got %q", result)
	}

	updated, err := env.users.GetUserByEmail(ctx, "owner@example.com")
	if err != nil || updated == nil {
		t.Fatalf("GetUserByEmail failed: %v, %v", updated, err)
	}
	if updated.PasswordHash != "h:new password" {
		t.Fatalf("password hash was not replaced: %q", updated.PasswordHash)
	}

	trusted, err := env.engine.IsTrustedDevice(ctx, user.UserID, ccHash)
	if err != nil || !trusted {
		t.Fatalf("expected the recovery device to be trusted: %v, %v", trusted, err)
	}
	if !env.auth.invalidatedFor(user.UserID) {
		t.Fatal("expected issued credentials to be revoked after the password change")
	}
	if env.mailer.last(t).Template != TemplatePasswordChanged {
		t.Fatalf("expected password-changed notice, got %q", env.mailer.last(t).Template)
	}
}

func TestRecoveryCodeGuessCeiling(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.engine.config.Flows.MaxCodeAttempts = 3
	env.users.addUser("owner@example.com", "pw", "ABCDEFGHIJKLMNOP")

	err := env.engine.StartSignUp(ctx, StartSignUpParams{
		Email:    "owner@example.com",
		RemoteIP: "10.0.0.1",
		Recover:  true,
	})
	if err != nil {
		t.Fatalf("StartSignUp failed: %v", err)
	}
	secret := env.mailer.lastSecret(t)

	flow, err := env.engine.LoadSignUpFlow(ctx, secret)
	if err != nil {
		t.Fatalf("LoadSignUpFlow failed: %v", err)
	}

	// The ceiling tolerates exactly MaxCodeAttempts wrong guesses.
	for i := 1; i <= 3; i++ {
		if flow.IsCorrectRecoveryCode("WRONGWRONGWRONGW") {
			t.Fatal("wrong code must not verify")
		}
		if err := flow.RegisterCodeFailure(ctx); err != nil {
			t.Fatalf("failure %d of 3 should be tolerated: %v", i, err)
		}
	}
	if err := flow.RegisterCodeFailure(ctx); !errors.Is(err, ErrExceededMaxAttempts) {
		t.Fatalf("expected ErrExceededMaxAttempts, got %v", err)
	}

	// The record is destroyed; even the correct code no longer helps.
	if _, err := env.engine.LoadSignUpFlow(ctx, secret); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("expected ErrFlowNotFound after the ceiling, got %v", err)
	}
}
