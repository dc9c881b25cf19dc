package authflow

import "context"

// AccountStatus is the lifecycle state of a user registration.
type AccountStatus uint8

const (
	AccountActive AccountStatus = iota
	AccountSuspended
)

// UserCredentials is the permanent credential record looked up by email.
type UserCredentials struct {
	UserID           string
	Email            string
	PasswordHash     string
	RecoveryCodeHash string
	Status           AccountStatus
}

// CreateUserInput carries everything needed to persist a new registration.
type CreateUserInput struct {
	UserID           string
	Email            string
	PasswordHash     string
	RecoveryCodeHash string
	RegisteredFromIP string
}

// UserDirectory is the permanent user storage, implemented by the caller.
// Lookups return (nil, nil) when no registration exists for the email.
// UpdateEmail must return [ErrEmailAlreadyRegistered] (possibly wrapped)
// when the new email is claimed by a different account.
type UserDirectory interface {
	GetUserByEmail(ctx context.Context, email string) (*UserCredentials, error)
	CreateUser(ctx context.Context, input CreateUserInput) error
	UpdatePasswordHash(ctx context.Context, userID, newHash string) error
	UpdateRecoveryCodeHash(ctx context.Context, userID, newHash string) error
	UpdateEmail(ctx context.Context, userID, newEmail string) error
	DeleteUser(ctx context.Context, userID string) error
}

// PasswordHasher produces and verifies salted hashes for passwords and
// recovery codes. Verification must be constant time.
// [password.Argon2] is the provided default.
type PasswordHasher interface {
	Hash(secret string) (string, error)
	Verify(secret, encodedHash string) (bool, error)
}

// CaptchaResult is the outcome of an opaque CAPTCHA verification.
type CaptchaResult struct {
	Valid        bool
	ErrorMessage string
}

// CaptchaVerifier verifies a CAPTCHA response for a remote address. The
// challenge generation and widget rendering stay with the web layer.
type CaptchaVerifier interface {
	Verify(ctx context.Context, response, remoteIP string) (CaptchaResult, error)
}

// Email templates dispatched by the engine. The dispatcher owns composition
// and link construction; the engine only supplies the parameters.
const (
	TemplateConfirmRegistration   = "confirm-registration"    // params: secret
	TemplateDuplicateRegistration = "duplicate-registration"  // params: none
	TemplateChangePassword        = "change-password"         // params: secret
	TemplatePasswordChanged       = "password-changed"        // params: none
	TemplateVerificationCode      = "verification-code"       // params: code, user_agent
	TemplateChangeEmailRequest    = "change-email-request"    // params: none
	TemplateConfirmNewEmail       = "confirm-new-email"       // params: secret
	TemplateChangeRecoveryCode    = "change-recovery-code"    // params: secret
	TemplateDeleteAccount         = "delete-account"          // params: secret
)

// Email is an outbound message keyed by template and recipient.
type Email struct {
	Template  string
	Recipient string
	Params    map[string]string
}

// EmailDispatcher delivers outbound email. Implementations must not log the
// secret parameters.
type EmailDispatcher interface {
	Send(ctx context.Context, email Email) error
}

// AuthorizationServer is the OAuth2 authorization service the engine informs
// about authentication decisions. [hydra.Client] implements it.
type AuthorizationServer interface {
	// Subject maps a user ID to its OAuth2 subject.
	Subject(userID string) string

	// FetchLoginSubject returns the already-authenticated subject of a
	// login challenge, or "" when authentication is still required.
	FetchLoginSubject(ctx context.Context, challengeID string) (string, error)

	// AcceptLogin reports a successful authentication and returns the
	// redirect URL for the browser.
	AcceptLogin(ctx context.Context, challengeID, subject string) (string, error)

	// InvalidateCredentials revokes every session and issued token of the
	// user. Called after password and email changes.
	InvalidateCredentials(ctx context.Context, userID string) error
}
