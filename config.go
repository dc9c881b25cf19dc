package authflow

import (
	"errors"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the full engine configuration. Zero values are filled in from
// [DefaultConfig] by [New]; the whole struct can also be loaded from the
// environment with [ConfigFromEnv].
type Config struct {
	KeyPrefix     string `envconfig:"KEY_PREFIX" default:"swl"`
	SubjectPrefix string `envconfig:"SUBJECT_PREFIX"`

	Flows     FlowsConfig
	RateLimit RateLimitConfig
	Devices   DevicesConfig
	Signals   SignalsConfig
}

// FlowsConfig sets per-kind TTLs and the shared guess ceiling.
type FlowsConfig struct {
	SignUpTTL             time.Duration `envconfig:"SIGNUP_REQUEST_EXPIRATION" default:"24h"`
	LoginVerificationTTL  time.Duration `envconfig:"LOGIN_VERIFICATION_EXPIRATION" default:"1h"`
	ChangeEmailTTL        time.Duration `envconfig:"CHANGE_EMAIL_REQUEST_EXPIRATION" default:"24h"`
	ChangeRecoveryCodeTTL time.Duration `envconfig:"CHANGE_RECOVERY_CODE_REQUEST_EXPIRATION" default:"24h"`

	// MaxCodeAttempts is the ceiling on failed code or recovery-code
	// guesses per flow record. Reaching it destroys the record.
	MaxCodeAttempts int `envconfig:"SECRET_CODE_MAX_ATTEMPTS" default:"10"`

	VerificationCodeDigits int `envconfig:"VERIFICATION_CODE_DIGITS" default:"6"`
}

// RateLimitConfig sets the per-IP abuse ceilings.
type RateLimitConfig struct {
	// SignupIPMaxEmails bounds email-sending initiations per source address
	// within the block window.
	SignupIPMaxEmails   int64         `envconfig:"SIGNUP_IP_MAX_EMAILS" default:"50"`
	SignupIPBlockPeriod time.Duration `envconfig:"SIGNUP_IP_BLOCK_PERIOD" default:"24h"`

	// CaptchaShown doubles the per-IP accounting: each email send is then
	// preceded by a CAPTCHA check against the same counter.
	CaptchaShown bool `envconfig:"SHOW_CAPTCHA_ON_SIGNUP" default:"true"`

	// PuzzleExpiry is the validity period of anti-automation puzzles;
	// solved-puzzle replay fingerprints are remembered for this period plus
	// the leeway.
	PuzzleExpiry       time.Duration `envconfig:"PUZZLE_EXPIRATION" default:"2m"`
	PuzzleReplayLeeway time.Duration `envconfig:"PUZZLE_REPLAY_LEEWAY" default:"5m"`
}

// DevicesConfig bounds the trusted-device set.
type DevicesConfig struct {
	MaxTrustedDevices int `envconfig:"LOGIN_VERIFIED_DEVICES_MAX_COUNT" default:"5"`
}

// SignalsConfig controls the outbound user-event dispatcher.
type SignalsConfig struct {
	Enabled    bool `envconfig:"SIGNALS_ENABLED" default:"true"`
	BufferSize int  `envconfig:"SIGNALS_BUFFER_SIZE" default:"256"`
	DropIfFull bool `envconfig:"SIGNALS_DROP_IF_FULL" default:"true"`
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "swl",
		Flows: FlowsConfig{
			SignUpTTL:              24 * time.Hour,
			LoginVerificationTTL:   time.Hour,
			ChangeEmailTTL:         24 * time.Hour,
			ChangeRecoveryCodeTTL:  24 * time.Hour,
			MaxCodeAttempts:        10,
			VerificationCodeDigits: 6,
		},
		RateLimit: RateLimitConfig{
			SignupIPMaxEmails:   50,
			SignupIPBlockPeriod: 24 * time.Hour,
			CaptchaShown:        true,
			PuzzleExpiry:        2 * time.Minute,
			PuzzleReplayLeeway:  5 * time.Minute,
		},
		Devices: DevicesConfig{
			MaxTrustedDevices: 5,
		},
		Signals: SignalsConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
	}
}

// ConfigFromEnv loads the configuration from AUTHFLOW_* environment
// variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("authflow", &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.KeyPrefix == "" {
		c.KeyPrefix = def.KeyPrefix
	}
	if c.Flows.SignUpTTL <= 0 {
		c.Flows.SignUpTTL = def.Flows.SignUpTTL
	}
	if c.Flows.LoginVerificationTTL <= 0 {
		c.Flows.LoginVerificationTTL = def.Flows.LoginVerificationTTL
	}
	if c.Flows.ChangeEmailTTL <= 0 {
		c.Flows.ChangeEmailTTL = def.Flows.ChangeEmailTTL
	}
	if c.Flows.ChangeRecoveryCodeTTL <= 0 {
		c.Flows.ChangeRecoveryCodeTTL = def.Flows.ChangeRecoveryCodeTTL
	}
	if c.Flows.MaxCodeAttempts <= 0 {
		c.Flows.MaxCodeAttempts = def.Flows.MaxCodeAttempts
	}
	if c.Flows.VerificationCodeDigits <= 0 {
		c.Flows.VerificationCodeDigits = def.Flows.VerificationCodeDigits
	}
	if c.RateLimit.SignupIPMaxEmails <= 0 {
		c.RateLimit.SignupIPMaxEmails = def.RateLimit.SignupIPMaxEmails
	}
	if c.RateLimit.SignupIPBlockPeriod <= 0 {
		c.RateLimit.SignupIPBlockPeriod = def.RateLimit.SignupIPBlockPeriod
	}
	if c.RateLimit.PuzzleExpiry <= 0 {
		c.RateLimit.PuzzleExpiry = def.RateLimit.PuzzleExpiry
	}
	if c.RateLimit.PuzzleReplayLeeway <= 0 {
		c.RateLimit.PuzzleReplayLeeway = def.RateLimit.PuzzleReplayLeeway
	}
	if c.Devices.MaxTrustedDevices <= 0 {
		c.Devices.MaxTrustedDevices = def.Devices.MaxTrustedDevices
	}
	if c.Signals.BufferSize <= 0 {
		c.Signals.BufferSize = def.Signals.BufferSize
	}
}

func (c Config) validate() error {
	if c.Flows.VerificationCodeDigits != 0 &&
		(c.Flows.VerificationCodeDigits < 4 || c.Flows.VerificationCodeDigits > 10) {
		return errors.New("verification code digits must be between 4 and 10")
	}
	if c.Flows.MaxCodeAttempts < 0 {
		return errors.New("max code attempts must not be negative")
	}
	if c.Devices.MaxTrustedDevices < 0 {
		return errors.New("max trusted devices must not be negative")
	}
	return nil
}
