package authflow

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/velmis/authflow/internal/devices"
	"github.com/velmis/authflow/internal/flowstore"
	"github.com/velmis/authflow/internal/ratelimit"
	"github.com/velmis/authflow/internal/signals"
	"github.com/velmis/authflow/password"
)

// Dependencies are the external collaborators the engine consumes. Redis,
// Users, Emails, and AuthServer are required; Hasher defaults to Argon2id,
// Captcha to no verification, SignalSink to discarding.
type Dependencies struct {
	Redis      redis.UniversalClient
	Users      UserDirectory
	Emails     EmailDispatcher
	AuthServer AuthorizationServer

	Hasher     PasswordHasher
	Captcha    CaptchaVerifier
	SignalSink signals.Sink
}

// New builds an [Engine]. Zero config fields take their defaults.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if deps.Users == nil {
		return nil, errors.New("user directory is required")
	}
	if deps.Emails == nil {
		return nil, errors.New("email dispatcher is required")
	}
	if deps.AuthServer == nil {
		return nil, errors.New("authorization server is required")
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	hasher := deps.Hasher
	if hasher == nil {
		var err error
		hasher, err = password.NewArgon2(password.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}

	return &Engine{
		config:  cfg,
		flows:   flowstore.New(deps.Redis, cfg.KeyPrefix+":fl"),
		limiter: ratelimit.New(deps.Redis, cfg.KeyPrefix+":rl"),
		devices: devices.New(deps.Redis, cfg.KeyPrefix+":dh", cfg.Devices.MaxTrustedDevices),
		dispatcher: signals.NewDispatcher(signals.Config{
			Enabled:    cfg.Signals.Enabled,
			BufferSize: cfg.Signals.BufferSize,
			DropIfFull: cfg.Signals.DropIfFull,
		}, deps.SignalSink),
		users:      deps.Users,
		hasher:     hasher,
		emails:     deps.Emails,
		captcha:    deps.Captcha,
		authServer: deps.AuthServer,
	}, nil
}
