package authflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/velmis/authflow/internal/ratelimit"
)

// emailStatsMultiplier accounts for the CAPTCHA check that precedes every
// email send when CAPTCHAs are shown: both operations increment the same
// per-IP counter, so the ceiling is doubled to avoid penalizing legitimate
// traffic twice.
func (e *Engine) emailStatsMultiplier() int64 {
	if e.config.RateLimit.CaptchaShown {
		return 2
	}
	return 1
}

// AllowSendingEmail decides whether an email may be sent based on the
// initiator's address. On a tripped or unavailable counter it reports false;
// callers degrade gracefully by skipping the send while still presenting the
// generic "check your email" response.
func (e *Engine) AllowSendingEmail(ctx context.Context, remoteIP, email string) bool {
	err := e.limiter.IncrementWithLimit(ctx,
		"ip:"+remoteIP,
		e.emailStatsMultiplier()*e.config.RateLimit.SignupIPMaxEmails,
		e.config.RateLimit.SignupIPBlockPeriod,
	)
	if err != nil {
		if errors.Is(err, ratelimit.ErrExceededLimit) {
			log.Printf("too many email sending initiations from %s", remoteIP)
		}
		return false
	}

	log.Printf("%s initiated sending email to %s", remoteIP, email)
	return true
}

// AllowCaptchaCheck decides whether a CAPTCHA verification request should be
// sent for the initiator's address. This blocks addresses from initiating
// too many outbound verification calls.
func (e *Engine) AllowCaptchaCheck(ctx context.Context, remoteIP string) bool {
	err := e.limiter.IncrementWithLimit(ctx,
		"ip:"+remoteIP,
		2*e.config.RateLimit.SignupIPMaxEmails,
		e.config.RateLimit.SignupIPBlockPeriod,
	)
	if err != nil {
		if errors.Is(err, ratelimit.ErrExceededLimit) {
			log.Printf("too many CAPTCHA verification requests from %s", remoteIP)
		}
		return false
	}
	return true
}

// VerifyCaptcha runs the configured verifier behind the per-IP gate. An
// empty response skips the gate, since rejecting it requires no outbound
// call. Without a configured verifier every response is valid.
func (e *Engine) VerifyCaptcha(ctx context.Context, response, remoteIP string) CaptchaResult {
	if e.captcha == nil {
		return CaptchaResult{Valid: true}
	}

	if response != "" && !e.AllowCaptchaCheck(ctx, remoteIP) {
		return CaptchaResult{
			Valid:        false,
			ErrorMessage: "too many requests from " + remoteIP,
		}
	}

	result, err := e.captcha.Verify(ctx, response, remoteIP)
	if err != nil {
		return CaptchaResult{Valid: false}
	}
	return result
}

// RegisterPuzzleSolution remembers the fingerprint of a solved
// anti-automation puzzle. The first registration succeeds; replaying the
// same solution returns [ErrExceededLimit] for as long as the puzzle could
// still be presented.
func (e *Engine) RegisterPuzzleSolution(ctx context.Context, fingerprint string) error {
	err := e.limiter.IncrementWithLimit(ctx,
		"cf:"+fingerprint,
		1,
		e.config.RateLimit.PuzzleExpiry+e.config.RateLimit.PuzzleReplayLeeway,
	)
	if err != nil {
		if errors.Is(err, ratelimit.ErrExceededLimit) {
			return ErrExceededLimit
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// IncrementWithLimit exposes the raw counter primitive for callers with
// their own scopes.
func (e *Engine) IncrementWithLimit(ctx context.Context, key string, limit int64, period time.Duration) error {
	err := e.limiter.IncrementWithLimit(ctx, key, limit, period)
	if err != nil {
		if errors.Is(err, ratelimit.ErrExceededLimit) {
			return ErrExceededLimit
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
