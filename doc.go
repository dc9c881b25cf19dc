// Package authflow implements the ephemeral state engine behind a federated
// OAuth2 login service: secret-addressed, time-limited flow records for
// sign-up, password recovery, login verification, email change, and
// recovery-code regeneration, plus the abuse-resistance primitives guarding
// them: per-IP rate limiting, per-record guess ceilings, and a bounded
// trusted-device registry that decides when the second authentication factor
// can be skipped.
//
// All state lives in Redis with store-enforced TTLs; the engine itself is
// stateless and safe to run in many concurrent processes. The web layer,
// email composition, CAPTCHA generation, the OAuth2 protocol exchange, and
// permanent user storage stay outside, consumed through the interfaces in
// types.go.
package authflow
