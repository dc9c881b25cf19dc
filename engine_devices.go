package authflow

import (
	"context"
	"fmt"

	"github.com/velmis/authflow/internal/secrets"
)

// ComputerCodeFingerprint derives the device fingerprint stored for a
// browser's "computer code" cookie value. Only fingerprints ever reach the
// store or the logs.
func ComputerCodeFingerprint(computerCode string) string {
	return secrets.EncodeFingerprint(secrets.Fingerprint(computerCode))
}

// NewComputerCode mints a fresh "computer code" cookie value.
func NewComputerCode() (string, error) {
	return secrets.NewSecret()
}

// IsTrustedDevice reports whether the fingerprint is registered for the
// user. It does not mutate the registry.
func (e *Engine) IsTrustedDevice(ctx context.Context, userID, fingerprint string) (bool, error) {
	known, err := e.devices.Contains(ctx, userID, fingerprint)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return known, nil
}

// TrustDevice registers the fingerprint as the user's most recently used
// device, evicting the least recently used entry when the set is at
// capacity.
func (e *Engine) TrustDevice(ctx context.Context, userID, fingerprint string) error {
	if err := e.devices.Add(ctx, userID, fingerprint); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
