package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
)

const (
	// secretSize is 192 bits; base64url encodes it without padding.
	secretSize = 24

	// recoveryCodeSize is 80 bits; base32 encodes it to 16 characters.
	recoveryCodeSize = 10

	recoveryCodeBlock = 4
)

var recoveryEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewSecret mints a random URL-safe secret suitable for links and cookies.
func NewSecret() (string, error) {
	var raw [secretSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// Fingerprint returns the SHA-256 digest of a plaintext secret. Records and
// device histories are keyed by fingerprints, never by the plaintext.
func Fingerprint(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

// EncodeFingerprint renders a fingerprint as a compact printable string.
func EncodeFingerprint(fp [32]byte) string {
	return base64.RawURLEncoding.EncodeToString(fp[:])
}

// Equal compares two strings in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewNumericCode returns a random code of the given number of decimal digits.
func NewNumericCode(digits int) (string, error) {
	if digits < 4 || digits > 10 {
		return "", errors.New("invalid code digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}

// NewRecoveryCode mints a random recovery code. The plaintext is shown to the
// user exactly once; only a one-way hash of it may be persisted.
func NewRecoveryCode() (string, error) {
	var raw [recoveryCodeSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return recoveryEncoding.EncodeToString(raw[:]), nil
}

// NormalizeRecoveryCode strips separators and upper-cases a user-entered
// recovery code, so that formatted and unformatted input compare equal.
func NormalizeRecoveryCode(code string) string {
	code = strings.ToUpper(code)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t':
			return -1
		}
		return r
	}, code)
}

// FormatRecoveryCode splits a recovery code into blocks of four characters,
// which is how it is displayed to the user.
func FormatRecoveryCode(code string) string {
	var b strings.Builder
	for i, r := range code {
		if i > 0 && i%recoveryCodeBlock == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}
