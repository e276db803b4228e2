// Package license implements the license key format and the activation
// state machine for EPOS terminals.
package license

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Plan codes embedded in license keys.
const (
	PlanBasic      = "BAS"
	PlanPro        = "PRO"
	PlanEnterprise = "ENT"
)

// KeyVersion is stamped into newly minted keys.
const KeyVersion = 2

// Key format: AUR-{BAS|PRO|ENT}-V{n}-{8 uppercase hex/base32}-{8 hex signature}
var keyPattern = regexp.MustCompile(`^AUR-(BAS|PRO|ENT)-V(\d)-([A-Z0-9]{8})-([0-9A-F]{8})$`)

var (
	ErrMalformedKey     = errors.New("malformed license key")
	ErrSignatureInvalid = errors.New("license key signature invalid")
)

// MaxTerminalsForPlan maps the plan code to the default terminal cap.
func MaxTerminalsForPlan(plan string) int {
	switch plan {
	case PlanBasic:
		return 1
	case PlanPro:
		return 3
	case PlanEnterprise:
		return 10
	default:
		return 1
	}
}

// Signer mints and verifies license keys with a process-wide HMAC secret
// bound to the owning customer id.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer from the configured secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Mint generates a fresh license key for the plan and customer.
func (s *Signer) Mint(plan, customerID string) (string, error) {
	plan = strings.ToUpper(strings.TrimSpace(plan))
	switch plan {
	case PlanBasic, PlanPro, PlanEnterprise:
	default:
		return "", fmt.Errorf("unknown plan code %q", plan)
	}

	nonce := make([]byte, 4)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate key nonce: %w", err)
	}

	prefix := fmt.Sprintf("AUR-%s-V%d-%s", plan, KeyVersion,
		strings.ToUpper(hex.EncodeToString(nonce)))
	return prefix + "-" + s.signature(prefix, customerID), nil
}

// Verify checks the key format and the HMAC signature in constant time.
func (s *Signer) Verify(key, customerID string) error {
	prefix, sig, err := splitKey(key)
	if err != nil {
		return err
	}
	expected := s.signature(prefix, customerID)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return ErrSignatureInvalid
	}
	return nil
}

// Plan extracts the plan code from a key, validating the format only.
func Plan(key string) (string, error) {
	m := keyPattern.FindStringSubmatch(normalizeKey(key))
	if m == nil {
		return "", ErrMalformedKey
	}
	return m[1], nil
}

// ValidFormat reports whether key matches the documented shape.
func ValidFormat(key string) bool {
	return keyPattern.MatchString(normalizeKey(key))
}

func (s *Signer) signature(prefix, customerID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(prefix))
	mac.Write([]byte(":"))
	mac.Write([]byte(customerID))
	sum := mac.Sum(nil)
	return strings.ToUpper(hex.EncodeToString(sum[:4]))
}

func splitKey(key string) (prefix, sig string, err error) {
	key = normalizeKey(key)
	if !keyPattern.MatchString(key) {
		return "", "", ErrMalformedKey
	}
	idx := strings.LastIndex(key, "-")
	return key[:idx], key[idx+1:], nil
}

func normalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}
