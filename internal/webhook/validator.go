package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/revive-app/recoveryservice/internal/domain"
)

// Validator verifies webhook signatures and timestamps.
//
// Three wire formats are accepted for the signature header: "sha256=<hex>",
// "v1,<hex>" and bare "<hex>". Any other scheme is rejected explicitly. The
// expected signature is always computed, even for structurally invalid input,
// so request latency does not reveal whether the failure was bad format or
// bad value.
type Validator struct {
	secret           string
	tolerance        time.Duration
	requireTimestamp bool
	now              func() time.Time
}

// NewValidator creates a validator. requireTimestamp is true in a production
// posture, where the replay-protection header is mandatory.
func NewValidator(secret string, tolerance time.Duration, requireTimestamp bool) *Validator {
	return &Validator{
		secret:           secret,
		tolerance:        tolerance,
		requireTimestamp: requireTimestamp,
		now:              time.Now,
	}
}

// WithNow overrides the validator's clock. Test hook.
func (v *Validator) WithNow(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Verify checks the signature and, when present (or required), the timestamp
// header against the raw body. Returns a domain.AuthError on any failure.
func (v *Validator) Verify(payload []byte, signatureHeader, timestampHeader string) error {
	if v.secret == "" {
		return domain.NewAuthError("webhook secret is not configured")
	}

	// Expected signature first, regardless of header shape.
	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if signatureHeader == "" {
		return domain.NewAuthError("missing signature")
	}

	provided, err := extractSignature(signatureHeader)
	if err != nil {
		return err
	}

	// Length first so a mismatch fails before byte comparison, then a
	// constant-time compare over the hex representation.
	if len(provided) != len(expected) {
		return domain.NewAuthError("signature mismatch")
	}
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return domain.NewAuthError("signature mismatch")
	}

	return v.verifyTimestamp(timestampHeader)
}

// extractSignature pulls the hex digest out of one of the three supported
// header formats.
func extractSignature(header string) (string, error) {
	switch {
	case strings.HasPrefix(header, "sha256="):
		return strings.ToLower(strings.TrimPrefix(header, "sha256=")), nil
	case strings.HasPrefix(header, "v1,"):
		return strings.ToLower(strings.TrimPrefix(header, "v1,")), nil
	}

	if i := strings.IndexAny(header, "=,"); i >= 0 {
		return "", domain.NewAuthError("unsupported signature scheme %q", header[:i])
	}
	if !isHex(header) {
		return "", domain.NewAuthError("malformed signature")
	}
	return strings.ToLower(header), nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// verifyTimestamp bounds the replay window independent of signature validity.
// The absolute skew between header time and wall clock must be within the
// tolerance, in both directions; exactly at the boundary is accepted.
func (v *Validator) verifyTimestamp(header string) error {
	if header == "" {
		if v.requireTimestamp {
			return domain.NewAuthError("missing timestamp")
		}
		return nil
	}

	ts, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return domain.NewAuthError("invalid timestamp format")
	}

	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return domain.NewAuthError("timestamp outside tolerance: skew %s", skew)
	}
	return nil
}
