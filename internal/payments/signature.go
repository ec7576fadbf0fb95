package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gatecast/internal/models"
)

// DefaultTolerance bounds how far a signature timestamp may drift from now.
const DefaultTolerance = 5 * time.Minute

// Verifier checks Stripe-style signature headers of the form
// "t=<unix seconds>,v1=<hex hmac-sha256>". Several v1 entries may be present
// while the gateway rotates secrets; any one matching is enough.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// VerifierOption customises a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the clock used for the tolerance window.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier builds a Verifier for the shared webhook secret. A non-positive
// tolerance selects DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration, opts ...VerifierOption) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("webhook secret is required")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	v := &Verifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify returns nil when header carries a fresh signature over payload.
// Every failure wraps models.ErrInvalidSignature.
func (v *Verifier) Verify(payload []byte, header string) error {
	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidSignature, err)
	}
	signedAt := time.Unix(timestamp, 0)
	drift := v.now().Sub(signedAt)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", models.ErrInvalidSignature)
	}
	expected := computeSignature(v.secret, timestamp, payload)
	for _, candidate := range signatures {
		decoded, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching v1 signature", models.ErrInvalidSignature)
}

// SignPayload produces a header value for payload signed at the given time.
// Used by tests and the sign-webhook tool.
func SignPayload(secret string, payload []byte, at time.Time) string {
	timestamp := at.Unix()
	signature := computeSignature([]byte(secret), timestamp, payload)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(signature))
}

func computeSignature(secret []byte, timestamp int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

func parseSignatureHeader(header string) (int64, []string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, nil, errors.New("signature header is missing")
	}
	var (
		timestamp  int64
		haveTime   bool
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("invalid timestamp %q", value)
			}
			timestamp = parsed
			haveTime = true
		case "v1":
			if value != "" {
				signatures = append(signatures, value)
			}
		}
	}
	if !haveTime {
		return 0, nil, errors.New("signature header has no timestamp")
	}
	if len(signatures) == 0 {
		return 0, nil, errors.New("signature header has no v1 signature")
	}
	return timestamp, signatures, nil
}
