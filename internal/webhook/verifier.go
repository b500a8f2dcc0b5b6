package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Kind is the closed set of webhook verification failures. Handlers map
// every kind to the same 401 so callers can't probe which check failed.
type Kind string

const (
	KindMissingSignature Kind = "MISSING_SIGNATURE"
	KindExpiredSignature Kind = "EXPIRED_SIGNATURE"
	KindInvalidSignature Kind = "INVALID_SIGNATURE"
)

// Error is a typed verification failure.
type Error struct {
	Kind Kind
}

func (e *Error) Error() string { return string(e.Kind) }

// Header names for the signed webhook triple.
const (
	TimestampHeader = "X-Webhook-Timestamp"
	SignatureHeader = "X-Webhook-Signature"
)

// Verifier authenticates inbound worker callbacks signed with the
// task's per-task secret.
type Verifier struct {
	window time.Duration
	now    func() time.Time
}

func NewVerifier(window time.Duration) *Verifier {
	return &Verifier{window: window, now: time.Now}
}

// Verify checks the signature triple over the raw request body. Checks
// run in order: presence, freshness, then the HMAC itself. The
// signature is HMAC-SHA256 over "{timestamp}.{body}" with the task's
// webhook secret, hex encoded, compared in constant time.
func (v *Verifier) Verify(rawBody []byte, timestampHeader, signatureHeader, secret string) error {
	if timestampHeader == "" || signatureHeader == "" {
		return &Error{Kind: KindMissingSignature}
	}

	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return &Error{Kind: KindInvalidSignature}
	}
	age := v.now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > v.window {
		return &Error{Kind: KindExpiredSignature}
	}

	expected := Sign(rawBody, timestampHeader, secret)
	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return &Error{Kind: KindInvalidSignature}
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 signature for a body and timestamp.
// Shared with workers and tests.
func Sign(rawBody []byte, timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s", timestamp, rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}
