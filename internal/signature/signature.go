package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxSkew bounds how far a request timestamp may drift from the relay clock.
const DefaultMaxSkew = 5 * time.Minute

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleTimestamp   = errors.New("request timestamp outside allowed window")
)

// Sign returns the hex HMAC-SHA256 of "<timestampMS>:<content>" keyed by secret.
func Sign(secret string, timestampMS int64, content string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message(timestampMS, content)))
	return hex.EncodeToString(mac.Sum(nil))
}

func message(timestampMS int64, content string) string {
	var b strings.Builder
	b.Grow(len(content) + 21)
	b.WriteString(strconv.FormatInt(timestampMS, 10))
	b.WriteByte(':')
	b.WriteString(content)
	return b.String()
}

// Signer signs outgoing requests with a fixed shared secret.
type Signer struct {
	Secret string
}

func (s Signer) Sign(timestampMS int64, content string) string {
	return Sign(s.Secret, timestampMS, content)
}

// Verifier recomputes signatures on the relay side.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

func (v Verifier) Verify(timestampMS int64, content, sign string) error {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	skew := v.MaxSkew
	if skew <= 0 {
		skew = DefaultMaxSkew
	}
	drift := now().UnixMilli() - timestampMS
	if drift < 0 {
		drift = -drift
	}
	// A negated math.MinInt64 stays negative.
	if drift < 0 || drift > skew.Milliseconds() {
		return ErrStaleTimestamp
	}

	got, err := hex.DecodeString(strings.TrimSpace(sign))
	if err != nil {
		return ErrInvalidSignature
	}
	want, _ := hex.DecodeString(Sign(v.Secret, timestampMS, content))
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}
