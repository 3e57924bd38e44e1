package recordings

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/aura-webinar/recording-ingester/internal/intake"
)

// Signature headers sent by the recording provider.
const (
	HeaderSignature = "x-zm-signature"
	HeaderTimestamp = "x-zm-request-timestamp"

	signatureVersion = "v0"
)

// Verifier checks webhook signatures: v0=hex(HMAC-SHA256(secret, "v0:<timestamp>:<body>")).
type Verifier struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier creates a verifier. maxSkew <= 0 disables the timestamp window.
func NewVerifier(secret string, maxSkew time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), maxSkew: maxSkew, now: time.Now}
}

// Sign returns the signature header value for a timestamp and body.
func (v *Verifier) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify returns an error wrapping intake.ErrUnauthorized unless signature is valid for
// timestamp and body and timestamp is within the allowed skew.
func (v *Verifier) Verify(timestamp, signature string, body []byte) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: webhook secret not configured", intake.ErrUnauthorized)
	}
	if timestamp == "" || signature == "" {
		return fmt.Errorf("%w: missing signature headers", intake.ErrUnauthorized)
	}
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp %q", intake.ErrUnauthorized, timestamp)
	}
	if v.maxSkew > 0 {
		skew := v.now().Sub(time.Unix(sec, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.maxSkew {
			return fmt.Errorf("%w: timestamp outside allowed window", intake.ErrUnauthorized)
		}
	}
	if !hmac.Equal([]byte(v.Sign(timestamp, body)), []byte(signature)) {
		return fmt.Errorf("%w: signature mismatch", intake.ErrUnauthorized)
	}
	return nil
}

// EncryptToken answers an endpoint validation challenge: hex(HMAC-SHA256(secret, plainToken)).
func (v *Verifier) EncryptToken(plainToken string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(plainToken))
	return hex.EncodeToString(mac.Sum(nil))
}
