package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Request signing headers sent by Slack on HTTP callbacks.
const (
	HeaderTimestamp = "X-Slack-Request-Timestamp"
	HeaderSignature = "X-Slack-Signature"

	signatureVersion = "v0"
	signatureMaxSkew = 5 * time.Minute
)

var (
	ErrSignatureMissing = errors.New("slack signature missing")
	ErrSignatureInvalid = errors.New("slack signature invalid")
	ErrSignatureExpired = errors.New("slack request timestamp outside replay window")
)

// Sign computes the v0 signature of body sent at ts.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%d:", signatureVersion, ts)
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyRequest checks the signing headers of h against the raw body.
// Requests older or newer than five minutes are rejected.
func VerifyRequest(secret string, h http.Header, body []byte, now time.Time) error {
	tsHeader := strings.TrimSpace(h.Get(HeaderTimestamp))
	sig := strings.TrimSpace(h.Get(HeaderSignature))
	if secret == "" || tsHeader == "" || sig == "" {
		return ErrSignatureMissing
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew > signatureMaxSkew || skew < -signatureMaxSkew {
		return ErrSignatureExpired
	}
	if !hmac.Equal([]byte(Sign(secret, ts, body)), []byte(sig)) {
		return ErrSignatureInvalid
	}
	return nil
}
