// Package signature implements HMAC authentication of inbound webhook
// payloads. Signatures are computed over the exact raw request bytes; parsing
// and re-serialization happen only after verification.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Accepted signature header conventions, in precedence order. The first one
// present wins.
const (
	HeaderSignature     = "X-Webhook-Signature"
	HeaderHubSignature  = "X-Hub-Signature-256"
	HeaderAuthorization = "Authorization"
)

// Compute returns the hex-encoded HMAC-SHA256 of body under secret.
func Compute(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HubFormat renders a hex signature in the GitHub hub-signature convention.
func HubFormat(hexSig string) string {
	return "sha256=" + hexSig
}

// FromHeaders extracts the presented signature from the accepted header
// conventions. Returns "" when no convention is present.
func FromHeaders(h http.Header) string {
	if v := h.Get(HeaderSignature); v != "" {
		return v
	}
	if v := h.Get(HeaderHubSignature); v != "" {
		return v
	}
	if v := h.Get(HeaderAuthorization); v != "" {
		return strings.TrimPrefix(v, "Bearer ")
	}
	return ""
}

// Verify checks presented against the HMAC-SHA256 of body under secret.
// A "scheme=value" prefix (e.g. "sha256=...") is stripped before comparison.
// Comparison is constant-time.
//
// Callers skip verification entirely when the automation has no configured
// secret; that permissive default is documented policy, not handled here.
func Verify(secret string, body []byte, presented string) bool {
	if secret == "" || presented == "" {
		return false
	}
	if i := strings.IndexByte(presented, '='); i >= 0 {
		presented = presented[i+1:]
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	actual, err := hex.DecodeString(strings.TrimSpace(presented))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, actual)
}
