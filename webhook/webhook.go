// Package webhook authenticates inbound webhook requests for
// event-triggered subscriptions.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/teranos/cadence/errors"
)

// SignatureHeader is the request header carrying the payload signature
const SignatureHeader = "X-Webhook-Signature"

const signaturePrefix = "sha256="

// Authenticator verifies webhook payload signatures for one subscription.
// A subscription without a secret admits all requests.
type Authenticator struct {
	secret string
}

// NewAuthenticator creates an authenticator for the subscription's secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: secret}
}

// Verify checks an HMAC-SHA256 signature ("sha256=<hex>") computed over the
// exact raw request body. With no configured secret every request is
// admitted. With a secret, a missing or malformed header is rejected, and
// comparison is constant-time.
func (a *Authenticator) Verify(body []byte, signatureHeader string) error {
	if a.secret == "" {
		return nil
	}

	if signatureHeader == "" {
		return errors.Wrap(errors.ErrUnauthorized, "missing webhook signature")
	}
	if !strings.HasPrefix(signatureHeader, signaturePrefix) {
		return errors.Wrap(errors.ErrUnauthorized, "malformed webhook signature")
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, signaturePrefix))
	if err != nil {
		return errors.Wrap(errors.ErrUnauthorized, "malformed webhook signature")
	}

	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return errors.Wrap(errors.ErrUnauthorized, "webhook signature mismatch")
	}
	return nil
}

// Sign computes the signature header value for a body. Used by tests and
// by outbound webhook delivery.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// ParsePayload decodes a webhook body into a flat string map for prompt
// variable substitution. Non-JSON or empty bodies yield an empty map, never
// an error: a webhook firing must not fail over an unparseable payload.
func ParsePayload(body []byte) map[string]string {
	vars := make(map[string]string)
	if len(body) == 0 {
		return vars
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return vars
	}

	for key, val := range raw {
		var s string
		if err := json.Unmarshal(val, &s); err == nil {
			vars[key] = s
			continue
		}
		// Non-string values keep their JSON text form
		vars[key] = string(val)
	}
	return vars
}
