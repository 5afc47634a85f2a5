package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go/client"
)

// Scheme names how inbound requests for a webhook are authenticated.
type Scheme string

const (
	// SchemeHMACSHA256 expects the hex HMAC-SHA256 of the raw body, optionally
	// prefixed with "sha256=".
	SchemeHMACSHA256 Scheme = "hmac-sha256"
	// SchemeTwilio validates X-Twilio-Signature with the account auth token.
	SchemeTwilio Scheme = "twilio"
	// SchemeNone accepts every request. Local development only.
	SchemeNone Scheme = "none"
)

// IsValid reports whether s is a known scheme.
func (s Scheme) IsValid() bool {
	return s == SchemeHMACSHA256 || s == SchemeTwilio || s == SchemeNone
}

const signaturePrefix = "sha256="

// Sign returns the signature header value for body: "sha256=<hex hmac>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC compares signature against the HMAC of body in constant time.
func verifyHMAC(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// verifyTwilio checks a Twilio request signature. Form posts are validated
// against their parameters; JSON posts against the bodySHA256 query parameter
// Twilio appends to the URL.
func verifyTwilio(authToken, requestURL string, body []byte, form map[string]string, signature string) bool {
	if authToken == "" || requestURL == "" || signature == "" {
		return false
	}
	validator := client.NewRequestValidator(authToken)
	if form != nil {
		return validator.Validate(requestURL, form, signature)
	}
	return validator.ValidateBody(requestURL, body, signature)
}

func (r Registration) verify(body []byte, form map[string]string, signature, requestURL string) error {
	switch r.Scheme {
	case SchemeNone:
		return nil
	case SchemeHMACSHA256:
		if verifyHMAC(r.Secret, body, signature) {
			return nil
		}
	case SchemeTwilio:
		// The configured public URL takes precedence over the observed one.
		if r.PublicURL != "" {
			requestURL = r.PublicURL
		}
		if verifyTwilio(r.Secret, requestURL, body, form, signature) {
			return nil
		}
	default:
		return fmt.Errorf("unknown signature scheme %q", r.Scheme)
	}
	return errInvalidSignature(r.Name)
}
