package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const signaturePrefix = "sha256="

// ErrMalformedSignature means the signature header was absent or not of the
// form "sha256=<hex>" - a caller error, distinct from a mismatch.
var ErrMalformedSignature = errors.New("malformed signature header")

// ErrSignatureMismatch means the header parsed but the HMAC did not match.
var ErrSignatureMismatch = errors.New("signature mismatch")

// ParseSignature extracts the raw digest from an X-Hub-Signature-256
// style header, so a caller can reject a malformed header before it knows
// which secret to verify against.
func ParseSignature(header string) ([]byte, error) {
	if !strings.HasPrefix(header, signaturePrefix) {
		return nil, ErrMalformedSignature
	}
	received, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil || len(received) != sha256.Size {
		return nil, ErrMalformedSignature
	}
	return received, nil
}

// VerifySignature checks an X-Hub-Signature-256 style header against the
// HMAC-SHA256 of the raw request body. The comparison is constant-time.
func VerifySignature(body []byte, header string, secret []byte) error {
	received, err := ParseSignature(header)
	if err != nil {
		return err
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), received) {
		return ErrSignatureMismatch
	}
	return nil
}

// SignBody computes the header value a sender would attach for the given
// body and secret.
func SignBody(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
