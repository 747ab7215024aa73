package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE code challenge methods (RFC 7636 Section 4.2).
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// verifyPKCE checks the verifier against the stored challenge. S256
// compares BASE64URL(SHA256(verifier)) without padding; plain compares
// the strings directly. Any other method, or an empty challenge, fails.
func verifyPKCE(verifier, challenge, method string) bool {
	if challenge == "" || verifier == "" {
		return false
	}

	var computed string

	switch method {
	case PKCEMethodS256:
		h := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(h[:])
	case PKCEMethodPlain:
		computed = verifier
	default:
		return false
	}

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
