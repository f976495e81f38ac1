// Package pkce implements the S256 code challenge method from RFC 7636.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// MethodS256 is the only supported code_challenge_method.
const MethodS256 = "S256"

// Challenge derives the S256 code challenge for a verifier:
// BASE64URL-ENCODE(SHA256(ASCII(code_verifier))), unpadded (RFC 7636 section 4.2).
func Challenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// Verify reports if the supplied verifier hashes to the stored challenge. A
// challenge stored with standard or padded base64 never matches.
func Verify(storedChallenge, verifier string) bool {
	if storedChallenge == "" || verifier == "" {
		return false
	}
	computed := Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedChallenge)) == 1
}
