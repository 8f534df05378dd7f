package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// verifierCharset is the RFC 7636 unreserved set for code verifiers.
const verifierCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789.-_~"

const (
	// VerifierLength is the generated verifier length, inside the 43-128
	// window RFC 7636 permits.
	VerifierLength = 64

	// stateNonceBytes is the entropy behind one authorization state value.
	stateNonceBytes = 24
)

// GenerateVerifier produces a PKCE code verifier of VerifierLength chars
// drawn uniformly from the unreserved set.
func GenerateVerifier() (string, error) {
	raw := make([]byte, VerifierLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate code verifier: %w", err)
	}
	out := make([]byte, VerifierLength)
	for i, b := range raw {
		out[i] = verifierCharset[int(b)%len(verifierCharset)]
	}
	return string(out), nil
}

// ChallengeS256 derives the S256 code challenge: unpadded base64url of the
// verifier's SHA-256 digest.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewStateNonce produces an unguessable authorization state value,
// unpadded base64url over stateNonceBytes of entropy.
func NewStateNonce() (string, error) {
	raw := make([]byte, stateNonceBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate state nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
