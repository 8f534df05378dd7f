package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestGenerateVerifier(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		v, err := GenerateVerifier()
		require.NoError(t, err)
		require.Len(t, v, VerifierLength)
		for _, c := range v {
			require.Contains(t, verifierCharset, string(c),
				"verifier chars come from the RFC 7636 unreserved set")
		}
		require.False(t, seen[v], "verifiers must not repeat")
		seen[v] = true
	}
}

// Vector from RFC 7636 appendix B.
func TestChallengeS256KnownVector(t *testing.T) {
	challenge := ChallengeS256("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", challenge)
}

func TestChallengeS256MatchesDigest(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		verifier := rapid.StringMatching(`[A-Za-z0-9._~-]{43,128}`).Draw(rt, "verifier")
		challenge := ChallengeS256(verifier)

		sum := sha256.Sum256([]byte(verifier))
		want := base64.RawURLEncoding.EncodeToString(sum[:])
		if challenge != want {
			rt.Fatalf("challenge %q does not match digest %q for verifier %q", challenge, want, verifier)
		}
		if strings.ContainsAny(challenge, "+/=") {
			rt.Fatalf("challenge %q is not unpadded base64url", challenge)
		}
	})
}

func TestNewStateNonce(t *testing.T) {
	a, err := NewStateNonce()
	require.NoError(t, err)
	b, err := NewStateNonce()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)

	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(raw), 16, "state nonce carries at least 16 bytes of entropy")
}
