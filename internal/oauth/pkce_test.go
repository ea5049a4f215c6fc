package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCE(t *testing.T) {
	pkce, err := GeneratePKCE()
	require.NoError(t, err)

	assert.Len(t, pkce.CodeVerifier, 43, "32 random bytes encode to 43 base64url chars")
	assert.Equal(t, "S256", pkce.CodeChallengeMethod)

	hash := sha256.Sum256([]byte(pkce.CodeVerifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(hash[:]), pkce.CodeChallenge)
}

func TestGeneratePKCEUnique(t *testing.T) {
	a, err := GeneratePKCE()
	require.NoError(t, err)
	b, err := GeneratePKCE()
	require.NoError(t, err)
	assert.NotEqual(t, a.CodeVerifier, b.CodeVerifier)
}

func TestGenerateState(t *testing.T) {
	state, err := GenerateState()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(state), 32)

	other, err := GenerateState()
	require.NoError(t, err)
	assert.NotEqual(t, state, other)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "<empty>", Redact(""))
	assert.Equal(t, "len=3", Redact("abc"))
	assert.Equal(t, "len=12 suffix=6789", Redact("secret456789"))
	assert.NotContains(t, Redact("very-secret-access-token"), "very-secret")
}
