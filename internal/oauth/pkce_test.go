package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPKCE(t *testing.T) {
	pkce, err := NewPKCE()
	require.NoError(t, err)

	assert.Len(t, pkce.Verifier, 43, "32 random bytes base64url-encode to 43 chars")
	sum := sha256.Sum256([]byte(pkce.Verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), pkce.Challenge)

	other, err := NewPKCE()
	require.NoError(t, err)
	assert.NotEqual(t, pkce.Verifier, other.Verifier)
}

func TestGenerateState(t *testing.T) {
	state, err := GenerateState()
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(state)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	other, err := GenerateState()
	require.NoError(t, err)
	assert.NotEqual(t, state, other)
}
