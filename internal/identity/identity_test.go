package identity

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndResolve(t *testing.T) {
	r := NewResolver("test-secret", time.Hour)

	id, token, err := r.Mint()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "anon-"))
	require.NotEmpty(t, token)

	got, err := r.Resolve(token)
	require.NoError(t, err)
	assert.Equal(t, id, got, "the identity must be stable across resolves")
}

func TestResolve_RejectsBadTokens(t *testing.T) {
	r := NewResolver("test-secret", time.Hour)

	_, err := r.Resolve("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Signed by someone else.
	other := NewResolver("other-secret", time.Hour)
	_, token, err := other.Mint()
	require.NoError(t, err)
	_, err = r.Resolve(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestResolve_RejectsExpired(t *testing.T) {
	r := NewResolver("test-secret", -time.Minute)
	_, token, err := r.Mint()
	require.NoError(t, err)

	_, err = r.Resolve(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestResolveOrMint(t *testing.T) {
	r := NewResolver("test-secret", time.Hour)

	// Empty token mints.
	id, fresh, err := r.ResolveOrMint("")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NotEmpty(t, fresh)

	// Valid token is accepted unchanged.
	got, fresh2, err := r.ResolveOrMint(fresh)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Empty(t, fresh2)

	// Garbage falls back to minting.
	id3, fresh3, err := r.ResolveOrMint("garbage")
	require.NoError(t, err)
	assert.NotEqual(t, id, id3)
	assert.NotEmpty(t, fresh3)
}
