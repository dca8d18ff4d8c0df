package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHasher_Policy(t *testing.T) {
	t.Parallel()

	_, err := NewHasher("", true, MinKeyBytes)
	assert.ErrorIs(t, err, ErrKeyMissing)

	_, err = NewHasher("short", true, MinKeyBytes)
	assert.ErrorIs(t, err, ErrKeyTooShort)

	h, err := NewHasher("", false, MinKeyBytes)
	require.NoError(t, err)
	assert.False(t, h.Keyed())

	h, err = NewHasher(strings.Repeat("k", 100), true, MinKeyBytes)
	require.NoError(t, err)
	assert.True(t, h.Keyed())
}

func TestHasher_HashHex(t *testing.T) {
	t.Parallel()

	unkeyed, err := NewHasher("", false, 0)
	require.NoError(t, err)
	keyed, err := NewHasher(strings.Repeat("a", 32), true, MinKeyBytes)
	require.NoError(t, err)
	other, err := NewHasher(strings.Repeat("b", 32), true, MinKeyBytes)
	require.NoError(t, err)

	d := keyed.HashHex("token")
	assert.Len(t, d, 64)
	assert.Equal(t, d, keyed.HashHex("token"))
	assert.NotEqual(t, d, other.HashHex("token"))
	assert.NotEqual(t, d, unkeyed.HashHex("token"))

	assert.True(t, keyed.Verify("token", d))
	assert.False(t, keyed.Verify("tokem", d))
	assert.False(t, keyed.Verify("", d))
	assert.False(t, other.Verify("token", d))
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	a, err := Generate(0)
	require.NoError(t, err)
	b, err := Generate(DefaultBytes)
	require.NoError(t, err)

	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "=")
}
