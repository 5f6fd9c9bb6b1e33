package auth

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *TokenCipher {
	t.Helper()
	c, err := NewTokenCipher(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	return c
}

func TestTokenCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t)

	sealed, err := c.Seal("a1b2c3-access-token")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, sealedPrefix))
	assert.NotContains(t, sealed, "a1b2c3")

	plain, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3-access-token", plain)
}

func TestTokenCipher_FreshNoncePerSeal(t *testing.T) {
	c := newTestCipher(t)

	a, err := c.Seal("same")
	require.NoError(t, err)
	b, err := c.Seal("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestTokenCipher_PlaintextPassThrough(t *testing.T) {
	c := newTestCipher(t)

	plain, err := c.Open("legacy-plain-token")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plain-token", plain)

	empty, err := c.Seal("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestTokenCipher_WrongKeyFails(t *testing.T) {
	sealed, err := newTestCipher(t).Seal("secret")
	require.NoError(t, err)

	other, err := NewTokenCipher(bytes.Repeat([]byte{0x07}, 32))
	require.NoError(t, err)

	_, err = other.Open(sealed)
	assert.Error(t, err)
}

func TestTokenCipher_TamperedFails(t *testing.T) {
	c := newTestCipher(t)
	sealed, err := c.Seal("secret")
	require.NoError(t, err)

	_, err = c.Open(sealed[:len(sealed)-2] + "AA")
	assert.Error(t, err)
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey(strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Len(t, key, 32)

	_, err = ParseKey("abcd")
	assert.Error(t, err)

	_, err = ParseKey("not-hex")
	assert.Error(t, err)
}
