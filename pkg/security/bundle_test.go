package security

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundleCipherRoundtrip(t *testing.T) {
	cipher, err := NewBundleCipherFromSecret("a-shared-secret")
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte("credential bundle bytes "), 100)
	sealed, err := cipher.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := cipher.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestBundleCipherFreshNonce(t *testing.T) {
	cipher, err := NewBundleCipherFromSecret("a-shared-secret")
	require.NoError(t, err)

	a, err := cipher.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := cipher.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestBundleCipherRejectsTamper(t *testing.T) {
	cipher, err := NewBundleCipherFromSecret("a-shared-secret")
	require.NoError(t, err)

	sealed, err := cipher.Encrypt([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = cipher.Decrypt(sealed)
	assert.Error(t, err)
}

func TestBundleCipherWrongKey(t *testing.T) {
	a, err := NewBundleCipherFromSecret("secret-one")
	require.NoError(t, err)
	b, err := NewBundleCipherFromSecret("secret-two")
	require.NoError(t, err)

	sealed, err := a.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.Error(t, err)
}

func TestBundleCipherValidation(t *testing.T) {
	_, err := NewBundleCipherFromSecret("")
	assert.Error(t, err)

	_, err = NewBundleCipher(make([]byte, 16))
	assert.Error(t, err)

	cipher, err := NewBundleCipher(make([]byte, 32))
	require.NoError(t, err)

	_, err = cipher.Encrypt(nil)
	assert.Error(t, err)
	_, err = cipher.Decrypt([]byte{1, 2, 3})
	assert.Error(t, err)
}
