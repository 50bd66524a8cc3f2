//go:build !integration && !e2e
// +build !integration,!e2e

package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxRoundTrip(t *testing.T) {
	box, err := NewBox("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	sealed, err := box.Seal("sk-upstream-secret-key")
	require.NoError(t, err)
	assert.NotEqual(t, "sk-upstream-secret-key", sealed)

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-upstream-secret-key", opened)
}

func TestBoxSealUnique(t *testing.T) {
	box, err := NewBox("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	a, err := box.Seal("same-value")
	require.NoError(t, err)
	b, err := box.Seal("same-value")
	require.NoError(t, err)

	// Random nonces: equal plaintexts must not produce equal ciphertexts.
	assert.NotEqual(t, a, b)
}

func TestBoxOpenWrongKey(t *testing.T) {
	box1, err := NewBox("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	box2, err := NewBox("another-master-key-entirely-here")
	require.NoError(t, err)

	sealed, err := box1.Seal("credential")
	require.NoError(t, err)

	_, err = box2.Open(sealed)
	assert.Error(t, err)
}

func TestBoxOpenMalformed(t *testing.T) {
	box, err := NewBox("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	_, err = box.Open("not base64!!!")
	assert.Error(t, err)

	_, err = box.Open("c2hvcnQ=") // valid base64, shorter than a nonce
	assert.Error(t, err)
}

func TestBoxOpenEmpty(t *testing.T) {
	box, err := NewBox("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	opened, err := box.Open("")
	require.NoError(t, err)
	assert.Equal(t, "", opened)
}

func TestNewBoxEmptyKey(t *testing.T) {
	_, err := NewBox("")
	assert.Error(t, err)
}
