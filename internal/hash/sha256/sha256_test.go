package sha256

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashKnownDigest(t *testing.T) {
	t.Parallel()

	got, err := New().Hash([]byte("https://acme.test/team/ada.jpg"))
	require.NoError(t, err)
	assert.Len(t, got, 64)

	again, err := New().Hash([]byte("https://acme.test/team/ada.jpg"))
	require.NoError(t, err)
	assert.Equal(t, got, again)

	hello, err := New().Hash([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", hello)
}

func TestHashRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	_, err := New().Hash(nil)
	require.ErrorIs(t, err, ErrEmpty)
}
