package blob

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStore_RoundTrip(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := s.Put(ctx, DocumentKey("abc", ".pdf"), []byte("%PDF"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "documents/abc.pdf", ref)

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF"), got)

	require.NoError(t, s.Delete(ctx, ref))
	_, err = s.Get(ctx, ref)
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.NoError(t, s.Delete(ctx, ref), "deleting a missing blob")
}

func TestFSStore_RejectsEscapingKeys(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "../etc/passwd", "images/../../x"} {
		_, err := s.Put(context.Background(), key, []byte("x"), "")
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
}

func TestImageKey(t *testing.T) {
	assert.Equal(t, "images/doc-1/ff00.png", ImageKey("doc-1", "ff00", "png"))
}
