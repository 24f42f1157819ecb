package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"id":1}`)
	uri, err := store.PutObject(context.Background(), "raw/details/1/abc.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://raw/details/1/abc.json", uri)

	payload[0] = 'X'
	stored, ok := store.Object("raw/details/1/abc.json")
	require.True(t, ok)
	assert.Equal(t, `{"id":1}`, string(stored))

	stored[0] = 'Y'
	again, _ := store.Object("raw/details/1/abc.json")
	assert.Equal(t, `{"id":1}`, string(again))
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b", "a", "c"} {
		_, err := store.PutObject(context.Background(), p, "", bytes.NewReader(nil))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, store.Paths())
	_, ok := store.Object("missing")
	assert.False(t, ok)
}
