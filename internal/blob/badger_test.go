package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	in := Payload{Data: []byte("jpeg bytes here"), ContentType: "image/jpeg"}
	require.NoError(t, s.Put("receipt-1", in))

	out, ok, err := s.Get("receipt-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in.Data, out.Data)
	assert.Equal(t, "image/jpeg", out.ContentType)
}

func TestStore_GetMissingKey(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.Get("never-stored")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put("k", Payload{Data: []byte("x"), ContentType: "image/png"}))
	require.NoError(t, s.Delete("k"))
	require.NoError(t, s.Delete("k"))

	_, ok, err := s.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_PurgeAll(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put("a", Payload{Data: []byte("1"), ContentType: "image/png"}))
	require.NoError(t, s.Put("b", Payload{Data: []byte("2"), ContentType: "image/png"}))
	require.NoError(t, s.PurgeAll())

	for _, key := range []string{"a", "b"} {
		_, ok, err := s.Get(key)
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestOpen_InvalidGCSpec(t *testing.T) {
	_, err := Open(t.TempDir(), "not a schedule", zap.NewNop())
	require.Error(t, err)
}

func TestStore_EmptyContentType(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Put("raw", Payload{Data: []byte{0, 1, 2}}))
	out, ok, err := s.Get("raw")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, out.ContentType)
	assert.Equal(t, []byte{0, 1, 2}, out.Data)
}
