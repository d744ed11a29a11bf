package payloadstore

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Put(context.Background(), []byte("hello world"))
	require.NoError(t, err)
	require.Contains(t, ref, "sha256:")

	data, err := s.Get(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestPutIsContentAddressed(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	ref1, err := s.Put(context.Background(), []byte("same payload"))
	require.NoError(t, err)
	ref2, err := s.Put(context.Background(), []byte("same payload"))
	require.NoError(t, err)

	require.Equal(t, ref1, ref2)
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "sha256:deadbeef")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestExists(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Put(context.Background(), []byte("payload"))
	require.NoError(t, err)

	ok, err := s.Exists(context.Background(), ref)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Exists(context.Background(), "sha256:nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetReaderStreamsPayload(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Put(context.Background(), []byte("streamed"))
	require.NoError(t, err)

	rc, err := s.GetReader(context.Background(), ref)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "streamed", string(data))
}
