package chunkStore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	payload := []byte(`{"freq":5e9,"power":-20}`)

	res, err := s.Write(payload)
	require.NoError(t, err)
	require.False(t, res.Existed)
	require.Len(t, res.Hash, 40)
	require.Equal(t, int64(len(payload)), res.RawSize)

	got, err := s.Read(res.Hash)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestWriteDeduplicates(t *testing.T) {
	s := newTestStore(t)
	payload := bytes.Repeat([]byte("ramsey fringe "), 200)

	first, err := s.Write(payload)
	require.NoError(t, err)
	second, err := s.Write(payload)
	require.NoError(t, err)

	require.Equal(t, first.Hash, second.Hash)
	require.False(t, first.Existed)
	require.True(t, second.Existed)

	files := 0
	err = filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files++
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, files)
}

func TestShardedLayout(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Write([]byte("layout probe"))
	require.NoError(t, err)

	h := res.Hash
	want := filepath.Join(s.root, h[0:2], h[2:4], h)
	_, err = os.Stat(want)
	require.NoError(t, err)

	path, err := s.Path(h)
	require.NoError(t, err)
	require.Equal(t, want, path)
}

func TestReadVerifiesHash(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Write([]byte("verify me"))
	require.NoError(t, err)

	path, err := s.Path(res.Hash)
	require.NoError(t, err)
	stored, err := os.ReadFile(path)
	require.NoError(t, err)
	stored[len(stored)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, stored, 0o644))

	_, err = s.Read(res.Hash)
	require.True(t, errors.Is(err, ErrCorrupt))
}

func TestReadMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read("00112233445566778899aabbccddeeff00112233")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Write([]byte("to be collected"))
	require.NoError(t, err)
	require.True(t, s.Has(res.Hash))

	require.NoError(t, s.Remove(res.Hash))
	require.False(t, s.Has(res.Hash))
	_, err = s.Read(res.Hash)
	require.True(t, errors.Is(err, ErrNotFound))

	// removing again stays quiet
	require.NoError(t, s.Remove(res.Hash))
}

func TestValidateHash(t *testing.T) {
	cases := []string{
		"",
		"short",
		"00112233445566778899AABBCCDDEEFF00112233",
		"../../etc/passwd000000000000000000000000",
		"zz112233445566778899aabbccddeeff00112233",
	}
	for _, c := range cases {
		require.Error(t, ValidateHash(c), "hash %q should be rejected", c)
	}
	require.NoError(t, ValidateHash("00112233445566778899aabbccddeeff00112233"))
}

func TestCompressionIsDeterministic(t *testing.T) {
	payload := []byte("same bytes, same address")
	a, err := Compress(payload)
	require.NoError(t, err)
	b, err := Compress(payload)
	require.NoError(t, err)
	require.Equal(t, HashOf(a), HashOf(b))

	raw, err := Decompress(a)
	require.NoError(t, err)
	require.Equal(t, payload, raw)
}
