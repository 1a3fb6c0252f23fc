package store

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashOf(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newLocal(t *testing.T, compress bool) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), 16, 2, compress)
	require.NoError(t, err)
	return s
}

// backends runs the same contract against every Store implementation.
func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory":           NewMemoryStore(),
		"local":            newLocal(t, false),
		"local-compressed": newLocal(t, true),
	}
}

func readAll(t *testing.T, s Store, hash string) string {
	t.Helper()
	rc, err := s.Get(context.Background(), hash)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

// --- contract tests ---

func TestStorePutGet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			content := strings.Repeat("hello blob ", 50)
			hash := hashOf(content)

			ok, err := s.Exists(ctx, hash)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Put(ctx, hash, strings.NewReader(content)))

			ok, err = s.Exists(ctx, hash)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, content, readAll(t, s, hash))
		})
	}
}

func TestStorePutTwiceIsHarmless(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			hash := hashOf("same")

			require.NoError(t, s.Put(ctx, hash, strings.NewReader("same")))
			require.NoError(t, s.Put(ctx, hash, strings.NewReader("same")))
			assert.Equal(t, "same", readAll(t, s, hash))

			count := 0
			require.NoError(t, s.Walk(ctx, func(BlobInfo) error { count++; return nil }))
			assert.Equal(t, 1, count)
		})
	}
}

func TestStoreGetMissing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), hashOf("missing"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreDeleteIdempotent(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			hash := hashOf("gone")
			require.NoError(t, s.Put(ctx, hash, strings.NewReader("gone")))

			require.NoError(t, s.Delete(ctx, hash))
			require.NoError(t, s.Delete(ctx, hash))

			ok, err := s.Exists(ctx, hash)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStoreWalk(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := map[string]bool{}
			for _, c := range []string{"a", "b", "c"} {
				h := hashOf(c)
				want[h] = true
				require.NoError(t, s.Put(ctx, h, strings.NewReader(c)))
			}

			got := map[string]bool{}
			require.NoError(t, s.Walk(ctx, func(info BlobInfo) error {
				got[info.Hash] = true
				assert.False(t, info.ModTime.IsZero())
				return nil
			}))
			assert.Equal(t, want, got)
		})
	}
}

func TestStoreInvalidHash(t *testing.T) {
	tests := []struct {
		name string
		hash string
	}{
		{"empty", ""},
		{"short", "abc"},
		{"uppercase", strings.ToUpper(hashOf("x"))},
		{"traversal", "../../../../etc/passwd00000000000"},
		{"33 chars", hashOf("x") + "0"},
	}

	for name, s := range backends(t) {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				err := s.Put(context.Background(), tt.hash, strings.NewReader("x"))
				assert.ErrorIs(t, err, ErrInvalidHash)
				_, err = s.Exists(context.Background(), tt.hash)
				assert.ErrorIs(t, err, ErrInvalidHash)
			})
		}
	}
}

// --- LocalStore specifics ---

func TestLocalStoreLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir, 0, 2, false)
	require.NoError(t, err)

	hash := hashOf("layout")
	require.NoError(t, s.Put(context.Background(), hash, strings.NewReader("layout")))

	data, err := os.ReadFile(filepath.Join(dir, "objects", hash[:2], hash[2:]))
	require.NoError(t, err)
	assert.Equal(t, "\x00layout", string(data), "plain blobs carry a zero format byte")

	tmp, err := os.ReadDir(filepath.Join(dir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmp, "temp files must not survive a successful put")
}

func TestLocalStoreCancelledPutLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir, 0, 2, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	hash := hashOf("cancelled")
	err = s.Put(ctx, hash, strings.NewReader("cancelled"))
	require.ErrorIs(t, err, context.Canceled)

	ok, err := s.Exists(context.Background(), hash)
	require.NoError(t, err)
	assert.False(t, ok)

	tmp, err := os.ReadDir(filepath.Join(dir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmp)
}

func TestLocalStoreReadsAcrossCompressionToggle(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	hash := hashOf("toggle")

	plain, err := NewLocalStore(dir, 0, 2, false)
	require.NoError(t, err)
	require.NoError(t, plain.Put(ctx, hash, strings.NewReader("toggle")))

	compressed, err := NewLocalStore(dir, 0, 2, true)
	require.NoError(t, err)
	assert.Equal(t, "toggle", readAll(t, compressed, hash))
}

func TestLocalStoreCacheInvalidatedOnExternalRemoval(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir, 8, 2, false)
	require.NoError(t, err)
	ctx := context.Background()

	hash := hashOf("external")
	require.NoError(t, s.Put(ctx, hash, strings.NewReader("external")))
	require.NoError(t, os.Remove(filepath.Join(dir, "objects", hash[:2], hash[2:])))

	_, err = s.Get(ctx, hash)
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Exists(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStoreKeepsZstdLookalikeContent(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	frame := enc.EncodeAll([]byte("inner payload"), nil)
	require.NoError(t, enc.Close())

	for _, compress := range []bool{false, true} {
		s := newLocal(t, compress)
		hash := hashOf(string(frame))
		require.NoError(t, s.Put(context.Background(), hash, bytes.NewReader(frame)))
		assert.Equal(t, string(frame), readAll(t, s, hash))
	}
}

func TestLocalStoreUncachedSeesOtherWritersDelete(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	a, err := NewLocalStore(dir, 0, 2, false)
	require.NoError(t, err)
	b, err := NewLocalStore(dir, 0, 2, false)
	require.NoError(t, err)

	hash := hashOf("shared")
	require.NoError(t, a.Put(ctx, hash, strings.NewReader("shared")))
	ok, err := a.Exists(ctx, hash)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Delete(ctx, hash))

	ok, err = a.Exists(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewLocalStoreEmptyPath(t *testing.T) {
	_, err := NewLocalStore("", 0, 2, false)
	assert.Error(t, err)
}

// --- LRUCache ---

func TestLRUCacheEvicts(t *testing.T) {
	c := NewLRUCache(2)
	c.Add("a")
	c.Add("b")
	c.Add("c")

	assert.False(t, c.Has("a"))
	assert.True(t, c.Has("b"))
	assert.True(t, c.Has("c"))

	c.Remove("b")
	assert.False(t, c.Has("b"))
}

func TestLRUCacheDisabled(t *testing.T) {
	c := NewLRUCache(0)
	c.Add("a")
	assert.False(t, c.Has("a"))
	c.Remove("a")
	assert.False(t, c.Has("a"))
}
