package objectstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemOpen(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pdf"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pdf", "abc123"), []byte("%PDF-1.4"), 0o644))

	store := NewFileSystem(root)
	r, err := store.Open(context.Background(), "pdf/abc123")
	require.NoError(t, err)
	defer r.Close()

	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(body))
}

func TestFileSystemMissingObject(t *testing.T) {
	store := NewFileSystem(t.TempDir())
	_, err := store.Open(context.Background(), "pdf/missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestFileSystemRejectsEscapingKeys(t *testing.T) {
	store := NewFileSystem(t.TempDir())
	for _, key := range []string{"", "/etc/passwd", "../secret", "pdf/../../secret"} {
		_, err := store.Open(context.Background(), key)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
}

func TestGCSOpen(t *testing.T) {
	bucket := os.Getenv("GCS_TEST_BUCKET")
	key := os.Getenv("GCS_TEST_OBJECT")
	if bucket == "" || key == "" {
		t.Skip("GCS_TEST_BUCKET/GCS_TEST_OBJECT not set, skipping GCS test")
	}

	store, err := NewGCS(context.Background(), bucket)
	require.NoError(t, err)
	defer store.Close()

	r, err := store.Open(context.Background(), key)
	require.NoError(t, err)
	defer r.Close()

	_, err = io.Copy(io.Discard, r)
	require.NoError(t, err)

	_, err = store.Open(context.Background(), key+".missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}
