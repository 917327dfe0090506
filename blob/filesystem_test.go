package blob

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFilesystem(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "blobs")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)

	require.Equal(t, root, fs.Root())

	// Check directory was created
	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemWriteRead(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "ab/data"
	data := []byte("hello, world!")

	err := fs.Write(ctx, key, bytes.NewReader(data))
	require.NoError(t, err)

	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)

	require.Equal(t, data, got)
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()

	_, err := fs.Read(ctx, "no/such-key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemExists(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "cd/exists-test"

	exists, err := fs.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	err = fs.Write(ctx, key, bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	exists, err = fs.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFilesystemDelete(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "ef/delete-test"

	err := fs.Write(ctx, key, bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	err = fs.Delete(ctx, key)
	require.NoError(t, err)

	exists, _ := fs.Exists(ctx, key)
	require.False(t, exists)

	// Delete nonexistent should not error (idempotent)
	err = fs.Delete(ctx, "nonexistent")
	require.NoError(t, err)
}

func TestFilesystemList(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()

	keys := []string{
		"aa/file1",
		"aa/file2",
		"ab/file3",
		"cd/file4",
	}

	for _, key := range keys {
		err := fs.Write(ctx, key, bytes.NewReader([]byte("data")))
		require.NoError(t, err)
	}

	all, err := fs.List(ctx, "")
	require.NoError(t, err)
	sort.Strings(all)
	sort.Strings(keys)
	require.Equal(t, keys, all)

	aaFiles, err := fs.List(ctx, "aa")
	require.NoError(t, err)
	expected := []string{"aa/file1", "aa/file2"}
	sort.Strings(aaFiles)
	require.Equal(t, expected, aaFiles)
}

func TestFilesystemWriter(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "ab/writer-test"
	data := []byte("written via Writer interface")

	w, err := fs.Writer(ctx, key)
	require.NoError(t, err)

	n, err := w.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	// Close to commit
	err = w.Close()
	require.NoError(t, err)

	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, _ := io.ReadAll(rc)
	require.Equal(t, data, got)
}

func TestFilesystemAtomicWrite(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "ab/atomic-test"
	originalData := []byte("original content")

	err := fs.Write(ctx, key, bytes.NewReader(originalData))
	require.NoError(t, err)

	// Simulate failed write by using Writer and aborting
	w, err := fs.Writer(ctx, key)
	require.NoError(t, err)
	_, _ = w.Write([]byte("partial"))

	aw := w.(*atomicWriter)
	_ = aw.Abort()

	// Original data should still be there
	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, _ := io.ReadAll(rc)
	require.Equal(t, originalData, got)
}

func TestFilesystemWriterAbortLeavesNoFile(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "ab/aborted"

	w, err := fs.Writer(ctx, key)
	require.NoError(t, err)
	_, _ = w.Write([]byte("partial"))
	require.NoError(t, w.(*atomicWriter).Abort())

	exists, err := fs.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	// No temp files left behind either
	keys, err := fs.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestFilesystemOverwrite(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "ab/overwrite-test"

	err := fs.Write(ctx, key, bytes.NewReader([]byte("initial")))
	require.NoError(t, err)

	newData := []byte("new content that is longer")
	err = fs.Write(ctx, key, bytes.NewReader(newData))
	require.NoError(t, err)

	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, _ := io.ReadAll(rc)
	require.Equal(t, newData, got)
}

// Helper functions

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}
