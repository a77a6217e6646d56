package checksum

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, content, 0o644))
	}
}

func sampleTree() map[string][]byte {
	return map[string][]byte{
		"raw_data/behavior/101_log.mpk":  []byte("alpha"),
		"raw_data/behavior/152_log.mpk":  []byte("beta"),
		"raw_data/frames/000001.stack":   make([]byte, 64*1024),
		"raw_data/session_descriptor":    []byte("kind: experiment"),
		"raw_data/empty.bin":             {},
		"processed_data/notes/notes.txt": []byte("processed"),
	}
}

func TestHashIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, sampleTree())

	first, err := HashDirectory(context.Background(), dir, 4)
	require.NoError(t, err)
	second, err := HashDirectory(context.Background(), dir, 1)
	require.NoError(t, err)

	assert.Len(t, first, 32)
	assert.Equal(t, first, second, "worker count must not influence the digest")
}

func TestHashSensitiveToContentAndPath(t *testing.T) {
	base := sampleTree()

	dirA := t.TempDir()
	writeTree(t, dirA, base)
	hashA, err := HashDirectory(context.Background(), dirA, 2)
	require.NoError(t, err)

	// Same bytes under a different relative path must change the digest.
	moved := sampleTree()
	delete(moved, "raw_data/behavior/101_log.mpk")
	moved["raw_data/behavior/201_log.mpk"] = []byte("alpha")
	dirB := t.TempDir()
	writeTree(t, dirB, moved)
	hashB, err := HashDirectory(context.Background(), dirB, 2)
	require.NoError(t, err)
	assert.NotEqual(t, hashA, hashB)

	// Changed content must change the digest.
	changed := sampleTree()
	changed["raw_data/behavior/101_log.mpk"] = []byte("gamma")
	dirC := t.TempDir()
	writeTree(t, dirC, changed)
	hashC, err := HashDirectory(context.Background(), dirC, 2)
	require.NoError(t, err)
	assert.NotEqual(t, hashA, hashC)
}

func TestHashIgnoresRootDirectoryName(t *testing.T) {
	// The digest covers relative paths only; renaming the root (traversal
	// order, mount point) must not change it.
	dirA := filepath.Join(t.TempDir(), "session-a")
	dirB := filepath.Join(t.TempDir(), "zz-session-b")
	require.NoError(t, os.MkdirAll(dirA, 0o755))
	require.NoError(t, os.MkdirAll(dirB, 0o755))
	writeTree(t, dirA, sampleTree())
	writeTree(t, dirB, sampleTree())

	hashA, err := HashDirectory(context.Background(), dirA, 2)
	require.NoError(t, err)
	hashB, err := HashDirectory(context.Background(), dirB, 2)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)
}

func TestRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, sampleTree())

	digest, err := HashDirectory(context.Background(), dir, 2)
	require.NoError(t, err)
	require.NoError(t, WriteRecord(dir, digest))

	read, err := ReadRecord(dir)
	require.NoError(t, err)
	assert.Equal(t, digest, read)

	// Excluding the record reproduces the pre-record digest.
	rehash, err := HashDirectoryExcludingRecord(context.Background(), dir, 2)
	require.NoError(t, err)
	assert.Equal(t, digest, rehash)
}

func TestEmptyDirectory(t *testing.T) {
	digest, err := HashDirectory(context.Background(), t.TempDir(), 2)
	require.NoError(t, err)
	assert.Len(t, digest, 32)
}
