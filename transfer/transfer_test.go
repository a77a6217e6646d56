package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesolab/mesovr/checksum"
	"github.com/mesolab/mesovr/errors"
	"github.com/mesolab/mesovr/metric"
)

func writeTree(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, content, 0o644))
	}
}

func sessionTree() map[string][]byte {
	return map[string][]byte{
		"raw_data/behavior/101_log.mpk": []byte("encoder stream"),
		"raw_data/frames/000001.stack":  make([]byte, 128*1024),
		"raw_data/session_descriptor":   []byte("kind: experiment"),
	}
}

func TestPushVerified(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, sessionTree())
	dst := filepath.Join(t.TempDir(), "server", "session")

	e := New(2, nil, metric.NewRegistry())
	err := e.Push(context.Background(), src, []Destination{{Name: "server", Root: dst, Verify: true}}, false)
	require.NoError(t, err)

	// Source now carries the integrity record and the destination mirrors
	// the full tree including it.
	srcDigest, err := checksum.ReadRecord(src)
	require.NoError(t, err)
	dstDigest, err := checksum.ReadRecord(dst)
	require.NoError(t, err)
	assert.Equal(t, srcDigest, dstDigest)

	data, err := os.ReadFile(filepath.Join(dst, "raw_data", "behavior", "101_log.mpk"))
	require.NoError(t, err)
	assert.Equal(t, []byte("encoder stream"), data)
}

func TestPushMultipleDestinationsParallel(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, sessionTree())
	nas := filepath.Join(t.TempDir(), "nas")
	server := filepath.Join(t.TempDir(), "server")

	e := New(2, nil, nil)
	dests := []Destination{
		{Name: "nas", Root: nas, Verify: false},
		{Name: "server", Root: server, Verify: true},
	}
	require.NoError(t, e.Push(context.Background(), src, dests, true))

	for _, root := range []string{nas, server} {
		_, err := os.Stat(filepath.Join(root, "raw_data", "frames", "000001.stack"))
		assert.NoError(t, err, root)
	}
}

func TestPushResumesPartialCopy(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, sessionTree())
	dst := t.TempDir()

	// Simulate an interrupted earlier push: one file fully copied, another
	// present with wrong bytes of the same length.
	writeTree(t, dst, map[string][]byte{
		"raw_data/behavior/101_log.mpk": []byte("encoder stream"),
		"raw_data/session_descriptor":   []byte("kind: xxxxxxxxxx"),
	})

	goodPath := filepath.Join(dst, "raw_data", "behavior", "101_log.mpk")
	before, err := os.Stat(goodPath)
	require.NoError(t, err)

	e := New(2, nil, nil)
	require.NoError(t, e.Push(context.Background(), src, []Destination{{Name: "server", Root: dst, Verify: true}}, false))

	// Identical file untouched, corrupted same-size file rewritten.
	after, err := os.Stat(goodPath)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())

	data, err := os.ReadFile(filepath.Join(dst, "raw_data", "session_descriptor"))
	require.NoError(t, err)
	assert.Equal(t, []byte("kind: experiment"), data)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, sessionTree())
	dst := t.TempDir()

	e := New(2, nil, nil)
	require.NoError(t, e.Push(context.Background(), src, []Destination{{Name: "server", Root: dst, Verify: true}}, false))
	require.NoError(t, e.Verify(context.Background(), dst))

	require.NoError(t, os.WriteFile(filepath.Join(dst, "raw_data", "session_descriptor"), []byte("tampered"), 0o644))

	err := e.Verify(context.Background(), dst)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrChecksumMismatch)
	assert.True(t, errors.IsFatal(err))
}

func TestPushReusesExistingRecord(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, sessionTree())

	// A stale record means a file changed after hashing; verification at the
	// destination must fail rather than silently accept the copy.
	require.NoError(t, checksum.WriteRecord(src, "00000000000000000000000000000000"))

	e := New(2, nil, nil)
	err := e.Push(context.Background(), src, []Destination{{Name: "server", Root: t.TempDir(), Verify: true}}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrChecksumMismatch)
}
