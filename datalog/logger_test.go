package datalog

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesolab/mesovr/errors"
	"github.com/mesolab/mesovr/pkg/timestamp"
)

func newTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := NewLogger(dir, timestamp.NewTimer())
	require.NoError(t, err)
	return l, dir
}

func TestOnsetAndRecords(t *testing.T) {
	l, dir := newTestLogger(t)

	require.NoError(t, l.LogOnset(101))
	require.NoError(t, l.Log(101, []byte{1, 2}))
	require.NoError(t, l.Log(101, []byte{1, 3}))
	require.NoError(t, l.Close())

	entries, err := ReadSource(dir, 101)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Onset record: elapsed 0, payload is the 8-byte UTC microsecond onset.
	assert.Equal(t, int64(0), entries[0].Elapsed)
	require.Len(t, entries[0].Payload, 8)
	onset := int64(binary.LittleEndian.Uint64(entries[0].Payload))
	assert.NoError(t, timestamp.Validate(onset))

	// Later records carry monotonically non-decreasing deltas.
	assert.GreaterOrEqual(t, entries[2].Elapsed, entries[1].Elapsed)
	assert.Equal(t, []byte{1, 2}, entries[1].Payload)
}

func TestMultipleSources(t *testing.T) {
	l, dir := newTestLogger(t)
	require.NoError(t, l.LogOnset(101))
	require.NoError(t, l.LogOnset(152))
	require.NoError(t, l.Log(152, []byte{9}))
	require.NoError(t, l.Close())

	sources, err := Sources(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint8{101, 152}, sources)
}

func TestCompactRoundTrip(t *testing.T) {
	l, dir := newTestLogger(t)
	require.NoError(t, l.LogOnset(203))
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Log(203, []byte{byte(i)}))
	}
	require.NoError(t, l.Close())

	require.NoError(t, Compact(dir, true))

	// Raw stream removed, archive present.
	_, err := os.Stat(filepath.Join(dir, SourceFileName(203)))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, CompactedFileName(203)))
	assert.NoError(t, err)

	entries, err := ReadSource(dir, 203)
	require.NoError(t, err)
	require.Len(t, entries, 101)
	assert.Equal(t, []byte{99}, entries[100].Payload)
}

func TestCompactResumesAfterCrash(t *testing.T) {
	l, dir := newTestLogger(t)
	require.NoError(t, l.LogOnset(7))
	require.NoError(t, l.Log(7, []byte{1, 2, 3}))
	require.NoError(t, l.Close())

	require.NoError(t, Compact(dir, true))
	entries, err := ReadSource(dir, 7)
	require.NoError(t, err)

	// A crash between raw-stream removal and the final rename leaves only
	// the fully-written partial archive behind.
	final := filepath.Join(dir, CompactedFileName(7))
	require.NoError(t, os.Rename(final, final+partialSuffix))

	require.NoError(t, Compact(dir, true))
	resumed, err := ReadSource(dir, 7)
	require.NoError(t, err)
	assert.Equal(t, entries, resumed)
}

func TestCompactDiscardsAbortedArchive(t *testing.T) {
	l, dir := newTestLogger(t)
	require.NoError(t, l.LogOnset(9))
	require.NoError(t, l.Log(9, []byte{4, 5}))
	require.NoError(t, l.Close())

	// A crash mid-write leaves a truncated partial next to its raw stream.
	partial := filepath.Join(dir, CompactedFileName(9)+partialSuffix)
	require.NoError(t, os.WriteFile(partial, []byte("truncated"), 0o644))

	require.NoError(t, Compact(dir, true))
	_, err := os.Stat(partial)
	assert.True(t, os.IsNotExist(err))

	entries, err := ReadSource(dir, 9)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []byte{4, 5}, entries[1].Payload)
}

func TestCompactRejectsMixedDirectory(t *testing.T) {
	l, dir := newTestLogger(t)
	require.NoError(t, l.LogOnset(101))
	require.NoError(t, l.Close())
	require.NoError(t, Compact(dir, false))

	// Raw stream retained next to its archive: the directory is now
	// ambiguous and compaction must refuse to run again.
	err := Compact(dir, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMixedLogDirectory)
	assert.True(t, errors.IsFatal(err))
}

func TestLogAfterClose(t *testing.T) {
	l, _ := newTestLogger(t)
	require.NoError(t, l.Close())
	assert.Error(t, l.Log(101, []byte{1}))
	assert.NoError(t, l.Close())
}
