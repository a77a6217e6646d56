package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesolab/mesovr/checksum"
	"github.com/mesolab/mesovr/datalog"
	"github.com/mesolab/mesovr/pkg/timestamp"
	"github.com/mesolab/mesovr/session"
	"github.com/mesolab/mesovr/transfer"
)

func newTestSession(t *testing.T, interrupted bool) session.Paths {
	t.Helper()
	p, err := session.Create(t.TempDir(), session.New("template", "466"))
	require.NoError(t, err)

	log, err := datalog.NewLogger(p.Behavior(), timestamp.NewTimer())
	require.NoError(t, err)
	require.NoError(t, log.LogOnset(101))
	require.NoError(t, log.Log(101, []byte{1, 2}))
	require.NoError(t, log.Close())

	require.NoError(t, p.WriteDescriptor(&session.Descriptor{
		Project:          "template",
		Animal:           "466",
		Session:          p.ID.Name(),
		Kind:             session.KindLickTraining,
		DispensedWaterUl: 250,
		Interrupted:      interrupted,
	}))
	return p
}

func TestPreprocessPipeline(t *testing.T) {
	p := newTestSession(t, false)
	server := filepath.Join(t.TempDir(), "server")
	nas := filepath.Join(t.TempDir(), "nas")
	dests := []transfer.Destination{
		{Name: "server", Root: server, Verify: true},
		{Name: "nas", Root: nas, Verify: false},
	}

	m := NewManager(2, 16, true, nil, nil)
	require.NoError(t, m.Preprocess(context.Background(), p, dests))

	// Logs compacted, raw streams gone.
	_, err := os.Stat(filepath.Join(p.Behavior(), datalog.CompactedFileName(101)))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(p.Behavior(), datalog.SourceFileName(101)))
	assert.True(t, os.IsNotExist(err))

	// Completion marker derived from the non-interrupted descriptor.
	assert.True(t, session.HasCompletionMarker(p.RawData()))

	// Both destinations populated; only the verified one earns a telomere.
	assert.True(t, session.HasTelomereMarker(server))
	assert.False(t, session.HasTelomereMarker(nas))

	// Integrity record present locally and at the destinations.
	digest, err := checksum.ReadRecord(p.Dir())
	require.NoError(t, err)
	serverDigest, err := checksum.ReadRecord(server)
	require.NoError(t, err)
	assert.Equal(t, digest, serverDigest)

	// Metadata log appended once.
	logPath := filepath.Join(p.Root, "template", "466", MetadataLogFileName)
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), p.ID.Name())
}

func TestPreprocessIdempotent(t *testing.T) {
	p := newTestSession(t, false)
	server := filepath.Join(t.TempDir(), "server")
	dests := []transfer.Destination{{Name: "server", Root: server, Verify: true}}

	m := NewManager(2, 16, true, nil, nil)
	require.NoError(t, m.Preprocess(context.Background(), p, dests))
	// Re-invocation after a hypothetical crash re-detects every artifact
	// and completes without error.
	require.NoError(t, m.Preprocess(context.Background(), p, dests))

	assert.True(t, session.HasTelomereMarker(server))

	data, err := os.ReadFile(filepath.Join(p.Root, "template", "466", MetadataLogFileName))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), p.ID.Name()), "one log record per session")
}

func TestInterruptedSessionNotMarkedComplete(t *testing.T) {
	p := newTestSession(t, true)
	dests := []transfer.Destination{{Name: "server", Root: filepath.Join(t.TempDir(), "server"), Verify: true}}

	m := NewManager(2, 16, true, nil, nil)
	require.NoError(t, m.Preprocess(context.Background(), p, dests))
	assert.False(t, session.HasCompletionMarker(p.RawData()))
}

func TestIntakeImagingData(t *testing.T) {
	p := newTestSession(t, false)
	imaging := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(imaging, "00001.tif"), []byte("frames"), 0o644))

	m := NewManager(2, 16, true, nil, nil)
	require.NoError(t, m.IntakeImagingData(context.Background(), imaging, p))

	_, err := os.Stat(filepath.Join(p.Mesoscope(), "00001.tif"))
	assert.NoError(t, err)
	assert.True(t, session.HasUbiquitinMarker(imaging), "imaging copy is marked safe to delete")
}

func TestPurgeMarkerProtocol(t *testing.T) {
	// All four (local-ready, remote-marker) combinations: deletion happens
	// in exactly one.
	cases := []struct {
		name   string
		ready  bool
		marker bool
		purged bool
	}{
		{"not_ready_no_marker", false, false, false},
		{"ready_no_marker", true, false, false},
		{"not_ready_with_marker", false, true, false},
		{"ready_with_marker", true, true, true},
	}

	m := NewManager(1, 16, true, nil, nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			local := t.TempDir()
			remote := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(local, "data.bin"), []byte("x"), 0o644))
			if tc.ready {
				require.NoError(t, checksum.WriteRecord(local, "0123456789abcdef0123456789abcdef"))
			}
			if tc.marker {
				require.NoError(t, session.WriteTelomereMarker(remote))
			}

			purged, err := m.PurgeSession(local, remote, MarkerTelomere)
			require.NoError(t, err)
			assert.Equal(t, tc.purged, purged)

			_, err = os.Stat(local)
			if tc.purged {
				assert.True(t, os.IsNotExist(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPurgeScansTree(t *testing.T) {
	localRoot := t.TempDir()
	remoteRoot := t.TempDir()

	id := session.New("template", "466")
	local, err := session.Create(localRoot, id)
	require.NoError(t, err)
	require.NoError(t, checksum.WriteRecord(local.Dir(), "0123456789abcdef0123456789abcdef"))

	remote := session.Paths{Root: remoteRoot, ID: id}
	require.NoError(t, os.MkdirAll(remote.Dir(), 0o755))
	require.NoError(t, session.WriteTelomereMarker(remote.Dir()))

	// A second session without a remote marker must survive.
	keep := session.ID{Project: "template", Animal: "466", TimestampUs: id.TimestampUs + 1}
	keepPaths, err := session.Create(localRoot, keep)
	require.NoError(t, err)
	require.NoError(t, checksum.WriteRecord(keepPaths.Dir(), "0123456789abcdef0123456789abcdef"))

	m := NewManager(1, 16, true, nil, nil)
	removed, err := m.Purge(localRoot, remoteRoot, MarkerTelomere)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, local.Dir(), removed[0])

	_, err = os.Stat(keepPaths.Dir())
	assert.NoError(t, err)
}
