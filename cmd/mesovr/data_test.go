package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesolab/mesovr/errors"
	"github.com/mesolab/mesovr/lifecycle"
	"github.com/mesolab/mesovr/session"
	"github.com/mesolab/mesovr/transfer"
)

func lifecycleTestSession(t *testing.T, root string, ts int64, payload string) session.Paths {
	t.Helper()
	p, err := session.Create(root, session.ID{Project: "template", Animal: "466", TimestampUs: ts})
	require.NoError(t, err)
	require.NoError(t, p.WriteDescriptor(&session.Descriptor{
		Project: "template",
		Animal:  "466",
		Session: p.ID.Name(),
		Kind:    session.KindLickTraining,
	}))
	require.NoError(t, os.WriteFile(filepath.Join(p.RawData(), "payload.bin"), []byte(payload), 0o644))
	return p
}

func TestSessionDestinationsRebaseOntoSessionTree(t *testing.T) {
	p := session.Paths{Root: "/data", ID: session.ID{Project: "template", Animal: "466", TimestampUs: 1}}
	dests := sessionDestinations(p, []transfer.Destination{
		{Name: "server", Root: "/mnt/server", Verify: true},
		{Name: "nas", Root: "/mnt/nas"},
	})

	require.Len(t, dests, 2)
	assert.Equal(t, filepath.Join("/mnt/server", "template", "466", p.ID.Name()), dests[0].Root)
	assert.True(t, dests[0].Verify)
	assert.Equal(t, filepath.Join("/mnt/nas", "template", "466", p.ID.Name()), dests[1].Root)
	assert.False(t, dests[1].Verify)
}

// Consecutive sessions push through the same configured destination root.
// Each must land in its own remote subtree, and the markers must sit where
// purge resolves the remote counterpart.
func TestPreprocessSharedDestinationRoot(t *testing.T) {
	localRoot := t.TempDir()
	destRoot := t.TempDir()
	dests := []transfer.Destination{{Name: "server", Root: destRoot, Verify: true}}

	first := lifecycleTestSession(t, localRoot, 1_000_000, "first session frames")
	second := lifecycleTestSession(t, localRoot, 2_000_000, "second session frames")

	m := lifecycle.NewManager(2, 16, true, nil, nil)
	require.NoError(t, m.Preprocess(context.Background(), first, sessionDestinations(first, dests)))
	require.NoError(t, m.Preprocess(context.Background(), second, sessionDestinations(second, dests)))

	payloads := map[int64]string{first.ID.TimestampUs: "first session frames", second.ID.TimestampUs: "second session frames"}
	for _, p := range []session.Paths{first, second} {
		remote := session.Paths{Root: destRoot, ID: p.ID}
		data, err := os.ReadFile(filepath.Join(remote.RawData(), "payload.bin"))
		require.NoError(t, err, "%s replicated", p.ID.Name())
		assert.Equal(t, payloads[p.ID.TimestampUs], string(data))
		assert.True(t, session.HasTelomereMarker(remote.Dir()), "%s marked", p.ID.Name())
	}

	// The verified replicas authorize purging both local copies.
	removed, err := m.Purge(localRoot, destRoot, lifecycle.MarkerTelomere)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.Dir(), second.Dir()}, removed)
}

func TestPurgeRequiresVerifiedDestination(t *testing.T) {
	cfg := &AppConfig{
		Root:         t.TempDir(),
		Destinations: []transfer.Destination{{Name: "nas", Root: "/mnt/nas"}},
	}
	err := runPurge(&CLIConfig{}, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrVerificationOff)
}
