package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mesolab/mesovr/checksum"
	"github.com/mesolab/mesovr/errors"
	"github.com/mesolab/mesovr/session"
)

// MarkerKind selects which remote marker authorizes deletion of a local
// session copy.
type MarkerKind int

const (
	// MarkerTelomere authorizes deleting the acquisition-host copy: the
	// compute-storage host verified its replica.
	MarkerTelomere MarkerKind = iota + 1
	// MarkerUbiquitin authorizes deleting the imaging-host copy: its data
	// was verified copied to the acquisition host.
	MarkerUbiquitin
)

func remoteMarkerPresent(kind MarkerKind, dir string) bool {
	switch kind {
	case MarkerTelomere:
		return session.HasTelomereMarker(dir)
	case MarkerUbiquitin:
		return session.HasUbiquitinMarker(dir)
	}
	return false
}

// localReady reports whether the local copy finished its pipeline: the
// integrity record exists, proving the tree was hashed and pushed.
func localReady(dir string) bool {
	_, err := checksum.ReadRecord(dir)
	return err == nil
}

// SafeToPurge applies the marker-protocol invariant for one session copy:
// deletion requires BOTH a pipeline-complete local copy AND the counterpart
// marker on the remote replica. Local state alone never authorizes deletion.
func SafeToPurge(localDir, remoteDir string, kind MarkerKind) bool {
	return localReady(localDir) && remoteMarkerPresent(kind, remoteDir)
}

// PurgeSession deletes one local session copy if and only if SafeToPurge
// holds. Returns whether the directory was removed.
func (m *Manager) PurgeSession(localDir, remoteDir string, kind MarkerKind) (bool, error) {
	if !SafeToPurge(localDir, remoteDir, kind) {
		return false, nil
	}
	if err := os.RemoveAll(localDir); err != nil {
		return false, errors.Wrap(err, "lifecycle", "PurgeSession", "removing session copy")
	}
	if m.logger != nil {
		m.logger.Info(fmt.Sprintf("Purged %s", localDir))
	}
	return true, nil
}

// Purge scans every session under localRoot (root/project/animal/session
// layout) and removes those whose counterpart under remoteRoot carries the
// required marker. Returns the removed directories.
func (m *Manager) Purge(localRoot, remoteRoot string, kind MarkerKind) ([]string, error) {
	var removed []string

	projects, err := os.ReadDir(localRoot)
	if err != nil {
		return nil, errors.Wrap(err, "lifecycle", "Purge", "reading root")
	}
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		animals, err := os.ReadDir(filepath.Join(localRoot, project.Name()))
		if err != nil {
			return nil, errors.Wrap(err, "lifecycle", "Purge", "reading project")
		}
		for _, animal := range animals {
			if !animal.IsDir() {
				continue
			}
			names, err := session.List(localRoot, project.Name(), animal.Name())
			if err != nil {
				return nil, err
			}
			for _, name := range names {
				local := filepath.Join(localRoot, project.Name(), animal.Name(), name)
				remote := filepath.Join(remoteRoot, project.Name(), animal.Name(), name)
				ok, err := m.PurgeSession(local, remote, kind)
				if err != nil {
					return removed, err
				}
				if ok {
					removed = append(removed, local)
				}
			}
		}
	}
	return removed, nil
}
