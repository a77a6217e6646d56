// Package session owns the on-disk data model of one acquisition session:
// identity, the directory tree, YAML descriptors and snapshots, and the
// marker files of the staged-deletion protocol.
//
// A session is identified by (project, animal, UTC-microsecond timestamp).
// Its directory name embeds the zero-padded timestamp, so sibling sessions
// sort lexicographically by acquisition time. Every session tree has exactly
// two top-level subtrees: raw_data for acquired and non-destructively
// transformed data, processed_data for derived outputs.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mesolab/mesovr/errors"
	"github.com/mesolab/mesovr/pkg/timestamp"
)

// Top-level subtree and well-known directory names.
const (
	RawDataDir       = "raw_data"
	ProcessedDataDir = "processed_data"
	BehaviorDir      = "behavior_data"
	MesoscopeDir     = "mesoscope_frames"
	CameraDir        = "camera_frames"
)

// Kind selects the session's behavioral program.
type Kind string

const (
	KindLickTraining Kind = "lick_training"
	KindRunTraining  Kind = "run_training"
	KindExperiment   Kind = "experiment"
	KindWindowCheck  Kind = "window_check"
)

// Valid reports whether k names a known session kind.
func (k Kind) Valid() bool {
	switch k {
	case KindLickTraining, KindRunTraining, KindExperiment, KindWindowCheck:
		return true
	}
	return false
}

// ID is the immutable identity of a session.
type ID struct {
	Project     string
	Animal      string
	TimestampUs int64
}

// Name returns the session directory name derived from the timestamp.
func (id ID) Name() string {
	return timestamp.SessionName(id.TimestampUs)
}

// String returns the fully-qualified identity.
func (id ID) String() string {
	return fmt.Sprintf("%s/%s/%s", id.Project, id.Animal, id.Name())
}

// Paths resolves every location inside one session tree under a root.
type Paths struct {
	Root string
	ID   ID
}

// Dir returns root/project/animal/session.
func (p Paths) Dir() string {
	return filepath.Join(p.Root, p.ID.Project, p.ID.Animal, p.ID.Name())
}

// RawData returns the raw_data subtree.
func (p Paths) RawData() string { return filepath.Join(p.Dir(), RawDataDir) }

// ProcessedData returns the processed_data subtree.
func (p Paths) ProcessedData() string { return filepath.Join(p.Dir(), ProcessedDataDir) }

// Behavior returns the behavior event-log directory.
func (p Paths) Behavior() string { return filepath.Join(p.RawData(), BehaviorDir) }

// Mesoscope returns the mesoscope frame directory.
func (p Paths) Mesoscope() string { return filepath.Join(p.RawData(), MesoscopeDir) }

// Camera returns the behavior-camera frame directory.
func (p Paths) Camera() string { return filepath.Join(p.RawData(), CameraDir) }

// New creates a fresh session identity stamped with the current time.
func New(project, animal string) ID {
	return ID{Project: project, Animal: animal, TimestampUs: timestamp.Now()}
}

// Create materializes the session directory tree under root and returns its
// paths. The tree is never reused: an existing directory for the same
// identity is an error.
func Create(root string, id ID) (Paths, error) {
	p := Paths{Root: root, ID: id}
	if _, err := os.Stat(p.Dir()); err == nil {
		return Paths{}, errors.Wrap(
			fmt.Errorf("session directory %s already exists", p.Dir()),
			"session", "Create", "materializing tree")
	}
	for _, dir := range []string{p.RawData(), p.ProcessedData(), p.Behavior(), p.Mesoscope(), p.Camera()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Paths{}, errors.Wrap(err, "session", "Create", "materializing tree")
		}
	}
	return p, nil
}

// Open resolves the paths of an existing session directory. The directory
// must exist and contain the raw_data subtree.
func Open(root, project, animal, name string) (Paths, error) {
	ts, err := timestamp.ParseSessionName(name)
	if err != nil {
		return Paths{}, err
	}
	p := Paths{Root: root, ID: ID{Project: project, Animal: animal, TimestampUs: ts}}
	if _, err := os.Stat(p.RawData()); err != nil {
		return Paths{}, errors.Wrap(err, "session", "Open", "locating session tree")
	}
	return p, nil
}

// OpenDir resolves a session from its directory path, assuming the canonical
// root/project/animal/session layout.
func OpenDir(dir string) (Paths, error) {
	dir = filepath.Clean(dir)
	parts := strings.Split(dir, string(filepath.Separator))
	if len(parts) < 4 {
		return Paths{}, errors.Wrap(
			fmt.Errorf("path %s is too shallow for root/project/animal/session", dir),
			"session", "OpenDir", "parsing session path")
	}
	name := parts[len(parts)-1]
	animal := parts[len(parts)-2]
	project := parts[len(parts)-3]
	root := string(filepath.Separator) + filepath.Join(parts[:len(parts)-3]...)
	if !filepath.IsAbs(dir) {
		root = filepath.Join(parts[:len(parts)-3]...)
	}
	return Open(root, project, animal, name)
}

// List returns every session directory name for an animal in ascending
// acquisition-time order.
func List(root, project, animal string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, project, animal))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "session", "List", "reading animal directory")
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := timestamp.ParseSessionName(e.Name()); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
