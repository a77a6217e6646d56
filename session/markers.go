package session

import (
	"os"
	"path/filepath"

	"github.com/mesolab/mesovr/errors"
)

// Marker file names of the staged-deletion protocol and the completion
// sentinel. Both deletion markers are written only after checksum
// verification succeeds on the receiving side; a directory is deleted only
// when its remote counterpart carries the marker, never from local state
// alone.
const (
	// UbiquitinMarkerName is written on the imaging host once its data has
	// been verified copied to the acquisition host: safe to delete the
	// imaging-host copy.
	UbiquitinMarkerName = "ubiquitin.bin"
	// TelomereMarkerName is written on the compute-storage host once the
	// session passed checksum verification there: safe to delete the
	// acquisition-host copy.
	TelomereMarkerName = "telomere.bin"
	// CompletionMarkerName records that the session's runtime finished
	// normally.
	CompletionMarkerName = "completed.bin"
)

func writeMarker(dir, name string) error {
	if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
		return errors.Wrap(err, "session", "writeMarker", "writing marker")
	}
	return nil
}

func hasMarker(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

// WriteUbiquitinMarker marks dir's contents as verified-copied off the
// imaging host.
func WriteUbiquitinMarker(dir string) error { return writeMarker(dir, UbiquitinMarkerName) }

// HasUbiquitinMarker reports whether the ubiquitin marker exists in dir.
func HasUbiquitinMarker(dir string) bool { return hasMarker(dir, UbiquitinMarkerName) }

// WriteTelomereMarker marks dir as checksum-verified on the compute-storage
// host.
func WriteTelomereMarker(dir string) error { return writeMarker(dir, TelomereMarkerName) }

// HasTelomereMarker reports whether the telomere marker exists in dir.
func HasTelomereMarker(dir string) bool { return hasMarker(dir, TelomereMarkerName) }

// WriteCompletionMarker records normal runtime completion in dir.
func WriteCompletionMarker(dir string) error { return writeMarker(dir, CompletionMarkerName) }

// HasCompletionMarker reports whether the session completed normally.
func HasCompletionMarker(dir string) bool { return hasMarker(dir, CompletionMarkerName) }
