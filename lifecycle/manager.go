// Package lifecycle sequences end-of-session data work deterministically and
// idempotently: log compaction, stack recompression, metadata extraction,
// checksum-verified pushes to long-term storage, and the marker files of the
// staged-deletion protocol.
//
// Every step detects its own completion artifacts, so a crash at any point
// is resumed by re-invoking Preprocess on the same session. Purging is a
// separate, explicitly invoked operation and is never triggered by a
// successful pipeline run.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/mesolab/mesovr/component"
	"github.com/mesolab/mesovr/compression"
	"github.com/mesolab/mesovr/datalog"
	"github.com/mesolab/mesovr/errors"
	"github.com/mesolab/mesovr/metric"
	"github.com/mesolab/mesovr/pkg/retry"
	"github.com/mesolab/mesovr/session"
	"github.com/mesolab/mesovr/transfer"
)

// MetadataLogFileName is the per-animal acquisition log appended once per
// preprocessed session, mirrored to the external metadata system by a
// separate exporter.
const MetadataLogFileName = "acquisition_log.jsonl"

// Manager drives the data lifecycle of finished sessions.
type Manager struct {
	engine       *transfer.Engine
	recompressor *compression.Recompressor
	workers      int
	logger       *component.Logger
	metrics      *metric.Registry
}

// NewManager builds a lifecycle manager. Verify controls stack-recompression
// byte verification; transfer verification is always governed per
// destination.
func NewManager(workers, batchSize int, verify bool, logger *component.Logger, metrics *metric.Registry) *Manager {
	return &Manager{
		engine:       transfer.New(workers, logger, metrics),
		recompressor: compression.NewRecompressor(batchSize, workers, verify, logger, metrics),
		workers:      workers,
		logger:       logger,
		metrics:      metrics,
	}
}

// Preprocess runs the full pipeline on one session: compact behavior logs,
// extract acquisition metadata, recompress stacks, derive the completion
// marker, push to every destination, and write the telomere marker on
// checksum-verified destinations. Idempotent under re-invocation.
func (m *Manager) Preprocess(ctx context.Context, p session.Paths, dests []transfer.Destination) error {
	if err := m.compactLogs(p); err != nil {
		return err
	}
	if err := m.processStacks(ctx, p); err != nil {
		return err
	}
	if err := m.deriveCompletionMarker(p); err != nil {
		return err
	}

	// A verified destination carrying the telomere marker already holds a
	// proven replica; re-hashing it would trip over the marker file itself.
	pending := make([]transfer.Destination, 0, len(dests))
	for _, dest := range dests {
		if dest.Verify && session.HasTelomereMarker(dest.Root) {
			continue
		}
		pending = append(pending, dest)
	}
	// Pushes are resumable, so transient I/O faults are worth retrying;
	// verification mismatches are not.
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		pushErr := m.engine.Push(ctx, p.Dir(), pending, true)
		if pushErr != nil && errors.IsFatal(pushErr) {
			return retry.NonRetryable(pushErr)
		}
		return pushErr
	})
	if err != nil {
		return err
	}
	for _, dest := range pending {
		if !dest.Verify {
			// The unverified destination never earns a telomere marker;
			// its weaker guarantee is deliberate.
			continue
		}
		if err := session.WriteTelomereMarker(dest.Root); err != nil {
			return err
		}
	}
	if err := m.appendMetadataLog(p); err != nil {
		return err
	}
	if m.logger != nil {
		m.logger.Info(fmt.Sprintf("Preprocessing complete for %s", p.ID))
	}
	return nil
}

// compactLogs merges raw behavior log streams into compressed archives.
// Already-compacted directories are a no-op; mixed directories fail fatally
// inside datalog.
func (m *Manager) compactLogs(p session.Paths) error {
	if _, err := os.Stat(p.Behavior()); os.IsNotExist(err) {
		return nil
	}
	return datalog.Compact(p.Behavior(), true)
}

// processStacks extracts session metadata and recompresses every TIFF stack
// into frame-stack containers, deleting sources only after the configured
// verification passed. A directory with no TIFF candidates left is already
// done.
func (m *Manager) processStacks(ctx context.Context, p session.Paths) error {
	dir := p.Mesoscope()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	hasStack := false
	if _, err := os.Stat(filepath.Join(p.RawData(), compression.InvariantMetadataFileName)); os.IsNotExist(err) {
		if _, err := compression.ExtractMetadata(dir, p.RawData()); err != nil {
			if errors.IsSkip(err) {
				// No stacks in this session (behavior-only kinds).
				return nil
			}
			return err
		}
		hasStack = true
	}

	out, err := m.recompressor.RecompressDirectory(ctx, dir, dir)
	if err != nil {
		return err
	}
	if len(out) == 0 && !hasStack {
		return nil
	}

	// Sources are eligible for deletion only after their containers exist
	// (and, when enabled, verified byte-identical).
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "lifecycle", "processStacks", "listing stack directory")
	}
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".tif" || filepath.Ext(name) == ".tiff" {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return errors.Wrap(err, "lifecycle", "processStacks", "removing source stack")
			}
		}
	}
	if m.logger != nil {
		m.logger.Info(fmt.Sprintf("Recompressed %d stacks for %s", len(out), p.ID))
	}
	return nil
}

// deriveCompletionMarker writes the completion marker from the descriptor's
// interrupted flag. Absent descriptor or an interrupted session leaves the
// marker absent.
func (m *Manager) deriveCompletionMarker(p session.Paths) error {
	if session.HasCompletionMarker(p.RawData()) {
		return nil
	}
	desc, err := p.ReadDescriptor()
	if err != nil {
		// Descriptor not written: runtime never finalized, session stays
		// unmarked.
		return nil
	}
	if desc.Interrupted {
		return nil
	}
	return session.WriteCompletionMarker(p.RawData())
}

// appendMetadataLog appends the session's summary record to the per-animal
// acquisition log.
func (m *Manager) appendMetadataLog(p session.Paths) error {
	desc, err := p.ReadDescriptor()
	if err != nil {
		return nil
	}
	record := map[string]any{
		"record_id":          uuid.NewString(),
		"session":            p.ID.Name(),
		"project":            p.ID.Project,
		"animal":             p.ID.Animal,
		"kind":               desc.Kind,
		"dispensed_water_ul": desc.DispensedWaterUl,
		"incomplete":         desc.Interrupted,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "lifecycle", "appendMetadataLog", "encoding record")
	}

	path := filepath.Join(p.Root, p.ID.Project, p.ID.Animal, MetadataLogFileName)
	if existing, err := os.ReadFile(path); err == nil && strings.Contains(string(existing), p.ID.Name()) {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "lifecycle", "appendMetadataLog", "opening log")
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "lifecycle", "appendMetadataLog", "appending record")
	}
	return nil
}

// IntakeImagingData pulls the imaging host's output for a session into the
// local mesoscope directory with verification, then writes the ubiquitin
// marker on the imaging copy: its local deletion is now safe.
func (m *Manager) IntakeImagingData(ctx context.Context, imagingDir string, p session.Paths) error {
	if session.HasUbiquitinMarker(imagingDir) {
		// Marker present means a prior intake completed; the marker itself
		// is not part of the recorded digest, so never re-push past it.
		return nil
	}
	dest := []transfer.Destination{{Name: "acquisition", Root: p.Mesoscope(), Verify: true}}
	if err := m.engine.Push(ctx, imagingDir, dest, false); err != nil {
		return err
	}
	return session.WriteUbiquitinMarker(imagingDir)
}
