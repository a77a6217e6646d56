package datalog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/mesolab/mesovr/errors"
)

const partialSuffix = ".partial"

// Compact merges every raw source stream in dir into a zstd-compressed
// archive, optionally removing the raw streams afterwards. A compaction
// interrupted by a crash is completed by the next call: archives are written
// to a partial name and only take their final name once the raw stream is
// gone.
//
// A directory that already contains a finalized archive for a source that
// still has a raw stream is ambiguous: the raw stream may hold records the
// archive lacks. This is reported as a fatal inconsistency rather than
// resolved silently.
func Compact(dir string, removeSources bool) error {
	if err := adoptPartialArchives(dir); err != nil {
		return err
	}
	raw, compacted, err := scanDir(dir)
	if err != nil {
		return err
	}
	for source := range raw {
		if _, ok := compacted[source]; ok {
			return errors.WrapFatal(
				fmt.Errorf("source %d has both %s and %s: %w",
					source, SourceFileName(source), CompactedFileName(source), errors.ErrMixedLogDirectory),
				"datalog", "Compact", "directory consistency check")
		}
	}

	for source, path := range raw {
		dst := filepath.Join(dir, CompactedFileName(source))
		if err := compactFile(path, dst+partialSuffix); err != nil {
			return err
		}
		if removeSources {
			if err := os.Remove(path); err != nil {
				return errors.Wrap(err, "datalog", "Compact", "removing raw stream")
			}
		}
		if err := os.Rename(dst+partialSuffix, dst); err != nil {
			return errors.Wrap(err, "datalog", "Compact", "finalizing archive")
		}
	}
	return nil
}

// adoptPartialArchives resolves archives left over by a crash mid-compaction.
// A raw stream is removed only after its archive is fully written, so a
// partial archive without its raw stream is complete and only missed the
// final rename; one next to a surviving raw stream is an aborted write and
// is discarded.
func adoptPartialArchives(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "datalog", "adoptPartialArchives", "reading log directory")
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, compactedSuffix+partialSuffix) {
			continue
		}
		var source uint8
		if _, err := fmt.Sscanf(name, "%d"+compactedSuffix+partialSuffix, &source); err != nil {
			continue
		}
		partial := filepath.Join(dir, name)
		if _, err := os.Stat(filepath.Join(dir, SourceFileName(source))); err == nil {
			if err := os.Remove(partial); err != nil {
				return errors.Wrap(err, "datalog", "adoptPartialArchives", "discarding aborted archive")
			}
			continue
		}
		if err := os.Rename(partial, filepath.Join(dir, CompactedFileName(source))); err != nil {
			return errors.Wrap(err, "datalog", "adoptPartialArchives", "adopting complete archive")
		}
	}
	return nil
}

// ReadSource decodes all entries for a source from dir, transparently
// handling both raw and compacted representations. The compacted archive is
// preferred when both forms are absent/present consistently.
func ReadSource(dir string, source uint8) ([]Entry, error) {
	compactedPath := filepath.Join(dir, CompactedFileName(source))
	if f, err := os.Open(compactedPath); err == nil {
		defer f.Close()
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, "datalog", "ReadSource", "opening zstd reader")
		}
		defer zr.Close()
		entries, err := decodeEntries(zr)
		if err != nil {
			return nil, errors.Wrap(err, "datalog", "ReadSource", "decoding compacted entries")
		}
		return entries, nil
	}

	rawPath := filepath.Join(dir, SourceFileName(source))
	f, err := os.Open(rawPath)
	if err != nil {
		return nil, errors.Wrap(err, "datalog", "ReadSource", "opening source stream")
	}
	defer f.Close()
	entries, err := decodeEntries(f)
	if err != nil {
		return nil, errors.Wrap(err, "datalog", "ReadSource", "decoding entries")
	}
	return entries, nil
}

// Sources lists every source ID present in dir, raw or compacted.
func Sources(dir string) ([]uint8, error) {
	raw, compacted, err := scanDir(dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint8]bool)
	var out []uint8
	for s := range raw {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for s := range compacted {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

func scanDir(dir string) (raw, compacted map[uint8]string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, errors.Wrap(err, "datalog", "scanDir", "reading log directory")
	}
	raw = make(map[uint8]string)
	compacted = make(map[uint8]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, compactedSuffix):
			var source uint8
			if _, err := fmt.Sscanf(name, "%d"+compactedSuffix, &source); err == nil {
				compacted[source] = filepath.Join(dir, name)
			}
		case strings.HasSuffix(name, rawSuffix):
			var source uint8
			if _, err := fmt.Sscanf(name, "%d"+rawSuffix, &source); err == nil {
				raw[source] = filepath.Join(dir, name)
			}
		}
	}
	return raw, compacted, nil
}

func compactFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrap(err, "datalog", "compactFile", "opening raw stream")
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return errors.Wrap(err, "datalog", "compactFile", "creating archive")
	}
	defer dst.Close()

	zw, err := zstd.NewWriter(dst)
	if err != nil {
		return errors.Wrap(err, "datalog", "compactFile", "creating zstd writer")
	}
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		return errors.Wrap(err, "datalog", "compactFile", "compressing stream")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "datalog", "compactFile", "flushing archive")
	}
	return nil
}
