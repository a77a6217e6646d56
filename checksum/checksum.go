// Package checksum computes content-addressed integrity digests for session
// directory trees.
//
// The digest is a streaming xxHash3-128 over every file's relative path and
// contents. Files are hashed in parallel, then the per-file digests are
// folded into the final digest in sorted relative-path order, so the result
// is deterministic regardless of traversal or completion order.
package checksum

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/mesolab/mesovr/errors"
	"github.com/mesolab/mesovr/pkg/worker"
)

// RecordFileName is the name of the integrity record persisted alongside the
// hashed data.
const RecordFileName = "checksum.txt"

const hashChunkSize = 8 * 1024 * 1024

// HashFile computes the xxHash3-128 digest of one file: the hash covers the
// file's relative path (forward-slash separated) followed by its contents.
func HashFile(baseDir, path string) (rel string, digest [16]byte, err error) {
	rel, err = filepath.Rel(baseDir, path)
	if err != nil {
		return "", digest, errors.Wrap(err, "checksum", "HashFile", "resolving relative path")
	}
	rel = filepath.ToSlash(rel)

	h := xxh3.New()
	_, _ = h.WriteString(rel)

	f, err := os.Open(path)
	if err != nil {
		return "", digest, errors.Wrap(err, "checksum", "HashFile", "opening file")
	}
	defer f.Close()

	buf := make([]byte, hashChunkSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			_, _ = h.Write(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", digest, errors.Wrap(readErr, "checksum", "HashFile", "reading file")
		}
	}

	sum := h.Sum128()
	return rel, sum.Bytes(), nil
}

// HashDirectory computes the directory tree digest using up to workers
// parallel hashers (0 selects NumCPU-1). The returned digest is a 32-char
// lower-case hex string.
func HashDirectory(ctx context.Context, dir string, workers int) (string, error) {
	return hashDirectory(ctx, dir, workers, false)
}

// HashDirectoryExcludingRecord hashes dir while skipping the top-level
// integrity record itself, so a directory can be re-verified after the
// record was written into it.
func HashDirectoryExcludingRecord(ctx context.Context, dir string, workers int) (string, error) {
	return hashDirectory(ctx, dir, workers, true)
}

func hashDirectory(ctx context.Context, dir string, workers int, skipRecord bool) (string, error) {
	if workers <= 0 {
		workers = max(1, runtime.NumCPU()-1)
	}

	record := filepath.Join(dir, RecordFileName)
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if skipRecord && path == record {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "checksum", "HashDirectory", "walking directory")
	}

	type result struct {
		rel    string
		digest [16]byte
	}

	var mu sync.Mutex
	results := make([]result, 0, len(files))
	var firstErr error

	pool := worker.NewPool(workers, len(files)+1, func(_ context.Context, path string) error {
		rel, digest, err := HashFile(dir, path)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return err
		}
		results = append(results, result{rel: rel, digest: digest})
		return nil
	})
	if err := pool.Start(ctx); err != nil {
		return "", errors.Wrap(err, "checksum", "HashDirectory", "starting hash pool")
	}
	for _, f := range files {
		if err := pool.Submit(f); err != nil {
			pool.Drain()
			return "", errors.Wrap(err, "checksum", "HashDirectory", "submitting file")
		}
	}
	pool.Drain()

	if firstErr != nil {
		return "", firstErr
	}
	if ctx.Err() != nil {
		return "", errors.Wrap(ctx.Err(), "checksum", "HashDirectory", "hashing")
	}

	// Fold per-file digests in sorted relative-path order so the final
	// digest is independent of hashing completion order.
	sort.Slice(results, func(i, j int) bool { return results[i].rel < results[j].rel })

	final := xxh3.New()
	for _, r := range results {
		_, _ = final.WriteString(r.rel)
		_, _ = final.Write(r.digest[:])
	}
	sum := final.Sum128()
	b := sum.Bytes()
	return fmt.Sprintf("%x", b[:]), nil
}

// WriteRecord persists the digest as the integrity record inside dir.
func WriteRecord(dir, digest string) error {
	content := fmt.Sprintf("%s %s\n", digest, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(dir, RecordFileName), []byte(content), 0o644); err != nil {
		return errors.Wrap(err, "checksum", "WriteRecord", "writing integrity record")
	}
	return nil
}

// ReadRecord reads a previously persisted integrity record from dir.
func ReadRecord(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, RecordFileName))
	if err != nil {
		return "", errors.Wrap(err, "checksum", "ReadRecord", "reading integrity record")
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", errors.Wrap(fmt.Errorf("empty record"), "checksum", "ReadRecord", "parsing integrity record")
	}
	return fields[0], nil
}
