// Package transfer moves session directory trees to long-term storage
// destinations while proving byte-exact integrity.
//
// A push first persists the source tree's integrity record, then copies the
// tree file-by-file on a worker pool, then re-hashes the destination and
// compares digests. Pushes are resumable: files already present at the
// destination with identical bytes are skipped, so re-invoking a crashed
// push completes it instead of re-copying.
package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mesolab/mesovr/checksum"
	"github.com/mesolab/mesovr/component"
	"github.com/mesolab/mesovr/errors"
	"github.com/mesolab/mesovr/metric"
	"github.com/mesolab/mesovr/pkg/worker"
)

const copyChunkSize = 32 * 1024 * 1024

// Destination describes one push target.
type Destination struct {
	// Name identifies the destination in logs ("nas", "server").
	Name string
	// Root is the directory the source tree is copied into.
	Root string
	// Verify controls destination-side re-hash after copy. The NAS
	// destination historically runs with Verify false; that weaker
	// guarantee is preserved rather than upgraded.
	Verify bool
}

// Engine copies directory trees to one or more destinations.
type Engine struct {
	workers int
	logger  *component.Logger
	metrics *metric.Registry
}

// New creates a transfer engine. Workers bounds per-destination copy
// parallelism; logger and metrics may be nil.
func New(workers int, logger *component.Logger, metrics *metric.Registry) *Engine {
	if workers <= 0 {
		workers = 4
	}
	return &Engine{workers: workers, logger: logger, metrics: metrics}
}

// Push copies src to every destination, optionally in parallel per
// destination, and verifies each destination that requests it. The source
// integrity record is computed (or reused) before any copying starts and is
// the digest every verification compares against.
func (e *Engine) Push(ctx context.Context, src string, dests []Destination, parallel bool) error {
	pushID := uuid.NewString()
	if e.logger != nil {
		e.logger.Info(fmt.Sprintf("Push %s: %s to %d destinations", pushID, src, len(dests)))
	}

	digest, err := e.ensureRecord(ctx, src)
	if err != nil {
		return err
	}

	if !parallel {
		for _, dest := range dests {
			if err := e.pushOne(ctx, src, dest, digest); err != nil {
				return err
			}
		}
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(dests))
	for i, dest := range dests {
		wg.Add(1)
		go func(i int, dest Destination) {
			defer wg.Done()
			errs[i] = e.pushOne(ctx, src, dest, digest)
		}(i, dest)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Verify recomputes the digest of a directory that contains an integrity
// record and compares it against the record.
func (e *Engine) Verify(ctx context.Context, dir string) error {
	want, err := checksum.ReadRecord(dir)
	if err != nil {
		return err
	}
	got, err := checksum.HashDirectoryExcludingRecord(ctx, dir, e.workers)
	if err != nil {
		return err
	}
	if got != want {
		return errors.WrapFatal(
			fmt.Errorf("digest %s does not match record %s: %w", got, want, errors.ErrChecksumMismatch),
			"transfer", "Verify", "integrity verification")
	}
	return nil
}

func (e *Engine) ensureRecord(ctx context.Context, src string) (string, error) {
	if digest, err := checksum.ReadRecord(src); err == nil {
		return digest, nil
	}
	digest, err := checksum.HashDirectory(ctx, src, e.workers)
	if err != nil {
		return "", err
	}
	if err := checksum.WriteRecord(src, digest); err != nil {
		return "", err
	}
	return digest, nil
}

func (e *Engine) pushOne(ctx context.Context, src string, dest Destination, digest string) error {
	start := time.Now()
	if err := e.copyTree(ctx, src, dest.Root); err != nil {
		if e.metrics != nil {
			e.metrics.Core.TransferFailures.Inc()
		}
		return err
	}

	if dest.Verify {
		got, err := checksum.HashDirectoryExcludingRecord(ctx, dest.Root, e.workers)
		if err != nil {
			return err
		}
		if got != digest {
			if e.metrics != nil {
				e.metrics.Core.TransferFailures.Inc()
			}
			return errors.WrapFatal(
				fmt.Errorf("destination %s digest %s does not match source %s: %w",
					dest.Name, got, digest, errors.ErrChecksumMismatch),
				"transfer", "Push", "destination verification")
		}
	}

	if e.logger != nil {
		e.logger.Info(fmt.Sprintf("Pushed to %s in %s (verify=%v)", dest.Name, time.Since(start).Round(time.Second), dest.Verify))
	}
	return nil
}

// copyTree copies every file under src into dst, preserving relative paths
// and skipping files already present with identical bytes.
func (e *Engine) copyTree(ctx context.Context, src, dst string) error {
	var files []string
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "transfer", "copyTree", "walking source")
	}

	var mu sync.Mutex
	var firstErr error

	pool := worker.NewPool(e.workers, len(files)+1, func(_ context.Context, path string) error {
		err := e.copyFile(src, dst, path)
		if err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}
		return err
	})
	if err := pool.Start(ctx); err != nil {
		return errors.Wrap(err, "transfer", "copyTree", "starting copy pool")
	}
	for _, f := range files {
		if err := pool.Submit(f); err != nil {
			pool.Drain()
			return errors.Wrap(err, "transfer", "copyTree", "submitting file")
		}
	}
	pool.Drain()

	if firstErr != nil {
		return firstErr
	}
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), "transfer", "copyTree", "copying")
	}
	return nil
}

func (e *Engine) copyFile(srcRoot, dstRoot, path string) error {
	rel, err := filepath.Rel(srcRoot, path)
	if err != nil {
		return errors.Wrap(err, "transfer", "copyFile", "resolving relative path")
	}
	dstPath := filepath.Join(dstRoot, rel)

	same, err := filesIdentical(path, dstPath)
	if err != nil {
		return err
	}
	if same {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return errors.Wrap(err, "transfer", "copyFile", "creating destination directory")
	}

	srcFile, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "transfer", "copyFile", "opening source")
	}
	defer srcFile.Close()

	// Copy through a temp file so a crash mid-copy never leaves a
	// truncated file that size-based resume logic would skip.
	tmpPath := dstPath + ".partial"
	dstFile, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrap(err, "transfer", "copyFile", "creating destination")
	}

	buf := make([]byte, copyChunkSize)
	written, err := io.CopyBuffer(dstFile, srcFile, buf)
	if cerr := dstFile.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "transfer", "copyFile", "copying contents")
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "transfer", "copyFile", "finalizing destination")
	}

	if e.metrics != nil {
		e.metrics.Core.BytesTransferred.Add(float64(written))
	}
	return nil
}

// filesIdentical reports whether dst exists with exactly the same bytes as
// src. Size is compared first; equal-size files are compared by content
// hash to catch partially-overwritten or corrupted copies.
func filesIdentical(src, dst string) (bool, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, errors.Wrap(err, "transfer", "filesIdentical", "stating source")
	}
	dstInfo, err := os.Stat(dst)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "transfer", "filesIdentical", "stating destination")
	}
	if srcInfo.Size() != dstInfo.Size() {
		return false, nil
	}

	_, srcDigest, err := checksum.HashFile(filepath.Dir(src), src)
	if err != nil {
		return false, err
	}
	_, dstDigest, err := checksum.HashFile(filepath.Dir(dst), dst)
	if err != nil {
		return false, err
	}
	return bytes.Equal(srcDigest[:], dstDigest[:]), nil
}
