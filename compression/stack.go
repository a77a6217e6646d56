// Package compression converts raw mesoscope output into compact lossless
// archives: multi-page TIFF stacks are re-encoded into zstd frame-stack
// containers named by the global frame-index range they cover, and small
// per-event log streams are compacted through the datalog package.
//
// Recompression is parallel across stacks; within a stack, pages are
// processed in bounded batches so peak memory stays independent of stack
// size.
package compression

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mesolab/mesovr/component"
	"github.com/mesolab/mesovr/errors"
	"github.com/mesolab/mesovr/metric"
	"github.com/mesolab/mesovr/pkg/worker"
)

var stackMagic = [4]byte{'M', 'V', 'S', 'T'}

const stackVersion = 1

// StackHeader describes one frame-stack container. Frame-variant page
// descriptions travel with the container so per-frame acquisition parameters
// survive deletion of the source TIFF.
type StackHeader struct {
	FirstFrame    int      `msgpack:"first"`
	FrameCount    int      `msgpack:"count"`
	Width         uint32   `msgpack:"w"`
	Height        uint32   `msgpack:"h"`
	BitsPerSample uint32   `msgpack:"bits"`
	Descriptions  []string `msgpack:"desc,omitempty"`
}

// LastFrame returns the inclusive global index of the final frame.
func (h *StackHeader) LastFrame() int { return h.FirstFrame + h.FrameCount - 1 }

// StackFileName encodes the global frame-index range into the container name
// so ranges can be located without opening files.
func StackFileName(firstFrame, lastFrame int) string {
	return fmt.Sprintf("mesoscope_%09d_%09d.stack", firstFrame, lastFrame)
}

// Probe reports the page count and geometry of a candidate stack file.
// Files that are not valid multi-page stacks yield a skip-class error
// wrapping ErrNotStack.
func Probe(path string) (pages int, width, height uint32, err error) {
	t, err := openTIFF(path)
	if err != nil {
		return 0, 0, 0, err
	}
	defer t.Close()
	return len(t.pages), t.pages[0].width, t.pages[0].height, nil
}

// Recompressor re-encodes TIFF stacks into frame-stack containers.
type Recompressor struct {
	batchSize int
	workers   int
	verify    bool
	logger    *component.Logger
	metrics   *metric.Registry
}

// NewRecompressor creates a recompressor. BatchSize bounds how many pages of
// a single stack are held in memory at once; verify enables post-write
// decode-and-compare at the cost of roughly doubled peak memory.
func NewRecompressor(batchSize, workers int, verify bool, logger *component.Logger, metrics *metric.Registry) *Recompressor {
	if batchSize <= 0 {
		batchSize = 100
	}
	if workers <= 0 {
		workers = 4
	}
	return &Recompressor{batchSize: batchSize, workers: workers, verify: verify, logger: logger, metrics: metrics}
}

type stackJob struct {
	srcPath    string
	dstPath    string
	firstFrame int
}

// RecompressDirectory converts every valid stack under srcDir into a
// container under dstDir and returns the container paths in frame order.
// Non-stack files are skipped. Global frame indices are assigned by sorted
// source file name, matching acquisition order.
func (r *Recompressor) RecompressDirectory(ctx context.Context, srcDir, dstDir string) ([]string, error) {
	candidates, err := listCandidates(srcDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "compression", "RecompressDirectory", "creating output directory")
	}

	// Page counts are needed up front to assign the global frame ranges.
	var jobs []stackJob
	nextFrame := 0
	for _, path := range candidates {
		pages, _, _, err := Probe(path)
		if err != nil {
			if errors.IsSkip(err) {
				if r.logger != nil {
					r.logger.Warn(fmt.Sprintf("Skipping non-stack file %s", filepath.Base(path)))
				}
				continue
			}
			return nil, err
		}
		dst := filepath.Join(dstDir, StackFileName(nextFrame, nextFrame+pages-1))
		jobs = append(jobs, stackJob{srcPath: path, dstPath: dst, firstFrame: nextFrame})
		nextFrame += pages
	}

	var mu sync.Mutex
	var firstErr error
	pool := worker.NewPool(r.workers, len(jobs)+1, func(ctx context.Context, job stackJob) error {
		err := r.recompressOne(ctx, job)
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
		return nil, errors.Wrap(err, "compression", "RecompressDirectory", "starting pool")
	}
	for _, job := range jobs {
		if err := pool.Submit(job); err != nil {
			pool.Drain()
			return nil, errors.Wrap(err, "compression", "RecompressDirectory", "submitting stack")
		}
	}
	pool.Drain()

	if firstErr != nil {
		return nil, firstErr
	}

	out := make([]string, len(jobs))
	for i, job := range jobs {
		out[i] = job.dstPath
	}
	return out, nil
}

func (r *Recompressor) recompressOne(ctx context.Context, job stackJob) error {
	t, err := openTIFF(job.srcPath)
	if err != nil {
		return err
	}
	defer t.Close()

	header := StackHeader{
		FirstFrame:    job.firstFrame,
		FrameCount:    len(t.pages),
		Width:         t.pages[0].width,
		Height:        t.pages[0].height,
		BitsPerSample: t.pages[0].bitsPerSample,
	}
	for _, p := range t.pages {
		header.Descriptions = append(header.Descriptions, p.description)
	}

	if err := r.writeContainer(ctx, t, header, job.dstPath); err != nil {
		os.Remove(job.dstPath)
		return err
	}

	if r.verify {
		if err := r.verifyContainer(t, job.dstPath); err != nil {
			os.Remove(job.dstPath)
			return err
		}
	}

	if r.metrics != nil {
		r.metrics.Core.StacksRecompressed.Inc()
	}
	if r.logger != nil {
		r.logger.Info(fmt.Sprintf("Recompressed %s (%d frames)", filepath.Base(job.srcPath), header.FrameCount))
	}
	return nil
}

func (r *Recompressor) writeContainer(ctx context.Context, t *tiffFile, header StackHeader, dstPath string) error {
	f, err := os.Create(dstPath)
	if err != nil {
		return errors.Wrap(err, "compression", "writeContainer", "creating container")
	}
	defer f.Close()

	headerBytes, err := msgpack.Marshal(&header)
	if err != nil {
		return errors.Wrap(err, "compression", "writeContainer", "encoding header")
	}
	if _, err := f.Write(stackMagic[:]); err != nil {
		return errors.Wrap(err, "compression", "writeContainer", "writing magic")
	}
	if _, err := f.Write([]byte{stackVersion}); err != nil {
		return errors.Wrap(err, "compression", "writeContainer", "writing version")
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(headerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "compression", "writeContainer", "writing header length")
	}
	if _, err := f.Write(headerBytes); err != nil {
		return errors.Wrap(err, "compression", "writeContainer", "writing header")
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return errors.Wrap(err, "compression", "writeContainer", "creating encoder")
	}
	defer enc.Close()

	// Pages are read and encoded in bounded batches to cap peak memory.
	for start := 0; start < header.FrameCount; start += r.batchSize {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "compression", "writeContainer", "encoding frames")
		}
		end := min(start+r.batchSize, header.FrameCount)
		for i := start; i < end; i++ {
			pixels, err := t.readPage(i)
			if err != nil {
				return err
			}
			compressed := enc.EncodeAll(pixels, nil)
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(compressed)))
			if _, err := f.Write(lenBuf[:]); err != nil {
				return errors.Wrap(err, "compression", "writeContainer", "writing frame length")
			}
			if _, err := f.Write(compressed); err != nil {
				return errors.Wrap(err, "compression", "writeContainer", "writing frame")
			}
		}
	}
	return nil
}

// verifyContainer decodes the written container in bounded batches and
// compares every frame byte-for-byte against the source pages. Peak memory
// stays at one batch, same as the encode side.
func (r *Recompressor) verifyContainer(t *tiffFile, dstPath string) error {
	header, _, err := ReadFrames(dstPath, 0, 0)
	if err != nil {
		return err
	}
	if header.FrameCount != len(t.pages) {
		return errors.WrapFatal(
			fmt.Errorf("container holds %d frames, source has %d pages", header.FrameCount, len(t.pages)),
			"compression", "verifyContainer", "frame count check")
	}
	for start := 0; start < header.FrameCount; start += r.batchSize {
		count := min(r.batchSize, header.FrameCount-start)
		_, frames, err := ReadFrames(dstPath, start, count)
		if err != nil {
			return err
		}
		for j, frame := range frames {
			src, err := t.readPage(start + j)
			if err != nil {
				return err
			}
			if !bytes.Equal(src, frame) {
				return errors.WrapFatal(
					fmt.Errorf("frame %d does not round-trip", header.FirstFrame+start+j),
					"compression", "verifyContainer", "byte comparison")
			}
		}
	}
	return nil
}

// ReadStack decodes a full container: its header and every frame's pixel
// payload in order.
func ReadStack(path string) (*StackHeader, [][]byte, error) {
	header, frames, err := readFrames(path, 0, -1)
	return header, frames, err
}

// ReadFrames decodes count frames starting at the stack-local index from,
// without materializing the rest of the container.
func ReadFrames(path string, from, count int) (*StackHeader, [][]byte, error) {
	return readFrames(path, from, count)
}

func readFrames(path string, from, count int) (*StackHeader, [][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "compression", "ReadStack", "opening container")
	}
	defer f.Close()

	var preamble [9]byte
	if _, err := io.ReadFull(f, preamble[:]); err != nil {
		return nil, nil, errors.Wrap(err, "compression", "ReadStack", "reading preamble")
	}
	if !bytes.Equal(preamble[:4], stackMagic[:]) {
		return nil, nil, errors.Wrap(fmt.Errorf("%s: %w", path, errors.ErrNotStack),
			"compression", "ReadStack", "checking magic")
	}
	if preamble[4] != stackVersion {
		return nil, nil, errors.Wrap(fmt.Errorf("unsupported container version %d", preamble[4]),
			"compression", "ReadStack", "checking version")
	}

	headerLen := binary.LittleEndian.Uint32(preamble[5:9])
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, nil, errors.Wrap(err, "compression", "ReadStack", "reading header")
	}
	var header StackHeader
	if err := msgpack.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, errors.Wrap(err, "compression", "ReadStack", "decoding header")
	}

	if count < 0 {
		count = header.FrameCount - from
	}
	if from < 0 || from+count > header.FrameCount {
		return nil, nil, errors.Wrap(
			fmt.Errorf("frame range [%d,%d) outside stack of %d frames", from, from+count, header.FrameCount),
			"compression", "ReadFrames", "bounds check")
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "compression", "ReadStack", "creating decoder")
	}
	defer dec.Close()

	var lenBuf [4]byte
	frames := make([][]byte, 0, count)
	for i := 0; i < from+count; i++ {
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			return nil, nil, errors.Wrap(err, "compression", "ReadStack", "reading frame length")
		}
		frameLen := binary.LittleEndian.Uint32(lenBuf[:])
		if i < from {
			if _, err := f.Seek(int64(frameLen), io.SeekCurrent); err != nil {
				return nil, nil, errors.Wrap(err, "compression", "ReadFrames", "seeking past frame")
			}
			continue
		}
		compressed := make([]byte, frameLen)
		if _, err := io.ReadFull(f, compressed); err != nil {
			return nil, nil, errors.Wrap(err, "compression", "ReadStack", "reading frame")
		}
		pixels, err := dec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, nil, errors.Wrap(err, "compression", "ReadStack", "decoding frame")
		}
		frames = append(frames, pixels)
	}
	return &header, frames, nil
}

// listCandidates returns the TIFF-suffixed files directly under dir in
// sorted name order, which matches acquisition order for mesoscope output.
func listCandidates(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "compression", "listCandidates", "reading directory")
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		if strings.HasSuffix(name, ".tif") || strings.HasSuffix(name, ".tiff") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
