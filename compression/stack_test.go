package compression

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesolab/mesovr/errors"
	"github.com/mesolab/mesovr/metric"
)

// writeTIFF emits a minimal little-endian multi-page TIFF: one uncompressed
// strip per page, 16-bit grayscale, with an optional page description.
func writeTIFF(t *testing.T, path string, frames [][]byte, width, height uint32, desc string) {
	t.Helper()

	var buf bytes.Buffer
	le := binary.LittleEndian

	write16 := func(v uint16) { var b [2]byte; le.PutUint16(b[:], v); buf.Write(b[:]) }
	write32 := func(v uint32) { var b [4]byte; le.PutUint32(b[:], v); buf.Write(b[:]) }

	descBytes := []byte(desc)
	if desc != "" {
		descBytes = append(descBytes, 0)
	}

	// Layout: header | pixel data | description | IFD chain.
	pixelStart := uint32(8)
	offsets := make([]uint32, len(frames))
	off := pixelStart
	for i, f := range frames {
		offsets[i] = off
		off += uint32(len(f))
	}
	descOffset := off
	ifdStart := descOffset + uint32(len(descBytes))

	entryCount := uint32(6)
	if desc != "" {
		entryCount = 7
	}
	ifdSize := 2 + entryCount*12 + 4

	buf.WriteString("II")
	write16(42)
	write32(ifdStart)

	for _, f := range frames {
		buf.Write(f)
	}
	buf.Write(descBytes)

	for i := range frames {
		write16(uint16(entryCount))

		writeEntry := func(tag, typ uint16, count, value uint32) {
			write16(tag)
			write16(typ)
			write32(count)
			write32(value)
		}
		writeEntry(tagImageWidth, typeLong, 1, width)
		writeEntry(tagImageLength, typeLong, 1, height)
		writeEntry(tagBitsPerSample, typeShort, 1, 16)
		writeEntry(tagCompression, typeShort, 1, 1)
		if desc != "" {
			writeEntry(tagImageDesc, typeASCII, uint32(len(descBytes)), descOffset)
		}
		writeEntry(tagStripOffsets, typeLong, 1, offsets[i])
		writeEntry(tagStripByteCounts, typeLong, 1, uint32(len(frames[i])))

		if i == len(frames)-1 {
			write32(0)
		} else {
			write32(ifdStart + uint32(i+1)*ifdSize)
		}
	}

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func randomFrames(pages int, width, height uint32) [][]byte {
	rng := rand.New(rand.NewSource(42))
	frames := make([][]byte, pages)
	for i := range frames {
		frames[i] = make([]byte, int(width*height)*2)
		rng.Read(frames[i])
	}
	return frames
}

func TestRecompressLossless(t *testing.T) {
	// 1, 2, and N greater than the batch size exercise batch boundaries.
	for _, pages := range []int{1, 2, 11} {
		srcDir := t.TempDir()
		dstDir := t.TempDir()
		frames := randomFrames(pages, 16, 8)
		writeTIFF(t, filepath.Join(srcDir, "00001.tif"), frames, 16, 8, "")

		r := NewRecompressor(4, 2, true, nil, metric.NewRegistry())
		out, err := r.RecompressDirectory(context.Background(), srcDir, dstDir)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, StackFileName(0, pages-1), filepath.Base(out[0]))

		header, decoded, err := ReadStack(out[0])
		require.NoError(t, err)
		assert.Equal(t, pages, header.FrameCount)
		assert.Equal(t, uint32(16), header.Width)
		require.Len(t, decoded, pages)
		for i := range frames {
			assert.Equal(t, frames[i], decoded[i], "frame %d must round-trip", i)
		}
	}
}

func TestVerifyContainerDetectsMismatch(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	frames := randomFrames(5, 8, 8)
	srcPath := filepath.Join(srcDir, "00001.tif")
	writeTIFF(t, srcPath, frames, 8, 8, "")

	// Batch size smaller than the page count forces multiple verify passes.
	r := NewRecompressor(2, 1, false, nil, nil)
	out, err := r.RecompressDirectory(context.Background(), srcDir, dstDir)
	require.NoError(t, err)
	require.Len(t, out, 1)

	tf, err := openTIFF(srcPath)
	require.NoError(t, err)
	require.NoError(t, r.verifyContainer(tf, out[0]))
	require.NoError(t, tf.Close())

	// Flip one pixel byte of the source: the container no longer matches.
	data, err := os.ReadFile(srcPath)
	require.NoError(t, err)
	data[8] ^= 0xff
	require.NoError(t, os.WriteFile(srcPath, data, 0o644))

	tf, err = openTIFF(srcPath)
	require.NoError(t, err)
	defer tf.Close()
	err = r.verifyContainer(tf, out[0])
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestGlobalFrameRangesAcrossStacks(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	writeTIFF(t, filepath.Join(srcDir, "00001.tif"), randomFrames(3, 8, 8), 8, 8, "")
	writeTIFF(t, filepath.Join(srcDir, "00002.tif"), randomFrames(2, 8, 8), 8, 8, "")

	r := NewRecompressor(0, 1, false, nil, nil)
	out, err := r.RecompressDirectory(context.Background(), srcDir, dstDir)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, StackFileName(0, 2), filepath.Base(out[0]))
	assert.Equal(t, StackFileName(3, 4), filepath.Base(out[1]))
}

func TestSkipsNonStackFiles(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "notes.tif"), []byte("not a stack"), 0o644))
	writeTIFF(t, filepath.Join(srcDir, "real.tif"), randomFrames(2, 8, 8), 8, 8, "")

	_, _, _, err := Probe(filepath.Join(srcDir, "notes.tif"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotStack)
	assert.True(t, errors.IsSkip(err))

	r := NewRecompressor(4, 1, true, nil, nil)
	out, err := r.RecompressDirectory(context.Background(), srcDir, dstDir)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestReadFramesRange(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	frames := randomFrames(6, 8, 8)
	writeTIFF(t, filepath.Join(srcDir, "00001.tif"), frames, 8, 8, "")

	r := NewRecompressor(2, 1, false, nil, nil)
	out, err := r.RecompressDirectory(context.Background(), srcDir, dstDir)
	require.NoError(t, err)

	header, middle, err := ReadFrames(out[0], 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 6, header.FrameCount)
	require.Len(t, middle, 3)
	assert.Equal(t, frames[2], middle[0])
	assert.Equal(t, frames[4], middle[2])

	_, _, err = ReadFrames(out[0], 5, 2)
	assert.Error(t, err)
}

func TestExtractMetadata(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	desc := "frameRate = 9.8\nobjectiveResolution = 0.512\nnumPlanes = 2\nignored line"
	writeTIFF(t, filepath.Join(srcDir, "00001.tif"), randomFrames(2, 16, 8), 16, 8, desc)

	meta, err := ExtractMetadata(srcDir, dstDir)
	require.NoError(t, err)
	assert.InDelta(t, 9.8, meta.FrameRateHz, 1e-9)
	assert.InDelta(t, 0.512, meta.PixelPitchUM, 1e-9)
	assert.Equal(t, 2, meta.PlaneCount)
	assert.Equal(t, uint32(16), meta.ROIWidthPx)
	assert.Equal(t, uint32(8), meta.ROIHeightPx)

	// Both the descriptor and the segmentation companion file exist and agree.
	loaded, err := ReadMetadata(dstDir)
	require.NoError(t, err)
	assert.Equal(t, meta, loaded)
	_, err = os.Stat(filepath.Join(dstDir, SegmentationOpsFileName))
	assert.NoError(t, err)
}

func TestFrameVariantDescriptionsRetained(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	writeTIFF(t, filepath.Join(srcDir, "00001.tif"), randomFrames(2, 8, 8), 8, 8, "frameNumber = 1")

	r := NewRecompressor(4, 1, false, nil, nil)
	out, err := r.RecompressDirectory(context.Background(), srcDir, dstDir)
	require.NoError(t, err)

	header, _, err := ReadStack(out[0])
	require.NoError(t, err)
	require.Len(t, header.Descriptions, 2)
	assert.Equal(t, "frameNumber = 1", header.Descriptions[0])
}
