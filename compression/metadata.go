package compression

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mesolab/mesovr/errors"
)

// InvariantMetadataFileName is the per-session acquisition descriptor.
const InvariantMetadataFileName = "frame_invariant_metadata.yaml"

// SegmentationOpsFileName is the companion file consumed by the downstream
// cell-segmentation tool.
const SegmentationOpsFileName = "ops.json"

// AcquisitionMetadata holds the frame-invariant acquisition parameters shared
// by every stack of a session.
type AcquisitionMetadata struct {
	FrameRateHz   float64 `yaml:"frame_rate_hz" json:"fs"`
	PixelPitchUM  float64 `yaml:"pixel_pitch_um" json:"dx"`
	ROIWidthPx    uint32  `yaml:"roi_width_px" json:"roi_width_px"`
	ROIHeightPx   uint32  `yaml:"roi_height_px" json:"roi_height_px"`
	PlaneCount    int     `yaml:"plane_count" json:"nplanes"`
	BitsPerSample uint32  `yaml:"bits_per_sample" json:"bits_per_sample"`
}

// ExtractMetadata reads the frame-invariant acquisition parameters from the
// first valid stack under srcDir and writes both the session descriptor and
// the segmentation companion file into dstDir. Parameters are parsed from the
// first page's description block ("key = value" lines, the mesoscope's
// acquisition-software format); geometry comes from the page headers.
func ExtractMetadata(srcDir, dstDir string) (*AcquisitionMetadata, error) {
	candidates, err := listCandidates(srcDir)
	if err != nil {
		return nil, err
	}

	for _, path := range candidates {
		t, err := openTIFF(path)
		if err != nil {
			if errors.IsSkip(err) {
				continue
			}
			return nil, err
		}
		meta := metadataFromStack(t)
		t.Close()

		if err := writeMetadata(dstDir, meta); err != nil {
			return nil, err
		}
		return meta, nil
	}
	return nil, errors.Wrap(
		fmt.Errorf("no valid stack found in %s: %w", srcDir, errors.ErrNotStack),
		"compression", "ExtractMetadata", "locating source stack")
}

func metadataFromStack(t *tiffFile) *AcquisitionMetadata {
	p := &t.pages[0]
	meta := &AcquisitionMetadata{
		ROIWidthPx:    p.width,
		ROIHeightPx:   p.height,
		PlaneCount:    1,
		BitsPerSample: p.bitsPerSample,
	}
	for key, value := range parseDescription(p.description) {
		switch key {
		case "frameRate", "scanFrameRate":
			meta.FrameRateHz, _ = strconv.ParseFloat(value, 64)
		case "pixelPitch", "objectiveResolution":
			meta.PixelPitchUM, _ = strconv.ParseFloat(value, 64)
		case "numPlanes", "numSlices":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				meta.PlaneCount = n
			}
		}
	}
	return meta
}

// parseDescription splits an acquisition description block into key/value
// pairs, one "key = value" per line.
func parseDescription(desc string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(desc, "\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}

func writeMetadata(dstDir string, meta *AcquisitionMetadata) error {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return errors.Wrap(err, "compression", "writeMetadata", "creating output directory")
	}

	yamlBytes, err := yaml.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "compression", "writeMetadata", "encoding descriptor")
	}
	if err := os.WriteFile(filepath.Join(dstDir, InvariantMetadataFileName), yamlBytes, 0o644); err != nil {
		return errors.Wrap(err, "compression", "writeMetadata", "writing descriptor")
	}

	jsonBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "compression", "writeMetadata", "encoding companion file")
	}
	if err := os.WriteFile(filepath.Join(dstDir, SegmentationOpsFileName), jsonBytes, 0o644); err != nil {
		return errors.Wrap(err, "compression", "writeMetadata", "writing companion file")
	}
	return nil
}

// ReadMetadata loads a previously extracted session descriptor.
func ReadMetadata(dir string) (*AcquisitionMetadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, InvariantMetadataFileName))
	if err != nil {
		return nil, errors.Wrap(err, "compression", "ReadMetadata", "reading descriptor")
	}
	var meta AcquisitionMetadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrap(err, "compression", "ReadMetadata", "decoding descriptor")
	}
	return &meta, nil
}
