package runtime

import (
	"fmt"
	"sort"

	"github.com/mesolab/mesovr/errors"
)

// TrialTemplate maps one known cue combination to the trial length it
// represents. Templates come from the experiment configuration.
type TrialTemplate struct {
	Cues     []uint8 `yaml:"cues"`
	LengthCm float64 `yaml:"length_cm"`
}

// DecomposeCues recovers trial boundaries from the renderer's flat cue
// sequence: a greedy longest-match against the known templates, yielding the
// cumulative distance at each trial's end.
//
// A sequence that cannot be fully decomposed is a fatal error; a partial
// match is never silently truncated, because trial boundaries drive reward
// positions for the whole session.
func DecomposeCues(cues []uint8, templates []TrialTemplate) ([]float64, error) {
	if len(templates) == 0 {
		return nil, errors.WrapFatal(
			fmt.Errorf("no trial templates configured: %w", errors.ErrUndecomposableCues),
			"runtime", "DecomposeCues", "decomposing cue sequence")
	}

	// Longest templates first so the greedy match prefers them.
	ordered := make([]TrialTemplate, len(templates))
	copy(ordered, templates)
	sort.SliceStable(ordered, func(i, j int) bool { return len(ordered[i].Cues) > len(ordered[j].Cues) })

	var boundaries []float64
	cumulative := 0.0
	pos := 0
	for pos < len(cues) {
		matched := false
		for _, tpl := range ordered {
			if matchesAt(cues, pos, tpl.Cues) {
				cumulative += tpl.LengthCm
				boundaries = append(boundaries, cumulative)
				pos += len(tpl.Cues)
				matched = true
				break
			}
		}
		if !matched {
			return nil, errors.WrapFatal(
				fmt.Errorf("no template matches at position %d of %v: %w", pos, cues, errors.ErrUndecomposableCues),
				"runtime", "DecomposeCues", "decomposing cue sequence")
		}
	}
	return boundaries, nil
}

func matchesAt(cues []uint8, pos int, template []uint8) bool {
	if len(template) == 0 || pos+len(template) > len(cues) {
		return false
	}
	for i, c := range template {
		if cues[pos+i] != c {
			return false
		}
	}
	return true
}

// TrialsCompleted counts how many trial boundaries the given cumulative
// distance has passed.
func TrialsCompleted(boundaries []float64, distanceCm float64) int {
	n := 0
	for _, b := range boundaries {
		if distanceCm >= b {
			n++
		}
	}
	return n
}
