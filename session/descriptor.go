package session

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mesolab/mesovr/errors"
	"github.com/mesolab/mesovr/hardware"
)

// Descriptor and snapshot file names, all written into raw_data.
const (
	DescriptorFileName        = "session_descriptor.yaml"
	HardwareSnapshotFileName  = "hardware_state.yaml"
	MotorSnapshotFileName     = "motor_positions.yaml"
	ObjectiveSnapshotFileName = "objective_position.yaml"
)

// Descriptor is the session-kind record written at session start and
// finalized at session end. The experimenter notes field must be filled in
// before preprocessing hands the session off to long-term storage.
type Descriptor struct {
	Project      string  `yaml:"project"`
	Animal       string  `yaml:"animal"`
	Session      string  `yaml:"session"`
	Kind         Kind    `yaml:"kind"`
	Experimenter string  `yaml:"experimenter"`
	AnimalWeight float64 `yaml:"animal_weight_g"`
	Notes        string  `yaml:"experimenter_notes"`

	// DispensedWaterUl is the total water volume delivered during runtime.
	DispensedWaterUl float64 `yaml:"dispensed_water_ul"`

	// Interrupted records whether runtime ended abnormally; the completion
	// marker is derived from it during preprocessing.
	Interrupted bool `yaml:"incomplete"`

	// Experiment-only fields.
	ExperimentName string `yaml:"experiment_name,omitempty"`
}

// HardwareSnapshot records the hardware parameters a session actually used.
// Every field is optional: an absent parameter means the corresponding
// module was not part of the session and its log must not be parsed during
// processing.
type HardwareSnapshot struct {
	CmPerPulse       *float64                    `yaml:"encoder_cm_per_pulse,omitempty"`
	ValveCalibration []hardware.CalibrationPoint `yaml:"valve_calibration,omitempty"`
	LickThreshold    *int                        `yaml:"lick_threshold_adc,omitempty"`
	TorqueCapacity   *float64                    `yaml:"torque_capacity_g_cm,omitempty"`
	ScreensUsed      *bool                       `yaml:"screens_used,omitempty"`
}

// MotorSnapshot preserves the animal-specific positioning of the headbar and
// lick-port motors so the next session can restore them.
type MotorSnapshot struct {
	HeadbarZ   float64 `yaml:"headbar_z"`
	HeadbarPit float64 `yaml:"headbar_pitch"`
	HeadbarRol float64 `yaml:"headbar_roll"`
	LickportX  float64 `yaml:"lickport_x"`
	LickportY  float64 `yaml:"lickport_y"`
	LickportZ  float64 `yaml:"lickport_z"`
}

// ObjectiveSnapshot preserves the mesoscope objective position at session
// end for cross-session imaging-plane realignment.
type ObjectiveSnapshot struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
	F float64 `yaml:"fast_z"`
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "session", "writeYAML", "encoding descriptor")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "session", "writeYAML", "writing descriptor")
	}
	return nil
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "session", "readYAML", "reading descriptor")
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "session", "readYAML", "decoding descriptor")
	}
	return nil
}

// WriteDescriptor persists the session descriptor into raw_data.
func (p Paths) WriteDescriptor(d *Descriptor) error {
	return writeYAML(filepath.Join(p.RawData(), DescriptorFileName), d)
}

// ReadDescriptor loads the session descriptor.
func (p Paths) ReadDescriptor() (*Descriptor, error) {
	var d Descriptor
	if err := readYAML(filepath.Join(p.RawData(), DescriptorFileName), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// WriteHardwareSnapshot persists the hardware parameter snapshot.
func (p Paths) WriteHardwareSnapshot(s *HardwareSnapshot) error {
	return writeYAML(filepath.Join(p.RawData(), HardwareSnapshotFileName), s)
}

// ReadHardwareSnapshot loads the hardware parameter snapshot.
func (p Paths) ReadHardwareSnapshot() (*HardwareSnapshot, error) {
	var s HardwareSnapshot
	if err := readYAML(filepath.Join(p.RawData(), HardwareSnapshotFileName), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// WriteMotorSnapshot persists the motor position snapshot.
func (p Paths) WriteMotorSnapshot(s *MotorSnapshot) error {
	return writeYAML(filepath.Join(p.RawData(), MotorSnapshotFileName), s)
}

// ReadMotorSnapshot loads the motor position snapshot.
func (p Paths) ReadMotorSnapshot() (*MotorSnapshot, error) {
	var s MotorSnapshot
	if err := readYAML(filepath.Join(p.RawData(), MotorSnapshotFileName), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// WriteObjectiveSnapshot persists the mesoscope objective snapshot.
func (p Paths) WriteObjectiveSnapshot(s *ObjectiveSnapshot) error {
	return writeYAML(filepath.Join(p.RawData(), ObjectiveSnapshotFileName), s)
}

// ReadObjectiveSnapshot loads the mesoscope objective snapshot.
func (p Paths) ReadObjectiveSnapshot() (*ObjectiveSnapshot, error) {
	var s ObjectiveSnapshot
	if err := readYAML(filepath.Join(p.RawData(), ObjectiveSnapshotFileName), &s); err != nil {
		return nil, err
	}
	return &s, nil
}
