// Package runtime implements the Mesoscope-VR runtime state machine: one
// control loop per session that drives hardware state, exchanges messages
// with the external task renderer, monitors the imaging-device heartbeat,
// and folds operator commands into a coherent per-cycle pass.
package runtime

import "fmt"

// State is a named hardware configuration. Exactly one state is active at
// any instant; the state machine's transition methods are the only writers
// of the four hardware aspects the states control.
type State uint8

const (
	// StateIdle holds the wheel and blanks the displays.
	StateIdle State = 0
	// StateRest engages the brake and monitors torque while the task shows
	// a neutral scene.
	StateRest State = 1
	// StateRun releases the wheel and integrates encoder motion into the
	// task.
	StateRun State = 2
	// StateLickTrain is rest-like with displays off for lick conditioning.
	StateLickTrain State = 3
	// StateRunTrain is run-like with displays off for running conditioning.
	StateRunTrain State = 4
)

// String returns the state's log name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRest:
		return "rest"
	case StateRun:
		return "run"
	case StateLickTrain:
		return "lick_train"
	case StateRunTrain:
		return "run_train"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// aspects is the fixed hardware tuple a state pins: wheel brake, encoder
// integration, torque monitoring, and VR displays.
type aspects struct {
	brakeEngaged bool
	encoderOn    bool
	torqueOn     bool
	screensOn    bool
}

// stateAspects maps every state to its hardware tuple.
var stateAspects = map[State]aspects{
	StateIdle:      {brakeEngaged: true, encoderOn: false, torqueOn: false, screensOn: false},
	StateRest:      {brakeEngaged: true, encoderOn: false, torqueOn: true, screensOn: true},
	StateRun:       {brakeEngaged: false, encoderOn: true, torqueOn: false, screensOn: true},
	StateLickTrain: {brakeEngaged: true, encoderOn: false, torqueOn: true, screensOn: false},
	StateRunTrain:  {brakeEngaged: false, encoderOn: true, torqueOn: false, screensOn: false},
}

// Log payload tags for state-change records under the controller source.
const (
	logTagSystemState  uint8 = 1
	logTagRuntimeStage uint8 = 2
)

// StageEntry is one step of an experiment's state sequence.
type StageEntry struct {
	Stage     uint8   `yaml:"stage"`
	VRState   State   `yaml:"vr_state"`
	DurationS float64 `yaml:"duration_s"`
}
