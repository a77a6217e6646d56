package runtime

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/mesolab/mesovr/component"
	"github.com/mesolab/mesovr/errors"
	"github.com/mesolab/mesovr/hardware"
	"github.com/mesolab/mesovr/metric"
	"github.com/mesolab/mesovr/pkg/retry"
	"github.com/mesolab/mesovr/pkg/timestamp"
	"github.com/mesolab/mesovr/renderer"
	"github.com/mesolab/mesovr/session"
)

// Defaults for machine configuration.
const (
	DefaultMinCores            = 11
	DefaultHeartbeatBound      = 100 * time.Millisecond
	DefaultImagingStartTimeout = 2 * time.Second
	DefaultRewardSizeUl        = 5.0
)

// RewardAction reports how a reward request was resolved.
type RewardAction int

const (
	// RewardDispensed means water was physically delivered.
	RewardDispensed RewardAction = iota + 1
	// RewardSimulated means the audible cue substituted for water.
	RewardSimulated
)

// String returns the action's log name.
func (a RewardAction) String() string {
	if a == RewardDispensed {
		return "dispensed"
	}
	return "simulated"
}

// Config parametrizes one session's state machine. A single Machine type
// covers every session kind; behavior differences are data, not subclasses.
type Config struct {
	Kind session.Kind

	// MinCores is the logical core count below which Start fails fatally.
	MinCores int
	// HeartbeatBound is the maximum interval between imaging frame pulses
	// before recovery logic engages.
	HeartbeatBound time.Duration
	// ImagingStartTimeout bounds the wait for the first frame pulse after
	// raising the start-acquisition line.
	ImagingStartTimeout time.Duration

	// RewardSizeUl is the default water reward volume.
	RewardSizeUl float64
	// UnconsumedRewardCap throttles dispensing: once this many rewards are
	// delivered without a lick, further rewards are simulated. 0 disables
	// the cap.
	UnconsumedRewardCap int
	// MaxWaterUl caps the session's total dispensed volume. 0 disables the
	// cap. Water dispensed while paused does not count against it.
	MaxWaterUl float64

	// Templates drive cue-sequence decomposition for experiment sessions.
	Templates []TrialTemplate
	// Sequence is the experiment's ordered (stage, state, duration) list.
	Sequence []StageEntry

	// UseRenderer and UseImaging select the external collaborators this
	// session kind arms during Start.
	UseRenderer bool
	UseImaging  bool
}

// DefaultConfig returns the standard configuration for a session kind.
func DefaultConfig(kind session.Kind) Config {
	cfg := Config{
		Kind:                kind,
		MinCores:            DefaultMinCores,
		HeartbeatBound:      DefaultHeartbeatBound,
		ImagingStartTimeout: DefaultImagingStartTimeout,
		RewardSizeUl:        DefaultRewardSizeUl,
	}
	switch kind {
	case session.KindExperiment:
		cfg.UseRenderer = true
		cfg.UseImaging = true
	case session.KindWindowCheck:
		cfg.UseImaging = true
	}
	return cfg
}

// Machine is the per-session runtime state machine. It is the sole owner of
// the brake, encoder, torque, and screens aspects: they change only through
// its transition methods.
type Machine struct {
	cfg     Config
	ctrl    *hardware.Controller
	rend    *renderer.Client
	flags   *Flags
	logger  *component.Logger
	metrics *metric.Registry
	timer   *timestamp.Timer

	// clock and wallUs are swappable for tests.
	clock  func() int64
	wallUs func() int64
	cores  func() int

	mu      sync.Mutex
	started bool
	stopped bool

	state State
	stage uint8

	paused        bool
	prePauseState State
	pausedAtUs    int64
	pausedTotalUs int64

	unconsumed  int
	dispensedUl float64

	lastCycleUs int64
	speedCmS    float64

	boundaries             []float64
	distanceAtInterruption float64
	needRearm              bool

	seqIndex     int
	seqStarted   bool
	stageStartUs int64
	sequenceDone bool

	recoveryAttempted  bool
	recoveryDeadlineUs int64
}

// NewMachine builds a state machine. The renderer client may be nil when the
// session kind does not use one; flags may be nil for headless utilities.
func NewMachine(cfg Config, ctrl *hardware.Controller, rend *renderer.Client, flags *Flags,
	timer *timestamp.Timer, logger *component.Logger, metrics *metric.Registry) *Machine {
	if cfg.MinCores <= 0 {
		cfg.MinCores = DefaultMinCores
	}
	if cfg.HeartbeatBound <= 0 {
		cfg.HeartbeatBound = DefaultHeartbeatBound
	}
	if cfg.ImagingStartTimeout <= 0 {
		cfg.ImagingStartTimeout = DefaultImagingStartTimeout
	}
	if flags == nil {
		flags = NewFlags()
	}
	m := &Machine{
		cfg:     cfg,
		ctrl:    ctrl,
		rend:    rend,
		flags:   flags,
		logger:  logger,
		metrics: metrics,
		timer:   timer,
		state:   StateIdle,
		cores:   runtime.NumCPU,
		wallUs:  timestamp.Now,
	}
	m.clock = timer.ElapsedUs
	return m
}

// Start acquires hardware, arms the session's external collaborators, and
// leaves the system in idle, ready for the runtime cycle. Hardware or arming
// failures during Start are fatal: there is no partial runtime.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "runtime", "Start", "starting machine")
	}

	if n := m.cores(); n < m.cfg.MinCores {
		return errors.WrapFatal(
			fmt.Errorf("%d logical cores available, %d required: %w", n, m.cfg.MinCores, errors.ErrInsufficientCores),
			"runtime", "Start", "checking host capacity")
	}

	if err := m.ctrl.Start(); err != nil {
		return err
	}
	if err := m.transition(StateIdle); err != nil {
		return err
	}

	if m.cfg.UseRenderer && m.rend != nil {
		cues, err := m.rend.RequestCueSequence(ctx)
		if err != nil {
			return errors.WrapFatal(err, "runtime", "Start", "arming renderer")
		}
		boundaries, err := DecomposeCues(cues, m.cfg.Templates)
		if err != nil {
			return err
		}
		m.boundaries = boundaries
	}

	if m.cfg.UseImaging {
		if err := m.armImaging(ctx); err != nil {
			return err
		}
	}

	m.started = true
	m.lastCycleUs = m.clock()
	if m.logger != nil {
		m.logger.Info(fmt.Sprintf("Runtime started (%s)", m.cfg.Kind))
	}
	return nil
}

// armImaging raises the start-acquisition line and waits for the first frame
// pulse within the configured bound, re-sending the trigger on the arming
// schedule: the mesoscope control software may still be settling when the
// session starts.
func (m *Machine) armImaging(ctx context.Context) error {
	var hwErr error
	err := retry.Do(ctx, retry.Arming(), func() error {
		if err := m.ctrl.FrameSync().StartAcquisition(); err != nil {
			hwErr = err
			return retry.NonRetryable(err)
		}
		return m.awaitFirstPulse(ctx)
	})
	if err == nil {
		return nil
	}
	if hwErr != nil {
		return hwErr
	}
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), "runtime", "armImaging", "waiting for first frame pulse")
	}
	return errors.WrapFatal(
		fmt.Errorf("no frame pulse within %s: %w", m.cfg.ImagingStartTimeout, errors.ErrHeartbeatLost),
		"runtime", "armImaging", "waiting for first frame pulse")
}

func (m *Machine) awaitFirstPulse(ctx context.Context) error {
	deadline := time.Now().Add(m.cfg.ImagingStartTimeout)
	for time.Now().Before(deadline) {
		if m.ctrl.FrameSync().LastPulseUs() > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return retry.NonRetryable(ctx.Err())
		case <-time.After(5 * time.Millisecond):
		}
	}
	return errors.ErrHeartbeatLost
}

// Summary captures the session's accounting at stop time.
type Summary struct {
	DistanceCm  float64
	DispensedUl float64
	ActiveUs    int64
	PausedUs    int64
	Interrupted bool
}

// Stop releases hardware and returns the session summary. Idempotent: later
// calls return the summary captured by the first. Always attempted on
// abnormal termination.
func (m *Machine) Stop() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.stopped {
		if m.cfg.UseImaging {
			if err := m.ctrl.FrameSync().StopAcquisition(); err != nil && m.logger != nil {
				m.logger.Error("Failed to lower stop-acquisition line", err)
			}
		}
		if err := m.transition(StateIdle); err != nil && m.logger != nil {
			m.logger.Error("Failed to return hardware to idle", err)
		}
		m.stopped = true
		if m.logger != nil {
			m.logger.Info("Runtime stopped")
		}
	}

	return Summary{
		DistanceCm:  m.ctrl.Encoder().DistanceCm(),
		DispensedUl: m.dispensedUl,
		ActiveUs:    m.activeElapsedLocked(),
		PausedUs:    m.pausedTotalLocked(),
		Interrupted: !m.sequenceDone && len(m.cfg.Sequence) > 0,
	}
}

// transition applies a state's hardware tuple and logs the change. Caller
// holds m.mu.
func (m *Machine) transition(s State) error {
	a := stateAspects[s]
	if err := m.ctrl.EngageBrake(a.brakeEngaged); err != nil {
		return err
	}
	if err := m.ctrl.EnableEncoder(a.encoderOn); err != nil {
		return err
	}
	if err := m.ctrl.EnableTorque(a.torqueOn); err != nil {
		return err
	}
	if err := m.ctrl.SetScreens(a.screensOn); err != nil {
		return err
	}
	m.state = s
	m.ctrl.LogStateChange(logTagSystemState, uint8(s))
	if m.metrics != nil {
		m.metrics.Core.RuntimeState.Set(float64(s))
	}
	return nil
}

// Idle transitions to the idle configuration.
func (m *Machine) Idle() error { return m.transitionLocked(StateIdle) }

// Rest transitions to the rest configuration.
func (m *Machine) Rest() error { return m.transitionLocked(StateRest) }

// Run transitions to the run configuration.
func (m *Machine) Run() error { return m.transitionLocked(StateRun) }

// LickTrain transitions to the lick-training configuration.
func (m *Machine) LickTrain() error { return m.transitionLocked(StateLickTrain) }

// RunTrain transitions to the run-training configuration.
func (m *Machine) RunTrain() error { return m.transitionLocked(StateRunTrain) }

func (m *Machine) transitionLocked(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(s)
}

// SetStage updates the runtime stage, an orthogonal free-form code the
// caller controls independently of system state.
func (m *Machine) SetStage(stage uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stage = stage
	m.ctrl.LogStateChange(logTagRuntimeStage, stage)
}

// RuntimeCycle is one non-blocking control pass: hardware readouts and
// derived metrics, at most one renderer event, operator flags, and the
// imaging heartbeat. Recoverable errors mean the machine has paused itself
// and needs operator action; ErrRuntimeAborted means the operator requested
// exit.
func (m *Machine) RuntimeCycle(ctx context.Context) error {
	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.stopped {
		return errors.Wrap(errors.ErrNotStarted, "runtime", "RuntimeCycle", "running cycle")
	}

	m.readHardware()

	if err := m.drainRenderer(); err != nil {
		return err
	}

	if err := m.pollFlags(ctx); err != nil {
		return err
	}

	if err := m.checkHeartbeat(); err != nil {
		return err
	}

	m.advanceSequence()

	if m.metrics != nil {
		m.metrics.Core.RuntimeCycles.Inc()
		m.metrics.Core.CycleDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// readHardware folds module readouts into derived metrics. Caller holds m.mu.
func (m *Machine) readHardware() {
	if licks := m.ctrl.Lick().TakeLicks(); licks > 0 {
		m.unconsumed = 0
	}

	nowUs := m.clock()
	pulses := m.ctrl.Encoder().TakePulses()
	deltaCm := float64(pulses) * m.ctrl.Encoder().CmPerPulse()
	if dt := nowUs - m.lastCycleUs; dt > 0 {
		m.speedCmS = deltaCm / (float64(dt) / 1e6)
	}
	m.lastCycleUs = nowUs

	if deltaCm != 0 && m.rend != nil && !m.paused {
		if err := m.rend.PublishMotion(deltaCm); err != nil && m.logger != nil {
			m.logger.Error("Failed to publish motion delta", err)
		}
	}
}

// drainRenderer handles at most one pending renderer event. Caller holds
// m.mu.
func (m *Machine) drainRenderer() error {
	if m.rend == nil {
		return nil
	}
	ev, ok := m.rend.Drain()
	if !ok {
		return nil
	}
	switch ev.Kind {
	case renderer.EventTerminated:
		// Snapshot progress, pause, and make the operator re-arm: missed
		// motion is never guessed or extrapolated.
		m.distanceAtInterruption = m.ctrl.Encoder().DistanceCm()
		m.needRearm = true
		m.pauseLocked()
		return errors.WrapRecoverable(errors.ErrRendererTerminated,
			"runtime", "RuntimeCycle", "handling renderer event")
	}
	return nil
}

// pollFlags applies the operator control fields. Caller holds m.mu.
func (m *Machine) pollFlags(ctx context.Context) error {
	if m.flags.TakePauseToggle() {
		if m.paused {
			if err := m.resumeLocked(ctx); err != nil {
				return err
			}
		} else {
			m.pauseLocked()
		}
	}
	if m.flags.TakeReward() {
		if _, err := m.resolveRewardLocked(m.cfg.RewardSizeUl); err != nil {
			return err
		}
	}
	if m.flags.TakeExit() {
		return errors.Wrap(errors.ErrRuntimeAborted, "runtime", "RuntimeCycle", "handling exit request")
	}
	return nil
}

// checkHeartbeat watches the imaging frame pulse: one automatic recovery
// trigger, then escalation to paused-await-operator. Caller holds m.mu.
func (m *Machine) checkHeartbeat() error {
	if !m.cfg.UseImaging || m.paused {
		return nil
	}
	now := m.wallUs()
	last := m.ctrl.FrameSync().LastPulseUs()
	boundUs := m.cfg.HeartbeatBound.Microseconds()

	if last == 0 || now-last <= boundUs {
		m.recoveryAttempted = false
		return nil
	}

	if !m.recoveryAttempted {
		if m.logger != nil {
			m.logger.Warn("Imaging heartbeat lost, sending recovery trigger")
		}
		if err := m.ctrl.FrameSync().StartAcquisition(); err != nil {
			return err
		}
		m.recoveryAttempted = true
		m.recoveryDeadlineUs = now + boundUs
		if m.metrics != nil {
			m.metrics.Core.HeartbeatRecovery.Inc()
		}
		return nil
	}

	if now < m.recoveryDeadlineUs {
		return nil
	}

	// Recovery failed: pause rather than silently collect misaligned data.
	m.pauseLocked()
	m.recoveryAttempted = false
	return errors.WrapRecoverable(errors.ErrHeartbeatLost,
		"runtime", "RuntimeCycle", "checking imaging heartbeat")
}

// advanceSequence consumes the experiment state sequence strictly in order,
// measuring stage durations in active (pause-excluded) time. Caller holds
// m.mu.
func (m *Machine) advanceSequence() {
	if len(m.cfg.Sequence) == 0 || m.paused || m.sequenceDone {
		return
	}
	active := m.activeElapsedLocked()

	if !m.seqStarted {
		m.seqStarted = true
		m.applyStage(m.cfg.Sequence[0], active)
		return
	}

	entry := m.cfg.Sequence[m.seqIndex]
	if active-m.stageStartUs < int64(entry.DurationS*1e6) {
		return
	}
	m.seqIndex++
	if m.seqIndex >= len(m.cfg.Sequence) {
		m.sequenceDone = true
		return
	}
	m.applyStage(m.cfg.Sequence[m.seqIndex], active)
}

func (m *Machine) applyStage(entry StageEntry, activeUs int64) {
	m.stage = entry.Stage
	m.ctrl.LogStateChange(logTagRuntimeStage, entry.Stage)
	if err := m.transition(entry.VRState); err != nil && m.logger != nil {
		m.logger.Error("Failed to apply stage state", err)
	}
	m.stageStartUs = activeUs
}

// Pause forces idle and freezes reward and duration accounting.
func (m *Machine) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pauseLocked()
}

func (m *Machine) pauseLocked() {
	if m.paused {
		return
	}
	m.prePauseState = m.state
	m.pausedAtUs = m.clock()
	m.paused = true
	if err := m.transition(StateIdle); err != nil && m.logger != nil {
		m.logger.Error("Failed to idle hardware for pause", err)
	}
	if m.logger != nil {
		m.logger.Info("Runtime paused")
	}
}

// Resume restores the pre-pause state. If the renderer restarted while
// paused, the cue sequence is re-fetched before hardware resumes.
func (m *Machine) Resume(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resumeLocked(ctx)
}

func (m *Machine) resumeLocked(ctx context.Context) error {
	if !m.paused {
		return nil
	}
	if m.needRearm && m.rend != nil {
		cues, err := m.rend.RequestCueSequence(ctx)
		if err != nil {
			return err
		}
		boundaries, err := DecomposeCues(cues, m.cfg.Templates)
		if err != nil {
			return err
		}
		m.boundaries = boundaries
		m.needRearm = false
	}
	m.pausedTotalUs += m.clock() - m.pausedAtUs
	m.paused = false
	if err := m.transition(m.prePauseState); err != nil {
		return err
	}
	if m.logger != nil {
		m.logger.Info("Runtime resumed")
	}
	return nil
}

// ResolveReward dispenses water unless the unconsumed-reward cap or the
// session water cap forbids it, in which case the audible cue substitutes.
// Returns the action taken.
func (m *Machine) ResolveReward(sizeUl float64) (RewardAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveRewardLocked(sizeUl)
}

func (m *Machine) resolveRewardLocked(sizeUl float64) (RewardAction, error) {
	if sizeUl <= 0 {
		sizeUl = m.cfg.RewardSizeUl
	}
	throttled := m.cfg.UnconsumedRewardCap > 0 && m.unconsumed >= m.cfg.UnconsumedRewardCap
	capped := m.cfg.MaxWaterUl > 0 && !m.paused && m.dispensedUl+sizeUl > m.cfg.MaxWaterUl
	if throttled || capped {
		if err := m.ctrl.SimulateReward(); err != nil {
			return 0, err
		}
		if m.metrics != nil {
			m.metrics.Core.RewardsSimulated.Inc()
		}
		return RewardSimulated, nil
	}

	if err := m.ctrl.DispenseReward(sizeUl); err != nil {
		return 0, err
	}
	m.unconsumed++
	// Water dispensed while paused does not count against the session cap.
	if !m.paused {
		m.dispensedUl += sizeUl
	}
	if m.metrics != nil {
		m.metrics.Core.RewardsDelivered.Inc()
	}
	return RewardDispensed, nil
}

func (m *Machine) activeElapsedLocked() int64 {
	return m.clock() - m.pausedTotalLocked()
}

func (m *Machine) pausedTotalLocked() int64 {
	total := m.pausedTotalUs
	if m.paused {
		total += m.clock() - m.pausedAtUs
	}
	return total
}

// State returns the active system state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stage returns the current runtime stage code.
func (m *Machine) Stage() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stage
}

// Paused reports whether the machine is paused.
func (m *Machine) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Done reports whether the experiment state sequence is exhausted.
func (m *Machine) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequenceDone
}

// SpeedCmS returns the running speed derived from the last cycle.
func (m *Machine) SpeedCmS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speedCmS
}

// ActiveElapsedUs returns wall-clock elapsed time minus accumulated pauses.
func (m *Machine) ActiveElapsedUs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeElapsedLocked()
}

// PausedTotalUs returns the accumulated paused duration.
func (m *Machine) PausedTotalUs() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pausedTotalLocked()
}

// TrialBoundaries returns the cumulative trial-end distances from the last
// cue decomposition.
func (m *Machine) TrialBoundaries() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, len(m.boundaries))
	copy(out, m.boundaries)
	return out
}

// TrialsCompleted returns how many trials the animal has finished.
func (m *Machine) TrialsCompleted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return TrialsCompleted(m.boundaries, m.ctrl.Encoder().DistanceCm())
}
