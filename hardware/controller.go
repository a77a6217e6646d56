package hardware

import (
	"fmt"
	"sync"

	"github.com/mesolab/mesovr/component"
	"github.com/mesolab/mesovr/datalog"
	"github.com/mesolab/mesovr/errors"
)

// Controller is the hub for every hardware module. It is the sole owner of
// the four runtime hardware aspects (brake, encoder, torque sensor, screens):
// the runtime state machine changes them exclusively through the EngageBrake/
// EnableEncoder/EnableTorque/SetScreens methods here, and every command and
// inbound state report is recorded in the shared event log.
type Controller struct {
	bus    Bus
	log    *datalog.Logger
	logger *component.Logger

	valve     *Valve
	lick      *LickSensor
	brake     *Brake
	encoder   *Encoder
	torque    *TorqueSensor
	screens   *Screens
	frameSync *FrameSync

	mu      sync.Mutex
	modules map[uint8]Module
	started bool
}

// Config holds the hardware parameters fixed for one session.
type Config struct {
	Calibration []CalibrationPoint `yaml:"valve_calibration"`
	CmPerPulse  float64            `yaml:"encoder_cm_per_pulse"`
}

// NewController builds the full module set. The event log and component
// logger may be nil (maintenance utilities run without a session log).
func NewController(bus Bus, cfg Config, log *datalog.Logger, logger *component.Logger) (*Controller, error) {
	calibration, err := NewCalibration(cfg.Calibration)
	if err != nil {
		return nil, err
	}
	cmPerPulse := cfg.CmPerPulse
	if cmPerPulse <= 0 {
		return nil, errors.Wrap(
			fmt.Errorf("encoder cm_per_pulse must be positive: %w", errors.ErrInvalidConfig),
			"hardware", "NewController", "validating config")
	}

	c := &Controller{
		bus:       bus,
		log:       log,
		logger:    logger,
		valve:     NewValve(bus, calibration),
		lick:      NewLickSensor(bus),
		brake:     NewBrake(bus),
		encoder:   NewEncoder(bus, cmPerPulse),
		torque:    NewTorqueSensor(bus),
		screens:   NewScreens(bus),
		frameSync: NewFrameSync(bus),
		modules:   make(map[uint8]Module),
	}
	for _, m := range []Module{c.valve, c.lick, c.brake, c.encoder, c.torque, c.screens, c.frameSync} {
		c.modules[m.SourceID()] = m
	}
	return c, nil
}

// Start writes the onset record for every module source. Must be called once
// before any command is logged.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "hardware", "Start", "starting controller")
	}
	if c.log != nil {
		for id := range c.modules {
			if err := c.log.LogOnset(id); err != nil {
				return err
			}
		}
		if err := c.log.LogOnset(SourceController); err != nil {
			return err
		}
	}
	c.started = true
	return nil
}

// Dispatch routes one inbound bus message to its module and records it.
func (c *Controller) Dispatch(msg Message) error {
	c.mu.Lock()
	m, ok := c.modules[msg.Module]
	c.mu.Unlock()
	if !ok {
		return errors.Wrap(
			fmt.Errorf("no module with source ID %d: %w", msg.Module, errors.ErrModuleUnavailable),
			"hardware", "Dispatch", "routing message")
	}
	if err := m.ProcessReceivedData(msg); err != nil {
		return err
	}
	c.logRecord(msg.Module, append([]byte{msg.Code}, msg.Data...))
	return nil
}

// command sends a module command and records it against the module's source.
func (c *Controller) command(m Module, code uint8, data []byte) error {
	if err := m.SendCommand(code, data); err != nil {
		if c.logger != nil {
			c.logger.Error(fmt.Sprintf("Command %d to %s failed", code, m.Name()), err)
		}
		return err
	}
	c.logRecord(m.SourceID(), append([]byte{code}, data...))
	return nil
}

func (c *Controller) logRecord(source uint8, payload []byte) {
	if c.log == nil {
		return
	}
	// Log write failures must not interrupt hardware control.
	if err := c.log.Log(source, payload); err != nil && c.logger != nil {
		c.logger.Error("Failed to write hardware log record", err)
	}
}

// EngageBrake engages or releases the wheel brake.
func (c *Controller) EngageBrake(engage bool) error {
	return c.command(c.brake, enableCode(engage), nil)
}

// EnableEncoder enables or disables encoder pulse integration.
func (c *Controller) EnableEncoder(enable bool) error {
	return c.command(c.encoder, enableCode(enable), nil)
}

// EnableTorque enables or disables torque readings.
func (c *Controller) EnableTorque(enable bool) error {
	return c.command(c.torque, enableCode(enable), nil)
}

// SetScreens switches the VR displays on or off.
func (c *Controller) SetScreens(on bool) error {
	return c.command(c.screens, enableCode(on), nil)
}

func enableCode(on bool) uint8 {
	if on {
		return CmdEnable
	}
	return CmdDisable
}

// DispenseReward delivers volumeUl through the valve and logs the command.
func (c *Controller) DispenseReward(volumeUl float64) error {
	durationUs, err := c.valve.Dispense(volumeUl)
	if err != nil {
		return err
	}
	c.logRecord(SourceValve, []byte{CmdValvePulse, uint8(min(int(durationUs/1000), 255))})
	return nil
}

// SimulateReward plays the audible reward cue and logs the command.
func (c *Controller) SimulateReward() error {
	if err := c.valve.SimulateReward(); err != nil {
		return err
	}
	c.logRecord(SourceValve, []byte{CmdValveTone})
	return nil
}

// Valve returns the reward valve module.
func (c *Controller) Valve() *Valve { return c.valve }

// Lick returns the lick sensor module.
func (c *Controller) Lick() *LickSensor { return c.lick }

// Brake returns the wheel brake module.
func (c *Controller) Brake() *Brake { return c.brake }

// Encoder returns the rotary encoder module.
func (c *Controller) Encoder() *Encoder { return c.encoder }

// Torque returns the torque sensor module.
func (c *Controller) Torque() *TorqueSensor { return c.torque }

// Screens returns the VR screens module.
func (c *Controller) Screens() *Screens { return c.screens }

// FrameSync returns the imaging trigger/heartbeat module.
func (c *Controller) FrameSync() *FrameSync { return c.frameSync }

// LogStateChange records a runtime state transition under the controller
// source: tag 1 for system state codes, tag 2 for runtime stage codes.
func (c *Controller) LogStateChange(tag, code uint8) {
	c.logRecord(SourceController, []byte{tag, code})
}
