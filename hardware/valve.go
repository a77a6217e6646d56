package hardware

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/mesolab/mesovr/errors"
)

// Valve command codes.
const (
	CmdValveOpen      uint8 = 16
	CmdValveClose     uint8 = 17
	CmdValvePulse     uint8 = 18 // data: uint32 LE open duration in µs
	CmdValveTone      uint8 = 19 // audible cue without liquid
	CmdValveReference uint8 = 20 // data: uint32 LE pulse count
	CmdValveCalibrate uint8 = 21 // data: uint32 LE duration µs, uint32 LE count
	CmdValveLock      uint8 = 22
	CmdValveUnlock    uint8 = 23
)

// CalibrationPoint is one measured (open duration, dispensed volume) pair.
type CalibrationPoint struct {
	DurationUs float64 `yaml:"duration_us"`
	VolumeUl   float64 `yaml:"volume_ul"`
}

// Calibration is the valve's ordered calibration curve: monotonically
// increasing in both duration and volume. It is immutable for the lifetime
// of a session and persisted with session metadata.
type Calibration struct {
	points []CalibrationPoint
}

// NewCalibration validates and builds a calibration curve. At least two
// points are required and both axes must be strictly increasing.
func NewCalibration(points []CalibrationPoint) (*Calibration, error) {
	if len(points) < 2 {
		return nil, errors.Wrap(
			fmt.Errorf("need at least 2 calibration points, got %d: %w", len(points), errors.ErrInvalidConfig),
			"hardware", "NewCalibration", "validating curve")
	}
	sorted := make([]CalibrationPoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DurationUs < sorted[j].DurationUs })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].DurationUs <= sorted[i-1].DurationUs || sorted[i].VolumeUl <= sorted[i-1].VolumeUl {
			return nil, errors.Wrap(
				fmt.Errorf("calibration curve not strictly monotonic at point %d: %w", i, errors.ErrInvalidConfig),
				"hardware", "NewCalibration", "validating curve")
		}
	}
	return &Calibration{points: sorted}, nil
}

// Points returns a copy of the curve.
func (c *Calibration) Points() []CalibrationPoint {
	out := make([]CalibrationPoint, len(c.points))
	copy(out, c.points)
	return out
}

// DurationFor inverts the curve: the valve-open duration in microseconds that
// dispenses the requested volume. Piecewise-linear between points; volumes
// outside the calibrated range extrapolate along the nearest segment.
func (c *Calibration) DurationFor(volumeUl float64) float64 {
	pts := c.points
	// Locate the segment whose volume range brackets the request.
	i := sort.Search(len(pts), func(i int) bool { return pts[i].VolumeUl >= volumeUl })
	switch {
	case i == 0:
		i = 1
	case i == len(pts):
		i = len(pts) - 1
	}
	lo, hi := pts[i-1], pts[i]
	frac := (volumeUl - lo.VolumeUl) / (hi.VolumeUl - lo.VolumeUl)
	return lo.DurationUs + frac*(hi.DurationUs-lo.DurationUs)
}

// Valve is the water reward valve module.
type Valve struct {
	bus         Bus
	calibration *Calibration

	mu        sync.Mutex
	locked    bool
	dispensed float64
	toneCount int64
}

// NewValve creates a valve module bound to a bus and a calibration curve.
func NewValve(bus Bus, calibration *Calibration) *Valve {
	return &Valve{bus: bus, calibration: calibration}
}

// Name implements Module.
func (v *Valve) Name() string { return "valve" }

// SourceID implements Module.
func (v *Valve) SourceID() uint8 { return SourceValve }

// SendCommand implements Module.
func (v *Valve) SendCommand(code uint8, data []byte) error {
	v.mu.Lock()
	locked := v.locked
	v.mu.Unlock()
	if locked && code != CmdValveUnlock && code != CmdValveClose {
		return errors.Wrap(
			fmt.Errorf("valve is locked: %w", errors.ErrCommandRejected),
			"hardware", "SendCommand", "sending valve command")
	}
	if code == CmdValveLock || code == CmdValveUnlock {
		v.mu.Lock()
		v.locked = code == CmdValveLock
		v.mu.Unlock()
	}
	return v.bus.Send(Message{Module: SourceValve, Code: code, Data: data})
}

// ProcessReceivedData implements Module. The valve reports tone completions.
func (v *Valve) ProcessReceivedData(msg Message) error {
	if msg.Code == CmdValveTone {
		v.mu.Lock()
		v.toneCount++
		v.mu.Unlock()
	}
	return nil
}

// Calibration returns the session's calibration curve.
func (v *Valve) Calibration() *Calibration { return v.calibration }

// Dispense opens the valve for the calibrated duration that delivers
// volumeUl microliters and returns the duration used.
func (v *Valve) Dispense(volumeUl float64) (durationUs float64, err error) {
	durationUs = v.calibration.DurationFor(volumeUl)
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(durationUs))
	if err := v.SendCommand(CmdValvePulse, data); err != nil {
		return 0, err
	}
	v.mu.Lock()
	v.dispensed += volumeUl
	v.mu.Unlock()
	return durationUs, nil
}

// SimulateReward plays the audible reward cue without dispensing liquid.
func (v *Valve) SimulateReward() error {
	return v.SendCommand(CmdValveTone, nil)
}

// DispensedUl returns the total volume dispensed this session.
func (v *Valve) DispensedUl() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dispensed
}

// Reference runs the standard reference pulse train used to spot calibration
// drift before a session.
func (v *Valve) Reference(pulses uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, pulses)
	return v.SendCommand(CmdValveReference, data)
}

// Calibrate runs count pulses of durationUs each so the dispensed volume can
// be weighed and a new curve point recorded.
func (v *Valve) Calibrate(durationUs, count uint32) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], durationUs)
	binary.LittleEndian.PutUint32(data[4:8], count)
	return v.SendCommand(CmdValveCalibrate, data)
}
