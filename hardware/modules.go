package hardware

import (
	"sync"
	"sync/atomic"

	"github.com/mesolab/mesovr/pkg/timestamp"
)

// Module-specific report codes.
const (
	CmdLickReport    uint8 = 16 // lick sensor contact event
	CmdEncoderPulse  uint8 = 16 // data: int32 LE pulse delta
	CmdTorqueReading uint8 = 16 // data: int32 LE raw torque
	CmdFramePulse    uint8 = 16 // frame-acquired heartbeat
	CmdSyncStart     uint8 = 17 // start-acquisition TTL line
	CmdSyncStop      uint8 = 18 // stop-acquisition TTL line
)

// LickSensor detects tongue contact with the water tube. Lick counts use
// reset-on-read semantics so the reward-throttling logic observes each lick
// exactly once.
type LickSensor struct {
	count atomic.Int64
	bus   Bus
}

// NewLickSensor creates a lick sensor module.
func NewLickSensor(bus Bus) *LickSensor { return &LickSensor{bus: bus} }

// Name implements Module.
func (s *LickSensor) Name() string { return "lick_sensor" }

// SourceID implements Module.
func (s *LickSensor) SourceID() uint8 { return SourceLick }

// SendCommand implements Module.
func (s *LickSensor) SendCommand(code uint8, data []byte) error {
	return s.bus.Send(Message{Module: SourceLick, Code: code, Data: data})
}

// ProcessReceivedData implements Module.
func (s *LickSensor) ProcessReceivedData(msg Message) error {
	if msg.Code == CmdLickReport {
		s.count.Add(1)
	}
	return nil
}

// TakeLicks returns the number of licks since the previous call and resets
// the counter.
func (s *LickSensor) TakeLicks() int64 { return s.count.Swap(0) }

// Brake is the running-wheel brake.
type Brake struct {
	bus     Bus
	engaged atomic.Bool
}

// NewBrake creates a wheel brake module. The brake powers up engaged.
func NewBrake(bus Bus) *Brake {
	b := &Brake{bus: bus}
	b.engaged.Store(true)
	return b
}

// Name implements Module.
func (b *Brake) Name() string { return "brake" }

// SourceID implements Module.
func (b *Brake) SourceID() uint8 { return SourceBrake }

// SendCommand implements Module.
func (b *Brake) SendCommand(code uint8, data []byte) error {
	if err := b.bus.Send(Message{Module: SourceBrake, Code: code, Data: data}); err != nil {
		return err
	}
	switch code {
	case CmdEnable:
		b.engaged.Store(true)
	case CmdDisable:
		b.engaged.Store(false)
	}
	return nil
}

// ProcessReceivedData implements Module.
func (b *Brake) ProcessReceivedData(Message) error { return nil }

// Engaged reports whether the brake currently holds the wheel.
func (b *Brake) Engaged() bool { return b.engaged.Load() }

// Encoder tracks wheel rotation as signed pulse counts.
type Encoder struct {
	bus          Bus
	cmPerPulse   float64
	enabled      atomic.Bool
	pulses       atomic.Int64
	totalForward atomic.Int64
}

// NewEncoder creates a rotary encoder module. cmPerPulse converts pulse
// counts to linear distance on the wheel surface.
func NewEncoder(bus Bus, cmPerPulse float64) *Encoder {
	return &Encoder{bus: bus, cmPerPulse: cmPerPulse}
}

// Name implements Module.
func (e *Encoder) Name() string { return "encoder" }

// SourceID implements Module.
func (e *Encoder) SourceID() uint8 { return SourceEncoder }

// SendCommand implements Module.
func (e *Encoder) SendCommand(code uint8, data []byte) error {
	if err := e.bus.Send(Message{Module: SourceEncoder, Code: code, Data: data}); err != nil {
		return err
	}
	switch code {
	case CmdEnable:
		e.enabled.Store(true)
	case CmdDisable:
		e.enabled.Store(false)
	}
	return nil
}

// ProcessReceivedData implements Module. Pulses received while the encoder
// is disabled are discarded.
func (e *Encoder) ProcessReceivedData(msg Message) error {
	if msg.Code != CmdEncoderPulse || !e.enabled.Load() {
		return nil
	}
	if delta, ok := valueI32(msg.Data); ok {
		e.pulses.Add(int64(delta))
		if delta > 0 {
			e.totalForward.Add(int64(delta))
		}
	}
	return nil
}

// Enabled reports whether pulse integration is active.
func (e *Encoder) Enabled() bool { return e.enabled.Load() }

// TakePulses returns pulses accumulated since the previous call and resets
// the interval counter.
func (e *Encoder) TakePulses() int64 { return e.pulses.Swap(0) }

// DistanceCm converts total forward pulses into cumulative distance.
func (e *Encoder) DistanceCm() float64 {
	return float64(e.totalForward.Load()) * e.cmPerPulse
}

// CmPerPulse returns the conversion factor.
func (e *Encoder) CmPerPulse() float64 { return e.cmPerPulse }

// TorqueSensor reads the torque the animal exerts against the brake.
type TorqueSensor struct {
	bus     Bus
	enabled atomic.Bool
	reading atomic.Int64
}

// NewTorqueSensor creates a torque sensor module.
func NewTorqueSensor(bus Bus) *TorqueSensor { return &TorqueSensor{bus: bus} }

// Name implements Module.
func (t *TorqueSensor) Name() string { return "torque_sensor" }

// SourceID implements Module.
func (t *TorqueSensor) SourceID() uint8 { return SourceTorque }

// SendCommand implements Module.
func (t *TorqueSensor) SendCommand(code uint8, data []byte) error {
	if err := t.bus.Send(Message{Module: SourceTorque, Code: code, Data: data}); err != nil {
		return err
	}
	switch code {
	case CmdEnable:
		t.enabled.Store(true)
	case CmdDisable:
		t.enabled.Store(false)
	}
	return nil
}

// ProcessReceivedData implements Module.
func (t *TorqueSensor) ProcessReceivedData(msg Message) error {
	if msg.Code != CmdTorqueReading || !t.enabled.Load() {
		return nil
	}
	if v, ok := valueI32(msg.Data); ok {
		t.reading.Store(int64(v))
	}
	return nil
}

// Enabled reports whether readings are being accepted.
func (t *TorqueSensor) Enabled() bool { return t.enabled.Load() }

// Reading returns the latest raw torque value.
func (t *TorqueSensor) Reading() int64 { return t.reading.Load() }

// Screens drives the VR display panels.
type Screens struct {
	bus Bus
	on  atomic.Bool
}

// NewScreens creates a VR screens module. Screens power up off.
func NewScreens(bus Bus) *Screens { return &Screens{bus: bus} }

// Name implements Module.
func (s *Screens) Name() string { return "screens" }

// SourceID implements Module.
func (s *Screens) SourceID() uint8 { return SourceScreens }

// SendCommand implements Module.
func (s *Screens) SendCommand(code uint8, data []byte) error {
	if err := s.bus.Send(Message{Module: SourceScreens, Code: code, Data: data}); err != nil {
		return err
	}
	switch code {
	case CmdEnable:
		s.on.Store(true)
	case CmdDisable:
		s.on.Store(false)
	}
	return nil
}

// ProcessReceivedData implements Module.
func (s *Screens) ProcessReceivedData(Message) error { return nil }

// On reports whether the displays are lit.
func (s *Screens) On() bool { return s.on.Load() }

// FrameSync owns the imaging-device trigger protocol: the start/stop TTL
// output lines plus the frame-acquired pulse read back as a heartbeat.
type FrameSync struct {
	bus Bus

	mu          sync.Mutex
	lastPulseUs int64
	pulseCount  int64
}

// NewFrameSync creates the frame-sync TTL module.
func NewFrameSync(bus Bus) *FrameSync { return &FrameSync{bus: bus} }

// Name implements Module.
func (f *FrameSync) Name() string { return "frame_sync" }

// SourceID implements Module.
func (f *FrameSync) SourceID() uint8 { return SourceFrameSync }

// SendCommand implements Module.
func (f *FrameSync) SendCommand(code uint8, data []byte) error {
	return f.bus.Send(Message{Module: SourceFrameSync, Code: code, Data: data})
}

// ProcessReceivedData implements Module. Frame pulses update the heartbeat
// clock watched by the runtime cycle.
func (f *FrameSync) ProcessReceivedData(msg Message) error {
	if msg.Code != CmdFramePulse {
		return nil
	}
	f.mu.Lock()
	f.lastPulseUs = timestamp.Now()
	f.pulseCount++
	f.mu.Unlock()
	return nil
}

// StartAcquisition raises the start-acquisition TTL line.
func (f *FrameSync) StartAcquisition() error {
	return f.SendCommand(CmdSyncStart, nil)
}

// StopAcquisition raises the stop-acquisition TTL line.
func (f *FrameSync) StopAcquisition() error {
	return f.SendCommand(CmdSyncStop, nil)
}

// LastPulseUs returns the UTC-microsecond timestamp of the most recent frame
// pulse, zero if none has arrived yet.
func (f *FrameSync) LastPulseUs() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPulseUs
}

// PulseCount returns the number of frame pulses observed.
func (f *FrameSync) PulseCount() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulseCount
}
