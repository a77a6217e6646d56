package hardware

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesolab/mesovr/datalog"
	"github.com/mesolab/mesovr/errors"
	"github.com/mesolab/mesovr/pkg/timestamp"
)

func testConfig() Config {
	return Config{
		Calibration: []CalibrationPoint{
			{DurationUs: 15000, VolumeUl: 1.8556},
			{DurationUs: 30000, VolumeUl: 3.4844},
		},
		CmPerPulse: 0.05,
	}
}

func newTestController(t *testing.T, bus Bus) (*Controller, *datalog.Logger) {
	t.Helper()
	log, err := datalog.NewLogger(t.TempDir(), timestamp.NewTimer())
	require.NoError(t, err)
	c, err := NewController(bus, testConfig(), log, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	return c, log
}

func i32Payload(v int32) []byte {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(v))
	return data
}

func TestAspectOwnership(t *testing.T) {
	bus := NewMemoryBus()
	c, _ := newTestController(t, bus)

	// Power-up defaults: brake holds the wheel, everything else off.
	assert.True(t, c.Brake().Engaged())
	assert.False(t, c.Encoder().Enabled())
	assert.False(t, c.Torque().Enabled())
	assert.False(t, c.Screens().On())

	require.NoError(t, c.EngageBrake(false))
	require.NoError(t, c.EnableEncoder(true))
	require.NoError(t, c.EnableTorque(true))
	require.NoError(t, c.SetScreens(true))

	assert.False(t, c.Brake().Engaged())
	assert.True(t, c.Encoder().Enabled())
	assert.True(t, c.Torque().Enabled())
	assert.True(t, c.Screens().On())
}

func TestDispatchRouting(t *testing.T) {
	bus := NewMemoryBus()
	c, _ := newTestController(t, bus)
	require.NoError(t, c.EnableEncoder(true))

	require.NoError(t, c.Dispatch(Message{Module: SourceEncoder, Code: CmdEncoderPulse, Data: i32Payload(40)}))
	require.NoError(t, c.Dispatch(Message{Module: SourceLick, Code: CmdLickReport}))

	assert.InDelta(t, 2.0, c.Encoder().DistanceCm(), 1e-9)
	assert.Equal(t, int64(1), c.Lick().TakeLicks())
	assert.Equal(t, int64(0), c.Lick().TakeLicks(), "lick count resets on read")

	err := c.Dispatch(Message{Module: 250, Code: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrModuleUnavailable)
}

func TestEncoderIgnoredWhileDisabled(t *testing.T) {
	bus := NewMemoryBus()
	c, _ := newTestController(t, bus)

	require.NoError(t, c.Dispatch(Message{Module: SourceEncoder, Code: CmdEncoderPulse, Data: i32Payload(100)}))
	assert.Zero(t, c.Encoder().DistanceCm())

	require.NoError(t, c.EnableEncoder(true))
	require.NoError(t, c.Dispatch(Message{Module: SourceEncoder, Code: CmdEncoderPulse, Data: i32Payload(100)}))
	assert.InDelta(t, 5.0, c.Encoder().DistanceCm(), 1e-9)
}

func TestCommandsAndReportsLogged(t *testing.T) {
	bus := NewMemoryBus()
	c, log := newTestController(t, bus)

	require.NoError(t, c.EngageBrake(false))
	require.NoError(t, c.DispenseReward(2.5))
	require.NoError(t, c.Dispatch(Message{Module: SourceLick, Code: CmdLickReport}))
	c.LogStateChange(1, 2)
	require.NoError(t, log.Close())

	brakeEntries, err := datalog.ReadSource(log.Dir(), SourceBrake)
	require.NoError(t, err)
	// Onset plus the disable command.
	require.Len(t, brakeEntries, 2)
	assert.Equal(t, []byte{CmdDisable}, brakeEntries[1].Payload)

	ctrlEntries, err := datalog.ReadSource(log.Dir(), SourceController)
	require.NoError(t, err)
	require.Len(t, ctrlEntries, 2)
	assert.Equal(t, []byte{1, 2}, ctrlEntries[1].Payload)
}

func TestFrameSyncHeartbeat(t *testing.T) {
	bus := NewMemoryBus()
	c, _ := newTestController(t, bus)

	assert.Zero(t, c.FrameSync().LastPulseUs())
	require.NoError(t, c.Dispatch(Message{Module: SourceFrameSync, Code: CmdFramePulse}))
	assert.Positive(t, c.FrameSync().LastPulseUs())
	assert.Equal(t, int64(1), c.FrameSync().PulseCount())

	require.NoError(t, c.FrameSync().StartAcquisition())
	require.NoError(t, c.FrameSync().StopAcquisition())
	sent := bus.Sent()
	last := sent[len(sent)-1]
	assert.Equal(t, CmdSyncStop, last.Code)
}

func TestMessageEncodeRoundTrip(t *testing.T) {
	msg := Message{Module: SourceValve, Code: CmdValvePulse, Data: []byte{1, 2, 3, 4}}
	data, err := msg.Encode()
	require.NoError(t, err)
	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}
