package hardware

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesolab/mesovr/errors"
)

func testCalibration(t *testing.T) *Calibration {
	t.Helper()
	c, err := NewCalibration([]CalibrationPoint{
		{DurationUs: 15000, VolumeUl: 1.8556},
		{DurationUs: 30000, VolumeUl: 3.4844},
	})
	require.NoError(t, err)
	return c
}

func TestCalibrationInterpolation(t *testing.T) {
	c := testCalibration(t)

	// 2.5 µL falls between the two calibration points; the inverted duration
	// is the linear interpolation between them.
	want := 15000 + (2.5-1.8556)/(3.4844-1.8556)*(30000-15000)
	assert.InDelta(t, want, c.DurationFor(2.5), 1e-9)

	// Exact points invert exactly.
	assert.InDelta(t, 15000, c.DurationFor(1.8556), 1e-9)
	assert.InDelta(t, 30000, c.DurationFor(3.4844), 1e-9)

	// Outside the calibrated range, the nearest segment extrapolates.
	assert.Less(t, c.DurationFor(1.0), 15000.0)
	assert.Greater(t, c.DurationFor(4.0), 30000.0)
}

func TestCalibrationValidation(t *testing.T) {
	_, err := NewCalibration([]CalibrationPoint{{DurationUs: 15000, VolumeUl: 1.8}})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	// Non-monotonic volume axis.
	_, err = NewCalibration([]CalibrationPoint{
		{DurationUs: 15000, VolumeUl: 2.0},
		{DurationUs: 30000, VolumeUl: 1.5},
	})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestValveDispense(t *testing.T) {
	bus := NewMemoryBus()
	v := NewValve(bus, testCalibration(t))

	durationUs, err := v.Dispense(2.5)
	require.NoError(t, err)

	sent := bus.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, SourceValve, sent[0].Module)
	assert.Equal(t, CmdValvePulse, sent[0].Code)
	require.Len(t, sent[0].Data, 4)
	assert.Equal(t, uint32(durationUs), binary.LittleEndian.Uint32(sent[0].Data))
	assert.InDelta(t, 2.5, v.DispensedUl(), 1e-9)
}

func TestValveLock(t *testing.T) {
	bus := NewMemoryBus()
	v := NewValve(bus, testCalibration(t))

	require.NoError(t, v.SendCommand(CmdValveLock, nil))
	_, err := v.Dispense(2.0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCommandRejected)

	// Closing a locked valve stays allowed; it is the safe direction.
	assert.NoError(t, v.SendCommand(CmdValveClose, nil))

	require.NoError(t, v.SendCommand(CmdValveUnlock, nil))
	_, err = v.Dispense(2.0)
	assert.NoError(t, err)
}
