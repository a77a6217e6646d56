package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEdgeFlagsResetOnRead(t *testing.T) {
	f := NewFlags()

	assert.False(t, f.TakeExit())
	f.SetExit()
	assert.True(t, f.TakeExit())
	assert.False(t, f.TakeExit())

	f.SetReward()
	assert.True(t, f.TakeReward())
	assert.False(t, f.TakeReward())

	f.SetPauseToggle()
	assert.True(t, f.TakePauseToggle())
	assert.False(t, f.TakePauseToggle())
}

func TestLevelFlagsPersist(t *testing.T) {
	f := NewFlags()

	f.AdjustSpeed(2)
	f.AdjustSpeed(-1)
	assert.Equal(t, 1, f.SpeedModifier())
	assert.Equal(t, 1, f.SpeedModifier(), "level fields survive reads")

	f.AdjustDuration(3)
	assert.Equal(t, 3, f.DurationModifier())
}

func TestApplyControlMessages(t *testing.T) {
	f := NewFlags()

	f.Apply(ControlMessage{Command: "reward"})
	f.Apply(ControlMessage{Command: "speed", Delta: 2})
	f.Apply(ControlMessage{Command: "duration", Delta: -1})
	f.Apply(ControlMessage{Command: "unknown"})

	assert.True(t, f.TakeReward())
	assert.Equal(t, 2, f.SpeedModifier())
	assert.Equal(t, -1, f.DurationModifier())
	assert.False(t, f.TakeExit())
}
