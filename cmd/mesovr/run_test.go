package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesolab/mesovr/hardware"
	"github.com/mesolab/mesovr/runtime"
	"github.com/mesolab/mesovr/session"
)

func TestFinalizeSessionWritesPositionSnapshots(t *testing.T) {
	p, err := session.Create(t.TempDir(), session.New("template", "466"))
	require.NoError(t, err)

	cfg := &AppConfig{Hardware: hardware.Config{
		CmPerPulse: 0.05,
		Calibration: []hardware.CalibrationPoint{
			{DurationUs: 15000, VolumeUl: 1.8556},
			{DurationUs: 30000, VolumeUl: 3.4844},
		},
	}}
	desc := &session.Descriptor{Project: "template", Animal: "466", Session: p.ID.Name(), Kind: session.KindExperiment}
	motor := &session.MotorSnapshot{HeadbarZ: 1.5, LickportX: -2.25}
	objective := &session.ObjectiveSnapshot{X: 10, Z: 3.25}
	summary := runtime.Summary{DispensedUl: 150}

	require.NoError(t, finalizeSession(p, desc, cfg, session.KindExperiment, summary, motor, objective))

	gotMotor, err := p.ReadMotorSnapshot()
	require.NoError(t, err)
	assert.Equal(t, motor, gotMotor)

	gotObjective, err := p.ReadObjectiveSnapshot()
	require.NoError(t, err)
	assert.Equal(t, objective, gotObjective)

	gotDesc, err := p.ReadDescriptor()
	require.NoError(t, err)
	assert.InDelta(t, 150, gotDesc.DispensedWaterUl, 1e-9)
}

func TestPreviousPositionsCarryOver(t *testing.T) {
	root := t.TempDir()
	cfg := &AppConfig{Root: root, Project: "template", Animal: "466"}

	prev, err := session.Create(root, session.ID{Project: "template", Animal: "466", TimestampUs: 1_000_000})
	require.NoError(t, err)
	require.NoError(t, prev.WriteMotorSnapshot(&session.MotorSnapshot{HeadbarZ: 4.5}))
	require.NoError(t, prev.WriteObjectiveSnapshot(&session.ObjectiveSnapshot{Z: 2.25}))

	cur, err := session.Create(root, session.ID{Project: "template", Animal: "466", TimestampUs: 2_000_000})
	require.NoError(t, err)

	motor, objective := previousPositions(cfg, cur.ID.Name())
	assert.InDelta(t, 4.5, motor.HeadbarZ, 1e-9)
	assert.InDelta(t, 2.25, objective.Z, 1e-9)
}

func TestPreviousPositionsDefaultForNewAnimal(t *testing.T) {
	cfg := &AppConfig{Root: t.TempDir(), Project: "template", Animal: "467"}
	motor, objective := previousPositions(cfg, "zzz")
	assert.Equal(t, &session.MotorSnapshot{}, motor)
	assert.Equal(t, &session.ObjectiveSnapshot{}, objective)
}
