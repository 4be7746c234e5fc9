package calibration

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tiltlink/tiltlink/model"
)

func TestNormalizeYaw(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{190, -170},
		{-190, 170},
		{0, 0},
		{180, 180},
		{-180, 180},
		{360, 0},
		{-360, 0},
		{540, 180},
		{179.5, 179.5},
		{-179.5, -179.5},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, NormalizeYaw(tt.in), 1e-9, "normalize(%v)", tt.in)
	}
}

func TestZeroOffsetPassThrough(t *testing.T) {
	cal := &Calibrator{}
	raw := model.ControlSample{Yaw: 10, Pitch: 5, Roll: -3, CapturedAt: 42}
	assert.Equal(t, raw, cal.Apply(raw))
}

func TestRecalibrateZeroesCurrentPose(t *testing.T) {
	cal := &Calibrator{}
	raw := model.ControlSample{Yaw: 123.4, Pitch: -21.0, Roll: 7.7, CapturedAt: 42}

	cal.Recalibrate(raw)
	got := cal.Apply(raw)

	assert.InDelta(t, 0, got.Yaw, 1e-9)
	assert.InDelta(t, 0, got.Pitch, 1e-9)
	assert.InDelta(t, 0, got.Roll, 1e-9)
	assert.Equal(t, raw.CapturedAt, got.CapturedAt)
}

func TestYawWrapsAcrossSeam(t *testing.T) {
	cal := &Calibrator{}
	cal.Recalibrate(model.ControlSample{Yaw: 170})

	// turning 20 degrees further reads as +20, not -340
	got := cal.Apply(model.ControlSample{Yaw: -170})
	assert.InDelta(t, 20, got.Yaw, 1e-9)
}

func TestPitchRollDoNotWrap(t *testing.T) {
	cal := &Calibrator{}
	cal.Recalibrate(model.ControlSample{Pitch: -80, Roll: 170})

	got := cal.Apply(model.ControlSample{Pitch: 80, Roll: -170})
	assert.InDelta(t, 160, got.Pitch, 1e-9)
	assert.InDelta(t, -340, got.Roll, 1e-9)
}

func TestRecalibrateTakesEffectOnNextApply(t *testing.T) {
	cal := &Calibrator{}
	first := cal.Apply(model.ControlSample{Yaw: 30})
	assert.InDelta(t, 30, first.Yaw, 1e-9)

	cal.Recalibrate(model.ControlSample{Yaw: 30})
	second := cal.Apply(model.ControlSample{Yaw: 30})
	assert.InDelta(t, 0, second.Yaw, 1e-9)
}
