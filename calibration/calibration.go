// Package calibration turns raw device-reported angles into
// neutral-zeroed control samples by subtracting a stored reference
// reading. The reference is captured on the controller whenever the
// operator recalibrates and is never transmitted itself.
package calibration

import "github.com/tiltlink/tiltlink/model"

// Offset is the stored zero-reference reading, in degrees.
type Offset struct {
	Yaw   float64
	Pitch float64
	Roll  float64
}

// Calibrator holds the current offset for one controller. Zero value is
// usable: offset starts at zero so raw samples pass through unchanged
// until the first recalibration.
type Calibrator struct {
	offset Offset
}

// Recalibrate captures raw as the new zero reference. Takes effect on
// the very next Apply.
func (c *Calibrator) Recalibrate(raw model.ControlSample) {
	c.offset = Offset{Yaw: raw.Yaw, Pitch: raw.Pitch, Roll: raw.Roll}
}

// Offset returns the current zero reference.
func (c *Calibrator) Offset() Offset {
	return c.offset
}

// Apply subtracts the stored offset from raw. Yaw is a compass angle
// and wraps into (-180, 180]; pitch and roll are plain differences and
// may exceed their sensor range after subtraction. Clamping for bounded
// visual rotation is the consumer's decision, not done here.
func (c *Calibrator) Apply(raw model.ControlSample) model.ControlSample {
	return model.ControlSample{
		Yaw:        NormalizeYaw(raw.Yaw - c.offset.Yaw),
		Pitch:      raw.Pitch - c.offset.Pitch,
		Roll:       raw.Roll - c.offset.Roll,
		CapturedAt: raw.CapturedAt,
	}
}

// NormalizeYaw maps deg into (-180, 180] by repeated ±360 adjustment.
func NormalizeYaw(deg float64) float64 {
	for deg > 180 {
		deg -= 360
	}
	for deg <= -180 {
		deg += 360
	}
	return deg
}
