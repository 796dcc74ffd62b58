package movement

import (
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/predadoralfa/Youtube/internal/model"
)

// dirEpsilon is the magnitude below which a direction counts as zero.
const dirEpsilon = 1e-5

// Normalize2D returns the unit vector of (x, z), or zero for near-zero input.
func Normalize2D(p model.Point2) model.Point2 {
	v := mgl64.Vec2{p.X, p.Z}
	l := v.Len()
	if !(l > dirEpsilon) || math.IsInf(l, 0) {
		return model.Point2{}
	}
	v = v.Mul(1 / l)
	return model.Point2{X: v.X(), Z: v.Y()}
}

// WrapYaw normalizes an angle into (-π, π].
func WrapYaw(yaw float64) float64 {
	y := math.Atan2(math.Sin(yaw), math.Cos(yaw))
	if y <= -math.Pi {
		y = math.Pi
	}
	return y
}

// YawToward is the heading of a planar direction, measured from +Z toward +X.
func YawToward(dir model.Point2) float64 {
	return WrapYaw(math.Atan2(dir.X, dir.Z))
}

// StepDT returns the server-side step since last, clamped to [0, max].
// A zero last means "first input": no displacement.
func StepDT(now, last time.Time, max time.Duration) float64 {
	if last.IsZero() {
		return 0
	}
	dt := now.Sub(last)
	if dt < 0 {
		dt = 0
	}
	if dt > max {
		dt = max
	}
	return dt.Seconds()
}

// ValidSpeed reports whether v can drive movement.
func ValidSpeed(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
