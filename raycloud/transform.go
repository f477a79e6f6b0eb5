package raycloud

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// zAxis is the vertical axis yaw rotations are taken about.
var zAxis = r3.Vec{Z: 1}

// RigidTransform is a rotation followed by a translation: p' = R·p + t.
// Rotation is a unit quaternion.
type RigidTransform struct {
	Rotation    quat.Number `json:"rotation"`
	Translation r3.Vec      `json:"translation"`
}

// Identity returns the transform that leaves points unchanged.
func Identity() RigidTransform {
	return RigidTransform{Rotation: quat.Number{Real: 1}}
}

// NewYawTransform creates a rotation of angle radians counter-clockwise about
// the z axis followed by translation t.
func NewYawTransform(angle float64, t r3.Vec) RigidTransform {
	return RigidTransform{
		Rotation:    quat.Number(r3.NewRotation(angle, zAxis)),
		Translation: t,
	}
}

// Translation creates a translation-only transform.
func Translation(t r3.Vec) RigidTransform {
	return RigidTransform{Rotation: quat.Number{Real: 1}, Translation: t}
}

// Apply transforms a single point.
func (t RigidTransform) Apply(p r3.Vec) r3.Vec {
	return r3.Add(r3.Rotation(t.Rotation).Rotate(p), t.Translation)
}

// ApplyAll transforms points in place.
func (t RigidTransform) ApplyAll(points []r3.Vec) {
	rot := r3.Rotation(t.Rotation)
	for i, p := range points {
		points[i] = r3.Add(rot.Rotate(p), t.Translation)
	}
}

// ApplyToCloud moves both ray starts and ends of c in place.
func (t RigidTransform) ApplyToCloud(c *Cloud) {
	t.ApplyAll(c.Starts)
	t.ApplyAll(c.Ends)
}

// Yaw returns the heading component of the rotation in radians, in (-π, π].
func (t RigidTransform) Yaw() float64 {
	q := t.Rotation
	return math.Atan2(2*(q.Real*q.Kmag+q.Imag*q.Jmag), 1-2*(q.Jmag*q.Jmag+q.Kmag*q.Kmag))
}

// YawDegrees returns Yaw in degrees.
func (t RigidTransform) YawDegrees() float64 {
	return t.Yaw() * 180 / math.Pi
}

// Compose returns the transform equivalent to applying b first, then a.
func Compose(a, b RigidTransform) RigidTransform {
	return RigidTransform{
		Rotation:    quat.Mul(a.Rotation, b.Rotation),
		Translation: a.Apply(b.Translation),
	}
}

// Inverse returns the transform that undoes t.
func (t RigidTransform) Inverse() RigidTransform {
	inv := quat.Conj(t.Rotation)
	return RigidTransform{
		Rotation:    inv,
		Translation: r3.Scale(-1, r3.Rotation(inv).Rotate(t.Translation)),
	}
}

// NormalizeAngle wraps an angle in radians into (-π, π].
func NormalizeAngle(angle float64) float64 {
	angle = math.Mod(angle, 2*math.Pi)
	if angle <= -math.Pi {
		angle += 2 * math.Pi
	} else if angle > math.Pi {
		angle -= 2 * math.Pi
	}
	return angle
}
