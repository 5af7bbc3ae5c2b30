// Package spatialmath defines rigid poses and axis aligned boxes used by the reconstruction.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// Pose is a rigid camera-to-world transform stored as a homogeneous 4x4 matrix.
type Pose struct {
	m mgl64.Mat4
}

// NewZeroPose returns the identity pose.
func NewZeroPose() Pose {
	return Pose{mgl64.Ident4()}
}

// NewPoseFromMatrix wraps a homogeneous matrix. The caller guarantees it is rigid.
func NewPoseFromMatrix(m mgl64.Mat4) Pose {
	return Pose{m}
}

// NewPoseFromPoint returns a pure translation.
func NewPoseFromPoint(pt r3.Vector) Pose {
	return Pose{mgl64.Translate3D(pt.X, pt.Y, pt.Z)}
}

// NewPoseFromEulerXYZ returns translation * Rx * Ry * Rz.
func NewPoseFromEulerXYZ(rx, ry, rz float64, pt r3.Vector) Pose {
	rot := mgl64.HomogRotate3DX(rx).Mul4(mgl64.HomogRotate3DY(ry)).Mul4(mgl64.HomogRotate3DZ(rz))
	return Pose{mgl64.Translate3D(pt.X, pt.Y, pt.Z).Mul4(rot)}
}

// Matrix returns the homogeneous matrix.
func (p Pose) Matrix() mgl64.Mat4 {
	return p.m
}

// Point returns the translation.
func (p Pose) Point() r3.Vector {
	return r3.Vector{X: p.m.At(0, 3), Y: p.m.At(1, 3), Z: p.m.At(2, 3)}
}

// Transform maps a point from the pose's local frame into the parent frame.
func (p Pose) Transform(pt r3.Vector) r3.Vector {
	m := &p.m
	return r3.Vector{
		X: m[0]*pt.X + m[4]*pt.Y + m[8]*pt.Z + m[12],
		Y: m[1]*pt.X + m[5]*pt.Y + m[9]*pt.Z + m[13],
		Z: m[2]*pt.X + m[6]*pt.Y + m[10]*pt.Z + m[14],
	}
}

// Rotate applies only the rotation part, for directions and normals.
func (p Pose) Rotate(v r3.Vector) r3.Vector {
	m := &p.m
	return r3.Vector{
		X: m[0]*v.X + m[4]*v.Y + m[8]*v.Z,
		Y: m[1]*v.X + m[5]*v.Y + m[9]*v.Z,
		Z: m[2]*v.X + m[6]*v.Y + m[10]*v.Z,
	}
}

// Inverse returns the rigid inverse [R^T | -R^T t].
func (p Pose) Inverse() Pose {
	rot := p.m.Mat3().Transpose()
	t := rot.Mul3x1(mgl64.Vec3{p.m[12], p.m[13], p.m[14]}).Mul(-1)
	inv := rot.Mat4()
	inv[12], inv[13], inv[14] = t[0], t[1], t[2]
	return Pose{inv}
}

// Compose returns p * other, i.e. other is applied first.
func Compose(p, other Pose) Pose {
	return Pose{p.m.Mul4(other.m)}
}

// PoseAlmostEqual compares translation and rotation entries within epsilon.
func PoseAlmostEqual(a, b Pose, epsilon float64) bool {
	for i := range a.m {
		if math.Abs(a.m[i]-b.m[i]) > epsilon {
			return false
		}
	}
	return true
}

// PoseDelta returns the translation distance and rotation angle (radians) between two poses.
func PoseDelta(a, b Pose) (float64, float64) {
	rel := Compose(a.Inverse(), b)
	trace := rel.m[0] + rel.m[5] + rel.m[10]
	cosAngle := math.Max(-1, math.Min(1, (trace-1)/2))
	return rel.Point().Norm(), math.Acos(cosAngle)
}

func (p Pose) String() string {
	pt := p.Point()
	return fmt.Sprintf("Pose{X:%.4f Y:%.4f Z:%.4f}", pt.X, pt.Y, pt.Z)
}
