// Package synthetic renders analytic depth frames for tests and demos.
package synthetic

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/fusion/rimage/transform"
	"go.viam.com/fusion/spatialmath"
)

// Surface is something a ray can hit. Intersect returns the smallest t > 0 with
// origin + t*dir on the surface.
type Surface interface {
	Intersect(origin, dir r3.Vector) (float64, bool)
}

// Plane is an infinite plane through Point with normal Normal.
type Plane struct {
	Point  r3.Vector
	Normal r3.Vector
}

// Intersect implements Surface.
func (p Plane) Intersect(origin, dir r3.Vector) (float64, bool) {
	denom := dir.Dot(p.Normal)
	if math.Abs(denom) < 1e-12 {
		return 0, false
	}
	t := p.Point.Sub(origin).Dot(p.Normal) / denom
	return t, t > 0
}

// Box is a solid axis aligned box.
type Box struct {
	spatialmath.AABB
}

// Intersect implements Surface.
func (b Box) Intersect(origin, dir r3.Vector) (float64, bool) {
	tNear, tFar, ok := b.IntersectRay(origin, dir)
	if !ok || tFar <= 0 {
		return 0, false
	}
	if tNear > 0 {
		return tNear, true
	}
	return tFar, true
}

// Scene is the union of its surfaces.
type Scene []Surface

// Intersect implements Surface.
func (s Scene) Intersect(origin, dir r3.Vector) (float64, bool) {
	best, hit := math.Inf(1), false
	for _, surface := range s {
		if t, ok := surface.Intersect(origin, dir); ok && t < best {
			best, hit = t, true
		}
	}
	return best, hit
}

// RenderDepth renders s from a camera with the given intrinsics and camera-to-world pose into
// a row major millimetre depth frame. Misses and depths beyond the uint16 range are 0.
func RenderDepth(s Surface, intrinsics *transform.PinholeCameraIntrinsics, cameraToWorld spatialmath.Pose) []uint16 {
	out := make([]uint16, intrinsics.Width*intrinsics.Height)
	origin := cameraToWorld.Point()
	for y := 0; y < intrinsics.Height; y++ {
		for x := 0; x < intrinsics.Width; x++ {
			// a camera ray with z == 1 makes t the depth
			dir := cameraToWorld.Rotate(intrinsics.Ray(float64(x), float64(y)))
			t, ok := s.Intersect(origin, dir)
			if !ok {
				continue
			}
			mm := math.Round(t * 1000)
			if mm <= 0 || mm > math.MaxUint16 {
				continue
			}
			out[y*intrinsics.Width+x] = uint16(mm)
		}
	}
	return out
}

// ConstantDepth returns a width x height frame with every pixel at mm.
func ConstantDepth(width, height int, mm uint16) []uint16 {
	out := make([]uint16, width*height)
	for i := range out {
		out[i] = mm
	}
	return out
}

// FrontoParallelPlane returns the plane seen at depth metres straight ahead of a camera with
// the given pose.
func FrontoParallelPlane(cameraToWorld spatialmath.Pose, depth float64) Plane {
	forward := cameraToWorld.Rotate(r3.Vector{Z: 1})
	return Plane{
		Point:  cameraToWorld.Transform(r3.Vector{Z: depth}),
		Normal: forward.Mul(-1),
	}
}
