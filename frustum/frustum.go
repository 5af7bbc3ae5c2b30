// Package frustum computes the view frustum of the depth camera and tests boxes against it.
package frustum

import (
	"github.com/golang/geo/r3"

	"go.viam.com/fusion/rimage/transform"
	"go.viam.com/fusion/spatialmath"
)

// Plane indices.
const (
	Near = iota
	Far
	Left
	Right
	Top
	Bottom
)

// Plane is a plane in Hessian normal form: points p with dot(p, Normal) == D.
type Plane struct {
	Normal r3.Vector
	D      float64
}

// PlaneFromPoints returns the plane through a, b and c with the normal (b-a) x (c-a).
func PlaneFromPoints(a, b, c r3.Vector) Plane {
	n := b.Sub(a).Cross(c.Sub(a)).Normalize()
	return Plane{Normal: n, D: a.Dot(n)}
}

// Distance returns the signed distance of pt to the plane.
func (p Plane) Distance(pt r3.Vector) float64 {
	return pt.Dot(p.Normal) - p.D
}

// Flip returns the plane with the opposite orientation.
func (p Plane) Flip() Plane {
	return Plane{Normal: p.Normal.Mul(-1), D: -p.D}
}

// Frustum is the world space view volume of one frame. Every plane is oriented so that its
// inside has negative distance.
type Frustum struct {
	// Corners holds the near quad followed by the far quad, each in image order top-left,
	// top-right, bottom-right, bottom-left.
	Corners [8]r3.Vector
	Planes  [6]Plane
	Origin  r3.Vector
}

// New builds the frustum of a camera with pose cameraToWorld whose depth range is [near, far]
// metres. The near plane passes through the optical center rather than the near quad, so any
// box holding the camera stays visible.
func New(cameraToWorld spatialmath.Pose, intrinsics *transform.PinholeCameraIntrinsics, near, far float64) Frustum {
	w, h := float64(intrinsics.Width), float64(intrinsics.Height)
	image := [4][2]float64{{0, 0}, {w, 0}, {w, h}, {0, h}}

	var f Frustum
	for i, px := range image {
		f.Corners[i] = cameraToWorld.Transform(intrinsics.PixelToPoint(px[0], px[1], near))
		f.Corners[i+4] = cameraToWorld.Transform(intrinsics.PixelToPoint(px[0], px[1], far))
	}
	f.Origin = cameraToWorld.Point()

	forward := cameraToWorld.Rotate(r3.Vector{Z: 1})
	f.Planes[Near] = Plane{Normal: forward.Mul(-1), D: f.Origin.Dot(forward.Mul(-1))}
	f.Planes[Far] = PlaneFromPoints(f.Corners[4], f.Corners[5], f.Corners[6])
	f.Planes[Left] = PlaneFromPoints(f.Corners[0], f.Corners[3], f.Corners[7])
	f.Planes[Right] = PlaneFromPoints(f.Corners[1], f.Corners[2], f.Corners[6])
	f.Planes[Top] = PlaneFromPoints(f.Corners[0], f.Corners[1], f.Corners[5])
	f.Planes[Bottom] = PlaneFromPoints(f.Corners[3], f.Corners[2], f.Corners[6])

	var centroid r3.Vector
	for _, c := range f.Corners {
		centroid = centroid.Add(c)
	}
	centroid = centroid.Mul(1.0 / 8)
	for i, p := range f.Planes {
		if p.Distance(centroid) > 0 {
			f.Planes[i] = p.Flip()
		}
	}
	return f
}

// Bounds returns the world space box around the corners.
func (f *Frustum) Bounds() spatialmath.AABB {
	return spatialmath.NewAABBFromPoints(f.Corners[:]...)
}

// Contains reports whether pt is inside every plane.
func (f *Frustum) Contains(pt r3.Vector) bool {
	for _, p := range f.Planes {
		if p.Distance(pt) > 0 {
			return false
		}
	}
	return true
}

// CullsBox reports whether all 8 corners of box lie outside one single plane. It never culls a
// box that intersects the frustum, but it may keep boxes that miss it near its edges.
func (f *Frustum) CullsBox(box spatialmath.AABB) bool {
	corners := box.Vertices()
	for _, p := range f.Planes {
		outside := 0
		for _, c := range corners {
			if p.Distance(c) > 0 {
				outside++
			}
		}
		if outside == len(corners) {
			return true
		}
	}
	return false
}
