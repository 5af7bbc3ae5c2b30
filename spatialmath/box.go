package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

// Ordered list of unit box vertex signs.
var boxVertices = [8]r3.Vector{
	{X: 1, Y: 1, Z: 1},
	{X: 1, Y: 1, Z: -1},
	{X: 1, Y: -1, Z: 1},
	{X: 1, Y: -1, Z: -1},
	{X: -1, Y: 1, Z: 1},
	{X: -1, Y: 1, Z: -1},
	{X: -1, Y: -1, Z: 1},
	{X: -1, Y: -1, Z: -1},
}

// AABB is an axis aligned bounding box.
type AABB struct {
	Min, Max r3.Vector
}

// NewEmptyAABB returns an inverted box that any Extend call will replace.
func NewEmptyAABB() AABB {
	inf := math.Inf(1)
	return AABB{
		Min: r3.Vector{X: inf, Y: inf, Z: inf},
		Max: r3.Vector{X: -inf, Y: -inf, Z: -inf},
	}
}

// NewAABBFromPoints returns the tightest box around the points.
func NewAABBFromPoints(pts ...r3.Vector) AABB {
	box := NewEmptyAABB()
	for _, pt := range pts {
		box = box.Extend(pt)
	}
	return box
}

// Extend grows the box to contain pt.
func (b AABB) Extend(pt r3.Vector) AABB {
	return AABB{
		Min: r3.Vector{X: math.Min(b.Min.X, pt.X), Y: math.Min(b.Min.Y, pt.Y), Z: math.Min(b.Min.Z, pt.Z)},
		Max: r3.Vector{X: math.Max(b.Max.X, pt.X), Y: math.Max(b.Max.Y, pt.Y), Z: math.Max(b.Max.Z, pt.Z)},
	}
}

// Contains reports whether pt lies in [Min, Max).
func (b AABB) Contains(pt r3.Vector) bool {
	return pt.X >= b.Min.X && pt.X < b.Max.X &&
		pt.Y >= b.Min.Y && pt.Y < b.Max.Y &&
		pt.Z >= b.Min.Z && pt.Z < b.Max.Z
}

// Center returns the box center.
func (b AABB) Center() r3.Vector {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Vertices returns the 8 corners.
func (b AABB) Vertices() [8]r3.Vector {
	center := b.Center()
	half := b.Max.Sub(b.Min).Mul(0.5)
	var out [8]r3.Vector
	for i, sign := range boxVertices {
		out[i] = r3.Vector{X: center.X + sign.X*half.X, Y: center.Y + sign.Y*half.Y, Z: center.Z + sign.Z*half.Z}
	}
	return out
}

// IntersectRay clips the ray origin + t*dir against the box and returns the parametric entry
// and exit. ok is false when the ray misses.
func (b AABB) IntersectRay(origin, dir r3.Vector) (tNear, tFar float64, ok bool) {
	tNear, tFar = math.Inf(-1), math.Inf(1)
	o := [3]float64{origin.X, origin.Y, origin.Z}
	d := [3]float64{dir.X, dir.Y, dir.Z}
	lo := [3]float64{b.Min.X, b.Min.Y, b.Min.Z}
	hi := [3]float64{b.Max.X, b.Max.Y, b.Max.Z}
	for axis := 0; axis < 3; axis++ {
		if d[axis] == 0 {
			if o[axis] < lo[axis] || o[axis] > hi[axis] {
				return 0, 0, false
			}
			continue
		}
		t0 := (lo[axis] - o[axis]) / d[axis]
		t1 := (hi[axis] - o[axis]) / d[axis]
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		tNear = math.Max(tNear, t0)
		tFar = math.Min(tFar, t1)
	}
	return tNear, tFar, tNear <= tFar
}
