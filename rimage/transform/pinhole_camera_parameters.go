// Package transform holds the pinhole camera model used to project between depth pixels and
// camera space at every pyramid level.
package transform

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrapf(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a
// 3D scene to the 2D plane of a depth sensor. Camera space is +X right, +Y down, +Z forward.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// NewPinholeCameraIntrinsics builds intrinsics from an image size, a focal length pair and a
// principal point, all in pixels.
func NewPinholeCameraIntrinsics(width, height int, focal, principal r2.Point) *PinholeCameraIntrinsics {
	return &PinholeCameraIntrinsics{
		Width:  width,
		Height: height,
		Fx:     focal.X,
		Fy:     focal.Y,
		Ppx:    principal.X,
		Ppy:    principal.Y,
	}
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// PixelToPoint transforms a pixel with depth z (metres) to a camera space point.
func (params *PinholeCameraIntrinsics) PixelToPoint(x, y, z float64) r3.Vector {
	if params == nil {
		return r3.Vector{}
	}
	return r3.Vector{
		X: (x - params.Ppx) / params.Fx * z,
		Y: (y - params.Ppy) / params.Fy * z,
		Z: z,
	}
}

// PointToPixel projects a camera space point to continuous pixel coordinates. ok is false for
// points on or behind the image plane.
func (params *PinholeCameraIntrinsics) PointToPixel(pt r3.Vector) (r2.Point, bool) {
	if pt.Z <= 0 {
		return r2.Point{X: -1, Y: -1}, false
	}
	return r2.Point{
		X: pt.X/pt.Z*params.Fx + params.Ppx,
		Y: pt.Y/pt.Z*params.Fy + params.Ppy,
	}, true
}

// PointToPixelIndex projects a camera space point to the nearest pixel and reports whether it
// lands inside the image.
func (params *PinholeCameraIntrinsics) PointToPixelIndex(pt r3.Vector) (int, int, bool) {
	px, ok := params.PointToPixel(pt)
	if !ok {
		return -1, -1, false
	}
	x, y := int(math.Floor(px.X+0.5)), int(math.Floor(px.Y+0.5))
	if x < 0 || y < 0 || x >= params.Width || y >= params.Height {
		return x, y, false
	}
	return x, y, true
}

// Ray returns the unnormalized camera space direction through the center of pixel (x, y), with
// a Z component of one.
func (params *PinholeCameraIntrinsics) Ray(x, y float64) r3.Vector {
	return r3.Vector{X: (x - params.Ppx) / params.Fx, Y: (y - params.Ppy) / params.Fy, Z: 1}
}

// Downsample returns the intrinsics of pyramid level `level`, where each level halves the
// resolution of the previous one.
func (params PinholeCameraIntrinsics) Downsample(level int) PinholeCameraIntrinsics {
	scale := 1 / float64(int(1)<<level)
	return PinholeCameraIntrinsics{
		Width:  params.Width >> level,
		Height: params.Height >> level,
		Fx:     params.Fx * scale,
		Fy:     params.Fy * scale,
		Ppx:    params.Ppx * scale,
		Ppy:    params.Ppy * scale,
	}
}

// Pyramid returns the intrinsics of levels [0, count).
func (params PinholeCameraIntrinsics) Pyramid(count int) []PinholeCameraIntrinsics {
	out := make([]PinholeCameraIntrinsics, count)
	for level := range out {
		out[level] = params.Downsample(level)
	}
	return out
}
