// Package tracking estimates the camera pose of a new depth frame against the raycast of the
// reconstruction.
package tracking

import (
	"context"

	"go.viam.com/fusion/rimage"
	"go.viam.com/fusion/rimage/transform"
	"go.viam.com/fusion/spatialmath"
)

// Input is everything a tracker sees for one frame.
type Input struct {
	// PreviousPose is the camera-to-world pose the raycast pyramid was rendered from.
	PreviousPose spatialmath.Pose
	// Reference holds the new frame in camera space.
	Reference *rimage.Pyramid
	// Raycast holds the previous raycast in world space.
	Raycast    *rimage.Pyramid
	Intrinsics []transform.PinholeCameraIntrinsics
}

// Result is the outcome of tracking one frame. When Lost is set Pose is the previous pose.
type Result struct {
	Pose       spatialmath.Pose
	Lost       bool
	Iterations int
}

// A Tracker refines the camera pose of a new frame.
type Tracker interface {
	Track(ctx context.Context, in Input) (Result, error)
}
