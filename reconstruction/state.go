package reconstruction

import (
	"fmt"

	"github.com/pkg/errors"
)

// State is the stage the controller is in. A frame walks Input through Done in order.
type State int32

// Controller states.
const (
	Uninitialized State = iota
	Started
	Input
	ReferencePyramid
	Tracking
	FrustumUpdate
	VolumeStreaming
	Integration
	Raycast
	Done
	Exited
)

var stateNames = [...]string{
	Uninitialized:    "uninitialized",
	Started:          "started",
	Input:            "input",
	ReferencePyramid: "reference_pyramid",
	Tracking:         "tracking",
	FrustumUpdate:    "frustum_update",
	VolumeStreaming:  "volume_streaming",
	Integration:      "integration",
	Raycast:          "raycast",
	Done:             "done",
	Exited:           "exited",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// Running reports whether frames are accepted in s.
func (s State) Running() bool {
	return s != Uninitialized && s != Exited
}

var (
	// ErrNotStarted is returned for frames submitted before Start or after Exit.
	ErrNotStarted = errors.New("reconstruction is not started")
	// ErrAlreadyStarted is returned when a setup method is called after Start.
	ErrAlreadyStarted = errors.New("reconstruction is already started")
	// ErrFrameSize is returned for buffers that do not match the configured image size.
	ErrFrameSize = errors.New("frame does not match the image size")
)
