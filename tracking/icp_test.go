package tracking

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/fusion/config"
	"go.viam.com/fusion/gpu"
	"go.viam.com/fusion/logging"
	"go.viam.com/fusion/rimage"
	"go.viam.com/fusion/rimage/transform"
	"go.viam.com/fusion/spatialmath"
	"go.viam.com/fusion/testutils/synthetic"
)

const (
	testWidth  = 80
	testHeight = 60
)

// corner is a floor with a back and a side wall, which constrains all six axes.
var corner = synthetic.Scene{
	synthetic.Plane{Point: r3.Vector{Y: -0.5}, Normal: r3.Vector{Y: 1}},
	synthetic.Plane{Point: r3.Vector{X: 0.6}, Normal: r3.Vector{X: -1}},
	synthetic.Plane{Point: r3.Vector{Z: -2}, Normal: r3.Vector{Z: 1}},
}

type fixture struct {
	device     *gpu.CPUDevice
	builder    *rimage.PyramidBuilder
	intrinsics *transform.PinholeCameraIntrinsics
	settings   config.Settings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	device := gpu.NewCPUDevice(logging.NewTestLogger(t))
	settings := config.DefaultSettings()
	builder, err := rimage.NewPyramidBuilder(device, settings)
	test.That(t, err, test.ShouldBeNil)
	return &fixture{
		device:     device,
		builder:    builder,
		intrinsics: transform.NewPinholeCameraIntrinsics(testWidth, testHeight, r2.Point{X: 60, Y: 60}, r2.Point{X: 40, Y: 30}),
		settings:   settings,
	}
}

// reference renders the scene from pose and returns its camera space pyramid.
func (f *fixture) reference(t *testing.T, pose spatialmath.Pose) *rimage.Pyramid {
	t.Helper()
	raw := gpu.NewTexture2D[uint16](gpu.TextureDesc{Name: "raw", Width: testWidth, Height: testHeight})
	copy(raw.Data, synthetic.RenderDepth(corner, f.intrinsics, pose))
	f.device.Upload(raw)
	p := rimage.NewPyramid("reference", testWidth, testHeight, f.settings.PyramidLevelCount)
	rawVertex := gpu.NewTexture2D[r3.Vector](gpu.TextureDesc{Name: "raw_vertex", Width: testWidth, Height: testHeight})
	err := f.builder.BuildReference(context.Background(), raw, f.intrinsics.Pyramid(f.settings.PyramidLevelCount), p, rawVertex)
	test.That(t, err, test.ShouldBeNil)
	return p
}

// raycast stands in for the volume raycast: the reference of pose moved into world space.
func (f *fixture) raycast(t *testing.T, pose spatialmath.Pose) *rimage.Pyramid {
	t.Helper()
	p := f.reference(t, pose)
	for l := range p.Vertex {
		for i, v := range p.Vertex[l].Data {
			if rimage.IsValid(v) {
				p.Vertex[l].Data[i] = pose.Transform(v)
			}
		}
		for i, n := range p.Normal[l].Data {
			if rimage.IsValid(n) {
				p.Normal[l].Data[i] = pose.Rotate(n)
			}
		}
	}
	return p
}

func TestICPRecoversMotion(t *testing.T) {
	f := newFixture(t)
	tracker, err := NewICPTracker(f.device, f.settings, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	previous := spatialmath.NewPoseFromEulerXYZ(math.Pi, 0, 0, r3.Vector{})
	motion := spatialmath.NewPoseFromEulerXYZ(0.008, -0.006, 0.005, r3.Vector{X: 0.012, Y: -0.008, Z: 0.01})
	current := spatialmath.Compose(motion, previous)

	in := Input{
		PreviousPose: previous,
		Reference:    f.reference(t, current),
		Raycast:      f.raycast(t, previous),
		Intrinsics:   f.intrinsics.Pyramid(f.settings.PyramidLevelCount),
	}
	before, _ := spatialmath.PoseDelta(current, previous)
	test.That(t, before, test.ShouldBeGreaterThan, 0.015)

	res, err := tracker.Track(context.Background(), in)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Lost, test.ShouldBeFalse)
	test.That(t, res.Iterations, test.ShouldEqual, 19)

	translation, rotation := spatialmath.PoseDelta(current, res.Pose)
	test.That(t, translation, test.ShouldBeLessThan, 0.004)
	test.That(t, rotation, test.ShouldBeLessThan, 0.004)
	test.That(t, f.device.Stats().Hazards, test.ShouldEqual, 0)
	test.That(t, f.device.Stats().Readbacks, test.ShouldEqual, 19)
}

func TestICPStationary(t *testing.T) {
	f := newFixture(t)
	tracker, err := NewICPTracker(f.device, f.settings, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	pose := spatialmath.NewPoseFromEulerXYZ(math.Pi, 0, 0, r3.Vector{})
	res, err := tracker.Track(context.Background(), Input{
		PreviousPose: pose,
		Reference:    f.reference(t, pose),
		Raycast:      f.raycast(t, pose),
		Intrinsics:   f.intrinsics.Pyramid(f.settings.PyramidLevelCount),
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Lost, test.ShouldBeFalse)
	test.That(t, spatialmath.PoseAlmostEqual(res.Pose, pose, 1e-6), test.ShouldBeTrue)
}

func TestICPLost(t *testing.T) {
	f := newFixture(t)
	tracker, err := NewICPTracker(f.device, f.settings, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	pose := spatialmath.NewPoseFromEulerXYZ(math.Pi, 0, 0, r3.Vector{})
	levels := f.settings.PyramidLevelCount

	t.Run("empty raycast", func(t *testing.T) {
		res, err := tracker.Track(context.Background(), Input{
			PreviousPose: pose,
			Reference:    f.reference(t, pose),
			Raycast:      rimage.NewPyramid("empty", testWidth, testHeight, levels),
			Intrinsics:   f.intrinsics.Pyramid(levels),
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Lost, test.ShouldBeTrue)
		test.That(t, res.Iterations, test.ShouldEqual, 1)
		test.That(t, spatialmath.PoseAlmostEqual(res.Pose, pose, 0), test.ShouldBeTrue)
	})

	t.Run("single plane is degenerate", func(t *testing.T) {
		plane := synthetic.FrontoParallelPlane(pose, 2)
		raw := gpu.NewTexture2D[uint16](gpu.TextureDesc{Name: "raw", Width: testWidth, Height: testHeight})
		copy(raw.Data, synthetic.RenderDepth(plane, f.intrinsics, pose))
		reference := rimage.NewPyramid("plane", testWidth, testHeight, levels)
		rawVertex := gpu.NewTexture2D[r3.Vector](gpu.TextureDesc{Name: "raw_vertex", Width: testWidth, Height: testHeight})
		test.That(t, f.builder.BuildReference(context.Background(), raw, f.intrinsics.Pyramid(levels), reference, rawVertex), test.ShouldBeNil)

		raycast := rimage.NewPyramid("plane_world", testWidth, testHeight, levels)
		for l := 0; l < levels; l++ {
			for i, v := range reference.Vertex[l].Data {
				if rimage.IsValid(v) {
					raycast.Vertex[l].Data[i] = pose.Transform(v)
					raycast.Normal[l].Data[i] = pose.Rotate(reference.Normal[l].Data[i])
				}
			}
		}
		res, err := tracker.Track(context.Background(), Input{
			PreviousPose: pose,
			Reference:    reference,
			Raycast:      raycast,
			Intrinsics:   f.intrinsics.Pyramid(levels),
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Lost, test.ShouldBeTrue)
	})

	t.Run("missing pyramids", func(t *testing.T) {
		_, err := tracker.Track(context.Background(), Input{PreviousPose: pose})
		test.That(t, err, test.ShouldNotBeNil)
	})
}
