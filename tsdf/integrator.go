package tsdf

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/fusion/config"
	"go.viam.com/fusion/gpu"
	"go.viam.com/fusion/hierarchy"
	"go.viam.com/fusion/logging"
	"go.viam.com/fusion/rimage/transform"
	"go.viam.com/fusion/spatialmath"
)

// Frame is the input of one integration.
type Frame struct {
	// Depth is the raw depth in millimetres.
	Depth *gpu.Texture2D[uint16]
	// Color is packed RGBA8 and only read when color is captured. It may be smaller or larger
	// than Depth.
	Color      *gpu.Texture2D[uint32]
	Pose       spatialmath.Pose
	Intrinsics transform.PinholeCameraIntrinsics
}

// Integrator records the three integration stages of a root volume.
type Integrator struct {
	device       gpu.Device
	logger       logging.Logger
	captureColor bool

	rootGrid *gpu.Kernel
	level1   *gpu.Kernel
	tsdf     *gpu.Kernel
}

// NewIntegrator compiles the integration kernels for settings.
func NewIntegrator(device gpu.Device, settings config.Settings, logger logging.Logger) (*Integrator, error) {
	sizes := settings.VolumeSizes()
	res := settings.GridResolutions
	defines := gpu.Defines{
		"GRID_RES_0":    res[0],
		"GRID_RES_1":    res[1],
		"GRID_RES_2":    res[2],
		"VOLUME_SIZE_0": sizes[0],
		"VOLUME_SIZE_1": sizes[1],
		"VOLUME_SIZE_2": sizes[2],
		"VOXEL_SIZE":    settings.VoxelSize,
		"TRUNCATION":    settings.TruncationDistance,
		"MAX_WEIGHT":    settings.MaxIntegrationWeight,
		"DEPTH_MIN":     settings.DepthThreshold[0],
		"DEPTH_MAX":     settings.DepthThreshold[1],
	}
	if settings.CaptureColor {
		defines["CAPTURE_COLOR"] = nil
	}
	in := &Integrator{device: device, logger: logger, captureColor: settings.CaptureColor}
	var err error
	if in.rootGrid, err = device.Compile(Program, "integrate_root_grid", defines); err != nil {
		return nil, err
	}
	if in.level1, err = device.Compile(Program, "integrate_level1", defines); err != nil {
		return nil, err
	}
	if in.tsdf, err = device.Compile(Program, "integrate_tsdf", defines); err != nil {
		return nil, err
	}
	return in, nil
}

// Integrate fuses f into the queued cells of v. v must be allocated and its queues compacted,
// and the pools must have room for every grid the queues need.
func (in *Integrator) Integrate(ctx context.Context, pools *hierarchy.Pools, v *hierarchy.RootVolume, f Frame) error {
	if !v.Allocated() {
		return errors.Errorf("root volume %s is not allocated", v.Offset)
	}
	if in.captureColor && (f.Color == nil || pools.Color == nil) {
		return errors.New("color capture needs a color frame and a color pool")
	}

	b := gpu.NewBindings().
		Read("queue", v.Level1Queue).
		Read("queue_args", v.Level1Args).
		ReadWrite("volumes", pools.Volume).
		ReadWrite("root_grid", pools.RootGrid).
		ReadWrite("counts", pools.Counts).
		Constant("pool_index", v.PoolIndex)
	if err := in.device.DispatchIndirect(ctx, in.rootGrid, v.Level1Args, gpu.ComputeDivOffset, b); err != nil {
		return err
	}
	in.device.Barrier()

	b = gpu.NewBindings().
		Read("queue", v.Level2Queue).
		Read("queue_args", v.Level2Args).
		Read("root_grid", pools.RootGrid).
		ReadWrite("level1", pools.Level1).
		ReadWrite("counts", pools.Counts).
		Constant("pool_index", v.PoolIndex)
	if err := in.device.DispatchIndirect(ctx, in.level1, v.Level2Args, gpu.ComputeDivOffset, b); err != nil {
		return err
	}
	in.device.Barrier()

	b = gpu.NewBindings().
		Read("queue", v.Level2Queue).
		Read("root_grid", pools.RootGrid).
		Read("level1", pools.Level1).
		ReadWrite("tsdf", pools.TSDF).
		Read("depth", f.Depth).
		Constant("pose", f.Pose).
		Constant("intrinsics", f.Intrinsics).
		Constant("pool_index", v.PoolIndex).
		Constant("offset", v.Offset.Int32())
	if in.captureColor {
		b.ReadWrite("color", pools.Color).Read("color_image", f.Color)
	}
	if err := in.device.DispatchIndirect(ctx, in.tsdf, v.Level2Args, gpu.ComputeOffset, b); err != nil {
		return err
	}
	in.device.Barrier()
	return nil
}
