// Package raster finds the root volumes that hold depth samples and compacts the grid cells
// each of them has to integrate into per volume queues with indirect arguments.
package raster

import (
	"context"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/fusion/config"
	"go.viam.com/fusion/gpu"
	"go.viam.com/fusion/hierarchy"
	"go.viam.com/fusion/logging"
	"go.viam.com/fusion/rimage/transform"
	"go.viam.com/fusion/spatialmath"
	"go.viam.com/fusion/utils"
)

// Rasterizer records the sample counting and compaction passes.
type Rasterizer struct {
	device gpu.Device
	logger logging.Logger
	vpg    [config.HierarchyLevels]int

	countSamples  *gpu.Kernel
	gatherVolumes *gpu.Kernel
	fullVolume    *gpu.Kernel
	compact       *gpu.Kernel
	fillIndirect  *gpu.Kernel

	counters    *gpu.Buffer[uint32]
	volumeQueue *gpu.Buffer[uint32]
	volumeArgs  *gpu.IndirectArgs
	// cells marks level-2 cells of the volume being compacted, level1Cells their parents.
	cells       *gpu.Texture3D[uint32]
	level1Cells *gpu.Texture3D[uint32]
}

// NewRasterizer compiles the rasterization kernels. The conservative variants are used when
// the tunables enable conservative rasterization.
func NewRasterizer(device gpu.Device, settings config.Settings, tunables config.Tunables, logger logging.Logger) (*Rasterizer, error) {
	sizes := settings.VolumeSizes()
	res := settings.GridResolutions
	defines := gpu.Defines{
		"VOLUME_SIZE_0":    sizes[0],
		"VOLUME_SIZE_2":    sizes[2],
		"GRID_RES_0":       res[0],
		"GRID_RES_1":       res[1],
		"TRUNCATION":       settings.TruncationDistance,
		"VOLUME_MIN_COUNT": tunables.VolumeMinDepthCount,
	}
	if tunables.ConservativeRasterEnable {
		defines["CONSERVATIVE"] = nil
	}
	cellsPerAxis := res[0] * res[1]
	r := &Rasterizer{
		device:      device,
		logger:      logger,
		vpg:         settings.VoxelsPerGrid(),
		counters:    gpu.NewBuffer[uint32](gpu.BufferDesc{Name: "volume_counters"}, hierarchy.MaxInstances),
		volumeQueue: gpu.NewBuffer[uint32](gpu.BufferDesc{Name: "volume_queue"}, hierarchy.MaxInstances),
		volumeArgs:  gpu.NewIndirectArgs("volume_queue_args"),
		cells: gpu.NewTexture3D[uint32](gpu.TextureDesc{
			Name: "full_volume", Width: cellsPerAxis, Height: cellsPerAxis, Depth: cellsPerAxis, Format: gpu.FormatR32UI,
		}),
		level1Cells: gpu.NewTexture3D[uint32](gpu.TextureDesc{
			Name: "full_volume_level1", Width: res[0], Height: res[0], Depth: res[0], Format: gpu.FormatR32UI,
		}),
	}
	for _, k := range []struct {
		entry string
		out   **gpu.Kernel
	}{
		{"count_samples", &r.countSamples},
		{"gather_volumes", &r.gatherVolumes},
		{"full_volume", &r.fullVolume},
		{"compact", &r.compact},
		{"fill_indirect", &r.fillIndirect},
	} {
		kernel, err := device.Compile(Program, k.entry, defines)
		if err != nil {
			return nil, err
		}
		*k.out = kernel
	}
	return r, nil
}

// QueueVolumes counts the raw vertices inside each of the first count instances and returns,
// in ascending order, the instance indices holding more than the minimum sample count.
func (r *Rasterizer) QueueVolumes(
	ctx context.Context,
	instances *gpu.Buffer[[3]int32],
	count int,
	rawVertex *gpu.Texture2D[r3.Vector],
	pose spatialmath.Pose,
	intrinsics transform.PinholeCameraIntrinsics,
) ([]int, error) {
	if count == 0 {
		return nil, nil
	}
	if count > r.counters.Len() {
		return nil, errors.Wrapf(hierarchy.ErrInstanceCapExceeded, "cannot rasterize %d instances", count)
	}
	r.counters.Clear()
	r.device.Upload(r.counters)
	gpu.ResetQueueArgs(r.volumeArgs)
	r.device.Upload(r.volumeArgs)

	b := gpu.NewBindings().
		Read("instances", instances).
		Read("raw_vertex", rawVertex).
		ReadWrite("counters", r.counters).
		Constant("pose", pose).
		Constant("intrinsics", intrinsics)
	if err := r.device.Draw(ctx, r.countSamples, gpu.DrawArgs{VertexCount: 1, InstanceCount: count}, b); err != nil {
		return nil, err
	}
	r.device.Barrier()

	b = gpu.NewBindings().
		Read("counters", r.counters).
		Write("volume_queue", r.volumeQueue).
		ReadWrite("queue_args", r.volumeArgs).
		Constant("count", count)
	if err := r.device.Dispatch(ctx, r.gatherVolumes, gpu.Groups1D(utils.DivUp(count, hierarchy.QueueGroupSize)), b); err != nil {
		return nil, err
	}
	r.device.Readback(r.volumeArgs)
	r.device.Readback(r.volumeQueue)

	queued := lo.Map(r.volumeQueue.Data[:gpu.QueueLength(r.volumeArgs)], func(i uint32, _ int) int { return int(i) })
	sort.Ints(queued)
	return queued, nil
}

// SampleCounts returns the sample counts of the last QueueVolumes, one per instance.
func (r *Rasterizer) SampleCounts(count int) []uint32 {
	return r.counters.Data[:count]
}

// Compact fills the level-1 and level-2 queues of v and their indirect arguments from the
// samples of rawVertex. The queues of v must exist.
func (r *Rasterizer) Compact(
	ctx context.Context,
	v *hierarchy.RootVolume,
	rawVertex *gpu.Texture2D[r3.Vector],
	pose spatialmath.Pose,
) error {
	if v.Level1Queue == nil || v.Level2Queue == nil {
		return errors.Errorf("root volume %s has no queues", v.Offset)
	}
	r.cells.Clear()
	r.level1Cells.Clear()
	r.device.Upload(r.cells)
	r.device.Upload(r.level1Cells)
	gpu.ResetQueueArgs(v.Level1Args)
	gpu.ResetQueueArgs(v.Level2Args)
	r.device.Upload(v.Level1Args)
	r.device.Upload(v.Level2Args)

	b := gpu.NewBindings().
		Read("raw_vertex", rawVertex).
		Write("cells", r.cells).
		Write("level1_cells", r.level1Cells).
		Constant("pose", pose).
		Constant("offset", v.Offset.Int32())
	pixels := rawVertex.Width() * rawVertex.Height()
	if err := r.device.Draw(ctx, r.fullVolume, gpu.DrawArgs{VertexCount: pixels, InstanceCount: 1}, b); err != nil {
		return err
	}
	r.device.Barrier()

	b = gpu.NewBindings().
		Read("cells", r.cells).
		Read("level1_cells", r.level1Cells).
		Write("level1_queue", v.Level1Queue).
		ReadWrite("level1_args", v.Level1Args).
		Write("level2_queue", v.Level2Queue).
		ReadWrite("level2_args", v.Level2Args)
	if err := r.device.Dispatch(ctx, r.compact, gpu.Groups1D(r.vpg[0]), b); err != nil {
		return err
	}
	r.device.Barrier()

	b = gpu.NewBindings().
		ReadWrite("level1_args", v.Level1Args).
		ReadWrite("level2_args", v.Level2Args)
	if err := r.device.Dispatch(ctx, r.fillIndirect, gpu.Groups1D(1), b); err != nil {
		return err
	}
	r.device.Barrier()
	return nil
}
