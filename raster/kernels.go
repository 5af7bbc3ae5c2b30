package raster

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/fusion/gpu"
	"go.viam.com/fusion/hierarchy"
	"go.viam.com/fusion/rimage"
	"go.viam.com/fusion/rimage/transform"
	"go.viam.com/fusion/spatialmath"
	"go.viam.com/fusion/utils"
)

// Program is the kernel source of volume rasterization and stream compaction.
const Program = "slam/rasterize.comp"

func init() {
	gpu.RegisterProgram(Program, gpu.Program{
		RequiredDefines: []string{"VOLUME_SIZE_0", "VOLUME_SIZE_2", "GRID_RES_0", "GRID_RES_1", "TRUNCATION"},
		Entries: map[string]gpu.Entry{
			"count_samples": {Bind: bindCountSamples},
			"gather_volumes": {
				LocalSize: func(gpu.Defines) gpu.Dim3 { return gpu.Dim3{X: hierarchy.QueueGroupSize, Y: 1, Z: 1} },
				Bind:      bindGatherVolumes,
			},
			"full_volume": {Bind: bindFullVolume},
			"compact": {
				LocalSize: func(d gpu.Defines) gpu.Dim3 { return gpu.Dim3{X: utils.Cube(d.Int("GRID_RES_1")), Y: 1, Z: 1} },
				Bind:      bindCompact,
			},
			"fill_indirect": {Bind: bindFillIndirect},
		},
	})
}

// screenRect returns the pixel rectangle covered by the projection of box, or the whole image
// when a corner lies on or behind the image plane.
func screenRect(
	box spatialmath.AABB,
	worldToCamera spatialmath.Pose,
	intrinsics *transform.PinholeCameraIntrinsics,
	conservative bool,
) (x0, y0, x1, y1 int) {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, corner := range box.Vertices() {
		px, ok := intrinsics.PointToPixel(worldToCamera.Transform(corner))
		if !ok {
			return 0, 0, intrinsics.Width - 1, intrinsics.Height - 1
		}
		minX, maxX = math.Min(minX, px.X), math.Max(maxX, px.X)
		minY, maxY = math.Min(minY, px.Y), math.Max(maxY, px.Y)
	}
	x0, y0 = int(math.Floor(minX)), int(math.Floor(minY))
	x1, y1 = int(math.Ceil(maxX)), int(math.Ceil(maxY))
	if conservative {
		x0, y0, x1, y1 = x0-1, y0-1, x1+1, y1+1
	}
	return utils.ClampInt(x0, 0, intrinsics.Width-1), utils.ClampInt(y0, 0, intrinsics.Height-1),
		utils.ClampInt(x1, 0, intrinsics.Width-1), utils.ClampInt(y1, 0, intrinsics.Height-1)
}

func volumeBox(offset [3]int32, size float64) spatialmath.AABB {
	return hierarchy.Offset{X: int(offset[0]), Y: int(offset[1]), Z: int(offset[2])}.Box(size)
}

// count_samples draws one instance per visible root volume. Each instance covers the screen
// rectangle of its cube and counts the raw vertices that land inside it.
func bindCountSamples(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	instances := gpu.Buf[[3]int32](r, "instances")
	rawVertex := gpu.Tex2D[r3.Vector](r, "raw_vertex")
	counters := gpu.Buf[uint32](r, "counters")
	pose := gpu.Const[spatialmath.Pose](r, "pose")
	intrinsics := gpu.Const[transform.PinholeCameraIntrinsics](r, "intrinsics")
	if err := r.Err(); err != nil {
		return nil, err
	}
	size := d.Float("VOLUME_SIZE_0")
	conservative := d.Bool("CONSERVATIVE")
	worldToCamera := pose.Inverse()

	return func(tc gpu.ThreadContext) {
		instance := tc.Global.Y
		box := volumeBox(instances.Data[instance], size)
		x0, y0, x1, y1 := screenRect(box, worldToCamera, &intrinsics, conservative)
		var count uint32
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				v := rawVertex.At(x, y)
				if !rimage.IsValid(v) {
					continue
				}
				if box.Contains(pose.Transform(v)) {
					count++
				}
			}
		}
		if count != 0 {
			gpu.AtomicAdd(&counters.Data[instance], count)
		}
	}, nil
}

// gather_volumes appends the index of every instance with more than VOLUME_MIN_COUNT samples to
// the volume queue.
func bindGatherVolumes(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	counters := gpu.Buf[uint32](r, "counters")
	queue := gpu.Buf[uint32](r, "volume_queue")
	args := gpu.Buf[uint32](r, "queue_args")
	count := gpu.Const[int](r, "count")
	if err := r.Err(); err != nil {
		return nil, err
	}
	threshold := uint32(d.Int("VOLUME_MIN_COUNT"))

	return func(tc gpu.ThreadContext) {
		i := tc.Global.X
		if i >= count || counters.Data[i] <= threshold {
			return
		}
		slot := gpu.AtomicAdd(&args.Data[gpu.IndexedOffset+1], 1)
		queue.Data[slot] = uint32(i)
	}, nil
}

// full_volume draws one vertex per depth pixel and marks the level-2 cells, and their level-1
// parents, that the truncation band around the sample crosses inside the volume.
func bindFullVolume(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	rawVertex := gpu.Tex2D[r3.Vector](r, "raw_vertex")
	cells := gpu.Tex3D[uint32](r, "cells")
	level1Cells := gpu.Tex3D[uint32](r, "level1_cells")
	pose := gpu.Const[spatialmath.Pose](r, "pose")
	offset := gpu.Const[[3]int32](r, "offset")
	if err := r.Err(); err != nil {
		return nil, err
	}
	res0, res1 := d.Int("GRID_RES_0"), d.Int("GRID_RES_1")
	cellsPerAxis := res0 * res1
	cellSize := d.Float("VOLUME_SIZE_2")
	truncation := d.Float("TRUNCATION")
	step := cellSize / 2
	if d.Bool("CONSERVATIVE") {
		step = cellSize / 4
	}
	box := volumeBox(offset, d.Float("VOLUME_SIZE_0"))
	eye := pose.Point()
	width := rawVertex.Width()

	return func(tc gpu.ThreadContext) {
		v := rawVertex.At(tc.Global.X%width, tc.Global.X/width)
		if !rimage.IsValid(v) {
			return
		}
		sample := pose.Transform(v)
		dir := sample.Sub(eye)
		if dir.Norm() == 0 {
			return
		}
		dir = dir.Normalize()
		start := sample.Sub(dir.Mul(truncation))
		tNear, tFar, ok := box.IntersectRay(start, dir)
		if !ok {
			return
		}
		tNear, tFar = math.Max(tNear, 0), math.Min(tFar, 2*truncation)
		if tNear > tFar {
			return
		}
		mark := func(t float64) {
			local := start.Add(dir.Mul(t)).Sub(box.Min).Mul(1 / cellSize)
			x := utils.ClampInt(int(math.Floor(local.X)), 0, cellsPerAxis-1)
			y := utils.ClampInt(int(math.Floor(local.Y)), 0, cellsPerAxis-1)
			z := utils.ClampInt(int(math.Floor(local.Z)), 0, cellsPerAxis-1)
			gpu.AtomicStore(&cells.Data[cells.Index(x, y, z)], 1)
			gpu.AtomicStore(&level1Cells.Data[level1Cells.Index(x/res1, y/res1, z/res1)], 1)
		}
		for i := 0; tNear+float64(i)*step < tFar; i++ {
			mark(tNear + float64(i)*step)
		}
		mark(tFar)
	}, nil
}

// compact runs one group per level-1 cell of the volume and one thread per level-2 cell of it.
// Hit level-1 cells are appended to the level-1 queue and hit level-2 cells to the level-2
// queue as c1*VPG1 + c2.
func bindCompact(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	cells := gpu.Tex3D[uint32](r, "cells")
	level1Cells := gpu.Tex3D[uint32](r, "level1_cells")
	level1Queue := gpu.Buf[uint32](r, "level1_queue")
	level1Args := gpu.Buf[uint32](r, "level1_args")
	level2Queue := gpu.Buf[uint32](r, "level2_queue")
	level2Args := gpu.Buf[uint32](r, "level2_args")
	if err := r.Err(); err != nil {
		return nil, err
	}
	res0, res1 := d.Int("GRID_RES_0"), d.Int("GRID_RES_1")
	vpg1 := utils.Cube(res1)

	return func(tc gpu.ThreadContext) {
		c1 := tc.Group.X
		x1, y1, z1 := c1%res0, (c1/res0)%res0, c1/(res0*res0)
		if level1Cells.At(x1, y1, z1) == 0 {
			return
		}
		if tc.Local.X == 0 {
			slot := gpu.AtomicAdd(&level1Args.Data[gpu.IndexedOffset+1], 1)
			level1Queue.Data[slot] = uint32(c1)
		}
		c2 := tc.Local.X
		x2, y2, z2 := c2%res1, (c2/res1)%res1, c2/(res1*res1)
		if cells.At(x1*res1+x2, y1*res1+y2, z1*res1+z2) == 0 {
			return
		}
		slot := gpu.AtomicAdd(&level2Args.Data[gpu.IndexedOffset+1], 1)
		level2Queue.Data[slot] = uint32(c1*vpg1 + c2)
	}, nil
}

// fill_indirect turns the queue lengths into draw and dispatch arguments.
func bindFillIndirect(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	level1Args := gpu.Buf[uint32](r, "level1_args")
	level2Args := gpu.Buf[uint32](r, "level2_args")
	if err := r.Err(); err != nil {
		return nil, err
	}
	return func(gpu.ThreadContext) {
		for _, args := range []*gpu.IndirectArgs{level1Args, level2Args} {
			n := args.Data[gpu.IndexedOffset+1]
			args.Data[gpu.DrawOffset+1] = n
			args.Data[gpu.ComputeDivOffset] = uint32(utils.DivUp(int(n), hierarchy.QueueGroupSize))
			args.Data[gpu.ComputeOffset] = n
		}
	}, nil
}
