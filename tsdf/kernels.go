package tsdf

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/fusion/gpu"
	"go.viam.com/fusion/hierarchy"
	"go.viam.com/fusion/rimage/transform"
	"go.viam.com/fusion/spatialmath"
	"go.viam.com/fusion/utils"
)

// Program is the kernel source of the integrator.
const Program = "slam/integrate.comp"

func init() {
	queueLocalSize := func(gpu.Defines) gpu.Dim3 { return gpu.Dim3{X: hierarchy.QueueGroupSize, Y: 1, Z: 1} }
	gpu.RegisterProgram(Program, gpu.Program{
		RequiredDefines: []string{
			"GRID_RES_0", "GRID_RES_1", "GRID_RES_2", "VOLUME_SIZE_0", "VOLUME_SIZE_1", "VOLUME_SIZE_2",
			"VOXEL_SIZE", "TRUNCATION", "MAX_WEIGHT", "DEPTH_MIN", "DEPTH_MAX",
		},
		Entries: map[string]gpu.Entry{
			"integrate_root_grid": {LocalSize: queueLocalSize, Bind: bindIntegrateRootGrid},
			"integrate_level1":    {LocalSize: queueLocalSize, Bind: bindIntegrateLevel1},
			"integrate_tsdf": {
				LocalSize: func(d gpu.Defines) gpu.Dim3 { return gpu.Dim3{X: utils.Cube(d.Int("GRID_RES_2")), Y: 1, Z: 1} },
				Bind:      bindIntegrateTSDF,
			},
		},
	})
}

func unlinear(i, res int) (int, int, int) {
	return i % res, (i / res) % res, i / (res * res)
}

// integrate_root_grid allocates a level-1 grid for every queued root grid cell that has none
// and marks the cells as near the surface.
func bindIntegrateRootGrid(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	queue := gpu.Buf[uint32](r, "queue")
	args := gpu.Buf[uint32](r, "queue_args")
	volumes := gpu.Buf[hierarchy.VolumeItem](r, "volumes")
	rootGrid := gpu.Buf[hierarchy.GridItem](r, "root_grid")
	counts := gpu.Buf[int32](r, "counts")
	poolIndex := gpu.Const[int32](r, "pool_index")
	if err := r.Err(); err != nil {
		return nil, err
	}
	vpg0 := utils.Cube(d.Int("GRID_RES_0"))
	length := gpu.QueueLength(args)

	return func(tc gpu.ThreadContext) {
		i := tc.Global.X
		if i >= length {
			return
		}
		if i == 0 {
			volumes.Data[poolIndex].Near = 1
		}
		item := &rootGrid.Data[int(poolIndex)*vpg0+int(queue.Data[i])]
		if item.PoolIndex < 0 {
			item.PoolIndex = gpu.AtomicAddInt(&counts.Data[1], 1)
		}
		item.Near = 1
	}, nil
}

// integrate_level1 allocates a TSDF grid for every queued level-1 cell that has none.
func bindIntegrateLevel1(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	queue := gpu.Buf[uint32](r, "queue")
	args := gpu.Buf[uint32](r, "queue_args")
	rootGrid := gpu.Buf[hierarchy.GridItem](r, "root_grid")
	level1 := gpu.Buf[hierarchy.GridItem](r, "level1")
	counts := gpu.Buf[int32](r, "counts")
	poolIndex := gpu.Const[int32](r, "pool_index")
	if err := r.Err(); err != nil {
		return nil, err
	}
	vpg0 := utils.Cube(d.Int("GRID_RES_0"))
	vpg1 := utils.Cube(d.Int("GRID_RES_1"))
	length := gpu.QueueLength(args)

	return func(tc gpu.ThreadContext) {
		i := tc.Global.X
		if i >= length {
			return
		}
		entry := int(queue.Data[i])
		parent := rootGrid.Data[int(poolIndex)*vpg0+entry/vpg1]
		item := &level1.Data[int(parent.PoolIndex)*vpg1+entry%vpg1]
		if item.PoolIndex < 0 {
			item.PoolIndex = gpu.AtomicAddInt(&counts.Data[2], 1)
		}
		item.Near = 1
	}, nil
}

// integrate_tsdf runs one group per level-2 queue entry and one thread per voxel of its grid.
// Each voxel center is projected into the depth frame and the distance along the viewing ray
// is blended into the voxel when it lies within the truncation band.
func bindIntegrateTSDF(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	queue := gpu.Buf[uint32](r, "queue")
	rootGrid := gpu.Buf[hierarchy.GridItem](r, "root_grid")
	level1 := gpu.Buf[hierarchy.GridItem](r, "level1")
	tsdf := gpu.Buf[hierarchy.Voxel](r, "tsdf")
	depth := gpu.Tex2D[uint16](r, "depth")
	pose := gpu.Const[spatialmath.Pose](r, "pose")
	intrinsics := gpu.Const[transform.PinholeCameraIntrinsics](r, "intrinsics")
	poolIndex := gpu.Const[int32](r, "pool_index")
	offset := gpu.Const[[3]int32](r, "offset")
	captureColor := d.Bool("CAPTURE_COLOR")
	var colors *gpu.Buffer[uint32]
	var colorImage *gpu.Texture2D[uint32]
	if captureColor {
		colors = gpu.Buf[uint32](r, "color")
		colorImage = gpu.Tex2D[uint32](r, "color_image")
	}
	if err := r.Err(); err != nil {
		return nil, err
	}

	res0, res1, res2 := d.Int("GRID_RES_0"), d.Int("GRID_RES_1"), d.Int("GRID_RES_2")
	vpg0, vpg1, vpg2 := utils.Cube(res0), utils.Cube(res1), utils.Cube(res2)
	size0, size1, size2 := d.Float("VOLUME_SIZE_0"), d.Float("VOLUME_SIZE_1"), d.Float("VOLUME_SIZE_2")
	voxel := d.Float("VOXEL_SIZE")
	truncation := d.Float("TRUNCATION")
	maxWeight := d.Int("MAX_WEIGHT")
	depthMin, depthMax := uint16(d.Int("DEPTH_MIN")), uint16(d.Int("DEPTH_MAX"))
	worldToCamera := pose.Inverse()
	origin := r3.Vector{X: float64(offset[0]) * size0, Y: float64(offset[1]) * size0, Z: float64(offset[2]) * size0}

	return func(tc gpu.ThreadContext) {
		entry := int(queue.Data[tc.Group.X])
		c1, c2 := entry/vpg1, entry%vpg1
		parent := rootGrid.Data[int(poolIndex)*vpg0+c1]
		if parent.PoolIndex < 0 {
			return
		}
		grid := level1.Data[int(parent.PoolIndex)*vpg1+c2].PoolIndex
		if grid < 0 {
			return
		}

		x1, y1, z1 := unlinear(c1, res0)
		x2, y2, z2 := unlinear(c2, res1)
		vx, vy, vz := unlinear(tc.Local.X, res2)
		center := origin.Add(r3.Vector{
			X: float64(x1)*size1 + float64(x2)*size2 + (float64(vx)+0.5)*voxel,
			Y: float64(y1)*size1 + float64(y2)*size2 + (float64(vy)+0.5)*voxel,
			Z: float64(z1)*size1 + float64(z2)*size2 + (float64(vz)+0.5)*voxel,
		})
		pc := worldToCamera.Transform(center)
		px, py, ok := intrinsics.PointToPixelIndex(pc)
		if !ok {
			return
		}
		raw := depth.At(px, py)
		if raw == 0 || raw < depthMin || raw > depthMax {
			return
		}
		sdf := (float64(raw)/1000 - pc.Z) * pc.Norm() / pc.Z
		if math.IsNaN(sdf) || math.Abs(sdf) > truncation {
			return
		}

		index := int(grid)*vpg2 + tc.Local.X
		old := tsdf.Data[index]
		tsdf.Data[index] = Blend(old, sdf/truncation, maxWeight)
		if captureColor {
			cx := px * colorImage.Width() / depth.Width()
			cy := py * colorImage.Height() / depth.Height()
			colors.Data[index] = BlendColor(colors.Data[index], int(old.Weight), UnpackRGBA8(colorImage.At(cx, cy)))
		}
	}, nil
}
