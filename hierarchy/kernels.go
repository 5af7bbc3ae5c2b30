package hierarchy

import (
	"go.viam.com/fusion/gpu"
)

// Program is the kernel source of the allocation planner.
const Program = "slam/hierarchy.comp"

// QueueGroupSize is the thread group size of kernels with one thread per queue entry.
const QueueGroupSize = 64

func queueLocalSize(gpu.Defines) gpu.Dim3 {
	return gpu.Dim3{X: QueueGroupSize, Y: 1, Z: 1}
}

func init() {
	gpu.RegisterProgram(Program, gpu.Program{
		RequiredDefines: []string{"VOXELS_PER_GRID_0", "VOXELS_PER_GRID_1"},
		Entries: map[string]gpu.Entry{
			"count_level1": {LocalSize: queueLocalSize, Bind: bindCountLevel1},
			"count_level2": {LocalSize: queueLocalSize, Bind: bindCountLevel2},
		},
	})
}

// count_level1 counts the level-1 grids stage one of integration will allocate for a volume.
func bindCountLevel1(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	queue := gpu.Buf[uint32](r, "queue")
	args := gpu.Buf[uint32](r, "queue_args")
	rootGrid := gpu.Buf[GridItem](r, "root_grid")
	counts := gpu.Buf[int32](r, "counts")
	poolIndex := gpu.Const[int32](r, "pool_index")
	if err := r.Err(); err != nil {
		return nil, err
	}
	vpg0 := d.Int("VOXELS_PER_GRID_0")
	length := gpu.QueueLength(args)
	return func(tc gpu.ThreadContext) {
		i := tc.Global.X
		if i >= length {
			return
		}
		c1 := int(queue.Data[i])
		if poolIndex < 0 || rootGrid.Data[int(poolIndex)*vpg0+c1].PoolIndex < 0 {
			gpu.AtomicAddInt(&counts.Data[RequestLevel1Word], 1)
		}
	}, nil
}

// count_level2 counts the TSDF grids stage two of integration will allocate for a volume.
func bindCountLevel2(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	queue := gpu.Buf[uint32](r, "queue")
	args := gpu.Buf[uint32](r, "queue_args")
	rootGrid := gpu.Buf[GridItem](r, "root_grid")
	level1 := gpu.Buf[GridItem](r, "level1")
	counts := gpu.Buf[int32](r, "counts")
	poolIndex := gpu.Const[int32](r, "pool_index")
	if err := r.Err(); err != nil {
		return nil, err
	}
	vpg0, vpg1 := d.Int("VOXELS_PER_GRID_0"), d.Int("VOXELS_PER_GRID_1")
	length := gpu.QueueLength(args)
	return func(tc gpu.ThreadContext) {
		i := tc.Global.X
		if i >= length {
			return
		}
		entry := int(queue.Data[i])
		c1, c2 := entry/vpg1, entry%vpg1
		if poolIndex >= 0 {
			parent := rootGrid.Data[int(poolIndex)*vpg0+c1]
			if parent.PoolIndex >= 0 && level1.Data[int(parent.PoolIndex)*vpg1+c2].PoolIndex >= 0 {
				return
			}
		}
		gpu.AtomicAddInt(&counts.Data[RequestTSDFWord], 1)
	}, nil
}
