package hierarchy

import (
	"github.com/samber/lo"

	"go.viam.com/fusion/config"
	"go.viam.com/fusion/gpu"
	"go.viam.com/fusion/utils"
)

// PoolNames are the budgeted pool names, indexed by hierarchy level.
var PoolNames = [config.HierarchyLevels]string{"root_grid", "level1", "tsdf"}

// Pools are the append only arenas of the hierarchy. A pool index names a whole grid; the
// items of grid i of a level occupy [i*vpg, (i+1)*vpg) of that level's buffer.
type Pools struct {
	// Volume holds one record per allocated root volume.
	Volume *gpu.Buffer[VolumeItem]
	// RootGrid, Level1 and TSDF are the grid pools of the three levels.
	RootGrid *gpu.Buffer[GridItem]
	Level1   *gpu.Buffer[GridItem]
	TSDF     *gpu.Buffer[Voxel]
	// Color parallels TSDF with packed RGBA8 when color is captured, else it is nil.
	Color *gpu.Buffer[uint32]
	// Counts holds the number of allocated grids per level, which kernels allocate from, followed
	// by the grid requests of the allocation planner.
	Counts *gpu.Buffer[int32]
	// Positions maps every addressable offset to a volume pool index or -1.
	Positions *gpu.Buffer[int32]

	voxelsPerGrid [config.HierarchyLevels]int
	budgets       [config.HierarchyLevels]int64
}

// Words of the counts buffer.
const (
	RequestLevel1Word = config.HierarchyLevels
	RequestTSDFWord   = config.HierarchyLevels + 1
	CountWords        = config.HierarchyLevels + 2
)

// PoolUsage describes the occupancy of one pool.
type PoolUsage struct {
	Name        string
	Grids       int
	Bytes       int64
	BudgetBytes int64
}

// Full reports whether the occupancy exceeds the budget.
func (u PoolUsage) Full() bool {
	return u.Bytes > u.BudgetBytes
}

// NewPools allocates empty pools.
func NewPools(settings config.Settings, tunables config.Tunables) *Pools {
	p := &Pools{
		Volume:        gpu.NewBuffer[VolumeItem](gpu.BufferDesc{Name: "volume_pool"}, 0),
		RootGrid:      gpu.NewBuffer[GridItem](gpu.BufferDesc{Name: "root_grid_pool"}, 0),
		Level1:        gpu.NewBuffer[GridItem](gpu.BufferDesc{Name: "level1_pool"}, 0),
		TSDF:          gpu.NewBuffer[Voxel](gpu.BufferDesc{Name: "tsdf_pool"}, 0),
		Counts:        gpu.NewBuffer[int32](gpu.BufferDesc{Name: "pool_counts"}, CountWords),
		Positions:     gpu.NewBuffer[int32](gpu.BufferDesc{Name: "volume_positions"}, utils.Cube(AddressableWidth)),
		voxelsPerGrid: settings.VoxelsPerGrid(),
	}
	if settings.CaptureColor {
		p.Color = gpu.NewBuffer[uint32](gpu.BufferDesc{Name: "color_pool"}, 0)
	}
	p.Positions.Fill(-1)
	for i, mb := range tunables.PoolSizesMB {
		p.budgets[i] = int64(mb * utils.Megabyte)
	}
	return p
}

// ItemSize returns the budgeted bytes per item of a level.
func (p *Pools) ItemSize(level int) int64 {
	switch level {
	case 0, 1:
		return GridItemSize
	}
	if p.Color != nil {
		return VoxelSize + ColorSize
	}
	return VoxelSize
}

// GridBytes returns the bytes grids grids of level occupy.
func (p *Pools) GridBytes(level, grids int) int64 {
	return int64(grids) * int64(p.voxelsPerGrid[level]) * p.ItemSize(level)
}

// Budget returns the byte budget of level.
func (p *Pools) Budget(level int) int64 {
	return p.budgets[level]
}

// Grids returns the allocated grid count of level as last read back.
func (p *Pools) Grids(level int) int {
	return int(p.Counts.Data[level])
}

// Usage returns the occupancy of the three budgeted pools.
func (p *Pools) Usage() []PoolUsage {
	out := make([]PoolUsage, config.HierarchyLevels)
	for level := range out {
		grids := p.Grids(level)
		out[level] = PoolUsage{
			Name:        PoolNames[level],
			Grids:       grids,
			Bytes:       p.GridBytes(level, grids),
			BudgetBytes: p.budgets[level],
		}
	}
	return out
}

// TotalBytes returns the bytes occupied across all pools, including the volume records.
func (p *Pools) TotalBytes() int64 {
	return lo.SumBy(p.Usage(), func(u PoolUsage) int64 { return u.Bytes }) +
		int64(p.Volume.Len())*VolumeItemSize
}

// grow appends grids empty grids to level.
func (p *Pools) grow(level, grids int) {
	n := grids * p.voxelsPerGrid[level]
	if n <= 0 {
		return
	}
	switch level {
	case 0:
		first := p.RootGrid.Grow(n)
		fillGrid(p.RootGrid.Data[first:])
	case 1:
		first := p.Level1.Grow(n)
		fillGrid(p.Level1.Data[first:])
	default:
		p.TSDF.Grow(n)
		if p.Color != nil {
			p.Color.Grow(n)
		}
	}
}

func fillGrid(items []GridItem) {
	for i := range items {
		items[i] = EmptyGridItem
	}
}
