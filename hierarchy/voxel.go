package hierarchy

import "math"

// VolumeItem is the record of an allocated root volume in the volume pool.
type VolumeItem struct {
	Offset [3]int32
	Near   int32
}

// GridItem is a cell of the root grid or of a level-1 grid. PoolIndex addresses the child grid
// in the next pool and is -1 while unallocated. Near is set once a sample touched the cell.
type GridItem struct {
	PoolIndex int32
	Near      int32
}

// EmptyGridItem is the value unallocated grid cells are cleared to.
var EmptyGridItem = GridItem{PoolIndex: -1}

// Voxel is a TSDF sample: a snorm16 distance in units of the truncation distance and its
// integration weight.
type Voxel struct {
	TSDF   int16
	Weight uint16
}

// Value returns the distance in [-1, 1].
func (v Voxel) Value() float64 {
	return DecodeSnorm16(v.TSDF)
}

// EncodeSnorm16 maps [-1, 1] to a signed normalized 16 bit integer, clamping out of range
// values.
func EncodeSnorm16(v float64) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(math.Round(v * math.MaxInt16))
}

// DecodeSnorm16 is the inverse of EncodeSnorm16.
func DecodeSnorm16(v int16) float64 {
	return math.Max(float64(v)/math.MaxInt16, -1)
}

// Item sizes in bytes as budgeted.
const (
	VolumeItemSize = 16
	GridItemSize   = 8
	VoxelSize      = 4
	ColorSize      = 4
)
