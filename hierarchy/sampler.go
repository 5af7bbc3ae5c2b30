package hierarchy

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/fusion/config"
	"go.viam.com/fusion/spatialmath"
)

// CellLevel is how deep a lookup got into the hierarchy.
type CellLevel int

// Lookup results, from the coarsest empty cell to a voxel.
const (
	EmptyRootVolume CellLevel = iota
	EmptyRootGridCell
	EmptyLevel1Cell
	VoxelCell
)

// Cell is the result of a lookup. Box is the extent of the empty cell, or of the voxel.
type Cell struct {
	Level CellLevel
	Box   spatialmath.AABB
	// Index addresses the voxel in the TSDF pool when Level is VoxelCell.
	Index int
	Voxel Voxel
}

// Sampler looks world points up in the pools. It only reads, so kernels and host code share it.
type Sampler struct {
	Positions []int32
	RootGrid  []GridItem
	Level1    []GridItem
	TSDF      []Voxel
	Color     []uint32

	res   [config.HierarchyLevels]int
	vpg   [config.HierarchyLevels]int
	sizes [config.HierarchyLevels]float64
	voxel float64
}

// NewSampler wraps pool storage.
func NewSampler(settings config.Settings, positions []int32, rootGrid, level1 []GridItem, tsdf []Voxel, color []uint32) *Sampler {
	return &Sampler{
		Positions: positions,
		RootGrid:  rootGrid,
		Level1:    level1,
		TSDF:      tsdf,
		Color:     color,
		res:       settings.GridResolutions,
		vpg:       settings.VoxelsPerGrid(),
		sizes:     settings.VolumeSizes(),
		voxel:     settings.VoxelSize,
	}
}

// VoxelSize returns the voxel edge length.
func (s *Sampler) VoxelSize() float64 {
	return s.voxel
}

func cellCoords(local r3.Vector, size float64, res int) [3]int {
	return [3]int{
		clampCell(int(math.Floor(local.X/size)), res),
		clampCell(int(math.Floor(local.Y/size)), res),
		clampCell(int(math.Floor(local.Z/size)), res),
	}
}

func clampCell(v, res int) int {
	if v < 0 {
		return 0
	}
	if v >= res {
		return res - 1
	}
	return v
}

func linear(c [3]int, res int) int {
	return c[0] + c[1]*res + c[2]*res*res
}

func scaled(c [3]int, size float64) r3.Vector {
	return r3.Vector{X: float64(c[0]) * size, Y: float64(c[1]) * size, Z: float64(c[2]) * size}
}

func cellBox(corner r3.Vector, size float64) spatialmath.AABB {
	return spatialmath.AABB{Min: corner, Max: corner.Add(r3.Vector{X: size, Y: size, Z: size})}
}

// Lookup descends the hierarchy at pt.
func (s *Sampler) Lookup(pt r3.Vector) Cell {
	offset := OffsetOf(pt, s.sizes[0])
	idx, ok := PositionIndex(offset)
	if !ok || s.Positions[idx] < 0 {
		return Cell{Level: EmptyRootVolume, Box: offset.Box(s.sizes[0])}
	}
	pool := int(s.Positions[idx])
	origin := offset.Origin(s.sizes[0])

	c1 := cellCoords(pt.Sub(origin), s.sizes[1], s.res[0])
	corner1 := origin.Add(scaled(c1, s.sizes[1]))
	root := s.RootGrid[pool*s.vpg[0]+linear(c1, s.res[0])]
	if root.PoolIndex < 0 {
		return Cell{Level: EmptyRootGridCell, Box: cellBox(corner1, s.sizes[1])}
	}

	c2 := cellCoords(pt.Sub(corner1), s.sizes[2], s.res[1])
	corner2 := corner1.Add(scaled(c2, s.sizes[2]))
	item := s.Level1[int(root.PoolIndex)*s.vpg[1]+linear(c2, s.res[1])]
	if item.PoolIndex < 0 {
		return Cell{Level: EmptyLevel1Cell, Box: cellBox(corner2, s.sizes[2])}
	}

	v := cellCoords(pt.Sub(corner2), s.voxel, s.res[2])
	index := int(item.PoolIndex)*s.vpg[2] + linear(v, s.res[2])
	return Cell{
		Level: VoxelCell,
		Box:   cellBox(corner2.Add(scaled(v, s.voxel)), s.voxel),
		Index: index,
		Voxel: s.TSDF[index],
	}
}

// Nearest returns the distance, in units of the truncation distance, of the voxel holding pt
// when it has at least minWeight samples.
func (s *Sampler) Nearest(pt r3.Vector, minWeight int) (float64, bool) {
	cell := s.Lookup(pt)
	if cell.Level != VoxelCell || int(cell.Voxel.Weight) < minWeight || cell.Voxel.Weight == 0 {
		return 0, false
	}
	return cell.Voxel.Value(), true
}

// Trilinear interpolates the distance at pt from the eight surrounding voxel centers. It fails
// if any of them has fewer than minWeight samples.
func (s *Sampler) Trilinear(pt r3.Vector, minWeight int) (float64, bool) {
	g := pt.Mul(1 / s.voxel).Sub(r3.Vector{X: 0.5, Y: 0.5, Z: 0.5})
	base := r3.Vector{X: math.Floor(g.X), Y: math.Floor(g.Y), Z: math.Floor(g.Z)}
	frac := g.Sub(base)

	var out float64
	for corner := 0; corner < 8; corner++ {
		dx, dy, dz := float64(corner&1), float64((corner>>1)&1), float64((corner>>2)&1)
		center := base.Add(r3.Vector{X: dx + 0.5, Y: dy + 0.5, Z: dz + 0.5}).Mul(s.voxel)
		v, ok := s.Nearest(center, minWeight)
		if !ok {
			return 0, false
		}
		w := lerpWeight(frac.X, dx) * lerpWeight(frac.Y, dy) * lerpWeight(frac.Z, dz)
		out += w * v
	}
	return out, true
}

func lerpWeight(frac, side float64) float64 {
	if side == 0 {
		return 1 - frac
	}
	return frac
}

// Gradient returns the normalized central difference of the distance field at pt.
func (s *Sampler) Gradient(pt r3.Vector, minWeight int) (r3.Vector, bool) {
	var g [3]float64
	for axis := 0; axis < 3; axis++ {
		var step r3.Vector
		switch axis {
		case 0:
			step.X = s.voxel
		case 1:
			step.Y = s.voxel
		default:
			step.Z = s.voxel
		}
		hi, ok := s.Nearest(pt.Add(step), minWeight)
		if !ok {
			return r3.Vector{}, false
		}
		lo, ok := s.Nearest(pt.Sub(step), minWeight)
		if !ok {
			return r3.Vector{}, false
		}
		g[axis] = hi - lo
	}
	n := r3.Vector{X: g[0], Y: g[1], Z: g[2]}
	if n.Norm() == 0 {
		return r3.Vector{}, false
	}
	return n.Normalize(), true
}

// ColorAt returns the packed color of the voxel at index, or 0 when color is not captured.
func (s *Sampler) ColorAt(index int) uint32 {
	if s.Color == nil {
		return 0
	}
	return s.Color[index]
}
