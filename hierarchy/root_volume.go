package hierarchy

import (
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/samber/lo"

	"go.viam.com/fusion/gpu"
	"go.viam.com/fusion/spatialmath"
)

// Offset is the integer coordinate of a root volume in units of the root volume size.
type Offset struct {
	X, Y, Z int
}

// OffsetOf returns the offset of the root volume holding pt.
func OffsetOf(pt r3.Vector, size float64) Offset {
	return Offset{
		X: int(math.Floor(pt.X / size)),
		Y: int(math.Floor(pt.Y / size)),
		Z: int(math.Floor(pt.Z / size)),
	}
}

// Less orders offsets by X, then Y, then Z.
func (o Offset) Less(other Offset) bool {
	if o.X != other.X {
		return o.X < other.X
	}
	if o.Y != other.Y {
		return o.Y < other.Y
	}
	return o.Z < other.Z
}

// Box returns the world space box of the volume.
func (o Offset) Box(size float64) spatialmath.AABB {
	corner := o.Origin(size)
	return spatialmath.AABB{Min: corner, Max: corner.Add(r3.Vector{X: size, Y: size, Z: size})}
}

// Origin returns the world space minimum corner of the volume.
func (o Offset) Origin(size float64) r3.Vector {
	return r3.Vector{X: float64(o.X) * size, Y: float64(o.Y) * size, Z: float64(o.Z) * size}
}

// Int32 returns the offset in the layout of instance and pool records.
func (o Offset) Int32() [3]int32 {
	return [3]int32{int32(o.X), int32(o.Y), int32(o.Z)}
}

func (o Offset) String() string {
	return fmt.Sprintf("(%d, %d, %d)", o.X, o.Y, o.Z)
}

// RootVolume is a top level tile of the hierarchy. The queue buffers are allocated the first
// time the volume is integrated and kept for the rest of the session.
type RootVolume struct {
	Offset    Offset
	PoolIndex int32
	Visible   bool

	Level1Queue *gpu.Buffer[uint32]
	Level2Queue *gpu.Buffer[uint32]
	Level1Args  *gpu.IndirectArgs
	Level2Args  *gpu.IndirectArgs
}

// Allocated reports whether the volume owns pool memory.
func (v *RootVolume) Allocated() bool {
	return v.PoolIndex >= 0
}

// RootVolumeMap is the append only set of root volumes keyed by offset. Iteration follows
// offset order.
type RootVolumeMap struct {
	volumes map[Offset]*RootVolume
	keys    []Offset
}

// NewRootVolumeMap returns an empty map.
func NewRootVolumeMap() *RootVolumeMap {
	return &RootVolumeMap{volumes: map[Offset]*RootVolume{}}
}

// Len returns the number of volumes.
func (m *RootVolumeMap) Len() int {
	return len(m.keys)
}

// Get returns the volume at offset.
func (m *RootVolumeMap) Get(offset Offset) (*RootVolume, bool) {
	v, ok := m.volumes[offset]
	return v, ok
}

// Insert adds an unallocated volume at offset and returns it. An existing volume is returned
// unchanged.
func (m *RootVolumeMap) Insert(offset Offset) *RootVolume {
	if v, ok := m.volumes[offset]; ok {
		return v
	}
	v := &RootVolume{Offset: offset, PoolIndex: -1}
	m.volumes[offset] = v
	i := sort.Search(len(m.keys), func(i int) bool { return !m.keys[i].Less(offset) })
	m.keys = append(m.keys, Offset{})
	copy(m.keys[i+1:], m.keys[i:])
	m.keys[i] = offset
	return v
}

// Keys returns the offsets in order.
func (m *RootVolumeMap) Keys() []Offset {
	return append([]Offset(nil), m.keys...)
}

// Volumes returns the volumes in offset order.
func (m *RootVolumeMap) Volumes() []*RootVolume {
	return lo.Map(m.keys, func(o Offset, _ int) *RootVolume {
		return m.volumes[o]
	})
}
