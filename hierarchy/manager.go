// Package hierarchy owns the sparse volume hierarchy: the root volume map, the per frame
// vector of visible volumes, the pools and the allocation of grids in them.
package hierarchy

import (
	"context"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/fusion/config"
	"go.viam.com/fusion/frustum"
	"go.viam.com/fusion/gpu"
	"go.viam.com/fusion/logging"
	"go.viam.com/fusion/spatialmath"
)

const (
	// AddressableWidth is the edge, in root volumes, of the cube the position buffer covers.
	// Offsets in [-AddressableWidth/2, AddressableWidth/2) are addressable.
	AddressableWidth = 16
	// MaxInstances is the capacity of the instance buffer of visible root volumes.
	MaxInstances = 512
)

// PositionIndex returns the position buffer index of offset, or false if it is not addressable.
func PositionIndex(o Offset) (int, bool) {
	const half = AddressableWidth / 2
	x, y, z := o.X+half, o.Y+half, o.Z+half
	if x < 0 || y < 0 || z < 0 || x >= AddressableWidth || y >= AddressableWidth || z >= AddressableWidth {
		return -1, false
	}
	return x + y*AddressableWidth + z*AddressableWidth*AddressableWidth, true
}

// Manager owns the hierarchy of one session.
type Manager struct {
	logger   logging.Logger
	device   gpu.Device
	settings config.Settings
	sizes    [config.HierarchyLevels]float64
	vpg      [config.HierarchyLevels]int

	volumes   *RootVolumeMap
	vector    []*RootVolume
	pools     *Pools
	instances *gpu.Buffer[[3]int32]

	countLevel1 *gpu.Kernel
	countLevel2 *gpu.Kernel

	hasBounds            bool
	boundsMin, boundsMax Offset
}

// NewManager returns an empty hierarchy.
func NewManager(device gpu.Device, settings config.Settings, tunables config.Tunables, logger logging.Logger) (*Manager, error) {
	vpg := settings.VoxelsPerGrid()
	defines := gpu.Defines{
		"VOXELS_PER_GRID_0": vpg[0],
		"VOXELS_PER_GRID_1": vpg[1],
	}
	countLevel1, err := device.Compile(Program, "count_level1", defines)
	if err != nil {
		return nil, err
	}
	countLevel2, err := device.Compile(Program, "count_level2", defines)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		logger:      logger,
		device:      device,
		settings:    settings,
		sizes:       settings.VolumeSizes(),
		vpg:         vpg,
		volumes:     NewRootVolumeMap(),
		pools:       NewPools(settings, tunables),
		instances:   gpu.NewBuffer[[3]int32](gpu.BufferDesc{Name: "volume_instances"}, MaxInstances),
		countLevel1: countLevel1,
		countLevel2: countLevel2,
	}
	device.Upload(m.pools.Positions)
	return m, nil
}

// Map returns the root volume map.
func (m *Manager) Map() *RootVolumeMap {
	return m.volumes
}

// Vector returns the volumes visible this frame. Indices are only valid until the next
// UpdateRootVolumes.
func (m *Manager) Vector() []*RootVolume {
	return m.vector
}

// Instances returns the instance buffer holding the offsets of Vector.
func (m *Manager) Instances() *gpu.Buffer[[3]int32] {
	return m.instances
}

// Pools returns the pools.
func (m *Manager) Pools() *Pools {
	return m.pools
}

// VolumeSizes returns the edge length of a grid at each level.
func (m *Manager) VolumeSizes() [config.HierarchyLevels]float64 {
	return m.sizes
}

// CandidateRange returns the inclusive offset range around the frustum, one volume wider than
// its bounds on every side.
func (m *Manager) CandidateRange(f *frustum.Frustum) (Offset, Offset) {
	bounds := f.Bounds()
	first, last := OffsetOf(bounds.Min, m.sizes[0]), OffsetOf(bounds.Max, m.sizes[0])
	return Offset{X: first.X - 1, Y: first.Y - 1, Z: first.Z - 1}, Offset{X: last.X + 1, Y: last.Y + 1, Z: last.Z + 1}
}

// UpdateRootVolumes discovers the volumes in the frustum, rebuilds the visible vector and
// uploads its instance records. Exceeding MaxInstances leaves the vector empty.
func (m *Manager) UpdateRootVolumes(f *frustum.Frustum) error {
	size := m.sizes[0]
	first, last := m.CandidateRange(f)
	for z := first.Z; z <= last.Z; z++ {
		for y := first.Y; y <= last.Y; y++ {
			for x := first.X; x <= last.X; x++ {
				o := Offset{X: x, Y: y, Z: z}
				if _, ok := m.volumes.Get(o); ok {
					continue
				}
				if !f.CullsBox(o.Box(size)) {
					m.volumes.Insert(o)
				}
			}
		}
	}

	m.vector = m.vector[:0]
	for _, v := range m.volumes.Volumes() {
		v.Visible = !f.CullsBox(v.Offset.Box(size))
		if v.Visible {
			m.vector = append(m.vector, v)
		}
	}
	if len(m.vector) > MaxInstances {
		visible := len(m.vector)
		m.vector = m.vector[:0]
		return errors.Wrapf(ErrInstanceCapExceeded, "%d root volumes are visible", visible)
	}
	for i, v := range m.vector {
		m.instances.Data[i] = v.Offset.Int32()
	}
	m.device.Upload(m.instances)
	return nil
}

// EnsureQueues allocates the queues of v on first use.
func (m *Manager) EnsureQueues(v *RootVolume) {
	if v.Level1Queue != nil {
		return
	}
	name := "volume" + v.Offset.String()
	v.Level1Queue = gpu.NewBuffer[uint32](gpu.BufferDesc{Name: name + "_level1_queue"}, m.vpg[0])
	v.Level2Queue = gpu.NewBuffer[uint32](gpu.BufferDesc{Name: name + "_level2_queue"}, m.vpg[0]*m.vpg[1])
	v.Level1Args = gpu.NewIndirectArgs(name + "_level1_args")
	v.Level2Args = gpu.NewIndirectArgs(name + "_level2_args")
}

// Allocate makes room for integrating the compacted queues of queued. It counts the grids the
// integration stages will allocate on the device and reads the counts back once. Nothing is
// allocated if a volume is not addressable or any pool budget would be exceeded.
func (m *Manager) Allocate(ctx context.Context, queued []*RootVolume) error {
	counts := m.pools.Counts
	counts.Data[RequestLevel1Word] = 0
	counts.Data[RequestTSDFWord] = 0
	m.device.Upload(counts)

	for _, v := range queued {
		b := gpu.NewBindings().
			Read("queue", v.Level1Queue).
			Read("queue_args", v.Level1Args).
			Read("root_grid", m.pools.RootGrid).
			ReadWrite("counts", counts).
			Constant("pool_index", v.PoolIndex)
		if err := m.device.DispatchIndirect(ctx, m.countLevel1, v.Level1Args, gpu.ComputeDivOffset, b); err != nil {
			return err
		}
		m.device.Barrier()
		b = gpu.NewBindings().
			Read("queue", v.Level2Queue).
			Read("queue_args", v.Level2Args).
			Read("root_grid", m.pools.RootGrid).
			Read("level1", m.pools.Level1).
			ReadWrite("counts", counts).
			Constant("pool_index", v.PoolIndex)
		if err := m.device.DispatchIndirect(ctx, m.countLevel2, v.Level2Args, gpu.ComputeDivOffset, b); err != nil {
			return err
		}
		m.device.Barrier()
	}
	m.device.Readback(counts)

	fresh := lo.Filter(queued, func(v *RootVolume, _ int) bool { return !v.Allocated() })
	for _, v := range fresh {
		if _, ok := PositionIndex(v.Offset); !ok {
			return errors.Wrapf(ErrAddressableWidthExceeded, "root volume %s is outside the %d^3 addressable volumes",
				v.Offset, AddressableWidth)
		}
	}
	requested := [config.HierarchyLevels]int{
		len(fresh),
		int(counts.Data[RequestLevel1Word]),
		int(counts.Data[RequestTSDFWord]),
	}
	var full []string
	for level, n := range requested {
		if n == 0 {
			continue
		}
		if m.pools.GridBytes(level, m.pools.Grids(level)+n) > m.pools.Budget(level) {
			full = append(full, PoolNames[level])
		}
	}
	if len(full) != 0 {
		return &PoolFullError{Pools: full}
	}

	for _, v := range fresh {
		v.PoolIndex = counts.Data[0]
		counts.Data[0]++
		m.pools.Volume.Data = append(m.pools.Volume.Data, VolumeItem{Offset: v.Offset.Int32()})
		m.pools.grow(0, 1)
		idx, _ := PositionIndex(v.Offset)
		m.pools.Positions.Data[idx] = v.PoolIndex
		m.extendBounds(v.Offset)
		m.logger.Debugw("allocated root volume", "offset", v.Offset.String(), "pool_index", v.PoolIndex)
	}
	m.pools.grow(1, requested[1])
	m.pools.grow(2, requested[2])

	m.device.Upload(counts)
	m.device.Upload(m.pools.Volume)
	m.device.Upload(m.pools.Positions)
	m.device.Upload(m.pools.RootGrid)
	m.device.Upload(m.pools.Level1)
	m.device.Upload(m.pools.TSDF)
	if m.pools.Color != nil {
		m.device.Upload(m.pools.Color)
	}
	return nil
}

// RefreshCounts reads the pool counters back and returns the occupancy.
func (m *Manager) RefreshCounts() []PoolUsage {
	m.device.Readback(m.pools.Counts)
	return m.pools.Usage()
}

func (m *Manager) extendBounds(o Offset) {
	if !m.hasBounds {
		m.boundsMin, m.boundsMax, m.hasBounds = o, o, true
		return
	}
	m.boundsMin = Offset{X: min(m.boundsMin.X, o.X), Y: min(m.boundsMin.Y, o.Y), Z: min(m.boundsMin.Z, o.Z)}
	m.boundsMax = Offset{X: max(m.boundsMax.X, o.X), Y: max(m.boundsMax.Y, o.Y), Z: max(m.boundsMax.Z, o.Z)}
}

// AABB returns the world space box around all allocated volumes.
func (m *Manager) AABB() (spatialmath.AABB, bool) {
	if !m.hasBounds {
		return spatialmath.AABB{}, false
	}
	size := m.sizes[0]
	return spatialmath.AABB{
		Min: m.boundsMin.Origin(size),
		Max: Offset{X: m.boundsMax.X + 1, Y: m.boundsMax.Y + 1, Z: m.boundsMax.Z + 1}.Origin(size),
	}, true
}

// Sampler returns a host view of the hierarchy.
func (m *Manager) Sampler() *Sampler {
	return NewSampler(m.settings, m.pools.Positions.Data, m.pools.RootGrid.Data, m.pools.Level1.Data,
		m.pools.TSDF.Data, colorData(m.pools.Color))
}

func colorData(b *gpu.Buffer[uint32]) []uint32 {
	if b == nil {
		return nil
	}
	return b.Data
}
