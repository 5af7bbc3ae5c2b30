package hierarchy

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/fusion/config"
	"go.viam.com/fusion/frustum"
	"go.viam.com/fusion/gpu"
	"go.viam.com/fusion/logging"
	"go.viam.com/fusion/rimage/transform"
	"go.viam.com/fusion/spatialmath"
	"go.viam.com/fusion/utils"
)

func newTestManager(t *testing.T, settings config.Settings, tunables config.Tunables) (*gpu.CPUDevice, *Manager) {
	t.Helper()
	device := gpu.NewCPUDevice(logging.NewTestLogger(t))
	m, err := NewManager(device, settings, tunables, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return device, m
}

func testFrustum(settings config.Settings) frustum.Frustum {
	intrinsics := transform.NewPinholeCameraIntrinsics(512, 424, r2.Point{X: 365, Y: 365}, r2.Point{X: 256, Y: 212})
	near, far := settings.DepthBounds()
	return frustum.New(spatialmath.NewPoseFromEulerXYZ(math.Pi, 0, 0, r3.Vector{}), intrinsics, near, far)
}

// fillQueues writes compacted queues the way the rasterizer would.
func fillQueues(m *Manager, v *RootVolume, level1, level2 []uint32) {
	m.EnsureQueues(v)
	for _, q := range []struct {
		queue   *gpu.Buffer[uint32]
		args    *gpu.IndirectArgs
		entries []uint32
	}{
		{v.Level1Queue, v.Level1Args, level1},
		{v.Level2Queue, v.Level2Args, level2},
	} {
		gpu.ResetQueueArgs(q.args)
		copy(q.queue.Data, q.entries)
		n := uint32(len(q.entries))
		q.args.Data[gpu.IndexedOffset+1] = n
		q.args.Data[gpu.DrawOffset+1] = n
		q.args.Data[gpu.ComputeDivOffset] = uint32(utils.DivUp(len(q.entries), QueueGroupSize))
		q.args.Data[gpu.ComputeOffset] = n
	}
}

// integrate stands in for the first two integration stages.
func integrate(m *Manager, v *RootVolume, level1, level2 []uint32) {
	p := m.pools
	vpg0, vpg1 := m.vpg[0], m.vpg[1]
	for _, c1 := range level1 {
		item := &p.RootGrid.Data[int(v.PoolIndex)*vpg0+int(c1)]
		if item.PoolIndex < 0 {
			item.PoolIndex = p.Counts.Data[1]
			p.Counts.Data[1]++
		}
	}
	for _, e := range level2 {
		parent := p.RootGrid.Data[int(v.PoolIndex)*vpg0+int(e)/vpg1]
		item := &p.Level1.Data[int(parent.PoolIndex)*vpg1+int(e)%vpg1]
		if item.PoolIndex < 0 {
			item.PoolIndex = p.Counts.Data[2]
			p.Counts.Data[2]++
		}
	}
}

func TestRootVolumeMap(t *testing.T) {
	m := NewRootVolumeMap()
	for _, o := range []Offset{{1, 0, 0}, {-1, 2, 0}, {0, 0, 0}, {-1, -2, 5}, {1, 0, 0}} {
		m.Insert(o)
	}
	test.That(t, m.Len(), test.ShouldEqual, 4)
	test.That(t, m.Keys(), test.ShouldResemble, []Offset{{-1, -2, 5}, {-1, 2, 0}, {0, 0, 0}, {1, 0, 0}})
	v, ok := m.Get(Offset{0, 0, 0})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v.PoolIndex, test.ShouldEqual, int32(-1))
	test.That(t, v.Allocated(), test.ShouldBeFalse)
	test.That(t, m.Volumes()[2], test.ShouldEqual, v)

	test.That(t, OffsetOf(r3.Vector{X: -0.1, Y: 2.048, Z: 4.1}, 2.048), test.ShouldResemble, Offset{-1, 1, 2})
	box := Offset{-1, 0, 2}.Box(2)
	test.That(t, box.Min, test.ShouldResemble, r3.Vector{X: -2, Y: 0, Z: 4})
	test.That(t, box.Max, test.ShouldResemble, r3.Vector{X: 0, Y: 2, Z: 6})
}

func TestPositionIndex(t *testing.T) {
	idx, ok := PositionIndex(Offset{-8, -8, -8})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, idx, test.ShouldEqual, 0)
	idx, ok = PositionIndex(Offset{7, 7, 7})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, idx, test.ShouldEqual, utils.Cube(AddressableWidth)-1)
	idx, ok = PositionIndex(Offset{1, 2, 3})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, idx, test.ShouldEqual, 9+10*16+11*256)
	_, ok = PositionIndex(Offset{8, 0, 0})
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = PositionIndex(Offset{0, -9, 0})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestUpdateRootVolumes(t *testing.T) {
	settings := config.DefaultSettings()
	_, m := newTestManager(t, settings, config.TunablesFromParameters(nil))
	f := testFrustum(settings)

	test.That(t, m.UpdateRootVolumes(&f), test.ShouldBeNil)
	first, last := m.CandidateRange(&f)
	var expected []Offset
	for z := first.Z; z <= last.Z; z++ {
		for y := first.Y; y <= last.Y; y++ {
			for x := first.X; x <= last.X; x++ {
				o := Offset{x, y, z}
				if !f.CullsBox(o.Box(m.VolumeSizes()[0])) {
					expected = append(expected, o)
				}
			}
		}
	}
	test.That(t, len(expected), test.ShouldBeGreaterThan, 0)
	test.That(t, m.Map().Len(), test.ShouldEqual, len(expected))
	test.That(t, len(m.Vector()), test.ShouldEqual, len(expected))
	for i, v := range m.Vector() {
		test.That(t, v.Visible, test.ShouldBeTrue)
		test.That(t, m.Instances().Data[i], test.ShouldResemble, v.Offset.Int32())
	}
	_, ok := m.Map().Get(Offset{0, 0, -1})
	test.That(t, ok, test.ShouldBeTrue)
	_, ok = m.Map().Get(Offset{0, 0, 3})
	test.That(t, ok, test.ShouldBeFalse)

	t.Run("turning away hides volumes but keeps them", func(t *testing.T) {
		intrinsics := transform.NewPinholeCameraIntrinsics(512, 424, r2.Point{X: 365, Y: 365}, r2.Point{X: 256, Y: 212})
		near, far := settings.DepthBounds()
		back := frustum.New(spatialmath.NewZeroPose(), intrinsics, near, far)
		before := m.Map().Len()
		test.That(t, m.UpdateRootVolumes(&back), test.ShouldBeNil)
		test.That(t, m.Map().Len(), test.ShouldBeGreaterThan, before)
		v, _ := m.Map().Get(Offset{0, 0, -3})
		test.That(t, v.Visible, test.ShouldBeFalse)
		for _, visible := range m.Vector() {
			test.That(t, visible.Visible, test.ShouldBeTrue)
		}
	})

	t.Run("instance cap", func(t *testing.T) {
		small := config.DefaultSettings()
		small.VoxelSize = 0.0005
		small.TruncationDistance = 0.01
		_, m := newTestManager(t, small, config.TunablesFromParameters(nil))
		f := testFrustum(small)
		err := m.UpdateRootVolumes(&f)
		test.That(t, errors.Is(err, ErrInstanceCapExceeded), test.ShouldBeTrue)
		test.That(t, IsPrecondition(err), test.ShouldBeTrue)
		test.That(t, len(m.Vector()), test.ShouldEqual, 0)
	})
}

func TestAllocate(t *testing.T) {
	ctx := context.Background()
	settings := config.DefaultSettings()
	device, m := newTestManager(t, settings, config.TunablesFromParameters(nil))
	f := testFrustum(settings)
	test.That(t, m.UpdateRootVolumes(&f), test.ShouldBeNil)

	a, _ := m.Map().Get(Offset{0, 0, -1})
	b, _ := m.Map().Get(Offset{-1, 0, -1})
	fillQueues(m, a, []uint32{3, 7}, []uint32{3*512 + 1, 3*512 + 2, 7*512 + 9})
	fillQueues(m, b, []uint32{0}, []uint32{5})

	test.That(t, m.Allocate(ctx, []*RootVolume{a, b}), test.ShouldBeNil)
	test.That(t, a.PoolIndex, test.ShouldEqual, int32(0))
	test.That(t, b.PoolIndex, test.ShouldEqual, int32(1))
	p := m.Pools()
	test.That(t, p.Counts.Data[0], test.ShouldEqual, int32(2))
	test.That(t, p.Counts.Data[RequestLevel1Word], test.ShouldEqual, int32(3))
	test.That(t, p.Counts.Data[RequestTSDFWord], test.ShouldEqual, int32(4))
	test.That(t, p.RootGrid.Len(), test.ShouldEqual, 2*4096)
	test.That(t, p.Level1.Len(), test.ShouldEqual, 3*512)
	test.That(t, p.TSDF.Len(), test.ShouldEqual, 4*512)
	test.That(t, p.RootGrid.Data[4095], test.ShouldResemble, EmptyGridItem)
	test.That(t, p.Volume.Data[1].Offset, test.ShouldResemble, [3]int32{-1, 0, -1})
	idx, _ := PositionIndex(a.Offset)
	test.That(t, p.Positions.Data[idx], test.ShouldEqual, int32(0))

	box, ok := m.AABB()
	test.That(t, ok, test.ShouldBeTrue)
	size := m.VolumeSizes()[0]
	test.That(t, box.Min, test.ShouldResemble, r3.Vector{X: -size, Y: 0, Z: -size})
	test.That(t, box.Max, test.ShouldResemble, r3.Vector{X: size, Y: size, Z: 0})

	integrate(m, a, []uint32{3, 7}, []uint32{3*512 + 1, 3*512 + 2, 7*512 + 9})
	integrate(m, b, []uint32{0}, []uint32{5})
	device.Upload(p.Counts)

	t.Run("only new cells are requested", func(t *testing.T) {
		fillQueues(m, a, []uint32{3, 8}, []uint32{3*512 + 1, 8*512 + 0})
		test.That(t, m.Allocate(ctx, []*RootVolume{a}), test.ShouldBeNil)
		test.That(t, p.Counts.Data[RequestLevel1Word], test.ShouldEqual, int32(1))
		test.That(t, p.Counts.Data[RequestTSDFWord], test.ShouldEqual, int32(1))
		test.That(t, p.Level1.Len(), test.ShouldEqual, 4*512)
		test.That(t, p.TSDF.Len(), test.ShouldEqual, 5*512)
		test.That(t, a.PoolIndex, test.ShouldEqual, int32(0))
	})

	usage := m.RefreshCounts()
	test.That(t, usage[0].Grids, test.ShouldEqual, 2)
	test.That(t, usage[0].Bytes, test.ShouldEqual, int64(2*4096*8))
	test.That(t, usage[2].Name, test.ShouldEqual, "tsdf")
	test.That(t, usage[2].Full(), test.ShouldBeFalse)
	test.That(t, p.TotalBytes(), test.ShouldEqual, int64(2*4096*8+3*512*8+4*512*4+2*VolumeItemSize))
	test.That(t, device.Stats().Hazards, test.ShouldEqual, 0)
}

func TestAllocateAllOrNothing(t *testing.T) {
	ctx := context.Background()
	settings := config.DefaultSettings()
	tunables := config.TunablesFromParameters(nil)
	tunables.PoolSizesMB[2] = 0.001
	_, m := newTestManager(t, settings, tunables)
	f := testFrustum(settings)
	test.That(t, m.UpdateRootVolumes(&f), test.ShouldBeNil)

	a, _ := m.Map().Get(Offset{0, 0, -1})
	fillQueues(m, a, []uint32{3}, []uint32{3 * 512})
	err := m.Allocate(ctx, []*RootVolume{a})
	test.That(t, errors.Is(err, ErrPoolFull), test.ShouldBeTrue)
	var full *PoolFullError
	test.That(t, errors.As(err, &full), test.ShouldBeTrue)
	test.That(t, full.Pools, test.ShouldResemble, []string{"tsdf"})
	test.That(t, err.Error(), test.ShouldEqual, "pool full: tsdf")

	p := m.Pools()
	test.That(t, a.PoolIndex, test.ShouldEqual, int32(-1))
	test.That(t, p.Counts.Data[0], test.ShouldEqual, int32(0))
	test.That(t, p.RootGrid.Len(), test.ShouldEqual, 0)
	test.That(t, p.Level1.Len(), test.ShouldEqual, 0)
	_, ok := m.AABB()
	test.That(t, ok, test.ShouldBeFalse)

	t.Run("no requests fit any budget", func(t *testing.T) {
		tiny := config.TunablesFromParameters(nil)
		tiny.PoolSizesMB = [config.HierarchyLevels]float64{0.04, 0.001, 0.001}
		_, m2 := newTestManager(t, settings, tiny)
		test.That(t, m2.UpdateRootVolumes(&f), test.ShouldBeNil)
		a2, _ := m2.Map().Get(Offset{0, 0, -1})
		fillQueues(m2, a2, nil, nil)
		test.That(t, m2.Allocate(ctx, []*RootVolume{a2}), test.ShouldBeNil)
		test.That(t, a2.PoolIndex, test.ShouldEqual, int32(0))
	})
}

func TestAllocateAddressableWidth(t *testing.T) {
	settings := config.DefaultSettings()
	_, m := newTestManager(t, settings, config.TunablesFromParameters(nil))
	far := m.Map().Insert(Offset{8, 0, 0})
	fillQueues(m, far, []uint32{0}, []uint32{0})
	err := m.Allocate(context.Background(), []*RootVolume{far})
	test.That(t, errors.Is(err, ErrAddressableWidthExceeded), test.ShouldBeTrue)
	test.That(t, IsPrecondition(err), test.ShouldBeTrue)
	test.That(t, far.PoolIndex, test.ShouldEqual, int32(-1))
	test.That(t, m.Pools().RootGrid.Len(), test.ShouldEqual, 0)
}

// Pool indices never change once assigned, whatever the visibility.
func TestPoolIndexStability(t *testing.T) {
	ctx := context.Background()
	settings := config.DefaultSettings()
	_, m := newTestManager(t, settings, config.TunablesFromParameters(nil))
	intrinsics := transform.NewPinholeCameraIntrinsics(512, 424, r2.Point{X: 365, Y: 365}, r2.Point{X: 256, Y: 212})
	near, far := settings.DepthBounds()

	assigned := map[Offset]int32{}
	for frame := 0; frame < 24; frame++ {
		yaw := float64(frame) * math.Pi / 6
		pose := spatialmath.NewPoseFromEulerXYZ(0, yaw, 0, r3.Vector{})
		f := frustum.New(pose, intrinsics, near, far)
		test.That(t, m.UpdateRootVolumes(&f), test.ShouldBeNil)

		var queued []*RootVolume
		for i, v := range m.Vector() {
			if i%3 == frame%3 {
				fillQueues(m, v, []uint32{uint32(i % 4096)}, nil)
				queued = append(queued, v)
			}
		}
		test.That(t, m.Allocate(ctx, queued), test.ShouldBeNil)
		for _, v := range m.Map().Volumes() {
			if old, ok := assigned[v.Offset]; ok {
				test.That(t, v.PoolIndex, test.ShouldEqual, old)
			} else if v.Allocated() {
				assigned[v.Offset] = v.PoolIndex
			}
		}
	}
	seen := map[int32]bool{}
	for _, idx := range assigned {
		test.That(t, seen[idx], test.ShouldBeFalse)
		seen[idx] = true
	}
	test.That(t, len(seen), test.ShouldEqual, int(m.Pools().Counts.Data[0]))
}

func TestSampler(t *testing.T) {
	settings := config.DefaultSettings()
	settings.MaxIntegrationWeight = 10
	_, m := newTestManager(t, settings, config.TunablesFromParameters(nil))
	v := m.Map().Insert(Offset{0, 0, 0})
	fillQueues(m, v, []uint32{0}, []uint32{0})
	test.That(t, m.Allocate(context.Background(), []*RootVolume{v}), test.ShouldBeNil)
	integrate(m, v, []uint32{0}, []uint32{0})

	// the first TSDF grid covers [0, 0.016)^3; write a linear field along x
	p := m.Pools()
	for z := 0; z < 8; z++ {
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				p.TSDF.Data[x+y*8+z*64] = Voxel{TSDF: EncodeSnorm16(0.7 - 0.2*float64(x)), Weight: 5}
			}
		}
	}
	s := m.Sampler()
	voxel := settings.VoxelSize

	cell := s.Lookup(r3.Vector{X: 1.5 * voxel, Y: 0.5 * voxel, Z: 0.5 * voxel})
	test.That(t, cell.Level, test.ShouldEqual, VoxelCell)
	test.That(t, cell.Index, test.ShouldEqual, 1)
	test.That(t, cell.Voxel.Value(), test.ShouldAlmostEqual, 0.5, 1e-4)

	cell = s.Lookup(r3.Vector{X: 0.02, Y: 0.001, Z: 0.001})
	test.That(t, cell.Level, test.ShouldEqual, EmptyLevel1Cell)
	test.That(t, cell.Box.Min.X, test.ShouldAlmostEqual, 0.016)
	test.That(t, cell.Box.Max.X, test.ShouldAlmostEqual, 0.032)

	cell = s.Lookup(r3.Vector{X: 0.2, Y: 0.001, Z: 0.001})
	test.That(t, cell.Level, test.ShouldEqual, EmptyRootGridCell)
	test.That(t, cell.Box.Min.X, test.ShouldAlmostEqual, 0.128)

	cell = s.Lookup(r3.Vector{X: -0.5})
	test.That(t, cell.Level, test.ShouldEqual, EmptyRootVolume)
	test.That(t, cell.Box.Min.X, test.ShouldAlmostEqual, -2.048)

	value, ok := s.Trilinear(r3.Vector{X: 2 * voxel, Y: 2 * voxel, Z: 2 * voxel}, 5)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, value, test.ShouldAlmostEqual, 0.7-0.2*1.5, 1e-4)
	_, ok = s.Trilinear(r3.Vector{X: 2 * voxel, Y: 2 * voxel, Z: 2 * voxel}, 6)
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = s.Trilinear(r3.Vector{X: 0.2 * voxel, Y: 2 * voxel, Z: 2 * voxel}, 1)
	test.That(t, ok, test.ShouldBeFalse)

	n, ok := s.Gradient(r3.Vector{X: 3.5 * voxel, Y: 3.5 * voxel, Z: 3.5 * voxel}, 1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, n.X, test.ShouldAlmostEqual, -1, 1e-9)

	test.That(t, EncodeSnorm16(2), test.ShouldEqual, int16(math.MaxInt16))
	test.That(t, DecodeSnorm16(math.MinInt16), test.ShouldEqual, -1.)
	test.That(t, s.ColorAt(0), test.ShouldEqual, uint32(0))
}
