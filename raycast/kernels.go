package raycast

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/fusion/config"
	"go.viam.com/fusion/gpu"
	"go.viam.com/fusion/hierarchy"
	"go.viam.com/fusion/rimage"
	"go.viam.com/fusion/rimage/transform"
	"go.viam.com/fusion/spatialmath"
)

// Program is the kernel source of the raycaster.
const Program = "slam/raycast.comp"

// Marching constants in units of the voxel size.
const (
	// SkipEpsilon moves a ray past the boundary of an empty cell.
	SkipEpsilon = 0.01
	// StepFactor scales the distance field value into a safe step.
	StepFactor = 0.8
	// maxSteps bounds the march of a single ray.
	maxSteps = 1 << 16
)

func init() {
	gpu.RegisterProgram(Program, gpu.Program{
		RequiredDefines: []string{
			"TILE_SIZE", "GRID_RES_0", "GRID_RES_1", "GRID_RES_2", "VOXEL_SIZE", "TRUNCATION",
			"MIN_WEIGHT", "DEPTH_MIN", "DEPTH_MAX",
		},
		Entries: map[string]gpu.Entry{
			"raycast": {
				LocalSize: func(d gpu.Defines) gpu.Dim3 {
					return gpu.Dim3{X: d.Int("TILE_SIZE"), Y: d.Int("TILE_SIZE"), Z: 1}
				},
				Bind: bindRaycast,
			},
		},
	})
}

// hit is the zero crossing found by a ray.
type hit struct {
	t      float64
	vertex r3.Vector
}

// marcher walks rays through the hierarchy.
type marcher struct {
	sampler    *hierarchy.Sampler
	voxel      float64
	truncation float64
	minWeight  int
	backsides  bool
}

// march returns the first accepted zero crossing along origin + t*dir for t in [tMin, tMax].
// dir must be unit length.
func (m *marcher) march(origin, dir r3.Vector, tMin, tMax float64) (hit, bool) {
	eps := SkipEpsilon * m.voxel
	t := tMin
	var prev, tPrev float64
	havePrev := false
	for steps := 0; t <= tMax && steps < maxSteps; steps++ {
		pt := origin.Add(dir.Mul(t))
		cell := m.sampler.Lookup(pt)
		if cell.Level != hierarchy.VoxelCell {
			_, exit, ok := cell.Box.IntersectRay(origin, dir)
			if !ok || exit < t {
				exit = t
			}
			t = exit + eps
			havePrev = false
			continue
		}
		if cell.Voxel.Weight == 0 || int(cell.Voxel.Weight) < m.minWeight {
			t += m.voxel
			havePrev = false
			continue
		}
		value := cell.Voxel.Value()
		if havePrev {
			front := prev > 0 && value <= 0
			back := m.backsides && prev < 0 && value >= 0
			if front || back {
				return m.refine(origin, dir, tPrev, t, prev, value), true
			}
		}
		prev, tPrev, havePrev = value, t, true
		t += math.Max(m.voxel, StepFactor*math.Abs(value)*m.truncation)
	}
	return hit{}, false
}

// refine interpolates the crossing between two straddling samples, preferring trilinear
// values and falling back to the nearest voxels.
func (m *marcher) refine(origin, dir r3.Vector, t0, t1, f0, f1 float64) hit {
	a, okA := m.sampler.Trilinear(origin.Add(dir.Mul(t0)), m.minWeight)
	b, okB := m.sampler.Trilinear(origin.Add(dir.Mul(t1)), m.minWeight)
	if okA && okB && a != b && (a > 0) != (b > 0) {
		f0, f1 = a, b
	}
	t := t0
	if f0 != f1 {
		t = t0 + (t1-t0)*f0/(f0-f1)
	}
	return hit{t: t, vertex: origin.Add(dir.Mul(t))}
}

// raycast marches one ray per pixel and writes world space vertices, their normals when
// NORMALS_FROM_TSDF is set, and the camera depth of every hit. Misses are NaN and depth 0.
func bindRaycast(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	positions := gpu.Buf[int32](r, "positions")
	rootGrid := gpu.Buf[hierarchy.GridItem](r, "root_grid")
	level1 := gpu.Buf[hierarchy.GridItem](r, "level1")
	tsdf := gpu.Buf[hierarchy.Voxel](r, "tsdf")
	vertex := gpu.Tex2D[r3.Vector](r, "vertex")
	normal := gpu.Tex2D[r3.Vector](r, "normal")
	depth := gpu.Tex2D[float32](r, "depth")
	pose := gpu.Const[spatialmath.Pose](r, "pose")
	intrinsics := gpu.Const[transform.PinholeCameraIntrinsics](r, "intrinsics")
	bounds := gpu.Const[spatialmath.AABB](r, "bounds")
	if err := r.Err(); err != nil {
		return nil, err
	}
	settings := config.Settings{
		VoxelSize:       d.Float("VOXEL_SIZE"),
		GridResolutions: [config.HierarchyLevels]int{d.Int("GRID_RES_0"), d.Int("GRID_RES_1"), d.Int("GRID_RES_2")},
	}
	m := &marcher{
		sampler:    hierarchy.NewSampler(settings, positions.Data, rootGrid.Data, level1.Data, tsdf.Data, nil),
		voxel:      settings.VoxelSize,
		truncation: d.Float("TRUNCATION"),
		minWeight:  d.Int("MIN_WEIGHT"),
		backsides:  d.Bool("BACKSIDES"),
	}
	normalsFromTSDF := d.Bool("NORMALS_FROM_TSDF")
	near, far := d.Float("DEPTH_MIN")/1000, d.Float("DEPTH_MAX")/1000
	eye := pose.Point()

	return func(tc gpu.ThreadContext) {
		x, y := tc.Global.X, tc.Global.Y
		if !vertex.InBounds(x, y) {
			return
		}
		vertex.Set(x, y, rimage.InvalidVector)
		normal.Set(x, y, rimage.InvalidVector)
		depth.Set(x, y, 0)

		ray := intrinsics.Ray(float64(x), float64(y))
		scale := ray.Norm()
		dir := pose.Rotate(ray.Mul(1 / scale))
		tMin, tMax := near*scale, far*scale
		t0, t1, ok := bounds.IntersectRay(eye, dir)
		if !ok {
			return
		}
		tMin, tMax = math.Max(tMin, t0), math.Min(tMax, t1)
		if tMin >= tMax {
			return
		}
		h, ok := m.march(eye, dir, tMin, tMax)
		if !ok {
			return
		}
		vertex.Set(x, y, h.vertex)
		depth.Set(x, y, float32(h.t/scale))
		if !normalsFromTSDF {
			return
		}
		n, ok := m.sampler.Gradient(h.vertex, m.minWeight)
		if !ok {
			return
		}
		if n.Dot(dir) > 0 {
			n = n.Mul(-1)
		}
		normal.Set(x, y, n)
	}, nil
}
