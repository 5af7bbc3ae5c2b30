// Package raycast renders the surface of the reconstruction into vertex and normal maps by
// marching camera rays through the sparse hierarchy.
package raycast

import (
	"context"
	"image/color"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/fusion/config"
	"go.viam.com/fusion/gpu"
	"go.viam.com/fusion/hierarchy"
	"go.viam.com/fusion/logging"
	"go.viam.com/fusion/pointcloud"
	"go.viam.com/fusion/rimage"
	"go.viam.com/fusion/rimage/transform"
	"go.viam.com/fusion/spatialmath"
	"go.viam.com/fusion/utils"
)

// Raycaster records the raycast pass and the downsampling of its pyramid.
type Raycaster struct {
	device          gpu.Device
	logger          logging.Logger
	pyramid         *rimage.PyramidBuilder
	normalsFromTSDF bool

	raycast *gpu.Kernel
}

// NewRaycaster compiles the raycast kernel. pb computes vertex map normals and downsamples the
// output pyramid.
func NewRaycaster(
	device gpu.Device,
	settings config.Settings,
	tunables config.Tunables,
	pb *rimage.PyramidBuilder,
	logger logging.Logger,
) (*Raycaster, error) {
	res := settings.GridResolutions
	defines := gpu.Defines{
		"TILE_SIZE":  rimage.TileSize,
		"GRID_RES_0": res[0],
		"GRID_RES_1": res[1],
		"GRID_RES_2": res[2],
		"VOXEL_SIZE": settings.VoxelSize,
		"TRUNCATION": settings.TruncationDistance,
		"MIN_WEIGHT": tunables.MinWeight,
		"DEPTH_MIN":  settings.DepthThreshold[0],
		"DEPTH_MAX":  settings.DepthThreshold[1],
	}
	if tunables.RaycastBacksides {
		defines["BACKSIDES"] = nil
	}
	if tunables.NormalsFromTSDF {
		defines["NORMALS_FROM_TSDF"] = nil
	}
	k, err := device.Compile(Program, "raycast", defines)
	if err != nil {
		return nil, err
	}
	return &Raycaster{
		device:          device,
		logger:          logger,
		pyramid:         pb,
		normalsFromTSDF: tunables.NormalsFromTSDF,
		raycast:         k,
	}, nil
}

// Raycast fills level 0 of out with the world space surface seen from pose, then derives the
// coarser levels. Rays are clipped to bounds; when hasBounds is false nothing has been
// integrated yet and out is invalidated.
func (rc *Raycaster) Raycast(
	ctx context.Context,
	pools *hierarchy.Pools,
	pose spatialmath.Pose,
	intrinsics transform.PinholeCameraIntrinsics,
	bounds spatialmath.AABB,
	hasBounds bool,
	out *rimage.Pyramid,
) error {
	if !hasBounds {
		out.Invalidate()
		return nil
	}
	vertex, normal := out.Vertex[0], out.Normal[0]
	if vertex.Width() != intrinsics.Width || vertex.Height() != intrinsics.Height {
		return errors.Errorf("raycast pyramid is %dx%d but the intrinsics are %dx%d",
			vertex.Width(), vertex.Height(), intrinsics.Width, intrinsics.Height)
	}
	b := gpu.NewBindings().
		Read("positions", pools.Positions).
		Read("root_grid", pools.RootGrid).
		Read("level1", pools.Level1).
		Read("tsdf", pools.TSDF).
		Write("vertex", vertex).
		Write("normal", normal).
		Write("depth", out.Depth[0]).
		Constant("pose", pose).
		Constant("intrinsics", intrinsics).
		Constant("bounds", bounds)
	groups := gpu.Dim3{
		X: utils.DivUp(vertex.Width(), rimage.TileSize),
		Y: utils.DivUp(vertex.Height(), rimage.TileSize),
		Z: 1,
	}
	if err := rc.device.Dispatch(ctx, rc.raycast, groups, b); err != nil {
		return err
	}
	rc.device.Barrier()
	if !rc.normalsFromTSDF {
		if err := rc.pyramid.NormalMap(ctx, vertex, normal, pose.Point()); err != nil {
			return err
		}
		rc.device.Barrier()
	}
	return rc.pyramid.DownsampleRaycast(ctx, out)
}

// ExtractPointCloud returns the valid level 0 vertices of a raycast pyramid with their normals.
// Points are colored from the color pool of the sampler when it has one.
func ExtractPointCloud(device gpu.Device, p *rimage.Pyramid, sampler *hierarchy.Sampler) (pointcloud.PointCloud, error) {
	vertex, normal := p.Vertex[0], p.Normal[0]
	device.Readback(vertex)
	device.Readback(normal)

	pc := pointcloud.New()
	for y := 0; y < vertex.Height(); y++ {
		for x := 0; x < vertex.Width(); x++ {
			v := vertex.At(x, y)
			if !rimage.IsValid(v) {
				continue
			}
			d := pointcloud.NewBasicData()
			if n := normal.At(x, y); rimage.IsValid(n) {
				d.SetNormal(n)
			}
			if sampler != nil && sampler.Color != nil {
				if c, ok := surfaceColor(sampler, v); ok {
					d.SetColor(c)
				}
			}
			if err := pc.Set(v, d); err != nil {
				return nil, err
			}
		}
	}
	return pc, nil
}

func surfaceColor(s *hierarchy.Sampler, pt r3.Vector) (color.NRGBA, bool) {
	cell := s.Lookup(pt)
	if cell.Level != hierarchy.VoxelCell || cell.Voxel.Weight == 0 {
		return color.NRGBA{}, false
	}
	packed := s.ColorAt(cell.Index)
	return color.NRGBA{R: uint8(packed), G: uint8(packed >> 8), B: uint8(packed >> 16), A: 255}, true
}
