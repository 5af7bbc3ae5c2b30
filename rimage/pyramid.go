// Package rimage builds the depth, vertex and normal pyramids consumed by tracking, integration
// and raycasting.
package rimage

import (
	"context"
	"fmt"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/fusion/config"
	"go.viam.com/fusion/gpu"
	"go.viam.com/fusion/rimage/transform"
	"go.viam.com/fusion/utils"
)

// Bilateral filter parameters baked into the pyramid kernels.
const (
	BilateralRadius = 2
	SigmaSpace      = 4.5
	// SigmaDepth is in millimetres.
	SigmaDepth = 30.0
)

// Pyramid holds the depth, vertex and normal maps of every level, level 0 being full resolution.
// Depth is in metres with 0 marking no data; invalid vertices and normals are NaN.
type Pyramid struct {
	Depth  []*gpu.Texture2D[float32]
	Vertex []*gpu.Texture2D[r3.Vector]
	Normal []*gpu.Texture2D[r3.Vector]
}

// NewPyramid allocates a pyramid of the given level count for a width x height image.
func NewPyramid(name string, width, height, levels int) *Pyramid {
	p := &Pyramid{
		Depth:  make([]*gpu.Texture2D[float32], levels),
		Vertex: make([]*gpu.Texture2D[r3.Vector], levels),
		Normal: make([]*gpu.Texture2D[r3.Vector], levels),
	}
	for l := 0; l < levels; l++ {
		w, h := width>>l, height>>l
		p.Depth[l] = gpu.NewTexture2D[float32](gpu.TextureDesc{
			Name: fmt.Sprintf("%s_depth_%d", name, l), Width: w, Height: h, Format: gpu.FormatR32F,
		})
		p.Vertex[l] = gpu.NewTexture2D[r3.Vector](gpu.TextureDesc{
			Name: fmt.Sprintf("%s_vertex_%d", name, l), Width: w, Height: h, Format: gpu.FormatRGBA32F,
		})
		p.Normal[l] = gpu.NewTexture2D[r3.Vector](gpu.TextureDesc{
			Name: fmt.Sprintf("%s_normal_%d", name, l), Width: w, Height: h, Format: gpu.FormatRGBA32F,
		})
		p.Vertex[l].Fill(InvalidVector)
		p.Normal[l].Fill(InvalidVector)
	}
	return p
}

// Levels returns the number of levels.
func (p *Pyramid) Levels() int {
	return len(p.Vertex)
}

// Invalidate marks every vertex and normal as missing and clears the depth maps.
func (p *Pyramid) Invalidate() {
	for l := range p.Vertex {
		p.Depth[l].Clear()
		p.Vertex[l].Fill(InvalidVector)
		p.Normal[l].Fill(InvalidVector)
	}
}

// PyramidBuilder records the pyramid passes on a device.
type PyramidBuilder struct {
	device gpu.Device

	bilateral        *gpu.Kernel
	rawVertex        *gpu.Kernel
	downsampleDepth  *gpu.Kernel
	vertexMap        *gpu.Kernel
	normalMap        *gpu.Kernel
	downsampleVertex *gpu.Kernel
}

// NewPyramidBuilder compiles the pyramid kernels for the depth thresholds of settings.
func NewPyramidBuilder(device gpu.Device, settings config.Settings) (*PyramidBuilder, error) {
	defines := gpu.Defines{
		"TILE_SIZE":        TileSize,
		"DEPTH_MIN":        settings.DepthThreshold[0],
		"DEPTH_MAX":        settings.DepthThreshold[1],
		"BILATERAL_RADIUS": BilateralRadius,
		"SIGMA_SPACE":      SigmaSpace,
		"SIGMA_DEPTH":      SigmaDepth,
	}
	pb := &PyramidBuilder{device: device}
	for _, k := range []struct {
		entry string
		out   **gpu.Kernel
	}{
		{"bilateral", &pb.bilateral},
		{"raw_vertex", &pb.rawVertex},
		{"downsample_depth", &pb.downsampleDepth},
		{"vertex_map", &pb.vertexMap},
		{"normal_map", &pb.normalMap},
		{"downsample_vertex", &pb.downsampleVertex},
	} {
		kernel, err := device.Compile(PyramidProgram, k.entry, defines)
		if err != nil {
			return nil, err
		}
		*k.out = kernel
	}
	return pb, nil
}

func tileGroups(width, height int) gpu.Dim3 {
	return gpu.Dim3{X: utils.DivUp(width, TileSize), Y: utils.DivUp(height, TileSize), Z: 1}
}

// BuildReference filters raw and fills out in camera space. rawVertex receives the unfiltered
// full resolution vertices. intrinsics holds one entry per level.
func (pb *PyramidBuilder) BuildReference(
	ctx context.Context,
	raw *gpu.Texture2D[uint16],
	intrinsics []transform.PinholeCameraIntrinsics,
	out *Pyramid,
	rawVertex *gpu.Texture2D[r3.Vector],
) error {
	levels := out.Levels()
	if len(intrinsics) < levels {
		return errors.Errorf("need intrinsics for %d pyramid levels, have %d", levels, len(intrinsics))
	}
	if raw.Width() != out.Depth[0].Width() || raw.Height() != out.Depth[0].Height() {
		return errors.Errorf("depth frame is %dx%d but the pyramid is %dx%d",
			raw.Width(), raw.Height(), out.Depth[0].Width(), out.Depth[0].Height())
	}
	full := tileGroups(raw.Width(), raw.Height())

	if err := pb.device.Dispatch(ctx, pb.bilateral, full,
		gpu.NewBindings().Read("raw", raw).Write("depth", out.Depth[0])); err != nil {
		return err
	}
	if err := pb.device.Dispatch(ctx, pb.rawVertex, full,
		gpu.NewBindings().Read("raw", raw).Write("vertex", rawVertex).Constant("intrinsics", intrinsics[0])); err != nil {
		return err
	}
	pb.device.Barrier()

	for l := 1; l < levels; l++ {
		dst := out.Depth[l]
		if err := pb.device.Dispatch(ctx, pb.downsampleDepth, tileGroups(dst.Width(), dst.Height()),
			gpu.NewBindings().Read("in", out.Depth[l-1]).Write("out", dst)); err != nil {
			return err
		}
		pb.device.Barrier()
	}

	for l := 0; l < levels; l++ {
		dst := out.Vertex[l]
		if err := pb.device.Dispatch(ctx, pb.vertexMap, tileGroups(dst.Width(), dst.Height()),
			gpu.NewBindings().Read("depth", out.Depth[l]).Write("vertex", dst).Constant("intrinsics", intrinsics[l])); err != nil {
			return err
		}
	}
	pb.device.Barrier()

	for l := 0; l < levels; l++ {
		if err := pb.NormalMap(ctx, out.Vertex[l], out.Normal[l], r3.Vector{}); err != nil {
			return err
		}
	}
	pb.device.Barrier()
	return nil
}

// NormalMap computes normals of vertex facing origin. The caller places the barrier.
func (pb *PyramidBuilder) NormalMap(ctx context.Context, vertex, normal *gpu.Texture2D[r3.Vector], origin r3.Vector) error {
	return pb.device.Dispatch(ctx, pb.normalMap, tileGroups(vertex.Width(), vertex.Height()),
		gpu.NewBindings().Read("vertex", vertex).Write("normal", normal).Constant("origin", origin))
}

// DownsampleRaycast fills levels 1 and up of p from level 0.
func (pb *PyramidBuilder) DownsampleRaycast(ctx context.Context, p *Pyramid) error {
	for l := 1; l < p.Levels(); l++ {
		dst := p.Vertex[l]
		b := gpu.NewBindings().
			Read("vertex_in", p.Vertex[l-1]).
			Read("normal_in", p.Normal[l-1]).
			Write("vertex_out", dst).
			Write("normal_out", p.Normal[l])
		if err := pb.device.Dispatch(ctx, pb.downsampleVertex, tileGroups(dst.Width(), dst.Height()), b); err != nil {
			return err
		}
		pb.device.Barrier()
	}
	return nil
}
