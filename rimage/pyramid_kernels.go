package rimage

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/fusion/gpu"
	"go.viam.com/fusion/rimage/transform"
)

// PyramidProgram is the kernel source of the depth pyramid.
const PyramidProgram = "slam/depth_pyramid.comp"

// TileSize is the edge of the square thread group of every image kernel.
const TileSize = 8

func tileLocalSize(d gpu.Defines) gpu.Dim3 {
	return gpu.Dim3{X: d.Int("TILE_SIZE"), Y: d.Int("TILE_SIZE"), Z: 1}
}

func init() {
	gpu.RegisterProgram(PyramidProgram, gpu.Program{
		RequiredDefines: []string{"TILE_SIZE", "DEPTH_MIN", "DEPTH_MAX"},
		Entries: map[string]gpu.Entry{
			"bilateral":         {LocalSize: tileLocalSize, Bind: bindBilateral},
			"raw_vertex":        {LocalSize: tileLocalSize, Bind: bindRawVertex},
			"downsample_depth":  {LocalSize: tileLocalSize, Bind: bindDownsampleDepth},
			"vertex_map":        {LocalSize: tileLocalSize, Bind: bindVertexMap},
			"normal_map":        {LocalSize: tileLocalSize, Bind: bindNormalMap},
			"downsample_vertex": {LocalSize: tileLocalSize, Bind: bindDownsampleVertex},
		},
	})
}

// depthRange returns the accepted raw depth range in millimetres.
func depthRange(d gpu.Defines) (uint16, uint16) {
	return uint16(d.Int("DEPTH_MIN")), uint16(d.Int("DEPTH_MAX"))
}

// bilateral converts raw millimetres to metres and smooths them with an edge preserving
// filter. Neighbours further than three sigmas in depth from the center do not contribute.
func bindBilateral(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	raw := gpu.Tex2D[uint16](r, "raw")
	out := gpu.Tex2D[float32](r, "depth")
	if err := r.Err(); err != nil {
		return nil, err
	}
	lo, hi := depthRange(d)
	radius := d.Int("BILATERAL_RADIUS")
	spatial := GaussianKernel2D(radius, d.Float("SIGMA_SPACE"))
	sigmaDepth := d.Float("SIGMA_DEPTH")
	rangeWeight := GaussianFunction1D(sigmaDepth)
	size := 2*radius + 1

	return func(tc gpu.ThreadContext) {
		x, y := tc.Global.X, tc.Global.Y
		if !out.InBounds(x, y) {
			return
		}
		center := raw.At(x, y)
		if center == 0 || center < lo || center > hi {
			out.Set(x, y, 0)
			return
		}
		var sum, weights float64
		for dy := -radius; dy <= radius; dy++ {
			for dx := -radius; dx <= radius; dx++ {
				nx, ny := x+dx, y+dy
				if !raw.InBounds(nx, ny) {
					continue
				}
				sample := raw.At(nx, ny)
				if sample == 0 || sample < lo || sample > hi {
					continue
				}
				diff := float64(sample) - float64(center)
				if math.Abs(diff) > 3*sigmaDepth {
					continue
				}
				w := spatial[(dy+radius)*size+dx+radius] * rangeWeight(diff)
				sum += w * float64(sample)
				weights += w
			}
		}
		out.Set(x, y, float32(sum/weights/1000))
	}, nil
}

// raw_vertex back-projects the unfiltered depth into camera space.
func bindRawVertex(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	raw := gpu.Tex2D[uint16](r, "raw")
	out := gpu.Tex2D[r3.Vector](r, "vertex")
	intrinsics := gpu.Const[transform.PinholeCameraIntrinsics](r, "intrinsics")
	if err := r.Err(); err != nil {
		return nil, err
	}
	lo, hi := depthRange(d)
	return func(tc gpu.ThreadContext) {
		x, y := tc.Global.X, tc.Global.Y
		if !out.InBounds(x, y) {
			return
		}
		mm := raw.At(x, y)
		if mm == 0 || mm < lo || mm > hi {
			out.Set(x, y, InvalidVector)
			return
		}
		out.Set(x, y, intrinsics.PixelToPoint(float64(x), float64(y), float64(mm)/1000))
	}, nil
}

// downsample_depth halves the resolution, averaging the 2x2 samples close in depth to the
// first valid one.
func bindDownsampleDepth(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	in := gpu.Tex2D[float32](r, "in")
	out := gpu.Tex2D[float32](r, "out")
	if err := r.Err(); err != nil {
		return nil, err
	}
	limit := 3 * d.Float("SIGMA_DEPTH") / 1000
	return func(tc gpu.ThreadContext) {
		x, y := tc.Global.X, tc.Global.Y
		if !out.InBounds(x, y) {
			return
		}
		var first, sum float64
		count := 0
		for dy := 0; dy < 2; dy++ {
			for dx := 0; dx < 2; dx++ {
				sx, sy := 2*x+dx, 2*y+dy
				if !in.InBounds(sx, sy) {
					continue
				}
				v := float64(in.At(sx, sy))
				if v <= 0 {
					continue
				}
				if count == 0 {
					first = v
				}
				if math.Abs(v-first) > limit {
					continue
				}
				sum += v
				count++
			}
		}
		if count == 0 {
			out.Set(x, y, 0)
			return
		}
		out.Set(x, y, float32(sum/float64(count)))
	}, nil
}

func bindVertexMap(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	depth := gpu.Tex2D[float32](r, "depth")
	out := gpu.Tex2D[r3.Vector](r, "vertex")
	intrinsics := gpu.Const[transform.PinholeCameraIntrinsics](r, "intrinsics")
	if err := r.Err(); err != nil {
		return nil, err
	}
	return func(tc gpu.ThreadContext) {
		x, y := tc.Global.X, tc.Global.Y
		if !out.InBounds(x, y) {
			return
		}
		z := float64(depth.At(x, y))
		if z <= 0 {
			out.Set(x, y, InvalidVector)
			return
		}
		out.Set(x, y, intrinsics.PixelToPoint(float64(x), float64(y), z))
	}, nil
}

// normal_map takes central differences of the vertex map and orients the result towards
// origin, which is the camera center in the frame of the vertices.
func bindNormalMap(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	vertex := gpu.Tex2D[r3.Vector](r, "vertex")
	out := gpu.Tex2D[r3.Vector](r, "normal")
	origin := gpu.Const[r3.Vector](r, "origin")
	if err := r.Err(); err != nil {
		return nil, err
	}
	return func(tc gpu.ThreadContext) {
		x, y := tc.Global.X, tc.Global.Y
		if !out.InBounds(x, y) {
			return
		}
		if x == 0 || y == 0 || x == vertex.Width()-1 || y == vertex.Height()-1 {
			out.Set(x, y, InvalidVector)
			return
		}
		center := vertex.At(x, y)
		left, right := vertex.At(x-1, y), vertex.At(x+1, y)
		up, down := vertex.At(x, y-1), vertex.At(x, y+1)
		if !IsValid(center) || !IsValid(left) || !IsValid(right) || !IsValid(up) || !IsValid(down) {
			out.Set(x, y, InvalidVector)
			return
		}
		n := right.Sub(left).Cross(down.Sub(up))
		norm := n.Norm()
		if norm == 0 {
			out.Set(x, y, InvalidVector)
			return
		}
		n = n.Mul(1 / norm)
		if n.Dot(origin.Sub(center)) < 0 {
			n = n.Mul(-1)
		}
		out.Set(x, y, n)
	}, nil
}

// downsample_vertex halves a vertex and normal map pair by averaging valid 2x2 samples.
func bindDownsampleVertex(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	vin := gpu.Tex2D[r3.Vector](r, "vertex_in")
	nin := gpu.Tex2D[r3.Vector](r, "normal_in")
	vout := gpu.Tex2D[r3.Vector](r, "vertex_out")
	nout := gpu.Tex2D[r3.Vector](r, "normal_out")
	if err := r.Err(); err != nil {
		return nil, err
	}
	return func(tc gpu.ThreadContext) {
		x, y := tc.Global.X, tc.Global.Y
		if !vout.InBounds(x, y) {
			return
		}
		var vsum, nsum r3.Vector
		count := 0
		for dy := 0; dy < 2; dy++ {
			for dx := 0; dx < 2; dx++ {
				sx, sy := 2*x+dx, 2*y+dy
				if !vin.InBounds(sx, sy) {
					continue
				}
				v, n := vin.At(sx, sy), nin.At(sx, sy)
				if !IsValid(v) || !IsValid(n) {
					continue
				}
				vsum = vsum.Add(v)
				nsum = nsum.Add(n)
				count++
			}
		}
		if count == 0 || nsum.Norm() == 0 {
			vout.Set(x, y, InvalidVector)
			nout.Set(x, y, InvalidVector)
			return
		}
		vout.Set(x, y, vsum.Mul(1/float64(count)))
		nout.Set(x, y, nsum.Normalize())
	}, nil
}
