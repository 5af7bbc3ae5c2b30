package tracking

import (
	"github.com/golang/geo/r3"

	"go.viam.com/fusion/gpu"
	"go.viam.com/fusion/rimage"
	"go.viam.com/fusion/rimage/transform"
	"go.viam.com/fusion/spatialmath"
)

// ICPProgram is the kernel source of the point-to-plane tracker.
const ICPProgram = "slam/icp.comp"

// SummandWords is the per pixel record of the normal equations: the 21 entries of the upper
// triangle of J^T J, the 6 entries of J^T r, the squared residual and the correspondence count.
const SummandWords = 29

const (
	residualWord = 27
	countWord    = 28
)

func init() {
	gpu.RegisterProgram(ICPProgram, gpu.Program{
		RequiredDefines: []string{"TILE_SIZE", "DISTANCE_THRESHOLD", "ANGLE_THRESHOLD", "REDUCE_BLOCK"},
		Entries: map[string]gpu.Entry{
			"summands": {
				LocalSize: func(d gpu.Defines) gpu.Dim3 {
					return gpu.Dim3{X: d.Int("TILE_SIZE"), Y: d.Int("TILE_SIZE"), Z: 1}
				},
				Bind: bindSummands,
			},
			"reduce": {
				LocalSize: func(gpu.Defines) gpu.Dim3 { return gpu.Dim3{X: SummandWords, Y: 1, Z: 1} },
				Bind:      bindReduce,
			},
			"reduce_final": {
				LocalSize: func(gpu.Defines) gpu.Dim3 { return gpu.Dim3{X: SummandWords, Y: 1, Z: 1} },
				Bind:      bindReduceFinal,
			},
		},
	})
}

// summands associates each reference pixel with the raycast pixel it projects to in the
// previous camera and writes its contribution to the linearized point-to-plane system.
func bindSummands(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	vertex := gpu.Tex2D[r3.Vector](r, "vertex")
	normal := gpu.Tex2D[r3.Vector](r, "normal")
	raycastVertex := gpu.Tex2D[r3.Vector](r, "raycast_vertex")
	raycastNormal := gpu.Tex2D[r3.Vector](r, "raycast_normal")
	out := gpu.Buf[float64](r, "summands")
	pose := gpu.Const[spatialmath.Pose](r, "pose")
	previousInverse := gpu.Const[spatialmath.Pose](r, "previous_inverse")
	intrinsics := gpu.Const[transform.PinholeCameraIntrinsics](r, "intrinsics")
	if err := r.Err(); err != nil {
		return nil, err
	}
	maxDistance := d.Float("DISTANCE_THRESHOLD")
	minCos := d.Float("ANGLE_THRESHOLD")
	width, height := vertex.Width(), vertex.Height()

	return func(tc gpu.ThreadContext) {
		x, y := tc.Global.X, tc.Global.Y
		if x >= width || y >= height {
			return
		}
		row := out.Data[(y*width+x)*SummandWords : (y*width+x+1)*SummandWords]
		clear(row)

		v, n := vertex.At(x, y), normal.At(x, y)
		if !rimage.IsValid(v) || !rimage.IsValid(n) {
			return
		}
		vw := pose.Transform(v)
		nw := pose.Rotate(n)
		u, w, ok := intrinsics.PointToPixelIndex(previousInverse.Transform(vw))
		if !ok {
			return
		}
		vr, nr := raycastVertex.At(u, w), raycastNormal.At(u, w)
		if !rimage.IsValid(vr) || !rimage.IsValid(nr) {
			return
		}
		if vw.Sub(vr).Norm() > maxDistance || nw.Dot(nr) < minCos {
			return
		}

		c := vw.Cross(nr)
		jac := [6]float64{c.X, c.Y, c.Z, nr.X, nr.Y, nr.Z}
		res := nr.Dot(vr.Sub(vw))
		k := 0
		for i := 0; i < 6; i++ {
			for j := i; j < 6; j++ {
				row[k] = jac[i] * jac[j]
				k++
			}
		}
		for i := 0; i < 6; i++ {
			row[21+i] = jac[i] * res
		}
		row[residualWord] = res * res
		row[countWord] = 1
	}, nil
}

// reduce sums REDUCE_BLOCK consecutive records per group; thread i owns word i.
func bindReduce(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	in := gpu.Buf[float64](r, "summands")
	out := gpu.Buf[float64](r, "partial")
	if err := r.Err(); err != nil {
		return nil, err
	}
	block := d.Int("REDUCE_BLOCK")
	records := in.Len() / SummandWords
	return func(tc gpu.ThreadContext) {
		word := tc.Local.X
		from := tc.Group.X * block
		to := from + block
		if to > records {
			to = records
		}
		var sum float64
		for i := from; i < to; i++ {
			sum += in.Data[i*SummandWords+word]
		}
		out.Data[tc.Group.X*SummandWords+word] = sum
	}, nil
}

func bindReduceFinal(d gpu.Defines, b *gpu.Bindings) (gpu.Invocation, error) {
	r := gpu.NewResolver(b)
	in := gpu.Buf[float64](r, "partial")
	out := gpu.Buf[float64](r, "total")
	if err := r.Err(); err != nil {
		return nil, err
	}
	records := in.Len() / SummandWords
	return func(tc gpu.ThreadContext) {
		word := tc.Local.X
		var sum float64
		for i := 0; i < records; i++ {
			sum += in.Data[i*SummandWords+word]
		}
		out.Data[word] = sum
	}, nil
}
