package tracking

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/fusion/config"
	"go.viam.com/fusion/gpu"
	"go.viam.com/fusion/logging"
	"go.viam.com/fusion/rimage"
	"go.viam.com/fusion/spatialmath"
	"go.viam.com/fusion/utils"
)

// ICP gates and failure thresholds.
const (
	// DistanceThreshold is the largest point distance in metres of an accepted correspondence.
	DistanceThreshold = 0.1
	// AngleThreshold is the smallest normal cosine of an accepted correspondence.
	AngleThreshold = 0.75
	// MinDeterminant is the smallest determinant of J^T J that still constrains all six axes.
	MinDeterminant = 1e-5
	// MinCorrespondences is the fewest correspondences a level iteration may solve with.
	MinCorrespondences = 64
	// MaxTranslation and MaxRotation bound the motion between two frames.
	MaxTranslation = 0.15
	MaxRotation    = 0.3

	reduceBlock = 256
)

var _ Tracker = (*ICPTracker)(nil)

// ICPTracker aligns the reference pyramid with the raycast pyramid by coarse to fine projective
// point-to-plane ICP. The normal equations are accumulated and reduced on the device; only the
// 29 reduced words are read back per iteration.
type ICPTracker struct {
	device     gpu.Device
	logger     logging.Logger
	iterations []int

	summands    *gpu.Kernel
	reduce      *gpu.Kernel
	reduceFinal *gpu.Kernel

	levels []*icpLevel
	total  *gpu.Buffer[float64]
}

type icpLevel struct {
	summands *gpu.Buffer[float64]
	partial  *gpu.Buffer[float64]
}

// NewICPTracker compiles the tracker kernels. settings supplies the iterations per level.
func NewICPTracker(device gpu.Device, settings config.Settings, logger logging.Logger) (*ICPTracker, error) {
	defines := gpu.Defines{
		"TILE_SIZE":          rimage.TileSize,
		"DISTANCE_THRESHOLD": DistanceThreshold,
		"ANGLE_THRESHOLD":    AngleThreshold,
		"REDUCE_BLOCK":       reduceBlock,
	}
	t := &ICPTracker{
		device:     device,
		logger:     logger,
		iterations: append([]int(nil), settings.PyramidLevelIterations[:settings.PyramidLevelCount]...),
		total:      gpu.NewBuffer[float64](gpu.BufferDesc{Name: "icp_total"}, SummandWords),
	}
	var err error
	if t.summands, err = device.Compile(ICPProgram, "summands", defines); err != nil {
		return nil, err
	}
	if t.reduce, err = device.Compile(ICPProgram, "reduce", defines); err != nil {
		return nil, err
	}
	if t.reduceFinal, err = device.Compile(ICPProgram, "reduce_final", defines); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *ICPTracker) level(l, width, height int) *icpLevel {
	for len(t.levels) <= l {
		t.levels = append(t.levels, nil)
	}
	pixels := width * height
	lvl := t.levels[l]
	if lvl == nil || lvl.summands.Len() != pixels*SummandWords {
		lvl = &icpLevel{
			summands: gpu.NewBuffer[float64](gpu.BufferDesc{Name: "icp_summands"}, pixels*SummandWords),
			partial:  gpu.NewBuffer[float64](gpu.BufferDesc{Name: "icp_partial"}, utils.DivUp(pixels, reduceBlock)*SummandWords),
		}
		t.levels[l] = lvl
	}
	return lvl
}

// Track implements Tracker.
func (t *ICPTracker) Track(ctx context.Context, in Input) (Result, error) {
	levels := len(t.iterations)
	if in.Reference == nil || in.Raycast == nil {
		return Result{}, errors.New("tracking needs both a reference and a raycast pyramid")
	}
	if in.Reference.Levels() < levels || in.Raycast.Levels() < levels || len(in.Intrinsics) < levels {
		return Result{}, errors.Errorf("tracking needs %d pyramid levels", levels)
	}
	lost := Result{Pose: in.PreviousPose, Lost: true}
	previousInverse := in.PreviousPose.Inverse()
	estimate := in.PreviousPose
	iterations := 0

	for l := levels - 1; l >= 0; l-- {
		for i := 0; i < t.iterations[l]; i++ {
			iterations++
			sums, err := t.accumulate(ctx, l, in, estimate, previousInverse)
			if err != nil {
				return Result{}, err
			}
			step, ok := t.solve(sums, l)
			if !ok {
				lost.Iterations = iterations
				return lost, nil
			}
			estimate = spatialmath.Compose(step, estimate)
		}
	}

	translation, rotation := spatialmath.PoseDelta(in.PreviousPose, estimate)
	if translation > MaxTranslation || rotation > MaxRotation {
		t.logger.Debugw("tracking rejected a large motion", "translation", translation, "rotation", rotation)
		lost.Iterations = iterations
		return lost, nil
	}
	return Result{Pose: estimate, Iterations: iterations}, nil
}

func (t *ICPTracker) accumulate(
	ctx context.Context,
	l int,
	in Input,
	estimate, previousInverse spatialmath.Pose,
) ([]float64, error) {
	vertex := in.Reference.Vertex[l]
	lvl := t.level(l, vertex.Width(), vertex.Height())

	b := gpu.NewBindings().
		Read("vertex", vertex).
		Read("normal", in.Reference.Normal[l]).
		Read("raycast_vertex", in.Raycast.Vertex[l]).
		Read("raycast_normal", in.Raycast.Normal[l]).
		Write("summands", lvl.summands).
		Constant("pose", estimate).
		Constant("previous_inverse", previousInverse).
		Constant("intrinsics", in.Intrinsics[l])
	groups := gpu.Dim3{X: utils.DivUp(vertex.Width(), rimage.TileSize), Y: utils.DivUp(vertex.Height(), rimage.TileSize), Z: 1}
	if err := t.device.Dispatch(ctx, t.summands, groups, b); err != nil {
		return nil, err
	}
	t.device.Barrier()

	blocks := lvl.partial.Len() / SummandWords
	if err := t.device.Dispatch(ctx, t.reduce, gpu.Groups1D(blocks),
		gpu.NewBindings().Read("summands", lvl.summands).Write("partial", lvl.partial)); err != nil {
		return nil, err
	}
	t.device.Barrier()
	if err := t.device.Dispatch(ctx, t.reduceFinal, gpu.Groups1D(1),
		gpu.NewBindings().Read("partial", lvl.partial).Write("total", t.total)); err != nil {
		return nil, err
	}
	t.device.Readback(t.total)
	return t.total.Data, nil
}

// solve turns the reduced system into a pose increment T(t) * Rx * Ry * Rz.
func (t *ICPTracker) solve(sums []float64, l int) (spatialmath.Pose, bool) {
	count := sums[countWord]
	if count < MinCorrespondences {
		t.logger.Debugw("too few correspondences", "level", l, "count", count)
		return spatialmath.Pose{}, false
	}
	a := mat.NewSymDense(6, nil)
	rhs := mat.NewVecDense(6, nil)
	k := 0
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			a.SetSym(i, j, sums[k])
			k++
		}
		rhs.SetVec(i, sums[21+i])
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		t.logger.Debugw("normal equations are not positive definite", "level", l)
		return spatialmath.Pose{}, false
	}
	if det := chol.Det(); math.IsNaN(det) || det < MinDeterminant {
		t.logger.Debugw("normal equations are degenerate", "level", l, "det", det)
		return spatialmath.Pose{}, false
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, rhs); err != nil {
		t.logger.Debugw("cannot solve normal equations", "level", l, "error", err)
		return spatialmath.Pose{}, false
	}
	for i := 0; i < 6; i++ {
		if math.IsNaN(x.AtVec(i)) {
			return spatialmath.Pose{}, false
		}
	}
	return spatialmath.NewPoseFromEulerXYZ(x.AtVec(0), x.AtVec(1), x.AtVec(2),
		r3.Vector{X: x.AtVec(3), Y: x.AtVec(4), Z: x.AtVec(5)}), true
}
