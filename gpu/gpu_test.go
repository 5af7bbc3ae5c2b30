package gpu

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/fusion/logging"
)

const testProgram = "test/scale.comp"

func init() {
	RegisterProgram(testProgram, Program{
		RequiredDefines: []string{"SCALE"},
		Entries: map[string]Entry{
			"scale": {
				LocalSize: func(d Defines) Dim3 { return Dim3{X: d.Int("TILE_SIZE"), Y: 1, Z: 1} },
				Bind: func(d Defines, b *Bindings) (Invocation, error) {
					r := NewResolver(b)
					in := Buf[float32](r, "in")
					out := Buf[float32](r, "out")
					if err := r.Err(); err != nil {
						return nil, err
					}
					scale := float32(d.Float("SCALE"))
					return func(tc ThreadContext) {
						i := tc.Global.X
						if i < in.Len() {
							out.Data[i] = in.Data[i] * scale
						}
					}, nil
				},
			},
			"count": {
				Bind: func(d Defines, b *Bindings) (Invocation, error) {
					r := NewResolver(b)
					counter := Buf[uint32](r, "counter")
					hits := Tex2D[uint32](r, "hits")
					if err := r.Err(); err != nil {
						return nil, err
					}
					return func(tc ThreadContext) {
						AtomicAdd(&counter.Data[0], 1)
						AtomicAdd(&hits.Data[hits.Index(tc.Global.X, tc.Global.Y)], 1)
					}, nil
				},
			},
		},
	})
}

func TestCompile(t *testing.T) {
	dev := NewCPUDevice(logging.NewTestLogger(t))

	_, err := dev.Compile("test/nope.comp", "main", nil)
	test.That(t, errors.Is(err, ErrUnknownProgram), test.ShouldBeTrue)

	_, err = dev.Compile(testProgram, "nope", Defines{"SCALE": 1})
	test.That(t, errors.Is(err, ErrUnknownProgram), test.ShouldBeTrue)

	_, err = dev.Compile(testProgram, "scale", Defines{"TILE_SIZE": 8})
	test.That(t, errors.Is(err, ErrMissingDefine), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "SCALE")

	_, err = dev.Compile(testProgram, "scale", Defines{"SCALE": 2})
	test.That(t, err, test.ShouldNotBeNil)

	k, err := dev.Compile(testProgram, "scale", Defines{"SCALE": 2, "TILE_SIZE": 8})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, k.LocalSize, test.ShouldResemble, Dim3{X: 8, Y: 1, Z: 1})
	test.That(t, k.Name(), test.ShouldEqual, "test/scale.comp:scale")

	cached, err := dev.Compile(testProgram, "scale", Defines{"TILE_SIZE": 8, "SCALE": 2})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cached, test.ShouldEqual, k)

	test.That(t, func() { RegisterProgram(testProgram, Program{}) }, test.ShouldPanic)
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	dev := NewCPUDevice(logging.NewTestLogger(t))
	k, err := dev.Compile(testProgram, "scale", Defines{"SCALE": 3, "TILE_SIZE": 4})
	test.That(t, err, test.ShouldBeNil)

	in := NewBuffer[float32](BufferDesc{Name: "in"}, 10)
	for i := range in.Data {
		in.Data[i] = float32(i)
	}
	out := NewBuffer[float32](BufferDesc{Name: "out"}, 10)
	dev.Upload(in)

	b := NewBindings().Read("in", in).Write("out", out)
	test.That(t, dev.Dispatch(ctx, k, Groups1D(3), b), test.ShouldBeNil)
	dev.Readback(out)
	for i, v := range out.Data {
		test.That(t, v, test.ShouldEqual, float32(3*i))
	}

	t.Run("indirect", func(t *testing.T) {
		out.Fill(-1)
		args := NewIndirectArgs("args")
		args.Data[ComputeOffset] = 1
		args.Data[ComputeOffset+1] = 1
		args.Data[ComputeOffset+2] = 1
		test.That(t, dev.DispatchIndirect(ctx, k, args, ComputeOffset, b), test.ShouldBeNil)
		test.That(t, out.Data[3], test.ShouldEqual, float32(9))
		test.That(t, out.Data[4], test.ShouldEqual, float32(-1))

		err := dev.DispatchIndirect(ctx, k, args, IndirectArgsWords-1, b)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("bad binding", func(t *testing.T) {
		wrong := NewBindings().Read("in", out).Write("out", NewBuffer[uint32](BufferDesc{Name: "u32"}, 1))
		err := dev.Dispatch(ctx, k, Groups1D(1), wrong)
		test.That(t, errors.Is(err, ErrBinding), test.ShouldBeTrue)

		err = dev.Dispatch(ctx, k, Groups1D(1), NewBindings())
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, `"in" is not bound`)
		test.That(t, err.Error(), test.ShouldContainSubstring, `"out" is not bound`)
	})

	t.Run("cancelled", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		test.That(t, dev.Dispatch(cancelled, k, Groups1D(1), b), test.ShouldEqual, context.Canceled)
	})

	test.That(t, dev.Stats().Dispatches[k.Name()], test.ShouldEqual, 5)
}

func TestDraw(t *testing.T) {
	ctx := context.Background()
	dev := NewCPUDevice(logging.NewTestLogger(t))
	k, err := dev.Compile(testProgram, "count", Defines{"SCALE": 1})
	test.That(t, err, test.ShouldBeNil)

	counter := NewBuffer[uint32](BufferDesc{Name: "counter"}, 1)
	hits := NewTexture2D[uint32](TextureDesc{Name: "hits", Width: 5, Height: 3, Format: FormatR32UI})
	b := NewBindings().ReadWrite("counter", counter).ReadWrite("hits", hits)

	test.That(t, dev.Draw(ctx, k, DrawArgs{VertexCount: 5, InstanceCount: 3}, b), test.ShouldBeNil)
	test.That(t, counter.Data[0], test.ShouldEqual, uint32(15))
	for _, v := range hits.Data {
		test.That(t, v, test.ShouldEqual, uint32(1))
	}
	dev.Barrier()

	args := NewIndirectArgs("draw")
	args.Data[DrawOffset] = 2
	args.Data[DrawOffset+1] = 1
	args.Data[DrawOffset+2] = 3
	test.That(t, dev.DrawIndirect(ctx, k, args, DrawOffset, b), test.ShouldBeNil)
	test.That(t, counter.Data[0], test.ShouldEqual, uint32(17))
	test.That(t, hits.At(3, 0), test.ShouldEqual, uint32(2))
	test.That(t, hits.At(4, 0), test.ShouldEqual, uint32(2))
	test.That(t, hits.At(2, 0), test.ShouldEqual, uint32(1))
	test.That(t, dev.Stats().Draws[k.Name()], test.ShouldEqual, 2)
}

func TestHazards(t *testing.T) {
	ctx := context.Background()
	logger, logs := logging.NewObservedTestLogger(t)
	logger.SetLevel(logging.DEBUG)
	dev := NewCPUDevice(logger)
	k, err := dev.Compile(testProgram, "scale", Defines{"SCALE": 2, "TILE_SIZE": 1})
	test.That(t, err, test.ShouldBeNil)

	a := NewBuffer[float32](BufferDesc{Name: "a"}, 4)
	bBuf := NewBuffer[float32](BufferDesc{Name: "b"}, 4)
	c := NewBuffer[float32](BufferDesc{Name: "c"}, 4)

	test.That(t, dev.Dispatch(ctx, k, Groups1D(4), NewBindings().Read("in", a).Write("out", bBuf)), test.ShouldBeNil)
	test.That(t, dev.Dispatch(ctx, k, Groups1D(4), NewBindings().Read("in", bBuf).Write("out", c)), test.ShouldBeNil)
	test.That(t, dev.Stats().Hazards, test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("read without barrier").Len(), test.ShouldEqual, 1)

	dev.Barrier()
	test.That(t, dev.Dispatch(ctx, k, Groups1D(4), NewBindings().Read("in", c).Write("out", a)), test.ShouldBeNil)
	test.That(t, dev.Stats().Hazards, test.ShouldEqual, 1)

	dev.Readback(a)
	test.That(t, dev.Dispatch(ctx, k, Groups1D(4), NewBindings().Read("in", a).Write("out", c)), test.ShouldBeNil)
	stats := dev.Stats()
	test.That(t, stats.Hazards, test.ShouldEqual, 1)
	test.That(t, stats.Barriers, test.ShouldEqual, 1)
	test.That(t, stats.Readbacks, test.ShouldEqual, 1)
	test.That(t, stats.TotalDispatches("test/scale.comp"), test.ShouldEqual, 4)
	test.That(t, stats.TotalDispatches("test"), test.ShouldEqual, 0)
}

func TestResources(t *testing.T) {
	buf := NewBuffer[int64](BufferDesc{Name: "pool"}, 2)
	test.That(t, buf.SizeBytes(), test.ShouldEqual, int64(16))
	first := buf.Grow(3)
	test.That(t, first, test.ShouldEqual, 2)
	test.That(t, buf.Len(), test.ShouldEqual, 5)
	other := NewBuffer[int64](BufferDesc{Name: "other"}, 0)
	test.That(t, other.ID(), test.ShouldNotEqual, buf.ID())

	vol := NewTexture3D[uint8](TextureDesc{Name: "vol", Width: 4, Height: 3, Depth: 2, Format: FormatR8UI})
	vol.Set(3, 2, 1, 7)
	test.That(t, vol.Data[vol.Index(3, 2, 1)], test.ShouldEqual, uint8(7))
	test.That(t, vol.Index(3, 2, 1), test.ShouldEqual, 23)
	test.That(t, vol.SizeBytes(), test.ShouldEqual, int64(24))

	args := NewIndirectArgs("q")
	ResetQueueArgs(args)
	test.That(t, args.Data[IndexedOffset], test.ShouldEqual, uint32(CubeIndexCount))
	test.That(t, QueueLength(args), test.ShouldEqual, 0)
	test.That(t, GroupsAt(args, ComputeOffset), test.ShouldResemble, Dim3{X: 0, Y: 1, Z: 1})

	test.That(t, Defines{"A": 1, "B": nil}.String(), test.ShouldEqual, "-DA=1 -DB")
	test.That(t, Defines{"B": nil}.Bool("B"), test.ShouldBeTrue)
	test.That(t, FormatRGBA8.String(), test.ShouldEqual, "RGBA8")
}
