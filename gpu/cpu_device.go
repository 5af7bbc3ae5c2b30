package gpu

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/fusion/logging"
	"go.viam.com/fusion/utils"
)

var _ Device = (*CPUDevice)(nil)

// CPUDevice executes kernels on the host. Thread groups run in parallel, threads within a group
// run in order. It tracks which resources were written since the last barrier and counts reads
// of them as hazards.
type CPUDevice struct {
	logger logging.Logger

	mu      sync.Mutex
	stats   Stats
	pending map[ResourceID]string
	kernels map[string]*Kernel
}

// NewCPUDevice returns a host device.
func NewCPUDevice(logger logging.Logger) *CPUDevice {
	return &CPUDevice{
		logger: logger,
		stats: Stats{
			Dispatches: map[string]int{},
			Draws:      map[string]int{},
		},
		pending: map[ResourceID]string{},
		kernels: map[string]*Kernel{},
	}
}

// Name returns "cpu".
func (d *CPUDevice) Name() string {
	return "cpu"
}

// Compile compiles and caches a kernel.
func (d *CPUDevice) Compile(path, entry string, defines Defines) (*Kernel, error) {
	key := path + ":" + entry + " " + defines.String()
	d.mu.Lock()
	if k, ok := d.kernels[key]; ok {
		d.mu.Unlock()
		return k, nil
	}
	d.mu.Unlock()

	k, err := CompileKernel(path, entry, defines)
	if err != nil {
		return nil, err
	}
	d.logger.Debugw("compiled kernel", "kernel", k.Name(), "defines", defines.String(), "local_size", k.LocalSize)

	d.mu.Lock()
	d.kernels[key] = k
	d.mu.Unlock()
	return k, nil
}

// Dispatch runs groups thread groups of k.
func (d *CPUDevice) Dispatch(ctx context.Context, k *Kernel, groups Dim3, b *Bindings) error {
	d.submit(k, b, nil, false)
	return d.runGroups(ctx, k, groups, b)
}

// DispatchIndirect runs k with the group count read from args.
func (d *CPUDevice) DispatchIndirect(ctx context.Context, k *Kernel, args *IndirectArgs, wordOffset int, b *Bindings) error {
	if args == nil || wordOffset+3 > args.Len() {
		return errors.Errorf("invalid indirect arguments for %s at word %d", k.Name(), wordOffset)
	}
	d.submit(k, b, args, false)
	return d.runGroups(ctx, k, GroupsAt(args, wordOffset), b)
}

// Draw runs k for every vertex of every instance.
func (d *CPUDevice) Draw(ctx context.Context, k *Kernel, args DrawArgs, b *Bindings) error {
	d.submit(k, b, nil, true)
	return d.runDraw(ctx, k, args, b)
}

// DrawIndirect runs a draw with arguments read from args.
func (d *CPUDevice) DrawIndirect(ctx context.Context, k *Kernel, args *IndirectArgs, wordOffset int, b *Bindings) error {
	if args == nil || wordOffset+4 > args.Len() {
		return errors.Errorf("invalid indirect arguments for %s at word %d", k.Name(), wordOffset)
	}
	d.submit(k, b, args, true)
	return d.runDraw(ctx, k, DrawArgsAt(args, wordOffset), b)
}

// Barrier makes every previous write visible.
func (d *CPUDevice) Barrier() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Barriers++
	d.pending = map[ResourceID]string{}
}

// Upload records a host write.
func (d *CPUDevice) Upload(r Resource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Uploads++
}

// Readback records a host read. The host waits for all submitted work, so nothing stays
// pending afterwards.
func (d *CPUDevice) Readback(r Resource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Readbacks++
	d.pending = map[ResourceID]string{}
}

// Stats returns a snapshot of the counters.
func (d *CPUDevice) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats.Copy()
}

// submit counts the work, checks its reads against unbarriered writes and then records its
// writes.
func (d *CPUDevice) submit(k *Kernel, b *Bindings, indirect Resource, draw bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name := k.Name()
	if draw {
		d.stats.Draws[name]++
	} else {
		d.stats.Dispatches[name]++
	}

	if indirect != nil {
		d.checkRead(name, "indirect", indirect)
	}
	if b == nil {
		return
	}
	for slot, binding := range b.Slots() {
		if binding.Access.Reads() {
			d.checkRead(name, slot, binding.Resource)
		}
	}
	for _, binding := range b.Slots() {
		if binding.Access.Writes() {
			d.pending[binding.Resource.ID()] = name
		}
	}
}

func (d *CPUDevice) checkRead(kernel, slot string, r Resource) {
	writer, ok := d.pending[r.ID()]
	if !ok {
		return
	}
	d.stats.Hazards++
	d.logger.Debugw("read without barrier",
		"kernel", kernel,
		"slot", slot,
		"resource", r.Name(),
		"writer", writer,
	)
}

func (d *CPUDevice) runGroups(ctx context.Context, k *Kernel, groups Dim3, b *Bindings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	total := groups.Count()
	if total <= 0 {
		return nil
	}
	body, err := k.bind(k.Defines, b)
	if err != nil {
		return errors.Wrapf(err, "cannot bind %s", k.Name())
	}
	local := k.LocalSize
	return utils.GroupWorkParallel(ctx, total, func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
		return func(memberNum, workNum int) {
			group := Dim3{
				X: workNum % groups.X,
				Y: (workNum / groups.X) % groups.Y,
				Z: workNum / (groups.X * groups.Y),
			}
			base := Dim3{X: group.X * local.X, Y: group.Y * local.Y, Z: group.Z * local.Z}
			for z := 0; z < local.Z; z++ {
				for y := 0; y < local.Y; y++ {
					for x := 0; x < local.X; x++ {
						body(ThreadContext{
							Group:  group,
							Local:  Dim3{X: x, Y: y, Z: z},
							Global: Dim3{X: base.X + x, Y: base.Y + y, Z: base.Z + z},
						})
					}
				}
			}
		}, nil
	})
}

func (d *CPUDevice) runDraw(ctx context.Context, k *Kernel, args DrawArgs, b *Bindings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	total := args.VertexCount * args.InstanceCount
	if total <= 0 {
		return nil
	}
	body, err := k.bind(k.Defines, b)
	if err != nil {
		return errors.Wrapf(err, "cannot bind %s", k.Name())
	}
	return utils.ParallelForEach(ctx, total, func(i int) {
		vertex := args.FirstVertex + i%args.VertexCount
		instance := args.FirstInstance + i/args.VertexCount
		body(ThreadContext{Global: Dim3{X: vertex, Y: instance}})
	})
}
