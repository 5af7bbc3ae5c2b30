package inject

import (
	"context"

	"go.viam.com/fusion/gpu"
)

// Device is an injected GPU device.
type Device struct {
	gpu.Device
	CompileFunc          func(path, entry string, defines gpu.Defines) (*gpu.Kernel, error)
	DispatchFunc         func(ctx context.Context, k *gpu.Kernel, groups gpu.Dim3, b *gpu.Bindings) error
	DispatchIndirectFunc func(ctx context.Context, k *gpu.Kernel, args *gpu.IndirectArgs, wordOffset int, b *gpu.Bindings) error
	DrawFunc             func(ctx context.Context, k *gpu.Kernel, args gpu.DrawArgs, b *gpu.Bindings) error
	DrawIndirectFunc     func(ctx context.Context, k *gpu.Kernel, args *gpu.IndirectArgs, wordOffset int, b *gpu.Bindings) error
	ReadbackFunc         func(r gpu.Resource)
}

// NewDevice returns an injected device that defaults to device.
func NewDevice(device gpu.Device) *Device {
	return &Device{Device: device}
}

// Compile calls the injected Compile or the real version.
func (d *Device) Compile(path, entry string, defines gpu.Defines) (*gpu.Kernel, error) {
	if d.CompileFunc == nil {
		return d.Device.Compile(path, entry, defines)
	}
	return d.CompileFunc(path, entry, defines)
}

// Dispatch calls the injected Dispatch or the real version.
func (d *Device) Dispatch(ctx context.Context, k *gpu.Kernel, groups gpu.Dim3, b *gpu.Bindings) error {
	if d.DispatchFunc == nil {
		return d.Device.Dispatch(ctx, k, groups, b)
	}
	return d.DispatchFunc(ctx, k, groups, b)
}

// DispatchIndirect calls the injected DispatchIndirect or the real version.
func (d *Device) DispatchIndirect(
	ctx context.Context, k *gpu.Kernel, args *gpu.IndirectArgs, wordOffset int, b *gpu.Bindings,
) error {
	if d.DispatchIndirectFunc == nil {
		return d.Device.DispatchIndirect(ctx, k, args, wordOffset, b)
	}
	return d.DispatchIndirectFunc(ctx, k, args, wordOffset, b)
}

// Draw calls the injected Draw or the real version.
func (d *Device) Draw(ctx context.Context, k *gpu.Kernel, args gpu.DrawArgs, b *gpu.Bindings) error {
	if d.DrawFunc == nil {
		return d.Device.Draw(ctx, k, args, b)
	}
	return d.DrawFunc(ctx, k, args, b)
}

// DrawIndirect calls the injected DrawIndirect or the real version.
func (d *Device) DrawIndirect(
	ctx context.Context, k *gpu.Kernel, args *gpu.IndirectArgs, wordOffset int, b *gpu.Bindings,
) error {
	if d.DrawIndirectFunc == nil {
		return d.Device.DrawIndirect(ctx, k, args, wordOffset, b)
	}
	return d.DrawIndirectFunc(ctx, k, args, wordOffset, b)
}

// Readback calls the injected Readback or the real version.
func (d *Device) Readback(r gpu.Resource) {
	if d.ReadbackFunc == nil {
		d.Device.Readback(r)
		return
	}
	d.ReadbackFunc(r)
}
