// Package gpu is the compute resource layer used by the reconstruction: typed buffers and
// textures, define-baked kernels, direct and indirect dispatches and draws, pipeline barriers
// and host readback. The bundled device executes kernels on the CPU.
package gpu

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// ResourceID uniquely identifies a resource for the lifetime of the process.
type ResourceID uint64

var lastResourceID uint64

func nextResourceID() ResourceID {
	return ResourceID(atomic.AddUint64(&lastResourceID, 1))
}

// Usage describes how a resource may be used.
type Usage uint8

// Resource usages; they may be combined.
const (
	UsageShaderRead Usage = 1 << iota
	UsageShaderWrite
	UsageIndirect
	UsageHostRead
	UsageHostWrite
)

// UsageDefault is a storage resource read and written by kernels and the host.
const UsageDefault = UsageShaderRead | UsageShaderWrite | UsageHostRead | UsageHostWrite

// Format is the element format of a texture.
type Format uint8

// Known texture formats.
const (
	FormatUnknown Format = iota
	FormatR16UI
	FormatR32F
	FormatR32I
	FormatR32UI
	FormatR8UI
	FormatRGBA8
	FormatRGBA32F
)

func (f Format) String() string {
	switch f {
	case FormatR16UI:
		return "R16UI"
	case FormatR32F:
		return "R32F"
	case FormatR32I:
		return "R32I"
	case FormatR32UI:
		return "R32UI"
	case FormatR8UI:
		return "R8UI"
	case FormatRGBA8:
		return "RGBA8"
	case FormatRGBA32F:
		return "RGBA32F"
	case FormatUnknown:
	}
	return "unknown"
}

// Resource is anything that can be bound to a kernel.
type Resource interface {
	ID() ResourceID
	Name() string
	SizeBytes() int64
}

// BufferDesc describes a structured buffer.
type BufferDesc struct {
	Name  string
	Usage Usage
}

// Buffer is a structured buffer whose storage is mapped into host memory.
type Buffer[T any] struct {
	id   ResourceID
	desc BufferDesc
	Data []T
}

// NewBuffer allocates a zeroed buffer of n elements.
func NewBuffer[T any](desc BufferDesc, n int) *Buffer[T] {
	if desc.Usage == 0 {
		desc.Usage = UsageDefault
	}
	return &Buffer[T]{id: nextResourceID(), desc: desc, Data: make([]T, n)}
}

// NewBufferFromData wraps existing host data.
func NewBufferFromData[T any](desc BufferDesc, data []T) *Buffer[T] {
	buf := NewBuffer[T](desc, 0)
	buf.Data = data
	return buf
}

// ID returns the resource id.
func (b *Buffer[T]) ID() ResourceID { return b.id }

// Name returns the debug name.
func (b *Buffer[T]) Name() string { return b.desc.Name }

// Desc returns the descriptor.
func (b *Buffer[T]) Desc() BufferDesc { return b.desc }

// Len returns the number of elements.
func (b *Buffer[T]) Len() int { return len(b.Data) }

// ElementSize returns the size of one element in bytes.
func (b *Buffer[T]) ElementSize() int64 {
	var zero T
	return int64(unsafe.Sizeof(zero))
}

// SizeBytes returns the buffer size in bytes.
func (b *Buffer[T]) SizeBytes() int64 {
	return int64(len(b.Data)) * b.ElementSize()
}

// Grow appends n zeroed elements and returns the index of the first one. Existing elements keep
// their indices.
func (b *Buffer[T]) Grow(n int) int {
	first := len(b.Data)
	if n > 0 {
		b.Data = append(b.Data, make([]T, n)...)
	}
	return first
}

// Clear zeroes the storage.
func (b *Buffer[T]) Clear() {
	clear(b.Data)
}

// Fill sets every element to v.
func (b *Buffer[T]) Fill(v T) {
	for i := range b.Data {
		b.Data[i] = v
	}
}

func (b *Buffer[T]) String() string {
	return fmt.Sprintf("Buffer(%s, %d)", b.desc.Name, len(b.Data))
}

// TextureDesc describes a 2D or 3D texture. Depth is 1 for 2D textures.
type TextureDesc struct {
	Name   string
	Width  int
	Height int
	Depth  int
	Format Format
	Usage  Usage
}

// Texture2D is a row-major 2D image.
type Texture2D[T any] struct {
	id   ResourceID
	desc TextureDesc
	Data []T
}

// NewTexture2D allocates a zeroed 2D texture.
func NewTexture2D[T any](desc TextureDesc) *Texture2D[T] {
	desc.Depth = 1
	if desc.Usage == 0 {
		desc.Usage = UsageDefault
	}
	return &Texture2D[T]{id: nextResourceID(), desc: desc, Data: make([]T, desc.Width*desc.Height)}
}

// ID returns the resource id.
func (t *Texture2D[T]) ID() ResourceID { return t.id }

// Name returns the debug name.
func (t *Texture2D[T]) Name() string { return t.desc.Name }

// Desc returns the descriptor.
func (t *Texture2D[T]) Desc() TextureDesc { return t.desc }

// Width returns the width in texels.
func (t *Texture2D[T]) Width() int { return t.desc.Width }

// Height returns the height in texels.
func (t *Texture2D[T]) Height() int { return t.desc.Height }

// SizeBytes returns the texture size in bytes.
func (t *Texture2D[T]) SizeBytes() int64 {
	var zero T
	return int64(len(t.Data)) * int64(unsafe.Sizeof(zero))
}

// InBounds reports whether (x, y) addresses a texel.
func (t *Texture2D[T]) InBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < t.desc.Width && y < t.desc.Height
}

// Index returns the linear index of (x, y).
func (t *Texture2D[T]) Index(x, y int) int {
	return y*t.desc.Width + x
}

// At returns the texel at (x, y).
func (t *Texture2D[T]) At(x, y int) T {
	return t.Data[y*t.desc.Width+x]
}

// Set stores the texel at (x, y).
func (t *Texture2D[T]) Set(x, y int, v T) {
	t.Data[y*t.desc.Width+x] = v
}

// Clear zeroes the storage.
func (t *Texture2D[T]) Clear() {
	clear(t.Data)
}

// Fill sets every texel to v.
func (t *Texture2D[T]) Fill(v T) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Texture3D is a dense volume laid out x fastest, then y, then z.
type Texture3D[T any] struct {
	id   ResourceID
	desc TextureDesc
	Data []T
}

// NewTexture3D allocates a zeroed 3D texture.
func NewTexture3D[T any](desc TextureDesc) *Texture3D[T] {
	if desc.Usage == 0 {
		desc.Usage = UsageDefault
	}
	return &Texture3D[T]{id: nextResourceID(), desc: desc, Data: make([]T, desc.Width*desc.Height*desc.Depth)}
}

// ID returns the resource id.
func (t *Texture3D[T]) ID() ResourceID { return t.id }

// Name returns the debug name.
func (t *Texture3D[T]) Name() string { return t.desc.Name }

// Desc returns the descriptor.
func (t *Texture3D[T]) Desc() TextureDesc { return t.desc }

// SizeBytes returns the texture size in bytes.
func (t *Texture3D[T]) SizeBytes() int64 {
	var zero T
	return int64(len(t.Data)) * int64(unsafe.Sizeof(zero))
}

// Index returns the linear index of (x, y, z).
func (t *Texture3D[T]) Index(x, y, z int) int {
	return (z*t.desc.Height+y)*t.desc.Width + x
}

// At returns the texel at (x, y, z).
func (t *Texture3D[T]) At(x, y, z int) T {
	return t.Data[t.Index(x, y, z)]
}

// Set stores the texel at (x, y, z).
func (t *Texture3D[T]) Set(x, y, z int, v T) {
	t.Data[t.Index(x, y, z)] = v
}

// Clear zeroes the storage.
func (t *Texture3D[T]) Clear() {
	clear(t.Data)
}

// Fill sets every texel to v.
func (t *Texture3D[T]) Fill(v T) {
	for i := range t.Data {
		t.Data[i] = v
	}
}
