package gpu

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrBinding is returned when a kernel asks for a binding that is missing or of the wrong type.
var ErrBinding = errors.New("bad binding")

// Access is how a kernel uses a bound resource.
type Access uint8

// Access modes.
const (
	Read Access = iota + 1
	Write
	ReadWrite
)

func (a Access) String() string {
	switch a {
	case Read:
		return "read"
	case Write:
		return "write"
	case ReadWrite:
		return "read_write"
	}
	return "unknown"
}

// Reads reports whether the access reads the resource.
func (a Access) Reads() bool { return a == Read || a == ReadWrite }

// Writes reports whether the access writes the resource.
func (a Access) Writes() bool { return a == Write || a == ReadWrite }

// Binding is one named resource slot.
type Binding struct {
	Resource Resource
	Access   Access
}

// Bindings is the resource and constant table of a dispatch.
type Bindings struct {
	slots     map[string]Binding
	constants map[string]interface{}
}

// NewBindings returns an empty table.
func NewBindings() *Bindings {
	return &Bindings{slots: map[string]Binding{}, constants: map[string]interface{}{}}
}

// Read binds r for reading.
func (b *Bindings) Read(name string, r Resource) *Bindings {
	b.slots[name] = Binding{Resource: r, Access: Read}
	return b
}

// Write binds r for writing.
func (b *Bindings) Write(name string, r Resource) *Bindings {
	b.slots[name] = Binding{Resource: r, Access: Write}
	return b
}

// ReadWrite binds r for reading and writing.
func (b *Bindings) ReadWrite(name string, r Resource) *Bindings {
	b.slots[name] = Binding{Resource: r, Access: ReadWrite}
	return b
}

// Constant sets a uniform value.
func (b *Bindings) Constant(name string, v interface{}) *Bindings {
	b.constants[name] = v
	return b
}

// Slots returns the resource bindings.
func (b *Bindings) Slots() map[string]Binding {
	return b.slots
}

// Lookup returns the binding for name.
func (b *Bindings) Lookup(name string) (Binding, bool) {
	slot, ok := b.slots[name]
	return slot, ok
}

func lookupAs[R Resource](b *Bindings, name string) (R, error) {
	var zero R
	if b == nil {
		return zero, errors.Wrapf(ErrBinding, "no bindings for %q", name)
	}
	slot, ok := b.slots[name]
	if !ok || slot.Resource == nil {
		return zero, errors.Wrapf(ErrBinding, "%q is not bound", name)
	}
	r, ok := slot.Resource.(R)
	if !ok {
		return zero, errors.Wrapf(ErrBinding, "%q is bound to %T, wanted %T", name, slot.Resource, zero)
	}
	return r, nil
}

// BufferAt returns the buffer bound as name.
func BufferAt[T any](b *Bindings, name string) (*Buffer[T], error) {
	return lookupAs[*Buffer[T]](b, name)
}

// Texture2DAt returns the 2D texture bound as name.
func Texture2DAt[T any](b *Bindings, name string) (*Texture2D[T], error) {
	return lookupAs[*Texture2D[T]](b, name)
}

// Texture3DAt returns the 3D texture bound as name.
func Texture3DAt[T any](b *Bindings, name string) (*Texture3D[T], error) {
	return lookupAs[*Texture3D[T]](b, name)
}

// ConstantAt returns the constant set as name.
func ConstantAt[T any](b *Bindings, name string) (T, error) {
	var zero T
	if b == nil {
		return zero, errors.Wrapf(ErrBinding, "no bindings for constant %q", name)
	}
	v, ok := b.constants[name]
	if !ok {
		return zero, errors.Wrapf(ErrBinding, "constant %q is not set", name)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, errors.Wrapf(ErrBinding, "constant %q is %T, wanted %T", name, v, zero)
	}
	return typed, nil
}

// Resolver collects binding lookups and their errors so an entry point can resolve all of its
// slots and check once.
type Resolver struct {
	b   *Bindings
	err error
}

// NewResolver starts resolving b.
func NewResolver(b *Bindings) *Resolver {
	return &Resolver{b: b}
}

// Err returns every lookup failure seen so far.
func (r *Resolver) Err() error {
	return r.err
}

func resolve[V any](r *Resolver, v V, err error) V {
	if err != nil {
		r.err = multierr.Append(r.err, err)
	}
	return v
}

// Buf resolves a buffer.
func Buf[T any](r *Resolver, name string) *Buffer[T] {
	v, err := BufferAt[T](r.b, name)
	return resolve(r, v, err)
}

// Tex2D resolves a 2D texture.
func Tex2D[T any](r *Resolver, name string) *Texture2D[T] {
	v, err := Texture2DAt[T](r.b, name)
	return resolve(r, v, err)
}

// Tex3D resolves a 3D texture.
func Tex3D[T any](r *Resolver, name string) *Texture3D[T] {
	v, err := Texture3DAt[T](r.b, name)
	return resolve(r, v, err)
}

// Const resolves a constant.
func Const[T any](r *Resolver, name string) T {
	v, err := ConstantAt[T](r.b, name)
	return resolve(r, v, err)
}
