package gpu

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

var (
	// ErrUnknownProgram is returned when compiling a program or entry point that was never
	// registered.
	ErrUnknownProgram = errors.New("unknown program")
	// ErrMissingDefine is returned when a required define was not supplied at compile time.
	ErrMissingDefine = errors.New("missing define")
)

// Dim3 is a three dimensional extent or coordinate.
type Dim3 struct {
	X, Y, Z int
}

// Count returns X*Y*Z.
func (d Dim3) Count() int {
	return d.X * d.Y * d.Z
}

// Groups1D returns a one dimensional dispatch of n groups.
func Groups1D(n int) Dim3 {
	return Dim3{X: n, Y: 1, Z: 1}
}

// ThreadContext locates one invocation. For draws, Global.X is the vertex and Global.Y the
// instance.
type ThreadContext struct {
	Group  Dim3
	Local  Dim3
	Global Dim3
}

// Invocation is the body run for every thread of a dispatch.
type Invocation func(tc ThreadContext)

// EntryFunc resolves the bindings of a dispatch once and returns the per-thread body.
type EntryFunc func(defines Defines, bindings *Bindings) (Invocation, error)

// Entry is a kernel entry point.
type Entry struct {
	// LocalSize returns the thread group size for the compiled defines; nil means one thread.
	LocalSize func(defines Defines) Dim3
	Bind      EntryFunc
}

// Program is a named kernel source with its entry points.
type Program struct {
	RequiredDefines []string
	Entries         map[string]Entry
}

var (
	programsMu sync.RWMutex
	programs   = map[string]Program{}
)

// RegisterProgram registers a program under a source path. It is meant to be called from init.
func RegisterProgram(path string, program Program) {
	programsMu.Lock()
	defer programsMu.Unlock()
	if _, old := programs[path]; old {
		panic(errors.Errorf("trying to register two programs with the same path: %s", path))
	}
	for name, entry := range program.Entries {
		if entry.Bind == nil {
			panic(errors.Errorf("cannot register a nil entry point %s for program: %s", name, path))
		}
	}
	programs[path] = program
}

// ProgramLookup returns the program registered under path.
func ProgramLookup(path string) (Program, bool) {
	programsMu.RLock()
	defer programsMu.RUnlock()
	p, ok := programs[path]
	return p, ok
}

// Defines are the preprocessor values baked into a kernel.
type Defines map[string]interface{}

// Int returns the define as an int, or 0.
func (d Defines) Int(key string) int {
	return cast.ToInt(d[key])
}

// Float returns the define as a float64, or 0.
func (d Defines) Float(key string) float64 {
	return cast.ToFloat64(d[key])
}

// Bool returns the define as a bool. A present define with no value counts as true.
func (d Defines) Bool(key string) bool {
	v, ok := d[key]
	if !ok {
		return false
	}
	if v == nil {
		return true
	}
	return cast.ToBool(v)
}

// Has reports whether key is defined.
func (d Defines) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// String renders the defines in a stable "-DKEY=VALUE" form.
func (d Defines) String() string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if d[k] == nil {
			parts = append(parts, "-D"+k)
			continue
		}
		parts = append(parts, fmt.Sprintf("-D%s=%v", k, d[k]))
	}
	return strings.Join(parts, " ")
}

// Kernel is a compiled entry point with its defines baked in.
type Kernel struct {
	Program   string
	Entry     string
	Defines   Defines
	LocalSize Dim3
	bind      EntryFunc
}

// Name returns "program:entry".
func (k *Kernel) Name() string {
	return k.Program + ":" + k.Entry
}

// CompileKernel validates defines against the registry and produces a kernel. Devices use it to
// implement Compile.
func CompileKernel(path, entry string, defines Defines) (*Kernel, error) {
	program, ok := ProgramLookup(path)
	if !ok {
		return nil, errors.Wrap(ErrUnknownProgram, path)
	}
	e, ok := program.Entries[entry]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProgram, "%s has no entry point %q", path, entry)
	}
	for _, key := range program.RequiredDefines {
		if !defines.Has(key) {
			return nil, errors.Wrapf(ErrMissingDefine, "%s requires %s", path, key)
		}
	}
	baked := make(Defines, len(defines))
	for k, v := range defines {
		baked[k] = v
	}
	local := Dim3{X: 1, Y: 1, Z: 1}
	if e.LocalSize != nil {
		local = e.LocalSize(baked)
	}
	if local.Count() <= 0 {
		return nil, errors.Errorf("%s:%s has an empty thread group %v", path, entry, local)
	}
	return &Kernel{Program: path, Entry: entry, Defines: baked, LocalSize: local, bind: e.Bind}, nil
}
