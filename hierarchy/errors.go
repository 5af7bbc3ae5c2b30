package hierarchy

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrPoolFull is returned when an allocation would exceed a pool's byte budget.
	ErrPoolFull = errors.New("pool full")
	// ErrInstanceCapExceeded is returned when more root volumes are visible than the instance
	// buffer holds.
	ErrInstanceCapExceeded = errors.New("visible root volume cap exceeded")
	// ErrAddressableWidthExceeded is returned when a root volume outside the addressable cube
	// would be allocated.
	ErrAddressableWidthExceeded = errors.New("addressable width exceeded")
)

// PoolFullError names the pools an allocation did not fit in.
type PoolFullError struct {
	Pools []string
}

func (e *PoolFullError) Error() string {
	return "pool full: " + strings.Join(e.Pools, ", ")
}

// Unwrap returns ErrPoolFull.
func (e *PoolFullError) Unwrap() error {
	return ErrPoolFull
}

// IsPrecondition reports whether err is a fault the reconstruction cannot continue
// integrating after.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrInstanceCapExceeded) || errors.Is(err, ErrAddressableWidthExceeded)
}
