package gpu

import "sync/atomic"

// AtomicAdd adds delta to *addr and returns the previous value, like GLSL atomicAdd.
func AtomicAdd(addr *uint32, delta uint32) uint32 {
	return atomic.AddUint32(addr, delta) - delta
}

// AtomicAddInt adds delta to *addr and returns the previous value.
func AtomicAddInt(addr *int32, delta int32) int32 {
	return atomic.AddInt32(addr, delta) - delta
}

// AtomicStore writes *addr.
func AtomicStore(addr *uint32, v uint32) {
	atomic.StoreUint32(addr, v)
}
