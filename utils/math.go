package utils

import (
	"fmt"
	"math"
)

// DivUp returns the number of groups of size `groupSize` needed to cover `total` items.
func DivUp(total, groupSize int) int {
	if groupSize <= 0 {
		return 0
	}
	return (total + groupSize - 1) / groupSize
}

// ClampF64 clamps v to [lo, hi].
func ClampF64(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// ClampInt clamps v to [lo, hi].
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FloorDiv returns floor(v / size) as an int.
func FloorDiv(v, size float64) int {
	return int(math.Floor(v / size))
}

// Cube returns n*n*n.
func Cube(n int) int {
	return n * n * n
}

// Megabyte is the number of bytes per megabyte used for pool budgets.
const Megabyte = 1024 * 1024

// BytesToMB converts a byte count to megabytes.
func BytesToMB(n int64) float64 {
	return float64(n) / Megabyte
}

// FormatBytes renders a byte count for humans, e.g. "12.50 MB".
func FormatBytes(n int64) string {
	switch {
	case n >= 1024*Megabyte:
		return fmt.Sprintf("%.2f GB", float64(n)/(1024*Megabyte))
	case n >= Megabyte:
		return fmt.Sprintf("%.2f MB", BytesToMB(n))
	case n >= 1024:
		return fmt.Sprintf("%.2f KB", float64(n)/1024)
	}
	return fmt.Sprintf("%d B", n)
}
