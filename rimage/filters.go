package rimage

import (
	"math"

	"github.com/golang/geo/r3"
)

// GaussianFunction1D returns an unnormalized 1D gaussian with the given sigma.
func GaussianFunction1D(sigma float64) func(x float64) float64 {
	if sigma <= 0. {
		return func(x float64) float64 {
			return 1.
		}
	}
	twoSigmaSq := 2. * sigma * sigma
	return func(x float64) float64 {
		return math.Exp(-(x * x) / twoSigmaSq)
	}
}

// GaussianKernel2D returns the spatial weights of a square (2*radius+1)^2 window, row major.
func GaussianKernel2D(radius int, sigma float64) []float64 {
	g := GaussianFunction1D(sigma)
	size := 2*radius + 1
	out := make([]float64, size*size)
	for y := -radius; y <= radius; y++ {
		for x := -radius; x <= radius; x++ {
			out[(y+radius)*size+x+radius] = g(math.Sqrt(float64(x*x + y*y)))
		}
	}
	return out
}

// InvalidVector marks a missing vertex or normal.
var InvalidVector = r3.Vector{X: math.NaN(), Y: math.NaN(), Z: math.NaN()}

// IsValid reports whether v holds a finite vertex or normal.
func IsValid(v r3.Vector) bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z) &&
		!math.IsInf(v.X, 0) && !math.IsInf(v.Y, 0) && !math.IsInf(v.Z, 0)
}
