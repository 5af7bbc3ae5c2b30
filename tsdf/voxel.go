// Package tsdf fuses depth frames into the voxel grids queued for each root volume.
package tsdf

import (
	"image/color"
	"math"

	"go.viam.com/fusion/hierarchy"
)

// PackRGBA8 packs c as 0xAABBGGRR.
func PackRGBA8(c color.RGBA) uint32 {
	return uint32(c.R) | uint32(c.G)<<8 | uint32(c.B)<<16 | uint32(c.A)<<24
}

// UnpackRGBA8 is the inverse of PackRGBA8.
func UnpackRGBA8(v uint32) color.RGBA {
	return color.RGBA{R: uint8(v), G: uint8(v >> 8), B: uint8(v >> 16), A: uint8(v >> 24)}
}

// Blend folds sample, a distance in units of the truncation distance, into v. The weight
// saturates at maxWeight.
func Blend(v hierarchy.Voxel, sample float64, maxWeight int) hierarchy.Voxel {
	w := float64(v.Weight)
	value := (v.Value()*w + sample) / (w + 1)
	return hierarchy.Voxel{
		TSDF:   hierarchy.EncodeSnorm16(value),
		Weight: uint16(min(int(v.Weight)+1, maxWeight)),
	}
}

// BlendColor folds sample into the packed color old, which carries weight samples.
func BlendColor(old uint32, weight int, sample color.RGBA) uint32 {
	if weight == 0 {
		sample.A = math.MaxUint8
		return PackRGBA8(sample)
	}
	c := UnpackRGBA8(old)
	w := float64(weight)
	mix := func(a, b uint8) uint8 {
		return uint8(math.Round((float64(a)*w + float64(b)) / (w + 1)))
	}
	return PackRGBA8(color.RGBA{R: mix(c.R, sample.R), G: mix(c.G, sample.G), B: mix(c.B, sample.B), A: math.MaxUint8})
}
