// Package preprocess implements the deterministic volumetric transform
// pipeline applied to every upload before inference: load volume, ensure a
// leading channel axis, reorient to RAS, resample to 1 mm isotropic spacing,
// and z-score normalize each channel over its nonzero voxels.
package preprocess

import (
	"errors"
	"fmt"
	"math"

	"neuroseg-backend/internal/core"
	"neuroseg-backend/internal/nifti"
)

// ErrPreprocess wraps any failure inside the transform pipeline.
var ErrPreprocess = errors.New("preprocessing failed")

// targetSpacing is the isotropic voxel spacing, in millimeters, the model
// was trained at.
const targetSpacing = 1.0

// Meta carries the spatial context of a preprocessed volume, needed to write
// the segmentation mask back out in the same physical frame.
type Meta struct {
	// Affine of the resampled RAS volume (and therefore of the mask).
	Affine [4][4]float64
	// SourceDims are the voxel dims of the file as uploaded.
	SourceDims [3]int
	// SourceChannels is the channel count of the file as uploaded.
	SourceChannels int
}

// Processor is the stateless preprocessing pipeline. It holds no fitted
// parameters; one instance serves all requests.
type Processor struct{}

func NewProcessor() *Processor {
	return &Processor{}
}

// Preprocess runs the fixed transform sequence over the NIfTI file at path.
func (p *Processor) Preprocess(path string) (*core.Tensor, *Meta, error) {
	img, err := nifti.Read(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: load volume: %v", ErrPreprocess, err)
	}
	meta := &Meta{SourceDims: img.Dims, SourceChannels: img.Channels}

	img, err = reorientToRAS(img)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPreprocess, err)
	}

	img = resampleIsotropic(img)
	normalizeNonzero(img)

	meta.Affine = img.Affine
	return &core.Tensor{Channels: img.Channels, Dims: img.Dims, Data: img.Data}, meta, nil
}

// reorientToRAS permutes and flips the voxel axes so that axis 0 increases
// toward the anatomical Right, axis 1 toward Anterior, and axis 2 toward
// Superior, rewriting the affine to match.
func reorientToRAS(img *nifti.Image) (*nifti.Image, error) {
	// perm[w] is the source voxel axis whose direction is dominated by
	// world axis w; flip[w] marks a negative direction.
	var perm [3]int
	var flip [3]bool
	claimed := [3]bool{}
	for w := 0; w < 3; w++ {
		best, bestAbs := -1, 0.0
		for j := 0; j < 3; j++ {
			if claimed[j] {
				continue
			}
			if abs := math.Abs(img.Affine[w][j]); abs > bestAbs {
				best, bestAbs = j, abs
			}
		}
		if best < 0 || bestAbs == 0 {
			return nil, fmt.Errorf("degenerate affine, cannot determine orientation")
		}
		claimed[best] = true
		perm[w] = best
		flip[w] = img.Affine[w][best] < 0
	}

	identity := perm == [3]int{0, 1, 2} && !flip[0] && !flip[1] && !flip[2]
	if identity {
		return img, nil
	}

	out := &nifti.Image{
		Channels: img.Channels,
		Dims:     [3]int{img.Dims[perm[0]], img.Dims[perm[1]], img.Dims[perm[2]]},
		Data:     make([]float32, len(img.Data)),
	}

	for c := 0; c < img.Channels; c++ {
		for a := 0; a < out.Dims[0]; a++ {
			for b := 0; b < out.Dims[1]; b++ {
				for d := 0; d < out.Dims[2]; d++ {
					var src [3]int
					for w, o := range [3]int{a, b, d} {
						idx := o
						if flip[w] {
							idx = out.Dims[w] - 1 - o
						}
						src[perm[w]] = idx
					}
					out.Data[((c*out.Dims[0]+a)*out.Dims[1]+b)*out.Dims[2]+d] =
						img.At(c, src[0], src[1], src[2])
				}
			}
		}
	}

	// Rebuild the affine: permute columns, negate flipped ones, and shift
	// the translation to the new origin voxel.
	out.Affine[3][3] = 1
	for w := 0; w < 3; w++ {
		j := perm[w]
		sign := 1.0
		if flip[w] {
			sign = -1
		}
		for r := 0; r < 3; r++ {
			out.Affine[r][w] = sign * img.Affine[r][j]
		}
	}
	for r := 0; r < 3; r++ {
		t := img.Affine[r][3]
		for w := 0; w < 3; w++ {
			if flip[w] {
				j := perm[w]
				t += img.Affine[r][j] * float64(img.Dims[j]-1)
			}
		}
		out.Affine[r][3] = t
	}
	return out, nil
}

// resampleIsotropic trilinearly resamples the volume to targetSpacing along
// every axis. A volume already at unit spacing passes through unchanged.
func resampleIsotropic(img *nifti.Image) *nifti.Image {
	spacing := img.Spacing()
	same := true
	for _, s := range spacing {
		if math.Abs(s-targetSpacing) > 1e-6 {
			same = false
		}
	}
	if same {
		return img
	}

	var newDims [3]int
	var scale [3]float64 // output index -> input index
	for w := 0; w < 3; w++ {
		newDims[w] = int(math.Round(float64(img.Dims[w]) * spacing[w] / targetSpacing))
		if newDims[w] < 1 {
			newDims[w] = 1
		}
		scale[w] = targetSpacing / spacing[w]
	}

	out := &nifti.Image{
		Channels: img.Channels,
		Dims:     newDims,
		Data:     make([]float32, img.Channels*newDims[0]*newDims[1]*newDims[2]),
	}
	for c := 0; c < img.Channels; c++ {
		for a := 0; a < newDims[0]; a++ {
			x := float64(a) * scale[0]
			for b := 0; b < newDims[1]; b++ {
				y := float64(b) * scale[1]
				for d := 0; d < newDims[2]; d++ {
					z := float64(d) * scale[2]
					out.Data[((c*newDims[0]+a)*newDims[1]+b)*newDims[2]+d] = trilinear(img, c, x, y, z)
				}
			}
		}
	}

	// Columns rescaled to unit length, translation preserved.
	out.Affine = img.Affine
	for w := 0; w < 3; w++ {
		for r := 0; r < 3; r++ {
			out.Affine[r][w] = img.Affine[r][w] / spacing[w] * targetSpacing
		}
	}
	return out
}

func trilinear(img *nifti.Image, c int, x, y, z float64) float32 {
	clampf := func(v float64, hi int) (int, float64) {
		if v <= 0 {
			return 0, 0
		}
		if v >= float64(hi-1) {
			return hi - 1, 0
		}
		i := int(v)
		return i, v - float64(i)
	}
	i0, fx := clampf(x, img.Dims[0])
	j0, fy := clampf(y, img.Dims[1])
	k0, fz := clampf(z, img.Dims[2])
	i1, j1, k1 := i0, j0, k0
	if fx > 0 {
		i1 = i0 + 1
	}
	if fy > 0 {
		j1 = j0 + 1
	}
	if fz > 0 {
		k1 = k0 + 1
	}

	lerp := func(a, b float32, f float64) float32 {
		return a + float32(f)*(b-a)
	}
	c00 := lerp(img.At(c, i0, j0, k0), img.At(c, i1, j0, k0), fx)
	c10 := lerp(img.At(c, i0, j1, k0), img.At(c, i1, j1, k0), fx)
	c01 := lerp(img.At(c, i0, j0, k1), img.At(c, i1, j0, k1), fx)
	c11 := lerp(img.At(c, i0, j1, k1), img.At(c, i1, j1, k1), fx)
	return lerp(lerp(c00, c10, fy), lerp(c01, c11, fy), fz)
}

// normalizeNonzero applies per-channel zero-mean/unit-variance scaling
// computed over nonzero voxels only; background zeros are left untouched.
func normalizeNonzero(img *nifti.Image) {
	voxels := img.VoxelCount()
	for c := 0; c < img.Channels; c++ {
		ch := img.Data[c*voxels : (c+1)*voxels]

		var sum float64
		var n int
		for _, v := range ch {
			if v != 0 {
				sum += float64(v)
				n++
			}
		}
		if n == 0 {
			continue
		}
		mean := sum / float64(n)

		var varSum float64
		for _, v := range ch {
			if v != 0 {
				d := float64(v) - mean
				varSum += d * d
			}
		}
		std := math.Sqrt(varSum / float64(n))
		if std == 0 {
			std = 1
		}

		for i, v := range ch {
			if v != 0 {
				ch[i] = float32((float64(v) - mean) / std)
			}
		}
	}
}
