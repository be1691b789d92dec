package core

import "fmt"

// UNetArch describes the fixed residual 3D U-Net this service infers with:
// a strided encoder, a bottleneck, and a skip-connected decoder. The
// parameter manifest derived from it is the "skeleton" that checkpoints are
// strict-matched against.
type UNetArch struct {
	InChannels  int
	OutChannels int
	Channels    []int
	Strides     []int
	ResUnits    int
}

// DefaultUNet matches the training configuration: 4 MRI channels in
// (FLAIR, T1w, T1gd, T2w), 4 tumor classes out.
func DefaultUNet() UNetArch {
	return UNetArch{
		InChannels:  4,
		OutChannels: 4,
		Channels:    []int{16, 32, 64, 128, 256},
		Strides:     []int{2, 2, 2, 2},
		ResUnits:    2,
	}
}

// convUnitParams emits the six parameters of one conv+batchnorm unit.
func convUnitParams(params map[string][]uint64, prefix string, in, out, kernel int) {
	k := uint64(kernel)
	params[prefix+".conv.weight"] = []uint64{uint64(out), uint64(in), k, k, k}
	params[prefix+".conv.bias"] = []uint64{uint64(out)}
	params[prefix+".norm.weight"] = []uint64{uint64(out)}
	params[prefix+".norm.bias"] = []uint64{uint64(out)}
	params[prefix+".norm.running_mean"] = []uint64{uint64(out)}
	params[prefix+".norm.running_var"] = []uint64{uint64(out)}
}

// ExpectedParameters returns the full parameter manifest of the skeleton:
// final (normalized) name -> tensor shape.
func (a UNetArch) ExpectedParameters() map[string][]uint64 {
	params := make(map[string][]uint64)
	levels := len(a.Channels) - 1

	for l := 0; l < levels; l++ {
		in := a.InChannels
		if l > 0 {
			in = a.Channels[l-1]
		}
		out := a.Channels[l]
		for u := 0; u < a.ResUnits; u++ {
			convUnitParams(params, fmt.Sprintf("model.encoder.%d.unit%d", l, u), in, out, 3)
			in = out
		}
	}

	for u := 0; u < a.ResUnits; u++ {
		in := a.Channels[levels-1]
		if u > 0 {
			in = a.Channels[levels]
		}
		convUnitParams(params, fmt.Sprintf("model.bottleneck.unit%d", u), in, a.Channels[levels], 3)
	}

	for l := 0; l < levels; l++ {
		in := a.Channels[levels-l]
		out := a.Channels[levels-1-l]
		params[fmt.Sprintf("model.decoder.%d.upconv.weight", l)] = []uint64{uint64(in), uint64(out), 2, 2, 2}
		params[fmt.Sprintf("model.decoder.%d.upconv.bias", l)] = []uint64{uint64(out)}
		for u := 0; u < a.ResUnits; u++ {
			// unit0 consumes the upsampled features concatenated with the
			// encoder skip connection.
			unitIn := out
			if u == 0 {
				unitIn = out * 2
			}
			convUnitParams(params, fmt.Sprintf("model.decoder.%d.unit%d", l, u), unitIn, out, 3)
		}
	}

	params["model.head.conv.weight"] = []uint64{uint64(a.OutChannels), uint64(a.Channels[0]), 1, 1, 1}
	params["model.head.conv.bias"] = []uint64{uint64(a.OutChannels)}
	return params
}
