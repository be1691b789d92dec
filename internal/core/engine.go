package core

import (
	"errors"
	"fmt"
	"log/slog"

	"neuroseg-backend/internal/core/utils"
)

// ErrInference wraps any failure inside the windowed inference computation.
var ErrInference = errors.New("inference failed")

// Sliding-window parameters, fixed to the training patch size.
const (
	// InputChannels is the number of MRI channels the model consumes.
	InputChannels = 4
	// NumClasses is the number of output segmentation classes.
	NumClasses = 4

	windowSize   = 96
	windowStride = windowSize / 2 // 50% overlap
	windowBatch  = 4              // windows in flight at once
)

// Predictor runs the model forward pass on a single window. Implementations
// must be safe for concurrent calls.
type Predictor interface {
	// RunWindow consumes an (InputChannels, 96, 96, 96) patch and returns
	// (NumClasses, 96, 96, 96) logits, both flattened w-fastest.
	RunWindow(patch []float32) ([]float32, error)
	// Device names the compute device backing the predictor.
	Device() string
	Release()
}

// Engine holds the loaded model and performs sliding-window inference. One
// Engine is constructed per process and shared read-only across requests.
type Engine struct {
	predictor Predictor
}

// NewEngine wraps an already constructed predictor. Production code goes
// through LoadEngine; tests inject fakes here.
func NewEngine(p Predictor) *Engine {
	return &Engine{predictor: p}
}

// LoadEngine opens and strict-verifies the checkpoint at path, then builds
// the ONNX Runtime session for it.
func LoadEngine(path string) (*Engine, error) {
	ckpt, err := OpenCheckpoint(path)
	if err != nil {
		return nil, err
	}
	if err := ckpt.VerifyAgainst(DefaultUNet().ExpectedParameters()); err != nil {
		return nil, err
	}
	slog.Info("checkpoint verified against model skeleton", "path", path, "parameters", len(ckpt.Params))

	predictor, err := newOnnxPredictor(ckpt.GraphBytes)
	if err != nil {
		return nil, err
	}
	return NewEngine(predictor), nil
}

// Device reports the compute device of the underlying predictor.
func (e *Engine) Device() string {
	return e.predictor.Device()
}

// Release frees the model. The Engine must not be used afterwards.
func (e *Engine) Release() {
	e.predictor.Release()
}

type window struct {
	d, h, w int
}

type windowResult struct {
	origin window
	logits []float32
}

// Predict partitions the volume into overlapping 96³ windows, runs the model
// on up to four windows at a time, average-blends overlapping logits, and
// collapses the class channel with an argmax. Volumes smaller than one
// window are zero-padded and the mask is cropped back.
func (e *Engine) Predict(t *Tensor) (*Mask, error) {
	if t.Channels != InputChannels {
		return nil, fmt.Errorf("%w: expected %d input channels, got %d", ErrInference, InputChannels, t.Channels)
	}
	for _, d := range t.Dims {
		if d <= 0 {
			return nil, fmt.Errorf("%w: invalid volume shape %v", ErrInference, t.Dims)
		}
	}

	padded := padToWindow(t)

	dStarts := windowStarts(padded.Dims[0])
	hStarts := windowStarts(padded.Dims[1])
	wStarts := windowStarts(padded.Dims[2])

	queue := make(chan window, len(dStarts)*len(hStarts)*len(wStarts))
	for _, d := range dStarts {
		for _, h := range hStarts {
			for _, w := range wStarts {
				queue <- window{d: d, h: h, w: w}
			}
		}
	}
	close(queue)

	worker := func(win window) (windowResult, error) {
		logits, err := e.predictor.RunWindow(extractWindow(padded, win))
		if err != nil {
			return windowResult{}, err
		}
		if len(logits) != NumClasses*windowSize*windowSize*windowSize {
			return windowResult{}, fmt.Errorf("model returned %d logits for one window", len(logits))
		}
		return windowResult{origin: win, logits: logits}, nil
	}

	completed := make(chan utils.CompletedTask[windowResult], windowBatch)
	utils.RunInPool(worker, queue, completed, windowBatch)

	voxels := padded.VoxelCount()
	sums := make([]float32, NumClasses*voxels)
	coverage := make([]float32, voxels)

	var runErr error
	for res := range completed {
		if res.Error != nil {
			if runErr == nil {
				runErr = res.Error
			}
			continue
		}
		accumulate(padded.Dims, sums, coverage, res.Result)
	}
	if runErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, runErr)
	}

	return collapse(padded.Dims, t.Dims, sums, coverage), nil
}

// windowStarts tiles one axis with stride windowStride, clamping the last
// window to the volume edge so every voxel is covered exactly.
func windowStarts(dim int) []int {
	if dim <= windowSize {
		return []int{0}
	}
	var starts []int
	for s := 0; s+windowSize < dim; s += windowStride {
		starts = append(starts, s)
	}
	return append(starts, dim-windowSize)
}

// padToWindow zero-pads each spatial axis up to the window size. Returns the
// input unchanged when no padding is needed.
func padToWindow(t *Tensor) *Tensor {
	dims := t.Dims
	needed := false
	for i := 0; i < 3; i++ {
		if dims[i] < windowSize {
			dims[i] = windowSize
			needed = true
		}
	}
	if !needed {
		return t
	}

	padded := &Tensor{
		Channels: t.Channels,
		Dims:     dims,
		Data:     make([]float32, t.Channels*dims[0]*dims[1]*dims[2]),
	}
	for c := 0; c < t.Channels; c++ {
		for d := 0; d < t.Dims[0]; d++ {
			for h := 0; h < t.Dims[1]; h++ {
				srcBase := ((c*t.Dims[0]+d)*t.Dims[1] + h) * t.Dims[2]
				dstBase := ((c*dims[0]+d)*dims[1] + h) * dims[2]
				copy(padded.Data[dstBase:dstBase+t.Dims[2]], t.Data[srcBase:srcBase+t.Dims[2]])
			}
		}
	}
	return padded
}

// extractWindow copies one 96³ patch out of the volume, channel-first.
func extractWindow(t *Tensor, win window) []float32 {
	patch := make([]float32, t.Channels*windowSize*windowSize*windowSize)
	idx := 0
	for c := 0; c < t.Channels; c++ {
		for d := win.d; d < win.d+windowSize; d++ {
			for h := win.h; h < win.h+windowSize; h++ {
				srcBase := ((c*t.Dims[0]+d)*t.Dims[1]+h)*t.Dims[2] + win.w
				copy(patch[idx:idx+windowSize], t.Data[srcBase:srcBase+windowSize])
				idx += windowSize
			}
		}
	}
	return patch
}

// accumulate adds one window's logits into the running per-class sums and
// bumps the per-voxel coverage count.
func accumulate(dims [3]int, sums, coverage []float32, res windowResult) {
	voxels := dims[0] * dims[1] * dims[2]
	src := 0
	for c := 0; c < NumClasses; c++ {
		for d := res.origin.d; d < res.origin.d+windowSize; d++ {
			for h := res.origin.h; h < res.origin.h+windowSize; h++ {
				dstBase := c*voxels + (d*dims[1]+h)*dims[2] + res.origin.w
				for w := 0; w < windowSize; w++ {
					sums[dstBase+w] += res.logits[src]
					src++
				}
			}
		}
	}
	for d := res.origin.d; d < res.origin.d+windowSize; d++ {
		for h := res.origin.h; h < res.origin.h+windowSize; h++ {
			base := (d*dims[1]+h)*dims[2] + res.origin.w
			for w := 0; w < windowSize; w++ {
				coverage[base+w]++
			}
		}
	}
}

// collapse average-blends the accumulated logits and takes the per-voxel
// argmax, cropping back to the original dims.
func collapse(padDims, outDims [3]int, sums, coverage []float32) *Mask {
	voxels := padDims[0] * padDims[1] * padDims[2]
	mask := &Mask{
		Dims: outDims,
		Data: make([]uint8, outDims[0]*outDims[1]*outDims[2]),
	}
	out := 0
	for d := 0; d < outDims[0]; d++ {
		for h := 0; h < outDims[1]; h++ {
			for w := 0; w < outDims[2]; w++ {
				v := (d*padDims[1]+h)*padDims[2] + w
				cov := coverage[v]
				best, bestScore := 0, sums[v]/cov
				for c := 1; c < NumClasses; c++ {
					if score := sums[c*voxels+v] / cov; score > bestScore {
						best, bestScore = c, score
					}
				}
				mask.Data[out] = uint8(best)
				out++
			}
		}
	}
	return mask
}
