package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcPredictor derives logits per voxel from the patch itself: class 0 gets
// a fixed score, class c > 0 the value of input channel c. Deterministic, so
// overlapping windows blend consistently.
type funcPredictor struct {
	fail bool
}

func (p *funcPredictor) RunWindow(patch []float32) ([]float32, error) {
	if p.fail {
		return nil, fmt.Errorf("device lost")
	}
	voxels := windowSize * windowSize * windowSize
	logits := make([]float32, NumClasses*voxels)
	for v := 0; v < voxels; v++ {
		logits[v] = 0.5
		for c := 1; c < NumClasses; c++ {
			logits[c*voxels+v] = patch[c*voxels+v]
		}
	}
	return logits, nil
}

func (p *funcPredictor) Device() string { return "cpu" }
func (p *funcPredictor) Release()       {}

func labeledTensor(dims [3]int) *Tensor {
	t := &Tensor{
		Channels: InputChannels,
		Dims:     dims,
		Data:     make([]float32, InputChannels*dims[0]*dims[1]*dims[2]),
	}
	// A block of strong channel-2 signal in one corner region.
	for d := 4; d < 12 && d < dims[0]; d++ {
		for h := 4; h < 12 && h < dims[1]; h++ {
			for w := 4; w < 12 && w < dims[2]; w++ {
				t.Data[((2*dims[0]+d)*dims[1]+h)*dims[2]+w] = 3.0
			}
		}
	}
	return t
}

func TestWindowStarts(t *testing.T) {
	assert.Equal(t, []int{0}, windowStarts(60))
	assert.Equal(t, []int{0}, windowStarts(96))
	assert.Equal(t, []int{0, 1}, windowStarts(97))
	assert.Equal(t, []int{0, 48, 96}, windowStarts(192))
	assert.Equal(t, []int{0, 48, 96, 104}, windowStarts(200))

	// Full coverage: the final window always reaches the edge.
	for _, dim := range []int{96, 97, 150, 192, 200, 300} {
		starts := windowStarts(dim)
		assert.Equal(t, dim-windowSize, starts[len(starts)-1], "dim %d", dim)
	}
}

func TestPredictLabelsAndShape(t *testing.T) {
	engine := NewEngine(&funcPredictor{})
	dims := [3]int{100, 96, 96}
	mask, err := engine.Predict(labeledTensor(dims))
	require.NoError(t, err)
	assert.Equal(t, dims, mask.Dims)
	require.Len(t, mask.Data, dims[0]*dims[1]*dims[2])

	for d := 0; d < dims[0]; d++ {
		for h := 0; h < dims[1]; h++ {
			for w := 0; w < dims[2]; w++ {
				got := mask.Data[(d*dims[1]+h)*dims[2]+w]
				inBlock := d >= 4 && d < 12 && h >= 4 && h < 12 && w >= 4 && w < 12
				if inBlock {
					assert.EqualValues(t, 2, got, "voxel (%d,%d,%d)", d, h, w)
				} else {
					assert.EqualValues(t, 0, got, "voxel (%d,%d,%d)", d, h, w)
				}
			}
		}
	}
}

func TestPredictPadsSmallVolumes(t *testing.T) {
	engine := NewEngine(&funcPredictor{})
	dims := [3]int{16, 20, 24}
	mask, err := engine.Predict(labeledTensor(dims))
	require.NoError(t, err)
	assert.Equal(t, dims, mask.Dims)
	assert.Len(t, mask.Data, 16*20*24)

	labels := map[uint8]bool{}
	for _, v := range mask.Data {
		labels[v] = true
	}
	assert.True(t, labels[0])
	assert.True(t, labels[2])
	assert.False(t, labels[1])
	assert.False(t, labels[3])
}

func TestPredictDeterministic(t *testing.T) {
	engine := NewEngine(&funcPredictor{})
	input := labeledTensor([3]int{100, 96, 96})

	first, err := engine.Predict(input)
	require.NoError(t, err)
	second, err := engine.Predict(input)
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)
}

func TestPredictChannelMismatch(t *testing.T) {
	engine := NewEngine(&funcPredictor{})
	_, err := engine.Predict(&Tensor{Channels: 1, Dims: [3]int{8, 8, 8}, Data: make([]float32, 512)})
	assert.True(t, errors.Is(err, ErrInference))
}

func TestPredictSurfacesWorkerErrors(t *testing.T) {
	engine := NewEngine(&funcPredictor{fail: true})
	_, err := engine.Predict(labeledTensor([3]int{16, 16, 16}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInference))
	assert.Contains(t, err.Error(), "device lost")
}
