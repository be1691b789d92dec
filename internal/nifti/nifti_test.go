package nifti_test

import (
	"path/filepath"
	"testing"

	"neuroseg-backend/internal/nifti"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeImage(channels int, dims [3]int) *nifti.Image {
	img := &nifti.Image{
		Channels: channels,
		Dims:     dims,
		Affine: [4][4]float64{
			{1, 0, 0, -5},
			{0, 1, 0, 2},
			{0, 0, 1, 0},
			{0, 0, 0, 1},
		},
		Data: make([]float32, channels*dims[0]*dims[1]*dims[2]),
	}
	for i := range img.Data {
		img.Data[i] = float32(i%13) * 0.5
	}
	return img
}

func TestRoundTrip(t *testing.T) {
	for _, name := range []string{"vol.nii", "vol.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			img := makeImage(1, [3]int{4, 5, 6})
			require.NoError(t, nifti.Write(path, img))

			got, err := nifti.Read(path)
			require.NoError(t, err)
			assert.Equal(t, img.Channels, got.Channels)
			assert.Equal(t, img.Dims, got.Dims)
			assert.Equal(t, img.Data, got.Data)
			for i := 0; i < 4; i++ {
				for j := 0; j < 4; j++ {
					assert.InDelta(t, img.Affine[i][j], got.Affine[i][j], 1e-6)
				}
			}
		})
	}
}

func TestRoundTripMultiChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "multi.nii.gz")
	img := makeImage(4, [3]int{3, 4, 5})
	require.NoError(t, nifti.Write(path, img))

	got, err := nifti.Read(path)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Channels)
	assert.Equal(t, img.Dims, got.Dims)
	assert.Equal(t, img.Data, got.Data)
}

func TestLabelVolumeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mask.nii.gz")
	dims := [3]int{4, 4, 4}
	labels := make([]uint8, 64)
	for i := range labels {
		labels[i] = uint8(i % 4)
	}
	affine := [4][4]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
	require.NoError(t, nifti.WriteLabelVolume(path, labels, dims, affine))

	got, err := nifti.Read(path)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Channels)
	assert.Equal(t, dims, got.Dims)
	for i, want := range labels {
		assert.Equal(t, float32(want), got.Data[i])
	}
}

func TestLabelVolumeSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mask.nii")
	err := nifti.WriteLabelVolume(path, make([]uint8, 10), [3]int{4, 4, 4}, [4][4]float64{})
	assert.Error(t, err)
}

func TestReadMissingFile(t *testing.T) {
	_, err := nifti.Read(filepath.Join(t.TempDir(), "nope.nii"))
	assert.Error(t, err)
}

func TestSpacingFromAffine(t *testing.T) {
	img := makeImage(1, [3]int{2, 2, 2})
	img.Affine = [4][4]float64{
		{2, 0, 0, 0},
		{0, 1.5, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	s := img.Spacing()
	assert.InDelta(t, 2.0, s[0], 1e-9)
	assert.InDelta(t, 1.5, s[1], 1e-9)
	assert.InDelta(t, 1.0, s[2], 1e-9)
}
