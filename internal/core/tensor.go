package core

// Tensor is a channel-first volumetric tensor with layout [c][d][h][w],
// w varying fastest.
type Tensor struct {
	Channels int
	Dims     [3]int
	Data     []float32
}

// At returns the value at (c, d, h, w). No bounds checking.
func (t *Tensor) At(c, d, h, w int) float32 {
	return t.Data[((c*t.Dims[0]+d)*t.Dims[1]+h)*t.Dims[2]+w]
}

// VoxelCount returns the number of voxels in one channel.
func (t *Tensor) VoxelCount() int {
	return t.Dims[0] * t.Dims[1] * t.Dims[2]
}

// Mask is a 3D integer label volume, one class label per voxel, same layout
// as a single Tensor channel.
type Mask struct {
	Dims [3]int
	Data []uint8
}
