package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpectedParametersManifest(t *testing.T) {
	params := DefaultUNet().ExpectedParameters()

	// 4 encoder levels and 4 decoder levels with 2 res units of 6 params
	// each, decoder upconvs, bottleneck, and the 1x1x1 head.
	assert.Len(t, params, 4*2*6+2*6+4*(2+2*6)+2)

	require.Contains(t, params, "model.encoder.0.unit0.conv.weight")
	assert.Equal(t, []uint64{16, 4, 3, 3, 3}, params["model.encoder.0.unit0.conv.weight"])

	require.Contains(t, params, "model.bottleneck.unit0.conv.weight")
	assert.Equal(t, []uint64{256, 128, 3, 3, 3}, params["model.bottleneck.unit0.conv.weight"])

	require.Contains(t, params, "model.decoder.0.upconv.weight")
	assert.Equal(t, []uint64{256, 128, 2, 2, 2}, params["model.decoder.0.upconv.weight"])

	// Skip concatenation doubles the first decoder unit's input channels.
	require.Contains(t, params, "model.decoder.3.unit0.conv.weight")
	assert.Equal(t, []uint64{16, 32, 3, 3, 3}, params["model.decoder.3.unit0.conv.weight"])

	require.Contains(t, params, "model.head.conv.weight")
	assert.Equal(t, []uint64{4, 16, 1, 1, 1}, params["model.head.conv.weight"])

	for name := range params {
		assert.True(t, strings.HasPrefix(name, "model."), "parameter %q lacks the skeleton prefix", name)
		assert.Equal(t, name, NormalizeKey(name), "manifest names must be normalization fixpoints")
	}
}
