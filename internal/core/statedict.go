package core

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// TensorInfo describes one entry of a safetensors state dict. Layout follows
// the safetensors spec: little-endian, 'C' ordering.
type TensorInfo struct {
	DType       string    `json:"dtype"`
	Shape       []uint64  `json:"shape"`
	DataOffsets [2]uint64 `json:"data_offsets"`
}

// ParseStateDict decodes the header of a safetensors buffer into a
// name -> TensorInfo map. The byte buffer itself is validated for bounds but
// not retained; this service only needs names and shapes for the strict
// checkpoint match.
func ParseStateDict(data []byte) (map[string]TensorInfo, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("state dict truncated: %d bytes", len(data))
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("state dict header length %d exceeds buffer", headerLen)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("state dict header: %w", err)
	}

	bufLen := uint64(len(data)) - 8 - headerLen
	dict := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("state dict entry %q: %w", name, err)
		}
		if info.DataOffsets[0] > info.DataOffsets[1] || info.DataOffsets[1] > bufLen {
			return nil, fmt.Errorf("state dict entry %q: offsets %v out of range", name, info.DataOffsets)
		}
		dict[name] = info
	}
	if len(dict) == 0 {
		return nil, fmt.Errorf("state dict contains no tensors")
	}
	return dict, nil
}
