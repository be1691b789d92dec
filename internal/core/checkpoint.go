package core

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// ErrCheckpointNotFound reports a missing checkpoint file.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint bundle entry names. The training export packs the runnable ONNX
// graph next to the safetensors state dict it was traced from.
const (
	graphEntry     = "model.onnx"
	stateDictEntry = "state_dict.safetensors"
)

// WeightMismatchError reports a strict-loading failure: the normalized
// checkpoint parameter set does not exactly match the model skeleton.
type WeightMismatchError struct {
	Missing       []string
	Unexpected    []string
	ShapeMismatch []string
}

func (e *WeightMismatchError) Error() string {
	return fmt.Sprintf("checkpoint does not match model skeleton: %d missing, %d unexpected, %d shape mismatches (missing=%v unexpected=%v shapes=%v)",
		len(e.Missing), len(e.Unexpected), len(e.ShapeMismatch), e.Missing, e.Unexpected, e.ShapeMismatch)
}

// renameRule rewrites one leading prefix of a stored parameter name.
type renameRule struct {
	prefix      string
	replacement string
}

// renameRules is the declarative normalization table for parameter names.
// Training frameworks nest the network under wrapper modules ("net.",
// "model.", sometimes several layers deep); the rules are applied repeatedly
// until none match, then targetPrefix is prepended.
var renameRules = []renameRule{
	{prefix: "net.", replacement: ""},
	{prefix: "model.", replacement: ""},
}

// targetPrefix is the single prefix the serving skeleton expects.
const targetPrefix = "model."

// NormalizeKey maps a training-export parameter name to the skeleton's
// naming scheme. It is idempotent: normalizing a normalized key returns it
// unchanged.
func NormalizeKey(key string) string {
	for {
		stripped := false
		for _, rule := range renameRules {
			if strings.HasPrefix(key, rule.prefix) {
				key = rule.replacement + key[len(rule.prefix):]
				stripped = true
			}
		}
		if !stripped {
			break
		}
	}
	return targetPrefix + key
}

// normalizeStateDict remaps every key of a raw state dict. Two distinct
// original keys collapsing to the same final key is an export bug and is
// surfaced instead of silently overwritten.
func normalizeStateDict(raw map[string]TensorInfo) (map[string]TensorInfo, error) {
	normalized := make(map[string]TensorInfo, len(raw))
	origin := make(map[string]string, len(raw))
	for key, info := range raw {
		final := NormalizeKey(key)
		if prev, ok := origin[final]; ok {
			first, second := prev, key
			if first > second {
				first, second = second, first
			}
			return nil, fmt.Errorf("parameter name collision: %q and %q both normalize to %q", first, second, final)
		}
		origin[final] = key
		normalized[final] = info
	}
	return normalized, nil
}

// Checkpoint is a loaded and name-normalized model checkpoint.
type Checkpoint struct {
	// GraphBytes is the serialized ONNX graph the inference session runs.
	GraphBytes []byte
	// Params maps normalized parameter names to their tensor metadata.
	Params map[string]TensorInfo
}

// OpenCheckpoint reads a .ckpt bundle from disk and normalizes its parameter
// names. The result still has to pass VerifyAgainst before being trusted.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, path)
		}
		return nil, fmt.Errorf("stat checkpoint %s: %w", path, err)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	defer zr.Close()

	graph, err := readZipEntry(&zr.Reader, graphEntry)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	stateDict, err := readZipEntry(&zr.Reader, stateDictEntry)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}

	raw, err := ParseStateDict(stateDict)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	params, err := normalizeStateDict(raw)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}

	return &Checkpoint{GraphBytes: graph, Params: params}, nil
}

func readZipEntry(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", name, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", name, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("missing entry %s", name)
}

// VerifyAgainst strict-matches the checkpoint parameters against an expected
// manifest. Every expected parameter must be present with the right shape
// and no extra parameter may remain.
func (c *Checkpoint) VerifyAgainst(expected map[string][]uint64) error {
	var mismatch WeightMismatchError
	for name, shape := range expected {
		info, ok := c.Params[name]
		if !ok {
			mismatch.Missing = append(mismatch.Missing, name)
			continue
		}
		if !shapesEqual(info.Shape, shape) {
			mismatch.ShapeMismatch = append(mismatch.ShapeMismatch,
				fmt.Sprintf("%s: got %v, want %v", name, info.Shape, shape))
		}
	}
	for name := range c.Params {
		if _, ok := expected[name]; !ok {
			mismatch.Unexpected = append(mismatch.Unexpected, name)
		}
	}
	if len(mismatch.Missing) > 0 || len(mismatch.Unexpected) > 0 || len(mismatch.ShapeMismatch) > 0 {
		sort.Strings(mismatch.Missing)
		sort.Strings(mismatch.Unexpected)
		sort.Strings(mismatch.ShapeMismatch)
		return &mismatch
	}
	return nil
}

func shapesEqual(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
