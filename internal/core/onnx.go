package core

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// initOnnxRuntime initializes the shared ONNX Runtime environment once per
// process. ONNX_RUNTIME_DYLIB overrides the runtime library location.
func initOnnxRuntime() error {
	ortInitOnce.Do(func() {
		if lib := os.Getenv("ONNX_RUNTIME_DYLIB"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ShutdownRuntime tears down the ONNX Runtime environment. Call once at
// process exit, after every session has been released, and only if an
// engine was successfully loaded.
func ShutdownRuntime() error {
	return ort.DestroyEnvironment()
}

// onnxPredictor runs window forward passes through an ONNX Runtime session
// created from the in-memory checkpoint graph. Session runs are thread-safe,
// so one predictor serves all concurrent windows.
type onnxPredictor struct {
	session *ort.DynamicAdvancedSession
	device  string
}

func newOnnxPredictor(graphBytes []byte) (*onnxPredictor, error) {
	if err := initOnnxRuntime(); err != nil {
		return nil, fmt.Errorf("initialize ONNX Runtime: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		graphBytes,
		[]string{"image"},
		[]string{"logits"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create inference session: %w", err)
	}
	return &onnxPredictor{session: session, device: "cpu"}, nil
}

func (p *onnxPredictor) RunWindow(patch []float32) ([]float32, error) {
	inT, err := ort.NewTensor(ort.NewShape(1, InputChannels, windowSize, windowSize, windowSize), patch)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer inT.Destroy()

	outT, err := ort.NewEmptyTensor[float32](ort.NewShape(1, NumClasses, windowSize, windowSize, windowSize))
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer outT.Destroy()

	if err := p.session.Run([]ort.Value{inT}, []ort.Value{outT}); err != nil {
		return nil, fmt.Errorf("session run: %w", err)
	}

	logits := make([]float32, len(outT.GetData()))
	copy(logits, outT.GetData())
	return logits, nil
}

func (p *onnxPredictor) Device() string { return p.device }

func (p *onnxPredictor) Release() {
	p.session.Destroy()
}
