package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"neuroseg-backend/internal/core"
	"neuroseg-backend/internal/nifti"
	"neuroseg-backend/internal/preprocess"
	"neuroseg-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Segmenter is the inference engine as seen by the HTTP layer.
type Segmenter interface {
	Predict(t *core.Tensor) (*core.Mask, error)
	Device() string
}

// Preprocessor converts an uploaded volume file into a model-ready tensor.
type Preprocessor interface {
	Preprocess(path string) (*core.Tensor, *preprocess.Meta, error)
}

// BackendService serves the segmentation endpoints. Engine and processor are
// injected at construction; the service never builds them itself.
type BackendService struct {
	processor Preprocessor
	engine    Segmenter // nil when engine initialization soft-failed
	tempDir   string
}

func NewBackendService(processor Preprocessor, engine Segmenter) *BackendService {
	return &BackendService{processor: processor, engine: engine, tempDir: os.TempDir()}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(s.Health))
	r.Post("/predict", s.Predict)
}

// Health reports whether the model is loaded and on which device.
func (s *BackendService) Health(r *http.Request) (any, error) {
	if s.engine == nil {
		return api.HealthResponse{Status: "degraded", ModelLoaded: false, Device: "unknown"}, nil
	}
	return api.HealthResponse{Status: "healthy", ModelLoaded: true, Device: s.engine.Device()}, nil
}

func validUploadName(name string) bool {
	return strings.HasSuffix(name, ".nii") || strings.HasSuffix(name, ".nii.gz")
}

// Predict receives a multi-channel NIfTI upload, runs the full pipeline, and
// streams the predicted mask back as a downloadable file. Temp files carry a
// per-request uuid so concurrent uploads of the same filename cannot collide.
func (s *BackendService) Predict(w http.ResponseWriter, r *http.Request) {
	upload, header, err := r.FormFile("file")
	if err != nil {
		WriteErrorResponse(w, http.StatusBadRequest, "missing multipart field 'file'")
		return
	}
	defer upload.Close()

	name := filepath.Base(header.Filename)
	if !validUploadName(name) {
		WriteErrorResponse(w, http.StatusBadRequest, "only NIfTI files (.nii or .nii.gz) are supported")
		return
	}

	slog.Info("received inference request", "filename", name, "size", header.Size)
	start := time.Now()

	token := uuid.New().String()
	inputPath := filepath.Join(s.tempDir, fmt.Sprintf("in_%s_%s", token, name))
	outputPath := filepath.Join(s.tempDir, fmt.Sprintf("out_mask_%s_%s", token, name))
	// Runs after the response body has been written, so the output file is
	// still readable while it streams. Covers every failure exit as well.
	defer cleanupTempFiles(inputPath, outputPath)

	if err := saveUpload(upload, inputPath); err != nil {
		slog.Error("failed to save upload", "filename", name, "error", err)
		WriteErrorResponse(w, http.StatusInternalServerError, "internal server error during processing")
		return
	}

	tensor, meta, err := s.processor.Preprocess(inputPath)
	if err != nil {
		slog.Error("preprocessing failed", "filename", name, "error", err)
		WriteErrorResponse(w, http.StatusInternalServerError, "internal server error during processing")
		return
	}

	if s.engine == nil {
		slog.Error("predict called while engine is unavailable")
		WriteErrorResponse(w, http.StatusInternalServerError, "internal server error during processing")
		return
	}

	mask, err := s.engine.Predict(tensor)
	if err != nil {
		slog.Error("inference failed", "filename", name, "error", err)
		WriteErrorResponse(w, http.StatusInternalServerError, "internal server error during processing")
		return
	}

	if err := nifti.WriteLabelVolume(outputPath, mask.Data, mask.Dims, meta.Affine); err != nil {
		slog.Error("failed to write segmentation mask", "filename", name, "error", err)
		WriteErrorResponse(w, http.StatusInternalServerError, "internal server error during processing")
		return
	}

	slog.Info("inference successful", "filename", name, "shape", mask.Dims,
		"processing_time", time.Since(start).Round(time.Millisecond))

	out, err := os.Open(outputPath)
	if err != nil {
		slog.Error("failed to open result file", "path", outputPath, "error", err)
		WriteErrorResponse(w, http.StatusInternalServerError, "internal server error during processing")
		return
	}
	defer out.Close()

	info, err := out.Stat()
	if err == nil {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "segmentation_"+name))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, out); err != nil {
		slog.Error("error streaming result file", "path", outputPath, "error", err)
	}
}

func saveUpload(src io.Reader, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create temp input: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("write temp input: %w", err)
	}
	return f.Close()
}

// cleanupTempFiles is best-effort: failures are logged and never override
// the pipeline outcome.
func cleanupTempFiles(paths ...string) {
	for _, path := range paths {
		err := os.Remove(path)
		if err == nil {
			slog.Debug("deleted temporary file", "path", path)
		} else if !os.IsNotExist(err) {
			slog.Error("failed to delete temporary file", "path", path, "error", err)
		}
	}
}
