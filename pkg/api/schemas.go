// Package api holds the wire-level request and response schemas shared with
// clients of the segmentation service.
package api

// HealthResponse is the liveness/readiness probe body.
type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Device      string `json:"device"`
}

// ErrorResponse is the generic failure body. Internal detail never leaves
// the server; it is logged, not returned.
type ErrorResponse struct {
	Error string `json:"error"`
}
