// Package api provides the HTTP handlers for browsing the frame catalog.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ayusman/oaklog/internal/bundle"
	"github.com/ayusman/oaklog/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

type sessionResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	BasePath  string  `json:"base_path"`
	Driver    string  `json:"driver"`
	Model     string  `json:"model"`
	Frames    int     `json:"frames"`
	StartedAt string  `json:"started_at"`
	EndedAt   *string `json:"ended_at,omitempty"`
}

type frameResponse struct {
	Seq           uint64             `json:"seq"`
	Timestamp     float64            `json:"timestamp"`
	RGBPath       string             `json:"rgb_path,omitempty"`
	DepthPath     string             `json:"depth_path,omitempty"`
	SemanticsPath string             `json:"semantics_path"`
	Detections    []bundle.Detection `json:"detections"`
}

func toSessionResponse(s *store.Session) sessionResponse {
	resp := sessionResponse{
		ID:        s.ID,
		Name:      s.Name,
		BasePath:  s.BasePath,
		Driver:    s.Driver,
		Model:     s.Model,
		Frames:    s.Frames,
		StartedAt: s.StartedAt.Format(time.RFC3339),
	}
	if s.EndedAt != nil {
		ended := s.EndedAt.Format(time.RFC3339)
		resp.EndedAt = &ended
	}
	return resp
}

func toFrameResponse(f *store.Frame) frameResponse {
	dets := f.Detections
	if dets == nil {
		dets = []bundle.Detection{}
	}
	return frameResponse{
		Seq:           f.Seq,
		Timestamp:     f.Timestamp,
		RGBPath:       f.RGBPath,
		DepthPath:     f.DepthPath,
		SemanticsPath: f.SemanticsPath,
		Detections:    dets,
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
