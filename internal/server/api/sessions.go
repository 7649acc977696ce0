package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ayusman/oaklog/internal/store"
)

// SessionsHandler serves the catalog sessions.
type SessionsHandler struct {
	store *store.Store
}

// NewSessionsHandler creates a new SessionsHandler.
func NewSessionsHandler(s *store.Store) *SessionsHandler {
	return &SessionsHandler{store: s}
}

type listSessionsResponse struct {
	Sessions []sessionResponse `json:"sessions"`
}

type labelCountResponse struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

type sessionDetailResponse struct {
	sessionResponse
	Labels []labelCountResponse `json:"labels"`
}

// ServeHTTP routes /api/sessions and /api/sessions/{id}.
func (h *SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.list(w)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.get(w, path)
	case http.MethodDelete:
		h.delete(w, path)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// list handles GET /api/sessions.
func (h *SessionsHandler) list(w http.ResponseWriter) {
	sessions, err := h.store.Sessions().List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}

	response := listSessionsResponse{Sessions: make([]sessionResponse, 0, len(sessions))}
	for _, s := range sessions {
		response.Sessions = append(response.Sessions, toSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, response)
}

// get handles GET /api/sessions/{id}, including per-label detection counts.
func (h *SessionsHandler) get(w http.ResponseWriter, id string) {
	sess, err := h.store.Sessions().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get session")
		return
	}

	counts, err := h.store.Frames().LabelCounts(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count labels")
		return
	}

	response := sessionDetailResponse{
		sessionResponse: toSessionResponse(sess),
		Labels:          make([]labelCountResponse, 0, len(counts)),
	}
	for _, c := range counts {
		response.Labels = append(response.Labels, labelCountResponse{Label: c.Label, Count: c.Count})
	}
	writeJSON(w, http.StatusOK, response)
}

// delete handles DELETE /api/sessions/{id}. Files on disk are kept.
func (h *SessionsHandler) delete(w http.ResponseWriter, id string) {
	if err := h.store.Sessions().Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
