package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ayusman/oaklog/internal/store"
)

const defaultPageSize = 100

// FramesHandler serves the frames of one catalog session.
type FramesHandler struct {
	store   *store.Store
	session string
}

// NewFramesHandler creates a handler. session is the default session id,
// used when the request has no session query parameter.
func NewFramesHandler(s *store.Store, session string) *FramesHandler {
	return &FramesHandler{store: s, session: session}
}

type listFramesResponse struct {
	Session string          `json:"session"`
	Total   int             `json:"total"`
	Frames  []frameResponse `json:"frames"`
}

// ServeHTTP routes /api/frames and /api/frames/{seq}.
func (h *FramesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session := r.URL.Query().Get("session")
	if session == "" {
		session = h.session
	}
	if session == "" {
		writeError(w, http.StatusBadRequest, "session is required")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/frames")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		h.list(w, r, session)
		return
	}

	seq, err := strconv.ParseUint(path, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid sequence number")
		return
	}
	h.get(w, session, seq)
}

// list handles GET /api/frames?limit=&offset=.
func (h *FramesHandler) list(w http.ResponseWriter, r *http.Request, session string) {
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	total, err := h.store.Frames().Count(session)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count frames")
		return
	}

	frames, err := h.store.Frames().List(session, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list frames")
		return
	}

	response := listFramesResponse{
		Session: session,
		Total:   total,
		Frames:  make([]frameResponse, 0, len(frames)),
	}
	for _, f := range frames {
		response.Frames = append(response.Frames, toFrameResponse(f))
	}

	writeJSON(w, http.StatusOK, response)
}

// get handles GET /api/frames/{seq}.
func (h *FramesHandler) get(w http.ResponseWriter, session string, seq uint64) {
	frame, err := h.store.Frames().Get(session, seq)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Frame not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get frame")
		return
	}

	writeJSON(w, http.StatusOK, toFrameResponse(frame))
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}
