package handler

import (
	"net/http"

	"github.com/mannyc2/solclash/internal/session"
)

// SnapshotSource reports the installed session.
type SnapshotSource interface {
	Snapshot() session.Snapshot
}

// SessionHandler serves the current session state.
type SessionHandler struct {
	source  SnapshotSource
	backend string
}

// NewSessionHandler creates a SessionHandler. backend names the sandbox
// backend in responses.
func NewSessionHandler(source SnapshotSource, backend string) *SessionHandler {
	return &SessionHandler{source: source, backend: backend}
}

// GetSession responds with the session snapshot.
// GET /api/session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"backend": h.backend,
		"session": h.source.Snapshot(),
	})
}
