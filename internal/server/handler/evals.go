package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mannyc2/solclash/internal/domain"
	"github.com/mannyc2/solclash/internal/journal"
)

// EvalHandler serves recently journaled evaluations. The audit store is
// preferred; the bus replay stream is used when no store is configured.
type EvalHandler struct {
	audit  domain.AuditStore
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewEvalHandler creates an EvalHandler. Either source may be nil.
func NewEvalHandler(audit domain.AuditStore, bus domain.SignalBus, logger *slog.Logger) *EvalHandler {
	return &EvalHandler{audit: audit, bus: bus, logger: logHandler(logger, "evals")}
}

// ListRecent returns the most recent evaluation events, newest first.
// GET /api/evals/recent?limit=&offset=&event=&agent_id=&session_id=&since=&until=
func (h *EvalHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	switch {
	case h.audit != nil:
		entries, err := h.audit.List(r.Context(), opts)
		if err != nil {
			h.logger.Error("list audit entries", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to list evaluations")
			return
		}
		if entries == nil {
			entries = []domain.AuditEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"source": "audit", "entries": entries})

	case h.bus != nil:
		msgs, err := h.bus.StreamRecent(r.Context(), journal.StreamEvals, opts.Limit)
		if err != nil {
			h.logger.Error("read eval stream", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to list evaluations")
			return
		}
		events := make([]json.RawMessage, 0, len(msgs))
		for _, m := range msgs {
			if json.Valid(m.Payload) {
				events = append(events, m.Payload)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"source": "stream", "entries": events})

	default:
		writeError(w, http.StatusNotImplemented, "no evaluation journal configured")
	}
}
