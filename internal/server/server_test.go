package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mannyc2/solclash/internal/domain"
	"github.com/mannyc2/solclash/internal/journal"
	"github.com/mannyc2/solclash/internal/server/handler"
	"github.com/mannyc2/solclash/internal/server/ws"
	"github.com/mannyc2/solclash/internal/session"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type staticSnapshot session.Snapshot

func (s staticSnapshot) Snapshot() session.Snapshot { return session.Snapshot(s) }

type memAudit struct {
	entries []domain.AuditEntry
	got     domain.ListOpts
}

func (m *memAudit) Log(context.Context, string, map[string]any) error { return nil }

func (m *memAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	m.got = opts
	return m.entries, nil
}

type streamBus struct {
	domain.SignalBus
	msgs []domain.StreamMessage
}

func (b *streamBus) StreamRecent(_ context.Context, stream string, count int) ([]domain.StreamMessage, error) {
	if stream != journal.StreamEvals {
		return nil, errors.New("unexpected stream")
	}
	return b.msgs[:min(count, len(b.msgs))], nil
}

func newTestServer(apiKey string, evals *handler.EvalHandler, probes map[string]handler.Probe, hub *ws.Hub) *Server {
	snap := staticSnapshot{
		Initialized: true,
		SessionID:   "s-1",
		Budget:      200_000,
		Modules:     []session.ModuleInfo{{ID: "A", Address: "addr", Identity: "generated"}},
		Evals:       3,
	}
	return NewServer(Config{Addr: "127.0.0.1:0", APIKey: apiKey}, Handlers{
		Health:  handler.NewHealthHandler(probes, discard()),
		Session: handler.NewSessionHandler(snap, "starvm"),
		Evals:   evals,
	}, hub, discard())
}

func get(t *testing.T, h http.Handler, path string, header http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	srv := newTestServer("secret", nil, map[string]handler.Probe{
		"redis": func(context.Context) error { return nil },
	}, nil)
	rec, body := get(t, srv.httpServer.Handler, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"redis": "ok"}, body["checks"])
}

func TestHealthDegraded(t *testing.T) {
	srv := newTestServer("", nil, map[string]handler.Probe{
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	}, nil)
	rec, body := get(t, srv.httpServer.Handler, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestSessionRequiresKey(t *testing.T) {
	srv := newTestServer("secret", nil, nil, nil)

	rec, body := get(t, srv.httpServer.Handler, "/api/session", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing authentication token", body["error"])

	rec, _ = get(t, srv.httpServer.Handler, "/api/session", http.Header{"X-Api-Key": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body = get(t, srv.httpServer.Handler, "/api/session", http.Header{"Authorization": {"Bearer secret"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "starvm", body["backend"])
	sess := body["session"].(map[string]any)
	assert.Equal(t, "s-1", sess["session_id"])
	assert.Equal(t, float64(200_000), sess["compute_unit_limit"])
	assert.Len(t, sess["modules"], 1)
}

func TestQueryTokenAccepted(t *testing.T) {
	srv := newTestServer("secret", nil, nil, nil)
	rec, _ := get(t, srv.httpServer.Handler, "/api/session?token=secret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEvalsFromAudit(t *testing.T) {
	audit := &memAudit{entries: []domain.AuditEntry{{ID: 7, Event: "eval_result", Detail: map[string]any{"agent_id": "A"}}}}
	srv := newTestServer("", handler.NewEvalHandler(audit, nil, discard()), nil, nil)

	rec, body := get(t, srv.httpServer.Handler, "/api/evals/recent?limit=5&agent_id=A&event=eval_result&since=2026-01-02T03:04:05Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audit", body["source"])
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "eval_result", entries[0].(map[string]any)["event"])

	assert.Equal(t, 5, audit.got.Limit)
	assert.Equal(t, "A", audit.got.AgentID)
	assert.Equal(t, "eval_result", audit.got.Event)
	require.NotNil(t, audit.got.Since)
	assert.Equal(t, 2026, audit.got.Since.Year())
}

func TestEvalsFromStream(t *testing.T) {
	bus := &streamBus{msgs: []domain.StreamMessage{
		{ID: "2-0", Payload: []byte(`{"type":"eval_result","payload":{"agent_id":"B"}}`)},
		{ID: "1-0", Payload: []byte(`not json`)},
	}}
	srv := newTestServer("", handler.NewEvalHandler(nil, bus, discard()), nil, nil)

	rec, body := get(t, srv.httpServer.Handler, "/api/evals/recent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stream", body["source"])
	assert.Len(t, body["entries"], 1)
}

func TestEvalsUnconfigured(t *testing.T) {
	srv := newTestServer("", handler.NewEvalHandler(nil, nil, discard()), nil, nil)
	rec, _ := get(t, srv.httpServer.Handler, "/api/evals/recent", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer("secret", nil, nil, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/session", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := ws.NewHub(nil, discard(), ws.Config{Status: func() any { return map[string]any{"initialized": false} }})
	hubDone := make(chan error, 1)
	go func() { hubDone <- hub.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-hubDone
	})

	ts := httptest.NewServer(newTestServer("", nil, nil, hub).httpServer.Handler)
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var env journal.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "hub_status", env.Type)

	msg, err := journal.Marshal(string(domain.EventEvalResult), domain.EvalEvent{AgentID: "A"})
	require.NoError(t, err)
	// The status message is sent after registration, so the client is live.
	hub.Broadcast(journal.ChannelEval, msg)
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "eval_result", env.Type)
}
