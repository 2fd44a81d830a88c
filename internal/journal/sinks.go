package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mannyc2/solclash/internal/domain"
)

// Channel and stream names shared by publishers and subscribers.
const (
	ChannelSession = "arena:session"
	ChannelEval    = "arena:eval"
	StreamEvals    = "arena:evals"
)

// Envelope is the JSON shape published to the bus and WebSocket clients.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal wraps v in an Envelope tagged with typ.
func Marshal(typ string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("journal: marshal %s: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Payload: payload})
}

// BusRecorder publishes events on Redis pub/sub and appends eval events to
// a capped stream for replay.
type BusRecorder struct {
	bus domain.SignalBus
}

// NewBusRecorder returns a BusRecorder over bus.
func NewBusRecorder(bus domain.SignalBus) *BusRecorder {
	return &BusRecorder{bus: bus}
}

func (r *BusRecorder) RecordSession(ctx context.Context, ev domain.SessionEvent) error {
	data, err := Marshal(string(ev.Kind), ev)
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, ChannelSession, data)
}

func (r *BusRecorder) RecordEval(ctx context.Context, ev domain.EvalEvent) error {
	data, err := Marshal(string(ev.Kind), ev)
	if err != nil {
		return err
	}
	if err := r.bus.StreamAppend(ctx, StreamEvals, data); err != nil {
		return err
	}
	return r.bus.Publish(ctx, ChannelEval, data)
}

// AuditRecorder writes every event to the audit store.
type AuditRecorder struct {
	store domain.AuditStore
}

// NewAuditRecorder returns an AuditRecorder over store.
func NewAuditRecorder(store domain.AuditStore) *AuditRecorder {
	return &AuditRecorder{store: store}
}

func (r *AuditRecorder) RecordSession(ctx context.Context, ev domain.SessionEvent) error {
	detail := map[string]any{
		"event_id":   ev.ID,
		"session_id": ev.SessionID,
		"request_id": ev.RequestID,
	}
	if len(ev.Programs) > 0 {
		detail["programs"] = ev.Programs
	}
	if ev.Error != "" {
		detail["error"] = ev.Error
	}
	return r.store.Log(ctx, string(ev.Kind), detail)
}

func (r *AuditRecorder) RecordEval(ctx context.Context, ev domain.EvalEvent) error {
	detail := map[string]any{
		"event_id":       ev.ID,
		"session_id":     ev.SessionID,
		"request_id":     ev.RequestID,
		"agent_id":       ev.AgentID,
		"window_id":      ev.WindowID,
		"step_index":     ev.StepIndex,
		"units_consumed": ev.UnitsConsumed,
		"elapsed_ms":     ev.Elapsed.Milliseconds(),
	}
	if ev.Program != "" {
		detail["program"] = ev.Program
	}
	if ev.Kind == domain.EventEvalError {
		detail["error"] = ev.Error
	} else {
		detail["action_type"] = ev.ActionType
		detail["order_qty"] = strconv.FormatInt(ev.OrderQty, 10)
		detail["err_code"] = ev.ErrCode
	}
	return r.store.Log(ctx, string(ev.Kind), detail)
}

// Broadcaster delivers a message to live subscribers of channel.
type Broadcaster interface {
	Broadcast(channel string, data []byte)
}

// BroadcastRecorder pushes events straight to a Broadcaster, for monitors
// running without the Redis bus.
type BroadcastRecorder struct {
	out Broadcaster
}

// NewBroadcastRecorder returns a BroadcastRecorder over out.
func NewBroadcastRecorder(out Broadcaster) *BroadcastRecorder {
	return &BroadcastRecorder{out: out}
}

func (r *BroadcastRecorder) RecordSession(_ context.Context, ev domain.SessionEvent) error {
	data, err := Marshal(string(ev.Kind), ev)
	if err != nil {
		return err
	}
	r.out.Broadcast(ChannelSession, data)
	return nil
}

func (r *BroadcastRecorder) RecordEval(_ context.Context, ev domain.EvalEvent) error {
	data, err := Marshal(string(ev.Kind), ev)
	if err != nil {
		return err
	}
	r.out.Broadcast(ChannelEval, data)
	return nil
}

// Notifier sends operator alerts filtered by event type.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// NotifyRecorder alerts operators about failed inits and failed evals.
// Successful evals are too frequent to notify on.
type NotifyRecorder struct {
	n Notifier
}

// NewNotifyRecorder returns a NotifyRecorder over n.
func NewNotifyRecorder(n Notifier) *NotifyRecorder {
	return &NotifyRecorder{n: n}
}

func (r *NotifyRecorder) RecordSession(ctx context.Context, ev domain.SessionEvent) error {
	switch ev.Kind {
	case domain.EventSessionFailed:
		return r.n.Notify(ctx, string(ev.Kind), "Arena init failed",
			fmt.Sprintf("request %d: %s", ev.RequestID, ev.Error))
	case domain.EventSessionStarted:
		return r.n.Notify(ctx, string(ev.Kind), "Arena session started",
			fmt.Sprintf("session %s with %d program(s)", ev.SessionID, len(ev.Programs)))
	}
	return nil
}

func (r *NotifyRecorder) RecordEval(ctx context.Context, ev domain.EvalEvent) error {
	if ev.Kind != domain.EventEvalError {
		return nil
	}
	return r.n.Notify(ctx, string(ev.Kind), "Arena eval failed",
		fmt.Sprintf("agent %s step %d: %s", ev.AgentID, ev.StepIndex, ev.Error))
}

var (
	_ Recorder = (*Multi)(nil)
	_ Recorder = (*Async)(nil)
	_ Recorder = (*BusRecorder)(nil)
	_ Recorder = (*AuditRecorder)(nil)
	_ Recorder = (*BroadcastRecorder)(nil)
	_ Recorder = (*NotifyRecorder)(nil)
	_ Recorder = Nop{}
)
