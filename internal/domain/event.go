package domain

import "time"

// EventKind classifies a harness event.
type EventKind string

const (
	EventSessionStarted EventKind = "session_started"
	EventSessionFailed  EventKind = "session_failed"
	EventSessionClosed  EventKind = "session_closed"
	EventEvalResult     EventKind = "eval_result"
	EventEvalError      EventKind = "eval_error"
)

// EvalEvent records the outcome of one eval request. Error is set only for
// EventEvalError; the action fields only for EventEvalResult.
type EvalEvent struct {
	ID            string        `json:"id"`
	Kind          EventKind     `json:"kind"`
	SessionID     string        `json:"session_id"`
	RequestID     uint64        `json:"request_id"`
	AgentID       string        `json:"agent_id"`
	Program       string        `json:"program,omitempty"`
	WindowID      string        `json:"window_id,omitempty"`
	StepIndex     uint32        `json:"step_index"`
	ActionType    uint8         `json:"action_type"`
	OrderQty      int64         `json:"order_qty,string"`
	ErrCode       uint16        `json:"err_code"`
	UnitsConsumed uint64        `json:"units_consumed"`
	Error         string        `json:"error,omitempty"`
	Elapsed       time.Duration `json:"elapsed_ns"`
	At            time.Time     `json:"at"`
}

// SessionEvent records a session lifecycle change.
type SessionEvent struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	RequestID uint64    `json:"request_id"`
	Programs  []string  `json:"programs,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
