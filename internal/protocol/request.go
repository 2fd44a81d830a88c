// Package protocol defines the newline-delimited JSON envelopes exchanged
// with the orchestrator. Requests and responses are closed sets keyed by
// their "type" field.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Request types.
const (
	TypeInit     = "init"
	TypeEval     = "eval"
	TypeShutdown = "shutdown"
)

// ErrUnknownType is returned for a request whose type is not recognized.
var ErrUnknownType = errors.New("unknown request type")

// Request is one of *InitRequest, *EvalRequest or *ShutdownRequest.
type Request interface {
	ID() uint64
	request()
}

// ProgramSpec names a module artifact to load under an agent id.
type ProgramSpec struct {
	ID     string `json:"id"`
	SoPath string `json:"so_path"`
}

// InitRequest loads a set of modules into a fresh session.
type InitRequest struct {
	RequestID        uint64        `json:"request_id"`
	Programs         []ProgramSpec `json:"programs"`
	ComputeUnitLimit *uint32       `json:"compute_unit_limit,omitempty"`
}

// EvalRequest asks one agent for a decision.
type EvalRequest struct {
	RequestID uint64    `json:"request_id"`
	AgentID   string    `json:"agent_id"`
	Input     InputJSON `json:"input"`
}

// ShutdownRequest ends the session.
type ShutdownRequest struct {
	RequestID uint64 `json:"request_id"`
}

func (r *InitRequest) ID() uint64     { return r.RequestID }
func (r *EvalRequest) ID() uint64     { return r.RequestID }
func (r *ShutdownRequest) ID() uint64 { return r.RequestID }

func (*InitRequest) request()     {}
func (*EvalRequest) request()     {}
func (*ShutdownRequest) request() {}

// Decode parses one request line. Unknown fields are ignored; missing
// required fields and unknown types are errors.
func Decode(line []byte) (Request, error) {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, err
	}
	if head.Type == nil {
		return nil, errors.New("missing field `type`")
	}

	var (
		req      Request
		required []string
	)
	switch *head.Type {
	case TypeInit:
		req, required = &InitRequest{}, []string{"request_id", "programs"}
	case TypeEval:
		req, required = &EvalRequest{}, []string{"request_id", "agent_id", "input"}
	case TypeShutdown:
		req, required = &ShutdownRequest{}, []string{"request_id"}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, *head.Type)
	}

	if err := requireFields(line, required...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(line, req); err != nil {
		return nil, err
	}
	return req, nil
}

// UnmarshalJSON requires every element to carry both fields.
func (p *ProgramSpec) UnmarshalJSON(data []byte) error {
	if err := requireFields(data, "id", "so_path"); err != nil {
		return err
	}
	type plain ProgramSpec
	return json.Unmarshal(data, (*plain)(p))
}

// requireFields reports the first name that is absent from the JSON object
// in data or explicitly null.
func requireFields(data []byte, names ...string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for _, name := range names {
		raw, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return fmt.Errorf("missing field `%s`", name)
		}
	}
	return nil
}
