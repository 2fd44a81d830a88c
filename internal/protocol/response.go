package protocol

import (
	"encoding/json"

	"github.com/mannyc2/solclash/internal/abi"
)

// Response types.
const (
	TypeOK     = "ok"
	TypeResult = "result"
	TypeError  = "error"

	StatusOK = "OK"
)

// Response is one of OKResponse, ResultResponse or ErrorResponse.
type Response interface {
	response()
}

type OKResponse struct {
	Type      string `json:"type"`
	RequestID uint64 `json:"request_id"`
}

type ResultResponse struct {
	Type      string     `json:"type"`
	RequestID uint64     `json:"request_id"`
	AgentID   string     `json:"agent_id"`
	Status    string     `json:"status"`
	Output    OutputJSON `json:"output"`
}

type ErrorResponse struct {
	Type      string `json:"type"`
	RequestID uint64 `json:"request_id"`
	Message   string `json:"message"`
}

func (OKResponse) response()     {}
func (ResultResponse) response() {}
func (ErrorResponse) response()  {}

// OutputJSON is the decision record on the wire. Reserved bytes are not
// reported.
type OutputJSON struct {
	Version    uint8  `json:"version"`
	ActionType uint8  `json:"action_type"`
	OrderQty   Int64  `json:"order_qty"`
	ErrCode    uint16 `json:"err_code"`
}

// NewOutput converts a decoded output record.
func NewOutput(out abi.EvalOutputV1) OutputJSON {
	return OutputJSON{
		Version:    out.Version,
		ActionType: out.ActionType,
		OrderQty:   Int64(out.OrderQty),
		ErrCode:    uint16(out.ErrCode),
	}
}

func OK(requestID uint64) OKResponse {
	return OKResponse{Type: TypeOK, RequestID: requestID}
}

func Result(requestID uint64, agentID string, out abi.EvalOutputV1) ResultResponse {
	return ResultResponse{
		Type:      TypeResult,
		RequestID: requestID,
		AgentID:   agentID,
		Status:    StatusOK,
		Output:    NewOutput(out),
	}
}

func Error(requestID uint64, message string) ErrorResponse {
	return ErrorResponse{Type: TypeError, RequestID: requestID, Message: message}
}

// Encode renders resp as a single line terminated by '\n'.
func Encode(resp Response) ([]byte, error) {
	line, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
