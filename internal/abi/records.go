// Package abi defines the fixed binary records exchanged with agent modules:
// the versioned evaluation input, the 20-byte output record, the shared output
// validator and window id normalization.
package abi

const (
	InputVersion  uint8 = 1
	OutputVersion uint8 = 1

	// OutputLen is the exact encoded size of EvalOutputV1.
	OutputLen = 20

	// BarLen is the encoded size of one Bar.
	BarLen = 40

	// inputHeaderLen covers every fixed field of EvalInputV1 plus the u32
	// bar count prefix.
	inputHeaderLen = 1 + 32 + 4*4 + 8*3 + 4*3 + 2 + 4
)

// Action types.
const (
	ActionHold uint8 = 0
	ActionBuy  uint8 = 1
	ActionSell uint8 = 2
)

// Bar is one OHLCV sample in fixed-point units.
type Bar struct {
	Open   int64
	High   int64
	Low    int64
	Close  int64
	Volume int64
}

// EvalInputV1 is the market snapshot handed to a module for one decision.
// LookbackLen is declared by the orchestrator and is not required to match
// len(OHLCV) on the host side; modules check it.
type EvalInputV1 struct {
	Version              uint8
	WindowID             [32]byte
	StepIndex            uint32
	BarIntervalSeconds   uint32
	PriceScale           uint32
	VolumeScale          uint32
	CashBalance          int64
	PositionQty          int64
	AvgEntryPrice        int64
	MaxLeverageBps       uint32
	InitialMarginBps     uint32
	MaintenanceMarginBps uint32
	LookbackLen          uint16
	OHLCV                []Bar
}

// EncodedLen returns the exact number of bytes MarshalInput produces.
func (in *EvalInputV1) EncodedLen() int {
	return inputHeaderLen + BarLen*len(in.OHLCV)
}

// EvalOutputV1 is the decision record written by a module.
type EvalOutputV1 struct {
	Version    uint8
	ActionType uint8
	OrderQty   int64
	ErrCode    ErrCode
	Reserved   [8]byte
}

// Hold returns the canonical hold record carrying code.
func Hold(code ErrCode) EvalOutputV1 {
	return EvalOutputV1{
		Version:    OutputVersion,
		ActionType: ActionHold,
		ErrCode:    code,
	}
}

// IsHold reports whether out holds.
func (out EvalOutputV1) IsHold() bool {
	return out.ActionType == ActionHold
}
