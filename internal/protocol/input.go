package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mannyc2/solclash/internal/abi"
)

// Int64 is a signed 64-bit integer carried as a decimal string so that
// JavaScript orchestrators do not lose precision.
type Int64 int64

func (v Int64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(v), 10))), nil
}

func (v *Int64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected a decimal string, got %s", data)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	*v = Int64(n)
	return nil
}

// BarJSON is one OHLCV bar on the wire.
type BarJSON struct {
	Open   Int64 `json:"open"`
	High   Int64 `json:"high"`
	Low    Int64 `json:"low"`
	Close  Int64 `json:"close"`
	Volume Int64 `json:"volume"`
}

func (b *BarJSON) UnmarshalJSON(data []byte) error {
	if err := requireFields(data, "open", "high", "low", "close", "volume"); err != nil {
		return err
	}
	type plain BarJSON
	return json.Unmarshal(data, (*plain)(b))
}

// InputJSON is the eval input as sent by the orchestrator. WindowID is an
// arbitrary string; see abi.WindowKey.
type InputJSON struct {
	Version              uint8     `json:"version"`
	WindowID             string    `json:"window_id"`
	StepIndex            uint32    `json:"step_index"`
	BarIntervalSeconds   uint32    `json:"bar_interval_seconds"`
	PriceScale           uint32    `json:"price_scale"`
	VolumeScale          uint32    `json:"volume_scale"`
	CashBalance          Int64     `json:"cash_balance"`
	PositionQty          Int64     `json:"position_qty"`
	AvgEntryPrice        Int64     `json:"avg_entry_price"`
	MaxLeverageBps       uint32    `json:"max_leverage_bps"`
	InitialMarginBps     uint32    `json:"initial_margin_bps"`
	MaintenanceMarginBps uint32    `json:"maintenance_margin_bps"`
	LookbackLen          uint16    `json:"lookback_len"`
	OHLCV                []BarJSON `json:"ohlcv"`
}

var inputFields = []string{
	"version", "window_id", "step_index", "bar_interval_seconds",
	"price_scale", "volume_scale", "cash_balance", "position_qty",
	"avg_entry_price", "max_leverage_bps", "initial_margin_bps",
	"maintenance_margin_bps", "lookback_len", "ohlcv",
}

func (in *InputJSON) UnmarshalJSON(data []byte) error {
	if err := requireFields(data, inputFields...); err != nil {
		return fmt.Errorf("input: %w", err)
	}
	type plain InputJSON
	return json.Unmarshal(data, (*plain)(in))
}

// ToRecord converts in to the binary input record. The bar count is not
// checked against LookbackLen; modules do that.
func (in *InputJSON) ToRecord() *abi.EvalInputV1 {
	rec := &abi.EvalInputV1{
		Version:              in.Version,
		WindowID:             abi.WindowKey(in.WindowID),
		StepIndex:            in.StepIndex,
		BarIntervalSeconds:   in.BarIntervalSeconds,
		PriceScale:           in.PriceScale,
		VolumeScale:          in.VolumeScale,
		CashBalance:          int64(in.CashBalance),
		PositionQty:          int64(in.PositionQty),
		AvgEntryPrice:        int64(in.AvgEntryPrice),
		MaxLeverageBps:       in.MaxLeverageBps,
		InitialMarginBps:     in.InitialMarginBps,
		MaintenanceMarginBps: in.MaintenanceMarginBps,
		LookbackLen:          in.LookbackLen,
		OHLCV:                make([]abi.Bar, len(in.OHLCV)),
	}
	for i, b := range in.OHLCV {
		rec.OHLCV[i] = abi.Bar{
			Open:   int64(b.Open),
			High:   int64(b.High),
			Low:    int64(b.Low),
			Close:  int64(b.Close),
			Volume: int64(b.Volume),
		}
	}
	return rec
}
