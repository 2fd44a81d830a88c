package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mannyc2/solclash/internal/abi"
)

const evalLine = `{"type":"eval","request_id":2,"agent_id":"A","extra":true,"input":{
  "version":1,
  "window_id":"w1",
  "step_index":0,
  "bar_interval_seconds":60,
  "price_scale":1000000,
  "volume_scale":1000000,
  "cash_balance":"10000",
  "position_qty":"-3",
  "avg_entry_price":"0",
  "max_leverage_bps":10000,
  "initial_margin_bps":1000,
  "maintenance_margin_bps":500,
  "lookback_len":1,
  "ohlcv":[{"open":"100","high":"101","low":"99","close":"100","volume":"10"}]
}}`

func TestDecodeEval(t *testing.T) {
	req, err := Decode([]byte(evalLine))
	require.NoError(t, err)
	ev, ok := req.(*EvalRequest)
	require.True(t, ok)
	assert.Equal(t, uint64(2), ev.ID())
	assert.Equal(t, "A", ev.AgentID)

	rec := ev.Input.ToRecord()
	assert.Equal(t, abi.WindowKey("w1"), rec.WindowID)
	assert.Equal(t, int64(10000), rec.CashBalance)
	assert.Equal(t, int64(-3), rec.PositionQty)
	assert.Equal(t, uint16(1), rec.LookbackLen)
	require.Len(t, rec.OHLCV, 1)
	assert.Equal(t, abi.Bar{Open: 100, High: 101, Low: 99, Close: 100, Volume: 10}, rec.OHLCV[0])
}

func TestDecodeInit(t *testing.T) {
	req, err := Decode([]byte(`{"type":"init","request_id":1,"programs":[{"id":"A","so_path":"/tmp/a.so"}]}`))
	require.NoError(t, err)
	in := req.(*InitRequest)
	assert.Equal(t, []ProgramSpec{{ID: "A", SoPath: "/tmp/a.so"}}, in.Programs)
	assert.Nil(t, in.ComputeUnitLimit)

	req, err = Decode([]byte(`{"type":"init","request_id":1,"programs":[],"compute_unit_limit":50000}`))
	require.NoError(t, err)
	in = req.(*InitRequest)
	require.NotNil(t, in.ComputeUnitLimit)
	assert.Equal(t, uint32(50000), *in.ComputeUnitLimit)
}

func TestDecodeShutdown(t *testing.T) {
	req, err := Decode([]byte(`{"type":"shutdown","request_id":9}`))
	require.NoError(t, err)
	assert.IsType(t, &ShutdownRequest{}, req)
	assert.Equal(t, uint64(9), req.ID())
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"not json", `hello`, "invalid character"},
		{"array", `[1]`, "cannot unmarshal"},
		{"no type", `{"request_id":1}`, "missing field `type`"},
		{"unknown type", `{"type":"ping","request_id":1}`, "unknown request type"},
		{"no request id", `{"type":"shutdown"}`, "missing field `request_id`"},
		{"negative request id", `{"type":"shutdown","request_id":-1}`, "cannot unmarshal"},
		{"no programs", `{"type":"init","request_id":1}`, "missing field `programs`"},
		{"program without path", `{"type":"init","request_id":1,"programs":[{"id":"A"}]}`, "missing field `so_path`"},
		{"budget overflow", `{"type":"init","request_id":1,"programs":[],"compute_unit_limit":4294967296}`, "cannot unmarshal"},
		{"eval without input", `{"type":"eval","request_id":1,"agent_id":"A"}`, "missing field `input`"},
		{"numeric i64", `{"type":"eval","request_id":1,"agent_id":"A","input":{"version":1,"window_id":"w","step_index":0,"bar_interval_seconds":60,"price_scale":1,"volume_scale":1,"cash_balance":5,"position_qty":"0","avg_entry_price":"0","max_leverage_bps":0,"initial_margin_bps":0,"maintenance_margin_bps":0,"lookback_len":0,"ohlcv":[]}}`, "expected a decimal string"},
		{"missing bar field", `{"type":"eval","request_id":1,"agent_id":"A","input":{"version":1,"window_id":"w","step_index":0,"bar_interval_seconds":60,"price_scale":1,"volume_scale":1,"cash_balance":"5","position_qty":"0","avg_entry_price":"0","max_leverage_bps":0,"initial_margin_bps":0,"maintenance_margin_bps":0,"lookback_len":1,"ohlcv":[{"open":"1","high":"1","low":"1","close":"1"}]}}`, "missing field `volume`"},
		{"missing input field", `{"type":"eval","request_id":1,"agent_id":"A","input":{"version":1}}`, "missing field `window_id`"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.line))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEncodeResponses(t *testing.T) {
	tests := []struct {
		name string
		resp Response
		want string
	}{
		{"ok", OK(1), `{"type":"ok","request_id":1}` + "\n"},
		{
			"hold result",
			Result(2, "A", abi.Hold(abi.ErrNone)),
			`{"type":"result","request_id":2,"agent_id":"A","status":"OK","output":{"version":1,"action_type":0,"order_qty":"0","err_code":0}}` + "\n",
		},
		{
			"sell result",
			Result(3, "B", abi.EvalOutputV1{Version: 1, ActionType: abi.ActionSell, OrderQty: 9_007_199_254_740_993}),
			`{"type":"result","request_id":3,"agent_id":"B","status":"OK","output":{"version":1,"action_type":2,"order_qty":"9007199254740993","err_code":0}}` + "\n",
		},
		{"error", Error(0, "invalid request: x"), `{"type":"error","request_id":0,"message":"invalid request: x"}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := Encode(tt.resp)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(line))
		})
	}
}
