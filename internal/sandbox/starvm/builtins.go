package starvm

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/mannyc2/solclash/internal/abi"
	"github.com/mannyc2/solclash/internal/agent"
)

// predeclared is the whole environment a module sees beyond the Starlark
// universe.
var predeclared = starlark.StringDict{
	"abi": &starlarkstruct.Module{
		Name: "abi",
		Members: starlark.StringDict{
			"INPUT_VERSION":  starlark.MakeUint(uint(abi.InputVersion)),
			"OUTPUT_VERSION": starlark.MakeUint(uint(abi.OutputVersion)),
			"OUTPUT_LEN":     starlark.MakeInt(abi.OutputLen),

			"HOLD": starlark.MakeUint(uint(abi.ActionHold)),
			"BUY":  starlark.MakeUint(uint(abi.ActionBuy)),
			"SELL": starlark.MakeUint(uint(abi.ActionSell)),

			"ERR_NONE":                     errCode(abi.ErrNone),
			"ERR_INVALID_INSTRUCTION_DATA": errCode(abi.ErrInvalidInstructionData),
			"ERR_INVALID_INPUT_VERSION":    errCode(abi.ErrInvalidInputVersion),
			"ERR_INVALID_LOOKBACK_LEN":     errCode(abi.ErrInvalidLookbackLen),
			"ERR_INPUT_DECODE":             errCode(abi.ErrInputDecode),
			"ERR_POLICY":                   errCode(abi.ErrPolicy),
			"ERR_OUTPUT_INVALID":           errCode(abi.ErrOutputInvalid),
			"ERR_OUTPUT_ENCODE":            errCode(abi.ErrOutputEncode),

			"output":          starlark.NewBuiltin("output", builtinOutput),
			"hold":            starlark.NewBuiltin("hold", builtinHold),
			"buy":             starlark.NewBuiltin("buy", builtinTrade(abi.ActionBuy)),
			"sell":            starlark.NewBuiltin("sell", builtinTrade(abi.ActionSell)),
			"decode_input":    starlark.NewBuiltin("decode_input", builtinDecodeInput),
			"encode_output":   starlark.NewBuiltin("encode_output", builtinEncodeOutput),
			"validate_output": starlark.NewBuiltin("validate_output", builtinValidateOutput),
			"entrypoint":      starlark.NewBuiltin("entrypoint", builtinEntrypoint),
		},
	},
}

func errCode(c abi.ErrCode) starlark.Value { return starlark.MakeUint(uint(c)) }

// output(action_type=0, order_qty=0, err_code=0, version=1)
func builtinOutput(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	out := abi.EvalOutputV1{Version: abi.OutputVersion}
	var code uint16
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"action_type?", &out.ActionType,
		"order_qty?", &out.OrderQty,
		"err_code?", &code,
		"version?", &out.Version,
	); err != nil {
		return nil, err
	}
	out.ErrCode = abi.ErrCode(code)
	return outputValue(out), nil
}

// hold(err_code=0)
func builtinHold(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var code uint16
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "err_code?", &code); err != nil {
		return nil, err
	}
	return outputValue(abi.Hold(abi.ErrCode(code))), nil
}

// buy(qty) / sell(qty)
func builtinTrade(action uint8) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var qty int64
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "qty", &qty); err != nil {
			return nil, err
		}
		return outputValue(abi.EvalOutputV1{Version: abi.OutputVersion, ActionType: action, OrderQty: qty}), nil
	}
}

// decode_input(data) returns the input struct, or None when data is not a
// valid record.
func builtinDecodeInput(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data starlark.Bytes
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
		return nil, err
	}
	charge(thread, len(data))
	in, err := abi.UnmarshalInput([]byte(data))
	if err != nil {
		return starlark.None, nil
	}
	return inputValue(in), nil
}

// encode_output(out) returns the 20-byte record.
func builtinEncodeOutput(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	out, err := toOutput(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	data, err := abi.MarshalOutput(out)
	if err != nil {
		return nil, err
	}
	return starlark.Bytes(data), nil
}

// validate_output(out) applies the shared output rule and clears reserved
// bytes.
func builtinValidateOutput(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	out, err := toOutput(v)
	if err != nil {
		return outputValue(abi.Hold(abi.ErrOutputInvalid)), nil
	}
	return outputValue(abi.Sanitize(out)), nil
}

// entrypoint(accounts, data, policy) runs the standard module flow: decode
// the first region, call policy(input), validate, and write the result into
// the second region.
func builtinEntrypoint(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		accounts *starlark.List
		payload  starlark.Bytes
		policy   starlark.Callable
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "accounts", &accounts, "data", &payload, "policy", &policy); err != nil {
		return nil, err
	}

	regions := make([]*region, 0, 2)
	for i := 0; i < accounts.Len() && i < 2; i++ {
		r, ok := accounts.Index(i).(*region)
		if !ok {
			return nil, fmt.Errorf("%s: accounts[%d] is %s, want region", b.Name(), i, accounts.Index(i).Type())
		}
		regions = append(regions, r)
	}
	if len(regions) < 2 {
		return starlark.None, nil
	}
	input, output := regions[0], regions[1]
	charge(thread, len(input.r.Data))

	state, _ := thread.Local(stateKey).(*invokeState)
	var aborted error
	decide := agent.PolicyFunc(func(in *abi.EvalInputV1) (abi.EvalOutputV1, error) {
		ret, err := starlark.Call(thread, policy, starlark.Tuple{inputValue(in)}, nil)
		if err != nil {
			if state != nil && state.aborted() {
				aborted = err
			}
			return abi.EvalOutputV1{}, err
		}
		return toOutput(ret)
	})

	buf := make([]byte, len(output.r.Data))
	_, wrote := agent.Process([]byte(payload), [][]byte{input.r.Data, buf}, decide)
	if aborted != nil {
		return nil, aborted
	}
	if !wrote {
		return starlark.None, nil
	}
	if err := output.store(0, buf[:abi.OutputLen]); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func outputValue(out abi.EvalOutputV1) starlark.Value {
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"version":     starlark.MakeUint(uint(out.Version)),
		"action_type": starlark.MakeUint(uint(out.ActionType)),
		"order_qty":   starlark.MakeInt64(out.OrderQty),
		"err_code":    starlark.MakeUint(uint(out.ErrCode)),
	})
}

func inputValue(in *abi.EvalInputV1) starlark.Value {
	bars := make([]starlark.Value, len(in.OHLCV))
	for i, bar := range in.OHLCV {
		bars[i] = starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"open":   starlark.MakeInt64(bar.Open),
			"high":   starlark.MakeInt64(bar.High),
			"low":    starlark.MakeInt64(bar.Low),
			"close":  starlark.MakeInt64(bar.Close),
			"volume": starlark.MakeInt64(bar.Volume),
		})
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"version":                starlark.MakeUint(uint(in.Version)),
		"window_id":              starlark.Bytes(in.WindowID[:]),
		"step_index":             starlark.MakeUint(uint(in.StepIndex)),
		"bar_interval_seconds":   starlark.MakeUint(uint(in.BarIntervalSeconds)),
		"price_scale":            starlark.MakeUint(uint(in.PriceScale)),
		"volume_scale":           starlark.MakeUint(uint(in.VolumeScale)),
		"cash_balance":           starlark.MakeInt64(in.CashBalance),
		"position_qty":           starlark.MakeInt64(in.PositionQty),
		"avg_entry_price":        starlark.MakeInt64(in.AvgEntryPrice),
		"max_leverage_bps":       starlark.MakeUint(uint(in.MaxLeverageBps)),
		"initial_margin_bps":     starlark.MakeUint(uint(in.InitialMarginBps)),
		"maintenance_margin_bps": starlark.MakeUint(uint(in.MaintenanceMarginBps)),
		"lookback_len":           starlark.MakeUint(uint(in.LookbackLen)),
		"ohlcv":                  starlark.Tuple(bars),
	})
}

// toOutput reads an output record from a struct or dict. Missing fields take
// their hold defaults.
func toOutput(v starlark.Value) (abi.EvalOutputV1, error) {
	get, err := fieldGetter(v)
	if err != nil {
		return abi.EvalOutputV1{}, err
	}
	out := abi.EvalOutputV1{Version: abi.OutputVersion}
	var code uint16
	for _, f := range []struct {
		name string
		dst  any
	}{
		{"version", &out.Version},
		{"action_type", &out.ActionType},
		{"order_qty", &out.OrderQty},
		{"err_code", &code},
	} {
		fv, ok, err := get(f.name)
		if err != nil {
			return abi.EvalOutputV1{}, err
		}
		if !ok {
			continue
		}
		if err := starlark.AsInt(fv, f.dst); err != nil {
			return abi.EvalOutputV1{}, fmt.Errorf("output.%s: %w", f.name, err)
		}
	}
	out.ErrCode = abi.ErrCode(code)
	return out, nil
}

func fieldGetter(v starlark.Value) (func(string) (starlark.Value, bool, error), error) {
	switch v := v.(type) {
	case *starlarkstruct.Struct:
		return func(name string) (starlark.Value, bool, error) {
			fv, err := v.Attr(name)
			if err != nil || fv == nil {
				return nil, false, nil
			}
			return fv, true, nil
		}, nil
	case *starlark.Dict:
		return func(name string) (starlark.Value, bool, error) {
			return v.Get(starlark.String(name))
		}, nil
	}
	return nil, fmt.Errorf("output must be a struct or dict, got %s", v.Type())
}
