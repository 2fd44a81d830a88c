package agent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mannyc2/solclash/internal/abi"
)

func encodedInput(t *testing.T, mutate func(*abi.EvalInputV1)) []byte {
	t.Helper()
	in := &abi.EvalInputV1{
		Version:     abi.InputVersion,
		WindowID:    abi.WindowKey("w1"),
		LookbackLen: 2,
		OHLCV:       []abi.Bar{{Close: 1}, {Close: 2}},
	}
	if mutate != nil {
		mutate(in)
	}
	data, err := abi.MarshalInput(in)
	require.NoError(t, err)
	return data
}

func run(t *testing.T, payload, input []byte, policy Policy) abi.EvalOutputV1 {
	t.Helper()
	output := make([]byte, abi.OutputLen)
	_, wrote := Process(payload, [][]byte{input, output}, policy)
	require.True(t, wrote)
	out, err := abi.UnmarshalOutput(output)
	require.NoError(t, err)
	return out
}

func TestProcessHoldPolicy(t *testing.T) {
	out := run(t, nil, encodedInput(t, nil), HoldPolicy{})
	assert.Equal(t, abi.Hold(abi.ErrNone), out)
}

func TestProcessErrorCodes(t *testing.T) {
	good := encodedInput(t, nil)
	tests := []struct {
		name    string
		payload []byte
		input   []byte
		policy  Policy
		want    abi.ErrCode
	}{
		{"payload present", []byte{1}, good, HoldPolicy{}, abi.ErrInvalidInstructionData},
		{"undecodable input", nil, good[:10], HoldPolicy{}, abi.ErrInputDecode},
		{"wrong version", nil, encodedInput(t, func(in *abi.EvalInputV1) { in.Version = 2 }), HoldPolicy{}, abi.ErrInvalidInputVersion},
		{"lookback mismatch", nil, encodedInput(t, func(in *abi.EvalInputV1) { in.LookbackLen = 5 }), HoldPolicy{}, abi.ErrInvalidLookbackLen},
		{"policy failure", nil, good, PolicyFunc(func(*abi.EvalInputV1) (abi.EvalOutputV1, error) {
			return abi.EvalOutputV1{}, errors.New("boom")
		}), abi.ErrPolicy},
		{"nil policy", nil, good, nil, abi.ErrPolicy},
		{"invalid decision", nil, good, PolicyFunc(func(*abi.EvalInputV1) (abi.EvalOutputV1, error) {
			return abi.EvalOutputV1{Version: 1, ActionType: abi.ActionBuy}, nil
		}), abi.ErrOutputInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := run(t, tt.payload, tt.input, tt.policy)
			assert.Equal(t, abi.Hold(tt.want), out)
		})
	}
}

func TestProcessWritesDecision(t *testing.T) {
	buy := PolicyFunc(func(in *abi.EvalInputV1) (abi.EvalOutputV1, error) {
		return abi.EvalOutputV1{Version: 1, ActionType: abi.ActionBuy, OrderQty: in.OHLCV[1].Close * 10, Reserved: [8]byte{7}}, nil
	})
	out := run(t, nil, encodedInput(t, nil), buy)
	assert.Equal(t, abi.EvalOutputV1{Version: 1, ActionType: abi.ActionBuy, OrderQty: 20}, out)
}

func TestProcessMissingRegions(t *testing.T) {
	_, wrote := Process(nil, nil, HoldPolicy{})
	assert.False(t, wrote)
	_, wrote = Process(nil, [][]byte{encodedInput(t, nil)}, HoldPolicy{})
	assert.False(t, wrote)
}

func TestProcessShortOutputLeftUntouched(t *testing.T) {
	output := []byte{0xAA, 0xBB, 0xCC}
	out, wrote := Process(nil, [][]byte{encodedInput(t, nil), output}, HoldPolicy{})
	assert.False(t, wrote)
	assert.Equal(t, abi.Hold(abi.ErrNone), out)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, output)
}
