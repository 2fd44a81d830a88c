// Package agent is the module-side half of the evaluation contract. It turns
// the raw regions handed to a module into a decoded input, runs a Policy and
// writes a validated output record back, mapping every failure to a hold with
// the matching error code.
package agent

import "github.com/mannyc2/solclash/internal/abi"

// Policy decides what to do for one input. Returning an error makes the
// runtime hold with abi.ErrPolicy.
type Policy interface {
	Decide(in *abi.EvalInputV1) (abi.EvalOutputV1, error)
}

// PolicyFunc adapts a plain function to Policy.
type PolicyFunc func(in *abi.EvalInputV1) (abi.EvalOutputV1, error)

func (f PolicyFunc) Decide(in *abi.EvalInputV1) (abi.EvalOutputV1, error) { return f(in) }

// HoldPolicy never trades.
type HoldPolicy struct{}

func (HoldPolicy) Decide(*abi.EvalInputV1) (abi.EvalOutputV1, error) {
	return abi.Hold(abi.ErrNone), nil
}

// Process runs one invocation. regions[0] is the input record and regions[1]
// the output buffer, which is written in place. Missing regions make Process a
// no-op. The returned record is what the module decided; wrote reports
// whether it fit into the output buffer.
func Process(payload []byte, regions [][]byte, policy Policy) (out abi.EvalOutputV1, wrote bool) {
	if len(regions) < 2 {
		return abi.EvalOutputV1{}, false
	}
	input, output := regions[0], regions[1]

	out = decide(payload, input, policy)
	return out, write(output, out)
}

func decide(payload, input []byte, policy Policy) abi.EvalOutputV1 {
	if len(payload) != 0 {
		return abi.Hold(abi.ErrInvalidInstructionData)
	}
	in, err := abi.UnmarshalInput(input)
	if err != nil {
		return abi.Hold(abi.ErrInputDecode)
	}
	if in.Version != abi.InputVersion {
		return abi.Hold(abi.ErrInvalidInputVersion)
	}
	if int(in.LookbackLen) != len(in.OHLCV) {
		return abi.Hold(abi.ErrInvalidLookbackLen)
	}
	if policy == nil {
		return abi.Hold(abi.ErrPolicy)
	}
	out, err := policy.Decide(in)
	if err != nil {
		out = abi.Hold(abi.ErrPolicy)
	}
	return abi.Sanitize(out)
}

func write(dst []byte, out abi.EvalOutputV1) bool {
	data, err := abi.MarshalOutput(out)
	if err != nil {
		if data, err = abi.MarshalOutput(abi.Hold(abi.ErrOutputEncode)); err != nil {
			return false
		}
	}
	if len(dst) < len(data) {
		return false
	}
	copy(dst, data)
	return true
}
