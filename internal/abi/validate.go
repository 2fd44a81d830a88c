package abi

// Validate returns out unchanged when it is a well-formed v1 decision, and
// the canonical Hold(ErrOutputInvalid) otherwise. The same rule runs inside
// the module runtime before the record is written and on the host after it
// is read back. Action types above ActionSell are passed through untouched.
func Validate(out EvalOutputV1) EvalOutputV1 {
	if out.Version != OutputVersion {
		return Hold(ErrOutputInvalid)
	}
	if (out.ActionType == ActionBuy || out.ActionType == ActionSell) && out.OrderQty <= 0 {
		return Hold(ErrOutputInvalid)
	}
	return out
}

// Sanitize validates out and clears the reserved bytes. Producers call it
// before encoding.
func Sanitize(out EvalOutputV1) EvalOutputV1 {
	out = Validate(out)
	out.Reserved = [8]byte{}
	return out
}
