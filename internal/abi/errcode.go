package abi

import "fmt"

// ErrCode is the error code carried inside an output record. A non-zero code
// always accompanies a hold action.
type ErrCode uint16

const (
	ErrNone                   ErrCode = 0
	ErrInvalidInstructionData ErrCode = 1
	ErrInvalidInputVersion    ErrCode = 2
	ErrInvalidLookbackLen     ErrCode = 3
	ErrInputDecode            ErrCode = 4
	ErrPolicy                 ErrCode = 5
	ErrOutputInvalid          ErrCode = 6
	ErrOutputEncode           ErrCode = 7
)

var errCodeNames = map[ErrCode]string{
	ErrNone:                   "none",
	ErrInvalidInstructionData: "invalid_instruction_data",
	ErrInvalidInputVersion:    "invalid_input_version",
	ErrInvalidLookbackLen:     "invalid_lookback_len",
	ErrInputDecode:            "input_decode",
	ErrPolicy:                 "policy",
	ErrOutputInvalid:          "output_invalid",
	ErrOutputEncode:           "output_encode",
}

func (c ErrCode) String() string {
	if name, ok := errCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("err_code(%d)", uint16(c))
}
