package abi

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

var (
	// ErrTrailingBytes is returned when a record decodes cleanly but input
	// remains.
	ErrTrailingBytes = errors.New("abi: trailing bytes after record")
	// ErrShortRecord is returned when the buffer ends inside a record.
	ErrShortRecord = errors.New("abi: record truncated")
)

func (b Bar) MarshalWithEncoder(enc *bin.Encoder) error {
	for _, v := range [...]int64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if err := enc.WriteInt64(v, bin.LE); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bar) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	for _, dst := range [...]*int64{&b.Open, &b.High, &b.Low, &b.Close, &b.Volume} {
		if *dst, err = dec.ReadInt64(bin.LE); err != nil {
			return err
		}
	}
	return nil
}

func (in EvalInputV1) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteUint8(in.Version); err != nil {
		return err
	}
	if _, err := enc.Write(in.WindowID[:]); err != nil {
		return err
	}
	for _, v := range [...]uint32{in.StepIndex, in.BarIntervalSeconds, in.PriceScale, in.VolumeScale} {
		if err := enc.WriteUint32(v, bin.LE); err != nil {
			return err
		}
	}
	for _, v := range [...]int64{in.CashBalance, in.PositionQty, in.AvgEntryPrice} {
		if err := enc.WriteInt64(v, bin.LE); err != nil {
			return err
		}
	}
	for _, v := range [...]uint32{in.MaxLeverageBps, in.InitialMarginBps, in.MaintenanceMarginBps} {
		if err := enc.WriteUint32(v, bin.LE); err != nil {
			return err
		}
	}
	if err := enc.WriteUint16(in.LookbackLen, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteLength(len(in.OHLCV)); err != nil {
		return err
	}
	for _, bar := range in.OHLCV {
		if err := bar.MarshalWithEncoder(enc); err != nil {
			return err
		}
	}
	return nil
}

func (in *EvalInputV1) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if in.Version, err = dec.ReadUint8(); err != nil {
		return err
	}
	window, err := dec.ReadBytes(len(in.WindowID))
	if err != nil {
		return err
	}
	copy(in.WindowID[:], window)
	for _, dst := range [...]*uint32{&in.StepIndex, &in.BarIntervalSeconds, &in.PriceScale, &in.VolumeScale} {
		if *dst, err = dec.ReadUint32(bin.LE); err != nil {
			return err
		}
	}
	for _, dst := range [...]*int64{&in.CashBalance, &in.PositionQty, &in.AvgEntryPrice} {
		if *dst, err = dec.ReadInt64(bin.LE); err != nil {
			return err
		}
	}
	for _, dst := range [...]*uint32{&in.MaxLeverageBps, &in.InitialMarginBps, &in.MaintenanceMarginBps} {
		if *dst, err = dec.ReadUint32(bin.LE); err != nil {
			return err
		}
	}
	if in.LookbackLen, err = dec.ReadUint16(bin.LE); err != nil {
		return err
	}
	n, err := dec.ReadLength()
	if err != nil {
		return err
	}
	if n > dec.Remaining()/BarLen {
		return fmt.Errorf("%w: %d bars declared, %d bytes left", ErrShortRecord, n, dec.Remaining())
	}
	in.OHLCV = make([]Bar, n)
	for i := range in.OHLCV {
		if err := in.OHLCV[i].UnmarshalWithDecoder(dec); err != nil {
			return err
		}
	}
	return nil
}

func (out EvalOutputV1) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteUint8(out.Version); err != nil {
		return err
	}
	if err := enc.WriteUint8(out.ActionType); err != nil {
		return err
	}
	if err := enc.WriteInt64(out.OrderQty, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint16(uint16(out.ErrCode), bin.LE); err != nil {
		return err
	}
	_, err := enc.Write(out.Reserved[:])
	return err
}

func (out *EvalOutputV1) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if out.Version, err = dec.ReadUint8(); err != nil {
		return err
	}
	if out.ActionType, err = dec.ReadUint8(); err != nil {
		return err
	}
	if out.OrderQty, err = dec.ReadInt64(bin.LE); err != nil {
		return err
	}
	code, err := dec.ReadUint16(bin.LE)
	if err != nil {
		return err
	}
	out.ErrCode = ErrCode(code)
	reserved, err := dec.ReadBytes(len(out.Reserved))
	if err != nil {
		return err
	}
	copy(out.Reserved[:], reserved)
	return nil
}

// MarshalInput encodes in into its little-endian wire form.
func MarshalInput(in *EvalInputV1) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, in.EncodedLen()))
	if err := in.MarshalWithEncoder(bin.NewBorshEncoder(buf)); err != nil {
		return nil, fmt.Errorf("abi: encode input: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalInput decodes data, rejecting truncated buffers and trailing
// bytes.
func UnmarshalInput(data []byte) (*EvalInputV1, error) {
	var in EvalInputV1
	if err := decodeStrict(data, &in); err != nil {
		return nil, fmt.Errorf("abi: decode input: %w", err)
	}
	return &in, nil
}

// MarshalOutput encodes out into exactly OutputLen bytes.
func MarshalOutput(out EvalOutputV1) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, OutputLen))
	if err := out.MarshalWithEncoder(bin.NewBorshEncoder(buf)); err != nil {
		return nil, fmt.Errorf("abi: encode output: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalOutput decodes exactly one output record from data.
func UnmarshalOutput(data []byte) (EvalOutputV1, error) {
	var out EvalOutputV1
	if err := decodeStrict(data, &out); err != nil {
		return EvalOutputV1{}, fmt.Errorf("abi: decode output: %w", err)
	}
	return out, nil
}

func decodeStrict(data []byte, v bin.BinaryUnmarshaler) error {
	dec := bin.NewBorshDecoder(data)
	if err := v.UnmarshalWithDecoder(dec); err != nil {
		if errors.Is(err, ErrShortRecord) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrShortRecord, err)
	}
	if dec.HasRemaining() {
		return fmt.Errorf("%w: %d", ErrTrailingBytes, dec.Remaining())
	}
	return nil
}
