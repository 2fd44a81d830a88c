package starvm

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
	"go.uber.org/goleak"

	"github.com/mannyc2/solclash/internal/abi"
	"github.com/mannyc2/solclash/internal/sandbox"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	ctx     sandbox.Context
	program solana.PublicKey
	input   solana.PublicKey
	output  solana.PublicKey
}

func start(t *testing.T, opts Options, path string) *fixture {
	t.Helper()
	b := New(opts).NewBuilder()
	program := solana.NewWallet().PublicKey()
	require.NoError(t, b.AddModule(context.Background(), filepath.Base(path), program, path))
	sc, err := b.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Close() })
	return &fixture{ctx: sc, program: program}
}

func (f *fixture) load(t *testing.T, in *abi.EvalInputV1) {
	t.Helper()
	data, err := abi.MarshalInput(in)
	require.NoError(t, err)
	f.input = solana.NewWallet().PublicKey()
	f.output = solana.NewWallet().PublicKey()
	require.NoError(t, f.ctx.SetRegion(sandbox.Region{
		Address: f.input, Owner: f.program, Balance: f.ctx.MinimumBalance(len(data)), Data: data,
	}))
	require.NoError(t, f.ctx.SetRegion(sandbox.Region{
		Address: f.output, Owner: f.program, Balance: f.ctx.MinimumBalance(abi.OutputLen), Data: make([]byte, abi.OutputLen),
	}))
}

func (f *fixture) invocation(limit uint32) sandbox.Invocation {
	return sandbox.Invocation{
		ID: "test",
		Directives: []sandbox.Directive{
			sandbox.SetComputeUnitLimit{Units: limit},
			sandbox.Invoke{
				Module: f.program,
				Regions: []sandbox.RegionRef{
					{Address: f.input},
					{Address: f.output, Writable: true},
				},
			},
		},
	}
}

func (f *fixture) result(t *testing.T) abi.EvalOutputV1 {
	t.Helper()
	r, ok := f.ctx.Region(f.output)
	require.True(t, ok)
	out, err := abi.UnmarshalOutput(r.Data)
	require.NoError(t, err)
	return out
}

func sampleInput(closes ...int64) *abi.EvalInputV1 {
	in := &abi.EvalInputV1{
		Version:     abi.InputVersion,
		WindowID:    abi.WindowKey("w1"),
		StepIndex:   7,
		PriceScale:  1_000_000,
		VolumeScale: 1_000_000,
		LookbackLen: uint16(len(closes)),
	}
	for _, c := range closes {
		in.OHLCV = append(in.OHLCV, abi.Bar{Open: c, High: c, Low: c, Close: c, Volume: 1})
	}
	return in
}

func TestHoldModule(t *testing.T) {
	f := start(t, Options{}, "testdata/hold.star")
	f.load(t, sampleInput(1, 2, 3))

	receipt, err := f.ctx.Execute(context.Background(), f.invocation(1_400_000))
	require.NoError(t, err)
	assert.Positive(t, receipt.UnitsConsumed)
	assert.Equal(t, abi.Hold(abi.ErrNone), f.result(t))
	assert.Contains(t, receipt.Logs[len(receipt.Logs)-1], "success")
}

func TestMomentumModule(t *testing.T) {
	tests := []struct {
		name   string
		closes []int64
		want   abi.EvalOutputV1
	}{
		{"rising", []int64{1, 5}, abi.EvalOutputV1{Version: 1, ActionType: abi.ActionBuy, OrderQty: 10}},
		{"falling", []int64{5, 1}, abi.EvalOutputV1{Version: 1, ActionType: abi.ActionSell, OrderQty: 10}},
		{"flat", []int64{3, 3}, abi.Hold(abi.ErrNone)},
		{"empty", nil, abi.Hold(abi.ErrNone)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := start(t, Options{}, "testdata/momentum.star")
			f.load(t, sampleInput(tt.closes...))
			receipt, err := f.ctx.Execute(context.Background(), f.invocation(200_000))
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.result(t))
			assert.Contains(t, receipt.Logs, "Program log: momentum step")
		})
	}
}

func TestModuleReportsInputErrors(t *testing.T) {
	f := start(t, Options{}, "testdata/hold.star")
	in := sampleInput(1, 2)
	in.LookbackLen = 9
	f.load(t, in)

	_, err := f.ctx.Execute(context.Background(), f.invocation(200_000))
	require.NoError(t, err)
	assert.Equal(t, abi.Hold(abi.ErrInvalidLookbackLen), f.result(t))
}

func TestRawModule(t *testing.T) {
	f := start(t, Options{}, "testdata/raw.star")
	f.load(t, sampleInput(1))
	_, err := f.ctx.Execute(context.Background(), f.invocation(200_000))
	require.NoError(t, err)
	assert.Equal(t, abi.EvalOutputV1{Version: 1, ActionType: abi.ActionBuy, OrderQty: 7}, f.result(t))

	in := sampleInput(1)
	in.StepIndex = 0
	f.load(t, in)
	_, err = f.ctx.Execute(context.Background(), f.invocation(200_000))
	require.NoError(t, err)
	assert.Equal(t, abi.Hold(abi.ErrOutputInvalid), f.result(t))
}

func TestBudgetExceeded(t *testing.T) {
	f := start(t, Options{}, "testdata/spin.star")
	f.load(t, sampleInput(1))

	receipt, err := f.ctx.Execute(context.Background(), f.invocation(10_000))
	require.ErrorIs(t, err, sandbox.ErrBudgetExceeded)
	assert.Equal(t, uint64(10_000), receipt.UnitsConsumed)
	assert.Equal(t, make([]byte, abi.OutputLen), mustRegion(t, f.ctx, f.output).Data)
}

func TestUnitLimitIsCapped(t *testing.T) {
	f := start(t, Options{MaxUnitLimit: 5_000}, "testdata/spin.star")
	f.load(t, sampleInput(1))

	receipt, err := f.ctx.Execute(context.Background(), f.invocation(1_000_000))
	require.ErrorIs(t, err, sandbox.ErrBudgetExceeded)
	assert.Equal(t, uint64(5_000), receipt.UnitsConsumed)
}

func TestReadonlyWriteRollsBack(t *testing.T) {
	f := start(t, Options{}, "testdata/readonly.star")
	f.load(t, sampleInput(1))

	_, err := f.ctx.Execute(context.Background(), f.invocation(200_000))
	require.ErrorIs(t, err, sandbox.ErrReadonlyModified)
	assert.Equal(t, make([]byte, abi.OutputLen), mustRegion(t, f.ctx, f.output).Data)
}

func TestForeignOwnedRegionIsReadonly(t *testing.T) {
	f := start(t, Options{}, "testdata/hold.star")
	f.load(t, sampleInput(1))
	r := mustRegion(t, f.ctx, f.output)
	r.Owner = solana.SystemProgramID
	require.NoError(t, f.ctx.SetRegion(r))

	_, err := f.ctx.Execute(context.Background(), f.invocation(200_000))
	require.ErrorIs(t, err, sandbox.ErrReadonlyModified)
}

func TestNonZeroReturnFaults(t *testing.T) {
	f := start(t, Options{}, "testdata/failing.star")
	f.load(t, sampleInput(1))

	_, err := f.ctx.Execute(context.Background(), f.invocation(200_000))
	require.ErrorIs(t, err, sandbox.ErrModuleFault)
}

func TestMissingEntrypointRejected(t *testing.T) {
	b := New(Options{}).NewBuilder()
	err := b.AddModule(context.Background(), "noentry", solana.NewWallet().PublicKey(), "testdata/noentry.star")
	require.ErrorIs(t, err, sandbox.ErrModuleInvalid)
}

func TestLoadStatementRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "load.star")
	require.NoError(t, os.WriteFile(path, []byte(`load("x.star", "y")`+"\n"), 0o600))
	err := New(Options{}).NewBuilder().AddModule(context.Background(), "load", solana.NewWallet().PublicKey(), path)
	require.ErrorIs(t, err, sandbox.ErrModuleInvalid)
}

func TestOversizedModuleRejected(t *testing.T) {
	err := New(Options{MaxModuleSize: 16}).NewBuilder().AddModule(context.Background(), "hold", solana.NewWallet().PublicKey(), "testdata/hold.star")
	require.ErrorIs(t, err, sandbox.ErrModuleInvalid)
}

func TestDuplicateModuleAddress(t *testing.T) {
	b := New(Options{}).NewBuilder()
	addr := solana.NewWallet().PublicKey()
	require.NoError(t, b.AddModule(context.Background(), "a", addr, "testdata/hold.star"))
	err := b.AddModule(context.Background(), "b", addr, "testdata/hold.star")
	require.ErrorIs(t, err, sandbox.ErrDuplicateAddress)
}

func TestCompiledModule(t *testing.T) {
	src, err := os.ReadFile("testdata/hold.star")
	require.NoError(t, err)
	_, prog, err := starlark.SourceProgramOptions(fileOptions, "hold.star", src, predeclared.Has)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, prog.Write(&buf))

	path := filepath.Join(t.TempDir(), "hold.so")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	f := start(t, Options{}, path)
	f.load(t, sampleInput(1, 2))
	_, err = f.ctx.Execute(context.Background(), f.invocation(200_000))
	require.NoError(t, err)
	assert.Equal(t, abi.Hold(abi.ErrNone), f.result(t))
}

func TestFeeCharged(t *testing.T) {
	f := start(t, Options{InvocationFee: 5_000, PayerBalance: 12_000}, "testdata/hold.star")
	f.load(t, sampleInput(1))
	v := f.ctx.(*vm)

	receipt, err := f.ctx.Execute(context.Background(), f.invocation(200_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000), receipt.Fee)
	assert.Equal(t, uint64(7_000), v.PayerBalance())

	_, err = f.ctx.Execute(context.Background(), f.invocation(200_000))
	require.NoError(t, err)
	_, err = f.ctx.Execute(context.Background(), f.invocation(200_000))
	require.ErrorIs(t, err, sandbox.ErrInsufficientFunds)
}

func TestInvokeTimeout(t *testing.T) {
	f := start(t, Options{InvokeTimeout: 20 * time.Millisecond, MaxUnitLimit: math.MaxUint32}, "testdata/spin.star")
	f.load(t, sampleInput(1))

	_, err := f.ctx.Execute(context.Background(), f.invocation(math.MaxUint32))
	require.ErrorIs(t, err, sandbox.ErrTimeout)
}

func TestContextCancelStopsModule(t *testing.T) {
	f := start(t, Options{InvokeTimeout: time.Minute, MaxUnitLimit: math.MaxUint32}, "testdata/spin.star")
	f.load(t, sampleInput(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.ctx.Execute(ctx, f.invocation(math.MaxUint32))
	require.ErrorIs(t, err, sandbox.ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMissingRegion(t *testing.T) {
	f := start(t, Options{}, "testdata/hold.star")
	f.input = solana.NewWallet().PublicKey()
	f.output = solana.NewWallet().PublicKey()

	_, err := f.ctx.Execute(context.Background(), f.invocation(200_000))
	require.ErrorIs(t, err, sandbox.ErrRegionNotFound)
}

func TestNoInvokeDirective(t *testing.T) {
	f := start(t, Options{}, "testdata/hold.star")
	_, err := f.ctx.Execute(context.Background(), sandbox.Invocation{
		Directives: []sandbox.Directive{sandbox.SetComputeUnitLimit{Units: 10}},
	})
	require.ErrorIs(t, err, sandbox.ErrNoInvoke)
}

func TestSetRegionRejectsModuleAddress(t *testing.T) {
	f := start(t, Options{}, "testdata/hold.star")
	err := f.ctx.SetRegion(sandbox.Region{Address: f.program, Data: []byte{1}})
	require.ErrorIs(t, err, sandbox.ErrDuplicateAddress)
}

func TestClosedContext(t *testing.T) {
	f := start(t, Options{}, "testdata/hold.star")
	require.NoError(t, f.ctx.Close())
	require.NoError(t, f.ctx.Close())
	_, err := f.ctx.Execute(context.Background(), f.invocation(10))
	require.ErrorIs(t, err, sandbox.ErrContextClosed)
	require.ErrorIs(t, f.ctx.SetRegion(sandbox.Region{Address: solana.NewWallet().PublicKey()}), sandbox.ErrContextClosed)
}

func TestLogTruncation(t *testing.T) {
	b := newLogBuffer(2)
	b.add("a")
	b.add("b")
	b.add("c")
	b.add("d")
	assert.Equal(t, []string{"a", "b", "Log truncated"}, b.lines)
}

func mustRegion(t *testing.T, sc sandbox.Context, addr solana.PublicKey) sandbox.Region {
	t.Helper()
	r, ok := sc.Region(addr)
	require.True(t, ok)
	return r
}
