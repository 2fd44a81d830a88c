package starvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.starlark.net/starlark"

	"github.com/mannyc2/solclash/internal/sandbox"
)

// vm implements sandbox.Context. Region state lives in an in-memory ledger
// that persists for the life of the context.
type vm struct {
	opts    Options
	logger  *slog.Logger
	modules map[solana.PublicKey]*module
	regions map[solana.PublicKey]*sandbox.Region
	payer   solana.PublicKey
	closed  bool
}

func newVM(opts Options, modules map[solana.PublicKey]*module) *vm {
	payer := solana.NewWallet().PublicKey()
	v := &vm{
		opts:    opts,
		logger:  opts.Logger.With(slog.String("component", "starvm")),
		modules: modules,
		regions: make(map[solana.PublicKey]*sandbox.Region),
		payer:   payer,
	}
	v.regions[payer] = &sandbox.Region{
		Address: payer,
		Owner:   solana.SystemProgramID,
		Balance: opts.PayerBalance,
	}
	return v
}

// SetRegion creates or replaces a region.
func (v *vm) SetRegion(r sandbox.Region) error {
	if v.closed {
		return sandbox.ErrContextClosed
	}
	if r.Address.IsZero() {
		return fmt.Errorf("starvm: region address must be set")
	}
	if r.Address.Equals(v.payer) {
		return fmt.Errorf("starvm: %w: payer", sandbox.ErrDuplicateAddress)
	}
	if _, isModule := v.modules[r.Address]; isModule {
		return fmt.Errorf("starvm: %w: module %s", sandbox.ErrDuplicateAddress, r.Address)
	}
	cp := cloneRegion(&r)
	v.regions[r.Address] = cp
	return nil
}

// Region returns a copy of the region at address.
func (v *vm) Region(address solana.PublicKey) (sandbox.Region, bool) {
	r, ok := v.regions[address]
	if !ok {
		return sandbox.Region{}, false
	}
	return *cloneRegion(r), true
}

// MinimumBalance implements sandbox.Context.
func (v *vm) MinimumBalance(size int) uint64 {
	return sandbox.RentExempt(size)
}

// PayerBalance reports the remaining fee balance.
func (v *vm) PayerBalance() uint64 {
	return v.regions[v.payer].Balance
}

// Close releases the loaded modules and the ledger.
func (v *vm) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	v.modules = nil
	v.regions = nil
	return nil
}

// Execute runs every Invoke directive in order against a staged copy of the
// ledger and commits the copy only when all of them succeed. The fee is
// charged before execution and is not refunded on failure.
func (v *vm) Execute(ctx context.Context, inv sandbox.Invocation) (sandbox.Receipt, error) {
	receipt := sandbox.Receipt{ID: inv.ID}
	if v.closed {
		return receipt, sandbox.ErrContextClosed
	}
	if err := ctx.Err(); err != nil {
		return receipt, err
	}

	limit := v.opts.DefaultUnitLimit
	var invokes []sandbox.Invoke
	for _, d := range inv.Directives {
		switch d := d.(type) {
		case sandbox.SetComputeUnitLimit:
			limit = min(d.Units, v.opts.MaxUnitLimit)
		case sandbox.Invoke:
			invokes = append(invokes, d)
		default:
			return receipt, fmt.Errorf("starvm: unknown directive %T", d)
		}
	}
	if len(invokes) == 0 {
		return receipt, sandbox.ErrNoInvoke
	}

	payer := v.regions[v.payer]
	if payer.Balance < v.opts.InvocationFee {
		return receipt, sandbox.ErrInsufficientFunds
	}
	payer.Balance -= v.opts.InvocationFee
	receipt.Fee = v.opts.InvocationFee

	staged := make(map[solana.PublicKey]*sandbox.Region)
	remaining := uint64(limit)
	for _, ix := range invokes {
		used, logs, err := v.invoke(ctx, ix, staged, remaining)
		receipt.UnitsConsumed += used
		receipt.Logs = append(receipt.Logs, logs...)
		if err != nil {
			return receipt, err
		}
		remaining -= min(used, remaining)
	}

	for addr, r := range staged {
		v.regions[addr] = r
	}
	return receipt, nil
}

// invokeState is shared between the interpreter thread, the watchdog and the
// abi builtins.
type invokeState struct {
	program  solana.PublicKey
	exceeded atomic.Bool
	timedOut atomic.Bool
}

func (s *invokeState) aborted() bool {
	return s.exceeded.Load() || s.timedOut.Load()
}

const stateKey = "starvm.state"

func (v *vm) invoke(ctx context.Context, ix sandbox.Invoke, staged map[solana.PublicKey]*sandbox.Region, budget uint64) (uint64, []string, error) {
	mod, ok := v.modules[ix.Module]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %s", sandbox.ErrModuleNotLoaded, ix.Module)
	}

	accounts := make([]starlark.Value, len(ix.Regions))
	for i, ref := range ix.Regions {
		r, err := v.stage(staged, ref.Address)
		if err != nil {
			return 0, nil, err
		}
		accounts[i] = &region{r: r, writable: ref.Writable, program: ix.Module}
	}

	logs := newLogBuffer(v.opts.MaxLogLines)
	logs.add(fmt.Sprintf("Program %s invoke [1]", ix.Module))

	if budget == 0 {
		logs.add(fmt.Sprintf("Program %s failed: exceeded CUs meter at BPF instruction", ix.Module))
		return 0, logs.lines, sandbox.ErrBudgetExceeded
	}

	state := &invokeState{program: ix.Module}
	thread := &starlark.Thread{
		Name: mod.name,
		Print: func(_ *starlark.Thread, msg string) {
			logs.add("Program log: " + msg)
		},
		OnMaxSteps: func(th *starlark.Thread) {
			state.exceeded.Store(true)
			th.Cancel("compute budget exceeded")
		},
	}
	thread.SetLocal(stateKey, state)
	thread.SetMaxExecutionSteps(budget)

	stop := watch(ctx, thread, v.opts.InvokeTimeout, state)
	err := run(thread, mod, accounts, ix.Payload)
	stop()

	used := min(thread.ExecutionSteps(), budget)
	logs.add(fmt.Sprintf("Program %s consumed %d of %d compute units", ix.Module, used, budget))

	switch {
	case state.exceeded.Load():
		err = sandbox.ErrBudgetExceeded
	case state.timedOut.Load():
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", sandbox.ErrTimeout, ctxErr)
		} else {
			err = sandbox.ErrTimeout
		}
	case err != nil && !errors.Is(err, sandbox.ErrReadonlyModified):
		err = fmt.Errorf("%w: %v", sandbox.ErrModuleFault, err)
	}
	if err != nil {
		logs.add(fmt.Sprintf("Program %s failed: %v", ix.Module, err))
		v.logger.Debug("invocation failed",
			slog.String("module", mod.name),
			slog.Uint64("units", used),
			slog.String("error", err.Error()),
		)
		return used, logs.lines, err
	}
	logs.add(fmt.Sprintf("Program %s success", ix.Module))
	return used, logs.lines, nil
}

func run(thread *starlark.Thread, mod *module, accounts []starlark.Value, payload []byte) error {
	globals, err := mod.prog.Init(thread, predeclared)
	if err != nil {
		return err
	}
	entry, ok := globals[entrypointName].(starlark.Callable)
	if !ok {
		return fmt.Errorf("missing %s function", entrypointName)
	}
	args := starlark.Tuple{
		starlark.String(mod.address.String()),
		starlark.NewList(accounts),
		starlark.Bytes(payload),
	}
	ret, err := starlark.Call(thread, entry, args, nil)
	if err != nil {
		return err
	}
	switch ret := ret.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Int:
		if code, ok := ret.Int64(); ok && code == 0 {
			return nil
		}
	}
	return fmt.Errorf("%s returned %s", entrypointName, ret.String())
}

// watch cancels thread when ctx ends or timeout elapses. The returned stop
// function waits for the watchdog to exit.
func watch(ctx context.Context, thread *starlark.Thread, timeout time.Duration, state *invokeState) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var expired <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expired = timer.C
		}
		select {
		case <-done:
		case <-ctx.Done():
			state.timedOut.Store(true)
			thread.Cancel("context cancelled")
		case <-expired:
			state.timedOut.Store(true)
			thread.Cancel("timeout")
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (v *vm) stage(staged map[solana.PublicKey]*sandbox.Region, addr solana.PublicKey) (*sandbox.Region, error) {
	if r, ok := staged[addr]; ok {
		return r, nil
	}
	r, ok := v.regions[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrRegionNotFound, addr)
	}
	cp := cloneRegion(r)
	staged[addr] = cp
	return cp, nil
}

func cloneRegion(r *sandbox.Region) *sandbox.Region {
	cp := *r
	cp.Data = append([]byte(nil), r.Data...)
	return &cp
}

type logBuffer struct {
	max   int
	lines []string
}

func newLogBuffer(max int) *logBuffer {
	return &logBuffer{max: max}
}

func (b *logBuffer) add(line string) {
	if len(b.lines) < b.max {
		b.lines = append(b.lines, line)
		return
	}
	if len(b.lines) == b.max {
		b.lines = append(b.lines, "Log truncated")
	}
}
