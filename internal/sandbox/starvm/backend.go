// Package starvm runs agent modules as Starlark programs. A module is either
// Starlark source or a program compiled with starlark.Program.Write, and must
// define process_instruction(program_id, accounts, data). The interpreter's
// step counter is the compute meter.
package starvm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/mannyc2/solclash/internal/sandbox"
)

const (
	entrypointName = "process_instruction"
	compiledMagic  = "!sky"
)

// Options tunes the VM. Zero fields take the DefaultOptions value.
type Options struct {
	DefaultUnitLimit uint32
	MaxUnitLimit     uint32
	InvokeTimeout    time.Duration
	PayerBalance     uint64
	InvocationFee    uint64
	MaxModuleSize    int64
	MaxLogLines      int
	Logger           *slog.Logger
}

// DefaultOptions returns the limits used when none are configured.
func DefaultOptions() Options {
	return Options{
		DefaultUnitLimit: 200_000,
		MaxUnitLimit:     1_400_000,
		InvokeTimeout:    5 * time.Second,
		PayerBalance:     1_000_000_000_000,
		InvocationFee:    5_000,
		MaxModuleSize:    4 << 20,
		MaxLogLines:      64,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DefaultUnitLimit == 0 {
		o.DefaultUnitLimit = d.DefaultUnitLimit
	}
	if o.MaxUnitLimit == 0 {
		o.MaxUnitLimit = d.MaxUnitLimit
	}
	if o.InvokeTimeout == 0 {
		o.InvokeTimeout = d.InvokeTimeout
	}
	if o.PayerBalance == 0 {
		o.PayerBalance = d.PayerBalance
	}
	if o.MaxModuleSize == 0 {
		o.MaxModuleSize = d.MaxModuleSize
	}
	if o.MaxLogLines == 0 {
		o.MaxLogLines = d.MaxLogLines
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// fileOptions enables the language extensions agent authors expect.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// Backend implements sandbox.Backend.
type Backend struct {
	opts Options
}

// New returns a Backend using opts.
func New(opts Options) *Backend {
	return &Backend{opts: opts.withDefaults()}
}

// Name implements sandbox.Backend.
func (b *Backend) Name() string { return "starvm" }

// NewBuilder implements sandbox.Backend.
func (b *Backend) NewBuilder() sandbox.Builder {
	return &builder{
		opts:    b.opts,
		modules: make(map[solana.PublicKey]*module),
	}
}

type module struct {
	name    string
	address solana.PublicKey
	prog    *starlark.Program
}

type builder struct {
	opts    Options
	modules map[solana.PublicKey]*module
	started bool
}

// AddModule compiles the artifact at path and checks that it defines the
// entrypoint.
func (b *builder) AddModule(ctx context.Context, name string, address solana.PublicKey, path string) error {
	if b.started {
		return fmt.Errorf("starvm: builder already started")
	}
	if _, dup := b.modules[address]; dup {
		return fmt.Errorf("%w: %s", sandbox.ErrDuplicateAddress, address)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := readLimited(path, b.opts.MaxModuleSize)
	if err != nil {
		return err
	}
	prog, err := compile(path, data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", sandbox.ErrModuleInvalid, name, err)
	}
	if err := verify(prog, b.opts.DefaultUnitLimit); err != nil {
		return fmt.Errorf("%w: %s: %v", sandbox.ErrModuleInvalid, name, err)
	}

	b.modules[address] = &module{name: name, address: address, prog: prog}
	b.opts.Logger.Debug("starvm: module loaded",
		slog.String("module", name),
		slog.String("address", address.String()),
		slog.Int("bytes", len(data)),
	)
	return nil
}

// Start implements sandbox.Builder.
func (b *builder) Start(ctx context.Context) (sandbox.Context, error) {
	if b.started {
		return nil, fmt.Errorf("starvm: builder already started")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.started = true
	return newVM(b.opts, b.modules), nil
}

func readLimited(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("starvm: open module: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("starvm: read module: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", sandbox.ErrModuleInvalid, path, limit)
	}
	return data, nil
}

func compile(path string, data []byte) (*starlark.Program, error) {
	var prog *starlark.Program
	if bytes.HasPrefix(data, []byte(compiledMagic)) {
		p, err := starlark.CompiledProgram(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		prog = p
	} else {
		_, p, err := starlark.SourceProgramOptions(fileOptions, path, data, predeclared.Has)
		if err != nil {
			return nil, err
		}
		prog = p
	}
	if prog.NumLoads() > 0 {
		return nil, fmt.Errorf("load statements are not allowed")
	}
	return prog, nil
}

// verify runs the module's top level once under the default budget.
func verify(prog *starlark.Program, budget uint32) error {
	thread := &starlark.Thread{
		Name:  "verify",
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(uint64(budget))
	globals, err := prog.Init(thread, predeclared)
	if err != nil {
		return err
	}
	if _, ok := globals[entrypointName].(starlark.Callable); !ok {
		return fmt.Errorf("missing %s function", entrypointName)
	}
	return nil
}
