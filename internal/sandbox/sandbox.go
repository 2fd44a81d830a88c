// Package sandbox describes the execution environment agent modules run in.
// A Backend builds a Context holding loaded modules and a ledger of memory
// regions; invocations against that context run one module under a compute
// budget and either commit all region changes or none.
package sandbox

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrBudgetExceeded    = errors.New("sandbox: compute budget exceeded")
	ErrModuleNotLoaded   = errors.New("sandbox: module not loaded")
	ErrModuleInvalid     = errors.New("sandbox: module rejected")
	ErrDuplicateAddress  = errors.New("sandbox: address already in use")
	ErrRegionNotFound    = errors.New("sandbox: region not found")
	ErrReadonlyModified  = errors.New("sandbox: read-only region modified")
	ErrInsufficientFunds = errors.New("sandbox: insufficient funds for fee")
	ErrContextClosed     = errors.New("sandbox: context closed")
	ErrTimeout           = errors.New("sandbox: invocation timed out")
	ErrNoInvoke          = errors.New("sandbox: invocation has no invoke directive")
	ErrModuleFault       = errors.New("sandbox: module faulted")
)

// Region is a memory buffer addressed by a public key. Regions are funded
// and owned; only the owning module may modify a region, and only when the
// invocation lists it as writable.
type Region struct {
	Address solana.PublicKey
	Owner   solana.PublicKey
	Balance uint64
	Data    []byte
}

// RegionRef names a region passed to a module and whether it may be written.
type RegionRef struct {
	Address  solana.PublicKey
	Writable bool
}

// Directive is one step of an Invocation. The set is closed.
type Directive interface {
	directive()
}

// SetComputeUnitLimit caps the compute units the whole invocation may spend.
type SetComputeUnitLimit struct {
	Units uint32
}

// Invoke runs a module's entrypoint over the given regions.
type Invoke struct {
	Module  solana.PublicKey
	Regions []RegionRef
	Payload []byte
}

func (SetComputeUnitLimit) directive() {}
func (Invoke) directive()              {}

// Invocation is submitted atomically: every Invoke succeeds and all region
// writes commit, or nothing changes.
type Invocation struct {
	ID         string
	Directives []Directive
}

// Receipt describes a completed invocation.
type Receipt struct {
	ID            string
	UnitsConsumed uint64
	Fee           uint64
	Logs          []string
}

// Backend creates sandbox contexts.
type Backend interface {
	Name() string
	NewBuilder() Builder
}

// Builder loads modules before a context starts. A Builder is single use.
type Builder interface {
	AddModule(ctx context.Context, name string, address solana.PublicKey, path string) error
	Start(ctx context.Context) (Context, error)
}

// Context is a running sandbox. Methods are not safe for concurrent use;
// callers serialize access.
type Context interface {
	SetRegion(r Region) error
	Region(address solana.PublicKey) (Region, bool)
	MinimumBalance(size int) uint64
	Execute(ctx context.Context, inv Invocation) (Receipt, error)
	Close() error
}

const (
	// Rent parameters, in lamports.
	accountStorageOverhead = 128
	lamportsPerByteYear    = 3480
	exemptionYears         = 2
)

// RentExempt returns the balance a region of size bytes needs to be kept
// alive indefinitely.
func RentExempt(size int) uint64 {
	return uint64(accountStorageOverhead+size) * lamportsPerByteYear * exemptionYears
}
