package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/mannyc2/solclash/internal/crypto"
	"github.com/mannyc2/solclash/internal/domain"
)

// Registration binds a program id to the address its module executes at.
type Registration struct {
	ID         string
	Address    solana.PublicKey
	Source     string
	StagedPath string
	Identity   crypto.Source
}

// Registry maps program ids to registrations. It is filled once during init
// and safe for concurrent reads afterwards.
type Registry struct {
	modules map[string]Registration
	mu      sync.RWMutex
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]Registration),
	}
}

// Register adds reg. Registering an id twice is an error.
func (r *Registry) Register(reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.modules[reg.ID]; dup {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateModule, reg.ID)
	}
	r.modules[reg.ID] = reg
	return nil
}

// Get retrieves a registration by program id.
func (r *Registry) Get(id string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.modules[id]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %s", domain.ErrModuleNotFound, id)
	}
	return reg, nil
}

// List returns all registrations sorted by id.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]Registration, 0, len(r.modules))
	for _, reg := range r.modules {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].ID < regs[j].ID })
	return regs
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}
