package session

import "time"

// ModuleInfo describes one registered module for monitoring.
type ModuleInfo struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Identity string `json:"identity"`
}

// Snapshot is a point-in-time view of the manager for the monitor API.
type Snapshot struct {
	Initialized bool         `json:"initialized"`
	SessionID   string       `json:"session_id,omitempty"`
	CreatedAt   *time.Time   `json:"created_at,omitempty"`
	Budget      uint32       `json:"compute_unit_limit,omitempty"`
	Modules     []ModuleInfo `json:"modules"`
	Evals       uint64       `json:"evals"`
	Failures    uint64       `json:"failures"`
}

// Snapshot returns the current session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()

	if s == nil {
		return Snapshot{Modules: []ModuleInfo{}}
	}
	created := s.CreatedAt
	snap := Snapshot{
		Initialized: true,
		SessionID:   s.ID,
		CreatedAt:   &created,
		Budget:      s.Budget,
	}
	snap.Evals, snap.Failures = s.Counters()
	for _, reg := range s.Registry.List() {
		snap.Modules = append(snap.Modules, ModuleInfo{
			ID:       reg.ID,
			Address:  reg.Address.String(),
			Identity: string(reg.Identity),
		})
	}
	return snap
}
