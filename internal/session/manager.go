package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mannyc2/solclash/internal/artifact"
	"github.com/mannyc2/solclash/internal/crypto"
	"github.com/mannyc2/solclash/internal/domain"
	"github.com/mannyc2/solclash/internal/journal"
	"github.com/mannyc2/solclash/internal/sandbox"
)

// Config holds session limits.
type Config struct {
	// DefaultBudget applies when init carries no compute_unit_limit.
	DefaultBudget uint32
	// MaxBudget is the largest compute_unit_limit init accepts.
	MaxBudget uint32
	// IdentityPassword decrypts encrypted identity files.
	IdentityPassword string
	// StageConcurrency bounds parallel artifact staging. Zero means one
	// worker per program.
	StageConcurrency int
}

// ProgramSpec names a module to load and where its artifact lives.
type ProgramSpec struct {
	ID   string
	Path string
}

// InitRequest describes one init.
type InitRequest struct {
	RequestID        uint64
	Programs         []ProgramSpec
	ComputeUnitLimit *uint32
}

// Manager installs, replaces and tears down the single harness session.
// Init and Shutdown are called from the gateway loop only; Current and
// Snapshot are safe from any goroutine.
type Manager struct {
	cfg      Config
	backend  sandbox.Backend
	stager   *artifact.Stager
	recorder journal.Recorder
	logger   *slog.Logger

	mu      sync.RWMutex
	current *Session
}

// NewManager returns a Manager with no session installed. recorder may be
// nil.
func NewManager(cfg Config, backend sandbox.Backend, stager *artifact.Stager, recorder journal.Recorder, logger *slog.Logger) *Manager {
	if recorder == nil {
		recorder = journal.Nop{}
	}
	return &Manager{
		cfg:      cfg,
		backend:  backend,
		stager:   stager,
		recorder: recorder,
		logger:   logger.With(slog.String("component", "session")),
	}
}

// Init builds a new session from req. It is all-or-nothing: on failure
// nothing staged survives and any installed session stays installed. On
// success the previous session, if any, is closed after the new one is in
// place.
func (m *Manager) Init(ctx context.Context, req InitRequest) (*Session, error) {
	start := time.Now()
	s, err := m.build(ctx, req)
	if err != nil {
		m.logger.Warn("init failed",
			slog.Uint64("request_id", req.RequestID),
			slog.String("error", err.Error()),
		)
		m.record(ctx, domain.SessionEvent{
			Kind:      domain.EventSessionFailed,
			RequestID: req.RequestID,
			Programs:  programIDs(req.Programs),
			Error:     err.Error(),
		})
		return nil, err
	}

	m.mu.Lock()
	prev := m.current
	m.current = s
	m.mu.Unlock()

	if prev != nil {
		m.closeSession(ctx, prev, req.RequestID)
	}

	m.logger.Info("session started",
		slog.String("session_id", s.ID),
		slog.Int("programs", s.Registry.Len()),
		slog.Uint64("budget", uint64(s.Budget)),
		slog.Duration("elapsed", time.Since(start)),
	)
	m.record(ctx, domain.SessionEvent{
		Kind:      domain.EventSessionStarted,
		SessionID: s.ID,
		RequestID: req.RequestID,
		Programs:  programIDs(req.Programs),
	})
	return s, nil
}

// Current returns the installed session.
func (m *Manager) Current() (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, domain.ErrNotInitialized
	}
	return m.current, nil
}

// Shutdown closes the installed session, if any.
func (m *Manager) Shutdown(ctx context.Context, requestID uint64) error {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()

	if s == nil {
		return nil
	}
	return m.closeSession(ctx, s, requestID)
}

func (m *Manager) closeSession(ctx context.Context, s *Session, requestID uint64) error {
	err := s.Close()
	evals, failures := s.Counters()
	attrs := []any{
		slog.String("session_id", s.ID),
		slog.Uint64("evals", evals),
		slog.Uint64("failures", failures),
	}
	if err != nil {
		m.logger.Warn("session teardown incomplete", append(attrs, slog.String("error", err.Error()))...)
	} else {
		m.logger.Info("session closed", attrs...)
	}
	ev := domain.SessionEvent{
		Kind:      domain.EventSessionClosed,
		SessionID: s.ID,
		RequestID: requestID,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	m.record(ctx, ev)
	return err
}

func (m *Manager) build(ctx context.Context, req InitRequest) (s *Session, err error) {
	budget := m.budget(req.ComputeUnitLimit)

	seen := make(map[string]bool, len(req.Programs))
	for _, p := range req.Programs {
		if err := artifact.ValidateID(p.ID); err != nil {
			return nil, err
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateModule, p.ID)
		}
		seen[p.ID] = true
	}

	id := uuid.NewString()
	area, err := m.stager.NewArea(id[:8])
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if rmErr := area.Remove(); rmErr != nil {
				m.logger.Warn("staging cleanup failed", slog.String("error", rmErr.Error()))
			}
		}
	}()

	regs := make([]Registration, len(req.Programs))
	g, gctx := errgroup.WithContext(ctx)
	if m.cfg.StageConcurrency > 0 {
		g.SetLimit(m.cfg.StageConcurrency)
	}
	for i, p := range req.Programs {
		g.Go(func() error {
			staged, err := area.Stage(gctx, p.ID, p.Path)
			if err != nil {
				return fmt.Errorf("stage %s: %w", p.ID, err)
			}
			plain, encrypted := area.IdentityPaths(p.ID)
			ident, err := crypto.ResolveIdentity(plain, encrypted, m.cfg.IdentityPassword, m.logger.With(slog.String("program", p.ID)))
			if err != nil {
				return fmt.Errorf("identity %s: %w", p.ID, err)
			}
			if ident.Path != "" {
				m.logger.Debug("identity loaded", slog.String("id", p.ID), slog.String("path", ident.Path))
			}
			regs[i] = Registration{
				ID:         p.ID,
				Address:    ident.Address,
				Source:     p.Path,
				StagedPath: staged,
				Identity:   ident.Source,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	builder := m.backend.NewBuilder()
	registry := NewRegistry()
	for _, reg := range regs {
		if err := builder.AddModule(ctx, reg.ID, reg.Address, reg.StagedPath); err != nil {
			return nil, fmt.Errorf("register %s: %w", reg.ID, err)
		}
		if err := registry.Register(reg); err != nil {
			return nil, err
		}
		m.logger.Debug("program registered",
			slog.String("id", reg.ID),
			slog.String("address", reg.Address.String()),
			slog.String("identity", string(reg.Identity)),
		)
	}

	sc, err := builder.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", m.backend.Name(), err)
	}

	return &Session{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Budget:    budget,
		Registry:  registry,
		sandbox:   sc,
		area:      area,
	}, nil
}

// budget returns the session compute budget. Limits above the maximum are
// clamped; zero is kept and makes every eval exhaust its budget.
func (m *Manager) budget(limit *uint32) uint32 {
	if limit == nil {
		return m.cfg.DefaultBudget
	}
	return min(*limit, m.cfg.MaxBudget)
}

func (m *Manager) record(ctx context.Context, ev domain.SessionEvent) {
	ev.ID = uuid.NewString()
	ev.At = time.Now().UTC()
	_ = m.recorder.RecordSession(ctx, ev)
}

func programIDs(programs []ProgramSpec) []string {
	ids := make([]string, len(programs))
	for i, p := range programs {
		ids[i] = p.ID
	}
	return ids
}
