// Package session owns the harness session: the sandbox context, the module
// registry and the compute budget installed by a successful init.
package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mannyc2/solclash/internal/artifact"
	"github.com/mannyc2/solclash/internal/sandbox"
)

// Session is one initialized arena. The sandbox context is used only from
// the gateway loop; counters and metadata may be read concurrently.
type Session struct {
	ID        string
	CreatedAt time.Time
	Budget    uint32
	Registry  *Registry

	sandbox sandbox.Context
	area    *artifact.Area

	evals     atomic.Uint64
	failures  atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

// Sandbox returns the session's sandbox context.
func (s *Session) Sandbox() sandbox.Context {
	return s.sandbox
}

// CountEval records the outcome of one eval.
func (s *Session) CountEval(failed bool) {
	s.evals.Add(1)
	if failed {
		s.failures.Add(1)
	}
}

// Counters returns the number of evals and how many of them failed.
func (s *Session) Counters() (evals, failures uint64) {
	return s.evals.Load(), s.failures.Load()
}

// Close tears down the sandbox context and removes staged artifacts. It is
// idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.sandbox != nil {
			errs = append(errs, s.sandbox.Close())
		}
		if s.area != nil {
			errs = append(errs, s.area.Remove())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
