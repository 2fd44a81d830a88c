// Package app provides the top-level lifecycle of the harness. It wires the
// optional backing services, the session manager, the execution engine and
// the protocol gateway, and runs them until the gateway stops.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mannyc2/solclash/internal/artifact"
	"github.com/mannyc2/solclash/internal/config"
	"github.com/mannyc2/solclash/internal/engine"
	"github.com/mannyc2/solclash/internal/gateway"
	"github.com/mannyc2/solclash/internal/journal"
	"github.com/mannyc2/solclash/internal/sandbox"
	"github.com/mannyc2/solclash/internal/sandbox/starvm"
	"github.com/mannyc2/solclash/internal/server"
	"github.com/mannyc2/solclash/internal/server/handler"
	"github.com/mannyc2/solclash/internal/server/ws"
	"github.com/mannyc2/solclash/internal/session"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies and serves the protocol on in/out until a
// shutdown request, end of input or ctx cancellation. The monitor server and
// the journal writer run alongside the gateway and stop when it does.
func (a *App) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	a.logger.InfoContext(ctx, "starting harness",
		slog.String("backend", a.cfg.Sandbox.Backend),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	backend, err := a.newBackend()
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	// sessions is assigned below; the hub only reads it once clients connect.
	var sessions *session.Manager

	var hub *ws.Hub
	if a.cfg.Server.Enabled {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			StartedAt: time.Now().UTC(),
			Status:    func() any { return sessions.Snapshot() },
		})
	}

	recorders := []journal.Recorder{}
	if deps.SignalBus != nil {
		recorders = append(recorders, journal.NewBusRecorder(deps.SignalBus))
	}
	if deps.AuditStore != nil {
		recorders = append(recorders, journal.NewAuditRecorder(deps.AuditStore))
	}
	if hub != nil && deps.SignalBus == nil {
		// With a bus configured the hub follows its pub/sub channels.
		recorders = append(recorders, journal.NewBroadcastRecorder(hub))
	}
	if deps.Notifier != nil && deps.Notifier.Enabled() {
		recorders = append(recorders, journal.NewNotifyRecorder(deps.Notifier))
	}

	var (
		recorder journal.Recorder = journal.Nop{}
		async    *journal.Async
	)
	if multi := journal.NewMulti(a.logger, recorders...); multi.Len() > 0 {
		async = journal.NewAsync(multi, a.cfg.Harness.JournalQueueSize, a.logger)
		recorder = async
	}

	stager := artifact.NewStager(a.cfg.Harness.StagingDir, deps.Fetcher, a.logger)
	sessions = session.NewManager(session.Config{
		DefaultBudget:    uint32(a.cfg.Harness.DefaultComputeUnitLimit),
		MaxBudget:        uint32(a.cfg.Harness.MaxComputeUnitLimit),
		IdentityPassword: a.cfg.Identity.KeyPassword,
		StageConcurrency: a.cfg.Harness.StageConcurrency,
	}, backend, stager, recorder, a.logger)
	gw := gateway.New(sessions, engine.New(recorder, a.logger), a.logger)

	g, gctx := errgroup.WithContext(ctx)
	svcCtx, stopServices := context.WithCancel(gctx)
	defer stopServices()

	g.Go(func() error {
		defer stopServices()
		return gw.Serve(gctx, in, out)
	})
	if async != nil {
		g.Go(func() error {
			return async.Run(svcCtx)
		})
	}
	if hub != nil {
		a.startHTTPServer(svcCtx, g, deps, sessions, backend.Name(), hub)
	}

	return g.Wait()
}

func (a *App) newBackend() (sandbox.Backend, error) {
	switch strings.ToLower(a.cfg.Sandbox.Backend) {
	case "starvm":
		return starvm.New(starvm.Options{
			DefaultUnitLimit: uint32(a.cfg.Harness.DefaultComputeUnitLimit),
			MaxUnitLimit:     uint32(a.cfg.Harness.MaxComputeUnitLimit),
			InvokeTimeout:    a.cfg.Sandbox.InvokeTimeout.Duration,
			PayerBalance:     a.cfg.Sandbox.PayerBalance,
			InvocationFee:    a.cfg.Sandbox.InvocationFee,
			MaxModuleSize:    a.cfg.Sandbox.MaxModuleSize,
			MaxLogLines:      a.cfg.Sandbox.MaxLogLines,
			Logger:           a.logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported sandbox backend %q", a.cfg.Sandbox.Backend)
	}
}

// startHTTPServer registers the monitor routes and runs the server and hub
// in g until ctx is done.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, sessions *session.Manager, backend string, hub *ws.Hub) {
	srv := server.NewServer(server.Config{
		Addr:        a.cfg.Server.Addr,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.Probes, a.logger),
		Session: handler.NewSessionHandler(sessions, backend),
		Evals:   handler.NewEvalHandler(deps.AuditStore, deps.SignalBus, a.logger),
	}, hub, a.logger)

	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
