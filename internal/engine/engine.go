// Package engine runs one evaluation: it encodes the input record, invokes
// the agent's module in the session sandbox under the session budget and
// re-validates whatever the module wrote back.
package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/mannyc2/solclash/internal/abi"
	"github.com/mannyc2/solclash/internal/domain"
	"github.com/mannyc2/solclash/internal/journal"
	"github.com/mannyc2/solclash/internal/sandbox"
	"github.com/mannyc2/solclash/internal/session"
)

// Request is one eval.
type Request struct {
	RequestID uint64
	AgentID   string
	// WindowID is the orchestrator's window id before normalization; it is
	// only used for the journal.
	WindowID string
	Input    *abi.EvalInputV1
}

// Result is a validated module decision.
type Result struct {
	Output        abi.EvalOutputV1
	UnitsConsumed uint64
	Logs          []string
}

// Engine executes evals against a session. It is used from the gateway loop
// only.
type Engine struct {
	recorder journal.Recorder
	logger   *slog.Logger
}

// New returns an Engine. recorder may be nil.
func New(recorder journal.Recorder, logger *slog.Logger) *Engine {
	if recorder == nil {
		recorder = journal.Nop{}
	}
	return &Engine{
		recorder: recorder,
		logger:   logger.With(slog.String("component", "engine")),
	}
}

// Eval runs req against s. Errors are request failures: an unknown agent,
// or an invocation the sandbox could not complete. A module that completes
// but writes a bad or short record yields a hold Result, not an error.
func (e *Engine) Eval(ctx context.Context, s *session.Session, req Request) (Result, error) {
	start := time.Now()
	reg, err := s.Registry.Get(req.AgentID)
	if err != nil {
		e.finish(ctx, s, req, reg, Result{}, err, start)
		return Result{}, err
	}

	res, err := e.execute(ctx, s, reg, req.Input)
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrEvalFailed, err)
	}
	e.finish(ctx, s, req, reg, res, err, start)
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (e *Engine) execute(ctx context.Context, s *session.Session, reg session.Registration, in *abi.EvalInputV1) (Result, error) {
	var res Result
	data, err := abi.MarshalInput(in)
	if err != nil {
		return res, err
	}

	sc := s.Sandbox()
	inputAddr := solana.NewWallet().PublicKey()
	outputAddr := solana.NewWallet().PublicKey()
	if err := sc.SetRegion(sandbox.Region{
		Address: inputAddr,
		Owner:   reg.Address,
		Balance: sc.MinimumBalance(len(data)),
		Data:    data,
	}); err != nil {
		return res, fmt.Errorf("allocate input region: %w", err)
	}
	if err := sc.SetRegion(sandbox.Region{
		Address: outputAddr,
		Owner:   reg.Address,
		Balance: sc.MinimumBalance(abi.OutputLen),
		Data:    make([]byte, abi.OutputLen),
	}); err != nil {
		return res, fmt.Errorf("allocate output region: %w", err)
	}

	receipt, err := sc.Execute(ctx, sandbox.Invocation{
		ID: uuid.NewString(),
		Directives: []sandbox.Directive{
			sandbox.SetComputeUnitLimit{Units: s.Budget},
			sandbox.Invoke{
				Module: reg.Address,
				Regions: []sandbox.RegionRef{
					{Address: inputAddr},
					{Address: outputAddr, Writable: true},
				},
			},
		},
	})
	res.UnitsConsumed = receipt.UnitsConsumed
	res.Logs = receipt.Logs
	if err != nil {
		return res, err
	}

	out, ok := sc.Region(outputAddr)
	if !ok {
		return res, domain.ErrMissingOutput
	}
	if len(out.Data) < abi.OutputLen {
		res.Output = abi.Hold(abi.ErrOutputEncode)
		return res, nil
	}
	decoded, err := abi.UnmarshalOutput(out.Data)
	if err != nil {
		return res, fmt.Errorf("decode output: %w", err)
	}
	res.Output = abi.Validate(decoded)
	return res, nil
}

func (e *Engine) finish(ctx context.Context, s *session.Session, req Request, reg session.Registration, res Result, err error, start time.Time) {
	elapsed := time.Since(start)
	s.CountEval(err != nil)

	ev := domain.EvalEvent{
		ID:            uuid.NewString(),
		SessionID:     s.ID,
		RequestID:     req.RequestID,
		AgentID:       req.AgentID,
		WindowID:      req.WindowID,
		UnitsConsumed: res.UnitsConsumed,
		Elapsed:       elapsed,
		At:            time.Now().UTC(),
	}
	if !reg.Address.IsZero() {
		ev.Program = reg.Address.String()
	}
	if req.Input != nil {
		ev.StepIndex = req.Input.StepIndex
		if ev.WindowID == "" {
			ev.WindowID = hex.EncodeToString(req.Input.WindowID[:])
		}
	}

	attrs := []any{
		slog.Uint64("request_id", req.RequestID),
		slog.String("agent_id", req.AgentID),
		slog.Uint64("units", res.UnitsConsumed),
		slog.Duration("elapsed", elapsed),
	}
	if err != nil {
		ev.Kind = domain.EventEvalError
		ev.Error = err.Error()
		level := slog.LevelWarn
		if errors.Is(err, domain.ErrModuleNotFound) {
			level = slog.LevelInfo
		}
		e.logger.Log(ctx, level, "eval failed", append(attrs, slog.String("error", err.Error()))...)
	} else {
		ev.Kind = domain.EventEvalResult
		ev.ActionType = res.Output.ActionType
		ev.OrderQty = res.Output.OrderQty
		ev.ErrCode = uint16(res.Output.ErrCode)
		e.logger.Debug("eval complete", append(attrs,
			slog.Bool("hold", res.Output.IsHold()),
			slog.Int("action_type", int(res.Output.ActionType)),
			slog.Int64("order_qty", res.Output.OrderQty),
			slog.String("err_code", res.Output.ErrCode.String()),
		)...)
	}
	for _, line := range res.Logs {
		e.logger.Debug("module log", slog.String("agent_id", req.AgentID), slog.String("line", line))
	}
	_ = e.recorder.RecordEval(ctx, ev)
}
