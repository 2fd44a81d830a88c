// Package gateway runs the request loop: one newline-delimited JSON request
// is read, fully handled and answered before the next line is read.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mannyc2/solclash/internal/domain"
	"github.com/mannyc2/solclash/internal/engine"
	"github.com/mannyc2/solclash/internal/protocol"
	"github.com/mannyc2/solclash/internal/session"
)

// Gateway connects the protocol stream to the session manager and the
// execution engine.
type Gateway struct {
	sessions *session.Manager
	engine   *engine.Engine
	logger   *slog.Logger
}

// New returns a Gateway.
func New(sessions *session.Manager, eng *engine.Engine, logger *slog.Logger) *Gateway {
	return &Gateway{
		sessions: sessions,
		engine:   eng,
		logger:   logger.With(slog.String("component", "gateway")),
	}
}

type line struct {
	data []byte
	err  error
}

// Serve reads requests from r and writes responses to w until a shutdown
// request, end of input or ctx cancellation. The installed session is torn
// down before Serve returns. A nil error means the loop ended normally;
// write failures and read errors other than EOF are returned.
//
// A line is read only after the previous response has been written, so input
// following a shutdown request is left unread.
func (g *Gateway) Serve(ctx context.Context, r io.Reader, w io.Writer) (err error) {
	next := make(chan struct{})
	lines := make(chan line, 1)
	defer close(next)
	go readLines(r, next, lines)

	out := bufio.NewWriter(w)
	var lastID uint64
	defer func() {
		if shutErr := g.sessions.Shutdown(context.WithoutCancel(ctx), lastID); shutErr != nil {
			g.logger.Warn("session teardown failed", slog.String("error", shutErr.Error()))
		}
	}()

	g.logger.Info("gateway started")
	for {
		var ln line
		select {
		case <-ctx.Done():
			g.stopped(context.Cause(ctx).Error())
			return nil
		case next <- struct{}{}:
		}
		select {
		case <-ctx.Done():
			g.stopped(context.Cause(ctx).Error())
			return nil
		case ln = <-lines:
		}
		if errors.Is(ln.err, io.EOF) {
			g.stopped("end of input")
			return nil
		}
		if ln.err != nil {
			return fmt.Errorf("gateway: read: %w", ln.err)
		}
		if len(bytes.TrimSpace(ln.data)) == 0 {
			continue
		}

		resp, stop := g.handle(ctx, ln.data)
		if id := responseID(resp); id != 0 {
			lastID = id
		}
		if err := write(out, resp); err != nil {
			return fmt.Errorf("gateway: write: %w", err)
		}
		if stop {
			g.stopped("shutdown")
			return nil
		}
	}
}

func (g *Gateway) stopped(reason string) {
	g.logger.Info("gateway stopped", slog.String("reason", reason))
}

// readLines reads one line per value received on next and exits once next is
// closed. A final unterminated line is delivered before io.EOF. lines must
// have room for one value so a reply never blocks after the loop has left.
func readLines(r io.Reader, next <-chan struct{}, lines chan<- line) {
	br := bufio.NewReader(r)
	for range next {
		data, err := br.ReadBytes('\n')
		if len(data) > 0 {
			lines <- line{data: data}
			continue
		}
		lines <- line{err: err}
	}
}

func (g *Gateway) handle(ctx context.Context, data []byte) (protocol.Response, bool) {
	req, err := protocol.Decode(data)
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
		g.logger.Warn("rejected line", slog.String("error", err.Error()))
		return protocol.Error(0, err.Error()), false
	}

	start := time.Now()
	defer func() {
		g.logger.Debug("request handled",
			slog.Uint64("request_id", req.ID()),
			slog.String("type", fmt.Sprintf("%T", req)),
			slog.Duration("elapsed", time.Since(start)),
		)
	}()

	switch req := req.(type) {
	case *protocol.InitRequest:
		return g.init(ctx, req), false
	case *protocol.EvalRequest:
		return g.eval(ctx, req), false
	case *protocol.ShutdownRequest:
		return protocol.OK(req.RequestID), true
	default:
		return protocol.Error(req.ID(), fmt.Sprintf("unsupported request %T", req)), false
	}
}

func (g *Gateway) init(ctx context.Context, req *protocol.InitRequest) protocol.Response {
	programs := make([]session.ProgramSpec, len(req.Programs))
	for i, p := range req.Programs {
		programs[i] = session.ProgramSpec{ID: p.ID, Path: p.SoPath}
	}
	_, err := g.sessions.Init(ctx, session.InitRequest{
		RequestID:        req.RequestID,
		Programs:         programs,
		ComputeUnitLimit: req.ComputeUnitLimit,
	})
	if err != nil {
		return protocol.Error(req.RequestID, err.Error())
	}
	return protocol.OK(req.RequestID)
}

func (g *Gateway) eval(ctx context.Context, req *protocol.EvalRequest) protocol.Response {
	s, err := g.sessions.Current()
	if errors.Is(err, domain.ErrNotInitialized) {
		return protocol.Error(req.RequestID, domain.ErrNotInitialized.Error())
	}
	if err != nil {
		return protocol.Error(req.RequestID, err.Error())
	}

	res, err := g.engine.Eval(ctx, s, engine.Request{
		RequestID: req.RequestID,
		AgentID:   req.AgentID,
		WindowID:  req.Input.WindowID,
		Input:     req.Input.ToRecord(),
	})
	if err != nil {
		return protocol.Error(req.RequestID, err.Error())
	}
	return protocol.Result(req.RequestID, req.AgentID, res.Output)
}

func write(w *bufio.Writer, resp protocol.Response) error {
	data, err := protocol.Encode(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Flush()
}

func responseID(resp protocol.Response) uint64 {
	switch r := resp.(type) {
	case protocol.OKResponse:
		return r.RequestID
	case protocol.ResultResponse:
		return r.RequestID
	case protocol.ErrorResponse:
		return r.RequestID
	}
	return 0
}
