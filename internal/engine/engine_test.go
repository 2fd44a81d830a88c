package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mannyc2/solclash/internal/abi"
	"github.com/mannyc2/solclash/internal/artifact"
	"github.com/mannyc2/solclash/internal/domain"
	"github.com/mannyc2/solclash/internal/sandbox"
	"github.com/mannyc2/solclash/internal/sandbox/starvm"
	"github.com/mannyc2/solclash/internal/session"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type evalLog struct {
	mu     sync.Mutex
	events []domain.EvalEvent
}

func (l *evalLog) RecordSession(context.Context, domain.SessionEvent) error { return nil }

func (l *evalLog) RecordEval(_ context.Context, ev domain.EvalEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *evalLog) last(t *testing.T) domain.EvalEvent {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotEmpty(t, l.events)
	return l.events[len(l.events)-1]
}

func newSession(t *testing.T, backend sandbox.Backend, budget *uint32, programs ...session.ProgramSpec) *session.Session {
	t.Helper()
	mgr := session.NewManager(
		session.Config{DefaultBudget: 200_000, MaxBudget: 1_400_000},
		backend,
		artifact.NewStager(t.TempDir(), nil, discard()),
		nil,
		discard(),
	)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background(), 0) })
	s, err := mgr.Init(context.Background(), session.InitRequest{Programs: programs, ComputeUnitLimit: budget})
	require.NoError(t, err)
	return s
}

func program(id, file string) session.ProgramSpec {
	return session.ProgramSpec{ID: id, Path: filepath.Join("testdata", file)}
}

func input(closes ...int64) *abi.EvalInputV1 {
	in := &abi.EvalInputV1{
		Version:            abi.InputVersion,
		WindowID:           abi.WindowKey("w-1"),
		StepIndex:          3,
		BarIntervalSeconds: 60,
		PriceScale:         1_000_000,
		VolumeScale:        1_000_000,
		CashBalance:        10_000_000_000,
		LookbackLen:        uint16(len(closes)),
	}
	for _, c := range closes {
		in.OHLCV = append(in.OHLCV, abi.Bar{Open: c, High: c, Low: c, Close: c, Volume: 1})
	}
	return in
}

func TestEvalHold(t *testing.T) {
	s := newSession(t, starvm.New(starvm.Options{}), nil, program("alice", "hold.star"))
	log := &evalLog{}
	e := New(log, discard())

	res, err := e.Eval(context.Background(), s, Request{RequestID: 2, AgentID: "alice", Input: input(100, 101)})
	require.NoError(t, err)
	assert.Equal(t, abi.Hold(abi.ErrNone), res.Output)
	assert.Positive(t, res.UnitsConsumed)

	ev := log.last(t)
	assert.Equal(t, domain.EventEvalResult, ev.Kind)
	assert.Equal(t, s.ID, ev.SessionID)
	assert.Equal(t, uint32(3), ev.StepIndex)
	assert.NotEmpty(t, ev.Program)

	evals, failures := s.Counters()
	assert.Equal(t, uint64(1), evals)
	assert.Zero(t, failures)
}

func TestEvalMomentum(t *testing.T) {
	s := newSession(t, starvm.New(starvm.Options{}), nil, program("m", "momentum.star"))
	e := New(nil, discard())

	tests := []struct {
		name   string
		closes []int64
		want   abi.EvalOutputV1
	}{
		{"rising", []int64{100, 120}, abi.EvalOutputV1{Version: 1, ActionType: abi.ActionBuy, OrderQty: 10}},
		{"falling", []int64{120, 100}, abi.EvalOutputV1{Version: 1, ActionType: abi.ActionSell, OrderQty: 10}},
		{"flat", []int64{100, 100}, abi.Hold(abi.ErrNone)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Eval(context.Background(), s, Request{AgentID: "m", Input: input(tt.closes...)})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Output)
			assert.Contains(t, res.Logs, "Program log: momentum step")
		})
	}
}

func TestEvalLookbackMismatch(t *testing.T) {
	s := newSession(t, starvm.New(starvm.Options{}), nil, program("alice", "hold.star"))
	in := input(100, 101)
	in.LookbackLen = 5

	res, err := New(nil, discard()).Eval(context.Background(), s, Request{AgentID: "alice", Input: in})
	require.NoError(t, err)
	assert.Equal(t, abi.Hold(abi.ErrInvalidLookbackLen), res.Output)
}

func TestEvalUnknownAgent(t *testing.T) {
	s := newSession(t, starvm.New(starvm.Options{}), nil, program("alice", "hold.star"))
	log := &evalLog{}

	_, err := New(log, discard()).Eval(context.Background(), s, Request{AgentID: "mallory", Input: input(1)})
	require.ErrorIs(t, err, domain.ErrModuleNotFound)
	assert.NotErrorIs(t, err, domain.ErrEvalFailed)
	assert.Contains(t, err.Error(), "mallory")

	ev := log.last(t)
	assert.Equal(t, domain.EventEvalError, ev.Kind)
	assert.Empty(t, ev.Program)
	_, failures := s.Counters()
	assert.Equal(t, uint64(1), failures)
}

func TestEvalBudgetExceeded(t *testing.T) {
	budget := uint32(10_000)
	s := newSession(t, starvm.New(starvm.Options{}), &budget, program("spin", "spin.star"))

	_, err := New(nil, discard()).Eval(context.Background(), s, Request{AgentID: "spin", Input: input(1)})
	require.ErrorIs(t, err, domain.ErrEvalFailed)
	require.ErrorIs(t, err, sandbox.ErrBudgetExceeded)
	assert.Contains(t, err.Error(), "eval failed")
}

func TestEvalZeroBudget(t *testing.T) {
	budget := uint32(0)
	s := newSession(t, starvm.New(starvm.Options{}), &budget, program("alice", "hold.star"))
	require.Zero(t, s.Budget)

	_, err := New(nil, discard()).Eval(context.Background(), s, Request{AgentID: "alice", Input: input(1)})
	require.ErrorIs(t, err, domain.ErrEvalFailed)
	require.ErrorIs(t, err, sandbox.ErrBudgetExceeded)
}

// fakeBackend hands out a context whose Execute rewrites the writable region
// through mutate.
type fakeBackend struct {
	mutate func(regions map[solana.PublicKey]*sandbox.Region, out solana.PublicKey)
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) NewBuilder() sandbox.Builder { return &fakeBuilder{b: b} }

type fakeBuilder struct{ b *fakeBackend }

func (fb *fakeBuilder) AddModule(context.Context, string, solana.PublicKey, string) error {
	return nil
}

func (fb *fakeBuilder) Start(context.Context) (sandbox.Context, error) {
	return &fakeContext{mutate: fb.b.mutate, regions: make(map[solana.PublicKey]*sandbox.Region)}, nil
}

type fakeContext struct {
	mutate  func(map[solana.PublicKey]*sandbox.Region, solana.PublicKey)
	regions map[solana.PublicKey]*sandbox.Region
}

func (c *fakeContext) SetRegion(r sandbox.Region) error {
	c.regions[r.Address] = &r
	return nil
}

func (c *fakeContext) Region(addr solana.PublicKey) (sandbox.Region, bool) {
	r, ok := c.regions[addr]
	if !ok {
		return sandbox.Region{}, false
	}
	return *r, true
}

func (c *fakeContext) MinimumBalance(size int) uint64 { return sandbox.RentExempt(size) }

func (c *fakeContext) Execute(_ context.Context, inv sandbox.Invocation) (sandbox.Receipt, error) {
	for _, d := range inv.Directives {
		if ix, ok := d.(sandbox.Invoke); ok {
			c.mutate(c.regions, ix.Regions[1].Address)
		}
	}
	return sandbox.Receipt{ID: inv.ID, UnitsConsumed: 1}, nil
}

func (c *fakeContext) Close() error { return nil }

func TestEvalOutputHandling(t *testing.T) {
	encoded, err := abi.MarshalOutput(abi.EvalOutputV1{Version: 1, ActionType: abi.ActionBuy, OrderQty: 5})
	require.NoError(t, err)

	tests := []struct {
		name    string
		mutate  func(map[solana.PublicKey]*sandbox.Region, solana.PublicKey)
		want    abi.EvalOutputV1
		wantErr error
	}{
		{
			name: "valid record",
			mutate: func(r map[solana.PublicKey]*sandbox.Region, out solana.PublicKey) {
				r[out].Data = encoded
			},
			want: abi.EvalOutputV1{Version: 1, ActionType: abi.ActionBuy, OrderQty: 5},
		},
		{
			name:   "untouched output",
			mutate: func(map[solana.PublicKey]*sandbox.Region, solana.PublicKey) {},
			want:   abi.Hold(abi.ErrOutputInvalid),
		},
		{
			name: "short output",
			mutate: func(r map[solana.PublicKey]*sandbox.Region, out solana.PublicKey) {
				r[out].Data = encoded[:10]
			},
			want: abi.Hold(abi.ErrOutputEncode),
		},
		{
			name: "oversized output",
			mutate: func(r map[solana.PublicKey]*sandbox.Region, out solana.PublicKey) {
				r[out].Data = append(append([]byte{}, encoded...), 0)
			},
			wantErr: abi.ErrTrailingBytes,
		},
		{
			name: "zero quantity buy",
			mutate: func(r map[solana.PublicKey]*sandbox.Region, out solana.PublicKey) {
				r[out].Data = []byte{1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
			},
			want: abi.Hold(abi.ErrOutputInvalid),
		},
		{
			name: "missing output region",
			mutate: func(r map[solana.PublicKey]*sandbox.Region, out solana.PublicKey) {
				delete(r, out)
			},
			wantErr: domain.ErrMissingOutput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, &fakeBackend{mutate: tt.mutate}, nil, program("alice", "hold.star"))
			res, err := New(nil, discard()).Eval(context.Background(), s, Request{AgentID: "alice", Input: input(1)})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.ErrorIs(t, err, domain.ErrEvalFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Output)
		})
	}
}
