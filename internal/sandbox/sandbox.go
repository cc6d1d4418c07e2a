// Package sandbox defines the strategy-execution boundary. The real
// interpreter for untrusted strategy code lives outside this module; the
// engine only depends on the interface here, plus a deterministic scripted
// implementation used by tests and dry runs.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"perp-backtest-lab/internal/domain"
)

// Sandbox errors.
var ErrTimeout = errors.New("sandbox execution timed out")

// Snapshot is the market-data view handed to strategy code for one trigger.
// Strategy execution must be deterministic given the same snapshot.
type Snapshot struct {
	TimestampMs  int64
	Trigger      *domain.TriggerEvent
	Balance      float64
	Equity       float64
	Positions    []*domain.Position
	RecentTrades []*domain.TradeRecord
	Prices       map[string]float64
}

// Verdict is what strategy code returns for one trigger.
type Verdict struct {
	Decision *domain.Decision
	Logs     []string
}

// Sandbox executes strategy code against a snapshot.
type Sandbox interface {
	Execute(ctx context.Context, code string, snap *Snapshot, params map[string]any) (*Verdict, error)
}

// Func adapts a plain function to the Sandbox interface.
type Func func(ctx context.Context, code string, snap *Snapshot, params map[string]any) (*Verdict, error)

// Execute implements Sandbox.
func (f Func) Execute(ctx context.Context, code string, snap *Snapshot, params map[string]any) (*Verdict, error) {
	return f(ctx, code, snap, params)
}

// Scripted replays a fixed decision sequence, one per call, then holds.
// Deterministic by construction; used by tests and the CLI dry-run mode.
type Scripted struct {
	decisions []*domain.Decision
	next      int
}

// NewScripted creates a scripted sandbox over the given decisions.
func NewScripted(decisions []*domain.Decision) *Scripted {
	return &Scripted{decisions: decisions}
}

var _ Sandbox = (*Scripted)(nil)

// Execute returns the next scripted decision, or hold once exhausted.
func (s *Scripted) Execute(_ context.Context, _ string, _ *Snapshot, _ map[string]any) (*Verdict, error) {
	if s.next >= len(s.decisions) {
		return &Verdict{Decision: domain.Hold()}, nil
	}
	d := s.decisions[s.next]
	s.next++
	return &Verdict{Decision: d}, nil
}

// timeoutSandbox enforces a wall-clock limit per Execute call.
type timeoutSandbox struct {
	inner   Sandbox
	timeout time.Duration
}

// WithTimeout wraps a sandbox so each call is bounded by the given
// duration. A timeout is reported as ErrTimeout; the engine treats it as
// an implicit hold for that trigger only.
func WithTimeout(inner Sandbox, timeout time.Duration) Sandbox {
	return &timeoutSandbox{inner: inner, timeout: timeout}
}

type executeResult struct {
	verdict *Verdict
	err     error
}

// Execute implements Sandbox. The inner call keeps running in its goroutine
// after a timeout; its result is discarded.
func (t *timeoutSandbox) Execute(ctx context.Context, code string, snap *Snapshot, params map[string]any) (*Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan executeResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- executeResult{err: fmt.Errorf("strategy panicked: %v", rec)}
			}
		}()
		verdict, err := t.inner.Execute(ctx, code, snap, params)
		done <- executeResult{verdict: verdict, err: err}
	}()

	select {
	case res := <-done:
		return res.verdict, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}
