package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"perp-backtest-lab/internal/domain"
)

func TestScripted_ReplaysThenHolds(t *testing.T) {
	first := &domain.Decision{Operation: domain.OpBuy, Symbol: "BTCUSDT", Portion: 0.1, Leverage: 2, MaxPrice: 100}
	second := &domain.Decision{Operation: domain.OpClose, Symbol: "BTCUSDT", Portion: 1}
	s := NewScripted([]*domain.Decision{first, second})

	v1, err := s.Execute(context.Background(), "", nil, nil)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if v1.Decision != first {
		t.Error("expected first scripted decision")
	}

	v2, _ := s.Execute(context.Background(), "", nil, nil)
	if v2.Decision != second {
		t.Error("expected second scripted decision")
	}

	v3, _ := s.Execute(context.Background(), "", nil, nil)
	if v3.Decision.Operation != domain.OpHold {
		t.Errorf("exhausted script must hold, got %s", v3.Decision.Operation)
	}
}

func TestWithTimeout_FastCallPasses(t *testing.T) {
	inner := Func(func(context.Context, string, *Snapshot, map[string]any) (*Verdict, error) {
		return &Verdict{Decision: domain.Hold()}, nil
	})
	s := WithTimeout(inner, time.Second)

	v, err := s.Execute(context.Background(), "", nil, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if v.Decision.Operation != domain.OpHold {
		t.Errorf("unexpected decision: %s", v.Decision.Operation)
	}
}

func TestWithTimeout_SlowCallTimesOut(t *testing.T) {
	inner := Func(func(ctx context.Context, _ string, _ *Snapshot, _ map[string]any) (*Verdict, error) {
		select {
		case <-time.After(5 * time.Second):
			return &Verdict{Decision: domain.Hold()}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	s := WithTimeout(inner, 20*time.Millisecond)

	_, err := s.Execute(context.Background(), "", nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestWithTimeout_CallerCancellation(t *testing.T) {
	inner := Func(func(ctx context.Context, _ string, _ *Snapshot, _ map[string]any) (*Verdict, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := WithTimeout(inner, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Execute(ctx, "", nil, nil)
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Fatalf("expected caller cancellation, got %v", err)
	}
}
