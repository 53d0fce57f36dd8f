package core

import (
	"context"
	"testing"
	"time"
)

func TestBillingGuardInitReadyOnSuccessfulCompile(t *testing.T) {
	g := NewBillingGuard(NewMemoryWAL(), DefaultGuardConfig(), "pod-1", "sha-1", nil)
	g.Init(context.Background(), nil)
	if g.State() != StateReady {
		t.Fatalf("expected ready state, got %v", g.State())
	}
	if !g.IsBillingReady() {
		t.Fatalf("expected IsBillingReady true in ready state")
	}
}

func TestBillingGuardInitBypassedWhenSignalPresent(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.BypassSignalPresent = true
	g := NewBillingGuard(NewMemoryWAL(), cfg, "pod-1", "sha-1", nil)
	g.Init(context.Background(), nil)
	if g.State() != StateBypassed {
		t.Fatalf("expected bypassed state, got %v", g.State())
	}
	if !g.IsBillingReady() {
		t.Fatalf("expected IsBillingReady true when bypassed")
	}
}

func TestBillingGuardInitDegradedOnBadConstraint(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.CompileBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	g := NewBillingGuard(NewMemoryWAL(), cfg, "pod-1", "sha-1", nil)
	g.Init(context.Background(), []Constraint{{ID: "broken", Expression: "this is not valid cel $$$"}})
	if g.State() != StateDegraded {
		t.Fatalf("expected degraded state on compile failure, got %v", g.State())
	}
	if g.IsBillingReady() {
		t.Fatalf("expected IsBillingReady false when degraded")
	}
}

func TestRunCheckBypassedUsesAdhocResult(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.BypassSignalPresent = true
	g := NewBillingGuard(NewMemoryWAL(), cfg, "pod-1", "sha-1", nil)
	g.Init(context.Background(), nil)

	res := g.runCheck(context.Background(), "limit_gte_spent", map[string]int64{"limit": 100, "spent": 50}, true)
	if res.EvaluatorResult != EvalBypassed || !res.Effective {
		t.Fatalf("expected bypassed effective=adhoc(true), got %+v", res)
	}
	res = g.runCheck(context.Background(), "limit_gte_spent", map[string]int64{"limit": 100, "spent": 50}, false)
	if res.Effective {
		t.Fatalf("expected bypassed effective=adhoc(false)")
	}
}

func TestRunCheckDegradedAlwaysFailsClosed(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.CompileBackoff = []time.Duration{time.Millisecond}
	g := NewBillingGuard(NewMemoryWAL(), cfg, "pod-1", "sha-1", nil)
	g.Init(context.Background(), []Constraint{{ID: "broken", Expression: "!!!not cel"}})

	res := g.runCheck(context.Background(), "limit_gte_spent", map[string]int64{"limit": 100, "spent": 50}, true)
	if res.Effective {
		t.Fatalf("expected degraded state to fail closed even when adhoc passes")
	}
	if res.EvaluatorResult != EvalError {
		t.Fatalf("expected evaluator_result=error in degraded state, got %v", res.EvaluatorResult)
	}
}

func TestRunCheckStrictLatticePassOnlyWhenBothPass(t *testing.T) {
	g := NewBillingGuard(NewMemoryWAL(), DefaultGuardConfig(), "pod-1", "sha-1", nil)
	g.Init(context.Background(), nil)

	pass := g.runCheck(context.Background(), "limit_gte_spent", map[string]int64{"limit": 100, "spent": 50}, true)
	if !pass.Effective {
		t.Fatalf("expected effective=true when both evaluator and adhoc pass, got %+v", pass)
	}

	divergent := g.runCheck(context.Background(), "limit_gte_spent", map[string]int64{"limit": 100, "spent": 50}, false)
	if divergent.Effective {
		t.Fatalf("expected effective=false when adhoc disagrees with a passing evaluator, got %+v", divergent)
	}

	bothFail := g.runCheck(context.Background(), "limit_gte_spent", map[string]int64{"limit": 10, "spent": 50}, false)
	if bothFail.Effective {
		t.Fatalf("expected effective=false when both fail, got %+v", bothFail)
	}
}

func TestBillingGuardRecoveryTransitionsBackToReady(t *testing.T) {
	cfg := DefaultGuardConfig()
	cfg.CompileBackoff = []time.Duration{time.Millisecond}
	cfg.RecoveryBaseInterval = 5 * time.Millisecond
	cfg.RecoveryMaxMultiple = 2
	g := NewBillingGuard(NewMemoryWAL(), cfg, "pod-1", "sha-1", nil)
	g.Init(context.Background(), []Constraint{{ID: "broken", Expression: "!!!not cel"}})
	if g.State() != StateDegraded {
		t.Fatalf("expected degraded before recovery, got %v", g.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.StartRecovery(ctx, nil) // nil falls back to the well-formed default constraints
	defer g.StopRecovery()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if g.State() == StateReady {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected recovery to reach ready state, got %v", g.State())
}
