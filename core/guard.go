package core

// Billing conservation guard (C9). Grounded on the teacher's
// audit_management.go lifecycle-plus-audit-trail shape, with the
// declarative constraint evaluator built on google/cel-go and the
// degraded-state recovery timer built on cenkalti/backoff/v4's jittered
// exponential backoff, both named in SPEC_FULL.md's domain-stack table.

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/cel-go/cel"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

var guardHardFailCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "gatewaycore_guard_hard_fail_total",
	Help: "Count of billing invariant HARD_FAIL outcomes by invariant id.",
}, []string{"invariant"})

func init() {
	prometheus.MustRegister(guardHardFailCounter)
}

type GuardState int

const (
	StateUninitialized GuardState = iota
	StateReady
	StateDegraded
	StateBypassed
)

func (s GuardState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateBypassed:
		return "bypassed"
	default:
		return "uninitialized"
	}
}

// EvaluatorResult is one of pass/fail/error/bypassed, the evaluator half of
// the strict lattice in spec §4.9 / P4.
type EvaluatorResult string

const (
	EvalPass     EvaluatorResult = "pass"
	EvalFail     EvaluatorResult = "fail"
	EvalError    EvaluatorResult = "error"
	EvalBypassed EvaluatorResult = "bypassed"
)

// InvariantResult is runCheck's return value.
type InvariantResult struct {
	ID             string
	EvaluatorResult EvaluatorResult
	AdhocPass      bool
	Effective      bool
}

// Constraint names one compiled CEL expression, e.g. "bigint_gte(limit, spent)".
type Constraint struct {
	ID         string
	Expression string
}

var defaultConstraints = []Constraint{
	{ID: "limit_gte_spent", Expression: "limit >= spent"},
	{ID: "cost_gte_zero", Expression: "cost >= 0"},
	{ID: "allocation_gte_reserve", Expression: "allocation >= reserve"},
}

type compiledConstraint struct {
	id      string
	program cel.Program
}

// GuardConfig controls compile retries and recovery timing (spec §4.9).
type GuardConfig struct {
	CompileRetries     int
	CompileBackoff     []time.Duration
	RecoveryBaseInterval time.Duration
	RecoveryMaxMultiple  int // capped at this multiple of RecoveryBaseInterval
	BypassSignalPresent  bool
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		CompileRetries:       3,
		CompileBackoff:       []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
		RecoveryBaseInterval: 5 * time.Second,
		RecoveryMaxMultiple:  10,
	}
}

// BillingGuard is the concrete InvariantGuard collaborator implementation.
type BillingGuard struct {
	mu            sync.Mutex
	state         GuardState
	programs      []compiledConstraint
	cfg           GuardConfig
	wal           WriteAheadLog
	log           *log.Logger
	podID         string
	buildSHA      string
	recoveryCtl   func() // cancels any running recovery goroutine
	auditSeq      int64
	prevAuditHash string
}

func NewBillingGuard(wal WriteAheadLog, cfg GuardConfig, podID, buildSHA string, logger *log.Logger) *BillingGuard {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &BillingGuard{state: StateUninitialized, cfg: cfg, wal: wal, log: logger, podID: podID, buildSHA: buildSHA}
}

// Init compiles every declarative constraint up to CompileRetries times. A
// startup-only bypass signal skips compilation entirely and jumps straight
// to bypassed (spec §4.9, P8).
func (g *BillingGuard) Init(ctx context.Context, constraints []Constraint) {
	if g.cfg.BypassSignalPresent {
		g.mu.Lock()
		g.state = StateBypassed
		g.mu.Unlock()
		g.writeAudit(ctx, "evaluator_bypass", nil)
		return
	}
	if constraints == nil {
		constraints = defaultConstraints
	}

	programs, err := g.compileAll(constraints)
	if err == nil {
		g.mu.Lock()
		g.programs = programs
		g.state = StateReady
		g.mu.Unlock()
		return
	}
	g.mu.Lock()
	g.state = StateDegraded
	g.mu.Unlock()
	g.writeAudit(ctx, "evaluator_degraded", map[string]any{"error": err.Error()})
	g.log.WithField("error", err).Error("billing guard: all constraint compile attempts failed; entering degraded state")
}

func (g *BillingGuard) compileAll(constraints []Constraint) ([]compiledConstraint, error) {
	env, err := cel.NewEnv(
		cel.Variable("limit", cel.IntType),
		cel.Variable("spent", cel.IntType),
		cel.Variable("cost", cel.IntType),
		cel.Variable("allocation", cel.IntType),
		cel.Variable("reserve", cel.IntType),
	)
	if err != nil {
		return nil, NewGatewayError(CodeBillingEvaluatorDown, "failed to construct CEL environment")
	}

	var lastErr error
	for attempt := 0; attempt <= g.cfg.CompileRetries; attempt++ {
		programs := make([]compiledConstraint, 0, len(constraints))
		ok := true
		for _, c := range constraints {
			ast, issues := env.Compile(c.Expression)
			if issues != nil && issues.Err() != nil {
				lastErr = issues.Err()
				ok = false
				break
			}
			prg, err := env.Program(ast)
			if err != nil {
				lastErr = err
				ok = false
				break
			}
			programs = append(programs, compiledConstraint{id: c.ID, program: prg})
		}
		if ok {
			return programs, nil
		}
		if attempt < len(g.cfg.CompileBackoff) {
			time.Sleep(g.cfg.CompileBackoff[attempt])
		}
	}
	return nil, lastErr
}

// StartRecovery launches a degraded-state recovery loop using jittered
// exponential backoff capped at RecoveryMaxMultiple x base, per spec §4.9.
// Honors ctx cancellation as the shutdown signal named in spec §5.
func (g *BillingGuard) StartRecovery(ctx context.Context, constraints []Constraint) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.RecoveryBaseInterval
	b.MaxInterval = g.cfg.RecoveryBaseInterval * time.Duration(g.cfg.RecoveryMaxMultiple)
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0 // retry indefinitely until ctx is cancelled

	cctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.recoveryCtl = cancel
	g.mu.Unlock()

	go func() {
		_ = backoff.Retry(func() error {
			select {
			case <-cctx.Done():
				return backoff.Permanent(cctx.Err())
			default:
			}
			g.mu.Lock()
			state := g.state
			g.mu.Unlock()
			if state != StateDegraded {
				return nil
			}
			programs, err := g.compileAll(nonNil(constraints))
			if err != nil {
				return err
			}
			g.mu.Lock()
			g.programs = programs
			g.state = StateReady
			g.mu.Unlock()
			g.writeAudit(cctx, "evaluator_recovery", nil)
			return nil
		}, backoff.WithContext(b, cctx))
	}()
}

func nonNil(c []Constraint) []Constraint {
	if c == nil {
		return defaultConstraints
	}
	return c
}

// StopRecovery cancels a running recovery loop, if any.
func (g *BillingGuard) StopRecovery() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.recoveryCtl != nil {
		g.recoveryCtl()
		g.recoveryCtl = nil
	}
}

// allowlistedInputFields are the only keys runCheck's input_summary may
// contain in a HARD_FAIL log line (spec §4.9: never free-form context).
var allowlistedInputFields = map[string]bool{
	"limit": true, "spent": true, "cost": true, "allocation": true, "reserve": true,
}

// runCheck implements the strict lattice of spec §4.9 / P4.
func (g *BillingGuard) runCheck(ctx context.Context, id string, vars map[string]int64, adhocPass bool) InvariantResult {
	g.mu.Lock()
	state := g.state
	programs := g.programs
	g.mu.Unlock()

	if state == StateBypassed {
		return InvariantResult{ID: id, EvaluatorResult: EvalBypassed, AdhocPass: adhocPass, Effective: adhocPass}
	}
	if state == StateDegraded || state == StateUninitialized {
		g.emitHardFail(id, vars, EvalError)
		return InvariantResult{ID: id, EvaluatorResult: EvalError, AdhocPass: adhocPass, Effective: false}
	}

	evalResult, evalPass := g.evaluate(programs, id, vars)
	effective := evalPass && adhocPass
	if (evalPass && !adhocPass) || (!evalPass && adhocPass) {
		g.log.WithFields(log.Fields{"invariant": id}).Warn("billing guard: evaluator/adhoc divergence")
	}
	if !effective {
		g.emitHardFail(id, vars, evalResult)
	}
	return InvariantResult{ID: id, EvaluatorResult: evalResult, AdhocPass: adhocPass, Effective: effective}
}

func (g *BillingGuard) evaluate(programs []compiledConstraint, id string, vars map[string]int64) (EvaluatorResult, bool) {
	celVars := make(map[string]any, len(vars))
	for k, v := range vars {
		celVars[k] = v
	}
	for _, p := range programs {
		if p.id != id {
			continue
		}
		out, _, err := p.program.Eval(celVars)
		if err != nil {
			return EvalError, false
		}
		b, ok := out.Value().(bool)
		if !ok {
			return EvalError, false
		}
		if b {
			return EvalPass, true
		}
		return EvalFail, false
	}
	return EvalError, false
}

func (g *BillingGuard) emitHardFail(id string, vars map[string]int64, result EvaluatorResult) {
	summary := make(map[string]int64, len(vars))
	for k, v := range vars {
		if allowlistedInputFields[k] {
			summary[k] = v
		}
	}
	guardHardFailCounter.WithLabelValues(id).Inc()
	g.log.WithFields(log.Fields{"invariant": id, "evaluator_result": string(result), "input_summary": summary}).Error("HARD_FAIL")
}

// Precheck satisfies the InvariantGuard collaborator interface used by the
// router. It evaluates cost_gte_zero against estimatedCost and
// limit_gte_spent against limit versus spent projected to include
// estimatedCost, so both compiled constraints that bear on a pre-spend
// decision are actually reached from the live request path (spec §4.9, P4).
func (g *BillingGuard) Precheck(ctx context.Context, account AccountId, estimatedCost, limit, spent MicroUSD) error {
	costRes := g.runCheck(ctx, "cost_gte_zero", map[string]int64{"cost": estimatedCost.Int64()}, estimatedCost.Int64() >= 0)
	if !costRes.Effective {
		return NewGatewayError(CodeBillingInvariantFailed, "precheck invariant failed").WithDetail("invariant", costRes.ID)
	}
	projected := AddMicroUSD(spent, estimatedCost)
	limitRes := g.runCheck(ctx, "limit_gte_spent", map[string]int64{"limit": limit.Int64(), "spent": projected.Int64()}, limit.Int64() >= projected.Int64())
	if !limitRes.Effective {
		return NewGatewayError(CodeBillingInvariantFailed, "precheck invariant failed").WithDetail("invariant", limitRes.ID)
	}
	return nil
}

// Postcheck evaluates cost_gte_zero against actualCost and
// allocation_gte_reserve between what was reserved at precheck time
// (allocation) and what is actually being committed (reserve), so a
// provider response that costs more than was reserved fails closed.
func (g *BillingGuard) Postcheck(ctx context.Context, account AccountId, actualCost, allocation, reserve MicroUSD) error {
	costRes := g.runCheck(ctx, "cost_gte_zero", map[string]int64{"cost": actualCost.Int64()}, actualCost.Int64() >= 0)
	if !costRes.Effective {
		return NewGatewayError(CodeBillingInvariantFailed, "postcheck invariant failed").WithDetail("invariant", costRes.ID)
	}
	allocRes := g.runCheck(ctx, "allocation_gte_reserve", map[string]int64{"allocation": allocation.Int64(), "reserve": reserve.Int64()}, allocation.Int64() >= reserve.Int64())
	if !allocRes.Effective {
		return NewGatewayError(CodeBillingInvariantFailed, "postcheck invariant failed").WithDetail("invariant", allocRes.ID)
	}
	return nil
}

// IsBillingReady gates billing-ingress routes per spec §4.9.
func (g *BillingGuard) IsBillingReady() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == StateReady || g.state == StateBypassed
}

func (g *BillingGuard) State() GuardState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// auditEntry is hash-chained JSONL per spec §6's persisted-state layout.
type auditEntry struct {
	Seq      int64          `json:"seq"`
	PrevHash string         `json:"prev_hash"`
	Hash     string         `json:"hash"`
	Ts       string         `json:"ts"`
	Phase    string         `json:"phase"`
	Action   string         `json:"action"`
	Params   map[string]any `json:"params"`
	PodID    string         `json:"pod_id"`
	BuildSHA string         `json:"build_sha"`
}

// writeAudit appends one hash-chained entry under g.mu so seq/prevHash stay
// linearizable per guard instance, per spec §5's "Audit WAL writes are
// totally ordered".
func (g *BillingGuard) writeAudit(ctx context.Context, action string, params map[string]any) {
	g.mu.Lock()
	g.auditSeq++
	entry := auditEntry{
		Seq:      g.auditSeq,
		PrevHash: g.prevAuditHash,
		Ts:       time.Now().UTC().Format(time.RFC3339Nano),
		Action:   action,
		Phase:    "guard",
		Params:   params,
		PodID:    g.podID,
		BuildSHA: g.buildSHA,
	}
	entry.Hash = chainHash(entry)
	g.prevAuditHash = entry.Hash
	g.mu.Unlock()

	record, err := json.Marshal(entry)
	if err != nil {
		g.log.WithField("error", err).Error("billing guard: failed to marshal audit entry")
		return
	}
	if err := g.wal.Append(ctx, record); err != nil {
		g.log.WithField("error", err).Error("billing guard: audit WAL append failed, degrading to stderr")
	}
}

// chainHash digests the entry's immutable fields together with the previous
// entry's hash so tampering with any prior entry invalidates every
// subsequent hash in the chain.
func chainHash(e auditEntry) string {
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte(e.Ts))
	h.Write([]byte(e.Phase))
	h.Write([]byte(e.Action))
	paramsJSON, _ := json.Marshal(e.Params)
	h.Write(paramsJSON)
	return hex.EncodeToString(h.Sum(nil))
}
