package core

// Circuit breaker and active health prober (C3). State is held per
// (provider, model) behind a single mutex-guarded, size-bounded LRU (the
// same hashicorp/golang-lru/v2 used by C7's tool-call idempotency cache in
// toolloop.go), in the same style as core/connection_pool.go's per-address
// connection lists: a registry reload can introduce arbitrarily many
// (provider, model) pairs over the gateway's lifetime, and an unbounded map
// would grow without limit.

import (
	"context"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// circuitStateCacheSize bounds the number of distinct (provider, model)
// circuit states held in memory; evicted entries reopen CLOSED on next
// observation, which is safe since CLOSED is the only state an eviction
// should conservatively fall back to.
const circuitStateCacheSize = 4096

type CircuitStateKind int

const (
	StateClosed CircuitStateKind = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitStateKind) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

type circuitKey struct{ provider, model string }

type circuitState struct {
	consecutiveFailures  int
	consecutiveSuccesses int
	state                CircuitStateKind
	cooldownUntil        time.Time
	lastProbeAt          time.Time
	currentCooldown      time.Duration
}

// CircuitBreakerConfig holds the thresholds of spec §4.3.
type CircuitBreakerConfig struct {
	FailureThreshold int
	BaseCooldown     time.Duration
	MaxCooldown      time.Duration
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
}

// DefaultCircuitBreakerConfig matches the defaults named in spec §4.3.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		BaseCooldown:     30 * time.Second,
		MaxCooldown:      300 * time.Second,
		ProbeInterval:    30 * time.Second,
		ProbeTimeout:     5 * time.Second,
	}
}

var (
	circuitOpenGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gatewaycore_circuit_open",
		Help: "1 if the (provider, model) circuit is OPEN, else 0.",
	}, []string{"provider", "model"})
	probeFailuresCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewaycore_health_probe_failures_total",
		Help: "Count of active health probe failures by provider.",
	}, []string{"provider"})
)

func init() {
	prometheus.MustRegister(circuitOpenGauge, probeFailuresCounter)
}

// CircuitBreaker is the passive failure counter plus an optional active
// health prober, both feeding the same size-bounded state cache.
type CircuitBreaker struct {
	mu      sync.Mutex
	states  *lru.Cache[circuitKey, *circuitState]
	cfg     CircuitBreakerConfig
	log     *log.Logger
	probing sync.Map // endpoint -> *int32 in-flight guard (overlap guard)
}

func NewCircuitBreaker(cfg CircuitBreakerConfig, logger *log.Logger) *CircuitBreaker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	states, err := lru.New[circuitKey, *circuitState](circuitStateCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// circuitStateCacheSize never is.
		panic(err)
	}
	return &CircuitBreaker{states: states, cfg: cfg, log: logger}
}

func (cb *CircuitBreaker) get(provider, model string) *circuitState {
	k := circuitKey{provider, model}
	if s, ok := cb.states.Get(k); ok {
		return s
	}
	s := &circuitState{state: StateClosed}
	cb.states.Add(k, s)
	return s
}

// RecordSuccess handles a CLOSED/HALF_OPEN/OPEN transition on success.
func (cb *CircuitBreaker) RecordSuccess(provider, model string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := cb.get(provider, model)
	s.consecutiveFailures = 0
	s.consecutiveSuccesses++
	if s.state == StateHalfOpen {
		s.state = StateClosed
		s.currentCooldown = 0
		circuitOpenGauge.WithLabelValues(provider, model).Set(0)
	}
}

// RecordFailure only counts 5xx/network failures; callers must filter out
// 4xx errors before calling this (spec §4.3).
func (cb *CircuitBreaker) RecordFailure(provider, model string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := cb.get(provider, model)
	s.consecutiveSuccesses = 0

	if s.state == StateHalfOpen {
		cb.trip(provider, model, s)
		return
	}
	s.consecutiveFailures++
	if s.consecutiveFailures >= cb.cfg.FailureThreshold {
		cb.trip(provider, model, s)
	}
}

func (cb *CircuitBreaker) trip(provider, model string, s *circuitState) {
	if s.currentCooldown == 0 {
		s.currentCooldown = cb.cfg.BaseCooldown
	} else {
		s.currentCooldown *= 2
		if s.currentCooldown > cb.cfg.MaxCooldown {
			s.currentCooldown = cb.cfg.MaxCooldown
		}
	}
	s.state = StateOpen
	s.cooldownUntil = time.Now().Add(s.currentCooldown)
	circuitOpenGauge.WithLabelValues(provider, model).Set(1)
	cb.log.WithFields(log.Fields{"provider": provider, "model": model, "cooldown": s.currentCooldown}).Warn("circuit breaker tripped OPEN")
}

// IsHealthy reports whether the circuit permits routing to (provider,
// model): isHealthy(resolved) = state != OPEN, with the OPEN->HALF_OPEN
// cooldown transition applied lazily on read.
func (cb *CircuitBreaker) IsHealthy(provider, model string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := cb.get(provider, model)
	if s.state == StateOpen && time.Now().After(s.cooldownUntil) {
		s.state = StateHalfOpen
	}
	return s.state != StateOpen
}

// Snapshot returns the state of one (provider, model) pair for diagnostics.
func (cb *CircuitBreaker) Snapshot(provider, model string) (state CircuitStateKind, consecutiveFailures int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := cb.get(provider, model)
	return s.state, s.consecutiveFailures
}

// --- Active health probing ---

// ProbeTarget names an HTTP health endpoint for a provider.
type ProbeTarget struct {
	Provider string
	Model    string
	URL      string
}

// RunProbeCycle issues one GET /health against each target, with an overlap
// guard so a slow previous cycle cannot be double-run by a new timer tick.
func (cb *CircuitBreaker) RunProbeCycle(ctx context.Context, client *http.Client, targets []ProbeTarget) {
	for _, t := range targets {
		if _, inFlight := cb.probing.LoadOrStore(t.URL, struct{}{}); inFlight {
			continue
		}
		cb.probeOne(ctx, client, t)
		cb.probing.Delete(t.URL)
	}
}

func (cb *CircuitBreaker) probeOne(ctx context.Context, client *http.Client, t ProbeTarget) {
	cctx, cancel := context.WithTimeout(ctx, cb.cfg.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, t.URL, nil)
	if err != nil {
		cb.RecordFailure(t.Provider, t.Model)
		probeFailuresCounter.WithLabelValues(t.Provider).Inc()
		return
	}
	resp, err := client.Do(req)
	cb.mu.Lock()
	s := cb.get(t.Provider, t.Model)
	s.lastProbeAt = time.Now()
	cb.mu.Unlock()
	if err != nil {
		cb.RecordFailure(t.Provider, t.Model)
		probeFailuresCounter.WithLabelValues(t.Provider).Inc()
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		cb.RecordFailure(t.Provider, t.Model)
		probeFailuresCounter.WithLabelValues(t.Provider).Inc()
		return
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		cb.RecordSuccess(t.Provider, t.Model)
	}
}

// StartActiveProbing launches a ticker-driven probe loop until ctx is
// cancelled, honoring a shutdown signal without interrupting an in-flight
// probe (spec §5).
func (cb *CircuitBreaker) StartActiveProbing(ctx context.Context, client *http.Client, targets []ProbeTarget) {
	ticker := time.NewTicker(cb.cfg.ProbeInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cb.RunProbeCycle(ctx, client, targets)
			}
		}
	}()
}
