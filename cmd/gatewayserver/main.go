// Command gatewayserver runs the HTTP/WS entrypoint for the request
// routing and enforcement core, wiring C1-C11 behind a chi router.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/loa-finn/gatewaycore/core"
	"github.com/loa-finn/gatewaycore/pkg/config"
	"github.com/loa-finn/gatewaycore/pkg/utils"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("gatewayserver: failed to load .env file")
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.WithError(err).Fatal("gatewayserver: failed to load configuration")
	}
	configureLogging(cfg.Logging.Level)

	app := newApp(cfg)
	router := app.routes()

	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: router}

	go func() {
		log.WithField("addr", cfg.Server.ListenAddr).Info("gatewayserver: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("gatewayserver: server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	app.shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownGraceMS)*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("gatewayserver: graceful shutdown failed")
	}
}

func configureLogging(level string) {
	log.SetFormatter(&log.JSONFormatter{})
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

// app bundles every wired collaborator behind the routing entrypoint.
type app struct {
	cfg        *config.Config
	verifier   *core.JWTVerifier
	circuit    *core.CircuitBreaker
	rateLimit  *core.ProviderRateLimiter
	ledger     *core.Ledger
	guard      *core.BillingGuard
	provider   core.ProviderClient
	ingressLimiter *rate.Limiter
	cancelProbe context.CancelFunc
	recoveryCancel context.CancelFunc
}

func newApp(cfg *config.Config) *app {
	wal := core.NewMemoryWAL()
	guardWAL := core.NewMemoryWAL()

	rateLimits := make(map[string]core.ProviderLimits, len(cfg.RateLimits))
	for provider, lim := range cfg.RateLimits {
		rateLimits[provider] = core.ProviderLimits{
			RPM:          lim.RPM,
			TPM:          lim.TPM,
			QueueTimeout: time.Duration(lim.QueueTimeoutMS) * time.Millisecond,
		}
	}

	circuitCfg := core.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		BaseCooldown:     time.Duration(cfg.CircuitBreaker.CooldownMS) * time.Millisecond,
		MaxCooldown:      time.Duration(cfg.CircuitBreaker.MaxCooldownMS) * time.Millisecond,
		ProbeInterval:    time.Duration(cfg.CircuitBreaker.ProbeIntervalMS) * time.Millisecond,
		ProbeTimeout:     time.Duration(cfg.CircuitBreaker.ProbeTimeoutMS) * time.Millisecond,
	}

	ledger := core.NewLedger(wal, nil, cfg.Budget.WarnPercent, policyFrom(cfg.Budget.FailOpenOnWrite), nil)
	if err := ledger.Open(context.Background()); err != nil {
		log.WithError(err).Warn("gatewayserver: ledger replay failed, starting from empty state")
	}

	guardCfg := core.DefaultGuardConfig()
	guardCfg.CompileRetries = cfg.Guard.CompileRetries
	guardCfg.RecoveryBaseInterval = time.Duration(cfg.Guard.RecoveryIntervalMS) * time.Millisecond
	guardCfg.BypassSignalPresent = utils.EnvOrDefaultBool(cfg.Guard.BypassEnvVar, false)
	guard := core.NewBillingGuard(guardWAL, guardCfg, hostnameOrDefault(), buildSHAOrDefault(), nil)
	guard.Init(context.Background(), nil)

	recoveryCtx, recoveryCancel := context.WithCancel(context.Background())
	if guard.State() == core.StateDegraded {
		guard.StartRecovery(recoveryCtx, nil)
	}

	probeCtx, probeCancel := context.WithCancel(context.Background())
	circuit := core.NewCircuitBreaker(circuitCfg, nil)
	circuit.StartActiveProbing(probeCtx, http.DefaultClient, nil)

	return &app{
		cfg:            cfg,
		verifier:       core.NewJWTVerifier([]byte(utils.EnvOrDefault(utils.PrefixedEnvKey("JWT_SECRET"), ""))),
		circuit:        circuit,
		rateLimit:      core.NewProviderRateLimiter(rateLimits, nil),
		ledger:         ledger,
		guard:          guard,
		provider:       noopProviderClient{},
		ingressLimiter: rate.NewLimiter(rate.Limit(ingressRPSOrDefault(cfg.Server.IngressRPS)), ingressBurstOrDefault(cfg.Server.IngressBurst)),
		cancelProbe:    probeCancel,
		recoveryCancel: recoveryCancel,
	}
}

func (a *app) shutdown() {
	a.cancelProbe()
	a.recoveryCancel()
	a.guard.StopRecovery()
}

func policyFrom(failOpen bool) core.FailurePolicy {
	if failOpen {
		return core.FailOpen
	}
	return core.FailClosed
}

func ingressRPSOrDefault(v float64) float64 {
	if v <= 0 {
		return 200
	}
	return v
}

func ingressBurstOrDefault(v int) int {
	if v <= 0 {
		return 50
	}
	return v
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown-pod"
	}
	return h
}

func buildSHAOrDefault() string {
	return utils.EnvOrDefault(utils.PrefixedEnvKey("BUILD_SHA"), "dev")
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(a.ingressRateLimit)
		r.Use(a.billingIngressGate)
		r.Post("/v1/chat", a.handleChat)
		r.Get("/v1/ws", a.handleWebSocket)
	})
	return r
}

// ingressRateLimit is a coarse, process-wide token bucket guarding the
// ingress surface ahead of the per-provider limiter in core.RouteRequest;
// it protects the gateway itself from request floods the router never sees.
func (a *app) ingressRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.ingressLimiter.Allow() {
			writeGatewayError(w, core.NewGatewayError(core.CodeRateLimited, "gateway ingress rate exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *app) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// billingIngressGate returns 503 BILLING_EVALUATOR_UNAVAILABLE whenever the
// guard is not ready, per spec §4.9.
func (a *app) billingIngressGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.Server.BillingIngress && !a.guard.IsBillingReady() {
			writeGatewayError(w, core.NewGatewayError(core.CodeBillingEvaluatorDown, "billing evaluator not ready"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type chatRequest struct {
	AgentName string            `json:"agent_name"`
	TaskType  string            `json:"task_type"`
	Token     string            `json:"token"`
	Messages  []core.ProviderMessage `json:"messages"`
}

func (a *app) handleChat(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeGatewayError(w, core.NewGatewayError(core.CodeConfigInvalid, "malformed request body"))
		return
	}
	log.WithField("request_id", reqID).WithField("agent", req.AgentName).Info("gatewayserver: chat request")

	claims, err := a.verifier.Verify(r.Context(), req.Token)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	tenantCtx, err := core.BuildTenantContext(claims, core.EnforcementConfig{})
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	acct, err := core.ParseAccountId(claims.TenantId)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	providerReq := core.ProviderInvokeRequest{Messages: req.Messages}
	estimatedCost, err := core.EstimatePrecheckCost(tenantCtx, req.TaskType, providerReq)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	deps := core.RouterDeps{Health: a.circuit, RateLim: a.rateLimit, Budget: a.ledger, Guard: a.guard, Provider: a.provider}
	resp, err := core.RouteRequest(r.Context(), deps, reqID, req.AgentName, req.TaskType, tenantCtx, acct, estimatedCost, core.BudgetModeDowngrade, providerReq)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket mirrors handleChat over a persistent connection, one
// chatRequest per text frame, per spec §3.1's "across HTTP/WS" requirement.
func (a *app) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("gatewayserver: websocket upgrade failed")
		return
	}
	defer conn.Close()

	for {
		var req chatRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		claims, err := a.verifier.Verify(r.Context(), req.Token)
		if err != nil {
			_ = conn.WriteJSON(gatewayErrorBody(err))
			continue
		}
		tenantCtx, err := core.BuildTenantContext(claims, core.EnforcementConfig{})
		if err != nil {
			_ = conn.WriteJSON(gatewayErrorBody(err))
			continue
		}
		acct, err := core.ParseAccountId(claims.TenantId)
		if err != nil {
			_ = conn.WriteJSON(gatewayErrorBody(err))
			continue
		}
		providerReq := core.ProviderInvokeRequest{Messages: req.Messages}
		estimatedCost, err := core.EstimatePrecheckCost(tenantCtx, req.TaskType, providerReq)
		if err != nil {
			_ = conn.WriteJSON(gatewayErrorBody(err))
			continue
		}
		deps := core.RouterDeps{Health: a.circuit, RateLim: a.rateLimit, Budget: a.ledger, Guard: a.guard, Provider: a.provider}
		frameID := uuid.NewString()
		resp, err := core.RouteRequest(r.Context(), deps, frameID, req.AgentName, req.TaskType, tenantCtx, acct, estimatedCost, core.BudgetModeDowngrade, providerReq)
		if err != nil {
			_ = conn.WriteJSON(gatewayErrorBody(err))
			continue
		}
		_ = conn.WriteJSON(resp)
	}
}

func gatewayErrorBody(err error) map[string]any {
	gwErr, ok := core.AsGatewayError(err)
	if !ok {
		return map[string]any{"error": "InternalError", "code": "CONFIG_INVALID"}
	}
	return map[string]any{"error": string(gwErr.Kind()), "code": string(gwErr.Code()), "details": gwErr.Details}
}

func writeGatewayError(w http.ResponseWriter, err error) {
	gwErr, ok := core.AsGatewayError(err)
	if !ok {
		gwErr = core.NewGatewayError(core.CodeConfigInvalid, err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gwErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(gatewayErrorBody(gwErr))
}

// noopProviderClient is the default ProviderClient until a real backend
// adapter is configured; it always reports PROVIDER_UNAVAILABLE.
type noopProviderClient struct{}

func (noopProviderClient) Invoke(ctx context.Context, req core.ProviderInvokeRequest) (core.ProviderInvokeResponse, error) {
	return core.ProviderInvokeResponse{}, core.NewGatewayError(core.CodeProviderUnavailable, "no provider backend configured")
}
