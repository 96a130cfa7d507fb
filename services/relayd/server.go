// Package relayd serves the sponsored-transaction orchestrator over HTTP.
package relayd

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"gasrelay/core"
	"gasrelay/core/events"
	"gasrelay/core/types"
	"gasrelay/observability"
)

// Server wires the orchestrator into a chi router.
type Server struct {
	orch        *core.Orchestrator
	auth        *Authenticator
	broadcaster *events.Broadcaster
	ingress     *IngressLimiter
	logger      *slog.Logger
	eventBuffer int
	router      chi.Router
}

// ServerOption customises the server.
type ServerOption func(*Server)

// WithIngressLimiter installs a per-client HTTP limiter.
func WithIngressLimiter(l *IngressLimiter) ServerOption {
	return func(s *Server) { s.ingress = l }
}

// WithServerLogger overrides the default logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEventBuffer sizes each websocket subscriber's buffer.
func WithEventBuffer(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.eventBuffer = n
		}
	}
}

// NewServer builds the HTTP surface. broadcaster may be nil, which disables
// the event stream.
func NewServer(orch *core.Orchestrator, auth *Authenticator, broadcaster *events.Broadcaster, opts ...ServerOption) *Server {
	s := &Server{
		orch:        orch,
		auth:        auth,
		broadcaster: broadcaster,
		logger:      slog.Default(),
		eventBuffer: 64,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "relayd")
}

// ServeHTTP implements http.Handler without the tracing wrapper.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.observe)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.ingress != nil {
			r.Use(s.ingress.Middleware)
		}
		r.Route("/v1", func(r chi.Router) {
			r.Get("/balances/{user}/{asset}", s.handleBalance)
			r.Post("/requests/preflight", s.handlePreflight)
			r.Get("/requests/{id}", s.handleGetRequest)
			r.Get("/users/{user}/requests", s.handleUserRequests)
			r.Get("/fees/estimate", s.handleEstimate)
			r.Get("/fees/suggest", s.handleSuggest)
			r.Get("/queue/stats", s.handleQueueStats)
			r.Get("/metrics/performance", s.handlePerformance)
			r.Get("/events", s.handleEvents)

			r.Group(func(r chi.Router) {
				r.Use(s.auth.requireCaller(false))
				r.Post("/balances/deposit", s.handleDeposit)
				r.Post("/balances/withdraw", s.handleWithdraw)
				r.Post("/requests", s.handleSubmit)
				r.Post("/execute/next", s.handleExecuteNext)
				r.Post("/execute/batch", s.handleExecuteBatch)
				r.Post("/execute/{id}", s.handleExecute)
			})
		})
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.auth.requireCaller(true))
			s.adminRoutes(r)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if s.orch.Paused() {
		status = "paused"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

type balanceChangeRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type balanceResponse struct {
	User      string `json:"user"`
	Asset     string `json:"asset"`
	Spendable string `json:"spendable"`
	Reserved  string `json:"reserved"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.changeBalance(w, r, s.orch.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.changeBalance(w, r, s.orch.Withdraw)
}

type balanceOp func(ctx context.Context, caller core.Caller, asset common.Address, amount *uint256.Int) error

func (s *Server) changeBalance(w http.ResponseWriter, r *http.Request, op balanceOp) {
	var body balanceChangeRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	asset, err := parseAsset(body.Asset)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	amount, err := parseAmount("amount", body.Amount)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	caller := callerFrom(r.Context())
	if err := op(r.Context(), caller, asset, amount); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.balance(caller.Address, asset))
}

func (s *Server) balance(user, asset common.Address) balanceResponse {
	bal := s.orch.Balance(user, asset)
	return balanceResponse{
		User:      user.Hex(),
		Asset:     assetString(asset),
		Spendable: amountString(bal.Spendable),
		Reserved:  amountString(bal.Reserved),
	}
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	user, err := types.ParseAccount(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, err := parseAsset(chi.URLParam(r, "asset"))
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.balance(user, asset))
}

type submitRequest struct {
	Network              uint64 `json:"network"`
	Target               string `json:"target"`
	Value                string `json:"value"`
	Payload              string `json:"payload"`
	GasLimit             uint64 `json:"gasLimit"`
	MaxFeePerGas         string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
	Asset                string `json:"asset"`
	Priority             string `json:"priority"`
}

type submitResponse struct {
	ID      uint64      `json:"id"`
	Request requestView `json:"request"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	params, err := body.params()
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	id, err := s.orch.Submit(r.Context(), callerFrom(r.Context()), params)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	req, err := s.orch.Request(id)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id, Request: newRequestView(req)})
}

func (b submitRequest) params() (core.SubmitParams, error) {
	target, err := types.ParseAccount(b.Target)
	if err != nil {
		return core.SubmitParams{}, validationErr(err)
	}
	asset, err := parseAsset(b.Asset)
	if err != nil {
		return core.SubmitParams{}, err
	}
	priority, err := types.ParsePriority(b.Priority)
	if err != nil {
		return core.SubmitParams{}, validationErr(err)
	}
	value, err := parseAmount("value", b.Value)
	if err != nil {
		return core.SubmitParams{}, err
	}
	maxFee, err := parseAmount("maxFeePerGas", b.MaxFeePerGas)
	if err != nil {
		return core.SubmitParams{}, err
	}
	tip, err := parseAmount("maxPriorityFeePerGas", b.MaxPriorityFeePerGas)
	if err != nil {
		return core.SubmitParams{}, err
	}
	var payload []byte
	if raw := strings.TrimSpace(b.Payload); raw != "" {
		payload, err = hexDecode(raw)
		if err != nil {
			return core.SubmitParams{}, validationErr(err)
		}
	}
	return core.SubmitParams{
		Network:              b.Network,
		Target:               target,
		Value:                value,
		Payload:              payload,
		GasLimit:             b.GasLimit,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
		Asset:                asset,
		Priority:             priority,
	}, nil
}

type preflightRequest struct {
	User         string `json:"user"`
	Network      uint64 `json:"network"`
	GasLimit     uint64 `json:"gasLimit"`
	MaxFeePerGas string `json:"maxFeePerGas"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
}

type preflightResponse struct {
	OK       bool   `json:"ok"`
	Reason   string `json:"reason,omitempty"`
	Required string `json:"required,omitempty"`
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	var body preflightRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	user, err := types.ParseAccount(body.User)
	if err != nil {
		writeOrchestratorError(w, validationErr(err))
		return
	}
	asset, err := parseAsset(body.Asset)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	maxFee, err := parseAmount("maxFeePerGas", body.MaxFeePerGas)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	amount, err := parseAmount("amount", body.Amount)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	result := s.orch.CanOrchestrate(core.PreflightParams{
		User:         user,
		Network:      body.Network,
		GasLimit:     body.GasLimit,
		MaxFeePerGas: maxFee,
		Asset:        asset,
		Amount:       amount,
	})
	resp := preflightResponse{OK: result.OK, Reason: result.Reason}
	if result.Required != nil {
		resp.Required = result.Required.Dec()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseUintParam("id", chi.URLParam(r, "id"))
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	req, err := s.orch.Request(id)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRequestView(req))
}

func (s *Server) handleUserRequests(w http.ResponseWriter, r *http.Request) {
	user, err := types.ParseAccount(chi.URLParam(r, "user"))
	if err != nil {
		writeOrchestratorError(w, validationErr(err))
		return
	}
	reqs := s.orch.RequestsByUser(user)
	out := make([]requestView, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, newRequestView(req))
	}
	writeJSON(w, http.StatusOK, out)
}

type estimateResponse struct {
	GasCost     string `json:"gasCost"`
	PlatformFee string `json:"platformFee"`
	ProviderFee string `json:"providerFee"`
	Total       string `json:"total"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	network, err := parseUintParam("network", q.Get("network"))
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	gasLimit, err := parseUintParam("gasLimit", q.Get("gasLimit"))
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	maxFee, err := parseAmount("maxFeePerGas", q.Get("maxFeePerGas"))
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	breakdown, err := s.orch.EstimateFees(network, gasLimit, maxFee)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, estimateResponse{
		GasCost:     amountString(breakdown.GasCost),
		PlatformFee: amountString(breakdown.PlatformFee),
		ProviderFee: amountString(breakdown.ProviderFee),
		Total:       amountString(breakdown.Total),
	})
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	network, err := parseUintParam("network", q.Get("network"))
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	priority, err := types.ParsePriority(q.Get("priority"))
	if err != nil {
		writeOrchestratorError(w, validationErr(err))
		return
	}
	fee, err := s.orch.SuggestFee(network, priority)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"priority": priority.String(), "maxFeePerGas": fee.Dec()})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.QueueStats())
}

type performanceResponse struct {
	TotalProcessed         uint64 `json:"totalProcessed"`
	TotalSucceeded         uint64 `json:"totalSucceeded"`
	TotalFailed            uint64 `json:"totalFailed"`
	TotalGasUsed           uint64 `json:"totalGasUsed"`
	AverageExecutionTimeMs int64  `json:"averageExecutionTimeMs"`
	SuccessRateBps         uint64 `json:"successRateBps"`
}

func (s *Server) handlePerformance(w http.ResponseWriter, _ *http.Request) {
	m := s.orch.PerformanceMetrics()
	writeJSON(w, http.StatusOK, performanceResponse{
		TotalProcessed:         m.TotalProcessed,
		TotalSucceeded:         m.TotalSucceeded,
		TotalFailed:            m.TotalFailed,
		TotalGasUsed:           m.TotalGasUsed,
		AverageExecutionTimeMs: m.AverageExecutionTime.Milliseconds(),
		SuccessRateBps:         m.SuccessRateBps,
	})
}

func (s *Server) handleExecuteNext(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.orch.ExecuteNext(r.Context(), callerFrom(r.Context()))
	if errors.Is(err, core.ErrQueueEmpty) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOutcomeView(outcome))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id, err := parseUintParam("id", chi.URLParam(r, "id"))
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	outcome, err := s.orch.Execute(r.Context(), callerFrom(r.Context()), id)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOutcomeView(outcome))
}

type batchRequest struct {
	IDs []uint64 `json:"ids"`
}

func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	outcomes, err := s.orch.ExecuteBatch(r.Context(), callerFrom(r.Context()), body.IDs)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	out := make([]outcomeView, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, newOutcomeView(o))
	}
	writeJSON(w, http.StatusOK, out)
}

// observe records per-route latency once chi has resolved the pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		observability.HTTP().Observe(route, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket handshake take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
