// Package httpserver exposes the order execution gateway over HTTP.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/execgate/errs"
	"github.com/coachpo/execgate/internal/app/breaker"
	"github.com/coachpo/execgate/internal/app/registry"
	"github.com/coachpo/execgate/internal/domain/order"
	"github.com/coachpo/execgate/internal/infra/config"
)

const (
	defaultMaxBodyBytes int64 = 1 << 20 // 1 MiB

	ordersPath        = "/v1/orders"
	orderDetailPrefix = ordersPath + "/"
	orderStatsPath    = ordersPath + "/stats"
	cancelAction      = "cancel"
	healthPath        = "/health"
	metricsPath       = "/metrics"

	// ErrorCodeHeader carries the error code when an order ends REJECTED or FAILED.
	ErrorCodeHeader = "X-Execgate-Error-Code"
)

// Gateway is the order surface served over HTTP.
type Gateway interface {
	ExecuteOrder(ctx context.Context, d order.Decision) (order.Record, bool, error)
	GetOrder(ctx context.Context, decisionID string) (order.Record, error)
	CancelOrder(ctx context.Context, decisionID string) (order.Record, error)
	Statistics() registry.Statistics
	BreakerStatus() []breaker.Snapshot
}

// Option customises the handler.
type Option func(*httpServer)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *httpServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *httpServer) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithExecuteTimeout bounds an order execution independently of the client
// connection, so a disconnect does not abandon an order mid-retry.
func WithExecuteTimeout(d time.Duration) Option {
	return func(s *httpServer) {
		if d > 0 {
			s.executeTimeout = d
		}
	}
}

// WithMetrics instruments every route and serves /metrics from m.
func WithMetrics(m *Metrics) Option {
	return func(s *httpServer) {
		s.metrics = m
	}
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment    config.Environment
	gateway        Gateway
	logger         *slog.Logger
	maxBodyBytes   int64
	executeTimeout time.Duration
	metrics        *Metrics
}

// NewHandler creates the HTTP handler for order operations.
func NewHandler(environment config.Environment, gateway Gateway, opts ...Option) http.Handler {
	server := &httpServer{
		environment:  environment,
		gateway:      gateway,
		logger:       slog.Default(),
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}
	mux := http.NewServeMux()

	mux.Handle(ordersPath, server.route("orders", map[string]handlerFunc{
		http.MethodPost: server.executeOrder,
	}))
	mux.Handle(orderDetailPrefix, server.instrument("order_detail", http.HandlerFunc(server.handleOrder)))
	mux.Handle(healthPath, server.route("health", map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	if server.metrics != nil {
		mux.Handle(metricsPath, server.metrics.Handler())
	}

	return withCORS(mux)
}

func (s *httpServer) route(name string, handlers map[string]handlerFunc) http.Handler {
	return s.instrument(name, s.methodHandlers(handlers))
}

func (s *httpServer) instrument(name string, next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return s.metrics.Instrument(name, next)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) executeOrder(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r, s.maxBodyBytes)
	var decision order.Decision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		writeDecodeError(w, err)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	if s.executeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.executeTimeout)
		defer cancel()
	}
	rec, created, err := s.gateway.ExecuteOrder(ctx, decision)
	if rec.DecisionID == "" {
		s.writeGatewayError(w, err)
		return
	}
	if err != nil {
		w.Header().Set(ErrorCodeHeader, string(codeOf(err)))
		s.logger.Info("order ended unsuccessfully",
			slog.String("decision_id", rec.DecisionID),
			slog.String("state", string(rec.State)),
			slog.Any("error", err))
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, rec)
}

func (s *httpServer) handleOrder(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == orderStatsPath {
		s.methodHandlers(map[string]handlerFunc{http.MethodGet: s.statistics}).ServeHTTP(w, r)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "decision id required", "")
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	switch {
	case len(parts) == 1:
		s.methodHandlers(map[string]handlerFunc{
			http.MethodGet: func(w http.ResponseWriter, r *http.Request) { s.getOrder(w, r, id) },
		}).ServeHTTP(w, r)
	case len(parts) == 2 && parts[1] == cancelAction:
		s.methodHandlers(map[string]handlerFunc{
			http.MethodPost: func(w http.ResponseWriter, r *http.Request) { s.cancelOrder(w, r, id) },
		}).ServeHTTP(w, r)
	default:
		writeError(w, http.StatusNotFound, "resource not found", "")
	}
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := s.gateway.GetOrder(r.Context(), id)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *httpServer) cancelOrder(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := s.gateway.CancelOrder(r.Context(), id)
	if err != nil {
		s.writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *httpServer) statistics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Statistics())
}

type healthResponse struct {
	Status      string             `json:"status"`
	Environment config.Environment `json:"environment"`
	Orders      int                `json:"orders"`
	Venues      []breaker.Snapshot `json:"venues"`
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	snapshots := s.gateway.BreakerStatus()
	status := "ok"
	for _, snap := range snapshots {
		if snap.State != breaker.StateClosed {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      status,
		Environment: s.environment,
		Orders:      s.gateway.Statistics().Total,
		Venues:      snapshots,
	})
}

func (s *httpServer) writeGatewayError(w http.ResponseWriter, err error) {
	if err == nil {
		writeError(w, http.StatusInternalServerError, "empty result", "")
		return
	}
	code := codeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("order request failed", slog.Any("error", err))
	}
	if retryAfter := errs.RetryAfterOf(err); retryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
	}
	writeError(w, status, err.Error(), code)
}

func codeOf(err error) errs.Code {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.CodeTransient
	}
	return errs.CodeOf(err)
}

func statusFor(code errs.Code) int {
	switch code {
	case errs.CodeValidation:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeInvalidTransition, errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeRejected:
		return http.StatusUnprocessableEntity
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeCircuitOpen, errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errs.CodeTransient:
		return http.StatusBadGateway
	case errs.CodeAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func limitRequestBody(w http.ResponseWriter, r *http.Request, limit int64) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large", errs.CodeValidation)
		return
	}
	writeError(w, http.StatusBadRequest, err.Error(), errs.CodeValidation)
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string, code errs.Code) {
	writeJSON(w, status, errorResponse{Status: "error", Error: message, Code: string(code)})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
