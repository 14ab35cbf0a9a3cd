package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/execgate/errs"
	"github.com/coachpo/execgate/internal/app/breaker"
	"github.com/coachpo/execgate/internal/app/gateway"
	"github.com/coachpo/execgate/internal/app/registry"
	"github.com/coachpo/execgate/internal/app/retry"
	"github.com/coachpo/execgate/internal/domain/order"
	"github.com/coachpo/execgate/internal/domain/venue"
	"github.com/coachpo/execgate/internal/infra/adapters/mock"
	"github.com/coachpo/execgate/internal/infra/config"
)

type testServer struct {
	handler http.Handler
	venue   *mock.Adapter
}

func newTestServer(t *testing.T, script []mock.Outcome, opts ...Option) *testServer {
	t.Helper()
	adapter := mock.New(mock.Options{Seed: 1, Script: script})
	gw, err := gateway.New(registry.New(), map[string]venue.Adapter{adapter.Name(): adapter},
		gateway.WithRetryPolicy(retry.NewPolicy(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, AttemptTimeout: time.Second, Seed: 1})),
		gateway.WithBreakerConfig(breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Minute}),
		gateway.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	require.NoError(t, err)
	return &testServer{handler: NewHandler(config.EnvDev, gw, opts...), venue: adapter}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeRecord(t *testing.T, rec *httptest.ResponseRecorder) order.Record {
	t.Helper()
	var out order.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	require.Equal(t, "error", out.Status)
	return out
}

const marketOrder = `{"decision_id":"dec-1","symbol":"btcusd","direction":"long","order_type":"market","quantity":"0.1"}`

func TestExecuteOrderCreatedThenReplayed(t *testing.T) {
	srv := newTestServer(t, nil)

	first := srv.do(t, http.MethodPost, "/v1/orders", marketOrder)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	rec := decodeRecord(t, first)
	require.Equal(t, "dec-1", rec.DecisionID)
	require.Equal(t, order.StateAcknowledged, rec.State)
	require.NotEmpty(t, rec.VenueOrderID)
	require.Empty(t, first.Header().Get(ErrorCodeHeader))

	replay := srv.do(t, http.MethodPost, "/v1/orders", marketOrder)
	require.Equal(t, http.StatusOK, replay.Code)
	require.Equal(t, rec.VenueOrderID, decodeRecord(t, replay).VenueOrderID)
	require.Equal(t, 1, srv.venue.PlaceCalls())
}

func TestExecuteOrderRejectedStillReturnsRecord(t *testing.T) {
	srv := newTestServer(t, []mock.Outcome{mock.OutcomeReject})

	resp := srv.do(t, http.MethodPost, "/v1/orders", marketOrder)
	require.Equal(t, http.StatusCreated, resp.Code)
	require.Equal(t, string(errs.CodeRejected), resp.Header().Get(ErrorCodeHeader))
	rec := decodeRecord(t, resp)
	require.Equal(t, order.StateRejected, rec.State)
	require.NotEmpty(t, rec.LastError)
}

func TestExecuteOrderValidationErrors(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := srv.do(t, http.MethodPost, "/v1/orders", `{not json`)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	decodeError(t, resp)

	resp = srv.do(t, http.MethodPost, "/v1/orders", `{"symbol":"BTCUSD","direction":"LONG","quantity":"1"}`)
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Equal(t, string(errs.CodeValidation), decodeError(t, resp).Code)

	for _, id := range []string{"stats", "a/b"} {
		resp = srv.do(t, http.MethodPost, "/v1/orders", `{"decision_id":"`+id+`","symbol":"BTCUSD","direction":"LONG","quantity":"1"}`)
		require.Equal(t, http.StatusBadRequest, resp.Code, id)
		require.Equal(t, string(errs.CodeValidation), decodeError(t, resp).Code)
	}
	require.Zero(t, srv.venue.PlaceCalls())
}

func TestInvalidDecisionIsRecordedRejected(t *testing.T) {
	srv := newTestServer(t, nil)
	body := `{"decision_id":"neg","symbol":"BTCUSD","direction":"LONG","quantity":"-1"}`

	resp := srv.do(t, http.MethodPost, "/v1/orders", body)
	require.Equal(t, http.StatusCreated, resp.Code)
	require.Equal(t, string(errs.CodeValidation), resp.Header().Get(ErrorCodeHeader))
	rec := decodeRecord(t, resp)
	require.Equal(t, order.StateRejected, rec.State)
	require.Contains(t, rec.LastError, "quantity")

	got := srv.do(t, http.MethodGet, "/v1/orders/neg", "")
	require.Equal(t, http.StatusOK, got.Code)
	require.Equal(t, rec.LastError, decodeRecord(t, got).LastError)

	replay := srv.do(t, http.MethodPost, "/v1/orders", body)
	require.Equal(t, http.StatusOK, replay.Code)
	require.Equal(t, order.StateRejected, decodeRecord(t, replay).State)

	resp = srv.do(t, http.MethodPost, "/v1/orders", `{"decision_id":"y","venue":"nowhere","symbol":"BTCUSD","direction":"LONG","quantity":"1"}`)
	require.Equal(t, http.StatusCreated, resp.Code)
	require.Equal(t, order.StateRejected, decodeRecord(t, resp).State)
	require.Zero(t, srv.venue.PlaceCalls())
}

func TestExecuteOrderBodyTooLarge(t *testing.T) {
	srv := newTestServer(t, nil, WithMaxBodyBytes(32))
	resp := srv.do(t, http.MethodPost, "/v1/orders", marketOrder)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
}

func TestGetOrder(t *testing.T) {
	srv := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/orders", marketOrder).Code)

	resp := srv.do(t, http.MethodGet, "/v1/orders/dec-1", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, order.StateAcknowledged, decodeRecord(t, resp).State)

	missing := srv.do(t, http.MethodGet, "/v1/orders/unknown", "")
	require.Equal(t, http.StatusNotFound, missing.Code)
	require.Equal(t, string(errs.CodeNotFound), decodeError(t, missing).Code)
}

func TestCancelOrder(t *testing.T) {
	srv := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/orders", marketOrder).Code)

	resp := srv.do(t, http.MethodPost, "/v1/orders/dec-1/cancel", "")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	require.Equal(t, order.StateCancelled, decodeRecord(t, resp).State)

	again := srv.do(t, http.MethodPost, "/v1/orders/dec-1/cancel", "")
	require.Equal(t, http.StatusConflict, again.Code)
	require.Equal(t, string(errs.CodeInvalidTransition), decodeError(t, again).Code)

	missing := srv.do(t, http.MethodPost, "/v1/orders/nope/cancel", "")
	require.Equal(t, http.StatusNotFound, missing.Code)
}

func TestStatisticsAndHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/orders", marketOrder).Code)

	resp := srv.do(t, http.MethodGet, "/v1/orders/stats", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var stats registry.Statistics
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.ByState[order.StateAcknowledged])

	health := srv.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, health.Code)
	var body struct {
		Status string `json:"status"`
		Orders int    `json:"orders"`
		Venues []struct {
			Venue string `json:"venue"`
			State string `json:"state"`
		} `json:"venues"`
	}
	require.NoError(t, json.Unmarshal(health.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, 1, body.Orders)
	require.Len(t, body.Venues, 1)
	require.Equal(t, "mock", body.Venues[0].Venue)
}

func TestHealthDegradedWhenBreakerOpen(t *testing.T) {
	srv := newTestServer(t, []mock.Outcome{mock.OutcomeTransient, mock.OutcomeTransient, mock.OutcomeTransient})
	resp := srv.do(t, http.MethodPost, "/v1/orders", marketOrder)
	require.Equal(t, http.StatusCreated, resp.Code)
	require.NotEmpty(t, resp.Header().Get(ErrorCodeHeader))

	health := srv.do(t, http.MethodGet, "/health", "")
	require.Contains(t, health.Body.String(), `"status":"degraded"`)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, nil)
	resp := srv.do(t, http.MethodGet, "/v1/orders", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.Code)
	require.Equal(t, "POST", resp.Header().Get("Allow"))

	resp = srv.do(t, http.MethodDelete, "/v1/orders/dec-1", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.Code)

	resp = srv.do(t, http.MethodGet, "/v1/orders/dec-1/unknown", "")
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	srv := newTestServer(t, nil, WithMetrics(metrics))

	require.Equal(t, http.StatusCreated, srv.do(t, http.MethodPost, "/v1/orders", marketOrder).Code)
	require.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, "/v1/orders/missing", "").Code)

	resp := srv.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.Code)
	body := resp.Body.String()
	require.Contains(t, body, `execgate_http_requests_total{code="201",method="POST",route="orders"} 1`)
	require.Contains(t, body, `execgate_http_requests_total{code="404",method="GET",route="order_detail"} 1`)
}

func TestStatusForCodes(t *testing.T) {
	cases := map[errs.Code]int{
		errs.CodeValidation:        http.StatusBadRequest,
		errs.CodeNotFound:          http.StatusNotFound,
		errs.CodeInvalidTransition: http.StatusConflict,
		errs.CodeRateLimited:       http.StatusTooManyRequests,
		errs.CodeCircuitOpen:       http.StatusServiceUnavailable,
		errs.CodeTransient:         http.StatusBadGateway,
		errs.CodeRejected:          http.StatusUnprocessableEntity,
		"":                         http.StatusInternalServerError,
	}
	for code, want := range cases {
		require.Equal(t, want, statusFor(code), code)
	}
	require.Equal(t, "2", retryAfterSeconds(1500*time.Millisecond))
	require.Equal(t, "1", retryAfterSeconds(time.Millisecond))
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, nil)
	resp := srv.do(t, http.MethodOptions, "/v1/orders", "")
	require.Equal(t, http.StatusNoContent, resp.Code)
	require.Equal(t, "*", resp.Header().Get("Access-Control-Allow-Origin"))
}
