package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"GratisLedger/internal/core"
	"GratisLedger/internal/event"
	"GratisLedger/internal/ingestion"
	"GratisLedger/internal/observability"
	"GratisLedger/internal/oracle"
	"GratisLedger/internal/query"
	"GratisLedger/internal/server"
	"GratisLedger/internal/state"
	"GratisLedger/internal/testutil"
)

type fixture struct {
	handler http.Handler
	health  *observability.HealthChecker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := testutil.NewCore(t, core.Outputs{})
	testutil.SeedLedger(t, c, &testutil.Clock{})

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan core.Submission)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, in)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	submit := func(ctx context.Context, evt event.Event) (core.Receipt, error) {
		return core.Submit(ctx, in, evt)
	}
	health := observability.NewHealthChecker()
	h, err := server.NewHTTPHandler(server.Deps{
		Commands: ingestion.NewCommandService(submit),
		Queries:  query.NewQueryService(c, nil),
		Health:   health,
		Metrics:  observability.NewMetricsWithRegistry(prometheus.NewRegistry()),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return &fixture{handler: h, health: health}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func TestDepositThenReadLoan(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/v1/loans/carol/deposit", `{"amount":"1000"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "applied", body["outcome"])
	assert.NotNil(t, body["sequence"])

	code, body = f.do(t, http.MethodGet, "/v1/loans/carol", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "995", body["collateral"])
	assert.Equal(t, "0", body["borrowed"])
}

func TestRepeatedCommandIsDuplicate(t *testing.T) {
	f := newFixture(t)
	payload := fmt.Sprintf(`{"command_id":%q,"amount":"500"}`, uuid.NewString())

	code, body := f.do(t, http.MethodPost, "/v1/pool/dave/lend", payload)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "applied", body["outcome"])

	code, body = f.do(t, http.MethodPost, "/v1/pool/dave/lend", payload)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "duplicate", body["outcome"])
	assert.Nil(t, body["sequence"])
}

func TestCommandErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		kind   string
	}{
		{"bad amount", "/v1/loans/alice/deposit", `{"amount":"abc"}`, http.StatusBadRequest, "invalid"},
		{"bad json", "/v1/loans/alice/deposit", `{"amount":`, http.StatusBadRequest, "invalid"},
		{"unknown field", "/v1/loans/alice/deposit", `{"amount":"1","extra":1}`, http.StatusBadRequest, "invalid"},
		{"over borrow", "/v1/loans/alice/borrow", `{"amount":"5000"}`, http.StatusConflict, "conflict"},
		{"no loan", "/v1/loans/nobody/repay", `{"amount":"10"}`, http.StatusNotFound, "not_found"},
		{"liquidator required", "/v1/loans/alice/liquidate", `{}`, http.StatusBadRequest, "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, code, body)
			assert.Equal(t, tt.kind, body["kind"])
		})
	}
}

func TestQueryRoutes(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/v1/pool/queue/0/depth", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "0", body["amount_ahead"])

	code, body = f.do(t, http.MethodGet, "/v1/pool/queue/x/depth", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid", body["kind"])

	code, body = f.do(t, http.MethodGet, "/v1/pool/lenders/bob", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1000", body["amount_in_pool"])

	code, _ = f.do(t, http.MethodGet, "/v1/loans/nobody", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.do(t, http.MethodGet, "/v1/accounts/alice/journal", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", body["kind"])

	code, body = f.do(t, http.MethodGet, "/v1/pools/protocol", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "50", body["fee_pool"])
}

func TestProcessWithdrawalRoute(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/v1/pool/withdrawals/process?caller=ops", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "applied", body["outcome"])

	code, body = f.do(t, http.MethodGet, "/v1/pool/queue", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["entries"], 0)
	assert.Len(t, body["in_flight"], 1)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	f.health.SetReady(true)
	code, _ = f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   codes.Code
	}{
		{fmt.Errorf("deposit: %w", state.ErrInvalidAmount), http.StatusBadRequest, codes.InvalidArgument},
		{fmt.Errorf("borrow: %w", state.ErrUndercollateralized), http.StatusConflict, codes.FailedPrecondition},
		{state.ErrRequestNotFound, http.StatusNotFound, codes.NotFound},
		{oracle.ErrStaleSnapshot, http.StatusServiceUnavailable, codes.Unavailable},
		{oracle.ErrInvalidOracleData, http.StatusBadGateway, codes.Unavailable},
		{state.ErrRequestIDOverflow, http.StatusInternalServerError, codes.Internal},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, codes.DeadlineExceeded},
		{errors.New("boom"), http.StatusInternalServerError, codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, server.HTTPStatus(tt.err), tt.err.Error())
		assert.Equal(t, tt.code, server.GRPCStatus(tt.err).Code(), tt.err.Error())
	}
	assert.Equal(t, codes.OK, server.GRPCStatus(nil).Code())
}
