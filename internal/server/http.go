package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"

	"GratisLedger/internal/core"
	"GratisLedger/internal/ingestion"
	"GratisLedger/internal/observability"
	"GratisLedger/internal/query"
)

const maxBodyBytes = 1 << 16

// Deps holds everything the HTTP surface serves.
type Deps struct {
	Commands *ingestion.CommandService
	Queries  *query.QueryService
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics // optional

	// Snapshot takes a snapshot now and returns its sequence. Optional.
	Snapshot func(ctx context.Context) (int64, error)

	Logger zerolog.Logger
}

// CommandResponse reports what the core did with a command.
type CommandResponse struct {
	Outcome   string `json:"outcome"`
	Sequence  *int64 `json:"sequence,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse mirrors the gateway's status body.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type endpoint func(r *http.Request, params map[string]string) (any, error)

type commandFunc func(ctx context.Context, account string, req ingestion.CommandRequest) (core.Receipt, error)

type httpAPI struct {
	deps      Deps
	mux       *runtime.ServeMux
	marshaler runtime.Marshaler
}

// NewHTTPHandler builds the HTTP/JSON surface: command and query routes on a
// gateway mux, plus the health endpoints.
func NewHTTPHandler(deps Deps) (http.Handler, error) {
	api := &httpAPI{deps: deps, mux: runtime.NewServeMux(), marshaler: &runtime.JSONBuiltin{}}
	if err := api.registerRoutes(); err != nil {
		return nil, err
	}

	root := http.NewServeMux()
	if deps.Health != nil {
		root.HandleFunc("/healthz", deps.Health.LivenessHandler)
		root.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	}
	root.Handle("/", api.mux)
	return root, nil
}

func (a *httpAPI) registerRoutes() error {
	c := a.deps.Commands
	q := a.deps.Queries

	routes := []struct {
		method, pattern, name string
		fn                    endpoint
	}{
		{http.MethodPost, "/v1/loans/{account}/deposit", "deposit", a.command(c.Deposit)},
		{http.MethodPost, "/v1/loans/{account}/remove-collateral", "remove_collateral", a.command(c.RemoveCollateral)},
		{http.MethodPost, "/v1/loans/{account}/borrow", "borrow", a.command(c.Borrow)},
		{http.MethodPost, "/v1/loans/{account}/repay", "repay", a.command(c.Repay)},
		{http.MethodPost, "/v1/loans/{account}/close", "close", a.command(c.CloseLoan)},
		{http.MethodPost, "/v1/loans/{account}/liquidate", "liquidate", a.command(c.Liquidate)},
		{http.MethodPost, "/v1/pool/{account}/lend", "lend", a.command(c.Lend)},
		{http.MethodPost, "/v1/pool/{account}/withdrawals", "request_withdrawal", a.command(c.RequestWithdrawal)},
		{http.MethodPost, "/v1/pool/withdrawals/process", "process_withdrawal", a.processWithdrawal},
		{http.MethodPost, "/v1/prices/refresh", "refresh_prices", a.refreshPrices},

		{http.MethodGet, "/v1/loans", "list_loans", func(*http.Request, map[string]string) (any, error) {
			return q.ListLoans()
		}},
		{http.MethodGet, "/v1/loans/{account}", "get_loan", func(_ *http.Request, p map[string]string) (any, error) {
			return q.GetLoan(p["account"])
		}},
		{http.MethodGet, "/v1/pool/lenders/{account}", "get_lender", func(_ *http.Request, p map[string]string) (any, error) {
			return q.GetLender(p["account"])
		}},
		{http.MethodGet, "/v1/pool/queue", "withdrawal_queue", func(*http.Request, map[string]string) (any, error) {
			return q.GetWithdrawalQueue()
		}},
		{http.MethodGet, "/v1/pool/queue/{id}/depth", "queue_depth", a.queueDepth},
		{http.MethodGet, "/v1/pools/protocol", "protocol_pools", func(*http.Request, map[string]string) (any, error) {
			return q.GetProtocolPools(), nil
		}},
		{http.MethodGet, "/v1/prices", "prices", func(*http.Request, map[string]string) (any, error) {
			return q.GetPrices(), nil
		}},
		{http.MethodGet, "/v1/transfers/pending", "transfers", func(*http.Request, map[string]string) (any, error) {
			return q.GetTransfers(), nil
		}},
		{http.MethodGet, "/v1/accounts/{account}/balances", "balances", func(_ *http.Request, p map[string]string) (any, error) {
			return q.AccountBalances(p["account"])
		}},
		{http.MethodGet, "/v1/accounts/{account}/journal", "journal", a.journal},
		{http.MethodGet, "/v1/status", "status", func(r *http.Request, _ map[string]string) (any, error) {
			return q.GetStatus(r.Context()), nil
		}},
		{http.MethodGet, "/v1/admin/integrity", "verify_integrity", func(r *http.Request, _ map[string]string) (any, error) {
			return q.VerifyIntegrity(r.Context())
		}},
		{http.MethodPost, "/v1/admin/snapshots", "take_snapshot", a.takeSnapshot},
	}

	for _, rt := range routes {
		if err := a.mux.HandlePath(rt.method, rt.pattern, a.wrap(rt.name, rt.fn)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// wrap turns an endpoint into a gateway handler that writes JSON and records
// per-route metrics.
func (a *httpAPI) wrap(name string, fn endpoint) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		body, err := fn(r, params)

		code := http.StatusOK
		if err != nil {
			class := classify(err)
			code = class.HTTPStatus
			if class == classInternal {
				a.deps.Logger.Error().Err(err).Str("route", name).Msg("request failed")
			}
			if m := a.deps.Metrics; m != nil {
				m.QueryErrors.WithLabelValues(name, class.Kind).Inc()
			}
			body = ErrorResponse{Code: int(class.Code), Kind: class.Kind, Message: err.Error()}
		}
		code = a.writeJSON(w, name, code, body)

		if m := a.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(name, strconv.Itoa(code)).Inc()
			m.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}
}

// writeJSON writes body with the gateway's JSON marshaler and returns the
// status actually sent. A body that cannot be encoded becomes a 500.
func (a *httpAPI) writeJSON(w http.ResponseWriter, route string, code int, body any) int {
	data, err := a.marshaler.Marshal(body)
	if err != nil {
		a.deps.Logger.Error().Err(err).Str("route", route).Msg("encode response")
		code = http.StatusInternalServerError
		data, _ = a.marshaler.Marshal(ErrorResponse{
			Code:    int(classInternal.Code),
			Kind:    classInternal.Kind,
			Message: "response encoding failed",
		})
	}
	w.Header().Set("Content-Type", a.marshaler.ContentType(body))
	w.WriteHeader(code)
	if _, err := w.Write(append(data, '\n')); err != nil {
		a.deps.Logger.Debug().Err(err).Str("route", route).Msg("write response")
	}
	return code
}

// decodeCommand reads an optional JSON body
func decodeCommand(r *http.Request) (ingestion.CommandRequest, error) {
	var req ingestion.CommandRequest
	if r.Body == nil {
		return req, nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("%w: body: %v", ingestion.ErrInvalidCommand, err)
	}
	return req, nil
}

func commandResponse(receipt core.Receipt) CommandResponse {
	resp := CommandResponse{Outcome: receipt.Outcome.String()}
	if receipt.Outcome == core.OutcomeApplied {
		seq := receipt.Sequence
		resp.Sequence = &seq
	}
	return resp
}

func (a *httpAPI) command(fn commandFunc) endpoint {
	return func(r *http.Request, p map[string]string) (any, error) {
		req, err := decodeCommand(r)
		if err != nil {
			return nil, err
		}
		receipt, err := fn(r.Context(), p["account"], req)
		if err != nil {
			return nil, err
		}
		return commandResponse(receipt), nil
	}
}

func (a *httpAPI) processWithdrawal(r *http.Request, _ map[string]string) (any, error) {
	req, err := decodeCommand(r)
	if err != nil {
		return nil, err
	}
	receipt, err := a.deps.Commands.ProcessNextWithdrawal(r.Context(), r.URL.Query().Get("caller"), req)
	if err != nil {
		return nil, err
	}
	return commandResponse(receipt), nil
}

func (a *httpAPI) refreshPrices(r *http.Request, _ map[string]string) (any, error) {
	requestID, receipt, err := a.deps.Commands.RefreshPrices(r.Context())
	if err != nil {
		return nil, err
	}
	resp := commandResponse(receipt)
	resp.RequestID = requestID
	return resp, nil
}

func (a *httpAPI) queueDepth(_ *http.Request, p map[string]string) (any, error) {
	id, err := strconv.ParseUint(p["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: request id %q", query.ErrInvalidQuery, p["id"])
	}
	return a.deps.Queries.GetQueueDepth(id)
}

func (a *httpAPI) journal(r *http.Request, p map[string]string) (any, error) {
	values := r.URL.Query()

	limit := 0
	if s := values.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: limit %q", query.ErrInvalidQuery, s)
		}
		limit = n
	}

	var before *int64
	if s := values.Get("before"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: before %q", query.ErrInvalidQuery, s)
		}
		before = &n
	}

	return a.deps.Queries.GetJournalHistory(r.Context(), p["account"], limit, before)
}

type snapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

func (a *httpAPI) takeSnapshot(r *http.Request, _ map[string]string) (any, error) {
	if a.deps.Snapshot == nil {
		return nil, fmt.Errorf("%w: snapshots", query.ErrHistoryUnavailable)
	}
	seq, err := a.deps.Snapshot(r.Context())
	if err != nil {
		return nil, err
	}
	return snapshotResponse{Sequence: seq}, nil
}
