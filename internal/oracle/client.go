package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"GratisLedger/internal/observability"
)

const DefaultSubject = "gratis.oracle.get_price_data"

// Fetcher retrieves a price snapshot for the given assets.
type Fetcher interface {
	GetPriceData(ctx context.Context, assetIDs []string) (*PriceData, error)
}

// Client calls get_price_data on the oracle service via NATS request/reply.
type Client struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
}

func NewClient(nc *nats.Conn, subject string, timeout time.Duration) *Client {
	if subject == "" {
		subject = DefaultSubject
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{nc: nc, subject: subject, timeout: timeout}
}

type priceDataRequest struct {
	AssetIDs []string `json:"asset_ids"`
}

func (c *Client) GetPriceData(ctx context.Context, assetIDs []string) (*PriceData, error) {
	payload, err := json.Marshal(priceDataRequest{AssetIDs: assetIDs})
	if err != nil {
		return nil, fmt.Errorf("marshal price request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(reqCtx, c.subject, payload)
	if err != nil {
		return nil, fmt.Errorf("oracle request on %s: %w", c.subject, err)
	}

	var data PriceData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return nil, fmt.Errorf("decode oracle reply: %w", err)
	}
	return &data, nil
}

// ResultHandler receives the outcome of one price request. Exactly one of
// data and err is non-nil.
type ResultHandler func(ctx context.Context, req PriceRequest, data *PriceData, err error)

// Refresher serves price requests emitted by the core, rate-limited so a
// burst of refresh commands cannot flood the oracle.
type Refresher struct {
	fetcher  Fetcher
	requests <-chan PriceRequest
	limiter  *rate.Limiter
	handle   ResultHandler
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewRefresher(
	fetcher Fetcher,
	requests <-chan PriceRequest,
	limiter *rate.Limiter,
	handle ResultHandler,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Refresher {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(time.Second), 1)
	}
	return &Refresher{
		fetcher:  fetcher,
		requests: requests,
		limiter:  limiter,
		handle:   handle,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run serves requests until ctx is cancelled or the request channel closes.
// Each request is served on its own goroutine so the request channel keeps
// draining while a handler waits on the core.
func (r *Refresher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-r.requests:
			if !ok {
				return nil
			}
			if err := r.limiter.Wait(ctx); err != nil {
				return nil
			}
			go r.serve(ctx, req)
		}
	}
}

func (r *Refresher) serve(ctx context.Context, req PriceRequest) {
	start := time.Now()
	data, err := r.fetcher.GetPriceData(ctx, req.AssetIDs)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		r.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("price request failed")
	} else {
		r.logger.Debug().
			Str("request_id", req.RequestID).
			Uint64("timestamp", data.Timestamp).
			Dur("took", time.Since(start)).
			Msg("price data received")
	}
	if r.metrics != nil {
		r.metrics.OracleRequests.WithLabelValues(outcome).Inc()
	}

	r.handle(ctx, req, data, err)
}
