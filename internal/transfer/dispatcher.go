// Package transfer sends outbound asset transfers to the issuing
// counterparty over NATS request/reply and reports their outcome.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"GratisLedger/internal/observability"
)

const DefaultSubjectPrefix = "gratis.transfers"

var ErrRetriesExhausted = errors.New("transfer: retries exhausted")

// Instruction is one outbound transfer. TransferID is the intent id and is
// echoed back by the counterparty.
type Instruction struct {
	TransferID uuid.UUID
	Kind       string
	Receiver   string
	Asset      string // asset symbol, used as the subject suffix
	Amount     uint256.Int
	Memo       string
}

// Result is the counterparty's verdict on one instruction
type Result struct {
	TransferID uuid.UUID
	Success    bool
	Reason     string
	At         time.Time
}

type wireRequest struct {
	TransferID string `json:"transfer_id"`
	ReceiverID string `json:"receiver_id"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	Memo       string `json:"memo,omitempty"`
}

type wireReply struct {
	TransferID string `json:"transfer_id"`
	Success    bool   `json:"success"`
	Reason     string `json:"reason,omitempty"`
}

// EncodeInstruction renders the request body sent to the counterparty
func EncodeInstruction(in Instruction) ([]byte, error) {
	return json.Marshal(wireRequest{
		TransferID: in.TransferID.String(),
		ReceiverID: in.Receiver,
		Asset:      in.Asset,
		Amount:     in.Amount.Dec(),
		Memo:       in.Memo,
	})
}

// DecodeResult parses a counterparty reply or an asynchronously published
// result.
func DecodeResult(data []byte) (Result, error) {
	var w wireReply
	if err := json.Unmarshal(data, &w); err != nil {
		return Result{}, fmt.Errorf("decode transfer result: %w", err)
	}
	id, err := uuid.Parse(w.TransferID)
	if err != nil {
		return Result{}, fmt.Errorf("transfer result id %q: %w", w.TransferID, err)
	}
	return Result{TransferID: id, Success: w.Success, Reason: w.Reason}, nil
}

// Requester is the subset of *nats.Conn the dispatcher needs
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// ResultHandler receives each settled transfer
type ResultHandler func(ctx context.Context, res Result)

type Config struct {
	SubjectPrefix string
	Timeout       time.Duration
	MaxAttempts   int
	MaxInFlight   int
}

func (c Config) withDefaults() Config {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 64
	}
	return c
}

// Dispatcher drains the core's instruction channel. Each instruction runs on
// its own goroutine so a slow counterparty never stalls the channel.
type Dispatcher struct {
	nc      Requester
	cfg     Config
	in      <-chan Instruction
	handle  ResultHandler
	sem     chan struct{}
	metrics *observability.Metrics
	logger  zerolog.Logger

	// backoff between attempts; tests shrink it
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewDispatcher(
	nc Requester,
	cfg Config,
	in <-chan Instruction,
	handle ResultHandler,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		nc:             nc,
		cfg:            cfg,
		in:             in,
		handle:         handle,
		sem:            make(chan struct{}, cfg.MaxInFlight),
		metrics:        metrics,
		logger:         logger,
		initialBackoff: 100 * time.Millisecond,
		maxBackoff:     30 * time.Second,
	}
}

// Subject returns the request subject for an asset symbol
func (d *Dispatcher) Subject(asset string) string {
	return d.cfg.SubjectPrefix + "." + asset
}

// Run dispatches until ctx is cancelled or the channel closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-d.in:
			if !ok {
				return nil
			}
			go d.dispatch(ctx, in)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, in Instruction) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-d.sem }()

	start := time.Now()
	res, err := d.send(ctx, in)
	if d.metrics != nil {
		d.metrics.TransferDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// The intent stays pending and is re-dispatched on restart.
		d.logger.Error().Err(err).
			Str("transfer_id", in.TransferID.String()).
			Str("kind", in.Kind).
			Msg("transfer not delivered")
		d.observe(in.Kind, "undelivered")
		return
	}

	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	d.observe(in.Kind, outcome)
	d.handle(ctx, res)
}

func (d *Dispatcher) observe(kind, outcome string) {
	if d.metrics != nil {
		d.metrics.TransfersDispatched.WithLabelValues(kind, outcome).Inc()
	}
}

// send makes up to MaxAttempts requests with exponential backoff. Only
// transport errors are retried; a decoded reply is final.
func (d *Dispatcher) send(ctx context.Context, in Instruction) (Result, error) {
	payload, err := EncodeInstruction(in)
	if err != nil {
		return Result{}, err
	}
	subject := d.Subject(in.Asset)
	backoff := d.initialBackoff

	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			d.logger.Warn().Err(lastErr).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Str("transfer_id", in.TransferID.String()).
				Msg("transfer retry")
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > d.maxBackoff {
				backoff = d.maxBackoff
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		msg, err := d.nc.RequestWithContext(reqCtx, subject, payload)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		res, err := DecodeResult(msg.Data)
		if err != nil {
			lastErr = err
			continue
		}
		if res.TransferID != in.TransferID {
			lastErr = fmt.Errorf("reply for %s, expected %s", res.TransferID, in.TransferID)
			continue
		}
		res.At = time.Now().UTC()
		return res, nil
	}
	return Result{}, fmt.Errorf("%w after %d attempts on %s: %v", ErrRetriesExhausted, d.cfg.MaxAttempts, subject, lastErr)
}
