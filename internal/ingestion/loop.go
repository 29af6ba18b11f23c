package ingestion

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"GratisLedger/internal/core"
)

// RunIngestionLoop parses raw JetStream messages and submits them to the core.
//
// Messages are acked once the core has answered, whatever the answer: a
// rejected command is final and redelivery would only reject it again.
// Unparseable messages are acked and dropped. A message is nakked only when
// shutdown interrupts the submission.
func RunIngestionLoop(ctx context.Context, rawChan <-chan RawEvent, submit Submitter, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}
			handleRaw(ctx, raw, submit, logger)
		}
	}
}

func handleRaw(ctx context.Context, raw RawEvent, submit Submitter, logger zerolog.Logger) {
	eventType := raw.EventType
	if eventType == "" {
		eventType = ResolveEventType(raw.Subject, DefaultSubjects())
	}
	if eventType == "" {
		logger.Warn().Str("subject", raw.Subject).Msg("unknown NATS subject")
		ack(raw)
		return
	}

	evt, err := ParseRawEvent(raw, eventType)
	if err != nil {
		logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
		ack(raw)
		return
	}

	receipt, err := submit(ctx, evt)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if raw.NakFunc != nil {
				raw.NakFunc()
			}
			return
		}
		logger.Info().Err(err).
			Str("event_type", eventType).
			Str("key", evt.IdempotencyKey()).
			Msg("event rejected by core")
	} else if receipt.Outcome == core.OutcomeDuplicate {
		logger.Debug().Str("key", evt.IdempotencyKey()).Msg("duplicate event acknowledged")
	}
	ack(raw)
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
