package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds events
// into the deterministic core via the eventChan.
// JetStream is the primary high-throughput ingestion surface. Each subject
// maps to an event type.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is the parsed-but-untyped event from NATS, ready for the shell
// to validate and convert into a typed event.Event before sending to the core.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // Call to ACK the NATS message after successful processing
	NakFunc   func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to event types
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

const (
	StreamCommands        = "GRATIS_COMMANDS"
	StreamInbound         = "GRATIS_INBOUND"
	StreamTransferResults = "GRATIS_TRANSFER_RESULTS"
	StreamLedgerEvents    = "GRATIS_LEDGER_EVENTS"

	TransferResultsSubject = "gratis.transfers.results"
)

// DefaultSubjects returns the standard subject configuration.
// Commands share one stream; inbound transfers and transfer results have
// their own so they can be retained independently.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "gratis.commands.deposit.>", EventType: "DepositCollateral", ConsumerName: "ledger-deposit", StreamName: StreamCommands},
		{Subject: "gratis.commands.remove_collateral.>", EventType: "RemoveCollateral", ConsumerName: "ledger-remove-collateral", StreamName: StreamCommands},
		{Subject: "gratis.commands.borrow.>", EventType: "Borrow", ConsumerName: "ledger-borrow", StreamName: StreamCommands},
		{Subject: "gratis.commands.repay.>", EventType: "Repay", ConsumerName: "ledger-repay", StreamName: StreamCommands},
		{Subject: "gratis.commands.close.>", EventType: "CloseLoan", ConsumerName: "ledger-close", StreamName: StreamCommands},
		{Subject: "gratis.commands.liquidate.>", EventType: "Liquidate", ConsumerName: "ledger-liquidate", StreamName: StreamCommands},
		{Subject: "gratis.commands.lend.>", EventType: "AddFunds", ConsumerName: "ledger-lend", StreamName: StreamCommands},
		{Subject: "gratis.commands.withdrawal.request.>", EventType: "WithdrawalRequested", ConsumerName: "ledger-wd-request", StreamName: StreamCommands},
		{Subject: "gratis.commands.withdrawal.process.>", EventType: "ProcessNextWithdrawal", ConsumerName: "ledger-wd-process", StreamName: StreamCommands},
		{Subject: "gratis.inbound.transfers.>", EventType: "IncomingTransfer", ConsumerName: "ledger-inbound", StreamName: StreamInbound},
		{Subject: TransferResultsSubject + ".>", EventType: "TransferResult", ConsumerName: "ledger-transfer-results", StreamName: StreamTransferResults},
	}
}

// ResolveEventType finds the event type for a subject by the longest
// matching subject prefix. "" when nothing matches.
func ResolveEventType(subject string, subjects []SubjectConfig) string {
	best, bestType := "", ""
	for _, cfg := range subjects {
		prefix := strings.TrimSuffix(cfg.Subject, ">")
		if strings.HasPrefix(subject, prefix) && len(prefix) > len(best) {
			best, bestType = prefix, cfg.EventType
		}
	}
	return bestType
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType := cfg.EventType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

func streamConfig(name string, subjects ...string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
}

// EnsureStreams creates the inbound JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		streamConfig(StreamCommands, "gratis.commands.>"),
		streamConfig(StreamInbound, "gratis.inbound.>"),
		streamConfig(StreamTransferResults, TransferResultsSubject+".>"),
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("gratisledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
