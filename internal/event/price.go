package event

import (
	"time"

	"GratisLedger/internal/oracle"
)

// PricesRefreshRequested asks the core to issue an oracle price request.
// Idempotency key: request_id.
type PricesRefreshRequested struct {
	RequestID string
	Timestamp time.Time
}

func (p *PricesRefreshRequested) IdempotencyKey() string { return "refresh:" + p.RequestID }
func (p *PricesRefreshRequested) EventType() EventType   { return EventTypePricesRefreshRequested }
func (p *PricesRefreshRequested) AccountID() *string     { return nil }
func (p *PricesRefreshRequested) SourceSequence() int64  { return 0 }
func (p *PricesRefreshRequested) OccurredAt() time.Time  { return p.Timestamp }

// PriceDataReceived carries the oracle's reply to a refresh request.
// Ordered by the snapshot timestamp rather than a source sequence.
type PriceDataReceived struct {
	RequestID string
	Data      oracle.PriceData
	Timestamp time.Time
}

func (p *PriceDataReceived) IdempotencyKey() string { return "prices:" + p.RequestID }
func (p *PriceDataReceived) EventType() EventType   { return EventTypePriceDataReceived }
func (p *PriceDataReceived) AccountID() *string     { return nil }
func (p *PriceDataReceived) SourceSequence() int64  { return 0 }
func (p *PriceDataReceived) OccurredAt() time.Time  { return p.Timestamp }

// PriceRequestFailed reports that the oracle call for a refresh failed
type PriceRequestFailed struct {
	RequestID string
	Reason    string
	Timestamp time.Time
}

func (p *PriceRequestFailed) IdempotencyKey() string { return "prices:" + p.RequestID }
func (p *PriceRequestFailed) EventType() EventType   { return EventTypePriceRequestFailed }
func (p *PriceRequestFailed) AccountID() *string     { return nil }
func (p *PriceRequestFailed) SourceSequence() int64  { return 0 }
func (p *PriceRequestFailed) OccurredAt() time.Time  { return p.Timestamp }
