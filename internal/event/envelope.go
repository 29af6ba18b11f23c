package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositCollateral
	EventTypeRemoveCollateral
	EventTypeBorrow
	EventTypeRepay
	EventTypeCloseLoan
	EventTypeLiquidate
	EventTypeIncomingTransfer
	EventTypeAddFunds
	EventTypeWithdrawalRequested
	EventTypeProcessNextWithdrawal
	EventTypeTransferResult
	EventTypePricesRefreshRequested
	EventTypePriceDataReceived
	EventTypePriceRequestFailed
)

var eventTypeNames = map[EventType]string{
	EventTypeDepositCollateral:      "DepositCollateral",
	EventTypeRemoveCollateral:       "RemoveCollateral",
	EventTypeBorrow:                 "Borrow",
	EventTypeRepay:                  "Repay",
	EventTypeCloseLoan:              "CloseLoan",
	EventTypeLiquidate:              "Liquidate",
	EventTypeIncomingTransfer:       "IncomingTransfer",
	EventTypeAddFunds:               "AddFunds",
	EventTypeWithdrawalRequested:    "WithdrawalRequested",
	EventTypeProcessNextWithdrawal:  "ProcessNextWithdrawal",
	EventTypeTransferResult:         "TransferResult",
	EventTypePricesRefreshRequested: "PricesRefreshRequested",
	EventTypePriceDataReceived:      "PriceDataReceived",
	EventTypePriceRequestFailed:     "PriceRequestFailed",
}

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Account context (nil for system events)
	AccountID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation (0 = unsequenced)
	SourceSequence int64

	// JSON wire encoding of the event, filled in by the output bridge
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// AccountID returns the account context (nil for system events)
	AccountID() *string

	// SourceSequence returns the upstream ordering key. Zero means the
	// source does not sequence its events.
	SourceSequence() int64

	// OccurredAt returns the versioned input timestamp
	OccurredAt() time.Time
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of EventType.String
func ParseEventType(s string) EventType {
	for et, name := range eventTypeNames {
		if name == s {
			return et
		}
	}
	return EventTypeUnknown
}

// AllEventTypes lists every known event type in declaration order.
func AllEventTypes() []EventType {
	out := make([]EventType, 0, len(eventTypeNames))
	for et := EventTypeDepositCollateral; et <= EventTypePriceRequestFailed; et++ {
		out = append(out, et)
	}
	return out
}

func account(s string) *string {
	a := s
	return &a
}
