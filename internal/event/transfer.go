package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Incoming transfer messages
const (
	MessageLend  = "lend"
	MessageClose = "close"
)

// IncomingTransfer is a transfer notification from an asset issuer.
// Message selects lend / close / repay (anything else).
// Idempotency key: the issuer's transfer_id.
type IncomingTransfer struct {
	TransferID string
	Asset      string // issuer contract or oracle id
	Sender     string
	Amount     uint256.Int
	Message    string
	Sequence   int64
	Timestamp  time.Time
}

func (i *IncomingTransfer) IdempotencyKey() string { return i.TransferID }
func (i *IncomingTransfer) EventType() EventType   { return EventTypeIncomingTransfer }
func (i *IncomingTransfer) AccountID() *string     { return account(i.Sender) }
func (i *IncomingTransfer) SourceSequence() int64  { return i.Sequence }
func (i *IncomingTransfer) OccurredAt() time.Time  { return i.Timestamp }

// TransferResult reports the outcome of an outbound transfer intent
type TransferResult struct {
	TransferID uuid.UUID
	Success    bool
	Reason     string
	Timestamp  time.Time
}

func (t *TransferResult) IdempotencyKey() string { return "result:" + t.TransferID.String() }
func (t *TransferResult) EventType() EventType   { return EventTypeTransferResult }
func (t *TransferResult) AccountID() *string     { return nil }
func (t *TransferResult) SourceSequence() int64  { return 0 }
func (t *TransferResult) OccurredAt() time.Time  { return t.Timestamp }
