package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// AddFunds credits a lender's share of the lending pool
type AddFunds struct {
	CommandID uuid.UUID
	Account   string
	Amount    uint256.Int // loan minor units
	Sequence  int64
	Timestamp time.Time
}

func (a *AddFunds) IdempotencyKey() string { return a.CommandID.String() }
func (a *AddFunds) EventType() EventType   { return EventTypeAddFunds }
func (a *AddFunds) AccountID() *string     { return account(a.Account) }
func (a *AddFunds) SourceSequence() int64  { return a.Sequence }
func (a *AddFunds) OccurredAt() time.Time  { return a.Timestamp }

// WithdrawalRequested queues a lender's withdrawal from the pool
type WithdrawalRequested struct {
	CommandID uuid.UUID
	Account   string
	Amount    uint256.Int
	Sequence  int64
	Timestamp time.Time
}

func (w *WithdrawalRequested) IdempotencyKey() string { return w.CommandID.String() }
func (w *WithdrawalRequested) EventType() EventType   { return EventTypeWithdrawalRequested }
func (w *WithdrawalRequested) AccountID() *string     { return account(w.Account) }
func (w *WithdrawalRequested) SourceSequence() int64  { return w.Sequence }
func (w *WithdrawalRequested) OccurredAt() time.Time  { return w.Timestamp }

// ProcessNextWithdrawal pops the head of the withdrawal queue. Anyone may
// trigger it.
type ProcessNextWithdrawal struct {
	CommandID uuid.UUID
	Caller    string
	Sequence  int64
	Timestamp time.Time
}

func (p *ProcessNextWithdrawal) IdempotencyKey() string { return p.CommandID.String() }
func (p *ProcessNextWithdrawal) EventType() EventType   { return EventTypeProcessNextWithdrawal }
func (p *ProcessNextWithdrawal) AccountID() *string     { return nil }
func (p *ProcessNextWithdrawal) SourceSequence() int64  { return p.Sequence }
func (p *ProcessNextWithdrawal) OccurredAt() time.Time  { return p.Timestamp }
