package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// DepositCollateral records collateral received from an account.
// Idempotency key: command_id.
type DepositCollateral struct {
	CommandID uuid.UUID
	Account   string
	Amount    uint256.Int // collateral minor units, fee not yet taken
	Sequence  int64
	Timestamp time.Time
}

func (d *DepositCollateral) IdempotencyKey() string { return d.CommandID.String() }
func (d *DepositCollateral) EventType() EventType   { return EventTypeDepositCollateral }
func (d *DepositCollateral) AccountID() *string     { return account(d.Account) }
func (d *DepositCollateral) SourceSequence() int64  { return d.Sequence }
func (d *DepositCollateral) OccurredAt() time.Time  { return d.Timestamp }

// RemoveCollateral asks for part of the collateral back
type RemoveCollateral struct {
	CommandID uuid.UUID
	Account   string
	Amount    uint256.Int
	Sequence  int64
	Timestamp time.Time
}

func (r *RemoveCollateral) IdempotencyKey() string { return r.CommandID.String() }
func (r *RemoveCollateral) EventType() EventType   { return EventTypeRemoveCollateral }
func (r *RemoveCollateral) AccountID() *string     { return account(r.Account) }
func (r *RemoveCollateral) SourceSequence() int64  { return r.Sequence }
func (r *RemoveCollateral) OccurredAt() time.Time  { return r.Timestamp }

// Borrow requests a loan-asset disbursement against collateral
type Borrow struct {
	CommandID uuid.UUID
	Account   string
	Amount    uint256.Int // loan minor units
	Sequence  int64
	Timestamp time.Time
}

func (b *Borrow) IdempotencyKey() string { return b.CommandID.String() }
func (b *Borrow) EventType() EventType   { return EventTypeBorrow }
func (b *Borrow) AccountID() *string     { return account(b.Account) }
func (b *Borrow) SourceSequence() int64  { return b.Sequence }
func (b *Borrow) OccurredAt() time.Time  { return b.Timestamp }

// Repay records loan-asset funds received against debt. Excess is refunded.
type Repay struct {
	CommandID uuid.UUID
	Account   string
	Amount    uint256.Int
	Sequence  int64
	Timestamp time.Time
}

func (r *Repay) IdempotencyKey() string { return r.CommandID.String() }
func (r *Repay) EventType() EventType   { return EventTypeRepay }
func (r *Repay) AccountID() *string     { return account(r.Account) }
func (r *Repay) SourceSequence() int64  { return r.Sequence }
func (r *Repay) OccurredAt() time.Time  { return r.Timestamp }

// CloseLoan closes a debt-free loan and returns all collateral
type CloseLoan struct {
	CommandID uuid.UUID
	Account   string
	Sequence  int64
	Timestamp time.Time
}

func (c *CloseLoan) IdempotencyKey() string { return c.CommandID.String() }
func (c *CloseLoan) EventType() EventType   { return EventTypeCloseLoan }
func (c *CloseLoan) AccountID() *string     { return account(c.Account) }
func (c *CloseLoan) SourceSequence() int64  { return c.Sequence }
func (c *CloseLoan) OccurredAt() time.Time  { return c.Timestamp }
