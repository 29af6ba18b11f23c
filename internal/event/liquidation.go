package event

import (
	"time"

	"github.com/google/uuid"
)

// Liquidate seizes an undercollateralized account's collateral.
// When Liquidator == Account the health check is skipped (self-liquidation).
type Liquidate struct {
	CommandID  uuid.UUID
	Account    string // target
	Liquidator string
	Sequence   int64
	Timestamp  time.Time
}

func (l *Liquidate) IdempotencyKey() string { return l.CommandID.String() }
func (l *Liquidate) EventType() EventType   { return EventTypeLiquidate }
func (l *Liquidate) AccountID() *string     { return account(l.Account) }
func (l *Liquidate) SourceSequence() int64  { return l.Sequence }
func (l *Liquidate) OccurredAt() time.Time  { return l.Timestamp }

// IsSelf reports whether the target liquidates itself
func (l *Liquidate) IsSelf() bool { return l.Liquidator == l.Account }
