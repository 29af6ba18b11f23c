package state

import (
	"fmt"
	"sort"

	"GratisLedger/internal/ledger"
	fpmath "GratisLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// IntentKind identifies what an outbound transfer settles
type IntentKind uint8

const (
	IntentBorrowDisbursement IntentKind = iota
	IntentCollateralReturn
	IntentLoanClose
	IntentRefund
	IntentPoolWithdrawal
)

var intentKindNames = map[IntentKind]string{
	IntentBorrowDisbursement: "borrow_disbursement",
	IntentCollateralReturn:   "collateral_return",
	IntentLoanClose:          "loan_close",
	IntentRefund:             "refund",
	IntentPoolWithdrawal:     "pool_withdrawal",
}

func (k IntentKind) String() string {
	if name, ok := intentKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("intent_kind(%d)", uint8(k))
}

// ParseIntentKind is the inverse of IntentKind.String
func ParseIntentKind(s string) (IntentKind, error) {
	for k, name := range intentKindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown intent kind %q", s)
}

type IntentStatus uint8

const (
	IntentPending IntentStatus = iota
	IntentCommitted
	IntentRolledBack
	IntentFailed
)

func (s IntentStatus) String() string {
	switch s {
	case IntentPending:
		return "pending"
	case IntentCommitted:
		return "committed"
	case IntentRolledBack:
		return "rolled_back"
	case IntentFailed:
		return "failed"
	default:
		return fmt.Sprintf("intent_status(%d)", uint8(s))
	}
}

var transferNamespace = uuid.MustParse("a3c9e1f4-7b2d-5c6e-8f90-1b2c3d4e5f60")

// NewTransferID derives the transfer id from the originating event's
// idempotency key, so replaying the event yields the same id.
func NewTransferID(idempotencyKey string, kind IntentKind) uuid.UUID {
	return uuid.NewSHA1(transferNamespace, []byte(idempotencyKey+":"+kind.String()))
}

// TransferIntent is a provisional change waiting on an external transfer
type TransferIntent struct {
	TransferID          uuid.UUID
	Kind                IntentKind
	Account             string
	Asset               ledger.AssetID
	Amount              uint256.Int
	Status              IntentStatus
	WithdrawalRequestID *uint64          // PoolWithdrawal only
	CollateralRatio     *fpmath.Fraction // CollateralReturn / LoanClose: ratio to reopen with
	EventRef            string           // idempotency key of the originating event
	CreatedSequence     int64
}

func (ti *TransferIntent) clone() *TransferIntent {
	c := *ti
	if ti.WithdrawalRequestID != nil {
		id := *ti.WithdrawalRequestID
		c.WithdrawalRequestID = &id
	}
	if ti.CollateralRatio != nil {
		r := *ti.CollateralRatio
		c.CollateralRatio = &r
	}
	return &c
}

// IntentBook holds pending and failed intents. Committed and rolled-back
// intents are dropped once settled; their history is in the event log.
type IntentBook struct {
	intents map[uuid.UUID]*TransferIntent
}

func NewIntentBook() *IntentBook {
	return &IntentBook{intents: make(map[uuid.UUID]*TransferIntent)}
}

// Record stores a new pending intent
func (ib *IntentBook) Record(intent TransferIntent) error {
	if _, exists := ib.intents[intent.TransferID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTransfer, intent.TransferID)
	}
	intent.Status = IntentPending
	ib.intents[intent.TransferID] = intent.clone()
	return nil
}

// Get returns a copy of an intent
func (ib *IntentBook) Get(id uuid.UUID) (TransferIntent, bool) {
	ti, ok := ib.intents[id]
	if !ok {
		return TransferIntent{}, false
	}
	return *ti.clone(), true
}

// Lookup returns the pending intent for id without settling it
func (ib *IntentBook) Lookup(id uuid.UUID) (TransferIntent, error) {
	ti, ok := ib.intents[id]
	if !ok || ti.Status != IntentPending {
		return TransferIntent{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	return *ti.clone(), nil
}

// Settle moves a pending intent to its final status. Only Failed intents are
// retained afterwards.
func (ib *IntentBook) Settle(id uuid.UUID, status IntentStatus) (TransferIntent, error) {
	ti, ok := ib.intents[id]
	if !ok || ti.Status != IntentPending {
		return TransferIntent{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
	}
	if status == IntentPending {
		return TransferIntent{}, fmt.Errorf("cannot settle %s as pending", id)
	}
	ti.Status = status
	settled := *ti.clone()
	if status != IntentFailed {
		delete(ib.intents, id)
	}
	return settled, nil
}

func (ib *IntentBook) filter(status IntentStatus) []TransferIntent {
	var out []TransferIntent
	for _, ti := range ib.intents {
		if ti.Status == status {
			out = append(out, *ti.clone())
		}
	}
	sortIntents(out)
	return out
}

// Pending returns pending intents in creation order
func (ib *IntentBook) Pending() []TransferIntent { return ib.filter(IntentPending) }

// Failed returns intents that need operator attention
func (ib *IntentBook) Failed() []TransferIntent { return ib.filter(IntentFailed) }

func (ib *IntentBook) Len() int { return len(ib.intents) }

// All returns every retained intent in creation order
func (ib *IntentBook) All() []TransferIntent {
	out := make([]TransferIntent, 0, len(ib.intents))
	for _, ti := range ib.intents {
		out = append(out, *ti.clone())
	}
	sortIntents(out)
	return out
}

// Restore replaces all intents. Used only by snapshot restore.
func (ib *IntentBook) Restore(intents []TransferIntent) {
	ib.intents = make(map[uuid.UUID]*TransferIntent, len(intents))
	for i := range intents {
		ib.intents[intents[i].TransferID] = intents[i].clone()
	}
}

func sortIntents(list []TransferIntent) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedSequence != list[j].CreatedSequence {
			return list[i].CreatedSequence < list[j].CreatedSequence
		}
		return list[i].TransferID.String() < list[j].TransferID.String()
	})
}
