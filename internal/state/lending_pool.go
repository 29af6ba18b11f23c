package state

import (
	"fmt"
	"math/bits"
	"sort"

	fpmath "GratisLedger/internal/math"
	"GratisLedger/internal/queue"

	"github.com/holiman/uint256"
)

// LenderEntry is a lender's pool contribution and open withdrawal requests
type LenderEntry struct {
	AmountInLendingPool         uint256.Int
	PendingWithdrawalRequestIDs []uint64 // request order
}

func (e *LenderEntry) clone() *LenderEntry {
	c := &LenderEntry{PendingWithdrawalRequestIDs: append([]uint64(nil), e.PendingWithdrawalRequestIDs...)}
	c.AmountInLendingPool.Set(&e.AmountInLendingPool)
	return c
}

func (e *LenderEntry) removeRequest(id uint64) {
	for i, pending := range e.PendingWithdrawalRequestIDs {
		if pending == id {
			e.PendingWithdrawalRequestIDs = append(e.PendingWithdrawalRequestIDs[:i], e.PendingWithdrawalRequestIDs[i+1:]...)
			return
		}
	}
}

type WithdrawalRequest struct {
	AccountID string
	Amount    uint256.Int
}

// QueuedWithdrawal is one queue position as seen by queries
type QueuedWithdrawal struct {
	RequestID uint64
	AccountID string
	Amount    uint256.Int
}

// WithdrawalSettlement is the outcome of a confirmed withdrawal transfer.
// FromPool + Shortfall == Amount; Shortfall is non-zero only when earlier
// withdrawals already drained the lender's balance.
type WithdrawalSettlement struct {
	RequestID uint64
	AccountID string
	Amount    *uint256.Int
	FromPool  *uint256.Int
	Shortfall *uint256.Int
	Success   bool
}

// LendingPool tracks lender balances and the FIFO withdrawal queue.
// Each request id is in at most one of {queue, in-flight}.
type LendingPool struct {
	lenders       map[string]*LenderEntry
	requests      map[uint64]*WithdrawalRequest
	inFlight      map[uint64]struct{}
	nextRequestID uint64
	queue         *queue.List[uint64]
}

func NewLendingPool(q *queue.List[uint64]) *LendingPool {
	return &LendingPool{
		lenders:  make(map[string]*LenderEntry),
		requests: make(map[uint64]*WithdrawalRequest),
		inFlight: make(map[uint64]struct{}),
		queue:    q,
	}
}

// AddFunds credits a lender, creating the entry on first use
func (lp *LendingPool) AddFunds(lender string, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrInvalidAmount
	}
	entry, exists := lp.lenders[lender]
	current := new(uint256.Int)
	if exists {
		current = &entry.AmountInLendingPool
	}
	total, err := fpmath.CheckedAdd(current, amount)
	if err != nil {
		return fmt.Errorf("lending pool for %s: %w", lender, err)
	}
	if !exists {
		entry = &LenderEntry{}
		lp.lenders[lender] = entry
	}
	entry.AmountInLendingPool.Set(total)
	return nil
}

// RequestWithdrawal queues a withdrawal. The pool balance is only deducted
// once the transfer is confirmed.
func (lp *LendingPool) RequestWithdrawal(lender string, amount *uint256.Int) (uint64, error) {
	if amount.IsZero() {
		return 0, ErrInvalidAmount
	}
	entry, ok := lp.lenders[lender]
	if !ok || amount.Gt(&entry.AmountInLendingPool) {
		return 0, ErrInsufficientPoolBalance
	}
	// Checked increment before any mutation: the id after this one must exist.
	id := lp.nextRequestID
	next, carry := bits.Add64(id, 1, 0)
	if carry != 0 {
		return 0, ErrRequestIDOverflow
	}
	if err := lp.queue.Enqueue(id); err != nil {
		return 0, fmt.Errorf("enqueue withdrawal %d: %w", id, err)
	}

	lp.nextRequestID = next
	req := &WithdrawalRequest{AccountID: lender}
	req.Amount.Set(amount)
	lp.requests[id] = req
	entry.PendingWithdrawalRequestIDs = append(entry.PendingWithdrawalRequestIDs, id)
	return id, nil
}

// ProcessNextWithdrawalRequest pops the first live request and marks it
// in-flight. Ghost ids are skipped. found is false on an empty queue.
func (lp *LendingPool) ProcessNextWithdrawalRequest() (id uint64, req WithdrawalRequest, found bool, err error) {
	for {
		next, ok, err := lp.queue.Dequeue()
		if err != nil {
			return 0, WithdrawalRequest{}, false, fmt.Errorf("dequeue withdrawal: %w", err)
		}
		if !ok {
			return 0, WithdrawalRequest{}, false, nil
		}
		live, exists := lp.requests[next]
		if !exists {
			continue
		}
		lp.inFlight[next] = struct{}{}
		return next, *live, true, nil
	}
}

// OnWithdrawalTransferResult settles an in-flight request. On failure the id
// goes back to the head of the queue so it keeps its turn.
func (lp *LendingPool) OnWithdrawalTransferResult(id uint64, success bool) (WithdrawalSettlement, error) {
	if _, ok := lp.inFlight[id]; !ok {
		return WithdrawalSettlement{}, fmt.Errorf("%w: request %d is not in flight", ErrRequestNotFound, id)
	}
	req, ok := lp.requests[id]
	if !ok {
		return WithdrawalSettlement{}, fmt.Errorf("%w: request %d", ErrRequestNotFound, id)
	}

	s := WithdrawalSettlement{
		RequestID: id,
		AccountID: req.AccountID,
		Amount:    new(uint256.Int).Set(&req.Amount),
		FromPool:  new(uint256.Int),
		Shortfall: new(uint256.Int),
		Success:   success,
	}

	if !success {
		if err := lp.queue.Prepend(id); err != nil {
			return WithdrawalSettlement{}, fmt.Errorf("requeue withdrawal %d: %w", id, err)
		}
		delete(lp.inFlight, id)
		return s, nil
	}

	delete(lp.inFlight, id)
	delete(lp.requests, id)
	if entry, ok := lp.lenders[req.AccountID]; ok {
		entry.removeRequest(id)
		s.FromPool.Set(&req.Amount)
		if s.FromPool.Gt(&entry.AmountInLendingPool) {
			s.FromPool.Set(&entry.AmountInLendingPool)
		}
		s.Shortfall.Sub(&req.Amount, s.FromPool)
		entry.AmountInLendingPool.Sub(&entry.AmountInLendingPool, s.FromPool)
	} else {
		s.Shortfall.Set(&req.Amount)
	}
	return s, nil
}

// === Queries ===

func (lp *LendingPool) QueueLen() uint32 { return lp.queue.Len() }

// QueueEntries lists live queued requests in FIFO order
func (lp *LendingPool) QueueEntries() ([]QueuedWithdrawal, error) {
	var out []QueuedWithdrawal
	err := lp.queue.Iter(func(id uint64) bool {
		if req, ok := lp.requests[id]; ok {
			q := QueuedWithdrawal{RequestID: id, AccountID: req.AccountID}
			q.Amount.Set(&req.Amount)
			out = append(out, q)
		}
		return true
	})
	return out, err
}

// QueueOrder returns the raw queued ids, ghosts included
func (lp *LendingPool) QueueOrder() ([]uint64, error) {
	return lp.queue.Values()
}

// WithdrawalQueueDepth sums the amounts strictly ahead of id
func (lp *LendingPool) WithdrawalQueueDepth(id uint64) (*uint256.Int, error) {
	depth := new(uint256.Int)
	found := false
	var sumErr error
	err := lp.queue.Iter(func(queued uint64) bool {
		if queued == id {
			found = true
			return false
		}
		if req, ok := lp.requests[queued]; ok {
			depth, sumErr = fpmath.CheckedAdd(depth, &req.Amount)
			return sumErr == nil
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if sumErr != nil {
		return nil, sumErr
	}
	if !found {
		return nil, fmt.Errorf("%w: request %d is not queued", ErrRequestNotFound, id)
	}
	return depth, nil
}

// InFlight returns in-flight request ids in ascending order
func (lp *LendingPool) InFlight() []uint64 {
	ids := make([]uint64, 0, len(lp.inFlight))
	for id := range lp.inFlight {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (lp *LendingPool) IsInFlight(id uint64) bool {
	_, ok := lp.inFlight[id]
	return ok
}

// Lender returns a copy of the lender's entry
func (lp *LendingPool) Lender(account string) (LenderEntry, bool) {
	e, ok := lp.lenders[account]
	if !ok {
		return LenderEntry{}, false
	}
	return *e.clone(), true
}

func (lp *LendingPool) Request(id uint64) (WithdrawalRequest, bool) {
	r, ok := lp.requests[id]
	if !ok {
		return WithdrawalRequest{}, false
	}
	return *r, true
}

func (lp *LendingPool) NextRequestID() uint64 { return lp.nextRequestID }

// === Snapshot ===

type LenderRecord struct {
	Account string
	Entry   LenderEntry
}

type RequestRecord struct {
	RequestID uint64
	Request   WithdrawalRequest
}

// PoolSnapshot is the persisted form of the lending pool
type PoolSnapshot struct {
	Lenders       []LenderRecord
	Requests      []RequestRecord
	InFlight      []uint64
	QueueOrder    []uint64
	NextRequestID uint64
}

func (lp *LendingPool) Snapshot() (PoolSnapshot, error) {
	order, err := lp.queue.Values()
	if err != nil {
		return PoolSnapshot{}, err
	}
	s := PoolSnapshot{
		InFlight:      lp.InFlight(),
		QueueOrder:    order,
		NextRequestID: lp.nextRequestID,
	}

	accounts := make([]string, 0, len(lp.lenders))
	for a := range lp.lenders {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)
	for _, a := range accounts {
		s.Lenders = append(s.Lenders, LenderRecord{Account: a, Entry: *lp.lenders[a].clone()})
	}

	ids := make([]uint64, 0, len(lp.requests))
	for id := range lp.requests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		s.Requests = append(s.Requests, RequestRecord{RequestID: id, Request: *lp.requests[id]})
	}
	return s, nil
}

// Restore replaces all pool state and rebuilds the kv-backed queue from the
// snapshot order, discarding whatever the store held.
func (lp *LendingPool) Restore(s PoolSnapshot) error {
	if err := lp.queue.Clear(); err != nil {
		return fmt.Errorf("clear withdrawal queue: %w", err)
	}
	for _, id := range s.QueueOrder {
		if err := lp.queue.Enqueue(id); err != nil {
			return fmt.Errorf("rebuild withdrawal queue: %w", err)
		}
	}

	lp.lenders = make(map[string]*LenderEntry, len(s.Lenders))
	for i := range s.Lenders {
		lp.lenders[s.Lenders[i].Account] = s.Lenders[i].Entry.clone()
	}
	lp.requests = make(map[uint64]*WithdrawalRequest, len(s.Requests))
	for _, r := range s.Requests {
		req := r.Request
		lp.requests[r.RequestID] = &req
	}
	lp.inFlight = make(map[uint64]struct{}, len(s.InFlight))
	for _, id := range s.InFlight {
		lp.inFlight[id] = struct{}{}
	}
	lp.nextRequestID = s.NextRequestID
	return nil
}

// ResetQueue empties the kv-backed queue. Called before a full replay so the
// store cannot carry ids from a previous run.
func (lp *LendingPool) ResetQueue() error {
	return lp.queue.Clear()
}
