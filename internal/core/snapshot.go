package core

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/holiman/uint256"

	"GratisLedger/internal/event"
	"GratisLedger/internal/ledger"
	fpmath "GratisLedger/internal/math"
	"GratisLedger/internal/state"
)

// SnapshotState holds the in-memory state needed to resume without replaying
// the whole log.
type SnapshotState struct {
	Sequence             int64 // last applied sequence
	StateHash            [32]byte
	Balances             map[ledger.AccountKey]*big.Int
	Loans                []state.LoanRecord
	Pool                 state.PoolSnapshot
	Intents              []state.TransferIntent
	FeePool              uint256.Int
	LiquidatedPool       uint256.Int
	CollateralPrice      *fpmath.Price
	LoanPrice            *fpmath.Price
	PriceTimestamp       uint64
	PriceRecency         uint32
	PendingPriceRequests []string
	SequenceState        map[string]int64
	IdempotencyKeys      []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() (*SnapshotState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pool, err := c.lending.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot lending pool: %w", err)
	}

	snap := &SnapshotState{
		Sequence:             c.sequence - 1,
		StateHash:            c.hasher.GetPrevHash(),
		Balances:             c.balanceTracker.Snapshot(),
		Loans:                c.loans.Records(),
		Pool:                 pool,
		Intents:              c.intents.All(),
		PriceTimestamp:       c.prices.LastTimestamp(),
		PriceRecency:         c.prices.LastRecency(),
		PendingPriceRequests: c.pendingPriceRequestsLocked(),
		SequenceState:        c.sequenceValidator.Partitions(),
		IdempotencyKeys:      c.idempotency.Keys(),
	}
	snap.FeePool.Set(&c.pools.FeePool)
	snap.LiquidatedPool.Set(&c.pools.LiquidatedCollateralPool)
	if p, err := c.prices.CollateralPrice(); err == nil {
		snap.CollateralPrice = &p
	}
	if p, err := c.prices.LoanPrice(); err == nil {
		snap.LoanPrice = &p
	}
	return snap, nil
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// The withdrawal queue in the kv store is rebuilt from the snapshot order.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.lending.Restore(snap.Pool); err != nil {
		return fmt.Errorf("restore lending pool: %w", err)
	}

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	c.balanceTracker = ledger.NewBalanceTracker()
	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}
	c.journalGen = ledger.NewJournalGenerator(c.balanceTracker)
	c.validator = ledger.NewInvariantValidator(c.balanceTracker)

	c.loans.Restore(snap.Loans)
	c.pools.Restore(&snap.FeePool, &snap.LiquidatedPool)
	c.intents.Restore(snap.Intents)
	c.prices.Restore(snap.CollateralPrice, snap.LoanPrice, snap.PriceTimestamp, snap.PriceRecency)

	c.pendingPrices = make(map[string]struct{}, len(snap.PendingPriceRequests))
	for _, id := range snap.PendingPriceRequests {
		c.pendingPrices[id] = struct{}{}
	}
	c.sequenceValidator.RestorePartitions(snap.SequenceState)
	c.idempotency.WarmFromKeys(snap.IdempotencyKeys)
	c.updateGauges()
	return nil
}

// ResetQueue clears the kv-backed withdrawal list before a full replay from
// genesis, so stale nodes from an earlier run cannot leak in.
func (c *DeterministicCore) ResetQueue() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lending.ResetQueue()
}

// WarmLRU loads recent idempotency keys into the tier-1 cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.WarmFromKeys(keys)
}

// BeginReplay suppresses every side effect and the tier-2 dedup lookup
// while events from the log are re-applied.
func (c *DeterministicCore) BeginReplay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaying = true
	c.idempotency.setReplay(true)
}

func (c *DeterministicCore) EndReplay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaying = false
	c.idempotency.setReplay(false)
}

// ReplayEvent re-applies a logged event and checks it lands on the logged
// sequence and state hash.
func (c *DeterministicCore) ReplayEvent(evt event.Event, sequence int64, stateHash [32]byte) error {
	if got := c.GetSequence(); got != sequence {
		return fmt.Errorf("%w: expected sequence %d, log has %d", ErrReplayDivergence, got, sequence)
	}
	receipt, err := c.ProcessEvent(evt)
	if err != nil {
		return fmt.Errorf("%w: seq %d rejected: %v", ErrReplayDivergence, sequence, err)
	}
	if receipt.Outcome != OutcomeApplied {
		return fmt.Errorf("%w: seq %d was %s", ErrReplayDivergence, sequence, receipt.Outcome)
	}
	if got := c.GetStateHash(); got != stateHash {
		return fmt.Errorf("%w: state hash mismatch at seq %d", ErrReplayDivergence, sequence)
	}
	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

func (c *DeterministicCore) pendingPriceRequestsLocked() []string {
	out := make([]string, 0, len(c.pendingPrices))
	for id := range c.pendingPrices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
