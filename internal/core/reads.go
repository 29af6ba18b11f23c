package core

import (
	"math/big"

	"github.com/holiman/uint256"

	"GratisLedger/internal/ledger"
	"GratisLedger/internal/oracle"
	"GratisLedger/internal/state"
	"GratisLedger/internal/transfer"
)

// Read accessors. Each takes the read lock, so callers see state between
// events and never mid-apply.

// GetSequence returns the next sequence the core will assign.
func (c *DeterministicCore) GetSequence() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasher.GetPrevHash()
}

func (c *DeterministicCore) LoanStatus(account string) (state.LoanStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loans.Status(account, c.prices)
}

func (c *DeterministicCore) LoanStatuses() ([]state.AccountLoanStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loans.Statuses(c.prices)
}

func (c *DeterministicCore) Loan(account string) (state.Loan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loans.GetLoan(account)
}

// LoanRecords returns copies of every open loan in account order
func (c *DeterministicCore) LoanRecords() []state.LoanRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loans.Records()
}

func (c *DeterministicCore) Lender(account string) (state.LenderEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lending.Lender(account)
}

func (c *DeterministicCore) WithdrawalQueue() ([]state.QueuedWithdrawal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lending.QueueEntries()
}

func (c *DeterministicCore) WithdrawalQueueDepth(id uint64) (*uint256.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lending.WithdrawalQueueDepth(id)
}

func (c *DeterministicCore) WithdrawalsInFlight() []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lending.InFlight()
}

// ProtocolPools returns copies of the fee and liquidated-collateral pools
func (c *DeterministicCore) ProtocolPools() (fee, liquidated *uint256.Int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return new(uint256.Int).Set(&c.pools.FeePool), new(uint256.Int).Set(&c.pools.LiquidatedCollateralPool)
}

// PriceView is a copy of the price cache
type PriceView struct {
	Collateral    oracle.AssetDescriptor
	Loan          oracle.AssetDescriptor
	LastTimestamp uint64
	LastRecency   uint32
}

func (c *DeterministicCore) Prices() PriceView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return PriceView{
		Collateral:    c.prices.Collateral(),
		Loan:          c.prices.Loan(),
		LastTimestamp: c.prices.LastTimestamp(),
		LastRecency:   c.prices.LastRecency(),
	}
}

func (c *DeterministicCore) PendingTransfers() []state.TransferIntent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.intents.Pending()
}

func (c *DeterministicCore) FailedTransfers() []state.TransferIntent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.intents.Failed()
}

func (c *DeterministicCore) PendingPriceRequests() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pendingPriceRequestsLocked()
}

// Balance returns one ledger account balance
func (c *DeterministicCore) Balance(key ledger.AccountKey) *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balanceTracker.GetBalance(key)
}

func (c *DeterministicCore) RiskParams() state.RiskParams {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.risk.Params()
}

// RedispatchPending sends every pending intent's instruction again. Called
// once after replay: transfers are idempotent on their id at the
// counterparty.
func (c *DeterministicCore) RedispatchPending() int {
	c.mu.RLock()
	pending := c.intents.Pending()
	out := make([]transfer.Instruction, 0, len(pending))
	for _, intent := range pending {
		out = append(out, c.instructionFor(intent))
	}
	c.mu.RUnlock()

	if c.outputs.Transfers == nil {
		return 0
	}
	for _, in := range out {
		c.outputs.Transfers <- in
	}
	return len(out)
}
