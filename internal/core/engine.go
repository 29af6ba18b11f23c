package core

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"GratisLedger/internal/event"
	"GratisLedger/internal/kv"
	"GratisLedger/internal/ledger"
	"GratisLedger/internal/observability"
	"GratisLedger/internal/oracle"
	"GratisLedger/internal/queue"
	"GratisLedger/internal/state"
	"GratisLedger/internal/transfer"
)

var (
	ErrUnknownEvent      = errors.New("core: unknown event type")
	ErrInvalidEvent      = errors.New("core: invalid event")
	ErrReplayDivergence  = errors.New("core: replay diverged from the event log")
	ErrRequestNotPending = errors.New("core: price request is not pending")
)

// WithdrawalQueuePrefix namespaces the withdrawal list in the kv store
var WithdrawalQueuePrefix = []byte("gratis/withdrawals/")

// Config fixes the core's parameters at construction
type Config struct {
	StartSequence       int64
	Risk                state.RiskParams
	Collateral          oracle.AssetDescriptor
	Loan                oracle.AssetDescriptor
	IdempotencyCapacity int
	GlobalCheckInterval int64 // events between zero-sum checks, default 1000
}

// Outputs are the channels the core feeds. Any of them may be nil.
// Persist, Transfers and PriceRequests are blocking; Projection and Publish
// drop when full.
type Outputs struct {
	Persist       chan<- CoreOutput
	Projection    chan<- CoreOutput
	Publish       chan<- CoreOutput
	Transfers     chan<- transfer.Instruction
	PriceRequests chan<- oracle.PriceRequest
}

// CoreOutput is everything downstream workers need about one applied event
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Event      event.Event
	Batch      *ledger.Batch
	Changes    *StateChanges
	StateDelta []byte
}

// LoanChange carries the post-event loan of a touched account. Loan is nil
// once the loan is closed.
type LoanChange struct {
	Account string
	Loan    *state.Loan
}

type LenderChange struct {
	Account string
	Entry   state.LenderEntry
}

// BalanceChange is the post-event balance of an account a journal touched
type BalanceChange struct {
	Key     ledger.AccountKey
	Balance *big.Int
}

// StateChanges lists the read-model rows an event touched
type StateChanges struct {
	Balances     []BalanceChange
	Loans        []LoanChange
	Lenders      []LenderChange
	QueueChanged bool
	Queue        []state.QueuedWithdrawal
	InFlight     []uint64
}

// Outcome of processing one event
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeDuplicate
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "rejected"
	}
}

// Receipt describes what happened to a processed event. Sequence is the
// global sequence assigned when the event was applied.
type Receipt struct {
	Outcome  Outcome
	Sequence int64
}

// DeterministicCore is the single-threaded event processor. It owns every
// piece of lending state; readers go through the read-locked accessors.
type DeterministicCore struct {
	mu sync.RWMutex

	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	risk              *state.RiskParamsManager
	pools             *state.ProtocolPools
	loans             *state.LoanBook
	lending           *state.LendingPool
	intents           *state.IntentBook
	prices            *oracle.PriceCache
	pendingPrices     map[string]struct{}
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator

	outputs             Outputs
	metrics             *observability.Metrics
	logger              zerolog.Logger
	replaying           bool
	globalCheckInterval int64
}

func NewDeterministicCore(
	cfg Config,
	store kv.Store,
	outputs Outputs,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*DeterministicCore, error) {
	risk, err := state.NewRiskParamsManager(cfg.Risk)
	if err != nil {
		return nil, err
	}
	withdrawals, err := queue.Open[uint64](store, WithdrawalQueuePrefix, queue.Uint64Codec{})
	if err != nil {
		return nil, fmt.Errorf("open withdrawal queue: %w", err)
	}
	idem, err := NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker, metrics, logger)
	if err != nil {
		return nil, err
	}

	balanceTracker := ledger.NewBalanceTracker()
	pools := state.NewProtocolPools()
	interval := cfg.GlobalCheckInterval
	if interval <= 0 {
		interval = 1000
	}

	return &DeterministicCore{
		sequence:            cfg.StartSequence,
		hasher:              NewStateHasher(),
		balanceTracker:      balanceTracker,
		journalGen:          ledger.NewJournalGenerator(balanceTracker),
		validator:           ledger.NewInvariantValidator(balanceTracker),
		risk:                risk,
		pools:               pools,
		loans:               state.NewLoanBook(risk, pools),
		lending:             state.NewLendingPool(withdrawals),
		intents:             state.NewIntentBook(),
		prices:              oracle.NewPriceCache(cfg.Collateral, cfg.Loan),
		pendingPrices:       make(map[string]struct{}),
		idempotency:         idem,
		sequenceValidator:   NewSequenceValidator(metrics, logger),
		outputs:             outputs,
		metrics:             metrics,
		logger:              logger,
		globalCheckInterval: interval,
	}, nil
}

// effects collects what an event touched and what it must emit once applied
type effects struct {
	transfers     []transfer.Instruction
	priceRequests []oracle.PriceRequest
	loans         map[string]struct{}
	lenders       map[string]struct{}
	queueChanged  bool
}

func newEffects() *effects {
	return &effects{
		loans:   make(map[string]struct{}),
		lenders: make(map[string]struct{}),
	}
}

func (fx *effects) touchLoan(account string)   { fx.loans[account] = struct{}{} }
func (fx *effects) touchLender(account string) { fx.lenders[account] = struct{}{} }

// ProcessEvent is the main processing pipeline. A rejected event leaves no
// trace: state, sequence and hash chain are unchanged.
func (c *DeterministicCore) ProcessEvent(evt event.Event) (Receipt, error) {
	start := time.Now()
	eventType := evt.EventType().String()

	c.mu.Lock()
	output, fx, receipt, err := c.apply(evt)
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug().Err(err).
			Str("event_type", eventType).
			Str("key", evt.IdempotencyKey()).
			Msg("event rejected")
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, rejectReason(err)).Inc()
		}
		return Receipt{Outcome: OutcomeRejected}, err
	}
	if receipt.Outcome == OutcomeDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return receipt, nil
	}

	c.emit(output, fx)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		for _, j := range output.Batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	return receipt, nil
}

func (c *DeterministicCore) apply(evt event.Event) (CoreOutput, *effects, Receipt, error) {
	eventType := evt.EventType().String()
	key := evt.IdempotencyKey()

	// Step 1: idempotency (two-tier)
	if c.idempotency.IsDuplicate(eventType, key) {
		return CoreOutput{}, nil, Receipt{Outcome: OutcomeDuplicate}, nil
	}

	// Step 2: source ordering
	partition := partitionFor(evt)
	if partition != "" {
		if err := c.sequenceValidator.Check(partition, evt.SourceSequence()); err != nil {
			return CoreOutput{}, nil, Receipt{}, err
		}
	}

	// Step 3: dispatch. Handlers validate before they mutate.
	ts := evt.OccurredAt()
	batch := c.journalGen.NewBatch(key, c.sequence, ts.UnixMicro())
	fx := newEffects()
	if err := c.dispatchEvent(evt, batch, fx); err != nil {
		return CoreOutput{}, nil, Receipt{}, err
	}

	// Step 4: validate and apply journals. Empty batches are state-only events.
	if len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch: %v", err))
		}
	}

	// Step 5: invariants
	if err := c.postCheckInvariants(fx); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 6: hash chain and envelope
	digest := c.computeStateDigest(batch, fx)
	prev := c.hasher.GetPrevHash()
	hash := c.hasher.ComputeHash(c.sequence, digest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: key,
		EventType:      evt.EventType(),
		AccountID:      evt.AccountID(),
		Timestamp:      ts,
		SourceSequence: evt.SourceSequence(),
		StateHash:      hash,
		PrevHash:       prev,
	}

	// Step 7: commit bookkeeping
	if partition != "" {
		c.sequenceValidator.Advance(partition, evt.SourceSequence())
	}
	c.idempotency.MarkProcessed(eventType, key)
	receipt := Receipt{Outcome: OutcomeApplied, Sequence: c.sequence}
	c.sequence++

	output := CoreOutput{
		Envelope:   envelope,
		Event:      evt,
		Batch:      batch,
		Changes:    c.collectChanges(batch, fx),
		StateDelta: digest,
	}
	c.updateGauges()
	return output, fx, receipt, nil
}

// emit runs outside the lock so readers are not held up by backpressure.
func (c *DeterministicCore) emit(output CoreOutput, fx *effects) {
	if c.replaying {
		return
	}

	// Persistence: blocking send. The core stalls until the worker drains.
	if c.outputs.Persist != nil {
		c.outputs.Persist <- output
	}

	// Projections and outbound events can be rebuilt from the log; drop on full.
	if c.outputs.Projection != nil {
		select {
		case c.outputs.Projection <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}
	if c.outputs.Publish != nil {
		select {
		case c.outputs.Publish <- output:
		default:
			if c.metrics != nil {
				c.metrics.PublishDrops.Inc()
			}
		}
	}

	if c.outputs.Transfers != nil {
		for _, in := range fx.transfers {
			c.outputs.Transfers <- in
		}
	}
	if c.outputs.PriceRequests != nil {
		for _, req := range fx.priceRequests {
			c.outputs.PriceRequests <- req
		}
	}
}

// partitionFor returns the ordering partition, or "" for unsequenced events.
// Liquidations and queue processing are sequenced by the caller's stream.
func partitionFor(evt event.Event) string {
	if evt.SourceSequence() <= 0 {
		return ""
	}
	switch e := evt.(type) {
	case *event.Liquidate:
		return "account:" + e.Liquidator
	case *event.ProcessNextWithdrawal:
		return "account:" + e.Caller
	}
	if acct := evt.AccountID(); acct != nil {
		return "account:" + *acct
	}
	return "global"
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrOutOfOrder):
		return "out_of_order"
	case errors.Is(err, oracle.ErrStaleSnapshot):
		return "stale_snapshot"
	case errors.Is(err, oracle.ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, oracle.ErrInvalidOracleData):
		return "invalid_oracle_data"
	case errors.Is(err, state.ErrUnknownTransfer):
		return "unknown_transfer"
	default:
		return "validation"
	}
}

func (c *DeterministicCore) collectChanges(batch *ledger.Batch, fx *effects) *StateChanges {
	ch := &StateChanges{QueueChanged: fx.queueChanged}

	for _, key := range touchedAccounts(batch) {
		ch.Balances = append(ch.Balances, BalanceChange{
			Key:     key,
			Balance: c.balanceTracker.GetBalance(key),
		})
	}
	for _, account := range sortedKeys(fx.loans) {
		lc := LoanChange{Account: account}
		if loan, ok := c.loans.GetLoan(account); ok {
			lc.Loan = &loan
		}
		ch.Loans = append(ch.Loans, lc)
	}
	for _, account := range sortedKeys(fx.lenders) {
		entry, _ := c.lending.Lender(account)
		ch.Lenders = append(ch.Lenders, LenderChange{Account: account, Entry: entry})
	}
	if fx.queueChanged {
		entries, err := c.lending.QueueEntries()
		if err != nil {
			c.logger.Error().Err(err).Msg("read withdrawal queue for projection")
		}
		ch.Queue = entries
		ch.InFlight = c.lending.InFlight()
	}
	return ch
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// touchedAccounts returns the accounts a batch moves, ordered by path
func touchedAccounts(batch *ledger.Batch) []ledger.AccountKey {
	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})
	return accounts
}

// computeStateDigest creates canonical bytes for the state hash: balances of
// every account the batch touched, then every touched loan and lender.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch, fx *effects) []byte {
	accounts := touchedAccounts(batch)

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		digest = appendString(digest, key.AccountPath())
		digest = appendBig(digest, c.balanceTracker.GetBalance(key))
	}

	for _, account := range sortedKeys(fx.loans) {
		digest = appendString(digest, "loan:"+account)
		if loan, ok := c.loans.GetLoan(account); ok {
			digest = appendU256(digest, &loan.Collateral)
			digest = appendU256(digest, &loan.Borrowed)
		}
	}
	for _, account := range sortedKeys(fx.lenders) {
		digest = appendString(digest, "lender:"+account)
		if entry, ok := c.lending.Lender(account); ok {
			digest = appendU256(digest, &entry.AmountInLendingPool)
		}
	}
	return digest
}

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)>>8), byte(len(s)))
	return append(buf, s...)
}

func appendBig(buf []byte, v *big.Int) []byte {
	sign := byte(0)
	if v.Sign() < 0 {
		sign = 1
	}
	mag := v.Bytes()
	buf = append(buf, sign, byte(len(mag)))
	return append(buf, mag...)
}

func appendU256(buf []byte, v *uint256.Int) []byte {
	b := v.Bytes32()
	return append(buf, b[:]...)
}

// postCheckInvariants validates invariants after batch application
func (c *DeterministicCore) postCheckInvariants(fx *effects) error {
	for account := range fx.loans {
		expected := new(big.Int)
		if loan, ok := c.loans.GetLoan(account); ok {
			expected = loan.Collateral.ToBig()
		}
		if err := c.validator.ValidateCollateralMatches(account, expected); err != nil {
			return fmt.Errorf("loan collateral: %w", err)
		}
		if err := c.validator.ValidateUserPendingNonNegative(account); err != nil {
			return fmt.Errorf("pending transfer: %w", err)
		}
	}

	for account := range fx.lenders {
		expected := new(big.Int)
		if entry, ok := c.lending.Lender(account); ok {
			expected = entry.AmountInLendingPool.ToBig()
		}
		if actual := c.balanceTracker.GetUserLendingPool(account); actual.Cmp(expected) != 0 {
			return fmt.Errorf("lending pool for %s diverged: ledger=%s pool=%s", account, actual, expected)
		}
	}

	fees := c.balanceTracker.GetBalance(ledger.NewSystemAccountKey(ledger.SubTypeSystemFees, ledger.AssetCollateral))
	if fees.Cmp(c.pools.FeePool.ToBig()) != 0 {
		return fmt.Errorf("fee pool diverged: ledger=%s pool=%s", fees, c.pools.FeePool.Dec())
	}
	liquidated := c.balanceTracker.GetBalance(ledger.NewSystemAccountKey(ledger.SubTypeSystemLiquidatedCollateral, ledger.AssetCollateral))
	if liquidated.Cmp(c.pools.LiquidatedCollateralPool.ToBig()) != 0 {
		return fmt.Errorf("liquidated pool diverged: ledger=%s pool=%s", liquidated, c.pools.LiquidatedCollateralPool.Dec())
	}

	// Periodic zero-sum check
	if c.sequence > 0 && c.sequence%c.globalCheckInterval == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("at seq %d: %w", c.sequence, err)
		}
	}
	return nil
}

func (c *DeterministicCore) updateGauges() {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreSequence.Set(float64(c.sequence))
	c.metrics.LoansOpen.Set(float64(c.loans.Len()))
	c.metrics.FeePool.Set(u256Float(&c.pools.FeePool))
	c.metrics.LiquidatedPool.Set(u256Float(&c.pools.LiquidatedCollateralPool))
	c.metrics.WithdrawalQueueDepth.Set(float64(c.lending.QueueLen()))
	c.metrics.WithdrawalsInFlight.Set(float64(len(c.lending.InFlight())))
	c.metrics.PendingTransferIntents.Set(float64(len(c.intents.Pending())))
}

func u256Float(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
