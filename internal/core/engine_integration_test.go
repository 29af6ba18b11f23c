package core_test

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"GratisLedger/internal/core"
	"GratisLedger/internal/event"
	"GratisLedger/internal/kv"
	"GratisLedger/internal/ledger"
	fpmath "GratisLedger/internal/math"
	"GratisLedger/internal/oracle"
	"GratisLedger/internal/state"
	"GratisLedger/internal/transfer"
)

// --- Test helpers ---

const (
	collateralAsset = "wrap.testnet"
	loanAsset       = "usdt.fakes.testnet"
)

type harness struct {
	core      *core.DeterministicCore
	persist   chan core.CoreOutput
	proj      chan core.CoreOutput
	transfers chan transfer.Instruction
	prices    chan oracle.PriceRequest
	store     kv.Store
	clock     int64
	priceTS   uint64
}

func testConfig() core.Config {
	return core.Config{
		Risk:       state.DefaultRiskParams(),
		Collateral: oracle.AssetDescriptor{OracleAssetID: collateralAsset},
		Loan:       oracle.AssetDescriptor{ContractRef: loanAsset, OracleAssetID: loanAsset},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, kv.NewMemoryStore(), 1024)
}

func newHarnessWithStore(t *testing.T, store kv.Store, projSize int) *harness {
	t.Helper()
	h := &harness{
		persist:   make(chan core.CoreOutput, 1024),
		proj:      make(chan core.CoreOutput, projSize),
		transfers: make(chan transfer.Instruction, 1024),
		prices:    make(chan oracle.PriceRequest, 16),
		store:     store,
	}
	c, err := core.NewDeterministicCore(testConfig(), store, core.Outputs{
		Persist:       h.persist,
		Projection:    h.proj,
		Transfers:     h.transfers,
		PriceRequests: h.prices,
	}, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	h.core = c
	return h
}

func (h *harness) now() time.Time {
	h.clock++
	return time.UnixMicro(1_700_000_000_000_000 + h.clock*1000)
}

func (h *harness) mustApply(t *testing.T, evt event.Event) core.Receipt {
	t.Helper()
	r, err := h.core.ProcessEvent(evt)
	if err != nil {
		t.Fatalf("%s rejected: %v", evt.EventType(), err)
	}
	if r.Outcome != core.OutcomeApplied {
		t.Fatalf("%s: expected applied, got %s", evt.EventType(), r.Outcome)
	}
	return r
}

func (h *harness) setPrices(t *testing.T, coll, loan fpmath.Price) {
	t.Helper()
	h.priceTS++
	reqID := uuid.NewString()
	h.mustApply(t, &event.PricesRefreshRequested{RequestID: reqID, Timestamp: h.now()})
	<-h.prices
	h.mustApply(t, &event.PriceDataReceived{
		RequestID: reqID,
		Data: oracle.PriceData{
			Timestamp: h.priceTS,
			Prices: []oracle.AssetOptionalPrice{
				{AssetID: collateralAsset, Price: &coll},
				{AssetID: loanAsset, Price: &loan},
			},
		},
		Timestamp: h.now(),
	})
}

func amt(v uint64) uint256.Int {
	var a uint256.Int
	a.SetUint64(v)
	return a
}

func deposit(h *harness, account string, amount uint64) *event.DepositCollateral {
	return &event.DepositCollateral{CommandID: uuid.New(), Account: account, Amount: amt(amount), Timestamp: h.now()}
}

func borrow(h *harness, account string, amount uint64) *event.Borrow {
	return &event.Borrow{CommandID: uuid.New(), Account: account, Amount: amt(amount), Timestamp: h.now()}
}

func incoming(h *harness, sender, asset, message string, amount uint64) *event.IncomingTransfer {
	return &event.IncomingTransfer{
		TransferID: uuid.NewString(),
		Asset:      asset,
		Sender:     sender,
		Amount:     amt(amount),
		Message:    message,
		Timestamp:  h.now(),
	}
}

func result(h *harness, id uuid.UUID, success bool) *event.TransferResult {
	return &event.TransferResult{TransferID: id, Success: success, Timestamp: h.now()}
}

func (h *harness) nextTransfer(t *testing.T) transfer.Instruction {
	t.Helper()
	select {
	case in := <-h.transfers:
		return in
	default:
		t.Fatal("expected a transfer instruction")
		return transfer.Instruction{}
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func unitPrice() fpmath.Price { return fpmath.NewPrice(1, 0) }

// openLoan deposits 10,000 collateral at unit prices: 9,950 net.
func openLoan(t *testing.T, h *harness, account string) {
	t.Helper()
	h.setPrices(t, unitPrice(), unitPrice())
	h.mustApply(t, deposit(h, account, 10_000))
}

// --- Loans ---

func TestDeposit_SplitsFee(t *testing.T) {
	h := newHarness(t)
	h.mustApply(t, deposit(h, "alice", 10_000))

	loan, ok := h.core.Loan("alice")
	if !ok {
		t.Fatal("loan not created")
	}
	if loan.Collateral.Uint64() != 9_950 {
		t.Errorf("expected collateral 9950, got %s", loan.Collateral.Dec())
	}
	fee, _ := h.core.ProtocolPools()
	if fee.Uint64() != 50 {
		t.Errorf("expected fee pool 50, got %s", fee.Dec())
	}

	outputs := drainOutputs(h.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if n := len(outputs[0].Batch.Journals); n != 2 {
		t.Errorf("expected 2 journals, got %d", n)
	}
	if len(outputs[0].Changes.Loans) != 1 || outputs[0].Changes.Loans[0].Account != "alice" {
		t.Errorf("expected loan change for alice, got %+v", outputs[0].Changes.Loans)
	}
}

func TestBorrow_RespectsCollateralRatio(t *testing.T) {
	h := newHarness(t)
	openLoan(t, h, "alice")

	seqBefore := h.core.GetSequence()
	_, err := h.core.ProcessEvent(borrow(h, "alice", 8_292))
	if !errors.Is(err, state.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if h.core.GetSequence() != seqBefore {
		t.Error("rejected event advanced the sequence")
	}

	b := borrow(h, "alice", 8_291)
	h.mustApply(t, b)
	loan, _ := h.core.Loan("alice")
	if loan.Borrowed.Uint64() != 8_291 {
		t.Errorf("expected borrowed 8291, got %s", loan.Borrowed.Dec())
	}

	in := h.nextTransfer(t)
	if in.Asset != loanAsset || in.Receiver != "alice" || in.Amount.Uint64() != 8_291 {
		t.Errorf("unexpected instruction %+v", in)
	}
	if in.TransferID != state.NewTransferID(b.IdempotencyKey(), state.IntentBorrowDisbursement) {
		t.Error("transfer id is not derived from the command")
	}
}

func TestBorrow_WithoutPrices_Fails(t *testing.T) {
	h := newHarness(t)
	h.mustApply(t, deposit(h, "alice", 10_000))

	_, err := h.core.ProcessEvent(borrow(h, "alice", 1))
	if !errors.Is(err, oracle.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestBorrow_FailedDisbursement_RollsBack(t *testing.T) {
	h := newHarness(t)
	openLoan(t, h, "alice")
	h.mustApply(t, borrow(h, "alice", 5_000))
	in := h.nextTransfer(t)
	drainOutputs(h.persist)

	h.mustApply(t, result(h, in.TransferID, false))

	loan, _ := h.core.Loan("alice")
	if !loan.Borrowed.IsZero() {
		t.Errorf("expected borrow rolled back, got %s", loan.Borrowed.Dec())
	}
	outputs := drainOutputs(h.persist)
	if len(outputs) != 1 || outputs[0].Batch.Journals[0].JournalType != ledger.JournalTypeLoanDisburseRevert {
		t.Fatalf("expected a disburse revert journal, got %+v", outputs)
	}
	if len(h.core.PendingTransfers()) != 0 {
		t.Error("intent still pending after result")
	}

	// A second result for the same transfer is unknown
	_, err := h.core.ProcessEvent(result(h, in.TransferID, true))
	if !errors.Is(err, state.ErrUnknownTransfer) {
		t.Errorf("expected ErrUnknownTransfer, got %v", err)
	}
}

func TestRemoveCollateral_FailedReturn_Restores(t *testing.T) {
	h := newHarness(t)
	openLoan(t, h, "alice")

	h.mustApply(t, &event.RemoveCollateral{CommandID: uuid.New(), Account: "alice", Amount: amt(950), Timestamp: h.now()})
	loan, _ := h.core.Loan("alice")
	if loan.Collateral.Uint64() != 9_000 {
		t.Fatalf("expected 9000 after removal, got %s", loan.Collateral.Dec())
	}
	in := h.nextTransfer(t)
	if in.Asset != collateralAsset {
		t.Errorf("expected collateral asset, got %s", in.Asset)
	}

	h.mustApply(t, result(h, in.TransferID, false))
	loan, _ = h.core.Loan("alice")
	if loan.Collateral.Uint64() != 9_950 {
		t.Errorf("expected collateral restored to 9950, got %s", loan.Collateral.Dec())
	}
	pending := h.core.Balance(ledger.NewUserAccountKey("alice", ledger.SubTypePendingTransfer, ledger.AssetCollateral))
	if pending.Sign() != 0 {
		t.Errorf("expected empty pending account, got %s", pending)
	}
}

func TestCloseLoan_FailedReturn_ReopensLoan(t *testing.T) {
	h := newHarness(t)
	openLoan(t, h, "alice")

	h.mustApply(t, &event.CloseLoan{CommandID: uuid.New(), Account: "alice", Timestamp: h.now()})
	if _, ok := h.core.Loan("alice"); ok {
		t.Fatal("loan still open after close")
	}
	in := h.nextTransfer(t)

	h.mustApply(t, result(h, in.TransferID, false))
	loan, ok := h.core.Loan("alice")
	if !ok || loan.Collateral.Uint64() != 9_950 {
		t.Fatalf("expected reopened loan with 9950, got %+v ok=%v", loan, ok)
	}
	if loan.MinimumCollateralRatio != fpmath.MinCollateralRatio {
		t.Errorf("expected original ratio, got %s", loan.MinimumCollateralRatio)
	}
}

func TestCloseLoan_EmptyLoan_NoTransfer(t *testing.T) {
	h := newHarness(t)
	openLoan(t, h, "alice")
	h.mustApply(t, &event.RemoveCollateral{CommandID: uuid.New(), Account: "alice", Amount: amt(9_950), Timestamp: h.now()})
	h.mustApply(t, result(h, h.nextTransfer(t).TransferID, true))

	loan, ok := h.core.Loan("alice")
	if !ok || !loan.Collateral.IsZero() {
		t.Fatalf("expected an open empty loan, got %+v ok=%v", loan, ok)
	}

	h.mustApply(t, &event.CloseLoan{CommandID: uuid.New(), Account: "alice", Timestamp: h.now()})
	if _, ok := h.core.Loan("alice"); ok {
		t.Error("loan still open after close")
	}
	if len(h.transfers) != 0 {
		t.Error("unexpected transfer for an empty loan")
	}

	_, err := h.core.ProcessEvent(&event.CloseLoan{CommandID: uuid.New(), Account: "alice", Timestamp: h.now()})
	if !errors.Is(err, state.ErrLoanNotFound) {
		t.Errorf("expected ErrLoanNotFound, got %v", err)
	}
}

func TestIncomingTransfer_RepayRefundsExcess(t *testing.T) {
	h := newHarness(t)
	openLoan(t, h, "alice")
	h.mustApply(t, borrow(h, "alice", 100))
	h.mustApply(t, result(h, h.nextTransfer(t).TransferID, true))

	h.mustApply(t, incoming(h, "alice", loanAsset, "", 160))

	loan, _ := h.core.Loan("alice")
	if !loan.Borrowed.IsZero() {
		t.Errorf("expected debt repaid, got %s", loan.Borrowed.Dec())
	}
	refund := h.nextTransfer(t)
	if refund.Kind != state.IntentRefund.String() || refund.Amount.Uint64() != 60 {
		t.Errorf("expected 60 refund, got %+v", refund)
	}

	// Failed refund is kept for operators
	h.mustApply(t, result(h, refund.TransferID, false))
	failed := h.core.FailedTransfers()
	if len(failed) != 1 || failed[0].TransferID != refund.TransferID {
		t.Errorf("expected failed refund listed, got %+v", failed)
	}
}

func TestIncomingTransfer_ShortCloseIsRefunded(t *testing.T) {
	h := newHarness(t)
	openLoan(t, h, "alice")
	h.mustApply(t, borrow(h, "alice", 100))
	h.nextTransfer(t)

	h.mustApply(t, incoming(h, "alice", loanAsset, event.MessageClose, 99))
	loan, ok := h.core.Loan("alice")
	if !ok || loan.Borrowed.Uint64() != 100 || loan.Collateral.Uint64() != 9_950 {
		t.Errorf("short close changed the loan: %+v", loan)
	}
	refund := h.nextTransfer(t)
	if refund.Kind != state.IntentRefund.String() || refund.Receiver != "alice" || refund.Amount.Uint64() != 99 {
		t.Errorf("expected full refund of 99, got %+v", refund)
	}
	pending := h.core.Balance(ledger.NewUserAccountKey("alice", ledger.SubTypePendingTransfer, ledger.AssetLoan))
	// The borrow disbursement of 100 is still reserved alongside the refund.
	if pending.Int64() != 199 {
		t.Errorf("expected 199 pending, got %s", pending)
	}

	h.mustApply(t, incoming(h, "alice", loanAsset, event.MessageClose, 100))
	if _, ok := h.core.Loan("alice"); ok {
		t.Error("loan should be closed")
	}
	if in := h.nextTransfer(t); in.Kind != state.IntentLoanClose.String() || in.Amount.Uint64() != 9_950 {
		t.Errorf("expected loan close transfer of 9950, got %+v", in)
	}
}

func TestIncomingTransfer_RepayWithoutLoanIsRefunded(t *testing.T) {
	h := newHarness(t)
	h.setPrices(t, unitPrice(), unitPrice())

	in := incoming(h, "carol", loanAsset, "", 250)
	h.mustApply(t, in)
	if _, ok := h.core.Loan("carol"); ok {
		t.Error("refund must not open a loan")
	}
	refund := h.nextTransfer(t)
	if refund.Kind != state.IntentRefund.String() || refund.Receiver != "carol" || refund.Amount.Uint64() != 250 {
		t.Fatalf("expected full refund of 250, got %+v", refund)
	}
	if refund.TransferID != state.NewTransferID(in.IdempotencyKey(), state.IntentRefund) {
		t.Error("refund id must derive from the inbound transfer")
	}

	h.mustApply(t, result(h, refund.TransferID, true))
	pending := h.core.Balance(ledger.NewUserAccountKey("carol", ledger.SubTypePendingTransfer, ledger.AssetLoan))
	if pending.Sign() != 0 {
		t.Errorf("expected nothing pending after the refund, got %s", pending)
	}
	if len(h.core.PendingTransfers()) != 0 {
		t.Error("refund intent should be settled")
	}

	// A redelivered notification is a duplicate, not a second refund
	if r, err := h.core.ProcessEvent(in); err != nil || r.Outcome != core.OutcomeDuplicate {
		t.Errorf("expected duplicate, got %v %v", r.Outcome, err)
	}
}

func TestIncomingTransfer_UnsupportedAsset(t *testing.T) {
	h := newHarness(t)
	openLoan(t, h, "alice")

	_, err := h.core.ProcessEvent(incoming(h, "alice", collateralAsset, "", 10))
	if !errors.Is(err, state.ErrUnsupportedAsset) {
		t.Errorf("expected ErrUnsupportedAsset, got %v", err)
	}
}

func TestLiquidation_SeizesCeilShare(t *testing.T) {
	h := newHarness(t)
	openLoan(t, h, "alice")
	h.mustApply(t, borrow(h, "alice", 8_291))
	h.nextTransfer(t)

	liq := &event.Liquidate{CommandID: uuid.New(), Account: "alice", Liquidator: "bob", Timestamp: h.now()}
	if _, err := h.core.ProcessEvent(liq); !errors.Is(err, state.ErrNotUndercollateralized) {
		t.Fatalf("expected ErrNotUndercollateralized, got %v", err)
	}

	h.setPrices(t, fpmath.NewPrice(9, 1), unitPrice())
	liq = &event.Liquidate{CommandID: uuid.New(), Account: "alice", Liquidator: "bob", Timestamp: h.now()}
	h.mustApply(t, liq)

	loan, _ := h.core.Loan("alice")
	if loan.Collateral.Uint64() != 737 {
		t.Errorf("expected 737 collateral left, got %s", loan.Collateral.Dec())
	}
	if loan.Borrowed.Uint64() != 8_291 {
		t.Errorf("liquidation must not change debt, got %s", loan.Borrowed.Dec())
	}
	_, liquidated := h.core.ProtocolPools()
	if liquidated.Uint64() != 9_213 {
		t.Errorf("expected 9213 in liquidated pool, got %s", liquidated.Dec())
	}
}

// --- Lending pool ---

func requestWithdrawal(h *harness, account string, amount uint64) *event.WithdrawalRequested {
	return &event.WithdrawalRequested{CommandID: uuid.New(), Account: account, Amount: amt(amount), Timestamp: h.now()}
}

func processNext(h *harness) *event.ProcessNextWithdrawal {
	return &event.ProcessNextWithdrawal{CommandID: uuid.New(), Caller: "keeper", Timestamp: h.now()}
}

func TestWithdrawals_FIFO(t *testing.T) {
	h := newHarness(t)
	h.mustApply(t, incoming(h, "lender-a", loanAsset, event.MessageLend, 100))
	h.mustApply(t, incoming(h, "lender-b", loanAsset, event.MessageLend, 80))

	h.mustApply(t, requestWithdrawal(h, "lender-b", 80))
	h.mustApply(t, requestWithdrawal(h, "lender-a", 100))

	depth, err := h.core.WithdrawalQueueDepth(1)
	if err != nil || depth.Uint64() != 80 {
		t.Fatalf("expected depth 80 for second request, got %v (%v)", depth, err)
	}

	h.mustApply(t, processNext(h))
	first := h.nextTransfer(t)
	if first.Receiver != "lender-b" || first.Amount.Uint64() != 80 {
		t.Fatalf("expected the 80 request first, got %+v", first)
	}
	h.mustApply(t, result(h, first.TransferID, true))

	entry, _ := h.core.Lender("lender-b")
	if !entry.AmountInLendingPool.IsZero() {
		t.Errorf("expected lender-b drained, got %s", entry.AmountInLendingPool.Dec())
	}

	h.mustApply(t, processNext(h))
	second := h.nextTransfer(t)
	if second.Receiver != "lender-a" || second.Amount.Uint64() != 100 {
		t.Errorf("expected the 100 request second, got %+v", second)
	}
}

func TestWithdrawals_FailedTransferRequeuesAtHead(t *testing.T) {
	h := newHarness(t)
	h.mustApply(t, incoming(h, "lender-a", loanAsset, event.MessageLend, 100))
	h.mustApply(t, requestWithdrawal(h, "lender-a", 40))
	h.mustApply(t, requestWithdrawal(h, "lender-a", 50))

	h.mustApply(t, processNext(h))
	in := h.nextTransfer(t)
	if got := h.core.WithdrawalsInFlight(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("expected request 0 in flight, got %v", got)
	}

	drainOutputs(h.proj)
	h.mustApply(t, result(h, in.TransferID, false))

	queue, err := h.core.WithdrawalQueue()
	if err != nil {
		t.Fatal(err)
	}
	if len(queue) != 2 || queue[0].RequestID != 0 || queue[1].RequestID != 1 {
		t.Errorf("expected [0 1], got %+v", queue)
	}
	proj := drainOutputs(h.proj)
	if len(proj) != 1 || !proj[0].Changes.QueueChanged || len(proj[0].Changes.Queue) != 2 {
		t.Errorf("expected projection with the requeued list, got %+v", proj)
	}
}

func TestWithdrawals_RequestIDOverflowIsFatal(t *testing.T) {
	h := newHarness(t)
	h.mustApply(t, incoming(h, "lender-a", loanAsset, event.MessageLend, 100))

	snap, err := h.core.CreateSnapshotState()
	if err != nil {
		t.Fatal(err)
	}
	snap.Pool.NextRequestID = math.MaxUint64
	if err := h.core.RestoreFromSnapshot(snap); err != nil {
		t.Fatal(err)
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a fatal panic on request id overflow")
		}
		if msg, _ := r.(string); !strings.HasPrefix(msg, "FATAL:") {
			t.Errorf("unexpected panic %v", r)
		}
	}()
	h.core.ProcessEvent(requestWithdrawal(h, "lender-a", 10))
}

func TestWithdrawals_EmptyQueueIsNoop(t *testing.T) {
	h := newHarness(t)
	h.mustApply(t, processNext(h))
	if len(h.transfers) != 0 {
		t.Error("unexpected transfer on empty queue")
	}
}

// --- Pipeline ---

func TestIdempotency_DuplicateIgnored(t *testing.T) {
	h := newHarness(t)
	d := deposit(h, "alice", 10_000)
	h.mustApply(t, d)
	drainOutputs(h.persist)

	r, err := h.core.ProcessEvent(d)
	if err != nil {
		t.Fatalf("duplicate should not error: %v", err)
	}
	if r.Outcome != core.OutcomeDuplicate {
		t.Errorf("expected duplicate, got %s", r.Outcome)
	}
	if n := len(drainOutputs(h.persist)); n != 0 {
		t.Errorf("expected 0 outputs for duplicate, got %d", n)
	}
}

type fakeDB struct{ keys map[string]bool }

func (f fakeDB) IsDuplicate(eventType, key string) (bool, error) {
	return f.keys[eventType+":"+key], nil
}

func TestIdempotency_Tier2(t *testing.T) {
	d := &event.DepositCollateral{CommandID: uuid.New(), Account: "alice", Amount: amt(1000), Timestamp: time.Unix(1, 0)}
	db := fakeDB{keys: map[string]bool{"DepositCollateral:" + d.IdempotencyKey(): true}}

	c, err := core.NewDeterministicCore(testConfig(), kv.NewMemoryStore(), core.Outputs{}, db, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	r, err := c.ProcessEvent(d)
	if err != nil || r.Outcome != core.OutcomeDuplicate {
		t.Fatalf("expected tier-2 duplicate, got %s %v", r.Outcome, err)
	}

	// Replay skips the database: the logged event must apply
	c.BeginReplay()
	if err := c.ReplayEvent(d, 0, [32]byte{}); !errors.Is(err, core.ErrReplayDivergence) {
		t.Fatalf("expected hash divergence for a zero hash, got %v", err)
	}
	if c.GetSequence() != 1 {
		t.Errorf("expected the event applied during replay, sequence=%d", c.GetSequence())
	}
}

func TestSequenceValidation(t *testing.T) {
	h := newHarness(t)
	d1 := deposit(h, "alice", 1000)
	d1.Sequence = 5
	h.mustApply(t, d1)

	stale := deposit(h, "alice", 1000)
	stale.Sequence = 5
	if _, err := h.core.ProcessEvent(stale); !errors.Is(err, core.ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}

	gap := deposit(h, "alice", 1000)
	gap.Sequence = 9
	h.mustApply(t, gap)

	// Other accounts have their own partition
	other := deposit(h, "bob", 1000)
	other.Sequence = 1
	h.mustApply(t, other)
}

func TestPrices_StaleSnapshotRejected(t *testing.T) {
	h := newHarness(t)
	h.priceTS = 10
	h.setPrices(t, unitPrice(), unitPrice())

	reqID := "refresh-stale"
	h.mustApply(t, &event.PricesRefreshRequested{RequestID: reqID, Timestamp: h.now()})
	p := unitPrice()
	_, err := h.core.ProcessEvent(&event.PriceDataReceived{
		RequestID: reqID,
		Data: oracle.PriceData{Timestamp: 3, Prices: []oracle.AssetOptionalPrice{
			{AssetID: collateralAsset, Price: &p}, {AssetID: loanAsset},
		}},
		Timestamp: h.now(),
	})
	if !errors.Is(err, oracle.ErrStaleSnapshot) {
		t.Fatalf("expected ErrStaleSnapshot, got %v", err)
	}
	if got := h.core.PendingPriceRequests(); len(got) != 1 || got[0] != reqID {
		t.Errorf("expected request still pending, got %v", got)
	}

	h.mustApply(t, &event.PriceRequestFailed{RequestID: reqID, Reason: "stale", Timestamp: h.now()})
	if got := h.core.PendingPriceRequests(); len(got) != 0 {
		t.Errorf("expected no pending requests, got %v", got)
	}
}

func TestPrices_UnknownRequestRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.core.ProcessEvent(&event.PriceDataReceived{RequestID: "nope", Timestamp: h.now()})
	if !errors.Is(err, core.ErrRequestNotPending) {
		t.Errorf("expected ErrRequestNotPending, got %v", err)
	}
}

func scenario(t *testing.T, h *harness) {
	openLoan(t, h, "alice")
	h.mustApply(t, borrow(h, "alice", 4_000))
	h.mustApply(t, result(h, h.nextTransfer(t).TransferID, true))
	h.mustApply(t, incoming(h, "lender", loanAsset, event.MessageLend, 500))
	h.mustApply(t, requestWithdrawal(h, "lender", 200))
}

func TestStateHashChain_Deterministic(t *testing.T) {
	h1 := newHarness(t)
	h2 := newHarness(t)
	// Identical events, identical ids
	events := []event.Event{
		&event.DepositCollateral{CommandID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), Account: "alice", Amount: amt(10_000), Timestamp: time.Unix(100, 0)},
		&event.AddFunds{CommandID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), Account: "lender", Amount: amt(700), Timestamp: time.Unix(101, 0)},
	}
	for _, e := range events {
		h1.mustApply(t, e)
		h2.mustApply(t, e)
	}
	if h1.core.GetStateHash() != h2.core.GetStateHash() {
		t.Fatal("state hashes diverged for identical input")
	}

	outputs := drainOutputs(h1.persist)
	if outputs[0].Envelope.PrevHash != core.GenesisHash() {
		t.Error("first envelope must chain from genesis")
	}
	if outputs[1].Envelope.PrevHash != outputs[0].Envelope.StateHash {
		t.Error("envelopes are not chained")
	}
	if outputs[1].Envelope.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", outputs[1].Envelope.Sequence)
	}
}

func TestReplay_ReproducesHashesWithoutSideEffects(t *testing.T) {
	live := newHarness(t)
	scenario(t, live)
	logged := drainOutputs(live.persist)

	replica := newHarness(t)
	replica.core.BeginReplay()
	for _, o := range logged {
		if err := replica.core.ReplayEvent(o.Event, o.Envelope.Sequence, o.Envelope.StateHash); err != nil {
			t.Fatalf("replay seq %d: %v", o.Envelope.Sequence, err)
		}
	}
	replica.core.EndReplay()

	if replica.core.GetStateHash() != live.core.GetStateHash() {
		t.Error("replayed state hash differs")
	}
	if len(replica.persist) != 0 || len(replica.transfers) != 0 || len(replica.prices) != 0 {
		t.Error("replay emitted side effects")
	}
	if n := replica.core.RedispatchPending(); n != 0 {
		t.Errorf("expected no pending intents after committed borrow, got %d", n)
	}
}

func TestSnapshot_RestoreContinuesChain(t *testing.T) {
	live := newHarness(t)
	scenario(t, live)

	snap, err := live.core.CreateSnapshotState()
	if err != nil {
		t.Fatal(err)
	}

	restored := newHarnessWithStore(t, kv.NewMemoryStore(), 1024)
	if err := restored.core.RestoreFromSnapshot(snap); err != nil {
		t.Fatal(err)
	}
	if restored.core.GetStateHash() != live.core.GetStateHash() || restored.core.GetSequence() != live.core.GetSequence() {
		t.Fatal("restore did not reproduce the chain tip")
	}

	next := &event.ProcessNextWithdrawal{CommandID: uuid.MustParse("00000000-0000-0000-0000-0000000000aa"), Caller: "keeper", Timestamp: time.Unix(500, 0)}
	live.mustApply(t, next)
	restored.mustApply(t, next)
	if restored.core.GetStateHash() != live.core.GetStateHash() {
		t.Error("chains diverged after restore")
	}
	if in := restored.nextTransfer(t); in.Receiver != "lender" || in.Amount.Uint64() != 200 {
		t.Errorf("restored queue lost the request: %+v", in)
	}
}

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	h := newHarnessWithStore(t, kv.NewMemoryStore(), 1)
	h.mustApply(t, deposit(h, "alice", 1000))
	h.mustApply(t, deposit(h, "alice", 1000))

	if n := len(drainOutputs(h.proj)); n != 1 {
		t.Errorf("expected 1 projected output, got %d", n)
	}
	if n := len(drainOutputs(h.persist)); n != 2 {
		t.Errorf("persist must never drop, got %d", n)
	}
}
