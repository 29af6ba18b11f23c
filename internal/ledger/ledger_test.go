package ledger_test

import (
	"GratisLedger/internal/ledger"
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

func amt(v uint64) *uint256.Int { return uint256.NewInt(v) }

func depositJournal(owner string, amount uint64) ledger.Journal {
	j := ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewUserAccountKey(owner, ledger.SubTypeCollateral, ledger.AssetCollateral),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalInbound, ledger.AssetCollateral),
		AssetID:       ledger.AssetCollateral,
	}
	j.Amount.SetUint64(amount)
	return j
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	key := ledger.NewUserAccountKey("alice.testnet", ledger.SubTypeCollateral, ledger.AssetCollateral)

	path := key.AccountPath()
	expected := "user:alice.testnet:collateral:COLLATERAL"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.NewSystemAccountKey(ledger.SubTypeSystemLiquidatedCollateral, ledger.AssetCollateral)

	path := key.AccountPath()
	if path != "system:liquidated_collateral:COLLATERAL" {
		t.Errorf("got %q, want %q", path, "system:liquidated_collateral:COLLATERAL")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalInbound, ledger.AssetLoan)

	path := key.AccountPath()
	if path != "external:inbound:LOAN" {
		t.Errorf("got %q, want %q", path, "external:inbound:LOAN")
	}
}

func TestGetAssetID_Known(t *testing.T) {
	id, ok := ledger.GetAssetID("LOAN")
	if !ok {
		t.Fatal("LOAN should be a known asset")
	}
	if id != ledger.AssetLoan {
		t.Errorf("got %d, want %d", id, ledger.AssetLoan)
	}
}

func TestGetAssetID_Unknown(t *testing.T) {
	_, ok := ledger.GetAssetID("DOGE")
	if ok {
		t.Error("DOGE should not be a known asset")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if bt.GetUserCollateral("alice").Sign() != 0 {
		t.Errorf("initial balance should be 0, got %s", bt.GetUserCollateral("alice"))
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	bt.ApplyJournal(depositJournal("alice", 1_000_000))

	if got := bt.GetUserCollateral("alice"); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("collateral: got %s, want 1_000_000", got)
	}

	inbound := bt.GetBalance(ledger.NewExternalAccountKey(ledger.SubTypeExternalInbound, ledger.AssetCollateral))
	if inbound.Cmp(big.NewInt(-1_000_000)) != 0 {
		t.Errorf("inbound: got %s, want -1_000_000", inbound)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)

	batch := gen.NewBatch("evt-1", 1, 0)
	gen.CollateralDeposit(batch, "alice", amt(9_950), amt(50))
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	batch = gen.NewBatch("evt-2", 2, 0)
	if err := gen.CollateralReserve(batch, "alice", amt(3_000)); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	gen.CollateralReturn(batch, "alice", amt(3_000))
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	for aid, total := range bt.ComputeGlobalBalance() {
		if total.Sign() != 0 {
			t.Errorf("asset %d has non-zero global balance: %s", aid, total)
		}
	}
}

func TestBalanceTracker_ValidateSufficient(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	key := ledger.NewUserAccountKey("alice", ledger.SubTypeCollateral, ledger.AssetCollateral)

	if err := bt.ValidateSufficient(key, big.NewInt(100)); err == nil {
		t.Error("expected error for insufficient balance")
	}

	bt.ApplyJournal(depositJournal("alice", 1_000))

	if err := bt.ValidateSufficient(key, big.NewInt(1_000)); err != nil {
		t.Errorf("should have sufficient balance: %v", err)
	}

	if err := bt.ValidateSufficient(key, big.NewInt(1_001)); err == nil {
		t.Error("expected error for 1_001 > 1_000")
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.ApplyJournal(depositJournal("alice", 999))

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating snapshot should not affect tracker
	for _, v := range snap {
		v.SetInt64(0)
	}

	if bt.GetUserCollateral("alice").Cmp(big.NewInt(999)) != 0 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

func TestBalanceTracker_SetBalance(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	key := ledger.NewUserAccountKey("bob", ledger.SubTypeLendingPool, ledger.AssetLoan)

	bt.SetBalance(key, big.NewInt(42))
	if bt.GetUserLendingPool("bob").Cmp(big.NewInt(42)) != 0 {
		t.Errorf("got %s, want 42", bt.GetUserLendingPool("bob"))
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID:  uuid.New(),
		Journals: []ledger.Journal{},
	}

	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_ZeroAmount_Fails(t *testing.T) {
	j := depositJournal("alice", 0)
	batch := &ledger.Batch{BatchID: j.BatchID, Journals: []ledger.Journal{j}}

	if err := batch.Validate(); err == nil {
		t.Error("zero amount should fail validation")
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	j := depositJournal("alice", 100)
	j.CreditAccount = j.DebitAccount
	batch := &ledger.Batch{BatchID: j.BatchID, Journals: []ledger.Journal{j}}

	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	j := depositJournal("alice", 100)
	batch := &ledger.Batch{BatchID: uuid.New(), Journals: []ledger.Journal{j}}

	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch ID should fail validation")
	}
}

func TestBatchValidate_MixedAssets_Fails(t *testing.T) {
	j := depositJournal("alice", 100)
	j.CreditAccount = ledger.NewExternalAccountKey(ledger.SubTypeExternalInbound, ledger.AssetLoan)
	batch := &ledger.Batch{BatchID: j.BatchID, Journals: []ledger.Journal{j}}

	if err := batch.Validate(); err == nil {
		t.Error("mixed-asset journal should fail validation")
	}
}

func TestBatchValidate_ValidBatch_Passes(t *testing.T) {
	j := depositJournal("alice", 1_000_000)
	batch := &ledger.Batch{BatchID: j.BatchID, Journals: []ledger.Journal{j}}

	if err := batch.Validate(); err != nil {
		t.Errorf("valid batch should pass: %v", err)
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestJournalGenerator_DeterministicIDs(t *testing.T) {
	gen := ledger.NewJournalGenerator(ledger.NewBalanceTracker())

	a := gen.NewBatch("deposit:cmd-1", 7, 100)
	gen.CollateralDeposit(a, "alice", amt(9_950), amt(50))
	b := gen.NewBatch("deposit:cmd-1", 7, 100)
	gen.CollateralDeposit(b, "alice", amt(9_950), amt(50))

	if a.BatchID != b.BatchID {
		t.Error("same event must produce the same batch id")
	}
	for i := range a.Journals {
		if a.Journals[i].JournalID != b.Journals[i].JournalID {
			t.Errorf("journal %d id differs across runs", i)
		}
	}
	if a.Journals[0].JournalID == a.Journals[1].JournalID {
		t.Error("legs of one batch must have distinct ids")
	}
}

func TestJournalGenerator_ZeroLegSkipped(t *testing.T) {
	gen := ledger.NewJournalGenerator(ledger.NewBalanceTracker())

	batch := gen.NewBatch("pool:1", 1, 0)
	gen.PoolWithdrawal(batch, "bob", amt(80), amt(0))
	if len(batch.Journals) != 1 {
		t.Fatalf("got %d journals, want 1", len(batch.Journals))
	}
	if batch.Journals[0].JournalType != ledger.JournalTypePoolWithdrawal {
		t.Errorf("got %s", batch.Journals[0].JournalType)
	}
}

func TestJournalGenerator_ReservePreCheck(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)
	bt.ApplyJournal(depositJournal("alice", 100))

	batch := gen.NewBatch("remove:1", 1, 0)
	if err := gen.CollateralReserve(batch, "alice", amt(101)); err == nil {
		t.Error("reserve beyond collateral should fail")
	}
	if err := gen.LiquidationSeize(batch, "alice", amt(101)); err == nil {
		t.Error("seize beyond collateral should fail")
	}
	if len(batch.Journals) != 0 {
		t.Error("failed pre-check must not append journals")
	}
}

func TestJournalGenerator_CollateralRoundTrip(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)
	bt.ApplyJournal(depositJournal("alice", 500))

	batch := gen.NewBatch("remove:1", 1, 0)
	if err := gen.CollateralReserve(batch, "alice", amt(200)); err != nil {
		t.Fatal(err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatal(err)
	}
	if got := bt.GetUserPendingTransfer("alice", ledger.AssetCollateral); got.Cmp(big.NewInt(200)) != 0 {
		t.Errorf("pending: got %s, want 200", got)
	}

	batch = gen.NewBatch("result:1", 2, 0)
	gen.CollateralRestore(batch, "alice", amt(200))
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatal(err)
	}
	if got := bt.GetUserCollateral("alice"); got.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("collateral: got %s, want 500", got)
	}
	if got := bt.GetUserPendingTransfer("alice", ledger.AssetCollateral); got.Sign() != 0 {
		t.Errorf("pending: got %s, want 0", got)
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	bt.ApplyJournal(depositJournal("alice", 1_000_000))

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("balanced ledger should have zero global balance: %v", err)
	}
}

func TestInvariantValidator_CollateralMatches(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	bt.ApplyJournal(depositJournal("alice", 300))

	if err := v.ValidateCollateralMatches("alice", big.NewInt(300)); err != nil {
		t.Errorf("unexpected divergence: %v", err)
	}
	if err := v.ValidateCollateralMatches("alice", big.NewInt(301)); err == nil {
		t.Error("expected divergence error")
	}
}

func TestInvariantValidator_NegativeCollateral(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	bt.SetBalance(ledger.NewUserAccountKey("alice", ledger.SubTypeCollateral, ledger.AssetCollateral), big.NewInt(-1))

	if err := v.ValidateUserCollateralNonNegative("alice"); err == nil {
		t.Error("negative collateral should fail")
	}
}
