package persistence_test

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GratisLedger/internal/core"
	"GratisLedger/internal/event"
	"GratisLedger/internal/persistence"
	"GratisLedger/internal/testutil"
)

func restoredCopy(t *testing.T, src *core.DeterministicCore) *core.DeterministicCore {
	t.Helper()
	snap, err := src.CreateSnapshotState()
	require.NoError(t, err)

	data, err := persistence.EncodeSnapshot(persistence.FromCoreSnapshot(snap, time.Now()))
	require.NoError(t, err)
	decoded, err := persistence.DecodeSnapshot(data)
	require.NoError(t, err)
	restored, err := decoded.ToCoreSnapshot()
	require.NoError(t, err)

	dst := testutil.NewCore(t, core.Outputs{})
	require.NoError(t, dst.RestoreFromSnapshot(restored))
	return dst
}

func TestSnapshotData_RestoresEquivalentCore(t *testing.T) {
	clock := &testutil.Clock{}
	src := testutil.NewCore(t, core.Outputs{})
	testutil.SeedLedger(t, src, clock)

	dst := restoredCopy(t, src)

	assert.Equal(t, src.GetSequence(), dst.GetSequence())
	assert.Equal(t, src.GetStateHash(), dst.GetStateHash())

	srcLoan, ok := src.Loan("alice")
	require.True(t, ok)
	dstLoan, ok := dst.Loan("alice")
	require.True(t, ok)
	assert.Equal(t, srcLoan.Collateral.Dec(), dstLoan.Collateral.Dec())
	assert.Equal(t, srcLoan.Borrowed.Dec(), dstLoan.Borrowed.Dec())
	assert.Equal(t, srcLoan.MinimumCollateralRatio, dstLoan.MinimumCollateralRatio)

	srcQueue, err := src.WithdrawalQueue()
	require.NoError(t, err)
	dstQueue, err := dst.WithdrawalQueue()
	require.NoError(t, err)
	require.Len(t, dstQueue, len(srcQueue))
	for i := range srcQueue {
		assert.Equal(t, srcQueue[i].RequestID, dstQueue[i].RequestID)
		assert.Equal(t, srcQueue[i].Amount.Dec(), dstQueue[i].Amount.Dec())
	}

	require.Len(t, dst.PendingTransfers(), len(src.PendingTransfers()))
	assert.Equal(t, src.PendingTransfers()[0].TransferID, dst.PendingTransfers()[0].TransferID)

	srcFee, srcLiq := src.ProtocolPools()
	dstFee, dstLiq := dst.ProtocolPools()
	assert.Equal(t, srcFee.Dec(), dstFee.Dec())
	assert.Equal(t, srcLiq.Dec(), dstLiq.Dec())
	assert.Equal(t, src.Prices(), dst.Prices())
}

func TestSnapshotData_RestoredCoreContinuesChain(t *testing.T) {
	clock := &testutil.Clock{}
	src := testutil.NewCore(t, core.Outputs{})
	testutil.SeedLedger(t, src, clock)
	dst := restoredCopy(t, src)

	next := &event.DepositCollateral{CommandID: uuid.New(), Account: "carol", Amount: testutil.Amount(2_000), Timestamp: clock.Now()}
	testutil.MustApply(t, src, next)
	testutil.MustApply(t, dst, next)

	assert.Equal(t, src.GetStateHash(), dst.GetStateHash())
}

func TestSnapshotData_RestoredCoreRemembersProcessedEvents(t *testing.T) {
	clock := &testutil.Clock{}
	src := testutil.NewCore(t, core.Outputs{})
	dep := &event.DepositCollateral{CommandID: uuid.New(), Account: "alice", Amount: testutil.Amount(500), Timestamp: clock.Now()}
	testutil.MustApply(t, src, dep)

	dst := restoredCopy(t, src)
	r, err := dst.ProcessEvent(dep)
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeDuplicate, r.Outcome)
}

func TestSnapshotData_LargeAmountsSurviveEncoding(t *testing.T) {
	clock := &testutil.Clock{}
	src := testutil.NewCore(t, core.Outputs{})
	var huge = testutil.Amount(1)
	huge.Lsh(&huge, 200)
	testutil.MustApply(t, src, &event.AddFunds{CommandID: uuid.New(), Account: "whale", Amount: huge, Timestamp: clock.Now()})

	dst := restoredCopy(t, src)
	entry, ok := dst.Lender("whale")
	require.True(t, ok)
	assert.Equal(t, huge.Dec(), entry.AmountInLendingPool.Dec())
}

func TestSnapshotData_RejectsCorruptValues(t *testing.T) {
	src := testutil.NewCore(t, core.Outputs{})
	snap, err := src.CreateSnapshotState()
	require.NoError(t, err)

	d := persistence.FromCoreSnapshot(snap, time.Now())
	d.FeePool = "not-a-number"
	_, err = d.ToCoreSnapshot()
	assert.ErrorIs(t, err, persistence.ErrSnapshotFormat)

	d = persistence.FromCoreSnapshot(snap, time.Now())
	d.StateHash = "abcd"
	_, err = d.ToCoreSnapshot()
	assert.ErrorIs(t, err, persistence.ErrSnapshotFormat)

	_, err = persistence.DecodeSnapshot([]byte("{"))
	assert.ErrorIs(t, err, persistence.ErrSnapshotFormat)
}

func TestSnapshotManager_VerifyAndLoad(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	persist := make(chan core.CoreOutput, 64)
	clock := &testutil.Clock{}
	c := testutil.NewCore(t, core.Outputs{Persist: persist})
	testutil.SeedLedger(t, c, clock)

	snap, err := c.CreateSnapshotState()
	require.NoError(t, err)
	sm := persistence.NewSnapshotManager(db)
	require.NoError(t, sm.SaveSnapshot(ctx, persistence.FromCoreSnapshot(snap, time.Now())))

	loaded, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded, "unverified snapshot must not load")

	writeOutputs(t, db, persist)

	n, err := sm.VerifyPending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	loaded, err = sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.Sequence, loaded.Sequence)
	assert.Equal(t, hex.EncodeToString(snap.StateHash[:]), loaded.StateHash)

	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.Sequence, latest)
}
