package persistence_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GratisLedger/internal/core"
	"GratisLedger/internal/event"
	"GratisLedger/internal/ingestion"
	"GratisLedger/internal/persistence"
	"GratisLedger/internal/testutil"
)

func encodedRecords(t *testing.T, ch chan core.CoreOutput) []persistence.Record {
	t.Helper()
	var recs []persistence.Record
	for {
		select {
		case out := <-ch:
			payload, err := ingestion.EncodeEvent(out.Event)
			require.NoError(t, err)
			out.Envelope.Payload = payload
			recs = append(recs, persistence.NewRecord(out))
		default:
			return recs
		}
	}
}

// writeOutputs runs the persistence worker over everything queued on ch
func writeOutputs(t *testing.T, db *sql.DB, ch chan core.CoreOutput) {
	t.Helper()
	recs := encodedRecords(t, ch)
	in := make(chan persistence.Record, len(recs))
	for _, r := range recs {
		in <- r
	}
	close(in)
	w := persistence.NewPersistenceWorker(db, in, 100, time.Second, nil, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))
}

func TestNewRecord_ConvertsEnvelopeAndJournals(t *testing.T) {
	persist := make(chan core.CoreOutput, 8)
	clock := &testutil.Clock{}
	c := testutil.NewCore(t, core.Outputs{Persist: persist})
	testutil.MustApply(t, c, &event.DepositCollateral{CommandID: uuid.New(), Account: "alice", Amount: testutil.Amount(10_000), Timestamp: clock.Now()})

	recs := encodedRecords(t, persist)
	require.Len(t, recs, 1)
	rec := recs[0]

	assert.Equal(t, int64(0), rec.Event.Sequence)
	assert.Equal(t, "DepositCollateral", rec.Event.EventType)
	require.NotNil(t, rec.Event.AccountID)
	assert.Equal(t, "alice", *rec.Event.AccountID)
	assert.Len(t, rec.Event.StateHash, 32)
	assert.Len(t, rec.Event.PrevHash, 32)
	assert.NotEmpty(t, rec.Event.Payload)

	require.Len(t, rec.Journals, 2)
	var total uint64
	for _, j := range rec.Journals {
		assert.Equal(t, rec.Event.IdempotencyKey, j.EventRef)
		assert.NotEqual(t, j.DebitAccount, j.CreditAccount)
		switch j.Amount {
		case "9950":
			total += 9950
		case "50":
			total += 50
		default:
			t.Errorf("unexpected journal amount %s", j.Amount)
		}
	}
	assert.Equal(t, uint64(10_000), total)
}

func TestNewRecord_StateOnlyEventHasNoJournals(t *testing.T) {
	persist := make(chan core.CoreOutput, 8)
	clock := &testutil.Clock{}
	c := testutil.NewCore(t, core.Outputs{Persist: persist})
	testutil.MustApply(t, c, &event.PricesRefreshRequested{RequestID: uuid.NewString(), Timestamp: clock.Now()})

	recs := encodedRecords(t, persist)
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].Journals)
	assert.Nil(t, recs[0].Event.AccountID)
}

func TestPersistenceWorker_WritesAndReplaysLog(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	persist := make(chan core.CoreOutput, 64)
	clock := &testutil.Clock{}
	src := testutil.NewCore(t, core.Outputs{Persist: persist})
	testutil.SeedLedger(t, src, clock)
	writeOutputs(t, db, persist)

	sm := persistence.NewSnapshotManager(db)
	rows, err := sm.LoadEventsFrom(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, rows, int(src.GetSequence()))

	// Replaying the log into a fresh core lands on the same hash.
	dst := testutil.NewCore(t, core.Outputs{})
	dst.BeginReplay()
	for _, row := range rows {
		evt, err := ingestion.ParsePayload(row.EventType, row.Payload)
		require.NoError(t, err)
		var hash [32]byte
		copy(hash[:], row.StateHash)
		require.NoError(t, dst.ReplayEvent(evt, row.Sequence, hash))
	}
	dst.EndReplay()
	assert.Equal(t, src.GetStateHash(), dst.GetStateHash())

	var journals int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.journal`).Scan(&journals))
	assert.Greater(t, journals, 0)

	dedup := persistence.NewPostgresIdempotencyChecker(db, 0)
	dup, err := dedup.IsDuplicate(rows[0].EventType, rows[0].IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = dedup.IsDuplicate("DepositCollateral", "missing")
	require.NoError(t, err)
	assert.False(t, dup)

	keys, err := dedup.RecentKeys(ctx, 2)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	last := rows[len(rows)-1]
	assert.Equal(t, last.EventType+":"+last.IdempotencyKey, keys[1])
}

func TestPersistenceWorker_RewriteIsIdempotent(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	persist := make(chan core.CoreOutput, 8)
	clock := &testutil.Clock{}
	c := testutil.NewCore(t, core.Outputs{Persist: persist})
	testutil.MustApply(t, c, &event.DepositCollateral{CommandID: uuid.New(), Account: "alice", Amount: testutil.Amount(100), Timestamp: clock.Now()})
	recs := encodedRecords(t, persist)

	w := persistence.NewEventLogWriter(db)
	for i := 0; i < 2; i++ {
		require.NoError(t, w.WriteEventBatch(context.Background(), db, []persistence.EventRow{recs[0].Event}))
		require.NoError(t, w.WriteJournalBatch(context.Background(), db, recs[0].Journals))
	}

	var events int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM event_log.events`).Scan(&events))
	assert.Equal(t, 1, events)
}
