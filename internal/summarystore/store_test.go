package summarystore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "summarystore.db")
	store, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

// TestRecordAndLatestSummary verifies a recorded summary is returned by
// LatestSummary, keyed per client id.
func TestRecordAndLatestSummary(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := context.Background()

	err := store.RecordSummary(ctx, SummaryRecord{
		ClientID:              "client-a",
		Handle:                "handle-1",
		RefSequenceNumber:     10,
		SummarySequenceNumber: 20,
		AckedAt:               time.Unix(1000, 0),
	})
	require.NoError(t, err)

	rec, err := store.LatestSummary(ctx, "client-a")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "handle-1", rec.Handle)
	require.Equal(t, int64(20), rec.SummarySequenceNumber)
}

// TestLatestSummaryReturnsNilWhenUnset verifies LatestSummary reports
// (nil, nil) for a client with no recorded summary.
func TestLatestSummaryReturnsNilWhenUnset(t *testing.T) {
	t.Parallel()

	store := testStore(t)

	rec, err := store.LatestSummary(context.Background(), "unknown-client")
	require.NoError(t, err)
	require.Nil(t, rec)
}

// TestLatestSummaryPicksHighestSequenceNumber verifies LatestSummary
// returns the row with the greatest summary sequence number, not
// necessarily the most recently inserted row.
func TestLatestSummaryPicksHighestSequenceNumber(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordSummary(ctx, SummaryRecord{
		ClientID: "client-a", Handle: "h2",
		SummarySequenceNumber: 20, AckedAt: time.Unix(1, 0),
	}))
	require.NoError(t, store.RecordSummary(ctx, SummaryRecord{
		ClientID: "client-a", Handle: "h1",
		SummarySequenceNumber: 10, AckedAt: time.Unix(2, 0),
	}))

	rec, err := store.LatestSummary(ctx, "client-a")
	require.NoError(t, err)
	require.Equal(t, "h2", rec.Handle)
}

// TestRecordSummaryIgnoresDuplicateSequenceNumber verifies re-recording the
// same summary sequence number is a silent no-op rather than an error.
func TestRecordSummaryIgnoresDuplicateSequenceNumber(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := context.Background()

	rec := SummaryRecord{
		ClientID: "client-a", Handle: "first",
		SummarySequenceNumber: 5, AckedAt: time.Unix(1, 0),
	}
	require.NoError(t, store.RecordSummary(ctx, rec))

	dup := rec
	dup.Handle = "second"
	require.NoError(t, store.RecordSummary(ctx, dup))

	got, err := store.LatestSummary(ctx, "client-a")
	require.NoError(t, err)
	require.Equal(t, "first", got.Handle)
}

// TestRecordAndRecentAttempts verifies attempts are returned newest first
// and bounded by the requested limit.
func TestRecordAndRecentAttempts(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := store.RecordAttempt(ctx, AttemptRecord{
			ClientID:          "client-a",
			RefSequenceNumber: int64(i),
			AttemptIndex:      i,
			TriggerKind:       "maxOps",
			Outcome:           "acked",
			StartedAt:         time.Unix(int64(i), 0),
			FinishedAt: sql.NullTime{
				Time: time.Unix(int64(i)+1, 0), Valid: true,
			},
		})
		require.NoError(t, err)
	}

	attempts, err := store.RecentAttempts(ctx, "client-a", 2)
	require.NoError(t, err)
	require.Len(t, attempts, 2)

	// Newest first: the last inserted attempt (index 2) comes first.
	require.Equal(t, 2, attempts[0].AttemptIndex)
	require.Equal(t, 1, attempts[1].AttemptIndex)
}

// TestRecentAttemptsScopedByClient verifies attempts from other clients
// are excluded.
func TestRecentAttemptsScopedByClient(t *testing.T) {
	t.Parallel()

	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordAttempt(ctx, AttemptRecord{
		ClientID: "client-a", TriggerKind: "idle", Outcome: "acked",
		StartedAt: time.Unix(1, 0),
	}))
	require.NoError(t, store.RecordAttempt(ctx, AttemptRecord{
		ClientID: "client-b", TriggerKind: "idle", Outcome: "acked",
		StartedAt: time.Unix(1, 0),
	}))

	attempts, err := store.RecentAttempts(ctx, "client-a", 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, "client-a", attempts[0].ClientID)
}
