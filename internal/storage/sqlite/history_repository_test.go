package sqlite

import (
	"testing"
	"time"

	"github.com/italolelis/torbox_blackhole/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *HistoryRepository {
	t.Helper()

	db, err := InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewHistoryRepository(db)
}

func TestRecordOutcomeAndGetHistory(t *testing.T) {
	repo := newTestRepo(t)

	record := storage.HistoryRecord{
		JobID:       "42",
		Kind:        "torrent",
		Label:       "Some.Release",
		ContentPath: "/downloads/Some.Release",
		Outcome:     storage.OutcomeFetched,
		FinishedAt:  time.Now().Format(time.RFC3339),
	}

	require.NoError(t, repo.RecordOutcome(record))

	records, err := repo.GetHistory()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, record, records[0])
}

func TestRecordOutcome_UpsertsByJobID(t *testing.T) {
	repo := newTestRepo(t)

	record := storage.HistoryRecord{
		JobID:      "42",
		Kind:       "usenet",
		Label:      "show",
		Outcome:    storage.OutcomeDropped,
		FinishedAt: time.Now().Format(time.RFC3339),
	}
	require.NoError(t, repo.RecordOutcome(record))

	record.Outcome = storage.OutcomeFetched
	record.ContentPath = "/downloads/show"
	require.NoError(t, repo.RecordOutcome(record))

	records, err := repo.GetHistory()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, storage.OutcomeFetched, records[0].Outcome)
}

func TestGetFetchedBefore_FiltersOutcomeAndCutoff(t *testing.T) {
	repo := newTestRepo(t)

	old := time.Now().Add(-48 * time.Hour).Format(time.RFC3339)
	recent := time.Now().Format(time.RFC3339)

	require.NoError(t, repo.RecordOutcome(storage.HistoryRecord{
		JobID: "old-fetched", Kind: "torrent", Outcome: storage.OutcomeFetched,
		ContentPath: "/downloads/old", FinishedAt: old,
	}))
	require.NoError(t, repo.RecordOutcome(storage.HistoryRecord{
		JobID: "old-dropped", Kind: "torrent", Outcome: storage.OutcomeDropped, FinishedAt: old,
	}))
	require.NoError(t, repo.RecordOutcome(storage.HistoryRecord{
		JobID: "new-fetched", Kind: "torrent", Outcome: storage.OutcomeFetched,
		ContentPath: "/downloads/new", FinishedAt: recent,
	}))

	cutoff := time.Now().Add(-24 * time.Hour).Format(time.RFC3339)

	records, err := repo.GetFetchedBefore(cutoff)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "old-fetched", records[0].JobID)
}

func TestDeleteRecord(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.RecordOutcome(storage.HistoryRecord{
		JobID: "42", Kind: "torrent", Outcome: storage.OutcomeFetched,
		FinishedAt: time.Now().Format(time.RFC3339),
	}))

	require.NoError(t, repo.DeleteRecord("42"))

	records, err := repo.GetHistory()
	require.NoError(t, err)
	assert.Empty(t, records)
}
