package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/torbox_blackhole/internal/storage"
	"github.com/italolelis/torbox_blackhole/internal/telemetry"
)

// InstrumentedHistoryRepository wraps HistoryRepository with telemetry.
type InstrumentedHistoryRepository struct {
	repo      *HistoryRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedHistoryRepository creates a new instrumented history repository.
func NewInstrumentedHistoryRepository(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedHistoryRepository {
	return &InstrumentedHistoryRepository{
		repo:      NewHistoryRepository(db),
		telemetry: tel,
	}
}

func (r *InstrumentedHistoryRepository) RecordOutcome(record storage.HistoryRecord) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "record_outcome", func(ctx context.Context) error {
		return r.repo.RecordOutcome(record)
	})
}

func (r *InstrumentedHistoryRepository) DeleteRecord(jobID string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "delete_record", func(ctx context.Context) error {
		return r.repo.DeleteRecord(jobID)
	})
}

func (r *InstrumentedHistoryRepository) GetHistory() ([]storage.HistoryRecord, error) {
	var result []storage.HistoryRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "get_history", func(ctx context.Context) error {
		result, err = r.repo.GetHistory()

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedHistoryRepository) GetFetchedBefore(cutoff string) ([]storage.HistoryRecord, error) {
	var result []storage.HistoryRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "get_fetched_before", func(ctx context.Context) error {
		result, err = r.repo.GetFetchedBefore(cutoff)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
