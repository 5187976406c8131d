package sqlite

import (
	"database/sql"

	"github.com/italolelis/torbox_blackhole/internal/storage"
)

// HistoryRepository stores terminal job outcomes in SQLite.
type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) RecordOutcome(record storage.HistoryRecord) error {
	_, err := r.db.Exec(
		`INSERT INTO history (job_id, kind, label, content_path, outcome, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			content_path = excluded.content_path,
			outcome = excluded.outcome,
			finished_at = excluded.finished_at`,
		record.JobID, record.Kind, record.Label, record.ContentPath, record.Outcome, record.FinishedAt,
	)

	return err
}

func (r *HistoryRepository) DeleteRecord(jobID string) error {
	_, err := r.db.Exec(`DELETE FROM history WHERE job_id = ?`, jobID)

	return err
}

func (r *HistoryRepository) GetHistory() ([]storage.HistoryRecord, error) {
	rows, err := r.db.Query(
		`SELECT job_id, kind, label, content_path, outcome, finished_at FROM history ORDER BY finished_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetFetchedBefore returns fetched outcomes finished before the cutoff,
// the candidates for retention cleanup.
func (r *HistoryRepository) GetFetchedBefore(cutoff string) ([]storage.HistoryRecord, error) {
	rows, err := r.db.Query(
		`SELECT job_id, kind, label, content_path, outcome, finished_at
		FROM history
		WHERE outcome = ? AND finished_at < ?`,
		storage.OutcomeFetched, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]storage.HistoryRecord, error) {
	var records []storage.HistoryRecord

	for rows.Next() {
		var record storage.HistoryRecord

		var contentPath sql.NullString

		if err := rows.Scan(&record.JobID, &record.Kind, &record.Label, &contentPath, &record.Outcome, &record.FinishedAt); err != nil {
			return nil, err
		}

		if contentPath.Valid {
			record.ContentPath = contentPath.String
		}

		records = append(records, record)
	}

	return records, rows.Err()
}
