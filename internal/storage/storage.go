package storage

// Outcome values for history records.
const (
	OutcomeFetched = "fetched"
	OutcomeDropped = "dropped"
)

// HistoryRecord is one terminal job outcome: content fetched to disk,
// or the job dropped after repeated failures. The live tracking state
// stays in memory; this table is the audit trail that survives restarts
// and feeds the retention cleanup.
type HistoryRecord struct {
	JobID       string
	Kind        string
	Label       string
	ContentPath string // absolute path of the materialized content, empty for drops
	Outcome     string
	FinishedAt  string // RFC3339
}

type HistoryReadRepository interface {
	GetHistory() ([]HistoryRecord, error)
	GetFetchedBefore(cutoff string) ([]HistoryRecord, error)
}

type HistoryWriteRepository interface {
	RecordOutcome(record HistoryRecord) error
	DeleteRecord(jobID string) error
}
