package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a batch job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// BatchJobFilters holds the optional request parameters stored with a job.
type BatchJobFilters struct {
	MaxTransactions int    `json:"max_transactions,omitempty"`
	TimeRange       string `json:"time_range,omitempty"`
}

// BatchJob is a persisted batch P&L job.
type BatchJob struct {
	ID                string
	Status            JobStatus
	Chain             string
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	Filters           BatchJobFilters
	Wallets           []string
	SuccessfulWallets []string
	FailedWallets     []string
	ErrorSummary      string
}

// InsertBatchJob stores a new batch job.
func (d *DB) InsertBatchJob(job *BatchJob) error {
	filtersJSON, _ := json.Marshal(job.Filters)
	walletsJSON, _ := json.Marshal(job.Wallets)
	successfulJSON, _ := json.Marshal(job.SuccessfulWallets)
	failedJSON, _ := json.Marshal(job.FailedWallets)

	_, err := d.sql.Exec(`INSERT INTO batch_jobs (
		id, status, chain, created_at, started_at, completed_at,
		filters_json, wallets_json, successful_json, failed_json, error_summary
	) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, string(job.Status), job.Chain,
		job.CreatedAt.UTC().Format(time.RFC3339),
		timePtr(job.StartedAt), timePtr(job.CompletedAt),
		string(filtersJSON), string(walletsJSON), string(successfulJSON), string(failedJSON),
		nullString(job.ErrorSummary),
	)
	if err != nil {
		return fmt.Errorf("insert batch job: %w", err)
	}
	return nil
}

// UpdateBatchJob rewrites a batch job's mutable fields.
func (d *DB) UpdateBatchJob(job *BatchJob) error {
	successfulJSON, _ := json.Marshal(job.SuccessfulWallets)
	failedJSON, _ := json.Marshal(job.FailedWallets)

	res, err := d.sql.Exec(`UPDATE batch_jobs SET
		status = ?, started_at = ?, completed_at = ?,
		successful_json = ?, failed_json = ?, error_summary = ?
		WHERE id = ?`,
		string(job.Status), timePtr(job.StartedAt), timePtr(job.CompletedAt),
		string(successfulJSON), string(failedJSON), nullString(job.ErrorSummary),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update batch job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update batch job: job %s not found", job.ID)
	}
	return nil
}

// GetBatchJob retrieves a batch job by id, or nil when none exists.
func (d *DB) GetBatchJob(id string) (*BatchJob, error) {
	row := d.sql.QueryRow(`
		SELECT id, status, chain, created_at, started_at, completed_at,
			filters_json, wallets_json, successful_json, failed_json, error_summary
		FROM batch_jobs WHERE id = ?
	`, id)
	job, err := scanBatchJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// ListBatchJobs returns jobs ordered newest first.
func (d *DB) ListBatchJobs(limit int) ([]BatchJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.sql.Query(`
		SELECT id, status, chain, created_at, started_at, completed_at,
			filters_json, wallets_json, successful_json, failed_json, error_summary
		FROM batch_jobs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list batch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []BatchJob
	for rows.Next() {
		job, err := scanBatchJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanBatchJob(scan func(...interface{}) error) (*BatchJob, error) {
	var job BatchJob
	var status, createdAt string
	var startedAt, completedAt, errorSummary sql.NullString
	var filtersJSON, walletsJSON, successfulJSON, failedJSON string

	if err := scan(
		&job.ID, &status, &job.Chain, &createdAt, &startedAt, &completedAt,
		&filtersJSON, &walletsJSON, &successfulJSON, &failedJSON, &errorSummary,
	); err != nil {
		return nil, err
	}

	job.Status = JobStatus(status)
	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	job.StartedAt = parseTimePtr(startedAt)
	job.CompletedAt = parseTimePtr(completedAt)
	job.ErrorSummary = errorSummary.String
	json.Unmarshal([]byte(filtersJSON), &job.Filters)
	json.Unmarshal([]byte(walletsJSON), &job.Wallets)
	json.Unmarshal([]byte(successfulJSON), &job.SuccessfulWallets)
	json.Unmarshal([]byte(failedJSON), &job.FailedWallets)
	return &job, nil
}

func timePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
