package job

import (
	"database/sql"
	"time"

	"github.com/knoom0/datanav-sub002/errors"
)

// Store handles persistence of sync jobs.
type Store struct {
	db *sql.DB
}

// NewStore creates a new sync job store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobSelectColumns = `
	id, connector_id, kind, state, result, error, params,
	sync_context, record_count, parent_job_id,
	started_at, finished_at, created_at, updated_at
`

// CreateJob inserts a new job.
func (s *Store) CreateJob(job *Job) error {
	query := `
		INSERT INTO sync_jobs (
			id, connector_id, kind, state, result, error, params,
			sync_context, record_count, parent_job_id,
			started_at, finished_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	params := sql.NullString{String: string(job.Params), Valid: len(job.Params) > 0}
	parentJobID := sql.NullString{String: job.ParentJobID, Valid: job.ParentJobID != ""}

	_, err := s.db.Exec(query,
		job.ID,
		job.ConnectorID,
		job.Kind,
		job.State,
		job.Result,
		job.Error,
		params,
		job.SyncContext,
		job.RecordCount,
		parentJobID,
		job.StartedAt,
		job.FinishedAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create job %s", job.ID)
	}
	return nil
}

// GetJob retrieves a job by ID, or ErrNotFound.
func (s *Store) GetJob(id string) (*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM sync_jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// MarkRunning transitions a job from created to running. Returns false
// when the job already left the created state, so racing runners cannot
// start it twice.
func (s *Store) MarkRunning(id string) (bool, error) {
	now := time.Now()
	res, err := s.db.Exec(`
		UPDATE sync_jobs
		SET state = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`, StateRunning, now, now, id, StateCreated)
	if err != nil {
		return false, errors.Wrapf(err, "failed to mark job %s running", id)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows == 1, nil
}

// FinishJob transitions a job to finished with the given outcome. The
// update is conditional on the job not being finished already, keeping
// terminal state write-once.
func (s *Store) FinishJob(id string, result Result, errMsg string, recordCount int, syncContext string) (bool, error) {
	now := time.Now()
	res, err := s.db.Exec(`
		UPDATE sync_jobs
		SET state = ?, result = ?, error = ?, record_count = ?,
		    sync_context = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND state != ?
	`, StateFinished, result, errMsg, recordCount, syncContext, now, now, id, StateFinished)
	if err != nil {
		return false, errors.Wrapf(err, "failed to finish job %s", id)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows == 1, nil
}

// ListJobs returns jobs for a connector ordered newest first. A nil state
// filter returns all states.
func (s *Store) ListJobs(connectorID string, state *State, limit int) ([]*Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM sync_jobs WHERE connector_id = ?`
	args := []interface{}{connectorID}
	if state != nil {
		query += ` AND state = ?`
		args = append(args, *state)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ActiveJob returns the one unfinished job for a connector, or nil.
func (s *Store) ActiveJob(connectorID string) (*Job, error) {
	query := `
		SELECT ` + jobSelectColumns + `
		FROM sync_jobs
		WHERE connector_id = ? AND state != ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	job, err := scanJob(s.db.QueryRow(query, connectorID, StateFinished))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get active job for %s", connectorID)
	}
	return job, nil
}

// ListRunningOlderThan returns running jobs whose run started before the
// cutoff. These are presumed orphaned by a crashed or hung runner.
func (s *Store) ListRunningOlderThan(cutoff time.Time) ([]*Job, error) {
	query := `
		SELECT ` + jobSelectColumns + `
		FROM sync_jobs
		WHERE state = ? AND started_at IS NOT NULL AND started_at < ?
	`

	rows, err := s.db.Query(query, StateRunning, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale running jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// DeleteFinishedOlderThan removes finished jobs that finished before the
// cutoff, returning how many were deleted. Unfinished jobs are never
// deleted regardless of age.
func (s *Store) DeleteFinishedOlderThan(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM sync_jobs
		WHERE state = ? AND finished_at IS NOT NULL AND finished_at < ?
	`, StateFinished, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old finished jobs")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var result, errMsg, params, syncContext, parentJobID sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.ConnectorID,
		&job.Kind,
		&job.State,
		&result,
		&errMsg,
		&params,
		&syncContext,
		&job.RecordCount,
		&parentJobID,
		&startedAt,
		&finishedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Result = Result(result.String)
	job.Error = errMsg.String
	job.SyncContext = syncContext.String
	if params.Valid {
		job.Params = []byte(params.String)
	}
	job.ParentJobID = parentJobID.String
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
