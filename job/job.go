// Package job provides sync job scheduling with deadline-bounded runs and
// continuation chaining.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/knoom0/datanav-sub002/errors"
)

// Kind distinguishes what a job does when run.
type Kind string

const (
	// KindLoad pulls records from a connector's source.
	KindLoad Kind = "load"
	// KindPublish pushes a pulse config's output downstream.
	KindPublish Kind = "publish"
)

// State is the lifecycle position of a job. Transitions are monotonic:
// created -> running -> finished, no re-runs.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateFinished State = "finished"
)

// Result qualifies a finished job. Empty until the job finishes.
type Result string

const (
	ResultSuccess  Result = "success"
	ResultError    Result = "error"
	ResultCanceled Result = "canceled"
)

// IsValidState returns true if s names a job state.
func IsValidState(s string) bool {
	switch State(s) {
	case StateCreated, StateRunning, StateFinished:
		return true
	default:
		return false
	}
}

// Job is one unit of sync work against a connector. Load jobs carry their
// resume position in SyncContext; a job that hits its deadline finishes
// and hands the cursor to a continuation job linked via ParentJobID.
type Job struct {
	ID          string          `json:"id"`
	ConnectorID string          `json:"connector_id"`
	Kind        Kind            `json:"kind"`
	State       State           `json:"state"`
	Result      Result          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	SyncContext string          `json:"sync_context,omitempty"`
	RecordCount int             `json:"record_count"`
	ParentJobID string          `json:"parent_job_id,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Finished reports whether the job reached its terminal state.
func (j *Job) Finished() bool {
	return j.State == StateFinished
}

// Succeeded reports a finished job that ended in success.
func (j *Job) Succeeded() bool {
	return j.State == StateFinished && j.Result == ResultSuccess
}

// NewLoadJob creates a load job for a connector.
func NewLoadJob(connectorID string, params json.RawMessage) (*Job, error) {
	return newJob(connectorID, KindLoad, params, "", "")
}

// NewContinuationJob creates the load job that resumes where parent left
// off. The cursor crosses the job boundary as the new job's sync context.
func NewContinuationJob(parent *Job, syncContext string) (*Job, error) {
	if parent.Kind != KindLoad {
		return nil, errors.Newf("cannot continue %s job %s", parent.Kind, parent.ID)
	}
	return newJob(parent.ConnectorID, KindLoad, parent.Params, syncContext, parent.ID)
}

// NewPublishJob creates a publish job. The connector id slot carries the
// pulse config id; publish jobs share the table and lifecycle of loads.
func NewPublishJob(pulseConfigID string, params json.RawMessage) (*Job, error) {
	return newJob(pulseConfigID, KindPublish, params, "", "")
}

func newJob(connectorID string, kind Kind, params json.RawMessage, syncContext, parentJobID string) (*Job, error) {
	if connectorID == "" {
		return nil, errors.New("job requires a connector id")
	}

	now := time.Now()
	return &Job{
		ID:          uuid.NewString(),
		ConnectorID: connectorID,
		Kind:        kind,
		State:       StateCreated,
		Params:      params,
		SyncContext: syncContext,
		ParentJobID: parentJobID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
