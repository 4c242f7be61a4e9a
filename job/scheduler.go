package job

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/knoom0/datanav-sub002/config"
	"github.com/knoom0/datanav-sub002/connector"
	"github.com/knoom0/datanav-sub002/errors"
	"github.com/knoom0/datanav-sub002/ingest"
	"github.com/knoom0/datanav-sub002/logger"
)

const subscriberChannelBufferSize = 100

// PublishFunc executes a publish job's payload. Wired by the pulse
// manager; a scheduler without one fails publish jobs.
type PublishFunc func(ctx context.Context, j *Job) error

// RunResult reports one scheduler run. NextJobIDs carries the
// continuation job when the run stopped at its budget.
type RunResult struct {
	Job        *Job
	NextJobIDs []string
}

// WaitResult reports the outcome of waiting on a job.
type WaitResult struct {
	Job      *Job
	Success  bool
	Duration time.Duration
}

// CleanupResult reports a stale-job sweep.
type CleanupResult struct {
	Checked  int
	Canceled int
	// Released counts load claims reaped because their active job was
	// missing or never started.
	Released int
}

// Scheduler owns the sync job lifecycle: idempotent creation against the
// connector's load claim, budget-bounded runs, continuation chaining,
// and stale-job reaping.
type Scheduler struct {
	store      *Store
	status     *connector.StatusStore
	registry   *connector.Registry
	engine     *ingest.Engine
	staleAfter time.Duration
	pollEvery  time.Duration

	dispatcher Dispatcher
	publish    PublishFunc

	mu          sync.Mutex
	subscribers []chan *Job
}

// NewScheduler creates a scheduler. The default dispatcher runs jobs on
// in-process goroutines bounded by the configured load timeout.
func NewScheduler(store *Store, status *connector.StatusStore, registry *connector.Registry, engine *ingest.Engine, cfg *config.SyncConfig) *Scheduler {
	s := &Scheduler{
		store:      store,
		status:     status,
		registry:   registry,
		engine:     engine,
		staleAfter: cfg.StaleJobThreshold(),
		pollEvery:  cfg.PollInterval(),
	}
	s.dispatcher = NewGoDispatcher(s, cfg.MaxJobDuration(), cfg.LoadTimeout())
	return s
}

// SetDispatcher replaces the continuation dispatcher.
func (s *Scheduler) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// SetPublishFunc wires the publish job executor.
func (s *Scheduler) SetPublishFunc(fn PublishFunc) {
	s.publish = fn
}

// Dispatcher returns the active dispatcher.
func (s *Scheduler) Dispatcher() Dispatcher {
	return s.dispatcher
}

// Create makes a load job for a connector, or returns the job already in
// flight. The load claim decides the race: the claim winner's job is the
// one every racing caller gets back.
func (s *Scheduler) Create(ctx context.Context, connectorID string, params json.RawMessage) (*Job, bool, error) {
	if _, err := s.registry.Get(connectorID); err != nil {
		return nil, false, err
	}

	st, err := s.status.Get(connectorID)
	if err != nil {
		return nil, false, err
	}
	if st == nil || !st.IsConnected {
		return nil, false, errors.Wrapf(errors.ErrNotConnected, "connector %s is not connected", connectorID)
	}

	j, err := NewLoadJob(connectorID, params)
	if err != nil {
		return nil, false, err
	}

	won, err := s.status.ClaimLoad(connectorID, j.ID)
	if err != nil {
		return nil, false, err
	}
	if !won {
		st, err := s.status.Get(connectorID)
		if err != nil {
			return nil, false, err
		}
		if st != nil && st.ActiveJobID != "" {
			existing, err := s.store.GetJob(st.ActiveJobID)
			if err == nil {
				return existing, false, nil
			}
		}
		return nil, false, errors.Wrapf(errors.ErrConflict, "a load for %s is already starting", connectorID)
	}

	if err := s.store.CreateJob(j); err != nil {
		if relErr := s.status.ReleaseLoad(connectorID, j.ID, nil); relErr != nil {
			logger.Errorw("Failed to release claim after create failure",
				"connector_id", connectorID, "job_id", j.ID, "error", relErr)
		}
		return nil, false, err
	}

	logger.Infow("Created sync job", "job_id", j.ID, "connector_id", connectorID)
	s.notify(j)
	return j, true, nil
}

// Run executes a created job to its terminal state. Load jobs run the
// ingest engine against a deadline of now+maxDuration; a run that stops
// at the deadline finishes successfully and hands its cursor to exactly
// one continuation job, dispatched before Run returns.
func (s *Scheduler) Run(ctx context.Context, jobID string, maxDuration time.Duration) (*RunResult, error) {
	j, err := s.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	started, err := s.store.MarkRunning(jobID)
	if err != nil {
		return nil, err
	}
	if !started {
		return nil, errors.Wrapf(errors.ErrConflict, "job %s already started", jobID)
	}
	now := time.Now()
	j.State = StateRunning
	j.StartedAt = &now
	s.notify(j)

	switch j.Kind {
	case KindPublish:
		return s.runPublish(ctx, j)
	default:
		return s.runLoad(ctx, j, maxDuration)
	}
}

func (s *Scheduler) runLoad(ctx context.Context, j *Job, maxDuration time.Duration) (*RunResult, error) {
	cfg, err := s.registry.Get(j.ConnectorID)
	if err != nil {
		return nil, s.failLoad(j, 0, j.SyncContext, err)
	}

	st, err := s.status.Get(j.ConnectorID)
	if err != nil {
		return nil, s.failLoad(j, 0, j.SyncContext, err)
	}
	var creds connector.Credentials
	if st != nil {
		creds = connector.Credentials{AccessToken: st.AccessToken, RefreshToken: st.RefreshToken}
	}
	loader, err := cfg.NewLoader(creds)
	if err != nil {
		return nil, s.failLoad(j, 0, j.SyncContext, err)
	}

	cursor, err := connector.ParseCursor(j.SyncContext)
	if err != nil {
		return nil, s.failLoad(j, 0, j.SyncContext, err)
	}

	deadline := time.Now().Add(maxDuration)
	result, runErr := s.engine.Run(ctx, j.ConnectorID, loader, cursor, deadline)

	encoded, encErr := connector.EncodeCursor(result.Cursor)
	if encErr != nil {
		encoded = j.SyncContext
	}

	if runErr != nil {
		return nil, s.failLoad(j, result.UpdatedRecordCount, encoded, runErr)
	}

	if result.Finished {
		if _, err := s.store.FinishJob(j.ID, ResultSuccess, "", result.UpdatedRecordCount, encoded); err != nil {
			return nil, err
		}
		loadedAt := time.Now()
		if err := s.status.ReleaseLoad(j.ConnectorID, j.ID, &loadedAt); err != nil {
			logger.Errorw("Failed to release load claim",
				"connector_id", j.ConnectorID, "job_id", j.ID, "error", err)
		}
		s.notifyFinished(j.ID)
		logger.Infow("Sync job finished",
			"job_id", j.ID, "connector_id", j.ConnectorID,
			"records", result.UpdatedRecordCount)
		return &RunResult{Job: s.refresh(j)}, nil
	}

	// Budget cutoff: chain a continuation carrying the cursor.
	cont, err := NewContinuationJob(j, encoded)
	if err != nil {
		return nil, s.failLoad(j, result.UpdatedRecordCount, encoded, err)
	}
	if err := s.store.CreateJob(cont); err != nil {
		return nil, s.failLoad(j, result.UpdatedRecordCount, encoded, err)
	}
	if err := s.status.TransferLoad(j.ConnectorID, j.ID, cont.ID); err != nil {
		// Claim was reaped out from under us; the chain ends here.
		if _, ferr := s.store.FinishJob(cont.ID, ResultCanceled, "load claim lost before continuation", 0, encoded); ferr != nil {
			logger.Errorw("Failed to cancel orphaned continuation", "job_id", cont.ID, "error", ferr)
		}
		return nil, s.failLoad(j, result.UpdatedRecordCount, encoded, err)
	}

	if _, err := s.store.FinishJob(j.ID, ResultSuccess, "", result.UpdatedRecordCount, encoded); err != nil {
		return nil, err
	}
	s.notifyFinished(j.ID)
	s.notify(cont)

	logger.Infow("Sync job continuing",
		"job_id", j.ID, "next_job_id", cont.ID,
		"connector_id", j.ConnectorID, "records", result.UpdatedRecordCount)

	if err := s.dispatcher.Dispatch(ctx, cont.ID); err != nil {
		logger.Errorw("Failed to dispatch continuation", "job_id", cont.ID, "error", err)
	}
	return &RunResult{Job: s.refresh(j), NextJobIDs: []string{cont.ID}}, nil
}

func (s *Scheduler) runPublish(ctx context.Context, j *Job) (*RunResult, error) {
	if s.publish == nil {
		err := errors.New("no publisher configured")
		if _, ferr := s.store.FinishJob(j.ID, ResultError, err.Error(), 0, j.SyncContext); ferr != nil {
			return nil, ferr
		}
		s.notifyFinished(j.ID)
		return nil, err
	}

	if err := s.publish(ctx, j); err != nil {
		if _, ferr := s.store.FinishJob(j.ID, ResultError, err.Error(), 0, j.SyncContext); ferr != nil {
			return nil, ferr
		}
		s.notifyFinished(j.ID)
		return nil, err
	}

	if _, err := s.store.FinishJob(j.ID, ResultSuccess, "", 0, j.SyncContext); err != nil {
		return nil, err
	}
	s.notifyFinished(j.ID)
	return &RunResult{Job: s.refresh(j)}, nil
}

// failLoad records a failed load and releases the claim without stamping
// a completed load.
func (s *Scheduler) failLoad(j *Job, recordCount int, syncContext string, cause error) error {
	if _, err := s.store.FinishJob(j.ID, ResultError, cause.Error(), recordCount, syncContext); err != nil {
		logger.Errorw("Failed to record job failure", "job_id", j.ID, "error", err)
	}
	if err := s.status.ReleaseLoad(j.ConnectorID, j.ID, nil); err != nil {
		logger.Errorw("Failed to release load claim",
			"connector_id", j.ConnectorID, "job_id", j.ID, "error", err)
	}
	s.notifyFinished(j.ID)
	logger.Warnw("Sync job failed",
		"job_id", j.ID, "connector_id", j.ConnectorID, "error", cause)
	return cause
}

// Get retrieves a job by id.
func (s *Scheduler) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.store.GetJob(jobID)
}

// List returns recent jobs for a connector, newest first.
func (s *Scheduler) List(ctx context.Context, connectorID string, limit int) ([]*Job, error) {
	return s.store.ListJobs(connectorID, nil, limit)
}

// Cleanup reaps running jobs whose run started before the staleness
// threshold: they finish canceled and their load claims are released.
// Jobs within the threshold are never preempted.
func (s *Scheduler) Cleanup(ctx context.Context) (*CleanupResult, error) {
	cutoff := time.Now().Add(-s.staleAfter)
	stale, err := s.store.ListRunningOlderThan(cutoff)
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{Checked: len(stale)}
	for _, j := range stale {
		finished, err := s.store.FinishJob(j.ID, ResultCanceled,
			"canceled by cleanup: exceeded staleness threshold", j.RecordCount, j.SyncContext)
		if err != nil {
			logger.Errorw("Failed to reap stale job", "job_id", j.ID, "error", err)
			continue
		}
		if !finished {
			continue
		}
		if j.Kind == KindLoad {
			if err := s.status.ReleaseLoad(j.ConnectorID, j.ID, nil); err != nil {
				logger.Errorw("Failed to release claim of reaped job",
					"connector_id", j.ConnectorID, "job_id", j.ID, "error", err)
			}
		}
		result.Canceled++
		s.notifyFinished(j.ID)
		logger.Warnw("Reaped stale job",
			"job_id", j.ID, "connector_id", j.ConnectorID, "started_at", j.StartedAt)
	}

	// A crash between claiming the load and creating its job, or between
	// finishing the job and releasing the claim, leaves is_loading set with
	// an active_job_id no runner will ever release. Those claims never show
	// up in the running-job scan above, so reap them from the status side.
	loading, err := s.status.ListLoading()
	if err != nil {
		return nil, err
	}
	for _, st := range loading {
		if st.ActiveJobID == "" {
			continue
		}
		j, err := s.store.GetJob(st.ActiveJobID)
		switch {
		case errors.IsNotFoundError(err):
			// Claim with no job row: release below.
		case err != nil:
			logger.Errorw("Failed to check claimed job",
				"connector_id", st.ConnectorID, "job_id", st.ActiveJobID, "error", err)
			continue
		case j.State == StateRunning:
			// Live; the stale scan above decides its fate.
			continue
		case j.State == StateCreated && j.CreatedAt.After(cutoff):
			continue
		case j.State == StateCreated:
			finished, err := s.store.FinishJob(j.ID, ResultCanceled,
				"canceled by cleanup: never started before staleness threshold", j.RecordCount, j.SyncContext)
			if err != nil {
				logger.Errorw("Failed to cancel stuck job", "job_id", j.ID, "error", err)
				continue
			}
			if finished {
				result.Canceled++
				s.notifyFinished(j.ID)
			}
		}
		if err := s.status.ReleaseLoad(st.ConnectorID, st.ActiveJobID, nil); err != nil {
			logger.Errorw("Failed to release wedged load claim",
				"connector_id", st.ConnectorID, "job_id", st.ActiveJobID, "error", err)
			continue
		}
		result.Released++
		logger.Warnw("Released wedged load claim",
			"connector_id", st.ConnectorID, "job_id", st.ActiveJobID)
	}
	return result, nil
}

// WaitForCompletion polls until the job finishes or timeout elapses.
// Timeout is not an error: the result comes back with Success=false and
// the job still running.
func (s *Scheduler) WaitForCompletion(ctx context.Context, jobID string, timeout, pollInterval time.Duration) (*WaitResult, error) {
	start := time.Now()
	deadline := start.Add(timeout)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		j, err := s.store.GetJob(jobID)
		if err != nil {
			return nil, err
		}
		if j.Finished() {
			return &WaitResult{Job: j, Success: j.Succeeded(), Duration: time.Since(start)}, nil
		}
		if !time.Now().Before(deadline) {
			return &WaitResult{Job: j, Success: false, Duration: time.Since(start)}, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "wait for job %s interrupted", jobID)
		case <-ticker.C:
		}
	}
}

// Subscribe returns a buffered channel receiving job transitions.
func (s *Scheduler) Subscribe() chan *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *Job, subscriberChannelBufferSize)
	s.subscribers = append(s.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel. The channel is not closed
// here; the caller owns its lifecycle.
func (s *Scheduler) Unsubscribe(ch chan *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) notify(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subscribers {
		select {
		case ch <- j:
		default:
			// Slow subscriber: drop rather than block the scheduler.
		}
	}
}

func (s *Scheduler) notifyFinished(jobID string) {
	if j, err := s.store.GetJob(jobID); err == nil {
		s.notify(j)
	}
}

func (s *Scheduler) refresh(j *Job) *Job {
	fresh, err := s.store.GetJob(j.ID)
	if err != nil {
		return j
	}
	return fresh
}
