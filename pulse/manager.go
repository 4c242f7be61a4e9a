package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/knoom0/datanav-sub002/errors"
	"github.com/knoom0/datanav-sub002/job"
	"github.com/knoom0/datanav-sub002/logger"
)

// PublishRunner executes the payload of a publish job. The report
// pipeline plugs in here; the default runner just records the prompt.
type PublishRunner interface {
	Publish(ctx context.Context, cfg *Config, j *job.Job) error
}

// LogPublishRunner is the default runner: it logs the prompt and
// completes. Useful until a real downstream is attached.
type LogPublishRunner struct{}

func (LogPublishRunner) Publish(_ context.Context, cfg *Config, j *job.Job) error {
	logger.Infow("Publishing pulse",
		"pulse_config_id", cfg.ID, "name", cfg.Name, "job_id", j.ID,
		"prompt", cfg.Prompt)
	return nil
}

// TickResult reports one scheduler evaluation pass.
type TickResult struct {
	Checked          int      `json:"checked"`
	Triggered        int      `json:"triggered"`
	Skipped          int      `json:"skipped"`
	TriggeredConfigs []string `json:"triggered_configs,omitempty"`
	Errors           []string `json:"errors,omitempty"`
}

// publishParams is the payload a publish job carries.
type publishParams struct {
	PulseConfigID string `json:"pulse_config_id"`
	Name          string `json:"name"`
	Prompt        string `json:"prompt"`
}

// Manager evaluates pulse configs and turns due ones into publish jobs.
// One manager per process; the ticker calls Tick, the server calls
// Publish for manual triggers.
type Manager struct {
	configs    *Store
	jobs       *job.Store
	dispatcher job.Dispatcher
	runner     PublishRunner
}

// NewManager creates a pulse manager with the default log runner.
func NewManager(configs *Store, jobs *job.Store, dispatcher job.Dispatcher) *Manager {
	return &Manager{
		configs:    configs,
		jobs:       jobs,
		dispatcher: dispatcher,
		runner:     LogPublishRunner{},
	}
}

// SetRunner replaces the publish runner.
func (m *Manager) SetRunner(r PublishRunner) {
	m.runner = r
}

// Configs exposes the config store for API handlers.
func (m *Manager) Configs() *Store {
	return m.configs
}

// PublishFunc returns the executor the job scheduler runs publish jobs
// with: it resolves the job back to its config and hands both to the
// runner.
func (m *Manager) PublishFunc() job.PublishFunc {
	return func(ctx context.Context, j *job.Job) error {
		cfg, err := m.configs.Get(j.ConnectorID)
		if err != nil {
			return err
		}
		return m.runner.Publish(ctx, cfg, j)
	}
}

// Tick evaluates every enabled config once. A config is due when it has
// no next run scheduled or its next run is not after now. Each config
// fails independently: one bad cron expression or dispatch failure never
// stops the rest of the pass, and rescheduling happens regardless of
// whether the trigger succeeded.
func (m *Manager) Tick(ctx context.Context) (*TickResult, error) {
	now := time.Now()
	configs, err := m.configs.ListEnabled()
	if err != nil {
		return nil, err
	}

	result := &TickResult{}
	for _, cfg := range configs {
		result.Checked++

		if !cfg.Due(now) {
			result.Skipped++
			continue
		}

		if _, err := m.trigger(ctx, cfg); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", cfg.ID, err))
			logger.Errorw("Pulse trigger failed", "pulse_config_id", cfg.ID, "error", err)
		} else {
			result.Triggered++
			result.TriggeredConfigs = append(result.TriggeredConfigs, cfg.ID)
		}

		next, err := NextRun(cfg.Cron, cfg.CronTimezone, now)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", cfg.ID, err))
			logger.Errorw("Pulse reschedule failed", "pulse_config_id", cfg.ID, "error", err)
			continue
		}
		if err := m.configs.UpdateAfterRun(cfg.ID, now, next); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", cfg.ID, err))
			logger.Errorw("Pulse reschedule failed", "pulse_config_id", cfg.ID, "error", err)
		}
	}

	if result.Triggered > 0 {
		logger.Infow("Pulse tick",
			"checked", result.Checked,
			"triggered", result.Triggered,
			"skipped", result.Skipped)
	}
	return result, nil
}

// Publish triggers a config manually, bypassing its schedule. The
// schedule itself is untouched; the next tick fires as it would have.
func (m *Manager) Publish(ctx context.Context, configID string) (*job.Job, error) {
	cfg, err := m.configs.Get(configID)
	if err != nil {
		return nil, err
	}
	return m.trigger(ctx, cfg)
}

func (m *Manager) trigger(ctx context.Context, cfg *Config) (*job.Job, error) {
	params, err := json.Marshal(publishParams{
		PulseConfigID: cfg.ID,
		Name:          cfg.Name,
		Prompt:        cfg.Prompt,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode publish params")
	}

	j, err := job.NewPublishJob(cfg.ID, params)
	if err != nil {
		return nil, err
	}
	if err := m.jobs.CreateJob(j); err != nil {
		return nil, err
	}
	if err := m.dispatcher.Dispatch(ctx, j.ID); err != nil {
		return nil, err
	}
	return j, nil
}
