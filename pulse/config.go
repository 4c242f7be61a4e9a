// Package pulse schedules recurring publishes: cron-expressed configs
// evaluated by a ticker, each due config triggering a publish job.
package pulse

import (
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/knoom0/datanav-sub002/errors"
)

// Config is one recurring publish schedule.
type Config struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Prompt       string     `json:"prompt"`
	Cron         string     `json:"cron"`
	CronTimezone string     `json:"cron_timezone"`
	Enabled      bool       `json:"enabled"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewConfig creates a pulse config after validating its cron expression
// and timezone. NextRunAt starts nil, which the ticker treats as due.
func NewConfig(name, prompt, cronExpr, timezone string) (*Config, error) {
	if name == "" {
		return nil, errors.New("pulse config requires a name")
	}
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := NextRun(cronExpr, timezone, time.Now()); err != nil {
		return nil, err
	}

	now := time.Now()
	return &Config{
		ID:           uuid.NewString(),
		Name:         name,
		Prompt:       prompt,
		Cron:         cronExpr,
		CronTimezone: timezone,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Due reports whether the config should trigger at now. A config that
// has never been scheduled is due immediately.
func (c *Config) Due(now time.Time) bool {
	return c.NextRunAt == nil || !c.NextRunAt.After(now)
}

// NextRun computes the strictly-future occurrence of a standard 5-field
// cron expression after the given instant, evaluated in tz.
func NextRun(expr, tz string, after time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid timezone %q", tz)
	}
	return schedule.Next(after.In(loc)), nil
}
