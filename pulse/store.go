package pulse

import (
	"database/sql"
	"time"

	"github.com/knoom0/datanav-sub002/errors"
)

// Store handles persistence of pulse configs. Timestamps are RFC3339
// strings in storage.
type Store struct {
	db *sql.DB
}

// NewStore creates a new pulse config store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new pulse config.
func (s *Store) Create(cfg *Config) error {
	query := `
		INSERT INTO pulse_configs (
			id, name, prompt, cron, cron_timezone, enabled,
			next_run_at, last_run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		cfg.ID,
		cfg.Name,
		cfg.Prompt,
		cfg.Cron,
		cfg.CronTimezone,
		cfg.Enabled,
		formatTimePtr(cfg.NextRunAt),
		formatTimePtr(cfg.LastRunAt),
		cfg.CreatedAt.UTC().Format(time.RFC3339),
		cfg.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create pulse config %s", cfg.ID)
	}
	return nil
}

const configSelectColumns = `
	id, name, prompt, cron, cron_timezone, enabled,
	next_run_at, last_run_at, created_at, updated_at
`

// Get retrieves a pulse config by id, or ErrNotFound.
func (s *Store) Get(id string) (*Config, error) {
	query := `SELECT ` + configSelectColumns + ` FROM pulse_configs WHERE id = ?`

	cfg, err := scanConfig(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("pulse config not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get pulse config %s", id)
	}
	return cfg, nil
}

// List returns all pulse configs ordered by name.
func (s *Store) List() ([]*Config, error) {
	return s.list(`SELECT ` + configSelectColumns + ` FROM pulse_configs ORDER BY name ASC`)
}

// ListEnabled returns enabled configs ordered by next run.
func (s *Store) ListEnabled() ([]*Config, error) {
	return s.list(`
		SELECT ` + configSelectColumns + `
		FROM pulse_configs
		WHERE enabled = 1
		ORDER BY next_run_at ASC
	`)
}

func (s *Store) list(query string) ([]*Config, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pulse configs")
	}
	defer rows.Close()

	var configs []*Config
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan pulse config")
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// UpdateAfterRun stamps a run and schedules the next one.
func (s *Store) UpdateAfterRun(id string, ranAt, nextRunAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE pulse_configs
		SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`,
		ranAt.UTC().Format(time.RFC3339),
		nextRunAt.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update pulse config %s after run", id)
	}
	return nil
}

// SetEnabled toggles a config. Disabling does not clear next_run_at; a
// re-enabled config picks up from its stale schedule on the next tick.
func (s *Store) SetEnabled(id string, enabled bool) error {
	res, err := s.db.Exec(`
		UPDATE pulse_configs SET enabled = ?, updated_at = ? WHERE id = ?
	`, enabled, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "failed to toggle pulse config %s", id)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("pulse config not found: %s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConfig(row rowScanner) (*Config, error) {
	var cfg Config
	var nextRunAt, lastRunAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&cfg.ID,
		&cfg.Name,
		&cfg.Prompt,
		&cfg.Cron,
		&cfg.CronTimezone,
		&cfg.Enabled,
		&nextRunAt,
		&lastRunAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if cfg.NextRunAt, err = parseTimePtr(nextRunAt); err != nil {
		return nil, err
	}
	if cfg.LastRunAt, err = parseTimePtr(lastRunAt); err != nil {
		return nil, err
	}
	if cfg.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrap(err, "failed to parse created_at")
	}
	if cfg.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrap(err, "failed to parse updated_at")
	}
	return &cfg, nil
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse stored timestamp %q", s.String)
	}
	return &t, nil
}
