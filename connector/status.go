package connector

import (
	"database/sql"
	"time"

	"github.com/knoom0/datanav-sub002/errors"
)

// Status is the persisted per-connector connection state. It is the sole
// arbiter of "is this connector currently loading": all is_loading /
// active_job_id mutations go through conditional updates.
type Status struct {
	ConnectorID         string     `json:"connector_id"`
	IsConnected         bool       `json:"is_connected"`
	IsLoading           bool       `json:"is_loading"`
	LastLoadedAt        *time.Time `json:"last_loaded_at,omitempty"`
	ActiveJobID         string     `json:"active_job_id,omitempty"`
	LastJobID           string     `json:"last_job_id,omitempty"`
	PendingConsentUntil *time.Time `json:"pending_consent_until,omitempty"`
	AccessToken         string     `json:"-"`
	RefreshToken        string     `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// ConsentPending reports whether a consent request is outstanding at now.
func (s *Status) ConsentPending(now time.Time) bool {
	return s.PendingConsentUntil != nil && s.PendingConsentUntil.After(now)
}

// StatusStore handles persistence of connection status rows.
type StatusStore struct {
	db *sql.DB
}

// NewStatusStore creates a new connection status store.
func NewStatusStore(db *sql.DB) *StatusStore {
	return &StatusStore{db: db}
}

// ensure inserts an empty status row for connectorID if none exists.
func (s *StatusStore) ensure(connectorID string) error {
	now := time.Now()
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO connection_status (connector_id, created_at, updated_at)
		VALUES (?, ?, ?)
	`, connectorID, now, now)
	if err != nil {
		return errors.Wrapf(err, "failed to ensure status row for %s", connectorID)
	}
	return nil
}

// Get retrieves the status row for a connector.
// Returns nil (no error) when the connector has no row yet.
func (s *StatusStore) Get(connectorID string) (*Status, error) {
	query := `
		SELECT connector_id, is_connected, is_loading, last_loaded_at,
		       active_job_id, last_job_id, pending_consent_until,
		       access_token, refresh_token, created_at, updated_at
		FROM connection_status
		WHERE connector_id = ?
	`

	var st Status
	var lastLoadedAt, pendingUntil sql.NullTime
	var activeJobID, lastJobID, accessToken, refreshToken sql.NullString

	err := s.db.QueryRow(query, connectorID).Scan(
		&st.ConnectorID,
		&st.IsConnected,
		&st.IsLoading,
		&lastLoadedAt,
		&activeJobID,
		&lastJobID,
		&pendingUntil,
		&accessToken,
		&refreshToken,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get connection status for %s", connectorID)
	}

	if lastLoadedAt.Valid {
		st.LastLoadedAt = &lastLoadedAt.Time
	}
	if pendingUntil.Valid {
		st.PendingConsentUntil = &pendingUntil.Time
	}
	st.ActiveJobID = activeJobID.String
	st.LastJobID = lastJobID.String
	st.AccessToken = accessToken.String
	st.RefreshToken = refreshToken.String

	return &st, nil
}

// ClaimLoad atomically claims the connector for loading: exactly one caller
// wins when several race. Returns true when the claim succeeded; false when
// another load is already in flight (read Get().ActiveJobID for its job).
func (s *StatusStore) ClaimLoad(connectorID, jobID string) (bool, error) {
	if err := s.ensure(connectorID); err != nil {
		return false, err
	}

	res, err := s.db.Exec(`
		UPDATE connection_status
		SET is_loading = 1, active_job_id = ?, updated_at = ?
		WHERE connector_id = ? AND is_loading = 0
	`, jobID, time.Now(), connectorID)
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim load for %s", connectorID)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows == 1, nil
}

// ReleaseLoad clears the load claim held by jobID and stamps the last
// completed load. A claim held by a different job is left untouched, so a
// reaped job cannot release a successor's claim.
func (s *StatusStore) ReleaseLoad(connectorID, jobID string, lastLoadedAt *time.Time) error {
	var loadedAt interface{}
	if lastLoadedAt != nil {
		loadedAt = *lastLoadedAt
	}

	_, err := s.db.Exec(`
		UPDATE connection_status
		SET is_loading = 0,
		    active_job_id = NULL,
		    last_job_id = ?,
		    last_loaded_at = COALESCE(?, last_loaded_at),
		    updated_at = ?
		WHERE connector_id = ? AND active_job_id = ?
	`, jobID, loadedAt, time.Now(), connectorID, jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to release load for %s", connectorID)
	}
	return nil
}

// TransferLoad repoints the active claim from one job to its continuation,
// keeping is_loading set across the job chain.
func (s *StatusStore) TransferLoad(connectorID, fromJobID, toJobID string) error {
	res, err := s.db.Exec(`
		UPDATE connection_status
		SET active_job_id = ?, last_job_id = ?, updated_at = ?
		WHERE connector_id = ? AND active_job_id = ?
	`, toJobID, fromJobID, time.Now(), connectorID, fromJobID)
	if err != nil {
		return errors.Wrapf(err, "failed to transfer load claim for %s", connectorID)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Newf("load claim for %s no longer held by job %s", connectorID, fromJobID)
	}
	return nil
}

// SetPendingConsent marks a consent request outstanding until the given
// deadline. Returns the deadline actually in effect: an unexpired earlier
// request is reused rather than extended, so duplicate prompts share one TTL.
func (s *StatusStore) SetPendingConsent(connectorID string, until time.Time) (time.Time, error) {
	if err := s.ensure(connectorID); err != nil {
		return time.Time{}, err
	}

	now := time.Now()
	_, err := s.db.Exec(`
		UPDATE connection_status
		SET pending_consent_until = ?, updated_at = ?
		WHERE connector_id = ?
		  AND (pending_consent_until IS NULL OR pending_consent_until <= ?)
	`, until, now, connectorID, now)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "failed to set pending consent for %s", connectorID)
	}

	st, err := s.Get(connectorID)
	if err != nil {
		return time.Time{}, err
	}
	if st == nil || st.PendingConsentUntil == nil {
		return until, nil
	}
	return *st.PendingConsentUntil, nil
}

// ClearPendingConsent removes the pending marker. Safe to call when no
// request is pending; whichever actor observes the terminal condition
// first performs the single effective clear.
func (s *StatusStore) ClearPendingConsent(connectorID string) error {
	_, err := s.db.Exec(`
		UPDATE connection_status
		SET pending_consent_until = NULL, updated_at = ?
		WHERE connector_id = ?
	`, time.Now(), connectorID)
	if err != nil {
		return errors.Wrapf(err, "failed to clear pending consent for %s", connectorID)
	}
	return nil
}

// MarkConnected records a completed consent: connected flag, tokens, and
// the pending marker cleared in one write. This is the one field-level
// write the external OAuth callback is permitted.
func (s *StatusStore) MarkConnected(connectorID, accessToken, refreshToken string) error {
	if err := s.ensure(connectorID); err != nil {
		return err
	}

	_, err := s.db.Exec(`
		UPDATE connection_status
		SET is_connected = 1,
		    access_token = ?,
		    refresh_token = ?,
		    pending_consent_until = NULL,
		    updated_at = ?
		WHERE connector_id = ?
	`, accessToken, refreshToken, time.Now(), connectorID)
	if err != nil {
		return errors.Wrapf(err, "failed to mark %s connected", connectorID)
	}
	return nil
}

// MarkDisconnected records a declined or failed consent: the pending marker
// is cleared and the connected flag dropped.
func (s *StatusStore) MarkDisconnected(connectorID string) error {
	if err := s.ensure(connectorID); err != nil {
		return err
	}

	_, err := s.db.Exec(`
		UPDATE connection_status
		SET is_connected = 0,
		    access_token = NULL,
		    refresh_token = NULL,
		    pending_consent_until = NULL,
		    updated_at = ?
		WHERE connector_id = ?
	`, time.Now(), connectorID)
	if err != nil {
		return errors.Wrapf(err, "failed to mark %s disconnected", connectorID)
	}
	return nil
}

// List returns status rows for all connectors that have one.
func (s *StatusStore) List() ([]*Status, error) {
	return s.list("")
}

// ListLoading returns the status rows currently holding a load claim.
func (s *StatusStore) ListLoading() ([]*Status, error) {
	return s.list("WHERE is_loading = 1")
}

func (s *StatusStore) list(where string) ([]*Status, error) {
	rows, err := s.db.Query(`
		SELECT connector_id, is_connected, is_loading, last_loaded_at,
		       active_job_id, last_job_id, pending_consent_until,
		       access_token, refresh_token, created_at, updated_at
		FROM connection_status
		` + where + `
		ORDER BY connector_id ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list connection status")
	}
	defer rows.Close()

	var statuses []*Status
	for rows.Next() {
		var st Status
		var lastLoadedAt, pendingUntil sql.NullTime
		var activeJobID, lastJobID, accessToken, refreshToken sql.NullString

		if err := rows.Scan(
			&st.ConnectorID,
			&st.IsConnected,
			&st.IsLoading,
			&lastLoadedAt,
			&activeJobID,
			&lastJobID,
			&pendingUntil,
			&accessToken,
			&refreshToken,
			&st.CreatedAt,
			&st.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan connection status")
		}

		if lastLoadedAt.Valid {
			st.LastLoadedAt = &lastLoadedAt.Time
		}
		if pendingUntil.Valid {
			st.PendingConsentUntil = &pendingUntil.Time
		}
		st.ActiveJobID = activeJobID.String
		st.LastJobID = lastJobID.String
		st.AccessToken = accessToken.String
		st.RefreshToken = refreshToken.String

		statuses = append(statuses, &st)
	}

	return statuses, rows.Err()
}
