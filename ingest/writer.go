// Package ingest drives record loading: it pages a connector's loader and
// upserts what comes back, stopping at the job deadline with a resumable
// cursor.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/knoom0/datanav-sub002/connector"
	"github.com/knoom0/datanav-sub002/errors"
)

// Writer persists a batch of fetched records for a connector.
type Writer interface {
	Write(ctx context.Context, connectorID string, records []connector.Record) (int, error)
}

// SQLiteWriter upserts records into the records table, keyed by
// (connector_id, resource, record_id).
type SQLiteWriter struct {
	db *sql.DB
}

// NewSQLiteWriter creates a writer over the given database.
func NewSQLiteWriter(db *sql.DB) *SQLiteWriter {
	return &SQLiteWriter{db: db}
}

// Write upserts the batch in one transaction and returns the number of
// rows written. Re-syncing an unchanged record overwrites it in place, so
// the count reflects records seen, not records changed.
func (w *SQLiteWriter) Write(ctx context.Context, connectorID string, records []connector.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin record write")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (connector_id, resource, record_id, fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(connector_id, resource, record_id)
		DO UPDATE SET fields = excluded.fields, updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prepare record upsert")
	}
	defer stmt.Close()

	for _, rec := range records {
		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to encode record %s/%s", rec.Resource, rec.ID)
		}
		if _, err := stmt.ExecContext(ctx, connectorID, rec.Resource, rec.ID, string(fields)); err != nil {
			return 0, errors.Wrapf(err, "failed to upsert record %s/%s", rec.Resource, rec.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit record write")
	}
	return len(records), nil
}

// CountRecords returns the number of stored records for a connector.
func (w *SQLiteWriter) CountRecords(ctx context.Context, connectorID string) (int, error) {
	var n int
	err := w.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE connector_id = ?", connectorID,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count records for %s", connectorID)
	}
	return n, nil
}
