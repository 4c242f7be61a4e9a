// Package sqlsource implements the connector.Loader for sources reachable
// directly over database/sql, paging each table by keyset on its updated
// column.
package sqlsource

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/knoom0/datanav-sub002/connector"
	"github.com/knoom0/datanav-sub002/errors"
)

const defaultPageSize = 500

// Options configures a SQL source loader.
type Options struct {
	// Driver and DSN open the source database. When DB is set they are
	// ignored.
	Driver string
	DSN    string
	// DB supplies an already opened handle, mainly for tests.
	DB *sql.DB
	// Resources are the tables to sync, in order. Each descriptor must
	// name an id column and an updated column for keyset paging.
	Resources []connector.ResourceDescriptor
	// PageSize is the row count fetched per page.
	PageSize int
}

// Loader pulls rows straight from a SQL database. Pages order by
// (updated, id) so a crash mid-resource resumes without rescanning.
type Loader struct {
	opts Options
	db   *sql.DB
}

// New builds a loader. Credentials are unused; access is governed by the
// DSN itself.
func New(opts Options, _ connector.Credentials) (*Loader, error) {
	if len(opts.Resources) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "sqlsource loader requires at least one resource")
	}
	for _, r := range opts.Resources {
		if r.IDColumn == "" || r.UpdatedColumn == "" {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "resource %s needs id and updated columns", r.Name)
		}
	}
	db := opts.DB
	if db == nil {
		if opts.Driver == "" || opts.DSN == "" {
			return nil, errors.Wrap(errors.ErrInvalidRequest, "sqlsource loader requires a driver and DSN")
		}
		var err error
		db, err = sql.Open(opts.Driver, opts.DSN)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open source database")
		}
	}
	return &Loader{opts: opts, db: db}, nil
}

// Factory returns a connector.LoaderFactory closing over opts.
func Factory(opts Options) connector.LoaderFactory {
	return func(creds connector.Credentials) (connector.Loader, error) {
		return New(opts, creds)
	}
}

// Authenticate pings the source. A reachable database is a connected one;
// there is no interactive flow.
func (l *Loader) Authenticate(ctx context.Context) (*connector.AuthResult, error) {
	if err := l.db.PingContext(ctx); err != nil {
		return &connector.AuthResult{
			Connected: false,
			Message:   fmt.Sprintf("source database unreachable: %v", err),
		}, nil
	}
	return &connector.AuthResult{Connected: true}, nil
}

// ContinueToAuthenticate re-pings. SQL sources carry no out-of-band state.
func (l *Loader) ContinueToAuthenticate(ctx context.Context, _ string) (*connector.AuthResult, error) {
	return l.Authenticate(ctx)
}

// Fetch returns the next page of rows. The cursor tracks the resource in
// flight and the (updated, id) keyset position within it.
func (l *Loader) Fetch(ctx context.Context, cursor connector.Cursor) (*connector.Page, error) {
	resourceIdx := connector.CursorInt(cursor, "resource_index")
	afterUpdated := connector.CursorString(cursor, "after_updated")
	afterID := connector.CursorString(cursor, "after_id")
	if resourceIdx >= len(l.opts.Resources) {
		resourceIdx, afterUpdated, afterID = 0, "", ""
	}
	resource := l.opts.Resources[resourceIdx]

	pageSize := l.opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	rows, err := l.queryPage(ctx, resource, afterUpdated, afterID, pageSize)
	if err != nil {
		return nil, err
	}

	records := make([]connector.Record, 0, len(rows))
	var lastUpdated, lastID string
	for _, fields := range rows {
		id, err := connector.RecordID(fields, resource.IDColumn)
		if err != nil {
			return nil, errors.Wrapf(err, "bad row in %s", resource.Name)
		}
		records = append(records, connector.Record{
			Resource: resource.Name,
			ID:       id,
			Fields:   fields,
		})
		lastID = id
		lastUpdated = stringValue(fields[resource.UpdatedColumn])
	}

	if len(rows) == pageSize {
		// A full page may have more behind it.
		return &connector.Page{
			Records: records,
			Cursor: connector.Cursor{
				"resource_index": resourceIdx,
				"after_updated":  lastUpdated,
				"after_id":       lastID,
			},
			HasMore: true,
		}, nil
	}
	if resourceIdx+1 < len(l.opts.Resources) {
		return &connector.Page{
			Records: records,
			Cursor:  connector.Cursor{"resource_index": resourceIdx + 1},
			HasMore: true,
		}, nil
	}
	return &connector.Page{
		Records: records,
		Cursor:  connector.Cursor{"resource_index": 0},
		HasMore: false,
	}, nil
}

// Close releases the underlying handle when the loader opened it.
func (l *Loader) Close() error {
	if l.opts.DB != nil {
		return nil
	}
	return l.db.Close()
}

func (l *Loader) queryPage(ctx context.Context, resource connector.ResourceDescriptor, afterUpdated, afterID string, limit int) ([]map[string]any, error) {
	// Identifiers come from registered connector configs, not user input.
	query := fmt.Sprintf(
		"SELECT * FROM %s WHERE (%s, %s) > (?, ?) ORDER BY %s, %s LIMIT ?",
		resource.Name, resource.UpdatedColumn, resource.IDColumn,
		resource.UpdatedColumn, resource.IDColumn,
	)
	args := []any{afterUpdated, afterID, limit}
	if afterUpdated == "" && afterID == "" {
		query = fmt.Sprintf(
			"SELECT * FROM %s ORDER BY %s, %s LIMIT ?",
			resource.Name, resource.UpdatedColumn, resource.IDColumn,
		)
		args = []any{limit}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query %s", resource.Name)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read columns of %s", resource.Name)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrapf(err, "failed to scan row of %s", resource.Name)
		}
		fields := make(map[string]any, len(cols))
		for i, col := range cols {
			fields[col] = normalizeValue(values[i])
		}
		out = append(out, fields)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to iterate rows of %s", resource.Name)
	}
	return out, nil
}

// normalizeValue maps driver values onto the JSON-friendly types the rest
// of the sync pipeline expects.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return v
	}
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
