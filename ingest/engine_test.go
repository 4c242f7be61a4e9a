package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoom0/datanav-sub002/connector"
	"github.com/knoom0/datanav-sub002/errors"
	datanavtesting "github.com/knoom0/datanav-sub002/internal/testing"
)

// fakeLoader yields a scripted sequence of pages.
type fakeLoader struct {
	pages   []*connector.Page
	errAt   int
	err     error
	calls   int
	perCall time.Duration
}

func (f *fakeLoader) Authenticate(ctx context.Context) (*connector.AuthResult, error) {
	return &connector.AuthResult{Connected: true}, nil
}

func (f *fakeLoader) ContinueToAuthenticate(ctx context.Context, state string) (*connector.AuthResult, error) {
	return &connector.AuthResult{Connected: true}, nil
}

func (f *fakeLoader) Fetch(ctx context.Context, cursor connector.Cursor) (*connector.Page, error) {
	idx := connector.CursorInt(cursor, "page")
	f.calls++
	if f.err != nil && f.calls > f.errAt {
		return nil, f.err
	}
	if f.perCall > 0 {
		time.Sleep(f.perCall)
	}
	if idx >= len(f.pages) {
		return &connector.Page{Cursor: cursor, HasMore: false}, nil
	}
	page := f.pages[idx]
	next := connector.Cursor{"page": idx + 1}
	return &connector.Page{Records: page.Records, Cursor: next, HasMore: page.HasMore}, nil
}

func pageOf(hasMore bool, ids ...string) *connector.Page {
	records := make([]connector.Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, connector.Record{
			Resource: "items",
			ID:       id,
			Fields:   map[string]any{"id": id},
		})
	}
	return &connector.Page{Records: records, HasMore: hasMore}
}

func TestRunToCompletion(t *testing.T) {
	db := datanavtesting.CreateTestDB(t)
	writer := NewSQLiteWriter(db)
	engine := NewEngine(writer)

	loader := &fakeLoader{pages: []*connector.Page{
		pageOf(true, "r1", "r2"),
		pageOf(false, "r3"),
	}}

	result, err := engine.Run(context.Background(), "acme", loader, nil, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, result.Finished)
	assert.Equal(t, 3, result.UpdatedRecordCount)

	n, err := writer.CountRecords(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRunStopsAtDeadlineWithResumableCursor(t *testing.T) {
	db := datanavtesting.CreateTestDB(t)
	writer := NewSQLiteWriter(db)
	engine := NewEngine(writer)

	loader := &fakeLoader{
		pages: []*connector.Page{
			pageOf(true, "r1"),
			pageOf(true, "r2"),
			pageOf(false, "r3"),
		},
		perCall: 30 * time.Millisecond,
	}

	// Deadline allows roughly one page.
	result, err := engine.Run(context.Background(), "acme", loader, nil, time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, result.Finished)
	require.NotNil(t, result.Cursor)
	firstStop := connector.CursorInt(result.Cursor, "page")
	assert.Greater(t, firstStop, 0)

	// Resuming from the returned cursor completes without re-reading
	// earlier pages.
	result, err = engine.Run(context.Background(), "acme", loader, result.Cursor, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, result.Finished)

	n, err := writer.CountRecords(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRunPropagatesFetchError(t *testing.T) {
	db := datanavtesting.CreateTestDB(t)
	writer := NewSQLiteWriter(db)
	engine := NewEngine(writer)

	loader := &fakeLoader{
		pages: []*connector.Page{pageOf(true, "r1")},
		errAt: 1,
		err:   errors.New("source exploded"),
	}

	result, err := engine.Run(context.Background(), "acme", loader, nil, time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source exploded")
	// The page that landed before the failure stays written.
	assert.Equal(t, 1, result.UpdatedRecordCount)
	assert.Equal(t, 1, connector.CursorInt(result.Cursor, "page"))

	n, err := writer.CountRecords(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunHonorsContextCancel(t *testing.T) {
	db := datanavtesting.CreateTestDB(t)
	engine := NewEngine(NewSQLiteWriter(db))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loader := &fakeLoader{pages: []*connector.Page{pageOf(false, "r1")}}
	_, err := engine.Run(ctx, "acme", loader, nil, time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestWriterUpsertsInPlace(t *testing.T) {
	db := datanavtesting.CreateTestDB(t)
	writer := NewSQLiteWriter(db)
	ctx := context.Background()

	_, err := writer.Write(ctx, "acme", []connector.Record{
		{Resource: "items", ID: "r1", Fields: map[string]any{"v": 1}},
	})
	require.NoError(t, err)

	_, err = writer.Write(ctx, "acme", []connector.Record{
		{Resource: "items", ID: "r1", Fields: map[string]any{"v": 2}},
	})
	require.NoError(t, err)

	n, err := writer.CountRecords(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var fields string
	require.NoError(t, db.QueryRow(
		"SELECT fields FROM records WHERE connector_id = ? AND record_id = ?", "acme", "r1",
	).Scan(&fields))
	assert.JSONEq(t, `{"v": 2}`, fields)
}
