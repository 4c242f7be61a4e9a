package ingest

import (
	"context"
	"time"

	"github.com/knoom0/datanav-sub002/connector"
	"github.com/knoom0/datanav-sub002/errors"
	"github.com/knoom0/datanav-sub002/logger"
)

// Result reports one engine run. When Finished is false the cursor marks
// where a continuation job should resume.
type Result struct {
	// UpdatedRecordCount is the number of records written during this run.
	UpdatedRecordCount int
	// Finished is true when the loader reported the stream complete.
	Finished bool
	// Cursor is the position after the last fully processed page.
	Cursor connector.Cursor
}

// Engine pages a loader and hands each page to the writer. It owns the
// page loop only; claims, job state, and continuation scheduling belong
// to the caller.
type Engine struct {
	writer Writer
}

// NewEngine creates a sync engine over the given writer.
func NewEngine(writer Writer) *Engine {
	return &Engine{writer: writer}
}

// Run pulls pages from the loader starting at cursor until the stream
// completes, the deadline passes, or the context is canceled. The deadline
// is checked between pages, so a page in flight always lands whole: the
// returned cursor never splits a page.
//
// On error the partial result is returned alongside it; records written
// before the failure stay written, and the cursor points at the last
// page that fully landed.
func (e *Engine) Run(ctx context.Context, connectorID string, loader connector.Loader, cursor connector.Cursor, deadline time.Time) (*Result, error) {
	result := &Result{Cursor: connector.CloneCursor(cursor)}

	for {
		if err := ctx.Err(); err != nil {
			return result, errors.Wrapf(err, "sync for %s interrupted", connectorID)
		}

		page, err := loader.Fetch(ctx, result.Cursor)
		if err != nil {
			return result, errors.Wrapf(err, "fetch failed for %s", connectorID)
		}

		if len(page.Records) > 0 {
			n, err := e.writer.Write(ctx, connectorID, page.Records)
			if err != nil {
				return result, errors.Wrapf(err, "write failed for %s", connectorID)
			}
			result.UpdatedRecordCount += n
		}
		result.Cursor = page.Cursor

		if !page.HasMore {
			result.Finished = true
			logger.Debugw("Sync complete",
				"connector_id", connectorID,
				"records", result.UpdatedRecordCount)
			return result, nil
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			logger.Debugw("Sync pausing at deadline",
				"connector_id", connectorID,
				"records", result.UpdatedRecordCount)
			return result, nil
		}
	}
}
