// Package connector defines the catalog of external data sources and the
// loader capability used to pull records from them.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/knoom0/datanav-sub002/errors"
)

// ResourceDescriptor describes one record collection a connector exposes
// (e.g. "accounts", "transactions") and the columns datanav keys on.
type ResourceDescriptor struct {
	Name          string `json:"name"`
	IDColumn      string `json:"id_column"`
	CreatedColumn string `json:"created_column,omitempty"`
	UpdatedColumn string `json:"updated_column,omitempty"`
}

// Credentials holds the opaque tokens a loader authenticates with.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// LoaderFactory builds a stateless Loader bound to the given credentials.
type LoaderFactory func(creds Credentials) (Loader, error)

// Config is the immutable, process-wide description of one connector.
// Identity is ID; the registry enforces uniqueness.
type Config struct {
	ID          string
	Name        string
	Description string
	Resources   []ResourceDescriptor
	NewLoader   LoaderFactory
}

// Resource returns the descriptor with the given name, or nil.
func (c *Config) Resource(name string) *ResourceDescriptor {
	for i := range c.Resources {
		if c.Resources[i].Name == name {
			return &c.Resources[i]
		}
	}
	return nil
}

// Record is one row yielded by a loader's fetch stream.
type Record struct {
	// Resource names the ResourceDescriptor this record belongs to.
	Resource string
	// ID is the value of the resource's id-column.
	ID string
	// Fields is the full record payload.
	Fields map[string]any
}

// Cursor is the opaque, connector-defined resumable fetch position.
// It crosses job boundaries as JSON; loaders return updated snapshots
// rather than mutating shared state.
type Cursor map[string]any

// CloneCursor returns a deep copy of c through a JSON round trip.
// Loaders build their next cursor on a clone so a caller's snapshot
// never aliases the loader's working state.
func CloneCursor(c Cursor) Cursor {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		// Cursors are JSON-serialized for persistence anyway; a cursor
		// that cannot marshal would never have loaded from the store.
		out := make(Cursor, len(c))
		for k, v := range c {
			out[k] = v
		}
		return out
	}
	var out Cursor
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// Page is one batch of the fetch stream plus the cursor to resume after it.
type Page struct {
	Records []Record
	// Cursor is the position after consuming this page. Persist it and
	// pass it to the next Fetch (or the next job) to resume.
	Cursor Cursor
	// HasMore is false when the stream reached natural completion.
	HasMore bool
}

// AuthResult reports the outcome of an authentication step.
type AuthResult struct {
	// Connected is true once credentials are usable for Fetch.
	Connected bool
	// AuthURL, when non-empty, is where the user must complete an
	// out-of-band consent flow before ContinueToAuthenticate can succeed.
	AuthURL string
	// AccessToken/RefreshToken are set when the step produced tokens.
	AccessToken  string
	RefreshToken string
	// Message is a human-readable description of the outcome.
	Message string
}

// Loader knows how to authenticate against and fetch records from one
// connector's source. Implementations are stateless between calls except
// for credentials captured at construction.
type Loader interface {
	// Authenticate begins or verifies authentication. For OAuth-gated
	// sources this returns an AuthURL the user must visit.
	Authenticate(ctx context.Context) (*AuthResult, error)

	// ContinueToAuthenticate completes a pending authentication with
	// out-of-band state (an OAuth authorization code).
	ContinueToAuthenticate(ctx context.Context, state string) (*AuthResult, error)

	// Fetch returns the next page of records after cursor. A nil cursor
	// starts from the beginning. The returned page carries the cursor to
	// resume from; HasMore=false means the stream is complete.
	Fetch(ctx context.Context, cursor Cursor) (*Page, error)
}

// ParseCursor decodes a persisted cursor. Empty input yields a nil cursor.
func ParseCursor(raw string) (Cursor, error) {
	if raw == "" {
		return nil, nil
	}
	var c Cursor
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, errors.Wrap(err, "failed to parse sync cursor")
	}
	return c, nil
}

// EncodeCursor serializes a cursor for persistence. Nil encodes to "".
func EncodeCursor(c Cursor) (string, error) {
	if c == nil {
		return "", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode sync cursor")
	}
	return string(data), nil
}

// CursorInt reads an integer cursor field. JSON round trips store numbers
// as float64, so all three widths are accepted.
func CursorInt(c Cursor, key string) int {
	if c == nil {
		return 0
	}
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// CursorString reads a string cursor field, returning "" when absent.
func CursorString(c Cursor, key string) string {
	if c == nil {
		return ""
	}
	s, _ := c[key].(string)
	return s
}

// RecordID extracts a record's identifier from its fields using the
// resource's id column. Numeric ids are normalized to their integer form.
func RecordID(fields map[string]any, idColumn string) (string, error) {
	raw, ok := fields[idColumn]
	if !ok || raw == nil {
		return "", errors.Newf("record is missing id column %q", idColumn)
	}
	switch v := raw.(type) {
	case string:
		if v == "" {
			return "", errors.Newf("record has empty id column %q", idColumn)
		}
		return v, nil
	case float64:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case int:
		return strconv.Itoa(v), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}
