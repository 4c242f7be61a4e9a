package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{"resource_index": 2, "offset": 150, "since": "2025-01-01T00:00:00Z"}

	raw, err := EncodeCursor(c)
	require.NoError(t, err)

	back, err := ParseCursor(raw)
	require.NoError(t, err)
	assert.Equal(t, 2, CursorInt(back, "resource_index"))
	assert.Equal(t, 150, CursorInt(back, "offset"))
	assert.Equal(t, "2025-01-01T00:00:00Z", CursorString(back, "since"))
}

func TestCursorEmptyAndNil(t *testing.T) {
	raw, err := EncodeCursor(nil)
	require.NoError(t, err)
	assert.Empty(t, raw)

	c, err := ParseCursor("")
	require.NoError(t, err)
	assert.Nil(t, c)

	assert.Equal(t, 0, CursorInt(nil, "offset"))
	assert.Empty(t, CursorString(nil, "since"))
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	_, err := ParseCursor("{not json")
	require.Error(t, err)
}

func TestCloneCursorIsIndependent(t *testing.T) {
	orig := Cursor{"offset": 10}
	clone := CloneCursor(orig)

	clone["offset"] = 99
	assert.Equal(t, 10, CursorInt(orig, "offset"))
	assert.Equal(t, 99, CursorInt(clone, "offset"))
	assert.Nil(t, CloneCursor(nil))
}

func TestRecordID(t *testing.T) {
	id, err := RecordID(map[string]any{"id": "abc"}, "id")
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	// JSON numbers arrive as float64.
	id, err = RecordID(map[string]any{"id": float64(42)}, "id")
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	_, err = RecordID(map[string]any{"name": "x"}, "id")
	require.Error(t, err)

	_, err = RecordID(map[string]any{"id": ""}, "id")
	require.Error(t, err)
}

func TestConfigResource(t *testing.T) {
	cfg := &Config{
		ID: "acme",
		Resources: []ResourceDescriptor{
			{Name: "accounts", IDColumn: "id"},
			{Name: "transactions", IDColumn: "txn_id"},
		},
	}

	r := cfg.Resource("transactions")
	require.NotNil(t, r)
	assert.Equal(t, "txn_id", r.IDColumn)

	assert.Nil(t, cfg.Resource("contacts"))
}
