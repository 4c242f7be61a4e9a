package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoom0/datanav-sub002/errors"
)

func testFactory(_ Credentials) (Loader, error) { return nil, nil }

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	cfg := &Config{
		ID:        "acme",
		Name:      "Acme CRM",
		Resources: []ResourceDescriptor{{Name: "accounts", IDColumn: "id"}},
		NewLoader: testFactory,
	}
	require.NoError(t, r.Register(cfg))

	got, err := r.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme CRM", got.Name)
}

func TestRegistryDuplicateID(t *testing.T) {
	r := NewRegistry()
	cfg := &Config{ID: "acme", NewLoader: testFactory}
	require.NoError(t, r.Register(cfg))

	err := r.Register(&Config{ID: "acme", NewLoader: testFactory})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestRegistryRejectsIncomplete(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&Config{NewLoader: testFactory})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))

	err = r.Register(&Config{ID: "acme"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("nope")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRegistryListIsSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"zeta", "acme", "mango"} {
		require.NoError(t, r.Register(&Config{ID: id, NewLoader: testFactory}))
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "acme", list[0].ID)
	assert.Equal(t, "mango", list[1].ID)
	assert.Equal(t, "zeta", list[2].ID)
}
