package webapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/knoom0/datanav-sub002/connector"
	"github.com/knoom0/datanav-sub002/errors"
)

func testResources() []connector.ResourceDescriptor {
	return []connector.ResourceDescriptor{
		{Name: "accounts", IDColumn: "id", UpdatedColumn: "updated_at"},
		{Name: "transactions", IDColumn: "id", UpdatedColumn: "updated_at"},
	}
}

func newTestLoader(t *testing.T, baseURL string, token string) *Loader {
	t.Helper()
	l, err := New(Options{
		OAuth: oauth2.Config{
			ClientID: "client",
			Endpoint: oauth2.Endpoint{AuthURL: "https://source.test/auth", TokenURL: baseURL + "/token"},
		},
		BaseURL:   baseURL,
		Resources: testResources(),
		PageSize:  2,
	}, connector.Credentials{AccessToken: token})
	require.NoError(t, err)
	return l
}

func TestAuthenticateWithoutTokenReturnsAuthURL(t *testing.T) {
	l := newTestLoader(t, "https://source.test", "")

	res, err := l.Authenticate(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Connected)
	assert.Contains(t, res.AuthURL, "https://source.test/auth")
}

func TestAuthenticateWithTokenIsConnected(t *testing.T) {
	l := newTestLoader(t, "https://source.test", "tok")

	res, err := l.Authenticate(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Connected)
}

func TestFetchPagesThroughResources(t *testing.T) {
	pagesByPath := map[string][]collectionResponse{
		"/accounts": {
			{Data: []map[string]any{{"id": "a1"}, {"id": "a2"}}, HasMore: true},
			{Data: []map[string]any{{"id": "a3"}}, HasMore: false},
		},
		"/transactions": {
			{Data: []map[string]any{{"id": float64(7)}}, HasMore: false},
		},
	}
	calls := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		pages := pagesByPath[r.URL.Path]
		require.NotEmpty(t, pages, "unexpected path %s", r.URL.Path)
		idx := calls[r.URL.Path]
		calls[r.URL.Path]++
		require.Less(t, idx, len(pages))
		json.NewEncoder(w).Encode(pages[idx])
	}))
	defer srv.Close()

	l := newTestLoader(t, srv.URL, "tok")
	ctx := context.Background()

	// Page 1: first two accounts.
	page, err := l.Fetch(ctx, nil)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "a1", page.Records[0].ID)
	assert.True(t, page.HasMore)
	assert.Equal(t, 2, connector.CursorInt(page.Cursor, "offset"))

	// Page 2: accounts drained, cursor moves to transactions.
	page, err = l.Fetch(ctx, page.Cursor)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "a3", page.Records[0].ID)
	assert.True(t, page.HasMore)
	assert.Equal(t, 1, connector.CursorInt(page.Cursor, "resource_index"))
	assert.Equal(t, 0, connector.CursorInt(page.Cursor, "offset"))

	// Page 3: transactions drained, sync complete, watermark set.
	page, err = l.Fetch(ctx, page.Cursor)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "7", page.Records[0].ID)
	assert.False(t, page.HasMore)
	assert.Equal(t, 0, connector.CursorInt(page.Cursor, "resource_index"))
	assert.NotEmpty(t, connector.CursorString(page.Cursor, "since"))
}

func TestFetchSendsUpdatedSince(t *testing.T) {
	var gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("updated_since")
		json.NewEncoder(w).Encode(collectionResponse{HasMore: false})
	}))
	defer srv.Close()

	l := newTestLoader(t, srv.URL, "tok")
	_, err := l.Fetch(context.Background(), connector.Cursor{"since": "2025-06-01T00:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, "2025-06-01T00:00:00Z", gotSince)
}

func TestFetchUnauthorizedMapsToNotConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	l := newTestLoader(t, srv.URL, "tok")
	_, err := l.Fetch(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
}

func TestFetchWithoutTokenFails(t *testing.T) {
	l := newTestLoader(t, "https://source.test", "")

	_, err := l.Fetch(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
}

func TestNewRejectsIncompleteOptions(t *testing.T) {
	_, err := New(Options{Resources: testResources()}, connector.Credentials{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = New(Options{BaseURL: "https://source.test"}, connector.Credentials{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestWatermarkCapturedAtSyncStart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(collectionResponse{HasMore: false})
	}))
	defer srv.Close()

	l := newTestLoader(t, srv.URL, "tok")
	ctx := context.Background()

	// First page of the cycle pins the next watermark.
	page, err := l.Fetch(ctx, nil)
	require.NoError(t, err)
	captured := connector.CursorString(page.Cursor, "next_since")
	require.NotEmpty(t, captured)

	// A record updated mid-sync must not fall before the watermark, so
	// the finished cursor promotes the pinned start time, not now().
	time.Sleep(1100 * time.Millisecond)
	page, err = l.Fetch(ctx, page.Cursor)
	require.NoError(t, err)
	require.False(t, page.HasMore)
	assert.Equal(t, captured, connector.CursorString(page.Cursor, "since"))
}

func TestContinueToAuthenticateExchangesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/token", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-access",
			"refresh_token": "fresh-refresh",
			"token_type":    "Bearer",
		})
	}))
	defer srv.Close()

	l := newTestLoader(t, srv.URL, "")
	res, err := l.ContinueToAuthenticate(context.Background(), "auth-code")
	require.NoError(t, err)
	assert.True(t, res.Connected)
	assert.Equal(t, "fresh-access", res.AccessToken)
	assert.Equal(t, "fresh-refresh", res.RefreshToken)
}
