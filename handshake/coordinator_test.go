package handshake

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoom0/datanav-sub002/config"
	"github.com/knoom0/datanav-sub002/connector"
	datanavtesting "github.com/knoom0/datanav-sub002/internal/testing"
)

// consentLoader simulates an OAuth-style loader: Authenticate hands back
// a URL, ContinueToAuthenticate accepts or declines based on the state.
type consentLoader struct{}

var _ connector.Loader = (*consentLoader)(nil)

func (l *consentLoader) Authenticate(ctx context.Context) (*connector.AuthResult, error) {
	return &connector.AuthResult{AuthURL: "https://source.test/auth?state=datanav"}, nil
}

func (l *consentLoader) ContinueToAuthenticate(ctx context.Context, state string) (*connector.AuthResult, error) {
	if state == "deny" {
		return &connector.AuthResult{Connected: false, Message: "declined"}, nil
	}
	return &connector.AuthResult{Connected: true, AccessToken: "granted-" + state}, nil
}

func (l *consentLoader) Fetch(ctx context.Context, cursor connector.Cursor) (*connector.Page, error) {
	return &connector.Page{HasMore: false}, nil
}

func newCoordinator(t *testing.T, askTimeout time.Duration) (*Coordinator, *connector.StatusStore, *sql.DB) {
	t.Helper()
	database := datanavtesting.CreateTestDB(t)

	registry := connector.NewRegistry()
	registry.MustRegister(&connector.Config{
		ID:   "acme",
		Name: "Acme",
		NewLoader: func(_ connector.Credentials) (connector.Loader, error) {
			return &consentLoader{}, nil
		},
	})

	status := connector.NewStatusStore(database)
	c := NewCoordinator(registry, status, &config.SyncConfig{PollIntervalMS: 10})
	// Sub-second timeouts used by these tests cannot be expressed in the
	// seconds-based config.
	c.askTimeout = askTimeout
	return c, status, database
}

func TestAskAlreadyConnected(t *testing.T) {
	c, status, _ := newCoordinator(t, time.Minute)
	require.NoError(t, status.MarkConnected("acme", "tok", ""))

	res, err := c.AskToConnect(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.IsConnected)
}

func TestAskResolvesWhenConsentGranted(t *testing.T) {
	c, status, _ := newCoordinator(t, time.Minute)

	go func() {
		time.Sleep(30 * time.Millisecond)
		// The callback path: tokens stored and marker cleared together.
		if err := status.MarkConnected("acme", "tok", ""); err != nil {
			t.Error(err)
		}
	}()

	res, err := c.AskToConnect(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.IsConnected)
	assert.NotEmpty(t, res.AuthURL)
}

func TestAskResolvesWhenDeclined(t *testing.T) {
	c, status, _ := newCoordinator(t, time.Minute)

	go func() {
		time.Sleep(30 * time.Millisecond)
		if err := status.ClearPendingConsent("acme"); err != nil {
			t.Error(err)
		}
	}()

	res, err := c.AskToConnect(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.IsConnected)
	assert.Contains(t, res.Message, "declined")
}

func TestAskTimesOutAndClearsMarker(t *testing.T) {
	c, status, _ := newCoordinator(t, 50*time.Millisecond)

	res, err := c.AskToConnect(context.Background(), "acme")
	require.NoError(t, err)
	// The lapsed deadline is a resolution, not a coordinator fault.
	assert.True(t, res.Success)
	assert.True(t, res.TimedOut)
	assert.False(t, res.IsConnected)
	assert.Contains(t, res.Message, "timed out")

	st, err := status.Get("acme")
	require.NoError(t, err)
	assert.False(t, st.ConsentPending(time.Now()))
}

func TestAskResolvesWhenFlagFlipsWithMarkerStillUp(t *testing.T) {
	c, status, database := newCoordinator(t, time.Minute)

	go func() {
		time.Sleep(30 * time.Millisecond)
		// Flip the flag directly, leaving the pending marker in place, as
		// if the callback set the flag but died before clearing.
		_, err := database.Exec(
			"UPDATE connection_status SET is_connected = 1 WHERE connector_id = ?", "acme")
		if err != nil {
			t.Error(err)
		}
	}()

	res, err := c.AskToConnect(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.IsConnected)

	// The waiter cleared the stranded marker.
	st, err := status.Get("acme")
	require.NoError(t, err)
	assert.False(t, st.ConsentPending(time.Now()))
}

func TestConcurrentAsksShareOneDeadline(t *testing.T) {
	c, status, _ := newCoordinator(t, 80*time.Millisecond)

	type outcome struct {
		res *Result
		err error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, err := c.AskToConnect(context.Background(), "acme")
			results <- outcome{res, err}
		}()
	}

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, status.MarkConnected("acme", "tok", ""))

	for i := 0; i < 2; i++ {
		o := <-results
		require.NoError(t, o.err)
		assert.True(t, o.res.Success)
		assert.True(t, o.res.IsConnected)
	}
}

func TestCompleteConsentGranted(t *testing.T) {
	c, status, _ := newCoordinator(t, time.Minute)
	_, err := status.SetPendingConsent("acme", time.Now().Add(time.Minute))
	require.NoError(t, err)

	auth, err := c.CompleteConsent(context.Background(), "acme", "auth-code")
	require.NoError(t, err)
	assert.True(t, auth.Connected)

	st, err := status.Get("acme")
	require.NoError(t, err)
	assert.True(t, st.IsConnected)
	assert.Equal(t, "granted-auth-code", st.AccessToken)
	assert.False(t, st.ConsentPending(time.Now()))
}

func TestCompleteConsentDeclined(t *testing.T) {
	c, status, _ := newCoordinator(t, time.Minute)
	_, err := status.SetPendingConsent("acme", time.Now().Add(time.Minute))
	require.NoError(t, err)

	auth, err := c.CompleteConsent(context.Background(), "acme", "deny")
	require.NoError(t, err)
	assert.False(t, auth.Connected)

	st, err := status.Get("acme")
	require.NoError(t, err)
	assert.False(t, st.IsConnected)
	assert.False(t, st.ConsentPending(time.Now()))
}
