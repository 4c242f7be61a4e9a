package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoom0/datanav-sub002/config"
	"github.com/knoom0/datanav-sub002/connector"
	"github.com/knoom0/datanav-sub002/handshake"
	"github.com/knoom0/datanav-sub002/ingest"
	datanavtesting "github.com/knoom0/datanav-sub002/internal/testing"
	"github.com/knoom0/datanav-sub002/job"
	"github.com/knoom0/datanav-sub002/pulse"
)

// stubLoader serves a fixed set of records in one page.
type stubLoader struct {
	records []connector.Record
}

func (l *stubLoader) Authenticate(_ context.Context) (*connector.AuthResult, error) {
	return &connector.AuthResult{Connected: true}, nil
}

func (l *stubLoader) ContinueToAuthenticate(_ context.Context, state string) (*connector.AuthResult, error) {
	if state == "bad-state" {
		return &connector.AuthResult{Connected: false, Message: "consent was declined"}, nil
	}
	return &connector.AuthResult{
		Connected:   true,
		AccessToken: "tok-" + state,
	}, nil
}

func (l *stubLoader) Fetch(_ context.Context, _ connector.Cursor) (*connector.Page, error) {
	return &connector.Page{Records: l.records, HasMore: false}, nil
}

// syncDispatcher runs jobs inline so tests observe completed state.
type syncDispatcher struct {
	scheduler *job.Scheduler
}

func (d *syncDispatcher) Dispatch(ctx context.Context, jobID string) error {
	_, err := d.scheduler.Run(ctx, jobID, time.Minute)
	return err
}

type serverFixture struct {
	server    *Server
	db        *sql.DB
	status    *connector.StatusStore
	scheduler *job.Scheduler
	manager   *pulse.Manager
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	db := datanavtesting.CreateTestDB(t)
	status := connector.NewStatusStore(db)
	registry := connector.NewRegistry()

	loader := &stubLoader{records: []connector.Record{
		{Resource: "contacts", ID: "c-1", Fields: map[string]any{"id": "c-1", "name": "Ada"}},
		{Resource: "contacts", ID: "c-2", Fields: map[string]any{"id": "c-2", "name": "Grace"}},
	}}
	registry.MustRegister(&connector.Config{
		ID:   "acme-crm",
		Name: "Acme CRM",
		Resources: []connector.ResourceDescriptor{
			{Name: "contacts", IDColumn: "id"},
		},
		NewLoader: func(_ connector.Credentials) (connector.Loader, error) {
			return loader, nil
		},
	})

	cfg := &config.SyncConfig{
		MaxJobDurationSeconds:    60,
		LoadTimeoutSeconds:       5,
		PollIntervalMS:           10,
		StaleJobThresholdSeconds: 3600,
		AskTimeoutSeconds:        1,
	}

	jobStore := job.NewStore(db)
	engine := ingest.NewEngine(ingest.NewSQLiteWriter(db))
	scheduler := job.NewScheduler(jobStore, status, registry, engine, cfg)
	scheduler.SetDispatcher(&syncDispatcher{scheduler: scheduler})

	coordinator := handshake.NewCoordinator(registry, status, cfg)

	manager := pulse.NewManager(pulse.NewStore(db), jobStore, scheduler.Dispatcher())
	scheduler.SetPublishFunc(manager.PublishFunc())

	srv := NewServer(0, registry, status, scheduler, coordinator, manager, nil)
	return &serverFixture{
		server:    srv,
		db:        db,
		status:    status,
		scheduler: scheduler,
		manager:   manager,
	}
}

func (f *serverFixture) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	decodeBody(t, w, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestListConnectorsIncludesStatus(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.status.MarkConnected("acme-crm", "tok", ""))

	w := f.request(t, http.MethodGet, "/api/connectors", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Connectors []connectorView `json:"connectors"`
	}
	decodeBody(t, w, &body)
	require.Len(t, body.Connectors, 1)
	assert.Equal(t, "acme-crm", body.Connectors[0].ID)
	assert.Equal(t, "Acme CRM", body.Connectors[0].Name)
	require.NotNil(t, body.Connectors[0].Status)
	assert.True(t, body.Connectors[0].Status.IsConnected)
}

func TestCreateJobRequiresConnection(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/api/jobs/acme-crm", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateJobUnknownConnector(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/api/jobs/no-such", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateAndRunJob(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.status.MarkConnected("acme-crm", "tok", ""))

	w := f.request(t, http.MethodPost, "/api/jobs/acme-crm", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var created job.Job
	decodeBody(t, w, &created)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, job.StateCreated, created.State)

	// Creating again while the load claim is held joins the same job.
	w = f.request(t, http.MethodPost, "/api/jobs/acme-crm", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var joined job.Job
	decodeBody(t, w, &joined)
	assert.Equal(t, created.ID, joined.ID)

	w = f.request(t, http.MethodPost, "/api/jobs/"+created.ID+"/run", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var accepted map[string]string
	decodeBody(t, w, &accepted)
	assert.Equal(t, created.ID, accepted["jobId"])
	assert.Equal(t, "accepted", accepted["status"])

	w = f.request(t, http.MethodGet, "/api/jobs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var done job.Job
	decodeBody(t, w, &done)
	assert.Equal(t, job.StateFinished, done.State)
	assert.Equal(t, job.ResultSuccess, done.Result)
	assert.Equal(t, 2, done.RecordCount)
}

func TestGetJobNotFound(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodGet, "/api/jobs/ghost-job", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobsByConnector(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.status.MarkConnected("acme-crm", "tok", ""))

	w := f.request(t, http.MethodPost, "/api/jobs/acme-crm", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.request(t, http.MethodGet, "/api/jobs?connector=acme-crm", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Jobs []*job.Job `json:"jobs"`
	}
	decodeBody(t, w, &body)
	assert.Len(t, body.Jobs, 1)

	w = f.request(t, http.MethodGet, "/api/jobs", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobsCleanupEndpoint(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/api/jobs/cleanup", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result job.CleanupResult
	decodeBody(t, w, &result)
	assert.Equal(t, 0, result.Checked)
	assert.Equal(t, 0, result.Canceled)
}

func TestConsentCallbackGrant(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/api/connectors/acme-crm/consent",
		map[string]interface{}{"state": "auth-code"})
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	decodeBody(t, w, &body)
	assert.Equal(t, true, body["connected"])

	st, err := f.status.Get("acme-crm")
	require.NoError(t, err)
	assert.True(t, st.IsConnected)
	assert.Nil(t, st.PendingConsentUntil)
}

func TestConsentCallbackDecline(t *testing.T) {
	f := newServerFixture(t)
	_, err := f.status.SetPendingConsent("acme-crm", time.Now().Add(time.Minute))
	require.NoError(t, err)

	granted := false
	w := f.request(t, http.MethodPost, "/api/connectors/acme-crm/consent",
		map[string]interface{}{"granted": &granted})
	require.Equal(t, http.StatusOK, w.Code)

	st, err := f.status.Get("acme-crm")
	require.NoError(t, err)
	assert.False(t, st.IsConnected)
	assert.Nil(t, st.PendingConsentUntil, "decline clears the pending marker")
}

func TestPulseConfigLifecycle(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/api/pulse-configs", map[string]string{
		"name":   "weekly digest",
		"prompt": "summarize the week",
		"cron":   "0 9 * * 1",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created pulse.Config
	decodeBody(t, w, &created)
	require.NotEmpty(t, created.ID)
	assert.True(t, created.Enabled)

	w = f.request(t, http.MethodGet, "/api/pulse-configs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.request(t, http.MethodPost, "/api/pulse-configs/"+created.ID+"/disable", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var disabled pulse.Config
	decodeBody(t, w, &disabled)
	assert.False(t, disabled.Enabled)

	w = f.request(t, http.MethodGet, "/api/pulse-configs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Configs []*pulse.Config `json:"configs"`
	}
	decodeBody(t, w, &listing)
	assert.Len(t, listing.Configs, 1)
}

func TestPulseConfigRejectsBadCron(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/api/pulse-configs", map[string]string{
		"name": "broken",
		"cron": "not a cron",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPulseTickTriggersDueConfig(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/api/pulse-configs", map[string]string{
		"name": "digest",
		"cron": "*/5 * * * *",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created pulse.Config
	decodeBody(t, w, &created)

	// A fresh config has no next_run_at and is due immediately.
	w = f.request(t, http.MethodPost, "/api/pulse/tick", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result pulse.TickResult
	decodeBody(t, w, &result)
	assert.Equal(t, 1, result.Checked)
	assert.Equal(t, 1, result.Triggered)
	assert.Contains(t, result.TriggeredConfigs, created.ID)
}

func TestManualPulsePublish(t *testing.T) {
	f := newServerFixture(t)

	w := f.request(t, http.MethodPost, "/api/pulse-configs", map[string]string{
		"name": "on demand",
		"cron": "0 0 1 1 *",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created pulse.Config
	decodeBody(t, w, &created)

	w = f.request(t, http.MethodPost, "/api/pulse-configs/"+created.ID+"/publish", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	var j job.Job
	decodeBody(t, w, &j)
	assert.Equal(t, job.KindPublish, j.Kind)
	assert.Equal(t, created.ID, j.ConnectorID)
}

func TestJobEventsOverWebSocket(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.status.MarkConnected("acme-crm", "tok", ""))

	f.server.broadcast.start()
	defer f.server.broadcast.stop()

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	resp, err := http.Post(ts.URL+"/api/jobs/acme-crm", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev jobEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "job_update", ev.Type)
	require.NotNil(t, ev.Job)
	assert.Equal(t, "acme-crm", ev.Job.ConnectorID)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newServerFixture(t)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodDelete, "/health"},
		{http.MethodGet, "/api/pulse/tick"},
		{http.MethodPut, "/api/jobs/cleanup"},
	} {
		w := f.request(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code,
			fmt.Sprintf("%s %s", tc.method, tc.path))
	}
}
