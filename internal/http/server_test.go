package http_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	internal_http "github.com/ignatij/campaignflow/internal/http"
	"github.com/ignatij/campaignflow/internal/log"
	"github.com/ignatij/campaignflow/internal/metrics"
	"github.com/ignatij/campaignflow/pkg/models"
	"github.com/ignatij/campaignflow/pkg/service"
	"github.com/ignatij/campaignflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	store      *storage.MemoryStore
	controller *service.Controller
}

func newTestServer(t *testing.T, opts ...internal_http.Option) *testServer {
	store := storage.NewMemoryStore()
	hub := service.NewEventHub()
	rec := metrics.NewRecorder(nil)
	controller := service.NewController(store, log.GetLogger(),
		service.WithEventSink(hub, rec),
		service.WithRejectHook(rec.Reject))
	control := service.NewControlService(store, controller, log.GetLogger())

	opts = append([]internal_http.Option{
		internal_http.WithEventHub(hub),
		internal_http.WithMetrics(rec),
	}, opts...)
	srv := httptest.NewServer(internal_http.NewServer(control, opts...).Routes())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store, controller: controller}
}

func (s *testServer) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	require.NoError(t, err)
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v), string(b))
	return v
}

const twoJobRun = `{
	"campaign_ref": "spring-launch",
	"owner_ref": "user-42",
	"metadata": {"channel": "instagram"},
	"jobs": [
		{"job_name": "generate-images", "queue_name": "images"},
		{"job_name": "post-social", "queue_name": "social"}
	]
}`

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t)
	code, body := srv.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	down := newTestServer(t, internal_http.WithHealthCheck(func(ctx context.Context) error {
		return errors.New("connection refused")
	}))
	code, body = down.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, string(body), "connection refused")
}

func TestServer_RunLifecycle(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	code, body := srv.do(t, http.MethodPost, "/runs", twoJobRun)
	require.Equal(t, http.StatusCreated, code, string(body))
	run := decode[models.WorkflowRun](t, body)
	assert.Equal(t, models.PendingRunStatus, run.Status)
	assert.Equal(t, 2, run.TotalJobs)

	code, body = srv.do(t, http.MethodGet, "/runs", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]models.WorkflowRunSummary](t, body), 1)

	code, body = srv.do(t, http.MethodGet, "/runs?status=PAUSED", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]models.WorkflowRunSummary](t, body), 0)

	code, body = srv.do(t, http.MethodGet, "/runs/"+run.ID, "")
	require.Equal(t, http.StatusOK, code)
	detail := decode[models.WorkflowRunDetail](t, body)
	require.Len(t, detail.Jobs, 2)
	assert.Equal(t, "user-42", detail.OwnerRef)
	assert.Equal(t, "generate-images", detail.Jobs[0].JobName)

	code, body = srv.do(t, http.MethodPost, "/runs/"+run.ID+"/pause", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.PausedRunStatus, decode[models.WorkflowRunSummary](t, body).Status)

	code, body = srv.do(t, http.MethodPost, "/runs/"+run.ID+"/resume", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.ActiveRunStatus, decode[models.WorkflowRunSummary](t, body).Status)

	code, body = srv.do(t, http.MethodPost, "/runs/"+run.ID+"/resume", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, service.KindInvalidState, decode[apiError](t, body).Kind)

	for _, j := range detail.Jobs {
		promoted, err := srv.controller.DispatchJob(ctx, j.ID)
		require.NoError(t, err)
		require.True(t, promoted)
	}
	images, social := detail.Jobs[0].ID, detail.Jobs[1].ID

	// images fails once and is retried by the operator
	code, _ = srv.do(t, http.MethodPost, "/jobs/"+images+"/transition", `{"status":"RUNNING"}`)
	require.Equal(t, http.StatusOK, code)
	code, body = srv.do(t, http.MethodPost, "/jobs/"+images+"/retry", "")
	assert.Equal(t, http.StatusConflict, code, "only FAILED jobs can be retried")
	assert.Equal(t, service.KindInvalidState, decode[apiError](t, body).Kind)

	code, body = srv.do(t, http.MethodPost, "/jobs/"+images+"/transition",
		`{"status":"FAILED","error_message":"image service timed out"}`)
	require.Equal(t, http.StatusOK, code)
	failed := decode[models.WorkflowJob](t, body)
	assert.Equal(t, models.FailedJobStatus, failed.Status)
	assert.Equal(t, "image service timed out", failed.ErrorMessage)

	code, body = srv.do(t, http.MethodPost, "/jobs/"+images+"/retry", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.QueuedJobStatus, decode[models.WorkflowJob](t, body).Status)

	for _, id := range []string{images, social} {
		code, _ = srv.do(t, http.MethodPost, "/jobs/"+id+"/transition", `{"status":"RUNNING"}`)
		require.Equal(t, http.StatusOK, code)
		code, body = srv.do(t, http.MethodPost, "/jobs/"+id+"/transition", `{"status":"COMPLETED","result":{"posts":3}}`)
		require.Equal(t, http.StatusOK, code, string(body))
		assert.JSONEq(t, `{"posts":3}`, string(decode[models.WorkflowJob](t, body).Result))
	}

	code, body = srv.do(t, http.MethodGet, "/runs/"+run.ID, "")
	require.Equal(t, http.StatusOK, code)
	detail = decode[models.WorkflowRunDetail](t, body)
	assert.Equal(t, models.CompletedRunStatus, detail.Status)
	assert.Equal(t, 1.0, detail.Progress)
	assert.NotNil(t, detail.CompletedAt)

	code, body = srv.do(t, http.MethodPost, "/runs/"+run.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, service.KindInvalidState, decode[apiError](t, body).Kind)

	code, body = srv.do(t, http.MethodGet, "/runs/"+run.ID+"/history", "")
	require.Equal(t, http.StatusOK, code)
	history := decode[[]models.TransitionRecord](t, body)
	require.NotEmpty(t, history)
	assert.Equal(t, "created", history[0].Message)
	last := history[len(history)-1]
	assert.Equal(t, models.RunEntity, last.Entity)
	assert.Equal(t, string(models.CompletedRunStatus), last.ToStatus)

	code, body = srv.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `campaignflow_transitions_total{entity="run",to="COMPLETED"} 1`)
	assert.Contains(t, string(body), `campaignflow_rejections_total{kind="InvalidState"} 3`)
}

func TestServer_Errors(t *testing.T) {
	srv := newTestServer(t)
	code, body := srv.do(t, http.MethodPost, "/runs", twoJobRun)
	require.Equal(t, http.StatusCreated, code)
	run := decode[models.WorkflowRun](t, body)
	code, body = srv.do(t, http.MethodGet, "/runs/"+run.ID, "")
	require.Equal(t, http.StatusOK, code)
	jobID := decode[models.WorkflowRunDetail](t, body).Jobs[0].ID

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		kind   string
	}{
		{"unknown run", http.MethodGet, "/runs/missing", "", http.StatusNotFound, service.KindNotFound},
		{"unknown run history", http.MethodGet, "/runs/missing/history", "", http.StatusNotFound, service.KindNotFound},
		{"pause unknown run", http.MethodPost, "/runs/missing/pause", "", http.StatusNotFound, service.KindNotFound},
		{"retry unknown job", http.MethodPost, "/jobs/missing/retry", "", http.StatusNotFound, service.KindNotFound},
		{"bad status filter", http.MethodGet, "/runs?status=active", "", http.StatusBadRequest, service.KindBadRequest},
		{"missing campaign", http.MethodPost, "/runs", `{"jobs":[]}`, http.StatusBadRequest, service.KindBadRequest},
		{"malformed body", http.MethodPost, "/runs", `{"campaign_ref":`, http.StatusBadRequest, service.KindBadRequest},
		{"unknown field", http.MethodPost, "/runs", `{"campaign_ref":"c","priority":1}`, http.StatusBadRequest, service.KindBadRequest},
		{"unknown job status", http.MethodPost, "/jobs/" + jobID + "/transition", `{"status":"DONE"}`, http.StatusBadRequest, service.KindBadRequest},
		{"missing job status", http.MethodPost, "/jobs/" + jobID + "/transition", `{}`, http.StatusBadRequest, service.KindBadRequest},
		{"worker cannot queue", http.MethodPost, "/jobs/" + jobID + "/transition", `{"status":"QUEUED"}`, http.StatusBadRequest, service.KindBadRequest},
		{"skip pending job", http.MethodPost, "/jobs/" + jobID + "/transition", `{"status":"COMPLETED"}`, http.StatusConflict, service.KindInvalidTransition},
		{"unknown route", http.MethodGet, "/campaigns", "", http.StatusNotFound, service.KindNotFound},
		{"unknown job action", http.MethodPost, "/jobs/" + jobID + "/skip", "", http.StatusNotFound, service.KindNotFound},
		{"wrong method", http.MethodDelete, "/runs", "", http.StatusMethodNotAllowed, service.KindBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := srv.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, code, string(body))
			assert.Equal(t, tt.kind, decode[apiError](t, body).Kind)
		})
	}
}

func TestServer_StoreUnavailable(t *testing.T) {
	srv := newTestServer(t)
	code, body := srv.do(t, http.MethodPost, "/runs", twoJobRun)
	require.Equal(t, http.StatusCreated, code)
	run := decode[models.WorkflowRun](t, body)

	srv.store.FailWrites(errors.New("disk full"))
	code, body = srv.do(t, http.MethodPost, "/runs/"+run.ID+"/pause", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, service.KindStoreUnavailable, decode[apiError](t, body).Kind)

	srv.store.FailWrites(nil)
	code, body = srv.do(t, http.MethodGet, "/runs/"+run.ID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.PendingRunStatus, decode[models.WorkflowRunDetail](t, body).Status)
}

func TestServer_RunEventsWebsocket(t *testing.T) {
	srv := newTestServer(t)
	code, body := srv.do(t, http.MethodPost, "/runs", twoJobRun)
	require.Equal(t, http.StatusCreated, code)
	run := decode[models.WorkflowRun](t, body)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/runs/" + run.ID + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	code, _ = srv.do(t, http.MethodPost, "/runs/"+run.ID+"/pause", "")
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var seen []string
	for {
		var evt models.Event
		require.NoError(t, conn.ReadJSON(&evt))
		assert.Equal(t, run.ID, evt.RunID)
		seen = append(seen, evt.To)
		if evt.To == string(models.PausedRunStatus) {
			break
		}
	}
	assert.Equal(t, []string{"PENDING", "PAUSED"}, seen, "replays creation, then streams live events")

	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/runs/missing/events", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}
