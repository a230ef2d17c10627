package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/device-tasks/internal/cancel"
	"github.com/kylemclaren/device-tasks/internal/config"
	"github.com/kylemclaren/device-tasks/internal/db"
	"github.com/kylemclaren/device-tasks/internal/queue"
	"github.com/kylemclaren/device-tasks/internal/stream"
)

const validContent = `{"steps":[{"type":"action","action":"touch","params":{"target":"ok.png"}}]}`

type testServer struct {
	db    *db.DB
	queue *queue.MemoryQueue
	hub   *stream.Hub
	bus   *cancel.LocalBus
	media string
	srv   *Server

	mu       sync.Mutex
	requests []cancel.Request
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	d, err := db.New(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	ts := &testServer{
		db:    d,
		queue: queue.NewMemoryQueue(10),
		hub:   stream.NewHub(),
		bus:   cancel.NewLocalBus(),
		media: t.TempDir(),
	}
	ctx, stop := context.WithCancel(context.Background())
	t.Cleanup(stop)
	require.NoError(t, ts.bus.Subscribe(ctx, func(r cancel.Request) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.requests = append(ts.requests, r)
	}))

	ts.srv = NewServer(Options{
		DB:        d,
		Queue:     ts.queue,
		Hub:       ts.hub,
		Bus:       ts.bus,
		WebSocket: config.WebSocketConfig{Path: "/ws/task_updates/", PingInterval: 30, PongTimeout: 10},
		MediaRoot: ts.media,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) createScript(t *testing.T, name, device string) ScriptResponse {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/scripts", ScriptRequest{
		Name:      name,
		Content:   json.RawMessage(validContent),
		DeviceURI: device,
		Enabled:   true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[ScriptResponse](t, rec)
}

func TestHealthCheck(t *testing.T) {
	ts := setupServer(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestScripts_CRUD(t *testing.T) {
	ts := setupServer(t)

	created := ts.createScript(t, "login", "android://emulator-5554")
	assert.NotZero(t, created.ID)
	assert.Equal(t, 1, created.Actions)
	assert.JSONEq(t, validContent, string(created.Content))

	rec := ts.do(t, http.MethodPost, "/api/v1/scripts", ScriptRequest{Name: "login", Content: json.RawMessage(validContent)})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/scripts/"+itoa(created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "login", decode[ScriptResponse](t, rec).Name)

	rec = ts.do(t, http.MethodPut, "/api/v1/scripts/"+itoa(created.ID), ScriptRequest{
		Name:     "login-v2",
		Content:  json.RawMessage(`{"steps":[]}`),
		CronExpr: "0 0 * * * *",
		Enabled:  true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[ScriptResponse](t, rec)
	assert.Equal(t, "login-v2", updated.Name)
	assert.Equal(t, "0 0 * * * *", updated.CronExpr)
	assert.Zero(t, updated.Actions)

	rec = ts.do(t, http.MethodGet, "/api/v1/scripts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[ScriptListResponse](t, rec).Total)

	rec = ts.do(t, http.MethodDelete, "/api/v1/scripts/"+itoa(created.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/v1/scripts/"+itoa(created.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/v1/scripts/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateScript_Validation(t *testing.T) {
	ts := setupServer(t)
	tests := []struct {
		name string
		req  ScriptRequest
		want string
	}{
		{"missing name", ScriptRequest{Content: json.RawMessage(validContent)}, "Name is required"},
		{"missing content", ScriptRequest{Name: "a"}, "Content is required"},
		{"content not an object", ScriptRequest{Name: "a", Content: json.RawMessage(`"steps"`)}, "Invalid script content"},
		{"bad cron", ScriptRequest{Name: "a", Content: json.RawMessage(validContent), CronExpr: "* * *"}, "Invalid cron expression"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/v1/scripts", tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode[ErrorResponse](t, rec).Error, tt.want)
		})
	}
}

func TestRunScript_QueuesTask(t *testing.T) {
	ts := setupServer(t)
	sc := ts.createScript(t, "login", "android://emulator-5554")

	rec := ts.do(t, http.MethodPost, "/api/v1/scripts/"+itoa(sc.ID)+"/run", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decode[db.Task](t, rec)
	assert.Equal(t, db.TaskPending, task.Status)
	assert.Equal(t, "login", task.ScriptName)
	assert.NotEmpty(t, task.ExternalJobID)

	job, err := ts.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, task.ID, job.TaskID)
	assert.Equal(t, task.ExternalJobID, job.ID)

	// override device
	rec = ts.do(t, http.MethodPost, "/api/v1/scripts/"+itoa(sc.ID)+"/run", RunScriptRequest{DeviceURI: "android://other"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "android://other", decode[db.Task](t, rec).DeviceURI)
}

func TestRunScript_RequiresDevice(t *testing.T) {
	ts := setupServer(t)
	sc := ts.createScript(t, "login", "")

	rec := ts.do(t, http.MethodPost, "/api/v1/scripts/"+itoa(sc.ID)+"/run", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, ts.queue.Len())
}

func TestTasks_CreateRunList(t *testing.T) {
	ts := setupServer(t)
	sc := ts.createScript(t, "login", "android://emulator-5554")

	rec := ts.do(t, http.MethodPost, "/api/v1/tasks", TaskRequest{ScriptID: sc.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decode[db.Task](t, rec)
	assert.Equal(t, db.TaskPending, task.Status)
	assert.Equal(t, "android://emulator-5554", task.DeviceURI)
	assert.Zero(t, ts.queue.Len(), "creating does not queue")

	rec = ts.do(t, http.MethodPost, "/api/v1/tasks", TaskRequest{ScriptID: 999})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/tasks/"+itoa(task.ID)+"/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	run := decode[RunResponse](t, rec)
	assert.Equal(t, 1, ts.queue.Len())

	// still PENDING, but already queued
	rec = ts.do(t, http.MethodPost, "/api/v1/tasks/"+itoa(task.ID)+"/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, 1, ts.queue.Len())

	rec = ts.do(t, http.MethodGet, "/api/v1/tasks/"+itoa(task.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, run.JobID, decode[db.Task](t, rec).ExternalJobID)

	_, err := ts.db.TransitionTask(context.Background(), task.ID, db.TaskRunning, "", time.Now())
	require.NoError(t, err)
	rec = ts.do(t, http.MethodPost, "/api/v1/tasks/"+itoa(task.ID)+"/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/tasks?status=RUNNING", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[TaskListResponse](t, rec).Total)

	rec = ts.do(t, http.MethodGet, "/api/v1/tasks?status=PENDING", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[TaskListResponse](t, rec)
	assert.Equal(t, 0, list.Total)
	assert.NotNil(t, list.Tasks)

	rec = ts.do(t, http.MethodGet, "/api/v1/tasks?status=BOGUS", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/v1/tasks/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTask(t *testing.T) {
	ts := setupServer(t)
	sc := ts.createScript(t, "login", "android://emulator-5554")
	rec := ts.do(t, http.MethodPost, "/api/v1/scripts/"+itoa(sc.ID)+"/run", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	task := decode[db.Task](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/v1/tasks/"+itoa(task.ID)+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	canceled := decode[db.Task](t, rec)
	assert.Equal(t, db.TaskCanceled, canceled.Status)
	assert.NotNil(t, canceled.CompletedAt)
	assert.Contains(t, canceled.Log, "--- [task canceled] cancellation requested ---")

	ts.mu.Lock()
	assert.Equal(t, []cancel.Request{{TaskID: task.ID, JobID: task.ExternalJobID}}, ts.requests)
	ts.mu.Unlock()

	rec = ts.do(t, http.MethodPost, "/api/v1/tasks/"+itoa(task.ID)+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/v1/tasks/999/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebSocket_ReceivesTaskUpdates(t *testing.T) {
	ts := setupServer(t)
	server := httptest.NewServer(ts.srv.Router())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/task_updates/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ts.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	sc := ts.createScript(t, "login", "android://emulator-5554")
	rec := ts.do(t, http.MethodPost, "/api/v1/tasks", TaskRequest{ScriptID: sc.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	task := decode[db.Task](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/v1/tasks/"+itoa(task.ID)+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type    string  `json:"type"`
		Message db.Task `json:"message"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, stream.TypeTaskUpdate, msg.Type)
	assert.Equal(t, task.ID, msg.Message.ID)
	assert.Equal(t, db.TaskCanceled, msg.Message.Status)

	conn.Close()
	assert.Eventually(t, func() bool { return ts.hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMedia_ServesScreenshots(t *testing.T) {
	ts := setupServer(t)
	dir := filepath.Join(ts.media, "task_logs", "3")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "s.png"), []byte("png"), 0644))

	rec := ts.do(t, http.MethodGet, "/media/task_logs/3/s.png", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png", rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/media/task_logs/3/missing.png", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
