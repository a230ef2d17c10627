package driver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	t         *testing.T
	mu        sync.Mutex
	requests  []string
	templates []templatePayload
	present   bool

	// existsMiss answers exists with a target_not_found error instead of exists=false
	existsMiss bool
}

func (a *fakeAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, r.Method+" "+r.URL.Path)

	switch r.URL.Path {
	case "/api/connect":
		var req connectRequest
		require.NoError(a.t, json.NewDecoder(r.Body).Decode(&req))
		if req.DeviceURI == "android://offline" {
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(agentError{Error: "connect_failed", Message: "device offline"})
			return
		}
		json.NewEncoder(w).Encode(connectResponse{Session: "s1"})
	case "/api/sessions/s1/touch", "/api/sessions/s1/exists":
		var req templateRequest
		require.NoError(a.t, json.NewDecoder(r.Body).Decode(&req))
		a.templates = append(a.templates, req.Template)
		if r.URL.Path == "/api/sessions/s1/exists" && a.existsMiss {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(agentError{Error: "target_not_found", Message: req.Template.Name})
			return
		}
		if r.URL.Path == "/api/sessions/s1/exists" {
			json.NewEncoder(w).Encode(existsResponse{Exists: a.present})
			return
		}
		if !a.present {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(agentError{Error: "target_not_found", Message: req.Template.Name})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "/api/sessions/s1/swipe", "/api/sessions/s1/text":
		w.WriteHeader(http.StatusNoContent)
	case "/api/sessions/s1/snapshot":
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	case "/api/sessions/s1":
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newAgent(t *testing.T) (*fakeAgent, *AgentDriver) {
	agent := &fakeAgent{t: t}
	srv := httptest.NewServer(agent)
	t.Cleanup(srv.Close)
	return agent, NewAgentDriver(srv.URL+"/", 5*time.Second, 0.8)
}

func writeAsset(t *testing.T, name string) Template {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("img"), 0644))
	return NewTemplate(dir, name)
}

func TestAgentDriver_ConnectFailure(t *testing.T) {
	_, d := newAgent(t)

	_, err := d.Connect(context.Background(), "android://offline")
	assert.ErrorIs(t, err, ErrConnection)
	assert.Contains(t, err.Error(), "device offline")
}

func TestAgentDriver_TouchTargetNotFound(t *testing.T) {
	agent, d := newAgent(t)
	ctx := context.Background()
	tmpl := writeAsset(t, "login.png")

	sess, err := d.Connect(ctx, "android://emulator-5554")
	require.NoError(t, err)

	err = sess.Touch(ctx, tmpl)
	assert.ErrorIs(t, err, ErrTargetNotFound)

	agent.mu.Lock()
	agent.present = true
	agent.mu.Unlock()
	require.NoError(t, sess.Touch(ctx, tmpl))

	require.Len(t, agent.templates, 2)
	assert.Equal(t, "login.png", agent.templates[0].Name)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("img")), agent.templates[0].Image)
	assert.Equal(t, 0.8, agent.templates[0].Threshold)
}

func TestAgentDriver_ExistsNeverFailsForNotFound(t *testing.T) {
	_, d := newAgent(t)
	ctx := context.Background()

	sess, err := d.Connect(ctx, "android://emulator-5554")
	require.NoError(t, err)

	ok, err := sess.Exists(ctx, writeAsset(t, "popup.png"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAgentDriver_ExistsTargetNotFoundReplyIsAMiss(t *testing.T) {
	agent, d := newAgent(t)
	agent.existsMiss = true
	ctx := context.Background()

	sess, err := d.Connect(ctx, "android://emulator-5554")
	require.NoError(t, err)

	ok, err := sess.Exists(ctx, writeAsset(t, "popup.png"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAgentDriver_SnapshotWritesFile(t *testing.T) {
	_, d := newAgent(t)
	ctx := context.Background()

	sess, err := d.Connect(ctx, "android://emulator-5554")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "task_logs", "7", "s.png")
	require.NoError(t, sess.Snapshot(ctx, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

func TestAgentDriver_CloseIsIdempotent(t *testing.T) {
	agent, d := newAgent(t)
	ctx := context.Background()

	sess, err := d.Connect(ctx, "android://emulator-5554")
	require.NoError(t, err)
	require.NoError(t, sess.Swipe(ctx, Point{X: 1, Y: 2}, Point{X: 3, Y: 4}))
	require.NoError(t, sess.InputText(ctx, "hello"))

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	assert.ErrorIs(t, sess.InputText(ctx, "late"), ErrSessionClosed)

	assert.Equal(t, []string{
		"POST /api/connect",
		"POST /api/sessions/s1/swipe",
		"POST /api/sessions/s1/text",
		"DELETE /api/sessions/s1",
	}, agent.requests)
}

func TestPointFrom(t *testing.T) {
	p, err := PointFrom([]any{float64(10), float64(20.5)})
	require.NoError(t, err)
	assert.Equal(t, Point{X: 10, Y: 20.5}, p)

	_, err = PointFrom([]any{"a", float64(1)})
	assert.Error(t, err)
	_, err = PointFrom("10,20")
	assert.Error(t, err)
}
