package tui

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/device-tasks/internal/db"
	"github.com/kylemclaren/device-tasks/internal/queue"
)

func newTestModel(t *testing.T, opts Options) (Model, *db.DB, *db.Task) {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	s := &db.Script{Name: "login", Content: json.RawMessage(`{"steps":[]}`), Enabled: true}
	require.NoError(t, store.CreateScript(ctx, s))
	task := &db.Task{ScriptID: s.ID, DeviceURI: "android://emulator-5554"}
	require.NoError(t, store.CreateTask(ctx, task))

	return NewModel(store, opts), store, task
}

func TestTaskRow(t *testing.T) {
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	done := started.Add(90 * time.Second)
	task := &db.Task{
		ID:          7,
		ScriptName:  "a-very-long-script-name",
		DeviceURI:   "android://emulator-5554",
		Status:      db.TaskFailed,
		StartedAt:   &started,
		CompletedAt: &done,
	}

	row := taskRow(task, 10, 40, done.Add(time.Hour))
	assert.Equal(t, "7", row[0])
	assert.Equal(t, "a-very-...", row[1])
	assert.Equal(t, "android://emulator-5554", row[2])
	assert.Equal(t, "✗ FAILED", row[3])
	assert.Equal(t, "1m30s", row[5])

	pending := &db.Task{ID: 8, Status: db.TaskPending}
	row = taskRow(pending, 10, 10, time.Now())
	assert.Equal(t, "-", row[4])
	assert.Equal(t, "-", row[5])
}

func TestTaskDuration_RunningUsesNow(t *testing.T) {
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	task := &db.Task{Status: db.TaskRunning, StartedAt: &started}
	assert.Equal(t, "5s", taskDuration(task, started.Add(5*time.Second)))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "abcdef", truncate("abcdef", 2))
}

func TestStatusLabels(t *testing.T) {
	assert.Equal(t, "✓ SUCCESS", statusLabel(db.TaskSuccess))
	assert.Equal(t, "● RUNNING", statusLabel(db.TaskRunning))
	assert.Equal(t, "⊘ CANCELED", statusLabel(db.TaskCanceled))
	assert.Equal(t, "○ PENDING", statusLabel(db.TaskPending))
	assert.Equal(t, statusCanceled, statusStyle(db.TaskCanceled))
	assert.Equal(t, statusFail, statusStyle(db.TaskFailed))
}

func TestTaskMarkdown(t *testing.T) {
	task := &db.Task{
		ID:               3,
		Status:           db.TaskRunning,
		Log:              "--- [task started] script: login ---\nconnected to device: android://a\n",
		LatestScreenshot: "task_logs/3/shot.png",
		ExternalJobID:    "job-1",
	}
	md := taskMarkdown(task, time.Now())
	assert.Contains(t, md, "| Status | RUNNING |")
	assert.Contains(t, md, "`task_logs/3/shot.png`")
	assert.Contains(t, md, "`job-1`")
	assert.Contains(t, md, "```text\n--- [task started] script: login ---\nconnected to device: android://a\n```")

	empty := taskMarkdown(&db.Task{Status: db.TaskPending}, time.Now())
	assert.Contains(t, empty, "_nothing logged yet_")
}

func TestUpdate_TasksLoadedFillsTable(t *testing.T) {
	m, _, _ := newTestModel(t, Options{})

	msg := m.loadTasks()()
	loaded, ok := msg.(tasksLoadedMsg)
	require.True(t, ok)
	require.Len(t, loaded.tasks, 1)

	next, _ := m.Update(loaded)
	model := next.(Model)
	require.Len(t, model.table.Rows(), 1)
	assert.Equal(t, "login", model.table.Rows()[0][1])
	assert.Contains(t, model.View(), "Device Tasks")
}

func TestUpdate_CancelSelectedTask(t *testing.T) {
	m, store, task := newTestModel(t, Options{})
	next, _ := m.Update(m.loadTasks()())
	model := next.(Model)

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	require.NotNil(t, cmd)
	msg := cmd()
	canceled, ok := msg.(taskCanceledMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, db.TaskCanceled, canceled.task.Status)

	stored, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskCanceled, stored.Status)

	// a second cancel reports the task as finished
	_, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	_, isErr := cmd().(errMsg)
	assert.True(t, isErr)
}

func TestUpdate_RerunNeedsQueue(t *testing.T) {
	m, _, _ := newTestModel(t, Options{})
	next, _ := m.Update(m.loadTasks()())
	model := next.(Model)

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	_, isErr := cmd().(errMsg)
	assert.True(t, isErr)
}

func TestUpdate_RerunQueuesNewTask(t *testing.T) {
	q := queue.NewMemoryQueue(4)
	m, store, task := newTestModel(t, Options{Queue: q})
	next, _ := m.Update(m.loadTasks()())
	model := next.(Model)

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	queued, ok := cmd().(taskQueuedMsg)
	require.True(t, ok)
	assert.NotEqual(t, task.ID, queued.task.ID)
	assert.Equal(t, 1, q.Len())

	stored, err := store.GetTask(context.Background(), queued.task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskPending, stored.Status)
	assert.Equal(t, task.DeviceURI, stored.DeviceURI)
	assert.NotEmpty(t, stored.ExternalJobID)
}

func TestUpdate_FilterCycles(t *testing.T) {
	m, _, _ := newTestModel(t, Options{})

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("f")})
	model := next.(Model)
	assert.Equal(t, db.TaskPending, model.currentFilter())
	loaded := cmd().(tasksLoadedMsg)
	assert.Len(t, loaded.tasks, 1)

	next, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("f")})
	model = next.(Model)
	assert.Equal(t, db.TaskRunning, model.currentFilter())
	loaded = cmd().(tasksLoadedMsg)
	assert.Empty(t, loaded.tasks)
}
