package tasklog

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/device-tasks/internal/db"
	"github.com/kylemclaren/device-tasks/internal/stream"
)

type capture struct {
	mu   sync.Mutex
	msgs []stream.Message
	err  error
}

func (c *capture) Publish(ctx context.Context, msg stream.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return c.err
}

func newStore(t *testing.T) (*db.DB, *db.Task) {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	s := &db.Script{Name: "login", Content: json.RawMessage(`{"steps":[]}`), Enabled: true}
	require.NoError(t, store.CreateScript(ctx, s))
	task := &db.Task{ScriptID: s.ID, DeviceURI: "android://emulator-5554"}
	require.NoError(t, store.CreateTask(ctx, task))
	return store, task
}

func TestLogger_MutationsPersistThenPublish(t *testing.T) {
	store, task := newStore(t)
	ctx := context.Background()
	pub := &capture{}

	l, err := Open(ctx, store, pub, task.ID, nil)
	require.NoError(t, err)

	require.NoError(t, l.SetStatus(ctx, db.TaskRunning, "started"))
	require.NoError(t, l.AppendLog(ctx, "step one"))
	require.NoError(t, l.SetScreenshot(ctx, "task_logs/1/s.png"))
	require.NoError(t, l.SetStatus(ctx, db.TaskSuccess, "done"))

	stored, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "started\nstep one\ndone\n", stored.Log)
	assert.Equal(t, db.TaskSuccess, stored.Status)
	assert.Equal(t, "task_logs/1/s.png", stored.LatestScreenshot)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.CompletedAt)

	require.Len(t, pub.msgs, 4)
	for _, msg := range pub.msgs {
		assert.Equal(t, stream.TypeTaskUpdate, msg.Type)
		assert.Equal(t, task.ID, msg.TaskID)
	}
	last := pub.msgs[3].Message.(db.Task)
	assert.Equal(t, db.TaskSuccess, last.Status)
	assert.Equal(t, "login", last.ScriptName)
	assert.Equal(t, *stored, l.Task())
}

func TestLogger_PublishFailureKeepsWrite(t *testing.T) {
	store, task := newStore(t)
	ctx := context.Background()
	pub := &capture{err: errors.New("channel layer down")}

	l, err := Open(ctx, store, pub, task.ID, nil)
	require.NoError(t, err)

	require.NoError(t, l.AppendLog(ctx, "kept"))

	stored, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept\n", stored.Log)
}

func TestLogger_RejectedTransitionWritesNothing(t *testing.T) {
	store, task := newStore(t)
	ctx := context.Background()
	pub := &capture{}

	l, err := Open(ctx, store, pub, task.ID, nil)
	require.NoError(t, err)
	require.NoError(t, l.SetStatus(ctx, db.TaskRunning, "started"))

	// cancelled out of band by another actor
	_, err = store.TransitionTask(ctx, task.ID, db.TaskCanceled, "cancel requested", time.Now())
	require.NoError(t, err)

	err = l.SetStatus(ctx, db.TaskSuccess, "done")
	assert.ErrorIs(t, err, db.ErrInvalidTransition)

	stored, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskCanceled, stored.Status)
	assert.Equal(t, "started\ncancel requested\n", stored.Log)
	assert.Len(t, pub.msgs, 1)
}

func TestLogger_AppendDoesNotClobberOutOfBandStatus(t *testing.T) {
	store, task := newStore(t)
	ctx := context.Background()

	l, err := Open(ctx, store, nil, task.ID, nil)
	require.NoError(t, err)
	require.NoError(t, l.SetStatus(ctx, db.TaskRunning, ""))

	_, err = store.TransitionTask(ctx, task.ID, db.TaskCanceled, "", time.Now())
	require.NoError(t, err)

	require.NoError(t, l.AppendLog(ctx, "late line"))
	assert.Equal(t, db.TaskCanceled, l.Task().Status)
}

func TestOpen_MissingTask(t *testing.T) {
	store, _ := newStore(t)
	_, err := Open(context.Background(), store, nil, 999, nil)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestLogger_CanceledReadsStoredStatus(t *testing.T) {
	store, task := newStore(t)
	ctx := context.Background()

	l, err := Open(ctx, store, nil, task.ID, nil)
	require.NoError(t, err)
	require.NoError(t, l.SetStatus(ctx, db.TaskRunning, "started"))

	canceled, err := l.Canceled(ctx)
	require.NoError(t, err)
	assert.False(t, canceled)

	// another actor cancels through its own write path
	_, err = store.TransitionTask(ctx, task.ID, db.TaskCanceled, "canceled elsewhere", time.Now())
	require.NoError(t, err)

	canceled, err = l.Canceled(ctx)
	require.NoError(t, err)
	assert.True(t, canceled)
	assert.Equal(t, db.TaskCanceled, l.Task().Status)
}
