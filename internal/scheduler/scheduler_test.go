package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/device-tasks/internal/db"
	"github.com/kylemclaren/device-tasks/internal/queue"
)

func setup(t *testing.T) (*Scheduler, *db.DB, *queue.MemoryQueue) {
	t.Helper()
	d, err := db.New(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	q := queue.NewMemoryQueue(10)
	return New(d, q, time.Hour, nil), d, q
}

func addScript(t *testing.T, d *db.DB, name, expr, device string, enabled bool) *db.Script {
	t.Helper()
	s := &db.Script{Name: name, Content: json.RawMessage(`{"steps":[]}`), CronExpr: expr, DeviceURI: device, Enabled: enabled}
	require.NoError(t, d.CreateScript(context.Background(), s))
	return s
}

func TestValidateCron(t *testing.T) {
	assert.NoError(t, ValidateCron("0 */5 * * * *"))
	assert.Error(t, ValidateCron("*/5 * * * *"), "five fields")
	assert.Error(t, ValidateCron("not a cron"))
}

func TestSync_SchedulesOnlyRunnableScripts(t *testing.T) {
	s, d, _ := setup(t)
	ctx := context.Background()

	sched := addScript(t, d, "sched", "0 0 * * * *", "android://a", true)
	addScript(t, d, "disabled", "0 0 * * * *", "android://a", false)
	addScript(t, d, "no-device", "0 0 * * * *", "", true)
	addScript(t, d, "manual", "", "android://a", true)

	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, 1, s.Len())

	got, err := d.GetScript(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now()))

	// disabling removes the entry and clears the next run
	got.Enabled = false
	require.NoError(t, d.UpdateScript(ctx, got))
	require.NoError(t, s.Sync(ctx))
	assert.Zero(t, s.Len())

	got, err = d.GetScript(ctx, sched.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextRunAt)
}

func TestSync_ReschedulesChangedExpression(t *testing.T) {
	s, d, _ := setup(t)
	ctx := context.Background()
	sc := addScript(t, d, "sched", "0 0 * * * *", "android://a", true)

	require.NoError(t, s.Sync(ctx))
	first := s.entries[sc.ID].id

	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, first, s.entries[sc.ID].id, "unchanged script keeps its entry")

	sc.CronExpr = "0 30 * * * *"
	require.NoError(t, d.UpdateScript(ctx, sc))
	require.NoError(t, s.Sync(ctx))
	assert.NotEqual(t, first, s.entries[sc.ID].id)
	assert.Equal(t, "0 30 * * * *", s.entries[sc.ID].expr)
}

func TestFire_QueuesPendingTask(t *testing.T) {
	s, d, q := setup(t)
	ctx := context.Background()
	sc := addScript(t, d, "sched", "0 0 * * * *", "android://emulator-5554", true)
	require.NoError(t, s.Sync(ctx))

	s.fire(sc.ID)

	require.Equal(t, 1, q.Len())
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)

	task, err := d.GetTask(ctx, job.TaskID)
	require.NoError(t, err)
	assert.Equal(t, db.TaskPending, task.Status)
	assert.Equal(t, sc.ID, task.ScriptID)
	assert.Equal(t, "android://emulator-5554", task.DeviceURI)
	assert.Equal(t, job.ID, task.ExternalJobID)
}

func TestFire_SkipsDisabledScript(t *testing.T) {
	s, d, q := setup(t)
	ctx := context.Background()
	sc := addScript(t, d, "sched", "0 0 * * * *", "android://a", true)
	require.NoError(t, s.Sync(ctx))

	sc.Enabled = false
	require.NoError(t, d.UpdateScript(ctx, sc))
	s.fire(sc.ID)

	assert.Zero(t, q.Len())
}

func TestStartStop(t *testing.T) {
	s, d, _ := setup(t)
	addScript(t, d, "sched", "0 0 * * * *", "android://a", true)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 1, s.Len())
	s.Stop()
	s.Stop()
}
