package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/device-tasks/internal/db"
	"github.com/kylemclaren/device-tasks/internal/stream"
)

func TestLogPrinter_PrintsOnlyNewLines(t *testing.T) {
	var out strings.Builder
	p := newLogPrinter(&out)
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, stream.TaskUpdate(1, db.Task{ID: 1, Log: "one\n"})))
	require.NoError(t, p.Publish(ctx, stream.TaskUpdate(1, db.Task{ID: 1, Log: "one\n"})))
	require.NoError(t, p.Publish(ctx, stream.TaskUpdate(1, db.Task{ID: 1, Log: "one\ntwo\n"})))
	require.NoError(t, p.Publish(ctx, stream.TaskUpdate(2, db.Task{ID: 2, Log: "other\n"})))

	assert.Equal(t, "one\ntwo\nother\n", out.String())
}

func TestUpsertScript(t *testing.T) {
	store, err := db.New(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	first, err := upsertScript(ctx, store, "login", json.RawMessage(`{"steps":[]}`), "android://a")
	require.NoError(t, err)
	assert.Equal(t, "android://a", first.DeviceURI)

	second, err := upsertScript(ctx, store, "login", json.RawMessage(`{"variables":{"x":1},"steps":[]}`), "android://b")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got, err := store.GetScript(ctx, first.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"variables":{"x":1},"steps":[]}`, string(got.Content))
}
