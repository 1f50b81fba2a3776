package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lix"
	"lix/internal/api"
	"lix/internal/config"
	lixerrors "lix/internal/errors"
)

func setupTestClient(t *testing.T) *Client {
	cfg := config.Default()
	cfg.Database.InMemory = true
	e, err := lix.Open(lix.Options{Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })

	srv := httptest.NewServer(api.NewHandler(e, e.Metrics().Registry()).Routes())
	t.Cleanup(srv.Close)
	return New(srv.URL + "/")
}

func TestClient(t *testing.T) {
	c := setupTestClient(t)
	ctx := context.Background()

	entry, err := c.Write(ctx, "notes/todo.json", []byte(`{"done":false}`))
	require.NoError(t, err)
	assert.Equal(t, "/notes/todo.json", entry.Path)
	require.NoError(t, c.Settle(ctx, 10*time.Second))

	data, err := c.Read(ctx, "/notes/todo.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"done":false}`, string(data))

	_, err = c.Read(ctx, "/missing.json")
	assert.True(t, lixerrors.IsNotFound(err))

	v, err := c.CreateVersion(ctx, "review", "main")
	require.NoError(t, err)
	assert.Equal(t, "review", v.Name)

	_, err = c.CreateVersion(ctx, "review", "main")
	assert.True(t, lixerrors.IsConstraint(err, "version_name_unique"))

	_, err = c.SwitchVersion(ctx, "review")
	require.NoError(t, err)
	_, err = c.Write(ctx, "/notes/todo.json", []byte(`{"done":true}`))
	require.NoError(t, err)
	require.NoError(t, c.Settle(ctx, 10*time.Second))

	cur, err := c.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "review", cur.Name)

	_, err = c.SwitchVersion(ctx, "main")
	require.NoError(t, err)
	res, err := c.MergeVersion(ctx, "review", "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.FastForwarded)

	data, err = c.Read(ctx, "/notes/todo.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"done":true}`, string(data))

	versions, err := c.Versions(ctx)
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	conflicts, err := c.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	_, err = c.Delete(ctx, "/notes/todo.json")
	require.NoError(t, err)
	require.NoError(t, c.Settle(ctx, 10*time.Second))
	_, err = c.Read(ctx, "/notes/todo.json")
	assert.True(t, lixerrors.IsNotFound(err))

	_, err = c.ResolveConflict(ctx, "a", "a", "a")
	assert.True(t, lixerrors.IsValidation(err))
}
