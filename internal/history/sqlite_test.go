package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRepo(t *testing.T) Repository {
	t.Helper()
	repo, err := NewRunRepoSQLite(filepath.Join(t.TempDir(), "db", "history.db"), &Options{MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSaveAndGet(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	started := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	run := &Run{
		ID:        "run-1",
		User:      "alice",
		Server:    "wss://localhost:9000",
		InputDir:  "./input",
		Stage:     "INITIALIZED",
		Status:    "SUCCESS",
		StartedAt: started,
	}
	require.NoError(t, repo.Save(ctx, run))

	// 运行结束后覆盖同一条记录
	run.Stage = "FINALIZED"
	run.SessionID = "sess-1"
	run.Succeeded = true
	run.Outputs = []string{"out/sample.mutated.dll"}
	run.EndedAt = started.Add(3 * time.Second)
	require.NoError(t, repo.Save(ctx, run))

	got, err := repo.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.User)
	assert.Equal(t, "FINALIZED", got.Stage)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.True(t, got.Succeeded)
	assert.Equal(t, []string{"out/sample.mutated.dll"}, got.Outputs)
	assert.True(t, got.StartedAt.Equal(started))
	assert.True(t, got.EndedAt.Equal(started.Add(3*time.Second)))
}

func TestGetMissing(t *testing.T) {
	repo := openTestRepo(t)

	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRequiresID(t *testing.T) {
	repo := openTestRepo(t)
	assert.Error(t, repo.Save(context.Background(), &Run{User: "bob"}))
}

func TestList(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, user := range []string{"alice", "bob", "alice", "alice"} {
		require.NoError(t, repo.Save(ctx, &Run{
			ID:        "run-" + string(rune('a'+i)),
			User:      user,
			Stage:     "CONNECTED",
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	all, err := repo.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "run-d", all[0].ID, "newest first")

	alice, err := repo.List(ctx, &QueryOptions{User: "alice", Limit: 2})
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, []string{"run-d", "run-c"}, []string{alice[0].ID, alice[1].ID})

	since := base.Add(90 * time.Minute)
	recent, err := repo.List(ctx, &QueryOptions{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)
	assert.Empty(t, recent[0].Outputs)
}
