package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/apex/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func testBuild(id string, status models.BuildStatus, updated time.Time) *models.BuildSession {
	b := models.NewSession(id, models.BuildRequest{Description: "app " + id, Mode: models.BuildModeFast}, updated)
	b.Status = status
	b.UpdatedAt = updated
	if status.IsTerminal() {
		b.Live = false
		b.Resumable = false
	}
	return b
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestBuildSaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := testBuild("b1", models.BuildStatusInProgress, now)
	pid := int64(42)
	b.ProjectID = &pid
	b.Progress = 30
	b.Agents = b.WithAgent(models.Agent{ID: "a1", Role: models.AgentRoleBackend, Status: models.AgentStatusWorking})
	b.Files = []models.GeneratedFile{{Path: "main.go", Content: "package main", Language: "go"}}
	b.Chat = b.Chat.Append(models.ChatMessage{ID: "m1", Role: models.ChatRoleSystem, Content: "hello", Timestamp: now})
	b.Thoughts = b.Thoughts.Append(models.AIThought{ID: "t1", Type: models.ThoughtThinking, Content: "hmm"})
	b.Checkpoints = []models.Checkpoint{{ID: "c1", Number: 1, Name: "Plan", Progress: 10, CreatedAt: now}}

	require.NoError(t, s.SaveBuild(ctx, b))

	got, err := s.GetBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", got.ID)
	require.NotNil(t, got.ProjectID)
	assert.Equal(t, int64(42), *got.ProjectID)
	assert.Equal(t, models.BuildStatusInProgress, got.Status)
	assert.Equal(t, 30, got.Progress)
	assert.Equal(t, models.AgentStatusWorking, got.Agents["a1"].Status)
	assert.Equal(t, b.Files, got.Files)
	assert.Equal(t, b.Chat.Items(), got.Chat.Items())
	assert.Equal(t, "hmm", got.Thoughts.Items()[0].Content)
	assert.Equal(t, b.Checkpoints, got.Checkpoints)
	assert.True(t, got.Live)

	// Upsert
	b2 := b.Clone()
	b2.Status = models.BuildStatusCompleted
	b2.Progress = 100
	b2.Live = false
	require.NoError(t, s.SaveBuild(ctx, b2))

	got, err = s.GetBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusCompleted, got.Status)
	assert.False(t, got.Live)

	all, err := s.ListBuilds(ctx, BuildListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetBuild_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetBuild(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSaveBuild_RequiresID(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.SaveBuild(context.Background(), &models.BuildSession{}))
	assert.Error(t, s.SaveBuild(context.Background(), nil))
}

func TestListBuilds_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveBuild(ctx, testBuild("old", models.BuildStatusCompleted, base)))
	require.NoError(t, s.SaveBuild(ctx, testBuild("mid", models.BuildStatusInProgress, base.Add(time.Hour))))
	require.NoError(t, s.SaveBuild(ctx, testBuild("new", models.BuildStatusFailed, base.Add(2*time.Hour))))

	all, err := s.ListBuilds(ctx, BuildListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID)
	assert.Equal(t, "old", all[2].ID)

	live, err := s.ListBuilds(ctx, BuildListFilter{LiveOnly: true})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "mid", live[0].ID)

	failed, err := s.ListBuilds(ctx, BuildListFilter{Status: models.BuildStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "new", failed[0].ID)

	limited, err := s.ListBuilds(ctx, BuildListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestEventJournal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveBuild(ctx, testBuild("b1", models.BuildStatusPlanning, time.Now())))
	require.NoError(t, s.RecordEvent(ctx, "b1", "build:state", []byte(`{"type":"build:state","data":{}}`)))
	require.NoError(t, s.RecordEvent(ctx, "b1", "agent:spawned", []byte(`{"type":"agent:spawned","agent_id":"a1"}`)))
	require.NoError(t, s.RecordEvent(ctx, "b2", "build:state", []byte(`{"type":"build:state"}`)))

	evs, err := s.ListEvents(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "build:state", evs[0].Kind)
	assert.Equal(t, "agent:spawned", evs[1].Kind)
	assert.JSONEq(t, `{"type":"agent:spawned","agent_id":"a1"}`, string(evs[1].Payload))
	assert.Len(t, evs[0].ID, 26)
	assert.False(t, evs[0].ReceivedAt.IsZero())

	assert.Error(t, s.RecordEvent(ctx, "b1", "x", []byte(`{not json`)))

	require.NoError(t, s.DeleteBuild(ctx, "b1"))
	evs, err = s.ListEvents(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, evs)

	err = s.DeleteBuild(ctx, "b1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
