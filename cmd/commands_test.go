package cmd

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/apex/internal/models"
)

// captureOutput points ui at a buffer for the rest of the test.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	ui.Out = &buf
	ui.ErrOut = &buf
	return &buf
}

// fakeBackend serves the REST endpoints the commands use.
func fakeBackend(t *testing.T, detail string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/builds/{id}", func(w http.ResponseWriter, r *http.Request) {
		if detail == "" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"build not found"}`))
			return
		}
		_, _ = w.Write([]byte(detail))
	})
	mux.HandleFunc("GET /api/v1/builds/{id}/download", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write([]byte("PK\x03\x04remote"))
	})
	mux.HandleFunc("POST /api/v1/build/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	mux.HandleFunc("GET /api/v1/builds", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"builds":[
			{"build_id":"r1","project_name":"todo","status":"completed","mode":"full","files_count":4,"total_cost":0.42,"created_at":"2026-03-01"},
			{"build_id":"r2","project_name":"blog","status":"in_progress","mode":"fast","live":true,"created_at":"2026-03-02"}
		],"total":12,"page":1,"limit":2}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	viper.Set("api.url", srv.URL)
	return srv
}

func seedBuild(t *testing.T, b *models.BuildSession) {
	t.Helper()
	s, err := getStore()
	require.NoError(t, err)
	require.NoError(t, s.SaveBuild(context.Background(), b))
}

func sampleBuild(id string, status models.BuildStatus) *models.BuildSession {
	now := time.Now().UTC()
	b := &models.BuildSession{
		ID:          id,
		Description: "a todo app with tags",
		Mode:        models.BuildModeFull,
		PowerMode:   models.PowerModeBalanced,
		Status:      status,
		Progress:    40,
		Agents: map[string]models.Agent{
			"a1": {ID: "a1", Role: models.AgentRoleFrontend, Status: models.AgentStatusWorking, Progress: 30,
				CurrentTask: &models.Task{Type: "code", Description: "build the list view"}},
		},
		Checkpoints: []models.Checkpoint{{ID: "c1", Number: 1, Name: "Plan ready", Progress: 20}},
		Files: []models.GeneratedFile{
			{Path: "src/App.tsx", Content: "export default function App() {}", Language: "typescript"},
			{Path: "README.md", Content: "# todo", Language: "markdown"},
		},
		Live:      !status.IsTerminal(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.Chat = b.Chat.Append(models.ChatMessage{ID: "m1", Role: models.ChatRoleLead, Content: "Planning the app", Timestamp: now})
	return b
}

func TestListLocalRun(t *testing.T) {
	testEnv(t)
	out := captureOutput(t)
	seedBuild(t, sampleBuild("b1", models.BuildStatusInProgress))
	seedBuild(t, sampleBuild("b2", models.BuildStatusCompleted))

	listStatus, listLive, listLimit = "", false, 20
	require.NoError(t, listLocalRun(listCmd))
	assert.Contains(t, out.String(), "b1")
	assert.Contains(t, out.String(), "b2")

	out.Reset()
	listStatus = "completed"
	t.Cleanup(func() { listStatus = "" })
	require.NoError(t, listLocalRun(listCmd))
	assert.NotContains(t, out.String(), "b1")
	assert.Contains(t, out.String(), "b2")
}

func TestListLocalRun_Empty(t *testing.T) {
	testEnv(t)
	out := captureOutput(t)

	require.NoError(t, listLocalRun(listCmd))
	assert.Contains(t, out.String(), "No builds cached")
}

func TestListRemoteRun(t *testing.T) {
	testEnv(t)
	out := captureOutput(t)
	fakeBackend(t, "")

	listPage, listLimit = 1, 2
	t.Cleanup(func() { listLimit = 20 })
	require.NoError(t, listRemoteRun(listCmd))
	assert.Contains(t, out.String(), "r1")
	assert.Contains(t, out.String(), "$0.42")
	assert.Contains(t, out.String(), "--page 2")
}

func TestLoadBuild_CachedWithoutBackend(t *testing.T) {
	testEnv(t)
	viper.Set("api.url", "http://127.0.0.1:1")
	seedBuild(t, sampleBuild("b1", models.BuildStatusInProgress))

	b, err := loadBuild(context.Background(), "b1", false)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusInProgress, b.Status)
	assert.Equal(t, 1, b.Chat.Len())
}

func TestLoadBuild_FetchesUncached(t *testing.T) {
	testEnv(t)
	fakeBackend(t, `{"build_id":"b9","status":"completed","progress":100,"description":"remote app",
		"files":[{"path":"main.go","content":"package main","language":"go"}]}`)

	b, err := loadBuild(context.Background(), "b9", false)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusCompleted, b.Status)
	assert.Len(t, b.Files, 1)

	s, err := getStore()
	require.NoError(t, err)
	cached, err := s.GetBuild(context.Background(), "b9")
	require.NoError(t, err, "resumed build should be cached")
	assert.Equal(t, "remote app", cached.Description)
}

func TestLoadBuild_NotFoundAnywhere(t *testing.T) {
	testEnv(t)
	fakeBackend(t, "")

	_, err := loadBuild(context.Background(), "nope", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build not found")
}

func TestPrintBuild(t *testing.T) {
	testEnv(t)
	out := captureOutput(t)

	printBuild(sampleBuild("b1", models.BuildStatusInProgress), true, 5)
	text := out.String()
	assert.Contains(t, text, "b1")
	assert.Contains(t, text, "in_progress")
	assert.Contains(t, text, "build the list view")
	assert.Contains(t, text, "#1 Plan ready")
	assert.Contains(t, text, "src/App.tsx")
	assert.Contains(t, text, "Planning the app")
}

func TestShowCmd_JSON(t *testing.T) {
	testEnv(t)
	out := captureOutput(t)
	seedBuild(t, sampleBuild("b1", models.BuildStatusCompleted))

	showJSON = true
	t.Cleanup(func() { showJSON = false })
	require.NoError(t, showCmd.RunE(showCmd, []string{"b1"}))

	var got models.BuildSession
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "b1", got.ID)
	assert.Len(t, got.Files, 2)
}

func TestCancelCmd(t *testing.T) {
	testEnv(t)
	out := captureOutput(t)
	fakeBackend(t, `{"build_id":"b1","status":"cancelled","progress":40}`)
	seedBuild(t, sampleBuild("b1", models.BuildStatusInProgress))

	require.NoError(t, cancelCmd.RunE(cancelCmd, []string{"b1"}))
	assert.Contains(t, out.String(), "Cancel requested")

	s, err := getStore()
	require.NoError(t, err)
	b, err := s.GetBuild(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusCancelled, b.Status)
	assert.False(t, b.Live)
}

func TestCancelCmd_DryRun(t *testing.T) {
	testEnv(t)
	out := captureOutput(t)
	ui.DryRun = true
	dryRun = true
	t.Cleanup(func() { dryRun = false })

	require.NoError(t, cancelCmd.RunE(cancelCmd, []string{"b1"}))
	assert.Contains(t, out.String(), "Would cancel build b1")
}

func TestDownloadRun_Local(t *testing.T) {
	dir := testEnv(t)
	captureOutput(t)
	seedBuild(t, sampleBuild("b1", models.BuildStatusCompleted))

	downloadLocal = true
	downloadOut = filepath.Join(dir, "out", "b1.zip")
	t.Cleanup(func() { downloadLocal, downloadOut = false, "" })
	require.NoError(t, downloadRun(downloadCmd, "b1"))

	zr, err := zip.OpenReader(downloadOut)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"src/App.tsx", "README.md"}, names)
}

func TestDownloadRun_Remote(t *testing.T) {
	dir := testEnv(t)
	captureOutput(t)
	fakeBackend(t, "")

	downloadOut = filepath.Join(dir, "remote.zip")
	t.Cleanup(func() { downloadOut = "" })
	require.NoError(t, downloadRun(downloadCmd, "b1"))

	data, err := os.ReadFile(downloadOut)
	require.NoError(t, err)
	assert.Equal(t, "PK\x03\x04remote", string(data))

	leftovers, err := filepath.Glob(filepath.Join(dir, ".apex-download-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestDownloadRun_Extract(t *testing.T) {
	dir := testEnv(t)
	captureOutput(t)
	seedBuild(t, sampleBuild("b1", models.BuildStatusCompleted))

	downloadLocal = true
	downloadExtract = filepath.Join(dir, "app")
	t.Cleanup(func() { downloadLocal, downloadExtract = false, "" })
	require.NoError(t, downloadRun(downloadCmd, "b1"))

	data, err := os.ReadFile(filepath.Join(dir, "app", "src", "App.tsx"))
	require.NoError(t, err)
	assert.Equal(t, "export default function App() {}", string(data))
}

func TestReplayCmd(t *testing.T) {
	testEnv(t)
	out := captureOutput(t)
	s, err := getStore()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.RecordEvent(ctx, "b1", "build:state",
		[]byte(`{"type":"build:state","build_id":"b1","data":{"status":"in_progress","description":"todo app","progress":20}}`)))
	require.NoError(t, s.RecordEvent(ctx, "b1", "", []byte(`{"data":{"status":"failed"}}`)))
	require.NoError(t, s.RecordEvent(ctx, "b1", "build:completed",
		[]byte(`{"type":"build:completed","build_id":"b1","data":{"status":"completed","progress":100}}`)))

	replaySave = true
	t.Cleanup(func() { replaySave = false })
	require.NoError(t, replayCmd.RunE(replayCmd, []string{"b1"}))
	assert.Contains(t, out.String(), "Replayed 2 events (1 skipped)")

	b, err := s.GetBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusCompleted, b.Status)
	assert.Equal(t, 100, b.Progress)
}

func TestReplayCmd_NoEvents(t *testing.T) {
	testEnv(t)
	captureOutput(t)

	err := replayCmd.RunE(replayCmd, []string{"b1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recorded events")
}

func TestSummarizeCmd_NoKey(t *testing.T) {
	testEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "")

	err := summarizeCmd.RunE(summarizeCmd, []string{"b1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.api_key")
}
