package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/reducer"
)

// --- fakes ---

type fakeStream struct {
	frames chan []byte
	sent   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(frames ...string) *fakeStream {
	s := &fakeStream{
		frames: make(chan []byte, len(frames)+16),
		sent:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
	for _, f := range frames {
		s.frames <- []byte(f)
	}
	return s
}

// drop makes Recv fail once queued frames are consumed.
func (s *fakeStream) drop() { close(s.frames) }

func (s *fakeStream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return nil, io.ErrUnexpectedEOF
		}
		return f, nil
	case <-s.closed:
		return nil, errors.New("stream closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Send(ctx context.Context, v any) error {
	select {
	case <-s.closed:
		return errors.New("stream closed")
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.sent <- data
	return nil
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
	dials   int
}

func (d *fakeDialer) Dial(ctx context.Context, buildID string) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.streams) == 0 {
		return nil, errors.New("connection refused")
	}
	s := d.streams[0]
	d.streams = d.streams[1:]
	return s, nil
}

type fakeBackend struct {
	mu        sync.Mutex
	details   map[string]*models.CompletedBuildDetail
	detailErr error
	started   []models.BuildRequest
	cancelled []string
}

func (b *fakeBackend) StartBuild(ctx context.Context, req models.BuildRequest) (*models.BuildStartResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = append(b.started, req)
	return &models.BuildStartResponse{BuildID: "b1", Status: "started"}, nil
}

func (b *fakeBackend) GetCompletedBuild(ctx context.Context, buildID string) (*models.CompletedBuildDetail, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detailErr != nil {
		return nil, b.detailErr
	}
	d, ok := b.details[buildID]
	if !ok {
		return nil, fmt.Errorf("build not found: %s", buildID)
	}
	return d, nil
}

func (b *fakeBackend) CancelBuild(ctx context.Context, buildID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, buildID)
	return nil
}

type memStore struct {
	mu     sync.Mutex
	builds map[string]*models.BuildSession
	saves  int
	events []string
}

func newMemStore() *memStore {
	return &memStore{builds: map[string]*models.BuildSession{}}
}

func (m *memStore) SaveBuild(ctx context.Context, b *models.BuildSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builds[b.ID] = b
	m.saves++
	return nil
}

func (m *memStore) GetBuild(ctx context.Context, id string) (*models.BuildSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[id]
	if !ok {
		return nil, fmt.Errorf("build not found: %s", id)
	}
	return b, nil
}

func (m *memStore) RecordEvent(ctx context.Context, buildID, kind string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, kind)
	return nil
}

func newTestController(b *fakeBackend, d *fakeDialer, opts ...Option) *Controller {
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithReducer(&reducer.Reducer{
			Now:   func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
			NewID: reducerIDs(),
		}),
		WithReconnect(2, time.Millisecond),
	}
	return New(b, d, append(base, opts...)...)
}

func reducerIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

const (
	stateFrame     = `{"type":"build:state","build_id":"b1","data":{"status":"in_progress","description":"todo app","mode":"full","progress":20}}`
	completedFrame = `{"type":"build:completed","build_id":"b1","data":{"status":"completed","progress":100}}`
)

func chatContents(s *models.BuildSession) []string {
	var out []string
	for _, m := range s.Chat.Items() {
		out = append(out, m.Content)
	}
	return out
}

func intPtr(i int) *int { return &i }

// --- tests ---

func TestStart(t *testing.T) {
	b := &fakeBackend{}
	store := newMemStore()
	c := newTestController(b, nil, WithStore(store))

	id, err := c.Start(context.Background(), models.BuildRequest{Description: "  todo app  ", Mode: models.BuildModeFast})
	require.NoError(t, err)
	assert.Equal(t, "b1", id)

	s := c.State()
	require.NotNil(t, s)
	assert.Equal(t, models.BuildStatusPlanning, s.Status)
	assert.Equal(t, "todo app", s.Description)
	assert.True(t, s.Live)
	assert.True(t, s.Resumable)
	assert.Equal(t, "todo app", b.started[0].Description)
	assert.Contains(t, store.builds, "b1")

	_, err = c.Start(context.Background(), models.BuildRequest{Description: " "})
	assert.Error(t, err)
}

func TestAttach_AppliesEventsUntilTerminal(t *testing.T) {
	stream := newFakeStream(
		`{"type":"connection:established","build_id":"b1"}`,
		stateFrame,
		`{"type":"agent:spawned","build_id":"b1","agent_id":"a1","data":{"role":"frontend","provider":"claude"}}`,
		`{"type":"build:checkpoint","build_id":"b1","data":{"checkpoint_id":"c1","number":1,"name":"Plan"}}`,
		`{"type":"file:created","build_id":"b1","data":{"path":"index.html","content":"<html>"}}`,
		completedFrame,
		`{"type":"lead:response","build_id":"b1","data":{"content":"never applied"}}`,
	)
	store := newMemStore()
	c := newTestController(&fakeBackend{}, &fakeDialer{streams: []*fakeStream{stream}}, WithStore(store), WithJournal(store))

	require.NoError(t, c.Attach(context.Background(), "b1"))

	s := c.State()
	assert.Equal(t, models.BuildStatusCompleted, s.Status)
	assert.Equal(t, 100, s.Progress)
	assert.False(t, s.Live)
	assert.Contains(t, s.Agents, "a1")
	assert.Len(t, s.Checkpoints, 1)
	assert.Len(t, s.Files, 1)
	assert.NotContains(t, chatContents(s), "never applied")
	assert.True(t, stream.isClosed())

	assert.Equal(t, s, store.builds["b1"])
	assert.Equal(t, []string{"connection:established", "build:state", "agent:spawned", "build:checkpoint", "file:created", "build:completed"}, store.events)
}

func TestAttach_IgnoresMalformedAndForeignFrames(t *testing.T) {
	stream := newFakeStream(
		stateFrame,
		`{not json`,
		`{"type":"lead:response","build_id":"other","data":{"content":"wrong build"}}`,
		`{"type":"lead:response","data":{"content":"right build"}}`,
		completedFrame,
	)
	c := newTestController(&fakeBackend{}, &fakeDialer{streams: []*fakeStream{stream}})

	require.NoError(t, c.Attach(context.Background(), "b1"))
	chat := chatContents(c.State())
	assert.Contains(t, chat, "right build")
	assert.NotContains(t, chat, "wrong build")
	assert.Contains(t, chat, "Received a malformed update from the server; it was ignored.")
}

func TestAttach_ReconnectsAfterDrop(t *testing.T) {
	first := newFakeStream(stateFrame, `{"type":"build:progress","build_id":"b1","data":{"progress":55}}`)
	first.drop()
	second := newFakeStream(stateFrame, completedFrame)
	dialer := &fakeDialer{streams: []*fakeStream{first, second}}
	c := newTestController(&fakeBackend{}, dialer)

	require.NoError(t, c.Attach(context.Background(), "b1"))
	s := c.State()
	assert.Equal(t, models.BuildStatusCompleted, s.Status)
	assert.Equal(t, 2, dialer.dials)
	assert.Contains(t, chatContents(s), "Connection lost. Reconnecting (1/2)...")
	assert.True(t, first.isClosed())
}

func TestAttach_GivesUpThenResumesTerminal(t *testing.T) {
	first := newFakeStream(stateFrame)
	first.drop()
	b := &fakeBackend{details: map[string]*models.CompletedBuildDetail{
		"b1": {BuildID: "b1", Status: "completed", Progress: intPtr(100), Files: []models.GeneratedFile{{Path: "a.go"}}},
	}}
	dialer := &fakeDialer{streams: []*fakeStream{first}}
	c := newTestController(b, dialer)

	require.NoError(t, c.Attach(context.Background(), "b1"))
	s := c.State()
	assert.Equal(t, models.BuildStatusCompleted, s.Status)
	assert.False(t, s.Live)
	assert.False(t, s.Resumable)
	assert.Len(t, s.Files, 1)
	assert.Equal(t, 3, dialer.dials)
	assert.Contains(t, chatContents(s), "Connection lost. Checking build status...")
}

func TestAttach_GivesUpWhileStillRunning(t *testing.T) {
	first := newFakeStream(stateFrame)
	first.drop()
	b := &fakeBackend{details: map[string]*models.CompletedBuildDetail{
		"b1": {BuildID: "b1", Status: "in_progress", Progress: intPtr(5)},
	}}
	c := newTestController(b, &fakeDialer{streams: []*fakeStream{first}})

	err := c.Attach(context.Background(), "b1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStreamLost)
	assert.Equal(t, 20, c.State().Progress, "non-terminal record does not override live view")
	assert.Equal(t, models.BuildStatusInProgress, c.State().Status)
}

func TestAttach_AlreadyTerminalDoesNotDial(t *testing.T) {
	store := newMemStore()
	done := models.NewSession("b1", models.BuildRequest{Description: "x"}, time.Now())
	done.Status = models.BuildStatusCompleted
	done.Live = false
	store.builds["b1"] = done

	dialer := &fakeDialer{}
	c := newTestController(&fakeBackend{}, dialer, WithStore(store))
	require.NoError(t, c.Attach(context.Background(), "b1"))
	assert.Equal(t, 0, dialer.dials)
	assert.Same(t, done, c.State())
}

func TestAttach_NoDialer(t *testing.T) {
	c := New(&fakeBackend{}, nil)
	assert.Error(t, c.Attach(context.Background(), "b1"))
}

func TestDetach_StopsAttach(t *testing.T) {
	stream := newFakeStream(stateFrame)
	c := newTestController(&fakeBackend{}, &fakeDialer{streams: []*fakeStream{stream}})

	errCh := make(chan error, 1)
	go func() { errCh <- c.Attach(context.Background(), "b1") }()

	require.Eventually(t, func() bool { return c.currentStream() != nil && c.State() != nil }, time.Second, time.Millisecond)
	c.Detach()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Attach did not return after Detach")
	}
	assert.True(t, stream.isClosed())
	assert.Nil(t, c.currentStream())
}

func TestAttach_ContextCancelled(t *testing.T) {
	stream := newFakeStream(stateFrame)
	c := newTestController(&fakeBackend{}, &fakeDialer{streams: []*fakeStream{stream}})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Attach(ctx, "b1") }()
	require.Eventually(t, func() bool { return c.State() != nil }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Attach did not return after cancel")
	}
}

func TestSendMessage(t *testing.T) {
	c := newTestController(&fakeBackend{}, nil)
	assert.ErrorIs(t, c.SendMessage(context.Background(), "hello"), ErrNotAttached)

	stream := newFakeStream(stateFrame)
	c = newTestController(&fakeBackend{}, &fakeDialer{streams: []*fakeStream{stream}})
	go func() { _ = c.Attach(context.Background(), "b1") }()
	defer c.Detach()
	require.Eventually(t, func() bool { return c.currentStream() != nil && c.State() != nil }, time.Second, time.Millisecond)

	assert.Error(t, c.SendMessage(context.Background(), "   "))
	require.NoError(t, c.SendMessage(context.Background(), "add a login page"))

	select {
	case data := <-stream.sent:
		assert.JSONEq(t, `{"type":"user:message","content":"add a login page"}`, string(data))
	case <-time.After(time.Second):
		t.Fatal("message not sent")
	}

	msgs := c.State().Chat.Items()
	last := msgs[len(msgs)-1]
	assert.Equal(t, models.ChatRoleUser, last.Role)
	assert.Equal(t, "add a login page", last.Content)
}

func TestSendMessage_BackendEchoRecordedOnce(t *testing.T) {
	stream := newFakeStream(stateFrame)
	c := newTestController(&fakeBackend{}, &fakeDialer{streams: []*fakeStream{stream}})
	go func() { _ = c.Attach(context.Background(), "b1") }()
	defer c.Detach()
	require.Eventually(t, func() bool { return c.currentStream() != nil && c.State() != nil }, time.Second, time.Millisecond)

	require.NoError(t, c.SendMessage(context.Background(), "add a login page"))
	<-stream.sent

	// The backend broadcasts the message back to every subscriber, then a
	// second client sends the same text.
	stream.frames <- []byte(`{"type":"user:message","build_id":"b1","data":{"content":"add a login page"}}`)
	stream.frames <- []byte(`{"type":"user:message","build_id":"b1","data":{"content":"add a login page"}}`)
	stream.frames <- []byte(`{"type":"lead:response","build_id":"b1","data":{"content":"on it"}}`)

	require.Eventually(t, func() bool {
		msgs := chatContents(c.State())
		return len(msgs) > 0 && msgs[len(msgs)-1] == "on it"
	}, time.Second, time.Millisecond)

	count := 0
	for _, m := range c.State().Chat.Items() {
		if m.Role == models.ChatRoleUser && m.Content == "add a login page" {
			count++
		}
	}
	assert.Equal(t, 2, count, "own echo is dropped, a second sender's copy is kept")
}

func TestCancel(t *testing.T) {
	b := &fakeBackend{}
	c := newTestController(b, nil)
	assert.Error(t, c.Cancel(context.Background()))

	_, err := c.Start(context.Background(), models.BuildRequest{Description: "x"})
	require.NoError(t, err)
	require.NoError(t, c.Cancel(context.Background()))
	assert.Equal(t, []string{"b1"}, b.cancelled)

	stream := newFakeStream(stateFrame)
	c = newTestController(b, &fakeDialer{streams: []*fakeStream{stream}})
	go func() { _ = c.Attach(context.Background(), "b1") }()
	defer c.Detach()
	require.Eventually(t, func() bool { return c.currentStream() != nil && c.State() != nil }, time.Second, time.Millisecond)

	require.NoError(t, c.Cancel(context.Background()))
	select {
	case data := <-stream.sent:
		assert.JSONEq(t, `{"type":"build:cancel"}`, string(data))
	case <-time.After(time.Second):
		t.Fatal("cancel not sent")
	}
	assert.Len(t, b.cancelled, 1)
}

func TestResume_ReconcilesInMemoryPayload(t *testing.T) {
	stream := newFakeStream(`{"type":"build:state","build_id":"b1","data":{"status":"reviewing","progress":87}}`)
	stream.drop()
	pid := int64(42)
	b := &fakeBackend{details: map[string]*models.CompletedBuildDetail{
		"b1": {BuildID: "b1", ProjectID: &pid, Status: "completed", Progress: intPtr(100),
			Files: []models.GeneratedFile{{Path: "/src/main.tsx"}}},
	}}
	c := newTestController(b, &fakeDialer{streams: []*fakeStream{stream}}, WithReconnect(0, time.Millisecond))
	require.NoError(t, c.Attach(context.Background(), "b1"))

	s := c.State()
	assert.Equal(t, models.BuildStatusCompleted, s.Status)
	assert.Equal(t, int64(42), *s.ProjectID)
	assert.Len(t, s.Files, 1)
}

func TestResume_NonTerminalKeepsPayload(t *testing.T) {
	b := &fakeBackend{details: map[string]*models.CompletedBuildDetail{
		"b1": {BuildID: "b1", Status: "in_progress", Progress: intPtr(30)},
	}}
	c := newTestController(b, nil)
	_, err := c.Start(context.Background(), models.BuildRequest{Description: "x"})
	require.NoError(t, err)
	before := c.State()

	got, err := c.Resume(context.Background(), "b1")
	require.NoError(t, err)
	assert.Same(t, before, got)
	assert.Same(t, before, c.State())
}

func TestResume_FromCachedSnapshot(t *testing.T) {
	store := newMemStore()
	cached := models.NewSession("b1", models.BuildRequest{Description: "cached"}, time.Now())
	cached.Status = models.BuildStatusTesting
	cached.Files = []models.GeneratedFile{{Path: "live.go"}}
	store.builds["b1"] = cached

	b := &fakeBackend{details: map[string]*models.CompletedBuildDetail{
		"b1": {BuildID: "b1", Status: "failed", Files: []models.GeneratedFile{{Path: "a"}, {Path: "b"}}},
	}}
	c := newTestController(b, nil, WithStore(store))

	got, err := c.Resume(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusFailed, got.Status)
	assert.Equal(t, "cached", got.Description)
	assert.Equal(t, []models.GeneratedFile{{Path: "live.go"}}, got.Files)
	assert.False(t, got.Live)
	assert.Same(t, got, store.builds["b1"])
}

func TestResume_SeedsFromDetail(t *testing.T) {
	b := &fakeBackend{details: map[string]*models.CompletedBuildDetail{
		"b9": {BuildID: "b9", Status: "in_progress", Description: "remote", Live: true, Resumable: true},
	}}
	c := newTestController(b, nil)
	got, err := c.Resume(context.Background(), "b9")
	require.NoError(t, err)
	assert.Equal(t, "b9", got.ID)
	assert.Equal(t, "remote", got.Description)
	assert.Equal(t, models.BuildStatusInProgress, got.Status)
}

func TestResume_DetailUnavailable(t *testing.T) {
	b := &fakeBackend{detailErr: errors.New("503")}
	c := newTestController(b, nil)
	_, err := c.Resume(context.Background(), "b1")
	assert.Error(t, err)

	store := newMemStore()
	store.builds["b1"] = models.NewSession("b1", models.BuildRequest{Description: "x"}, time.Now())
	c = newTestController(b, nil, WithStore(store))
	got, err := c.Resume(context.Background(), "b1")
	require.NoError(t, err)
	assert.Same(t, store.builds["b1"], got)
	assert.True(t, got.Live)
}

func TestSubscribe_LatestValue(t *testing.T) {
	c := newTestController(&fakeBackend{}, nil)
	ch, unsubscribe := c.Subscribe()

	_, err := c.Start(context.Background(), models.BuildRequest{Description: "x"})
	require.NoError(t, err)
	c.notice(context.Background(), "one")
	c.notice(context.Background(), "two")

	latest := <-ch
	assert.Same(t, c.State(), latest)
	assert.Equal(t, 2, latest.Chat.Len())

	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok)
	unsubscribe()
}

func TestSnapshotsAreImmutable(t *testing.T) {
	c := newTestController(&fakeBackend{}, nil)
	_, err := c.Start(context.Background(), models.BuildRequest{Description: "x"})
	require.NoError(t, err)

	before := c.State()
	c.notice(context.Background(), "hello")
	after := c.State()

	assert.NotSame(t, before, after)
	assert.Equal(t, 0, before.Chat.Len())
	assert.Equal(t, 1, after.Chat.Len())
}
