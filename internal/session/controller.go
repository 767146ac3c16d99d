// Package session owns the canonical BuildSession for one build at a time.
//
// The Controller is the only writer. Every change goes through the reducer or
// the reconciler, and each result replaces the previous snapshot wholesale, so
// readers holding an older *BuildSession never see it change.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/apex/internal/events"
	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/reconcile"
	"github.com/joescharf/apex/internal/reducer"
)

var (
	// ErrNotAttached is returned when an operation needs a live stream.
	ErrNotAttached = errors.New("no event stream attached")
	// ErrStreamLost is returned by Attach when reconnecting gave up before the
	// build reached a terminal state.
	ErrStreamLost = errors.New("event stream lost")
)

// Backend is the subset of the build API the controller needs.
type Backend interface {
	StartBuild(ctx context.Context, req models.BuildRequest) (*models.BuildStartResponse, error)
	GetCompletedBuild(ctx context.Context, buildID string) (*models.CompletedBuildDetail, error)
	CancelBuild(ctx context.Context, buildID string) error
}

// Stream is a full-duplex event channel for one build.
type Stream interface {
	Recv(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, v any) error
	Close() error
}

// Dialer opens event streams.
type Dialer interface {
	Dial(ctx context.Context, buildID string) (Stream, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, buildID string) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context, buildID string) (Stream, error) {
	return f(ctx, buildID)
}

// Snapshots persists session snapshots across process restarts.
type Snapshots interface {
	SaveBuild(ctx context.Context, b *models.BuildSession) error
	GetBuild(ctx context.Context, id string) (*models.BuildSession, error)
}

// Journal records raw stream frames.
type Journal interface {
	RecordEvent(ctx context.Context, buildID, kind string, payload []byte) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore persists every installed snapshot and lets Resume read them back.
func WithStore(s Snapshots) Option {
	return func(c *Controller) { c.store = s }
}

// WithJournal records every received frame.
func WithJournal(j Journal) Option {
	return func(c *Controller) { c.journal = j }
}

// WithLogger sets the logger for transport diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithReducer replaces the default reducer, mainly to pin clocks in tests.
func WithReducer(r *reducer.Reducer) Option {
	return func(c *Controller) { c.reducer = r }
}

// WithReconnect sets how many times a dropped stream is redialed and the
// delay between attempts.
func WithReconnect(maxAttempts int, delay time.Duration) Option {
	return func(c *Controller) {
		c.maxReconnects = maxAttempts
		c.reconnectDelay = delay
	}
}

// Controller owns one BuildSession and the stream feeding it.
type Controller struct {
	backend Backend
	dialer  Dialer
	store   Snapshots
	journal Journal
	reducer *reducer.Reducer
	logger  *slog.Logger

	maxReconnects  int
	reconnectDelay time.Duration

	mu      sync.Mutex
	state   *models.BuildSession
	stream  Stream
	detach  context.CancelFunc
	subs    map[int]chan *models.BuildSession
	nextSub int

	// echoes holds messages sent from here that the backend has not yet
	// broadcast back, oldest first.
	echoes []string
}

// New creates a Controller. dialer may be nil for controllers that only
// start or resume builds.
func New(backend Backend, dialer Dialer, opts ...Option) *Controller {
	c := &Controller{
		backend:        backend,
		dialer:         dialer,
		reducer:        reducer.New(),
		logger:         slog.Default(),
		maxReconnects:  5,
		reconnectDelay: 2 * time.Second,
		subs:           map[int]chan *models.BuildSession{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current snapshot. Callers must not modify it.
func (c *Controller) State() *models.BuildSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a channel that receives the latest snapshot after each
// change. A slow reader skips intermediate snapshots; the writer never blocks.
func (c *Controller) Subscribe() (<-chan *models.BuildSession, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan *models.BuildSession, 1)
	c.subs[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// Apply runs one event through the reducer and installs the result.
func (c *Controller) Apply(ctx context.Context, ev events.Event) *models.BuildSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.reducer.Apply(c.state, ev)
	if next != c.state {
		c.installLocked(ctx, next)
	}
	return c.state
}

// installLocked replaces the state, persists it and notifies subscribers.
// c.mu must be held.
func (c *Controller) installLocked(ctx context.Context, next *models.BuildSession) {
	c.state = next
	if next != nil && next.ID != "" && c.store != nil {
		if err := c.store.SaveBuild(ctx, next); err != nil {
			c.logger.Warn("persist build snapshot", "build_id", next.ID, "error", err)
		}
	}
	c.notifyLocked(next)
}

// notifyLocked hands s to every subscriber, replacing any snapshot they have
// not read yet. c.mu must be held.
func (c *Controller) notifyLocked(s *models.BuildSession) {
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// Start asks the backend for a new build and seeds a live session for it.
func (c *Controller) Start(ctx context.Context, req models.BuildRequest) (string, error) {
	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" {
		return "", errors.New("start build: description is required")
	}
	resp, err := c.backend.StartBuild(ctx, req)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.installLocked(ctx, models.NewSession(resp.BuildID, req, c.reducer.Now()))
	c.logger.Info("build started", "build_id", resp.BuildID, "mode", req.Mode)
	return resp.BuildID, nil
}

// Attach follows the build's event stream until the build reaches a terminal
// state, ctx is cancelled or Detach is called. Dropped connections are
// redialed; when redialing gives up the controller resumes from the durable
// record so a build that finished meanwhile still ends up terminal.
func (c *Controller) Attach(ctx context.Context, buildID string) error {
	if c.dialer == nil {
		return errors.New("attach: no dialer configured")
	}
	if s := c.prepare(ctx, buildID); s != nil && s.Status.IsTerminal() {
		return nil
	}

	attachCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.detach != nil {
		c.detach()
	}
	c.detach = cancel
	c.mu.Unlock()
	defer cancel()

	failures := 0
	for {
		stream, err := c.dialer.Dial(attachCtx, buildID)
		if err == nil {
			c.setStream(stream)
			c.logger.Debug("event stream attached", "build_id", buildID)
			err = c.readLoop(attachCtx, buildID, stream)
			c.setStream(nil)
			_ = stream.Close()
			if err == nil {
				return nil
			}
			failures = 0
		}

		if attachCtx.Err() != nil {
			return ctx.Err()
		}

		failures++
		c.logger.Warn("event stream interrupted", "build_id", buildID, "attempt", failures, "error", err)
		if failures > c.maxReconnects {
			c.notice(attachCtx, "Connection lost. Checking build status...")
			s, rerr := c.Resume(attachCtx, buildID)
			if rerr == nil && s != nil && s.Status.IsTerminal() {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrStreamLost, err)
		}
		c.notice(attachCtx, fmt.Sprintf("Connection lost. Reconnecting (%d/%d)...", failures, c.maxReconnects))
		if err := sleep(attachCtx, c.reconnectDelay); err != nil {
			return ctx.Err()
		}
	}
}

// prepare makes sure the held session belongs to buildID, loading a cached
// snapshot when switching builds.
func (c *Controller) prepare(ctx context.Context, buildID string) *models.BuildSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != nil && c.state.ID == buildID {
		return c.state
	}
	var cached *models.BuildSession
	if c.store != nil {
		if s, err := c.store.GetBuild(ctx, buildID); err == nil {
			cached = s
		}
	}
	c.state = cached
	c.echoes = nil
	c.notifyLocked(cached)
	return cached
}

// readLoop applies frames until the build is terminal (nil) or the stream
// fails (the error).
func (c *Controller) readLoop(ctx context.Context, buildID string, stream Stream) error {
	for {
		raw, err := stream.Recv(ctx)
		if err != nil {
			return err
		}

		ev, perr := events.Parse(raw)
		if c.journal != nil {
			kind := "malformed"
			if perr == nil {
				kind = string(ev.Kind())
			}
			if jerr := c.journal.RecordEvent(ctx, buildID, kind, raw); jerr != nil {
				c.logger.Debug("journal event", "build_id", buildID, "error", jerr)
			}
		}
		if perr != nil {
			c.logger.Warn("ignoring malformed event", "build_id", buildID, "error", perr)
			c.notice(ctx, "Received a malformed update from the server; it was ignored.")
			continue
		}
		if id := ev.EventHeader().BuildID; id != "" && id != buildID {
			c.logger.Debug("ignoring event for other build", "build_id", buildID, "event_build_id", id)
			continue
		}
		if um, ok := ev.(*events.UserMessage); ok && c.takeEcho(um.Content) {
			continue
		}

		s := c.Apply(ctx, ev)
		if s != nil && s.ID == buildID && s.Status.IsTerminal() {
			c.logger.Info("build finished", "build_id", buildID, "status", s.Status)
			return nil
		}
	}
}

func (c *Controller) notice(ctx context.Context, msg string) {
	c.Apply(ctx, &events.TransportNotice{Message: msg})
}

func (c *Controller) setStream(s Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = s
}

func (c *Controller) currentStream() Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Detach stops Attach and closes the stream. It is safe to call at any time.
func (c *Controller) Detach() {
	c.mu.Lock()
	cancel := c.detach
	c.detach = nil
	stream := c.stream
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}
}

// SendMessage records a user chat message and sends it to the lead agent.
func (c *Controller) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return errors.New("send message: content is empty")
	}
	stream := c.currentStream()
	if stream == nil {
		return ErrNotAttached
	}

	c.mu.Lock()
	c.echoes = append(c.echoes, content)
	c.mu.Unlock()

	c.Apply(ctx, &events.UserMessage{Content: content})
	if err := stream.Send(ctx, events.NewUserMessage(content)); err != nil {
		c.takeEcho(content)
		c.notice(ctx, "Message could not be delivered: "+err.Error())
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// takeEcho reports whether content is the backend's copy of a message sent
// through SendMessage, forgetting the first pending match.
func (c *Controller) takeEcho(content string) bool {
	content = strings.TrimSpace(content)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, pending := range c.echoes {
		if pending == content {
			c.echoes = append(c.echoes[:i:i], c.echoes[i+1:]...)
			return true
		}
	}
	return false
}

// Cancel asks the backend to stop the current build, over the stream when
// one is attached and through the API otherwise.
func (c *Controller) Cancel(ctx context.Context) error {
	s := c.State()
	if s == nil {
		return errors.New("cancel: no build")
	}
	if stream := c.currentStream(); stream != nil {
		if err := stream.Send(ctx, events.NewCancel()); err == nil {
			return nil
		}
	}
	return c.backend.CancelBuild(ctx, s.ID)
}

// Resume rebuilds the session for buildID after a restart or a lost stream.
// The payload is the in-memory session, else the cached snapshot; it is
// reconciled once against the backend's durable record.
func (c *Controller) Resume(ctx context.Context, buildID string) (*models.BuildSession, error) {
	var cached *models.BuildSession
	if c.store != nil {
		if s, err := c.store.GetBuild(ctx, buildID); err == nil {
			cached = s
		}
	}

	detail, derr := c.backend.GetCompletedBuild(ctx, buildID)

	c.mu.Lock()
	defer c.mu.Unlock()

	payload := cached
	if c.state != nil && c.state.ID == buildID {
		payload = c.state
	}

	if derr != nil {
		if payload == nil {
			return nil, fmt.Errorf("resume %s: %w", buildID, derr)
		}
		c.logger.Warn("build record unavailable, keeping local session", "build_id", buildID, "error", derr)
		if payload != c.state {
			c.installLocked(ctx, payload)
		}
		return payload, nil
	}

	next := reconcile.Reconcile(payload, detail)
	if next == nil {
		next = models.SessionFromDetail(detail)
	}
	if next != c.state {
		c.installLocked(ctx, next)
	}
	return next, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
