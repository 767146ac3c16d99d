// Package reducer applies build events to a BuildSession.
//
// Apply never modifies the session it is given. When an event changes
// nothing, the same pointer is returned so callers can detect no-ops by
// identity.
package reducer

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/apex/internal/events"
	"github.com/joescharf/apex/internal/models"
)

// Reducer holds the clock and id source used for entries it creates.
type Reducer struct {
	Now   func() time.Time
	NewID func() string
}

// New returns a Reducer using the wall clock and ULIDs.
func New() *Reducer {
	return &Reducer{Now: time.Now, NewID: newULID}
}

func newULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

var std = New()

// Apply applies ev to s using the default Reducer.
func Apply(s *models.BuildSession, ev events.Event) *models.BuildSession {
	return std.Apply(s, ev)
}

// Apply returns the session that results from applying ev to s. A nil session
// only accepts build:state.
func (r *Reducer) Apply(s *models.BuildSession, ev events.Event) *models.BuildSession {
	if ev == nil {
		return s
	}
	if st, ok := ev.(*events.BuildState); ok {
		return r.buildState(s, st)
	}
	if s == nil {
		return nil
	}

	switch e := ev.(type) {
	case *events.BuildProgress:
		return r.buildProgress(s, e)
	case *events.AgentSpawned:
		return r.agentSpawned(s, e)
	case *events.AgentWorking:
		return r.agentWorking(s, e)
	case *events.AgentCompleted:
		return r.agentCompleted(s, e)
	case *events.AgentError:
		return r.agentError(s, e)
	case *events.AgentThought:
		return r.thought(s, e)
	case *events.FileCreated:
		return r.fileCreated(s, e)
	case *events.BuildCheckpoint:
		return r.checkpoint(s, e)
	case *events.BuildCompleted:
		return r.buildCompleted(s, e)
	case *events.BuildError:
		return r.buildError(s, e)
	case *events.LeadResponse:
		return r.chat(s.Clone(), models.ChatRoleLead, e.Content)
	case *events.UserMessage:
		return r.chat(s.Clone(), models.ChatRoleUser, e.Content)
	case *events.TransportNotice:
		return r.chat(s.Clone(), models.ChatRoleSystem, e.Message)
	case *events.PreviewReady:
		return r.previewReady(s, e)
	case *events.ConnectionEstablished, *events.Unknown:
		return s
	default:
		return s
	}
}

// chat appends a message to next, which must already be a copy.
func (r *Reducer) chat(next *models.BuildSession, role models.ChatRole, content string) *models.BuildSession {
	now := r.Now()
	next.Chat = next.Chat.Append(models.ChatMessage{
		ID:        r.NewID(),
		Role:      role,
		Content:   content,
		Timestamp: now,
	})
	next.UpdatedAt = now
	return next
}

func (r *Reducer) buildState(s *models.BuildSession, st *events.BuildState) *models.BuildSession {
	// A snapshot for a different build starts a new session identity.
	if s != nil && st.BuildID != "" && s.ID != st.BuildID {
		s = nil
	}

	now := r.Now()
	var next *models.BuildSession
	if s == nil {
		next = &models.BuildSession{
			ID:        st.BuildID,
			Agents:    map[string]models.Agent{},
			CreatedAt: now,
		}
		if st.CreatedAt != nil {
			next.CreatedAt = *st.CreatedAt
		}
	} else {
		next = s.Clone()
	}

	if st.Description != "" {
		next.Description = st.Description
	}
	if st.Mode != "" {
		next.Mode = models.BuildMode(st.Mode)
	}
	if st.PowerMode != "" {
		next.PowerMode = models.PowerMode(st.PowerMode)
	}
	if st.Error != "" {
		next.Error = st.Error
	}

	agents := make(map[string]models.Agent, len(next.Agents)+len(st.Agents))
	for id, a := range next.Agents {
		agents[id] = a
	}
	for _, info := range st.Agents {
		if info.ID == "" {
			continue
		}
		agents[info.ID] = agentFromInfo(info)
	}
	next.Agents = agents

	if len(st.Files) > 0 {
		next.Files = mergeFiles(next.Files, st.Files)
	}
	if cps := checkpointsFromState(st.Checkpoints); len(cps) > 0 {
		if last, ok := next.LastCheckpoint(); !ok || cps[len(cps)-1].Number >= last.Number {
			next.Checkpoints = cps
		}
	}

	// A build that already ended keeps its terminal state; a late snapshot
	// from a stale connection cannot make it live again.
	if s != nil && s.Status.IsTerminal() {
		next.Status = s.Status
		next.Progress = max(s.Progress, st.Progress)
	} else {
		if st.Status != "" {
			next.Status = models.BuildStatus(strings.TrimSpace(st.Status))
		}
		next.Progress = st.Progress
	}
	if next.Status == "" {
		next.Status = models.BuildStatusIdle
	}
	if next.Status == models.BuildStatusCompleted && next.Progress < 100 {
		next.Progress = 100
	}
	terminal := next.Status.IsTerminal()
	next.Live = !terminal
	next.Resumable = !terminal

	next.UpdatedAt = now
	if st.UpdatedAt != nil {
		next.UpdatedAt = *st.UpdatedAt
	}
	return next
}

func agentFromInfo(info events.AgentInfo) models.Agent {
	a := models.Agent{
		ID:       info.ID,
		Role:     models.NormalizeRole(info.Role),
		Provider: info.Provider,
		Model:    info.Model,
		Status:   models.NormalizeAgentStatus(info.Status),
		Progress: info.Progress,
		Error:    info.Error,
	}
	if info.CurrentTask != nil {
		a.CurrentTask = &models.Task{Type: info.CurrentTask.Type, Description: info.CurrentTask.Description}
	}
	return a
}

// mergeFiles takes the snapshot's file list, keeping content already known
// for a path when the snapshot omits it.
func mergeFiles(current []models.GeneratedFile, snapshot []events.FileInfo) []models.GeneratedFile {
	known := make(map[string]models.GeneratedFile, len(current))
	for _, f := range current {
		known[f.Path] = f
	}
	out := make([]models.GeneratedFile, 0, len(snapshot))
	for _, f := range snapshot {
		gf := fileFromInfo(f)
		if prev, ok := known[f.Path]; ok && gf.Content == "" {
			gf.Content = prev.Content
		}
		out = append(out, gf)
	}
	return out
}

func fileFromInfo(f events.FileInfo) models.GeneratedFile {
	lang := f.Language
	if lang == "" {
		lang = "text"
	}
	return models.GeneratedFile{Path: f.Path, Content: f.Content, Language: lang, Size: f.Size}
}

func filesFromInfo(files []events.FileInfo) []models.GeneratedFile {
	out := make([]models.GeneratedFile, 0, len(files))
	for _, f := range files {
		out = append(out, fileFromInfo(f))
	}
	return out
}

// checkpointsFromState keeps snapshot checkpoints in arrival order, dropping
// any whose number does not increase.
func checkpointsFromState(in []events.CheckpointInfo) []models.Checkpoint {
	out := make([]models.Checkpoint, 0, len(in))
	for _, c := range in {
		if n := len(out); n > 0 && c.Number <= out[n-1].Number {
			continue
		}
		out = append(out, models.Checkpoint{
			ID:          c.ID,
			Number:      c.Number,
			Name:        c.Name,
			Description: c.Description,
			Progress:    c.Progress,
			CreatedAt:   c.CreatedAt,
		})
	}
	return out
}

func (r *Reducer) buildProgress(s *models.BuildSession, e *events.BuildProgress) *models.BuildSession {
	if e.Progress == nil || *e.Progress == s.Progress || s.Status.IsTerminal() {
		return s
	}
	next := s.Clone()
	next.Progress = *e.Progress
	next.UpdatedAt = r.Now()
	return next
}

func (r *Reducer) agentSpawned(s *models.BuildSession, e *events.AgentSpawned) *models.BuildSession {
	next := s.Clone()
	role := models.NormalizeRole(e.Role)
	if id := e.AgentID; id != "" {
		next.Agents = s.WithAgent(models.Agent{
			ID:       id,
			Role:     role,
			Provider: e.Provider,
			Model:    e.Model,
			Status:   models.AgentStatusIdle,
			Progress: 0,
		})
	}
	return r.chat(next, models.ChatRoleSystem, fmt.Sprintf("%s agent joined the build (%s)", roleName(e.Role), providerName(e.Provider)))
}

func (r *Reducer) agentWorking(s *models.BuildSession, e *events.AgentWorking) *models.BuildSession {
	a, ok := s.Agents[e.AgentID]
	if !ok {
		return s
	}
	a.Status = models.AgentStatusWorking
	a.CurrentTask = &models.Task{Type: e.TaskType, Description: e.Description}
	next := s.Clone()
	next.Agents = s.WithAgent(a)
	next.UpdatedAt = r.Now()
	return next
}

func (r *Reducer) agentCompleted(s *models.BuildSession, e *events.AgentCompleted) *models.BuildSession {
	a, ok := s.Agents[e.AgentID]
	if !ok {
		return s
	}
	a.Status = models.AgentStatusCompleted
	next := s.Clone()
	next.Agents = s.WithAgent(a)
	next.UpdatedAt = r.Now()
	return next
}

// agentError reports the failure in both logs. The build status is left
// alone: only the backend decides whether agent failures end a build.
func (r *Reducer) agentError(s *models.BuildSession, e *events.AgentError) *models.BuildSession {
	next := s.Clone()
	role := e.AgentRole
	provider := e.Provider
	if a, ok := s.Agents[e.AgentID]; ok {
		if role == "" {
			role = string(a.Role)
		}
		if provider == "" {
			provider = a.Provider
		}
		a.Status = models.AgentStatusError
		a.Error = e.Text()
		next.Agents = s.WithAgent(a)
	}

	text := e.Text()
	if text == "" {
		text = "unknown error"
	}
	next = r.chat(next, models.ChatRoleSystem, fmt.Sprintf("%s agent error: %s", roleName(role), text))
	next.Thoughts = next.Thoughts.Append(models.AIThought{
		ID:        r.NewID(),
		AgentID:   e.AgentID,
		AgentRole: models.NormalizeRole(role),
		Provider:  provider,
		Type:      models.ThoughtError,
		Content:   text,
		Timestamp: r.stamp(e.EventHeader()),
	})
	return next
}

func (r *Reducer) thought(s *models.BuildSession, e *events.AgentThought) *models.BuildSession {
	var typ models.ThoughtType
	switch e.Kind() {
	case events.KindAgentThinking:
		typ = models.ThoughtThinking
	case events.KindAgentAction:
		typ = models.ThoughtAction
	case events.KindAgentOutput:
		typ = models.ThoughtOutput
	default:
		return s
	}

	role := e.AgentRole
	provider := e.Provider
	if a, ok := s.Agents[e.AgentID]; ok {
		if role == "" {
			role = string(a.Role)
		}
		if provider == "" {
			provider = a.Provider
		}
	}

	next := s.Clone()
	next.Thoughts = s.Thoughts.Append(models.AIThought{
		ID:        r.NewID(),
		AgentID:   e.AgentID,
		AgentRole: models.NormalizeRole(role),
		Provider:  provider,
		Type:      typ,
		Content:   e.Content,
		Timestamp: r.stamp(e.EventHeader()),
	})
	next.UpdatedAt = r.Now()
	return next
}

func (r *Reducer) fileCreated(s *models.BuildSession, e *events.FileCreated) *models.BuildSession {
	f := models.GeneratedFile{Path: e.Path, Language: e.Language, Size: e.Size}
	if e.Content != nil {
		f.Content = *e.Content
	}
	if f.Language == "" {
		f.Language = "text"
	}

	next := s.Clone()
	files := make([]models.GeneratedFile, len(s.Files), len(s.Files)+1)
	copy(files, s.Files)
	next.Files = append(files, f)
	return r.chat(next, models.ChatRoleSystem, fmt.Sprintf("Created %s", e.Path))
}

// checkpoint appends a checkpoint. Replays of a checkpoint already seen, which
// happen after a reconnect, are dropped so numbers stay strictly increasing.
func (r *Reducer) checkpoint(s *models.BuildSession, e *events.BuildCheckpoint) *models.BuildSession {
	if last, ok := s.LastCheckpoint(); ok && e.Number <= last.Number {
		return s
	}

	cp := models.Checkpoint{
		ID:          e.CheckpointID,
		Number:      e.Number,
		Name:        e.Name,
		Description: e.Description,
		Progress:    s.Progress,
		CreatedAt:   r.Now(),
	}
	next := s.Clone()
	cps := make([]models.Checkpoint, len(s.Checkpoints), len(s.Checkpoints)+1)
	copy(cps, s.Checkpoints)
	next.Checkpoints = append(cps, cp)
	return r.chat(next, models.ChatRoleSystem, fmt.Sprintf("Checkpoint %d: %s", e.Number, e.Name))
}

func (r *Reducer) buildCompleted(s *models.BuildSession, e *events.BuildCompleted) *models.BuildSession {
	if s.Status.IsTerminal() {
		return s
	}
	next := s.Clone()
	next.Status = models.BuildStatusCompleted
	next.Progress = 100
	next.Live = false
	next.Resumable = false
	if len(next.Files) == 0 && len(e.Files) > 0 {
		next.Files = filesFromInfo(e.Files)
	}
	if e.PreviewURL != "" {
		next.PreviewURL = e.PreviewURL
	}

	count := e.FilesCount
	if count == 0 {
		count = len(next.Files)
	}
	return r.chat(next, models.ChatRoleSystem, fmt.Sprintf("Build completed successfully. %d files generated.", count))
}

// buildError records a build-level error. The build only ends when the
// backend attaches a terminal status to the error.
func (r *Reducer) buildError(s *models.BuildSession, e *events.BuildError) *models.BuildSession {
	next := s.Clone()
	text := e.Error
	if text == "" {
		text = "Build error"
	}
	if e.Details != "" {
		text += ": " + e.Details
	}

	if models.IsTerminalStatus(e.Status) && !s.Status.IsTerminal() {
		next.Status = models.BuildStatus(strings.TrimSpace(e.Status))
		next.Live = false
		next.Resumable = false
		next.Error = e.Details
		if next.Error == "" {
			next.Error = e.Error
		}
		if e.Progress != nil {
			next.Progress = *e.Progress
		}
		if len(next.Files) == 0 && len(e.Files) > 0 {
			next.Files = filesFromInfo(e.Files)
		}
	}
	return r.chat(next, models.ChatRoleSystem, text)
}

func (r *Reducer) previewReady(s *models.BuildSession, e *events.PreviewReady) *models.BuildSession {
	if e.URL == "" || e.URL == s.PreviewURL {
		return s
	}
	next := s.Clone()
	next.PreviewURL = e.URL
	return r.chat(next, models.ChatRoleSystem, fmt.Sprintf("Preview ready at %s", e.URL))
}

func (r *Reducer) stamp(h events.Header) time.Time {
	if !h.Timestamp.IsZero() {
		return h.Timestamp
	}
	return r.Now()
}

func roleName(role string) string {
	role = strings.TrimSpace(role)
	if role == "" {
		return "An"
	}
	first, size := utf8.DecodeRuneInString(role)
	return string(unicode.ToUpper(first)) + role[size:]
}

func providerName(p string) string {
	if p == "" {
		return "unknown provider"
	}
	return p
}
