package models

import (
	"strings"
	"time"
)

// BuildStatus represents the lifecycle state of a build session.
type BuildStatus string

const (
	BuildStatusIdle       BuildStatus = "idle"
	BuildStatusPending    BuildStatus = "pending"
	BuildStatusPlanning   BuildStatus = "planning"
	BuildStatusInProgress BuildStatus = "in_progress"
	BuildStatusTesting    BuildStatus = "testing"
	BuildStatusReviewing  BuildStatus = "reviewing"
	BuildStatusCompleted  BuildStatus = "completed"
	BuildStatusFailed     BuildStatus = "failed"
	BuildStatusCancelled  BuildStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s BuildStatus) IsTerminal() bool {
	return IsTerminalStatus(string(s))
}

// IsTerminalStatus reports whether a raw status string names a terminal state.
// Surrounding whitespace is ignored.
func IsTerminalStatus(s string) bool {
	switch BuildStatus(strings.TrimSpace(s)) {
	case BuildStatusCompleted, BuildStatusFailed, BuildStatusCancelled:
		return true
	}
	return false
}

// BuildMode selects how thorough the build pipeline is.
type BuildMode string

const (
	BuildModeFast BuildMode = "fast"
	BuildModeFull BuildMode = "full"
)

// PowerMode selects the model tier used by the build agents.
type PowerMode string

const (
	PowerModeMax      PowerMode = "max"
	PowerModeBalanced PowerMode = "balanced"
	PowerModeFast     PowerMode = "fast"
)

// BuildSession is the client-side view of one server-side build.
//
// A *BuildSession handed out by the session controller is never modified
// afterwards; transitions produce a new value via Clone. Slices and the agent
// map are shared between clones and must be replaced, not written to.
type BuildSession struct {
	ID          string           `json:"id"`
	ProjectID   *int64           `json:"project_id,omitempty"`
	Description string           `json:"description,omitempty"`
	Mode        BuildMode        `json:"mode,omitempty"`
	PowerMode   PowerMode        `json:"power_mode,omitempty"`
	Status      BuildStatus      `json:"status"`
	Progress    int              `json:"progress"`
	Agents      map[string]Agent `json:"agents"`
	Checkpoints []Checkpoint     `json:"checkpoints"`
	Files       []GeneratedFile  `json:"files"`
	Chat        Transcript       `json:"chat"`
	Thoughts    ThoughtLog       `json:"thoughts"`
	Live        bool             `json:"live"`
	Resumable   bool             `json:"resumable"`
	PreviewURL  string           `json:"preview_url,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Clone returns a shallow copy of the session.
func (s *BuildSession) Clone() *BuildSession {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// WithAgent returns a copy of the agent map with a set to its ID.
func (s *BuildSession) WithAgent(a Agent) map[string]Agent {
	agents := make(map[string]Agent, len(s.Agents)+1)
	for id, existing := range s.Agents {
		agents[id] = existing
	}
	agents[a.ID] = a
	return agents
}

// LastCheckpoint returns the most recent checkpoint, if any.
func (s *BuildSession) LastCheckpoint() (Checkpoint, bool) {
	if len(s.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return s.Checkpoints[len(s.Checkpoints)-1], true
}

// Checkpoint is an immutable marker recorded during a build.
type Checkpoint struct {
	ID          string    `json:"id"`
	Number      int       `json:"number"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Progress    int       `json:"progress"`
	CreatedAt   time.Time `json:"created_at"`
}

// GeneratedFile describes one file produced by the build.
type GeneratedFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language"`
	Size     int64  `json:"size,omitempty"`
}

// BuildRequest is the payload for starting a new build.
type BuildRequest struct {
	Description string    `json:"description"`
	Mode        BuildMode `json:"mode,omitempty"`
	PowerMode   PowerMode `json:"power_mode,omitempty"`
	ProjectName string    `json:"project_name,omitempty"`
}

// BuildStartResponse is returned by the backend when a build is accepted.
type BuildStartResponse struct {
	BuildID      string `json:"build_id"`
	WebSocketURL string `json:"websocket_url,omitempty"`
	Status       string `json:"status,omitempty"`
}

// NewSession seeds a live session for a freshly started build.
func NewSession(buildID string, req BuildRequest, now time.Time) *BuildSession {
	mode := req.Mode
	if mode == "" {
		mode = BuildModeFull
	}
	power := req.PowerMode
	if power == "" {
		power = PowerModeBalanced
	}
	return &BuildSession{
		ID:          buildID,
		Description: req.Description,
		Mode:        mode,
		PowerMode:   power,
		Status:      BuildStatusPlanning,
		Agents:      map[string]Agent{},
		Live:        true,
		Resumable:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
