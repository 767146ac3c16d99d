package models

import "time"

// TechStack is the technology selection the backend recorded for a build.
type TechStack struct {
	Frontend string   `json:"frontend,omitempty"`
	Backend  string   `json:"backend,omitempty"`
	Database string   `json:"database,omitempty"`
	Styling  string   `json:"styling,omitempty"`
	Extras   []string `json:"extras,omitempty"`
}

// CompletedBuildDetail is the durable build record served by the backend,
// fetched independently of the live event stream.
type CompletedBuildDetail struct {
	ID          int64           `json:"id,omitempty"`
	BuildID     string          `json:"build_id"`
	ProjectID   *int64          `json:"project_id,omitempty"`
	ProjectName string          `json:"project_name,omitempty"`
	Description string          `json:"description,omitempty"`
	Status      string          `json:"status"`
	Mode        BuildMode       `json:"mode,omitempty"`
	PowerMode   PowerMode       `json:"power_mode,omitempty"`
	TechStack   *TechStack      `json:"tech_stack,omitempty"`
	Files       []GeneratedFile `json:"files"`
	FilesCount  int             `json:"files_count"`
	TotalCost   float64         `json:"total_cost"`
	Progress    *int            `json:"progress,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Live        bool            `json:"live"`
	Resumable   bool            `json:"resumable"`
}

// SessionFromDetail builds a minimal session from a durable record. It is used
// when there is no live or cached payload to reconcile against.
func SessionFromDetail(d *CompletedBuildDetail) *BuildSession {
	if d == nil {
		return nil
	}
	s := &BuildSession{
		ID:          d.BuildID,
		ProjectID:   d.ProjectID,
		Description: d.Description,
		Mode:        d.Mode,
		PowerMode:   d.PowerMode,
		Status:      BuildStatus(d.Status),
		Agents:      map[string]Agent{},
		Files:       d.Files,
		Live:        d.Live,
		Resumable:   d.Resumable,
		Error:       d.Error,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.CreatedAt,
	}
	if d.Progress != nil {
		s.Progress = *d.Progress
	}
	if d.CompletedAt != nil {
		s.UpdatedAt = *d.CompletedAt
	}
	return s
}

// BuildSummary is one row of the backend's build history.
type BuildSummary struct {
	ID          int64      `json:"id"`
	BuildID     string     `json:"build_id"`
	ProjectID   *int64     `json:"project_id,omitempty"`
	ProjectName string     `json:"project_name"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Mode        string     `json:"mode"`
	PowerMode   string     `json:"power_mode"`
	TechStack   *TechStack `json:"tech_stack,omitempty"`
	FilesCount  int        `json:"files_count"`
	TotalCost   float64    `json:"total_cost"`
	Progress    int        `json:"progress"`
	DurationMs  int64      `json:"duration_ms"`
	CreatedAt   string     `json:"created_at"`
	CompletedAt *string    `json:"completed_at,omitempty"`
	Live        bool       `json:"live"`
	Resumable   bool       `json:"resumable"`
}

// BuildList is one page of build history.
type BuildList struct {
	Builds []BuildSummary `json:"builds"`
	Total  int64          `json:"total"`
	Page   int            `json:"page"`
	Limit  int            `json:"limit"`
}
