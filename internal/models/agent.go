package models

import "strings"

// AgentRole is the specialty of a build agent.
type AgentRole string

const (
	AgentRoleLead      AgentRole = "lead"
	AgentRolePlanner   AgentRole = "planner"
	AgentRoleArchitect AgentRole = "architect"
	AgentRoleFrontend  AgentRole = "frontend"
	AgentRoleBackend   AgentRole = "backend"
	AgentRoleDatabase  AgentRole = "database"
	AgentRoleTesting   AgentRole = "testing"
	AgentRoleReviewer  AgentRole = "reviewer"
	AgentRoleOther     AgentRole = "other"
)

// NormalizeRole maps a backend role name onto the known roles.
// Anything unrecognised becomes AgentRoleOther.
func NormalizeRole(s string) AgentRole {
	r := AgentRole(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case AgentRoleLead, AgentRolePlanner, AgentRoleArchitect, AgentRoleFrontend,
		AgentRoleBackend, AgentRoleDatabase, AgentRoleTesting, AgentRoleReviewer:
		return r
	}
	return AgentRoleOther
}

// AgentStatus is the state of a single agent within a build.
type AgentStatus string

const (
	AgentStatusIdle      AgentStatus = "idle"
	AgentStatusWorking   AgentStatus = "working"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusError     AgentStatus = "error"
)

// NormalizeAgentStatus maps backend agent states onto AgentStatus.
func NormalizeAgentStatus(s string) AgentStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "working", "running", "in_progress":
		return AgentStatusWorking
	case "completed", "done":
		return AgentStatusCompleted
	case "error", "failed":
		return AgentStatusError
	default:
		return AgentStatusIdle
	}
}

// Task is the unit of work an agent is currently performing.
type Task struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Agent is one AI worker participating in a build.
type Agent struct {
	ID          string      `json:"id"`
	Role        AgentRole   `json:"role"`
	Provider    string      `json:"provider,omitempty"`
	Model       string      `json:"model,omitempty"`
	Status      AgentStatus `json:"status"`
	Progress    int         `json:"progress"`
	CurrentTask *Task       `json:"current_task,omitempty"`
	Error       string      `json:"error,omitempty"`
}
