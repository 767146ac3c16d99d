package models

import (
	"encoding/json"
	"time"

	"github.com/joescharf/apex/internal/timeline"
)

// ChatRole identifies the author of a chat message.
type ChatRole string

const (
	ChatRoleUser   ChatRole = "user"
	ChatRoleLead   ChatRole = "lead"
	ChatRoleSystem ChatRole = "system"
)

// ChatMessage is one entry in a build's chat transcript.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is the append-only chat history of a build.
type Transcript = timeline.Log[ChatMessage]

// ThoughtType classifies an AI thought entry.
type ThoughtType string

const (
	ThoughtThinking ThoughtType = "thinking"
	ThoughtAction   ThoughtType = "action"
	ThoughtOutput   ThoughtType = "output"
	ThoughtError    ThoughtType = "error"
)

// AIThought is one entry in the agent activity stream.
type AIThought struct {
	ID        string      `json:"id"`
	AgentID   string      `json:"agent_id"`
	AgentRole AgentRole   `json:"agent_role"`
	Provider  string      `json:"provider,omitempty"`
	Type      ThoughtType `json:"type"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// ThoughtCapacity is the number of thoughts a ThoughtLog retains.
const ThoughtCapacity = 100

// ThoughtLog holds the most recent ThoughtCapacity thoughts, oldest first.
type ThoughtLog struct {
	log timeline.Log[AIThought]
}

// Append returns a new log with th added and the oldest entry evicted if full.
func (t ThoughtLog) Append(th AIThought) ThoughtLog {
	return ThoughtLog{log: t.log.AppendBounded(th, ThoughtCapacity)}
}

func (t ThoughtLog) Len() int               { return t.log.Len() }
func (t ThoughtLog) Total() int             { return t.log.Total() }
func (t ThoughtLog) Items() []AIThought     { return t.log.Items() }
func (t ThoughtLog) Last(n int) []AIThought { return t.log.Last(n) }

func (t ThoughtLog) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.log)
}

func (t *ThoughtLog) UnmarshalJSON(data []byte) error {
	var l timeline.Log[AIThought]
	if err := json.Unmarshal(data, &l); err != nil {
		return err
	}
	t.log = l.Truncate(ThoughtCapacity)
	return nil
}
