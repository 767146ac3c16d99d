package events

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"
)

// AgentInfo is an agent as described inside a build:state snapshot.
type AgentInfo struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Status      string    `json:"status"`
	Progress    int       `json:"progress"`
	CurrentTask *TaskInfo `json:"current_task,omitempty"`
	Error       string    `json:"error"`
}

// TaskInfo is the task an agent is working on.
type TaskInfo struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// AgentSet holds the agents of a snapshot. The backend sends a list, older
// payloads used an object keyed by agent id; both decode.
type AgentSet []AgentInfo

func (a *AgentSet) UnmarshalJSON(data []byte) error {
	d := bytes.TrimSpace(data)
	if len(d) == 0 || bytes.Equal(d, []byte("null")) {
		*a = nil
		return nil
	}
	if d[0] == '[' {
		var list []AgentInfo
		if err := json.Unmarshal(d, &list); err != nil {
			return err
		}
		*a = list
		return nil
	}
	var byID map[string]AgentInfo
	if err := json.Unmarshal(d, &byID); err != nil {
		return err
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	list := make([]AgentInfo, 0, len(ids))
	for _, id := range ids {
		info := byID[id]
		if info.ID == "" {
			info.ID = id
		}
		list = append(list, info)
	}
	*a = list
	return nil
}

// FileInfo is a generated file as carried by events.
type FileInfo struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language"`
	Size     int64  `json:"size"`
}

// CheckpointInfo is a checkpoint as carried by a build:state snapshot.
type CheckpointInfo struct {
	ID          string    `json:"id"`
	Number      int       `json:"number"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Progress    int       `json:"progress"`
	CreatedAt   time.Time `json:"created_at"`
}

// BuildState is a full snapshot of the build, sent on connect.
type BuildState struct {
	Header      `json:"-"`
	Status      string           `json:"status"`
	Mode        string           `json:"mode"`
	PowerMode   string           `json:"power_mode"`
	Description string           `json:"description"`
	Progress    int              `json:"progress"`
	Agents      AgentSet         `json:"agents"`
	Files       []FileInfo       `json:"files"`
	Checkpoints []CheckpointInfo `json:"checkpoints"`
	Error       string           `json:"error"`
	CreatedAt   *time.Time       `json:"created_at,omitempty"`
	UpdatedAt   *time.Time       `json:"updated_at,omitempty"`
}

func (*BuildState) Kind() Kind { return KindBuildState }

// BuildProgress reports overall build progress.
type BuildProgress struct {
	Header   `json:"-"`
	Progress *int   `json:"progress,omitempty"`
	Phase    string `json:"phase"`
	Message  string `json:"message"`
}

func (*BuildProgress) Kind() Kind { return KindBuildProgress }

// BuildCheckpoint announces a new checkpoint.
type BuildCheckpoint struct {
	Header       `json:"-"`
	CheckpointID string `json:"checkpoint_id"`
	Number       int    `json:"number"`
	Name         string `json:"name"`
	Description  string `json:"description"`
}

func (*BuildCheckpoint) Kind() Kind { return KindBuildCheckpoint }

// BuildCompleted announces successful completion.
type BuildCompleted struct {
	Header     `json:"-"`
	Status     string     `json:"status"`
	Progress   int        `json:"progress"`
	Files      []FileInfo `json:"files"`
	FilesCount int        `json:"files_count"`
	PreviewURL string     `json:"preview_url"`
}

func (*BuildCompleted) Kind() Kind { return KindBuildCompleted }

// BuildError reports a build-level problem. When Status is terminal the build
// has ended; otherwise the backend is still running it.
type BuildError struct {
	Header      `json:"-"`
	Status      string     `json:"status"`
	Error       string     `json:"error"`
	Details     string     `json:"details"`
	Recoverable bool       `json:"recoverable"`
	Progress    *int       `json:"progress,omitempty"`
	Files       []FileInfo `json:"files"`
}

func (*BuildError) Kind() Kind { return KindBuildError }

// AgentSpawned announces a new agent.
type AgentSpawned struct {
	Header   `json:"-"`
	Role     string `json:"role"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (*AgentSpawned) Kind() Kind { return KindAgentSpawned }

// AgentWorking reports that an agent picked up a task.
type AgentWorking struct {
	Header      `json:"-"`
	TaskID      string `json:"task_id"`
	TaskType    string `json:"task_type"`
	Description string `json:"description"`
	AgentRole   string `json:"agent_role"`
	Provider    string `json:"provider"`
}

func (*AgentWorking) Kind() Kind { return KindAgentWorking }

// AgentCompleted reports that an agent finished its task.
type AgentCompleted struct {
	Header  `json:"-"`
	TaskID  string `json:"task_id"`
	Success *bool  `json:"success,omitempty"`
}

func (*AgentCompleted) Kind() Kind { return KindAgentCompleted }

// AgentError reports an agent-level failure. It does not end the build.
type AgentError struct {
	Header    `json:"-"`
	TaskID    string `json:"task_id"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	AgentRole string `json:"agent_role"`
	Provider  string `json:"provider"`
}

func (*AgentError) Kind() Kind { return KindAgentError }

// Text returns the most descriptive error text available.
func (e *AgentError) Text() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

// AgentThought is an entry for the activity stream: thinking, action or output.
type AgentThought struct {
	Header    `json:"-"`
	AgentRole string `json:"agent_role"`
	Provider  string `json:"provider"`
	Content   string `json:"content"`
	kind      Kind
}

func (t *AgentThought) Kind() Kind { return t.kind }

// NewAgentThought builds a thought event of the given kind.
func NewAgentThought(kind Kind, h Header, role, provider, content string) *AgentThought {
	return &AgentThought{Header: h, AgentRole: role, Provider: provider, Content: content, kind: kind}
}

// FileCreated reports a generated file.
type FileCreated struct {
	Header   `json:"-"`
	Path     string  `json:"path"`
	Content  *string `json:"content,omitempty"`
	Language string  `json:"language"`
	Size     int64   `json:"size"`
}

func (*FileCreated) Kind() Kind { return KindFileCreated }

// LeadResponse is a chat reply from the lead agent.
type LeadResponse struct {
	Header   `json:"-"`
	Content  string `json:"content"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (*LeadResponse) Kind() Kind { return KindLeadResponse }

// PreviewReady announces that a live preview is reachable.
type PreviewReady struct {
	Header `json:"-"`
	URL    string `json:"url"`
}

func (*PreviewReady) Kind() Kind { return KindPreviewReady }

func (p *PreviewReady) UnmarshalJSON(data []byte) error {
	var raw struct {
		URL        string `json:"url"`
		PreviewURL string `json:"preview_url"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.URL = raw.URL
	if p.URL == "" {
		p.URL = raw.PreviewURL
	}
	return nil
}

// ConnectionEstablished is the server's greeting on a new stream.
type ConnectionEstablished struct {
	Header `json:"-"`
}

func (*ConnectionEstablished) Kind() Kind { return KindConnectionEstablished }

// UserMessage is a chat message typed by the user. The controller applies it
// locally before sending it upstream.
type UserMessage struct {
	Header  `json:"-"`
	Content string `json:"content"`
}

func (*UserMessage) Kind() Kind { return KindUserMessage }

// TransportNotice records a connection-level problem in the transcript.
type TransportNotice struct {
	Header
	Message string
}

func (*TransportNotice) Kind() Kind { return KindTransportNotice }

// Unknown is an event of a kind this client does not understand.
type Unknown struct {
	Header
	Type string
	Data json.RawMessage
}

func (u *Unknown) Kind() Kind { return Kind(u.Type) }
