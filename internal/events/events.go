// Package events decodes build event envelopes into typed events.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is returned when a frame cannot be decoded as an event.
var ErrMalformed = errors.New("malformed event")

// Kind is the wire name of an event type.
type Kind string

const (
	KindBuildState            Kind = "build:state"
	KindBuildProgress         Kind = "build:progress"
	KindBuildCheckpoint       Kind = "build:checkpoint"
	KindBuildCompleted        Kind = "build:completed"
	KindBuildError            Kind = "build:error"
	KindAgentSpawned          Kind = "agent:spawned"
	KindAgentWorking          Kind = "agent:working"
	KindAgentCompleted        Kind = "agent:completed"
	KindAgentError            Kind = "agent:error"
	KindAgentThinking         Kind = "agent:thinking"
	KindAgentAction           Kind = "agent:action"
	KindAgentOutput           Kind = "agent:output"
	KindFileCreated           Kind = "file:created"
	KindLeadResponse          Kind = "lead:response"
	KindPreviewReady          Kind = "preview:ready"
	KindConnectionEstablished Kind = "connection:established"
	KindUserMessage           Kind = "user:message"
	KindBuildCancel           Kind = "build:cancel"

	// KindTransportNotice never appears on the wire. The session controller
	// uses it to record connection problems in the transcript.
	KindTransportNotice Kind = "transport:notice"
)

// Envelope is the JSON frame carried on the event stream.
type Envelope struct {
	Type      string          `json:"type"`
	BuildID   string          `json:"build_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Header carries the envelope fields shared by every event.
type Header struct {
	BuildID   string    `json:"-"`
	AgentID   string    `json:"-"`
	Timestamp time.Time `json:"-"`
}

// EventHeader returns the header; embedding Header satisfies part of Event.
func (h Header) EventHeader() Header { return h }

// Event is implemented by every decoded event type. Consumers switch on the
// concrete type; Unknown covers kinds this client does not understand.
type Event interface {
	Kind() Kind
	EventHeader() Header
}

// Parse decodes one frame. Unknown kinds decode to *Unknown without error.
func Parse(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return Decode(env)
}

// Decode converts an already-split envelope into a typed event.
func Decode(env Envelope) (Event, error) {
	h := Header{BuildID: env.BuildID, AgentID: env.AgentID}
	if env.Timestamp != nil {
		h.Timestamp = *env.Timestamp
	}

	kind := Kind(env.Type)
	var ev Event
	switch kind {
	case KindBuildState:
		ev = &BuildState{Header: h}
	case KindBuildProgress:
		ev = &BuildProgress{Header: h}
	case KindBuildCheckpoint:
		ev = &BuildCheckpoint{Header: h}
	case KindBuildCompleted:
		ev = &BuildCompleted{Header: h}
	case KindBuildError:
		ev = &BuildError{Header: h}
	case KindAgentSpawned:
		ev = &AgentSpawned{Header: h}
	case KindAgentWorking:
		ev = &AgentWorking{Header: h}
	case KindAgentCompleted:
		ev = &AgentCompleted{Header: h}
	case KindAgentError:
		ev = &AgentError{Header: h}
	case KindAgentThinking, KindAgentAction, KindAgentOutput:
		ev = &AgentThought{Header: h, kind: kind}
	case KindFileCreated:
		ev = &FileCreated{Header: h}
	case KindLeadResponse:
		ev = &LeadResponse{Header: h}
	case KindPreviewReady:
		ev = &PreviewReady{Header: h}
	case KindConnectionEstablished:
		ev = &ConnectionEstablished{Header: h}
	case KindUserMessage:
		ev = &UserMessage{Header: h}
	default:
		return &Unknown{Header: h, Type: env.Type, Data: env.Data}, nil
	}

	if !isNull(env.Data) {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", ErrMalformed, kind, err)
		}
	}
	return ev, nil
}

func isNull(data json.RawMessage) bool {
	d := bytes.TrimSpace(data)
	return len(d) == 0 || bytes.Equal(d, []byte("null"))
}

// Outbound is a frame sent from the client to the backend.
type Outbound struct {
	Type         Kind   `json:"type"`
	Content      string `json:"content,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// NewUserMessage builds the outbound chat frame.
func NewUserMessage(content string) Outbound {
	return Outbound{Type: KindUserMessage, Content: content}
}

// NewCancel builds the outbound cancel frame.
func NewCancel() Outbound {
	return Outbound{Type: KindBuildCancel}
}
