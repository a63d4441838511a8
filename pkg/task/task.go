// Package task defines the task event protocol: task states, messages,
// artifacts, and the two event shapes a handler emits while processing a task.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a task.
type State string

const (
	StateSubmitted     State = "submitted"
	StateWorking       State = "working"
	StateInputRequired State = "input-required"
	StateCompleted     State = "completed"
	StateCanceled      State = "canceled"
	StateFailed        State = "failed"
	StateUnknown       State = "unknown"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCanceled || s == StateFailed
}

// validTransitions lists the allowed next states for each non-terminal state.
//
//nolint:gochecknoglobals // static transition table
var validTransitions = map[State][]State{
	StateSubmitted:     {StateWorking, StateCanceled, StateFailed},
	StateWorking:       {StateWorking, StateInputRequired, StateCompleted, StateCanceled, StateFailed},
	StateInputRequired: {StateWorking, StateCanceled, StateFailed},
}

// ErrInvalidTransition is returned when a state change is not allowed.
var ErrInvalidTransition = errors.New("invalid task state transition")

// CanTransition reports whether a task may move from one state to another.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition wrapped with context when
// the move is not allowed.
func ValidateTransition(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Role identifies who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Part is one piece of message or artifact content.
type Part struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	MimeType string         `json:"mime_type,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

// Message is a user or agent turn.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// NewUserMessage builds a single-part user message.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart(text)}}
}

// NewAgentMessage builds a single-part agent message.
func NewAgentMessage(text string) Message {
	return Message{Role: RoleAgent, Parts: []Part{TextPart(text)}}
}

// Text joins the text of every text part with spaces.
func (m Message) Text() string {
	return joinText(m.Parts)
}

// Artifact is a unit of task output.
type Artifact struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Parts       []Part `json:"parts"`
	Index       int    `json:"index"`
	Append      bool   `json:"append,omitempty"`
	LastChunk   bool   `json:"last_chunk,omitempty"`
}

// NewTextArtifact builds a single-part text artifact.
func NewTextArtifact(name, text string, index int) Artifact {
	return Artifact{Name: name, Parts: []Part{TextPart(text)}, Index: index}
}

// Text joins the text of every text part with spaces.
func (a Artifact) Text() string {
	return joinText(a.Parts)
}

func joinText(parts []Part) string {
	texts := make([]string, 0, len(parts))
	for i := range parts {
		if parts[i].Type == "text" && parts[i].Text != "" {
			texts = append(texts, parts[i].Text)
		}
	}
	return strings.Join(texts, " ")
}

// Status is a task's state at a point in time.
type Status struct {
	State     State     `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is either a *StatusEvent or an *ArtifactEvent.
type Event interface {
	TaskID() string
	isEvent()
}

// StatusEvent reports a task status change. Final marks the terminal event.
type StatusEvent struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Final  bool   `json:"final"`
}

func (e *StatusEvent) TaskID() string { return e.ID }

func (*StatusEvent) isEvent() {}

// ArtifactEvent delivers an artifact produced by a task.
type ArtifactEvent struct {
	ID       string   `json:"id"`
	Artifact Artifact `json:"artifact"`
}

func (e *ArtifactEvent) TaskID() string { return e.ID }

func (*ArtifactEvent) isEvent() {}

// NewStatus builds a status event. Final is set for terminal states.
func NewStatus(taskID string, state State) *StatusEvent {
	return &StatusEvent{
		ID:     taskID,
		Status: Status{State: state, Timestamp: time.Now().UTC()},
		Final:  state.IsTerminal(),
	}
}

// NewStatusWithMessage builds a status event carrying an agent message.
func NewStatusWithMessage(taskID string, state State, text string) *StatusEvent {
	ev := NewStatus(taskID, state)
	msg := NewAgentMessage(text)
	ev.Status.Message = &msg
	return ev
}

// NewArtifact builds an artifact event.
func NewArtifact(taskID string, artifact Artifact) *ArtifactEvent {
	return &ArtifactEvent{ID: taskID, Artifact: artifact}
}

// Emitter receives events as a task produces them.
// An error means the consumer is gone and the producer should stop.
type Emitter func(Event) error

// IsFinal reports whether ev is a terminal status event.
func IsFinal(ev Event) bool {
	s, ok := ev.(*StatusEvent)
	return ok && s.Final
}
