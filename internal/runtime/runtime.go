// Package runtime abstracts the external agent runtime process.
//
// The runtime is a black box: it receives a prompt, performs its own
// reasoning and tool execution, and reports progress as an ordered stream
// of typed events plus a side control channel for named requests. The
// production implementation shells out to an agent CLI speaking
// line-delimited JSON over stdio; tests substitute scripted sessions.
package runtime

import (
	"context"
	"encoding/json"
)

// Event stream message types.
const (
	EventSystem    = "system"
	EventAssistant = "assistant"
	EventUser      = "user"
	EventResult    = "result"
)

// System event subtypes.
const (
	SubtypeInit           = "init"
	SubtypeSchedulerEvent = "scheduler_event"
)

// Control request subtypes understood by the runtime.
const (
	ControlSchedulerStart  = "scheduler_start"
	ControlSchedulerStatus = "scheduler_status"
)

// Scheduler job actions reported via scheduler events.
const (
	JobAdded    = "added"
	JobRemoved  = "removed"
	JobFinished = "finished"
)

// Scheduler job completion statuses.
const (
	JobStatusOK      = "ok"
	JobStatusSkipped = "skipped"
	JobStatusError   = "error"
)

// Event is one message from the runtime's event stream.
type Event struct {
	Type      string
	Subtype   string
	SessionID string    // system init
	Tools     []string  // system init: tool names available to this session
	Text      string    // assistant / result text
	IsError   bool      // result
	Job       *JobEvent // system scheduler_event
}

// JobEvent describes a scheduled-job lifecycle change inside the runtime.
type JobEvent struct {
	Action  string `json:"action"`
	JobID   string `json:"job_id"`
	Status  string `json:"status,omitempty"`
	Summary string `json:"summary,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Options configures one runtime session.
type Options struct {
	Prompt         string
	WorkDir        string
	Model          string
	PermissionMode string
	AllowedTools   []string
	ResumeSession  string // previously persisted session id, offered as a resume hint
}

// Session is one live runtime session.
type Session interface {
	// Events returns the session's event stream. The channel is closed when
	// the underlying process exits.
	Events() <-chan Event
	// Control issues a named control request and waits for its response.
	Control(ctx context.Context, subtype string) (json.RawMessage, error)
	// Close terminates the session's process.
	Close() error
}

// Runtime starts agent sessions.
type Runtime interface {
	Start(ctx context.Context, opts Options) (Session, error)
}
