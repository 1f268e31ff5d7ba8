package agent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azharlabs/papert-claw/internal/config"
	"github.com/azharlabs/papert-claw/internal/outbox"
	"github.com/azharlabs/papert-claw/internal/runtime"
)

// fakeRuntime replays a scripted event sequence.
type fakeRuntime struct {
	events   []runtime.Event
	startErr error
	lastOpts runtime.Options
	// onStart runs after options are recorded, before events are replayed;
	// used to simulate the runtime's tools writing to the outbox mid-run.
	onStart func()
}

func (f *fakeRuntime) Start(_ context.Context, opts runtime.Options) (runtime.Session, error) {
	f.lastOpts = opts
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.onStart != nil {
		f.onStart()
	}
	ch := make(chan runtime.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return &fakeSession{ch: ch}, nil
}

type fakeSession struct {
	ch     chan runtime.Event
	closed bool
}

func (s *fakeSession) Events() <-chan runtime.Event { return s.ch }
func (s *fakeSession) Control(context.Context, string) (json.RawMessage, error) {
	return nil, errors.New("not supported")
}
func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		Command:        "claude",
		PermissionMode: "bypassPermissions",
		UploadTool:     "papert_upload",
		Timeout:        "1m",
	}
}

func okEvents(sessionID string, tools []string, text string) []runtime.Event {
	return []runtime.Event{
		{Type: runtime.EventSystem, Subtype: runtime.SubtypeInit, SessionID: sessionID, Tools: tools},
		{Type: runtime.EventAssistant, Text: text},
		{Type: runtime.EventResult, Text: text},
	}
}

func TestRunPersistsSessionAndResumes(t *testing.T) {
	ws := newWS(t)
	rt := &fakeRuntime{events: okEvents("sess-1", []string{"Bash", "papert_upload"}, "done")}
	r := NewRunner(rt, testAgentConfig())

	res, err := r.Run(context.Background(), Input{ChannelID: "C1", UserText: "hi", Workspace: ws})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Text)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Equal(t, "sess-1", ws.SessionID(), "session id should be persisted")
	assert.Empty(t, rt.lastOpts.ResumeSession, "first run has no resume hint")

	// Second run offers the persisted session as a resume hint.
	_, err = r.Run(context.Background(), Input{ChannelID: "C1", UserText: "again", Workspace: ws})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", rt.lastOpts.ResumeSession)
}

func TestRunDegradedSessionClearsID(t *testing.T) {
	ws := newWS(t)
	require.NoError(t, ws.SetSessionID("sess-old"))

	// Resumed session is missing the file-return tool.
	rt := &fakeRuntime{events: okEvents("sess-old", []string{"Bash"}, "done")}
	r := NewRunner(rt, testAgentConfig())

	res, err := r.Run(context.Background(), Input{ChannelID: "C1", UserText: "hi", Workspace: ws})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Text)
	assert.Empty(t, ws.SessionID(), "degraded session id must not be persisted")
}

func TestRunResetsStaleOutboxBeforeInvocation(t *testing.T) {
	ws := newWS(t)
	// Stale output from a crashed prior run.
	require.NoError(t, outbox.Open(ws.OutboxPath()).AppendMessage("stale"))

	rt := &fakeRuntime{events: okEvents("s", []string{"papert_upload"}, "done")}
	r := NewRunner(rt, testAgentConfig())

	res, err := r.Run(context.Background(), Input{ChannelID: "C1", UserText: "hi", Workspace: ws})
	require.NoError(t, err)
	assert.Empty(t, res.Messages, "stale queue content must not leak into a new run")
}

func TestRunDrainsQueuedUploadsAndMessages(t *testing.T) {
	ws := newWS(t)
	report := touch(t, filepath.Join(ws.AttachmentsDir(), "report.pdf"), time.Time{})

	rt := &fakeRuntime{events: okEvents("s", []string{"papert_upload"}, "here you go")}
	rt.onStart = func() {
		box := outbox.Open(ws.OutboxPath())
		require.NoError(t, box.AppendUpload(report))
		require.NoError(t, box.AppendMessage("generated the report"))
	}
	r := NewRunner(rt, testAgentConfig())

	res, err := r.Run(context.Background(), Input{ChannelID: "C1", UserText: "attach report.pdf", Workspace: ws})
	require.NoError(t, err)
	assert.Equal(t, []string{report}, res.Uploads)
	assert.Equal(t, []string{"generated the report"}, res.Messages)

	// Queue is reset by the drain.
	assert.True(t, outbox.Open(ws.OutboxPath()).Load().Empty())
}

func TestRunIncrementalDelivery(t *testing.T) {
	ws := newWS(t)
	rt := &fakeRuntime{events: okEvents("s", []string{"papert_upload"}, "partial answer")}
	r := NewRunner(rt, testAgentConfig())

	var delivered []string
	res, err := r.Run(context.Background(), Input{
		ChannelID: "C1",
		UserText:  "hi",
		Workspace: ws,
		Deliver: func(text string) error {
			delivered = append(delivered, text)
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Delivered)
	assert.Equal(t, []string{"partial answer"}, delivered)
}

func TestRunDeliveryFailureIsNotFatal(t *testing.T) {
	ws := newWS(t)
	rt := &fakeRuntime{events: okEvents("s", []string{"papert_upload"}, "answer")}
	r := NewRunner(rt, testAgentConfig())

	res, err := r.Run(context.Background(), Input{
		ChannelID: "C1",
		UserText:  "hi",
		Workspace: ws,
		Deliver:   func(string) error { return errors.New("channel down") },
	})
	require.NoError(t, err)
	assert.False(t, res.Delivered)
	assert.Equal(t, "answer", res.Text)
}

func TestRunExplicitNameFallback(t *testing.T) {
	ws := newWS(t)
	// Nothing queued, but the named file exists in the workspace root.
	named := touch(t, filepath.Join(ws.Root(), "b.csv"), time.Time{})

	rt := &fakeRuntime{events: okEvents("s", []string{"papert_upload"}, "created b.csv")}
	r := NewRunner(rt, testAgentConfig())

	res, err := r.Run(context.Background(), Input{ChannelID: "C1", UserText: "attach b.csv", Workspace: ws})
	require.NoError(t, err)
	assert.Equal(t, []string{named}, res.Uploads)
}

func TestRunInferredTokenFallback(t *testing.T) {
	ws := newWS(t)
	chart := touch(t, filepath.Join(ws.AttachmentsDir(), "chart.png"), time.Time{})

	rt := &fakeRuntime{events: okEvents("s", []string{"papert_upload"}, "I saved chart.png for you")}
	r := NewRunner(rt, testAgentConfig())

	// User text names nothing and carries no send signal.
	res, err := r.Run(context.Background(), Input{ChannelID: "C1", UserText: "make me a chart", Workspace: ws})
	require.NoError(t, err)
	assert.Equal(t, []string{chart}, res.Uploads)
	assert.Equal(t, []string{"chart.png"}, res.Messages, "inferred names surface as messages when the queue had none")
}

func TestRunFailedResult(t *testing.T) {
	ws := newWS(t)
	rt := &fakeRuntime{events: []runtime.Event{
		{Type: runtime.EventSystem, Subtype: runtime.SubtypeInit, SessionID: "s", Tools: []string{"papert_upload"}},
		{Type: runtime.EventResult, Text: "execution error", IsError: true},
	}}
	r := NewRunner(rt, testAgentConfig())

	_, err := r.Run(context.Background(), Input{ChannelID: "C1", UserText: "hi", Workspace: ws})
	assert.Error(t, err)
}

func TestRunStreamEndsWithoutResult(t *testing.T) {
	ws := newWS(t)
	rt := &fakeRuntime{events: []runtime.Event{
		{Type: runtime.EventSystem, Subtype: runtime.SubtypeInit, SessionID: "s", Tools: []string{"papert_upload"}},
	}}
	r := NewRunner(rt, testAgentConfig())

	_, err := r.Run(context.Background(), Input{ChannelID: "C1", UserText: "hi", Workspace: ws})
	assert.Error(t, err)
}

func TestRunObserverNotified(t *testing.T) {
	ws := newWS(t)
	rt := &fakeRuntime{events: okEvents("s", []string{"papert_upload"}, "ok")}
	r := NewRunner(rt, testAgentConfig())

	var events []RunEvent
	r.AddObserver(func(ev RunEvent) { events = append(events, ev) })

	_, err := r.Run(context.Background(), Input{ChannelID: "C9", UserText: "hi", Workspace: ws})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "C9", events[0].ChannelID)
	assert.Empty(t, events[0].Err)
}

func TestRunStartFailure(t *testing.T) {
	ws := newWS(t)
	rt := &fakeRuntime{startErr: errors.New("spawn failed")}
	r := NewRunner(rt, testAgentConfig())

	var events []RunEvent
	r.AddObserver(func(ev RunEvent) { events = append(events, ev) })

	_, err := r.Run(context.Background(), Input{ChannelID: "C1", UserText: "hi", Workspace: ws})
	assert.Error(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].Err)
}

func TestRunPromptCarriesContext(t *testing.T) {
	ws := newWS(t)
	rt := &fakeRuntime{events: okEvents("s", []string{"papert_upload"}, "ok")}
	r := NewRunner(rt, testAgentConfig())

	_, err := r.Run(context.Background(), Input{
		ChannelID:   "C1",
		UserText:    "summarize the doc",
		Attachments: []string{filepath.Join(ws.Root(), "doc.txt")},
		Context: ContextInput{
			Identity:       "papert, the team assistant",
			ChannelName:    "#general",
			RecentMessages: []string{"alice: morning", "bob: hi"},
		},
		Workspace: ws,
	})
	require.NoError(t, err)

	p := rt.lastOpts.Prompt
	assert.Contains(t, p, "summarize the doc")
	assert.Contains(t, p, ws.Root())
	assert.Contains(t, p, "papert, the team assistant")
	assert.Contains(t, p, "#general")
	assert.Contains(t, p, "alice: morning")
	assert.Contains(t, p, "doc.txt")
	assert.Contains(t, p, "papert_upload")
	assert.Equal(t, ws.Root(), rt.lastOpts.WorkDir)
}
