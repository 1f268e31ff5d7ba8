package sched

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azharlabs/papert-claw/internal/config"
	"github.com/azharlabs/papert-claw/internal/runtime"
)

type scriptRuntime struct {
	mu       sync.Mutex
	sessions []*scriptSession
}

func (r *scriptRuntime) Start(_ context.Context, opts runtime.Options) (runtime.Session, error) {
	s := &scriptSession{opts: opts, ch: make(chan runtime.Event, 16)}
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
	return s, nil
}

func (r *scriptRuntime) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *scriptRuntime) last() *scriptSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[len(r.sessions)-1]
}

type scriptSession struct {
	opts      runtime.Options
	ch        chan runtime.Event
	mu        sync.Mutex
	controls  []string
	closeOnce sync.Once
}

func (s *scriptSession) Events() <-chan runtime.Event { return s.ch }

func (s *scriptSession) Control(_ context.Context, subtype string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, subtype)
	return json.RawMessage(`{}`), nil
}

func (s *scriptSession) Close() error {
	s.closeOnce.Do(func() { close(s.ch) })
	return nil
}

func (s *scriptSession) controlLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.controls...)
}

func (s *scriptSession) emitJob(job runtime.JobEvent) {
	s.ch <- runtime.Event{
		Type:    runtime.EventSystem,
		Subtype: runtime.SubtypeSchedulerEvent,
		Job:     &job,
	}
}

type delivery struct {
	route Route
	text  string
}

// testBridge wires a bridge over a script runtime with channels for
// synchronizing on deliveries and processed job events.
func testBridge(t *testing.T) (*Bridge, *scriptRuntime, chan delivery, chan Notice) {
	t.Helper()
	rt := &scriptRuntime{}
	delivered := make(chan delivery, 16)
	b := NewBridge(rt, config.AgentConfig{PermissionMode: "bypassPermissions"}, func(route Route, text string) error {
		delivered <- delivery{route: route, text: text}
		return nil
	})
	processed := make(chan Notice, 16)
	b.AddObserver(func(n Notice) { processed <- n })
	t.Cleanup(b.StopAll)
	return b, rt, delivered, processed
}

func waitNotice(t *testing.T, ch chan Notice) Notice {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a scheduler event to be processed")
		return Notice{}
	}
}

func TestBridgeDeliversToBoundRoute(t *testing.T) {
	b, rt, delivered, processed := testBridge(t)
	dir := t.TempDir()

	r1 := Route{ChannelID: "C1", Mode: ModeChannel}
	require.NoError(t, b.EnsureWorkspace(context.Background(), dir, &r1))
	sess := rt.last()

	sess.emitJob(runtime.JobEvent{Action: runtime.JobAdded, JobID: "daily-report"})
	waitNotice(t, processed)

	// The latest route moves on; the binding must not.
	b.SetLatestRoute(dir, Route{ChannelID: "C2", Mode: ModeDM})

	sess.emitJob(runtime.JobEvent{
		Action: runtime.JobFinished, JobID: "daily-report",
		Status: runtime.JobStatusOK, Summary: "report sent",
	})
	waitNotice(t, processed)

	select {
	case d := <-delivered:
		assert.Equal(t, r1, d.route)
		assert.Contains(t, d.text, "daily-report")
		assert.Contains(t, d.text, "report sent")
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery for finished job")
	}
	assert.Empty(t, delivered, "exactly one delivery per finished event")
}

func TestBridgeNoRouteDropsNotification(t *testing.T) {
	b, rt, delivered, processed := testBridge(t)
	dir := t.TempDir()

	require.NoError(t, b.EnsureWorkspace(context.Background(), dir, nil))
	rt.last().emitJob(runtime.JobEvent{
		Action: runtime.JobFinished, JobID: "orphan",
		Status: runtime.JobStatusOK, Summary: "done",
	})
	waitNotice(t, processed)

	assert.Empty(t, delivered, "unresolvable jobs are dropped, not retried")
}

func TestBridgeEnsureIsIdempotent(t *testing.T) {
	b, rt, delivered, processed := testBridge(t)
	dir := t.TempDir()

	require.NoError(t, b.EnsureWorkspace(context.Background(), dir, &Route{ChannelID: "C1", Mode: ModeChannel}))
	r2 := Route{ChannelID: "C2", Mode: ModeChannel}
	require.NoError(t, b.EnsureWorkspace(context.Background(), dir, &r2))
	assert.Equal(t, 1, rt.count(), "one session per workspace")

	// The second call refreshed the latest route: an unbound job resolves
	// to it.
	rt.last().emitJob(runtime.JobEvent{
		Action: runtime.JobFinished, JobID: "unbound",
		Status: runtime.JobStatusOK, Summary: "done",
	})
	waitNotice(t, processed)

	d := <-delivered
	assert.Equal(t, r2, d.route)
}

func TestBridgeControlHandshake(t *testing.T) {
	b, rt, _, _ := testBridge(t)
	dir := t.TempDir()

	require.NoError(t, b.EnsureWorkspace(context.Background(), dir, nil))
	sess := rt.last()
	assert.Equal(t, []string{runtime.ControlSchedulerStart, runtime.ControlSchedulerStatus}, sess.controlLog())
	assert.Equal(t, dir, sess.opts.WorkDir)
	assert.NotEmpty(t, sess.opts.Prompt)

	require.NoError(t, b.SyncWorkspace(context.Background(), dir))
	assert.Equal(t, []string{
		runtime.ControlSchedulerStart, runtime.ControlSchedulerStatus,
		runtime.ControlSchedulerStatus, runtime.ControlSchedulerStart,
	}, sess.controlLog())
}

func TestBridgeSyncUnknownWorkspace(t *testing.T) {
	b, _, _, _ := testBridge(t)
	assert.Error(t, b.SyncWorkspace(context.Background(), t.TempDir()))
}

func TestBridgeUnexpectedExitRemovesWorkspace(t *testing.T) {
	b, rt, _, _ := testBridge(t)
	dir := t.TempDir()

	require.NoError(t, b.EnsureWorkspace(context.Background(), dir, nil))
	assert.Equal(t, []string{dir}, b.Workspaces())

	// Simulate the external process dying.
	rt.last().Close()

	require.Eventually(t, func() bool {
		return len(b.Workspaces()) == 0
	}, 2*time.Second, 10*time.Millisecond, "dead workspace entry should be removed")

	// The workspace can be re-established afterwards.
	require.NoError(t, b.EnsureWorkspace(context.Background(), dir, nil))
	assert.Equal(t, 2, rt.count())
}

func TestBridgeStopAll(t *testing.T) {
	b, _, _, _ := testBridge(t)

	require.NoError(t, b.EnsureWorkspace(context.Background(), t.TempDir(), nil))
	require.NoError(t, b.EnsureWorkspace(context.Background(), t.TempDir(), nil))

	b.StopAll()
	assert.Empty(t, b.Workspaces())
}

func TestBridgeIgnoresUnrelatedEvents(t *testing.T) {
	b, rt, delivered, processed := testBridge(t)
	dir := t.TempDir()

	require.NoError(t, b.EnsureWorkspace(context.Background(), dir, &Route{ChannelID: "C1", Mode: ModeChannel}))
	sess := rt.last()

	sess.ch <- runtime.Event{Type: runtime.EventAssistant, Text: "working..."}
	sess.emitJob(runtime.JobEvent{Action: "paused", JobID: "J"})
	waitNotice(t, processed)

	sess.emitJob(runtime.JobEvent{
		Action: runtime.JobFinished, JobID: "J",
		Status: runtime.JobStatusOK, Summary: "done",
	})
	waitNotice(t, processed)

	d := <-delivered
	assert.Contains(t, d.text, "done")
	assert.Empty(t, delivered)
}

func TestFormatJobLine(t *testing.T) {
	cases := []struct {
		job  runtime.JobEvent
		want string
	}{
		{runtime.JobEvent{JobID: "J", Status: runtime.JobStatusOK, Summary: "sent 3 reports"},
			"Scheduled job J finished: sent 3 reports"},
		{runtime.JobEvent{JobID: "J", Status: runtime.JobStatusSkipped, Reason: "nothing to do"},
			"Scheduled job J skipped: nothing to do"},
		{runtime.JobEvent{JobID: "J", Status: runtime.JobStatusError, Error: "timeout"},
			"Scheduled job J failed: timeout"},
		{runtime.JobEvent{JobID: "J", Status: runtime.JobStatusError},
			"Scheduled job J failed: unknown error"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, formatJobLine(tc.job))
	}
}
