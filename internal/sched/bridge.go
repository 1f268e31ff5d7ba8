package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/azharlabs/papert-claw/internal/config"
	"github.com/azharlabs/papert-claw/internal/runtime"
	"github.com/azharlabs/papert-claw/pkg/logger"
)

// schedulerPrompt keeps the session's process alive for as long as the
// daemon runs: the agent is told to wait for scheduled work rather than
// produce a final answer.
const schedulerPrompt = "You are the background scheduler for this workspace. " +
	"Stay running, execute scheduled jobs as they come due, and report each " +
	"job's outcome. Do not finish this conversation."

// DeliverFunc pushes a notification line to a delivery route. Implemented by
// the chat-platform collaborator.
type DeliverFunc func(route Route, text string) error

// Notice describes one scheduler job event, for observers (live feed, run
// history).
type Notice struct {
	Workspace string
	Job       runtime.JobEvent
}

type wsSession struct {
	dir     string
	sess    runtime.Session
	routes  *Routes
	closing atomic.Bool
}

// Bridge owns the per-workspace scheduler sessions. One session per
// workspace, started on demand and kept open until StopAll or process exit.
type Bridge struct {
	rt      runtime.Runtime
	cfg     config.AgentConfig
	deliver DeliverFunc

	mu       sync.Mutex
	sessions map[string]*wsSession

	observers []func(Notice)
	cron      *cron.Cron
	wg        sync.WaitGroup
}

func NewBridge(rt runtime.Runtime, cfg config.AgentConfig, deliver DeliverFunc) *Bridge {
	return &Bridge{
		rt:       rt,
		cfg:      cfg,
		deliver:  deliver,
		sessions: make(map[string]*wsSession),
	}
}

// AddObserver registers a job-event observer. Register during wiring, before
// any session starts.
func (b *Bridge) AddObserver(fn func(Notice)) {
	b.observers = append(b.observers, fn)
}

// EnsureWorkspace makes sure a scheduler session exists for the workspace
// directory. For an existing session only the latest route is refreshed;
// otherwise a new long-lived session is started and its event stream is
// consumed in the background.
func (b *Bridge) EnsureWorkspace(ctx context.Context, dir string, route *Route) error {
	b.mu.Lock()
	if st, ok := b.sessions[dir]; ok {
		b.mu.Unlock()
		if route != nil {
			st.routes.SetLatestRoute(*route)
		}
		return nil
	}
	b.mu.Unlock()

	sess, err := b.rt.Start(ctx, runtime.Options{
		Prompt:         schedulerPrompt,
		WorkDir:        dir,
		Model:          b.cfg.Model,
		PermissionMode: b.cfg.PermissionMode,
		AllowedTools:   b.cfg.AllowedTools,
	})
	if err != nil {
		return fmt.Errorf("start scheduler session for %s: %w", dir, err)
	}

	if _, err := sess.Control(ctx, runtime.ControlSchedulerStart); err != nil {
		sess.Close()
		return fmt.Errorf("start scheduler in %s: %w", dir, err)
	}
	if _, err := sess.Control(ctx, runtime.ControlSchedulerStatus); err != nil {
		logger.Warn().Err(err).Str("workspace", dir).Msg("scheduler status request failed")
	}

	st := &wsSession{dir: dir, sess: sess, routes: NewRoutes()}
	if route != nil {
		st.routes.SetLatestRoute(*route)
	}

	b.mu.Lock()
	if _, ok := b.sessions[dir]; ok {
		// Lost the race; the session started by the other caller wins.
		b.mu.Unlock()
		sess.Close()
		return nil
	}
	b.sessions[dir] = st
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(st)

	logger.Info().Str("workspace", dir).Msg("scheduler session started")
	return nil
}

// SyncWorkspace re-issues the scheduler control requests on an existing
// session. Idempotent; used after interactive runs touch shared workspace
// files and on the periodic re-sync schedule.
func (b *Bridge) SyncWorkspace(ctx context.Context, dir string) error {
	b.mu.Lock()
	st, ok := b.sessions[dir]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no scheduler session for %s", dir)
	}
	if _, err := st.sess.Control(ctx, runtime.ControlSchedulerStatus); err != nil {
		return fmt.Errorf("scheduler status for %s: %w", dir, err)
	}
	if _, err := st.sess.Control(ctx, runtime.ControlSchedulerStart); err != nil {
		return fmt.Errorf("scheduler start for %s: %w", dir, err)
	}
	return nil
}

// SetLatestRoute updates the fallback delivery route for a workspace that
// already has a session.
func (b *Bridge) SetLatestRoute(dir string, route Route) {
	b.mu.Lock()
	st, ok := b.sessions[dir]
	b.mu.Unlock()
	if ok {
		st.routes.SetLatestRoute(route)
	}
}

// Workspaces lists the directories with a live scheduler session.
func (b *Bridge) Workspaces() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.sessions))
	for dir := range b.sessions {
		out = append(out, dir)
	}
	return out
}

// StartSync schedules a periodic re-sync of every live workspace on the
// given cron expression.
func (b *Bridge) StartSync(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		for _, dir := range b.Workspaces() {
			if err := b.SyncWorkspace(context.Background(), dir); err != nil {
				logger.Warn().Err(err).Str("workspace", dir).Msg("periodic scheduler re-sync failed")
			}
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", schedule, err)
	}
	c.Start()
	b.cron = c
	return nil
}

// StopAll closes every scheduler session and waits for their consumers to
// drain. Used at process shutdown.
func (b *Bridge) StopAll() {
	if b.cron != nil {
		b.cron.Stop()
	}
	b.mu.Lock()
	for _, st := range b.sessions {
		st.closing.Store(true)
		st.sess.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// consume processes one workspace's event stream for the remainder of the
// session's lifetime. Events arrive and are handled strictly in stream
// order.
func (b *Bridge) consume(st *wsSession) {
	defer b.wg.Done()
	log := logger.With("workspace", st.dir)

	for ev := range st.sess.Events() {
		if ev.Type != runtime.EventSystem || ev.Subtype != runtime.SubtypeSchedulerEvent || ev.Job == nil {
			continue
		}
		job := *ev.Job
		switch job.Action {
		case runtime.JobAdded:
			st.routes.BindJob(job.JobID)
		case runtime.JobRemoved:
			st.routes.RemoveJob(job.JobID)
		case runtime.JobFinished:
			b.notifyFinished(st, job)
		}
		b.observe(Notice{Workspace: st.dir, Job: job})
	}

	b.mu.Lock()
	if cur, ok := b.sessions[st.dir]; ok && cur == st {
		delete(b.sessions, st.dir)
	}
	b.mu.Unlock()

	if !st.closing.Load() {
		log.Warn().Msg("scheduler session exited unexpectedly")
	}
}

func (b *Bridge) notifyFinished(st *wsSession, job runtime.JobEvent) {
	route, ok := st.routes.Resolve(job.JobID)
	if !ok {
		logger.Warn().Str("workspace", st.dir).Str("job", job.JobID).
			Msg("no route for finished job, dropping notification")
		return
	}
	if err := b.deliver(route, formatJobLine(job)); err != nil {
		logger.Warn().Err(err).Str("workspace", st.dir).Str("job", job.JobID).
			Msg("scheduled-job delivery failed")
	}
}

func formatJobLine(job runtime.JobEvent) string {
	switch job.Status {
	case runtime.JobStatusOK:
		return fmt.Sprintf("Scheduled job %s finished: %s", job.JobID, job.Summary)
	case runtime.JobStatusSkipped:
		return fmt.Sprintf("Scheduled job %s skipped: %s", job.JobID, job.Reason)
	default:
		msg := job.Error
		if msg == "" {
			msg = "unknown error"
		}
		return fmt.Sprintf("Scheduled job %s failed: %s", job.JobID, msg)
	}
}

func (b *Bridge) observe(n Notice) {
	for _, fn := range b.observers {
		fn(n)
	}
}
