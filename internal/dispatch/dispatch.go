// Package dispatch connects inbound chat messages to the rest of the
// daemon: it serializes work per channel, runs the agent, and keeps the
// scheduler bridge in step with each workspace.
package dispatch

import (
	"context"
	"path/filepath"

	"github.com/azharlabs/papert-claw/internal/agent"
	"github.com/azharlabs/papert-claw/internal/queue"
	"github.com/azharlabs/papert-claw/internal/sched"
	"github.com/azharlabs/papert-claw/internal/workspace"
	"github.com/azharlabs/papert-claw/pkg/logger"
)

// Message is one inbound user message.
type Message struct {
	ChannelID   string
	ThreadTS    string
	DM          bool
	Text        string
	Attachments []string
	Context     agent.ContextInput
	// Deliver receives incremental assistant text. May be nil.
	Deliver func(text string) error
}

// Dispatcher owns the per-channel serialization of interactive runs.
type Dispatcher struct {
	root   string // parent directory of all workspaces
	queues *queue.Manager
	runner *agent.Runner
	bridge *sched.Bridge // may be nil when the scheduler is disabled
}

func New(root string, queues *queue.Manager, runner *agent.Runner, bridge *sched.Bridge) *Dispatcher {
	return &Dispatcher{root: root, queues: queues, runner: runner, bridge: bridge}
}

// WorkspaceDir returns the workspace directory for a channel.
func (d *Dispatcher) WorkspaceDir(channelID string) string {
	return filepath.Join(d.root, channelID)
}

// Handle runs one message through its channel's queue and blocks until the
// run finishes. Messages for the same channel execute strictly in arrival
// order; different channels proceed independently.
func (d *Dispatcher) Handle(ctx context.Context, msg Message) (*agent.Result, error) {
	type outcome struct {
		res *agent.Result
		err error
	}
	done := make(chan outcome, 1)

	err := d.queues.Enqueue(msg.ChannelID, func() error {
		res, err := d.run(ctx, msg)
		done <- outcome{res: res, err: err}
		return err
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		return out.res, out.err
	}
}

func (d *Dispatcher) run(ctx context.Context, msg Message) (*agent.Result, error) {
	dir := d.WorkspaceDir(msg.ChannelID)
	ws, err := workspace.New(dir)
	if err != nil {
		return nil, err
	}

	// The scheduler session learns the route before the run so that jobs
	// the agent registers during the run bind to it.
	if d.bridge != nil {
		route := sched.Route{ChannelID: msg.ChannelID, ThreadTS: msg.ThreadTS, Mode: sched.ModeChannel}
		if msg.DM {
			route.Mode = sched.ModeDM
		}
		if err := d.bridge.EnsureWorkspace(ctx, dir, &route); err != nil {
			logger.Warn().Err(err).Str("workspace", dir).Msg("scheduler session unavailable")
		}
	}

	res, err := d.runner.Run(ctx, agent.Input{
		ChannelID:   msg.ChannelID,
		UserText:    msg.Text,
		Attachments: msg.Attachments,
		Context:     msg.Context,
		Workspace:   ws,
		Deliver:     msg.Deliver,
	})
	if err != nil && msg.Deliver != nil {
		if dErr := msg.Deliver("Sorry, something went wrong while handling that request."); dErr != nil {
			logger.Warn().Err(dErr).Str("channel", msg.ChannelID).Msg("failure notice delivery failed")
		}
	}

	// The run may have edited shared workspace files the scheduler reads;
	// refresh it regardless of the run's outcome.
	if d.bridge != nil {
		if syncErr := d.bridge.SyncWorkspace(ctx, dir); syncErr != nil {
			logger.Warn().Err(syncErr).Str("workspace", dir).Msg("scheduler re-sync failed")
		}
	}
	return res, err
}
