// Package agent drives single request/response cycles against the external
// agent runtime: session resume, prompt assembly, event consumption,
// tool-output drain, and upload selection.
package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/azharlabs/papert-claw/internal/config"
	"github.com/azharlabs/papert-claw/internal/outbox"
	"github.com/azharlabs/papert-claw/internal/runtime"
	"github.com/azharlabs/papert-claw/internal/workspace"
	"github.com/azharlabs/papert-claw/pkg/logger"
)

// Input is one user turn.
type Input struct {
	ChannelID   string
	UserText    string
	Attachments []string // workspace-local paths of files the user attached
	Context     ContextInput
	Workspace   *workspace.Workspace
	// Deliver is the incremental-delivery callback: assistant text is pushed
	// through it as soon as it arrives. May be nil.
	Deliver func(text string) error
}

// Result is the outcome of one completed run.
type Result struct {
	Text      string   // final response text
	Delivered bool     // an incremental message already reached the channel
	Uploads   []string // accepted file paths to return to the user
	Messages  []string // accepted free-text messages from the tool queue
	SessionID string
}

// RunEvent summarizes a finished run for observers (run history, live feed).
type RunEvent struct {
	RunID     string
	ChannelID string
	Workspace string
	SessionID string
	Duration  time.Duration
	Uploads   int
	Err       string
}

// Observer receives a RunEvent after every run, successful or not.
type Observer func(RunEvent)

// Runner executes agent runs. One Runner serves all channels; per-channel
// serialization is the caller's responsibility (see internal/queue).
type Runner struct {
	rt        runtime.Runtime
	cfg       config.AgentConfig
	observers []Observer
}

// NewRunner creates a runner on top of the given runtime.
func NewRunner(rt runtime.Runtime, cfg config.AgentConfig) *Runner {
	return &Runner{rt: rt, cfg: cfg}
}

// AddObserver registers a run observer. Not safe to call concurrently with
// Run; register everything during wiring.
func (r *Runner) AddObserver(fn Observer) {
	r.observers = append(r.observers, fn)
}

// Run executes one request/response cycle against the runtime.
func (r *Runner) Run(ctx context.Context, in Input) (*Result, error) {
	ws := in.Workspace
	if err := ws.Ensure(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	start := time.Now()
	log := logger.With("run_id", runID)

	resume := ws.SessionID()

	// Stale output from a prior, possibly crashed, run must never leak into
	// this run's result.
	box := outbox.Open(ws.OutboxPath())
	if err := box.Reset(); err != nil {
		return nil, fmt.Errorf("reset tool-output queue: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout())
	defer cancel()

	sess, err := r.rt.Start(runCtx, runtime.Options{
		Prompt:         buildPrompt(ws, in, r.cfg.UploadTool),
		WorkDir:        ws.Root(),
		Model:          r.cfg.Model,
		PermissionMode: r.cfg.PermissionMode,
		AllowedTools:   r.cfg.AllowedTools,
		ResumeSession:  resume,
	})
	if err != nil {
		r.notify(RunEvent{RunID: runID, ChannelID: in.ChannelID, Workspace: ws.Root(), Duration: time.Since(start), Err: err.Error()})
		return nil, fmt.Errorf("start agent session: %w", err)
	}
	defer sess.Close()

	var (
		sessionID   string
		degraded    bool
		delivered   bool
		sawResult   bool
		resultErr   bool
		finalText   string
		outputTexts []string
	)

	for ev := range sess.Events() {
		switch ev.Type {
		case runtime.EventSystem:
			if ev.Subtype == runtime.SubtypeInit {
				sessionID = ev.SessionID
				if r.cfg.UploadTool != "" && !slices.Contains(ev.Tools, r.cfg.UploadTool) {
					degraded = true
					log.Warn().Str("tool", r.cfg.UploadTool).
						Msg("session lacks the file-return tool, marking degraded")
				}
			}
		case runtime.EventAssistant:
			if ev.Text == "" {
				continue
			}
			outputTexts = append(outputTexts, ev.Text)
			if in.Deliver != nil {
				if err := in.Deliver(ev.Text); err != nil {
					log.Warn().Err(err).Msg("incremental delivery failed")
				} else {
					delivered = true
				}
			}
		case runtime.EventResult:
			sawResult = true
			resultErr = ev.IsError
			finalText = ev.Text
			if ev.Text != "" {
				outputTexts = append(outputTexts, ev.Text)
			}
		}
	}

	// A degraded session must not be resumed: drop the id so the next run
	// starts fresh. Otherwise remember the session for resumption.
	if degraded {
		if err := ws.ClearSessionID(); err != nil {
			log.Warn().Err(err).Msg("failed to clear session id")
		}
	} else if sessionID != "" {
		if err := ws.SetSessionID(sessionID); err != nil {
			log.Warn().Err(err).Msg("failed to persist session id")
		}
	}

	if !sawResult || resultErr {
		msg := finalText
		if msg == "" {
			msg = "agent process exited before producing a result"
		}
		err := fmt.Errorf("agent run failed: %s", msg)
		r.notify(RunEvent{RunID: runID, ChannelID: in.ChannelID, Workspace: ws.Root(), SessionID: sessionID, Duration: time.Since(start), Err: err.Error()})
		return nil, err
	}

	snap, err := box.Drain()
	if err != nil {
		log.Warn().Err(err).Msg("tool-output queue drain failed to reset")
	}

	uploads, inferred := r.selectUploads(snap.Uploads, in.UserText, outputTexts, ws)

	// With nothing queued but file references inferred from the output,
	// the inferred names stand in for the queued messages, and for the
	// response text when the run produced none.
	messages := snap.Messages
	if len(messages) == 0 && len(inferred) > 0 {
		messages = inferred
		if finalText == "" {
			finalText = strings.Join(inferred, "\n")
		}
	}

	res := &Result{
		Text:      finalText,
		Delivered: delivered,
		Uploads:   uploads,
		Messages:  messages,
		SessionID: sessionID,
	}
	log.Info().
		Str("channel", in.ChannelID).
		Int("uploads", len(uploads)).
		Dur("duration", time.Since(start)).
		Msg("agent run completed")
	r.notify(RunEvent{RunID: runID, ChannelID: in.ChannelID, Workspace: ws.Root(), SessionID: sessionID, Duration: time.Since(start), Uploads: len(uploads)})
	return res, nil
}

// selectUploads applies the upload policy to the drained queue, then the two
// ordered fallbacks: explicit names looked up in the workspace, then file
// tokens inferred from the runtime's text output. The second return value
// carries inferred file names, surfaced as messages when the queue had none.
func (r *Runner) selectUploads(queued []string, userText string, outputTexts []string, ws *workspace.Workspace) ([]string, []string) {
	if accepted := SelectUploads(queued, userText, ws); len(accepted) > 0 {
		return accepted, nil
	}

	if names := FileTokens(userText); len(names) > 0 {
		return SelectUploads(resolveNamed(names, ws), userText, ws), nil
	}

	tokens := FileTokens(strings.Join(outputTexts, "\n"))
	if len(tokens) == 0 {
		return nil, nil
	}
	var accepted, inferred []string
	for _, c := range validCandidates(resolveNamed(tokens, ws), ws) {
		accepted = append(accepted, c.path)
		inferred = append(inferred, filepath.Base(c.path))
	}
	return accepted, inferred
}

func (r *Runner) notify(ev RunEvent) {
	for _, fn := range r.observers {
		fn(ev)
	}
}
