package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/azharlabs/papert-claw/pkg/logger"
)

const (
	// Runtime sessions can emit very large single-line messages.
	maxLineBytes = 8 << 20

	closeGrace = 5 * time.Second
)

// CLIRuntime runs agent sessions by spawning the agent CLI with
// line-delimited JSON streaming on stdin/stdout.
type CLIRuntime struct {
	command string
}

// NewCLI returns a runtime backed by the given agent CLI binary.
func NewCLI(command string) *CLIRuntime {
	return &CLIRuntime{command: command}
}

// Start spawns one agent process and begins consuming its event stream.
func (r *CLIRuntime) Start(ctx context.Context, opts Options) (Session, error) {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.ResumeSession != "" {
		args = append(args, "--resume", opts.ResumeSession)
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = opts.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent runtime %s: %w", r.command, err)
	}

	s := &cliSession{
		cmd:     cmd,
		stdin:   stdin,
		events:  make(chan Event, 64),
		pending: make(map[string]chan json.RawMessage),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go s.drainStderr(stderr)
	go s.readLoop(stdout)

	if err := s.sendUserMessage(opts.Prompt); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	return s, nil
}

type cliSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	quit   chan struct{} // closed by Close; unblocks readLoop's event sends
	done   chan struct{} // closed once the process has been reaped

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage

	reqSeq    atomic.Int64
	closeOnce sync.Once
	closed    atomic.Bool
}

// wireMessage is the CLI's line-delimited JSON envelope, both directions.
type wireMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Tools     []string        `json:"tools,omitempty"`
	Message   *wirePayload    `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Request   *wireRequest    `json:"request,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Event     *JobEvent       `json:"event,omitempty"`
}

type wirePayload struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type wireRequest struct {
	Subtype string `json:"subtype"`
}

func (s *cliSession) Events() <-chan Event { return s.events }

func (s *cliSession) sendUserMessage(text string) error {
	return s.writeLine(wireMessage{
		Type: "user",
		Message: &wirePayload{
			Role:    "user",
			Content: []wireBlock{{Type: "text", Text: text}},
		},
	})
}

// Control issues a control request and blocks until the matching response
// arrives, the stream ends, or the context expires.
func (s *cliSession) Control(ctx context.Context, subtype string) (json.RawMessage, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("session is closed")
	}
	id := fmt.Sprintf("req-%d", s.reqSeq.Add(1))

	ch := make(chan json.RawMessage, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	err := s.writeLine(wireMessage{
		Type:      "control_request",
		RequestID: id,
		Request:   &wireRequest{Subtype: subtype},
	})
	if err != nil {
		return nil, fmt.Errorf("write control request %s: %w", subtype, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("session closed before %s response", subtype)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *cliSession) writeLine(msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.stdin.Write(append(data, '\n'))
	return err
}

// readLoop translates the process's stdout lines into events and resolves
// pending control requests, closing the event channel on stream end.
func (s *cliSession) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

scan:
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Debug().Err(err).Msg("runtime: skipping unparseable stream line")
			continue
		}

		if msg.Type == "control_response" {
			s.resolveControl(msg)
			continue
		}

		// The session may be closed with events still unconsumed; a
		// blocked send here would leave Close waiting on done forever.
		select {
		case s.events <- s.toEvent(msg):
		case <-s.quit:
			break scan
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn().Err(err).Msg("runtime: event stream read error")
	}

	s.failPending()
	close(s.events)
	_ = s.cmd.Wait()
	close(s.done)
}

func (s *cliSession) toEvent(msg wireMessage) Event {
	ev := Event{
		Type:      msg.Type,
		Subtype:   msg.Subtype,
		SessionID: msg.SessionID,
		Tools:     msg.Tools,
		IsError:   msg.IsError,
		Job:       msg.Event,
	}
	switch msg.Type {
	case EventAssistant, EventUser:
		if msg.Message != nil {
			var parts []string
			for _, b := range msg.Message.Content {
				if b.Type == "text" && b.Text != "" {
					parts = append(parts, b.Text)
				}
			}
			ev.Text = strings.Join(parts, "\n")
		}
	case EventResult:
		ev.Text = msg.Result
	}
	return ev
}

func (s *cliSession) resolveControl(msg wireMessage) {
	s.pendingMu.Lock()
	ch, ok := s.pending[msg.RequestID]
	s.pendingMu.Unlock()
	if !ok {
		logger.Debug().Str("request_id", msg.RequestID).Msg("runtime: unmatched control response")
		return
	}
	ch <- msg.Response
}

func (s *cliSession) failPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

func (s *cliSession) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		logger.Debug().Str("stream", "stderr").Msg(scanner.Text())
	}
}

// Close terminates the session process: close stdin for a graceful exit,
// then kill after a grace period.
func (s *cliSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.quit)
		_ = s.stdin.Close()

		if s.cmd.Process == nil {
			return
		}
		select {
		case <-s.done:
		case <-time.After(closeGrace):
			err = s.cmd.Process.Kill()
			<-s.done
		}
	})
	return err
}
