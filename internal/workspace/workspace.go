// Package workspace manages per-user agent workspace directories.
//
// A workspace is one isolated directory owning the agent's working files,
// a persisted runtime session identifier, and the tool-output queue file.
// Internal bookkeeping lives under a reserved subdirectory that is never
// exposed back to the user.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// InternalDirName is the reserved bookkeeping subdirectory.
	InternalDirName = ".papert"
	// AttachmentsDirName holds files the agent prepares for the user.
	AttachmentsDirName = "attachments"
	// StateFileName is the agent-maintained conversation state file at the
	// workspace root. It ranks lowest in upload selection.
	StateFileName = "session.json"

	sessionFileName = "session_id"
	outboxFileName  = "outbox.json"
)

// Workspace is a handle to one workspace directory.
type Workspace struct {
	root string
}

// New returns a handle for the workspace rooted at dir. The directory is
// not created; call Ensure for that.
func New(dir string) (*Workspace, error) {
	if dir == "" {
		return nil, fmt.Errorf("workspace directory cannot be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace path: %w", err)
	}
	return &Workspace{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute workspace root directory.
func (w *Workspace) Root() string { return w.root }

// Ensure creates the workspace root and its reserved subdirectory.
func (w *Workspace) Ensure() error {
	if err := os.MkdirAll(w.internalDir(), 0755); err != nil {
		return fmt.Errorf("create workspace %s: %w", w.root, err)
	}
	return nil
}

func (w *Workspace) internalDir() string {
	return filepath.Join(w.root, InternalDirName)
}

// OutboxPath returns the tool-output queue file path.
func (w *Workspace) OutboxPath() string {
	return filepath.Join(w.internalDir(), outboxFileName)
}

// AttachmentsDir returns the attachments subdirectory path.
func (w *Workspace) AttachmentsDir() string {
	return filepath.Join(w.root, AttachmentsDirName)
}

// StatePath returns the agent-maintained state file path.
func (w *Workspace) StatePath() string {
	return filepath.Join(w.root, StateFileName)
}

func (w *Workspace) sessionPath() string {
	return filepath.Join(w.internalDir(), sessionFileName)
}

// SessionID returns the persisted runtime session identifier, or the empty
// string when none has been recorded.
func (w *Workspace) SessionID() string {
	data, err := os.ReadFile(w.sessionPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SetSessionID persists the runtime session identifier for future resumption.
func (w *Workspace) SetSessionID(id string) error {
	if err := w.Ensure(); err != nil {
		return err
	}
	if err := os.WriteFile(w.sessionPath(), []byte(id), 0600); err != nil {
		return fmt.Errorf("persist session id: %w", err)
	}
	return nil
}

// ClearSessionID removes the persisted session identifier, forcing the next
// run to start a fresh runtime session.
func (w *Workspace) ClearSessionID() error {
	err := os.Remove(w.sessionPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear session id: %w", err)
	}
	return nil
}

// Contains reports whether path resolves inside the workspace root.
// Symlink-free lexical check; rejects traversal via "..".
func (w *Workspace) Contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(w.root, filepath.Clean(abs))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// IsInternal reports whether path falls under the reserved subdirectory.
func (w *Workspace) IsInternal(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(w.internalDir(), filepath.Clean(abs))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
