// Package outbox implements the file-backed tool-output queue.
//
// Tool handlers running inside the external agent runtime append file paths
// and free-text messages here; the orchestrator drains the queue after each
// run to deliver them. The queue only holds output pending delivery: every
// drain resets the persisted document to empty.
package outbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Snapshot is the persisted queue document.
type Snapshot struct {
	Uploads  []string `json:"uploads"`
	Messages []string `json:"messages"`
}

// Empty reports whether the snapshot carries no pending output.
func (s Snapshot) Empty() bool {
	return len(s.Uploads) == 0 && len(s.Messages) == 0
}

// Queue is a handle to one workspace's tool-output queue file.
type Queue struct {
	path string
}

// Open returns a queue handle for the given file path. The file is created
// lazily on first write.
func Open(path string) *Queue {
	return &Queue{path: path}
}

// Path returns the backing file path.
func (q *Queue) Path() string { return q.path }

// Load reads the current queue contents. A missing or malformed file is
// treated as an empty queue.
func (q *Queue) Load() Snapshot {
	data, err := os.ReadFile(q.path)
	if err != nil {
		return Snapshot{}
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}
	}
	return snap
}

// Reset overwrites the queue with an empty document.
func (q *Queue) Reset() error {
	return q.write(Snapshot{})
}

// Drain returns the current contents and resets the queue. A second Drain
// without intervening writes returns an empty snapshot.
func (q *Queue) Drain() (Snapshot, error) {
	snap := q.Load()
	if err := q.Reset(); err != nil {
		return snap, err
	}
	return snap, nil
}

// AppendUpload queues a file path for delivery to the user.
func (q *Queue) AppendUpload(path string) error {
	snap := q.Load()
	snap.Uploads = append(snap.Uploads, path)
	return q.write(snap)
}

// AppendMessage queues a free-text message for delivery to the user.
func (q *Queue) AppendMessage(msg string) error {
	snap := q.Load()
	snap.Messages = append(snap.Messages, msg)
	return q.write(snap)
}

func (q *Queue) write(snap Snapshot) error {
	if snap.Uploads == nil {
		snap.Uploads = []string{}
	}
	if snap.Messages == nil {
		snap.Messages = []string{}
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		return fmt.Errorf("create outbox directory: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal outbox: %w", err)
	}
	if err := os.WriteFile(q.path, data, 0600); err != nil {
		return fmt.Errorf("write outbox %s: %w", q.path, err)
	}
	return nil
}
