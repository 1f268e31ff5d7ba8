// Package queue provides per-channel serial execution queues.
//
// Work enqueued for the same conversational channel runs strictly in
// enqueue order, one item at a time; independent channels run concurrently.
// This serialization is the sole concurrency control protecting a
// workspace's files and session state from overlapping agent runs.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/azharlabs/papert-claw/pkg/logger"
)

// Work is one unit of asynchronous work for a channel.
type Work func() error

// ChannelQueue executes work for a single channel id in FIFO order.
type ChannelQueue struct {
	id    string
	tasks chan Work
}

// Enqueue appends work to the queue. It never blocks: when the pending
// buffer is exhausted the work is rejected with ErrQueueFull.
func (q *ChannelQueue) Enqueue(w Work) error {
	select {
	case q.tasks <- w:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued, not yet started work items.
func (q *ChannelQueue) Pending() int {
	return len(q.tasks)
}

// ID returns the channel identifier this queue serves.
func (q *ChannelQueue) ID() string { return q.id }

// Manager owns all channel queues for the life of the process.
type Manager struct {
	queues    sync.Map // channel id -> *ChannelQueue
	mu        sync.Mutex
	wg        sync.WaitGroup
	closed    atomic.Bool
	done      chan struct{}
	queueSize int
}

// NewManager creates a queue manager. queueSize bounds the per-channel
// pending buffer.
func NewManager(queueSize int) *Manager {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Manager{
		queueSize: queueSize,
		done:      make(chan struct{}),
	}
}

// Get returns the stable queue instance for a channel id, creating it and
// its worker on first use.
func (m *Manager) Get(channelID string) *ChannelQueue {
	if v, ok := m.queues.Load(channelID); ok {
		return v.(*ChannelQueue)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.queues.Load(channelID); ok {
		return v.(*ChannelQueue)
	}

	q := &ChannelQueue{
		id:    channelID,
		tasks: make(chan Work, m.queueSize),
	}
	m.queues.Store(channelID, q)

	m.wg.Add(1)
	go m.worker(q)

	return q
}

// Enqueue is shorthand for Get(channelID).Enqueue(w), rejecting work once
// shutdown has begun.
func (m *Manager) Enqueue(channelID string, w Work) error {
	if m.closed.Load() {
		return ErrShuttingDown
	}
	return m.Get(channelID).Enqueue(w)
}

// worker drains one channel's queue for the life of the process. A failing
// or panicking work item is logged and the queue keeps advancing.
func (m *Manager) worker(q *ChannelQueue) {
	defer m.wg.Done()

	for {
		select {
		case w := <-q.tasks:
			m.execute(q.id, w)
		case <-m.done:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case w := <-q.tasks:
					m.execute(q.id, w)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) execute(channelID string, w Work) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in queued work: %v", r)
			}
		}()
		return w()
	}()
	if err != nil {
		logger.Error().Str("channel", channelID).Err(err).Msg("queued work failed")
	}
}

// ActiveChannels returns the number of channels with a live queue.
func (m *Manager) ActiveChannels() int {
	n := 0
	m.queues.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Channels lists the channel ids with a live queue.
func (m *Manager) Channels() []string {
	var ids []string
	m.queues.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}

// Shutdown stops accepting new work, lets already-queued items finish, and
// waits for every worker to exit or the context to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}
	close(m.done)

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
