package sched

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/azharlabs/papert-claw/pkg/logger"
)

// Bootstrap ensures a scheduler session for every workspace directory under
// the workspaces root, and keeps watching the root so directories created
// later get one too.
type Bootstrap struct {
	root    string
	bridge  *Bridge
	watcher *fsnotify.Watcher
}

func NewBootstrap(root string, bridge *Bridge) *Bootstrap {
	return &Bootstrap{root: root, bridge: bridge}
}

// Start ensures sessions for the directories already present, then starts
// the watch loop. The loop runs until ctx is cancelled or Close is called.
func (bs *Bootstrap) Start(ctx context.Context) error {
	if err := os.MkdirAll(bs.root, 0755); err != nil {
		return err
	}

	entries, err := os.ReadDir(bs.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(bs.root, e.Name())
		if err := bs.bridge.EnsureWorkspace(ctx, dir, nil); err != nil {
			logger.Warn().Err(err).Str("workspace", dir).Msg("scheduler bootstrap failed")
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(bs.root); err != nil {
		w.Close()
		return err
	}
	bs.watcher = w

	go bs.loop(ctx)
	return nil
}

func (bs *Bootstrap) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-bs.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".") {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil || !info.IsDir() {
				continue
			}
			if err := bs.bridge.EnsureWorkspace(ctx, ev.Name, nil); err != nil {
				logger.Warn().Err(err).Str("workspace", ev.Name).Msg("scheduler bootstrap failed")
			}
		case err, ok := <-bs.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("workspace watcher error")
		}
	}
}

// Close stops the watch loop.
func (bs *Bootstrap) Close() error {
	if bs.watcher != nil {
		return bs.watcher.Close()
	}
	return nil
}
