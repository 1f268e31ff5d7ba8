package sched

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapEnsuresExistingWorkspaces(t *testing.T) {
	b, _, _, _ := testBridge(t)
	root := t.TempDir()
	a := filepath.Join(root, "C-alpha")
	c := filepath.Join(root, "C-beta")
	require.NoError(t, os.MkdirAll(a, 0755))
	require.NoError(t, os.MkdirAll(c, 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".hidden"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0644))

	bs := NewBootstrap(root, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bs.Start(ctx))
	defer bs.Close()

	assert.ElementsMatch(t, []string{a, c}, b.Workspaces())
}

func TestBootstrapPicksUpNewDirectories(t *testing.T) {
	b, _, _, _ := testBridge(t)
	root := t.TempDir()

	bs := NewBootstrap(root, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bs.Start(ctx))
	defer bs.Close()

	created := filepath.Join(root, "C-new")
	require.NoError(t, os.Mkdir(created, 0755))

	require.Eventually(t, func() bool {
		ws := b.Workspaces()
		return len(ws) == 1 && ws[0] == created
	}, 3*time.Second, 20*time.Millisecond)
}

func TestBootstrapCreatesMissingRoot(t *testing.T) {
	b, _, _, _ := testBridge(t)
	root := filepath.Join(t.TempDir(), "workspaces")

	bs := NewBootstrap(root, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bs.Start(ctx))
	defer bs.Close()

	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
