package change

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ellsmere/lattice/core/unit"
)

func startFSSource(t *testing.T, root string, excludes []string, d *Detector) *FSSource {
	t.Helper()
	src, err := NewFSSource(root, excludes, d, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	go src.Run(context.Background())
	return src
}

func TestFSSourceObservesFileWrites(t *testing.T) {
	root := t.TempDir()
	d := testDetector(t, testLog(t))
	startFSSource(t, root, nil, d)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("package a"), 0o644))

	waitReady(t, d, 1)
	cs := d.Drain()
	require.NotNil(t, cs)
	require.Len(t, cs.Events, 1)
	assert.Equal(t, unit.ID("a.go"), cs.Events[0].Unit)
	assert.Equal(t, KindAdd, cs.Events[0].Kind)
	assert.Equal(t, SourceWatcher, cs.Events[0].Source)
}

func TestFSSourceIgnoresExcludedPaths(t *testing.T) {
	root := t.TempDir()
	d := testDetector(t, testLog(t))
	startFSSource(t, root, []string{"*.tmp"}, d)

	require.NoError(t, os.WriteFile(filepath.Join(root, "scratch.tmp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "kept.go"), []byte("package kept"), 0o644))

	waitReady(t, d, 1)
	cs := d.Drain()
	require.NotNil(t, cs)
	require.Len(t, cs.Events, 1)
	assert.Equal(t, unit.ID("kept.go"), cs.Events[0].Unit)
}

func TestFSSourceWatchesNewDirectories(t *testing.T) {
	root := t.TempDir()
	d := testDetector(t, testLog(t))
	startFSSource(t, root, nil, d)

	sub := filepath.Join(root, "pkg")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// Give the watcher a moment to pick up the new directory before
	// writing into it.
	require.Eventually(t, func() bool {
		if err := os.WriteFile(filepath.Join(sub, "b.go"), []byte("package pkg"), 0o644); err != nil {
			return false
		}
		return d.ReadyCount() > 0 || d.PendingCount() > 0
	}, 2*time.Second, 20*time.Millisecond)

	waitReady(t, d, 1)
	cs := d.Drain()
	require.NotNil(t, cs)
	found := false
	for _, ev := range cs.Events {
		if ev.Unit == "pkg/b.go" {
			found = true
		}
	}
	assert.True(t, found, "events under new directories must be observed")
}

func TestFSSourceObservesDeletes(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a"), 0o644))

	d := testDetector(t, testLog(t))
	startFSSource(t, root, nil, d)

	require.NoError(t, os.Remove(path))

	waitReady(t, d, 1)
	cs := d.Drain()
	require.NotNil(t, cs)
	require.Len(t, cs.Events, 1)
	assert.Equal(t, KindDelete, cs.Events[0].Kind)
}

func TestFSSourceRejectsMissingRoot(t *testing.T) {
	d := testDetector(t, testLog(t))
	_, err := NewFSSource(filepath.Join(t.TempDir(), "absent"), nil, d, testLogger())
	assert.ErrorIs(t, err, ErrRootNotExist)
}

func TestFSSourceRejectsBadPattern(t *testing.T) {
	d := testDetector(t, testLog(t))
	_, err := NewFSSource(t.TempDir(), []string{"[unclosed"}, d, testLogger())
	assert.ErrorIs(t, err, ErrInvalidPattern)
}
