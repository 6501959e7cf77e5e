package change

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ellsmere/lattice/core/unit"
)

type testRepo struct {
	dir  string
	repo *gogit.Repository
}

func initRepo(t *testing.T) *testRepo {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)
	return &testRepo{dir: dir, repo: repo}
}

func (r *testRepo) write(t *testing.T, name, content string) {
	t.Helper()
	path := filepath.Join(r.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (r *testRepo) remove(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, os.Remove(filepath.Join(r.dir, name)))
}

func (r *testRepo) commit(t *testing.T, msg string) string {
	t.Helper()
	wt, err := r.repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddWithOptions(&gogit.AddOptions{All: true}))
	hash, err := wt.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func eventByUnit(events []Event, id unit.ID) (Event, bool) {
	for _, ev := range events {
		if ev.Unit == id {
			return ev, true
		}
	}
	return Event{}, false
}

func TestDiffEventsClassifiesTreeChanges(t *testing.T) {
	r := initRepo(t)
	r.write(t, "kept.go", "package kept\n")
	r.write(t, "changed.go", "package changed\n")
	r.write(t, "doomed.go", "package doomed\n")
	from := r.commit(t, "base")

	r.write(t, "changed.go", "package changed // edited\n")
	r.write(t, "added.go", "package added\n")
	r.remove(t, "doomed.go")
	to := r.commit(t, "update")

	src, err := NewGitSource(r.dir, testLogger())
	require.NoError(t, err)
	events, err := src.DiffEvents(context.Background(), from, to)
	require.NoError(t, err)

	ev, ok := eventByUnit(events, "added.go")
	require.True(t, ok)
	assert.Equal(t, KindAdd, ev.Kind)

	ev, ok = eventByUnit(events, "changed.go")
	require.True(t, ok)
	assert.Equal(t, KindModify, ev.Kind)

	ev, ok = eventByUnit(events, "doomed.go")
	require.True(t, ok)
	assert.Equal(t, KindDelete, ev.Kind)

	_, ok = eventByUnit(events, "kept.go")
	assert.False(t, ok, "untouched files produce no events")

	for _, ev := range events {
		assert.Equal(t, SourceGit, ev.Source)
	}
}

func TestDiffEventsDetectsRenames(t *testing.T) {
	r := initRepo(t)
	content := "package moved\n\nfunc Moved() int { return 42 }\n"
	r.write(t, "old_name.go", content)
	from := r.commit(t, "base")

	r.remove(t, "old_name.go")
	r.write(t, "new_name.go", content)
	to := r.commit(t, "rename")

	src, err := NewGitSource(r.dir, testLogger())
	require.NoError(t, err)
	events, err := src.DiffEvents(context.Background(), from, to)
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, KindRename, events[0].Kind)
	assert.Equal(t, unit.ID("old_name.go"), events[0].Unit)
	assert.Equal(t, unit.ID("new_name.go"), events[0].RenamedTo)
}

func TestFeedSplitsRenameThroughDetector(t *testing.T) {
	r := initRepo(t)
	content := "package moved\n\nfunc Moved() int { return 42 }\n"
	r.write(t, "old_name.go", content)
	from := r.commit(t, "base")
	r.remove(t, "old_name.go")
	r.write(t, "new_name.go", content)
	to := r.commit(t, "rename")

	src, err := NewGitSource(r.dir, testLogger())
	require.NoError(t, err)

	d := testDetector(t, testLog(t))
	n, err := src.Feed(context.Background(), d, from, to)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	waitReady(t, d, 2)
	cs := d.Drain()
	require.NotNil(t, cs)
	require.Len(t, cs.Events, 2)
	require.Len(t, cs.Migrations, 1)
	assert.Equal(t, unit.Migration{From: "old_name.go", To: "new_name.go"}, cs.Migrations[0])
}

func TestNewGitSourceRejectsPlainDirectory(t *testing.T) {
	_, err := NewGitSource(t.TempDir(), testLogger())
	assert.ErrorIs(t, err, ErrNotGitRepo)
}

func TestHeadReturnsCurrentCommit(t *testing.T) {
	r := initRepo(t)
	r.write(t, "a.go", "package a\n")
	hash := r.commit(t, "init")

	src, err := NewGitSource(r.dir, testLogger())
	require.NoError(t, err)
	head, err := src.Head()
	require.NoError(t, err)
	assert.Equal(t, hash, head)
}
