package change

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"github.com/ellsmere/lattice/core/unit"
)

var ErrNotGitRepo = errors.New("path is not a git repository")

// GitSource derives change events from the difference between two
// commits, for catching up after time offline or jumping between
// branches. Unit ids are repository-relative paths.
type GitSource struct {
	repo   *gogit.Repository
	logger *slog.Logger
}

// NewGitSource opens the repository at path.
func NewGitSource(path string, logger *slog.Logger) (*GitSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, ErrNotGitRepo
		}
		return nil, err
	}
	return &GitSource{repo: repo, logger: logger}, nil
}

// DiffEvents computes the events that transform fromRev's tree into
// toRev's tree. Revisions take anything ResolveRevision accepts (hash,
// branch, tag, HEAD~n). Detected renames are emitted as rename events;
// the detector splits them into delete plus add with a migration, so a
// mis-detected rename degrades safely to a full delete and rebuild.
func (s *GitSource) DiffEvents(ctx context.Context, fromRev, toRev string) ([]Event, error) {
	fromTree, err := s.treeAt(fromRev)
	if err != nil {
		return nil, err
	}
	toTree, err := s.treeAt(toRev)
	if err != nil {
		return nil, err
	}

	changes, err := object.DiffTreeWithOptions(ctx, fromTree, toTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("diff trees %s..%s: %w", fromRev, toRev, err)
	}

	now := time.Now()
	events := make([]Event, 0, len(changes))
	for _, ch := range changes {
		action, err := ch.Action()
		if err != nil {
			return nil, err
		}
		switch action {
		case merkletrie.Insert:
			events = append(events, Event{
				Unit: unit.ID(ch.To.Name), Kind: KindAdd, Source: SourceGit, Time: now,
			})
		case merkletrie.Delete:
			events = append(events, Event{
				Unit: unit.ID(ch.From.Name), Kind: KindDelete, Source: SourceGit, Time: now,
			})
		case merkletrie.Modify:
			if ch.From.Name != ch.To.Name {
				events = append(events, Event{
					Unit:      unit.ID(ch.From.Name),
					Kind:      KindRename,
					RenamedTo: unit.ID(ch.To.Name),
					Source:    SourceGit,
					Time:      now,
				})
				continue
			}
			events = append(events, Event{
				Unit: unit.ID(ch.To.Name), Kind: KindModify, Source: SourceGit, Time: now,
			})
		}
	}
	return events, nil
}

// Feed observes every event of the fromRev..toRev diff into the
// detector. Returns the number of events observed.
func (s *GitSource) Feed(ctx context.Context, detector *Detector, fromRev, toRev string) (int, error) {
	events, err := s.DiffEvents(ctx, fromRev, toRev)
	if err != nil {
		return 0, err
	}
	for i, ev := range events {
		if err := detector.Observe(ev); err != nil {
			return i, err
		}
	}
	s.logger.Info("git diff observed", "from", fromRev, "to", toRev, "events", len(events))
	return len(events), nil
}

// Head returns the hash of the current HEAD commit.
func (s *GitSource) Head() (string, error) {
	ref, err := s.repo.Head()
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}

func (s *GitSource) treeAt(rev string) (*object.Tree, error) {
	hash, err := s.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("resolve revision %q: %w", rev, err)
	}
	commit, err := s.repo.CommitObject(*hash)
	if err != nil {
		return nil, err
	}
	return commit.Tree()
}
