// Package superset computes the set of changes that must be submitted
// together with a change.
package superset

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/project"
	"msrl.dev/git-submit/repository"
)

// ChangeSet is an immutable set of changes submitted by one user.
type ChangeSet struct {
	ids  []change.ID
	User *change.Account
}

// NewChangeSet returns a set of the given ids.
func NewChangeSet(ids []change.ID, user *change.Account) *ChangeSet {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return &ChangeSet{ids: slices.Compact(sorted), User: user}
}

// IDs returns the ids in ascending order.
func (s *ChangeSet) IDs() []change.ID {
	return slices.Clone(s.ids)
}

// Contains reports whether id is in the set.
func (s *ChangeSet) Contains(id change.ID) bool {
	_, ok := slices.BinarySearch(s.ids, id)
	return ok
}

// Len returns the number of changes.
func (s *ChangeSet) Len() int {
	return len(s.ids)
}

// Options configures a MergeSuperSet.
type Options struct {
	// WholeTopic adds every open change sharing a topic with the set.
	WholeTopic bool
}

// MergeSuperSet completes change sets.
type MergeSuperSet struct {
	store    change.Store
	repos    repository.Manager
	projects project.Source
	opts     Options
	logger   *slog.Logger
}

// New returns a MergeSuperSet.
func New(store change.Store, repos repository.Manager, projects project.Source, opts Options) *MergeSuperSet {
	return &MergeSuperSet{store: store, repos: repos, projects: projects, opts: opts, logger: slog.Default()}
}

// SetLogger replaces the default logger.
func (m *MergeSuperSet) SetLogger(l *slog.Logger) {
	m.logger = l
}

// CompleteSet returns c together with every unmerged change its commit
// depends on, and with whole topic submission every change sharing a topic
// with those.
func (m *MergeSuperSet) CompleteSet(ctx context.Context, c *change.Change, user *change.Account) (*ChangeSet, error) {
	changes := map[change.ID]*change.Change{c.ID: c}
	if !m.opts.WholeTopic {
		ids, err := m.completeWithoutTopic(ctx, changes)
		if err != nil {
			return nil, err
		}
		return NewChangeSet(ids, user), nil
	}

	seenTopics := make(map[string]bool)
	for {
		ids, err := m.completeWithoutTopic(ctx, changes)
		if err != nil {
			return nil, err
		}
		var topics []string
		for _, id := range ids {
			cur, ok := changes[id]
			if !ok {
				if cur, err = m.store.Get(ctx, id); err != nil {
					return nil, err
				}
				changes[id] = cur
			}
			if cur.Topic != "" && !seenTopics[cur.Topic] {
				seenTopics[cur.Topic] = true
				topics = append(topics, cur.Topic)
			}
		}
		if len(topics) == 0 {
			return NewChangeSet(ids, user), nil
		}
		for _, topic := range topics {
			sharing, err := m.store.ByTopic(ctx, topic)
			if err != nil {
				return nil, err
			}
			for _, s := range sharing {
				changes[s.ID] = s
			}
		}
	}
}

// completeWithoutTopic adds the unmerged ancestry of every change.
func (m *MergeSuperSet) completeWithoutTopic(ctx context.Context, changes map[change.ID]*change.Change) ([]change.ID, error) {
	out := make(map[change.ID]bool)
	for _, id := range slices.Sorted(maps.Keys(changes)) {
		c := changes[id]
		out[c.ID] = true
		cfg, err := m.projects.Get(ctx, c.Dest.Project)
		if err != nil {
			return nil, err
		}
		if cfg.SubmitType == project.CherryPick {
			continue
		}
		deps, err := m.unmergedAncestry(ctx, c)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			out[d] = true
		}
	}
	return slices.Sorted(maps.Keys(out)), nil
}

func (m *MergeSuperSet) unmergedAncestry(ctx context.Context, c *change.Change) ([]change.ID, error) {
	ps, err := change.CurrentPatchSet(ctx, m.store, c)
	if err != nil {
		return nil, err
	}
	repo, err := m.repos.OpenRepo(c.Dest.Project)
	if err != nil {
		return nil, err
	}
	tip, err := repo.ResolveRef(c.Dest.Ref)
	if err != nil {
		return nil, err
	}
	w := repo.NewDryRunInserter().NewRevWalk()
	w.MarkStart(ps.Commit)
	w.MarkUninteresting(tip)
	commits, err := w.Commits()
	if err != nil {
		return nil, fmt.Errorf("walking %s of change %d: %w", ps.Commit, c.ID, err)
	}

	var ids []change.ID
	for _, commit := range commits {
		if commit.Hash == ps.Commit {
			ids = append(ids, c.ID)
			continue
		}
		found, err := m.store.ByCommit(ctx, c.Dest.Project, commit.Hash)
		if err != nil {
			return nil, err
		}
		var owners []*change.Change
		for _, o := range found {
			if o.Status.IsOpen() && o.Dest == c.Dest {
				owners = append(owners, o)
			}
		}
		switch len(owners) {
		case 0:
			return nil, fmt.Errorf("unable to find dependency %s of change %d", commit.Hash, c.ID)
		case 1:
			ids = append(ids, owners[0].ID)
		default:
			return nil, fmt.Errorf("duplicate changes for commit %s", commit.Hash)
		}
	}
	m.logger.DebugContext(ctx, "completed change ancestry", "change", c.ID, "branch", c.Dest.String(), "count", len(ids))
	return ids, nil
}
