// Package groups assigns group labels to new commits so that patch sets on
// the same line of development can be found together.
//
// Commits are visited parents first. A commit with no visited parent starts
// a group named after itself; a commit with one visited parent inherits its
// groups. A merge of several visited parents keeps the groups anchored to
// existing patch sets, or else picks one of the new groups, and records the
// other groups as aliases of the result.
package groups

import (
	"context"
	"log/slog"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/repository"
)

// Lookup returns the stored groups of an existing patch set, or nil if it
// has none.
type Lookup func(ctx context.Context, id change.PatchSetID) ([]string, error)

// StoreLookup reads patch set groups from a change store.
func StoreLookup(s change.Store) Lookup {
	return func(ctx context.Context, id change.PatchSetID) ([]string, error) {
		ps, err := s.PatchSet(ctx, id)
		if err != nil {
			return nil, err
		}
		return ps.Groups, nil
	}
}

// DefaultGroups is the group set of a commit nothing else is known about.
func DefaultGroups(commit string) []string {
	return []string{commit}
}

// Collector computes groups for commits visited in parents-first order.
type Collector struct {
	patchSetsByCommit map[string][]change.PatchSetID
	lookup            Lookup
	logger            *slog.Logger

	order   []string
	groups  map[string][]string
	aliases map[string][]string
}

// NewCollector returns a Collector. patchSetsByCommit maps commits to the
// existing patch sets at them.
func NewCollector(patchSetsByCommit map[string][]change.PatchSetID, lookup Lookup) *Collector {
	return &Collector{
		patchSetsByCommit: patchSetsByCommit,
		lookup:            lookup,
		logger:            slog.Default(),
		groups:            make(map[string][]string),
		aliases:           make(map[string][]string),
	}
}

// SetLogger replaces the default logger.
func (c *Collector) SetLogger(l *slog.Logger) {
	c.logger = l
}

func (c *Collector) isFromExistingPatchSet(group string) bool {
	if !plumbing.IsHash(group) {
		return false
	}
	return len(c.patchSetsByCommit[group]) > 0
}

// Visit assigns candidate groups to commit. Every visited parent of commit
// must have been visited before it.
func (c *Collector) Visit(commit *repository.CommitDetails) {
	if _, ok := c.groups[commit.Hash]; ok {
		return
	}
	var interesting []string
	for _, p := range commit.Parents {
		if _, ok := c.groups[p]; ok {
			interesting = append(interesting, p)
		}
	}

	var mine []string
	switch len(interesting) {
	case 0:
		mine = DefaultGroups(commit.Hash)
	case 1:
		mine = append([]string(nil), c.groups[interesting[0]]...)
	default:
		anchored := make(map[string]bool)
		fresh := make(map[string]bool)
		for _, p := range interesting {
			for _, g := range c.groups[p] {
				if c.isFromExistingPatchSet(g) {
					anchored[g] = true
				} else {
					fresh[g] = true
				}
			}
		}
		freshSorted := sortedKeys(fresh)
		var toAlias []string
		if len(anchored) == 0 {
			mine = freshSorted[:1]
			toAlias = freshSorted[1:]
		} else {
			mine = sortedKeys(anchored)
			toAlias = freshSorted
		}
		for _, g := range toAlias {
			c.aliases[g] = appendUnique(c.aliases[g], mine...)
		}
	}
	c.groups[commit.Hash] = mine
	c.order = append(c.order, commit.Hash)
}

// Groups resolves aliases and returns the groups of every visited commit.
func (c *Collector) Groups(ctx context.Context) (map[string][]string, error) {
	if cyc := c.aliasCycle(); cyc != "" {
		c.logger.WarnContext(ctx, "cyclic group aliases", "group", cyc)
	}
	out := make(map[string][]string, len(c.groups))
	for _, commit := range c.order {
		resolved, err := c.resolveGroups(ctx, commit, c.groups[commit])
		if err != nil {
			return nil, err
		}
		out[commit] = resolved
	}
	return out, nil
}

func (c *Collector) resolveGroups(ctx context.Context, commit string, candidates []string) ([]string, error) {
	actual := make(map[string]bool)
	done := make(map[string]bool)
	queue := append([]string(nil), candidates...)
	for len(queue) > 0 {
		g := queue[0]
		queue = queue[1:]
		if done[g] {
			continue
		}
		done[g] = true
		if targets, ok := c.aliases[g]; ok {
			queue = append(queue, targets...)
			continue
		}
		resolved, err := c.resolveGroup(ctx, g)
		if err != nil {
			return nil, err
		}
		for _, r := range resolved {
			actual[r] = true
		}
	}
	if len(actual) == 0 {
		c.logger.WarnContext(ctx, "group aliases did not resolve", "commit", commit)
		return sortedUnique(candidates), nil
	}
	return sortedKeys(actual), nil
}

// resolveGroup maps a group named after an existing patch set's commit to
// that patch set's stored groups.
func (c *Collector) resolveGroup(ctx context.Context, group string) ([]string, error) {
	if !c.isFromExistingPatchSet(group) {
		return []string{group}, nil
	}
	for _, id := range c.patchSetsByCommit[group] {
		stored, err := c.lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(stored) > 0 {
			return stored, nil
		}
	}
	return []string{group}, nil
}

// aliasCycle returns a group on a cycle of the alias graph, or "".
func (c *Collector) aliasCycle() string {
	const (
		unseen = iota
		active
		finished
	)
	state := make(map[string]int)
	var visit func(g string) string
	visit = func(g string) string {
		switch state[g] {
		case active:
			return g
		case finished:
			return ""
		}
		state[g] = active
		for _, t := range c.aliases[g] {
			if cyc := visit(t); cyc != "" {
				return cyc
			}
		}
		state[g] = finished
		return ""
	}
	for _, g := range sortedKeys(keysOf(c.aliases)) {
		if cyc := visit(g); cyc != "" {
			return cyc
		}
	}
	return ""
}

// Collect visits the commits of walk parents first and returns their groups.
func Collect(ctx context.Context, walk *repository.RevWalk, c *Collector) (map[string][]string, error) {
	walk.Sort(repository.SortTopo | repository.SortReverse)
	commits, err := walk.Commits()
	if err != nil {
		return nil, err
	}
	for _, commit := range commits {
		c.Visit(commit)
	}
	return c.Groups(ctx)
}

func keysOf(m map[string][]string) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedUnique(in []string) []string {
	set := make(map[string]bool, len(in))
	for _, s := range in {
		set[s] = true
	}
	return sortedKeys(set)
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		found := false
		for _, l := range list {
			if l == it {
				found = true
				break
			}
		}
		if !found {
			list = append(list, it)
		}
	}
	return list
}
