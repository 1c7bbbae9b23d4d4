package submit

import (
	"fmt"

	"msrl.dev/git-submit/project"
	"msrl.dev/git-submit/repository"
)

// integrate lands commits on the merge tip with the given submit type and
// records an outcome for each of them.
func integrate(a *integration, kind project.SubmitType, commits []*CodeReviewCommit) error {
	a.incoming = commits
	var err error
	switch kind {
	case project.FastForwardOnly:
		err = fastForwardOnly(a, commits)
	case project.MergeIfNecessary:
		err = mergeIfNecessary(a, commits)
	case project.MergeAlways:
		err = mergeAlways(a, commits)
	case project.CherryPick:
		err = cherryPick(a, commits)
	case project.RebaseIfNecessary:
		err = rebaseIfNecessary(a, commits)
	default:
		for _, c := range commits {
			a.commits.setIfUnset(c.Hash, NoSubmitType)
		}
		return nil
	}
	if err != nil {
		return err
	}
	return markCleanMerges(a.walk, a.commits, a.tip.Current(), a.accepted)
}

func fastForwardOnly(a *integration, commits []*CodeReviewCommit) error {
	heads, err := a.reduceToMinimalMerge(commits)
	if err != nil {
		return err
	}
	rest, err := a.firstFastForward(heads)
	if err != nil {
		return err
	}
	for _, n := range rest {
		if err := a.commits.Set(n.Hash, NotFastForward); err != nil {
			return err
		}
	}
	return nil
}

func mergeIfNecessary(a *integration, commits []*CodeReviewCommit) error {
	heads, err := a.reduceToMinimalMerge(commits)
	if err != nil {
		return err
	}
	rest, err := a.firstFastForward(heads)
	if err != nil {
		return err
	}
	return mergeHeads(a, rest)
}

func mergeAlways(a *integration, commits []*CodeReviewCommit) error {
	heads, err := a.reduceToMinimalMerge(commits)
	if err != nil {
		return err
	}
	if a.tip.Current() == "" && len(heads) > 0 {
		a.tip.MoveTo(heads[0].Hash)
		heads = heads[1:]
	}
	return mergeHeads(a, heads)
}

func mergeHeads(a *integration, heads []*CodeReviewCommit) error {
	for _, n := range heads {
		merged, err := a.isMergedInto(n.Hash, a.tip.Current())
		if err != nil {
			return err
		}
		if merged {
			continue
		}
		if err := a.mergeOneCommit(n); err != nil {
			return err
		}
	}
	return nil
}

func cherryPick(a *integration, commits []*CodeReviewCommit) error {
	for _, n := range byChange(commits) {
		if _, done := a.commits.Status(n.Hash); done {
			continue
		}
		tip := a.tip.Current()
		switch {
		case tip == "":
			a.tip.MoveTo(n.Hash)
			if err := a.commits.Set(n.Hash, CleanMerge); err != nil {
				return err
			}
		case len(n.Parents) == 0:
			if err := a.commits.Set(n.Hash, CannotCherryPickRoot); err != nil {
				return err
			}
		case len(n.Parents) == 1:
			if err := pickOne(a, n, tip); err != nil {
				return err
			}
		default:
			if err := mergeMultipleParents(a, n); err != nil {
				return err
			}
		}
	}
	return nil
}

func pickOne(a *integration, n *CodeReviewCommit, tip string) error {
	tree, err := a.merger().MergeWithBase(n.Parents[0], tip, n.Hash)
	if repository.IsMergeConflict(err) {
		return a.commits.Set(n.Hash, PathConflict)
	}
	if err != nil {
		return fmt.Errorf("cherry-picking %s onto %s: %w", n.Hash, tip, err)
	}
	current, err := a.walk.Parse(tip)
	if err != nil {
		return err
	}
	if tree == current.Tree {
		a.tip.Rewrote(n.Hash, tip)
		return a.commits.Set(n.Hash, SkippedIdenticalTree)
	}
	msg, err := a.cherryPickMessage(n)
	if err != nil {
		return err
	}
	picked, err := a.ins.InsertCommit(&repository.CommitDetails{
		Author:    n.Author,
		Committer: a.caller,
		Tree:      tree,
		Parents:   []string{tip},
		Message:   msg,
	})
	if err != nil {
		return err
	}
	a.tip.MoveTo(picked)
	a.tip.Rewrote(n.Hash, picked)
	return a.commits.Set(n.Hash, CleanPick)
}

func rebaseIfNecessary(a *integration, commits []*CodeReviewCommit) error {
	sorted, missing, err := a.sorter(commits).topo(commits)
	if err != nil {
		return fmt.Errorf("sorting commits: %w", err)
	}
	for _, n := range missing {
		if err := a.commits.Set(n.Hash, MissingDependency); err != nil {
			return err
		}
	}
	for _, n := range sorted {
		if _, done := a.commits.Status(n.Hash); done {
			continue
		}
		if failedParent(a, n) {
			if err := a.commits.Set(n.Hash, MissingDependency); err != nil {
				return err
			}
			continue
		}
		tip := a.tip.Current()
		switch {
		case tip == "":
			a.tip.MoveTo(n.Hash)
			if err := a.commits.Set(n.Hash, CleanMerge); err != nil {
				return err
			}
		case len(n.Parents) == 0:
			if err := a.commits.Set(n.Hash, CannotRebaseRoot); err != nil {
				return err
			}
		case len(n.Parents) == 1:
			if err := rebaseOne(a, n, tip); err != nil {
				return err
			}
		default:
			if err := mergeMultipleParents(a, n); err != nil {
				return err
			}
		}
	}
	return nil
}

// failedParent reports whether a parent of n is being submitted but did not
// land.
func failedParent(a *integration, n *CodeReviewCommit) bool {
	for _, p := range n.Parents {
		if st, ok := a.commits.Status(p); ok && !st.IsClean() {
			return true
		}
	}
	return false
}

func rebaseOne(a *integration, n *CodeReviewCommit, tip string) error {
	ff := n.Parents[0] == tip
	if !ff {
		var err error
		if ff, err = a.isMergedInto(tip, n.Hash); err != nil {
			return err
		}
	}
	if ff {
		a.tip.MoveTo(n.Hash)
		return a.commits.Set(n.Hash, CleanMerge)
	}
	return rebaseOnto(a, n, tip)
}

func rebaseOnto(a *integration, n *CodeReviewCommit, tip string) error {
	tree, err := a.merger().MergeWithBase(n.Parents[0], tip, n.Hash)
	if repository.IsMergeConflict(err) {
		return a.commits.Set(n.Hash, PathConflict)
	}
	if err != nil {
		return fmt.Errorf("rebasing %s onto %s: %w", n.Hash, tip, err)
	}
	rebased, err := a.ins.InsertCommit(&repository.CommitDetails{
		Author:    n.Author,
		Committer: a.caller,
		Tree:      tree,
		Parents:   []string{tip},
		Message:   n.Message,
	})
	if err != nil {
		return err
	}
	a.tip.MoveTo(rebased)
	a.tip.Rewrote(n.Hash, rebased)
	return a.commits.Set(n.Hash, CleanRebase)
}

// mergeMultipleParents integrates a merge commit the way MergeIfNecessary
// would.
func mergeMultipleParents(a *integration, n *CodeReviewCommit) error {
	missing, err := a.sorter(a.incoming).hasMissingDependencies(n)
	if err != nil {
		return err
	}
	if missing {
		return a.commits.Set(n.Hash, MissingDependency)
	}
	tip := a.tip.Current()
	ff, err := a.isMergedInto(tip, n.Hash)
	if err != nil {
		return err
	}
	if ff {
		a.tip.MoveTo(n.Hash)
		return nil
	}
	merged, err := a.isMergedInto(n.Hash, tip)
	if err != nil || merged {
		return err
	}
	return a.mergeOneCommit(n)
}

// mergeable reports whether n alone could be integrated at tip with the
// given submit type.
func mergeable(s *sorter, kind project.SubmitType, strategy repository.MergeStrategy, tip string, n *CodeReviewCommit) (bool, error) {
	if tip == "" {
		return true, nil
	}
	switch kind {
	case project.FastForwardOnly:
		return canFastForward(s, tip, n)
	case project.MergeIfNecessary:
		if ok, err := canFastForward(s, tip, n); err != nil || ok {
			return ok, err
		}
		return canMerge(s, strategy, tip, n)
	case project.MergeAlways:
		return canMerge(s, strategy, tip, n)
	case project.CherryPick:
		return canCherryPick(s, strategy, tip, n)
	case project.RebaseIfNecessary:
		if ok, err := canFastForward(s, tip, n); err != nil || ok {
			return ok, err
		}
		if missing, err := s.hasMissingDependencies(n); err != nil || missing {
			return false, err
		}
		return canCherryPick(s, strategy, tip, n)
	}
	return false, fmt.Errorf("no submit type set for %s", n.Hash)
}
