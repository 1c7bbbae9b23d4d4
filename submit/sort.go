package submit

import (
	"slices"

	"msrl.dev/git-submit/repository"
)

// sorter orders the commits being integrated. A commit whose history
// reaches a commit that is neither accepted nor incoming is missing a
// dependency.
type sorter struct {
	walk *repository.RevWalk
	// accepted commits and their history are already on some branch.
	accepted []string
	incoming map[string]*CodeReviewCommit
}

func newSorter(walk *repository.RevWalk, accepted []string, incoming []*CodeReviewCommit) *sorter {
	s := &sorter{walk: walk, accepted: accepted, incoming: make(map[string]*CodeReviewCommit, len(incoming))}
	for _, c := range incoming {
		s.incoming[c.Hash] = c
	}
	return s
}

// contents returns the unaccepted history of n, children first, or ok
// false when it reaches a commit that is not incoming.
func (s *sorter) contents(n *CodeReviewCommit) (contents []*CodeReviewCommit, ok bool, err error) {
	s.walk.Reset()
	s.walk.Sort(repository.SortTopo)
	s.walk.MarkStart(n.Hash)
	s.walk.MarkUninteresting(s.accepted...)
	commits, err := s.walk.Commits()
	if err != nil {
		return nil, false, err
	}
	for _, c := range commits {
		in, found := s.incoming[c.Hash]
		if !found {
			return nil, false, nil
		}
		contents = append(contents, in)
	}
	return contents, true, nil
}

// heads reduces toSort to the commits whose merge brings in all of the
// others. Commits with missing dependencies are returned separately.
func (s *sorter) heads(toSort []*CodeReviewCommit) (heads, missing []*CodeReviewCommit, err error) {
	pending := make(map[string]bool, len(toSort))
	for _, c := range toSort {
		pending[c.Hash] = true
	}
	isHead := make(map[string]bool)
	for _, n := range byChange(toSort) {
		if !pending[n.Hash] {
			continue
		}
		delete(pending, n.Hash)
		contents, ok, err := s.contents(n)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			missing = append(missing, n)
			continue
		}
		// Merging n merges its history too.
		for _, c := range contents {
			delete(pending, c.Hash)
			delete(isHead, c.Hash)
		}
		isHead[n.Hash] = true
	}
	for _, c := range toSort {
		if isHead[c.Hash] {
			heads = append(heads, c)
			delete(isHead, c.Hash)
		}
	}
	return byChange(heads), missing, nil
}

// topo orders toSort parents first, for strategies that integrate one
// commit at a time. Commits with missing dependencies are returned
// separately.
func (s *sorter) topo(toSort []*CodeReviewCommit) (sorted, missing []*CodeReviewCommit, err error) {
	pending := make(map[string]bool, len(toSort))
	for _, c := range toSort {
		pending[c.Hash] = true
	}
	for _, n := range byChange(toSort) {
		if !pending[n.Hash] {
			continue
		}
		delete(pending, n.Hash)
		contents, ok, err := s.contents(n)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			missing = append(missing, n)
			continue
		}
		slices.Reverse(contents)
		placed := make(map[string]bool, len(contents))
		for _, c := range contents {
			delete(pending, c.Hash)
			placed[c.Hash] = true
		}
		sorted = slices.DeleteFunc(sorted, func(c *CodeReviewCommit) bool { return placed[c.Hash] })
		sorted = append(sorted, contents...)
	}
	return sorted, missing, nil
}

// hasMissingDependencies reports whether integrating n alone would bring in
// commits that are not being submitted.
func (s *sorter) hasMissingDependencies(n *CodeReviewCommit) (bool, error) {
	_, missing, err := s.heads([]*CodeReviewCommit{n})
	return len(missing) > 0, err
}
