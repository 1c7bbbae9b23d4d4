package submit

import (
	"fmt"
	"slices"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/repository"
)

// CodeReviewCommit is a commit being submitted together with the patch set
// it belongs to.
type CodeReviewCommit struct {
	*repository.CommitDetails
	Change   *change.Change
	PatchSet *change.PatchSet
}

// byChange orders commits by change id, the order in which changes are
// picked.
func byChange(commits []*CodeReviewCommit) []*CodeReviewCommit {
	out := slices.Clone(commits)
	slices.SortStableFunc(out, func(a, b *CodeReviewCommit) int {
		return int(a.Change.ID) - int(b.Change.ID)
	})
	return out
}

// CommitStatus is the outcome table of one submission. Every commit gets at
// most one status.
type CommitStatus struct {
	commits  map[string]*CodeReviewCommit
	byChange map[change.ID]*CodeReviewCommit
	status   map[string]MergeStatus
	problems map[change.ID]string
	order    []change.ID
}

// NewCommitStatus returns an empty table.
func NewCommitStatus() *CommitStatus {
	return &CommitStatus{
		commits:  make(map[string]*CodeReviewCommit),
		byChange: make(map[change.ID]*CodeReviewCommit),
		status:   make(map[string]MergeStatus),
		problems: make(map[change.ID]string),
	}
}

// Add registers a commit as part of the submission.
func (s *CommitStatus) Add(c *CodeReviewCommit) {
	s.commits[c.Hash] = c
	if _, ok := s.byChange[c.Change.ID]; !ok {
		s.order = append(s.order, c.Change.ID)
	}
	s.byChange[c.Change.ID] = c
}

// Commit returns the submitted commit with the given hash, or nil.
func (s *CommitStatus) Commit(hash string) *CodeReviewCommit {
	return s.commits[hash]
}

// ForChange returns the commit submitted for change id, or nil.
func (s *CommitStatus) ForChange(id change.ID) *CodeReviewCommit {
	return s.byChange[id]
}

// Changes returns the changes with a submitted commit, in the order added.
func (s *CommitStatus) Changes() []change.ID {
	return slices.Clone(s.order)
}

// Set records the outcome of a commit. Setting a second outcome is an
// error.
func (s *CommitStatus) Set(hash string, st MergeStatus) error {
	if old, ok := s.status[hash]; ok {
		return fmt.Errorf("status of commit %s already set to %s, cannot set %s", hash, old, st)
	}
	s.status[hash] = st
	return nil
}

// setIfUnset records st unless the commit already has an outcome.
func (s *CommitStatus) setIfUnset(hash string, st MergeStatus) {
	if _, ok := s.status[hash]; !ok {
		s.status[hash] = st
	}
}

// Status returns the outcome of a commit.
func (s *CommitStatus) Status(hash string) (MergeStatus, bool) {
	st, ok := s.status[hash]
	return st, ok
}

// ChangeStatus returns the outcome of the commit submitted for change id.
func (s *CommitStatus) ChangeStatus(id change.ID) (MergeStatus, bool) {
	c := s.byChange[id]
	if c == nil {
		return 0, false
	}
	return s.Status(c.Hash)
}

// Problem records why a change cannot be submitted.
func (s *CommitStatus) Problem(id change.ID, msg string) {
	if _, ok := s.problems[id]; !ok {
		s.problems[id] = msg
	}
}

// Problems returns the recorded problems by change.
func (s *CommitStatus) Problems() map[change.ID]string {
	out := make(map[change.ID]string, len(s.problems))
	for id, msg := range s.problems {
		out[id] = msg
	}
	return out
}

// MergeTip is the moving branch tip of one integration, along with the
// commit each rewritten commit landed as.
type MergeTip struct {
	initial string
	current string
	landed  map[string]string
}

// NewMergeTip starts at initial, which may be "" for an unborn branch.
func NewMergeTip(initial string) *MergeTip {
	return &MergeTip{initial: initial, current: initial, landed: make(map[string]string)}
}

// Initial returns the branch tip before integration.
func (t *MergeTip) Initial() string {
	return t.initial
}

// Current returns the tip after the integrations so far.
func (t *MergeTip) Current() string {
	return t.current
}

// MoveTo advances the tip.
func (t *MergeTip) MoveTo(tip string) {
	t.current = tip
}

// Rewrote records that toMerge landed as a different commit.
func (t *MergeTip) Rewrote(toMerge, as string) {
	t.landed[toMerge] = as
}

// Landed returns the commit toMerge landed as. Commits merged without being
// rewritten land as themselves.
func (t *MergeTip) Landed(toMerge string) string {
	if h, ok := t.landed[toMerge]; ok {
		return h
	}
	return toMerge
}
