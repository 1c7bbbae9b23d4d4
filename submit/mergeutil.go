package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/project"
	"msrl.dev/git-submit/repository"
)

const maxSummarizedChanges = 5

// integration is the state shared by the strategies integrating commits
// into one branch during one submission.
type integration struct {
	ctx     context.Context
	ins     *repository.Inserter
	walk    *repository.RevWalk
	dest    change.Branch
	project *project.Config
	tip     *MergeTip
	commits *CommitStatus

	// incoming is the bucket being integrated.
	incoming []*CodeReviewCommit

	// accepted are the branch heads of the repository when the submission
	// started.
	accepted []string

	caller repository.Signature
	server repository.Signature

	store   change.Store
	siteURL string
	labels  map[string]bool
	logger  *slog.Logger
}

func (a *integration) merger() *repository.Merger {
	return a.ins.NewMerger(a.project.MergeStrategy())
}

// sorter returns a sorter for incoming that treats the current tip as
// accepted.
func (a *integration) sorter(incoming []*CodeReviewCommit) *sorter {
	accepted := a.accepted
	if cur := a.tip.Current(); cur != "" {
		accepted = append(slices.Clone(accepted), cur)
	}
	return newSorter(a.walk, accepted, incoming)
}

// reduceToMinimalMerge returns the heads of toMerge in change order and
// marks the commits whose dependencies are not being submitted.
func (a *integration) reduceToMinimalMerge(toMerge []*CodeReviewCommit) ([]*CodeReviewCommit, error) {
	heads, missing, err := a.sorter(toMerge).heads(toMerge)
	if err != nil {
		return nil, fmt.Errorf("sorting branch heads: %w", err)
	}
	for _, n := range missing {
		if err := a.commits.Set(n.Hash, MissingDependency); err != nil {
			return nil, err
		}
	}
	return heads, nil
}

func (a *integration) isMergedInto(base, tip string) (bool, error) {
	return a.walk.IsMergedInto(base, tip)
}

// firstFastForward moves the tip to the first head that descends from it
// and returns the remaining heads.
func (a *integration) firstFastForward(heads []*CodeReviewCommit) ([]*CodeReviewCommit, error) {
	tip := a.tip.Current()
	for i, n := range heads {
		ff := tip == ""
		if !ff {
			var err error
			if ff, err = a.isMergedInto(tip, n.Hash); err != nil {
				return nil, fmt.Errorf("fast-forward test of %s: %w", n.Hash, err)
			}
		}
		if ff {
			a.tip.MoveTo(n.Hash)
			return append(heads[:i:i], heads[i+1:]...), nil
		}
	}
	return heads, nil
}

func statusForNoMergeBase(reason repository.NoMergeBaseReason) MergeStatus {
	if reason == repository.ConflictsDuringMergeBaseCalculation {
		return PathConflict
	}
	return ManualRecursiveMerge
}

// mergeOneCommit merges n into the tip with a merge commit. When the merge
// fails every submitted commit it would have brought in is marked.
func (a *integration) mergeOneCommit(n *CodeReviewCommit) error {
	tip := a.tip.Current()
	tree, err := a.merger().Merge(tip, n.Hash)
	if err != nil {
		var nmb *repository.NoMergeBaseError
		switch {
		case errors.As(err, &nmb):
			return a.failed(n, statusForNoMergeBase(nmb.Reason))
		case repository.IsMergeConflict(err):
			return a.failed(n, PathConflict)
		}
		return fmt.Errorf("merging %s into %s: %w", n.Hash, tip, err)
	}
	merged, err := a.writeMergeCommit(tree, n)
	if err != nil {
		return err
	}
	a.tip.MoveTo(merged)
	return nil
}

func (a *integration) failed(n *CodeReviewCommit, st MergeStatus) error {
	a.walk.Reset()
	a.walk.Sort(repository.SortTopo)
	a.walk.MarkStart(n.Hash)
	a.walk.MarkUninteresting(a.tip.Current())
	commits, err := a.walk.Commits()
	if err != nil {
		return err
	}
	for _, c := range commits {
		if a.commits.Commit(c.Hash) != nil {
			a.commits.setIfUnset(c.Hash, st)
		}
	}
	a.logger.DebugContext(a.ctx, "merge failed", "branch", a.dest.String(), "commit", n.Hash, "status", st.String())
	return nil
}

// mergedBy returns the submitted commits that merging n brings in, newest
// first.
func (a *integration) mergedBy(n *CodeReviewCommit) ([]*CodeReviewCommit, error) {
	a.walk.Reset()
	a.walk.Sort(repository.SortNone)
	a.walk.MarkStart(n.Hash)
	a.walk.MarkUninteresting(a.tip.Current())
	commits, err := a.walk.Commits()
	if err != nil {
		return nil, err
	}
	var merged []*CodeReviewCommit
	for _, c := range commits {
		if crc := a.commits.Commit(c.Hash); crc != nil {
			merged = append(merged, crc)
		}
	}
	return merged, nil
}

func (a *integration) writeMergeCommit(tree string, n *CodeReviewCommit) (string, error) {
	merged, err := a.mergedBy(n)
	if err != nil {
		return "", err
	}
	var msg strings.Builder
	msg.WriteString(summarize(merged))
	if a.dest.Ref != repository.MasterRef {
		msg.WriteString(" into ")
		msg.WriteString(a.dest.ShortName())
	}
	if len(merged) > 1 {
		msg.WriteString("\n\n* changes:\n")
		for _, c := range merged {
			msg.WriteString("  ")
			msg.WriteString(c.Subject())
			msg.WriteString("\n")
		}
	} else {
		msg.WriteString("\n")
	}
	return a.ins.InsertCommit(&repository.CommitDetails{
		Author:    a.caller,
		Committer: a.server,
		Tree:      tree,
		Parents:   []string{a.tip.Current(), n.Hash},
		Message:   msg.String(),
	})
}

// summarize returns the subject of a merge commit bringing in merged.
func summarize(merged []*CodeReviewCommit) string {
	if len(merged) == 1 {
		return `Merge "` + merged[0].Subject() + `"`
	}
	var topics []string
	for _, c := range merged {
		if c.Change.Topic != "" {
			topics = append(topics, "'"+c.Change.Topic+"'")
		}
	}
	slices.Sort(topics)
	topics = slices.Compact(topics)
	if len(topics) > 0 {
		plural := ""
		if len(topics) > 1 {
			plural = "s"
		}
		return fmt.Sprintf("Merge changes from topic%s %s", plural, strings.Join(topics, ", "))
	}
	var keys []string
	for i, c := range merged {
		if i == maxSummarizedChanges {
			break
		}
		keys = append(keys, c.Change.Key.Abbreviate())
	}
	s := "Merge changes " + strings.Join(keys, ",")
	if len(merged) > maxSummarizedChanges {
		s += ", ..."
	}
	return s
}

// markCleanMerges marks every submitted commit newly reachable from tip as
// cleanly merged, unless it already has an outcome.
func markCleanMerges(walk *repository.RevWalk, commits *CommitStatus, tip string, accepted []string) error {
	if tip == "" {
		// Nothing landed on an unborn branch.
		return nil
	}
	walk.Reset()
	walk.Sort(repository.SortTopo | repository.SortReverse)
	walk.MarkStart(tip)
	for _, c := range accepted {
		// A submitted commit may already head another branch.
		if c != tip && commits.Commit(c) == nil {
			walk.MarkUninteresting(c)
		}
	}
	landed, err := walk.Commits()
	if err != nil {
		return fmt.Errorf("marking clean merges: %w", err)
	}
	for _, c := range landed {
		if commits.Commit(c.Hash) != nil {
			commits.setIfUnset(c.Hash, CleanMerge)
		}
	}
	return nil
}

// canFastForward reports whether n and tip are on one line of history.
func canFastForward(s *sorter, tip string, n *CodeReviewCommit) (bool, error) {
	if missing, err := s.hasMissingDependencies(n); err != nil || missing {
		return false, err
	}
	if tip == "" {
		return true, nil
	}
	if ok, err := s.walk.IsMergedInto(tip, n.Hash); err != nil || ok {
		return ok, err
	}
	return s.walk.IsMergedInto(n.Hash, tip)
}

// canMerge reports whether n merges into tip without conflicts.
func canMerge(s *sorter, strategy repository.MergeStrategy, tip string, n *CodeReviewCommit) (bool, error) {
	if missing, err := s.hasMissingDependencies(n); err != nil || missing {
		return false, err
	}
	_, err := s.walk.Inserter().NewMerger(strategy).Merge(tip, n.Hash)
	var nmb *repository.NoMergeBaseError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &nmb), repository.IsMergeConflict(err):
		return false, nil
	}
	return false, fmt.Errorf("cannot merge %s: %w", n.Hash, err)
}

// canCherryPick reports whether n can be picked onto tip.
func canCherryPick(s *sorter, strategy repository.MergeStrategy, tip string, n *CodeReviewCommit) (bool, error) {
	switch {
	case tip == "":
		return true, nil
	case len(n.Parents) == 0:
		return false, nil
	case len(n.Parents) == 1:
		_, err := s.walk.Inserter().NewMerger(strategy).MergeWithBase(n.Parents[0], tip, n.Hash)
		if err == nil {
			return true, nil
		}
		if repository.IsMergeConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("cannot merge commit %s with merge tip %s: %w", n.Hash, tip, err)
	}
	// Merge commits are merged instead of picked.
	if ok, err := canFastForward(s, tip, n); err != nil || ok {
		return ok, err
	}
	return canMerge(s, strategy, tip, n)
}

// cherryPickMessage returns n's message with review trailers appended.
func (a *integration) cherryPickMessage(n *CodeReviewCommit) (string, error) {
	msg := n.Message
	if msg == "" {
		msg = "<no commit message provided>"
	}
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	footers := parseFooters(msg)
	var b strings.Builder
	b.WriteString(msg)
	if len(footers) == 0 {
		b.WriteString("\n")
	}
	if key := string(n.Change.Key); !hasFooter(footers, footerChangeID, key) {
		fmt.Fprintf(&b, "%s: %s\n", footerChangeID, key)
	}
	if url := changeURL(a.siteURL, n.Change); url != "" && !hasFooter(footers, footerReviewedOn, url) {
		fmt.Fprintf(&b, "%s: %s\n", footerReviewedOn, url)
	}

	approvals, err := a.store.Approvals(a.ctx, n.PatchSet.ID)
	if err != nil {
		// Trailers are best effort.
		a.logger.WarnContext(a.ctx, "reading approvals", "change", n.Change.ID, "error", err)
		approvals = nil
	}
	sort.SliceStable(approvals, func(i, j int) bool {
		return approvals[i].Granted.Before(approvals[j].Granted)
	})
	written := make(map[string]bool)
	for _, ap := range approvals {
		if ap.Value <= 0 || ap.Label == change.SubmitLabel {
			continue
		}
		tag := a.footerTag(ap.Label)
		if tag == "" {
			continue
		}
		acc, err := a.store.Account(a.ctx, ap.Account)
		if errors.Is(err, change.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		if acc.Email != "" && (acc.Email == n.Author.Email || isSignedOffBy(footers, acc.Email)) {
			continue
		}
		if acc.FullName == "" && acc.Email == "" {
			continue
		}
		ident := acc.NameEmail()
		line := tag + ": " + ident
		if written[line] || hasFooter(footers, tag, ident) {
			continue
		}
		written[line] = true
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (a *integration) footerTag(label string) string {
	switch {
	case strings.EqualFold(label, change.CodeReview):
		return "Reviewed-by"
	case strings.EqualFold(label, change.Verified):
		return "Tested-by"
	case a.labels[label]:
		return strings.ReplaceAll(label, " ", "-")
	}
	return ""
}

// changeURL returns the web address of a change, or "" without a site URL.
func changeURL(siteURL string, c *change.Change) string {
	if siteURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/c/%s/+/%d", strings.TrimSuffix(siteURL, "/"), c.Dest.Project, c.ID)
}
