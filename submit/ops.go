package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/events"
	"msrl.dev/git-submit/notesbranch"
	"msrl.dev/git-submit/project"
	"msrl.dev/git-submit/repository"
	"msrl.dev/git-submit/update"
)

// branchOp validates and integrates the submitted changes of one branch
// during the repository phase of its batch.
type branchOp struct {
	update.BaseOp
	m            *MergeOp
	dest         change.Branch
	project      *project.Config
	changes      []*change.Change
	caller       *change.Account
	submissionID string
	logger       *slog.Logger

	commits *CommitStatus
	tip     *MergeTip
	// early holds the outcome of changes rejected before a commit could be
	// looked up.
	early map[change.ID]MergeStatus
	// current is the patch set an already merged change lands with.
	current      map[change.ID]int
	newPatchSets map[change.ID]*change.PatchSet
	landed       map[change.ID]string
}

func (op *branchOp) statusOf(id change.ID) (MergeStatus, bool) {
	if st, ok := op.early[id]; ok {
		return st, true
	}
	if op.commits == nil {
		return 0, false
	}
	return op.commits.ChangeStatus(id)
}

func (op *branchOp) callerSignature(when time.Time) repository.Signature {
	if op.caller == nil {
		return op.m.serverIdent(when)
	}
	return op.caller.Signature(when)
}

func (op *branchOp) submitType(ctx context.Context, c *change.Change) (project.SubmitType, bool) {
	if op.m.deps.Rules == nil {
		return op.project.SubmitType, true
	}
	t, err := op.m.deps.Rules.SubmitType(ctx, c)
	if err != nil {
		op.logger.WarnContext(ctx, "no submit type", "change", c.ID, "error", err)
		return 0, false
	}
	return t, true
}

func (op *branchOp) UpdateRepo(ctx context.Context, rc *update.RepoContext) error {
	store := op.m.deps.Store
	ins := rc.Inserter()
	walk := ins.NewRevWalk()

	initial, err := rc.Repo.ResolveRef(op.dest.Ref)
	if err != nil {
		return err
	}
	accepted, err := acceptedTips(rc.Repo, initial)
	if err != nil {
		return err
	}
	op.commits = NewCommitStatus()
	op.tip = NewMergeTip(initial)

	buckets := make(map[project.SubmitType][]*CodeReviewCommit)
	for _, c := range op.changes {
		n, err := op.validate(ctx, rc, walk, c, initial)
		if err != nil {
			return err
		}
		if n == nil {
			continue
		}
		if _, done := op.commits.Status(n.Hash); done {
			continue
		}
		kind, ok := op.submitType(ctx, c)
		if !ok {
			if err := op.commits.Set(n.Hash, NoSubmitType); err != nil {
				return err
			}
			continue
		}
		buckets[kind] = append(buckets[kind], n)
	}

	labels := make(map[string]bool)
	for _, l := range op.m.deps.Config.Labels {
		labels[l.Name] = true
	}
	a := &integration{
		ctx:      ctx,
		ins:      ins,
		walk:     walk,
		dest:     op.dest,
		project:  op.project,
		tip:      op.tip,
		commits:  op.commits,
		accepted: accepted,
		caller:   op.callerSignature(rc.When),
		server:   op.m.serverIdent(rc.When),
		store:    store,
		siteURL:  op.m.deps.Config.SiteURL,
		labels:   labels,
		logger:   op.logger,
	}
	for _, kind := range project.SubmitTypes {
		bucket := buckets[kind]
		if len(bucket) == 0 {
			continue
		}
		op.logger.DebugContext(ctx, "integrating", "type", kind.String(), "count", len(bucket))
		if err := integrate(a, kind, bucket); err != nil {
			return fmt.Errorf("integrating %s into %s: %w", kind, op.dest, err)
		}
		for _, n := range bucket {
			if _, ok := op.commits.Status(n.Hash); ok {
				continue
			}
			// Landed as part of another head's history.
			merged := false
			if tip := op.tip.Current(); tip != "" {
				if merged, err = walk.IsMergedInto(n.Hash, tip); err != nil {
					return err
				}
			}
			if !merged {
				return fmt.Errorf("commit %s of change %d was not integrated", n.Hash, n.Change.ID)
			}
			op.commits.setIfUnset(n.Hash, CleanMerge)
		}
	}

	if cur := op.tip.Current(); cur != initial {
		if err := rc.AddRefCommand(repository.RefCommand{Name: op.dest.Ref, OldHash: initial, NewHash: cur}); err != nil {
			return err
		}
	}
	return op.recordLanded(ctx, rc)
}

// validate looks up the commit of c's current patch set. It returns nil
// when c was rejected.
func (op *branchOp) validate(ctx context.Context, rc *update.RepoContext, walk *repository.RevWalk, c *change.Change, tip string) (*CodeReviewCommit, error) {
	store := op.m.deps.Store
	ps, err := change.CurrentPatchSet(ctx, store, c)
	if errors.Is(err, change.ErrNotFound) {
		op.logger.WarnContext(ctx, "missing current patch set", "change", c.ID)
		op.early[c.ID] = RevisionGone
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ref, err := rc.Repo.ResolveRef(ps.ID.RefName())
	if err != nil {
		return nil, err
	}
	if ref != ps.Commit {
		op.logger.WarnContext(ctx, "patch set ref does not match", "change", c.ID, "ref", ps.ID.RefName(), "commit", ps.Commit)
		op.early[c.ID] = RevisionGone
		return nil, nil
	}
	if ok, err := rc.Repo.HasObject(ps.Commit); err != nil {
		return nil, err
	} else if !ok {
		op.early[c.ID] = RevisionGone
		return nil, nil
	}
	details, err := walk.Parse(ps.Commit)
	if err != nil {
		return nil, fmt.Errorf("reading %s of change %d: %w", ps.Commit, c.ID, err)
	}
	if other := op.commits.Commit(ps.Commit); other != nil {
		return nil, fmt.Errorf("commit %s is the current patch set of changes %d and %d", ps.Commit, other.Change.ID, c.ID)
	}
	n := &CodeReviewCommit{CommitDetails: details, Change: c, PatchSet: ps}
	op.commits.Add(n)

	args := &ValidationArgs{Repo: rc.Repo, Dest: op.dest, Commit: n, Caller: op.caller, Projects: op.m.deps.Repos}
	for _, v := range op.m.deps.Validators {
		st, err := v.Validate(ctx, args)
		if err != nil {
			return nil, fmt.Errorf("validating change %d: %w", c.ID, err)
		}
		if st != 0 {
			op.logger.InfoContext(ctx, "commit rejected", "change", c.ID, "status", st.String())
			return n, op.commits.Set(n.Hash, st)
		}
	}

	if tip == "" {
		return n, nil
	}
	pss, err := store.PatchSets(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(pss, func(a, b *change.PatchSet) int { return b.ID.Number - a.ID.Number })
	for _, other := range pss {
		merged, err := walk.IsMergedInto(other.Commit, tip)
		if err != nil {
			op.logger.DebugContext(ctx, "skipping unreadable patch set", "change", c.ID, "commit", other.Commit, "error", err)
			continue
		}
		if merged {
			if other.ID != ps.ID {
				op.current[c.ID] = other.ID.Number
			}
			return n, op.commits.Set(n.Hash, AlreadyMerged)
		}
	}
	return n, nil
}

// recordLanded creates the patch sets of rewritten commits and remembers
// the commit every landed change is on the branch as.
func (op *branchOp) recordLanded(ctx context.Context, rc *update.RepoContext) error {
	op.landed = make(map[change.ID]string)
	for _, id := range op.commits.Changes() {
		n := op.commits.ForChange(id)
		st, _ := op.commits.Status(n.Hash)
		switch {
		case st == CleanPick || st == CleanRebase:
		case st == AlreadyMerged && op.current[id] != 0:
			ps, err := op.m.deps.Store.PatchSet(ctx, change.PatchSetID{Change: id, Number: op.current[id]})
			if err != nil {
				return err
			}
			op.landed[id] = ps.Commit
			continue
		case st.IsClean():
			op.landed[id] = op.tip.Landed(n.Hash)
			continue
		default:
			continue
		}

		landed := op.tip.Landed(n.Hash)
		op.landed[id] = landed
		pss, err := op.m.deps.Store.PatchSets(ctx, id)
		if err != nil {
			return err
		}
		next := n.PatchSet.ID.Number
		for _, ps := range pss {
			next = max(next, ps.ID.Number)
		}
		ps := &change.PatchSet{
			ID:       change.PatchSetID{Change: id, Number: next + 1},
			Commit:   landed,
			Groups:   slices.Clone(n.PatchSet.Groups),
			Uploader: rc.Account(),
			Created:  rc.When,
		}
		op.newPatchSets[id] = ps
		if err := rc.AddRefCommand(repository.RefCommand{Name: ps.ID.RefName(), NewHash: landed}); err != nil {
			return err
		}
	}
	return nil
}

// PostUpdate writes a review note for every landed commit.
func (op *branchOp) PostUpdate(ctx context.Context, c *update.Context) error {
	ref := op.m.deps.Config.Notes.Review
	if ref == "" || len(op.landed) == 0 {
		return nil
	}
	notes := make(repository.NoteMap)
	for _, id := range op.commits.Changes() {
		landed, ok := op.landed[id]
		if !ok {
			continue
		}
		note, err := op.reviewNote(ctx, id, c.When)
		if err != nil {
			op.logger.WarnContext(ctx, "building review note", "change", id, "error", err)
			continue
		}
		notes[landed] = note
	}
	util := notesbranch.New(c.Repo, op.m.deps.Notes, op.m.serverIdent(c.When))
	util.SetLogger(op.logger)
	if _, err := util.CommitNewNotes(ctx, notes, ref, "Update notes for submitted changes\n"); err != nil {
		// The notes are an audit record; the submission stands.
		op.logger.WarnContext(ctx, "writing review notes", "ref", ref, "error", err)
	}
	return nil
}

func (op *branchOp) reviewNote(ctx context.Context, id change.ID, when time.Time) (string, error) {
	store := op.m.deps.Store
	c, err := store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	approvals, err := store.Approvals(ctx, c.CurrentPatchSetID())
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, ap := range approvals {
		if ap.Value == 0 || ap.Label == change.SubmitLabel {
			continue
		}
		acc, err := store.Account(ctx, ap.Account)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "%s%+d: %s\n", ap.Label, ap.Value, acc.NameEmail())
	}
	if op.caller != nil {
		fmt.Fprintf(&b, "Submitted-by: %s\n", op.caller.NameEmail())
	}
	fmt.Fprintf(&b, "Submitted-at: %s\n", when.Format(time.RFC1123Z))
	if url := changeURL(op.m.deps.Config.SiteURL, c); url != "" {
		fmt.Fprintf(&b, "Reviewed-on: %s\n", url)
	}
	fmt.Fprintf(&b, "Project: %s\n", c.Dest.Project)
	fmt.Fprintf(&b, "Branch: %s\n", c.Dest.Ref)
	return b.String(), nil
}

// mergedOp records the outcome of one change.
type mergedOp struct {
	branch *branchOp
	id     change.ID

	merged   *change.Change
	message  string
	created  *change.PatchSet
	newTip   string
	landedAs string
}

func (op *mergedOp) UpdateRepo(context.Context, *update.RepoContext) error {
	return nil
}

func (op *mergedOp) UpdateChange(ctx context.Context, cc *update.ChangeContext) (bool, error) {
	st, ok := op.branch.statusOf(op.id)
	if !ok {
		return false, nil
	}
	c := cc.Change()
	if c.Status == change.Merged {
		// Landed by a concurrent submission.
		return false, nil
	}
	if c.Status.IsClosed() {
		return false, fmt.Errorf("change %d is %s: %w", c.ID, c.Status, change.ErrConflict)
	}

	if !st.IsClean() {
		c.Status = change.New
		return true, cc.Tx.AddMessage(ctx, &change.Message{
			PatchSet: c.CurrentPatchSet,
			Author:   cc.Account(),
			Text:     st.Description(),
			Written:  cc.When,
		})
	}

	if ps := op.branch.newPatchSets[op.id]; ps != nil {
		if err := cc.Tx.InsertPatchSet(ctx, ps); err != nil {
			return false, err
		}
		if err := cc.Tx.CopyApprovals(ctx, c.CurrentPatchSetID(), ps.ID); err != nil {
			return false, err
		}
		c.CurrentPatchSet = ps.ID.Number
		op.created = ps
	} else if n := op.branch.current[op.id]; n != 0 {
		c.CurrentPatchSet = n
	}
	c.Status = change.Merged
	c.SubmissionID = op.branch.submissionID
	if err := cc.Tx.UpsertApproval(ctx, &change.Approval{
		PatchSet: c.CurrentPatchSetID(),
		Account:  cc.Account(),
		Label:    change.SubmitLabel,
		Value:    1,
		Granted:  cc.When,
	}); err != nil {
		return false, err
	}
	op.landedAs = op.branch.landed[op.id]
	op.message = mergedMessage(st, op.landedAs, op.branch.caller)
	if err := cc.Tx.AddMessage(ctx, &change.Message{
		PatchSet: c.CurrentPatchSet,
		Author:   cc.Account(),
		Text:     op.message,
		Tag:      change.TagMerged,
		Written:  cc.When,
	}); err != nil {
		return false, err
	}
	op.merged = c.Clone()
	op.newTip = op.branch.tip.Current()
	return true, nil
}

func mergedMessage(st MergeStatus, landed string, caller *change.Account) string {
	var text string
	switch st {
	case CleanPick, CleanRebase:
		text = st.Description() + " as " + landed
	case AlreadyMerged:
		text = CleanMerge.Description()
	default:
		text = st.Description()
	}
	if st != SkippedIdenticalTree && caller != nil && caller.FullName != "" {
		text += " by " + caller.FullName
	}
	return text
}

// PostUpdate reports the merged change.
func (op *mergedOp) PostUpdate(ctx context.Context, c *update.Context) error {
	sink := op.branch.m.deps.Sink
	if op.merged == nil || sink == nil {
		return nil
	}
	if op.created != nil {
		if err := sink.Send(ctx, &events.PatchSetCreated{Change: op.merged, PatchSet: op.created}); err != nil {
			return err
		}
	}
	ps, err := op.branch.m.deps.Store.PatchSet(ctx, op.merged.CurrentPatchSetID())
	if err != nil {
		return err
	}
	commit, err := c.Repo.GetCommitDetails(op.landedAs)
	if err != nil {
		return err
	}
	left := ""
	if len(commit.Parents) > 0 {
		left = commit.Parents[0]
	}
	files, err := c.Repo.ParsedDiff(left, op.landedAs)
	if err != nil {
		return fmt.Errorf("diffing %s: %w", op.landedAs, err)
	}
	added, deleted := repository.DiffStat(files)
	return sink.Send(ctx, &events.ChangeMerged{
		Change:      op.merged,
		PatchSet:    ps,
		NewTip:      op.newTip,
		Submitter:   c.Account(),
		Message:     op.message,
		MessageHTML: events.RenderMessage(op.message),
		Files:       files,
		Added:       added,
		Deleted:     deleted,
	})
}
