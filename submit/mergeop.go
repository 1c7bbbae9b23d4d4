// Package submit merges approved changes into their destination branches.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/changeops"
	"msrl.dev/git-submit/config"
	"msrl.dev/git-submit/events"
	"msrl.dev/git-submit/notesbranch"
	"msrl.dev/git-submit/project"
	"msrl.dev/git-submit/repository"
	"msrl.dev/git-submit/rules"
	"msrl.dev/git-submit/superset"
	"msrl.dev/git-submit/update"
)

// Deps are the collaborators of a MergeOp. Rules, Validators, Sink, Notes
// and Mirror are optional.
type Deps struct {
	Store      change.Store
	Repos      repository.Manager
	Projects   project.Source
	Rules      rules.Evaluator
	Validators []Validator
	Sink       events.Sink
	// Notes merges review notes written to the same commit concurrently.
	// It defaults to notesbranch.ReviewNoteMerger.
	Notes  notesbranch.NoteMerger
	Mirror update.Mirror
	Config *config.Config
	Logger *slog.Logger
}

// Options configures one submission.
type Options struct {
	// DryRun integrates the changes without writing anything.
	DryRun bool
	// CheckRules evaluates submit rules for every change in the set before
	// anything is written.
	CheckRules bool
}

// Result is the outcome of a submission.
type Result struct {
	SubmissionID string
	Status       map[change.ID]MergeStatus
	// Abandoned are the open changes of deleted projects.
	Abandoned []change.ID
}

// Merged returns the changes that landed, in id order.
func (r *Result) Merged() []change.ID {
	var ids []change.ID
	for id, st := range r.Status {
		if st.IsClean() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// ConflictError rejects a submission. Problems lists the reason for every
// change that could not be submitted.
type ConflictError struct {
	Problems map[change.ID]string
}

func (e *ConflictError) Error() string {
	ids := slices.Sorted(maps.Keys(e.Problems))
	noun := "changes"
	if len(ids) == 1 {
		noun = "change"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Failed to submit %d %s due to the following problems:", len(ids), noun)
	for _, id := range ids {
		fmt.Fprintf(&b, "\nChange %d: %s", id, e.Problems[id])
	}
	return b.String()
}

// IntegrationError reports a submission that failed while updating the
// repositories or the change store.
type IntegrationError struct {
	Err error
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("error integrating change(s): %v", e.Err)
}

func (e *IntegrationError) Unwrap() error {
	return e.Err
}

// MergeOp submits changes.
type MergeOp struct {
	deps     Deps
	superset *superset.MergeSuperSet
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewMergeOp returns a MergeOp.
func NewMergeOp(deps Deps) *MergeOp {
	if deps.Config == nil {
		deps.Config = config.DefaultConfig()
	}
	if deps.Notes == nil {
		deps.Notes = notesbranch.ReviewNoteMerger{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ss := superset.New(deps.Store, deps.Repos, deps.Projects, superset.Options{WholeTopic: deps.Config.Submit.WholeTopic})
	ss.SetLogger(logger)
	return &MergeOp{
		deps:     deps,
		superset: ss,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (m *MergeOp) serverIdent(when time.Time) repository.Signature {
	return repository.Signature{Name: m.deps.Config.ServerIdent.Name, Email: m.deps.Config.ServerIdent.Email, When: when}
}

// Merge submits change id together with every change it must be submitted
// with.
func (m *MergeOp) Merge(ctx context.Context, id change.ID, caller *change.Account, opts Options) (*Result, error) {
	c, err := m.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status.IsClosed() {
		return nil, &ConflictError{Problems: map[change.ID]string{c.ID: "change is " + strings.ToLower(c.Status.String())}}
	}
	submissionID := m.newID()
	logger := m.logger.With("submission", submissionID)

	cs, err := m.superset.CompleteSet(ctx, c, caller)
	if errors.Is(err, repository.ErrProjectNotFound) {
		res := &Result{SubmissionID: submissionID, Status: make(map[change.ID]MergeStatus)}
		if opts.DryRun {
			return res, nil
		}
		batch, abandoned, err := m.abandonProject(ctx, c.Dest.Project, caller)
		if err != nil {
			return nil, err
		}
		res.Abandoned = abandoned
		if err := update.Execute(ctx, []*update.BatchUpdate{batch}, nil, false); err != nil {
			return nil, err
		}
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "submitting changes", "change", c.ID, "count", cs.Len())

	changes, err := m.loadSet(ctx, c, cs, opts.CheckRules)
	if err != nil {
		return nil, err
	}
	if !opts.DryRun {
		if err := m.setSubmitted(ctx, changes, caller); err != nil {
			return nil, err
		}
	}
	return m.integrate(ctx, submissionID, changes, caller, opts.DryRun, logger)
}

// Submit marks change id and every change it must be submitted with as
// SUBMITTED without integrating them. It returns the destination branches
// to hand to a merge queue, which integrates them with MergeBranch.
func (m *MergeOp) Submit(ctx context.Context, id change.ID, caller *change.Account, opts Options) ([]change.Branch, error) {
	c, err := m.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status.IsClosed() {
		return nil, &ConflictError{Problems: map[change.ID]string{c.ID: "change is " + strings.ToLower(c.Status.String())}}
	}
	cs, err := m.superset.CompleteSet(ctx, c, caller)
	if err != nil {
		return nil, err
	}
	changes, err := m.loadSet(ctx, c, cs, opts.CheckRules)
	if err != nil {
		return nil, err
	}
	if err := m.setSubmitted(ctx, changes, caller); err != nil {
		return nil, err
	}
	var branches []change.Branch
	for _, cur := range changes {
		if !slices.Contains(branches, cur.Dest) {
			branches = append(branches, cur.Dest)
		}
	}
	return branches, nil
}

// loadSet reads the changes of cs, reusing c, and with checkRules rejects
// the set if any of them may not be submitted.
func (m *MergeOp) loadSet(ctx context.Context, c *change.Change, cs *superset.ChangeSet, checkRules bool) ([]*change.Change, error) {
	changes := make([]*change.Change, 0, cs.Len())
	for _, cid := range cs.IDs() {
		cur := c
		if cid != c.ID {
			var err error
			if cur, err = m.deps.Store.Get(ctx, cid); err != nil {
				return nil, err
			}
		}
		changes = append(changes, cur)
	}
	if !checkRules || m.deps.Rules == nil {
		return changes, nil
	}

	problems := make(map[change.ID]string)
	for _, cur := range changes {
		records, err := m.deps.Rules.Evaluate(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("evaluating submit rules of change %d: %w", cur.ID, err)
		}
		if err := rules.Check(records); err != nil {
			problems[cur.ID] = err.Error()
		}
	}
	if len(problems) > 0 {
		return nil, &ConflictError{Problems: problems}
	}
	return changes, nil
}

// MergeBranch integrates every submitted change on branch.
func (m *MergeOp) MergeBranch(ctx context.Context, branch change.Branch, caller *change.Account) (*Result, error) {
	changes, err := m.deps.Store.Submitted(ctx, branch)
	if err != nil {
		return nil, err
	}
	submissionID := m.newID()
	if len(changes) == 0 {
		return &Result{SubmissionID: submissionID, Status: make(map[change.ID]MergeStatus)}, nil
	}
	return m.integrate(ctx, submissionID, changes, caller, false, m.logger.With("submission", submissionID))
}

// setSubmitted moves the new changes of the set to SUBMITTED.
func (m *MergeOp) setSubmitted(ctx context.Context, changes []*change.Change, caller *change.Account) error {
	byProject := make(map[string]*update.BatchUpdate)
	var batches []*update.BatchUpdate
	for _, c := range changes {
		if c.Status != change.New {
			continue
		}
		u, ok := byProject[c.Dest.Project]
		if !ok {
			u = update.New(update.Options{
				Project: c.Dest.Project,
				Store:   m.deps.Store,
				Mirror:  m.deps.Mirror,
				User:    caller,
				When:    m.now(),
				Logger:  m.logger,
			})
			byProject[c.Dest.Project] = u
			batches = append(batches, u)
		}
		u.AddOp(c.ID, &changeops.SetSubmittedOp{})
	}
	if err := update.Execute(ctx, batches, nil, false); err != nil {
		return fmt.Errorf("marking changes submitted: %w", err)
	}
	return nil
}

func (m *MergeOp) integrate(ctx context.Context, submissionID string, changes []*change.Change, caller *change.Account, dryRun bool, logger *slog.Logger) (*Result, error) {
	res := &Result{SubmissionID: submissionID, Status: make(map[change.ID]MergeStatus)}
	when := m.now()

	byBranch := make(map[change.Branch][]*change.Change)
	for _, c := range changes {
		byBranch[c.Dest] = append(byBranch[c.Dest], c)
	}
	branches := slices.SortedFunc(maps.Keys(byBranch), func(a, b change.Branch) int {
		return strings.Compare(a.String(), b.String())
	})

	var (
		batches   []*update.BatchUpdate
		ops       []*branchOp
		abandoned = make(map[string]bool)
	)
	for _, dest := range branches {
		repo, err := m.deps.Repos.OpenRepo(dest.Project)
		if errors.Is(err, repository.ErrProjectNotFound) {
			if abandoned[dest.Project] || dryRun {
				continue
			}
			abandoned[dest.Project] = true
			batch, ids, err := m.abandonProject(ctx, dest.Project, caller)
			if err != nil {
				return nil, err
			}
			batches = append(batches, batch)
			res.Abandoned = append(res.Abandoned, ids...)
			continue
		}
		if err != nil {
			return nil, err
		}
		cfg, err := m.deps.Projects.Get(ctx, dest.Project)
		if err != nil {
			return nil, fmt.Errorf("loading project %s: %w", dest.Project, err)
		}

		u := update.New(update.Options{
			Project: dest.Project,
			Repo:    repo,
			Store:   m.deps.Store,
			Mirror:  m.deps.Mirror,
			Sink:    m.deps.Sink,
			User:    caller,
			When:    when,
			Logger:  logger,
		}).SetParallel(m.deps.Config.Submit.ParallelChangeUpdates)
		op := &branchOp{
			m:            m,
			dest:         dest,
			project:      cfg,
			changes:      byBranch[dest],
			caller:       caller,
			submissionID: submissionID,
			logger:       logger.With("branch", dest.String()),
			early:        make(map[change.ID]MergeStatus),
			current:      make(map[change.ID]int),
			newPatchSets: make(map[change.ID]*change.PatchSet),
		}
		u.AddRepoOnlyOp(op)
		for _, c := range op.changes {
			u.AddOp(c.ID, &mergedOp{branch: op, id: c.ID})
		}
		batches = append(batches, u)
		ops = append(ops, op)
	}

	err := update.Execute(ctx, batches, nil, dryRun)
	var pue *update.PostUpdateError
	if errors.As(err, &pue) {
		// Everything was committed.
		logger.WarnContext(ctx, "post-submit actions failed", "error", pue.Err)
		err = nil
	}
	if err != nil {
		return nil, &IntegrationError{Err: err}
	}

	problems := make(map[change.ID]string)
	for _, op := range ops {
		for _, c := range op.changes {
			st, ok := op.statusOf(c.ID)
			if !ok {
				continue
			}
			res.Status[c.ID] = st
			if !st.IsClean() {
				problems[c.ID] = st.Description()
			}
		}
	}
	if len(problems) > 0 {
		return res, &ConflictError{Problems: problems}
	}
	return res, nil
}

// abandonProject returns a batch abandoning every open change of a deleted
// project.
func (m *MergeOp) abandonProject(ctx context.Context, name string, caller *change.Account) (*update.BatchUpdate, []change.ID, error) {
	open, err := m.deps.Store.ByProjectOpen(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	m.logger.WarnContext(ctx, "project was deleted, abandoning its open changes", "project", name, "count", len(open))
	u := update.New(update.Options{
		Project: name,
		Store:   m.deps.Store,
		Mirror:  m.deps.Mirror,
		Sink:    m.deps.Sink,
		User:    caller,
		When:    m.now(),
		Logger:  m.logger,
	})
	var ids []change.ID
	for _, c := range open {
		u.AddOp(c.ID, changeops.NewAbandonOp(changeops.ProjectDeletedMessage, m.deps.Sink))
		ids = append(ids, c.ID)
	}
	return u, ids, nil
}

// Mergeable reports whether the current patch set of change id could be
// submitted alone without conflicts.
func (m *MergeOp) Mergeable(ctx context.Context, id change.ID) (bool, error) {
	c, err := m.deps.Store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	ps, err := change.CurrentPatchSet(ctx, m.deps.Store, c)
	if err != nil {
		return false, err
	}
	repo, err := m.deps.Repos.OpenRepo(c.Dest.Project)
	if err != nil {
		return false, err
	}
	cfg, err := m.deps.Projects.Get(ctx, c.Dest.Project)
	if err != nil {
		return false, err
	}
	kind := cfg.SubmitType
	if m.deps.Rules != nil {
		if kind, err = m.deps.Rules.SubmitType(ctx, c); err != nil {
			return false, err
		}
	}

	walk := repo.NewDryRunInserter().NewRevWalk()
	details, err := walk.Parse(ps.Commit)
	if err != nil {
		return false, fmt.Errorf("reading %s of change %d: %w", ps.Commit, c.ID, err)
	}
	tip, err := repo.ResolveRef(c.Dest.Ref)
	if err != nil {
		return false, err
	}
	if tip != "" {
		merged, err := walk.IsMergedInto(ps.Commit, tip)
		if err != nil || merged {
			return merged, err
		}
	}
	accepted, err := acceptedTips(repo, tip)
	if err != nil {
		return false, err
	}
	n := &CodeReviewCommit{CommitDetails: details, Change: c, PatchSet: ps}
	s := newSorter(walk, accepted, []*CodeReviewCommit{n})
	return mergeable(s, kind, cfg.MergeStrategy(), tip, n)
}

// acceptedTips returns the heads of every branch and tip.
func acceptedTips(repo repository.Repo, tip string) ([]string, error) {
	heads, err := repo.Refs(repository.BranchRefPrefix)
	if err != nil {
		return nil, err
	}
	accepted := slices.Collect(maps.Values(heads))
	if tip != "" {
		accepted = append(accepted, tip)
	}
	slices.Sort(accepted)
	return slices.Compact(accepted), nil
}
