package submit

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/config"
	"msrl.dev/git-submit/events"
	"msrl.dev/git-submit/project"
	"msrl.dev/git-submit/repository"
	"msrl.dev/git-submit/repository/repotest"
	"msrl.dev/git-submit/rules"
	"msrl.dev/git-submit/store/sqlite"
)

type submitTypes map[string]project.SubmitType

func (s submitTypes) Get(_ context.Context, name string) (*project.Config, error) {
	return &project.Config{Name: name, SubmitType: s[name], UseContentMerge: true}, nil
}

var (
	jane     = &change.Account{ID: 1, FullName: "Jane Doe", Email: "jane@example.com"}
	reviewer = &change.Account{ID: 2, FullName: "Rev", Email: "rev@example.com"}
)

type fixture struct {
	ctx   context.Context
	store *sqlite.Store
	repos *repository.MemoryManager
	repo  *repotest.Builder
	types submitTypes
	cfg   *config.Config
	sink  *events.Recorder
	base  string
}

func setup(t *testing.T, kind project.SubmitType) *fixture {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "review.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	for _, a := range []*change.Account{jane, reviewer} {
		if err := s.UpsertAccount(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	repos := repository.NewMemoryManager()
	b := repotest.For(t, repos.Create("p"))
	base := b.Commit("base", map[string]string{"a": "a\n"})
	b.SetRef(repository.MasterRef, base)

	cfg := config.DefaultConfig()
	cfg.SiteURL = "https://review.example.com/"
	return &fixture{
		ctx:   ctx,
		store: s,
		repos: repos,
		repo:  b,
		types: submitTypes{"p": kind},
		cfg:   cfg,
		sink:  &events.Recorder{},
		base:  base,
	}
}

func (f *fixture) op(deps Deps) *MergeOp {
	deps.Store = f.store
	deps.Repos = f.repos
	deps.Projects = f.types
	deps.Sink = f.sink
	deps.Config = f.cfg
	m := NewMergeOp(deps)
	m.now = func() time.Time { return repotest.Epoch.Add(24 * time.Hour) }
	return m
}

func (f *fixture) create(t *testing.T, commit, topic string) *change.Change {
	t.Helper()
	c := &change.Change{
		Key:    change.GenerateKey(commit),
		Dest:   change.Branch{Project: "p", Ref: repository.MasterRef},
		Owner:  jane.ID,
		Topic:  topic,
		Status: change.New,
	}
	ps := &change.PatchSet{Commit: commit, Groups: []string{commit}, Uploader: jane.ID}
	if err := f.store.Create(f.ctx, c, ps); err != nil {
		t.Fatal(err)
	}
	f.repo.SetRef(ps.ID.RefName(), commit)
	return c
}

func (f *fixture) approve(t *testing.T, c *change.Change, who *change.Account, label string, value int) {
	t.Helper()
	err := f.store.InTx(f.ctx, c.ID, func(ctx context.Context, tx change.Tx) error {
		return tx.UpsertApproval(ctx, &change.Approval{
			PatchSet: c.CurrentPatchSetID(),
			Account:  who.ID,
			Label:    label,
			Value:    value,
			Granted:  repotest.Epoch,
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) get(t *testing.T, id change.ID) *change.Change {
	t.Helper()
	c, err := f.store.Get(f.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func (f *fixture) lastMessage(t *testing.T, id change.ID) *change.Message {
	t.Helper()
	msgs, err := f.store.Messages(f.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) == 0 {
		t.Fatalf("change %d has no messages", id)
	}
	return msgs[len(msgs)-1]
}

func (f *fixture) commit(t *testing.T, hash string) *repository.CommitDetails {
	t.Helper()
	c, err := f.repo.Repo.GetCommitDetails(hash)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestMergeIfNecessaryFastForwards(t *testing.T) {
	f := setup(t, project.MergeIfNecessary)
	b := f.repo.Commit("b", map[string]string{"a": "a\n", "b": "b\n"}, f.base)
	x := f.create(t, b, "")

	res, err := f.op(Deps{}).Merge(f.ctx, x.ID, jane, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Status[x.ID]; got != CleanMerge {
		t.Errorf("status = %s, want %s", got, CleanMerge)
	}
	if got := f.repo.Ref(repository.MasterRef); got != b {
		t.Errorf("master = %s, want %s", got, b)
	}
	got := f.get(t, x.ID)
	if got.Status != change.Merged {
		t.Errorf("change is %s, want MERGED", got.Status)
	}
	if got.SubmissionID != res.SubmissionID || got.SubmissionID == "" {
		t.Errorf("submission id = %q, want %q", got.SubmissionID, res.SubmissionID)
	}
	msg := f.lastMessage(t, x.ID)
	if msg.Tag != change.TagMerged || msg.Text != "Change has been successfully merged by Jane Doe" {
		t.Errorf("message = %+v", msg)
	}
	if n := len(f.sink.OfType("change-merged")); n != 1 {
		t.Errorf("got %d change-merged events, want 1", n)
	}
	if n := len(f.sink.OfType("ref-updated")); n != 1 {
		t.Errorf("got %d ref-updated events, want 1", n)
	}
}

func TestMergeIfNecessaryCreatesMergeCommit(t *testing.T) {
	f := setup(t, project.MergeIfNecessary)
	c := f.repo.Commit("c", map[string]string{"a": "a\n", "c": "c\n"}, f.base)
	f.repo.SetRef(repository.MasterRef, c)
	b := f.repo.Commit("b", map[string]string{"a": "a\n", "b": "b\n"}, f.base)
	x := f.create(t, b, "")

	res, err := f.op(Deps{}).Merge(f.ctx, x.ID, jane, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Status[x.ID]; got != CleanMerge {
		t.Errorf("status = %s, want %s", got, CleanMerge)
	}
	tip := f.repo.Ref(repository.MasterRef)
	merge := f.commit(t, tip)
	if want := []string{c, b}; !reflect.DeepEqual(merge.Parents, want) {
		t.Errorf("merge parents = %v, want %v", merge.Parents, want)
	}
	if merge.Message != "Merge \"b\"\n" {
		t.Errorf("merge message = %q", merge.Message)
	}
	if merge.Author.Email != jane.Email || merge.Committer.Email != f.cfg.ServerIdent.Email {
		t.Errorf("merge author %s committer %s", merge.Author, merge.Committer)
	}
	if got := f.repo.File(tip, "b"); got != "b\n" {
		t.Errorf("b = %q", got)
	}
	if got := f.repo.File(tip, "c"); got != "c\n" {
		t.Errorf("c = %q", got)
	}
	if got := f.get(t, x.ID); got.Status != change.Merged || got.CurrentPatchSet != 1 {
		t.Errorf("change = %+v", got)
	}
}

func TestMergeTopicMergesEveryHead(t *testing.T) {
	f := setup(t, project.MergeIfNecessary)
	f.cfg.Submit.WholeTopic = true
	b := f.repo.Commit("b", map[string]string{"a": "a\n", "b": "b\n"}, f.base)
	c := f.repo.Commit("c", map[string]string{"a": "a\n", "c": "c\n"}, f.base)
	x := f.create(t, b, "t")
	y := f.create(t, c, "t")

	res, err := f.op(Deps{}).Merge(f.ctx, x.ID, jane, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if want := []change.ID{x.ID, y.ID}; !reflect.DeepEqual(res.Merged(), want) {
		t.Errorf("merged = %v, want %v", res.Merged(), want)
	}
	merge := f.commit(t, f.repo.Ref(repository.MasterRef))
	if want := []string{b, c}; !reflect.DeepEqual(merge.Parents, want) {
		t.Errorf("merge parents = %v, want %v", merge.Parents, want)
	}
	if merge.Message != "Merge \"c\"\n" {
		t.Errorf("merge message = %q", merge.Message)
	}
}

func TestCherryPick(t *testing.T) {
	f := setup(t, project.CherryPick)
	c := f.repo.Commit("c", map[string]string{"a": "a\n", "c": "c\n"}, f.base)
	f.repo.SetRef(repository.MasterRef, c)
	b := f.repo.Commit("b", map[string]string{"a": "a\n", "b": "b\n"}, f.base)
	x := f.create(t, b, "")
	f.approve(t, x, reviewer, change.CodeReview, 2)

	res, err := f.op(Deps{}).Merge(f.ctx, x.ID, jane, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Status[x.ID]; got != CleanPick {
		t.Errorf("status = %s, want %s", got, CleanPick)
	}
	tip := f.repo.Ref(repository.MasterRef)
	if tip == b || tip == c {
		t.Fatalf("master = %s, want a new commit", tip)
	}
	picked := f.commit(t, tip)
	if want := []string{c}; !reflect.DeepEqual(picked.Parents, want) {
		t.Errorf("parents = %v, want %v", picked.Parents, want)
	}
	if got := f.repo.File(tip, "b"); got != "b\n" {
		t.Errorf("b = %q", got)
	}
	if got := f.repo.File(tip, "c"); got != "c\n" {
		t.Errorf("c = %q", got)
	}
	wantMsg := "b\n\nChange-Id: " + string(x.Key) + "\n" +
		"Reviewed-on: https://review.example.com/c/p/+/1\n" +
		"Reviewed-by: Rev <rev@example.com>\n"
	if picked.Message != wantMsg {
		t.Errorf("message = %q, want %q", picked.Message, wantMsg)
	}
	if picked.Committer.Email != jane.Email || picked.Author.Email != "author@example.com" {
		t.Errorf("author %s committer %s", picked.Author, picked.Committer)
	}

	got := f.get(t, x.ID)
	if got.Status != change.Merged || got.CurrentPatchSet != 2 {
		t.Fatalf("change = %+v", got)
	}
	ps, err := f.store.PatchSet(f.ctx, got.CurrentPatchSetID())
	if err != nil {
		t.Fatal(err)
	}
	if ps.Commit != tip {
		t.Errorf("patch set 2 at %s, want %s", ps.Commit, tip)
	}
	if ref := f.repo.Ref(ps.ID.RefName()); ref != tip {
		t.Errorf("%s = %s, want %s", ps.ID.RefName(), ref, tip)
	}
	approvals, err := f.store.Approvals(f.ctx, ps.ID)
	if err != nil {
		t.Fatal(err)
	}
	copied := false
	for _, a := range approvals {
		if a.Label == change.CodeReview && a.Account == reviewer.ID && a.Value == 2 {
			copied = true
		}
	}
	if !copied {
		t.Errorf("approvals of %s = %+v, want the copied Code-Review+2", ps.ID, approvals)
	}
	if msg := f.lastMessage(t, x.ID); msg.Text != "Change has been successfully cherry-picked as "+tip+" by Jane Doe" {
		t.Errorf("message = %q", msg.Text)
	}
	if n := len(f.sink.OfType("patchset-created")); n != 1 {
		t.Errorf("got %d patchset-created events, want 1", n)
	}
}

func TestCherryPickRefusesRootCommit(t *testing.T) {
	f := setup(t, project.CherryPick)
	root := f.repo.Commit("root", map[string]string{"r": "r\n"})
	x := f.create(t, root, "")

	res, err := f.op(Deps{}).Merge(f.ctx, x.ID, jane, Options{})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("Merge() error = %v, want a ConflictError", err)
	}
	if got := res.Status[x.ID]; got != CannotCherryPickRoot {
		t.Errorf("status = %s, want %s", got, CannotCherryPickRoot)
	}
	if ce.Problems[x.ID] != CannotCherryPickRoot.Description() {
		t.Errorf("problem = %q", ce.Problems[x.ID])
	}
	if got := f.repo.Ref(repository.MasterRef); got != f.base {
		t.Errorf("master moved to %s", got)
	}
	if got := f.get(t, x.ID); got.Status != change.New {
		t.Errorf("change is %s, want NEW", got.Status)
	}
	if msg := f.lastMessage(t, x.ID); msg.Text != CannotCherryPickRoot.Description() {
		t.Errorf("message = %q", msg.Text)
	}
}

func TestRebaseFastForwardsWithoutNewCommit(t *testing.T) {
	f := setup(t, project.RebaseIfNecessary)
	b := f.repo.Commit("b", map[string]string{"a": "a\n", "b": "b\n"}, f.base)
	x := f.create(t, b, "")

	res, err := f.op(Deps{}).Merge(f.ctx, x.ID, jane, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Status[x.ID]; got != CleanMerge {
		t.Errorf("status = %s, want %s", got, CleanMerge)
	}
	if got := f.repo.Ref(repository.MasterRef); got != b {
		t.Errorf("master = %s, want %s", got, b)
	}
	if got := f.get(t, x.ID); got.CurrentPatchSet != 1 {
		t.Errorf("current patch set = %d, want 1", got.CurrentPatchSet)
	}
}

func TestRebaseIfNecessaryRebases(t *testing.T) {
	f := setup(t, project.RebaseIfNecessary)
	c := f.repo.Commit("c", map[string]string{"a": "a\n", "c": "c\n"}, f.base)
	f.repo.SetRef(repository.MasterRef, c)
	b := f.repo.Commit("b", map[string]string{"a": "a\n", "b": "b\n"}, f.base)
	d := f.repo.Commit("d", map[string]string{"a": "a\n", "b": "b\n", "d": "d\n"}, b)
	x := f.create(t, b, "")
	y := f.create(t, d, "")

	res, err := f.op(Deps{}).Merge(f.ctx, y.ID, jane, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []change.ID{x.ID, y.ID} {
		if got := res.Status[id]; got != CleanRebase {
			t.Errorf("status of %d = %s, want %s", id, got, CleanRebase)
		}
	}
	tip := f.commit(t, f.repo.Ref(repository.MasterRef))
	if tip.Message != "d\n" {
		t.Errorf("tip message = %q, want %q", tip.Message, "d\n")
	}
	rebasedB := f.commit(t, tip.Parents[0])
	if rebasedB.Message != "b\n" || !reflect.DeepEqual(rebasedB.Parents, []string{c}) {
		t.Errorf("rebased b = %+v", rebasedB)
	}
	if got := f.repo.File(tip.Hash, "c"); got != "c\n" {
		t.Errorf("c = %q", got)
	}
	for _, id := range []change.ID{x.ID, y.ID} {
		if got := f.get(t, id); got.Status != change.Merged || got.CurrentPatchSet != 2 {
			t.Errorf("change %d = %+v", id, got)
		}
	}
}

func TestAlreadyMerged(t *testing.T) {
	f := setup(t, project.MergeIfNecessary)
	b := f.repo.Commit("b", map[string]string{"a": "b\n"}, f.base)
	x := f.create(t, b, "")
	f.repo.SetRef(repository.MasterRef, b)

	res, err := f.op(Deps{}).Merge(f.ctx, x.ID, jane, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Status[x.ID]; got != AlreadyMerged {
		t.Errorf("status = %s, want %s", got, AlreadyMerged)
	}
	if got := f.repo.Ref(repository.MasterRef); got != b {
		t.Errorf("master = %s, want %s", got, b)
	}
	if got := f.get(t, x.ID); got.Status != change.Merged {
		t.Errorf("change is %s, want MERGED", got.Status)
	}
}

func TestPathConflict(t *testing.T) {
	f := setup(t, project.MergeIfNecessary)
	c := f.repo.Commit("c", map[string]string{"a": "c\n"}, f.base)
	f.repo.SetRef(repository.MasterRef, c)
	b := f.repo.Commit("b", map[string]string{"a": "b\n"}, f.base)
	x := f.create(t, b, "")

	res, err := f.op(Deps{}).Merge(f.ctx, x.ID, jane, Options{})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("Merge() error = %v, want a ConflictError", err)
	}
	if got := res.Status[x.ID]; got != PathConflict {
		t.Errorf("status = %s, want %s", got, PathConflict)
	}
	want := "Failed to submit 1 change due to the following problems:\nChange 1: " + PathConflict.Description()
	if ce.Error() != want {
		t.Errorf("error = %q, want %q", ce.Error(), want)
	}
	if got := f.repo.Ref(repository.MasterRef); got != c {
		t.Errorf("master moved to %s", got)
	}
	if got := f.get(t, x.ID); got.Status != change.New {
		t.Errorf("change is %s, want NEW", got.Status)
	}
}

func TestFastForwardOnly(t *testing.T) {
	f := setup(t, project.FastForwardOnly)
	c := f.repo.Commit("c", map[string]string{"a": "a\n", "c": "c\n"}, f.base)
	f.repo.SetRef(repository.MasterRef, c)
	b := f.repo.Commit("b", map[string]string{"a": "a\n", "b": "b\n"}, f.base)
	x := f.create(t, b, "")

	res, err := f.op(Deps{}).Merge(f.ctx, x.ID, jane, Options{})
	if err == nil {
		t.Fatal("Merge() succeeded, want an error")
	}
	if got := res.Status[x.ID]; got != NotFastForward {
		t.Errorf("status = %s, want %s", got, NotFastForward)
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	f := setup(t, project.MergeIfNecessary)
	b := f.repo.Commit("b", map[string]string{"a": "a\n", "b": "b\n"}, f.base)
	x := f.create(t, b, "")

	res, err := f.op(Deps{}).Merge(f.ctx, x.ID, jane, Options{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Status[x.ID]; got != CleanMerge {
		t.Errorf("status = %s, want %s", got, CleanMerge)
	}
	if got := f.repo.Ref(repository.MasterRef); got != f.base {
		t.Errorf("master moved to %s", got)
	}
	if got := f.get(t, x.ID); got.Status != change.New {
		t.Errorf("change is %s, want NEW", got.Status)
	}
	if n := len(f.sink.Events()); n != 0 {
		t.Errorf("got %d events, want none", n)
	}
}

func TestCheckRules(t *testing.T) {
	f := setup(t, project.MergeIfNecessary)
	b := f.repo.Commit("b", map[string]string{"a": "a\n", "b": "b\n"}, f.base)
	x := f.create(t, b, "")
	evaluator := &rules.LabelEvaluator{
		Store:    f.store,
		Projects: f.types,
		Labels:   []rules.LabelType{{Name: change.CodeReview, Min: -2, Max: 2}},
	}
	m := f.op(Deps{Rules: evaluator})

	_, err := m.Merge(f.ctx, x.ID, jane, Options{CheckRules: true})
	want := "Failed to submit 1 change due to the following problems:\nChange 1: needs Code-Review"
	if err == nil || err.Error() != want {
		t.Fatalf("Merge() error = %v, want %q", err, want)
	}
	if got := f.get(t, x.ID); got.Status != change.New {
		t.Errorf("change is %s, want NEW", got.Status)
	}

	f.approve(t, x, reviewer, change.CodeReview, 2)
	if _, err := m.Merge(f.ctx, x.ID, jane, Options{CheckRules: true}); err != nil {
		t.Fatal(err)
	}
	if got := f.get(t, x.ID); got.Status != change.Merged {
		t.Errorf("change is %s, want MERGED", got.Status)
	}
}

func TestRevisionGone(t *testing.T) {
	f := setup(t, project.MergeIfNecessary)
	b := f.repo.Commit("b", map[string]string{"a": "a\n", "b": "b\n"}, f.base)
	other := f.repo.Commit("other", map[string]string{"a": "a\n", "o": "o\n"}, f.base)
	x := f.create(t, b, "")
	f.repo.SetRef(x.CurrentPatchSetID().RefName(), other)

	res, err := f.op(Deps{}).Merge(f.ctx, x.ID, jane, Options{})
	if err == nil {
		t.Fatal("Merge() succeeded, want an error")
	}
	if got := res.Status[x.ID]; got != RevisionGone {
		t.Errorf("status = %s, want %s", got, RevisionGone)
	}
}

func TestLockFailure(t *testing.T) {
	f := setup(t, project.MergeIfNecessary)
	b := f.repo.Commit("b", map[string]string{"a": "a\n", "b": "b\n"}, f.base)
	racer := f.repo.Commit("racer", map[string]string{"a": "a\n", "r": "r\n"}, f.base)
	x := f.create(t, b, "")
	moveBranch := ValidatorFunc(func(context.Context, *ValidationArgs) (MergeStatus, error) {
		f.repo.SetRef(repository.MasterRef, racer)
		return 0, nil
	})

	_, err := f.op(Deps{Validators: []Validator{moveBranch}}).Merge(f.ctx, x.ID, jane, Options{})
	var ie *IntegrationError
	if !errors.As(err, &ie) || !errors.Is(err, repository.ErrLockFailure) {
		t.Fatalf("Merge() error = %v, want a lock failure", err)
	}
	if got := f.repo.Ref(repository.MasterRef); got != racer {
		t.Errorf("master = %s, want %s", got, racer)
	}
	if got := f.get(t, x.ID); got.Status != change.Submitted {
		t.Errorf("change is %s, want SUBMITTED", got.Status)
	}
}

func TestDeletedProjectAbandonsChanges(t *testing.T) {
	f := setup(t, project.MergeIfNecessary)
	b := f.repo.Commit("b", map[string]string{"a": "a\n", "b": "b\n"}, f.base)
	x := f.create(t, b, "")
	y := f.create(t, f.repo.Commit("c", map[string]string{"a": "c\n"}, f.base), "")
	f.repos.Delete("p")

	res, err := f.op(Deps{}).Merge(f.ctx, x.ID, jane, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if want := []change.ID{x.ID, y.ID}; !reflect.DeepEqual(res.Abandoned, want) {
		t.Errorf("abandoned = %v, want %v", res.Abandoned, want)
	}
	for _, id := range []change.ID{x.ID, y.ID} {
		if got := f.get(t, id); got.Status != change.Abandoned {
			t.Errorf("change %d is %s, want ABANDONED", id, got.Status)
		}
		if msg := f.lastMessage(t, id); !strings.HasSuffix(msg.Text, "Project was deleted.") {
			t.Errorf("message = %q", msg.Text)
		}
	}
}

func TestReviewNotes(t *testing.T) {
	f := setup(t, project.MergeIfNecessary)
	b := f.repo.Commit("b", map[string]string{"a": "a\n", "b": "b\n"}, f.base)
	x := f.create(t, b, "")
	f.approve(t, x, reviewer, change.CodeReview, 2)

	if _, err := f.op(Deps{}).Merge(f.ctx, x.ID, jane, Options{}); err != nil {
		t.Fatal(err)
	}
	notesTip := f.repo.Ref(f.cfg.Notes.Review)
	if notesTip == "" {
		t.Fatalf("%s was not created", f.cfg.Notes.Review)
	}
	notes, err := f.repo.Repo.ReadNoteMap(notesTip)
	if err != nil {
		t.Fatal(err)
	}
	note := notes[b]
	for _, line := range []string{
		"Code-Review+2: Rev <rev@example.com>\n",
		"Submitted-by: Jane Doe <jane@example.com>\n",
		"Reviewed-on: https://review.example.com/c/p/+/1\n",
		"Project: p\n",
		"Branch: refs/heads/master\n",
	} {
		if !strings.Contains(note, line) {
			t.Errorf("note %q lacks %q", note, line)
		}
	}
}

func TestMergeBranch(t *testing.T) {
	f := setup(t, project.MergeIfNecessary)
	b := f.repo.Commit("b", map[string]string{"a": "a\n", "b": "b\n"}, f.base)
	x := f.create(t, b, "")
	m := f.op(Deps{})

	branches, err := m.Submit(f.ctx, x.ID, jane, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if want := []change.Branch{x.Dest}; !reflect.DeepEqual(branches, want) {
		t.Errorf("branches = %v, want %v", branches, want)
	}
	if got := f.get(t, x.ID); got.Status != change.Submitted {
		t.Errorf("change is %s, want SUBMITTED", got.Status)
	}
	if got := f.repo.Ref(repository.MasterRef); got != f.base {
		t.Errorf("master moved to %s before the merge", got)
	}

	res, err := m.MergeBranch(f.ctx, x.Dest, nil)
	if err != nil {
		t.Fatal(err)
	}
	if want := []change.ID{x.ID}; !reflect.DeepEqual(res.Merged(), want) {
		t.Errorf("merged = %v, want %v", res.Merged(), want)
	}
	if got := f.repo.Ref(repository.MasterRef); got != b {
		t.Errorf("master = %s, want %s", got, b)
	}
}

func TestMergeable(t *testing.T) {
	f := setup(t, project.MergeIfNecessary)
	c := f.repo.Commit("c", map[string]string{"a": "c\n"}, f.base)
	f.repo.SetRef(repository.MasterRef, c)
	clean := f.create(t, f.repo.Commit("b", map[string]string{"a": "a\n", "b": "b\n"}, f.base), "")
	conflict := f.create(t, f.repo.Commit("d", map[string]string{"a": "d\n"}, f.base), "")
	m := f.op(Deps{})

	for _, tc := range []struct {
		id   change.ID
		want bool
	}{
		{clean.ID, true},
		{conflict.ID, false},
	} {
		got, err := m.Mergeable(f.ctx, tc.id)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("Mergeable(%d) = %v, want %v", tc.id, got, tc.want)
		}
	}
	if got := f.repo.Ref(repository.MasterRef); got != c {
		t.Errorf("master moved to %s", got)
	}
}

func TestMergeCrissCrossNeedsManualMerge(t *testing.T) {
	f := setup(t, project.MergeIfNecessary)
	left := f.repo.Commit("left", map[string]string{"a": "L\n"}, f.base)
	right := f.repo.Commit("right", map[string]string{"a": "a\n", "r": "r\n"}, f.base)
	m1 := f.repo.Commit("m1", map[string]string{"a": "L\n", "r": "r\n"}, left, right)
	ours := f.repo.Commit("ours", map[string]string{"a": "L\n", "r": "r\n", "o": "o\n"}, m1)
	f.repo.SetRef(repository.MasterRef, ours)
	m2 := f.repo.Commit("m2", map[string]string{"a": "L\n", "r": "r\n"}, right, left)
	x := f.create(t, m2, "")

	res, err := f.op(Deps{}).Merge(f.ctx, x.ID, jane, Options{})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("Merge() error = %v, want a ConflictError", err)
	}
	if got := res.Status[x.ID]; got != ManualRecursiveMerge {
		t.Errorf("status = %s, want %s", got, ManualRecursiveMerge)
	}
	if ce.Problems[x.ID] != ManualRecursiveMerge.Description() {
		t.Errorf("problem = %q", ce.Problems[x.ID])
	}
	if got := f.repo.Ref(repository.MasterRef); got != ours {
		t.Errorf("master moved to %s", got)
	}
	if got := f.get(t, x.ID); got.Status != change.New {
		t.Errorf("change is %s, want NEW", got.Status)
	}
}

func TestRebaseRefusesRootCommit(t *testing.T) {
	f := setup(t, project.RebaseIfNecessary)
	root := f.repo.Commit("root", map[string]string{"r": "r\n"})
	x := f.create(t, root, "")

	res, err := f.op(Deps{}).Merge(f.ctx, x.ID, jane, Options{})
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("Merge() error = %v, want a ConflictError", err)
	}
	if got := res.Status[x.ID]; got != CannotRebaseRoot {
		t.Errorf("status = %s, want %s", got, CannotRebaseRoot)
	}
	if ce.Problems[x.ID] != CannotRebaseRoot.Description() {
		t.Errorf("problem = %q", ce.Problems[x.ID])
	}
	if got := f.repo.Ref(repository.MasterRef); got != f.base {
		t.Errorf("master moved to %s", got)
	}
	if got := f.get(t, x.ID); got.Status != change.New || got.CurrentPatchSet != 1 {
		t.Errorf("change = %+v", got)
	}
	if msg := f.lastMessage(t, x.ID); msg.Text != CannotRebaseRoot.Description() {
		t.Errorf("message = %q", msg.Text)
	}
}

func TestCherryPickFastForwardsMergeCommit(t *testing.T) {
	f := setup(t, project.CherryPick)
	c := f.repo.Commit("c", map[string]string{"a": "a\n", "c": "c\n"}, f.base)
	f.repo.SetRef(repository.MasterRef, c)
	side := f.repo.Commit("side", map[string]string{"a": "a\n", "s": "s\n"}, f.base)
	f.repo.SetRef("refs/heads/side", side)
	m := f.repo.Commit("m", map[string]string{"a": "a\n", "c": "c\n", "s": "s\n"}, c, side)
	x := f.create(t, m, "")

	res, err := f.op(Deps{}).Merge(f.ctx, x.ID, jane, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Status[x.ID]; got != CleanMerge {
		t.Errorf("status = %s, want %s", got, CleanMerge)
	}
	if got := f.repo.Ref(repository.MasterRef); got != m {
		t.Errorf("master = %s, want the merge commit %s", got, m)
	}
	if got := f.get(t, x.ID); got.Status != change.Merged || got.CurrentPatchSet != 1 {
		t.Errorf("change = %+v", got)
	}
}

func TestRebaseMergesMergeCommit(t *testing.T) {
	f := setup(t, project.RebaseIfNecessary)
	c := f.repo.Commit("c", map[string]string{"a": "a\n", "c": "c\n"}, f.base)
	d := f.repo.Commit("d", map[string]string{"a": "a\n", "c": "c\n", "d": "d\n"}, c)
	f.repo.SetRef(repository.MasterRef, d)
	side := f.repo.Commit("side", map[string]string{"a": "a\n", "s": "s\n"}, f.base)
	f.repo.SetRef("refs/heads/side", side)
	m := f.repo.Commit("m", map[string]string{"a": "a\n", "c": "c\n", "s": "s\n"}, c, side)
	x := f.create(t, m, "")

	res, err := f.op(Deps{}).Merge(f.ctx, x.ID, jane, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Status[x.ID]; got != CleanMerge {
		t.Errorf("status = %s, want %s", got, CleanMerge)
	}
	tip := f.commit(t, f.repo.Ref(repository.MasterRef))
	if want := []string{d, m}; !reflect.DeepEqual(tip.Parents, want) {
		t.Errorf("merge parents = %v, want %v", tip.Parents, want)
	}
	if tip.Message != "Merge \"m\"\n" {
		t.Errorf("merge message = %q", tip.Message)
	}
	for path, want := range map[string]string{"c": "c\n", "d": "d\n", "s": "s\n"} {
		if got := f.repo.File(tip.Hash, path); got != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}
	if got := f.get(t, x.ID); got.Status != change.Merged || got.CurrentPatchSet != 1 {
		t.Errorf("change = %+v", got)
	}
}
