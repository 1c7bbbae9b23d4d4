package commands

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/config"
	"msrl.dev/git-submit/repository"
	"msrl.dev/git-submit/repository/repotest"
	"msrl.dev/git-submit/store/sqlite"
)

// --- Flag reset helpers ---
// Each reset restores the global flag variables for a command's FlagSet
// to their default values. Called via defer at the top of each test.

func resetCreateFlags() {
	*createBranch = "master"
	*createTopic = ""
	*createAs = 0
	*createDraft = false
}

func resetApproveFlags() {
	*approveLabel = change.CodeReview
	*approveValue = 2
	*approveAs = 0
}

func resetSubmitFlags() {
	*submitDryRun = false
	*submitAsync = false
	*submitSkipRules = false
	*submitAs = 0
}

func resetShowFlags() {
	*showJSONOutput = false
	*showMirror = false
}

func resetAllFlags() {
	resetCreateFlags()
	resetApproveFlags()
	resetSubmitFlags()
	resetShowFlags()
	*abandonMessage = ""
	*abandonAs = 0
	*accountAdmin = false
	*deleteDraftAs = 0
	*mergeQueueInterval = 0
	*mergeQueueDrain = time.Minute
}

type testEnv struct {
	*Env
	repo *repotest.Builder
	out  *bytes.Buffer
	base string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	resetAllFlags()
	t.Cleanup(resetAllFlags)

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "review.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	repos := repository.NewMemoryManager()
	b := repotest.For(t, repos.Create("p"))
	base := b.Commit("base", map[string]string{"a": "a\n"})
	b.SetRef(repository.MasterRef, base)

	cfg := config.DefaultConfig()
	cfg.SiteURL = "https://review.example.com/"
	env := NewEnv(cfg, store, repos, nil)
	t.Cleanup(func() { env.Close() })
	out := &bytes.Buffer{}
	env.Out = out
	te := &testEnv{Env: env, repo: b, out: out, base: base}
	te.run(t, "account", "-admin", "1", "Jane Doe", "jane@example.com")
	return te
}

// run executes a command and returns what it printed.
func (e *testEnv) run(t *testing.T, name string, args ...string) string {
	t.Helper()
	e.out.Reset()
	if err := CommandMap[name].Run(e.Env, args); err != nil {
		t.Fatalf("%s %v: %v", name, args, err)
	}
	resetAllFlags()
	return e.out.String()
}

func (e *testEnv) fail(t *testing.T, name string, args ...string) error {
	t.Helper()
	e.out.Reset()
	err := CommandMap[name].Run(e.Env, args)
	if err == nil {
		t.Fatalf("%s %v succeeded, want an error", name, args)
	}
	resetAllFlags()
	return err
}

func (e *testEnv) change(t *testing.T, id change.ID) *change.Change {
	t.Helper()
	c, err := e.Store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCommandMapEntries(t *testing.T) {
	for _, name := range []string{"abandon", "account", "approve", "create", "delete-draft", "merge-queue", "mergeable", "rebuild-mirror", "show", "submit"} {
		cmd, ok := CommandMap[name]
		if !ok {
			t.Errorf("CommandMap lacks %q", name)
			continue
		}
		if cmd.Usage == nil || cmd.RunMethod == nil {
			t.Errorf("command %q is incomplete", name)
		}
	}
}

func TestCommandRun(t *testing.T) {
	var got []string
	cmd := &Command{RunMethod: func(_ *Env, args []string) error {
		got = args
		return nil
	}}
	if err := cmd.Run(nil, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "a,b" {
		t.Errorf("RunMethod got %v", got)
	}
}

func TestCreateLeavesNoChangeWhenRefIsTaken(t *testing.T) {
	e := newTestEnv(t)
	tip := e.repo.Commit("Add b", map[string]string{"a": "a\n", "b": "b\n"}, e.base)
	e.repo.SetRef("refs/changes/01/1/1", e.base)

	err := e.fail(t, "create", "-as", "1", "p", tip)
	if !errors.Is(err, repository.ErrLockFailure) {
		t.Errorf("create failed with %v, want a lock failure", err)
	}
	if _, err := e.Store.Get(context.Background(), 1); !errors.Is(err, change.ErrNotFound) {
		t.Errorf("Get(1) = %v, want not found", err)
	}
	all, err := e.Store.ByProject(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("project has %d changes after a failed create", len(all))
	}
	if got := e.repo.Ref("refs/changes/01/1/1"); got != e.base {
		t.Errorf("taken ref moved to %q", got)
	}

	// The reserved id is skipped, not reused.
	out := e.run(t, "create", "-as", "1", "p", tip)
	if !strings.HasPrefix(out, "Created change 2 (I") {
		t.Errorf("second create printed %q", out)
	}
	if got := e.repo.Ref("refs/changes/02/2/1"); got != tip {
		t.Errorf("patch set ref = %q, want %q", got, tip)
	}
}

func TestCreateApproveSubmit(t *testing.T) {
	e := newTestEnv(t)
	tip := e.repo.Commit("Add b", map[string]string{"a": "a\n", "b": "b\n"}, e.base)

	out := e.run(t, "create", "-as", "1", "p", tip)
	if !strings.HasPrefix(out, "Created change 1 (I") {
		t.Fatalf("create printed %q", out)
	}
	c := e.change(t, 1)
	if c.Subject != "Add b" || c.Owner != 1 || c.Dest.Ref != repository.MasterRef {
		t.Errorf("created change = %+v", c)
	}
	if got := e.repo.Ref(c.CurrentPatchSetID().RefName()); got != tip {
		t.Errorf("patch set ref = %q, want %q", got, tip)
	}

	err := e.fail(t, "submit", "-as", "1", "1")
	if !strings.Contains(err.Error(), "needs Code-Review") {
		t.Errorf("submit without votes failed with %v", err)
	}

	if out := e.run(t, "approve", "-as", "1", "1"); out != "Code-Review+2 on change 1\n" {
		t.Errorf("approve printed %q", out)
	}
	if out := e.run(t, "mergeable", "1"); out != "true\n" {
		t.Errorf("mergeable printed %q", out)
	}

	out = e.run(t, "submit", "-as", "1", "1")
	if !strings.HasPrefix(out, "Submitted 1 of 1 change(s) in ") {
		t.Errorf("submit printed %q", out)
	}
	if got := e.repo.Ref(repository.MasterRef); got != tip {
		t.Errorf("master = %q, want %q", got, tip)
	}
	if c := e.change(t, 1); c.Status != change.Merged {
		t.Errorf("status = %v, want merged", c.Status)
	}

	out = e.run(t, "show", "1")
	for _, want := range []string{"[merged] 1 ", "  Add b\n", "Code-Review+2 by 1", "Change has been successfully merged by Jane Doe"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output lacks %q:\n%s", want, out)
		}
	}
}

func TestApproveValidation(t *testing.T) {
	e := newTestEnv(t)
	tip := e.repo.Commit("b", map[string]string{"b": "b\n"}, e.base)
	e.run(t, "create", "-as", "1", "p", tip)

	for _, tc := range []struct {
		args []string
		want string
	}{
		{[]string{"1"}, "requires an account"},
		{[]string{"-as", "1", "-label", change.SubmitLabel, "1"}, "reserved"},
		{[]string{"-as", "1", "-value", "3", "1"}, "between -2 and 2"},
		{[]string{"-as", "1", "-label", "Verified", "1"}, "unknown label"},
		{[]string{"-as", "7", "1"}, "account 7"},
	} {
		err := e.fail(t, "approve", tc.args...)
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("approve %v = %v, want it to mention %q", tc.args, err, tc.want)
		}
	}
}

func TestSubmitDryRun(t *testing.T) {
	e := newTestEnv(t)
	tip := e.repo.Commit("b", map[string]string{"b": "b\n"}, e.base)
	e.run(t, "create", "-as", "1", "p", tip)
	e.run(t, "approve", "-as", "1", "1")

	out := e.run(t, "submit", "-dry-run", "1")
	if !strings.HasPrefix(out, "Would submit 1 of 1 change(s)") {
		t.Errorf("submit -dry-run printed %q", out)
	}
	if got := e.repo.Ref(repository.MasterRef); got != e.base {
		t.Errorf("dry run moved master to %q", got)
	}
	if c := e.change(t, 1); c.Status != change.New {
		t.Errorf("status = %v, want new", c.Status)
	}

	if err := e.fail(t, "submit", "-dry-run", "-async", "1"); !strings.Contains(err.Error(), "Only one of") {
		t.Errorf("conflicting flags gave %v", err)
	}
}

func TestAsyncSubmitMergeQueue(t *testing.T) {
	e := newTestEnv(t)
	tip := e.repo.Commit("b", map[string]string{"b": "b\n"}, e.base)
	e.run(t, "create", "-as", "1", "p", tip)
	e.run(t, "approve", "-as", "1", "1")

	if out := e.run(t, "submit", "-async", "-as", "1", "1"); out != "Queued p:master\n" {
		t.Errorf("submit -async printed %q", out)
	}
	if c := e.change(t, 1); c.Status != change.Submitted {
		t.Errorf("status = %v, want submitted", c.Status)
	}
	if got := e.repo.Ref(repository.MasterRef); got != e.base {
		t.Errorf("async submit moved master to %q", got)
	}

	if out := e.run(t, "merge-queue"); out != "Processed 1 branch(es)\n" {
		t.Errorf("merge-queue printed %q", out)
	}
	if got := e.repo.Ref(repository.MasterRef); got != tip {
		t.Errorf("master = %q, want %q", got, tip)
	}
	if c := e.change(t, 1); c.Status != change.Merged {
		t.Errorf("status = %v, want merged", c.Status)
	}
}

func TestAbandon(t *testing.T) {
	e := newTestEnv(t)
	tip := e.repo.Commit("b", map[string]string{"b": "b\n"}, e.base)
	e.run(t, "create", "-as", "1", "p", tip)

	if out := e.run(t, "abandon", "-as", "1", "-m", "Not needed.", "1"); out != "Abandoned change 1\n" {
		t.Errorf("abandon printed %q", out)
	}
	if c := e.change(t, 1); c.Status != change.Abandoned {
		t.Errorf("status = %v, want abandoned", c.Status)
	}
	if err := e.fail(t, "approve", "-as", "1", "1"); !strings.Contains(err.Error(), "is ABANDONED") {
		t.Errorf("approving an abandoned change gave %v", err)
	}
}

func TestDeleteDraft(t *testing.T) {
	e := newTestEnv(t)
	tip := e.repo.Commit("b", map[string]string{"b": "b\n"}, e.base)
	other := e.repo.Commit("c", map[string]string{"c": "c\n"}, e.base)
	e.run(t, "create", "-as", "1", "-draft", "p", tip)
	e.run(t, "create", "-as", "1", "p", other)
	if c := e.change(t, 1); c.Status != change.Draft {
		t.Fatalf("status = %v, want draft", c.Status)
	}
	ref := e.change(t, 1).CurrentPatchSetID().RefName()

	if out := e.run(t, "delete-draft", "-as", "1", "1"); out != "Deleted draft 1\n" {
		t.Errorf("delete-draft printed %q", out)
	}
	if _, err := e.Store.Get(context.Background(), 1); !errors.Is(err, change.ErrNotFound) {
		t.Errorf("Get(1) after delete = %v, want ErrNotFound", err)
	}
	if got := e.repo.Ref(ref); got != "" {
		t.Errorf("%s = %q after delete", ref, got)
	}

	if err := e.fail(t, "delete-draft", "2"); !errors.Is(err, change.ErrConflict) {
		t.Errorf("deleting a non-draft gave %v", err)
	}
}

func TestShowMirror(t *testing.T) {
	e := newTestEnv(t)
	tip := e.repo.Commit("b", map[string]string{"b": "b\n"}, e.base)
	e.run(t, "create", "-as", "1", "p", tip)

	if out := e.run(t, "rebuild-mirror"); out != "Rebuilt p\n" {
		t.Errorf("rebuild-mirror printed %q", out)
	}
	out := e.run(t, "show", "-mirror", "1")
	if !strings.HasPrefix(out, "{") {
		t.Errorf("show -mirror printed %q", out)
	}
	out = e.run(t, "show", "-json", "1")
	if !strings.Contains(out, `"Subject": "b"`) {
		t.Errorf("show -json printed %q", out)
	}
}

func TestLoadChangeRejectsBadIDs(t *testing.T) {
	e := newTestEnv(t)
	for _, arg := range []string{"x", "0", "-3"} {
		if _, err := e.loadChange(context.Background(), arg); err == nil {
			t.Errorf("loadChange(%q) succeeded", arg)
		}
	}
}
