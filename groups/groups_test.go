package groups

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/repository"
	"msrl.dev/git-submit/repository/repotest"
)

func fakeHash(c byte) string {
	return strings.Repeat(string(c), 40)
}

func commit(hash string, parents ...string) *repository.CommitDetails {
	return &repository.CommitDetails{Hash: hash, Parents: parents}
}

func noLookup(context.Context, change.PatchSetID) ([]string, error) {
	return nil, nil
}

func mustGroups(t *testing.T, c *Collector) map[string][]string {
	t.Helper()
	got, err := c.Groups(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestLinearChainSharesFirstCommit(t *testing.T) {
	base, c1, c2 := fakeHash('0'), fakeHash('1'), fakeHash('2')
	c := NewCollector(nil, noLookup)
	// base is not visited, so c1 has no interesting parents.
	c.Visit(commit(c1, base))
	c.Visit(commit(c2, c1))
	got := mustGroups(t, c)
	want := []string{c1}
	if !reflect.DeepEqual(got[c1], want) || !reflect.DeepEqual(got[c2], want) {
		t.Errorf("groups = %v, want both %v", got, want)
	}
}

func TestMergeOfNewGroupsAliases(t *testing.T) {
	p1, p2, m := fakeHash('b'), fakeHash('a'), fakeHash('c')
	c := NewCollector(nil, noLookup)
	c.Visit(commit(p1))
	c.Visit(commit(p2))
	c.Visit(commit(m, p1, p2))
	got := mustGroups(t, c)
	// The smallest new group wins.
	want := []string{p2}
	for _, h := range []string{p1, p2, m} {
		if !reflect.DeepEqual(got[h], want) {
			t.Errorf("groups[%s] = %v, want %v", h[:1], got[h], want)
		}
	}
}

func TestMergeKeepsAnchoredGroups(t *testing.T) {
	old, fresh, m := fakeHash('e'), fakeHash('1'), fakeHash('f')
	existing := map[string][]change.PatchSetID{
		old: {{Change: 7, Number: 1}},
	}
	lookup := func(_ context.Context, id change.PatchSetID) ([]string, error) {
		if id == (change.PatchSetID{Change: 7, Number: 1}) {
			return []string{"stored-group"}, nil
		}
		return nil, nil
	}
	c := NewCollector(existing, lookup)
	c.Visit(commit(old))
	c.Visit(commit(fresh))
	c.Visit(commit(m, old, fresh))
	got := mustGroups(t, c)
	want := []string{"stored-group"}
	for _, h := range []string{old, fresh, m} {
		if !reflect.DeepEqual(got[h], want) {
			t.Errorf("groups[%s] = %v, want %v", h[:1], got[h], want)
		}
	}
}

func TestExistingPatchSetWithoutGroupsResolvesToItself(t *testing.T) {
	old := fakeHash('d')
	existing := map[string][]change.PatchSetID{old: {{Change: 1, Number: 1}}}
	c := NewCollector(existing, noLookup)
	c.Visit(commit(old))
	got := mustGroups(t, c)
	if want := []string{old}; !reflect.DeepEqual(got[old], want) {
		t.Errorf("groups = %v, want %v", got[old], want)
	}
}

func TestCyclicAliasesTerminate(t *testing.T) {
	a, b := fakeHash('a'), fakeHash('b')
	c := NewCollector(nil, noLookup)
	c.Visit(commit(a))
	c.Visit(commit(b))
	c.aliases[a] = []string{b}
	c.aliases[b] = []string{a}
	if cyc := c.aliasCycle(); cyc == "" {
		t.Error("aliasCycle did not report the cycle")
	}
	got := mustGroups(t, c)
	if want := []string{a}; !reflect.DeepEqual(got[a], want) {
		t.Errorf("groups[a] = %v, want %v", got[a], want)
	}
}

func TestCollectWalksParentsFirst(t *testing.T) {
	r := repotest.New(t, "p")
	base := r.Commit("base", map[string]string{"f": "0\n"})
	x := r.Commit("x", map[string]string{"f": "0\n", "x": "x\n"}, base)
	y := r.Commit("y", map[string]string{"f": "0\n", "y": "y\n"}, base)
	m := r.Commit("m", map[string]string{"f": "0\n", "x": "x\n", "y": "y\n"}, x, y)

	w := r.Repo.NewDryRunInserter().NewRevWalk()
	w.MarkStart(m)
	w.MarkUninteresting(base)
	got, err := Collect(context.Background(), w, NewCollector(nil, noLookup))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("Collect returned %d commits, want 3", len(got))
	}
	want := got[m]
	if len(want) != 1 {
		t.Fatalf("merge groups = %v, want one group", want)
	}
	for _, h := range []string{x, y} {
		if !reflect.DeepEqual(got[h], want) {
			t.Errorf("groups[%s] = %v, want %v", h, got[h], want)
		}
	}
	if want[0] != x && want[0] != y {
		t.Errorf("merge group %s is not one of the parents", want[0])
	}
}

func TestDefaultGroups(t *testing.T) {
	if got := DefaultGroups("abc"); !reflect.DeepEqual(got, []string{"abc"}) {
		t.Errorf("DefaultGroups = %v", got)
	}
}
