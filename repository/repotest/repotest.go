// Package repotest builds commit graphs in memory for tests.
package repotest

import (
	"testing"
	"time"

	"msrl.dev/git-submit/repository"
)

// Epoch is the timestamp of the first commit made by a Builder.
var Epoch = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

// Builder creates commits in a repository with strictly increasing
// timestamps.
type Builder struct {
	t    *testing.T
	Repo *repository.GitRepo
	tick int
}

// New returns a Builder over a fresh in-memory repository.
func New(t *testing.T, name string) *Builder {
	t.Helper()
	return &Builder{t: t, Repo: repository.NewMemoryRepo(name)}
}

// For returns a Builder over an existing repository.
func For(t *testing.T, repo *repository.GitRepo) *Builder {
	return &Builder{t: t, Repo: repo}
}

func (b *Builder) next() time.Time {
	b.tick++
	return Epoch.Add(time.Duration(b.tick) * time.Minute)
}

// Commit writes a commit with the given files and parents and returns its
// hash.
func (b *Builder) Commit(msg string, files map[string]string, parents ...string) string {
	b.t.Helper()
	ins := b.Repo.NewInserter()
	tree, err := ins.InsertFiles(files)
	if err != nil {
		b.t.Fatalf("inserting tree: %v", err)
	}
	when := b.next()
	sig := repository.Signature{Name: "Author", Email: "author@example.com", When: when}
	hash, err := ins.InsertCommit(&repository.CommitDetails{
		Author:    sig,
		Committer: sig,
		Tree:      tree,
		Parents:   parents,
		Message:   msg + "\n",
	})
	if err != nil {
		b.t.Fatalf("inserting commit: %v", err)
	}
	if err := ins.Flush(); err != nil {
		b.t.Fatalf("flushing: %v", err)
	}
	return hash
}

// SetRef points ref at hash unconditionally.
func (b *Builder) SetRef(ref, hash string) {
	b.t.Helper()
	old, err := b.Repo.ResolveRef(ref)
	if err != nil {
		b.t.Fatal(err)
	}
	if err := b.Repo.SetRef(ref, hash, old); err != nil {
		b.t.Fatalf("setting %s: %v", ref, err)
	}
}

// Ref returns the value of ref, or "" if absent.
func (b *Builder) Ref(ref string) string {
	b.t.Helper()
	h, err := b.Repo.ResolveRef(ref)
	if err != nil {
		b.t.Fatal(err)
	}
	return h
}

// File reads path at the given commit.
func (b *Builder) File(commit, path string) string {
	b.t.Helper()
	s, err := b.Repo.ReadFile(commit, path)
	if err != nil {
		b.t.Fatalf("reading %s at %s: %v", path, commit, err)
	}
	return s
}
