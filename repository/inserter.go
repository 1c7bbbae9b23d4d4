package repository

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// TreeEntry is one entry of a tree object.
type TreeEntry struct {
	Name string
	Mode filemode.FileMode
	Hash string
}

// overlayStorer serves pending objects ahead of the repository's own
// object store.
type overlayStorer struct {
	storer.EncodedObjectStorer

	mu      sync.RWMutex
	pending map[plumbing.Hash]plumbing.EncodedObject
	order   []plumbing.Hash
}

func (s *overlayStorer) NewEncodedObject() plumbing.EncodedObject {
	return &plumbing.MemoryObject{}
}

func (s *overlayStorer) SetEncodedObject(obj plumbing.EncodedObject) (plumbing.Hash, error) {
	h := obj.Hash()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[h]; !ok {
		s.pending[h] = obj
		s.order = append(s.order, h)
	}
	return h, nil
}

func (s *overlayStorer) EncodedObject(t plumbing.ObjectType, h plumbing.Hash) (plumbing.EncodedObject, error) {
	s.mu.RLock()
	obj, ok := s.pending[h]
	s.mu.RUnlock()
	if ok {
		if t != plumbing.AnyObject && obj.Type() != t {
			return nil, plumbing.ErrObjectNotFound
		}
		return obj, nil
	}
	return s.EncodedObjectStorer.EncodedObject(t, h)
}

func (s *overlayStorer) HasEncodedObject(h plumbing.Hash) error {
	s.mu.RLock()
	_, ok := s.pending[h]
	s.mu.RUnlock()
	if ok {
		return nil
	}
	return s.EncodedObjectStorer.HasEncodedObject(h)
}

func (s *overlayStorer) EncodedObjectSize(h plumbing.Hash) (int64, error) {
	s.mu.RLock()
	obj, ok := s.pending[h]
	s.mu.RUnlock()
	if ok {
		return obj.Size(), nil
	}
	return s.EncodedObjectStorer.EncodedObjectSize(h)
}

// Inserter accumulates new objects. Readers and walkers created from an
// Inserter see its pending objects before they are flushed.
type Inserter struct {
	repo   *GitRepo
	dryRun bool
	s      *overlayStorer
}

func newInserter(repo *GitRepo, dryRun bool) *Inserter {
	return &Inserter{
		repo:   repo,
		dryRun: dryRun,
		s: &overlayStorer{
			EncodedObjectStorer: repo.gogit.Storer,
			pending:             make(map[plumbing.Hash]plumbing.EncodedObject),
		},
	}
}

// Repo returns the repository this inserter writes to.
func (ins *Inserter) Repo() *GitRepo {
	return ins.repo
}

// DryRun reports whether Flush is a no-op.
func (ins *Inserter) DryRun() bool {
	return ins.dryRun
}

// Pending returns the number of objects not yet flushed.
func (ins *Inserter) Pending() int {
	ins.s.mu.RLock()
	defer ins.s.mu.RUnlock()
	return len(ins.s.order)
}

// InsertBlob stores the given contents as a blob and returns its hash.
func (ins *Inserter) InsertBlob(contents string) (string, error) {
	obj := ins.s.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	// Writer, WriteString, and Close operate on an in-memory buffer
	// and cannot fail.
	w, _ := obj.Writer()
	io.WriteString(w, contents)
	w.Close()
	h, err := ins.s.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("failure storing a git blob: %v", err)
	}
	return h.String(), nil
}

// InsertTree stores a tree with the given entries and returns its hash.
func (ins *Inserter) InsertTree(entries []TreeEntry) (string, error) {
	treeEntries := make([]object.TreeEntry, 0, len(entries))
	for _, e := range entries {
		treeEntries = append(treeEntries, object.TreeEntry{
			Name: e.Name,
			Mode: e.Mode,
			Hash: plumbing.NewHash(e.Hash),
		})
	}
	// Git orders directories as if their names ended in '/'.
	sortKey := func(e object.TreeEntry) string {
		if e.Mode == filemode.Dir {
			return e.Name + "/"
		}
		return e.Name
	}
	sort.Slice(treeEntries, func(i, j int) bool {
		return sortKey(treeEntries[i]) < sortKey(treeEntries[j])
	})
	t := &object.Tree{Entries: treeEntries}
	obj := ins.s.NewEncodedObject()
	if err := t.Encode(obj); err != nil {
		return "", fmt.Errorf("failure storing a git tree: %v", err)
	}
	h, err := ins.s.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("failure storing a git tree: %v", err)
	}
	return h.String(), nil
}

// InsertCommit creates a commit object and returns its hash. Zero
// timestamps are replaced with the current time.
func (ins *Inserter) InsertCommit(details *CommitDetails) (string, error) {
	now := time.Now()
	author := object.Signature{Name: details.Author.Name, Email: details.Author.Email, When: details.Author.When}
	committer := object.Signature{Name: details.Committer.Name, Email: details.Committer.Email, When: details.Committer.When}
	if author.When.IsZero() {
		author.When = now
	}
	if committer.When.IsZero() {
		committer.When = now
	}
	var parentHashes []plumbing.Hash
	for _, p := range details.Parents {
		if p == "" {
			continue
		}
		parentHashes = append(parentHashes, plumbing.NewHash(p))
	}
	c := &object.Commit{
		Author:       author,
		Committer:    committer,
		Message:      details.Message,
		TreeHash:     plumbing.NewHash(details.Tree),
		ParentHashes: parentHashes,
	}
	obj := ins.s.NewEncodedObject()
	if err := c.Encode(obj); err != nil {
		return "", fmt.Errorf("failure creating commit: %v", err)
	}
	h, err := ins.s.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("failure creating commit: %v", err)
	}
	return h.String(), nil
}

// Flush writes pending objects to the repository in insertion order.
func (ins *Inserter) Flush() error {
	if ins.dryRun {
		return nil
	}
	ins.s.mu.Lock()
	defer ins.s.mu.Unlock()
	for _, h := range ins.s.order {
		if _, err := storeObject(ins.repo, ins.s.pending[h]); err != nil {
			return fmt.Errorf("flushing object %s: %v", h, err)
		}
		delete(ins.s.pending, h)
	}
	ins.s.order = nil
	return nil
}

func (ins *Inserter) commit(hash string) (*object.Commit, error) {
	c, err := object.GetCommit(ins.s, plumbing.NewHash(hash))
	if err != nil {
		return nil, fmt.Errorf("reading commit %s: %w", hash, err)
	}
	return c, nil
}

// Commit returns the details of a commit visible to this inserter.
func (ins *Inserter) Commit(hash string) (*CommitDetails, error) {
	c, err := ins.commit(hash)
	if err != nil {
		return nil, err
	}
	return commitDetails(c), nil
}

func (ins *Inserter) tree(hash string) (*object.Tree, error) {
	t, err := object.GetTree(ins.s, plumbing.NewHash(hash))
	if err != nil {
		return nil, fmt.Errorf("reading tree %s: %w", hash, err)
	}
	return t, nil
}

func (ins *Inserter) blob(hash string) (string, error) {
	b, err := object.GetBlob(ins.s, plumbing.NewHash(hash))
	if err != nil {
		return "", fmt.Errorf("reading blob %s: %w", hash, err)
	}
	r, err := b.Reader()
	if err != nil {
		return "", err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadFile returns the content of path in the given commit.
func (ins *Inserter) ReadFile(commit, path string) (string, error) {
	c, err := ins.commit(commit)
	if err != nil {
		return "", err
	}
	f, err := c.File(path)
	if err != nil {
		return "", fmt.Errorf("reading %s at %s: %w", path, commit, err)
	}
	return f.Contents()
}

// IsAncestor reports whether ancestor is reachable from descendant. A commit
// is its own ancestor.
func (ins *Inserter) IsAncestor(ancestor, descendant string) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	a, err := ins.commit(ancestor)
	if err != nil {
		return false, err
	}
	d, err := ins.commit(descendant)
	if err != nil {
		return false, err
	}
	return a.IsAncestor(d)
}

// MergeBases returns the best common ancestors of a and b.
func (ins *Inserter) MergeBases(a, b string) ([]string, error) {
	ca, err := ins.commit(a)
	if err != nil {
		return nil, err
	}
	cb, err := ins.commit(b)
	if err != nil {
		return nil, err
	}
	bases, err := ca.MergeBase(cb)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, 0, len(bases))
	for _, c := range bases {
		hashes = append(hashes, c.Hash.String())
	}
	sort.Strings(hashes)
	return hashes, nil
}
