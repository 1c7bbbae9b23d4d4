package repository

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/filemode"
)

// MergeStrategy selects how trees are combined.
type MergeStrategy int

const (
	// SimpleTwoWayInCore conflicts whenever both sides touch the same path.
	SimpleTwoWayInCore MergeStrategy = iota
	// Resolve merges file contents line by line against a single base.
	Resolve
	// Recursive is Resolve with a virtual base built from multiple bases.
	Recursive
)

func (s MergeStrategy) String() string {
	switch s {
	case SimpleTwoWayInCore:
		return "simple-two-way-in-core"
	case Resolve:
		return "resolve"
	case Recursive:
		return "recursive"
	}
	return fmt.Sprintf("MergeStrategy(%d)", int(s))
}

// MaxBases bounds the number of merge bases folded into a virtual base.
const MaxBases = 200

// MergeConflictError lists the paths that could not be merged.
type MergeConflictError struct {
	Paths []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict in %s", strings.Join(e.Paths, ", "))
}

// IsMergeConflict reports whether err is a content or path conflict.
func IsMergeConflict(err error) bool {
	var mc *MergeConflictError
	return errors.As(err, &mc)
}

// NoMergeBaseReason explains a NoMergeBaseError.
type NoMergeBaseReason int

const (
	TooManyMergeBases NoMergeBaseReason = iota
	ConflictsDuringMergeBaseCalculation
	MultipleMergeBasesNotSupported
)

func (r NoMergeBaseReason) String() string {
	switch r {
	case TooManyMergeBases:
		return "TOO_MANY_MERGE_BASES"
	case ConflictsDuringMergeBaseCalculation:
		return "CONFLICTS_DURING_MERGE_BASE_CALCULATION"
	case MultipleMergeBasesNotSupported:
		return "MULTIPLE_MERGE_BASES_NOT_SUPPORTED"
	}
	return "UNKNOWN"
}

// NoMergeBaseError is returned when no usable merge base could be found.
type NoMergeBaseError struct {
	Reason NoMergeBaseReason
	Err    error
}

func (e *NoMergeBaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("no merge base (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("no merge base (%s)", e.Reason)
}

func (e *NoMergeBaseError) Unwrap() error {
	return e.Err
}

// Merger combines commits in memory, writing new objects through its
// inserter.
type Merger struct {
	ins      *Inserter
	strategy MergeStrategy
}

// NewMerger returns a merger using the given strategy.
func (ins *Inserter) NewMerger(strategy MergeStrategy) *Merger {
	return &Merger{ins: ins, strategy: strategy}
}

// Strategy returns the merger's strategy.
func (m *Merger) Strategy() MergeStrategy {
	return m.strategy
}

// Merge merges theirs into ours and returns the resulting tree.
func (m *Merger) Merge(ours, theirs string) (string, error) {
	bases, err := m.ins.MergeBases(ours, theirs)
	if err != nil {
		return "", err
	}
	baseTree, err := m.baseTree(bases)
	if err != nil {
		return "", err
	}
	return m.mergeCommits(baseTree, ours, theirs)
}

// MergeWithBase merges theirs into ours using base as the common ancestor.
// An empty base merges against the empty tree.
func (m *Merger) MergeWithBase(base, ours, theirs string) (string, error) {
	baseTree := ""
	if base != "" {
		c, err := m.ins.Commit(base)
		if err != nil {
			return "", err
		}
		baseTree = c.Tree
	}
	return m.mergeCommits(baseTree, ours, theirs)
}

func (m *Merger) mergeCommits(baseTree, ours, theirs string) (string, error) {
	o, err := m.ins.Commit(ours)
	if err != nil {
		return "", err
	}
	t, err := m.ins.Commit(theirs)
	if err != nil {
		return "", err
	}
	return m.MergeTrees(baseTree, o.Tree, t.Tree)
}

func (m *Merger) baseTree(bases []string) (string, error) {
	switch {
	case len(bases) == 0:
		return "", nil
	case len(bases) == 1:
		c, err := m.ins.Commit(bases[0])
		if err != nil {
			return "", err
		}
		return c.Tree, nil
	case m.strategy != Recursive:
		return "", &NoMergeBaseError{Reason: MultipleMergeBasesNotSupported}
	case len(bases) > MaxBases:
		return "", &NoMergeBaseError{Reason: TooManyMergeBases}
	}
	virtual, err := m.virtualBase(bases)
	if err != nil {
		return "", err
	}
	c, err := m.ins.Commit(virtual)
	if err != nil {
		return "", err
	}
	return c.Tree, nil
}

// virtualBase merges the bases pairwise into a synthetic commit.
func (m *Merger) virtualBase(bases []string) (string, error) {
	cur := bases[0]
	for _, next := range bases[1:] {
		sub, err := m.ins.MergeBases(cur, next)
		if err != nil {
			return "", err
		}
		subTree, err := m.baseTree(sub)
		if err != nil {
			return "", err
		}
		tree, err := m.mergeCommits(subTree, cur, next)
		if err != nil {
			if IsMergeConflict(err) {
				return "", &NoMergeBaseError{Reason: ConflictsDuringMergeBaseCalculation, Err: err}
			}
			return "", err
		}
		cur, err = m.ins.InsertCommit(&CommitDetails{
			Author:    Signature{Name: "virtual", Email: "virtual"},
			Committer: Signature{Name: "virtual", Email: "virtual"},
			Tree:      tree,
			Parents:   []string{cur, next},
			Message:   "virtual merge base\n",
		})
		if err != nil {
			return "", err
		}
	}
	return cur, nil
}

type flatEntry struct {
	mode filemode.FileMode
	hash string
}

func (m *Merger) flatten(treeHash string) (map[string]flatEntry, error) {
	files := make(map[string]flatEntry)
	if treeHash == "" {
		return files, nil
	}
	var walk func(hash, prefix string) error
	walk = func(hash, prefix string) error {
		t, err := m.ins.tree(hash)
		if err != nil {
			return err
		}
		for _, e := range t.Entries {
			p := prefix + e.Name
			if e.Mode == filemode.Dir {
				if err := walk(e.Hash.String(), p+"/"); err != nil {
					return err
				}
				continue
			}
			files[p] = flatEntry{mode: e.Mode, hash: e.Hash.String()}
		}
		return nil
	}
	return files, walk(treeHash, "")
}

func isRegular(mode filemode.FileMode) bool {
	return mode == filemode.Regular || mode == filemode.Executable || mode == filemode.Deprecated
}

// MergeTrees performs a three-way merge of tree objects. An empty base is
// the empty tree.
func (m *Merger) MergeTrees(base, ours, theirs string) (string, error) {
	b, err := m.flatten(base)
	if err != nil {
		return "", err
	}
	o, err := m.flatten(ours)
	if err != nil {
		return "", err
	}
	t, err := m.flatten(theirs)
	if err != nil {
		return "", err
	}

	paths := make(map[string]bool)
	for _, files := range []map[string]flatEntry{b, o, t} {
		for p := range files {
			paths[p] = true
		}
	}

	result := make(map[string]flatEntry)
	var conflicts []string
	for p := range paths {
		be, inB := b[p]
		oe, inO := o[p]
		te, inT := t[p]
		switch {
		case inO == inT && oe == te:
			if inO {
				result[p] = oe
			}
		case inB == inO && be == oe:
			if inT {
				result[p] = te
			}
		case inB == inT && be == te:
			if inO {
				result[p] = oe
			}
		case m.strategy == SimpleTwoWayInCore, !inO, !inT:
			conflicts = append(conflicts, p)
		default:
			e, ok, err := m.mergeContent(be, inB, oe, te)
			if err != nil {
				return "", err
			}
			if !ok {
				conflicts = append(conflicts, p)
				continue
			}
			result[p] = e
		}
	}

	for p := range result {
		for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
			if _, ok := result[dir]; ok {
				conflicts = append(conflicts, dir, p)
			}
		}
	}
	if len(conflicts) > 0 {
		return "", &MergeConflictError{Paths: uniqueSorted(conflicts)}
	}
	return m.buildTree(result)
}

func (m *Merger) mergeContent(be flatEntry, inB bool, oe, te flatEntry) (flatEntry, bool, error) {
	if !isRegular(oe.mode) || !isRegular(te.mode) || (inB && !isRegular(be.mode)) {
		return flatEntry{}, false, nil
	}
	mode := oe.mode
	switch {
	case oe.mode == te.mode:
	case inB && be.mode == oe.mode:
		mode = te.mode
	case inB && be.mode == te.mode:
	default:
		return flatEntry{}, false, nil
	}

	baseText := ""
	if inB {
		var err error
		if baseText, err = m.ins.blob(be.hash); err != nil {
			return flatEntry{}, false, err
		}
	}
	oursText, err := m.ins.blob(oe.hash)
	if err != nil {
		return flatEntry{}, false, err
	}
	theirsText, err := m.ins.blob(te.hash)
	if err != nil {
		return flatEntry{}, false, err
	}
	if isBinary(baseText) || isBinary(oursText) || isBinary(theirsText) {
		return flatEntry{}, false, nil
	}
	merged, clean := merge3(baseText, oursText, theirsText)
	if !clean {
		return flatEntry{}, false, nil
	}
	h, err := m.ins.InsertBlob(merged)
	if err != nil {
		return flatEntry{}, false, err
	}
	return flatEntry{mode: mode, hash: h}, true, nil
}

func (m *Merger) buildTree(files map[string]flatEntry) (string, error) {
	type dir struct {
		files map[string]flatEntry
		dirs  map[string]map[string]flatEntry
	}
	d := dir{files: make(map[string]flatEntry), dirs: make(map[string]map[string]flatEntry)}
	for p, e := range files {
		head, rest, nested := strings.Cut(p, "/")
		if !nested {
			d.files[head] = e
			continue
		}
		if d.dirs[head] == nil {
			d.dirs[head] = make(map[string]flatEntry)
		}
		d.dirs[head][rest] = e
	}
	var entries []TreeEntry
	for name, e := range d.files {
		entries = append(entries, TreeEntry{Name: name, Mode: e.mode, Hash: e.hash})
	}
	for name, sub := range d.dirs {
		h, err := m.buildTree(sub)
		if err != nil {
			return "", err
		}
		entries = append(entries, TreeEntry{Name: name, Mode: filemode.Dir, Hash: h})
	}
	return m.ins.InsertTree(entries)
}

func uniqueSorted(in []string) []string {
	sort.Strings(in)
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}

// InsertFiles stores a tree holding the given path to contents mapping and
// returns its hash.
func (ins *Inserter) InsertFiles(files map[string]string) (string, error) {
	flat := make(map[string]flatEntry, len(files))
	for p, contents := range files {
		h, err := ins.InsertBlob(contents)
		if err != nil {
			return "", err
		}
		flat[p] = flatEntry{mode: filemode.Regular, hash: h}
	}
	return ins.NewMerger(Resolve).buildTree(flat)
}
