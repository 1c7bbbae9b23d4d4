/*
Copyright 2015 Google Inc. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package repository contains helper methods for working with the Git repo.
package repository

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/memory"
)

// GitRepo represents an instance of a git repository.
type GitRepo struct {
	Path  string
	gogit *gogit.Repository

	// refMu serializes batch ref updates within this process.
	refMu sync.Mutex
}

var _ Repo = (*GitRepo)(nil)

// storeObject is a test seam for injecting object-storage failures.
var storeObject = func(repo *GitRepo, obj plumbing.EncodedObject) (plumbing.Hash, error) {
	return repo.gogit.Storer.SetEncodedObject(obj)
}

// setReference is a test seam for injecting ref write failures.
var setReference = func(repo *GitRepo, newRef, oldRef *plumbing.Reference) error {
	if oldRef == nil {
		return repo.gogit.Storer.SetReference(newRef)
	}
	return repo.gogit.Storer.CheckAndSetReference(newRef, oldRef)
}

// removeReference is a test seam for injecting ref deletion failures.
var removeReference = func(repo *GitRepo, name plumbing.ReferenceName) error {
	return repo.gogit.Storer.RemoveReference(name)
}

// gogitConfig is a test seam for injecting config read failures.
var gogitConfig = func(repo *GitRepo) (*config.Config, error) {
	return repo.gogit.Config()
}

// NewGitRepo opens the git repository at the given path.
func NewGitRepo(path string) (*GitRepo, error) {
	r, err := gogit.PlainOpen(path)
	if err == gogit.ErrRepositoryNotExists {
		r, err = gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{
			DetectDotGit: true,
		})
	}
	if err != nil {
		return nil, err
	}
	return &GitRepo{Path: path, gogit: r}, nil
}

// InitGitRepo creates a bare repository at the given path.
func InitGitRepo(path string) (*GitRepo, error) {
	r, err := gogit.PlainInit(path, true)
	if err != nil {
		return nil, err
	}
	return &GitRepo{Path: path, gogit: r}, nil
}

// NewMemoryRepo returns an empty repository held entirely in memory.
func NewMemoryRepo(name string) *GitRepo {
	// Init on a fresh memory storage with no worktree cannot fail.
	r, _ := gogit.Init(memory.NewStorage(), nil)
	return &GitRepo{Path: name, gogit: r}
}

var errNotInitialized = fmt.Errorf("repository not initialized")

// resolveRevision resolves a ref string (which may be HEAD, a full ref, or a
// commit hash) to a plumbing.Hash using go-git's ResolveRevision.
func (repo *GitRepo) resolveRevision(ref string) (plumbing.Hash, error) {
	if repo.gogit == nil {
		return plumbing.ZeroHash, errNotInitialized
	}
	if plumbing.IsHash(ref) {
		return plumbing.NewHash(ref), nil
	}
	h, err := repo.gogit.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return *h, nil
}

// resolveToCommit resolves a ref string to a commit object.
func (repo *GitRepo) resolveToCommit(ref string) (*object.Commit, error) {
	h, err := repo.resolveRevision(ref)
	if err != nil {
		return nil, err
	}
	return repo.gogit.CommitObject(h)
}

// GetPath returns the path to the repo.
func (repo *GitRepo) GetPath() string {
	return repo.Path
}

// ResolveRef returns the hash the named ref points to, or "" if it does not exist.
func (repo *GitRepo) ResolveRef(ref string) (string, error) {
	if repo.gogit == nil {
		return "", errNotInitialized
	}
	r, err := repo.gogit.Reference(plumbing.ReferenceName(ref), true)
	if err == plumbing.ErrReferenceNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return r.Hash().String(), nil
}

// Refs returns all hash refs whose name starts with prefix.
func (repo *GitRepo) Refs(prefix string) (map[string]string, error) {
	if repo.gogit == nil {
		return nil, errNotInitialized
	}
	iter, err := repo.gogit.References()
	if err != nil {
		return nil, err
	}
	refs := make(map[string]string)
	err = iter.ForEach(func(r *plumbing.Reference) error {
		name := r.Name().String()
		if r.Type() != plumbing.HashReference || !strings.HasPrefix(name, prefix) {
			return nil
		}
		refs[name] = r.Hash().String()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// HasObject returns whether or not the repo contains an object with the given hash.
func (repo *GitRepo) HasObject(hash string) (bool, error) {
	if repo.gogit == nil {
		return false, errNotInitialized
	}
	h := plumbing.NewHash(hash)
	_, err := repo.gogit.Storer.EncodedObject(plumbing.AnyObject, h)
	if err == plumbing.ErrObjectNotFound {
		return false, nil
	}
	return err == nil, err
}

func commitDetails(c *object.Commit) *CommitDetails {
	parents := make([]string, 0, len(c.ParentHashes))
	for _, p := range c.ParentHashes {
		parents = append(parents, p.String())
	}
	return &CommitDetails{
		Hash:      c.Hash.String(),
		Author:    Signature{Name: c.Author.Name, Email: c.Author.Email, When: c.Author.When},
		Committer: Signature{Name: c.Committer.Name, Email: c.Committer.Email, When: c.Committer.When},
		Tree:      c.TreeHash.String(),
		Parents:   parents,
		Message:   c.Message,
	}
}

// GetCommitDetails returns the details of a commit's metadata.
func (repo *GitRepo) GetCommitDetails(ref string) (*CommitDetails, error) {
	c, err := repo.resolveToCommit(ref)
	if err != nil {
		return nil, err
	}
	return commitDetails(c), nil
}

// IsAncestor determines if the first argument points to a commit that is an ancestor of the second.
func (repo *GitRepo) IsAncestor(ancestor, descendant string) (bool, error) {
	cAnc, err := repo.resolveToCommit(ancestor)
	if err != nil {
		return false, fmt.Errorf("Error while trying to determine commit ancestry: %v", err)
	}
	cDesc, err := repo.resolveToCommit(descendant)
	if err != nil {
		return false, fmt.Errorf("Error while trying to determine commit ancestry: %v", err)
	}
	if cAnc.Hash == cDesc.Hash {
		return true, nil
	}
	isAnc, err := cAnc.IsAncestor(cDesc)
	if err != nil {
		return false, fmt.Errorf("Error while trying to determine commit ancestry: %v", err)
	}
	return isAnc, nil
}

// MergeBases returns the best common ancestors of the two commits.
func (repo *GitRepo) MergeBases(a, b string) ([]string, error) {
	cA, err := repo.resolveToCommit(a)
	if err != nil {
		return nil, err
	}
	cB, err := repo.resolveToCommit(b)
	if err != nil {
		return nil, err
	}
	bases, err := cA.MergeBase(cB)
	if err != nil {
		return nil, err
	}
	var hashes []string
	for _, c := range bases {
		hashes = append(hashes, c.Hash.String())
	}
	return hashes, nil
}

// ReadFile returns the contents of the file at path in the given commit.
func (repo *GitRepo) ReadFile(commit, path string) (string, error) {
	c, err := repo.resolveToCommit(commit)
	if err != nil {
		return "", err
	}
	f, err := c.File(path)
	if err != nil {
		return "", fmt.Errorf("reading %s at %s: %w", path, commit, err)
	}
	return f.Contents()
}

// ConfigOption returns the value of section[.subsection].key from the repo
// config, or "" when unset or unreadable.
func (repo *GitRepo) ConfigOption(section, subsection, key string) string {
	if repo.gogit == nil {
		return ""
	}
	cfg, err := gogitConfig(repo)
	if err != nil {
		return ""
	}
	sec := cfg.Raw.Section(section)
	if subsection != "" {
		return sec.Subsection(subsection).Option(key)
	}
	return sec.Option(key)
}

// SetConfigOption writes section.key = value into the repo config.
func (repo *GitRepo) SetConfigOption(section, key, value string) error {
	if repo.gogit == nil {
		return errNotInitialized
	}
	cfg, err := gogitConfig(repo)
	if err != nil {
		return err
	}
	cfg.Raw.Section(section).SetOption(key, value)
	return repo.gogit.SetConfig(cfg)
}

// NewInserter returns an inserter whose objects are written on Flush.
func (repo *GitRepo) NewInserter() *Inserter {
	return newInserter(repo, false)
}

// NewDryRunInserter returns an inserter whose objects are never written.
func (repo *GitRepo) NewDryRunInserter() *Inserter {
	return newInserter(repo, true)
}

// currentRef returns the hash a ref points to without following symbolic
// refs, or "" if it does not exist.
func (repo *GitRepo) currentRef(name string) (string, error) {
	r, err := repo.gogit.Storer.Reference(plumbing.ReferenceName(name))
	if err == plumbing.ErrReferenceNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return r.Hash().String(), nil
}

// BatchUpdateRefs applies every command or none of them. Each command's
// expected old value is verified before anything is written; if a write
// fails, commands already applied are rolled back.
func (repo *GitRepo) BatchUpdateRefs(cmds []*RefCommand) error {
	if repo.gogit == nil {
		return errNotInitialized
	}
	repo.refMu.Lock()
	defer repo.refMu.Unlock()

	seen := make(map[string]bool, len(cmds))
	for _, cmd := range cmds {
		cmd.Result = RefNotAttempted
	}
	for _, cmd := range cmds {
		if seen[cmd.Name] {
			cmd.Result = RefRejected
			rejectOthers(cmds, cmd)
			return &BatchRefUpdateError{Command: cmd, Err: fmt.Errorf("duplicate command for %s", cmd.Name)}
		}
		seen[cmd.Name] = true
		current, err := repo.currentRef(cmd.Name)
		if err != nil {
			cmd.Result = RefIOFailure
			rejectOthers(cmds, cmd)
			return &BatchRefUpdateError{Command: cmd, Err: err}
		}
		if current != cmd.OldHash {
			cmd.Result = RefLockFailure
			rejectOthers(cmds, cmd)
			return &BatchRefUpdateError{Command: cmd, Err: ErrLockFailure}
		}
	}

	var applied []*RefCommand
	for _, cmd := range cmds {
		if err := repo.applyRefCommand(cmd.Name, cmd.OldHash, cmd.NewHash); err != nil {
			cmd.Result = RefIOFailure
			if errors.Is(err, storage.ErrReferenceHasChanged) {
				cmd.Result = RefLockFailure
				err = fmt.Errorf("%w: %v", ErrLockFailure, err)
			}
			for i := len(applied) - 1; i >= 0; i-- {
				undo := applied[i]
				// Best effort: the ref was verified under the same lock.
				repo.applyRefCommand(undo.Name, undo.NewHash, undo.OldHash)
			}
			rejectOthers(cmds, cmd)
			return &BatchRefUpdateError{Command: cmd, Err: err}
		}
		applied = append(applied, cmd)
	}
	for _, cmd := range cmds {
		cmd.Result = RefOK
	}
	return nil
}

func rejectOthers(cmds []*RefCommand, failed *RefCommand) {
	for _, cmd := range cmds {
		if cmd != failed {
			cmd.Result = RefRejected
		}
	}
}

func (repo *GitRepo) applyRefCommand(name, oldHash, newHash string) error {
	refName := plumbing.ReferenceName(name)
	if newHash == "" {
		if oldHash == "" {
			return nil
		}
		return removeReference(repo, refName)
	}
	newRef := plumbing.NewHashReference(refName, plumbing.NewHash(newHash))
	var oldRef *plumbing.Reference
	if oldHash != "" {
		oldRef = plumbing.NewHashReference(refName, plumbing.NewHash(oldHash))
	}
	return setReference(repo, newRef, oldRef)
}

// SetRef sets the commit pointed to by the specified ref to `newCommitHash`,
// iff the ref currently points `previousCommitHash`.
func (repo *GitRepo) SetRef(ref, newCommitHash, previousCommitHash string) error {
	return repo.BatchUpdateRefs([]*RefCommand{{
		Name:    ref,
		OldHash: previousCommitHash,
		NewHash: newCommitHash,
	}})
}

// ReadNoteMap reads the notes stored in the tree of the given notes commit.
func (repo *GitRepo) ReadNoteMap(commit string) (NoteMap, error) {
	return repo.NewDryRunInserter().ReadNoteMap(commit)
}

// ParsedDiff computes the diff between two given commits. An empty left
// side diffs against the empty tree.
func (repo *GitRepo) ParsedDiff(left, right string) ([]FileDiff, error) {
	if repo.gogit == nil {
		return nil, errNotInitialized
	}
	to, err := repo.resolveToCommit(right)
	if err != nil {
		return nil, err
	}
	toTree, err := to.Tree()
	if err != nil {
		return nil, err
	}
	fromTree := &object.Tree{}
	if left != "" {
		from, err := repo.resolveToCommit(left)
		if err != nil {
			return nil, err
		}
		if fromTree, err = from.Tree(); err != nil {
			return nil, err
		}
	}
	changes, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return nil, err
	}
	patch, err := changes.Patch()
	if err != nil {
		return nil, err
	}
	return parsedDiff(patch.String())
}
