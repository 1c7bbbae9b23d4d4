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

package repository

import (
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type notesEntry struct {
	ObjectHash string
	BlobHash   plumbing.Hash
}

// collectNotesEntries collects (annotatedObjectHash, blobHash) pairs from a
// notes tree, handling both flat and fan-out (2-char directory prefix) layouts.
func collectNotesEntries(tree *object.Tree, prefix string) ([]notesEntry, error) {
	var entries []notesEntry
	for _, entry := range tree.Entries {
		if entry.Mode == filemode.Dir {
			subtree, err := tree.Tree(entry.Name)
			if err != nil {
				return nil, fmt.Errorf("reading subtree %s%s: %w", prefix, entry.Name, err)
			}
			sub, err := collectNotesEntries(subtree, prefix+entry.Name)
			if err != nil {
				return nil, err
			}
			entries = append(entries, sub...)
		} else {
			entries = append(entries, notesEntry{prefix + entry.Name, entry.Hash})
		}
	}
	return entries, nil
}

// ReadNoteMap reads every note in the tree of a notes commit. An empty
// commit yields an empty map.
func (ins *Inserter) ReadNoteMap(commit string) (NoteMap, error) {
	notes := make(NoteMap)
	if commit == "" {
		return notes, nil
	}
	c, err := ins.commit(commit)
	if err != nil {
		return nil, err
	}
	tree, err := object.GetTree(ins.s, c.TreeHash)
	if err != nil {
		return nil, fmt.Errorf("reading notes tree of %s: %w", commit, err)
	}
	entries, err := collectNotesEntries(tree, "")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		contents, err := ins.blob(e.BlobHash.String())
		if err != nil {
			return nil, err
		}
		notes[e.ObjectHash] = contents
	}
	return notes, nil
}

// WriteNoteMap stores the notes as a flat tree and returns the tree hash.
func (ins *Inserter) WriteNoteMap(notes NoteMap) (string, error) {
	keys := make([]string, 0, len(notes))
	for k := range notes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]TreeEntry, 0, len(keys))
	for _, k := range keys {
		blob, err := ins.InsertBlob(notes[k])
		if err != nil {
			return "", err
		}
		entries = append(entries, TreeEntry{Name: k, Mode: filemode.Regular, Hash: blob})
	}
	return ins.InsertTree(entries)
}

// Equal reports whether two note maps hold the same notes.
func (n NoteMap) Equal(other NoteMap) bool {
	if len(n) != len(other) {
		return false
	}
	for k, v := range n {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
