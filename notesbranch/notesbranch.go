// Package notesbranch commits notes to a notes branch with
// compare-and-swap updates, merging with concurrent writers on lock
// failure.
package notesbranch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"msrl.dev/git-submit/repository"
)

// MergedMessage is the message of commits joining concurrent note updates.
const MergedMessage = "Merged note commits\n"

const (
	retryDelay = 25 * time.Millisecond
	maxRetries = 9
)

// NoteMerger combines two versions of the note for one key. An absent side
// is "".
type NoteMerger interface {
	MergeNote(key, base, ours, theirs string) (string, error)
}

// CatSortUniq merges notes by concatenating their lines, sorting them, and
// dropping duplicates.
type CatSortUniq struct{}

func (CatSortUniq) MergeNote(_, _, ours, theirs string) (string, error) {
	lines := make(map[string]struct{})
	for _, note := range []string{ours, theirs} {
		for line := range strings.SplitSeq(note, "\n") {
			if line != "" {
				lines[line] = struct{}{}
			}
		}
	}
	if len(lines) == 0 {
		return "", nil
	}
	return strings.Join(slices.Sorted(maps.Keys(lines)), "\n") + "\n", nil
}

// ReviewNoteMerger keeps both review records, ours first, separated by a
// blank line. A record already present in ours is not repeated.
type ReviewNoteMerger struct{}

func (ReviewNoteMerger) MergeNote(_, _, ours, theirs string) (string, error) {
	switch {
	case ours == "":
		return theirs, nil
	case theirs == "", ours == theirs, strings.Contains(ours, theirs):
		return ours, nil
	}
	return strings.TrimRight(ours, "\n") + "\n\n" + theirs, nil
}

// Util writes notes to notes branches of one repository.
type Util struct {
	repo       repository.Repo
	merger     NoteMerger
	ident      repository.Signature
	logger     *slog.Logger
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

// New returns a Util committing as ident.
func New(repo repository.Repo, merger NoteMerger, ident repository.Signature) *Util {
	return &Util{
		repo:   repo,
		merger: merger,
		ident:  ident,
		logger: slog.Default(),
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(retryDelay), maxRetries)
		},
		now: time.Now,
	}
}

// SetLogger replaces the default logger.
func (u *Util) SetLogger(l *slog.Logger) {
	u.logger = l
}

// CommitAllNotes writes every note, merging with an existing note for the
// same key.
func (u *Util) CommitAllNotes(ctx context.Context, notes repository.NoteMap, branch, message string) error {
	_, err := u.update(ctx, notes, branch, message, true)
	return err
}

// CommitNewNotes writes the notes whose keys are not yet on the branch and
// returns them.
func (u *Util) CommitNewNotes(ctx context.Context, notes repository.NoteMap, branch, message string) (repository.NoteMap, error) {
	return u.update(ctx, notes, branch, message, false)
}

func (u *Util) signature() repository.Signature {
	sig := u.ident
	sig.When = u.now()
	return sig
}

func (u *Util) update(ctx context.Context, notes repository.NoteMap, branch, message string, overwrite bool) (repository.NoteMap, error) {
	ins := u.repo.NewInserter()
	base, err := u.repo.ResolveRef(branch)
	if err != nil {
		return nil, err
	}
	baseNotes, err := ins.ReadNoteMap(base)
	if err != nil {
		return nil, err
	}

	ours := maps.Clone(baseNotes)
	created := make(repository.NoteMap)
	for _, key := range slices.Sorted(maps.Keys(notes)) {
		note := notes[key]
		existing, ok := ours[key]
		switch {
		case !ok:
			ours[key] = note
			created[key] = note
		case overwrite && existing != note:
			merged, err := u.merger.MergeNote(key, "", note, existing)
			if err != nil {
				return nil, fmt.Errorf("merging note %s: %w", key, err)
			}
			ours[key] = merged
		}
	}
	if ours.Equal(baseNotes) {
		return created, nil
	}

	oursTree, err := ins.WriteNoteMap(ours)
	if err != nil {
		return nil, err
	}
	oursCommit, err := ins.InsertCommit(&repository.CommitDetails{
		Author:    u.signature(),
		Committer: u.signature(),
		Tree:      oursTree,
		Parents:   []string{base},
		Message:   message,
	})
	if err != nil {
		return nil, err
	}

	attempts := 0
	attempt := func() error {
		attempts++
		if err := ins.Flush(); err != nil {
			return backoff.Permanent(err)
		}
		cmd := &repository.RefCommand{Name: branch, OldHash: base, NewHash: oursCommit}
		err := u.repo.BatchUpdateRefs([]*repository.RefCommand{cmd})
		if err == nil {
			return nil
		}
		if cmd.Result != repository.RefLockFailure {
			return backoff.Permanent(err)
		}

		theirs, rerr := u.repo.ResolveRef(branch)
		if rerr != nil {
			return backoff.Permanent(rerr)
		}
		u.logger.DebugContext(ctx, "notes branch moved, merging", "branch", branch, "theirs", theirs, "attempt", attempts)
		merged, merr := u.mergeWith(ins, baseNotes, ours, theirs, oursCommit)
		if merr != nil {
			return backoff.Permanent(merr)
		}
		oursCommit = merged
		base = theirs
		return err
	}
	err = backoff.Retry(attempt, backoff.WithContext(u.newBackOff(), ctx))
	if err != nil {
		if errors.Is(err, repository.ErrLockFailure) {
			return nil, fmt.Errorf("failed to lock the ref %s: %w", branch, err)
		}
		return nil, err
	}
	return created, nil
}

// mergeWith three-way merges ours with the notes at theirs and returns the
// merge commit. ours is updated to the merged notes.
func (u *Util) mergeWith(ins *repository.Inserter, baseNotes, ours repository.NoteMap, theirs, oursCommit string) (string, error) {
	theirsNotes, err := ins.ReadNoteMap(theirs)
	if err != nil {
		return "", err
	}
	merged, err := MergeNoteMaps(baseNotes, ours, theirsNotes, u.merger)
	if err != nil {
		return "", err
	}
	tree, err := ins.WriteNoteMap(merged)
	if err != nil {
		return "", err
	}
	commit, err := ins.InsertCommit(&repository.CommitDetails{
		Author:    u.signature(),
		Committer: u.signature(),
		Tree:      tree,
		Parents:   []string{oursCommit, theirs},
		Message:   MergedMessage,
	})
	if err != nil {
		return "", err
	}
	clear(ours)
	maps.Copy(ours, merged)
	clear(baseNotes)
	maps.Copy(baseNotes, theirsNotes)
	return commit, nil
}

// MergeNoteMaps three-way merges note maps. Keys changed on both sides are
// resolved by merger; a merged note of "" removes the key.
func MergeNoteMaps(base, ours, theirs repository.NoteMap, merger NoteMerger) (repository.NoteMap, error) {
	keys := make(map[string]bool)
	for _, m := range []repository.NoteMap{base, ours, theirs} {
		for k := range m {
			keys[k] = true
		}
	}
	out := make(repository.NoteMap, len(keys))
	for _, k := range slices.Sorted(maps.Keys(keys)) {
		b, o, t := base[k], ours[k], theirs[k]
		var note string
		switch {
		case o == t:
			note = o
		case b == o:
			note = t
		case b == t:
			note = o
		default:
			merged, err := merger.MergeNote(k, b, o, t)
			if err != nil {
				return nil, fmt.Errorf("merging note %s: %w", k, err)
			}
			note = merged
		}
		if note != "" {
			out[k] = note
		}
	}
	return out, nil
}
