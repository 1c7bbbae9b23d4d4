// Package notedb mirrors change metadata into a notes branch of each
// project repository.
//
// The mirror is derived from the primary store and may lag behind it. Each
// note holds a JSON snapshot of one change, keyed by the SHA-1 of the change
// key. Writes are best effort; a stale or missing note is rewritten from the
// primary store when it is read.
package notedb

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/notesbranch"
	"msrl.dev/git-submit/repository"
)

// DefaultRef is the notes branch changes are mirrored to.
const DefaultRef = "refs/notes/changes"

// Snapshot is the mirrored state of one change.
type Snapshot struct {
	Change     *change.Change     `json:"change"`
	PatchSets  []*change.PatchSet `json:"patch_sets"`
	Approvals  []*change.Approval `json:"approvals,omitempty"`
	RowVersion int                `json:"row_version"`
}

// Key returns the note key of a change.
func Key(k change.Key) string {
	sum := sha1.Sum([]byte(k))
	return hex.EncodeToString(sum[:])
}

func encode(s *Snapshot) (string, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b) + "\n", nil
}

func decode(note string) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal([]byte(note), &s); err != nil {
		return nil, fmt.Errorf("decoding change snapshot: %w", err)
	}
	return &s, nil
}

// snapshotMerger keeps the snapshot with the higher row version.
type snapshotMerger struct{}

func (snapshotMerger) MergeNote(_, _, ours, theirs string) (string, error) {
	o, oerr := decode(ours)
	t, terr := decode(theirs)
	switch {
	case oerr != nil && terr != nil:
		return ours, nil
	case oerr != nil:
		return theirs, nil
	case terr != nil:
		return ours, nil
	case t.RowVersion > o.RowVersion:
		return theirs, nil
	}
	return ours, nil
}

// Mirror writes change snapshots to project repositories.
type Mirror struct {
	repos  repository.Manager
	store  change.Store
	ref    string
	ident  repository.Signature
	logger *slog.Logger
}

// New returns a Mirror of store. An empty ref selects DefaultRef.
func New(repos repository.Manager, store change.Store, ref string, ident repository.Signature) *Mirror {
	if ref == "" {
		ref = DefaultRef
	}
	return &Mirror{repos: repos, store: store, ref: ref, ident: ident, logger: slog.Default()}
}

// SetLogger replaces the default logger.
func (m *Mirror) SetLogger(l *slog.Logger) {
	m.logger = l
}

// Ref returns the notes branch the mirror writes.
func (m *Mirror) Ref() string {
	return m.ref
}

// Snapshot reads the current state of a change from the primary store.
func (m *Mirror) Snapshot(ctx context.Context, id change.ID) (*Snapshot, error) {
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	pss, err := m.store.PatchSets(ctx, id)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{Change: c, PatchSets: pss, RowVersion: c.RowVersion}
	for _, ps := range pss {
		as, err := m.store.Approvals(ctx, ps.ID)
		if err != nil {
			return nil, err
		}
		s.Approvals = append(s.Approvals, as...)
	}
	return s, nil
}

func (m *Mirror) util(project string) (*notesbranch.Util, repository.Repo, error) {
	repo, err := m.repos.OpenRepo(project)
	if err != nil {
		return nil, nil, err
	}
	u := notesbranch.New(repo, snapshotMerger{}, m.ident)
	u.SetLogger(m.logger)
	return u, repo, nil
}

func (m *Mirror) commit(ctx context.Context, project string, snaps []*Snapshot, message string) error {
	if len(snaps) == 0 {
		return nil
	}
	notes := make(repository.NoteMap, len(snaps))
	for _, s := range snaps {
		note, err := encode(s)
		if err != nil {
			return err
		}
		notes[Key(s.Change.Key)] = note
	}
	u, _, err := m.util(project)
	if err != nil {
		return err
	}
	return u.CommitAllNotes(ctx, notes, m.ref, message)
}

func (m *Mirror) write(ctx context.Context, project string, ids []change.ID) error {
	var result *multierror.Error
	var snaps []*Snapshot
	for _, id := range ids {
		s, err := m.Snapshot(ctx, id)
		if errors.Is(err, change.ErrNotFound) {
			continue
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("change %d: %w", id, err))
			continue
		}
		snaps = append(snaps, s)
	}
	if err := m.commit(ctx, project, snaps, "Update changes\n"); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Write mirrors the current primary state of the given changes. Failures
// are logged; the mirror catches up on the next read or rebuild.
func (m *Mirror) Write(ctx context.Context, project string, ids []change.ID) {
	if err := m.write(ctx, project, ids); err != nil {
		m.logger.WarnContext(ctx, "change mirror is behind", "project", project, "error", err)
	}
}

// readNote returns the mirrored snapshot of a change, or nil if it has none.
func (m *Mirror) readNote(project string, key change.Key) (*Snapshot, error) {
	_, repo, err := m.util(project)
	if err != nil {
		return nil, err
	}
	tip, err := repo.ResolveRef(m.ref)
	if err != nil {
		return nil, err
	}
	notes, err := repo.ReadNoteMap(tip)
	if err != nil {
		return nil, err
	}
	note, ok := notes[Key(key)]
	if !ok {
		return nil, nil
	}
	return decode(note)
}

// Stale reports whether the mirrored snapshot of a change is missing or
// older than the primary store.
func (m *Mirror) Stale(ctx context.Context, id change.ID) (bool, error) {
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	s, err := m.readNote(c.Dest.Project, c.Key)
	if err != nil {
		return true, nil
	}
	return s == nil || s.RowVersion < c.RowVersion, nil
}

// Read returns the mirrored snapshot of a change. A stale snapshot is
// rebuilt from the primary store first.
func (m *Mirror) Read(ctx context.Context, id change.ID) (*Snapshot, error) {
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s, err := m.readNote(c.Dest.Project, c.Key)
	if err != nil {
		m.logger.WarnContext(ctx, "unreadable change mirror", "project", c.Dest.Project, "change", id, "error", err)
	}
	if s != nil && s.RowVersion >= c.RowVersion {
		return s, nil
	}
	m.logger.InfoContext(ctx, "rebuilding stale change mirror", "project", c.Dest.Project, "change", id)
	fresh, err := m.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.commit(ctx, c.Dest.Project, []*Snapshot{fresh}, "Rebuild change\n"); err != nil {
		m.logger.WarnContext(ctx, "change mirror is behind", "project", c.Dest.Project, "change", id, "error", err)
	}
	return fresh, nil
}

// Rebuild rewrites the mirror of every change in a project from the primary
// store. Changes that cannot be read are skipped and reported.
func (m *Mirror) Rebuild(ctx context.Context, project string) error {
	changes, err := m.store.ByProject(ctx, project)
	if err != nil {
		return err
	}
	var result *multierror.Error
	var snaps []*Snapshot
	for _, c := range changes {
		s, err := m.Snapshot(ctx, c.ID)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("change %d: %w", c.ID, err))
			continue
		}
		snaps = append(snaps, s)
	}
	if err := m.commit(ctx, project, snaps, "Rebuild changes\n"); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
