package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msrl.dev/git-submit/change"
)

// setupTestStore opens a migrated database in a per-test directory.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "review.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createChange(t *testing.T, s *Store, topic, commit string) *change.Change {
	t.Helper()
	c := &change.Change{
		Key:     change.GenerateKey(commit),
		Dest:    change.Branch{Project: "p", Ref: "refs/heads/master"},
		Owner:   1,
		Subject: "subject " + commit,
		Topic:   topic,
		Status:  change.New,
		Created: time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC),
	}
	ps := &change.PatchSet{Commit: commit, Groups: []string{commit}, Uploader: 1}
	require.NoError(t, s.Create(context.Background(), c, ps))
	return c
}

func TestStore_NextChangeID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	first := createChange(t, s, "", "aaaa")
	assert.Equal(t, change.ID(1), first.ID)

	reserved, err := s.NextChangeID(ctx)
	require.NoError(t, err)
	assert.Equal(t, change.ID(2), reserved)
	unused, err := s.NextChangeID(ctx)
	require.NoError(t, err)
	assert.Equal(t, change.ID(3), unused)

	c := &change.Change{
		ID:     reserved,
		Key:    change.GenerateKey("bbbb"),
		Dest:   change.Branch{Project: "p", Ref: "refs/heads/master"},
		Status: change.New,
	}
	ps := &change.PatchSet{Commit: "bbbb"}
	require.NoError(t, s.Create(ctx, c, ps))
	assert.Equal(t, change.PatchSetID{Change: reserved, Number: 1}, ps.ID)
	got, err := s.Get(ctx, reserved)
	require.NoError(t, err)
	assert.Equal(t, "bbbb", mustPatchSet(t, s, got).Commit)

	// Ids reserved but never used are skipped.
	next := createChange(t, s, "", "cccc")
	assert.Equal(t, change.ID(4), next.ID)
}

func mustPatchSet(t *testing.T, s *Store, c *change.Change) *change.PatchSet {
	t.Helper()
	ps, err := s.PatchSet(context.Background(), c.CurrentPatchSetID())
	require.NoError(t, err)
	return ps
}

func TestStore_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := createChange(t, s, "", "aaaa")

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Key, got.Key)
	assert.Equal(t, 1, got.CurrentPatchSet)
	assert.Equal(t, change.New, got.Status)
	assert.True(t, c.Created.Equal(got.Created))

	ps, err := s.PatchSet(ctx, got.CurrentPatchSetID())
	require.NoError(t, err)
	assert.Equal(t, "aaaa", ps.Commit)
	assert.Equal(t, []string{"aaaa"}, ps.Groups)

	_, err = s.Get(ctx, 999)
	assert.True(t, errors.Is(err, change.ErrNotFound))
}

func TestStore_UpdateChangeCompareAndSet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := createChange(t, s, "", "aaaa")

	err := s.InTx(ctx, c.ID, func(ctx context.Context, tx change.Tx) error {
		cur := tx.Change()
		cur.Status = change.Submitted
		return tx.UpdateChange(ctx, cur)
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, change.Submitted, got.Status)
	assert.Equal(t, 1, got.RowVersion)

	// A stale row version is rejected and nothing is written.
	err = s.InTx(ctx, c.ID, func(ctx context.Context, tx change.Tx) error {
		stale := c.Clone()
		stale.Status = change.Abandoned
		return tx.UpdateChange(ctx, stale)
	})
	assert.True(t, errors.Is(err, change.ErrConcurrentUpdate))
	got, err = s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, change.Submitted, got.Status)
}

func TestStore_Rollback(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := createChange(t, s, "", "aaaa")

	err := s.InTx(ctx, c.ID, func(ctx context.Context, tx change.Tx) error {
		if err := tx.AddMessage(ctx, &change.Message{Text: "discarded"}); err != nil {
			return err
		}
		return change.ErrRollback
	})
	require.NoError(t, err)
	msgs, err := s.Messages(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStore_PatchSetsAndApprovals(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := createChange(t, s, "", "aaaa")
	ps1 := c.CurrentPatchSetID()
	ps2 := change.PatchSetID{Change: c.ID, Number: 2}

	err := s.InTx(ctx, c.ID, func(ctx context.Context, tx change.Tx) error {
		if err := tx.UpsertApproval(ctx, &change.Approval{PatchSet: ps1, Account: 2, Label: change.CodeReview, Value: 2}); err != nil {
			return err
		}
		if err := tx.InsertPatchSet(ctx, &change.PatchSet{ID: ps2, Commit: "bbbb", Uploader: 1}); err != nil {
			return err
		}
		if err := tx.CopyApprovals(ctx, ps1, ps2); err != nil {
			return err
		}
		if err := tx.SetGroups(ctx, ps2, []string{"aaaa", "cccc"}); err != nil {
			return err
		}
		cur := tx.Change()
		cur.CurrentPatchSet = 2
		return tx.UpdateChange(ctx, cur)
	})
	require.NoError(t, err)

	all, err := s.PatchSets(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, []string{"aaaa", "cccc"}, all[1].Groups)

	approvals, err := s.Approvals(ctx, ps2)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, 2, approvals[0].Value)

	byCommit, err := s.ByCommit(ctx, "p", "bbbb")
	require.NoError(t, err)
	require.Len(t, byCommit, 1)
	assert.Equal(t, c.ID, byCommit[0].ID)

	psByCommit, err := s.PatchSetsByCommit(ctx, "p", "aaaa")
	require.NoError(t, err)
	require.Len(t, psByCommit, 1)
	assert.Equal(t, ps1, psByCommit[0].ID)

	none, err := s.ByCommit(ctx, "other", "bbbb")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_Queries(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := createChange(t, s, "feature", "aaaa")
	b := createChange(t, s, "feature", "bbbb")
	createChange(t, s, "", "cccc")

	require.NoError(t, s.InTx(ctx, b.ID, func(ctx context.Context, tx change.Tx) error {
		cur := tx.Change()
		cur.Status = change.Submitted
		return tx.UpdateChange(ctx, cur)
	}))

	topic, err := s.ByTopic(ctx, "feature")
	require.NoError(t, err)
	require.Len(t, topic, 2)
	assert.Equal(t, a.ID, topic[0].ID)

	submitted, err := s.Submitted(ctx, change.Branch{Project: "p", Ref: "refs/heads/master"})
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	assert.Equal(t, b.ID, submitted[0].ID)

	open, err := s.ByProjectOpen(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, open, 3)

	empty, err := s.ByTopic(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStore_DeleteChange(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	c := createChange(t, s, "", "aaaa")
	require.NoError(t, s.InTx(ctx, c.ID, func(ctx context.Context, tx change.Tx) error {
		return tx.DeleteChange(ctx)
	}))
	_, err := s.Get(ctx, c.ID)
	assert.True(t, errors.Is(err, change.ErrNotFound))
	ps, err := s.PatchSets(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func TestStore_Accounts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertAccount(ctx, &change.Account{ID: 7, FullName: "A U Thor", Email: "a@example.com"}))
	require.NoError(t, s.UpsertAccount(ctx, &change.Account{ID: 7, FullName: "A U Thor", Email: "a@example.com", Administrator: true}))
	a, err := s.Account(ctx, 7)
	require.NoError(t, err)
	assert.True(t, a.Administrator)
	assert.Equal(t, "A U Thor <a@example.com>", a.NameEmail())

	_, err = s.Account(ctx, 8)
	assert.True(t, errors.Is(err, change.ErrNotFound))
}
