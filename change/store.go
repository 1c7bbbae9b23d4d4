package change

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConcurrentUpdate is returned when a change was modified since it
	// was read.
	ErrConcurrentUpdate = errors.New("change was modified concurrently")

	ErrConflict = errors.New("conflict")

	// ErrRollback may be returned from an InTx callback to discard the
	// transaction without reporting an error.
	ErrRollback = errors.New("rollback")
)

// Store is the authoritative change metadata store.
type Store interface {
	Get(ctx context.Context, id ID) (*Change, error)
	PatchSet(ctx context.Context, id PatchSetID) (*PatchSet, error)
	PatchSets(ctx context.Context, id ID) ([]*PatchSet, error)
	Approvals(ctx context.Context, id PatchSetID) ([]*Approval, error)
	Messages(ctx context.Context, id ID) ([]*Message, error)
	Account(ctx context.Context, id AccountID) (*Account, error)

	// ByCommit returns the changes in project with any patch set at commit.
	ByCommit(ctx context.Context, project, commit string) ([]*Change, error)
	PatchSetsByCommit(ctx context.Context, project, commit string) ([]*PatchSet, error)

	// ByTopic returns the open changes with the given topic.
	ByTopic(ctx context.Context, topic string) ([]*Change, error)
	ByProject(ctx context.Context, project string) ([]*Change, error)
	ByProjectOpen(ctx context.Context, project string) ([]*Change, error)
	Submitted(ctx context.Context, branch Branch) ([]*Change, error)

	// NextChangeID reserves an id for a change created later.
	NextChangeID(ctx context.Context) (ID, error)
	// Create stores a new change and its first patch set. A zero c.ID is
	// allocated; otherwise it must come from NextChangeID.
	// c.CurrentPatchSet and ps.ID are filled in.
	Create(ctx context.Context, c *Change, ps *PatchSet) error
	UpsertAccount(ctx context.Context, a *Account) error

	// InTx runs fn in a transaction scoped to one change. The transaction
	// commits when fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, id ID, fn func(context.Context, Tx) error) error
}

// Tx is a transaction on a single change.
type Tx interface {
	// Change returns the change as read at the start of the transaction,
	// or as last written by UpdateChange.
	Change() *Change

	// UpdateChange writes c if its RowVersion matches the stored one, and
	// increments c.RowVersion.
	UpdateChange(ctx context.Context, c *Change) error
	InsertPatchSet(ctx context.Context, ps *PatchSet) error
	DeletePatchSet(ctx context.Context, id PatchSetID) error
	SetGroups(ctx context.Context, id PatchSetID, groups []string) error
	UpsertApproval(ctx context.Context, a *Approval) error
	CopyApprovals(ctx context.Context, from, to PatchSetID) error
	AddMessage(ctx context.Context, m *Message) error
	DeleteChange(ctx context.Context) error
}

// CurrentPatchSet loads the current patch set of c.
func CurrentPatchSet(ctx context.Context, s Store, c *Change) (*PatchSet, error) {
	return s.PatchSet(ctx, c.CurrentPatchSetID())
}
