// Package changeops contains batch update ops shared by several commands.
package changeops

import (
	"context"
	"fmt"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/events"
	"msrl.dev/git-submit/repository"
	"msrl.dev/git-submit/update"
)

// ProjectDeletedMessage is the reason given when a change is abandoned
// because its project no longer exists.
const ProjectDeletedMessage = "Project was deleted."

// AbandonOp abandons an open change.
type AbandonOp struct {
	update.BaseOp
	Reason string
	Sink   events.Sink

	abandoned *change.Change
}

// NewAbandonOp returns an op abandoning a change with the given reason.
func NewAbandonOp(reason string, sink events.Sink) *AbandonOp {
	return &AbandonOp{Reason: reason, Sink: sink}
}

func (op *AbandonOp) UpdateChange(ctx context.Context, cc *update.ChangeContext) (bool, error) {
	c := cc.Change()
	if !c.Status.IsOpen() {
		return false, fmt.Errorf("change %d is %s: %w", c.ID, c.Status, change.ErrConflict)
	}
	c.Status = change.Abandoned
	text := "Abandoned"
	if op.Reason != "" {
		text += "\n\n" + op.Reason
	}
	if err := cc.Tx.AddMessage(ctx, &change.Message{
		PatchSet: c.CurrentPatchSet,
		Author:   cc.Account(),
		Text:     text,
		Tag:      change.TagAbandoned,
		Written:  cc.When,
	}); err != nil {
		return false, err
	}
	op.abandoned = c
	return true, nil
}

func (op *AbandonOp) PostUpdate(ctx context.Context, c *update.Context) error {
	if op.abandoned == nil || op.Sink == nil {
		return nil
	}
	return op.Sink.Send(ctx, &events.ChangeAbandoned{Change: op.abandoned, Actor: c.Account(), Reason: op.Reason})
}

// DeleteDraftOp deletes a draft change together with its patch set refs.
// Batches using it must run in update.DBBeforeRepo order.
type DeleteDraftOp struct {
	update.BaseOp
	patchSets []change.PatchSetID
}

func (op *DeleteDraftOp) UpdateChange(ctx context.Context, cc *update.ChangeContext) (bool, error) {
	c := cc.Change()
	if c.Status != change.Draft {
		return false, fmt.Errorf("change %d is not a draft: %w", c.ID, change.ErrConflict)
	}
	pss, err := cc.Store.PatchSets(ctx, c.ID)
	if err != nil {
		return false, err
	}
	for _, ps := range pss {
		op.patchSets = append(op.patchSets, ps.ID)
	}
	cc.DeleteChange()
	return true, nil
}

func (op *DeleteDraftOp) UpdateRepo(_ context.Context, rc *update.RepoContext) error {
	for _, id := range op.patchSets {
		cur, err := rc.Repo.ResolveRef(id.RefName())
		if err != nil {
			return err
		}
		if cur == "" {
			continue
		}
		if err := rc.AddRefCommand(repository.RefCommand{Name: id.RefName(), OldHash: cur}); err != nil {
			return err
		}
	}
	return nil
}

// SetSubmittedOp moves a new change to SUBMITTED and records the
// submitter's approval.
type SetSubmittedOp struct {
	update.BaseOp
}

func (op *SetSubmittedOp) UpdateChange(ctx context.Context, cc *update.ChangeContext) (bool, error) {
	c := cc.Change()
	switch c.Status {
	case change.Submitted:
		return false, nil
	case change.New:
	default:
		return false, fmt.Errorf("change %d is %s: %w", c.ID, c.Status, change.ErrConflict)
	}
	c.Status = change.Submitted
	err := cc.Tx.UpsertApproval(ctx, &change.Approval{
		PatchSet: c.CurrentPatchSetID(),
		Account:  cc.Account(),
		Label:    change.SubmitLabel,
		Value:    1,
		Granted:  cc.When,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertChangeOp creates a change with its first patch set and publishes
// the patch set ref. Batches using it must run in update.RepoBeforeDB order.
type InsertChangeOp struct {
	Change   *change.Change
	PatchSet *change.PatchSet
	Sink     events.Sink

	inserted bool
}

// NewInsertChangeOp returns an op creating c under the reserved id.
func NewInsertChangeOp(id change.ID, c *change.Change, ps *change.PatchSet, sink events.Sink) *InsertChangeOp {
	c.ID = id
	c.CurrentPatchSet = 1
	ps.ID = change.PatchSetID{Change: id, Number: 1}
	return &InsertChangeOp{Change: c, PatchSet: ps, Sink: sink}
}

func (op *InsertChangeOp) UpdateRepo(_ context.Context, rc *update.RepoContext) error {
	return rc.AddRefCommand(repository.RefCommand{Name: op.PatchSet.ID.RefName(), NewHash: op.PatchSet.Commit})
}

func (op *InsertChangeOp) InsertChange(ctx context.Context, c *update.Context) (change.ID, error) {
	if op.PatchSet.Created.IsZero() {
		op.PatchSet.Created = c.When
	}
	if op.Change.Created.IsZero() {
		op.Change.Created = c.When
	}
	if err := c.Store.Create(ctx, op.Change, op.PatchSet); err != nil {
		return 0, err
	}
	op.inserted = true
	return op.Change.ID, nil
}

func (op *InsertChangeOp) PostUpdate(ctx context.Context, _ *update.Context) error {
	if !op.inserted || op.Sink == nil {
		return nil
	}
	return op.Sink.Send(ctx, &events.PatchSetCreated{Change: op.Change, PatchSet: op.PatchSet})
}
