// Package update executes batches of repository and change metadata
// updates in phases.
//
// A batch runs its ops' repository callbacks against one shared inserter
// and ref command list, applies the ref commands as one atomic update, and
// then runs each change's ops in one metadata transaction per change.
// Post-update callbacks run once every batch executed together has
// committed.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/events"
	"msrl.dev/git-submit/repository"
)

// Order is the order phases run in.
type Order int

const (
	// RepoBeforeDB updates refs before change metadata, so metadata never
	// names a ref that does not exist.
	RepoBeforeDB Order = iota
	// DBBeforeRepo updates change metadata first. It is used when deleting
	// changes, so refs are never left pointing at deleted changes.
	DBBeforeRepo
)

func (o Order) String() string {
	if o == DBBeforeRepo {
		return "DB_BEFORE_REPO"
	}
	return "REPO_BEFORE_DB"
}

var errMixedOrders = errors.New("cannot mix execution orders")

// Mirror receives the changes whose metadata was committed.
type Mirror interface {
	Write(ctx context.Context, project string, ids []change.ID)
}

// Context is the state shared by every op of a batch.
type Context struct {
	Project string
	Repo    repository.Repo
	Store   change.Store
	User    *change.Account
	When    time.Time
	Logger  *slog.Logger
}

// Account returns the id of the acting user, or 0 for the server.
func (c *Context) Account() change.AccountID {
	if c.User == nil {
		return 0
	}
	return c.User.ID
}

// RepoContext is passed to UpdateRepo.
type RepoContext struct {
	*Context
	ins  *repository.Inserter
	cmds *RefCommands
}

// Inserter returns the batch's shared object inserter.
func (c *RepoContext) Inserter() *repository.Inserter {
	return c.ins
}

// AddRefCommand queues a ref update for the ref phase.
func (c *RepoContext) AddRefCommand(cmd repository.RefCommand) error {
	return c.cmds.Add(cmd)
}

// RefCommands returns the ref updates queued so far.
func (c *RepoContext) RefCommands() *RefCommands {
	return c.cmds
}

// ChangeContext is passed to UpdateChange, inside the change's
// transaction.
type ChangeContext struct {
	*Context
	Tx      change.Tx
	change  *change.Change
	deleted bool
}

// Change returns the working copy of the change. Modifications are saved
// when an op reports the change dirty.
func (c *ChangeContext) Change() *change.Change {
	return c.change
}

// DeleteChange deletes the change instead of saving it.
func (c *ChangeContext) DeleteChange() {
	c.deleted = true
}

// RepoOnlyOp updates only the repository.
type RepoOnlyOp interface {
	UpdateRepo(ctx context.Context, rc *RepoContext) error
	PostUpdate(ctx context.Context, c *Context) error
}

// Op also updates one change. UpdateChange reports whether it modified the
// change.
type Op interface {
	RepoOnlyOp
	UpdateChange(ctx context.Context, cc *ChangeContext) (bool, error)
}

// InsertOp creates a change. Its id is reserved with
// change.Store.NextChangeID before the batch runs, so UpdateRepo can name
// refs after it.
type InsertOp interface {
	RepoOnlyOp
	InsertChange(ctx context.Context, c *Context) (change.ID, error)
}

// BaseOp implements every Op method as a no-op.
type BaseOp struct{}

func (BaseOp) UpdateRepo(context.Context, *RepoContext) error             { return nil }
func (BaseOp) UpdateChange(context.Context, *ChangeContext) (bool, error) { return false, nil }
func (BaseOp) PostUpdate(context.Context, *Context) error                { return nil }

// Listener observes the completion of each phase.
type Listener interface {
	AfterUpdateRepos() error
	AfterUpdateRefs() error
	AfterUpdateChanges() error
}

// NoopListener ignores every phase.
type NoopListener struct{}

func (NoopListener) AfterUpdateRepos() error   { return nil }
func (NoopListener) AfterUpdateRefs() error    { return nil }
func (NoopListener) AfterUpdateChanges() error { return nil }

// PostUpdateError reports post-update failures. The batch itself was
// committed.
type PostUpdateError struct {
	Err error
}

func (e *PostUpdateError) Error() string {
	return fmt.Sprintf("post-update failed: %v", e.Err)
}

func (e *PostUpdateError) Unwrap() error {
	return e.Err
}

// Options configures a BatchUpdate.
type Options struct {
	Project string
	Repo    repository.Repo
	Store   change.Store
	Mirror  Mirror
	Sink    events.Sink
	User    *change.Account
	When    time.Time
	Logger  *slog.Logger
}

type opEntry struct {
	id change.ID
	op RepoOnlyOp
}

// BatchUpdate is a set of ops on one project.
type BatchUpdate struct {
	ctx      *Context
	mirror   Mirror
	sink     events.Sink
	order    Order
	parallel bool

	ops       []opEntry
	inserts   []InsertOp
	changeOps map[change.ID][]Op
	changeIDs []change.ID

	ins  *repository.Inserter
	cmds *RefCommands

	// executed is the ref commands applied in the ref phase.
	executed []repository.RefCommand
}

// New returns an empty batch.
func New(opts Options) *BatchUpdate {
	when := opts.When
	if when.IsZero() {
		when = time.Now()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchUpdate{
		ctx: &Context{
			Project: opts.Project,
			Repo:    opts.Repo,
			Store:   opts.Store,
			User:    opts.User,
			When:    when,
			Logger:  logger,
		},
		mirror:    opts.Mirror,
		sink:      opts.Sink,
		changeOps: make(map[change.ID][]Op),
		cmds:      NewRefCommands(),
	}
}

// SetOrder selects the phase order.
func (u *BatchUpdate) SetOrder(o Order) *BatchUpdate {
	u.order = o
	return u
}

// SetParallel runs the transactions of different changes concurrently.
func (u *BatchUpdate) SetParallel(p bool) *BatchUpdate {
	u.parallel = p
	return u
}

// AddOp adds an op on change id. Ops of one change run in the order added.
func (u *BatchUpdate) AddOp(id change.ID, op Op) {
	if _, ok := u.changeOps[id]; !ok {
		u.changeIDs = append(u.changeIDs, id)
	}
	u.changeOps[id] = append(u.changeOps[id], op)
	u.ops = append(u.ops, opEntry{id: id, op: op})
}

// AddRepoOnlyOp adds an op that touches only the repository.
func (u *BatchUpdate) AddRepoOnlyOp(op RepoOnlyOp) {
	u.ops = append(u.ops, opEntry{op: op})
}

// AddInsertOp adds an op creating a change. Inserts run at the start of the
// change phase, before the ops of existing changes.
func (u *BatchUpdate) AddInsertOp(op InsertOp) {
	u.inserts = append(u.inserts, op)
	u.ops = append(u.ops, opEntry{op: op})
}

// Context returns the state shared by the batch's ops.
func (u *BatchUpdate) Context() *Context {
	return u.ctx
}

// Inserter returns the batch's shared object inserter. Objects inserted
// before Execute are flushed with the repo phase.
func (u *BatchUpdate) Inserter() *repository.Inserter {
	if u.ins == nil {
		u.ins = u.ctx.Repo.NewInserter()
	}
	return u.ins
}

// RefCommands returns the ref updates queued for the ref phase.
func (u *BatchUpdate) RefCommands() *RefCommands {
	return u.cmds
}

// Execute runs the batches, which must all use the same order.
func Execute(ctx context.Context, batches []*BatchUpdate, listener Listener, dryRun bool) error {
	if len(batches) == 0 {
		return nil
	}
	if listener == nil {
		listener = NoopListener{}
	}
	order := batches[0].order
	for _, u := range batches[1:] {
		if u.order != order {
			return errMixedOrders
		}
	}

	repoPhase := func() error {
		for _, u := range batches {
			if err := u.executeUpdateRepo(ctx, dryRun); err != nil {
				return err
			}
		}
		if err := listener.AfterUpdateRepos(); err != nil {
			return err
		}
		for _, u := range batches {
			if err := u.executeRefUpdates(ctx, dryRun); err != nil {
				return err
			}
		}
		return listener.AfterUpdateRefs()
	}
	changePhase := func() error {
		for _, u := range batches {
			if err := u.executeChangeOps(ctx, dryRun); err != nil {
				return err
			}
		}
		return listener.AfterUpdateChanges()
	}

	phases := []func() error{repoPhase, changePhase}
	if order == DBBeforeRepo {
		phases = []func() error{changePhase, repoPhase}
	}
	for _, phase := range phases {
		if err := phase(); err != nil {
			return err
		}
	}
	if dryRun {
		return nil
	}

	for _, u := range batches {
		u.fireRefUpdated(ctx)
	}
	var result *multierror.Error
	for _, u := range batches {
		for _, e := range u.ops {
			if err := e.op.PostUpdate(ctx, u.ctx); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return &PostUpdateError{Err: err}
	}
	return nil
}

func (u *BatchUpdate) executeUpdateRepo(ctx context.Context, dryRun bool) error {
	if u.ctx.Repo == nil {
		// The project's repository is gone; only change ops can run.
		return nil
	}
	rc := &RepoContext{Context: u.ctx, ins: u.Inserter(), cmds: u.cmds}
	for _, e := range u.ops {
		if err := e.op.UpdateRepo(ctx, rc); err != nil {
			return err
		}
	}
	if dryRun {
		return nil
	}
	return u.ins.Flush()
}

func (u *BatchUpdate) executeRefUpdates(ctx context.Context, dryRun bool) error {
	if dryRun || u.cmds.IsEmpty() {
		return nil
	}
	cmds := u.cmds.Commands()
	u.ctx.Logger.DebugContext(ctx, "updating refs", "project", u.ctx.Project, "count", len(cmds))
	if err := u.ctx.Repo.BatchUpdateRefs(cmds); err != nil {
		return fmt.Errorf("updating refs of %s: %w", u.ctx.Project, err)
	}
	for _, cmd := range cmds {
		u.executed = append(u.executed, *cmd)
	}
	return nil
}

func (u *BatchUpdate) executeChangeOps(ctx context.Context, dryRun bool) error {
	var (
		mu      sync.Mutex
		written []change.ID
	)
	if !dryRun {
		for _, op := range u.inserts {
			id, err := op.InsertChange(ctx, u.ctx)
			if err != nil {
				return fmt.Errorf("inserting change: %w", err)
			}
			written = append(written, id)
		}
	}

	run := func(ctx context.Context, id change.ID) error {
		saved := false
		err := u.ctx.Store.InTx(ctx, id, func(ctx context.Context, tx change.Tx) error {
			cc := &ChangeContext{Context: u.ctx, Tx: tx, change: tx.Change()}
			dirty := false
			for _, op := range u.changeOps[id] {
				d, err := op.UpdateChange(ctx, cc)
				if err != nil {
					return err
				}
				dirty = dirty || d
			}
			if !dirty {
				return change.ErrRollback
			}
			if cc.deleted {
				if err := tx.DeleteChange(ctx); err != nil {
					return err
				}
			} else {
				cc.change.Updated = u.ctx.When
				if err := tx.UpdateChange(ctx, cc.change); err != nil {
					return err
				}
			}
			if dryRun {
				return change.ErrRollback
			}
			saved = true
			return nil
		})
		if err != nil {
			return fmt.Errorf("updating change %d: %w", id, err)
		}
		if saved {
			mu.Lock()
			written = append(written, id)
			mu.Unlock()
		}
		return nil
	}

	if u.parallel && len(u.changeIDs) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range u.changeIDs {
			g.Go(func() error { return run(gctx, id) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		for _, id := range u.changeIDs {
			if err := run(ctx, id); err != nil {
				return err
			}
		}
	}

	if u.mirror != nil && len(written) > 0 {
		slices.Sort(written)
		u.mirror.Write(ctx, u.ctx.Project, written)
	}
	return nil
}

func (u *BatchUpdate) fireRefUpdated(ctx context.Context) {
	if u.sink == nil || len(u.executed) == 0 {
		return
	}
	e := &events.RefUpdated{
		Project:   u.ctx.Project,
		Updates:   u.executed,
		Submitter: u.ctx.Account(),
		When:      u.ctx.When,
	}
	if err := u.sink.Send(ctx, e); err != nil {
		u.ctx.Logger.WarnContext(ctx, "sending ref-updated event", "project", u.ctx.Project, "error", err)
	}
}
