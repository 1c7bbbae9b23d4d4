package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"msrl.dev/git-submit/change"
)

var _ change.Store = (*Store)(nil)

// Store implements change.Store on SQLite.
type Store struct {
	db *DB
}

// New returns a Store backed by an already migrated DB.
func New(db *DB) *Store {
	return &Store{db: db}
}

// Open opens and migrates the database at path.
func Open(path string) (*Store, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(db.Writer); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

const changeColumns = `c.id, c.change_key, c.project, c.dest_ref, c.owner, c.subject, c.topic,
	c.status, c.current_patch_set, c.submission_id, c.row_version, c.created_at, c.updated_at`

func scanChange(s scanner) (*change.Change, error) {
	var c change.Change
	var key, status, created, updated string
	err := s.Scan(&c.ID, &key, &c.Dest.Project, &c.Dest.Ref, &c.Owner, &c.Subject, &c.Topic,
		&status, &c.CurrentPatchSet, &c.SubmissionID, &c.RowVersion, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.Key = change.Key(key)
	if c.Status, err = change.ParseStatus(status); err != nil {
		return nil, err
	}
	if c.Created, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if c.Updated, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &c, nil
}

func queryChanges(ctx context.Context, q queryer, query string, args ...any) ([]*change.Change, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*change.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const patchSetColumns = `p.change_id, p.number, p.commit_sha, p.group_labels, p.uploader, p.created_at`

func splitGroups(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func scanPatchSet(s scanner) (*change.PatchSet, error) {
	var ps change.PatchSet
	var groups, created string
	if err := s.Scan(&ps.ID.Change, &ps.ID.Number, &ps.Commit, &groups, &ps.Uploader, &created); err != nil {
		return nil, err
	}
	ps.Groups = splitGroups(groups)
	var err error
	if ps.Created, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &ps, nil
}

func queryPatchSets(ctx context.Context, q queryer, query string, args ...any) ([]*change.PatchSet, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*change.PatchSet
	for rows.Next() {
		ps, err := scanPatchSet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

func getChange(ctx context.Context, q queryer, id change.ID) (*change.Change, error) {
	c, err := scanChange(q.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM changes c WHERE c.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("change %d: %w", id, change.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get change %d: %w", id, err)
	}
	return c, nil
}

// Get returns a change by id.
func (s *Store) Get(ctx context.Context, id change.ID) (*change.Change, error) {
	return getChange(ctx, s.db.Reader, id)
}

// PatchSet returns one patch set.
func (s *Store) PatchSet(ctx context.Context, id change.PatchSetID) (*change.PatchSet, error) {
	ps, err := scanPatchSet(s.db.Reader.QueryRowContext(ctx,
		`SELECT `+patchSetColumns+` FROM patch_sets p WHERE p.change_id = ? AND p.number = ?`, id.Change, id.Number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patch set %s: %w", id, change.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get patch set %s: %w", id, err)
	}
	return ps, nil
}

// PatchSets returns every patch set of a change in number order.
func (s *Store) PatchSets(ctx context.Context, id change.ID) ([]*change.PatchSet, error) {
	return queryPatchSets(ctx, s.db.Reader,
		`SELECT `+patchSetColumns+` FROM patch_sets p WHERE p.change_id = ? ORDER BY p.number`, id)
}

// Approvals returns the votes on a patch set.
func (s *Store) Approvals(ctx context.Context, id change.PatchSetID) ([]*change.Approval, error) {
	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT account_id, label, value, granted_at FROM approvals
		 WHERE change_id = ? AND patch_set = ? ORDER BY label, account_id`, id.Change, id.Number)
	if err != nil {
		return nil, fmt.Errorf("list approvals of %s: %w", id, err)
	}
	defer rows.Close()
	var out []*change.Approval
	for rows.Next() {
		a := &change.Approval{PatchSet: id}
		var granted string
		if err := rows.Scan(&a.Account, &a.Label, &a.Value, &granted); err != nil {
			return nil, err
		}
		if a.Granted, err = parseTime(granted); err != nil {
			return nil, fmt.Errorf("parse granted_at: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Messages returns the messages of a change, oldest first.
func (s *Store) Messages(ctx context.Context, id change.ID) ([]*change.Message, error) {
	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT patch_set, author, body, tag, written_at FROM messages WHERE change_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list messages of %d: %w", id, err)
	}
	defer rows.Close()
	var out []*change.Message
	for rows.Next() {
		m := &change.Message{Change: id}
		var written string
		if err := rows.Scan(&m.PatchSet, &m.Author, &m.Text, &m.Tag, &written); err != nil {
			return nil, err
		}
		if m.Written, err = parseTime(written); err != nil {
			return nil, fmt.Errorf("parse written_at: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Account returns an account by id.
func (s *Store) Account(ctx context.Context, id change.AccountID) (*change.Account, error) {
	a := &change.Account{ID: id}
	err := s.db.Reader.QueryRowContext(ctx,
		`SELECT full_name, email, administrator FROM accounts WHERE id = ?`, id).
		Scan(&a.FullName, &a.Email, &a.Administrator)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", id, change.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	return a, nil
}

// UpsertAccount creates or replaces an account.
func (s *Store) UpsertAccount(ctx context.Context, a *change.Account) error {
	const query = `INSERT INTO accounts (id, full_name, email, administrator) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET full_name = excluded.full_name, email = excluded.email,
		administrator = excluded.administrator`
	if _, err := s.db.Writer.ExecContext(ctx, query, a.ID, a.FullName, a.Email, a.Administrator); err != nil {
		return fmt.Errorf("upsert account %d: %w", a.ID, err)
	}
	return nil
}

// ByCommit returns the changes in project with a patch set at commit.
func (s *Store) ByCommit(ctx context.Context, project, commit string) ([]*change.Change, error) {
	return queryChanges(ctx, s.db.Reader,
		`SELECT DISTINCT `+changeColumns+` FROM changes c JOIN patch_sets p ON p.change_id = c.id
		 WHERE c.project = ? AND p.commit_sha = ? ORDER BY c.id`, project, commit)
}

// PatchSetsByCommit returns the patch sets in project at commit.
func (s *Store) PatchSetsByCommit(ctx context.Context, project, commit string) ([]*change.PatchSet, error) {
	return queryPatchSets(ctx, s.db.Reader,
		`SELECT `+patchSetColumns+` FROM patch_sets p JOIN changes c ON p.change_id = c.id
		 WHERE c.project = ? AND p.commit_sha = ? ORDER BY p.change_id, p.number`, project, commit)
}

var openStatuses = fmt.Sprintf("('%s', '%s', '%s')", change.New, change.Draft, change.Submitted)

// ByTopic returns the open changes with the topic.
func (s *Store) ByTopic(ctx context.Context, topic string) ([]*change.Change, error) {
	if topic == "" {
		return nil, nil
	}
	return queryChanges(ctx, s.db.Reader,
		`SELECT `+changeColumns+` FROM changes c WHERE c.topic = ? AND c.status IN `+openStatuses+` ORDER BY c.id`, topic)
}

// ByProject returns every change of a project.
func (s *Store) ByProject(ctx context.Context, project string) ([]*change.Change, error) {
	return queryChanges(ctx, s.db.Reader,
		`SELECT `+changeColumns+` FROM changes c WHERE c.project = ? ORDER BY c.id`, project)
}

// ByProjectOpen returns the open changes of a project.
func (s *Store) ByProjectOpen(ctx context.Context, project string) ([]*change.Change, error) {
	return queryChanges(ctx, s.db.Reader,
		`SELECT `+changeColumns+` FROM changes c WHERE c.project = ? AND c.status IN `+openStatuses+` ORDER BY c.id`, project)
}

// Submitted returns the changes waiting to be merged into branch.
func (s *Store) Submitted(ctx context.Context, branch change.Branch) ([]*change.Change, error) {
	return queryChanges(ctx, s.db.Reader,
		`SELECT `+changeColumns+` FROM changes c WHERE c.project = ? AND c.dest_ref = ? AND c.status = ? ORDER BY c.id`,
		branch.Project, branch.Ref, change.Submitted.String())
}

// Create stores a new change with its first patch set.
func (s *Store) Create(ctx context.Context, c *change.Change, ps *change.PatchSet) error {
	tx, err := s.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	now := time.Now().UTC()
	if c.Created.IsZero() {
		c.Created = now
	}
	if c.Updated.IsZero() {
		c.Updated = c.Created
	}
	if c.ID == 0 {
		id, err := nextChangeID(ctx, tx)
		if err != nil {
			return err
		}
		c.ID = id
	}
	c.CurrentPatchSet = 1
	_, err = tx.ExecContext(ctx,
		`INSERT INTO changes (id, change_key, project, dest_ref, owner, subject, topic, status,
		 current_patch_set, submission_id, row_version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		c.ID, string(c.Key), c.Dest.Project, c.Dest.Ref, c.Owner, c.Subject, c.Topic, c.Status.String(),
		c.CurrentPatchSet, c.SubmissionID, formatTime(c.Created), formatTime(c.Updated))
	if err != nil {
		return fmt.Errorf("insert change %d: %w", c.ID, err)
	}
	c.RowVersion = 0
	ps.ID = change.PatchSetID{Change: c.ID, Number: 1}
	if ps.Created.IsZero() {
		ps.Created = c.Created
	}
	if err := insertPatchSet(ctx, tx, ps); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// NextChangeID reserves a change id. Ids are never handed out twice, even
// when the reserving caller never creates the change.
func (s *Store) NextChangeID(ctx context.Context) (change.ID, error) {
	return nextChangeID(ctx, s.db.Writer)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nextChangeID(ctx context.Context, db execer) (change.ID, error) {
	res, err := db.ExecContext(ctx, `INSERT INTO change_ids DEFAULT VALUES`)
	if err != nil {
		return 0, fmt.Errorf("reserve change id: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return change.ID(id), nil
}

func insertPatchSet(ctx context.Context, tx *sql.Tx, ps *change.PatchSet) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO patch_sets (change_id, number, commit_sha, group_labels, uploader, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ps.ID.Change, ps.ID.Number, ps.Commit, strings.Join(ps.Groups, ","), ps.Uploader, formatTime(ps.Created))
	if err != nil {
		return fmt.Errorf("insert patch set %s: %w", ps.ID, err)
	}
	return nil
}

// InTx runs fn in a write transaction on change id.
func (s *Store) InTx(ctx context.Context, id change.ID, fn func(context.Context, change.Tx) error) error {
	tx, err := s.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	c, err := getChange(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := fn(ctx, &sqlTx{tx: tx, cur: c}); err != nil {
		if errors.Is(err, change.ErrRollback) {
			return nil
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit change %d: %w", id, err)
	}
	return nil
}

type sqlTx struct {
	tx  *sql.Tx
	cur *change.Change
}

func (t *sqlTx) Change() *change.Change {
	return t.cur.Clone()
}

func (t *sqlTx) UpdateChange(ctx context.Context, c *change.Change) error {
	if c.ID != t.cur.ID {
		return fmt.Errorf("transaction on change %d cannot update change %d", t.cur.ID, c.ID)
	}
	if c.Updated.IsZero() {
		c.Updated = time.Now().UTC()
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE changes SET change_key = ?, project = ?, dest_ref = ?, owner = ?, subject = ?, topic = ?,
		 status = ?, current_patch_set = ?, submission_id = ?, row_version = row_version + 1, updated_at = ?
		 WHERE id = ? AND row_version = ?`,
		string(c.Key), c.Dest.Project, c.Dest.Ref, c.Owner, c.Subject, c.Topic, c.Status.String(),
		c.CurrentPatchSet, c.SubmissionID, formatTime(c.Updated), c.ID, c.RowVersion)
	if err != nil {
		return fmt.Errorf("update change %d: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update change %d at version %d: %w", c.ID, c.RowVersion, change.ErrConcurrentUpdate)
	}
	c.RowVersion++
	t.cur = c.Clone()
	return nil
}

func (t *sqlTx) InsertPatchSet(ctx context.Context, ps *change.PatchSet) error {
	if ps.ID.Change != t.cur.ID {
		return fmt.Errorf("transaction on change %d cannot insert patch set %s", t.cur.ID, ps.ID)
	}
	return insertPatchSet(ctx, t.tx, ps)
}

func (t *sqlTx) DeletePatchSet(ctx context.Context, id change.PatchSetID) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM patch_sets WHERE change_id = ? AND number = ?`, id.Change, id.Number)
	if err != nil {
		return fmt.Errorf("delete patch set %s: %w", id, err)
	}
	return nil
}

func (t *sqlTx) SetGroups(ctx context.Context, id change.PatchSetID, groups []string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE patch_sets SET group_labels = ? WHERE change_id = ? AND number = ?`,
		strings.Join(groups, ","), id.Change, id.Number)
	if err != nil {
		return fmt.Errorf("set groups of %s: %w", id, err)
	}
	return nil
}

func (t *sqlTx) UpsertApproval(ctx context.Context, a *change.Approval) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO approvals (change_id, patch_set, account_id, label, value, granted_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (change_id, patch_set, account_id, label) DO UPDATE SET value = excluded.value,
		 granted_at = excluded.granted_at`,
		a.PatchSet.Change, a.PatchSet.Number, a.Account, a.Label, a.Value, formatTime(a.Granted))
	if err != nil {
		return fmt.Errorf("upsert approval on %s: %w", a.PatchSet, err)
	}
	return nil
}

func (t *sqlTx) CopyApprovals(ctx context.Context, from, to change.PatchSetID) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO approvals (change_id, patch_set, account_id, label, value, granted_at)
		 SELECT ?, ?, account_id, label, value, granted_at FROM approvals WHERE change_id = ? AND patch_set = ?`,
		to.Change, to.Number, from.Change, from.Number)
	if err != nil {
		return fmt.Errorf("copy approvals %s -> %s: %w", from, to, err)
	}
	return nil
}

func (t *sqlTx) AddMessage(ctx context.Context, m *change.Message) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO messages (change_id, patch_set, author, body, tag, written_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.cur.ID, m.PatchSet, m.Author, m.Text, m.Tag, formatTime(m.Written))
	if err != nil {
		return fmt.Errorf("add message to %d: %w", t.cur.ID, err)
	}
	return nil
}

func (t *sqlTx) DeleteChange(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM changes WHERE id = ?`, t.cur.ID); err != nil {
		return fmt.Errorf("delete change %d: %w", t.cur.ID, err)
	}
	return nil
}
