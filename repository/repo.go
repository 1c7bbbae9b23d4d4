package repository

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	BranchRefPrefix = "refs/heads/"
	ChangeRefPrefix = "refs/changes/"
	NotesRefPrefix  = "refs/notes/"
	MetaConfigRef   = "refs/meta/config"
	MasterRef       = "refs/heads/master"
)

var (
	// ErrLockFailure is reported when a compare-and-swap ref update finds
	// the ref at a value other than the expected old value.
	ErrLockFailure = errors.New("lock failure")

	// ErrProjectNotFound is returned by a Manager for unknown projects.
	ErrProjectNotFound = errors.New("project not found")
)

// Signature identifies the author or committer of a commit.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

func (s Signature) String() string {
	return fmt.Sprintf("%s <%s>", s.Name, s.Email)
}

// CommitDetails represents the contents of a commit.
type CommitDetails struct {
	Hash      string
	Author    Signature
	Committer Signature
	Tree      string
	Parents   []string
	Message   string
}

// Subject returns the first line of the commit message.
func (c *CommitDetails) Subject() string {
	return strings.TrimSpace(strings.SplitN(c.Message, "\n", 2)[0])
}

// RefResult is the outcome of a single command in a batch ref update.
type RefResult int

const (
	RefNotAttempted RefResult = iota
	RefOK
	RefLockFailure
	RefRejected
	RefIOFailure
)

func (r RefResult) String() string {
	switch r {
	case RefNotAttempted:
		return "NOT_ATTEMPTED"
	case RefOK:
		return "OK"
	case RefLockFailure:
		return "LOCK_FAILURE"
	case RefRejected:
		return "REJECTED_OTHER_REASON"
	case RefIOFailure:
		return "IO_FAILURE"
	}
	return "UNKNOWN"
}

// RefCommand moves a ref from OldHash to NewHash. An empty OldHash requires
// the ref to be absent, and an empty NewHash deletes it.
type RefCommand struct {
	Name    string
	OldHash string
	NewHash string
	Result  RefResult
}

func (c *RefCommand) String() string {
	return fmt.Sprintf("%s %s -> %s", c.Name, abbrev(c.OldHash), abbrev(c.NewHash))
}

func abbrev(hash string) string {
	if hash == "" {
		return "(none)"
	}
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}

// BatchRefUpdateError reports the command that caused a batch to fail. The
// batch was not applied.
type BatchRefUpdateError struct {
	Command *RefCommand
	Err     error
}

func (e *BatchRefUpdateError) Error() string {
	return fmt.Sprintf("updating %s: %s: %v", e.Command.Name, e.Command.Result, e.Err)
}

func (e *BatchRefUpdateError) Unwrap() error {
	return e.Err
}

// DiffOp is the kind of a line in a diff fragment.
type DiffOp int

const (
	OpContext DiffOp = iota
	OpDelete
	OpAdd
)

func (op DiffOp) String() string {
	switch op {
	case OpContext:
		return " "
	case OpDelete:
		return "-"
	case OpAdd:
		return "+"
	}
	return ""
}

type DiffLine struct {
	Op   DiffOp
	Line string
}

type DiffFragment struct {
	Comment         string
	OldPosition     uint64
	OldLines        uint64
	NewPosition     uint64
	NewLines        uint64
	LinesAdded      uint64
	LinesDeleted    uint64
	LeadingContext  uint64
	TrailingContext uint64
	Lines           []DiffLine
}

type FileDiff struct {
	OldName   string
	NewName   string
	Fragments []DiffFragment
}

// NoteMap maps an annotated object id to the contents of its note.
type NoteMap map[string]string

// Repo represents a source code repository.
type Repo interface {
	// GetPath returns the path to the repo.
	GetPath() string

	// ResolveRef returns the commit a ref points to, or "" if the ref does
	// not exist.
	ResolveRef(ref string) (string, error)

	// Refs returns every ref under prefix mapped to the commit it points to.
	Refs(prefix string) (map[string]string, error)

	// HasObject returns whether or not the repo contains an object with the given hash.
	HasObject(hash string) (bool, error)

	// GetCommitDetails returns the details of a commit's metadata.
	GetCommitDetails(hash string) (*CommitDetails, error)

	// IsAncestor determines if the first argument points to a commit that is an ancestor of the second.
	IsAncestor(ancestor, descendant string) (bool, error)

	// MergeBases returns the best common ancestors of two commits.
	MergeBases(a, b string) ([]string, error)

	// NewInserter returns an object inserter whose objects are written on Flush.
	NewInserter() *Inserter

	// NewDryRunInserter returns an object inserter that never writes.
	NewDryRunInserter() *Inserter

	// BatchUpdateRefs applies all of the commands atomically, recording a
	// result on each of them.
	BatchUpdateRefs(cmds []*RefCommand) error

	// ReadNoteMap reads the notes in the tree of the given notes commit.
	ReadNoteMap(commit string) (NoteMap, error)

	// ParsedDiff computes the diff between two given commits.
	ParsedDiff(left, right string) ([]FileDiff, error)

	// ReadFile returns the contents of path in the given commit.
	ReadFile(commit, path string) (string, error)

	// ConfigOption reads a single value from the repository git config.
	ConfigOption(section, subsection, key string) string
}
