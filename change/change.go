// Package change defines the review metadata model: changes, their patch
// sets and approvals, and the store that holds them.
package change

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"msrl.dev/git-submit/repository"
)

// ID identifies a change.
type ID int

func (id ID) String() string {
	return strconv.Itoa(int(id))
}

// AccountID identifies a user.
type AccountID int

// Key is the Change-Id carried in commit messages: "I" followed by 40 hex digits.
type Key string

// Abbreviate returns the short form of the key used in messages.
func (k Key) Abbreviate() string {
	s := string(k)
	if len(s) > 9 {
		return s[:9]
	}
	return s
}

// GenerateKey derives a key from arbitrary seed text.
func GenerateKey(seed string) Key {
	sum := sha1.Sum([]byte(seed))
	return Key("I" + hex.EncodeToString(sum[:]))
}

var changeIDFooter = regexp.MustCompile(`(?m)^Change-Id:\s*(I[0-9a-f]{40})\s*$`)

// KeyFromMessage returns the last Change-Id footer of a commit message.
func KeyFromMessage(msg string) (Key, bool) {
	m := changeIDFooter.FindAllStringSubmatch(msg, -1)
	if len(m) == 0 {
		return "", false
	}
	return Key(m[len(m)-1][1]), true
}

// Status is the lifecycle state of a change.
type Status int

const (
	New Status = iota
	Draft
	Submitted
	Merged
	Abandoned
)

var statusNames = []string{"NEW", "DRAFT", "SUBMITTED", "MERGED", "ABANDONED"}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// IsOpen reports whether the change can still be submitted.
func (s Status) IsOpen() bool {
	return s == New || s == Draft || s == Submitted
}

// IsClosed is the complement of IsOpen.
func (s Status) IsClosed() bool {
	return !s.IsOpen()
}

// ParseStatus parses the String form of a status.
func ParseStatus(s string) (Status, error) {
	for i, name := range statusNames {
		if strings.EqualFold(s, name) {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown change status %q", s)
}

// Branch names a destination branch.
type Branch struct {
	Project string
	Ref     string
}

// ShortName is the ref without refs/heads/.
func (b Branch) ShortName() string {
	return strings.TrimPrefix(b.Ref, repository.BranchRefPrefix)
}

func (b Branch) String() string {
	return b.Project + ":" + b.ShortName()
}

// Change is a logical review unit.
type Change struct {
	ID              ID
	Key             Key
	Dest            Branch
	Owner           AccountID
	Subject         string
	Topic           string
	Status          Status
	CurrentPatchSet int
	SubmissionID    string
	RowVersion      int
	Created         time.Time
	Updated         time.Time
}

// CurrentPatchSetID returns the id of the current patch set.
func (c *Change) CurrentPatchSetID() PatchSetID {
	return PatchSetID{Change: c.ID, Number: c.CurrentPatchSet}
}

// Clone returns a copy that can be modified independently.
func (c *Change) Clone() *Change {
	cp := *c
	return &cp
}

// PatchSetID identifies one revision of a change.
type PatchSetID struct {
	Change ID
	Number int
}

func (id PatchSetID) String() string {
	return fmt.Sprintf("%d,%d", id.Change, id.Number)
}

// RefName returns the ref the patch set's commit is published under.
func (id PatchSetID) RefName() string {
	return fmt.Sprintf("%s%02d/%d/%d", repository.ChangeRefPrefix, int(id.Change)%100, id.Change, id.Number)
}

// ParsePatchSetRef parses a ref produced by RefName.
func ParsePatchSetRef(ref string) (PatchSetID, bool) {
	rest, ok := strings.CutPrefix(ref, repository.ChangeRefPrefix)
	if !ok {
		return PatchSetID{}, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return PatchSetID{}, false
	}
	shard, err1 := strconv.Atoi(parts[0])
	id, err2 := strconv.Atoi(parts[1])
	n, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || id <= 0 || n <= 0 || shard != id%100 || len(parts[0]) != 2 {
		return PatchSetID{}, false
	}
	return PatchSetID{Change: ID(id), Number: n}, true
}

// PatchSet is one commit-backed revision of a change.
type PatchSet struct {
	ID       PatchSetID
	Commit   string
	Groups   []string
	Uploader AccountID
	Created  time.Time
}

// Approval is one label vote on a patch set.
type Approval struct {
	PatchSet PatchSetID
	Account  AccountID
	Label    string
	Value    int
	Granted  time.Time
}

// Well known label names.
const (
	CodeReview  = "Code-Review"
	Verified    = "Verified"
	SubmitLabel = "SUBM"
)

// Message tags.
const (
	TagMerged    = "autogenerated:merged"
	TagAbandoned = "autogenerated:abandoned"
)

// Message is a comment attached to a change.
type Message struct {
	Change   ID
	PatchSet int
	Author   AccountID
	Text     string
	Tag      string
	Written  time.Time
}

// Account is a user known to the store.
type Account struct {
	ID            AccountID
	FullName      string
	Email         string
	Administrator bool
}

// NameEmail formats the account as a git identity.
func (a *Account) NameEmail() string {
	return fmt.Sprintf("%s <%s>", a.FullName, a.Email)
}

// Signature returns the account as a commit signature at the given time.
func (a *Account) Signature(when time.Time) repository.Signature {
	return repository.Signature{Name: a.FullName, Email: a.Email, When: when}
}
