// Package events delivers notifications about ref updates and change
// state transitions.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/hashicorp/go-multierror"
	"github.com/microcosm-cc/bluemonday"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/repository"
)

// Event is a notification.
type Event interface {
	Type() string
}

// RefUpdated reports one atomic batch of ref updates in a project.
type RefUpdated struct {
	Project   string
	Updates   []repository.RefCommand
	Submitter change.AccountID
	When      time.Time
}

func (*RefUpdated) Type() string { return "ref-updated" }

// ChangeMerged reports a change that landed on its branch.
type ChangeMerged struct {
	Change      *change.Change
	PatchSet    *change.PatchSet
	NewTip      string
	Submitter   change.AccountID
	Message     string
	MessageHTML string
	Files       []repository.FileDiff
	Added       uint64
	Deleted     uint64
}

func (*ChangeMerged) Type() string { return "change-merged" }

// ChangeAbandoned reports a change that was closed without merging.
type ChangeAbandoned struct {
	Change *change.Change
	Actor  change.AccountID
	Reason string
}

func (*ChangeAbandoned) Type() string { return "change-abandoned" }

// PatchSetCreated reports a new patch set, including ones made by submit.
type PatchSetCreated struct {
	Change   *change.Change
	PatchSet *change.PatchSet
}

func (*PatchSetCreated) Type() string { return "patchset-created" }

// Sink receives events after the state they describe is durable.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Send logs the event.
func (s LogSink) Send(ctx context.Context, e Event) error {
	l := s.logger()
	switch e := e.(type) {
	case *RefUpdated:
		for _, u := range e.Updates {
			l.InfoContext(ctx, "ref updated", "project", e.Project, "ref", u.Name, "old", u.OldHash, "new", u.NewHash)
		}
	case *ChangeMerged:
		l.InfoContext(ctx, "change merged", "project", e.Change.Dest.Project, "branch", e.Change.Dest.ShortName(),
			"change", e.Change.ID, "commit", e.NewTip, "added", e.Added, "deleted", e.Deleted)
	case *ChangeAbandoned:
		l.InfoContext(ctx, "change abandoned", "project", e.Change.Dest.Project, "change", e.Change.ID, "reason", e.Reason)
	case *PatchSetCreated:
		l.InfoContext(ctx, "patch set created", "project", e.Change.Dest.Project, "change", e.Change.ID,
			"patchset", e.PatchSet.ID.Number, "commit", e.PatchSet.Commit)
	default:
		l.InfoContext(ctx, "event", "type", e.Type())
	}
	return nil
}

// Recorder keeps every event it is sent.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Send records the event.
func (r *Recorder) Send(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns the recorded events in order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(t string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

// Multi sends every event to each sink in turn.
type Multi []Sink

// Send delivers e to all sinks and returns their combined errors.
func (m Multi) Send(ctx context.Context, e Event) error {
	var result *multierror.Error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// RenderMessage converts a markdown change message to sanitized HTML.
func RenderMessage(md string) string {
	extensions := parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock
	p := parser.NewWithExtensions(extensions)
	doc := p.Parse([]byte(md))

	opts := html.RendererOptions{Flags: html.CommonFlags | html.HrefTargetBlank}
	renderer := html.NewRenderer(opts)

	maybeUnsafeHTML := markdown.Render(doc, renderer)
	return string(bluemonday.UGCPolicy().SanitizeBytes(maybeUnsafeHTML))
}
