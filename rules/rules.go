// Package rules decides whether a change may be submitted.
package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/project"
)

// Status is the outcome of one submit record.
type Status int

const (
	OK Status = iota
	NotReady
	RuleError
	Closed
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case NotReady:
		return "NOT_READY"
	case RuleError:
		return "RULE_ERROR"
	case Closed:
		return "CLOSED"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// LabelStatus is the state of one label on a change.
type LabelStatus int

const (
	LabelOK LabelStatus = iota
	LabelMay
	LabelReject
	LabelNeed
	LabelImpossible
)

func (s LabelStatus) String() string {
	switch s {
	case LabelOK:
		return "OK"
	case LabelMay:
		return "MAY"
	case LabelReject:
		return "REJECT"
	case LabelNeed:
		return "NEED"
	case LabelImpossible:
		return "IMPOSSIBLE"
	}
	return fmt.Sprintf("LabelStatus(%d)", int(s))
}

// Label is the state of one label.
type Label struct {
	Label     string
	Status    LabelStatus
	AppliedBy change.AccountID
}

// Record is the result of one submit rule.
type Record struct {
	Status       Status
	Labels       []Label
	ErrorMessage string
}

// Evaluator runs submit rules.
type Evaluator interface {
	Evaluate(ctx context.Context, c *change.Change) ([]Record, error)
	SubmitType(ctx context.Context, c *change.Change) (project.SubmitType, error)
}

// DescribeLabels lists what blocks a change, in label order.
func DescribeLabels(labels []Label) string {
	var out []string
	for _, l := range labels {
		switch l.Status {
		case LabelReject:
			out = append(out, "blocked by "+l.Label)
		case LabelNeed:
			out = append(out, "needs "+l.Label)
		case LabelImpossible:
			out = append(out, "needs "+l.Label+" (check project access)")
		}
	}
	return strings.Join(out, "; ")
}

// Check returns nil if any record allows submission, or an error
// describing why the change cannot be submitted.
func Check(records []Record) error {
	if len(records) == 0 {
		return errors.New("submit rule returned no results")
	}
	for _, r := range records {
		if r.Status == OK {
			return nil
		}
	}
	for _, r := range records {
		switch r.Status {
		case Closed:
			return errors.New("change is closed")
		case RuleError:
			return errors.New("submit rule error: " + r.ErrorMessage)
		case NotReady:
			return errors.New(DescribeLabels(r.Labels))
		}
	}
	return fmt.Errorf("unexpected submit record status %s", records[0].Status)
}

// LabelType is a label and its vote range.
type LabelType struct {
	Name string
	Min  int
	Max  int
}

// LabelEvaluator requires the maximum vote on every label and rejects any
// change with a minimum vote.
type LabelEvaluator struct {
	Store    change.Store
	Projects project.Source
	Labels   []LabelType
}

// Evaluate scores the current patch set of c.
func (e *LabelEvaluator) Evaluate(ctx context.Context, c *change.Change) ([]Record, error) {
	if c.Status.IsClosed() {
		return []Record{{Status: Closed}}, nil
	}
	approvals, err := e.Store.Approvals(ctx, c.CurrentPatchSetID())
	if err != nil {
		return nil, err
	}
	rec := Record{Status: OK}
	for _, lt := range e.Labels {
		if lt.Min > lt.Max {
			return []Record{{Status: RuleError, ErrorMessage: fmt.Sprintf("label %s has an empty vote range", lt.Name)}}, nil
		}
		l := Label{Label: lt.Name, Status: LabelNeed}
		if lt.Max <= 0 {
			l.Status = LabelImpossible
		}
		for _, a := range approvals {
			if a.Label != lt.Name {
				continue
			}
			if lt.Min < 0 && a.Value <= lt.Min {
				l.Status = LabelReject
				l.AppliedBy = a.Account
				break
			}
			if lt.Max > 0 && a.Value >= lt.Max && l.Status != LabelOK {
				l.Status = LabelOK
				l.AppliedBy = a.Account
			}
		}
		if l.Status != LabelOK && l.Status != LabelMay {
			rec.Status = NotReady
		}
		rec.Labels = append(rec.Labels, l)
	}
	return []Record{rec}, nil
}

// SubmitType returns the submit type of the change's project.
func (e *LabelEvaluator) SubmitType(ctx context.Context, c *change.Change) (project.SubmitType, error) {
	cfg, err := e.Projects.Get(ctx, c.Dest.Project)
	if err != nil {
		return 0, err
	}
	return cfg.SubmitType, nil
}
