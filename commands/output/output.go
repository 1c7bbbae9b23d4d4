/*
Copyright 2015 Google Inc. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package output contains helper methods for pretty-printing changes and
// submissions.
package output

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"msrl.dev/git-submit/change"
	"msrl.dev/git-submit/submit"
)

const (
	// Template for printing the summary of a change.
	changeSummaryTemplate = `[%s] %d %s
  %s
`
	// Template for printing the details of a change.
	changeDetailsTemplate = `  project: %s
  branch:  %s
  topic:   %q
  key:     %s
`
	// Template for printing a single patch set.
	patchSetTemplate = `  patch set %d: %.12s
`
	// Template for printing a single vote.
	approvalTemplate = `    %s%+d by %d
`
	// Template for printing a single message.
	messageTemplate = `message: %s
author:  %d
time:    %s`

	// Template for printing the outcome of one change of a submission.
	resultTemplate = `  change %d: %s
`
)

// Details is everything printed for one change.
type Details struct {
	Change    *change.Change
	PatchSets []*change.PatchSet
	Approvals map[int][]*change.Approval
	Messages  []*change.Message
}

// PrintSummary prints a short summary of a change.
func PrintSummary(w io.Writer, c *change.Change) {
	status := strings.ToLower(c.Status.String())
	fmt.Fprintf(w, changeSummaryTemplate, status, c.ID, c.Key.Abbreviate(), c.Subject)
}

// PrintDetails prints a change with its patch sets, votes and messages.
func PrintDetails(w io.Writer, d *Details) {
	PrintSummary(w, d.Change)
	fmt.Fprintf(w, changeDetailsTemplate, d.Change.Dest.Project, d.Change.Dest.ShortName(), d.Change.Topic, d.Change.Key)
	for _, ps := range d.PatchSets {
		fmt.Fprintf(w, patchSetTemplate, ps.ID.Number, ps.Commit)
		for _, a := range d.Approvals[ps.ID.Number] {
			fmt.Fprintf(w, approvalTemplate, a.Label, a.Value, a.Account)
		}
	}
	if len(d.Messages) == 0 {
		return
	}
	fmt.Fprintf(w, "  messages (%d):\n", len(d.Messages))
	for _, m := range d.Messages {
		summary := fmt.Sprintf("    "+messageTemplate, firstLine(m.Text), m.Author, m.Written.Format(time.UnixDate))
		fmt.Fprintln(w, strings.ReplaceAll(summary, "\n", "\n    "))
		if rest := restOfMessage(m.Text); rest != "" {
			fmt.Fprintln(w, Reflow(rest, "      ", 80))
		}
	}
}

// PrintResult prints the outcome of a submission.
func PrintResult(w io.Writer, res *submit.Result, dryRun bool) {
	verb := "Submitted"
	if dryRun {
		verb = "Would submit"
	}
	ids := make([]change.ID, 0, len(res.Status))
	for id := range res.Status {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fmt.Fprintf(w, "%s %d of %d change(s) in %s:\n", verb, len(res.Merged()), len(ids), res.SubmissionID)
	for _, id := range ids {
		fmt.Fprintf(w, resultTemplate, id, res.Status[id].Description())
	}
	for _, id := range res.Abandoned {
		fmt.Fprintf(w, resultTemplate, id, "abandoned, the project was deleted")
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func restOfMessage(s string) string {
	_, rest, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(rest)
}
