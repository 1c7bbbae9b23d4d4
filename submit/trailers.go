package submit

import (
	"regexp"
	"strings"
)

const (
	footerChangeID    = "Change-Id"
	footerReviewedOn  = "Reviewed-on"
	footerSignedOffBy = "Signed-off-by"
)

var footerLine = regexp.MustCompile(`^([A-Za-z0-9-]+):\s*(.*)$`)

type footer struct {
	key   string
	value string
}

// parseFooters returns the trailers of a commit message: the lines of its
// last paragraph, provided the message has a subject paragraph before it
// and every line of the paragraph is a "Key: value" pair.
func parseFooters(msg string) []footer {
	paragraphs := strings.Split(strings.TrimRight(msg, "\n"), "\n\n")
	if len(paragraphs) < 2 {
		return nil
	}
	last := strings.TrimSpace(paragraphs[len(paragraphs)-1])
	if last == "" {
		return nil
	}
	var footers []footer
	for _, line := range strings.Split(last, "\n") {
		m := footerLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			return nil
		}
		footers = append(footers, footer{key: m[1], value: strings.TrimSpace(m[2])})
	}
	return footers
}

func hasFooter(footers []footer, key, value string) bool {
	for _, f := range footers {
		if strings.EqualFold(f.key, key) && f.value == value {
			return true
		}
	}
	return false
}

// isSignedOffBy reports whether a Signed-off-by trailer names email.
func isSignedOffBy(footers []footer, email string) bool {
	for _, f := range footers {
		if strings.EqualFold(f.key, footerSignedOffBy) && strings.Contains(f.value, "<"+email+">") {
			return true
		}
	}
	return false
}
