package output

import (
	"regexp"
	"strings"
)

var paragraphBreak = regexp.MustCompile(`\n[ \t\r]*\n\s*`)

// Reflow wraps in to lines of at most width characters, prefix included,
// and puts prefix before each line. A blank line separates paragraphs and
// is kept, other whitespace is collapsed. Words longer than a line are not
// broken.
func Reflow(in, prefix string, width int) string {
	var out []string
	for _, p := range paragraphBreak.Split(strings.TrimSpace(in), -1) {
		words := strings.Fields(p)
		if len(words) == 0 {
			continue
		}
		if len(out) > 0 {
			out = append(out, prefix)
		}
		out = append(out, wrap(words, prefix, width-len(prefix))...)
	}
	return strings.Join(out, "\n")
}

func wrap(words []string, prefix string, maxCol int) []string {
	var lines []string
	line := prefix + words[0]
	column := len(words[0])
	for _, w := range words[1:] {
		if column+len(w)+1 < maxCol {
			line += " " + w
			column += len(w) + 1
			continue
		}
		lines = append(lines, line)
		line = prefix + w
		column = len(w)
	}
	return append(lines, line)
}
