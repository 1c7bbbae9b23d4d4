package repository

import (
	"strings"

	"github.com/go-git/go-git/v5/utils/diff"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// lineEdit replaces base lines [start, end) with lines.
type lineEdit struct {
	start, end int
	lines      []string
}

func splitLines(s string) []string {
	lines := strings.SplitAfter(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// lineEdits computes the edits that turn base into other, in base line
// coordinates.
func lineEdits(base, other string) []lineEdit {
	var edits []lineEdit
	var cur *lineEdit
	pos := 0
	for _, d := range diff.Do(base, other) {
		lines := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			if cur != nil {
				edits = append(edits, *cur)
				cur = nil
			}
			pos += len(lines)
		case diffmatchpatch.DiffDelete:
			if cur == nil {
				cur = &lineEdit{start: pos, end: pos}
			}
			cur.end += len(lines)
			pos += len(lines)
		case diffmatchpatch.DiffInsert:
			if cur == nil {
				cur = &lineEdit{start: pos, end: pos}
			}
			cur.lines = append(cur.lines, lines...)
		}
	}
	if cur != nil {
		edits = append(edits, *cur)
	}
	return edits
}

func applyEdits(base []string, lo, hi int, edits []lineEdit) []string {
	var out []string
	pos := lo
	for _, e := range edits {
		out = append(out, base[pos:e.start]...)
		out = append(out, e.lines...)
		pos = e.end
	}
	return append(out, base[pos:hi]...)
}

func sameLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// merge3 merges the changes ours and theirs made to base. Edits from the two
// sides that overlap or touch conflict unless they produce the same lines.
// The result carries conflict markers when clean is false.
func merge3(base, ours, theirs string) (merged string, clean bool) {
	b := splitLines(base)
	eo := lineEdits(base, ours)
	et := lineEdits(base, theirs)

	var out []string
	clean = true
	pos, i, j := 0, 0, 0
	for i < len(eo) || j < len(et) {
		var lo, hi int
		if j >= len(et) || (i < len(eo) && eo[i].start <= et[j].start) {
			lo, hi = eo[i].start, eo[i].end
		} else {
			lo, hi = et[j].start, et[j].end
		}
		var og, tg []lineEdit
		for grown := true; grown; {
			grown = false
			for i < len(eo) && eo[i].start <= hi {
				og = append(og, eo[i])
				if eo[i].end > hi {
					hi = eo[i].end
				}
				i++
				grown = true
			}
			for j < len(et) && et[j].start <= hi {
				tg = append(tg, et[j])
				if et[j].end > hi {
					hi = et[j].end
				}
				j++
				grown = true
			}
		}

		out = append(out, b[pos:lo]...)
		switch {
		case len(tg) == 0:
			out = append(out, applyEdits(b, lo, hi, og)...)
		case len(og) == 0:
			out = append(out, applyEdits(b, lo, hi, tg)...)
		default:
			o := applyEdits(b, lo, hi, og)
			t := applyEdits(b, lo, hi, tg)
			if sameLines(o, t) {
				out = append(out, o...)
				break
			}
			clean = false
			out = append(out, "<<<<<<< ours\n")
			out = append(out, o...)
			out = append(out, "=======\n")
			out = append(out, t...)
			out = append(out, ">>>>>>> theirs\n")
		}
		pos = hi
	}
	out = append(out, b[pos:]...)
	return strings.Join(out, ""), clean
}

func isBinary(s string) bool {
	return strings.IndexByte(s, 0) >= 0
}
