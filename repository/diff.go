package repository

import (
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
)

func parsedDiff(diff string) ([]FileDiff, error) {
	files, _, err := gitdiff.Parse(strings.NewReader(diff))
	if err != nil {
		return nil, err
	}

	var fileDiff []FileDiff
	for _, file := range files {
		var fragments []DiffFragment
		for _, fragment := range file.TextFragments {
			var lines []DiffLine
			for _, line := range fragment.Lines {
				var op DiffOp
				switch line.Op {
				case gitdiff.OpContext:
					op = OpContext
				case gitdiff.OpAdd:
					op = OpAdd
				case gitdiff.OpDelete:
					op = OpDelete
				}
				lines = append(lines, DiffLine{
					Op:   op,
					Line: strings.Trim(line.Line, "\n"),
				})
			}

			fragments = append(fragments, DiffFragment{
				Comment:         fragment.Comment,
				OldPosition:     uint64(fragment.OldPosition),
				OldLines:        uint64(fragment.OldLines),
				NewPosition:     uint64(fragment.NewPosition),
				NewLines:        uint64(fragment.NewLines),
				LinesAdded:      uint64(fragment.LinesAdded),
				LinesDeleted:    uint64(fragment.LinesDeleted),
				LeadingContext:  uint64(fragment.LeadingContext),
				TrailingContext: uint64(fragment.TrailingContext),
				Lines:           lines,
			})
		}

		fileDiff = append(fileDiff, FileDiff{
			OldName:   file.OldName,
			NewName:   file.NewName,
			Fragments: fragments,
		})
	}
	return fileDiff, nil
}

// DiffStat summarizes a parsed diff as added and deleted line counts.
func DiffStat(files []FileDiff) (added, deleted uint64) {
	for _, f := range files {
		for _, frag := range f.Fragments {
			added += frag.LinesAdded
			deleted += frag.LinesDeleted
		}
	}
	return added, deleted
}
