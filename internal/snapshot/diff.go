package snapshot

import "github.com/sergi/go-diff/diffmatchpatch"

// LineStats returns the added and deleted line counts between two file
// contents.
func LineStats(before, after string) (additions, deletions int) {
	if before == after {
		return 0, 0
	}
	dmp := diffmatchpatch.New()
	chars1, chars2, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(chars1, chars2, false), lines)
	for _, d := range diffs {
		n := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += n
		case diffmatchpatch.DiffDelete:
			deletions += n
		}
	}
	return additions, deletions
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := 0
	for _, r := range text {
		if r == '\n' {
			n++
		}
	}
	// A trailing fragment without a newline still counts as a line.
	if text[len(text)-1] != '\n' {
		n++
	}
	return n
}
