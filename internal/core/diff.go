package core

import (
	"fmt"
	"strings"
)

const diffContext = 2

// Diff renders the changed region between old and new as a single hunk of
// -/+ lines with a little context. Identical input yields "(no change)".
func Diff(old, new string) string {
	if old == new {
		return "(no change)\n"
	}
	a := strings.Split(old, "\n")
	b := strings.Split(new, "\n")

	pre := 0
	for pre < len(a) && pre < len(b) && a[pre] == b[pre] {
		pre++
	}
	suf := 0
	for suf < len(a)-pre && suf < len(b)-pre && a[len(a)-1-suf] == b[len(b)-1-suf] {
		suf++
	}

	start := pre - diffContext
	if start < 0 {
		start = 0
	}
	var out strings.Builder
	fmt.Fprintf(&out, "@@ line %d @@\n", start+1)
	for _, ln := range a[start:pre] {
		out.WriteString("  " + ln + "\n")
	}
	for _, ln := range a[pre : len(a)-suf] {
		out.WriteString("- " + ln + "\n")
	}
	for _, ln := range b[pre : len(b)-suf] {
		out.WriteString("+ " + ln + "\n")
	}
	end := len(a) - suf + diffContext
	if end > len(a) {
		end = len(a)
	}
	for _, ln := range a[len(a)-suf : end] {
		out.WriteString("  " + ln + "\n")
	}
	return out.String()
}
