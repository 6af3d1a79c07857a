package patch

import (
	"regexp"
	"strings"
)

// Edit is one in-memory transformation of a file's content.
// Apply must fail rather than guess when its anchor is not matched exactly once.
type Edit interface {
	Name() string
	Apply(src string) (string, error)
}

// Replace swaps the single occurrence of Old for New.
type Replace struct {
	Label string
	Old   string
	New   string
}

func (r Replace) Name() string { return r.Label }

func (r Replace) Apply(src string) (string, error) {
	if err := exactlyOnce(r.Label, src, r.Old); err != nil {
		return "", err
	}
	return strings.Replace(src, r.Old, r.New, 1), nil
}

// InsertAfter adds Text immediately after the single occurrence of Anchor.
type InsertAfter struct {
	Label  string
	Anchor string
	Text   string
}

func (e InsertAfter) Name() string { return e.Label }

func (e InsertAfter) Apply(src string) (string, error) {
	if err := exactlyOnce(e.Label, src, e.Anchor); err != nil {
		return "", err
	}
	i := strings.Index(src, e.Anchor) + len(e.Anchor)
	return src[:i] + e.Text + src[i:], nil
}

// RegexReplace replaces the single match of Pattern with the literal Repl.
type RegexReplace struct {
	Label   string
	Pattern *regexp.Regexp
	Repl    string
}

func (e RegexReplace) Name() string { return e.Label }

func (e RegexReplace) Apply(src string) (string, error) {
	locs := e.Pattern.FindAllStringIndex(src, 2)
	switch len(locs) {
	case 0:
		return "", failf(ErrAnchorNotFound, "%s: /%s/", e.Label, e.Pattern)
	case 1:
	default:
		return "", failf(ErrAnchorAmbiguous, "%s: /%s/", e.Label, e.Pattern)
	}
	loc := locs[0]
	return src[:loc[0]] + e.Repl + src[loc[1]:], nil
}

func exactlyOnce(label, src, anchor string) error {
	switch strings.Count(src, anchor) {
	case 0:
		return failf(ErrAnchorNotFound, "%s: %q", label, firstLine(anchor))
	case 1:
		return nil
	default:
		return failf(ErrAnchorAmbiguous, "%s: %q", label, firstLine(anchor))
	}
}

func firstLine(s string) string {
	s = strings.TrimLeft(s, "\n")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i]) + " ..."
	}
	return strings.TrimSpace(s)
}

// ApplyAll runs every edit in order. Either all succeed or src is returned untouched
// together with the first error.
func ApplyAll(src string, edits []Edit) (string, error) {
	out := src
	for _, e := range edits {
		next, err := e.Apply(out)
		if err != nil {
			return src, err
		}
		out = next
	}
	return out, nil
}
