// CLAUDE:SUMMARY Pure source-edit functions (line edits, search/replace, line search) returning EditValidationError.
package liveedit

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Validation reasons.
const (
	ReasonOutOfRange     = "line range out of bounds"
	ReasonInvalidPattern = "invalid pattern"
	ReasonEmptyPattern   = "empty pattern"
	ReasonNoMatch        = "no match"
	ReasonEmptySource    = "empty source"
	ReasonTooLarge       = "source too large"
	ReasonBadOperation   = "unknown operation"
)

// ErrNoMatch matches an EditValidationError whose reason is ReasonNoMatch.
var ErrNoMatch = errors.New(ReasonNoMatch)

// EditValidationError rejects an edit before anything is written.
type EditValidationError struct {
	Op     string
	Reason string
	Detail string
}

func (e *EditValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Reason, e.Detail)
	}
	return e.Op + ": " + e.Reason
}

// ToolDetail is the payload MCP clients receive with the failure.
func (e *EditValidationError) ToolDetail() any {
	return map[string]string{"op": e.Op, "reason": e.Reason, "detail": e.Detail}
}

// Is reports ErrNoMatch for no-match errors.
func (e *EditValidationError) Is(target error) bool {
	return target == ErrNoMatch && e.Reason == ReasonNoMatch
}

func invalid(op, reason, format string, args ...any) error {
	return &EditValidationError{Op: op, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// lines splits src into lines, remembering whether it ended with a newline
// so join restores it.
type lines struct {
	l        []string
	trailing bool
}

func splitLines(src string) lines {
	if src == "" {
		return lines{}
	}
	trailing := strings.HasSuffix(src, "\n")
	if trailing {
		src = src[:len(src)-1]
	}
	return lines{l: strings.Split(src, "\n"), trailing: trailing}
}

func (ls lines) join() string {
	if len(ls.l) == 0 {
		return ""
	}
	s := strings.Join(ls.l, "\n")
	if ls.trailing {
		s += "\n"
	}
	return s
}

// LineCount returns the number of lines of src.
func LineCount(src string) int { return len(splitLines(src).l) }

// Line edit operations.
const (
	OpInsert  = "insert"
	OpReplace = "replace"
	OpDelete  = "delete"
)

// LineEdit addresses lines 1-based and inclusive. Insert places Content
// before StartLine; StartLine may be one past the last line to append.
// EndLine defaults to StartLine.
type LineEdit struct {
	Operation string `json:"operation"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line,omitempty"`
	Content   string `json:"content,omitempty"`
}

// ApplyLineEdit returns src with e applied.
func ApplyLineEdit(src string, e LineEdit) (string, error) {
	const op = "edit_code"
	ls := splitLines(src)
	n := len(ls.l)
	end := e.EndLine
	if end == 0 {
		end = e.StartLine
	}
	newLines := func() []string {
		if e.Content == "" {
			return []string{""}
		}
		return strings.Split(strings.TrimSuffix(e.Content, "\n"), "\n")
	}

	switch e.Operation {
	case OpInsert:
		if e.StartLine < 1 || e.StartLine > n+1 {
			return "", invalid(op, ReasonOutOfRange, "insert at line %d, source has %d lines", e.StartLine, n)
		}
		at := e.StartLine - 1
		out := make([]string, 0, n+1)
		out = append(out, ls.l[:at]...)
		out = append(out, newLines()...)
		out = append(out, ls.l[at:]...)
		ls.l = out
	case OpReplace, OpDelete:
		if e.StartLine < 1 || end < e.StartLine || end > n {
			return "", invalid(op, ReasonOutOfRange, "lines %d-%d, source has %d lines", e.StartLine, end, n)
		}
		out := make([]string, 0, n)
		out = append(out, ls.l[:e.StartLine-1]...)
		if e.Operation == OpReplace {
			out = append(out, newLines()...)
		}
		out = append(out, ls.l[end:]...)
		ls.l = out
	default:
		return "", invalid(op, ReasonBadOperation, "%q", e.Operation)
	}
	return ls.join(), nil
}

// Replace describes a search-and-replace. Search is literal unless Regex is
// set, in which case Replacement may use $1-style expansions. Limit caps the
// number of replacements; zero replaces all.
type Replace struct {
	Search      string `json:"search"`
	Replacement string `json:"replacement"`
	Regex       bool   `json:"regex,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// SearchReplace applies r to src and returns the result and the number of
// replacements made. Zero matches is an error.
func SearchReplace(src string, r Replace) (string, int, error) {
	const op = "search_and_replace"
	if r.Search == "" {
		return "", 0, invalid(op, ReasonEmptyPattern, "search must not be empty")
	}
	re, err := compile(op, r.Search, r.Regex)
	if err != nil {
		return "", 0, err
	}
	locs := re.FindAllStringSubmatchIndex(src, -1)
	if r.Limit > 0 && len(locs) > r.Limit {
		locs = locs[:r.Limit]
	}
	if len(locs) == 0 {
		return "", 0, &EditValidationError{Op: op, Reason: ReasonNoMatch, Detail: fmt.Sprintf("%q not found", r.Search)}
	}
	var sb strings.Builder
	last := 0
	for _, m := range locs {
		sb.WriteString(src[last:m[0]])
		if r.Regex {
			sb.Write(re.ExpandString(nil, r.Replacement, src, m))
		} else {
			sb.WriteString(r.Replacement)
		}
		last = m[1]
	}
	sb.WriteString(src[last:])
	return sb.String(), len(locs), nil
}

// LineMatch is one line matched by FindLines.
type LineMatch struct {
	Line int    `json:"line"`
	Text string `json:"text"`
}

// FindLines returns the 1-based lines of src matching pattern. An invalid
// regex is the only error.
func FindLines(src, pattern string, regex bool) ([]LineMatch, error) {
	const op = "find_lines"
	if pattern == "" {
		return nil, invalid(op, ReasonEmptyPattern, "pattern must not be empty")
	}
	re, err := compile(op, pattern, regex)
	if err != nil {
		return nil, err
	}
	out := []LineMatch{}
	for i, l := range splitLines(src).l {
		if re.MatchString(l) {
			out = append(out, LineMatch{Line: i + 1, Text: l})
		}
	}
	return out, nil
}

func compile(op, pattern string, regex bool) (*regexp.Regexp, error) {
	if !regex {
		pattern = regexp.QuoteMeta(pattern)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, invalid(op, ReasonInvalidPattern, "%v", err)
	}
	return re, nil
}

// CheckSource enforces the update_code bounds.
func CheckSource(src string, max int) error {
	const op = "update_code"
	if strings.TrimSpace(src) == "" {
		return &EditValidationError{Op: op, Reason: ReasonEmptySource}
	}
	if max > 0 && len(src) > max {
		return invalid(op, ReasonTooLarge, "%d bytes exceeds limit of %d", len(src), max)
	}
	return nil
}
