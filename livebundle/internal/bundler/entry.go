package bundler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MountMarker tags source that already carries the mount call.
const MountMarker = "/* live-entry:mount */"

// RootName is the binding given to anonymous default exports.
const RootName = "__LiveRoot"

// EntryShapeError is returned when the entry module does not have exactly
// one recognisable default export.
type EntryShapeError struct {
	Reason string
}

func (e *EntryShapeError) Error() string {
	return "bundler: entry shape: " + e.Reason
}

// Each pattern starts at a statement boundary: the start of a line or just
// after ";", "{" or "}". Group 1 holds that boundary so rewrites keep it.
var (
	reDefaultFunc  = regexp.MustCompile(`(?m)((?:^|[;{}])[ \t]*)export[ \t]+default[ \t]+((?:async[ \t]+)?function\b[ \t]*\*?)[ \t]*([A-Za-z_$][\w$]*)?`)
	reDefaultClass = regexp.MustCompile(`(?m)((?:^|[;{}])[ \t]*)export[ \t]+default[ \t]+class\b[ \t]*([A-Za-z_$][\w$]*)?`)
	reDefaultExpr  = regexp.MustCompile(`(?m)((?:^|[;{}])[ \t]*)export[ \t]+default\b[ \t]*`)
	reExportList   = regexp.MustCompile(`(?m)((?:^|[;{}])[ \t]*)export[ \t]*\{([^}]*)\}[ \t]*;?`)
	reAsDefault    = regexp.MustCompile(`^\s*([A-Za-z_$][\w$]*)\s+as\s+default\s*$`)
)

// RewriteEntry replaces the default export of src with a local binding and
// appends a call mounting that component into the element with id
// containerID. Applying it to its own output returns the input unchanged.
func RewriteEntry(src, containerID string) (string, error) {
	if strings.Contains(src, MountMarker) {
		return src, nil
	}

	code := maskLiterals(src)
	direct := reDefaultExpr.FindAllStringIndex(code, -1)
	var listed [][]int
	for _, m := range reExportList.FindAllStringSubmatchIndex(code, -1) {
		if strings.HasPrefix(strings.TrimSpace(code[m[1]:]), "from") {
			continue
		}
		for _, member := range strings.Split(src[m[4]:m[5]], ",") {
			if reAsDefault.MatchString(member) {
				listed = append(listed, m)
				break
			}
		}
	}
	switch n := len(direct) + len(listed); {
	case n == 0:
		return "", &EntryShapeError{Reason: "no default export"}
	case n > 1:
		return "", &EntryShapeError{Reason: fmt.Sprintf("%d default exports", n)}
	}

	var out, root string
	switch {
	case len(listed) == 1:
		out, root = rewriteExportList(src, listed[0])
	case reDefaultFunc.MatchString(code):
		out, root = rewriteDeclaration(src, code, reDefaultFunc, 3)
	case reDefaultClass.MatchString(code):
		out, root = rewriteDeclaration(src, code, reDefaultClass, 2)
	default:
		loc := reDefaultExpr.FindStringSubmatchIndex(code)
		rest := strings.TrimSpace(src[loc[1]:])
		if rest == "" || strings.HasPrefix(rest, ";") {
			return "", &EntryShapeError{Reason: "default export without a value"}
		}
		root = RootName
		out = src[:loc[0]] + src[loc[2]:loc[3]] + "const " + RootName + " = " + src[loc[1]:]
	}

	var b strings.Builder
	b.WriteString(out)
	if !strings.HasSuffix(out, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(";" + MountMarker + "\n")
	b.WriteString("import { createRoot as __liveCreateRoot } from \"react-dom/client\";\n")
	b.WriteString("import { createElement as __liveCreateElement } from \"react\";\n")
	fmt.Fprintf(&b, "__liveCreateRoot(document.getElementById(%s)).render(__liveCreateElement(%s));\n",
		strconv.Quote(containerID), root)
	return b.String(), nil
}

// rewriteDeclaration strips "export default" from a function or class
// declaration, naming it RootName when anonymous. The match runs on code,
// the masked copy of src.
func rewriteDeclaration(src, code string, re *regexp.Regexp, nameGroup int) (string, string) {
	loc := re.FindStringSubmatchIndex(code)
	indent := src[loc[2]:loc[3]]
	if loc[2*nameGroup] >= 0 && src[loc[2*nameGroup]:loc[2*nameGroup+1]] != "extends" {
		name := src[loc[2*nameGroup]:loc[2*nameGroup+1]]
		keyword := src[loc[4]:loc[2*nameGroup]]
		if nameGroup == 2 {
			keyword = "class "
		}
		return src[:loc[0]] + indent + keyword + src[loc[2*nameGroup]:], name
	}
	if nameGroup == 2 {
		// anonymous class, possibly "class extends Base"
		classEnd := loc[0] + strings.Index(src[loc[0]:loc[1]], "class") + len("class")
		return src[:loc[0]] + indent + "class " + RootName + src[classEnd:], RootName
	}
	keyword := strings.TrimSpace(src[loc[4]:loc[5]])
	return src[:loc[0]] + indent + keyword + " " + RootName + src[loc[1]:], RootName
}

// rewriteExportList drops the "X as default" member of an export list.
func rewriteExportList(src string, m []int) (string, string) {
	var root string
	var kept []string
	for _, member := range strings.Split(src[m[4]:m[5]], ",") {
		if sm := reAsDefault.FindStringSubmatch(member); sm != nil {
			root = sm[1]
			continue
		}
		if strings.TrimSpace(member) != "" {
			kept = append(kept, strings.TrimSpace(member))
		}
	}
	replacement := ""
	if len(kept) > 0 {
		replacement = "export { " + strings.Join(kept, ", ") + " };"
	}
	return src[:m[0]] + src[m[2]:m[3]] + replacement + src[m[1]:], root
}

// maskLiterals returns a copy of src of the same length in which comments,
// string literals and template literals are blanked out, so the export
// patterns only see code. Newlines survive to keep line anchors intact. A
// quote with no closing partner on its line is left alone, which keeps
// apostrophes in JSX text from hiding the rest of the line.
func maskLiterals(src string) string {
	b := []byte(src)
	blank := func(from, to int) {
		for i := from; i < to; i++ {
			if b[i] != '\n' {
				b[i] = ' '
			}
		}
	}
	for i := 0; i < len(src); {
		switch c := src[i]; {
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				end = len(src) - i
			}
			blank(i, i+end)
			i += end
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				blank(i, len(src))
				return string(b)
			}
			blank(i, i+2+end+2)
			i += 2 + end + 2
		case c == '"' || c == '\'':
			end := quoteEnd(src, i)
			if end < 0 {
				i++
				continue
			}
			blank(i, end)
			i = end
		case c == '`':
			end := templateEnd(src, i)
			blank(i, end)
			i = end
		default:
			i++
		}
	}
	return string(b)
}

// quoteEnd returns the index just past the quote closing the string that
// opens at i, or -1 when the line ends first.
func quoteEnd(src string, i int) int {
	q := src[i]
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case '\n':
			return -1
		case q:
			return j + 1
		}
	}
	return -1
}

// templateEnd returns the index just past the backtick closing the template
// literal that opens at i. Substitutions are skipped by brace depth.
func templateEnd(src string, i int) int {
	depth := 0
	for j := i + 1; j < len(src); j++ {
		switch c := src[j]; {
		case c == '\\':
			j++
		case depth == 0 && c == '`':
			return j + 1
		case c == '$' && j+1 < len(src) && src[j+1] == '{':
			depth++
			j++
		case depth > 0 && c == '{':
			depth++
		case depth > 0 && c == '}':
			depth--
		}
	}
	return len(src)
}
