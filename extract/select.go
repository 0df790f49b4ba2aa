// CLAUDE:SUMMARY Scaffold inspection: simple CSS-selector matching and clean-text rendering over HTML fragments.
// Package extract inspects rendered markup fragments. Selectors support a
// subset of CSS:
//   - tag: "main", "div"
//   - .class, #id, tag.class, tag#id
//   - tag[attr], tag[attr=val]
//   - descendant combinator (space separated)
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrBadSelector is returned for selectors outside the supported subset.
var ErrBadSelector = errors.New("extract: unsupported selector")

// ParseFragment parses markup as the children of a <div>.
func ParseFragment(markup string) (*html.Node, error) {
	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(markup), root)
	if err != nil {
		return nil, fmt.Errorf("extract: parse: %w", err)
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return root, nil
}

// Select returns the outer HTML of every element of markup matching
// selector, in document order.
func Select(markup, selector string) ([]string, error) {
	parts := strings.Fields(selector)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrBadSelector)
	}
	sels := make([]simpleSelector, len(parts))
	for i, p := range parts {
		s, err := parseSimpleSelector(p)
		if err != nil {
			return nil, err
		}
		sels[i] = s
	}
	root, err := ParseFragment(markup)
	if err != nil {
		return nil, err
	}

	matches := []*html.Node{root}
	for _, s := range sels {
		var next []*html.Node
		seen := make(map[*html.Node]bool)
		for _, m := range matches {
			for _, n := range descendants(m, s) {
				if !seen[n] {
					seen[n] = true
					next = append(next, n)
				}
			}
		}
		matches = next
	}

	out := make([]string, 0, len(matches))
	for _, n := range matches {
		var buf bytes.Buffer
		if err := html.Render(&buf, n); err != nil {
			return nil, fmt.Errorf("extract: render: %w", err)
		}
		out = append(out, buf.String())
	}
	return out, nil
}

// descendants returns the elements under root matching s. The synthetic
// root itself never matches.
func descendants(root *html.Node, s simpleSelector) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if s.matches(c) {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(root)
	return out
}

type simpleSelector struct {
	tag     string
	id      string
	class   string
	attrKey string
	attrVal string
	hasVal  bool
}

func parseSimpleSelector(sel string) (simpleSelector, error) {
	var s simpleSelector
	if i := strings.IndexByte(sel, '['); i >= 0 {
		if !strings.HasSuffix(sel, "]") {
			return s, fmt.Errorf("%w: %q", ErrBadSelector, sel)
		}
		attr := sel[i+1 : len(sel)-1]
		sel = sel[:i]
		if eq := strings.IndexByte(attr, '='); eq >= 0 {
			s.attrKey, s.attrVal, s.hasVal = attr[:eq], strings.Trim(attr[eq+1:], `"'`), true
		} else {
			s.attrKey = attr
		}
		if s.attrKey == "" {
			return s, fmt.Errorf("%w: %q", ErrBadSelector, sel)
		}
	}
	if i := strings.IndexByte(sel, '#'); i >= 0 {
		s.id = sel[i+1:]
		sel = sel[:i]
	}
	if i := strings.IndexByte(sel, '.'); i >= 0 {
		s.class = sel[i+1:]
		sel = sel[:i]
	}
	if strings.ContainsAny(sel, ">+~:*,") || strings.ContainsAny(s.class, ".#") {
		return s, fmt.Errorf("%w: %q", ErrBadSelector, sel)
	}
	s.tag = strings.ToLower(sel)
	return s, nil
}

func (s simpleSelector) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	if s.id != "" && attr(n, "id") != s.id {
		return false
	}
	if s.class != "" {
		found := false
		for _, c := range strings.Fields(attr(n, "class")) {
			if c == s.class {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.attrKey != "" {
		if !hasAttr(n, s.attrKey) {
			return false
		}
		if s.hasVal && attr(n, s.attrKey) != s.attrVal {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}
