package template

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// ErrInvalidDocument is wrapped by Verify failures.
var ErrInvalidDocument = errors.New("template: invalid document")

// Report summarises a parsed document.
type Report struct {
	Strategy     string
	InstanceID   string
	HasContainer bool
	HasReporter  bool
	Scripts      int
}

// Verify parses doc and checks that it carries the mount container and the
// unmodified error-reporting script.
func Verify(doc []byte, containerID string) (*Report, error) {
	if containerID == "" {
		containerID = "root"
	}
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	rep := &Report{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				switch attr(n, "name") {
				case "live-strategy":
					rep.Strategy = attr(n, "content")
				case "live-instance":
					rep.InstanceID = attr(n, "content")
				}
			case "script":
				rep.Scripts++
				if hasAttr(n, "data-live-error-reporter") && n.FirstChild != nil &&
					strings.TrimSpace(n.FirstChild.Data) == strings.TrimSpace(ErrorScript) {
					rep.HasReporter = true
				}
			}
			if attr(n, "id") == containerID {
				rep.HasContainer = true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	switch {
	case !rep.HasContainer:
		return rep, fmt.Errorf("%w: container #%s missing", ErrInvalidDocument, containerID)
	case !rep.HasReporter:
		return rep, fmt.Errorf("%w: error reporter missing or altered", ErrInvalidDocument)
	case rep.Strategy == "":
		return rep, fmt.Errorf("%w: strategy marker missing", ErrInvalidDocument)
	}
	return rep, nil
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
