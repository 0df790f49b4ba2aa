// CLAUDE:SUMMARY Pure document builders: primary (inlined bundle) and fallback (importmap + blob module) sharing one error-report script.
// Package template assembles the executable HTML documents served for a
// live artifact. Both builders are pure functions of their inputs and embed
// the same error-reporting script, so the host protocol cannot drift between
// strategies.
package template

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"text/template"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/livebundle/livebundle/internal/bundler"
)

// FormatVersion changes whenever the document layout changes; it is part of
// the cache content hash.
const FormatVersion = "3"

// DefaultStyleRuntime is the utility-CSS runtime loaded by every document.
const DefaultStyleRuntime = "https://cdn.tailwindcss.com"

// ErrorScript is injected verbatim into every document.
//
//go:embed errorreport.js
var ErrorScript string

// DocInput is the per-session part of a document.
type DocInput struct {
	InstanceID        string
	Title             string
	ContainerID       string
	ScaffoldHTML      string
	Stylesheet        string
	StyleRuntimeURL   string
	FontStylesheetURL string
	RenderTimeout     time.Duration
}

func (in DocInput) withDefaults() DocInput {
	if in.ContainerID == "" {
		in.ContainerID = "root"
	}
	if in.Title == "" {
		in.Title = "Live artifact " + in.InstanceID
	}
	if in.StyleRuntimeURL == "" {
		in.StyleRuntimeURL = DefaultStyleRuntime
	}
	if in.RenderTimeout <= 0 {
		in.RenderTimeout = 5 * time.Second
	}
	return in
}

var scaffoldPolicy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class", "style").Globally()
	p.AllowAttrs("data-testid").Globally()
	return p
}()

// SanitizeScaffold strips scripts, event handlers and other active content
// from scaffold markup.
func SanitizeScaffold(markup string) string {
	return scaffoldPolicy.Sanitize(markup)
}

var (
	reCloseScript = regexp.MustCompile(`(?i)</(script)`)
	reCloseStyle  = regexp.MustCompile(`(?i)</(style)`)
	reOpenComment = regexp.MustCompile(`<!--`)
)

// scriptBody makes s safe inside <script>...</script>.
func scriptBody(s string) string {
	s = reCloseScript.ReplaceAllString(s, `<\/$1`)
	return reOpenComment.ReplaceAllString(s, `<\!--`)
}

// styleBody makes s safe inside <style>...</style>.
func styleBody(s string) string {
	return reCloseStyle.ReplaceAllString(s, `<\/$1`)
}

type page struct {
	DocInput
	Strategy      string
	TimeoutMs     int64
	Scaffold      string
	ErrorScript   string
	BundleCSS     string
	BundleScript  string
	ImportMap     string
	ModuleLiteral string
	ContainerLit  string
}

var funcs = template.FuncMap{
	"attr":   html.EscapeString,
	"script": scriptBody,
	"style":  styleBody,
}

const head = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="live-strategy" content="{{.Strategy}}">
<meta name="live-instance" content="{{attr .InstanceID}}">
<title>{{attr .Title}}</title>
<script data-live-error-reporter data-instance-id="{{attr .InstanceID}}" data-container-id="{{attr .ContainerID}}" data-render-timeout="{{.TimeoutMs}}">{{script .ErrorScript}}</script>
<script src="{{attr .StyleRuntimeURL}}"></script>
{{- if .FontStylesheetURL}}
<link rel="stylesheet" href="{{attr .FontStylesheetURL}}">
{{- end}}
{{- if .BundleCSS}}
<style data-live-bundle>{{style .BundleCSS}}</style>
{{- end}}
{{- if .Stylesheet}}
<style data-live-session>{{style .Stylesheet}}</style>
{{- end}}
`

const body = `</head>
<body>
<div id="{{attr .ContainerID}}"><div data-live-scaffold>{{.Scaffold}}</div></div>
`

var primaryTmpl = template.Must(template.New("primary").Funcs(funcs).Parse(head + body +
	`<script data-live-bundle>{{script .BundleScript}}</script>
</body>
</html>
`))

var fallbackTmpl = template.Must(template.New("fallback").Funcs(funcs).Parse(head +
	`<script type="importmap">{{script .ImportMap}}</script>
` + body +
	`<script type="module" data-live-fallback>
const source = {{script .ModuleLiteral}};
const url = URL.createObjectURL(new Blob([source], { type: "text/javascript" }));
const [mod, React, ReactDOM] = await Promise.all([import(url), import("react"), import("react-dom/client")]);
URL.revokeObjectURL(url);
const root = ReactDOM.createRoot(document.getElementById({{script .ContainerLit}}));
root.render(React.createElement(mod.default));
</script>
</body>
</html>
`))

func render(t *template.Template, p page) ([]byte, error) {
	p.DocInput = p.DocInput.withDefaults()
	p.TimeoutMs = p.RenderTimeout.Milliseconds()
	p.ErrorScript = ErrorScript
	p.Scaffold = SanitizeScaffold(p.ScaffoldHTML)
	lit, _ := json.Marshal(p.ContainerID)
	p.ContainerLit = string(lit)
	var buf bytes.Buffer
	if err := t.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("template: %s: %w", t.Name(), err)
	}
	return buf.Bytes(), nil
}

// Primary builds the self-contained document from a bundle artifact.
func Primary(in DocInput, art *bundler.Artifact) ([]byte, error) {
	if art == nil || art.Script == "" {
		return nil, fmt.Errorf("template: primary: empty artifact")
	}
	return render(primaryTmpl, page{
		DocInput:     in,
		Strategy:     string(bundler.StrategyPrimary),
		BundleCSS:    art.CSS,
		BundleScript: art.Script,
	})
}

// Fallback builds the document that loads the transpiled module at run time,
// resolving bare imports through an import map.
func Fallback(in DocInput, transpiled string, importMap map[string]string) ([]byte, error) {
	im, err := json.Marshal(struct {
		Imports map[string]string `json:"imports"`
	}{importMap})
	if err != nil {
		return nil, fmt.Errorf("template: import map: %w", err)
	}
	lit, err := json.Marshal(transpiled)
	if err != nil {
		return nil, fmt.Errorf("template: module literal: %w", err)
	}
	return render(fallbackTmpl, page{
		DocInput:      in,
		Strategy:      string(bundler.StrategyFallback),
		ImportMap:     string(im),
		ModuleLiteral: string(lit),
	})
}
