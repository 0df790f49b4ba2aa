// CLAUDE:SUMMARY esbuild-backed bundler: rewrites the entry into a mount call, resolves imports over a CDN, emits one IIFE script plus CSS.
// Package bundler compiles a live artifact's entry module into a single
// self-contained browser script and stylesheet. Third-party imports are
// resolved through the import table and fetched from a CDN during the build;
// nothing is fetched when the resulting script runs.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/tidwall/gjson"

	"github.com/hazyhaar/livebundle/horosafe"
)

// Strategy tags how a document was produced.
type Strategy string

const (
	StrategyPrimary  Strategy = "primary"
	StrategyFallback Strategy = "fallback"
)

// Artifact is the output of a successful build.
type Artifact struct {
	Script   string   `json:"script"`
	CSS      string   `json:"css"`
	Strategy Strategy `json:"strategy"`
	Modules  []string `json:"modules,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Input is the entry module of one build.
type Input struct {
	InstanceID string
	Source     string
}

// CompileError carries compiler messages of a failed build that was not
// caused by import resolution.
type CompileError struct {
	Messages []string
}

func (e *CompileError) Error() string {
	return "bundler: compile: " + strings.Join(e.Messages, "; ")
}

// Options configures a Bundler.
type Options struct {
	ContainerID   string
	Tables        *Tables
	HTTPClient    *http.Client
	ValidateURL   func(string) error
	MaxFetchBytes int64
	Logger        *slog.Logger
}

// Bundler builds artifacts. Safe for concurrent use; each Bundle call owns
// its own fetch cache.
type Bundler struct {
	opts Options
}

// New returns a Bundler with defaults filled in.
func New(opts Options) *Bundler {
	if opts.ContainerID == "" {
		opts.ContainerID = "root"
	}
	if opts.Tables == nil {
		opts.Tables = NewTables(nil)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.ValidateURL == nil {
		opts.ValidateURL = horosafe.ValidateURL
	}
	if opts.MaxFetchBytes <= 0 {
		opts.MaxFetchBytes = 8 << 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bundler{opts: opts}
}

// ContainerID is the id of the element the entry is mounted into.
func (b *Bundler) ContainerID() string { return b.opts.ContainerID }

// Table returns the import table currently in effect.
func (b *Bundler) Table() *Table { return b.opts.Tables.Current() }

// Bundle rewrites the entry and compiles it. It returns an *EntryShapeError,
// *ResolutionError or *CompileError on failure, or ctx.Err() when ctx ends
// first. The build is cancelled with ctx.
func (b *Bundler) Bundle(ctx context.Context, in Input) (*Artifact, error) {
	entry, err := RewriteEntry(in.Source, b.opts.ContainerID)
	if err != nil {
		return nil, err
	}

	res := &resolver{
		table:  b.opts.Tables.Current(),
		logger: b.opts.Logger,
		fetch: &fetcher{
			ctx:      ctx,
			client:   b.opts.HTTPClient,
			validate: b.opts.ValidateURL,
			maxBytes: b.opts.MaxFetchBytes,
			cache:    make(map[string]*fetched),
		},
	}

	bctx, cerr := api.Context(b.buildOptions(entry, res))
	if cerr != nil {
		return nil, &CompileError{Messages: messages(cerr.Errors)}
	}
	defer bctx.Dispose()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			bctx.Cancel()
		case <-done:
		}
	}()
	result := bctx.Rebuild()
	close(done)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(result.Errors) > 0 {
		if f := res.firstFailure(); f != nil {
			return nil, f
		}
		return nil, &CompileError{Messages: messages(result.Errors)}
	}

	art := &Artifact{Strategy: StrategyPrimary, Warnings: messages(result.Warnings)}
	for _, f := range result.OutputFiles {
		switch path.Ext(f.Path) {
		case ".js":
			art.Script = string(f.Contents)
		case ".css":
			art.CSS = string(f.Contents)
		}
	}
	if art.Script == "" {
		return nil, &CompileError{Messages: []string{"no script output"}}
	}
	art.Modules = metafileInputs(result.Metafile)
	b.opts.Logger.Debug("bundler: build ok",
		"instance", in.InstanceID, "script_bytes", len(art.Script), "css_bytes", len(art.CSS), "modules", len(art.Modules))
	return art, nil
}

func (b *Bundler) buildOptions(entry string, res *resolver) api.BuildOptions {
	return api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   entry,
			Sourcefile: "App.tsx",
			Loader:     api.LoaderTSX,
		},
		Bundle:            true,
		Write:             false,
		Outdir:            "out",
		Format:            api.FormatIIFE,
		Platform:          api.PlatformBrowser,
		Target:            api.ES2020,
		JSX:               api.JSXAutomatic,
		MinifyWhitespace:  true,
		MinifyIdentifiers: true,
		MinifySyntax:      true,
		TreeShaking:       api.TreeShakingTrue,
		Charset:           api.CharsetUTF8,
		Define:            map[string]string{"process.env.NODE_ENV": `"production"`},
		Metafile:          true,
		LogLevel:          api.LogLevelSilent,
		Plugins:           []api.Plugin{res.plugin()},
	}
}

func messages(msgs []api.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			out = append(out, fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text))
			continue
		}
		out = append(out, m.Text)
	}
	return out
}

// metafileInputs lists the module paths recorded in the esbuild metafile.
func metafileInputs(meta string) []string {
	if meta == "" {
		return nil
	}
	var out []string
	gjson.Get(meta, "inputs").ForEach(func(k, _ gjson.Result) bool {
		out = append(out, k.String())
		return true
	})
	sort.Strings(out)
	return out
}

// Warm runs a trivial transform so the first real build does not pay the
// engine start-up cost.
func Warm() error {
	r := api.Transform("export default 1", api.TransformOptions{Loader: api.LoaderTSX, LogLevel: api.LogLevelSilent})
	if len(r.Errors) > 0 {
		return errors.New("bundler: warm-up: " + r.Errors[0].Text)
	}
	return nil
}

// Lazy initialises a Bundler once per process. Concurrent callers wait for
// the same initialisation and then share the instance.
type Lazy struct {
	once sync.Once
	init func() (*Bundler, error)
	b    *Bundler
	err  error
}

// NewLazy defers New(opts) and a warm-up until the first Get.
func NewLazy(opts Options) *Lazy {
	return &Lazy{init: func() (*Bundler, error) {
		if err := Warm(); err != nil {
			return nil, err
		}
		return New(opts), nil
	}}
}

// Get returns the shared Bundler, initialising it on first use.
func (l *Lazy) Get() (*Bundler, error) {
	l.once.Do(func() { l.b, l.err = l.init() })
	return l.b, l.err
}

// Bundle initialises on first use and delegates to the shared Bundler.
func (l *Lazy) Bundle(ctx context.Context, in Input) (*Artifact, error) {
	b, err := l.Get()
	if err != nil {
		return nil, err
	}
	return b.Bundle(ctx, in)
}

// Table delegates to the shared Bundler.
func (l *Lazy) Table() *Table {
	b, err := l.Get()
	if err != nil {
		return DefaultTable()
	}
	return b.Table()
}
