package bundler

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

// Table is the static import table: package name to pinned version or full
// module URL, plus the CDN used to synthesise URLs for everything else.
type Table struct {
	Version         string            `yaml:"version"`
	CDN             string            `yaml:"cdn"`
	InternalHost    string            `yaml:"internal_host"`
	Peers           []string          `yaml:"peers"`
	Imports         map[string]string `yaml:"imports"`
	RuntimeSubpaths []string          `yaml:"runtime_subpaths"`
}

// DefaultTable pins React and uses esm.sh.
func DefaultTable() *Table {
	t := &Table{
		Imports: map[string]string{
			"react":     "18.3.1",
			"react-dom": "18.3.1",
		},
	}
	t.defaults(nil)
	return t
}

func (t *Table) defaults(raw []byte) {
	if t.CDN == "" {
		t.CDN = "https://esm.sh"
	}
	t.CDN = strings.TrimRight(t.CDN, "/")
	t.InternalHost = strings.TrimRight(t.InternalHost, "/")
	if t.Peers == nil {
		t.Peers = []string{"react", "react-dom"}
	}
	if t.Imports == nil {
		t.Imports = map[string]string{}
	}
	if t.RuntimeSubpaths == nil {
		t.RuntimeSubpaths = []string{"react/jsx-runtime", "react-dom/client"}
	}
	if t.Version == "" {
		if raw == nil {
			raw, _ = yaml.Marshal(t)
		}
		sum := blake2b.Sum256(raw)
		t.Version = hex.EncodeToString(sum[:8])
	}
}

// ParseTable decodes a YAML import table.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("bundler: parse import table: %w", err)
	}
	t.defaults(data)
	return &t, nil
}

// LoadTable reads a YAML import table from path.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bundler: read import table: %w", err)
	}
	return ParseTable(data)
}

// SplitSpecifier splits a bare specifier into package name and subpath:
// "@scope/pkg/x" gives ("@scope/pkg", "/x").
func SplitSpecifier(spec string) (name, subpath string) {
	parts := strings.SplitN(spec, "/", 3)
	if strings.HasPrefix(spec, "@") && len(parts) >= 2 {
		name = parts[0] + "/" + parts[1]
		if len(parts) == 3 {
			subpath = "/" + parts[2]
		}
		return name, subpath
	}
	name = parts[0]
	if i := strings.Index(spec, "/"); i >= 0 {
		subpath = spec[i:]
	}
	return name, subpath
}

// ModuleURL resolves a bare specifier to a module URL. Table entries win;
// a URL entry is used as is (subpaths appended), a version entry pins the
// synthesised CDN URL. Unknown packages get an unpinned CDN URL. Every CDN
// URL carries the bundle flag and the peer pins, minus the package itself.
func (t *Table) ModuleURL(spec string) string {
	if v, ok := t.Imports[spec]; ok && isRemote(v) {
		return v
	}
	name, subpath := SplitSpecifier(spec)
	v := t.Imports[name]
	if isRemote(v) {
		return v + subpath
	}
	ref := name
	if v != "" {
		ref += "@" + v
	}
	u := t.CDN + "/" + ref + subpath + "?bundle"
	if deps := t.peerPins(name); deps != "" {
		u += "&deps=" + deps
	}
	return u
}

func (t *Table) peerPins(exclude string) string {
	var pins []string
	for _, p := range t.Peers {
		if p == exclude {
			continue
		}
		if v := t.Imports[p]; v != "" && !isRemote(v) {
			pins = append(pins, p+"@"+v)
		}
	}
	return strings.Join(pins, ",")
}

// InternalURL maps a "/@/..." virtual path onto the internal host.
func (t *Table) InternalURL(path string) string {
	return t.InternalHost + "/" + strings.TrimPrefix(path, "/@/")
}

// RuntimeMap returns the name to URL map declared by the fallback document:
// every table entry, the runtime subpaths, and any extra specifiers (the bare
// imports found in the transpiled module).
func (t *Table) RuntimeMap(extra ...string) map[string]string {
	m := make(map[string]string, len(t.Imports)+len(t.RuntimeSubpaths)+len(extra))
	for name := range t.Imports {
		m[name] = t.ModuleURL(name)
	}
	for _, s := range t.RuntimeSubpaths {
		m[s] = t.ModuleURL(s)
	}
	for _, s := range extra {
		if IsBare(s) {
			m[s] = t.ModuleURL(s)
		}
	}
	return m
}

var reImportSpec = regexp.MustCompile(`(?:\bfrom\s*|\bimport\s*\(?\s*)["']([^"'\n]+)["']`)

// BareImports lists the distinct bare specifiers imported by code, sorted.
func BareImports(code string) []string {
	seen := map[string]bool{}
	for _, m := range reImportSpec.FindAllStringSubmatch(code, -1) {
		if IsBare(m[1]) {
			seen[m[1]] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// IsBare reports whether spec is a package specifier rather than a path or URL.
func IsBare(spec string) bool {
	if spec == "" || isRemote(spec) || strings.HasPrefix(spec, "data:") {
		return false
	}
	return !strings.HasPrefix(spec, "/") && !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") && spec != "." && spec != ".."
}

func isRemote(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}

// Tables holds the current import table and swaps it on reload.
type Tables struct {
	p atomic.Pointer[Table]
}

// NewTables returns a holder initialised with t (DefaultTable when nil).
func NewTables(t *Table) *Tables {
	if t == nil {
		t = DefaultTable()
	}
	var h Tables
	h.p.Store(t)
	return &h
}

// Current returns the active table.
func (h *Tables) Current() *Table { return h.p.Load() }

// Store replaces the active table.
func (h *Tables) Store(t *Table) { h.p.Store(t) }

// Watch reloads the table at path whenever the file is written or replaced,
// until ctx is cancelled. Parse errors keep the previous table. onChange,
// when non-nil, is called after each successful swap.
func (h *Tables) Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Table)) error {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("bundler: watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("bundler: watch %s: %w", path, err)
	}
	go func() {
		defer w.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				t, err := LoadTable(path)
				if err != nil {
					logger.Warn("bundler: import table reload failed", "path", path, "error", err)
					continue
				}
				prev := h.Current()
				if prev != nil && prev.Version == t.Version {
					continue
				}
				h.Store(t)
				logger.Info("bundler: import table reloaded", "path", path, "version", t.Version, "imports", len(t.Imports))
				if onChange != nil {
					onChange(t)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("bundler: import table watcher error", "error", err)
			}
		}
	}()
	return nil
}
