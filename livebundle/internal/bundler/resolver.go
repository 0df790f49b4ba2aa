package bundler

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/livebundle/horosafe"
)

const (
	nsRemote = "live-remote"
	nsEmpty  = "live-empty"
)

// ResolutionError aborts a build when an import cannot be resolved or
// fetched.
type ResolutionError struct {
	Specifier string
	Importer  string
	Cause     error
}

func (e *ResolutionError) Error() string {
	if e.Importer != "" {
		return fmt.Sprintf("bundler: resolve %q from %s: %v", e.Specifier, e.Importer, e.Cause)
	}
	return fmt.Sprintf("bundler: resolve %q: %v", e.Specifier, e.Cause)
}

func (e *ResolutionError) Unwrap() error { return e.Cause }

var fontTypes = map[string]string{
	".woff2": "font/woff2",
	".woff":  "font/woff",
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".eot":   "application/vnd.ms-fontobject",
}

var cssExt = map[string]bool{".css": true, ".scss": true, ".sass": true, ".less": true}

type fetched struct {
	body        []byte
	contentType string
}

// fetcher downloads remote modules once per build.
type fetcher struct {
	ctx      context.Context
	client   *http.Client
	validate func(string) error
	maxBytes int64

	mu    sync.Mutex
	cache map[string]*fetched
	group singleflight.Group
}

func (f *fetcher) get(rawURL string) (*fetched, error) {
	f.mu.Lock()
	if hit, ok := f.cache[rawURL]; ok {
		f.mu.Unlock()
		return hit, nil
	}
	f.mu.Unlock()

	v, err, _ := f.group.Do(rawURL, func() (any, error) {
		if err := f.validate(rawURL); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(f.ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
		}
		body, err := horosafe.LimitedReadAll(resp.Body, f.maxBytes)
		if err != nil {
			return nil, err
		}
		res := &fetched{body: body, contentType: resp.Header.Get("Content-Type")}
		f.mu.Lock()
		f.cache[rawURL] = res
		f.mu.Unlock()
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*fetched), nil
}

// resolver is the esbuild plugin state for one build.
type resolver struct {
	table  *Table
	fetch  *fetcher
	logger *slog.Logger

	mu      sync.Mutex
	failure *ResolutionError
}

// fail records the first resolution failure of the build.
func (r *resolver) fail(spec, importer string, cause error) error {
	re := &ResolutionError{Specifier: spec, Importer: importer, Cause: cause}
	r.mu.Lock()
	if r.failure == nil {
		r.failure = re
	}
	r.mu.Unlock()
	return re
}

func (r *resolver) firstFailure() *ResolutionError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

func (r *resolver) plugin() api.Plugin {
	return api.Plugin{
		Name: "live-resolver",
		Setup: func(b api.PluginBuild) {
			b.OnResolve(api.OnResolveOptions{Filter: `.*`}, r.onResolve)
			b.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: nsRemote}, r.onLoadRemote)
			b.OnLoad(api.OnLoadOptions{Filter: `.*`, Namespace: nsEmpty}, func(api.OnLoadArgs) (api.OnLoadResult, error) {
				empty := ""
				return api.OnLoadResult{Contents: &empty, Loader: api.LoaderCSS}, nil
			})
		},
	}
}

func (r *resolver) onResolve(args api.OnResolveArgs) (api.OnResolveResult, error) {
	spec := args.Path
	fromRemote := args.Namespace == nsRemote

	if strings.HasPrefix(spec, "data:") {
		return api.OnResolveResult{Path: spec, External: true}, nil
	}

	var target string
	switch {
	case isRemote(spec):
		target = spec
	case strings.HasPrefix(spec, "/@/"):
		if r.table.InternalHost == "" {
			return api.OnResolveResult{}, r.fail(spec, args.Importer, fmt.Errorf("no internal host configured"))
		}
		target = r.table.InternalURL(spec)
	case IsBare(spec):
		target = r.table.ModuleURL(spec)
	case fromRemote:
		base, err := url.Parse(args.Importer)
		if err != nil {
			return api.OnResolveResult{}, r.fail(spec, args.Importer, err)
		}
		ref, err := url.Parse(spec)
		if err != nil {
			return api.OnResolveResult{}, r.fail(spec, args.Importer, err)
		}
		target = base.ResolveReference(ref).String()
	case cssExt[path.Ext(spec)]:
		// the session stylesheet is injected by the document template
		return api.OnResolveResult{Path: spec, Namespace: nsEmpty}, nil
	default:
		return api.OnResolveResult{}, r.fail(spec, args.Importer,
			fmt.Errorf("relative imports are not available to the entry module"))
	}

	if args.Kind == api.ResolveCSSURLToken {
		return api.OnResolveResult{Path: target, External: true}, nil
	}
	return api.OnResolveResult{Path: target, Namespace: nsRemote}, nil
}

func (r *resolver) onLoadRemote(args api.OnLoadArgs) (api.OnLoadResult, error) {
	res, err := r.fetch.get(args.Path)
	if err != nil {
		return api.OnLoadResult{}, r.fail(args.Path, "", err)
	}
	contents := string(res.body)
	loader := api.LoaderJS
	if isCSS(args.Path, res.contentType) {
		loader = api.LoaderCSS
		contents = r.inlineFonts(args.Path, contents)
	}
	return api.OnLoadResult{Contents: &contents, Loader: loader}, nil
}

func isCSS(rawURL, contentType string) bool {
	if strings.HasPrefix(contentType, "text/css") {
		return true
	}
	if u, err := url.Parse(rawURL); err == nil {
		return cssExt[path.Ext(u.Path)]
	}
	return false
}

var reCSSURL = regexp.MustCompile(`url\(\s*(['"]?)([^'")]+)(['"]?)\s*\)`)

// inlineFonts rewrites url() references of a stylesheet: fonts become data
// URIs, everything else (and fonts that fail to download) becomes an
// absolute URL.
func (r *resolver) inlineFonts(sheetURL, css string) string {
	base, err := url.Parse(sheetURL)
	if err != nil {
		return css
	}
	return reCSSURL.ReplaceAllStringFunc(css, func(m string) string {
		sm := reCSSURL.FindStringSubmatch(m)
		ref := strings.TrimSpace(sm[2])
		if strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "#") {
			return m
		}
		u, err := url.Parse(ref)
		if err != nil {
			return m
		}
		abs := base.ResolveReference(u)
		mime, isFont := fontTypes[strings.ToLower(path.Ext(abs.Path))]
		if !isFont {
			return `url("` + abs.String() + `")`
		}
		font, err := r.fetch.get(abs.String())
		if err != nil {
			r.logger.Debug("bundler: font kept as network reference", "url", abs.String(), "error", err)
			return `url("` + abs.String() + `")`
		}
		return `url("data:` + mime + `;base64,` + base64.StdEncoding.EncodeToString(font.body) + `")`
	})
}
