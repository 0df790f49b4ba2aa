// CLAUDE:SUMMARY Entry point for the livebundle service: YAML config + flags, HTTP/SSE/MCP server, one-shot build and headless probe.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hazyhaar/livebundle/livebundle"

	_ "modernc.org/sqlite"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "livebundle: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listen     string
		dbPath     string
		logLevel   string
		cacheKind  string
		build      string
		out        string
		rebuild    bool
		probe      bool
		chromeURL  string
		imports    []string
		keepServe  bool
	)
	fs := pflag.NewFlagSet("livebundle", pflag.ContinueOnError)
	fs.StringVarP(&configPath, "config", "c", "", "YAML config file")
	fs.StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	fs.StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	fs.StringVar(&logLevel, "log-level", "", "debug|info|warn|error (overrides config)")
	fs.StringVar(&cacheKind, "cache", "", "memory|sqlite|redis (overrides config)")
	fs.StringArrayVar(&imports, "import", nil, "load a session source: <instance>=<file> (repeatable); exits afterwards unless --serve")
	fs.BoolVar(&keepServe, "serve", false, "with --import: keep serving after the import")
	fs.StringVar(&build, "build", "", "build the document of one instance and exit")
	fs.StringVarP(&out, "out", "o", "", "write the built document here instead of stdout")
	fs.BoolVar(&rebuild, "rebuild", false, "with --build: ignore cached documents")
	fs.BoolVar(&probe, "probe", false, "with --build: run the document in headless Chrome and report execution errors")
	fs.StringVar(&chromeURL, "chrome", "", "with --probe: DevTools WebSocket of a running Chrome")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg := livebundle.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = livebundle.LoadConfigFile(configPath); err != nil {
			return err
		}
	}
	if fs.Changed("listen") {
		cfg.Listen = listen
	}
	if fs.Changed("db") {
		cfg.DBPath = dbPath
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if fs.Changed("cache") {
		cfg.Cache.Backend = cacheKind
	}

	logger, closeLog, err := livebundle.NewLogger(cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := livebundle.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	for _, arg := range imports {
		if err := importSource(ctx, svc, arg); err != nil {
			return err
		}
	}

	if build != "" {
		return buildOne(ctx, svc, build, out, rebuild, probe, chromeURL)
	}
	if len(imports) > 0 && !keepServe {
		return nil
	}
	return serve(ctx, svc, cfg, logger)
}

func importSource(ctx context.Context, svc *livebundle.Service, arg string) error {
	id, path, ok := strings.Cut(arg, "=")
	if !ok || id == "" || path == "" {
		return fmt.Errorf("--import %q: want <instance>=<file>", arg)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("--import %s: %w", id, err)
	}
	src := string(data)
	sess, err := svc.Replace(ctx, id, livebundle.SessionUpdate{SourceCode: &src})
	if err != nil {
		return fmt.Errorf("--import %s: %w", id, err)
	}
	slog.Info("livebundle: source imported", "instance", id, "file", path, "rev", sess.SourceRev)
	return nil
}

func buildOne(ctx context.Context, svc *livebundle.Service, id, out string, rebuild, probe bool, chromeURL string) error {
	doc, err := svc.Bundle(ctx, livebundle.Request{InstanceID: id, Rebuild: rebuild})
	if err != nil {
		return err
	}
	if _, err := svc.VerifyDocument(doc.HTML); err != nil {
		return err
	}
	if out == "" {
		os.Stdout.Write(doc.HTML)
	} else if err := os.WriteFile(out, doc.HTML, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s: %s (%s, %d bytes, cache hit %t)\n", id, doc.Strategy, doc.Outcome, len(doc.HTML), doc.CacheHit)
	if doc.Outcome.Cause != "" {
		fmt.Fprintf(os.Stderr, "%s: bundler: %s\n", id, doc.Outcome.Cause)
	}
	// Detached builds would otherwise be cut short by Close.
	svc.WaitDetached()

	if !probe {
		return nil
	}
	errs, err := svc.ProbeDocument(ctx, doc.HTML, chromeURL)
	if err != nil {
		return err
	}
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "%s: execution error: %s\n%s\n", id, e.Message, e.Stack)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d execution error(s)", len(errs))
	}
	fmt.Fprintf(os.Stderr, "%s: ran clean\n", id)
	return nil
}

func serve(ctx context.Context, svc *livebundle.Service, cfg *livebundle.Config, logger *slog.Logger) error {
	svc.Start(ctx)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           svc.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("livebundle: server starting", "listen", cfg.Listen, "version", livebundle.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("livebundle: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("livebundle: shutdown", "error", err)
	}
	logger.Info("livebundle: server stopped")
	return nil
}
