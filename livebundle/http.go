package livebundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/livebundle/connectivity"
	"github.com/hazyhaar/livebundle/horosafe"
	"github.com/hazyhaar/livebundle/kit"
	"github.com/hazyhaar/livebundle/livebundle/internal/liveedit"
	"github.com/hazyhaar/livebundle/livebundle/internal/surface"
	"github.com/hazyhaar/livebundle/shield"
)

// Response headers describing how a document was produced.
const (
	HeaderStrategy    = "X-Bundle-Strategy"
	HeaderCache       = "X-Bundle-Cache"
	HeaderContentHash = "X-Content-Hash"
	HeaderEditMode    = "X-Edit-Mode"
)

const sseKeepalive = 25 * time.Second

// Handler returns the HTTP API. The maintenance and rate limit reloaders
// run until ctx is cancelled.
func (s *Service) Handler(ctx context.Context) http.Handler {
	stack, mm, rl := shield.DefaultStack(s.store.DB, "/health")
	mm.StartReloader(ctx)
	rl.StartReloader(ctx)

	r := chi.NewRouter()
	for _, mw := range stack {
		r.Use(mw)
	}

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(shield.SecurityHeaders(shield.DocumentHeaders()))
		r.Get("/bundle/{id}", s.handleBundle)
		r.Get("/preview/{id}", s.handlePreview)
	})

	r.Group(func(r chi.Router) {
		r.Use(shield.SecurityHeaders(shield.APIHeaders()))
		r.Get("/events/{id}", s.handleEvents)
		r.Route("/api/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Put("/", s.handlePutSession)
			r.Post("/errors", s.handleReportError)
		})
		r.Post("/api/tools/{name}", s.handleTool)
		s.mountMCP(r)
	})
	return r
}

type health struct {
	Status    string                        `json:"status"`
	Version   string                        `json:"version"`
	Transpile *connectivity.BreakerSnapshot `json:"transpile,omitempty"`
}

// handleHealth reports "degraded" while the remote transpile route is
// suspended; the in-process transpiler still serves.
func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := health{Status: "ok", Version: Version}
	if s.breaker != nil {
		snap := s.breaker.Snapshot()
		h.Transpile = &snap
		if snap.State != connectivity.BreakerClosed.String() {
			h.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Service) handleBundle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := kit.WithInstanceID(r.Context(), id)
	doc, err := s.Bundle(ctx, Request{InstanceID: id, Rebuild: queryBool(r, "rebuild")})
	if err != nil {
		writeFailure(w, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set(HeaderStrategy, string(doc.Strategy))
	h.Set(HeaderContentHash, doc.ContentHash)
	if doc.CacheHit {
		h.Set(HeaderCache, "hit")
	} else {
		h.Set(HeaderCache, "miss")
	}
	if queryBool(r, "download") {
		h.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.html"`, id))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(doc.HTML)
}

func (s *Service) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := horosafe.ValidateInstanceID(id); err != nil {
		writeFailure(w, err)
		return
	}
	page, err := surface.HostPage(surface.HostInput{InstanceID: id})
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := horosafe.ValidateInstanceID(id); err != nil {
		writeFailure(w, err)
		return
	}
	if err := s.hub.ServeSSE(r.Context(), w, id, sseKeepalive); err != nil && !errors.Is(err, context.Canceled) {
		shield.GetLogger(r.Context()).Debug("livebundle: event stream closed", "instance", id, "error", err)
	}
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := horosafe.ValidateInstanceID(id); err != nil {
		writeFailure(w, err)
		return
	}
	sess, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Service) handlePutSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var u SessionUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess, err := s.Replace(kit.WithInstanceID(r.Context(), id), id, u)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Service) handleReportError(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := horosafe.LimitedReadAll(r.Body, surface.MaxMessageBytes)
	if err != nil {
		writeFailure(w, err)
		return
	}
	e, err := surface.ParseMessage(body)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if e.InstanceID != id {
		writeError(w, http.StatusBadRequest, fmt.Errorf("livebundle: report for %q posted to %q", e.InstanceID, id))
		return
	}
	rid, err := s.ReportError(r.Context(), e)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"report_id": rid})
}

func (s *Service) handleTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	mode := liveedit.ParseMode(r.Header.Get(HeaderEditMode))
	ctx := kit.WithEditMode(r.Context(), string(mode))
	res, err := s.edit.Dispatch(ctx, name, raw)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func queryBool(r *http.Request, key string) bool {
	v := r.URL.Query().Get(key)
	if v == "" {
		return r.URL.Query().Has(key)
	}
	b, _ := strconv.ParseBool(v)
	return b
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, newErrorBody(err))
}

func writeFailure(w http.ResponseWriter, err error) {
	writeError(w, StatusOf(err), err)
}
