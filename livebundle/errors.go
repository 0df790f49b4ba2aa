package livebundle

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/livebundle/horosafe"
	"github.com/hazyhaar/livebundle/livebundle/internal/liveedit"
	"github.com/hazyhaar/livebundle/livebundle/internal/store"
	"github.com/hazyhaar/livebundle/livebundle/internal/surface"
	"github.com/hazyhaar/livebundle/livebundle/internal/transpile"
)

// ErrNoSource is returned when a session exists but holds no source yet.
var ErrNoSource = errors.New("livebundle: session has no source")

// BundleTimeout reports a bundler run abandoned at the request deadline.
// It is handled exactly like a bundler error.
type BundleTimeout struct {
	After time.Duration
}

func (e *BundleTimeout) Error() string {
	return fmt.Sprintf("livebundle: bundle timed out after %s", e.After)
}

// StatusOf maps an error to the HTTP status the API answers with.
func StatusOf(err error) int {
	var te *transpile.TranspileError
	var ve *liveedit.EditValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, horosafe.ErrInvalidInstanceID),
		errors.Is(err, surface.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, horosafe.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrNoSource), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, liveedit.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, liveedit.ErrUnknownTool):
		return http.StatusNotFound
	case errors.As(err, &te), errors.As(err, &ve):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// errorBody is the JSON error payload. Transpile failures carry their
// diagnostics so the caller can point at the offending line.
type errorBody struct {
	Error       string                 `json:"error"`
	Kind        string                 `json:"kind,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	Unavailable bool                   `json:"unavailable,omitempty"`
	Diagnostics []transpile.Diagnostic `json:"diagnostics,omitempty"`
}

func newErrorBody(err error) errorBody {
	b := errorBody{Error: err.Error()}
	var te *transpile.TranspileError
	var ve *liveedit.EditValidationError
	switch {
	case errors.As(err, &te):
		b.Kind = "transpile"
		b.Diagnostics = te.Diagnostics
		b.Unavailable = te.Unavailable
	case errors.As(err, &ve):
		b.Kind = "edit"
		b.Reason = ve.Reason
	}
	return b
}
