package connectivity

import (
	"fmt"
	"time"
)

// ErrServiceNotFound is returned when Call targets a service with no route
// and no local handler.
type ErrServiceNotFound struct {
	Service string
}

func (e *ErrServiceNotFound) Error() string {
	return fmt.Sprintf("connectivity: service not routable: %s", e.Service)
}

// ErrFactoryFailed wraps a TransportFactory error raised during Reload.
type ErrFactoryFailed struct {
	Service  string
	Strategy string
	Endpoint string
	Cause    error
}

func (e *ErrFactoryFailed) Error() string {
	return fmt.Sprintf("connectivity: factory %q failed for service %s (endpoint %s): %v",
		e.Strategy, e.Service, e.Endpoint, e.Cause)
}

func (e *ErrFactoryFailed) Unwrap() error { return e.Cause }

// ErrCircuitOpen is returned when the breaker rejects a call. RetryIn is
// the cooldown left at rejection time.
type ErrCircuitOpen struct {
	Service string
	RetryIn time.Duration
}

func (e *ErrCircuitOpen) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("connectivity: circuit open: %s (retry in %s)", e.Service, e.RetryIn.Round(time.Second))
	}
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrPanic wraps a recovered panic value.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}

// ErrRemoteStatus is returned by HTTP handlers on a 5xx (or 1xx) response.
type ErrRemoteStatus struct {
	Code int
	Body string
}

// maxStatusBody bounds how much of an error page ends up in messages.
const maxStatusBody = 256

func (e *ErrRemoteStatus) Error() string {
	body := e.Body
	if len(body) > maxStatusBody {
		body = body[:maxStatusBody] + "..."
	}
	return fmt.Sprintf("connectivity/http: status %d: %s", e.Code, body)
}

// Temporary reports gateway and overload statuses, which a later attempt
// may not see.
func (e *ErrRemoteStatus) Temporary() bool {
	switch e.Code {
	case 502, 503, 504:
		return true
	}
	return false
}
