// CLAUDE:SUMMARY Execution-surface protocol: execution-error payload parsing and the host-side rebuild-once state machine.
// Package surface implements the host side of the execution-surface
// protocol. A sandboxed document posts
//
//	{kind: "execution-error", instanceId, message, stack?}
//
// to its host; the host validates the shape and drives Monitor, which allows
// exactly one automatic rebuild per document load before showing a terminal
// error.
package surface

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"
)

// MessageKind is the only payload kind the host acts on.
const MessageKind = "execution-error"

// MaxMessageBytes bounds an accepted payload.
const MaxMessageBytes = 64 << 10

// ErrInvalidMessage is returned for payloads that do not match the protocol.
var ErrInvalidMessage = errors.New("surface: invalid execution-error payload")

// ExecutionError is a runtime failure reported by an executed document.
type ExecutionError struct {
	InstanceID string `json:"instanceId"`
	Message    string `json:"message"`
	Stack      string `json:"stack,omitempty"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error in %s: %s", e.InstanceID, e.Message)
}

// ParseMessage validates a posted payload and returns it as an
// ExecutionError. Unknown extra fields are ignored.
func ParseMessage(data []byte) (*ExecutionError, error) {
	if len(data) == 0 || len(data) > MaxMessageBytes || !gjson.ValidBytes(data) {
		return nil, ErrInvalidMessage
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, ErrInvalidMessage
	}
	kind := root.Get("kind")
	if kind.Type != gjson.String || kind.Str != MessageKind {
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidMessage, kind.String())
	}
	id := root.Get("instanceId")
	if id.Type != gjson.String || id.Str == "" {
		return nil, fmt.Errorf("%w: missing instanceId", ErrInvalidMessage)
	}
	msg := root.Get("message")
	if msg.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing message", ErrInvalidMessage)
	}
	e := &ExecutionError{InstanceID: id.Str, Message: msg.Str}
	if st := root.Get("stack"); st.Exists() {
		if st.Type != gjson.String && st.Type != gjson.Null {
			return nil, fmt.Errorf("%w: stack must be a string", ErrInvalidMessage)
		}
		e.Stack = st.Str
	}
	return e, nil
}

// State is a host state.
type State int

const (
	Idle State = iota
	Loaded
	AutoRebuildRequested
	ErrorDisplayed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loaded:
		return "loaded"
	case AutoRebuildRequested:
		return "auto-rebuild-requested"
	case ErrorDisplayed:
		return "error-displayed"
	default:
		return "unknown"
	}
}

// Action tells the host what to do next.
type Action int

const (
	ActionNone Action = iota
	// ActionReload loads the document again without forcing a rebuild.
	ActionReload
	// ActionRebuild loads the document with the rebuild flag set.
	ActionRebuild
	// ActionDisplayError shows the terminal error with a manual retry.
	ActionDisplayError
)

func (a Action) String() string {
	switch a {
	case ActionReload:
		return "reload"
	case ActionRebuild:
		return "rebuild"
	case ActionDisplayError:
		return "display-error"
	default:
		return "none"
	}
}

// Monitor is the host-side state machine for one instance:
//
//	Idle -> Loaded -> (error) AutoRebuildRequested -> Loaded -> (error) ErrorDisplayed
//
// The first error moves to AutoRebuildRequested whether or not the load
// event was seen yet; any later one moves to ErrorDisplayed, which is
// terminal until CodeUpdated or Retry.
type Monitor struct {
	mu         sync.Mutex
	instanceID string
	state      State
	rebuilt    bool
	last       *ExecutionError
	rebuilds   int
}

// NewMonitor returns a monitor in Idle for instanceID.
func NewMonitor(instanceID string) *Monitor {
	return &Monitor{instanceID: instanceID}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Rebuilds returns how many automatic rebuilds were requested since the
// last fresh load.
func (m *Monitor) Rebuilds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebuilds
}

// LastError returns the most recent accepted error, if any.
func (m *Monitor) LastError() *ExecutionError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// DocumentLoaded records that the surface finished loading a document. It
// never leaves ErrorDisplayed, and the rebuild allowance is untouched.
func (m *Monitor) DocumentLoaded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Idle || m.state == AutoRebuildRequested {
		m.state = Loaded
	}
}

// Receive feeds one execution error. A document can throw before its load
// event reaches the host, so errors count from the moment a document is
// requested: in Idle and AutoRebuildRequested as well as Loaded. Errors for
// another instance, and errors after the terminal display, are ignored.
func (m *Monitor) Receive(e *ExecutionError) Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e == nil || e.InstanceID != m.instanceID || m.state == ErrorDisplayed {
		return ActionNone
	}
	m.last = e
	if !m.rebuilt {
		m.rebuilt = true
		m.rebuilds++
		m.state = AutoRebuildRequested
		return ActionRebuild
	}
	m.state = ErrorDisplayed
	return ActionDisplayError
}

// CodeUpdated starts a fresh load after an edit. The rebuild allowance is
// restored.
func (m *Monitor) CodeUpdated() Action {
	m.reset()
	return ActionReload
}

// Retry is the manual retry from the terminal error display.
func (m *Monitor) Retry() Action {
	m.reset()
	return ActionRebuild
}

func (m *Monitor) reset() {
	m.mu.Lock()
	m.state, m.rebuilt, m.rebuilds, m.last = Idle, false, 0, nil
	m.mu.Unlock()
}
