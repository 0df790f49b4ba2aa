package livebundle

import (
	"fmt"
	"strings"
)

// State is one step of a bundle request.
type State string

const (
	StateRequested         State = "requested"
	StateTranspiling       State = "transpiling"
	StateTranspileFailed   State = "transpile-failed"
	StateCacheHit          State = "cache-hit"
	StateBundling          State = "bundling"
	StateBundleSucceeded   State = "bundle-succeeded"
	StateBundleFailed      State = "bundle-failed"
	StateFallbackCacheHit  State = "fallback-cache-hit"
	StateFallbackAssembly  State = "fallback-assembly"
	StateDocumentAssembled State = "document-assembled"
	StateServed            State = "served"
)

// next lists the legal successors of each state.
var next = map[State][]State{
	StateRequested:         {StateTranspiling, StateCacheHit, StateBundling},
	StateTranspiling:       {StateTranspileFailed, StateCacheHit, StateBundling},
	StateCacheHit:          {StateServed},
	StateBundling:          {StateBundleSucceeded, StateBundleFailed},
	StateBundleSucceeded:   {StateDocumentAssembled, StateBundleFailed},
	StateBundleFailed:      {StateFallbackCacheHit, StateFallbackAssembly},
	StateFallbackCacheHit:  {StateServed},
	StateFallbackAssembly:  {StateDocumentAssembled},
	StateDocumentAssembled: {StateServed},
}

// Outcome is the trace of states a bundle request went through.
type Outcome struct {
	Trace []State `json:"trace"`
	Cause string  `json:"cause,omitempty"`
}

func newOutcome() *Outcome {
	return &Outcome{Trace: []State{StateRequested}}
}

// Current returns the last state reached.
func (o *Outcome) Current() State { return o.Trace[len(o.Trace)-1] }

// advance records s. Illegal transitions panic: they are programming errors.
func (o *Outcome) advance(s State) {
	cur := o.Current()
	for _, ok := range next[cur] {
		if ok == s {
			o.Trace = append(o.Trace, s)
			return
		}
	}
	panic(fmt.Sprintf("livebundle: illegal outcome transition %s -> %s", cur, s))
}

// fail records the bundler failure cause and moves to StateBundleFailed.
func (o *Outcome) fail(err error) {
	o.Cause = err.Error()
	o.advance(StateBundleFailed)
}

// Has reports whether s was visited.
func (o *Outcome) Has(s State) bool {
	for _, t := range o.Trace {
		if t == s {
			return true
		}
	}
	return false
}

func (o *Outcome) String() string {
	parts := make([]string, len(o.Trace))
	for i, s := range o.Trace {
		parts[i] = string(s)
	}
	return strings.Join(parts, " > ")
}
