// CLAUDE:SUMMARY Per-instance refresh hub: code-updated/invalidated events fanned out to subscribers, served as SSE.
// Package notify carries refresh signals from the edit path to open preview
// pages. Delivery is best-effort: a subscriber whose buffer is full misses
// the event and catches up on the next one.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Kind is the event type.
type Kind string

const (
	CodeUpdated Kind = "code-updated"
	Invalidated Kind = "invalidated"
)

// Event is one refresh notification.
type Event struct {
	Kind       Kind   `json:"kind"`
	InstanceID string `json:"instanceId"`
	Hash       string `json:"hash,omitempty"`
	At         int64  `json:"at"`
}

const subscriberBuffer = 8

type subscriber struct {
	ch chan Event
}

// Hub fans events out to the subscribers of an instance.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	logger *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[string]map[*subscriber]struct{}), logger: logger}
}

// Subscribe registers for events of id. The returned cancel func must be
// called to release the subscription; it closes the channel.
func (h *Hub) Subscribe(id string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	set, ok := h.subs[id]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[id] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[id], s)
			if len(h.subs[id]) == 0 {
				delete(h.subs, id)
			}
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish delivers ev to every current subscriber of ev.InstanceID and
// returns how many received it.
func (h *Hub) Publish(ev Event) int {
	if ev.At == 0 {
		ev.At = time.Now().UnixMilli()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for s := range h.subs[ev.InstanceID] {
		select {
		case s.ch <- ev:
			n++
		default:
			h.logger.Debug("notify: subscriber lagging, event dropped", "instance", ev.InstanceID, "kind", ev.Kind)
		}
	}
	return n
}

// Subscribers returns the number of live subscriptions for id.
func (h *Hub) Subscribers(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}

// ServeSSE streams the events of id to w until ctx ends. A comment line is
// written every keepalive to hold intermediaries open.
func (h *Hub) ServeSSE(ctx context.Context, w http.ResponseWriter, id string, keepalive time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("notify: streaming not supported")
	}
	if keepalive <= 0 {
		keepalive = 25 * time.Second
	}
	events, cancel := h.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	tick := time.NewTicker(keepalive)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			data, _ := json.Marshal(ev)
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				h.logger.Debug("notify: client gone", "instance", id, "error", err)
				return err
			}
			flusher.Flush()
		}
	}
}
