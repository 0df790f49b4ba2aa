package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func quietHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHub_PublishScopedToInstance(t *testing.T) {
	h := quietHub()
	a, cancelA := h.Subscribe("a")
	defer cancelA()
	b, cancelB := h.Subscribe("b")
	defer cancelB()

	if n := h.Publish(Event{Kind: CodeUpdated, InstanceID: "a"}); n != 1 {
		t.Fatalf("delivered to %d subscribers, want 1", n)
	}
	select {
	case ev := <-a:
		if ev.Kind != CodeUpdated || ev.At == 0 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event for a")
	}
	select {
	case ev := <-b:
		t.Fatalf("b received %+v", ev)
	default:
	}
}

func TestHub_CancelReleases(t *testing.T) {
	h := quietHub()
	ch, cancel := h.Subscribe("a")
	if h.Subscribers("a") != 1 {
		t.Fatal("subscription not registered")
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	if h.Subscribers("a") != 0 {
		t.Fatal("subscription leaked")
	}
	if n := h.Publish(Event{Kind: Invalidated, InstanceID: "a"}); n != 0 {
		t.Fatalf("published to %d", n)
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := quietHub()
	_, cancel := h.Subscribe("a")
	defer cancel()
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			h.Publish(Event{Kind: CodeUpdated, InstanceID: "a"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestServeSSE(t *testing.T) {
	h := quietHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeSSE(r.Context(), w, "demo-1", time.Hour)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	rd := bufio.NewReader(resp.Body)
	if line, _ := rd.ReadString('\n'); !strings.HasPrefix(line, ": connected") {
		t.Fatalf("first line = %q", line)
	}
	for h.Subscribers("demo-1") == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	h.Publish(Event{Kind: CodeUpdated, InstanceID: "demo-1", Hash: "abc"})

	var event, data string
	for event == "" || data == "" {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	if event != string(CodeUpdated) {
		t.Fatalf("event = %q", event)
	}
	var ev Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.InstanceID != "demo-1" || ev.Hash != "abc" {
		t.Fatalf("payload %+v", ev)
	}
}
