package idgen

import (
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestUUIDv7(t *testing.T) {
	u, err := uuid.Parse(UUIDv7()())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Version() != 7 {
		t.Fatalf("version = %d, want 7", u.Version())
	}
}

func TestUUIDv7_SortsByCreation(t *testing.T) {
	gen := UUIDv7()
	ids := make([]string, 0, 3)
	for range 3 {
		ids = append(ids, gen())
		time.Sleep(2 * time.Millisecond)
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatalf("ids not in creation order: %v", ids)
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence("exe_")
	if a, b := gen(), gen(); a != "exe_1" || b != "exe_2" {
		t.Fatalf("got %q, %q", a, b)
	}

	gen = Sequence("")
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				id := gen()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 400 {
		t.Fatalf("unique ids = %d, want 400", len(seen))
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("req_", Default)()
	if !strings.HasPrefix(id, "req_") {
		t.Fatalf("got %q", id)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(id, "req_")); err != nil {
		t.Fatalf("suffix is not a uuid: %v", err)
	}
	if New() == New() {
		t.Fatal("New returned the same id twice")
	}
}
