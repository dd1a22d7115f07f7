package presence

import (
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"testing"

	"github.com/Tyrowin/lifesync/internal/auth"
)

type recorder struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *recorder) publish(t Transition) {
	r.mu.Lock()
	r.transitions = append(r.transitions, t)
	r.mu.Unlock()
}

func (r *recorder) count(online bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.transitions {
		if t.Online == online {
			n++
		}
	}
	return n
}

// TestMultiTabOffline verifies that closing one of several connections is
// silent and that only the last close produces an offline transition.
func TestMultiTabOffline(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry(rec.publish, nil)
	u1 := auth.Identity{ID: "u1", Name: "Ada"}

	if !reg.MarkOnline(u1, "c1") {
		t.Fatal("first connection should transition online")
	}
	if reg.MarkOnline(u1, "c2") {
		t.Fatal("second connection should not transition")
	}
	if reg.MarkOnline(u1, "c2") {
		t.Fatal("duplicate registration should not transition")
	}

	if reg.MarkOffline("u1", "c1") {
		t.Fatal("closing one of two tabs should not go offline")
	}
	if !reg.IsOnline("u1") {
		t.Fatal("u1 should still be online")
	}
	if !reg.MarkOffline("u1", "c2") {
		t.Fatal("closing the last tab should go offline")
	}
	if reg.IsOnline("u1") || reg.Connections("u1") != 0 {
		t.Fatal("u1 should be offline with no entry")
	}
	if reg.MarkOffline("u1", "c2") {
		t.Fatal("extra MarkOffline must not emit again")
	}

	want := []Transition{
		{IdentityID: "u1", Name: "Ada", Online: true},
		{IdentityID: "u1", Name: "Ada", Online: false},
	}
	if !reflect.DeepEqual(rec.transitions, want) {
		t.Fatalf("transitions = %+v", rec.transitions)
	}
}

// TestOfflineExactlyOnceAnyOrder checks that N connections closed in any
// order, concurrently, yield exactly one offline transition.
func TestOfflineExactlyOnceAnyOrder(t *testing.T) {
	for trial := 0; trial < 20; trial++ {
		rec := &recorder{}
		reg := NewRegistry(rec.publish, nil)
		const n = 8

		conns := make([]string, n)
		for i := range conns {
			conns[i] = fmt.Sprintf("c%d", i)
			reg.MarkOnline(auth.Identity{ID: "u1"}, conns[i])
		}
		rand.Shuffle(n, func(i, j int) { conns[i], conns[j] = conns[j], conns[i] })

		var wg sync.WaitGroup
		for _, c := range conns {
			wg.Add(1)
			go func(c string) {
				defer wg.Done()
				reg.MarkOffline("u1", c)
			}(c)
		}
		wg.Wait()

		if got := rec.count(false); got != 1 {
			t.Fatalf("trial %d: offline transitions = %d, want 1", trial, got)
		}
		if got := rec.count(true); got != 1 {
			t.Fatalf("trial %d: online transitions = %d, want 1", trial, got)
		}
	}
}

func TestSnapshot(t *testing.T) {
	reg := NewRegistry(nil, nil)
	reg.MarkOnline(auth.Identity{ID: "b"}, "c1")
	reg.MarkOnline(auth.Identity{ID: "a"}, "c2")
	reg.MarkOnline(auth.Identity{ID: "a"}, "c3")

	if got := reg.Snapshot(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("Snapshot = %v", got)
	}
	reg.MarkOffline("b", "c1")
	if got := reg.Snapshot(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("Snapshot = %v", got)
	}
}

func TestIgnoresEmptyIDs(t *testing.T) {
	reg := NewRegistry(nil, nil)
	if reg.MarkOnline(auth.Identity{}, "c1") || reg.MarkOnline(auth.Identity{ID: "u"}, "") {
		t.Fatal("empty ids must be ignored")
	}
	if len(reg.Snapshot()) != 0 {
		t.Fatal("nothing should be online")
	}
}
