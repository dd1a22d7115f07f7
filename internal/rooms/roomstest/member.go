// Package roomstest provides an in-memory rooms.Member for tests.
package roomstest

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/lifesync/internal/events"
	"github.com/Tyrowin/lifesync/internal/rooms"
)

// Member records every frame delivered to it.
type Member struct {
	id       string
	identity string
	name     string

	mu     sync.Mutex
	frames [][]byte
	fail   error
	notify chan struct{}
}

// NewMember creates a recording member for identity.
func NewMember(id, identity string) *Member {
	return &Member{id: id, identity: identity, name: identity, notify: make(chan struct{}, 1)}
}

// WithName sets the display name reported by IdentityName.
func (m *Member) WithName(name string) *Member {
	m.name = name
	return m
}

func (m *Member) ID() string           { return m.id }
func (m *Member) IdentityID() string   { return m.identity }
func (m *Member) IdentityName() string { return m.name }

// Deliver records frame, or returns the configured failure.
func (m *Member) Deliver(frame []byte) error {
	m.mu.Lock()
	if m.fail != nil {
		err := m.fail
		m.mu.Unlock()
		return err
	}
	m.frames = append(m.frames, append([]byte(nil), frame...))
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// FailWith makes every later delivery return err. Pass nil to recover.
func (m *Member) FailWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Envelopes decodes every recorded frame.
func (m *Member) Envelopes(t testing.TB) []events.Envelope {
	t.Helper()
	m.mu.Lock()
	frames := append([][]byte(nil), m.frames...)
	m.mu.Unlock()

	out := make([]events.Envelope, 0, len(frames))
	for _, f := range frames {
		env, err := events.Decode(f)
		if err != nil {
			t.Fatalf("decode frame %s: %v", f, err)
		}
		out = append(out, env)
	}
	return out
}

// Named returns the recorded envelopes with the given event name.
func (m *Member) Named(t testing.TB, name events.Name) []events.Envelope {
	t.Helper()
	var out []events.Envelope
	for _, env := range m.Envelopes(t) {
		if env.Event == name {
			out = append(out, env)
		}
	}
	return out
}

// Len returns the number of recorded frames.
func (m *Member) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

// Reset drops recorded frames.
func (m *Member) Reset() {
	m.mu.Lock()
	m.frames = nil
	m.mu.Unlock()
}

// WaitFor polls until a frame named name arrives or timeout passes.
func (m *Member) WaitFor(t testing.TB, name events.Name, timeout time.Duration) events.Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if got := m.Named(t, name); len(got) > 0 {
			return got[len(got)-1]
		}
		select {
		case <-m.notify:
		case <-deadline:
			t.Fatalf("member %s: no %s within %s", m.id, name, timeout)
			return events.Envelope{}
		}
	}
}

// Bind decodes env data into v or fails the test.
func Bind(t testing.TB, env events.Envelope, v any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("bind %s: %v", env.Event, err)
	}
}

var _ rooms.Member = (*Member)(nil)
