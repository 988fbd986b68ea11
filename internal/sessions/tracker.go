// Package sessions tracks live call sessions so the server can shut them down
// together and end calls that run past their allowed duration.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Session is the part of a call session the tracker needs.
// orchestrator.Session implements it.
type Session interface {
	ID() string
	CallID() string
	StartedAt() time.Time
	Cleanup()
}

// Tracker is a registry of live sessions.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	session Session
	once    sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]*trackedSession)}
}

// Register adds s and returns a function that removes it. The returned
// function is safe to call more than once.
func (t *Tracker) Register(s Session) (unregister func()) {
	if t == nil || s == nil {
		return func() {}
	}

	entry := &trackedSession{session: s}
	id := s.ID()

	t.mu.Lock()
	old := t.sessions[id]
	t.sessions[id] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(id, old)
	}
	return func() { t.unregister(id, entry) }
}

func (t *Tracker) unregister(id string, entry *trackedSession) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions[id] == entry {
			delete(t.sessions, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// List returns the live sessions, oldest first.
func (t *Tracker) List() []Session {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]Session, 0, len(t.sessions))
	for _, entry := range t.sessions {
		out = append(out, entry.session)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt().Before(out[j].StartedAt())
	})
	return out
}

// Expired returns the sessions started more than maxAge before now.
func (t *Tracker) Expired(now time.Time, maxAge time.Duration) []Session {
	var out []Session
	for _, s := range t.List() {
		if now.Sub(s.StartedAt()) > maxAge {
			out = append(out, s)
		}
	}
	return out
}

// CancelAll cleans up every live session and reports how many there were.
func (t *Tracker) CancelAll() (canceled int) {
	for _, s := range t.List() {
		s.Cleanup()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx is
// done. It reports whether all sessions finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
