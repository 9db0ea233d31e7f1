package dom

import (
	"strings"
	"sync"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// ChangeListener receives non-empty change sets in capture order, with the
// snapshots they were computed from.
type ChangeListener func(cs schemas.ChangeSet, prev, next *Snapshot)

// Tracker holds the latest snapshot of a page and turns each new snapshot
// into a change set against it.
type Tracker struct {
	mu        sync.Mutex
	last      *Snapshot
	listeners []ChangeListener
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// OnChange registers a listener. Listeners run with the tracker locked and
// must not block or call back into the tracker.
func (t *Tracker) OnChange(fn ChangeListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Latest returns the most recent snapshot, or nil.
func (t *Tracker) Latest() *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Observe records next as the latest snapshot and returns the diff against
// the previous one. Snapshots older than the latest are ignored.
func (t *Tracker) Observe(next *Snapshot) schemas.ChangeSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	if next == nil {
		return schemas.ChangeSet{}
	}
	if t.last != nil && next.CapturedAt.Before(t.last.CapturedAt) {
		return schemas.ChangeSet{URL: next.URL, At: next.CapturedAt}
	}
	prev := t.last
	cs := Diff(prev, next)
	t.last = next
	if !cs.Empty() {
		for _, fn := range t.listeners {
			fn(cs, prev, next)
		}
	}
	return cs
}

// Sync observes next when it shows the same document as the latest
// snapshot, and resets the baseline to it otherwise. A fragment change keeps
// the document.
func (t *Tracker) Sync(next *Snapshot) schemas.ChangeSet {
	if last := t.Latest(); last != nil && next != nil && !SameDocument(last.URL, next.URL) {
		t.Reset(next)
		return schemas.ChangeSet{URL: next.URL, At: next.CapturedAt}
	}
	return t.Observe(next)
}

// SameDocument reports whether two URLs differ at most by fragment.
func SameDocument(a, b string) bool {
	strip := func(u string) string {
		if i := strings.IndexByte(u, '#'); i >= 0 {
			return u[:i]
		}
		return u
	}
	return strip(a) == strip(b)
}

// Reset replaces the baseline without reporting a change, as after a
// navigation to a new document.
func (t *Tracker) Reset(s *Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = s
}
