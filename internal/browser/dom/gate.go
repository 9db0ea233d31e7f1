package dom

import "sync"

// Gate lets session operations pause background polling. Operations hold
// the gate exclusively; the monitor only polls when it can take a shared
// hold without waiting.
type Gate struct {
	mu sync.RWMutex
}

// Hold blocks background polls until the returned release is called.
func (g *Gate) Hold() (release func()) {
	g.mu.Lock()
	var once sync.Once
	return func() { once.Do(g.mu.Unlock) }
}

// TryPoll takes a shared hold if no operation holds the gate.
func (g *Gate) TryPoll() (release func(), ok bool) {
	if !g.mu.TryRLock() {
		return nil, false
	}
	return g.mu.RUnlock, true
}
