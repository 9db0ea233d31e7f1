// Package dom turns raw engine captures into immutable snapshots with
// stable element keys, diffs them, and watches a page for changes.
package dom

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
)

// NodeDescriptor is one element of a snapshot.
type NodeDescriptor struct {
	Index       int
	Tag         string
	Attrs       map[string]string
	Box         schemas.BoundingBox
	Visible     bool
	Text        string
	TextHash    string
	Value       string
	Checked     bool
	Selector    string
	Handle      string
	Fingerprint string
	Key         string
	// Parent is the Index of the parent node, -1 at the top.
	Parent int
}

// Attr returns an attribute value, empty when absent.
func (n NodeDescriptor) Attr(name string) string { return n.Attrs[name] }

// HasAttr reports whether the attribute is present, even if empty.
func (n NodeDescriptor) HasAttr(name string) bool {
	_, ok := n.Attrs[name]
	return ok
}

// Significant reports whether the node is visible with at least minArea.
func (n NodeDescriptor) Significant(minArea float64) bool {
	return n.Visible && n.Box.Area() >= minArea
}

// Snapshot is an immutable capture of a page. It is safe to share between
// goroutines; callers must not modify the returned nodes' maps.
type Snapshot struct {
	URL             string
	Title           string
	ReadyState      string
	PendingRequests int
	CapturedAt      time.Time

	nodes    []NodeDescriptor
	byKey    map[string]int
	byHandle map[string]int
}

// NewSnapshot computes fingerprints and stable keys for a raw capture.
//
// A node with identifying attributes is keyed by its identity, so its key
// survives content changes. A bare node is keyed by tag and text. Either way
// the key carries an ordinal among earlier nodes with the same identity and
// text, never a count over the whole document, so inserting an unrelated
// element leaves existing keys alone.
func NewSnapshot(raw *driver.RawDocument, at time.Time) *Snapshot {
	s := &Snapshot{
		URL:             raw.URL,
		Title:           raw.Title,
		ReadyState:      raw.ReadyState,
		PendingRequests: raw.PendingRequests,
		CapturedAt:      at,
		nodes:           make([]NodeDescriptor, len(raw.Nodes)),
		byKey:           make(map[string]int, len(raw.Nodes)),
		byHandle:        make(map[string]int, len(raw.Nodes)),
	}

	ordinals := make(map[string]int, len(raw.Nodes))
	for i := range raw.Nodes {
		rn := &raw.Nodes[i]
		th := TextHash(rn.Text)
		fp := fingerprint(rn, th)

		id, attributed := identity(rn)
		group := hashParts("a", id)
		if !attributed {
			group = hashParts("t", id, th)
		}
		key := hashParts(group, strconv.Itoa(ordinals[group]))
		ordinals[group]++

		s.nodes[i] = NodeDescriptor{
			Index:       i,
			Tag:         rn.Tag,
			Attrs:       rn.Attrs,
			Box:         rn.Rect,
			Visible:     rn.Visible,
			Text:        rn.Text,
			TextHash:    th,
			Value:       rn.Value,
			Checked:     rn.Checked,
			Selector:    rn.Path,
			Handle:      rn.Handle,
			Fingerprint: fp,
			Key:         key,
			Parent:      rn.Parent,
		}
		s.byKey[key] = i
		if rn.Handle != "" {
			s.byHandle[rn.Handle] = i
		}
	}
	return s
}

// Nodes returns the nodes in document order.
func (s *Snapshot) Nodes() []NodeDescriptor {
	if s == nil {
		return nil
	}
	return s.nodes
}

// Len is the number of nodes.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.nodes)
}

// Lookup finds a node by stable key.
func (s *Snapshot) Lookup(key string) (NodeDescriptor, bool) {
	if s == nil {
		return NodeDescriptor{}, false
	}
	i, ok := s.byKey[key]
	if !ok {
		return NodeDescriptor{}, false
	}
	return s.nodes[i], true
}

// ByHandle finds a node by its engine handle.
func (s *Snapshot) ByHandle(handle string) (NodeDescriptor, bool) {
	if s == nil || handle == "" {
		return NodeDescriptor{}, false
	}
	i, ok := s.byHandle[handle]
	if !ok {
		return NodeDescriptor{}, false
	}
	return s.nodes[i], true
}

// Ancestors yields the node's ancestors, nearest first.
func (s *Snapshot) Ancestors(n NodeDescriptor) iter.Seq[NodeDescriptor] {
	return func(yield func(NodeDescriptor) bool) {
		for p := n.Parent; s != nil && p >= 0 && p < len(s.nodes) && p != n.Index; {
			anc := s.nodes[p]
			if !yield(anc) {
				return
			}
			if anc.Parent >= p {
				return
			}
			p = anc.Parent
		}
	}
}

// Age is the time since capture.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}

// Loaded reports whether the load event had fired at capture time.
func (s *Snapshot) Loaded() bool {
	return s != nil && s.ReadyState == driver.ReadyComplete
}

// CaptureFunc takes a fresh snapshot of a page.
type CaptureFunc func(ctx context.Context) (*Snapshot, error)

// Capture snapshots tab. Any engine failure other than a lost connection or
// a caller cancellation is reported as a stale capture.
func Capture(ctx context.Context, tab driver.Tab) (*Snapshot, error) {
	raw, err := tab.CaptureDOM(ctx)
	if err != nil {
		if schemas.IsDisconnected(err) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", schemas.ErrStaleCapture, err)
	}
	return NewSnapshot(raw, time.Now()), nil
}
