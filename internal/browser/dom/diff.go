package dom

import "github.com/xkilldash9x/wayfinder/api/schemas"

// Diff computes the change set between two snapshots in one pass over each,
// with map lookups by key, so it is linear in the node count. Added and
// Mutated follow next's document order and Removed follows prev's, which
// keeps the output deterministic without sorting. A nil prev reports every
// node of next as added.
func Diff(prev, next *Snapshot) schemas.ChangeSet {
	var cs schemas.ChangeSet
	if next != nil {
		cs.URL = next.URL
		cs.At = next.CapturedAt
	}
	for _, n := range next.Nodes() {
		old, ok := prev.Lookup(n.Key)
		switch {
		case !ok:
			cs.Added = append(cs.Added, n.Key)
		case old.Fingerprint != n.Fingerprint:
			cs.Mutated = append(cs.Mutated, n.Key)
		}
	}
	for _, n := range prev.Nodes() {
		if _, ok := next.Lookup(n.Key); !ok {
			cs.Removed = append(cs.Removed, n.Key)
		}
	}
	return cs
}

// Significant keeps the keys whose node is visible with at least minArea on
// either side of the change. Readiness uses it to ignore invisible churn.
func Significant(cs schemas.ChangeSet, prev, next *Snapshot, minArea float64) schemas.ChangeSet {
	out := schemas.ChangeSet{URL: cs.URL, At: cs.At}
	keep := func(key string) bool {
		if n, ok := next.Lookup(key); ok && n.Significant(minArea) {
			return true
		}
		n, ok := prev.Lookup(key)
		return ok && n.Significant(minArea)
	}
	for _, k := range cs.Added {
		if keep(k) {
			out.Added = append(out.Added, k)
		}
	}
	for _, k := range cs.Removed {
		if keep(k) {
			out.Removed = append(out.Removed, k)
		}
	}
	for _, k := range cs.Mutated {
		if keep(k) {
			out.Mutated = append(out.Mutated, k)
		}
	}
	return out
}
