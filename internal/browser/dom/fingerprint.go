package dom

import (
	"hash"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
)

// identityAttrs define who an element is, independent of where it sits and
// what state it is in. Sorted.
var identityAttrs = []string{
	"alt", "aria-label", "data-testid", "for", "href", "id", "name", "placeholder", "role", "title", "type",
}

// volatileAttrs change with interaction state rather than content and are
// captured through Value/Checked instead.
var volatileAttrs = map[string]bool{"value": true, "checked": true}

var hasherPool = sync.Pool{
	New: func() interface{} { return fnv.New64a() },
}

// hashParts hashes the parts with a separator that cannot occur in HTML text.
func hashParts(parts ...string) string {
	hasher := hasherPool.Get().(hash.Hash64)
	defer func() {
		hasher.Reset()
		hasherPool.Put(hasher)
	}()
	for _, p := range parts {
		_, _ = hasher.Write([]byte(p))
		_, _ = hasher.Write([]byte{0})
	}
	return strconv.FormatUint(hasher.Sum64(), 16)
}

// TextHash hashes normalized text.
func TextHash(text string) string {
	return hashParts(strings.Join(strings.Fields(text), " "))
}

// identity renders the tag and identifying attributes of a node. attributed
// reports whether any identifying attribute was present.
func identity(n *driver.RawNode) (id string, attributed bool) {
	var sb strings.Builder
	sb.WriteString(strings.ToLower(n.Tag))
	for _, name := range identityAttrs {
		val, ok := n.Attrs[name]
		if !ok || val == "" {
			continue
		}
		val = truncateBytes(strings.TrimSpace(val), 128)
		sb.WriteString(`[` + name + `="` + strings.ReplaceAll(val, `"`, "'") + `"]`)
		attributed = true
	}
	return sb.String(), attributed
}

// fingerprint covers everything whose change is observable to a user:
// attributes, text, visibility and form state. Layout is excluded so that
// scrolling and reflow do not register as mutations.
func fingerprint(n *driver.RawNode, textHash string) string {
	names := make([]string, 0, len(n.Attrs))
	for name := range n.Attrs {
		if !volatileAttrs[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	parts := make([]string, 0, 2*len(names)+5)
	parts = append(parts, strings.ToLower(n.Tag))
	for _, name := range names {
		parts = append(parts, name, n.Attrs[name])
	}
	parts = append(parts, textHash, strconv.FormatBool(n.Visible), n.Value, strconv.FormatBool(n.Checked))
	return hashParts(parts...)
}

// truncateBytes cuts s to at most n bytes on a UTF-8 boundary.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
