package dom

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver/memdriver"
)

func node(handle, tag string, attrs map[string]string, text string) driver.RawNode {
	return driver.RawNode{
		Handle:  handle,
		Tag:     tag,
		Attrs:   attrs,
		Text:    text,
		Visible: true,
		Rect:    schemas.BoundingBox{Width: 100, Height: 20},
		Parent:  -1,
	}
}

func doc(nodes ...driver.RawNode) *driver.RawDocument {
	return &driver.RawDocument{URL: "https://app.test/", ReadyState: driver.ReadyComplete, Nodes: nodes}
}

func keyOf(t *testing.T, s *Snapshot, handle string) string {
	t.Helper()
	n, ok := s.ByHandle(handle)
	require.True(t, ok, "handle %s not in snapshot", handle)
	return n.Key
}

func TestStableKeys(t *testing.T) {
	t.Run("unique identity survives content changes", func(t *testing.T) {
		a := NewSnapshot(doc(node("n1", "button", map[string]string{"id": "save"}, "Save")), time.Now())
		b := NewSnapshot(doc(node("n9", "button", map[string]string{"id": "save"}, "Saving…")), time.Now())
		assert.Equal(t, keyOf(t, a, "n1"), keyOf(t, b, "n9"))
		assert.NotEqual(t, a.Nodes()[0].Fingerprint, b.Nodes()[0].Fingerprint)
	})

	t.Run("ambiguous siblings survive reordering", func(t *testing.T) {
		a := NewSnapshot(doc(
			node("n1", "li", nil, "alpha"),
			node("n2", "li", nil, "beta"),
		), time.Now())
		b := NewSnapshot(doc(
			node("n2", "li", nil, "beta"),
			node("n1", "li", nil, "alpha"),
		), time.Now())
		assert.Equal(t, keyOf(t, a, "n1"), keyOf(t, b, "n1"))
		assert.Equal(t, keyOf(t, a, "n2"), keyOf(t, b, "n2"))
		assert.True(t, Diff(a, b).Empty())
	})

	t.Run("identical twins get distinct keys", func(t *testing.T) {
		s := NewSnapshot(doc(
			node("n1", "li", nil, "same"),
			node("n2", "li", nil, "same"),
		), time.Now())
		assert.NotEqual(t, keyOf(t, s, "n1"), keyOf(t, s, "n2"))
	})

	t.Run("a new element with the same tag leaves existing keys alone", func(t *testing.T) {
		cart := node("n1", "button", nil, "Add to cart")
		a := NewSnapshot(doc(cart), time.Now())
		b := NewSnapshot(doc(node("n2", "button", nil, "Accept cookies"), cart), time.Now())
		assert.Equal(t, keyOf(t, a, "n1"), keyOf(t, b, "n1"))

		cs := Diff(a, b)
		assert.Equal(t, []string{keyOf(t, b, "n2")}, cs.Added)
		assert.Empty(t, cs.Removed)
		assert.Empty(t, cs.Mutated)
	})

	t.Run("a duplicate identity added later keeps the first key", func(t *testing.T) {
		field := node("n1", "input", map[string]string{"name": "q"}, "")
		a := NewSnapshot(doc(field), time.Now())
		b := NewSnapshot(doc(field, node("n2", "input", map[string]string{"name": "q"}, "")), time.Now())
		assert.Equal(t, keyOf(t, a, "n1"), keyOf(t, b, "n1"))
		assert.NotEqual(t, keyOf(t, b, "n1"), keyOf(t, b, "n2"))
	})

	t.Run("keys do not depend on handles or layout", func(t *testing.T) {
		first := node("n1", "input", map[string]string{"name": "q"}, "")
		second := first
		second.Handle = "n77"
		second.Rect = schemas.BoundingBox{X: 300, Y: 900, Width: 10, Height: 10}
		a := NewSnapshot(doc(first), time.Now())
		b := NewSnapshot(doc(second), time.Now())
		assert.Equal(t, a.Nodes()[0].Key, b.Nodes()[0].Key)
		assert.Equal(t, a.Nodes()[0].Fingerprint, b.Nodes()[0].Fingerprint)
	})
}

func TestSnapshotLookups(t *testing.T) {
	s := NewSnapshot(doc(node("n1", "a", map[string]string{"href": "/x"}, "X")), time.Unix(100, 0))
	n := s.Nodes()[0]

	got, ok := s.Lookup(n.Key)
	require.True(t, ok)
	assert.Equal(t, "X", got.Text)
	_, ok = s.Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, 5*time.Second, s.Age(time.Unix(105, 0)))
	assert.True(t, s.Loaded())

	var none *Snapshot
	assert.Zero(t, none.Len())
	assert.Nil(t, none.Nodes())
	_, ok = none.Lookup(n.Key)
	assert.False(t, ok)
}

func TestCaptureRecapturesUnchangedPage(t *testing.T) {
	ctx := context.Background()
	d := memdriver.New(driver.Options{})
	defer d.Close()
	d.Serve("https://app.test/list", memdriver.Site{HTML: `<html><body>
		<ul><li>one</li><li>two</li><li>two</li></ul>
		<button>Go</button><button>Go</button>
		<input placeholder="Search">
	</body></html>`})
	tab, err := d.OpenTab(ctx)
	require.NoError(t, err)
	require.NoError(t, tab.Navigate(ctx, "https://app.test/list"))

	a, err := Capture(ctx, tab)
	require.NoError(t, err)
	b, err := Capture(ctx, tab)
	require.NoError(t, err)

	require.Equal(t, a.Len(), b.Len())
	for i := range a.Nodes() {
		assert.Equal(t, a.Nodes()[i].Key, b.Nodes()[i].Key)
	}
	assert.True(t, Diff(a, b).Empty())
}

func TestCaptureKeepsKeysWhenBannerAppears(t *testing.T) {
	ctx := context.Background()
	d := memdriver.New(driver.Options{})
	defer d.Close()
	d.Serve("https://app.test/shop", memdriver.Site{HTML: `<html><body>
		<main><button>Add to cart</button></main>
	</body></html>`})
	raw, err := d.OpenTab(ctx)
	require.NoError(t, err)
	tab := raw.(*memdriver.Tab)
	require.NoError(t, tab.Navigate(ctx, "https://app.test/shop"))

	before, err := Capture(ctx, tab)
	require.NoError(t, err)
	var cart NodeDescriptor
	for _, n := range before.Nodes() {
		if n.Tag == "button" {
			cart = n
		}
	}
	require.Equal(t, "Add to cart", cart.Text)

	tab.Mutate(func(p *memdriver.Page) { p.Append("body", "<button>Accept cookies</button>") })
	after, err := Capture(ctx, tab)
	require.NoError(t, err)

	got, ok := after.Lookup(cart.Key)
	require.True(t, ok, "the cart button must keep its key")
	assert.Equal(t, "Add to cart", got.Text)
	cs := Diff(before, after)
	assert.Len(t, cs.Added, 1)
	assert.Empty(t, cs.Removed)
}

func TestCaptureErrors(t *testing.T) {
	ctx := context.Background()
	d := memdriver.New(driver.Options{})
	defer d.Close()
	d.Serve("https://app.test/", memdriver.Site{HTML: "<html><body><p>x</p></body></html>"})
	raw, err := d.OpenTab(ctx)
	require.NoError(t, err)
	tab := raw.(*memdriver.Tab)
	require.NoError(t, tab.Navigate(ctx, "https://app.test/"))

	tab.FailCapture(schemas.DriverScriptError, 1)
	_, err = Capture(ctx, tab)
	assert.ErrorIs(t, err, schemas.ErrStaleCapture)

	tab.Disconnect()
	_, err = Capture(ctx, tab)
	assert.True(t, schemas.IsDisconnected(err))
	assert.NotErrorIs(t, err, schemas.ErrStaleCapture)
}
