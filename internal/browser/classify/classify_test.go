package classify

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/dom"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver/memdriver"
	"github.com/xkilldash9x/wayfinder/internal/config"
)

func newClassifier(t *testing.T) *Classifier {
	return New(config.NewDefaultConfig().Classifier(), zaptest.NewLogger(t))
}

// el builds a visible 100x20 top-level node.
func el(handle, tag string, attrs map[string]string, text string) driver.RawNode {
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

func snapshot(nodes ...driver.RawNode) *dom.Snapshot {
	return dom.NewSnapshot(&driver.RawDocument{
		URL:        "https://app.test/",
		ReadyState: driver.ReadyComplete,
		Nodes:      nodes,
	}, time.Unix(100, 0))
}

func byHandle(t *testing.T, snap *dom.Snapshot, ds []schemas.ElementDescriptor, handle string) (schemas.ElementDescriptor, bool) {
	t.Helper()
	n, ok := snap.ByHandle(handle)
	require.True(t, ok, "handle %s not in snapshot", handle)
	for _, d := range ds {
		if d.ID == n.Key {
			return d, true
		}
	}
	return schemas.ElementDescriptor{}, false
}

func TestSearchPage(t *testing.T) {
	ctx := context.Background()
	d := memdriver.New(driver.Options{})
	d.Serve("https://search.test/", memdriver.Site{HTML: `<html><body>
<form><input placeholder="Search"><button style="display:none">Go</button></form>
</body></html>`})
	t.Cleanup(func() { _ = d.Close() })
	tab, err := d.OpenTab(ctx)
	require.NoError(t, err)
	require.NoError(t, tab.Navigate(ctx, "https://search.test/"))
	snap, err := dom.Capture(ctx, tab)
	require.NoError(t, err)

	got := newClassifier(t).Classify(snap)
	require.Len(t, got, 1)
	assert.Equal(t, schemas.RoleTextInput, got[0].Role)
	assert.Equal(t, "Search", got[0].Label)
	assert.NotEmpty(t, got[0].Selector)
}

func TestClassifyIsDeterministic(t *testing.T) {
	snap := snapshot(
		el("a", "button", nil, "One"),
		el("b", "button", nil, "One"),
		el("c", "a", map[string]string{"href": "/x"}, "Link"),
		el("d", "div", map[string]string{"onclick": "go()"}, ""),
	)
	c := newClassifier(t)
	first := c.Classify(snap)
	second := c.Classify(snap)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("classification changed between runs (-first +second):\n%s", diff)
	}
	assert.Len(t, first, 4)
}

func TestRoles(t *testing.T) {
	tests := []struct {
		name string
		node driver.RawNode
		role schemas.Role
		drop bool
	}{
		{"aria role wins over tag", el("n", "a", map[string]string{"href": "#", "role": "tab"}, "Inbox"), schemas.RoleTab, false},
		{"div with button role", el("n", "div", map[string]string{"role": "button"}, "Go"), schemas.RoleButton, false},
		{"unknown aria role falls back to tag", el("n", "button", map[string]string{"role": "presentation"}, "Go"), schemas.RoleButton, false},
		{"link needs href", el("n", "a", nil, "Anchor"), "", true},
		{"link", el("n", "a", map[string]string{"href": "/docs"}, "Docs"), schemas.RoleLink, false},
		{"text input by default", el("n", "input", map[string]string{"name": "q"}, ""), schemas.RoleTextInput, false},
		{"email input", el("n", "input", map[string]string{"type": "email"}, ""), schemas.RoleTextInput, false},
		{"checkbox", el("n", "input", map[string]string{"type": "checkbox", "id": "tos"}, ""), schemas.RoleCheckbox, false},
		{"radio", el("n", "input", map[string]string{"type": "radio", "name": "plan"}, ""), schemas.RoleRadio, false},
		{"submit input", el("n", "input", map[string]string{"type": "submit", "value": "Send"}, ""), schemas.RoleButton, false},
		{"hidden input", el("n", "input", map[string]string{"type": "hidden", "name": "csrf"}, ""), "", true},
		{"textarea", el("n", "textarea", map[string]string{"name": "body"}, ""), schemas.RoleTextInput, false},
		{"select", el("n", "select", map[string]string{"name": "country"}, ""), schemas.RoleSelect, false},
		{"contenteditable", el("n", "div", map[string]string{"contenteditable": "true"}, "Draft"), schemas.RoleTextInput, false},
		{"onclick fallback", el("n", "div", map[string]string{"onclick": "open()"}, "Card"), schemas.RoleUnknown, false},
		{"focusable fallback", el("n", "span", map[string]string{"tabindex": "0"}, "Chip"), schemas.RoleUnknown, false},
		{"negative tabindex", el("n", "span", map[string]string{"tabindex": "-1"}, "Chip"), "", true},
		{"plain text", el("n", "p", nil, "Hello"), "", true},
		{"bare image", el("n", "img", map[string]string{"alt": "logo"}, ""), "", true},
	}
	c := newClassifier(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := snapshot(tt.node)
			got := c.Classify(snap)
			if tt.drop {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tt.role, got[0].Role)
		})
	}

	t.Run("image wrapped in a link", func(t *testing.T) {
		link := el("l", "a", map[string]string{"href": "/home"}, "")
		img := el("i", "img", map[string]string{"alt": "Home"}, "")
		img.Parent = 0
		snap := snapshot(link, img)
		got := c.Classify(snap)

		d, ok := byHandle(t, snap, got, "i")
		require.True(t, ok)
		assert.Equal(t, schemas.RoleImage, d.Role)
		assert.Equal(t, "Home", d.Label)
	})

	t.Run("aria role outranks tag inference", func(t *testing.T) {
		snap := snapshot(
			el("tag", "button", nil, "Save"),
			el("aria", "div", map[string]string{"role": "button"}, "Save"),
		)
		got := c.Classify(snap)
		require.Len(t, got, 2)
		first, _ := snap.ByHandle("aria")
		assert.Equal(t, first.Key, got[0].ID)
	})
}

func TestExclusion(t *testing.T) {
	hidden := el("h", "button", nil, "Hidden")
	hidden.Visible = false
	zero := el("z", "button", nil, "Zero")
	zero.Rect = schemas.BoundingBox{}
	speck := el("s", "button", nil, "Speck")
	speck.Rect = schemas.BoundingBox{Width: 0.5, Height: 0.5}

	assert.Empty(t, newClassifier(t).Classify(snapshot(hidden, zero, speck)))
}

func TestLabels(t *testing.T) {
	cfg := config.NewDefaultConfig().Classifier()
	cfg.MaxLabelLength = 12
	c := New(cfg, zaptest.NewLogger(t))

	tests := []struct {
		name  string
		node  driver.RawNode
		label string
	}{
		{"aria-label first", el("n", "button", map[string]string{"aria-label": "Close dialog", "title": "x"}, "X"), "Close dialog"},
		{"placeholder before text", el("n", "input", map[string]string{"placeholder": "Email", "name": "email"}, ""), "Email"},
		{"visible text", el("n", "button", map[string]string{"title": "Tooltip"}, "  Sign \n in "), "Sign in"},
		{"title", el("n", "button", map[string]string{"title": "Settings", "id": "gear"}, ""), "Settings"},
		{"name before id", el("n", "input", map[string]string{"name": "q", "id": "search"}, ""), "q"},
		{"value", driver.RawNode{Tag: "input", Attrs: map[string]string{"type": "submit"}, Value: "Send", Visible: true, Rect: schemas.BoundingBox{Width: 50, Height: 20}, Parent: -1}, "Send"},
		{"id last", el("n", "select", map[string]string{"id": "country"}, ""), "country"},
		{"markup is stripped", el("n", "button", map[string]string{"aria-label": "<b>Save</b> &amp; go"}, ""), "Save & go"},
		{"truncated", el("n", "a", map[string]string{"href": "/"}, "A very long link text"), "A very long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(snapshot(tt.node))
			require.Len(t, got, 1)
			assert.Equal(t, tt.label, got[0].Label)
		})
	}
}

func TestRanking(t *testing.T) {
	big := el("big", "button", map[string]string{"id": "big"}, "Big")
	small := el("small", "button", map[string]string{"id": "small"}, "Small")
	small.Rect = schemas.BoundingBox{Width: 10, Height: 10}
	off := el("off", "button", map[string]string{"id": "off", "disabled": ""}, "Off")
	unlabeled := el("bare", "button", nil, "")
	later := el("later", "button", map[string]string{"id": "later"}, "Later")

	snap := snapshot(big, small, off, unlabeled, later)
	got := newClassifier(t).Classify(snap)
	require.Len(t, got, 5)

	order := make([]string, len(got))
	for i, d := range got {
		n, _ := snap.Lookup(d.ID)
		order[i] = n.Handle
	}
	assert.Equal(t, []string{"big", "later", "bare", "small", "off"}, order)

	disabled, ok := byHandle(t, snap, got, "off")
	require.True(t, ok, "disabled elements are kept")
	assert.True(t, disabled.Disabled)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Confidence, got[i].Confidence)
	}
}

func TestUpdateMatchesClassify(t *testing.T) {
	c := newClassifier(t)

	keep := el("keep", "button", map[string]string{"id": "keep"}, "Keep")
	mutate := el("mut", "button", map[string]string{"id": "save"}, "Save")
	remove := el("rm", "a", map[string]string{"href": "/old"}, "Old")
	grow := el("grow", "button", map[string]string{"id": "grow"}, "Grow")
	grow.Rect = schemas.BoundingBox{Width: 0.5, Height: 0.5}
	move := el("move", "button", map[string]string{"id": "move"}, "Move")
	logo := el("logo", "img", map[string]string{"alt": "Logo"}, "")
	wrapper := el("wrap", "a", map[string]string{"href": "/"}, "")
	logo.Parent = 5

	prevSnap := snapshot(keep, mutate, remove, grow, move, wrapper, logo)
	prev := c.Classify(prevSnap)

	mutate.Text = "Saving"
	grow.Rect = schemas.BoundingBox{Width: 100, Height: 20}
	move.Rect = schemas.BoundingBox{Y: 300, Width: 10, Height: 10}
	logo.Parent = -1
	added := el("new", "button", map[string]string{"id": "new"}, "New")

	nextSnap := dom.NewSnapshot(&driver.RawDocument{
		URL:        "https://app.test/",
		ReadyState: driver.ReadyComplete,
		Nodes:      []driver.RawNode{keep, mutate, grow, move, added, logo},
	}, time.Unix(101, 0))
	cs := dom.Diff(prevSnap, nextSnap)
	require.Len(t, cs.Mutated, 1)

	want := c.Classify(nextSnap)
	got := c.Update(prev, nextSnap, cs)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("incremental classification differs (-full +incremental):\n%s", diff)
	}
	_, ok := byHandle(t, nextSnap, got, "logo")
	assert.False(t, ok, "an unwrapped image is no longer interactive")
	_, ok = byHandle(t, nextSnap, got, "grow")
	assert.True(t, ok, "a node that grew past the size threshold is picked up")
}

func TestQuery(t *testing.T) {
	ds := []schemas.ElementDescriptor{
		{ID: "1", Role: schemas.RoleLink, Label: "Search help"},
		{ID: "2", Role: schemas.RoleTextInput, Label: "Search"},
	}
	d, ok := Query{Label: "search"}.First(ds)
	require.True(t, ok)
	assert.Equal(t, "1", d.ID)

	d, ok = Query{Role: schemas.RoleTextInput, Label: "SEARCH"}.First(ds)
	require.True(t, ok)
	assert.Equal(t, "2", d.ID)

	_, ok = Query{Role: schemas.RoleButton}.First(ds)
	assert.False(t, ok)

	role, ok := ParseRole("textinput")
	assert.True(t, ok)
	assert.Equal(t, schemas.RoleTextInput, role)
	_, ok = ParseRole("widget")
	assert.False(t, ok)
}
