package memdriver

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
)

const (
	defaultWidth  = 120
	defaultHeight = 24
)

var skippedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"meta": true, "link": true, "head": true, "title": true, "base": true,
}

// walkLocked flattens the body into RawNodes in document order. Boxes are
// synthetic: visible elements are stacked vertically, sized by inline
// width/height styles or a default.
func (t *Tab) walkLocked() []driver.RawNode {
	body := t.page.doc.Find("body").First()
	if body.Length() == 0 {
		return nil
	}
	var (
		out []driver.RawNode
		y   float64
	)
	var visit func(n *html.Node, parent int)
	visit = func(n *html.Node, parent int) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode || skippedTags[c.Data] {
				continue
			}
			raw := driver.RawNode{
				Handle:  t.handleLocked(c),
				Tag:     c.Data,
				Attrs:   attrMap(c),
				Text:    ownText(c),
				Checked: hasAttr(c, "checked"),
				Visible: visible(c),
				Path:    cssPath(c),
				Parent:  parent,
			}
			raw.Value = formValue(selectionOf(c))
			if raw.Visible {
				w, h := boxSize(c)
				raw.Rect = schemas.BoundingBox{X: 0, Y: y, Width: w, Height: h}
				y += h
			}
			out = append(out, raw)
			visit(c, len(out)-1)
		}
	}
	visit(body.Get(0), -1)
	return out
}

// handleLocked returns the node's handle, minting one the first time the
// node is seen. Parsed replacement nodes are distinct pointers and get new
// handles.
func (t *Tab) handleLocked(n *html.Node) string {
	if h, ok := t.handles[n]; ok {
		return h
	}
	t.seq++
	h := "m" + strconv.Itoa(t.seq)
	t.handles[n] = h
	t.nodes[h] = n
	return h
}

func attrMap(n *html.Node) map[string]string {
	if len(n.Attr) == 0 {
		return nil
	}
	m := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		m[a.Key] = a.Val
	}
	return m
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func hasAttr(n *html.Node, key string) bool {
	_, ok := attr(n, key)
	return ok
}

// ownText joins the node's direct text children. Interactive elements, and
// role-bearing elements without direct text, use their full text content
// since their label usually sits in nested spans.
func ownText(n *html.Node) string {
	full := func() string { return strings.Join(strings.Fields(selectionOf(n).Text()), " ") }
	switch n.Data {
	case "button", "a", "label", "option", "summary":
		return full()
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
	}
	text := strings.Join(strings.Fields(b.String()), " ")
	if text == "" && hasAttr(n, "role") {
		return full()
	}
	return text
}

func styleProps(n *html.Node) map[string]string {
	style, ok := attr(n, "style")
	if !ok {
		return nil
	}
	props := make(map[string]string)
	for _, decl := range strings.Split(style, ";") {
		k, v, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		props[strings.ToLower(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
	}
	return props
}

// visible mirrors the computed-style check of the capture script for the
// subset of CSS the in-memory engine understands.
func visible(n *html.Node) bool {
	for p := n; p != nil && p.Type == html.ElementNode; p = p.Parent {
		if hasAttr(p, "hidden") {
			return false
		}
		if p.Data == "input" && p == n {
			if typ, _ := attr(p, "type"); strings.EqualFold(typ, "hidden") {
				return false
			}
		}
		props := styleProps(p)
		if props["display"] == "none" || props["visibility"] == "hidden" {
			return false
		}
	}
	return true
}

func disabled(n *html.Node) bool {
	if hasAttr(n, "disabled") {
		return true
	}
	v, _ := attr(n, "aria-disabled")
	return v == "true"
}

func boxSize(n *html.Node) (float64, float64) {
	w, h := float64(defaultWidth), float64(defaultHeight)
	props := styleProps(n)
	if v, ok := pixels(props["width"]); ok {
		w = v
	}
	if v, ok := pixels(props["height"]); ok {
		h = v
	}
	return w, h
}

func pixels(v string) (float64, bool) {
	v = strings.TrimSuffix(strings.TrimSpace(v), "px")
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// cssPath builds the same kind of selector the capture script does: an id
// anchor when available, otherwise an nth-of-type chain from body.
func cssPath(n *html.Node) string {
	var parts []string
	for p := n; p != nil && p.Type == html.ElementNode; p = p.Parent {
		if id, ok := attr(p, "id"); ok && id != "" && !strings.ContainsAny(id, " \"'#.:[]") {
			parts = append(parts, "#"+id)
			break
		}
		if p.Data == "body" || p.Data == "html" {
			parts = append(parts, p.Data)
			break
		}
		idx, same := 1, 0
		for s := p.Parent.FirstChild; s != nil; s = s.NextSibling {
			if s.Type != html.ElementNode || s.Data != p.Data {
				continue
			}
			same++
			if s == p {
				idx = same
			}
		}
		if same > 1 {
			parts = append(parts, fmt.Sprintf("%s:nth-of-type(%d)", p.Data, idx))
		} else {
			parts = append(parts, p.Data)
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}
