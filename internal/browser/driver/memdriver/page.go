package memdriver

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Site describes a document the in-memory engine serves for one URL.
type Site struct {
	HTML string
	// LoadDelay keeps document.readyState at "loading" after navigation.
	LoadDelay time.Duration
	// NeverLoad keeps the page loading forever.
	NeverLoad bool
	// Timeline mutations are applied once, relative to navigation time.
	Timeline []Event
	// Tickers mutate the page repeatedly until the tab navigates away.
	Tickers []Ticker
	// OnClick handlers run after a click on an element matching the selector key.
	OnClick map[string]func(p *Page)
}

// Event is a scheduled one-off mutation. A Pending event counts as an
// in-flight network request from navigation until it fires.
type Event struct {
	After   time.Duration
	Pending bool
	Apply   func(p *Page)
}

// Ticker is a perpetual mutation such as a clock or a ticker tape.
type Ticker struct {
	Every time.Duration
	Apply func(p *Page, n int)
}

// Page is the live document of a tab. Its methods are only called while the
// owning tab holds its lock: from timeline events, click handlers or Tab.Mutate.
type Page struct {
	URL string
	doc *goquery.Document
	tab *Tab
}

// Doc exposes the underlying document for arbitrary edits.
func (p *Page) Doc() *goquery.Document { return p.doc }

// Append parses markup and appends it to every element matching selector.
func (p *Page) Append(selector, markup string) {
	p.doc.Find(selector).AppendHtml(markup)
}

// Replace swaps every element matching selector for freshly parsed markup.
// The new nodes get new handles even when the markup is identical.
func (p *Page) Replace(selector, markup string) {
	p.doc.Find(selector).ReplaceWithHtml(markup)
}

// Remove detaches every element matching selector.
func (p *Page) Remove(selector string) {
	p.doc.Find(selector).Remove()
}

// SetAttr sets an attribute on every element matching selector.
func (p *Page) SetAttr(selector, name, value string) {
	p.doc.Find(selector).SetAttr(name, value)
}

// SetText replaces the text content of every element matching selector.
func (p *Page) SetText(selector, text string) {
	p.doc.Find(selector).SetText(text)
}

// Value returns the current form value of the first element matching selector.
func (p *Page) Value(selector string) string {
	sel := p.doc.Find(selector).First()
	if sel.Length() == 0 {
		return ""
	}
	return formValue(sel)
}

// Navigate moves the tab to another URL, as a script assigning location would.
func (p *Page) Navigate(url string) {
	p.tab.navigateLocked(url)
}

func formValue(sel *goquery.Selection) string {
	switch goquery.NodeName(sel) {
	case "textarea":
		return sel.Text()
	case "select":
		opt := sel.Find("option[selected]").First()
		if opt.Length() == 0 {
			opt = sel.Find("option").First()
		}
		if v, ok := opt.Attr("value"); ok {
			return v
		}
		return strings.TrimSpace(opt.Text())
	case "input":
		v, _ := sel.Attr("value")
		return v
	}
	return ""
}
