// Package memdriver is a browser engine that keeps documents in memory. It
// parses served HTML with x/net/html, edits it through goquery and supports
// scripted timelines and fault injection, so the session layer can be driven
// without a Chrome binary.
package memdriver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Driver serves registered sites to in-memory tabs. The cookie jar is shared
// by every tab, as it is within one browser profile.
type Driver struct {
	opts   driver.Options
	logger *zap.Logger

	mu      sync.Mutex
	sites   map[string]Site
	tabs    []*Tab
	cookies map[string]schemas.Cookie
	closed  bool
}

var _ driver.Driver = (*Driver)(nil)

// New creates an empty driver.
func New(opts driver.Options) *Driver {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Persona.Width == 0 {
		opts.Persona = schemas.DefaultPersona
	}
	return &Driver{
		opts:    opts,
		logger:  logger.Named("memdriver"),
		sites:   make(map[string]Site),
		cookies: make(map[string]schemas.Cookie),
	}
}

// Serve registers site under rawURL. The fragment is ignored.
func (d *Driver) Serve(rawURL string, site Site) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sites[stripFragment(rawURL)] = site
}

func (d *Driver) site(rawURL string) (Site, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sites[stripFragment(rawURL)]
	return s, ok
}

// OpenTab creates a blank tab.
func (d *Driver) OpenTab(ctx context.Context) (driver.Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, schemas.NewDriverError(schemas.DriverDisconnected, "open tab", errors.New("driver closed"))
	}
	t := &Tab{
		d:          d,
		handles:    make(map[*html.Node]string),
		nodes:      make(map[string]*html.Node),
		local:      make(map[string]string),
		session:    make(map[string]string),
		captureErr: make([]schemas.DriverErrorKind, 0),
	}
	t.page = &Page{URL: "about:blank", doc: mustParse(""), tab: t}
	d.tabs = append(d.tabs, t)
	return t, nil
}

// Tabs returns every tab opened so far, including closed ones.
func (d *Driver) Tabs() []*Tab {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Tab(nil), d.tabs...)
}

// Close disconnects every tab.
func (d *Driver) Close() error {
	d.mu.Lock()
	tabs := append([]*Tab(nil), d.tabs...)
	d.closed = true
	d.mu.Unlock()
	for _, t := range tabs {
		t.Disconnect()
	}
	return nil
}

// Tab is an in-memory page.
type Tab struct {
	d *Driver

	mu           sync.Mutex
	page         *Page
	site         Site
	gen          int
	navigatedAt  time.Time
	pending      int
	timers       []*time.Timer
	handles      map[*html.Node]string
	nodes        map[string]*html.Node
	seq          int
	local        map[string]string
	session      map[string]string
	closeCalls   int
	closed       bool
	disconnected bool

	performErr    []schemas.DriverErrorKind
	captureErr    []schemas.DriverErrorKind
	beforePerform []func(p *Page)
	evaluator     func(script string) (any, error)
	performed     []driver.Interaction
	scripts       []string
}

var (
	_ driver.Tab        = (*Tab)(nil)
	_ driver.StorageTab = (*Tab)(nil)
	_ driver.SourceTab  = (*Tab)(nil)
)

// -- Fault injection and inspection --

// FailPerform makes the next n interactions fail with kind.
func (t *Tab) FailPerform(kind schemas.DriverErrorKind, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < n; i++ {
		t.performErr = append(t.performErr, kind)
	}
}

// FailCapture makes the next n DOM captures fail with kind.
func (t *Tab) FailCapture(kind schemas.DriverErrorKind, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < n; i++ {
		t.captureErr = append(t.captureErr, kind)
	}
}

// BeforeNextPerform runs fn against the page right before the next
// interaction is dispatched.
func (t *Tab) BeforeNextPerform(fn func(p *Page)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.beforePerform = append(t.beforePerform, fn)
}

// OnEvaluate installs a handler for scripts the tab does not answer itself.
func (t *Tab) OnEvaluate(fn func(script string) (any, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evaluator = fn
}

// Disconnect simulates the browser going away. Every later call fails with a
// disconnected driver error.
func (t *Tab) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected = true
	t.stopTimersLocked()
}

// Mutate edits the live page.
func (t *Tab) Mutate(fn func(p *Page)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.page)
}

// Performed lists dispatched interactions in order.
func (t *Tab) Performed() []driver.Interaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]driver.Interaction(nil), t.performed...)
}

// Scripts lists evaluated scripts in order.
func (t *Tab) Scripts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.scripts...)
}

// CloseCalls reports how many times Close was invoked.
func (t *Tab) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// URL returns the current location.
func (t *Tab) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.page.URL
}

// -- driver.Tab --

func (t *Tab) checkLocked(op string) error {
	if t.disconnected {
		return schemas.NewDriverError(schemas.DriverDisconnected, op, errors.New("target detached"))
	}
	if t.closed {
		return schemas.NewDriverError(schemas.DriverDisconnected, op, errors.New("tab closed"))
	}
	return nil
}

func (t *Tab) Navigate(ctx context.Context, rawURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked("navigate"); err != nil {
		return err
	}
	if _, ok := t.d.site(rawURL); !ok && !sameDocument(t.page.URL, rawURL) {
		return fmt.Errorf("navigate %s: net::ERR_NAME_NOT_RESOLVED", rawURL)
	}
	t.navigateLocked(rawURL)
	return nil
}

// navigateLocked swaps the document. A fragment-only change keeps the
// document and its timers, as browsers do.
func (t *Tab) navigateLocked(rawURL string) {
	if sameDocument(t.page.URL, rawURL) {
		t.page.URL = rawURL
		return
	}
	site, ok := t.d.site(rawURL)
	if !ok {
		t.d.logger.Warn("Navigation to unregistered URL.", zap.String("url", rawURL))
		site = Site{HTML: "<html><head><title>Not Found</title></head><body><h1>404</h1></body></html>"}
	}

	t.stopTimersLocked()
	t.gen++
	t.site = site
	t.page = &Page{URL: rawURL, doc: mustParse(site.HTML), tab: t}
	t.navigatedAt = time.Now()
	t.pending = 0

	gen := t.gen
	for _, ev := range site.Timeline {
		if ev.Pending {
			t.pending++
		}
		t.timers = append(t.timers, time.AfterFunc(ev.After, func() { t.fire(gen, ev) }))
	}
	for _, tk := range site.Tickers {
		t.armTickerLocked(gen, tk, 1)
	}
}

func (t *Tab) fire(gen int, ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || t.closed || t.disconnected {
		return
	}
	if ev.Apply != nil {
		ev.Apply(t.page)
	}
	if ev.Pending && t.pending > 0 {
		t.pending--
	}
}

func (t *Tab) armTickerLocked(gen int, tk Ticker, n int) {
	if tk.Every <= 0 {
		return
	}
	t.timers = append(t.timers, time.AfterFunc(tk.Every, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if gen != t.gen || t.closed || t.disconnected {
			return
		}
		tk.Apply(t.page, n)
		t.armTickerLocked(gen, tk, n+1)
	}))
}

func (t *Tab) stopTimersLocked() {
	for _, tm := range t.timers {
		tm.Stop()
	}
	t.timers = nil
}

func (t *Tab) readyStateLocked() string {
	if t.site.NeverLoad {
		return driver.ReadyLoading
	}
	if t.site.LoadDelay > 0 && time.Since(t.navigatedAt) < t.site.LoadDelay {
		return driver.ReadyLoading
	}
	return driver.ReadyComplete
}

func (t *Tab) LoadState(ctx context.Context) (driver.LoadState, error) {
	if err := ctx.Err(); err != nil {
		return driver.LoadState{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked("load state"); err != nil {
		return driver.LoadState{}, err
	}
	return driver.LoadState{
		URL:             t.page.URL,
		ReadyState:      t.readyStateLocked(),
		PendingRequests: t.pending,
	}, nil
}

func (t *Tab) Evaluate(ctx context.Context, script string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if err := t.checkLocked("evaluate"); err != nil {
		t.mu.Unlock()
		return err
	}
	t.scripts = append(t.scripts, script)

	var result any
	switch strings.TrimSpace(script) {
	case "location.href", "window.location.href":
		result = t.page.URL
	case "document.readyState":
		result = t.readyStateLocked()
	case "document.title":
		result = t.page.doc.Find("title").First().Text()
	default:
		fn := t.evaluator
		t.mu.Unlock()
		if fn == nil {
			return nil
		}
		r, err := fn(script)
		if err != nil {
			return schemas.NewDriverError(schemas.DriverScriptError, "evaluate", err)
		}
		return decodeInto(r, out)
	}
	t.mu.Unlock()
	return decodeInto(result, out)
}

func decodeInto(v any, out any) error {
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return schemas.NewDriverError(schemas.DriverScriptError, "evaluate", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return schemas.NewDriverError(schemas.DriverScriptError, "evaluate", err)
	}
	return nil
}

func (t *Tab) CaptureDOM(ctx context.Context) (*driver.RawDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked("capture"); err != nil {
		return nil, err
	}
	if len(t.captureErr) > 0 {
		kind := t.captureErr[0]
		t.captureErr = t.captureErr[1:]
		return nil, schemas.NewDriverError(kind, "capture", errors.New("injected capture failure"))
	}
	doc := &driver.RawDocument{
		URL:             t.page.URL,
		Title:           strings.TrimSpace(t.page.doc.Find("title").First().Text()),
		ReadyState:      t.readyStateLocked(),
		PendingRequests: t.pending,
	}
	doc.Nodes = t.walkLocked()
	return doc, nil
}

func (t *Tab) Screenshot(ctx context.Context, clip *schemas.BoundingBox) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	if err := t.checkLocked("screenshot"); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	w, h := int(t.d.opts.Persona.Width), int(t.d.opts.Persona.Height)
	t.mu.Unlock()
	if clip != nil {
		w, h = int(clip.Width), int(clip.Height)
	}
	if w <= 0 || h <= 0 {
		return nil, schemas.NewDriverError(schemas.DriverNotInteractable, "screenshot", errors.New("empty clip"))
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode screenshot: %w", err)
	}
	return buf.Bytes(), nil
}

func (t *Tab) Perform(ctx context.Context, in driver.Interaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	op := string(in.Kind)
	if err := t.checkLocked(op); err != nil {
		return err
	}
	for _, fn := range t.beforePerform {
		fn(t.page)
	}
	t.beforePerform = nil

	if len(t.performErr) > 0 {
		kind := t.performErr[0]
		t.performErr = t.performErr[1:]
		return schemas.NewDriverError(kind, op, errors.New("injected interaction failure"))
	}

	n, err := t.resolveLocked(in)
	if err != nil {
		return schemas.NewDriverError(schemas.DriverStaleElement, op, err)
	}
	if !visible(n) {
		return schemas.NewDriverError(schemas.DriverNotInteractable, op, errors.New("element is not visible"))
	}
	if _, ok := selectionOf(n).Attr("data-occluded"); ok {
		return schemas.NewDriverError(schemas.DriverNotInteractable, op, errors.New("click target occluded"))
	}
	if in.Kind != driver.Hover && disabled(n) {
		return schemas.NewDriverError(schemas.DriverNotInteractable, op, errors.New("element is disabled"))
	}
	t.performed = append(t.performed, in)

	switch in.Kind {
	case driver.Click:
		t.clickLocked(n)
	case driver.Type:
		return t.typeLocked(n, in.Text)
	case driver.Hover:
	default:
		return schemas.NewDriverError(schemas.DriverScriptError, op, fmt.Errorf("unsupported interaction %q", in.Kind))
	}
	return nil
}

func (t *Tab) resolveLocked(in driver.Interaction) (*html.Node, error) {
	if in.Handle != "" {
		n, ok := t.nodes[in.Handle]
		if !ok || !attached(t.page.doc, n) {
			return nil, fmt.Errorf("handle %s is detached", in.Handle)
		}
		return n, nil
	}
	if in.Selector != "" {
		sel := t.page.doc.Find(in.Selector).First()
		if sel.Length() > 0 {
			return sel.Get(0), nil
		}
	}
	return nil, errors.New("no matching element")
}

func (t *Tab) clickLocked(n *html.Node) {
	sel := selectionOf(n)
	switch n.Data {
	case "input":
		switch strings.ToLower(sel.AttrOr("type", "")) {
		case "checkbox":
			toggleAttr(sel, "checked")
		case "radio":
			sel.SetAttr("checked", "")
		}
	}
	for selector, handler := range t.site.OnClick {
		if sel.Is(selector) || sel.ParentsFiltered(selector).Length() > 0 {
			handler(t.page)
		}
	}
	if link := closestLink(sel); link != "" {
		target := resolveURL(t.page.URL, link)
		t.navigateLocked(target)
	}
}

func (t *Tab) typeLocked(n *html.Node, text string) error {
	sel := selectionOf(n)
	switch n.Data {
	case "input":
		switch strings.ToLower(sel.AttrOr("type", "text")) {
		case "checkbox", "radio", "submit", "button", "image", "reset", "file", "hidden":
			return schemas.NewDriverError(schemas.DriverNotInteractable, "type", errors.New("input does not accept text"))
		}
		sel.SetAttr("value", sel.AttrOr("value", "")+text)
	case "textarea":
		sel.SetText(sel.Text() + text)
	default:
		if _, ok := sel.Attr("contenteditable"); !ok {
			return schemas.NewDriverError(schemas.DriverNotInteractable, "type", fmt.Errorf("<%s> is not editable", n.Data))
		}
		sel.SetText(sel.Text() + text)
	}
	return nil
}

func (t *Tab) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCalls++
	if t.disconnected {
		return schemas.NewDriverError(schemas.DriverDisconnected, "close", errors.New("target detached"))
	}
	t.closed = true
	t.stopTimersLocked()
	return nil
}

// -- driver.StorageTab --

func (t *Tab) ReadStorage(ctx context.Context) (*schemas.StorageState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked("read storage"); err != nil {
		return nil, err
	}
	state := &schemas.StorageState{
		URL:            t.page.URL,
		LocalStorage:   copyMap(t.local),
		SessionStorage: copyMap(t.session),
	}
	t.d.mu.Lock()
	for _, c := range t.d.cookies {
		state.Cookies = append(state.Cookies, c)
	}
	t.d.mu.Unlock()
	return state, nil
}

func (t *Tab) WriteStorage(ctx context.Context, state *schemas.StorageState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked("write storage"); err != nil {
		return err
	}
	for k, v := range state.LocalStorage {
		t.local[k] = v
	}
	for k, v := range state.SessionStorage {
		t.session[k] = v
	}
	t.d.mu.Lock()
	for _, c := range state.Cookies {
		t.d.cookies[c.Name] = c
	}
	t.d.mu.Unlock()
	return nil
}

func (t *Tab) ClearStorage(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked("clear storage"); err != nil {
		return err
	}
	clear(t.local)
	clear(t.session)
	t.d.mu.Lock()
	clear(t.d.cookies)
	t.d.mu.Unlock()
	return nil
}

// -- driver.SourceTab --

func (t *Tab) OuterHTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkLocked("outer html"); err != nil {
		return "", err
	}
	return goquery.OuterHtml(t.page.doc.Find("html").First())
}

// -- helpers --

func mustParse(markup string) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		// html.Parse only fails on reader errors.
		panic(err)
	}
	return doc
}

func stripFragment(raw string) string {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i]
	}
	return raw
}

func sameDocument(current, next string) bool {
	if current == "" || current == "about:blank" {
		return false
	}
	return stripFragment(current) == stripFragment(next) && strings.Contains(next, "#")
}

func resolveURL(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func selectionOf(n *html.Node) *goquery.Selection {
	return goquery.NewDocumentFromNode(n).Selection
}

func closestLink(sel *goquery.Selection) string {
	a := sel.Closest("a[href]")
	if a.Length() == 0 {
		return ""
	}
	return a.AttrOr("href", "")
}

func toggleAttr(sel *goquery.Selection, name string) {
	if _, ok := sel.Attr(name); ok {
		sel.RemoveAttr(name)
		return
	}
	sel.SetAttr(name, "")
}

func attached(doc *goquery.Document, n *html.Node) bool {
	root := doc.Get(0)
	for p := n; p != nil; p = p.Parent {
		if p == root {
			return true
		}
	}
	return false
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
