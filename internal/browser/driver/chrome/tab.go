package chrome

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
)

// Tab is a single chromedp target.
type Tab struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	onClose func()

	mu       sync.Mutex
	inflight map[network.RequestID]struct{}

	crashed   atomic.Bool
	detached  atomic.Bool
	closeOnce sync.Once
}

var (
	_ driver.Tab        = (*Tab)(nil)
	_ driver.StorageTab = (*Tab)(nil)
	_ driver.SourceTab  = (*Tab)(nil)
)

func newTab(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger) *Tab {
	return &Tab{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		inflight: make(map[network.RequestID]struct{}),
	}
}

// listen tracks in-flight XHR and fetch requests and target loss. Listener
// callbacks run on the event loop and must not block.
func (t *Tab) listen() {
	chromedp.ListenTarget(t.ctx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *network.EventRequestWillBeSent:
			if ev.Type == network.ResourceTypeXHR || ev.Type == network.ResourceTypeFetch {
				t.mu.Lock()
				t.inflight[ev.RequestID] = struct{}{}
				t.mu.Unlock()
			}
		case *network.EventLoadingFinished:
			t.settle(ev.RequestID)
		case *network.EventLoadingFailed:
			t.settle(ev.RequestID)
		case *page.EventFrameNavigated:
			// A new document abandons requests of the old one.
			if ev.Frame.ParentID == "" {
				t.mu.Lock()
				clear(t.inflight)
				t.mu.Unlock()
			}
		case *inspector.EventTargetCrashed:
			t.logger.Warn("Browser target crashed.")
			t.crashed.Store(true)
		case *inspector.EventDetached:
			t.logger.Warn("Browser target detached.", zap.String("reason", ev.Reason))
			t.detached.Store(true)
		}
	})
}

func (t *Tab) settle(id network.RequestID) {
	t.mu.Lock()
	delete(t.inflight, id)
	t.mu.Unlock()
}

func (t *Tab) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// run executes actions against the target, bounded by both the caller's
// context and the tab's lifetime.
func (t *Tab) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	if t.detached.Load() {
		return schemas.NewDriverError(schemas.DriverDisconnected, op, errors.New("target detached"))
	}
	if t.crashed.Load() {
		return schemas.NewDriverError(schemas.DriverCrashed, op, errors.New("target crashed"))
	}
	c := chromedp.FromContext(t.ctx)
	if c == nil || c.Target == nil {
		return schemas.NewDriverError(schemas.DriverDisconnected, op, errors.New("no target"))
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	exec := cdp.WithExecutor(ctx, c.Target)
	for _, a := range actions {
		if err := a.Do(exec); err != nil {
			if t.ctx.Err() != nil {
				return schemas.NewDriverError(schemas.DriverDisconnected, op, t.ctx.Err())
			}
			return classify(op, err, t)
		}
	}
	return nil
}

func awaitPromise(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
	return p.WithAwaitPromise(true).WithReturnByValue(true)
}

func (t *Tab) Navigate(ctx context.Context, url string) error {
	t.logger.Debug("Navigating", zap.String("url", url))
	// page.Navigate returns once the navigation commits; readiness is judged
	// by the caller from the DOM.
	return t.run(ctx, "navigate", chromedp.ActionFunc(func(ctx context.Context) error {
		var res page.NavigateReturns
		if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
			return err
		}
		if res.ErrorText != "" {
			return fmt.Errorf("navigate %s: %s", url, res.ErrorText)
		}
		return nil
	}))
}

func (t *Tab) Evaluate(ctx context.Context, script string, out any) error {
	return t.run(ctx, "evaluate", chromedp.Evaluate(script, out, awaitPromise))
}

func (t *Tab) CaptureDOM(ctx context.Context) (*driver.RawDocument, error) {
	var doc driver.RawDocument
	if err := t.run(ctx, "capture", chromedp.Evaluate(driver.CaptureCall(), &doc, awaitPromise)); err != nil {
		return nil, err
	}
	doc.PendingRequests = t.pending()
	return &doc, nil
}

func (t *Tab) LoadState(ctx context.Context) (driver.LoadState, error) {
	var res struct {
		URL        string `json:"url"`
		ReadyState string `json:"readyState"`
	}
	const script = `({url: location.href, readyState: document.readyState})`
	if err := t.run(ctx, "load state", chromedp.Evaluate(script, &res, awaitPromise)); err != nil {
		return driver.LoadState{}, err
	}
	return driver.LoadState{URL: res.URL, ReadyState: res.ReadyState, PendingRequests: t.pending()}, nil
}

func (t *Tab) Screenshot(ctx context.Context, clip *schemas.BoundingBox) ([]byte, error) {
	var buf []byte
	err := t.run(ctx, "screenshot", chromedp.ActionFunc(func(ctx context.Context) error {
		params := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng)
		if clip != nil {
			if clip.Area() == 0 {
				return schemas.NewDriverError(schemas.DriverNotInteractable, "screenshot", errors.New("empty clip"))
			}
			params = params.WithClip(&page.Viewport{
				X: clip.X, Y: clip.Y, Width: clip.Width, Height: clip.Height, Scale: 1,
			}).WithCaptureBeyondViewport(true)
		}
		var err error
		buf, err = params.Do(ctx)
		return err
	}))
	return buf, err
}

// Perform probes the target in page, then dispatches trusted input events at
// its center.
func (t *Tab) Perform(ctx context.Context, in driver.Interaction) error {
	op := string(in.Kind)
	var probe driver.ProbeResult
	if err := t.run(ctx, op, chromedp.Evaluate(driver.ProbeCall(in), &probe, awaitPromise)); err != nil {
		return err
	}
	if err := probe.Err(op); err != nil {
		return err
	}

	switch in.Kind {
	case driver.Click:
		return t.run(ctx, op,
			input.DispatchMouseEvent(input.MouseMoved, probe.X, probe.Y),
			input.DispatchMouseEvent(input.MousePressed, probe.X, probe.Y).WithButton(input.Left).WithClickCount(1),
			input.DispatchMouseEvent(input.MouseReleased, probe.X, probe.Y).WithButton(input.Left).WithClickCount(1),
		)
	case driver.Hover:
		return t.run(ctx, op, input.DispatchMouseEvent(input.MouseMoved, probe.X, probe.Y))
	case driver.Type:
		// The probe focused the element.
		return t.run(ctx, op, input.InsertText(in.Text))
	}
	return schemas.NewDriverError(schemas.DriverScriptError, op, fmt.Errorf("unsupported interaction %q", in.Kind))
}

// Close closes the target. It is safe to call more than once.
func (t *Tab) Close(ctx context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		if t.crashed.Load() || t.detached.Load() {
			err = schemas.NewDriverError(schemas.DriverDisconnected, "close", errors.New("target already gone"))
		} else if cerr := chromedp.Cancel(t.ctx); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = classify("close", cerr, t)
		}
		t.cancel()
		if t.onClose != nil {
			t.onClose()
		}
	})
	return err
}

// -- driver.StorageTab --

func (t *Tab) ReadStorage(ctx context.Context) (*schemas.StorageState, error) {
	state := &schemas.StorageState{}
	if err := t.run(ctx, "read storage", chromedp.Evaluate(driver.StorageCall(), state, awaitPromise)); err != nil {
		return nil, err
	}
	err := t.run(ctx, "read cookies", chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			state.Cookies = append(state.Cookies, schemas.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  c.Expires,
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
				SameSite: string(c.SameSite),
			})
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (t *Tab) WriteStorage(ctx context.Context, state *schemas.StorageState) error {
	if len(state.Cookies) > 0 {
		params := make([]*network.CookieParam, 0, len(state.Cookies))
		for _, c := range state.Cookies {
			p := &network.CookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
			}
			if c.SameSite != "" {
				p.SameSite = network.CookieSameSite(c.SameSite)
			}
			if c.Expires > 0 {
				exp := cdp.TimeSinceEpoch(epoch(c.Expires))
				p.Expires = &exp
			}
			params = append(params, p)
		}
		if err := t.run(ctx, "write cookies", network.SetCookies(params)); err != nil {
			return err
		}
	}
	if len(state.LocalStorage) == 0 && len(state.SessionStorage) == 0 {
		return nil
	}
	script, err := driver.RestoreStorageCall(state)
	if err != nil {
		return err
	}
	return t.run(ctx, "write storage", chromedp.Evaluate(script, nil, awaitPromise))
}

func (t *Tab) ClearStorage(ctx context.Context) error {
	if err := t.run(ctx, "clear cookies", network.ClearBrowserCookies()); err != nil {
		return err
	}
	return t.run(ctx, "clear storage", chromedp.Evaluate(driver.ClearStorageCall(), nil, awaitPromise))
}

// -- driver.SourceTab --

func (t *Tab) OuterHTML(ctx context.Context) (string, error) {
	var html string
	err := t.run(ctx, "outer html", chromedp.Evaluate(`document.documentElement.outerHTML`, &html, awaitPromise))
	return html, err
}

// viewport pins the layout viewport to the persona's window.
func viewport(p schemas.Persona) chromedp.Action {
	return emulation.SetDeviceMetricsOverride(p.Width, p.Height, 1, false)
}
