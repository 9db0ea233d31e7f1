package roddriver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
)

// Tab wraps a rod page.
type Tab struct {
	page   *rod.Page
	logger *zap.Logger
	// events is canceled on Close to stop the event loop goroutine.
	events context.CancelFunc

	mu       sync.Mutex
	inflight map[proto.NetworkRequestID]struct{}

	crashed   atomic.Bool
	detached  atomic.Bool
	closeOnce sync.Once
}

var (
	_ driver.Tab        = (*Tab)(nil)
	_ driver.StorageTab = (*Tab)(nil)
	_ driver.SourceTab  = (*Tab)(nil)
)

func newTab(page *rod.Page, logger *zap.Logger) *Tab {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tab{
		page:     page,
		logger:   logger,
		events:   cancel,
		inflight: make(map[proto.NetworkRequestID]struct{}),
	}
	wait := page.Context(ctx).EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			if e.Type == proto.NetworkResourceTypeXHR || e.Type == proto.NetworkResourceTypeFetch {
				t.mu.Lock()
				t.inflight[e.RequestID] = struct{}{}
				t.mu.Unlock()
			}
		},
		func(e *proto.NetworkLoadingFinished) { t.settle(e.RequestID) },
		func(e *proto.NetworkLoadingFailed) { t.settle(e.RequestID) },
		func(e *proto.PageFrameNavigated) {
			if e.Frame.ParentID == "" {
				t.mu.Lock()
				clear(t.inflight)
				t.mu.Unlock()
			}
		},
		func(e *proto.InspectorTargetCrashed) {
			t.logger.Warn("Browser target crashed.")
			t.crashed.Store(true)
		},
		func(e *proto.InspectorDetached) {
			t.logger.Warn("Browser target detached.", zap.String("reason", e.Reason))
			t.detached.Store(true)
		},
	)
	go wait()
	return t
}

func (t *Tab) settle(id proto.NetworkRequestID) {
	t.mu.Lock()
	delete(t.inflight, id)
	t.mu.Unlock()
}

func (t *Tab) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

func (t *Tab) check(op string) error {
	if t.detached.Load() {
		return schemas.NewDriverError(schemas.DriverDisconnected, op, errors.New("target detached"))
	}
	if t.crashed.Load() {
		return schemas.NewDriverError(schemas.DriverCrashed, op, errors.New("target crashed"))
	}
	return nil
}

// eval runs a function expression and decodes its result.
func (t *Tab) eval(ctx context.Context, op, fn string, out any, args ...any) error {
	if err := t.check(op); err != nil {
		return err
	}
	res, err := t.page.Context(ctx).Eval(fn, args...)
	if err != nil {
		return classify(op, err, t)
	}
	if out == nil {
		return nil
	}
	if err := res.Value.Unmarshal(out); err != nil {
		return schemas.NewDriverError(schemas.DriverScriptError, op, err)
	}
	return nil
}

func (t *Tab) Navigate(ctx context.Context, url string) error {
	if err := t.check("navigate"); err != nil {
		return err
	}
	t.logger.Debug("Navigating", zap.String("url", url))
	if err := t.page.Context(ctx).Navigate(url); err != nil {
		return classify("navigate", err, t)
	}
	return nil
}

// Evaluate wraps a bare expression in a function, since rod only evaluates
// function definitions.
func (t *Tab) Evaluate(ctx context.Context, script string, out any) error {
	return t.eval(ctx, "evaluate", asFunction(script), out)
}

func asFunction(script string) string {
	s := strings.TrimSpace(script)
	if strings.HasPrefix(s, "function") || strings.HasPrefix(s, "() =>") || strings.HasPrefix(s, "async") {
		return s
	}
	return "() => (" + strings.TrimSuffix(s, ";") + ")"
}

func (t *Tab) CaptureDOM(ctx context.Context) (*driver.RawDocument, error) {
	var doc driver.RawDocument
	if err := t.eval(ctx, "capture", driver.CaptureScript, &doc); err != nil {
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
	if err := t.eval(ctx, "load state", `() => ({url: location.href, readyState: document.readyState})`, &res); err != nil {
		return driver.LoadState{}, err
	}
	return driver.LoadState{URL: res.URL, ReadyState: res.ReadyState, PendingRequests: t.pending()}, nil
}

func (t *Tab) Screenshot(ctx context.Context, clip *schemas.BoundingBox) ([]byte, error) {
	if err := t.check("screenshot"); err != nil {
		return nil, err
	}
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	if clip != nil {
		if clip.Area() == 0 {
			return nil, schemas.NewDriverError(schemas.DriverNotInteractable, "screenshot", errors.New("empty clip"))
		}
		req.Clip = &proto.PageViewport{X: clip.X, Y: clip.Y, Width: clip.Width, Height: clip.Height, Scale: 1}
		req.CaptureBeyondViewport = true
	}
	buf, err := t.page.Context(ctx).Screenshot(false, req)
	if err != nil {
		return nil, classify("screenshot", err, t)
	}
	return buf, nil
}

func (t *Tab) Perform(ctx context.Context, in driver.Interaction) error {
	op := string(in.Kind)
	var probe driver.ProbeResult
	if err := t.eval(ctx, op, driver.ProbeScript, &probe, in.Handle, in.Selector); err != nil {
		return err
	}
	if err := probe.Err(op); err != nil {
		return err
	}

	p := t.page.Context(ctx)
	dispatch := func(typ proto.InputDispatchMouseEventType, clicks int) error {
		return proto.InputDispatchMouseEvent{
			Type:       typ,
			X:          probe.X,
			Y:          probe.Y,
			Button:     proto.InputMouseButtonLeft,
			ClickCount: clicks,
		}.Call(p)
	}

	var err error
	switch in.Kind {
	case driver.Click:
		if err = dispatch(proto.InputDispatchMouseEventTypeMouseMoved, 0); err == nil {
			if err = dispatch(proto.InputDispatchMouseEventTypeMousePressed, 1); err == nil {
				err = dispatch(proto.InputDispatchMouseEventTypeMouseReleased, 1)
			}
		}
	case driver.Hover:
		err = dispatch(proto.InputDispatchMouseEventTypeMouseMoved, 0)
	case driver.Type:
		err = p.InsertText(in.Text)
	default:
		return schemas.NewDriverError(schemas.DriverScriptError, op, fmt.Errorf("unsupported interaction %q", in.Kind))
	}
	return classify(op, err, t)
}

func (t *Tab) Close(ctx context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		defer t.events()
		if t.crashed.Load() || t.detached.Load() {
			err = schemas.NewDriverError(schemas.DriverDisconnected, "close", errors.New("target already gone"))
			return
		}
		err = classify("close", t.page.Context(ctx).Close(), t)
	})
	return err
}

// -- driver.StorageTab --

func (t *Tab) ReadStorage(ctx context.Context) (*schemas.StorageState, error) {
	state := &schemas.StorageState{}
	if err := t.eval(ctx, "read storage", driver.StorageScript, state); err != nil {
		return nil, err
	}
	cookies, err := t.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, classify("read cookies", err, t)
	}
	for _, c := range cookies {
		state.Cookies = append(state.Cookies, schemas.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return state, nil
}

func (t *Tab) WriteStorage(ctx context.Context, state *schemas.StorageState) error {
	if len(state.Cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(state.Cookies))
		for _, c := range state.Cookies {
			params = append(params, &proto.NetworkCookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  proto.TimeSinceEpoch(c.Expires),
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
				SameSite: proto.NetworkCookieSameSite(c.SameSite),
			})
		}
		if err := t.page.Context(ctx).SetCookies(params); err != nil {
			return classify("write cookies", err, t)
		}
	}
	if len(state.LocalStorage) == 0 && len(state.SessionStorage) == 0 {
		return nil
	}
	script, err := driver.RestoreStorageCall(state)
	if err != nil {
		return err
	}
	return t.Evaluate(ctx, script, nil)
}

func (t *Tab) ClearStorage(ctx context.Context) error {
	if err := t.check("clear cookies"); err != nil {
		return err
	}
	if err := (proto.NetworkClearBrowserCookies{}).Call(t.page.Context(ctx)); err != nil {
		return classify("clear cookies", err, t)
	}
	return t.Evaluate(ctx, driver.ClearStorageCall(), nil)
}

// -- driver.SourceTab --

func (t *Tab) OuterHTML(ctx context.Context) (string, error) {
	var html string
	err := t.eval(ctx, "outer html", `() => document.documentElement.outerHTML`, &html)
	return html, err
}
