// Package chrome drives a Chromium instance over the DevTools protocol with chromedp.
package chrome

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
)

// Driver manages one browser process. Every tab is a separate target within it.
type Driver struct {
	opts   driver.Options
	logger *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
	// browserCtx owns the browser itself; tabs are derived from it.
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu     sync.Mutex
	tabs   map[*Tab]struct{}
	closed bool
}

var _ driver.Driver = (*Driver)(nil)

// New launches (or attaches to) a browser and verifies it responds.
func New(ctx context.Context, opts driver.Options) (*Driver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{
		opts:   opts,
		logger: logger.Named("chrome"),
		tabs:   make(map[*Tab]struct{}),
	}

	// The allocator must outlive the launching call, so it hangs off a
	// detached background context.
	if opts.RemoteURL != "" {
		d.logger.Info("Connecting to remote browser.", zap.String("url", opts.RemoteURL))
		d.allocCtx, d.allocCancel = chromedp.NewRemoteAllocator(context.Background(), opts.RemoteURL)
	} else {
		d.logger.Info("Initializing browser allocator...", zap.Bool("headless", opts.Headless))
		d.allocCtx, d.allocCancel = chromedp.NewExecAllocator(context.Background(), buildAllocatorOptions(opts)...)
	}
	d.browserCtx, d.browserCancel = chromedp.NewContext(d.allocCtx,
		chromedp.WithLogf(d.logger.Sugar().Debugf),
		chromedp.WithErrorf(d.logger.Sugar().Debugf),
	)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	startCtx, cancelStart := context.WithTimeout(ctx, timeout)
	defer cancelStart()

	// Running no actions starts the browser process.
	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(d.browserCtx) }()
	select {
	case err := <-errc:
		if err != nil {
			d.browserCancel()
			d.allocCancel()
			return nil, fmt.Errorf("browser failed to start or respond: %w", err)
		}
	case <-startCtx.Done():
		d.browserCancel()
		d.allocCancel()
		<-errc
		return nil, fmt.Errorf("browser start: %w", startCtx.Err())
	}

	d.logger.Info("Browser launched successfully and is responsive.")
	return d, nil
}

// buildAllocatorOptions assembles launch flags for a configurable browser
// instance with the automation banner removed.
func buildAllocatorOptions(opts driver.Options) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)

	// A false flag is dropped from the command line; "enable-automation"
	// exposes navigator.webdriver.
	out = append(out, chromedp.Flag("enable-automation", false))
	out = append(out,
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("ignore-certificate-errors", opts.IgnoreTLSErrors),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", opts.Headless),
		chromedp.WindowSize(int(opts.Persona.Width), int(opts.Persona.Height)),
	)
	if opts.UserAgent != "" {
		out = append(out, chromedp.UserAgent(opts.UserAgent))
	}

	for _, arg := range opts.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			out = append(out, chromedp.Flag(name, parts[1]))
		} else {
			out = append(out, chromedp.Flag(name, true))
		}
	}

	if runtime.GOOS == "linux" {
		out = append(out,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}
	return out
}

// OpenTab creates a new target, enables the domains needed for readiness
// tracking and applies the stealth persona.
func (d *Driver) OpenTab(ctx context.Context) (driver.Tab, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, schemas.NewDriverError(schemas.DriverDisconnected, "open tab", fmt.Errorf("browser closed"))
	}
	d.mu.Unlock()

	tabCtx, cancel := chromedp.NewContext(d.browserCtx)
	t := newTab(tabCtx, cancel, d.logger)
	t.listen()

	setup := chromedp.Tasks{network.Enable()}
	if d.opts.Stealth {
		setup = append(setup, applyStealth(d.opts.Persona, d.logger))
	}
	setup = append(setup, viewport(d.opts.Persona))

	// The first Run on a fresh context creates the target.
	if err := chromedp.Run(tabCtx, setup); err != nil {
		cancel()
		return nil, classify("open tab", err, t)
	}
	if err := ctx.Err(); err != nil {
		cancel()
		return nil, err
	}

	d.mu.Lock()
	d.tabs[t] = struct{}{}
	d.mu.Unlock()
	t.onClose = func() {
		d.mu.Lock()
		delete(d.tabs, t)
		d.mu.Unlock()
	}
	return t, nil
}

// Close cancels every tab and terminates the browser process.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	tabs := make([]*Tab, 0, len(d.tabs))
	for t := range d.tabs {
		tabs = append(tabs, t)
	}
	d.mu.Unlock()

	for _, t := range tabs {
		t.cancel()
	}
	d.logger.Info("Shutting down browser.", zap.Int("open_tabs", len(tabs)))
	if err := chromedp.Cancel(d.browserCtx); err != nil && err != context.Canceled {
		d.logger.Debug("Browser cancel reported an error.", zap.Error(err))
	}
	d.browserCancel()
	d.allocCancel()
	return nil
}
