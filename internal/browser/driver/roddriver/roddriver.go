// Package roddriver drives Chromium through go-rod, with the go-rod/stealth
// evasions applied to every page.
package roddriver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
)

// Driver owns a rod browser connection.
type Driver struct {
	opts    driver.Options
	logger  *zap.Logger
	browser *rod.Browser
	lnch    *launcher.Launcher

	mu     sync.Mutex
	closed bool
}

var _ driver.Driver = (*Driver)(nil)

// New launches a local Chrome, or connects to opts.RemoteURL when set.
func New(ctx context.Context, opts driver.Options) (*Driver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{opts: opts, logger: logger.Named("rod")}

	wsURL := opts.RemoteURL
	if wsURL != "" {
		d.logger.Info("Connecting to remote browser.", zap.String("url", wsURL))
	} else {
		l := launcher.New().Context(ctx).Headless(opts.Headless).
			Set("disable-blink-features", "AutomationControlled").
			Set("window-size", fmt.Sprintf("%d,%d", opts.Persona.Width, opts.Persona.Height))
		if opts.UserAgent != "" {
			l = l.Set("user-agent", opts.UserAgent)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		d.lnch = l
		d.logger.Info("Launched local chrome.", zap.String("url", wsURL), zap.Bool("headless", opts.Headless))
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		d.cleanup()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	d.browser = b

	if opts.IgnoreTLSErrors {
		if err := b.IgnoreCertErrors(true); err != nil {
			d.logger.Warn("Ignoring certificate errors failed.", zap.Error(err))
		}
	}
	return d, nil
}

// OpenTab creates a page, with stealth evasions when configured.
func (d *Driver) OpenTab(ctx context.Context) (driver.Tab, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, schemas.NewDriverError(schemas.DriverDisconnected, "open tab", errors.New("browser closed"))
	}

	var (
		page *rod.Page
		err  error
	)
	if d.opts.Stealth {
		page, err = stealth.Page(d.browser)
	} else {
		page, err = d.browser.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, classify("open tab", err, nil)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             int(d.opts.Persona.Width),
		Height:            int(d.opts.Persona.Height),
		DeviceScaleFactor: 1,
	}); err != nil {
		_ = page.Close()
		return nil, classify("open tab", err, nil)
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		_ = page.Close()
		return nil, classify("open tab", err, nil)
	}
	return newTab(page, d.logger), nil
}

// Close shuts the browser down and removes a launched process.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.cleanup()
	return nil
}

func (d *Driver) cleanup() {
	if d.browser != nil {
		if err := d.browser.Close(); err != nil {
			d.logger.Debug("Browser close reported an error.", zap.Error(err))
		}
		d.browser = nil
	}
	if d.lnch != nil {
		d.lnch.Cleanup()
		d.lnch = nil
	}
}
