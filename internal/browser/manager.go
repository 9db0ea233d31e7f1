// Package browser launches browser engines and hands out sessions on them.
package browser

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver/chrome"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver/memdriver"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver/roddriver"
	"github.com/xkilldash9x/wayfinder/internal/browser/session"
	"github.com/xkilldash9x/wayfinder/internal/config"
	"github.com/xkilldash9x/wayfinder/internal/observability"
)

const shutdownGracePeriod = 15 * time.Second

// ErrManagerClosed is returned by Open after Shutdown.
var ErrManagerClosed = errors.New("browser manager is shut down")

// Launcher starts a driver for the named engine.
type Launcher func(ctx context.Context, engine string, opts driver.Options) (driver.Driver, error)

// Launch is the default Launcher.
func Launch(ctx context.Context, engine string, opts driver.Options) (driver.Driver, error) {
	switch engine {
	case config.EngineChrome:
		return chrome.New(ctx, opts)
	case config.EngineRod:
		return roddriver.New(ctx, opts)
	case config.EngineMemory:
		return memdriver.New(opts), nil
	}
	return nil, fmt.Errorf("unknown browser engine %q", engine)
}

// Manager owns browser processes and the sessions opened on them. A driver
// is launched on first use for each engine and headless mode, and shared by
// every session that needs it.
type Manager struct {
	cfg     config.Interface
	logger  *zap.Logger
	metrics *observability.Metrics
	launch  Launcher

	launching singleflight.Group

	mu       sync.Mutex
	drivers  map[string]driver.Driver
	sessions map[string]*session.Session
	closed   bool
	wg       sync.WaitGroup
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithLauncher replaces the engine launcher.
func WithLauncher(fn Launcher) ManagerOption {
	return func(m *Manager) { m.launch = fn }
}

// WithMetrics records session metrics on metrics.
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a manager. No browser starts until the first Open.
func NewManager(cfg config.Interface, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = observability.GetLogger()
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger.Named("browser_manager"),
		launch:   Launch,
		drivers:  make(map[string]driver.Driver),
		sessions: make(map[string]*session.Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger.Debug("Browser manager created (launch deferred).", zap.String("engine", cfg.Browser().Engine))
	return m
}

// Open starts a session on the configured engine.
func (m *Manager) Open(ctx context.Context) (*session.Session, error) {
	return m.open(ctx, m.cfg.Browser().Headless)
}

// DemoOpen starts a session in a visible browser window, regardless of the
// headless setting.
func (m *Manager) DemoOpen(ctx context.Context) (*session.Session, error) {
	return m.open(ctx, false)
}

func (m *Manager) open(ctx context.Context, headless bool) (*session.Session, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}

	drv, err := m.driver(ctx, headless)
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)
	var s *session.Session
	s, err = session.Open(ctx, drv, m.cfg, m.logger,
		session.WithMetrics(m.metrics),
		session.WithOnClose(func() {
			m.mu.Lock()
			delete(m.sessions, s.ID())
			m.mu.Unlock()
			m.wg.Done()
			m.logger.Debug("Session removed from manager.", zap.String("session_id", s.ID()))
		}),
	)
	if err != nil {
		m.wg.Done()
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = s.Close(ctx)
		return nil, ErrManagerClosed
	}
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.logger.Info("New session created.", zap.String("session_id", s.ID()), zap.Bool("headless", headless))
	return s, nil
}

// driver returns the shared driver for the engine and headless mode,
// launching it once.
func (m *Manager) driver(ctx context.Context, headless bool) (driver.Driver, error) {
	bc := m.cfg.Browser()
	key := fmt.Sprintf("%s/headless=%t", bc.Engine, headless)

	m.mu.Lock()
	drv, ok := m.drivers[key]
	m.mu.Unlock()
	if ok {
		return drv, nil
	}

	v, err, _ := m.launching.Do(key, func() (any, error) {
		m.mu.Lock()
		if d, ok := m.drivers[key]; ok {
			m.mu.Unlock()
			return d, nil
		}
		m.mu.Unlock()

		opts := driver.OptionsFromConfig(bc, m.logger)
		opts.Headless = headless
		m.logger.Info("Launching browser.", zap.String("engine", bc.Engine), zap.Bool("headless", headless))
		d, err := m.launch(ctx, bc.Engine, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to launch %s browser: %w", bc.Engine, err)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			_ = d.Close()
			return nil, ErrManagerClosed
		}
		m.drivers[key] = d
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(driver.Driver), nil
}

// Session looks up an open session by ID.
func (m *Manager) Session(id string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions lists the IDs of open sessions, sorted.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Shutdown closes every session concurrently, then every browser. Sessions
// still open when ctx ends are abandoned to the browser teardown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()
	m.logger.Info("Shutting down browser manager.", zap.Int("sessions", len(open)))

	var g errgroup.Group
	for _, s := range open {
		g.Go(func() error {
			if err := s.Close(ctx); err != nil {
				m.logger.Warn("Error during session close in shutdown.", zap.String("session_id", s.ID()), zap.Error(err))
				return err
			}
			return nil
		})
	}
	closeErr := g.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Debug("All sessions closed gracefully.")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for sessions to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
	case <-time.After(shutdownGracePeriod):
		m.logger.Warn("Sessions did not close within the grace period.")
	}

	m.mu.Lock()
	drivers := make([]driver.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		drivers = append(drivers, d)
	}
	clear(m.drivers)
	m.mu.Unlock()

	var errs []error
	if closeErr != nil {
		errs = append(errs, closeErr)
	}
	for _, d := range drivers {
		if err := d.Close(); err != nil {
			m.logger.Error("Failed to close browser.", zap.Error(err))
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}
	m.logger.Info("Browser manager shutdown complete.")
	return errors.Join(errs...)
}
