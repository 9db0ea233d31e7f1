package browser_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver/memdriver"
	"github.com/xkilldash9x/wayfinder/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// launches records every driver the manager starts.
type launches struct {
	mu      sync.Mutex
	opts    []driver.Options
	drivers []*memdriver.Driver
}

func (l *launches) launch(_ context.Context, engine string, opts driver.Options) (driver.Driver, error) {
	if engine != config.EngineMemory {
		return nil, errors.New("only the memory engine is available in tests")
	}
	d := memdriver.New(opts)
	d.Serve("https://app.test/", memdriver.Site{HTML: `<html><body><button>Go</button></body></html>`})
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opts = append(l.opts, opts)
	l.drivers = append(l.drivers, d)
	return d, nil
}

func (l *launches) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.drivers)
}

func newManager(t *testing.T) (*browser.Manager, *launches) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.SetBrowserEngine(config.EngineMemory)
	cfg.MonitorCfg.Enabled = false
	cfg.ReadinessCfg.PollInterval = 10 * time.Millisecond

	l := &launches{}
	m := browser.NewManager(cfg, zaptest.NewLogger(t), browser.WithLauncher(l.launch))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, l
}

func TestManagerSharesDrivers(t *testing.T) {
	m, l := newManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Open(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, l.count(), "concurrent opens share one launch")
	assert.Len(t, m.Sessions(), 4)
	assert.Len(t, l.drivers[0].Tabs(), 4)
	assert.True(t, l.opts[0].Headless)

	demo, err := m.DemoOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, l.count(), "a visible browser is a separate launch")
	assert.False(t, l.opts[1].Headless)

	got, ok := m.Session(demo.ID())
	require.True(t, ok)
	assert.Same(t, demo, got)
}

func TestManagerForgetsClosedSessions(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	s, err := m.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, s.NavigateSmart(ctx, "https://app.test/"))
	require.NoError(t, s.Close(ctx))

	_, ok := m.Session(s.ID())
	assert.False(t, ok)
	assert.Empty(t, m.Sessions())
}

func TestManagerShutdown(t *testing.T) {
	m, l := newManager(t)
	ctx := context.Background()

	a, err := m.Open(ctx)
	require.NoError(t, err)
	b, err := m.Open(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, schemas.StateClosed, a.State())
	assert.Equal(t, schemas.StateClosed, b.State())
	for _, tab := range l.drivers[0].Tabs() {
		assert.Equal(t, 1, tab.CloseCalls())
	}

	_, err = m.Open(ctx)
	assert.ErrorIs(t, err, browser.ErrManagerClosed)
	assert.NoError(t, m.Shutdown(ctx), "shutdown is idempotent")
}

func TestManagerLaunchFailure(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.SetBrowserEngine(config.EngineRod)
	l := &launches{}
	m := browser.NewManager(cfg, zaptest.NewLogger(t), browser.WithLauncher(l.launch))
	defer m.Shutdown(context.Background())

	_, err := m.Open(context.Background())
	assert.ErrorContains(t, err, "failed to launch rod browser")
	assert.Empty(t, m.Sessions())
}

func TestLaunchUnknownEngine(t *testing.T) {
	_, err := browser.Launch(context.Background(), "netscape", driver.Options{})
	assert.ErrorContains(t, err, "unknown browser engine")

	d, err := browser.Launch(context.Background(), config.EngineMemory, driver.Options{})
	require.NoError(t, err)
	assert.NoError(t, d.Close())
}
