package dom

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
	"github.com/xkilldash9x/wayfinder/internal/config"
)

// Monitor polls a page in the background and feeds every snapshot to a
// tracker, whose listeners publish the resulting change sets.
type Monitor struct {
	tab     driver.Tab
	capture CaptureFunc
	tracker *Tracker
	gate    *Gate
	cfg     config.MonitorConfig
	logger  *zap.Logger
	onError func(error)
}

// MonitorOptions wires a monitor to one session's page.
type MonitorOptions struct {
	Tab     driver.Tab
	Capture CaptureFunc
	Tracker *Tracker
	Gate    *Gate
	Config  config.MonitorConfig
	Logger  *zap.Logger
	// OnError is told about a lost connection and about captures that keep
	// failing past the configured threshold.
	OnError func(error)
}

// NewMonitor builds a monitor. Capture defaults to dom.Capture on Tab.
func NewMonitor(opts MonitorOptions) *Monitor {
	m := &Monitor{
		tab:     opts.Tab,
		capture: opts.Capture,
		tracker: opts.Tracker,
		gate:    opts.Gate,
		cfg:     opts.Config,
		logger:  opts.Logger,
		onError: opts.OnError,
	}
	if m.capture == nil {
		m.capture = func(ctx context.Context) (*Snapshot, error) { return Capture(ctx, opts.Tab) }
	}
	if m.gate == nil {
		m.gate = &Gate{}
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.Named("monitor")
	if m.onError == nil {
		m.onError = func(error) {}
	}
	return m
}

// Run polls until ctx is done or the driver disconnects. Stale captures are
// absorbed; the baseline is reset when the page navigated underneath them.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg.PollInterval
	if interval <= 0 {
		interval = config.NewDefaultConfig().Monitor().PollInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	m.logger.Debug("Monitor started.", zap.Duration("interval", interval))

	var (
		failures int
		resync   bool
	)
	for {
		if err := limiter.Wait(ctx); err != nil {
			m.logger.Debug("Monitor stopped.")
			return nil
		}
		release, ok := m.gate.TryPoll()
		if !ok {
			// An operation owns the page right now.
			continue
		}

		snap, err := m.capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				release()
				return nil
			}
			if schemas.IsDisconnected(err) {
				release()
				m.logger.Warn("Monitor lost the browser connection.", zap.Error(err))
				m.onError(err)
				return err
			}
			failures++
			resync = resync || m.navigatedAway(ctx)
			release()
			m.logger.Debug("Monitor capture was stale.", zap.Int("consecutive", failures), zap.Error(err))
			if threshold := m.cfg.StaleReportThreshold; threshold > 0 && failures == threshold {
				m.onError(fmt.Errorf("%d consecutive captures failed: %w", failures, err))
			}
			continue
		}

		failures = 0
		if resync {
			m.logger.Debug("Page changed during a stale capture; resetting baseline.", zap.String("url", snap.URL))
			m.tracker.Reset(snap)
			resync = false
		} else {
			m.tracker.Observe(snap)
		}
		release()
	}
}

// navigatedAway compares the live URL with the tracked one.
func (m *Monitor) navigatedAway(ctx context.Context) bool {
	st, err := m.tab.LoadState(ctx)
	if err != nil {
		return false
	}
	last := m.tracker.Latest()
	return last == nil || last.URL != st.URL
}
