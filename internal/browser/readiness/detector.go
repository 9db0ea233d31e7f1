// Package readiness decides when a page has finished loading and its DOM has
// stopped changing in ways a user could see.
package readiness

import (
	"context"
	"errors"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/dom"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
	"github.com/xkilldash9x/wayfinder/internal/config"
)

// Verdict is the outcome of a successful wait.
type Verdict struct {
	Readiness schemas.Readiness
	// Snapshot is the last capture taken, suitable as the new baseline.
	Snapshot *dom.Snapshot
	Elapsed  time.Duration
	Polls    int
}

// Detector polls a tab until its page settles.
type Detector struct {
	cfg    config.ReadinessConfig
	logger *zap.Logger
	// capture is swapped in tests.
	capture func(ctx context.Context, tab driver.Tab) (*dom.Snapshot, error)
}

// NewDetector creates a detector.
func NewDetector(cfg config.ReadinessConfig, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		cfg:     cfg,
		logger:  logger.Named("readiness"),
		capture: dom.Capture,
	}
}

// Wait polls tab until the page is Settled or MostlyStable.
//
// Settled requires the load event to have fired, no pending requests and
// SettleConfirmations consecutive polls without significant DOM change. A
// fragment-only change from prevURL of a known baseline keeps the document,
// so a single quiet poll interval after the first capture suffices. Once loaded, a page that keeps changing past
// SettleCeiling is MostlyStable. Wait fails with schemas.ErrTimeout only when
// the load event does not fire within NavigationBudget.
func (d *Detector) Wait(ctx context.Context, tab driver.Tab, baseline *dom.Snapshot, prevURL string) (Verdict, error) {
	start := time.Now()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	var (
		prev     *dom.Snapshot
		last     *dom.Snapshot
		quiet    int
		polls    int
		loadedAt time.Time
		required = max(d.cfg.SettleConfirmations, 1)
	)
	verdict := func(r schemas.Readiness) Verdict {
		return Verdict{Readiness: r, Snapshot: last, Elapsed: time.Since(start), Polls: polls}
	}

	for {
		snap, err := d.capture(ctx, tab)
		switch {
		case err == nil:
			polls++
			last = snap
			if polls == 1 && baseline != nil && isFragmentChange(prevURL, snap.URL) {
				required = 1
				d.logger.Debug("Fragment-only navigation; expecting the same document.",
					zap.String("url", snap.URL),
					zap.Int("changes", dom.Diff(baseline, snap).Size()),
				)
			}

			loaded := snap.Loaded()
			if loaded && loadedAt.IsZero() {
				loadedAt = time.Now()
			}
			cs := dom.Significant(dom.Diff(prev, snap), prev, snap, d.cfg.MinArea)
			if loaded && snap.PendingRequests == 0 && cs.Empty() && prev != nil {
				quiet++
			} else {
				quiet = 0
			}
			prev = snap

			if quiet >= required {
				v := verdict(schemas.ReadinessSettled)
				d.logger.Debug("Page settled.", zap.Int("polls", v.Polls), zap.Duration("elapsed", v.Elapsed))
				return v, nil
			}
			if loaded && time.Since(loadedAt) >= d.cfg.SettleCeiling {
				v := verdict(schemas.ReadinessMostlyStable)
				d.logger.Info("Page loaded but kept changing; accepting it as mostly stable.",
					zap.String("url", snap.URL),
					zap.Int("last_changes", cs.Size()),
					zap.Int("pending_requests", snap.PendingRequests),
				)
				return v, nil
			}
		case schemas.IsDisconnected(err):
			return verdict(schemas.ReadinessUnknown), err
		case ctx.Err() != nil:
			return verdict(schemas.ReadinessUnknown), ctx.Err()
		case errors.Is(err, schemas.ErrStaleCapture):
			// The document was swapped mid-capture; a navigation is in flight.
			quiet = 0
			prev = nil
			d.logger.Debug("Capture failed during navigation.", zap.Error(err))
		default:
			return verdict(schemas.ReadinessUnknown), err
		}

		if loadedAt.IsZero() && time.Since(start) >= d.cfg.NavigationBudget {
			return verdict(schemas.ReadinessLoading), schemas.ErrTimeout
		}

		select {
		case <-ctx.Done():
			return verdict(schemas.ReadinessUnknown), ctx.Err()
		case <-ticker.C:
		}
	}
}

// isFragmentChange reports whether next differs from prev only by fragment.
func isFragmentChange(prev, next string) bool {
	if prev == "" || prev == next {
		return false
	}
	p, err := url.Parse(prev)
	if err != nil {
		return false
	}
	n, err := url.Parse(next)
	if err != nil {
		return false
	}
	p.Fragment, n.Fragment = "", ""
	p.RawFragment, n.RawFragment = "", ""
	return p.String() == n.String()
}
