// Package session binds one browser tab to readiness detection, change
// tracking, classification and interaction behind a single state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/classify"
	"github.com/xkilldash9x/wayfinder/internal/browser/dom"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
	"github.com/xkilldash9x/wayfinder/internal/browser/interact"
	"github.com/xkilldash9x/wayfinder/internal/browser/readiness"
	"github.com/xkilldash9x/wayfinder/internal/config"
	"github.com/xkilldash9x/wayfinder/internal/observability"
)

// closeTimeout bounds tab teardown when the caller's context carries no deadline.
const closeTimeout = 10 * time.Second

// Session owns one tab. Mutating operations run one at a time; reads of
// State, PageState and InteractionLog never block on them.
type Session struct {
	id      string
	ctx     context.Context
	cancel  context.CancelCauseFunc
	logger  *zap.Logger
	cfg     config.Interface
	metrics *observability.Metrics
	tab     driver.Tab

	// ops serializes mutating operations; gate pauses the monitor while one runs.
	ops        *semaphore.Weighted
	gate       *dom.Gate
	tracker    *dom.Tracker
	hub        *dom.Hub
	detector   *readiness.Detector
	classifier *classify.Classifier
	engine     *interact.Engine
	minArea    float64

	monitorDone chan struct{}

	mu         sync.Mutex
	state      schemas.SessionState
	page       schemas.PageState
	brokenErr  error
	reported   bool
	classified *dom.Snapshot
	elements   []schemas.ElementDescriptor

	onClose   func()
	closeOnce sync.Once
}

// Option customizes a session at Open.
type Option func(*Session)

// WithMetrics records session activity on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithOnClose registers fn to run once the session has closed.
func WithOnClose(fn func()) Option {
	return func(s *Session) { s.onClose = fn }
}

// Open creates a tab on drv and starts the session in the Open state. The
// session outlives ctx; only Close ends it.
func Open(ctx context.Context, drv driver.Driver, cfg config.Interface, logger *zap.Logger, opts ...Option) (*Session, error) {
	if logger == nil {
		logger = observability.GetLogger()
	}
	id := uuid.New().String()
	log := logger.With(zap.String("session_id", id))

	tab, err := drv.OpenTab(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}

	sessCtx, cancel := context.WithCancelCause(Detach(ctx))
	s := &Session{
		id:      id,
		ctx:     sessCtx,
		cancel:  cancel,
		logger:  log,
		cfg:     cfg,
		tab:     tab,
		ops:     semaphore.NewWeighted(1),
		gate:    &dom.Gate{},
		tracker: dom.NewTracker(),
		state:   schemas.StateOpen,
		page:    schemas.PageState{Readiness: schemas.ReadinessUnknown},
		minArea: cfg.Monitor().MinArea,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = dom.NewHub(log, s.metrics, cfg.Monitor().SubscriberBuffer)
	s.tracker.OnChange(s.publish)
	s.detector = readiness.NewDetector(cfg.Readiness(), log)
	s.classifier = classify.New(cfg.Classifier(), log)
	s.engine = interact.NewEngine(interact.Options{
		Tab:         tab,
		Capture:     s.capture,
		Latest:      s.tracker.Latest,
		Retry:       cfg.Retry(),
		Interaction: cfg.Interaction(),
		MinArea:     cfg.Readiness().MinArea,
		Logger:      log,
		Metrics:     s.metrics,
	})

	if mc := cfg.Monitor(); mc.Enabled {
		mon := dom.NewMonitor(dom.MonitorOptions{
			Tab:     tab,
			Capture: s.rawCapture,
			Tracker: s.tracker,
			Gate:    s.gate,
			Config:  mc,
			Logger:  log,
			OnError: s.monitorError,
		})
		s.monitorDone = make(chan struct{})
		go func() {
			defer close(s.monitorDone)
			_ = mon.Run(s.ctx)
		}()
	}

	s.metrics.SessionOpened()
	log.Info("Session opened.", zap.Bool("monitor", s.monitorDone != nil))
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() schemas.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PageState summarizes the current page, refreshed from the latest snapshot.
func (s *Session) PageState() schemas.PageState {
	s.mu.Lock()
	p := s.page
	s.mu.Unlock()
	if latest := s.tracker.Latest(); latest != nil && latest.CapturedAt.After(p.SnapshotAt) {
		p.URL = latest.URL
		p.NodeCount = latest.Len()
		p.SnapshotAt = latest.CapturedAt
	}
	return p
}

// InteractionLog returns recent interaction records, oldest first.
func (s *Session) InteractionLog() []schemas.InteractionRecord {
	return s.engine.Log().Records()
}

// -- Operations --

// NavigateSmart loads url and waits until the page is Settled or
// MostlyStable. When the load event never fires within the navigation budget
// the session stays Navigating and a *schemas.NavError wrapping
// schemas.ErrTimeout is returned.
func (s *Session) NavigateSmart(ctx context.Context, url string) (err error) {
	ctx, done, err := s.begin(ctx, "navigate", schemas.StateOpen, schemas.StateSettled, schemas.StateNavigating)
	if err != nil {
		return err
	}
	defer done()

	ctx, span := observability.StartSpan(ctx, "session.NavigateSmart",
		observability.AttrSessionID.String(s.id),
		observability.AttrURL.String(url),
	)
	defer func() { observability.EndSpan(span, err) }()

	release := s.gate.Hold()
	defer release()

	s.mu.Lock()
	from, prevURL := s.state, s.page.URL
	s.mu.Unlock()
	s.setState(schemas.StateNavigating)
	s.logger.Info("Navigating.", zap.String("url", url))

	start := time.Now()
	if err := s.tab.Navigate(ctx, url); err != nil {
		s.metrics.ObserveNavigation("error", time.Since(start))
		if s.fail(err) {
			return err
		}
		s.setState(from)
		return &schemas.NavError{URL: url, Elapsed: time.Since(start), Err: err}
	}
	return s.settle(ctx, url, prevURL, start)
}

// settle waits for readiness after a navigation and records the verdict.
func (s *Session) settle(ctx context.Context, url, prevURL string, start time.Time) error {
	v, err := s.detector.Wait(ctx, s.tab, s.tracker.Latest(), prevURL)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, schemas.ErrTimeout) {
			s.metrics.ObserveNavigation("timeout", elapsed)
			page := schemas.PageState{
				URL:       url,
				Readiness: schemas.ReadinessLoading,
				LastError: err.Error(),
			}
			if v.Snapshot != nil {
				s.tracker.Sync(v.Snapshot)
				page.URL, page.NodeCount, page.SnapshotAt = v.Snapshot.URL, v.Snapshot.Len(), v.Snapshot.CapturedAt
			}
			s.mu.Lock()
			s.page = page
			s.mu.Unlock()
			s.logger.Warn("Page did not finish loading.", zap.String("url", url), zap.Duration("elapsed", elapsed))
			return &schemas.NavError{URL: url, Elapsed: elapsed, Err: err}
		}
		s.metrics.ObserveNavigation("error", elapsed)
		s.fail(err)
		return err
	}

	s.tracker.Sync(v.Snapshot)
	s.metrics.ObserveNavigation(string(v.Readiness), elapsed)
	s.mu.Lock()
	s.page = schemas.PageState{
		URL:           v.Snapshot.URL,
		Readiness:     v.Readiness,
		NodeCount:     v.Snapshot.Len(),
		SnapshotAt:    v.Snapshot.CapturedAt,
		LastSettledAt: time.Now(),
	}
	s.mu.Unlock()
	s.setState(schemas.StateSettled)
	s.logger.Info("Page ready.",
		zap.String("url", v.Snapshot.URL),
		zap.String("readiness", string(v.Readiness)),
		zap.Duration("elapsed", elapsed),
		zap.Int("polls", v.Polls),
	)
	return nil
}

// GetElements classifies the current page. A snapshot younger than the
// retry staleness window is reused; otherwise the page is captured again.
func (s *Session) GetElements(ctx context.Context) ([]schemas.ElementDescriptor, error) {
	ctx, done, err := s.begin(ctx, "get elements")
	if err != nil {
		return nil, err
	}
	defer done()

	snap := s.tracker.Latest()
	if snap == nil || snap.Age(time.Now()) > s.cfg.Retry().StalenessWindow {
		if snap, err = s.capture(ctx); err != nil {
			s.fail(err)
			return nil, err
		}
	}
	return s.classify(snap), nil
}

// WaitForElement polls until an element matching q appears. A timeout of
// zero uses the configured element timeout.
func (s *Session) WaitForElement(ctx context.Context, q classify.Query, timeout time.Duration) (schemas.ElementDescriptor, error) {
	if timeout <= 0 {
		timeout = s.cfg.Interaction().ElementTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.Readiness().PollInterval)
	defer ticker.Stop()
	for {
		d, found, err := s.findOnce(waitCtx, q)
		switch {
		case found:
			return d, nil
		case err != nil && waitCtx.Err() == nil:
			if !schemas.IsTransient(err) {
				return schemas.ElementDescriptor{}, err
			}
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return schemas.ElementDescriptor{}, ctx.Err()
			}
			return schemas.ElementDescriptor{}, fmt.Errorf("%w: no %s labeled %q within %s",
				schemas.ErrElementNotFound, roleOrAny(q.Role), q.Label, timeout)
		case <-ticker.C:
		}
	}
}

func (s *Session) findOnce(ctx context.Context, q classify.Query) (schemas.ElementDescriptor, bool, error) {
	ctx, done, err := s.begin(ctx, "wait for element")
	if err != nil {
		return schemas.ElementDescriptor{}, false, err
	}
	defer done()
	snap, err := s.capture(ctx)
	if err != nil {
		s.fail(err)
		return schemas.ElementDescriptor{}, false, err
	}
	d, ok := q.First(s.classify(snap))
	return d, ok, nil
}

func roleOrAny(r schemas.Role) string {
	if r == "" {
		return "element"
	}
	return string(r)
}

// Act performs action on the element with the given key. It is only valid
// while Settled. An action that navigates waits for the new page to settle
// before returning.
func (s *Session) Act(ctx context.Context, key string, action schemas.Action) (res interact.Result, err error) {
	ctx, done, err := s.begin(ctx, "act", schemas.StateSettled)
	if err != nil {
		return interact.Result{Key: key, Action: action.Kind}, err
	}
	defer done()

	ctx, span := observability.StartSpan(ctx, "session.Act",
		observability.AttrSessionID.String(s.id),
		observability.AttrElement.String(key),
		observability.AttrAction.String(string(action.Kind)),
	)
	defer func() { observability.EndSpan(span, err) }()

	release := s.gate.Hold()
	defer release()

	s.mu.Lock()
	prevURL := s.page.URL
	s.mu.Unlock()
	s.setState(schemas.StateInteracting)

	start := time.Now()
	res, err = s.engine.Act(ctx, key, action)
	if err != nil {
		if !s.fail(err) {
			s.setState(schemas.StateSettled)
		}
		return res, err
	}
	if res.Navigated {
		s.setState(schemas.StateNavigating)
		return res, s.settle(ctx, res.URL, prevURL, start)
	}
	s.setState(schemas.StateSettled)
	return res, nil
}

// SubscribeChanges yields significant change sets until ctx is done, the
// consumer stops, or the session closes. Each call is an independent
// subscription; a slow consumer misses change sets rather than stalling the
// session.
func (s *Session) SubscribeChanges(ctx context.Context) iter.Seq[schemas.ChangeSet] {
	return func(yield func(schemas.ChangeSet) bool) {
		ch, unsubscribe := s.hub.Subscribe()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case cs, ok := <-ch:
				if !ok || !yield(cs) {
					return
				}
			}
		}
	}
}

// Screenshot returns a PNG of the viewport.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	ctx, done, err := s.begin(ctx, "screenshot")
	if err != nil {
		return nil, err
	}
	defer done()
	buf, err := s.tab.Screenshot(ctx, nil)
	if err != nil {
		s.fail(err)
		return nil, err
	}
	return buf, nil
}

// Close stops the monitor, closes the tab and ends every subscription. It is
// valid in any state and safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Info("Closing session.")
		s.mu.Lock()
		broken := s.state == schemas.StateBroken
		s.state = schemas.StateClosed
		s.mu.Unlock()

		s.cancel(schemas.ErrSessionClosed)
		if s.monitorDone != nil {
			<-s.monitorDone
		}

		closeCtx, cancel := context.WithTimeout(Detach(ctx), closeTimeout)
		defer cancel()
		// In-flight operations observe the cancellation and give up the slot.
		if s.ops.Acquire(closeCtx, 1) == nil {
			defer s.ops.Release(1)
		}
		if cerr := s.tab.Close(closeCtx); cerr != nil {
			if broken || schemas.IsDisconnected(cerr) {
				s.logger.Debug("Tab was already gone.", zap.Error(cerr))
			} else {
				err = fmt.Errorf("failed to close tab: %w", cerr)
			}
		}
		s.hub.Close()
		s.metrics.SessionClosed()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return err
}

// -- State machine --

// begin checks that op is allowed in the current state and takes the
// operation slot. The returned context is also canceled by Close.
func (s *Session) begin(ctx context.Context, op string, allowed ...schemas.SessionState) (context.Context, func(), error) {
	if err := s.admit(op, allowed); err != nil {
		return nil, nil, err
	}
	opCtx, cancel := CombineContext(ctx, s.ctx)
	if err := s.ops.Acquire(opCtx, 1); err != nil {
		cancel()
		if s.ctx.Err() != nil {
			return nil, nil, schemas.ErrSessionClosed
		}
		return nil, nil, err
	}
	// The state may have moved while waiting for the slot.
	if err := s.admit(op, allowed); err != nil {
		s.ops.Release(1)
		cancel()
		return nil, nil, err
	}
	return opCtx, func() {
		cancel()
		s.ops.Release(1)
	}, nil
}

func (s *Session) admit(op string, allowed []schemas.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case schemas.StateClosed:
		return schemas.ErrSessionClosed
	case schemas.StateBroken:
		if !s.reported {
			s.reported = true
			return s.brokenErr
		}
		return fmt.Errorf("%w: %w", schemas.ErrSessionBroken, s.brokenErr)
	}
	if len(allowed) > 0 && !slices.Contains(allowed, s.state) {
		return fmt.Errorf("%w: cannot %s while %s", schemas.ErrInvalidState, op, s.state)
	}
	return nil
}

// setState moves to st unless the session already reached a terminal state.
func (s *Session) setState(st schemas.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == schemas.StateClosed || s.state == schemas.StateBroken {
		return
	}
	s.state = st
}

// fail marks the session Broken when err is a lost connection. The caller
// returns err itself, so the disconnect counts as reported.
func (s *Session) fail(err error) bool {
	if !schemas.IsDisconnected(err) {
		return false
	}
	s.markBroken(err, true)
	return true
}

func (s *Session) markBroken(err error, reported bool) {
	s.mu.Lock()
	if s.state == schemas.StateClosed || s.state == schemas.StateBroken {
		s.mu.Unlock()
		return
	}
	s.state = schemas.StateBroken
	s.brokenErr = err
	s.reported = reported
	s.page.LastError = err.Error()
	s.mu.Unlock()
	s.logger.Error("Browser connection lost; the session is broken.", zap.Error(err))
}

// monitorError handles failures reported by the background monitor.
func (s *Session) monitorError(err error) {
	if schemas.IsDisconnected(err) {
		s.markBroken(err, false)
		return
	}
	s.mu.Lock()
	s.page.LastError = err.Error()
	s.mu.Unlock()
	s.logger.Warn("Page captures keep failing.", zap.Error(err))
}

// -- Capture and classification --

// rawCapture snapshots the tab and counts the attempt.
func (s *Session) rawCapture(ctx context.Context) (*dom.Snapshot, error) {
	snap, err := dom.Capture(ctx, s.tab)
	s.metrics.ObserveCapture(err == nil)
	return snap, err
}

// capture snapshots the tab and feeds the tracker, which publishes the
// resulting changes.
func (s *Session) capture(ctx context.Context) (*dom.Snapshot, error) {
	snap, err := s.rawCapture(ctx)
	if err != nil {
		return nil, err
	}
	s.tracker.Sync(snap)
	return snap, nil
}

// publish forwards the visible part of a change set to subscribers. It runs
// with the tracker locked.
func (s *Session) publish(cs schemas.ChangeSet, prev, next *dom.Snapshot) {
	if sig := dom.Significant(cs, prev, next, s.minArea); !sig.Empty() {
		s.hub.Publish(sig)
	}
}

// classify returns the classification of snap, updating the cached one
// incrementally when snap shows the same document.
func (s *Session) classify(snap *dom.Snapshot) []schemas.ElementDescriptor {
	s.mu.Lock()
	prevSnap, prevElems := s.classified, s.elements
	s.mu.Unlock()

	var elems []schemas.ElementDescriptor
	switch {
	case prevSnap == snap:
		elems = prevElems
	case prevSnap != nil && dom.SameDocument(prevSnap.URL, snap.URL):
		elems = s.classifier.Update(prevElems, snap, dom.Diff(prevSnap, snap))
	default:
		elems = s.classifier.Classify(snap)
	}

	s.mu.Lock()
	s.classified, s.elements = snap, elems
	s.mu.Unlock()
	return slices.Clone(elems)
}
