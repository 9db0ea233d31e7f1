// Package interact performs actions on elements identified by stable key,
// retrying through transient staleness and verifying each action's effect.
package interact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/dom"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
	"github.com/xkilldash9x/wayfinder/internal/config"
	"github.com/xkilldash9x/wayfinder/internal/observability"
)

// Outcomes recorded in the log and in metrics.
const (
	OutcomeOK       = "ok"
	OutcomeNoOp     = "noop"
	OutcomeRetry    = "retry"
	OutcomeFailed   = "failed"
	OutcomeNotFound = "not_found"
)

// errNoProgress is the verification failure of a Type whose field never
// moved toward the typed text.
var errNoProgress = errors.New("field value did not change toward the typed text")

// Result describes a completed action.
type Result struct {
	Key      string
	Action   schemas.ActionKind
	Attempts int
	// NoOp is set when a click produced no visible change within the grace period.
	NoOp bool
	// Navigated is set when the page URL changed after the action.
	Navigated bool
	URL       string
	// Screenshot holds PNG bytes for ScreenshotOf.
	Screenshot []byte
}

// Options wire an engine to a session's page.
type Options struct {
	Tab driver.Tab
	// Capture takes a fresh snapshot. Sessions pass one that also feeds their tracker.
	Capture dom.CaptureFunc
	// Latest returns the most recent snapshot without capturing.
	Latest      func() *dom.Snapshot
	Retry       config.RetryPolicy
	Interaction config.InteractionConfig
	// MinArea is the size below which DOM changes do not count as a click effect.
	MinArea float64
	Log     *Log
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Engine runs one action at a time; callers serialize Act.
type Engine struct {
	tab     driver.Tab
	capture dom.CaptureFunc
	latest  func() *dom.Snapshot
	retry   config.RetryPolicy
	cfg     config.InteractionConfig
	minArea float64
	log     *Log
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewEngine creates an engine.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		tab:     opts.Tab,
		capture: opts.Capture,
		latest:  opts.Latest,
		retry:   opts.Retry,
		cfg:     opts.Interaction,
		minArea: opts.MinArea,
		log:     opts.Log,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     time.Now,
	}
	if e.capture == nil {
		e.capture = func(ctx context.Context) (*dom.Snapshot, error) { return dom.Capture(ctx, opts.Tab) }
	}
	if e.latest == nil {
		e.latest = func() *dom.Snapshot { return nil }
	}
	if e.log == nil {
		e.log = NewLog(opts.Interaction.LogSize)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("interact")
	if e.retry.MaxAttempts < 1 {
		e.retry.MaxAttempts = 1
	}
	return e
}

// Log returns the engine's interaction log.
func (e *Engine) Log() *Log { return e.log }

// Act performs action on the element with the given stable key.
//
// Each attempt resolves the key, acts and verifies. Transient driver failures
// and failed verifications are retried with backoff, re-resolving against a
// fresh capture; a key absent from a fresh capture fails at once with
// schemas.ErrElementNotFound. When the budget is exhausted the error is a
// *schemas.InteractionFailed.
func (e *Engine) Act(ctx context.Context, key string, action schemas.Action) (res Result, err error) {
	ctx, span := observability.StartSpan(ctx, "interact.Act",
		observability.AttrElement.String(key),
		observability.AttrAction.String(string(action.Kind)),
	)
	defer func() {
		span.SetAttributes(observability.AttrAttempts.Int(res.Attempts))
		observability.EndSpan(span, err)
	}()

	logger := e.logger.With(zap.String("key", key), zap.Stringer("action", action.Kind))
	res = Result{Key: key, Action: action.Kind}

	var (
		lastErr error
		lastAge time.Duration
		// typedFrom is the field value before the first keystroke. Once
		// typed, a retry re-checks the field instead of typing again.
		typedFrom string
		typed     bool
	)
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		res.Attempts = attempt
		if attempt > 1 {
			if err := sleep(ctx, e.retry.Delay(attempt-1)); err != nil {
				return res, err
			}
		}

		// -- Resolving --
		node, snap, err := e.resolve(ctx, key, attempt > 1)
		if err != nil {
			if errors.Is(err, schemas.ErrElementNotFound) {
				e.record(key, action, attempt, schemas.PhaseFailed, OutcomeNotFound, err)
				e.metrics.ObserveInteraction(string(action.Kind), OutcomeNotFound, attempt)
				return res, err
			}
			if !retryable(ctx, err) {
				return res, err
			}
			e.record(key, action, attempt, schemas.PhaseResolving, OutcomeRetry, err)
			lastErr = err
			continue
		}
		lastAge = snap.Age(e.now())

		// -- Acting --
		retype := true
		if action.Kind == schemas.ActionType {
			if !typed {
				typedFrom = fieldValue(node)
			} else if fieldValue(node) != typedFrom {
				retype = false
			}
		}
		if retype {
			typed = typed || action.Kind == schemas.ActionType
			if err := e.perform(ctx, node, action, &res); err != nil {
				if !retryable(ctx, err) {
					e.record(key, action, attempt, schemas.PhaseFailed, OutcomeFailed, err)
					e.metrics.ObserveInteraction(string(action.Kind), OutcomeFailed, attempt)
					return res, err
				}
				logger.Debug("Action failed; will retry.", zap.Int("attempt", attempt), zap.Error(err))
				e.record(key, action, attempt, schemas.PhaseActing, OutcomeRetry, err)
				lastErr = err
				continue
			}
		} else {
			logger.Debug("Field changed since typing; verifying without typing again.", zap.Int("attempt", attempt))
		}

		// -- Verifying --
		if err := e.verify(ctx, snap, node, typedFrom, !retype, action, &res); err != nil {
			if !retryable(ctx, err) {
				return res, err
			}
			logger.Debug("Verification failed.", zap.Int("attempt", attempt), zap.Error(err))
			e.record(key, action, attempt, schemas.PhaseVerifying, OutcomeRetry, err)
			lastErr = err
			continue
		}

		outcome := OutcomeOK
		if res.NoOp {
			outcome = OutcomeNoOp
			logger.Info("Click produced no visible change.", zap.Duration("grace", e.cfg.ClickGrace))
		}
		e.record(key, action, attempt, schemas.PhaseDone, outcome, nil)
		e.metrics.ObserveInteraction(string(action.Kind), outcome, attempt)
		return res, nil
	}

	failed := &schemas.InteractionFailed{
		Key:         key,
		Action:      action.Kind,
		Attempts:    e.retry.MaxAttempts,
		LastReason:  lastErr,
		SnapshotAge: lastAge,
	}
	e.record(key, action, e.retry.MaxAttempts, schemas.PhaseFailed, OutcomeFailed, lastErr)
	e.metrics.ObserveInteraction(string(action.Kind), OutcomeFailed, e.retry.MaxAttempts)
	logger.Warn("Interaction failed.", zap.Int("attempts", failed.Attempts), zap.Error(lastErr))
	return res, failed
}

// retryable reports whether err may clear up on another attempt.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || schemas.IsDisconnected(err) {
		return false
	}
	return schemas.IsTransient(err) || errors.Is(err, errNoProgress)
}

// resolve finds key in a snapshot no older than the staleness window,
// capturing when needed. A miss in a cached snapshot is retried against a
// fresh capture before reporting ErrElementNotFound.
func (e *Engine) resolve(ctx context.Context, key string, force bool) (dom.NodeDescriptor, *dom.Snapshot, error) {
	snap := e.latest()
	fresh := false
	if force || snap == nil || snap.Age(e.now()) > e.retry.StalenessWindow {
		var err error
		if snap, err = e.capture(ctx); err != nil {
			return dom.NodeDescriptor{}, nil, err
		}
		fresh = true
	}
	if n, ok := snap.Lookup(key); ok {
		return n, snap, nil
	}
	if !fresh {
		var err error
		if snap, err = e.capture(ctx); err != nil {
			return dom.NodeDescriptor{}, nil, err
		}
		if n, ok := snap.Lookup(key); ok {
			return n, snap, nil
		}
	}
	return dom.NodeDescriptor{}, nil, fmt.Errorf("%w: %s", schemas.ErrElementNotFound, key)
}

func (e *Engine) perform(ctx context.Context, n dom.NodeDescriptor, action schemas.Action, res *Result) error {
	switch action.Kind {
	case schemas.ActionScreenshotOf:
		box := n.Box
		png, err := e.tab.Screenshot(ctx, &box)
		if err != nil {
			return err
		}
		res.Screenshot = png
		return nil
	case schemas.ActionClick, schemas.ActionType, schemas.ActionHover:
		return e.tab.Perform(ctx, driver.Interaction{
			Kind:     driver.InteractionKind(action.Kind),
			Handle:   n.Handle,
			Selector: n.Selector,
			Text:     action.Text,
		})
	}
	return fmt.Errorf("unsupported action %q", action.Kind)
}

// verify checks the effect of action. For Type, typedFrom is the field value
// before typing; complete demands the whole text rather than progress toward it.
func (e *Engine) verify(ctx context.Context, before *dom.Snapshot, n dom.NodeDescriptor, typedFrom string, complete bool, action schemas.Action, res *Result) error {
	switch action.Kind {
	case schemas.ActionClick:
		return e.verifyClick(ctx, before, res)
	case schemas.ActionType:
		return e.verifyType(ctx, n, typedFrom, action.Text, complete, res)
	case schemas.ActionScreenshotOf:
		if len(res.Screenshot) == 0 {
			return schemas.NewDriverError(schemas.DriverScriptError, "screenshot", errors.New("empty image"))
		}
	}
	return nil
}

// verifyClick waits up to the click grace period for a URL change or a
// significant DOM change. Neither is a no-op click, not a failure.
func (e *Engine) verifyClick(ctx context.Context, before *dom.Snapshot, res *Result) error {
	found, err := e.poll(ctx, e.cfg.ClickGrace, func(after *dom.Snapshot) bool {
		res.URL = after.URL
		if after.URL != before.URL {
			res.Navigated = true
			return true
		}
		return !dom.Significant(dom.Diff(before, after), before, after, e.minArea).Empty()
	})
	if err != nil {
		return err
	}
	res.NoOp = !found
	return nil
}

// verifyType waits for the field to move from start toward text. The field is
// found by key, or by handle when its key changed with its value.
func (e *Engine) verifyType(ctx context.Context, n dom.NodeDescriptor, start, text string, complete bool, res *Result) error {
	reached := movedToward
	if complete {
		reached = typedAll
	}
	found, err := e.poll(ctx, e.cfg.TypeVerifyTimeout, func(after *dom.Snapshot) bool {
		res.URL = after.URL
		field, ok := after.Lookup(n.Key)
		if !ok {
			if field, ok = after.ByHandle(n.Handle); !ok {
				return false
			}
		}
		return reached(start, fieldValue(field), text)
	})
	if err != nil {
		return err
	}
	if !found {
		return errNoProgress
	}
	return nil
}

// poll captures until cond holds or timeout passes. Stale captures are
// skipped. It always captures at least once.
func (e *Engine) poll(ctx context.Context, timeout time.Duration, cond func(*dom.Snapshot) bool) (bool, error) {
	interval := min(max(timeout/10, 10*time.Millisecond), 100*time.Millisecond)
	deadline := e.now().Add(timeout)
	for {
		snap, err := e.capture(ctx)
		switch {
		case err == nil:
			if cond(snap) {
				return true, nil
			}
		case !retryable(ctx, err):
			return false, err
		}
		if !e.now().Before(deadline) {
			return false, nil
		}
		if err := sleep(ctx, interval); err != nil {
			return false, err
		}
	}
}

func fieldValue(n dom.NodeDescriptor) string {
	switch n.Tag {
	case "input", "textarea", "select":
		return n.Value
	}
	if n.Value != "" {
		return n.Value
	}
	return n.Text
}

// movedToward reports whether a field changed from before to after in the
// direction of typing text: it holds the typed text, or it gained a prefix of
// the text as a debounced re-render would show.
func movedToward(before, after, text string) bool {
	if text == "" {
		return true
	}
	if typedAll(before, after, text) {
		return true
	}
	if after == before || !strings.HasPrefix(after, before) {
		return false
	}
	return strings.HasPrefix(text, after[len(before):])
}

// typedAll reports whether after is before with text appended, or text alone
// for fields that replace their content. An unchanged field never qualifies.
func typedAll(before, after, text string) bool {
	if text == "" {
		return true
	}
	return after != before && (after == before+text || after == text)
}

func (e *Engine) record(key string, action schemas.Action, attempt int, phase schemas.InteractionPhase, outcome string, err error) {
	r := schemas.InteractionRecord{
		At:      e.now(),
		Key:     key,
		Action:  action.Kind,
		Attempt: attempt,
		Phase:   phase,
		Outcome: outcome,
	}
	if err != nil {
		r.Detail = err.Error()
	}
	e.log.Append(r)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
