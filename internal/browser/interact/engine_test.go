package interact

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/dom"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver/memdriver"
	"github.com/xkilldash9x/wayfinder/internal/config"
	"github.com/xkilldash9x/wayfinder/internal/observability"
)

const formPage = `<html><head><title>Sign in</title></head><body>
<form id="login">
  <input id="user" name="user" placeholder="Username">
  <button id="go" type="button">Sign in</button>
  <button id="inert" type="button">Does nothing</button>
  <a id="help" href="/help">Help</a>
</form>
</body></html>`

type fixture struct {
	tab     *memdriver.Tab
	tracker *dom.Tracker
	engine  *Engine
	metrics *observability.Metrics
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	ctx := context.Background()
	d := memdriver.New(driver.Options{})
	d.Serve("https://app.test/login", memdriver.Site{
		HTML: formPage,
		OnClick: map[string]func(*memdriver.Page){
			"#go": func(p *memdriver.Page) { p.Append("body", `<p id="welcome">Welcome back</p>`) },
		},
	})
	d.Serve("https://app.test/help", memdriver.Site{HTML: `<html><body><h1>Help</h1></body></html>`})
	t.Cleanup(func() { _ = d.Close() })

	tab, err := d.OpenTab(ctx)
	require.NoError(t, err)
	require.NoError(t, tab.Navigate(ctx, "https://app.test/login"))

	f := &fixture{tab: tab.(*memdriver.Tab), tracker: dom.NewTracker(), metrics: observability.NewMetrics()}
	opts := Options{
		Tab: tab,
		Capture: func(ctx context.Context) (*dom.Snapshot, error) {
			s, err := dom.Capture(ctx, tab)
			if err == nil {
				f.tracker.Sync(s)
			}
			return s, err
		},
		Latest: f.tracker.Latest,
		Retry: config.RetryPolicy{
			MaxAttempts:     3,
			Backoff:         []time.Duration{time.Millisecond, 2 * time.Millisecond},
			StalenessWindow: time.Second,
		},
		Interaction: config.InteractionConfig{
			ClickGrace:        60 * time.Millisecond,
			TypeVerifyTimeout: 60 * time.Millisecond,
			LogSize:           32,
		},
		MinArea: 4,
		Logger:  zaptest.NewLogger(t),
		Metrics: f.metrics,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.engine = NewEngine(opts)
	return f
}

// key captures the page and returns the stable key of the element with id.
func (f *fixture) key(t *testing.T, id string) string {
	t.Helper()
	snap, err := dom.Capture(context.Background(), f.tab)
	require.NoError(t, err)
	f.tracker.Sync(snap)
	for _, n := range snap.Nodes() {
		if n.Attr("id") == id {
			return n.Key
		}
	}
	t.Fatalf("no element #%s", id)
	return ""
}

func phases(log *Log) []schemas.InteractionPhase {
	var out []schemas.InteractionPhase
	for _, r := range log.Records() {
		out = append(out, r.Phase)
	}
	return out
}

func TestClick(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.engine.Act(context.Background(), f.key(t, "go"), schemas.Click())
	require.NoError(t, err)
	assert.False(t, res.NoOp)
	assert.False(t, res.Navigated)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []schemas.InteractionPhase{schemas.PhaseDone}, phases(f.engine.Log()))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Interactions.WithLabelValues("click", OutcomeOK)))
}

func TestClickThatNavigates(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.engine.Act(context.Background(), f.key(t, "help"), schemas.Click())
	require.NoError(t, err)
	assert.True(t, res.Navigated)
	assert.Equal(t, "https://app.test/help", res.URL)
}

func TestNoOpClick(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.engine.Act(context.Background(), f.key(t, "inert"), schemas.Click())
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	records := f.engine.Log().Records()
	require.Len(t, records, 1)
	assert.Equal(t, OutcomeNoOp, records[0].Outcome)
}

func TestType(t *testing.T) {
	f := newFixture(t, nil)
	key := f.key(t, "user")
	_, err := f.engine.Act(context.Background(), key, schemas.Type("ada"))
	require.NoError(t, err)

	latest, ok := f.tracker.Latest().Lookup(key)
	require.True(t, ok, "typing does not change a unique element's key")
	assert.Equal(t, "ada", latest.Value)
}

func TestNodeReplacedBeforeAction(t *testing.T) {
	f := newFixture(t, nil)
	key := f.key(t, "go")
	f.tab.BeforeNextPerform(func(p *memdriver.Page) {
		p.Replace("#go", `<button id="go" type="button">Sign in</button>`)
	})

	res, err := f.engine.Act(context.Background(), key, schemas.Click())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts, "the stale handle is re-resolved once")
	assert.False(t, res.NoOp)
	assert.Equal(t, []schemas.InteractionPhase{schemas.PhaseActing, schemas.PhaseDone}, phases(f.engine.Log()))
	assert.Len(t, f.tab.Performed(), 1)
}

func TestRetryCeiling(t *testing.T) {
	f := newFixture(t, nil)
	key := f.key(t, "go")
	f.tab.FailPerform(schemas.DriverNotInteractable, 10)

	_, err := f.engine.Act(context.Background(), key, schemas.Click())
	var failed *schemas.InteractionFailed
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, key, failed.Key)
	assert.Equal(t, schemas.ActionClick, failed.Action)

	var derr *schemas.DriverError
	require.ErrorAs(t, err, &derr, "the last reason is unwrapped")
	assert.Equal(t, schemas.DriverNotInteractable, derr.Kind)

	assert.Equal(t, []schemas.InteractionPhase{
		schemas.PhaseActing, schemas.PhaseActing, schemas.PhaseActing, schemas.PhaseFailed,
	}, phases(f.engine.Log()))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.InteractionRetries))
}

func TestElementNotFoundIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.key(t, "go")

	res, err := f.engine.Act(context.Background(), "no-such-key", schemas.Click())
	require.ErrorIs(t, err, schemas.ErrElementNotFound)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, f.tab.Performed())
	records := f.engine.Log().Records()
	require.Len(t, records, 1)
	assert.Equal(t, OutcomeNotFound, records[0].Outcome)
}

func TestElementRemovedSinceLastSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	key := f.key(t, "inert")
	f.tab.Mutate(func(p *memdriver.Page) { p.Remove("#inert") })

	_, err := f.engine.Act(context.Background(), key, schemas.Click())
	require.ErrorIs(t, err, schemas.ErrElementNotFound, "the stale handle is re-resolved and then reported missing")
	assert.Empty(t, f.tab.Performed())
	assert.Equal(t, []schemas.InteractionPhase{schemas.PhaseActing, schemas.PhaseFailed}, phases(f.engine.Log()))
}

func TestTypeVerificationFailuresAreLogged(t *testing.T) {
	var frozen *dom.Snapshot
	f := newFixture(t, func(o *Options) {
		capture := o.Capture
		o.Capture = func(ctx context.Context) (*dom.Snapshot, error) {
			if frozen == nil {
				s, err := capture(ctx)
				frozen = s
				return s, err
			}
			return frozen, nil
		}
		o.Latest = func() *dom.Snapshot { return frozen }
	})
	key := f.key(t, "user")

	_, err := f.engine.Act(context.Background(), key, schemas.Type("ada"))
	var failed *schemas.InteractionFailed
	require.ErrorAs(t, err, &failed)
	assert.ErrorIs(t, err, errNoProgress)
	assert.Equal(t, []schemas.InteractionPhase{
		schemas.PhaseVerifying, schemas.PhaseVerifying, schemas.PhaseVerifying, schemas.PhaseFailed,
	}, phases(f.engine.Log()))
}

func TestTypeRetryAfterSlowRenderDoesNotRetype(t *testing.T) {
	var (
		f      *fixture
		frozen *dom.Snapshot
	)
	f = newFixture(t, func(o *Options) {
		capture := o.Capture
		// The page shows the old value until the first verification gives up.
		o.Capture = func(ctx context.Context) (*dom.Snapshot, error) {
			if f.engine.Log().Len() == 0 {
				return frozen, nil
			}
			return capture(ctx)
		}
	})
	key := f.key(t, "user")
	frozen = f.tracker.Latest()

	res, err := f.engine.Act(context.Background(), key, schemas.Type("ada"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, f.tab.Performed(), 1, "the text is typed once")
	assert.Equal(t, []schemas.InteractionPhase{schemas.PhaseVerifying, schemas.PhaseDone}, phases(f.engine.Log()))

	var value string
	f.tab.Mutate(func(p *memdriver.Page) { value = p.Value("#user") })
	assert.Equal(t, "ada", value)
}

func TestTypeRetryFailsWhenFieldDiverges(t *testing.T) {
	var (
		f      *fixture
		frozen *dom.Snapshot
	)
	f = newFixture(t, func(o *Options) {
		capture := o.Capture
		o.Capture = func(ctx context.Context) (*dom.Snapshot, error) {
			if f.engine.Log().Len() == 0 {
				return frozen, nil
			}
			return capture(ctx)
		}
	})
	key := f.key(t, "user")
	frozen = f.tracker.Latest()
	// A formatter rewrites whatever lands in the field.
	f.tab.BeforeNextPerform(func(p *memdriver.Page) { p.SetAttr("#user", "value", "ADA-") })

	_, err := f.engine.Act(context.Background(), key, schemas.Type("ada"))
	var failed *schemas.InteractionFailed
	require.ErrorAs(t, err, &failed)
	assert.Len(t, f.tab.Performed(), 1, "a field that changed is never typed into again")
}

func TestBackoffHonorsCancellation(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Retry.Backoff = []time.Duration{time.Hour}
	})
	key := f.key(t, "go")
	f.tab.FailPerform(schemas.DriverStaleElement, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := f.engine.Act(ctx, key, schemas.Click())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
}

func TestDisconnectIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	key := f.key(t, "go")
	f.tab.Disconnect()

	res, err := f.engine.Act(context.Background(), key, schemas.Click())
	assert.True(t, schemas.IsDisconnected(err))
	assert.Equal(t, 1, res.Attempts)
}

func TestScreenshotOf(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.engine.Act(context.Background(), f.key(t, "go"), schemas.ScreenshotOf())
	require.NoError(t, err)
	assert.NotEmpty(t, res.Screenshot)
	assert.Empty(t, f.tab.Performed(), "screenshots dispatch no input")
}

func TestMovedToward(t *testing.T) {
	tests := []struct {
		before, after, text string
		want                bool
	}{
		{"", "ada", "ada", true},
		{"", "ad", "ada", true},
		{"hi ", "hi ada", "ada", true},
		{"", "", "ada", false},
		{"x", "y", "ada", false},
		{"", "ADA", "ada", false},
		{"abc", "abc", "", true},
		{"ada", "ada", "ada", false},
		{"", "adaada", "ada", false},
		{"abc", "ada", "ada", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, movedToward(tt.before, tt.after, tt.text), "%q -> %q typing %q", tt.before, tt.after, tt.text)
	}
}

func TestTypedAll(t *testing.T) {
	assert.True(t, typedAll("", "ada", "ada"))
	assert.True(t, typedAll("hi ", "hi ada", "ada"))
	assert.False(t, typedAll("", "ad", "ada"), "partial progress is not the whole text")
	assert.False(t, typedAll("", "adaada", "ada"))
	assert.False(t, typedAll("ada", "ada", "ada"), "nothing landed")
}

func TestLogRing(t *testing.T) {
	l := NewLog(2)
	for i := 1; i <= 3; i++ {
		l.Append(schemas.InteractionRecord{Attempt: i})
	}
	records := l.Records()
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[0].Attempt)
	assert.Equal(t, 3, records[1].Attempt)
	assert.Equal(t, 2, l.Len())
}
