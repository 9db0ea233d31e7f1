package observability

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))

	m.ObserveNavigation("Settled", 300*time.Millisecond)
	m.ObserveNavigation("Timeout", 2*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Navigations.WithLabelValues("Settled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Navigations.WithLabelValues("Timeout")))

	m.ObserveInteraction("click", "done", 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Interactions.WithLabelValues("click", "done")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.InteractionRetries))

	m.ObserveCapture(true)
	m.ObserveCapture(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Captures.WithLabelValues("stale")))

	m.ChangeSetPublished()
	m.ChangeSetDropped()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChangeSets))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChangeSetsDropped))

	t.Run("handler exposes the registry", func(t *testing.T) {
		srv := httptest.NewServer(m.Handler())
		defer srv.Close()

		resp, err := http.Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "wayfinder_sessions_active 1")
	})
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionOpened()
		m.SessionClosed()
		m.ObserveNavigation("Settled", time.Second)
		m.ObserveInteraction("type", "failed", 3)
		m.ObserveCapture(false)
		m.ChangeSetPublished()
		m.ChangeSetDropped()
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTracing(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider(&buf)
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "session.navigate", AttrURL.String("https://example.test"))
	_, child := StartSpan(ctx, "readiness.wait")
	EndSpan(child, nil)
	EndSpan(span, errors.New("boom"))

	require.NoError(t, tp.Shutdown(context.Background()))
	out := buf.String()
	assert.Contains(t, out, "session.navigate")
	assert.Contains(t, out, "readiness.wait")
	assert.Contains(t, out, "boom")

	var nilProvider *TracerProvider
	assert.NoError(t, nilProvider.Shutdown(context.Background()))
}
