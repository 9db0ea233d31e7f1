package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser"
	"github.com/xkilldash9x/wayfinder/internal/browser/session"
	"github.com/xkilldash9x/wayfinder/internal/config"
	"github.com/xkilldash9x/wayfinder/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const envCloseTimeout = 15 * time.Second

// launcher starts browser engines. Tests swap it for an in-memory one.
var launcher browser.Launcher = browser.Launch

type pageResult struct {
	State schemas.SessionState `json:"state"`
	Page  schemas.PageState    `json:"page"`
}

// env is everything a browsing command needs: the loaded config, a browser
// manager and the optional metrics and tracing exporters.
type env struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics
	manager *browser.Manager
	closers []func(context.Context) error
}

func newEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := getConfigFromContext(cmd.Context())
	if err != nil {
		return nil, err
	}
	e := &env{
		cfg:     cfg,
		logger:  observability.GetLogger(),
		metrics: observability.NewMetrics(),
	}

	obs := cfg.Observability()
	if obs.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              obs.MetricsAddr,
			Handler:           e.metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("Metrics server failed.", zap.String("addr", obs.MetricsAddr), zap.Error(err))
			}
		}()
		e.logger.Info("Serving metrics.", zap.String("addr", obs.MetricsAddr))
		e.closers = append(e.closers, srv.Shutdown)
	}
	if obs.Tracing {
		tp, err := observability.NewTracerProvider(cmd.ErrOrStderr())
		if err != nil {
			e.Close()
			return nil, err
		}
		e.closers = append(e.closers, tp.Shutdown)
	}

	e.manager = browser.NewManager(cfg, e.logger,
		browser.WithLauncher(launcher),
		browser.WithMetrics(e.metrics),
	)
	return e, nil
}

// Close shuts down the browsers, then the exporters.
func (e *env) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), envCloseTimeout)
	defer cancel()

	var errs []error
	if e.manager != nil {
		errs = append(errs, e.manager.Shutdown(ctx))
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// openAt opens a session and navigates it to target. A page that never
// settles is reported as a warning; the session stays usable.
func (e *env) openAt(ctx context.Context, target string, visible bool) (*session.Session, error) {
	var (
		s   *session.Session
		err error
	)
	if visible {
		s, err = e.manager.DemoOpen(ctx)
	} else {
		s, err = e.manager.Open(ctx)
	}
	if err != nil {
		return nil, err
	}
	if err := s.NavigateSmart(ctx, target); err != nil {
		if !errors.Is(err, schemas.ErrTimeout) {
			return nil, err
		}
		e.logger.Warn("Page did not settle within the navigation budget.", zap.String("url", target), zap.Error(err))
	}
	return s, nil
}

// normalizeURL adds https:// to bare hosts.
func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid url %q: missing host", raw)
	}
	return u.String(), nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printElements(w io.Writer, elements []schemas.ElementDescriptor) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tROLE\tCONFIDENCE\tLABEL")
	for _, d := range elements {
		label := d.Label
		if d.Disabled {
			label += " (disabled)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\n", d.ID, d.Role, d.Confidence, label)
	}
	return tw.Flush()
}
