package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver/memdriver"
)

const (
	homeURL  = "https://site.test/"
	loginURL = "https://site.test/login"
	feedURL  = "https://site.test/feed"
)

const homePage = `<html><head><title>Site</title></head><body>
<h1>Welcome</h1>
<p>Everything you need, in one place.</p>
<a id="signin" href="/login">Sign in</a>
<button id="menu">Menu</button>
</body></html>`

const loginPage = `<html><head><title>Sign in</title></head><body>
<input id="user" name="user" placeholder="Username">
<input id="pass" name="pass" type="password" placeholder="Password">
<button id="go" type="button">Continue</button>
</body></html>`

// memLauncher serves a small site from memory, whatever engine is asked for.
func memLauncher(_ context.Context, _ string, opts driver.Options) (driver.Driver, error) {
	d := memdriver.New(opts)
	d.Serve(homeURL, memdriver.Site{HTML: homePage})
	d.Serve(loginURL, memdriver.Site{
		HTML: loginPage,
		OnClick: map[string]func(*memdriver.Page){
			"#go": func(p *memdriver.Page) { p.Append("body", `<p id="done">Signed in</p>`) },
		},
	})
	d.Serve(feedURL, memdriver.Site{
		HTML: `<html><body><h1>Feed</h1></body></html>`,
		Timeline: []memdriver.Event{{
			After: 400 * time.Millisecond,
			Apply: func(p *memdriver.Page) { p.Append("body", `<button id="more">Load more</button>`) },
		}},
	})
	return d, nil
}

// fastTimings shortens every wait so commands finish quickly against the
// in-memory engine.
func fastTimings(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"WAYFINDER_BROWSER_ENGINE":                  "memory",
		"WAYFINDER_READINESS_POLL_INTERVAL":         "10ms",
		"WAYFINDER_READINESS_NAVIGATION_BUDGET":     "500ms",
		"WAYFINDER_READINESS_SETTLE_CEILING":        "500ms",
		"WAYFINDER_MONITOR_POLL_INTERVAL":           "10ms",
		"WAYFINDER_INTERACTION_CLICK_GRACE":         "50ms",
		"WAYFINDER_INTERACTION_TYPE_VERIFY_TIMEOUT": "50ms",
		"WAYFINDER_LOGGER_LEVEL":                    "error",
	} {
		t.Setenv(k, v)
	}
}

// executeCommand runs a fresh command tree against the in-memory site and
// returns what it printed to stdout.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetForTest(t)
	fastTimings(t)

	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}
