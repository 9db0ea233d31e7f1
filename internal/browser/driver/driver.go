// Package driver defines the narrow capability set the session layer needs
// from a browser engine. Engines live in sub-packages.
package driver

import (
	"context"
	_ "embed"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/config"
)

// CaptureScript is a JavaScript function expression returning the page as a
// RawDocument. It keeps a handle registry on window so a node keeps the same
// handle for its lifetime.
//
//go:embed scripts/capture.js
var CaptureScript string

// ProbeScript is a JavaScript function expression (handle, selector) that
// resolves an element, scrolls it into view and reports whether it can
// receive pointer input.
//
//go:embed scripts/probe.js
var ProbeScript string

// StorageScript reads localStorage and sessionStorage.
//
//go:embed scripts/storage.js
var StorageScript string

// Ready states reported by document.readyState.
const (
	ReadyLoading     = "loading"
	ReadyInteractive = "interactive"
	ReadyComplete    = "complete"
)

// RawNode is one element as reported by the engine, in document order.
type RawNode struct {
	Handle  string              `json:"handle"`
	Tag     string              `json:"tag"`
	Attrs   map[string]string   `json:"attrs"`
	Text    string              `json:"text"`
	Value   string              `json:"value"`
	Checked bool                `json:"checked"`
	Rect    schemas.BoundingBox `json:"rect"`
	Visible bool                `json:"visible"`
	Path    string              `json:"path"`
	// Parent indexes the parent element in RawDocument.Nodes, -1 when the
	// parent was not captured.
	Parent int `json:"parent"`
}

// RawDocument is the result of a single DOM capture.
type RawDocument struct {
	URL             string    `json:"url"`
	Title           string    `json:"title"`
	ReadyState      string    `json:"readyState"`
	PendingRequests int       `json:"pending"`
	Nodes           []RawNode `json:"nodes"`
}

// LoadState is the cheap subset of a capture used to track navigation.
type LoadState struct {
	URL             string
	ReadyState      string
	PendingRequests int
}

// InteractionKind is a primitive input the engine can dispatch.
type InteractionKind string

const (
	Click InteractionKind = "click"
	Type  InteractionKind = "type"
	Hover InteractionKind = "hover"
)

// Interaction targets a node by handle, falling back to a selector when the
// handle is empty.
type Interaction struct {
	Kind     InteractionKind
	Handle   string
	Selector string
	Text     string
}

// Tab is a single page owned exclusively by one session.
type Tab interface {
	Navigate(ctx context.Context, url string) error
	// Evaluate runs a JavaScript expression and decodes its JSON result into out.
	Evaluate(ctx context.Context, script string, out any) error
	CaptureDOM(ctx context.Context) (*RawDocument, error)
	LoadState(ctx context.Context) (LoadState, error)
	// Screenshot returns PNG bytes of the viewport, or of clip when non-nil.
	Screenshot(ctx context.Context, clip *schemas.BoundingBox) ([]byte, error)
	Perform(ctx context.Context, in Interaction) error
	Close(ctx context.Context) error
}

// StorageTab is implemented by tabs that can export, restore and wipe client
// state.
type StorageTab interface {
	ReadStorage(ctx context.Context) (*schemas.StorageState, error)
	WriteStorage(ctx context.Context, state *schemas.StorageState) error
	// ClearStorage deletes all cookies and empties both web storage areas.
	ClearStorage(ctx context.Context) error
}

// SourceTab is implemented by tabs that can serialize the live document.
type SourceTab interface {
	OuterHTML(ctx context.Context) (string, error)
}

// Driver owns a browser process and hands out tabs.
type Driver interface {
	OpenTab(ctx context.Context) (Tab, error)
	Close() error
}

// Options configure an engine launch.
type Options struct {
	Headless        bool
	Stealth         bool
	IgnoreTLSErrors bool
	UserAgent       string
	Viewport        config.ViewportConfig
	Args            []string
	Timeout         time.Duration
	RemoteURL       string
	Persona         schemas.Persona
	Logger          *zap.Logger
}

// OptionsFromConfig maps the browser configuration onto engine options.
func OptionsFromConfig(cfg config.BrowserConfig, logger *zap.Logger) Options {
	persona := schemas.DefaultPersona
	if cfg.UserAgent != "" {
		persona.UserAgent = cfg.UserAgent
	}
	persona.Width = int64(cfg.Viewport.Width)
	persona.Height = int64(cfg.Viewport.Height)

	if logger == nil {
		logger = zap.NewNop()
	}
	return Options{
		Headless:        cfg.Headless,
		Stealth:         cfg.Stealth,
		IgnoreTLSErrors: cfg.IgnoreTLSErrors,
		UserAgent:       persona.UserAgent,
		Viewport:        cfg.Viewport,
		Args:            cfg.Args,
		Timeout:         cfg.Timeout,
		RemoteURL:       cfg.RemoteURL,
		Persona:         persona,
		Logger:          logger,
	}
}
