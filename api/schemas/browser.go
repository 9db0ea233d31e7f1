package schemas

import (
	"fmt"
	"time"
)

// -- Browser Persona Schemas --

// Persona encapsulates the properties used to present a consistent browser fingerprint.
type Persona struct {
	UserAgent string   `json:"userAgent" yaml:"user_agent"`
	Platform  string   `json:"platform" yaml:"platform"`
	Languages []string `json:"languages" yaml:"languages"`
	Width     int64    `json:"width" yaml:"width"`
	Height    int64    `json:"height" yaml:"height"`
	Timezone  string   `json:"timezoneId" yaml:"timezone"`
	Locale    string   `json:"locale" yaml:"locale"`
}

// DefaultPersona provides a fallback persona if none is specified.
var DefaultPersona = Persona{
	UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	Platform:  "Linux x86_64",
	Languages: []string{"en-US", "en"},
	Width:     1280,
	Height:    720,
	Timezone:  "America/Los_Angeles",
	Locale:    "en-US",
}

// -- Geometry --

// BoundingBox is an element's layout rectangle in CSS pixels relative to the viewport.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the box area, zero for degenerate boxes.
func (b BoundingBox) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Center returns the midpoint of the box.
func (b BoundingBox) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// -- Element Classification --

// Role is the interaction role assigned to an element by the classifier.
type Role string

const (
	RoleButton    Role = "Button"
	RoleTextInput Role = "TextInput"
	RoleLink      Role = "Link"
	RoleCheckbox  Role = "Checkbox"
	RoleRadio     Role = "Radio"
	RoleSelect    Role = "Select"
	RoleTab       Role = "Tab"
	RoleMenuItem  Role = "MenuItem"
	RoleImage     Role = "Image"
	RoleUnknown   Role = "Unknown"
)

func (r Role) String() string { return string(r) }

// ElementDescriptor is the unit handed to callers. It references a node only by
// its stable key; the selector is a best-effort hint that may go stale.
type ElementDescriptor struct {
	ID          string      `json:"id"`
	Role        Role        `json:"role"`
	Confidence  float64     `json:"confidence"`
	Selector    string      `json:"selector"`
	Label       string      `json:"label"`
	BoundingBox BoundingBox `json:"bounding_box"`
	Disabled    bool        `json:"disabled,omitempty"`
	// Order is the node's position in document order, used as a tie breaker.
	Order int `json:"-"`
}

// -- Actions --

// ActionKind enumerates the interactions the engine can perform.
type ActionKind string

const (
	ActionClick        ActionKind = "click"
	ActionType         ActionKind = "type"
	ActionHover        ActionKind = "hover"
	ActionScreenshotOf ActionKind = "screenshot"
)

func (k ActionKind) String() string { return string(k) }

// Action is a single requested interaction with an element.
type Action struct {
	Kind ActionKind `json:"kind"`
	Text string     `json:"text,omitempty"`
}

// Click returns a click action.
func Click() Action { return Action{Kind: ActionClick} }

// Type returns an action that types text into the element.
func Type(text string) Action { return Action{Kind: ActionType, Text: text} }

// Hover returns a hover action.
func Hover() Action { return Action{Kind: ActionHover} }

// ScreenshotOf returns an action capturing the element's bounding box.
func ScreenshotOf() Action { return Action{Kind: ActionScreenshotOf} }

// ParseActionKind maps user input to an ActionKind.
func ParseActionKind(s string) (ActionKind, error) {
	switch ActionKind(s) {
	case ActionClick, ActionType, ActionHover, ActionScreenshotOf:
		return ActionKind(s), nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// -- Page and Session State --

// Readiness describes how settled the current page is.
type Readiness string

const (
	ReadinessUnknown      Readiness = "Unknown"
	ReadinessLoading      Readiness = "Loading"
	ReadinessSettled      Readiness = "Settled"
	ReadinessMostlyStable Readiness = "MostlyStable"
)

// IsSettled reports whether the readiness verdict allows interaction.
func (r Readiness) IsSettled() bool {
	return r == ReadinessSettled || r == ReadinessMostlyStable
}

// PageState is the caller-visible summary of the page a session is on.
type PageState struct {
	URL           string    `json:"url"`
	Readiness     Readiness `json:"readiness"`
	NodeCount     int       `json:"node_count"`
	SnapshotAt    time.Time `json:"snapshot_at"`
	LastSettledAt time.Time `json:"last_settled_at"`
	// LastError annotates a navigation that did not reach readiness.
	LastError string `json:"last_error,omitempty"`
}

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	StateClosed      SessionState = "Closed"
	StateOpen        SessionState = "Open"
	StateNavigating  SessionState = "Navigating"
	StateSettled     SessionState = "Settled"
	StateInteracting SessionState = "Interacting"
	StateBroken      SessionState = "Broken"
)

func (s SessionState) String() string { return string(s) }

// -- Change Tracking --

// ChangeSet is the delta between two DOM snapshots, expressed in stable keys.
// Key slices are sorted.
type ChangeSet struct {
	Added   []string  `json:"added,omitempty"`
	Removed []string  `json:"removed,omitempty"`
	Mutated []string  `json:"mutated,omitempty"`
	URL     string    `json:"url"`
	At      time.Time `json:"at"`
}

// Empty reports whether no element was added, removed or mutated.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Mutated) == 0
}

// Size is the total number of changed keys.
func (c ChangeSet) Size() int {
	return len(c.Added) + len(c.Removed) + len(c.Mutated)
}

// -- Interaction Log --

// InteractionPhase is a step of the per-call interaction state machine.
type InteractionPhase string

const (
	PhaseResolving InteractionPhase = "Resolving"
	PhaseActing    InteractionPhase = "Acting"
	PhaseVerifying InteractionPhase = "Verifying"
	PhaseDone      InteractionPhase = "Done"
	PhaseFailed    InteractionPhase = "Failed"
)

// InteractionRecord is one entry of a session's running interaction log.
type InteractionRecord struct {
	At      time.Time        `json:"at"`
	Key     string           `json:"key"`
	Action  ActionKind       `json:"action"`
	Attempt int              `json:"attempt"`
	Phase   InteractionPhase `json:"phase"`
	Outcome string           `json:"outcome"`
	Detail  string           `json:"detail,omitempty"`
}
