// Package classify assigns interaction roles, labels and confidence scores
// to the nodes of a DOM snapshot.
package classify

import (
	"cmp"
	"html"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/dom"
	"github.com/xkilldash9x/wayfinder/internal/config"
)

// Base confidences by how the role was derived. Multipliers below scale them.
const (
	confidenceARIA         = 0.95
	confidenceTag          = 0.9
	confidenceEditable     = 0.8
	confidenceWrappedImage = 0.6
	confidenceAffordance   = 0.3
	unlabeledFactor        = 0.7
	disabledFactor         = 0.5
	minimumAreaFactor      = 0.5
)

// Classifier is stateless apart from its configuration and is safe for
// concurrent use.
type Classifier struct {
	cfg    config.ClassifierConfig
	policy *bluemonday.Policy
	logger *zap.Logger
}

// New creates a classifier.
func New(cfg config.ClassifierConfig, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		cfg:    cfg,
		policy: bluemonday.StrictPolicy(),
		logger: logger.Named("classifier"),
	}
}

// Classify returns the interactive elements of snap, best candidates first.
// The output is a pure function of the snapshot.
func (c *Classifier) Classify(snap *dom.Snapshot) []schemas.ElementDescriptor {
	out := make([]schemas.ElementDescriptor, 0, snap.Len()/4)
	for _, n := range snap.Nodes() {
		if d, ok := c.describe(snap, n); ok {
			out = append(out, d)
		}
	}
	sortDescriptors(out)
	c.logger.Debug("Classified snapshot.", zap.Int("nodes", snap.Len()), zap.Int("elements", len(out)))
	return out
}

// Update derives the classification of snap from prev, the classification of
// the snapshot cs was diffed against. Descriptors of nodes outside cs whose
// position is unchanged are reused; everything else is scored again. The
// result equals Classify(snap).
func (c *Classifier) Update(prev []schemas.ElementDescriptor, snap *dom.Snapshot, cs schemas.ChangeSet) []schemas.ElementDescriptor {
	changed := make(map[string]bool, len(cs.Added)+len(cs.Mutated))
	for _, k := range cs.Added {
		changed[k] = true
	}
	for _, k := range cs.Mutated {
		changed[k] = true
	}
	known := make(map[string]schemas.ElementDescriptor, len(prev))
	for _, d := range prev {
		known[d.ID] = d
	}

	out := make([]schemas.ElementDescriptor, 0, len(prev)+len(cs.Added))
	reused := 0
	for _, n := range snap.Nodes() {
		if old, ok := known[n.Key]; ok && !changed[n.Key] && reusable(old, n) {
			out = append(out, old)
			reused++
			continue
		}
		if d, ok := c.describe(snap, n); ok {
			out = append(out, d)
		}
	}
	sortDescriptors(out)
	c.logger.Debug("Updated classification.",
		zap.Int("elements", len(out)),
		zap.Int("reused", reused),
		zap.Int("changes", cs.Size()),
	)
	return out
}

// reusable reports whether a descriptor still describes n. Fingerprints
// exclude layout, so position is checked here. Images depend on their
// ancestors and are always rescored.
func reusable(d schemas.ElementDescriptor, n dom.NodeDescriptor) bool {
	return d.Role != schemas.RoleImage &&
		d.Order == n.Index &&
		d.BoundingBox == n.Box &&
		d.Selector == n.Selector
}

func sortDescriptors(ds []schemas.ElementDescriptor) {
	slices.SortFunc(ds, func(a, b schemas.ElementDescriptor) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// describe scores one node. ok is false for nodes that are not interactive,
// not visible or too small.
func (c *Classifier) describe(snap *dom.Snapshot, n dom.NodeDescriptor) (schemas.ElementDescriptor, bool) {
	area := n.Box.Area()
	if !n.Visible || area == 0 || area < c.cfg.MinArea {
		return schemas.ElementDescriptor{}, false
	}
	role, base := inferRole(snap, n)
	if base == 0 {
		return schemas.ElementDescriptor{}, false
	}

	label := c.label(n)
	confidence := base * c.areaFactor(area)
	if label == "" {
		confidence *= unlabeledFactor
	}
	disabled := isDisabled(n)
	if disabled {
		confidence *= disabledFactor
	}

	return schemas.ElementDescriptor{
		ID:          n.Key,
		Role:        role,
		Confidence:  confidence,
		Selector:    n.Selector,
		Label:       label,
		BoundingBox: n.Box,
		Disabled:    disabled,
		Order:       n.Index,
	}, true
}

// areaFactor ramps linearly from minimumAreaFactor at MinArea to 1 at
// FullConfidenceArea.
func (c *Classifier) areaFactor(area float64) float64 {
	full := c.cfg.FullConfidenceArea
	if full <= c.cfg.MinArea || area >= full {
		return 1
	}
	ramp := (area - c.cfg.MinArea) / (full - c.cfg.MinArea)
	return minimumAreaFactor + (1-minimumAreaFactor)*max(ramp, 0)
}

// -- Roles --

var ariaRoles = map[string]schemas.Role{
	"button":           schemas.RoleButton,
	"link":             schemas.RoleLink,
	"textbox":          schemas.RoleTextInput,
	"searchbox":        schemas.RoleTextInput,
	"combobox":         schemas.RoleTextInput,
	"spinbutton":       schemas.RoleTextInput,
	"checkbox":         schemas.RoleCheckbox,
	"switch":           schemas.RoleCheckbox,
	"radio":            schemas.RoleRadio,
	"listbox":          schemas.RoleSelect,
	"tab":              schemas.RoleTab,
	"menuitem":         schemas.RoleMenuItem,
	"menuitemcheckbox": schemas.RoleMenuItem,
	"menuitemradio":    schemas.RoleMenuItem,
	"option":           schemas.RoleMenuItem,
	"img":              schemas.RoleImage,
	"image":            schemas.RoleImage,
}

// inferRole applies explicit ARIA roles first, then tag semantics, then
// pointer affordances. A zero base confidence means not interactive.
func inferRole(snap *dom.Snapshot, n dom.NodeDescriptor) (schemas.Role, float64) {
	if role, ok := ariaRoles[strings.ToLower(strings.TrimSpace(n.Attr("role")))]; ok {
		return role, confidenceARIA
	}

	switch n.Tag {
	case "button", "summary":
		return schemas.RoleButton, confidenceTag
	case "a":
		if n.HasAttr("href") {
			return schemas.RoleLink, confidenceTag
		}
	case "textarea":
		return schemas.RoleTextInput, confidenceTag
	case "select":
		return schemas.RoleSelect, confidenceTag
	case "input":
		switch strings.ToLower(n.Attr("type")) {
		case "hidden":
			return "", 0
		case "checkbox":
			return schemas.RoleCheckbox, confidenceTag
		case "radio":
			return schemas.RoleRadio, confidenceTag
		case "submit", "button", "reset", "image", "file":
			return schemas.RoleButton, confidenceTag
		default:
			return schemas.RoleTextInput, confidenceTag
		}
	case "img":
		if wrappedInteractive(snap, n) {
			return schemas.RoleImage, confidenceWrappedImage
		}
	}

	if editable, ok := n.Attrs["contenteditable"]; ok && (editable == "" || strings.EqualFold(editable, "true")) {
		return schemas.RoleTextInput, confidenceEditable
	}
	if hasAffordance(n) {
		return schemas.RoleUnknown, confidenceAffordance
	}
	return "", 0
}

func wrappedInteractive(snap *dom.Snapshot, n dom.NodeDescriptor) bool {
	for anc := range snap.Ancestors(n) {
		switch {
		case anc.Tag == "button", anc.Tag == "a" && anc.HasAttr("href"):
			return true
		case anc.Attr("role") == "button", anc.Attr("role") == "link", anc.HasAttr("onclick"):
			return true
		}
	}
	return false
}

// hasAffordance reports pointer or keyboard hints on an otherwise
// non-semantic element.
func hasAffordance(n dom.NodeDescriptor) bool {
	if n.HasAttr("onclick") || n.HasAttr("aria-haspopup") || n.HasAttr("aria-expanded") {
		return true
	}
	if ti, ok := n.Attrs["tabindex"]; ok && !strings.HasPrefix(strings.TrimSpace(ti), "-") {
		return true
	}
	return false
}

func isDisabled(n dom.NodeDescriptor) bool {
	if n.HasAttr("disabled") || strings.EqualFold(n.Attr("aria-disabled"), "true") {
		return true
	}
	if n.Tag == "input" || n.Tag == "textarea" {
		return n.HasAttr("readonly")
	}
	return false
}

// -- Labels --

// label picks the first non-empty of aria-label, placeholder, visible text,
// title, alt, name, value and id.
func (c *Classifier) label(n dom.NodeDescriptor) string {
	text := n.Text
	if c.cfg.MaxTextLength > 0 {
		text = truncateRunes(text, c.cfg.MaxTextLength)
	}
	candidates := [...]string{
		n.Attr("aria-label"),
		n.Attr("placeholder"),
		text,
		n.Attr("title"),
		n.Attr("alt"),
		n.Attr("name"),
		n.Value,
		n.Attr("id"),
	}
	for _, cand := range candidates {
		if l := c.sanitize(cand); l != "" {
			return l
		}
	}
	return ""
}

// sanitize strips markup, collapses whitespace and truncates.
func (c *Classifier) sanitize(s string) string {
	if s == "" {
		return ""
	}
	s = html.UnescapeString(c.policy.Sanitize(s))
	s = strings.Join(strings.Fields(s), " ")
	if c.cfg.MaxLabelLength > 0 {
		s = truncateRunes(s, c.cfg.MaxLabelLength)
	}
	return s
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return strings.TrimSpace(s[:pos])
		}
		i++
	}
	return s
}
