package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// highlightScript outlines each listed element and tags it with its key.
// Outlines from an earlier call are removed first.
const highlightScript = `(items) => {
	for (const el of document.querySelectorAll('[data-wayfinder-id]')) {
		el.style.outline = el.dataset.wayfinderOutline || '';
		delete el.dataset.wayfinderOutline;
		delete el.dataset.wayfinderId;
	}
	let n = 0;
	for (const it of items || []) {
		let el = null;
		try { el = document.querySelector(it.selector); } catch (e) {}
		if (!el) continue;
		el.dataset.wayfinderOutline = el.style.outline;
		el.dataset.wayfinderId = it.id;
		el.style.outline = '2px solid ' + it.color;
		n++;
	}
	return n;
}`

var roleColors = map[schemas.Role]string{
	schemas.RoleButton:    "#e6194b",
	schemas.RoleTextInput: "#3cb44b",
	schemas.RoleLink:      "#4363d8",
	schemas.RoleCheckbox:  "#f58231",
	schemas.RoleRadio:     "#f58231",
	schemas.RoleSelect:    "#911eb4",
	schemas.RoleTab:       "#42d4f4",
	schemas.RoleMenuItem:  "#f032e6",
	schemas.RoleImage:     "#bfef45",
}

type highlightItem struct {
	ID       string `json:"id"`
	Selector string `json:"selector"`
	Color    string `json:"color"`
}

// Highlight outlines every classified element on the page, colored by role,
// and returns how many were marked. Passing no elements clears the outlines.
func (s *Session) Highlight(ctx context.Context, elements []schemas.ElementDescriptor) (int, error) {
	ctx, done, err := s.begin(ctx, "highlight")
	if err != nil {
		return 0, err
	}
	defer done()

	items := make([]highlightItem, 0, len(elements))
	for _, d := range elements {
		color, ok := roleColors[d.Role]
		if !ok {
			color = "#a9a9a9"
		}
		items = append(items, highlightItem{ID: d.ID, Selector: d.Selector, Color: color})
	}
	arg, err := json.Marshal(items)
	if err != nil {
		return 0, fmt.Errorf("failed to encode highlight targets: %w", err)
	}

	var marked int
	script := "(" + highlightScript + ")(" + string(arg) + ")"
	if err := s.tab.Evaluate(ctx, script, &marked); err != nil {
		s.fail(err)
		return 0, err
	}
	s.logger.Debug("Highlighted elements.", zap.Int("requested", len(items)), zap.Int("marked", marked))
	return marked, nil
}
