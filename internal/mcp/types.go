package mcp

import (
	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/interact"
)

// -- Tool arguments --

type openArgs struct {
	// Visible opens a headed browser window.
	Visible bool `json:"visible,omitempty"`
}

type sessionArgs struct {
	SessionID string `json:"session_id"`
}

type navigateArgs struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

type elementsArgs struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role,omitempty"`
	Label     string `json:"label,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type actArgs struct {
	SessionID string `json:"session_id"`
	Key       string `json:"key"`
	Action    string `json:"action"`
	Text      string `json:"text,omitempty"`
}

type waitArgs struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role,omitempty"`
	Label     string `json:"label,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

type changesArgs struct {
	SessionID string `json:"session_id"`
	WaitMS    int    `json:"wait_ms,omitempty"`
	Max       int    `json:"max,omitempty"`
}

// -- Tool results --

type openResult struct {
	SessionID string `json:"session_id"`
}

type pageResult struct {
	State schemas.SessionState `json:"state"`
	Page  schemas.PageState    `json:"page"`
}

type elementsResult struct {
	URL      string                      `json:"url"`
	Total    int                         `json:"total"`
	Elements []schemas.ElementDescriptor `json:"elements"`
}

type actResult struct {
	Key       string               `json:"key"`
	Action    schemas.ActionKind   `json:"action"`
	Attempts  int                  `json:"attempts"`
	NoOp      bool                 `json:"noop,omitempty"`
	Navigated bool                 `json:"navigated,omitempty"`
	State     schemas.SessionState `json:"state"`
	Page      schemas.PageState    `json:"page"`
}

func newActResult(res interact.Result, state schemas.SessionState, page schemas.PageState) actResult {
	return actResult{
		Key:       res.Key,
		Action:    res.Action,
		Attempts:  res.Attempts,
		NoOp:      res.NoOp,
		Navigated: res.Navigated,
		State:     state,
		Page:      page,
	}
}

type stateResult struct {
	State schemas.SessionState        `json:"state"`
	Page  schemas.PageState           `json:"page"`
	Log   []schemas.InteractionRecord `json:"log"`
}
