package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/classify"
	"github.com/xkilldash9x/wayfinder/internal/browser/session"
)

func (s *Server) registerTools() {
	addTool(s, &mcp.Tool{
		Name:        "browser_open",
		Description: "Open a browser session. Returns the session_id every other tool takes.",
		InputSchema: schema(map[string]any{
			"visible": map[string]any{"type": "boolean", "description": "Show the browser window"},
		}),
	}, s.open)

	addTool(s, &mcp.Tool{
		Name:        "browser_navigate",
		Description: "Load a URL and wait until the page has settled.",
		InputSchema: schema(map[string]any{
			"session_id": str("Session to use"),
			"url":        str("Absolute URL to load"),
		}, "session_id", "url"),
	}, s.navigate)

	addTool(s, &mcp.Tool{
		Name:        "browser_elements",
		Description: "List interactive elements, best candidates first. Each has a stable key usable with browser_act.",
		InputSchema: schema(map[string]any{
			"session_id": str("Session to use"),
			"role":       str("Only elements of this role, e.g. Button, TextInput, Link"),
			"label":      str("Only elements whose label contains this text"),
			"limit":      integer("Maximum number of elements to return"),
		}, "session_id"),
	}, s.elements)

	addTool(s, &mcp.Tool{
		Name:        "browser_act",
		Description: "Click, type into, hover or screenshot an element by key. Retries through transient staleness and verifies the effect.",
		InputSchema: schema(map[string]any{
			"session_id": str("Session to use"),
			"key":        str("Element key from browser_elements"),
			"action":     map[string]any{"type": "string", "enum": []string{"click", "type", "hover", "screenshot"}},
			"text":       str("Text to type"),
		}, "session_id", "key", "action"),
	}, s.act)

	addTool(s, &mcp.Tool{
		Name:        "browser_wait_for",
		Description: "Wait until an element matching role and label appears.",
		InputSchema: schema(map[string]any{
			"session_id": str("Session to use"),
			"role":       str("Element role"),
			"label":      str("Label substring"),
			"timeout_ms": integer("How long to wait"),
		}, "session_id"),
	}, s.waitFor)

	addTool(s, &mcp.Tool{
		Name:        "browser_changes",
		Description: "Collect DOM change sets observed over a short window.",
		InputSchema: schema(map[string]any{
			"session_id": str("Session to use"),
			"wait_ms":    integer("How long to listen"),
			"max":        integer("Stop after this many change sets"),
		}, "session_id"),
	}, s.changes)

	addTool(s, &mcp.Tool{
		Name:        "browser_markdown",
		Description: "Render the current page as Markdown.",
		InputSchema: schema(map[string]any{"session_id": str("Session to use")}, "session_id"),
	}, s.markdown)

	addTool(s, &mcp.Tool{
		Name:        "browser_screenshot",
		Description: "Capture the viewport as a PNG image.",
		InputSchema: schema(map[string]any{"session_id": str("Session to use")}, "session_id"),
	}, s.screenshot)

	addTool(s, &mcp.Tool{
		Name:        "browser_state",
		Description: "Report the session state, the page summary and recent interactions.",
		InputSchema: schema(map[string]any{"session_id": str("Session to use")}, "session_id"),
	}, s.state)

	addTool(s, &mcp.Tool{
		Name:        "browser_clear_storage",
		Description: "Delete cookies and web storage, logging the session out.",
		InputSchema: schema(map[string]any{"session_id": str("Session to use")}, "session_id"),
	}, s.clearStorage)

	addTool(s, &mcp.Tool{
		Name:        "browser_close",
		Description: "Close a session and its tab.",
		InputSchema: schema(map[string]any{"session_id": str("Session to close")}, "session_id"),
	}, s.close)
}

func (s *Server) open(ctx context.Context, args openArgs) (any, error) {
	var (
		sess *session.Session
		err  error
	)
	if args.Visible {
		sess, err = s.manager.DemoOpen(ctx)
	} else {
		sess, err = s.manager.Open(ctx)
	}
	if err != nil {
		return nil, err
	}
	return openResult{SessionID: sess.ID()}, nil
}

func (s *Server) navigate(ctx context.Context, args navigateArgs) (any, error) {
	sess, err := s.session(args.SessionID)
	if err != nil {
		return nil, err
	}
	if args.URL == "" {
		return nil, errors.New("url is required")
	}
	if err := sess.NavigateSmart(ctx, args.URL); err != nil {
		// A page that never finished loading is still reported so the
		// caller can decide what to do.
		if !errors.Is(err, schemas.ErrTimeout) {
			return nil, err
		}
	}
	return pageResult{State: sess.State(), Page: sess.PageState()}, nil
}

func (s *Server) elements(ctx context.Context, args elementsArgs) (any, error) {
	sess, err := s.session(args.SessionID)
	if err != nil {
		return nil, err
	}
	q, err := query(args.Role, args.Label)
	if err != nil {
		return nil, err
	}
	all, err := sess.GetElements(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]schemas.ElementDescriptor, 0, len(all))
	for _, d := range all {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	total := len(out)
	if args.Limit > 0 && len(out) > args.Limit {
		out = out[:args.Limit]
	}
	return elementsResult{URL: sess.PageState().URL, Total: total, Elements: out}, nil
}

func (s *Server) act(ctx context.Context, args actArgs) (any, error) {
	sess, err := s.session(args.SessionID)
	if err != nil {
		return nil, err
	}
	kind, err := schemas.ParseActionKind(args.Action)
	if err != nil {
		return nil, err
	}
	res, err := sess.Act(ctx, args.Key, schemas.Action{Kind: kind, Text: args.Text})
	if err != nil {
		return nil, err
	}
	if kind == schemas.ActionScreenshotOf {
		return &mcp.CallToolResult{Content: []mcp.Content{
			&mcp.ImageContent{Data: res.Screenshot, MIMEType: "image/png"},
		}}, nil
	}
	return newActResult(res, sess.State(), sess.PageState()), nil
}

func (s *Server) waitFor(ctx context.Context, args waitArgs) (any, error) {
	sess, err := s.session(args.SessionID)
	if err != nil {
		return nil, err
	}
	q, err := query(args.Role, args.Label)
	if err != nil {
		return nil, err
	}
	return sess.WaitForElement(ctx, q, time.Duration(args.TimeoutMS)*time.Millisecond)
}

func (s *Server) changes(ctx context.Context, args changesArgs) (any, error) {
	sess, err := s.session(args.SessionID)
	if err != nil {
		return nil, err
	}
	wait := defaultChangeWait
	if args.WaitMS > 0 {
		wait = min(time.Duration(args.WaitMS)*time.Millisecond, maxChangeWait)
	}
	limit := defaultMaxChanges
	if args.Max > 0 {
		limit = args.Max
	}

	listenCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	out := []schemas.ChangeSet{}
	for cs := range sess.SubscribeChanges(listenCtx) {
		out = append(out, cs)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Server) markdown(ctx context.Context, args sessionArgs) (any, error) {
	sess, err := s.session(args.SessionID)
	if err != nil {
		return nil, err
	}
	md, err := sess.PageMarkdown(ctx)
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: md}}}, nil
}

func (s *Server) screenshot(ctx context.Context, args sessionArgs) (any, error) {
	sess, err := s.session(args.SessionID)
	if err != nil {
		return nil, err
	}
	png, err := sess.Screenshot(ctx)
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.ImageContent{Data: png, MIMEType: "image/png"}}}, nil
}

func (s *Server) state(_ context.Context, args sessionArgs) (any, error) {
	sess, err := s.session(args.SessionID)
	if err != nil {
		return nil, err
	}
	return stateResult{State: sess.State(), Page: sess.PageState(), Log: sess.InteractionLog()}, nil
}

func (s *Server) clearStorage(ctx context.Context, args sessionArgs) (any, error) {
	sess, err := s.session(args.SessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.ClearStorage(ctx); err != nil {
		return nil, err
	}
	return stateResult{State: sess.State(), Page: sess.PageState(), Log: sess.InteractionLog()}, nil
}

func (s *Server) close(ctx context.Context, args sessionArgs) (any, error) {
	sess, err := s.session(args.SessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.Close(ctx); err != nil {
		return nil, err
	}
	return map[string]string{"closed": args.SessionID}, nil
}

func query(role, label string) (classify.Query, error) {
	q := classify.Query{Label: label}
	if role != "" {
		r, ok := classify.ParseRole(role)
		if !ok {
			return q, fmt.Errorf("unknown role %q", role)
		}
		q.Role = r
	}
	return q, nil
}
