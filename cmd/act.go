package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

type actOutput struct {
	Key       string               `json:"key"`
	Label     string               `json:"label,omitempty"`
	Action    schemas.ActionKind   `json:"action"`
	Attempts  int                  `json:"attempts"`
	NoOp      bool                 `json:"noop,omitempty"`
	Navigated bool                 `json:"navigated,omitempty"`
	State     schemas.SessionState `json:"state"`
	Page      schemas.PageState    `json:"page"`
}

func newActCmd() *cobra.Command {
	var (
		key     string
		role    string
		label   string
		action  string
		text    string
		output  string
		timeout time.Duration
	)

	actCmd := &cobra.Command{
		Use:   "act <url>",
		Short: "Load a page and perform one verified interaction",
		Long: `Load a page and perform one interaction on an element, chosen either by
its key (see the elements command) or by role and label.

  wayfinder act https://example.com --role link --label "more information"
  wayfinder act https://example.com/login --role textinput --action type --text alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := normalizeURL(args[0])
			if err != nil {
				return err
			}
			kind, err := schemas.ParseActionKind(action)
			if err != nil {
				return err
			}
			if kind == schemas.ActionScreenshotOf && output == "" {
				return errors.New("--output is required for screenshot")
			}
			if key == "" && role == "" && label == "" {
				return errors.New("one of --key, --role or --label is required")
			}
			q, err := parseQuery(role, label)
			if err != nil {
				return err
			}

			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			ctx := cmd.Context()

			s, err := e.openAt(ctx, target, false)
			if err != nil {
				return err
			}

			var chosen string
			if key == "" {
				d, err := s.WaitForElement(ctx, q, timeout)
				if err != nil {
					return err
				}
				key, chosen = d.ID, d.Label
				e.logger.Debug("Resolved element.", zap.String("key", key), zap.String("role", string(d.Role)), zap.String("label", d.Label))
			}

			res, err := s.Act(ctx, key, schemas.Action{Kind: kind, Text: text})
			if err != nil {
				return err
			}
			if kind == schemas.ActionScreenshotOf {
				if err := os.WriteFile(output, res.Screenshot, 0o644); err != nil {
					return fmt.Errorf("failed to write screenshot: %w", err)
				}
			}
			return printJSON(cmd.OutOrStdout(), actOutput{
				Key:       res.Key,
				Label:     chosen,
				Action:    res.Action,
				Attempts:  res.Attempts,
				NoOp:      res.NoOp,
				Navigated: res.Navigated,
				State:     s.State(),
				Page:      s.PageState(),
			})
		},
	}

	f := actCmd.Flags()
	f.StringVarP(&key, "key", "k", "", "element key from the elements command")
	f.StringVar(&role, "role", "", "pick the best element of this role")
	f.StringVar(&label, "label", "", "pick the best element whose label contains this text")
	f.StringVarP(&action, "action", "a", string(schemas.ActionClick), "click, type, hover or screenshot")
	f.StringVarP(&text, "text", "t", "", "text to type")
	f.StringVarP(&output, "output", "o", "", "PNG file for the screenshot action")
	f.DurationVar(&timeout, "timeout", 0, "how long to wait for the element (default interaction.element_timeout)")
	return actCmd
}
