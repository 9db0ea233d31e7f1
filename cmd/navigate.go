package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/internal/browser/session"
)

func newNavigateCmd() *cobra.Command {
	var (
		screenshotPath string
		loadState      string
		saveState      string
	)

	navigateCmd := &cobra.Command{
		Use:   "navigate <url>",
		Short: "Load a page, wait for it to settle and print its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := normalizeURL(args[0])
			if err != nil {
				return err
			}
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			ctx := cmd.Context()

			s, err := e.manager.Open(ctx)
			if err != nil {
				return err
			}
			navErr := s.NavigateSmart(ctx, target)
			if loadState != "" && navErr == nil {
				// Web storage is bound to the origin, so restore after the
				// first load and reload for the page to see it.
				if err := restoreStorage(cmd, s, loadState); err != nil {
					return err
				}
				navErr = s.NavigateSmart(ctx, target)
			}
			if err := printJSON(cmd.OutOrStdout(), pageResult{State: s.State(), Page: s.PageState()}); err != nil {
				return err
			}
			if navErr != nil {
				return navErr
			}

			if screenshotPath != "" {
				png, err := s.Screenshot(ctx)
				if err != nil {
					return err
				}
				if err := os.WriteFile(screenshotPath, png, 0o644); err != nil {
					return fmt.Errorf("failed to write screenshot: %w", err)
				}
				e.logger.Info("Screenshot saved.", zap.String("path", screenshotPath))
			}

			if saveState != "" {
				state, err := s.ExportStorage(ctx)
				if err != nil {
					return err
				}
				f, err := os.Create(saveState)
				if err != nil {
					return fmt.Errorf("failed to create storage state file: %w", err)
				}
				defer f.Close()
				if err := session.WriteStorageState(f, state); err != nil {
					return err
				}
				e.logger.Info("Storage state saved.", zap.String("path", saveState), zap.Int("cookies", len(state.Cookies)))
			}
			return nil
		},
	}

	navigateCmd.Flags().StringVar(&screenshotPath, "screenshot", "", "write a PNG of the settled page to this file")
	navigateCmd.Flags().StringVar(&loadState, "load-state", "", "import cookies and local storage from this file, then reload")
	navigateCmd.Flags().StringVar(&saveState, "save-state", "", "export cookies and local storage to this file after loading")
	return navigateCmd
}

func restoreStorage(cmd *cobra.Command, s *session.Session, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open storage state: %w", err)
	}
	defer f.Close()
	state, err := session.ReadStorageState(f)
	if err != nil {
		return err
	}
	return s.ImportStorage(cmd.Context(), state)
}
