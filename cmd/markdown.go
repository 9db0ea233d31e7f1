package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newMarkdownCmd() *cobra.Command {
	var output string

	markdownCmd := &cobra.Command{
		Use:   "markdown <url>",
		Short: "Load a page and print its visible content as Markdown",
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

			s, err := e.openAt(cmd.Context(), target, false)
			if err != nil {
				return err
			}
			md, err := s.PageMarkdown(cmd.Context())
			if err != nil {
				return err
			}

			if output == "" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), md)
				return err
			}
			if err := os.WriteFile(output, []byte(md+"\n"), 0o644); err != nil {
				return fmt.Errorf("failed to write markdown: %w", err)
			}
			return nil
		},
	}

	markdownCmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return markdownCmd
}
