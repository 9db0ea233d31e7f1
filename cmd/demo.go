package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newDemoCmd() *cobra.Command {
	var (
		hold  time.Duration
		limit int
	)

	demoCmd := &cobra.Command{
		Use:   "demo <url>",
		Short: "Open a visible browser and outline every element wayfinder would interact with",
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

			s, err := e.openAt(ctx, target, true)
			if err != nil {
				return err
			}
			all, err := s.GetElements(ctx)
			if err != nil {
				return err
			}
			elements := all
			if limit > 0 && len(elements) > limit {
				elements = elements[:limit]
			}
			n, err := s.Highlight(ctx, elements)
			if err != nil {
				return err
			}
			e.logger.Info("Highlighted elements.", zap.Int("outlined", n), zap.Int("classified", len(all)))

			if err := printElements(cmd.OutOrStdout(), elements); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "\nHolding the window open for %s. Press Ctrl+C to quit.\n", hold)

			timer := time.NewTimer(hold)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
			return nil
		},
	}

	demoCmd.Flags().DurationVar(&hold, "hold", time.Minute, "how long to keep the window open")
	demoCmd.Flags().IntVarP(&limit, "limit", "n", 0, "outline only the best n elements")
	return demoCmd
}
