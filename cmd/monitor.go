package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMonitorCmd() *cobra.Command {
	var (
		duration time.Duration
		maxSets  int
	)

	monitorCmd := &cobra.Command{
		Use:   "monitor <url>",
		Short: "Load a page and stream its DOM changes as JSON lines",
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
			if !e.cfg.Monitor().Enabled {
				e.Close()
				return errors.New("the DOM monitor is disabled (monitor.enabled=false)")
			}
			defer e.Close()

			s, err := e.openAt(cmd.Context(), target, false)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			out := cmd.OutOrStdout()
			seen := 0
			for cs := range s.SubscribeChanges(ctx) {
				data, err := json.Marshal(cs)
				if err != nil {
					return err
				}
				if _, err := out.Write(append(data, '\n')); err != nil {
					return err
				}
				seen++
				if maxSets > 0 && seen >= maxSets {
					break
				}
			}
			e.logger.Info("Monitoring finished.", zap.Int("change_sets", seen), zap.String("state", s.State().String()))
			if err := cmd.Context().Err(); err != nil {
				return err
			}
			return nil
		},
	}

	monitorCmd.Flags().DurationVarP(&duration, "duration", "d", 30*time.Second, "how long to watch; 0 watches until interrupted")
	monitorCmd.Flags().IntVar(&maxSets, "max", 0, "stop after this many change sets")
	return monitorCmd
}
