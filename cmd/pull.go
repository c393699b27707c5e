package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/histpull/histpull/internal/app"
	"github.com/histpull/histpull/internal/dates"
)

// newPullCmd creates the 'pull' subcommand, which runs one pass over an
// inclusive date range.
func newPullCmd() *cobra.Command {
	var (
		startKey string
		endKey   string
		resume   bool
	)

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull exports for a date range",
		Long: `Runs one pass over every day between --start and --end inclusive.
With --resume (the default) days already marked completed in the state
snapshot are skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPull(cmd, startKey, endKey, resume)
		},
	}

	cmd.Flags().StringVar(&startKey, "start", "", "first day of the range (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endKey, "end", "", "last day of the range (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&resume, "resume", true, "skip days already completed")
	_ = cmd.MarkFlagRequired("start") //nolint:errcheck // flag exists
	_ = cmd.MarkFlagRequired("end")   //nolint:errcheck // flag exists

	return cmd
}

func runPull(cmd *cobra.Command, startKey, endKey string, resume bool) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	keys, err := dates.RangeKeys(startKey, endKey)
	if err != nil {
		return err
	}

	total := len(keys)
	if resume {
		total = len(a.Store().PendingKeys(keys))
	}

	engine, err := a.NewEngine(total)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopGauge := mirrorRateCeiling(ctx, a)
	defer stopGauge()

	if err := engine.Run(ctx, keys, resume); err != nil {
		if errors.Is(err, context.Canceled) {
			a.Logger().Info("pull interrupted; progress saved, rerun to resume")
			return nil
		}
		return fmt.Errorf("run pull: %w", err)
	}

	sum := engine.Summary()
	a.Logger().Info("pull finished",
		zap.Int("total", sum.Total),
		zap.Int("completed", sum.Completed),
		zap.Int("failed", sum.Failed),
		zap.Float64("success_rate", sum.SuccessRate),
	)
	return nil
}

// mirrorRateCeiling keeps the ceiling gauge in sync with the controller while
// a pass runs.
func mirrorRateCeiling(ctx context.Context, a *app.App) func() {
	a.Metrics().SetRateCeiling(a.Limiter().CurrentRPM())
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				a.Metrics().SetRateCeiling(a.Limiter().CurrentRPM())
			}
		}
	}()
	return func() { close(done) }
}
