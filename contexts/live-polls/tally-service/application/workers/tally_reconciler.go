package workers

import (
	"context"
	"log/slog"
	"time"

	"pollcast/contexts/live-polls/tally-service/application"
)

type LoadedPolls interface {
	LoadedPolls() []string
}

type Reconciler interface {
	Reconcile(ctx context.Context, pollID string) (bool, error)
}

// TallyReconciler periodically rebuilds every loaded tally from the ledger.
// A rebuild that finds divergence is published to the poll's subscribers by
// the gateway.
type TallyReconciler struct {
	Polls   LoadedPolls
	Gateway Reconciler
	Logger  *slog.Logger
}

func (r TallyReconciler) RunOnce(ctx context.Context) (int, error) {
	logger := application.ResolveLogger(r.Logger)
	diverged := 0
	var firstErr error
	for _, pollID := range r.Polls.LoadedPolls() {
		if err := ctx.Err(); err != nil {
			return diverged, err
		}
		changed, err := r.Gateway.Reconcile(ctx, pollID)
		if err != nil {
			logger.Error("tally reconcile failed",
				"event", "tally_reconcile_failed",
				"module", "live-polls/tally-service",
				"layer", "worker",
				"poll_id", pollID,
				"error", err.Error(),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if changed {
			diverged++
		}
	}
	if diverged > 0 {
		logger.Warn("tally reconcile repaired diverged polls",
			"event", "tally_reconcile_repaired",
			"module", "live-polls/tally-service",
			"layer", "worker",
			"diverged_count", diverged,
		)
	}
	return diverged, firstErr
}

func (r TallyReconciler) Run(ctx context.Context, interval time.Duration) error {
	return runEvery(ctx, interval, func(ctx context.Context) error {
		_, err := r.RunOnce(ctx)
		return err
	})
}
