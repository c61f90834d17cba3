package federation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-federation/pkg/domain"
	"github.com/polisai/polis-federation/pkg/tasks"
	"github.com/polisai/polis-federation/pkg/telemetry"
)

// ResetRetryTimingsAction is the scheduler action that marks an origin up.
const ResetRetryTimingsAction = "reset_retry_timings"

// RetryTimingsTracker repairs the liveness bookkeeping of origins that were
// considered unreachable once they prove they are up by sending a signed
// request.
type RetryTimingsTracker struct {
	store       RetryTimingsStore
	notifier    Notifier
	replication ReplicationClient
	scheduler   TaskScheduler
	logger      *slog.Logger
}

// NewRetryTimingsTracker wires a tracker. replication is non-nil only on
// worker processes and scheduler may be nil, in which case repairs run on a
// detached goroutine.
func NewRetryTimingsTracker(store RetryTimingsStore, notifier Notifier, replication ReplicationClient, scheduler TaskScheduler, logger *slog.Logger) *RetryTimingsTracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &RetryTimingsTracker{
		store:       store,
		notifier:    notifier,
		replication: replication,
		scheduler:   scheduler,
		logger:      logger.With("component", "retry_timings"),
	}
	if scheduler != nil {
		scheduler.RegisterAction(ResetRetryTimingsAction, t.resetAction)
	}
	return t
}

// OriginIsDown reports whether the stored timings mark origin as down.
func (t *RetryTimingsTracker) OriginIsDown(ctx context.Context, origin domain.ServerName) (bool, error) {
	timings, err := t.store.GetRetryTimings(ctx, origin)
	if err != nil {
		return false, fmt.Errorf("get retry timings for %s: %w", origin, err)
	}
	return timings.IsDown(), nil
}

// ScheduleMarkUp queues MarkOriginUp in the background. It never blocks on
// the repair itself and outlives the request that triggered it.
func (t *RetryTimingsTracker) ScheduleMarkUp(ctx context.Context, origin domain.ServerName) {
	if t.scheduler == nil {
		go t.MarkOriginUp(context.WithoutCancel(ctx), origin)
		return
	}
	_, err := t.scheduler.Schedule(context.WithoutCancel(ctx), ResetRetryTimingsAction,
		tasks.WithResourceID(string(origin)),
		tasks.WithParams(map[string]any{"origin": string(origin)}),
	)
	if err != nil {
		t.logger.Warn("failed to schedule retry timings reset", "origin", origin, "error", err)
	}
}

// MarkOriginUp clears the retry timings of origin and announces that it is
// reachable. Failures are logged and reported, never propagated to the
// request path.
func (t *RetryTimingsTracker) MarkOriginUp(ctx context.Context, origin domain.ServerName) error {
	t.logger.Info("Marking origin as up", "origin", origin)

	replicated := false
	err := func() error {
		if err := t.store.SetRetryTimings(ctx, origin, domain.RetryTimings{}); err != nil {
			return fmt.Errorf("reset retry timings: %w", err)
		}
		if t.notifier != nil {
			t.notifier.NotifyRemoteServerUp(origin)
		}
		if t.replication != nil {
			replicated = true
			if err := t.replication.SendRemoteServerUp(ctx, origin); err != nil {
				return fmt.Errorf("replicate remote server up: %w", err)
			}
		}
		return nil
	}()

	telemetry.RecordOriginUp(ctx, err == nil, replicated)
	if err != nil {
		t.logger.Error("Error resetting retry timings", "origin", origin, "error", err)
		return err
	}
	return nil
}

func (t *RetryTimingsTracker) resetAction(ctx context.Context, task tasks.Task, _ bool) (tasks.Outcome, error) {
	origin := domain.ServerName(task.ResourceID)
	if raw, ok := task.Params["origin"].(string); ok && raw != "" {
		origin = domain.ServerName(raw)
	}
	if err := t.MarkOriginUp(ctx, origin); err != nil {
		return tasks.Outcome{Status: tasks.StatusFailed, Error: err.Error()}, nil
	}
	return tasks.Outcome{Status: tasks.StatusComplete}, nil
}
