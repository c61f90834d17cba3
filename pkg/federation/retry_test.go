package federation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-federation/pkg/domain"
	"github.com/polisai/polis-federation/pkg/tasks"
)

func TestMarkOriginUpOnWorker(t *testing.T) {
	store := newStubStore()
	store.timings["example.org"] = domain.RetryTimings{RetryLastTS: 10, RetryInterval: time.Hour}
	notifier := &stubNotifier{}
	replication := &stubReplication{}

	tracker := NewRetryTimingsTracker(store, notifier, replication, nil, nil)
	require.NoError(t, tracker.MarkOriginUp(context.Background(), "example.org"))

	got, err := store.GetRetryTimings(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, &domain.RetryTimings{}, got)
	assert.Equal(t, []domain.ServerName{"example.org"}, notifier.notified())
	assert.Equal(t, 1, replication.sentCount())
}

func TestMarkOriginUpOnPrimarySkipsReplication(t *testing.T) {
	store := newStubStore()
	notifier := &stubNotifier{}

	tracker := NewRetryTimingsTracker(store, notifier, nil, nil, nil)
	require.NoError(t, tracker.MarkOriginUp(context.Background(), "example.org"))
	assert.Len(t, notifier.notified(), 1)
}

func TestMarkOriginUpStoreFailure(t *testing.T) {
	store := newStubStore()
	store.setErr = errBoom
	notifier := &stubNotifier{}
	replication := &stubReplication{}

	tracker := NewRetryTimingsTracker(store, notifier, replication, nil, nil)
	err := tracker.MarkOriginUp(context.Background(), "example.org")
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, notifier.notified())
	assert.Zero(t, replication.sentCount())
}

func TestResetActionSwallowsErrors(t *testing.T) {
	store := newStubStore()
	replication := &stubReplication{err: errBoom}
	scheduler := tasks.NewScheduler(tasks.Options{RunBackgroundTasks: true}, nil)
	t.Cleanup(scheduler.Stop)

	tracker := NewRetryTimingsTracker(store, &stubNotifier{}, replication, scheduler, nil)
	tracker.ScheduleMarkUp(context.Background(), "example.org")

	var task tasks.Task
	require.Eventually(t, func() bool {
		found := scheduler.List(tasks.Filter{Actions: []string{ResetRetryTimingsAction}})
		if len(found) != 1 || found[0].Status != tasks.StatusFailed {
			return false
		}
		task = found[0]
		return true
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "example.org", task.ResourceID)
	assert.Contains(t, task.Error, "boom")
	assert.Equal(t, 1, replication.sentCount())
}

func TestScheduleMarkUpWithoutScheduler(t *testing.T) {
	store := newStubStore()
	notifier := &stubNotifier{}
	tracker := NewRetryTimingsTracker(store, notifier, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	tracker.ScheduleMarkUp(ctx, "example.org")
	cancel()

	require.Eventually(t, func() bool {
		return len(notifier.notified()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, store.setCount())
}
