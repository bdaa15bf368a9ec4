package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platform-sync/models"
	"platform-sync/repository"
	"platform-sync/services"
	"platform-sync/testutil"
)

func TestSchedulerRunsJobsWithoutOverlap(t *testing.T) {
	sched, err := NewScheduler(testutil.Logger())
	require.NoError(t, err)

	var runs, active, maxActive atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sched.Add(ctx, Job{
		Name:     "slow",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			active.Add(-1)
			runs.Add(1)
			return errors.New("logged, not fatal")
		},
	}))
	sched.Start()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sched.Shutdown())
	assert.EqualValues(t, 1, maxActive.Load())
}

func TestSchedulerSkipsDisabledJobs(t *testing.T) {
	sched, err := NewScheduler(testutil.Logger())
	require.NoError(t, err)
	require.NoError(t, sched.Add(context.Background(), Job{Name: "off", Interval: 0, Run: func(context.Context) error {
		t.Error("disabled job ran")
		return nil
	}}))
	sched.Start()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sched.Shutdown())
}

func TestEventSyncWorkerRequeuesAndDrains(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	log := testutil.Logger()

	events := repository.NewEventStore(db)
	links := repository.NewLinkStore(db)
	factory := services.NewEventFactory(events, log)
	users := services.UserStores{
		models.PlatformTelegram: repository.NewPlatformUserStore(db, models.PlatformTelegram),
		models.PlatformDiscord:  repository.NewPlatformUserStore(db, models.PlatformDiscord),
	}
	processor := services.NewEventProcessor(events, links, repository.NewSyncStateStore(db), factory, users, log)

	ev, err := factory.CreateXPChangeEvent(ctx, "u1", models.PlatformTelegram, 10, "quest", "q1")
	require.NoError(t, err)
	require.NoError(t, events.MarkFailed(ctx, ev.ID, "boom", time.Now().UTC()))

	require.NoError(t, NewEventSyncWorker(processor, 10, log).Run(ctx))

	stored, err := events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.Retries)
}

func TestEventSyncWorkerRecoversStaleClaims(t *testing.T) {
	db := testutil.NewDB(t)
	ctx := context.Background()
	log := testutil.Logger()

	events := repository.NewEventStore(db)
	factory := services.NewEventFactory(events, log)
	users := services.UserStores{
		models.PlatformTelegram: repository.NewPlatformUserStore(db, models.PlatformTelegram),
		models.PlatformDiscord:  repository.NewPlatformUserStore(db, models.PlatformDiscord),
	}
	processor := services.NewEventProcessor(events, repository.NewLinkStore(db), repository.NewSyncStateStore(db), factory, users, log,
		services.WithProcessingTimeout(time.Minute))

	ev, err := factory.CreateXPChangeEvent(ctx, "u1", models.PlatformTelegram, 10, "quest", "q1")
	require.NoError(t, err)
	claimed, err := events.MarkProcessing(ctx, ev.ID, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, NewEventSyncWorker(processor, 10, log).Run(ctx))

	stored, err := events.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusCompleted, stored.Status)
	assert.Equal(t, 1, stored.Retries)
}

func TestRoleGrantWorkerIdleWithoutClient(t *testing.T) {
	db := testutil.NewDB(t)
	grants := services.NewRoleGrantService(repository.NewRoleGrantStore(db), repository.NewLinkStore(db), nil, nil, 3, testutil.Logger())
	assert.NoError(t, NewRoleGrantWorker(grants, 10).Run(context.Background()))
}
