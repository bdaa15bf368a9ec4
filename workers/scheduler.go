// workers/scheduler.go
package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

// Job is one periodic sweep.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs Jobs on fixed intervals. A job never overlaps with itself;
// a run that is still busy when the next tick fires is rescheduled.
type Scheduler struct {
	sched gocron.Scheduler
	log   *logrus.Entry
}

func NewScheduler(log *logrus.Entry) (*Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{sched: sched, log: log.WithField("component", "scheduler")}, nil
}

// Add registers j. ctx is handed to every run; once it is cancelled runs
// return early.
func (s *Scheduler) Add(ctx context.Context, j Job) error {
	if j.Interval <= 0 {
		s.log.WithField("job", j.Name).Info("⏸️ Job disabled")
		return nil
	}
	log := s.log.WithField("job", j.Name)
	_, err := s.sched.NewJob(
		gocron.DurationJob(j.Interval),
		gocron.NewTask(func() {
			if ctx.Err() != nil {
				return
			}
			start := time.Now()
			if err := j.Run(ctx); err != nil {
				log.WithError(err).Error("❌ Job run failed")
				return
			}
			log.WithField("took", time.Since(start).String()).Debug("job run finished")
		}),
		gocron.WithName(j.Name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", j.Name, err)
	}
	log.WithField("interval", j.Interval.String()).Info("🗓️ Job scheduled")
	return nil
}

func (s *Scheduler) Start() {
	s.sched.Start()
	s.log.Info("🔁 Scheduler started")
}

// Shutdown stops scheduling and waits for running jobs to return.
func (s *Scheduler) Shutdown() error {
	err := s.sched.Shutdown()
	s.log.Info("⏹️ Scheduler stopped")
	return err
}
