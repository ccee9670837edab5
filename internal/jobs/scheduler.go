package jobs

import (
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
)

type Scheduler interface {
	Start()
	Shutdown() error
}

type SchedulerJob interface {
	Run() error
}

var _ Scheduler = &scheduler{}

type scheduler struct {
	gocronScheduler gocron.Scheduler
}

func NewScheduler(log *slog.Logger, interval time.Duration, job SchedulerJob, options ...gocron.SchedulerOption) (Scheduler, error) {
	if interval <= 0 {
		return nil, errors.Errorf("invalid job interval %s", interval)
	}

	s, err := gocron.NewScheduler(options...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gocron scheduler")
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := job.Run(); err != nil {
				log.Info("skipped scheduled measurement", "err", err)
			}
		}),
		gocron.WithName("measurement"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create job")
	}

	log.Info("scheduled recurring measurement", "interval", interval)
	return &scheduler{
		gocronScheduler: s,
	}, nil
}

func (s *scheduler) Start() {
	s.gocronScheduler.Start()
}

func (s *scheduler) Shutdown() error {
	if err := s.gocronScheduler.Shutdown(); err != nil {
		return errors.Wrap(err, "failed to shutdown gocron scheduler")
	}
	return nil
}
