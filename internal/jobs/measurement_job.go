package jobs

import (
	"log/slog"

	"github.com/pkg/errors"
)

var ErrRunInProgress = errors.New("a measurement is already in progress")

// Starter begins a measurement without waiting for it.
type Starter interface {
	Start() (runID string, started bool)
}

type measurementJob struct {
	log     *slog.Logger
	starter Starter
}

// NewMeasurementJob starts a measurement on every run. Results travel through
// the dispatcher like any manually started run.
func NewMeasurementJob(log *slog.Logger, starter Starter) SchedulerJob {
	return &measurementJob{
		log:     log,
		starter: starter,
	}
}

func (j *measurementJob) Run() error {
	runID, started := j.starter.Start()
	if !started {
		return ErrRunInProgress
	}
	j.log.Info("started scheduled measurement", "run_id", runID)
	return nil
}
