package application

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"sensor-health/internal/logging"
)

// Runner executes dispatch passes.
type Runner interface {
	Run(ctx context.Context) (RunReport, error)
	Sweep(ctx context.Context) (RunReport, error)
}

// Scheduler triggers dispatch runs and offline sweeps on fixed intervals.
type Scheduler struct {
	runner        Runner
	interval      time.Duration
	sweepInterval time.Duration
	logger        logrus.FieldLogger
}

// NewScheduler constructs a Scheduler. A non-positive sweep interval disables sweeps.
func NewScheduler(runner Runner, interval, sweepInterval time.Duration, logger logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		runner:        runner,
		interval:      interval,
		sweepInterval: sweepInterval,
		logger:        logging.OrDiscard(logger),
	}
}

// Start begins the scheduler loop and blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.runner == nil || s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var sweeps <-chan time.Time
	if s.sweepInterval > 0 {
		sweepTicker := time.NewTicker(s.sweepInterval)
		defer sweepTicker.Stop()
		sweeps = sweepTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, ModeFull)
		case <-sweeps:
			s.runOnce(ctx, ModeSweep)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, mode string) {
	var err error
	if mode == ModeSweep {
		_, err = s.runner.Sweep(ctx)
	} else {
		_, err = s.runner.Run(ctx)
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrRunInProgress):
		s.logger.WithField("mode", mode).Debug("previous run still active, tick skipped")
	default:
		s.logger.WithError(err).WithField("mode", mode).Error("scheduled dispatch failed")
	}
}
