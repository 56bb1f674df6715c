package bank

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/exp/slog"
)

const sweepTimeout = 30 * time.Second

// Scheduler runs the periodic housekeeping jobs.
type Scheduler struct {
	cron   *cron.Cron
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewScheduler(logger *slog.Logger, store Store) *Scheduler {
	logger = logger.With(slog.String("component", "scheduler"))
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger))),
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Start registers the expired-OTP sweep on schedule and starts the scheduler.
// An empty schedule disables the sweep.
func (s *Scheduler) Start(schedule string) error {
	if schedule != "" {
		if _, err := s.cron.AddFunc(schedule, s.SweepExpiredOTPs); err != nil {
			return fmt.Errorf("scheduling otp sweep %q: %w", schedule, err)
		}
		s.logger.Info("scheduled otp sweep", slog.String("schedule", schedule))
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) SweepExpiredOTPs() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	n, err := s.store.PurgeExpiredOTPs(ctx, s.now())
	if err != nil {
		s.logger.Error("otp sweep failed", slog.Any("err", err))
		return
	}
	if n > 0 {
		s.logger.Info("expired otps cleared", slog.Int64("count", n))
	}
}
