package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Timer runs billing cycles on a cron schedule.
type Timer struct {
	scheduler *Scheduler
	cron      *cron.Cron
	logger    *slog.Logger
}

// NewTimer creates a cron-driven timer for the scheduler. The spec uses
// standard five-field cron syntax, e.g. "0 * * * *" for hourly cycles.
func NewTimer(scheduler *Scheduler, spec string, logger *slog.Logger) (*Timer, error) {
	t := &Timer{
		scheduler: scheduler,
		cron:      cron.New(),
		logger:    logger,
	}

	if _, err := t.cron.AddFunc(spec, t.safeRun); err != nil {
		return nil, fmt.Errorf("invalid billing schedule %q: %w", spec, err)
	}
	return t, nil
}

// Start begins the cron loop in its own goroutine.
func (t *Timer) Start() {
	t.cron.Start()
	t.logger.Info("billing timer started")
}

// Stop halts the schedule and waits for any in-flight cycle to finish.
func (t *Timer) Stop() {
	ctx := t.cron.Stop()
	<-ctx.Done()
	t.logger.Info("billing timer stopped")
}

func (t *Timer) safeRun() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in billing cycle", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.scheduler.RunCycle(context.Background()); err != nil {
		t.logger.Warn("billing cycle failed", "error", err)
	}
}
