package cycle

import (
	"context"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Scheduler invokes the controller on an interval. The controller self-gates
// on the last day of the month, so the interval only bounds how quickly a
// missed window is noticed.
type Scheduler struct {
	controller *Controller
	interval   time.Duration
	stopChan   chan struct{}
}

func NewScheduler(controller *Controller, interval time.Duration) *Scheduler {
	if interval == 0 {
		interval = 24 * time.Hour
	}
	return &Scheduler{
		controller: controller,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	fiberlog.Infof("Monthly cycle scheduler started, running every %s", s.interval)

	for {
		select {
		case <-ticker.C:
			report, err := s.controller.Run(ctx, time.Now().UTC())
			if err != nil {
				fiberlog.Errorf("Error running monthly cycle: %v", err)
				continue
			}
			if !report.Ran {
				fiberlog.Debugf("Monthly cycle skipped: %s", report.SkipReason)
			}
		case <-s.stopChan:
			fiberlog.Info("Monthly cycle scheduler stopped")
			return
		case <-ctx.Done():
			fiberlog.Info("Monthly cycle scheduler stopped due to context cancellation")
			return
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopChan)
}
