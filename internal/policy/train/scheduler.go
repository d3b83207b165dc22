package train

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vigil-data/hallwatch/internal/monitoring"
)

// Scheduler runs the controller's cycles on a cron cadence: training daily,
// rollout monitoring hourly.
type Scheduler struct {
	cron *cron.Cron
	logf func(format string, v ...interface{})
}

// NewScheduler wires the controller to cron specs. Empty specs take the
// defaults ("@daily" training, "@hourly" monitoring).
func NewScheduler(ctrl *Controller, trainSpec, monitorSpec string) (*Scheduler, error) {
	if trainSpec == "" {
		trainSpec = "@daily"
	}
	if monitorSpec == "" {
		monitorSpec = "@hourly"
	}

	s := &Scheduler{
		cron: cron.New(),
		logf: monitoring.Component("TrainScheduler"),
	}
	if _, err := s.cron.AddFunc(trainSpec, func() {
		if err := ctrl.RunTrainingCycle(time.Now()); err != nil {
			s.logf("training cycle failed: %v", err)
		}
	}); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc(monitorSpec, func() {
		if err := ctrl.RunMonitorCycle(time.Now()); err != nil {
			s.logf("monitor cycle failed: %v", err)
		}
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the schedule on the cron's own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule, waiting for a running cycle to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
