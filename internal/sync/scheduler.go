package sync

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"journal-sync-service/internal/config"
	"journal-sync-service/internal/logger"
)

// Scheduler runs the opportunistic periodic drain, so operations whose
// backoff has elapsed get retried without waiting for another connectivity
// transition.
type Scheduler struct {
	cfg     config.SchedulerConfig
	manager *Manager
	cron    *cron.Cron
	entryID cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, manager *Manager) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		manager: manager,
		cron:    cron.New(),
	}
}

func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	id, err := s.cron.AddFunc(s.cfg.Interval, func() {
		s.triggerDrain()
	})

	if err != nil {
		logger.Log.Error("Failed to schedule drain", zap.Error(err))
		return
	}

	s.entryID = id
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) triggerDrain() {
	err := s.manager.ProcessQueue(context.Background())
	switch {
	case err == nil:
	case isBenignSkip(err):
		logger.Log.Debug("Skipping scheduled drain", zap.Error(err))
	default:
		logger.Log.Error("Scheduled drain failed", zap.Error(err))
	}
}
