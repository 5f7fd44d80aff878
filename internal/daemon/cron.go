package daemon

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// pruneSchedule runs the nightly history prune during quiet hours.
const pruneSchedule = "0 3 * * *"

// countsSyncInterval refreshes the registry gauges; transitions made over
// the watcher or by external processes would otherwise drift.
const countsSyncInterval = time.Minute

// Scheduler runs the daemon's periodic jobs on a cron runner: the registry
// gauge sync and, when history is enabled, the nightly prune.
type Scheduler struct {
	cron   *cron.Cron
	daemon *Daemon
	logger zerolog.Logger
}

// NewScheduler creates the scheduler with its jobs registered but not
// running.
func NewScheduler(d *Daemon) *Scheduler {
	s := &Scheduler{
		cron:   cron.New(),
		daemon: d,
		logger: d.logger.GetZerolog().With().Str("component", "scheduler").Logger(),
	}

	// AddFunc only fails on an unparseable spec; these are constants.
	_, _ = s.cron.AddFunc("@every "+countsSyncInterval.String(), d.syncCounts)

	if d.history != nil && d.config.History.RetentionDays > 0 {
		_, _ = s.cron.AddFunc(pruneSchedule, s.pruneHistory)
	}

	return s
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// pruneHistory drops invocation records older than the retention window.
func (s *Scheduler) pruneHistory() {
	retention := time.Duration(s.daemon.config.History.RetentionDays) * 24 * time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := s.daemon.history.Prune(ctx, retention); err != nil {
		s.logger.Error().Err(err).Msg("History prune failed")
	}
}
