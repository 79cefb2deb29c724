// Package scheduler runs daily maintenance: pruning old connection log rows
// and logging a summary of the previous day.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blockgate-project/blockgate/internal/config"
	"github.com/blockgate-project/blockgate/internal/db"
	"github.com/blockgate-project/blockgate/internal/events"
)

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      config.DatabaseConfig
	connLog  *db.ConnectionLog
	eventBus *events.EventBus
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg config.DatabaseConfig, connLog *db.ConnectionLog, eventBus *events.EventBus) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		connLog:  connLog,
		eventBus: eventBus,
	}
}

// Start begins running all scheduled tasks and blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.connLog != nil {
		if s.cfg.RetentionDays > 0 {
			go s.runCleanupLoop(ctx)
		}
		go s.runStatsCollectionLoop(ctx)
	}

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runCleanupLoop prunes the connection log at the configured time.
func (s *Scheduler) runCleanupLoop(ctx context.Context) {
	for {
		nextRun := nextCleanupTime(s.cfg.CleanupTime, time.Now())
		sleepDuration := time.Until(nextRun)
		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("connection log cleanup scheduled")

		timer := time.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runCleanup(ctx)
		}
	}
}

// runCleanup deletes closed connection rows older than the retention window.
func (s *Scheduler) runCleanup(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	deleted, err := s.connLog.Prune(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("connection log cleanup failed")
		return
	}
	log.Info().
		Int64("deleted_rows", deleted).
		Int("retention_days", s.cfg.RetentionDays).
		Msg("connection log cleanup completed")
}

func (s *Scheduler) runStatsCollectionLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectStats(ctx)
		}
	}
}

// collectStats summarises the last day of connections and publishes it.
func (s *Scheduler) collectStats(ctx context.Context) {
	summary, err := s.connLog.Summarize(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		log.Warn().Err(err).Msg("daily stats collection failed")
		return
	}

	log.Info().
		Int("opened", summary.Opened).
		Int("promoted", summary.Promoted).
		Int("protocol_errors", summary.ProtocolErrors).
		Int("unique_players", summary.UniquePlayers).
		Msg("daily stats collected")

	s.eventBus.Emit(ctx, events.Event{
		Type:   events.EventNotifyMQTT,
		Source: "scheduler",
		Payload: map[string]interface{}{
			"type":    "daily_stats",
			"summary": summary,
		},
	})
}

// nextCleanupTime returns the next occurrence of the "HH:MM" clock time
// after now, defaulting to 04:00.
func nextCleanupTime(clock string, now time.Time) time.Time {
	hour, minute := 4, 0
	parts := strings.Split(clock, ":")
	if len(parts) >= 2 {
		var h, m int
		_, errH := fmt.Sscanf(parts[0], "%d", &h)
		_, errM := fmt.Sscanf(parts[1], "%d", &m)
		if errH == nil && errM == nil && h >= 0 && h < 24 && m >= 0 && m < 60 {
			hour, minute = h, m
		}
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
