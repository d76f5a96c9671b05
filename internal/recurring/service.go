// Package recurring fires cron-expression schedules that submit fresh
// arbitration tasks on a cadence, for collaborators that run periodic
// maintenance over the same resource set.
package recurring

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"arbiter/internal/domain"
)

// Submitter is the slice of the engine the service needs.
type Submitter interface {
	SubmitTask(t domain.Task) (string, error)
}

// Schedules is the slice of the store the service needs.
type Schedules interface {
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type Service struct {
	schedules Schedules
	submitter Submitter
	stop      chan struct{}
	interval  time.Duration
}

func NewService(schedules Schedules, submitter Submitter, checkInterval time.Duration) *Service {
	return &Service{
		schedules: schedules,
		submitter: submitter,
		stop:      make(chan struct{}),
		interval:  checkInterval,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("recurring submission service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.processDue(ctx, now.UTC())
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) processDue(ctx context.Context, now time.Time) {
	due, err := s.schedules.GetDueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, sc := range due {
		if err := s.fire(ctx, sc, now); err != nil {
			log.Error().Err(err).Str("schedule_id", sc.ID).Msg("failed to fire schedule")
		}
	}
}

func (s *Service) fire(ctx context.Context, sc domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(sc.CronExpr)
	if err != nil {
		log.Error().Err(err).Str("cron_expr", sc.CronExpr).Msg("invalid cron expression")
		return err
	}

	taskID, err := s.submitter.SubmitTask(domain.Task{
		Description:       sc.Description,
		RequiredResources: sc.Resources,
		Criticality:       sc.Criticality,
	})
	if err != nil {
		log.Error().Err(err).Str("schedule_id", sc.ID).Msg("failed to submit scheduled task")
		return err
	}

	nextRun := cronSchedule.Next(now)
	if err := s.schedules.UpdateScheduleLastRun(ctx, sc.ID, now, nextRun); err != nil {
		log.Error().Err(err).Str("schedule_id", sc.ID).Msg("failed to update schedule run times")
		return err
	}

	log.Info().
		Str("schedule_id", sc.ID).
		Str("schedule_name", sc.Name).
		Str("task_id", taskID).
		Time("next_run", nextRun).
		Msg("scheduled task submitted")

	return nil
}

// ValidateCronExpression validates a cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
