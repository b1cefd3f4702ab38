// Package scheduler runs the periodic due-ness sweep: it decides which
// indicators are due and makes sure a worker is running for every slot
// that has due work. Executing the work is the worker's job, not ours.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Uri-do/Monitor-sub000/internal/domain"
	"github.com/Uri-do/Monitor-sub000/internal/indicators"
	"github.com/Uri-do/Monitor-sub000/internal/notify"
	"github.com/Uri-do/Monitor-sub000/internal/process"
	"github.com/Uri-do/Monitor-sub000/internal/schedule"
)

// Lifecycle is the slice of the controller the sweep needs.
type Lifecycle interface {
	Start(ctx context.Context, cfg process.Config) (domain.WorkerHandle, error)
	Status(ctx context.Context, slot string) (domain.WorkerHandle, string, bool)
}

type Service struct {
	repo       indicators.Repository
	controller Lifecycle
	workerCfg  process.Config // template; Slot is filled per sweep
	sink       notify.Sink
	stop       chan struct{}
	interval   time.Duration
}

func NewService(repo indicators.Repository, controller Lifecycle, workerCfg process.Config, sink notify.Sink, checkInterval time.Duration) *Service {
	return &Service{
		repo:       repo,
		controller: controller,
		workerCfg:  workerCfg,
		sink:       sink,
		stop:       make(chan struct{}),
		interval:   checkInterval,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.processDueIndicators(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) processDueIndicators(ctx context.Context, now time.Time) {
	due, err := s.DueIndicators(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due indicators")
		return
	}

	slots := make(map[string]int)
	for _, ind := range due {
		slots[ind.OwnerSlot]++
	}
	for slot, n := range slots {
		if err := s.ensureWorker(ctx, slot); err != nil {
			log.Error().Err(err).Str("slot", slot).Int("due", n).Msg("failed to ensure worker for due indicators")
		}
	}
}

// DueIndicators filters the repository's candidates by the canonical
// elapsed-time rule (frequency arm) or by the next cron boundary after
// the last run (cron arm), honoring activation windows.
func (s *Service) DueIndicators(ctx context.Context, now time.Time) ([]domain.Indicator, error) {
	cands, err := s.repo.Candidates(ctx, "")
	if err != nil {
		return nil, err
	}
	var due []domain.Indicator
	for _, ind := range cands {
		if ind.Spec.ActiveFrom != nil && now.Before(*ind.Spec.ActiveFrom) {
			continue
		}
		if ind.Spec.ActiveUntil != nil && now.After(*ind.Spec.ActiveUntil) {
			continue
		}
		ok, err := IndicatorDue(ind, now)
		if err != nil {
			log.Warn().Err(err).Str("indicator_id", ind.ID).Msg("unschedulable indicator skipped")
			continue
		}
		if ok {
			due = append(due, ind)
		}
	}
	return due, nil
}

// IndicatorDue applies the due-ness rule for one indicator.
func IndicatorDue(ind domain.Indicator, now time.Time) (bool, error) {
	if ind.Spec.CronExpr != "" {
		if ind.LastRun == nil {
			return true, nil
		}
		next, err := schedule.NextFromSpec(ind.Spec, *ind.LastRun)
		if err != nil {
			return false, err
		}
		return !now.Before(next), nil
	}
	return schedule.IsDue(ind.LastRun, ind.Spec.FrequencyMinutes, now)
}

func (s *Service) ensureWorker(ctx context.Context, slot string) error {
	if _, _, running := s.controller.Status(ctx, slot); running {
		return nil
	}
	cfg := s.workerCfg
	cfg.Slot = slot
	h, err := s.controller.Start(ctx, cfg)
	var already *domain.AlreadyRunningError
	if errors.As(err, &already) {
		// Lost the race to another starter; that is the desired state.
		return nil
	}
	if err != nil {
		return err
	}
	s.sink.Publish(notify.Event{
		Type:      notify.WorkerStarted,
		Slot:      slot,
		WorkerID:  h.WorkerID,
		PID:       h.PID,
		Message:   "worker started for due indicators",
		Timestamp: time.Now(),
	})
	return nil
}
