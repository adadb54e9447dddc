package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/togglr/togglr/internal/core"
	"github.com/togglr/togglr/internal/repository"
)

// ScheduleFlagChange queues an update payload to auto-apply to the feature
// once scheduledAt passes.
func (s *Service) ScheduleFlagChange(ctx context.Context, environmentID, featureID string, scheduledAt int64, timezone string, payload core.UpdateParams) (*core.ScheduledFlagChange, error) {
	feature, err := s.GetFeature(ctx, environmentID, featureID)
	if err != nil {
		return nil, err
	}

	schedule, err := core.NewScheduledFlagChange(feature, scheduledAt, timezone, payload, s.now())
	if err != nil {
		return nil, invalid(err)
	}

	if err := s.repo.CreateScheduledChange(ctx, environmentID, schedule); err != nil {
		return nil, fmt.Errorf("create scheduled change: %w", err)
	}

	return schedule, nil
}

// GetScheduledChange returns a scheduled change by id.
func (s *Service) GetScheduledChange(ctx context.Context, environmentID, id string) (*core.ScheduledFlagChange, error) {
	if strings.TrimSpace(id) == "" {
		return nil, invalid(errors.New("scheduled change id is required"))
	}

	schedule, err := s.repo.GetScheduledChange(ctx, environmentID, id)
	if err != nil {
		return nil, notFound(ErrScheduleNotFound, fmt.Errorf("get scheduled change: %w", err))
	}

	return schedule, nil
}

// ListScheduledChanges returns the scheduled changes of a feature, oldest
// scheduled first.
func (s *Service) ListScheduledChanges(ctx context.Context, environmentID, featureID string) ([]*core.ScheduledFlagChange, error) {
	if _, err := s.GetFeature(ctx, environmentID, featureID); err != nil {
		return nil, err
	}

	schedules, err := s.repo.ListScheduledChanges(ctx, environmentID, featureID)
	if err != nil {
		return nil, fmt.Errorf("list scheduled changes: %w", err)
	}

	return schedules, nil
}

// UpdateScheduledChange reschedules a pending change and optionally swaps
// its payload.
func (s *Service) UpdateScheduledChange(ctx context.Context, environmentID, id string, scheduledAt int64, payload *core.UpdateParams) (*core.ScheduledFlagChange, error) {
	schedule, err := s.GetScheduledChange(ctx, environmentID, id)
	if err != nil {
		return nil, err
	}

	if err := schedule.Reschedule(scheduledAt, payload, s.now()); err != nil {
		return nil, invalid(err)
	}

	if err := s.repo.UpdateScheduledChange(ctx, environmentID, schedule); err != nil {
		return nil, notFound(ErrScheduleNotFound, fmt.Errorf("update scheduled change: %w", err))
	}

	return schedule, nil
}

// CancelScheduledChange marks a pending change cancelled, keeping it for
// history.
func (s *Service) CancelScheduledChange(ctx context.Context, environmentID, id string) (*core.ScheduledFlagChange, error) {
	schedule, err := s.GetScheduledChange(ctx, environmentID, id)
	if err != nil {
		return nil, err
	}

	if err := schedule.Cancel(s.now()); err != nil {
		return nil, invalid(err)
	}

	if err := s.repo.UpdateScheduledChange(ctx, environmentID, schedule); err != nil {
		return nil, notFound(ErrScheduleNotFound, fmt.Errorf("update scheduled change: %w", err))
	}

	return schedule, nil
}

// DeleteScheduledChange removes a scheduled change entirely.
func (s *Service) DeleteScheduledChange(ctx context.Context, environmentID, id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid(errors.New("scheduled change id is required"))
	}

	if err := s.repo.DeleteScheduledChange(ctx, environmentID, id); err != nil {
		return notFound(ErrScheduleNotFound, fmt.Errorf("delete scheduled change: %w", err))
	}

	return nil
}

// ApplyDueScheduledChanges sweeps every environment for pending schedules
// whose time has passed and applies them in scheduled order, one version
// bump each. A schedule that fails to apply is marked failed with its
// reason; the sweep continues. Safe to run concurrently with mutations:
// the feature write is version-guarded and a lost race leaves the schedule
// pending for the next sweep.
func (s *Service) ApplyDueScheduledChanges(ctx context.Context) error {
	due, err := s.repo.ListDueScheduledChanges(ctx, s.now().Unix())
	if err != nil {
		return fmt.Errorf("list due scheduled changes: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	type featureKey struct {
		environmentID string
		featureID     string
	}
	grouped := make(map[featureKey][]*core.ScheduledFlagChange)
	order := make([]featureKey, 0)
	for _, d := range due {
		key := featureKey{environmentID: d.EnvironmentID, featureID: d.Change.FeatureID}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], d.Change)
	}

	for _, key := range order {
		if err := s.applyFeatureSchedules(ctx, key.environmentID, key.featureID, grouped[key]); err != nil {
			s.logger.Warn("apply scheduled changes failed",
				"environment_id", key.environmentID,
				"feature_id", key.featureID,
				"error", err)
		}
	}

	return nil
}

// StartScheduleRunner sweeps due schedules on the given interval until the
// context is cancelled.
func (s *Service) StartScheduleRunner(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.ApplyDueScheduledChanges(ctx); err != nil {
					s.logger.Warn("schedule sweep failed", "error", err)
				}
			}
		}
	}()
}

func (s *Service) applyFeatureSchedules(ctx context.Context, environmentID, featureID string, pending []*core.ScheduledFlagChange) error {
	feature, err := s.GetFeature(ctx, environmentID, featureID)
	if err != nil {
		// The feature is gone; fail the schedules so they stop sweeping.
		if errors.Is(err, ErrFeatureNotFound) {
			return s.failOrphanedSchedules(ctx, environmentID, pending)
		}
		return err
	}

	updated, touched, err := core.ApplyDueChanges(feature, pending, s.now())
	if err != nil {
		return fmt.Errorf("apply due changes: %w", err)
	}

	if updated.Version != feature.Version {
		if err := s.repo.UpdateFeature(ctx, environmentID, updated, feature.Version); err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				// Lost the race with a concurrent mutation; the schedules
				// are still pending and the next sweep retries.
				return nil
			}
			return fmt.Errorf("persist scheduled feature update: %w", err)
		}
		s.invalidateEnvironment(environmentID)
		s.publishFlagEventBestEffort(ctx, environmentID, featureID, EventTypeUpdated, updated)
	}

	for _, schedule := range touched {
		s.instr.RecordScheduleRun(string(schedule.Status))
		if err := s.repo.UpdateScheduledChange(ctx, environmentID, schedule); err != nil {
			s.logger.Warn("persist scheduled change status failed",
				"schedule_id", schedule.ID, "error", err)
		}
	}

	return nil
}

func (s *Service) failOrphanedSchedules(ctx context.Context, environmentID string, pending []*core.ScheduledFlagChange) error {
	now := s.now()
	for _, schedule := range pending {
		schedule.Status = core.ScheduleStatusFailed
		schedule.FailureReason = "feature not found"
		schedule.UpdatedAt = now.Unix()
		if err := s.repo.UpdateScheduledChange(ctx, environmentID, schedule); err != nil {
			return fmt.Errorf("fail orphaned schedule %q: %w", schedule.ID, err)
		}
	}

	return nil
}
