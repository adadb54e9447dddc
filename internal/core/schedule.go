package core

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ScheduledChangeStatus is the lifecycle state of a scheduled flag change.
type ScheduledChangeStatus string

const (
	ScheduleStatusPending   ScheduledChangeStatus = "pending"
	ScheduleStatusExecuted  ScheduledChangeStatus = "executed"
	ScheduleStatusFailed    ScheduledChangeStatus = "failed"
	ScheduleStatusCancelled ScheduledChangeStatus = "cancelled"
)

var (
	ErrScheduleFeatureIDRequired = errors.New("core: scheduled change feature id is required")
	ErrScheduleTimeRequired      = errors.New("core: scheduled time must be in the future")
	ErrSchedulePayloadEmpty      = errors.New("core: scheduled change payload is empty")
	ErrScheduleNotPending        = errors.New("core: scheduled change is not pending")
)

// ScheduledFlagChange is a pending UpdateParams payload that auto-applies to
// its feature once scheduled_at passes.
type ScheduledFlagChange struct {
	ID                       string                `json:"id"`
	FeatureID                string                `json:"feature_id"`
	ScheduledAt              int64                 `json:"scheduled_at"`
	Timezone                 string                `json:"timezone"`
	Payload                  UpdateParams          `json:"payload"`
	Status                   ScheduledChangeStatus `json:"status"`
	FailureReason            string                `json:"failure_reason,omitempty"`
	FeatureVersionAtCreation int32                 `json:"feature_version_at_creation"`
	CreatedAt                int64                 `json:"created_at"`
	UpdatedAt                int64                 `json:"updated_at"`
	ExecutedAt               int64                 `json:"executed_at,omitempty"`
}

// NewScheduledFlagChange builds a pending schedule for the feature.
func NewScheduledFlagChange(f *Feature, scheduledAt int64, timezone string, payload UpdateParams, now time.Time) (*ScheduledFlagChange, error) {
	if f == nil || strings.TrimSpace(f.ID) == "" {
		return nil, ErrScheduleFeatureIDRequired
	}
	if scheduledAt <= now.Unix() {
		return nil, ErrScheduleTimeRequired
	}
	if payload.Empty() {
		return nil, ErrSchedulePayloadEmpty
	}
	if timezone == "" {
		timezone = "UTC"
	}
	ts := now.Unix()
	return &ScheduledFlagChange{
		ID:                       uuid.NewString(),
		FeatureID:                f.ID,
		ScheduledAt:              scheduledAt,
		Timezone:                 timezone,
		Payload:                  payload,
		Status:                   ScheduleStatusPending,
		FeatureVersionAtCreation: f.Version,
		CreatedAt:                ts,
		UpdatedAt:                ts,
	}, nil
}

// IsDue reports whether the schedule should be applied at now.
func (s *ScheduledFlagChange) IsDue(now time.Time) bool {
	return s.Status == ScheduleStatusPending && s.ScheduledAt <= now.Unix()
}

// Reschedule moves a pending schedule and replaces its payload when one is
// given.
func (s *ScheduledFlagChange) Reschedule(scheduledAt int64, payload *UpdateParams, now time.Time) error {
	if s.Status != ScheduleStatusPending {
		return ErrScheduleNotPending
	}
	if scheduledAt != 0 {
		if scheduledAt <= now.Unix() {
			return ErrScheduleTimeRequired
		}
		s.ScheduledAt = scheduledAt
	}
	if payload != nil {
		if payload.Empty() {
			return ErrSchedulePayloadEmpty
		}
		s.Payload = *payload
	}
	s.UpdatedAt = now.Unix()
	return nil
}

// Cancel marks a pending schedule cancelled.
func (s *ScheduledFlagChange) Cancel(now time.Time) error {
	if s.Status != ScheduleStatusPending {
		return ErrScheduleNotPending
	}
	s.Status = ScheduleStatusCancelled
	s.UpdatedAt = now.Unix()
	return nil
}

func (s *ScheduledFlagChange) markExecuted(now time.Time) {
	s.Status = ScheduleStatusExecuted
	s.ExecutedAt = now.Unix()
	s.UpdatedAt = now.Unix()
}

func (s *ScheduledFlagChange) markFailed(reason string, now time.Time) {
	s.Status = ScheduleStatusFailed
	s.FailureReason = reason
	s.UpdatedAt = now.Unix()
}

// ApplyDueChanges applies every due pending schedule to the feature in
// scheduled_at ascending order, each one through the normal Update path and
// so each bumping the version by exactly one. Later schedules overwrite
// earlier ones at the field level simply by applying after them. Applied
// entries leave the pending state, which makes a second invocation with the
// same now a no-op. The returned slice holds the schedules whose status
// changed; the input feature is never mutated.
func ApplyDueChanges(f *Feature, pending []*ScheduledFlagChange, now time.Time) (*Feature, []*ScheduledFlagChange, error) {
	due := make([]*ScheduledFlagChange, 0, len(pending))
	for _, s := range pending {
		if s.FeatureID == f.ID && s.IsDue(now) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAt != due[j].ScheduledAt {
			return due[i].ScheduledAt < due[j].ScheduledAt
		}
		return due[i].CreatedAt < due[j].CreatedAt
	})

	current := f
	for _, s := range due {
		next, err := current.Update(s.Payload, now)
		if err != nil {
			s.markFailed(err.Error(), now)
			continue
		}
		if next.Version == current.Version {
			// Empty payloads are rejected at creation; an unchanged
			// version here means the payload no-opped anyway.
			s.markExecuted(now)
			continue
		}
		current = next
		s.markExecuted(now)
	}
	if current == f {
		current = f.Clone()
	}
	return current, due, nil
}
