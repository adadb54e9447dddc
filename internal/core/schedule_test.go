package core

import (
	"errors"
	"testing"
	"time"
)

func pendingSchedule(t *testing.T, f *Feature, at time.Time, payload UpdateParams) *ScheduledFlagChange {
	t.Helper()
	s, err := NewScheduledFlagChange(f, at.Unix(), "UTC", payload, testNow)
	if err != nil {
		t.Fatalf("NewScheduledFlagChange() error = %v", err)
	}
	return s
}

func TestNewScheduledFlagChangeValidation(t *testing.T) {
	f := twoVariationFeature("feature-1")
	if _, err := NewScheduledFlagChange(f, testNow.Add(-time.Hour).Unix(), "", UpdateParams{Enabled: boolPtr(true)}, testNow); !errors.Is(err, ErrScheduleTimeRequired) {
		t.Fatalf("past schedule error = %v, want %v", err, ErrScheduleTimeRequired)
	}
	if _, err := NewScheduledFlagChange(f, testNow.Add(time.Hour).Unix(), "", UpdateParams{}, testNow); !errors.Is(err, ErrSchedulePayloadEmpty) {
		t.Fatalf("empty payload error = %v, want %v", err, ErrSchedulePayloadEmpty)
	}
	s, err := NewScheduledFlagChange(f, testNow.Add(time.Hour).Unix(), "", UpdateParams{Enabled: boolPtr(true)}, testNow)
	if err != nil {
		t.Fatalf("NewScheduledFlagChange() error = %v", err)
	}
	if s.Status != ScheduleStatusPending || s.Timezone != "UTC" || s.FeatureVersionAtCreation != f.Version {
		t.Fatalf("schedule = %#v", s)
	}
}

func TestApplyDueChangesOrderAndVersionBumps(t *testing.T) {
	f := twoVariationFeature("feature-1")
	f.Enabled = false
	v := f.Version

	t1 := testNow.Add(time.Minute)
	t2 := testNow.Add(2 * time.Minute)
	earlier := pendingSchedule(t, f, t1, UpdateParams{Enabled: boolPtr(true)})
	later := pendingSchedule(t, f, t2, UpdateParams{Enabled: boolPtr(false)})
	future := pendingSchedule(t, f, testNow.Add(time.Hour), UpdateParams{Enabled: boolPtr(true)})

	// Deliberately out of order: applier must sort by scheduled_at.
	updated, touched, err := ApplyDueChanges(f, []*ScheduledFlagChange{later, earlier, future}, t2)
	if err != nil {
		t.Fatalf("ApplyDueChanges() error = %v", err)
	}
	if updated.Enabled {
		t.Fatal("later scheduled_at did not win the field collision")
	}
	if updated.Version != v+2 {
		t.Fatalf("Version = %d, want %d (one bump per applied schedule)", updated.Version, v+2)
	}
	if len(touched) != 2 {
		t.Fatalf("touched = %d schedules, want 2", len(touched))
	}
	if earlier.Status != ScheduleStatusExecuted || later.Status != ScheduleStatusExecuted {
		t.Fatalf("statuses = %s/%s, want executed/executed", earlier.Status, later.Status)
	}
	if future.Status != ScheduleStatusPending {
		t.Fatalf("future schedule status = %s, want pending", future.Status)
	}
}

func TestApplyDueChangesIdempotent(t *testing.T) {
	f := twoVariationFeature("feature-1")
	f.Enabled = false
	s := pendingSchedule(t, f, testNow.Add(time.Minute), UpdateParams{Enabled: boolPtr(true)})

	first, _, err := ApplyDueChanges(f, []*ScheduledFlagChange{s}, testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("ApplyDueChanges() error = %v", err)
	}
	again, touched, err := ApplyDueChanges(first, []*ScheduledFlagChange{s}, testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("ApplyDueChanges() error = %v", err)
	}
	if len(touched) != 0 {
		t.Fatalf("second run touched %d schedules, want 0", len(touched))
	}
	if again.Version != first.Version {
		t.Fatalf("second run bumped version: %d -> %d", first.Version, again.Version)
	}
}

func TestApplyDueChangesFailureRecorded(t *testing.T) {
	f := twoVariationFeature("feature-1")
	bad := pendingSchedule(t, f, testNow.Add(time.Minute), UpdateParams{OffVariation: strPtr("ghost")})
	good := pendingSchedule(t, f, testNow.Add(2*time.Minute), UpdateParams{Enabled: boolPtr(false)})

	updated, touched, err := ApplyDueChanges(f, []*ScheduledFlagChange{bad, good}, testNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("ApplyDueChanges() error = %v", err)
	}
	if bad.Status != ScheduleStatusFailed || bad.FailureReason == "" {
		t.Fatalf("bad schedule = %s %q, want failed with reason", bad.Status, bad.FailureReason)
	}
	if good.Status != ScheduleStatusExecuted {
		t.Fatalf("good schedule status = %s, want executed", good.Status)
	}
	if updated.Enabled || updated.Version != f.Version+1 {
		t.Fatalf("good schedule not applied past the failed one: enabled %t version %d", updated.Enabled, updated.Version)
	}
	if len(touched) != 2 {
		t.Fatalf("touched = %d, want 2", len(touched))
	}
}

func TestApplyDueChangesIgnoresOtherFeatures(t *testing.T) {
	f := twoVariationFeature("feature-1")
	other := twoVariationFeature("feature-2")
	s := pendingSchedule(t, other, testNow.Add(time.Minute), UpdateParams{Enabled: boolPtr(false)})

	updated, touched, err := ApplyDueChanges(f, []*ScheduledFlagChange{s}, testNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("ApplyDueChanges() error = %v", err)
	}
	if len(touched) != 0 || updated.Version != f.Version {
		t.Fatalf("schedule for another feature was applied: touched %d version %d", len(touched), updated.Version)
	}
}

func TestRescheduleAndCancel(t *testing.T) {
	f := twoVariationFeature("feature-1")
	s := pendingSchedule(t, f, testNow.Add(time.Hour), UpdateParams{Enabled: boolPtr(true)})

	if err := s.Reschedule(testNow.Add(-time.Hour).Unix(), nil, testNow); !errors.Is(err, ErrScheduleTimeRequired) {
		t.Fatalf("Reschedule() into the past error = %v, want %v", err, ErrScheduleTimeRequired)
	}
	newAt := testNow.Add(2 * time.Hour).Unix()
	if err := s.Reschedule(newAt, &UpdateParams{Enabled: boolPtr(false)}, testNow); err != nil {
		t.Fatalf("Reschedule() error = %v", err)
	}
	if s.ScheduledAt != newAt || s.Payload.Enabled == nil || *s.Payload.Enabled {
		t.Fatalf("Reschedule() = %#v", s)
	}

	if err := s.Cancel(testNow); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if s.Status != ScheduleStatusCancelled {
		t.Fatalf("Status = %s, want cancelled", s.Status)
	}
	if err := s.Cancel(testNow); !errors.Is(err, ErrScheduleNotPending) {
		t.Fatalf("Cancel() twice error = %v, want %v", err, ErrScheduleNotPending)
	}
	if err := s.Reschedule(newAt, nil, testNow); !errors.Is(err, ErrScheduleNotPending) {
		t.Fatalf("Reschedule() after cancel error = %v, want %v", err, ErrScheduleNotPending)
	}
}
