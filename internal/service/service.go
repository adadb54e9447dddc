// Package service orchestrates the evaluation engine over the repository:
// it keeps an in-memory snapshot of each environment's features and segment
// memberships, applies domain commands with optimistic concurrency, and runs
// the scheduled change sweeper.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/togglr/togglr/internal/core"
	"github.com/togglr/togglr/internal/repository"
)

const (
	EventTypeCreated  = "created"
	EventTypeUpdated  = "updated"
	EventTypeDeleted  = "deleted"
	bestEffortTimeout = 2 * time.Second

	cacheResyncInterval = time.Minute
	cacheReloadTimeout  = 5 * time.Second
)

var (
	ErrFeatureNotFound  = errors.New("feature not found")
	ErrSegmentNotFound  = errors.New("segment not found")
	ErrTriggerNotFound  = errors.New("trigger not found")
	ErrScheduleNotFound = errors.New("scheduled change not found")
	ErrVersionConflict  = errors.New("version conflict")
	ErrSegmentInUse     = errors.New("segment is referenced by a feature")
	ErrTriggerDisabled  = errors.New("trigger is disabled")
	ErrInvalidRequest   = errors.New("invalid request")
)

// Repository is the persistence surface the service needs. Implemented by
// [repository.PostgresRepository]; tests swap in a fake.
type Repository interface {
	CreateFeature(ctx context.Context, environmentID string, f *core.Feature) error
	GetFeature(ctx context.Context, environmentID, id string) (*core.Feature, error)
	UpdateFeature(ctx context.Context, environmentID string, f *core.Feature, expectedVersion int32) error
	ListFeatures(ctx context.Context, environmentID string, q repository.ListFeaturesQuery) ([]*core.Feature, int64, error)
	GetFeatureSummary(ctx context.Context, environmentID string) (repository.FeatureSummary, error)
	ListEnvironmentFeatures(ctx context.Context, environmentID string) ([]*core.Feature, error)
	ListEnvironments(ctx context.Context) ([]string, error)
	ListTags(ctx context.Context, environmentID string) ([]string, error)

	CreateSegment(ctx context.Context, environmentID string, s *core.Segment) error
	GetSegment(ctx context.Context, environmentID, id string) (*core.Segment, error)
	UpdateSegment(ctx context.Context, environmentID string, s *core.Segment, expectedVersion int32) error
	DeleteSegment(ctx context.Context, environmentID, id string) error
	ListSegments(ctx context.Context, environmentID string, q repository.ListSegmentsQuery) ([]*core.Segment, int64, error)
	AddSegmentUsers(ctx context.Context, environmentID, segmentID string, userIDs []string, state core.SegmentUserState, updatedAt int64) error
	RemoveSegmentUsers(ctx context.Context, environmentID, segmentID string, userIDs []string, state core.SegmentUserState, updatedAt int64) error
	ReplaceSegmentUsers(ctx context.Context, environmentID, segmentID string, userIDs []string, state core.SegmentUserState, updatedAt int64) error
	ListSegmentUsers(ctx context.Context, environmentID, segmentID string, state *core.SegmentUserState) ([]core.SegmentUser, error)
	ListEnvironmentSegmentUsers(ctx context.Context, environmentID string) (map[string][]core.SegmentUser, error)

	CreateFlagTrigger(ctx context.Context, environmentID string, t *core.FlagTrigger) error
	GetFlagTrigger(ctx context.Context, environmentID, id string) (*core.FlagTrigger, error)
	GetFlagTriggerByTokenHash(ctx context.Context, tokenHash string) (string, *core.FlagTrigger, error)
	UpdateFlagTrigger(ctx context.Context, environmentID string, t *core.FlagTrigger) error
	DeleteFlagTrigger(ctx context.Context, environmentID, id string) error
	ListFlagTriggers(ctx context.Context, environmentID, featureID string) ([]*core.FlagTrigger, error)

	CreateScheduledChange(ctx context.Context, environmentID string, s *core.ScheduledFlagChange) error
	GetScheduledChange(ctx context.Context, environmentID, id string) (*core.ScheduledFlagChange, error)
	UpdateScheduledChange(ctx context.Context, environmentID string, s *core.ScheduledFlagChange) error
	DeleteScheduledChange(ctx context.Context, environmentID, id string) error
	ListScheduledChanges(ctx context.Context, environmentID, featureID string) ([]*core.ScheduledFlagChange, error)
	ListDueScheduledChanges(ctx context.Context, now int64) ([]repository.DueScheduledChange, error)

	UpsertAttributeKeys(ctx context.Context, environmentID string, keys []string, seenAt int64) error
	ListAttributeKeys(ctx context.Context, environmentID string) ([]string, error)

	PublishFlagEvent(ctx context.Context, event repository.FlagEvent) (repository.FlagEvent, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// environmentSnapshot is an immutable view of one environment used for
// evaluation. Replaced wholesale on invalidation, never mutated in place.
type environmentSnapshot struct {
	features     []*core.Feature
	segmentUsers map[string][]core.SegmentUser
}

// Instrumentation receives domain counters as the service works. The
// metrics package provides the production implementation.
type Instrumentation interface {
	RecordEvaluation(reason string)
	RecordSnapshotLoad(environmentID string, featureCount int)
	RecordScheduleRun(status string)
	RecordTriggerFire()
}

type noopInstrumentation struct{}

func (noopInstrumentation) RecordEvaluation(string)        {}
func (noopInstrumentation) RecordSnapshotLoad(string, int) {}
func (noopInstrumentation) RecordScheduleRun(string)       {}
func (noopInstrumentation) RecordTriggerFire()             {}

type Option func(*Service)

// WithInstrumentation attaches domain counters to the service.
func WithInstrumentation(instr Instrumentation) Option {
	return func(s *Service) {
		if instr != nil {
			s.instr = instr
		}
	}
}

type Service struct {
	repo   Repository
	logger *slog.Logger
	instr  Instrumentation
	now    func() time.Time

	mu        sync.RWMutex
	snapshots map[string]*environmentSnapshot
}

func New(ctx context.Context, repo Repository, logger *slog.Logger, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		repo:      repo,
		logger:    logger,
		instr:     noopInstrumentation{},
		now:       time.Now,
		snapshots: make(map[string]*environmentSnapshot),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// LoadCache rebuilds the snapshot of every environment that has features.
func (s *Service) LoadCache(ctx context.Context) error {
	environments, err := s.repo.ListEnvironments(ctx)
	if err != nil {
		return fmt.Errorf("list environments: %w", err)
	}

	for _, environmentID := range environments {
		if err := s.loadEnvironment(ctx, environmentID); err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) loadEnvironment(ctx context.Context, environmentID string) error {
	features, err := s.repo.ListEnvironmentFeatures(ctx, environmentID)
	if err != nil {
		return fmt.Errorf("load features for %q: %w", environmentID, err)
	}
	segmentUsers, err := s.repo.ListEnvironmentSegmentUsers(ctx, environmentID)
	if err != nil {
		return fmt.Errorf("load segment users for %q: %w", environmentID, err)
	}

	s.mu.Lock()
	s.snapshots[environmentID] = &environmentSnapshot{
		features:     features,
		segmentUsers: segmentUsers,
	}
	s.mu.Unlock()

	s.instr.RecordSnapshotLoad(environmentID, len(features))

	return nil
}

// snapshot returns the environment's snapshot, loading it on first use.
func (s *Service) snapshot(ctx context.Context, environmentID string) (*environmentSnapshot, error) {
	s.mu.RLock()
	snap, ok := s.snapshots[environmentID]
	s.mu.RUnlock()
	if ok {
		return snap, nil
	}

	if err := s.loadEnvironment(ctx, environmentID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	snap = s.snapshots[environmentID]
	s.mu.RUnlock()

	return snap, nil
}

// invalidateEnvironment drops the cached snapshot so the next read rebuilds
// it from the database.
func (s *Service) invalidateEnvironment(environmentID string) {
	s.mu.Lock()
	delete(s.snapshots, environmentID)
	s.mu.Unlock()
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeFlagInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(cacheResyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()

	s.mu.RLock()
	environments := make([]string, 0, len(s.snapshots))
	for environmentID := range s.snapshots {
		environments = append(environments, environmentID)
	}
	s.mu.RUnlock()

	for _, environmentID := range environments {
		if err := s.loadEnvironment(reloadCtx, environmentID); err != nil {
			s.logger.Warn("cache reload failed", "environment_id", environmentID, "error", err)
		}
	}
}

func (s *Service) publishFlagEventBestEffort(ctx context.Context, environmentID, featureID, eventType string, payload any) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	encoded, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("marshal flag event payload failed", "feature_id", featureID, "error", err)
		return
	}

	if _, err := s.repo.PublishFlagEvent(publishCtx, repository.FlagEvent{
		EnvironmentID: environmentID,
		FeatureID:     featureID,
		EventType:     eventType,
		Payload:       encoded,
	}); err != nil {
		s.logger.Warn("publish flag event failed", "feature_id", featureID, "event_type", eventType, "error", err)
	}
}

// invalid tags a request rejection so the transport layer can map it to a
// 400 without losing the underlying sentinel.
func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
}

func notFound(sentinel, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}
