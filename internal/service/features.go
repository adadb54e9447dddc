package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/togglr/togglr/internal/core"
	"github.com/togglr/togglr/internal/repository"
)

// CreateFeatureParams carries the inputs for CreateFeature. ID is optional;
// a uuid is assigned when empty.
type CreateFeatureParams struct {
	ID                string
	Name              string
	Description       string
	VariationType     core.VariationType
	Variations        []core.Variation
	Tags              []string
	OnVariationIndex  int
	OffVariationIndex int
	Maintainer        string
}

// CreateFeature builds and persists a new feature at version 1.
func (s *Service) CreateFeature(ctx context.Context, environmentID string, p CreateFeatureParams) (*core.Feature, error) {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = uuid.NewString()
	}

	f, err := core.NewFeature(core.NewFeatureParams{
		ID:                id,
		Name:              p.Name,
		Description:       p.Description,
		VariationType:     p.VariationType,
		Variations:        p.Variations,
		Tags:              p.Tags,
		OnVariationIndex:  p.OnVariationIndex,
		OffVariationIndex: p.OffVariationIndex,
		Maintainer:        p.Maintainer,
	}, s.now())
	if err != nil {
		return nil, invalid(err)
	}

	if err := s.repo.CreateFeature(ctx, environmentID, f); err != nil {
		return nil, fmt.Errorf("create feature: %w", err)
	}

	s.invalidateEnvironment(environmentID)
	s.publishFlagEventBestEffort(ctx, environmentID, f.ID, EventTypeCreated, f)

	return f, nil
}

// GetFeature returns a feature by id. Logically deleted features read as
// not found.
func (s *Service) GetFeature(ctx context.Context, environmentID, id string) (*core.Feature, error) {
	if strings.TrimSpace(id) == "" {
		return nil, invalid(errors.New("feature id is required"))
	}

	f, err := s.repo.GetFeature(ctx, environmentID, id)
	if err != nil {
		return nil, notFound(ErrFeatureNotFound, fmt.Errorf("get feature: %w", err))
	}
	if f.Deleted {
		return nil, ErrFeatureNotFound
	}

	return f, nil
}

// ListFeatures returns one page of the environment's features, the total
// count matching the filters, and a summary over all of the environment's
// features regardless of filters.
func (s *Service) ListFeatures(ctx context.Context, environmentID string, q repository.ListFeaturesQuery) ([]*core.Feature, int64, repository.FeatureSummary, error) {
	features, total, err := s.repo.ListFeatures(ctx, environmentID, q)
	if err != nil {
		return nil, 0, repository.FeatureSummary{}, fmt.Errorf("list features: %w", err)
	}

	summary, err := s.repo.GetFeatureSummary(ctx, environmentID)
	if err != nil {
		return nil, 0, repository.FeatureSummary{}, fmt.Errorf("feature summary: %w", err)
	}

	return features, total, summary, nil
}

// UpdateFeature applies a partial update. When expectedVersion is non-nil
// the update only proceeds if the stored version still matches, otherwise
// ErrVersionConflict. An empty update is a no-op that keeps the version.
func (s *Service) UpdateFeature(ctx context.Context, environmentID, id string, params core.UpdateParams, expectedVersion *int32) (*core.Feature, error) {
	current, err := s.GetFeature(ctx, environmentID, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != nil && *expectedVersion != current.Version {
		return nil, ErrVersionConflict
	}

	updated, err := current.Update(params, s.now())
	if err != nil {
		return nil, invalid(err)
	}
	if updated.Version == current.Version {
		return updated, nil
	}

	if err := s.persistFeature(ctx, environmentID, updated, current.Version); err != nil {
		return nil, err
	}

	return updated, nil
}

// EnableFeature turns the feature on. Enabling an already enabled feature
// is rejected.
func (s *Service) EnableFeature(ctx context.Context, environmentID, id string) (*core.Feature, error) {
	return s.mutateFeature(ctx, environmentID, id, func(f *core.Feature) error {
		return f.Enable(s.now())
	})
}

// DisableFeature turns the feature off.
func (s *Service) DisableFeature(ctx context.Context, environmentID, id string) (*core.Feature, error) {
	return s.mutateFeature(ctx, environmentID, id, func(f *core.Feature) error {
		return f.Disable(s.now())
	})
}

// ArchiveFeature retires the feature; it stops being evaluated and its id
// is reported to clients for 30 days.
func (s *Service) ArchiveFeature(ctx context.Context, environmentID, id string) (*core.Feature, error) {
	return s.mutateFeature(ctx, environmentID, id, func(f *core.Feature) error {
		return f.Archive(s.now())
	})
}

// UnarchiveFeature brings an archived feature back.
func (s *Service) UnarchiveFeature(ctx context.Context, environmentID, id string) (*core.Feature, error) {
	return s.mutateFeature(ctx, environmentID, id, func(f *core.Feature) error {
		return f.Unarchive(s.now())
	})
}

// ChangeRulesOrder reorders the feature's rules to the given id permutation.
func (s *Service) ChangeRulesOrder(ctx context.Context, environmentID, id string, ruleIDs []string) (*core.Feature, error) {
	return s.mutateFeature(ctx, environmentID, id, func(f *core.Feature) error {
		return f.ChangeRulesOrder(ruleIDs, s.now())
	})
}

// DeleteFeature marks the feature deleted. The row stays for history but is
// invisible to reads and evaluation.
func (s *Service) DeleteFeature(ctx context.Context, environmentID, id string) error {
	current, err := s.GetFeature(ctx, environmentID, id)
	if err != nil {
		return err
	}

	deleted := current.Clone()
	deleted.MarkDeleted(s.now())

	if err := s.repo.UpdateFeature(ctx, environmentID, deleted, current.Version); err != nil {
		return s.mapFeatureWriteError(err)
	}

	s.invalidateEnvironment(environmentID)
	s.publishFlagEventBestEffort(ctx, environmentID, id, EventTypeDeleted, deleted)

	return nil
}

// CloneFeature copies a feature under a new id with re-keyed variations and
// a fresh sampling seed, starting at version 1.
func (s *Service) CloneFeature(ctx context.Context, environmentID, id, targetID, maintainer string) (*core.Feature, error) {
	source, err := s.GetFeature(ctx, environmentID, id)
	if err != nil {
		return nil, err
	}

	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return nil, invalid(errors.New("target feature id is required"))
	}
	if targetID == source.ID {
		return nil, invalid(errors.New("target feature id matches the source"))
	}

	clone, err := source.Duplicate(targetID, maintainer, s.now())
	if err != nil {
		return nil, invalid(err)
	}

	if err := s.repo.CreateFeature(ctx, environmentID, clone); err != nil {
		return nil, fmt.Errorf("create cloned feature: %w", err)
	}

	s.invalidateEnvironment(environmentID)
	s.publishFlagEventBestEffort(ctx, environmentID, clone.ID, EventTypeCreated, clone)

	return clone, nil
}

// mutateFeature runs a domain command against a fresh copy of the feature
// and persists the result guarded by the pre-command version.
func (s *Service) mutateFeature(ctx context.Context, environmentID, id string, command func(*core.Feature) error) (*core.Feature, error) {
	current, err := s.GetFeature(ctx, environmentID, id)
	if err != nil {
		return nil, err
	}

	working := current.Clone()
	if err := command(working); err != nil {
		return nil, invalid(err)
	}

	if err := s.persistFeature(ctx, environmentID, working, current.Version); err != nil {
		return nil, err
	}

	return working, nil
}

func (s *Service) persistFeature(ctx context.Context, environmentID string, f *core.Feature, expectedVersion int32) error {
	if err := s.repo.UpdateFeature(ctx, environmentID, f, expectedVersion); err != nil {
		return s.mapFeatureWriteError(err)
	}

	s.invalidateEnvironment(environmentID)
	s.publishFlagEventBestEffort(ctx, environmentID, f.ID, EventTypeUpdated, f)

	return nil
}

func (s *Service) mapFeatureWriteError(err error) error {
	if errors.Is(err, repository.ErrVersionConflict) {
		return ErrVersionConflict
	}
	return notFound(ErrFeatureNotFound, fmt.Errorf("write feature: %w", err))
}

// ListTags returns the distinct tags across the environment's features.
func (s *Service) ListTags(ctx context.Context, environmentID string) ([]string, error) {
	tags, err := s.repo.ListTags(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}

	return tags, nil
}
