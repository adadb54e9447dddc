package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/togglr/togglr/internal/core"
)

// EvaluateRequest selects what to evaluate for whom. Tag and FeatureID are
// optional narrowing filters; PrevStateID lets up-to-date clients skip the
// payload.
type EvaluateRequest struct {
	User        core.User
	Tag         string
	FeatureID   string
	PrevStateID string
}

// EvaluateFeatures resolves every feature of the environment for one user
// against the current snapshot. The attribute keys carried by the request
// are recorded best-effort for GetUserAttributeKeys.
func (s *Service) EvaluateFeatures(ctx context.Context, environmentID string, req EvaluateRequest) (*core.UserEvaluations, error) {
	if strings.TrimSpace(req.User.ID) == "" {
		return nil, invalid(errors.New("user id is required"))
	}

	snap, err := s.snapshot(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	evaluations, err := core.EvaluateFeatures(snap.features, snap.segmentUsers, core.EvaluateParams{
		User:        req.User,
		Tag:         req.Tag,
		FeatureID:   req.FeatureID,
		PrevStateID: req.PrevStateID,
		Now:         s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate features: %w", err)
	}

	for _, e := range evaluations.Evaluations {
		s.instr.RecordEvaluation(string(e.Reason.Type))
	}
	s.recordAttributeKeysBestEffort(ctx, environmentID, req.User)

	return evaluations, nil
}

// DebugEvaluateFeatures evaluates the given users against the given
// features (all when empty) without state ids, so operators can check
// targeting before release.
func (s *Service) DebugEvaluateFeatures(ctx context.Context, environmentID string, users []core.User, featureIDs []string) ([]core.Evaluation, []string, error) {
	if len(users) == 0 {
		return nil, nil, invalid(errors.New("at least one user is required"))
	}
	for _, u := range users {
		if strings.TrimSpace(u.ID) == "" {
			return nil, nil, invalid(errors.New("user id is required"))
		}
	}

	snap, err := s.snapshot(ctx, environmentID)
	if err != nil {
		return nil, nil, fmt.Errorf("load snapshot: %w", err)
	}

	evaluations, archived := core.DebugEvaluateFeatures(snap.features, snap.segmentUsers, users, featureIDs, s.now())

	return evaluations, archived, nil
}

// GetUserAttributeKeys returns the attribute keys observed on evaluation
// requests in the environment.
func (s *Service) GetUserAttributeKeys(ctx context.Context, environmentID string) ([]string, error) {
	keys, err := s.repo.ListAttributeKeys(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list attribute keys: %w", err)
	}

	return keys, nil
}

func (s *Service) recordAttributeKeysBestEffort(ctx context.Context, environmentID string, user core.User) {
	if len(user.Attributes) == 0 {
		return
	}

	keys := make([]string, 0, len(user.Attributes))
	for key := range user.Attributes {
		keys = append(keys, key)
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if err := s.repo.UpsertAttributeKeys(recordCtx, environmentID, keys, s.now().Unix()); err != nil {
		s.logger.Warn("record attribute keys failed", "environment_id", environmentID, "error", err)
	}
}
