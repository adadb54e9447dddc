package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/togglr/togglr/internal/core"
)

// CreateFlagTrigger creates a webhook trigger for a feature and returns it
// together with the raw token, which is shown exactly once.
func (s *Service) CreateFlagTrigger(ctx context.Context, environmentID, featureID string, triggerType core.TriggerType, action core.TriggerAction, description string) (*core.FlagTrigger, string, error) {
	if _, err := s.GetFeature(ctx, environmentID, featureID); err != nil {
		return nil, "", err
	}

	trigger, token, err := core.NewFlagTrigger(featureID, triggerType, action, description, s.now())
	if err != nil {
		return nil, "", invalid(err)
	}

	if err := s.repo.CreateFlagTrigger(ctx, environmentID, trigger); err != nil {
		return nil, "", fmt.Errorf("create flag trigger: %w", err)
	}

	return trigger, token, nil
}

// GetFlagTrigger returns a trigger by id.
func (s *Service) GetFlagTrigger(ctx context.Context, environmentID, id string) (*core.FlagTrigger, error) {
	if strings.TrimSpace(id) == "" {
		return nil, invalid(errors.New("trigger id is required"))
	}

	trigger, err := s.repo.GetFlagTrigger(ctx, environmentID, id)
	if err != nil {
		return nil, notFound(ErrTriggerNotFound, fmt.Errorf("get flag trigger: %w", err))
	}

	return trigger, nil
}

// ListFlagTriggers returns the triggers attached to a feature.
func (s *Service) ListFlagTriggers(ctx context.Context, environmentID, featureID string) ([]*core.FlagTrigger, error) {
	if strings.TrimSpace(featureID) == "" {
		return nil, invalid(errors.New("feature id is required"))
	}

	triggers, err := s.repo.ListFlagTriggers(ctx, environmentID, featureID)
	if err != nil {
		return nil, fmt.Errorf("list flag triggers: %w", err)
	}

	return triggers, nil
}

// UpdateFlagTrigger changes a trigger's description.
func (s *Service) UpdateFlagTrigger(ctx context.Context, environmentID, id string, description *string) (*core.FlagTrigger, error) {
	trigger, err := s.GetFlagTrigger(ctx, environmentID, id)
	if err != nil {
		return nil, err
	}
	if description == nil {
		return trigger, nil
	}

	trigger.Description = *description
	trigger.UpdatedAt = s.now().Unix()
	if err := s.repo.UpdateFlagTrigger(ctx, environmentID, trigger); err != nil {
		return nil, notFound(ErrTriggerNotFound, fmt.Errorf("update flag trigger: %w", err))
	}

	return trigger, nil
}

// EnableFlagTrigger re-enables a disabled trigger.
func (s *Service) EnableFlagTrigger(ctx context.Context, environmentID, id string) (*core.FlagTrigger, error) {
	return s.mutateTrigger(ctx, environmentID, id, func(t *core.FlagTrigger) error {
		return t.Enable(s.now())
	})
}

// DisableFlagTrigger stops a trigger from firing; webhook calls against it
// are rejected until it is enabled again.
func (s *Service) DisableFlagTrigger(ctx context.Context, environmentID, id string) (*core.FlagTrigger, error) {
	return s.mutateTrigger(ctx, environmentID, id, func(t *core.FlagTrigger) error {
		return t.Disable(s.now())
	})
}

// ResetFlagTriggerToken rotates a trigger's webhook token and returns the
// new raw token once. The old webhook URL stops working immediately.
func (s *Service) ResetFlagTriggerToken(ctx context.Context, environmentID, id string) (*core.FlagTrigger, string, error) {
	trigger, err := s.GetFlagTrigger(ctx, environmentID, id)
	if err != nil {
		return nil, "", err
	}

	token, err := trigger.ResetToken(s.now())
	if err != nil {
		return nil, "", fmt.Errorf("reset trigger token: %w", err)
	}

	if err := s.repo.UpdateFlagTrigger(ctx, environmentID, trigger); err != nil {
		return nil, "", notFound(ErrTriggerNotFound, fmt.Errorf("update flag trigger: %w", err))
	}

	return trigger, token, nil
}

// DeleteFlagTrigger removes a trigger.
func (s *Service) DeleteFlagTrigger(ctx context.Context, environmentID, id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid(errors.New("trigger id is required"))
	}

	if err := s.repo.DeleteFlagTrigger(ctx, environmentID, id); err != nil {
		return notFound(ErrTriggerNotFound, fmt.Errorf("delete flag trigger: %w", err))
	}

	return nil
}

// FireWebhookTrigger resolves a raw webhook token, applies the trigger's
// action to its feature, and records the hit. Turning a feature to the
// state it is already in counts as a hit but writes nothing.
func (s *Service) FireWebhookTrigger(ctx context.Context, rawToken string) (*core.FlagTrigger, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, ErrTriggerNotFound
	}

	environmentID, trigger, err := s.repo.GetFlagTriggerByTokenHash(ctx, core.HashTriggerToken(rawToken))
	if err != nil {
		return nil, notFound(ErrTriggerNotFound, fmt.Errorf("resolve webhook token: %w", err))
	}
	if trigger.Disabled {
		return nil, ErrTriggerDisabled
	}

	if err := s.applyTriggerAction(ctx, environmentID, trigger); err != nil {
		return nil, err
	}

	if err := trigger.Fire(s.now()); err != nil {
		return nil, fmt.Errorf("record trigger hit: %w", err)
	}
	if err := s.repo.UpdateFlagTrigger(ctx, environmentID, trigger); err != nil {
		return nil, notFound(ErrTriggerNotFound, fmt.Errorf("update flag trigger: %w", err))
	}

	s.instr.RecordTriggerFire()

	return trigger, nil
}

func (s *Service) applyTriggerAction(ctx context.Context, environmentID string, trigger *core.FlagTrigger) error {
	var err error
	switch trigger.Action {
	case core.TriggerActionOn:
		_, err = s.EnableFeature(ctx, environmentID, trigger.FeatureID)
		if errors.Is(err, core.ErrAlreadyEnabled) {
			err = nil
		}
	case core.TriggerActionOff:
		_, err = s.DisableFeature(ctx, environmentID, trigger.FeatureID)
		if errors.Is(err, core.ErrAlreadyDisabled) {
			err = nil
		}
	default:
		err = invalid(fmt.Errorf("unknown trigger action %q", trigger.Action))
	}

	return err
}

func (s *Service) mutateTrigger(ctx context.Context, environmentID, id string, command func(*core.FlagTrigger) error) (*core.FlagTrigger, error) {
	trigger, err := s.GetFlagTrigger(ctx, environmentID, id)
	if err != nil {
		return nil, err
	}

	if err := command(trigger); err != nil {
		return nil, invalid(err)
	}

	if err := s.repo.UpdateFlagTrigger(ctx, environmentID, trigger); err != nil {
		return nil, notFound(ErrTriggerNotFound, fmt.Errorf("update flag trigger: %w", err))
	}

	return trigger, nil
}
