package server

import (
	"context"

	"github.com/togglr/togglr/internal/core"
	"github.com/togglr/togglr/internal/repository"
	"github.com/togglr/togglr/internal/service"
)

// Service is the surface of the service layer the HTTP handlers need.
type Service interface {
	CreateFeature(ctx context.Context, environmentID string, p service.CreateFeatureParams) (*core.Feature, error)
	GetFeature(ctx context.Context, environmentID, id string) (*core.Feature, error)
	ListFeatures(ctx context.Context, environmentID string, q repository.ListFeaturesQuery) ([]*core.Feature, int64, repository.FeatureSummary, error)
	UpdateFeature(ctx context.Context, environmentID, id string, params core.UpdateParams, expectedVersion *int32) (*core.Feature, error)
	DeleteFeature(ctx context.Context, environmentID, id string) error
	CloneFeature(ctx context.Context, environmentID, id, targetID, maintainer string) (*core.Feature, error)
	ChangeRulesOrder(ctx context.Context, environmentID, id string, ruleIDs []string) (*core.Feature, error)
	ListTags(ctx context.Context, environmentID string) ([]string, error)

	EvaluateFeatures(ctx context.Context, environmentID string, req service.EvaluateRequest) (*core.UserEvaluations, error)
	DebugEvaluateFeatures(ctx context.Context, environmentID string, users []core.User, featureIDs []string) ([]core.Evaluation, []string, error)
	GetUserAttributeKeys(ctx context.Context, environmentID string) ([]string, error)

	ScheduleFlagChange(ctx context.Context, environmentID, featureID string, scheduledAt int64, timezone string, payload core.UpdateParams) (*core.ScheduledFlagChange, error)
	GetScheduledChange(ctx context.Context, environmentID, id string) (*core.ScheduledFlagChange, error)
	ListScheduledChanges(ctx context.Context, environmentID, featureID string) ([]*core.ScheduledFlagChange, error)
	UpdateScheduledChange(ctx context.Context, environmentID, id string, scheduledAt int64, payload *core.UpdateParams) (*core.ScheduledFlagChange, error)
	CancelScheduledChange(ctx context.Context, environmentID, id string) (*core.ScheduledFlagChange, error)
	DeleteScheduledChange(ctx context.Context, environmentID, id string) error

	CreateSegment(ctx context.Context, environmentID, id, name, description string) (*core.Segment, error)
	GetSegment(ctx context.Context, environmentID, id string) (*core.Segment, error)
	ListSegments(ctx context.Context, environmentID string, q repository.ListSegmentsQuery) ([]*core.Segment, int64, error)
	UpdateSegment(ctx context.Context, environmentID, id string, name, description *string, expectedVersion *int32) (*core.Segment, error)
	DeleteSegment(ctx context.Context, environmentID, id string) error
	AddSegmentUsers(ctx context.Context, environmentID, segmentID string, userIDs []string, state core.SegmentUserState) error
	RemoveSegmentUsers(ctx context.Context, environmentID, segmentID string, userIDs []string, state core.SegmentUserState) error
	ListSegmentUsers(ctx context.Context, environmentID, segmentID string, state *core.SegmentUserState) ([]core.SegmentUser, error)
	BulkUploadSegmentUsers(ctx context.Context, environmentID, segmentID string, data []byte, defaultState core.SegmentUserState) error
	BulkDownloadSegmentUsers(ctx context.Context, environmentID, segmentID string) ([]byte, error)

	CreateFlagTrigger(ctx context.Context, environmentID, featureID string, triggerType core.TriggerType, action core.TriggerAction, description string) (*core.FlagTrigger, string, error)
	GetFlagTrigger(ctx context.Context, environmentID, id string) (*core.FlagTrigger, error)
	ListFlagTriggers(ctx context.Context, environmentID, featureID string) ([]*core.FlagTrigger, error)
	UpdateFlagTrigger(ctx context.Context, environmentID, id string, description *string) (*core.FlagTrigger, error)
	EnableFlagTrigger(ctx context.Context, environmentID, id string) (*core.FlagTrigger, error)
	DisableFlagTrigger(ctx context.Context, environmentID, id string) (*core.FlagTrigger, error)
	ResetFlagTriggerToken(ctx context.Context, environmentID, id string) (*core.FlagTrigger, string, error)
	DeleteFlagTrigger(ctx context.Context, environmentID, id string) error
	FireWebhookTrigger(ctx context.Context, rawToken string) (*core.FlagTrigger, error)
}

var _ Service = (*service.Service)(nil)
