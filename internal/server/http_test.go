package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/togglr/togglr/internal/core"
	"github.com/togglr/togglr/internal/middleware"
	"github.com/togglr/togglr/internal/repository"
	"github.com/togglr/togglr/internal/service"
)

// fakeService returns canned values and records the environment id it was
// called with.
type fakeService struct {
	feature     *core.Feature
	features    []*core.Feature
	total       int64
	segment     *core.Segment
	segments    []*core.Segment
	users       []core.SegmentUser
	trigger     *core.FlagTrigger
	triggers    []*core.FlagTrigger
	token       string
	schedule    *core.ScheduledFlagChange
	schedules   []*core.ScheduledFlagChange
	evaluations *core.UserEvaluations
	tags        []string
	keys        []string
	csv         []byte
	summary     repository.FeatureSummary
	err         error

	gotEnvironmentID string
	gotFeatureQuery  repository.ListFeaturesQuery
	gotWebhookToken  string
}

func (f *fakeService) CreateFeature(_ context.Context, env string, _ service.CreateFeatureParams) (*core.Feature, error) {
	f.gotEnvironmentID = env
	return f.feature, f.err
}

func (f *fakeService) GetFeature(_ context.Context, env, _ string) (*core.Feature, error) {
	f.gotEnvironmentID = env
	return f.feature, f.err
}

func (f *fakeService) ListFeatures(_ context.Context, env string, q repository.ListFeaturesQuery) ([]*core.Feature, int64, repository.FeatureSummary, error) {
	f.gotEnvironmentID = env
	f.gotFeatureQuery = q
	return f.features, f.total, f.summary, f.err
}

func (f *fakeService) UpdateFeature(_ context.Context, env, _ string, _ core.UpdateParams, _ *int32) (*core.Feature, error) {
	f.gotEnvironmentID = env
	return f.feature, f.err
}

func (f *fakeService) DeleteFeature(_ context.Context, env, _ string) error {
	f.gotEnvironmentID = env
	return f.err
}

func (f *fakeService) CloneFeature(_ context.Context, env, _, _, _ string) (*core.Feature, error) {
	f.gotEnvironmentID = env
	return f.feature, f.err
}

func (f *fakeService) ChangeRulesOrder(_ context.Context, env, _ string, _ []string) (*core.Feature, error) {
	f.gotEnvironmentID = env
	return f.feature, f.err
}

func (f *fakeService) ListTags(_ context.Context, env string) ([]string, error) {
	f.gotEnvironmentID = env
	return f.tags, f.err
}

func (f *fakeService) EvaluateFeatures(_ context.Context, env string, _ service.EvaluateRequest) (*core.UserEvaluations, error) {
	f.gotEnvironmentID = env
	return f.evaluations, f.err
}

func (f *fakeService) DebugEvaluateFeatures(_ context.Context, env string, _ []core.User, _ []string) ([]core.Evaluation, []string, error) {
	f.gotEnvironmentID = env
	if f.evaluations == nil {
		return nil, nil, f.err
	}
	return f.evaluations.Evaluations, f.evaluations.ArchivedFeatureIDs, f.err
}

func (f *fakeService) GetUserAttributeKeys(_ context.Context, env string) ([]string, error) {
	f.gotEnvironmentID = env
	return f.keys, f.err
}

func (f *fakeService) ScheduleFlagChange(_ context.Context, env, _ string, _ int64, _ string, _ core.UpdateParams) (*core.ScheduledFlagChange, error) {
	f.gotEnvironmentID = env
	return f.schedule, f.err
}

func (f *fakeService) GetScheduledChange(_ context.Context, env, _ string) (*core.ScheduledFlagChange, error) {
	f.gotEnvironmentID = env
	return f.schedule, f.err
}

func (f *fakeService) ListScheduledChanges(_ context.Context, env, _ string) ([]*core.ScheduledFlagChange, error) {
	f.gotEnvironmentID = env
	return f.schedules, f.err
}

func (f *fakeService) UpdateScheduledChange(_ context.Context, env, _ string, _ int64, _ *core.UpdateParams) (*core.ScheduledFlagChange, error) {
	f.gotEnvironmentID = env
	return f.schedule, f.err
}

func (f *fakeService) CancelScheduledChange(_ context.Context, env, _ string) (*core.ScheduledFlagChange, error) {
	f.gotEnvironmentID = env
	return f.schedule, f.err
}

func (f *fakeService) DeleteScheduledChange(_ context.Context, env, _ string) error {
	f.gotEnvironmentID = env
	return f.err
}

func (f *fakeService) CreateSegment(_ context.Context, env, _, _, _ string) (*core.Segment, error) {
	f.gotEnvironmentID = env
	return f.segment, f.err
}

func (f *fakeService) GetSegment(_ context.Context, env, _ string) (*core.Segment, error) {
	f.gotEnvironmentID = env
	return f.segment, f.err
}

func (f *fakeService) ListSegments(_ context.Context, env string, _ repository.ListSegmentsQuery) ([]*core.Segment, int64, error) {
	f.gotEnvironmentID = env
	return f.segments, f.total, f.err
}

func (f *fakeService) UpdateSegment(_ context.Context, env, _ string, _, _ *string, _ *int32) (*core.Segment, error) {
	f.gotEnvironmentID = env
	return f.segment, f.err
}

func (f *fakeService) DeleteSegment(_ context.Context, env, _ string) error {
	f.gotEnvironmentID = env
	return f.err
}

func (f *fakeService) AddSegmentUsers(_ context.Context, env, _ string, _ []string, _ core.SegmentUserState) error {
	f.gotEnvironmentID = env
	return f.err
}

func (f *fakeService) RemoveSegmentUsers(_ context.Context, env, _ string, _ []string, _ core.SegmentUserState) error {
	f.gotEnvironmentID = env
	return f.err
}

func (f *fakeService) ListSegmentUsers(_ context.Context, env, _ string, _ *core.SegmentUserState) ([]core.SegmentUser, error) {
	f.gotEnvironmentID = env
	return f.users, f.err
}

func (f *fakeService) BulkUploadSegmentUsers(_ context.Context, env, _ string, _ []byte, _ core.SegmentUserState) error {
	f.gotEnvironmentID = env
	return f.err
}

func (f *fakeService) BulkDownloadSegmentUsers(_ context.Context, env, _ string) ([]byte, error) {
	f.gotEnvironmentID = env
	return f.csv, f.err
}

func (f *fakeService) CreateFlagTrigger(_ context.Context, env, _ string, _ core.TriggerType, _ core.TriggerAction, _ string) (*core.FlagTrigger, string, error) {
	f.gotEnvironmentID = env
	return f.trigger, f.token, f.err
}

func (f *fakeService) GetFlagTrigger(_ context.Context, env, _ string) (*core.FlagTrigger, error) {
	f.gotEnvironmentID = env
	return f.trigger, f.err
}

func (f *fakeService) ListFlagTriggers(_ context.Context, env, _ string) ([]*core.FlagTrigger, error) {
	f.gotEnvironmentID = env
	return f.triggers, f.err
}

func (f *fakeService) UpdateFlagTrigger(_ context.Context, env, _ string, _ *string) (*core.FlagTrigger, error) {
	f.gotEnvironmentID = env
	return f.trigger, f.err
}

func (f *fakeService) EnableFlagTrigger(_ context.Context, env, _ string) (*core.FlagTrigger, error) {
	f.gotEnvironmentID = env
	return f.trigger, f.err
}

func (f *fakeService) DisableFlagTrigger(_ context.Context, env, _ string) (*core.FlagTrigger, error) {
	f.gotEnvironmentID = env
	return f.trigger, f.err
}

func (f *fakeService) ResetFlagTriggerToken(_ context.Context, env, _ string) (*core.FlagTrigger, string, error) {
	f.gotEnvironmentID = env
	return f.trigger, f.token, f.err
}

func (f *fakeService) DeleteFlagTrigger(_ context.Context, env, _ string) error {
	f.gotEnvironmentID = env
	return f.err
}

func (f *fakeService) FireWebhookTrigger(_ context.Context, rawToken string) (*core.FlagTrigger, error) {
	f.gotWebhookToken = rawToken
	return f.trigger, f.err
}

var _ Service = (*fakeService)(nil)

func newScopedRequest(method, target string, body []byte) *http.Request {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	}
	ctx := middleware.NewContextWithEnvironmentID(req.Context(), "production")
	return req.WithContext(ctx)
}

func testFeature(t *testing.T) *core.Feature {
	t.Helper()
	f, err := core.NewFeature(core.NewFeatureParams{
		ID:            "checkout",
		Name:          "checkout",
		VariationType: core.VariationTypeBoolean,
		Variations: []core.Variation{
			{Value: "true", Name: "on"},
			{Value: "false", Name: "off"},
		},
		OnVariationIndex:  0,
		OffVariationIndex: 1,
	}, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("NewFeature() error = %v", err)
	}
	return f
}

func TestHandleCreateFeature(t *testing.T) {
	svc := &fakeService{}
	handler := NewHTTPHandler(svc, nil)
	svc.feature = testFeature(t)

	body := []byte(`{"id":"checkout","name":"checkout","variation_type":"boolean","variations":[{"value":"true"},{"value":"false"}],"off_variation_index":1}`)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newScopedRequest(http.MethodPost, "/v1/features", body))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	if svc.gotEnvironmentID != "production" {
		t.Fatalf("environment = %q, want production", svc.gotEnvironmentID)
	}

	var got core.Feature
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.ID != "checkout" {
		t.Fatalf("feature id = %q, want checkout", got.ID)
	}
}

func TestMissingEnvironmentScope(t *testing.T) {
	handler := NewHTTPHandler(&fakeService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/features", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestHandleListFeatures(t *testing.T) {
	t.Run("emits a next cursor while more pages remain", func(t *testing.T) {
		svc := &fakeService{features: []*core.Feature{testFeature(t)}, total: 5}
		handler := NewHTTPHandler(svc, nil)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newScopedRequest(http.MethodGet, "/v1/features?page_size=1&tags=web,%20payments&enabled=true", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}

		var resp listFeaturesResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if resp.TotalCount != 5 {
			t.Fatalf("total = %d, want 5", resp.TotalCount)
		}
		if resp.NextCursor == "" {
			t.Fatal("expected a next cursor")
		}
		offset, err := parseCursor(resp.NextCursor)
		if err != nil || offset != 1 {
			t.Fatalf("parseCursor(%q) = %d, %v; want 1, nil", resp.NextCursor, offset, err)
		}

		if got := svc.gotFeatureQuery.Tags; len(got) != 2 || got[0] != "web" || got[1] != "payments" {
			t.Fatalf("tags = %v, want [web payments]", got)
		}
		if svc.gotFeatureQuery.Enabled == nil || !*svc.gotFeatureQuery.Enabled {
			t.Fatal("expected enabled filter true")
		}
		if svc.gotFeatureQuery.Limit != 1 {
			t.Fatalf("limit = %d, want 1", svc.gotFeatureQuery.Limit)
		}
	})

	t.Run("last page has no cursor", func(t *testing.T) {
		svc := &fakeService{features: []*core.Feature{testFeature(t)}, total: 1}
		handler := NewHTTPHandler(svc, nil)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newScopedRequest(http.MethodGet, "/v1/features", nil))

		var resp listFeaturesResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if resp.NextCursor != "" {
			t.Fatalf("next cursor = %q, want empty", resp.NextCursor)
		}
	})

	t.Run("carries the summary and prerequisite filter", func(t *testing.T) {
		svc := &fakeService{
			features: []*core.Feature{testFeature(t)},
			total:    1,
			summary:  repository.FeatureSummary{Total: 4, Active: 3, Inactive: 1},
		}
		handler := NewHTTPHandler(svc, nil)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newScopedRequest(http.MethodGet, "/v1/features?has_prerequisites=true", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}

		var resp listFeaturesResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if resp.Summary != (repository.FeatureSummary{Total: 4, Active: 3, Inactive: 1}) {
			t.Fatalf("summary = %+v, want total 4 active 3 inactive 1", resp.Summary)
		}
		if svc.gotFeatureQuery.HasPrerequisites == nil || !*svc.gotFeatureQuery.HasPrerequisites {
			t.Fatal("expected has_prerequisites filter true")
		}
	})

	t.Run("rejects a malformed has_prerequisites", func(t *testing.T) {
		handler := NewHTTPHandler(&fakeService{}, nil)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newScopedRequest(http.MethodGet, "/v1/features?has_prerequisites=maybe", nil))

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("rejects a malformed cursor", func(t *testing.T) {
		handler := NewHTTPHandler(&fakeService{}, nil)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newScopedRequest(http.MethodGet, "/v1/features?cursor=%3Fnot-base64%3F", nil))

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"invalid request", service.ErrInvalidRequest, http.StatusBadRequest},
		{"feature not found", service.ErrFeatureNotFound, http.StatusNotFound},
		{"segment not found", service.ErrSegmentNotFound, http.StatusNotFound},
		{"version conflict", service.ErrVersionConflict, http.StatusConflict},
		{"segment in use", service.ErrSegmentInUse, http.StatusConflict},
		{"internal", context.DeadlineExceeded, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHTTPHandler(&fakeService{err: tt.err}, nil)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, newScopedRequest(http.MethodGet, "/v1/features/checkout", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleUpdateFeatureRejectsUnknownFields(t *testing.T) {
	handler := NewHTTPHandler(&fakeService{}, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newScopedRequest(http.MethodPatch, "/v1/features/checkout", []byte(`{"bogus":true}`)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleWebhookTrigger(t *testing.T) {
	t.Run("fires without environment scope", func(t *testing.T) {
		trigger := &core.FlagTrigger{ID: "trig-1", FeatureID: "checkout", TriggerCount: 1}
		svc := &fakeService{trigger: trigger}
		handler := NewHTTPHandler(svc, nil)

		req := httptest.NewRequest(http.MethodPost, "/webhook/triggers/raw-token", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		if svc.gotWebhookToken != "raw-token" {
			t.Fatalf("token = %q, want raw-token", svc.gotWebhookToken)
		}

		var resp flagTriggerResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if resp.Token != "" {
			t.Fatal("webhook response must not carry a token")
		}
		if resp.Trigger == nil || resp.Trigger.TriggerCount != 1 {
			t.Fatalf("trigger = %+v, want count 1", resp.Trigger)
		}
	})

	t.Run("disabled trigger maps to forbidden", func(t *testing.T) {
		handler := NewHTTPHandler(&fakeService{err: service.ErrTriggerDisabled}, nil)

		req := httptest.NewRequest(http.MethodPost, "/webhook/triggers/raw-token", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
		}
	})
}

func TestHandleCreateFlagTriggerReturnsToken(t *testing.T) {
	svc := &fakeService{trigger: &core.FlagTrigger{ID: "trig-1"}, token: "trig-1-secret"}
	handler := NewHTTPHandler(svc, nil)

	body := []byte(`{"feature_id":"checkout","type":"webhook","action":"on"}`)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newScopedRequest(http.MethodPost, "/v1/triggers", body))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp flagTriggerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Token != "trig-1-secret" {
		t.Fatalf("token = %q, want trig-1-secret", resp.Token)
	}
}

func TestHandleBulkDownloadSegmentUsers(t *testing.T) {
	svc := &fakeService{csv: []byte("user_id,state\nu1,included\n")}
	handler := NewHTTPHandler(svc, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newScopedRequest(http.MethodGet, "/v1/segments/beta/bulk-download", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/csv" {
		t.Fatalf("content type = %q, want text/csv", got)
	}
	if !strings.HasPrefix(rec.Body.String(), "user_id,state\n") {
		t.Fatalf("body = %q, want csv with header", rec.Body.String())
	}
}

func TestHandleAddSegmentUsersRejectsBadState(t *testing.T) {
	handler := NewHTTPHandler(&fakeService{}, nil)

	body := []byte(`{"user_ids":["u1"],"state":"sideways"}`)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newScopedRequest(http.MethodPost, "/v1/segments/beta/users", body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleHealthz(t *testing.T) {
	handler := NewHTTPHandler(&fakeService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("body = %q, want status ok", rec.Body.String())
	}
}

func TestDecodeJSONBodyLimits(t *testing.T) {
	t.Run("oversized body", func(t *testing.T) {
		handler := NewHTTPHandler(&fakeService{}, nil)

		big := bytes.Repeat([]byte("a"), maxJSONBodyBytes+1)
		body := []byte(`{"name":"` + string(big) + `"}`)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newScopedRequest(http.MethodPost, "/v1/features", body))

		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
		}
	})

	t.Run("trailing data", func(t *testing.T) {
		handler := NewHTTPHandler(&fakeService{}, nil)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newScopedRequest(http.MethodPost, "/v1/features", []byte(`{"name":"a"}{"name":"b"}`)))

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})
}
