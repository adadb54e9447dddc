// Package server exposes the togglr API over HTTP/JSON. Routes are
// registered on a ServeMux with method+path patterns; request bodies are
// size-limited JSON with unknown fields rejected; service sentinel errors
// map onto HTTP status codes. Everything under /v1/ expects the auth
// middleware to have put the environment id on the request context; the
// webhook route is public and resolves its environment from the token.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/togglr/togglr/internal/core"
	"github.com/togglr/togglr/internal/middleware"
	"github.com/togglr/togglr/internal/repository"
	"github.com/togglr/togglr/internal/service"
)

const (
	maxJSONBodyBytes = 1 << 20
	maxCSVBodyBytes  = 8 << 20

	defaultPageSize = 50
	maxPageSize     = 200
)

var errJSONBodyTooLarge = errors.New("json request body too large")

type HTTPServer struct {
	service Service
}

// NewHTTPHandler builds the full route table. metricsHandler serves
// GET /metrics and may be nil when metrics are not wired.
func NewHTTPHandler(svc Service, metricsHandler http.Handler) http.Handler {
	if svc == nil {
		panic("service is nil")
	}
	if metricsHandler == nil {
		metricsHandler = http.NotFoundHandler()
	}

	server := &HTTPServer{service: svc}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/features", server.handleCreateFeature)
	mux.HandleFunc("GET /v1/features", server.handleListFeatures)
	mux.HandleFunc("GET /v1/features/{id}", server.handleGetFeature)
	mux.HandleFunc("PATCH /v1/features/{id}", server.handleUpdateFeature)
	mux.HandleFunc("DELETE /v1/features/{id}", server.handleDeleteFeature)
	mux.HandleFunc("POST /v1/features/{id}/clone", server.handleCloneFeature)
	mux.HandleFunc("POST /v1/features/{id}/rules-order", server.handleChangeRulesOrder)

	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("POST /v1/evaluate/debug", server.handleDebugEvaluate)

	mux.HandleFunc("POST /v1/features/{id}/schedules", server.handleScheduleFlagChange)
	mux.HandleFunc("GET /v1/features/{id}/schedules", server.handleListScheduledChanges)
	mux.HandleFunc("GET /v1/schedules/{id}", server.handleGetScheduledChange)
	mux.HandleFunc("PATCH /v1/schedules/{id}", server.handleUpdateScheduledChange)
	mux.HandleFunc("POST /v1/schedules/{id}/cancel", server.handleCancelScheduledChange)
	mux.HandleFunc("DELETE /v1/schedules/{id}", server.handleDeleteScheduledChange)

	mux.HandleFunc("POST /v1/segments", server.handleCreateSegment)
	mux.HandleFunc("GET /v1/segments", server.handleListSegments)
	mux.HandleFunc("GET /v1/segments/{id}", server.handleGetSegment)
	mux.HandleFunc("PATCH /v1/segments/{id}", server.handleUpdateSegment)
	mux.HandleFunc("DELETE /v1/segments/{id}", server.handleDeleteSegment)
	mux.HandleFunc("POST /v1/segments/{id}/users", server.handleAddSegmentUsers)
	mux.HandleFunc("GET /v1/segments/{id}/users", server.handleListSegmentUsers)
	mux.HandleFunc("DELETE /v1/segments/{id}/users/{userID}", server.handleRemoveSegmentUser)
	mux.HandleFunc("POST /v1/segments/{id}/bulk-upload", server.handleBulkUploadSegmentUsers)
	mux.HandleFunc("GET /v1/segments/{id}/bulk-download", server.handleBulkDownloadSegmentUsers)

	mux.HandleFunc("POST /v1/triggers", server.handleCreateFlagTrigger)
	mux.HandleFunc("GET /v1/triggers", server.handleListFlagTriggers)
	mux.HandleFunc("GET /v1/triggers/{id}", server.handleGetFlagTrigger)
	mux.HandleFunc("PATCH /v1/triggers/{id}", server.handleUpdateFlagTrigger)
	mux.HandleFunc("DELETE /v1/triggers/{id}", server.handleDeleteFlagTrigger)
	mux.HandleFunc("POST /v1/triggers/{id}/enable", server.handleEnableFlagTrigger)
	mux.HandleFunc("POST /v1/triggers/{id}/disable", server.handleDisableFlagTrigger)
	mux.HandleFunc("POST /v1/triggers/{id}/reset", server.handleResetFlagTrigger)
	mux.HandleFunc("POST /webhook/triggers/{token}", server.handleWebhookTrigger)

	mux.HandleFunc("GET /v1/tags", server.handleListTags)
	mux.HandleFunc("GET /v1/attribute-keys", server.handleListAttributeKeys)

	mux.HandleFunc("GET /healthz", server.handleHealthz)
	mux.Handle("GET /metrics", metricsHandler)

	return mux
}

func environmentID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.EnvironmentIDFromContext(r.Context())
	if !ok || strings.TrimSpace(id) == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing environment scope")
		return "", false
	}
	return id, true
}

type createFeatureRequest struct {
	ID                string           `json:"id,omitempty"`
	Name              string           `json:"name"`
	Description       string           `json:"description,omitempty"`
	VariationType     string           `json:"variation_type"`
	Variations        []core.Variation `json:"variations"`
	Tags              []string         `json:"tags,omitempty"`
	OnVariationIndex  int              `json:"on_variation_index"`
	OffVariationIndex int              `json:"off_variation_index"`
	Maintainer        string           `json:"maintainer,omitempty"`
}

func (s *HTTPServer) handleCreateFeature(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	var req createFeatureRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateFeature(r.Context(), env, service.CreateFeatureParams{
		ID:                req.ID,
		Name:              req.Name,
		Description:       req.Description,
		VariationType:     core.VariationType(req.VariationType),
		Variations:        req.Variations,
		Tags:              req.Tags,
		OnVariationIndex:  req.OnVariationIndex,
		OffVariationIndex: req.OffVariationIndex,
		Maintainer:        req.Maintainer,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

type listFeaturesResponse struct {
	Features   []*core.Feature           `json:"features"`
	TotalCount int64                     `json:"total_count"`
	NextCursor string                    `json:"next_cursor,omitempty"`
	Summary    repository.FeatureSummary `json:"summary"`
}

func (s *HTTPServer) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	offset, err := parseCursor(query.Get("cursor"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	limit, err := parsePageSize(query.Get("page_size"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid page_size")
		return
	}

	q := repository.ListFeaturesQuery{
		SearchKeyword:  strings.TrimSpace(query.Get("search_keyword")),
		Maintainer:     strings.TrimSpace(query.Get("maintainer")),
		OrderBy:        query.Get("order_by"),
		OrderDirection: query.Get("order_direction"),
		Limit:          limit,
		Offset:         offset,
	}
	if tags := strings.TrimSpace(query.Get("tags")); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				q.Tags = append(q.Tags, tag)
			}
		}
	}
	if q.Archived, err = parseOptionalBool(query.Get("archived")); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid archived")
		return
	}
	if q.Enabled, err = parseOptionalBool(query.Get("enabled")); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid enabled")
		return
	}
	if q.HasPrerequisites, err = parseOptionalBool(query.Get("has_prerequisites")); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid has_prerequisites")
		return
	}

	features, total, summary, err := s.service.ListFeatures(r.Context(), env, q)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listFeaturesResponse{
		Features:   features,
		TotalCount: total,
		NextCursor: nextCursor(offset, len(features), total),
		Summary:    summary,
	})
}

func (s *HTTPServer) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	feature, err := s.service.GetFeature(r.Context(), env, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, feature)
}

type updateFeatureRequest struct {
	core.UpdateParams
	ExpectedVersion *int32 `json:"expected_version,omitempty"`
}

func (s *HTTPServer) handleUpdateFeature(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	var req updateFeatureRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.UpdateFeature(r.Context(), env, r.PathValue("id"), req.UpdateParams, req.ExpectedVersion)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteFeature(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteFeature(r.Context(), env, r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type cloneFeatureRequest struct {
	TargetID   string `json:"target_id"`
	Maintainer string `json:"maintainer,omitempty"`
}

func (s *HTTPServer) handleCloneFeature(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	var req cloneFeatureRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	clone, err := s.service.CloneFeature(r.Context(), env, r.PathValue("id"), req.TargetID, req.Maintainer)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, clone)
}

type rulesOrderRequest struct {
	RuleIDs []string `json:"rule_ids"`
}

func (s *HTTPServer) handleChangeRulesOrder(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	var req rulesOrderRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.ChangeRulesOrder(r.Context(), env, r.PathValue("id"), req.RuleIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

type evaluateRequest struct {
	User        core.User `json:"user"`
	Tag         string    `json:"tag,omitempty"`
	FeatureID   string    `json:"feature_id,omitempty"`
	PrevStateID string    `json:"prev_state_id,omitempty"`
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	var req evaluateRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	evaluations, err := s.service.EvaluateFeatures(r.Context(), env, service.EvaluateRequest{
		User:        req.User,
		Tag:         req.Tag,
		FeatureID:   req.FeatureID,
		PrevStateID: req.PrevStateID,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, evaluations)
}

type debugEvaluateRequest struct {
	Users      []core.User `json:"users"`
	FeatureIDs []string    `json:"feature_ids,omitempty"`
}

type debugEvaluateResponse struct {
	Evaluations        []core.Evaluation `json:"evaluations"`
	ArchivedFeatureIDs []string          `json:"archived_feature_ids"`
}

func (s *HTTPServer) handleDebugEvaluate(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	var req debugEvaluateRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	evaluations, archived, err := s.service.DebugEvaluateFeatures(r.Context(), env, req.Users, req.FeatureIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, debugEvaluateResponse{
		Evaluations:        evaluations,
		ArchivedFeatureIDs: archived,
	})
}

type scheduleFlagChangeRequest struct {
	ScheduledAt int64             `json:"scheduled_at"`
	Timezone    string            `json:"timezone,omitempty"`
	Payload     core.UpdateParams `json:"payload"`
}

func (s *HTTPServer) handleScheduleFlagChange(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	var req scheduleFlagChangeRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	schedule, err := s.service.ScheduleFlagChange(r.Context(), env, r.PathValue("id"), req.ScheduledAt, req.Timezone, req.Payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, schedule)
}

func (s *HTTPServer) handleListScheduledChanges(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	schedules, err := s.service.ListScheduledChanges(r.Context(), env, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"scheduled_changes": schedules})
}

func (s *HTTPServer) handleGetScheduledChange(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	schedule, err := s.service.GetScheduledChange(r.Context(), env, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, schedule)
}

type updateScheduledChangeRequest struct {
	ScheduledAt int64              `json:"scheduled_at,omitempty"`
	Payload     *core.UpdateParams `json:"payload,omitempty"`
}

func (s *HTTPServer) handleUpdateScheduledChange(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	var req updateScheduledChangeRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	schedule, err := s.service.UpdateScheduledChange(r.Context(), env, r.PathValue("id"), req.ScheduledAt, req.Payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, schedule)
}

func (s *HTTPServer) handleCancelScheduledChange(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	schedule, err := s.service.CancelScheduledChange(r.Context(), env, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, schedule)
}

func (s *HTTPServer) handleDeleteScheduledChange(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteScheduledChange(r.Context(), env, r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type createSegmentRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *HTTPServer) handleCreateSegment(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	var req createSegmentRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	segment, err := s.service.CreateSegment(r.Context(), env, req.ID, req.Name, req.Description)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, segment)
}

type listSegmentsResponse struct {
	Segments   []*core.Segment `json:"segments"`
	TotalCount int64           `json:"total_count"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func (s *HTTPServer) handleListSegments(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	offset, err := parseCursor(query.Get("cursor"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	limit, err := parsePageSize(query.Get("page_size"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid page_size")
		return
	}

	segments, total, err := s.service.ListSegments(r.Context(), env, repository.ListSegmentsQuery{
		SearchKeyword:  strings.TrimSpace(query.Get("search_keyword")),
		OrderBy:        query.Get("order_by"),
		OrderDirection: query.Get("order_direction"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listSegmentsResponse{
		Segments:   segments,
		TotalCount: total,
		NextCursor: nextCursor(offset, len(segments), total),
	})
}

func (s *HTTPServer) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	segment, err := s.service.GetSegment(r.Context(), env, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, segment)
}

type updateSegmentRequest struct {
	Name            *string `json:"name,omitempty"`
	Description     *string `json:"description,omitempty"`
	ExpectedVersion *int32  `json:"expected_version,omitempty"`
}

func (s *HTTPServer) handleUpdateSegment(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	var req updateSegmentRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	segment, err := s.service.UpdateSegment(r.Context(), env, r.PathValue("id"), req.Name, req.Description, req.ExpectedVersion)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, segment)
}

func (s *HTTPServer) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteSegment(r.Context(), env, r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type segmentUsersRequest struct {
	UserIDs []string `json:"user_ids"`
	State   string   `json:"state"`
}

func (s *HTTPServer) handleAddSegmentUsers(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	var req segmentUsersRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	state, err := core.ParseSegmentUserState(req.State)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid state")
		return
	}

	if err := s.service.AddSegmentUsers(r.Context(), env, r.PathValue("id"), req.UserIDs, state); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListSegmentUsers(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	var state *core.SegmentUserState
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		parsed, err := core.ParseSegmentUserState(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid state")
			return
		}
		state = &parsed
	}

	users, err := s.service.ListSegmentUsers(r.Context(), env, r.PathValue("id"), state)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *HTTPServer) handleRemoveSegmentUser(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("state"))
	if raw == "" {
		raw = string(core.SegmentUserIncluded)
	}
	state, err := core.ParseSegmentUserState(raw)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid state")
		return
	}

	err = s.service.RemoveSegmentUsers(r.Context(), env, r.PathValue("id"), []string{r.PathValue("userID")}, state)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleBulkUploadSegmentUsers(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("state"))
	if raw == "" {
		raw = string(core.SegmentUserIncluded)
	}
	state, err := core.ParseSegmentUserState(raw)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid state")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCSVBodyBytes))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "read request body")
		return
	}

	if err := s.service.BulkUploadSegmentUsers(r.Context(), env, r.PathValue("id"), data, state); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleBulkDownloadSegmentUsers(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	data, err := s.service.BulkDownloadSegmentUsers(r.Context(), env, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type createFlagTriggerRequest struct {
	FeatureID   string `json:"feature_id"`
	Type        string `json:"type"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

type flagTriggerResponse struct {
	Trigger *core.FlagTrigger `json:"trigger"`
	// Token is only present on create and reset; it cannot be recovered later.
	Token string `json:"token,omitempty"`
}

func (s *HTTPServer) handleCreateFlagTrigger(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	var req createFlagTriggerRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	trigger, token, err := s.service.CreateFlagTrigger(r.Context(), env, req.FeatureID,
		core.TriggerType(req.Type), core.TriggerAction(req.Action), req.Description)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, flagTriggerResponse{Trigger: trigger, Token: token})
}

func (s *HTTPServer) handleListFlagTriggers(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	triggers, err := s.service.ListFlagTriggers(r.Context(), env, strings.TrimSpace(r.URL.Query().Get("feature_id")))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"triggers": triggers})
}

func (s *HTTPServer) handleGetFlagTrigger(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	trigger, err := s.service.GetFlagTrigger(r.Context(), env, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flagTriggerResponse{Trigger: trigger})
}

type updateFlagTriggerRequest struct {
	Description *string `json:"description,omitempty"`
}

func (s *HTTPServer) handleUpdateFlagTrigger(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	var req updateFlagTriggerRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	trigger, err := s.service.UpdateFlagTrigger(r.Context(), env, r.PathValue("id"), req.Description)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flagTriggerResponse{Trigger: trigger})
}

func (s *HTTPServer) handleDeleteFlagTrigger(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteFlagTrigger(r.Context(), env, r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEnableFlagTrigger(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	trigger, err := s.service.EnableFlagTrigger(r.Context(), env, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flagTriggerResponse{Trigger: trigger})
}

func (s *HTTPServer) handleDisableFlagTrigger(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	trigger, err := s.service.DisableFlagTrigger(r.Context(), env, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flagTriggerResponse{Trigger: trigger})
}

func (s *HTTPServer) handleResetFlagTrigger(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	trigger, token, err := s.service.ResetFlagTriggerToken(r.Context(), env, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flagTriggerResponse{Trigger: trigger, Token: token})
}

func (s *HTTPServer) handleWebhookTrigger(w http.ResponseWriter, r *http.Request) {
	trigger, err := s.service.FireWebhookTrigger(r.Context(), r.PathValue("token"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, flagTriggerResponse{Trigger: trigger})
}

func (s *HTTPServer) handleListTags(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	tags, err := s.service.ListTags(r.Context(), env)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

func (s *HTTPServer) handleListAttributeKeys(w http.ResponseWriter, r *http.Request) {
	env, ok := environmentID(w, r)
	if !ok {
		return
	}

	keys, err := s.service.GetUserAttributeKeys(r.Context(), env)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"attribute_keys": keys})
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseCursor decodes an opaque list cursor. Cursors are base64 of the
// decimal offset; empty means the first page.
func parseCursor(cursor string) (int, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return 0, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("decode cursor: %w", err)
	}
	offset, err := strconv.Atoi(string(decoded))
	if err != nil || offset < 0 {
		return 0, errors.New("invalid cursor offset")
	}

	return offset, nil
}

func encodeCursor(offset int) string {
	return base64.URLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func nextCursor(offset, returned int, total int64) string {
	next := offset + returned
	if returned == 0 || int64(next) >= total {
		return ""
	}
	return encodeCursor(next)
}

func parsePageSize(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultPageSize, nil
	}
	size, err := strconv.Atoi(raw)
	if err != nil || size <= 0 {
		return 0, errors.New("invalid page size")
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return size, nil
}

func parseOptionalBool(raw string) (*bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, err
	}
	return &value, nil
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrFeatureNotFound),
		errors.Is(err, service.ErrSegmentNotFound),
		errors.Is(err, service.ErrTriggerNotFound),
		errors.Is(err, service.ErrScheduleNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, service.ErrVersionConflict), errors.Is(err, service.ErrSegmentInUse):
		writeJSONError(w, http.StatusConflict, serviceErrorMessage(err))
	case errors.Is(err, service.ErrTriggerDisabled):
		writeJSONError(w, http.StatusForbidden, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return err.Error()
	case errors.Is(err, service.ErrFeatureNotFound):
		return "feature not found"
	case errors.Is(err, service.ErrSegmentNotFound):
		return "segment not found"
	case errors.Is(err, service.ErrTriggerNotFound):
		return "trigger not found"
	case errors.Is(err, service.ErrScheduleNotFound):
		return "scheduled change not found"
	case errors.Is(err, service.ErrVersionConflict):
		return "version conflict"
	case errors.Is(err, service.ErrSegmentInUse):
		return "segment is in use"
	case errors.Is(err, service.ErrTriggerDisabled):
		return "trigger is disabled"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
