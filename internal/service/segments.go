package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/togglr/togglr/internal/core"
	"github.com/togglr/togglr/internal/repository"
)

// CreateSegment builds and persists a new segment at version 1.
func (s *Service) CreateSegment(ctx context.Context, environmentID, id, name, description string) (*core.Segment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}

	segment, err := core.NewSegment(id, name, description, s.now())
	if err != nil {
		return nil, invalid(err)
	}

	if err := s.repo.CreateSegment(ctx, environmentID, segment); err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}

	return segment, nil
}

// GetSegment returns a segment by id with its in-use flag computed against
// the environment's current features.
func (s *Service) GetSegment(ctx context.Context, environmentID, id string) (*core.Segment, error) {
	if strings.TrimSpace(id) == "" {
		return nil, invalid(errors.New("segment id is required"))
	}

	segment, err := s.repo.GetSegment(ctx, environmentID, id)
	if err != nil {
		return nil, notFound(ErrSegmentNotFound, fmt.Errorf("get segment: %w", err))
	}

	inUse, err := s.segmentInUse(ctx, environmentID, id)
	if err != nil {
		return nil, err
	}
	segment.InUse = inUse

	return segment, nil
}

// ListSegments returns one page of the environment's segments plus the
// total count, each with its in-use flag set.
func (s *Service) ListSegments(ctx context.Context, environmentID string, q repository.ListSegmentsQuery) ([]*core.Segment, int64, error) {
	segments, total, err := s.repo.ListSegments(ctx, environmentID, q)
	if err != nil {
		return nil, 0, fmt.Errorf("list segments: %w", err)
	}

	referenced, err := s.referencedSegmentIDs(ctx, environmentID)
	if err != nil {
		return nil, 0, err
	}
	for _, segment := range segments {
		segment.InUse = referenced[segment.ID]
	}

	return segments, total, nil
}

// UpdateSegment applies a partial update to name and description, guarded
// by the expected version when given.
func (s *Service) UpdateSegment(ctx context.Context, environmentID, id string, name, description *string, expectedVersion *int32) (*core.Segment, error) {
	current, err := s.GetSegment(ctx, environmentID, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != nil && *expectedVersion != current.Version {
		return nil, ErrVersionConflict
	}
	if name == nil && description == nil {
		return current, nil
	}

	updated := *current
	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" {
			return nil, invalid(core.ErrSegmentNameRequired)
		}
		updated.Name = trimmed
	}
	if description != nil {
		updated.Description = *description
	}
	updated.Version = current.Version + 1
	updated.UpdatedAt = s.now().Unix()

	if err := s.repo.UpdateSegment(ctx, environmentID, &updated, current.Version); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil, ErrVersionConflict
		}
		return nil, notFound(ErrSegmentNotFound, fmt.Errorf("update segment: %w", err))
	}

	return &updated, nil
}

// DeleteSegment removes a segment and its memberships. Segments referenced
// by any feature rule cannot be deleted.
func (s *Service) DeleteSegment(ctx context.Context, environmentID, id string) error {
	segment, err := s.GetSegment(ctx, environmentID, id)
	if err != nil {
		return err
	}
	if segment.InUse {
		return ErrSegmentInUse
	}

	if err := s.repo.DeleteSegment(ctx, environmentID, id); err != nil {
		return notFound(ErrSegmentNotFound, fmt.Errorf("delete segment: %w", err))
	}

	s.invalidateEnvironment(environmentID)

	return nil
}

// AddSegmentUsers adds users to a segment in the given state, moving them
// if they were already present in the other state.
func (s *Service) AddSegmentUsers(ctx context.Context, environmentID, segmentID string, userIDs []string, state core.SegmentUserState) error {
	userIDs, err := s.checkSegmentUsersInput(ctx, environmentID, segmentID, userIDs, state)
	if err != nil {
		return err
	}

	if err := s.repo.AddSegmentUsers(ctx, environmentID, segmentID, userIDs, state, s.now().Unix()); err != nil {
		return fmt.Errorf("add segment users: %w", err)
	}

	s.invalidateEnvironment(environmentID)
	s.publishFlagEventBestEffort(ctx, environmentID, segmentID, EventTypeUpdated, struct {
		SegmentID string `json:"segment_id"`
	}{SegmentID: segmentID})

	return nil
}

// RemoveSegmentUsers removes users from a segment's state.
func (s *Service) RemoveSegmentUsers(ctx context.Context, environmentID, segmentID string, userIDs []string, state core.SegmentUserState) error {
	userIDs, err := s.checkSegmentUsersInput(ctx, environmentID, segmentID, userIDs, state)
	if err != nil {
		return err
	}

	if err := s.repo.RemoveSegmentUsers(ctx, environmentID, segmentID, userIDs, state, s.now().Unix()); err != nil {
		return fmt.Errorf("remove segment users: %w", err)
	}

	s.invalidateEnvironment(environmentID)
	s.publishFlagEventBestEffort(ctx, environmentID, segmentID, EventTypeUpdated, struct {
		SegmentID string `json:"segment_id"`
	}{SegmentID: segmentID})

	return nil
}

// ListSegmentUsers returns a segment's membership, optionally filtered to
// one state.
func (s *Service) ListSegmentUsers(ctx context.Context, environmentID, segmentID string, state *core.SegmentUserState) ([]core.SegmentUser, error) {
	if _, err := s.GetSegment(ctx, environmentID, segmentID); err != nil {
		return nil, err
	}

	users, err := s.repo.ListSegmentUsers(ctx, environmentID, segmentID, state)
	if err != nil {
		return nil, fmt.Errorf("list segment users: %w", err)
	}

	return users, nil
}

// BulkUploadSegmentUsers replaces a segment's entire membership from a CSV
// payload. Rows carry a user id and optionally a state; rows without a
// state use defaultState, and a state absent from the CSV is cleared. A
// header row named user_id is skipped.
func (s *Service) BulkUploadSegmentUsers(ctx context.Context, environmentID, segmentID string, data []byte, defaultState core.SegmentUserState) error {
	if _, err := s.GetSegment(ctx, environmentID, segmentID); err != nil {
		return err
	}

	byState, err := parseSegmentUsersCSV(data, defaultState)
	if err != nil {
		return invalid(err)
	}

	now := s.now().Unix()
	for _, state := range []core.SegmentUserState{core.SegmentUserIncluded, core.SegmentUserExcluded} {
		if err := s.repo.ReplaceSegmentUsers(ctx, environmentID, segmentID, byState[state], state, now); err != nil {
			return fmt.Errorf("replace segment users: %w", err)
		}
	}

	s.invalidateEnvironment(environmentID)
	s.publishFlagEventBestEffort(ctx, environmentID, segmentID, EventTypeUpdated, struct {
		SegmentID string `json:"segment_id"`
	}{SegmentID: segmentID})

	return nil
}

// BulkDownloadSegmentUsers renders a segment's full membership as CSV with
// a user_id,state header.
func (s *Service) BulkDownloadSegmentUsers(ctx context.Context, environmentID, segmentID string) ([]byte, error) {
	users, err := s.ListSegmentUsers(ctx, environmentID, segmentID, nil)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"user_id", "state"}); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, u := range users {
		if err := w.Write([]string{u.UserID, string(u.State)}); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}

	return buf.Bytes(), nil
}

func (s *Service) checkSegmentUsersInput(ctx context.Context, environmentID, segmentID string, userIDs []string, state core.SegmentUserState) ([]string, error) {
	if _, err := core.ParseSegmentUserState(string(state)); err != nil {
		return nil, invalid(err)
	}
	if _, err := s.GetSegment(ctx, environmentID, segmentID); err != nil {
		return nil, err
	}

	cleaned := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return nil, invalid(errors.New("at least one user id is required"))
	}

	return cleaned, nil
}

func (s *Service) segmentInUse(ctx context.Context, environmentID, segmentID string) (bool, error) {
	referenced, err := s.referencedSegmentIDs(ctx, environmentID)
	if err != nil {
		return false, err
	}

	return referenced[segmentID], nil
}

func (s *Service) referencedSegmentIDs(ctx context.Context, environmentID string) (map[string]bool, error) {
	snap, err := s.snapshot(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	referenced := make(map[string]bool)
	for _, f := range snap.features {
		if f.Deleted {
			continue
		}
		for _, id := range f.SegmentIDs() {
			referenced[id] = true
		}
	}

	return referenced, nil
}

func parseSegmentUsersCSV(data []byte, defaultState core.SegmentUserState) (map[core.SegmentUserState][]string, error) {
	defaultState, err := core.ParseSegmentUserState(string(defaultState))
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	byState := make(map[core.SegmentUserState][]string)
	seen := make(map[string]bool)
	for i, record := range records {
		if len(record) == 0 {
			continue
		}
		userID := strings.TrimSpace(record[0])
		if userID == "" {
			continue
		}
		if i == 0 && strings.EqualFold(userID, "user_id") {
			continue
		}

		state := defaultState
		if len(record) > 1 && strings.TrimSpace(record[1]) != "" {
			state, err = core.ParseSegmentUserState(record[1])
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i+1, err)
			}
		}

		key := userID + "\x00" + string(state)
		if seen[key] {
			continue
		}
		seen[key] = true
		byState[state] = append(byState[state], userID)
	}

	if len(byState) == 0 {
		return nil, errors.New("csv contains no user rows")
	}

	return byState, nil
}
