package core

import (
	"errors"
	"strings"
	"time"
)

// SegmentUserState classifies a user's relationship to a segment.
type SegmentUserState string

const (
	SegmentUserIncluded SegmentUserState = "included"
	SegmentUserExcluded SegmentUserState = "excluded"
)

var (
	ErrSegmentIDRequired       = errors.New("core: segment id is required")
	ErrSegmentNameRequired     = errors.New("core: segment name is required")
	ErrSegmentUserIDRequired   = errors.New("core: segment user id is required")
	ErrSegmentUserStateInvalid = errors.New("core: segment user state is invalid")
)

// Segment is a named, reusable set of users referenced from rule clauses by
// id.
type Segment struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	IncludedCount int64  `json:"included_user_count"`
	ExcludedCount int64  `json:"excluded_user_count"`
	InUse         bool   `json:"is_in_use"`
	Version       int32  `json:"version"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// SegmentUser is one membership entry of a segment.
type SegmentUser struct {
	SegmentID string           `json:"segment_id"`
	UserID    string           `json:"user_id"`
	State     SegmentUserState `json:"state"`
}

// NewSegment builds a segment at version 1.
func NewSegment(id, name, description string, now time.Time) (*Segment, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrSegmentIDRequired
	}
	if strings.TrimSpace(name) == "" {
		return nil, ErrSegmentNameRequired
	}
	ts := now.Unix()
	return &Segment{
		ID:          id,
		Name:        name,
		Description: description,
		Version:     1,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}, nil
}

// ParseSegmentUserState parses a state string, case-insensitively.
func ParseSegmentUserState(s string) (SegmentUserState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(SegmentUserIncluded):
		return SegmentUserIncluded, nil
	case string(SegmentUserExcluded):
		return SegmentUserExcluded, nil
	default:
		return "", ErrSegmentUserStateInvalid
	}
}

// isSegmentMember reports whether userID belongs to the segment described by
// users. An excluded entry always wins over an included one; a user with no
// entry, or an unknown segment (empty users), is a non-member.
func isSegmentMember(userID string, users []SegmentUser) bool {
	included := false
	for _, u := range users {
		if u.UserID != userID {
			continue
		}
		if u.State == SegmentUserExcluded {
			return false
		}
		if u.State == SegmentUserIncluded {
			included = true
		}
	}
	return included
}
