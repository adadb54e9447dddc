package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TriggerType identifies the source of a flag trigger. Webhook is the only
// supported source.
type TriggerType string

const TriggerTypeWebhook TriggerType = "webhook"

// TriggerAction is what firing the trigger does to the feature.
type TriggerAction string

const (
	TriggerActionOn  TriggerAction = "on"
	TriggerActionOff TriggerAction = "off"
)

var (
	ErrTriggerFeatureIDRequired = errors.New("core: trigger feature id is required")
	ErrTriggerActionInvalid     = errors.New("core: trigger action must be on or off")
	ErrTriggerTypeInvalid       = errors.New("core: trigger type must be webhook")
	ErrTriggerDisabled          = errors.New("core: trigger is disabled")
	ErrTriggerAlreadyEnabled    = errors.New("core: trigger is already enabled")
	ErrTriggerAlreadyDisabled   = errors.New("core: trigger is already disabled")
)

// FlagTrigger turns a feature on or off when its webhook token is presented.
// Only the sha256 digest of the token is retained; the raw token is handed
// out once at creation or reset.
type FlagTrigger struct {
	ID              string        `json:"id"`
	FeatureID       string        `json:"feature_id"`
	Type            TriggerType   `json:"type"`
	Action          TriggerAction `json:"action"`
	Description     string        `json:"description,omitempty"`
	TokenHash       string        `json:"-"`
	Disabled        bool          `json:"disabled"`
	TriggerCount    int64         `json:"trigger_count"`
	LastTriggeredAt int64         `json:"last_triggered_at,omitempty"`
	CreatedAt       int64         `json:"created_at"`
	UpdatedAt       int64         `json:"updated_at"`
}

// NewFlagTrigger builds an enabled webhook trigger and returns it together
// with the raw token, which is not recoverable afterwards.
func NewFlagTrigger(featureID string, triggerType TriggerType, action TriggerAction, description string, now time.Time) (*FlagTrigger, string, error) {
	if strings.TrimSpace(featureID) == "" {
		return nil, "", ErrTriggerFeatureIDRequired
	}
	if triggerType != TriggerTypeWebhook {
		return nil, "", ErrTriggerTypeInvalid
	}
	if action != TriggerActionOn && action != TriggerActionOff {
		return nil, "", ErrTriggerActionInvalid
	}
	token, err := newTriggerToken()
	if err != nil {
		return nil, "", err
	}
	ts := now.Unix()
	return &FlagTrigger{
		ID:          uuid.NewString(),
		FeatureID:   featureID,
		Type:        triggerType,
		Action:      action,
		Description: description,
		TokenHash:   HashTriggerToken(token),
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}, token, nil
}

// Enable re-arms a disabled trigger.
func (t *FlagTrigger) Enable(now time.Time) error {
	if !t.Disabled {
		return ErrTriggerAlreadyEnabled
	}
	t.Disabled = false
	t.UpdatedAt = now.Unix()
	return nil
}

// Disable stops the trigger from firing without deleting it.
func (t *FlagTrigger) Disable(now time.Time) error {
	if t.Disabled {
		return ErrTriggerAlreadyDisabled
	}
	t.Disabled = true
	t.UpdatedAt = now.Unix()
	return nil
}

// ResetToken rotates the webhook token, invalidating the previous URL, and
// returns the new raw token.
func (t *FlagTrigger) ResetToken(now time.Time) (string, error) {
	token, err := newTriggerToken()
	if err != nil {
		return "", err
	}
	t.TokenHash = HashTriggerToken(token)
	t.UpdatedAt = now.Unix()
	return token, nil
}

// Fire records a webhook hit. The caller applies the action to the feature.
func (t *FlagTrigger) Fire(now time.Time) error {
	if t.Disabled {
		return ErrTriggerDisabled
	}
	t.TriggerCount++
	t.LastTriggeredAt = now.Unix()
	t.UpdatedAt = now.Unix()
	return nil
}

// HashTriggerToken digests a raw token for storage and lookup.
func HashTriggerToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newTriggerToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
