// Package scoring implements abuse/risk scoring for message-sending entities.
//
// Every abuse signal (spam report, provider ban, bounce spike) is recorded as
// an immutable RiskEvent; the live score on RiskScore is the cached sum of
// weighted points minus time decay. Score bands map to risk levels, levels
// map to policy actions, and the suspend action drives a suspension state
// machine with cooldown-based auto-unlock.
//
// The live score is authoritative for admission decisions; the event stream
// exists so the score can be rebuilt offline for reconciliation.
package scoring

import (
	"context"
	"errors"
	"time"

	"github.com/yudhap/blastgate/internal/rules"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrScoreNotFound    = errors.New("risk score not found")
	ErrVersionConflict  = errors.New("risk score version conflict")
)

// EntityType identifies what kind of thing is being scored
type EntityType string

const (
	EntityUser     EntityType = "user"
	EntitySender   EntityType = "sender"
	EntityCampaign EntityType = "campaign"
)

// SuspensionType classifies a suspension
type SuspensionType string

const (
	SuspensionNone      SuspensionType = "none"
	SuspensionTemporary SuspensionType = "temporary"
	SuspensionPermanent SuspensionType = "permanent"
)

// Override is a manual admin decision that bypasses score-derived actions
type Override string

const (
	OverrideNone      Override = ""
	OverrideWhitelist Override = "whitelist"
	OverrideBlacklist Override = "blacklist"
)

// RiskScore is the current risk state of one entity.
//
// Score is the raw value as of LastEventAt; decay is applied at read time,
// so the persisted number never needs a background job to stay correct.
type RiskScore struct {
	EntityType     EntityType         `json:"entityType"`
	EntityID       string             `json:"entityId"`
	OwnerID        string             `json:"ownerId"`
	Score          float64            `json:"score"`
	Level          rules.RiskLevel    `json:"level"`
	PolicyAction   rules.PolicyAction `json:"policyAction"`
	IsSuspended    bool               `json:"isSuspended"`
	SuspensionType SuspensionType     `json:"suspensionType"`
	SuspendedAt    *time.Time         `json:"suspendedAt,omitempty"`
	CooldownDays   int                `json:"cooldownDays"`
	Override       Override           `json:"override,omitempty"`
	LastEventAt    time.Time          `json:"lastEventAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`

	// Version supports compare-and-swap updates across processes.
	Version int64 `json:"-"`
}

// Key returns the lock/storage key for this entity
func (rs *RiskScore) Key() string {
	return EntityKey(rs.EntityType, rs.EntityID)
}

// EntityKey builds the composite key for an entity
func EntityKey(entityType EntityType, entityID string) string {
	return string(entityType) + ":" + entityID
}

// RiskEvent is one recorded abuse signal. Append-only; never updated.
type RiskEvent struct {
	ID             string         `json:"id"`
	EntityType     EntityType     `json:"entityType"`
	EntityID       string         `json:"entityId"`
	OwnerID        string         `json:"ownerId"`
	EventType      string         `json:"eventType"`
	Points         float64        `json:"points"`         // raw signed points as reported
	WeightedPoints float64        `json:"weightedPoints"` // after factor weight and clamp
	Severity       string         `json:"severity"`
	Evidence       map[string]any `json:"evidence,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
}

// Store persists risk scores and their event streams.
// Update must fail with ErrVersionConflict when the stored version differs
// from the one on the passed score.
type Store interface {
	Get(ctx context.Context, entityType EntityType, entityID string) (*RiskScore, error)
	GetOrCreate(ctx context.Context, entityType EntityType, entityID, ownerID string) (*RiskScore, error)
	Update(ctx context.Context, score *RiskScore) error
	AppendEvent(ctx context.Context, event *RiskEvent) error
	GetEvents(ctx context.Context, entityType EntityType, entityID string, limit int) ([]*RiskEvent, error)
	GetAllEvents(ctx context.Context, entityType EntityType, entityID string) ([]*RiskEvent, error)
	CountEventsSince(ctx context.Context, entityType EntityType, entityID, severity string, since time.Time) (int, error)
	ListSuspended(ctx context.Context) ([]*RiskScore, error)
}

// Summary is the dashboard view of an entity's risk state
type Summary struct {
	Score        *RiskScore   `json:"score"`
	CurrentScore float64      `json:"currentScore"` // after decay
	RecentEvents []*RiskEvent `json:"recentEvents"`
}
