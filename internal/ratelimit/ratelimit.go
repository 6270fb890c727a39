// Package ratelimit enforces per-context request budgets for the send path.
//
// Each check resolves the applicable rule, loads (or lazily creates) the
// bucket for the composite context key and runs the rule's algorithm:
// token bucket (continuous refill) or sliding window (trailing count).
// Refill and pruning happen at check time from the wall clock; idle buckets
// need no background maintenance and can be dropped at any time.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/yudhap/blastgate/internal/rules"
)

var ErrBucketNotFound = errors.New("rate limit bucket not found")

// Bucket is the admission state for one (entity, context) pair.
// Invariant: 0 <= Tokens <= MaxTokens.
type Bucket struct {
	Key          string            `json:"key"`
	RuleID       string            `json:"ruleId"`
	Algorithm    rules.Algorithm   `json:"algorithm"`
	Tokens       float64           `json:"tokens"`
	MaxTokens    float64           `json:"maxTokens"`
	RefillRate   float64           `json:"refillRate"` // tokens per second
	LastRefillAt time.Time         `json:"lastRefillAt"`
	Window       []time.Time       `json:"window,omitempty"` // accepted timestamps, sliding window only
	IsLimited    bool              `json:"isLimited"`
	LimitedUntil *time.Time        `json:"limitedUntil,omitempty"`
	LimitReason  string            `json:"limitReason,omitempty"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Result is the outcome of one admission check
type Result struct {
	Allowed       bool              `json:"allowed"`
	Action        rules.LimitAction `json:"action,omitempty"` // set when a limit was hit
	RuleID        string            `json:"ruleId,omitempty"`
	Remaining     float64           `json:"remaining"`
	RetryAfter    time.Duration     `json:"retryAfter,omitempty"`    // block: time until a slot frees up
	ThrottleDelay time.Duration     `json:"throttleDelay,omitempty"` // throttle: delay the caller must apply
}

// Store persists rate limit buckets
type Store interface {
	Get(ctx context.Context, key string) (*Bucket, error)
	Save(ctx context.Context, bucket *Bucket) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, limit int) ([]*Bucket, error)
}
