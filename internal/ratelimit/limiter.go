package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yudhap/blastgate/internal/metrics"
	"github.com/yudhap/blastgate/internal/rules"
	"github.com/yudhap/blastgate/internal/syncutil"
	"github.com/yudhap/blastgate/internal/traces"
)

// Request describes one admission check
type Request struct {
	ContextType   rules.ContextType
	Identity      string // user ID, IP, API key
	Endpoint      string
	RiskLevel     rules.RiskLevel     // optional, narrows rule matching
	BalanceStatus rules.BalanceStatus // optional
	N             int                 // tokens to consume, 0 means 1
}

// Limiter runs rate-limit checks against the active ruleset
type Limiter struct {
	store  Store
	rules  *rules.Manager
	locks  *syncutil.ShardedMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewLimiter creates a rate limiter
func NewLimiter(store Store, ruleManager *rules.Manager, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:  store,
		rules:  ruleManager,
		locks:  &syncutil.ShardedMutex{},
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the limiter clock (tests)
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check runs the admission check for one request. No matching rule means
// default-allow; a matching rule runs its algorithm against the bucket.
func (l *Limiter) Check(ctx context.Context, req Request) (*Result, error) {
	rule, ok := l.rules.Snapshot().Resolve(rules.Query{
		ContextType:   req.ContextType,
		Endpoint:      req.Endpoint,
		RiskLevel:     req.RiskLevel,
		BalanceStatus: req.BalanceStatus,
	})
	if !ok {
		return &Result{Allowed: true, Remaining: -1}, nil
	}

	key := BuildKey(req.ContextType, req.Identity, req.Endpoint)
	return l.CheckWithRule(ctx, key, rule, req.N)
}

// CheckWithRule runs the admission check against an explicit rule. Used by
// Check after resolution and by the HTTP middleware, which carries its own
// config-derived rule.
func (l *Limiter) CheckWithRule(ctx context.Context, key string, rule *rules.RateLimitRule, n int) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "ratelimit.Check", traces.BucketKey(key))
	defer span.End()

	if n <= 0 {
		n = 1
	}

	unlock := l.locks.Lock(key)
	defer unlock()

	now := l.now()
	bucket, err := l.loadBucket(ctx, key, rule, now)
	if err != nil {
		return nil, err
	}

	// Admin force-limit wins over everything until it expires
	if bucket.IsLimited {
		if bucket.LimitedUntil != nil && now.Before(*bucket.LimitedUntil) {
			metrics.RateLimitActionsTotal.WithLabelValues("block").Inc()
			return &Result{
				Allowed:    false,
				Action:     rules.LimitBlock,
				RuleID:     bucket.RuleID,
				RetryAfter: bucket.LimitedUntil.Sub(now),
			}, nil
		}
		bucket.IsLimited = false
		bucket.LimitedUntil = nil
		bucket.LimitReason = ""
	}

	// A zero-budget rule admits nothing. This is how broken configuration
	// fails closed instead of open.
	if rule.MaxRequests <= 0 {
		metrics.RateLimitActionsTotal.WithLabelValues("block").Inc()
		return &Result{
			Allowed:    false,
			Action:     rules.LimitBlock,
			RuleID:     rule.ID,
			RetryAfter: rule.Window(),
		}, nil
	}

	var result *Result
	switch rule.Algorithm {
	case rules.AlgoSlidingWindow:
		result = l.checkSlidingWindow(bucket, rule, n, now)
	default:
		result = l.checkTokenBucket(bucket, rule, n, now)
	}

	bucket.UpdatedAt = now
	if err := l.store.Save(ctx, bucket); err != nil {
		return nil, fmt.Errorf("save bucket: %w", err)
	}

	if result.Action != "" {
		metrics.RateLimitActionsTotal.WithLabelValues(string(result.Action)).Inc()
		if result.Action == rules.LimitWarn {
			l.logger.Warn("rate limit warning", "bucket", key, "rule", rule.ID)
		}
	}
	return result, nil
}

// caller must hold the bucket lock
func (l *Limiter) loadBucket(ctx context.Context, key string, rule *rules.RateLimitRule, now time.Time) (*Bucket, error) {
	bucket, err := l.store.Get(ctx, key)
	if err == nil {
		// Rule changed since the bucket was created: adopt the new budget,
		// capping tokens so a shrunk limit applies immediately.
		if bucket.RuleID != rule.ID || bucket.MaxTokens != float64(rule.MaxRequests) {
			uninitialized := bucket.MaxTokens == 0
			bucket.RuleID = rule.ID
			bucket.Algorithm = rule.Algorithm
			bucket.MaxTokens = float64(rule.MaxRequests)
			bucket.RefillRate = rule.RefillRate()
			if uninitialized {
				// Created by ForceLimit before any check ran: start full.
				bucket.Tokens = bucket.MaxTokens
				bucket.LastRefillAt = now
			} else if bucket.Tokens > bucket.MaxTokens {
				bucket.Tokens = bucket.MaxTokens
			}
		}
		return bucket, nil
	}
	if !errors.Is(err, ErrBucketNotFound) {
		return nil, fmt.Errorf("load bucket: %w", err)
	}

	return &Bucket{
		Key:          key,
		RuleID:       rule.ID,
		Algorithm:    rule.Algorithm,
		Tokens:       float64(rule.MaxRequests), // new buckets start full
		MaxTokens:    float64(rule.MaxRequests),
		RefillRate:   rule.RefillRate(),
		LastRefillAt: now,
		UpdatedAt:    now,
	}, nil
}

func (l *Limiter) checkTokenBucket(bucket *Bucket, rule *rules.RateLimitRule, n int, now time.Time) *Result {
	elapsed := now.Sub(bucket.LastRefillAt).Seconds()
	if elapsed > 0 {
		bucket.Tokens += elapsed * bucket.RefillRate
		if bucket.Tokens > bucket.MaxTokens {
			bucket.Tokens = bucket.MaxTokens
		}
	}
	bucket.LastRefillAt = now

	need := float64(n)
	if bucket.Tokens >= need {
		bucket.Tokens -= need
		return &Result{Allowed: true, RuleID: rule.ID, Remaining: bucket.Tokens}
	}

	switch rule.Action {
	case rules.LimitThrottle:
		// Admit but make the caller back off; drain what's left so the
		// bucket does not also admit the next burst at full speed.
		bucket.Tokens = 0
		return &Result{
			Allowed:       true,
			Action:        rules.LimitThrottle,
			RuleID:        rule.ID,
			ThrottleDelay: time.Duration(rule.ThrottleDelayMS) * time.Millisecond,
		}
	case rules.LimitWarn:
		return &Result{Allowed: true, Action: rules.LimitWarn, RuleID: rule.ID, Remaining: bucket.Tokens}
	default:
		deficit := need - bucket.Tokens
		var retryAfter time.Duration
		if bucket.RefillRate > 0 {
			retryAfter = time.Duration(deficit / bucket.RefillRate * float64(time.Second))
		} else {
			retryAfter = rule.Window()
		}
		return &Result{
			Allowed:    false,
			Action:     rules.LimitBlock,
			RuleID:     rule.ID,
			Remaining:  bucket.Tokens,
			RetryAfter: retryAfter,
		}
	}
}

func (l *Limiter) checkSlidingWindow(bucket *Bucket, rule *rules.RateLimitRule, n int, now time.Time) *Result {
	cutoff := now.Add(-rule.Window())
	kept := bucket.Window[:0]
	for _, ts := range bucket.Window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	bucket.Window = kept

	if len(bucket.Window)+n <= rule.MaxRequests {
		for i := 0; i < n; i++ {
			bucket.Window = append(bucket.Window, now)
		}
		return &Result{
			Allowed:   true,
			RuleID:    rule.ID,
			Remaining: float64(rule.MaxRequests - len(bucket.Window)),
		}
	}

	switch rule.Action {
	case rules.LimitThrottle:
		return &Result{
			Allowed:       true,
			Action:        rules.LimitThrottle,
			RuleID:        rule.ID,
			ThrottleDelay: time.Duration(rule.ThrottleDelayMS) * time.Millisecond,
		}
	case rules.LimitWarn:
		return &Result{Allowed: true, Action: rules.LimitWarn, RuleID: rule.ID}
	default:
		retryAfter := rule.Window()
		if len(bucket.Window) > 0 {
			retryAfter = bucket.Window[0].Add(rule.Window()).Sub(now)
		}
		return &Result{
			Allowed:    false,
			Action:     rules.LimitBlock,
			RuleID:     rule.ID,
			RetryAfter: retryAfter,
		}
	}
}

// ForceLimit blocks a bucket outright for a duration, bypassing refill math
func (l *Limiter) ForceLimit(ctx context.Context, key string, duration time.Duration, reason string) (*Bucket, error) {
	unlock := l.locks.Lock(key)
	defer unlock()

	now := l.now()
	bucket, err := l.store.Get(ctx, key)
	if errors.Is(err, ErrBucketNotFound) {
		bucket = &Bucket{Key: key, LastRefillAt: now}
	} else if err != nil {
		return nil, fmt.Errorf("load bucket: %w", err)
	}

	until := now.Add(duration)
	bucket.IsLimited = true
	bucket.LimitedUntil = &until
	bucket.LimitReason = reason
	bucket.UpdatedAt = now

	if err := l.store.Save(ctx, bucket); err != nil {
		return nil, fmt.Errorf("save bucket: %w", err)
	}
	l.logger.Info("bucket force-limited", "bucket", key, "until", until, "reason", reason)
	return bucket, nil
}

// ClearLimit removes a forced limit and restores a full budget
func (l *Limiter) ClearLimit(ctx context.Context, key string) (*Bucket, error) {
	unlock := l.locks.Lock(key)
	defer unlock()

	bucket, err := l.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrBucketNotFound) {
			return nil, ErrBucketNotFound
		}
		return nil, fmt.Errorf("load bucket: %w", err)
	}

	now := l.now()
	bucket.IsLimited = false
	bucket.LimitedUntil = nil
	bucket.LimitReason = ""
	bucket.Tokens = bucket.MaxTokens
	bucket.Window = nil
	bucket.LastRefillAt = now
	bucket.UpdatedAt = now

	if err := l.store.Save(ctx, bucket); err != nil {
		return nil, fmt.Errorf("save bucket: %w", err)
	}
	l.logger.Info("bucket limit cleared", "bucket", key)
	return bucket, nil
}

// BucketStatus returns the current state of a bucket
func (l *Limiter) BucketStatus(ctx context.Context, key string) (*Bucket, error) {
	bucket, err := l.store.Get(ctx, key)
	if errors.Is(err, ErrBucketNotFound) {
		return nil, ErrBucketNotFound
	}
	return bucket, err
}

