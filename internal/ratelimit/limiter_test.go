package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/yudhap/blastgate/internal/rules"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLimiter(t *testing.T, limits ...rules.RateLimitRule) (*Limiter, *rules.Manager) {
	t.Helper()
	ctx := context.Background()
	store := rules.NewMemoryStore()
	for i := range limits {
		if err := store.UpsertLimit(ctx, &limits[i]); err != nil {
			t.Fatalf("UpsertLimit failed: %v", err)
		}
	}
	mgr, err := rules.NewManager(ctx, store, testLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return NewLimiter(NewMemoryStore(), mgr, testLogger()), mgr
}

func userRule(id string, maxRequests, windowSeconds int, algo rules.Algorithm, action rules.LimitAction) rules.RateLimitRule {
	return rules.RateLimitRule{
		ID:            id,
		Name:          id,
		ContextType:   rules.ContextUser,
		MaxRequests:   maxRequests,
		WindowSeconds: windowSeconds,
		Algorithm:     algo,
		Action:        action,
		Priority:      10,
		IsActive:      true,
		UpdatedAt:     time.Now(),
	}
}

func TestNoMatchingRuleDefaultAllows(t *testing.T) {
	l, _ := newTestLimiter(t)

	res, err := l.Check(context.Background(), Request{ContextType: rules.ContextUser, Identity: "u1"})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !res.Allowed {
		t.Error("Allowed = false with no rules, want true")
	}
}

func TestTokenBucketConsumesAndBlocks(t *testing.T) {
	l, _ := newTestLimiter(t, userRule("r1", 5, 60, rules.AlgoTokenBucket, rules.LimitBlock))

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.Check(ctx, Request{ContextType: rules.ContextUser, Identity: "u1"})
		if err != nil {
			t.Fatalf("Check %d failed: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("Check %d denied, want allowed", i)
		}
	}

	res, _ := l.Check(ctx, Request{ContextType: rules.ContextUser, Identity: "u1"})
	if res.Allowed {
		t.Fatal("6th check allowed, want denied")
	}
	if res.Action != rules.LimitBlock {
		t.Errorf("Action = %v, want block", res.Action)
	}
	if res.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", res.RetryAfter)
	}

	// Refill: 5 per 60s is one token every 12 seconds
	now = now.Add(12 * time.Second)
	res, _ = l.Check(ctx, Request{ContextType: rules.ContextUser, Identity: "u1"})
	if !res.Allowed {
		t.Error("check after refill interval denied, want allowed")
	}
}

func TestTokensNeverExceedMax(t *testing.T) {
	l, _ := newTestLimiter(t, userRule("r1", 5, 60, rules.AlgoTokenBucket, rules.LimitBlock))

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.WithClock(func() time.Time { return now })
	ctx := context.Background()

	l.Check(ctx, Request{ContextType: rules.ContextUser, Identity: "u1"})

	// A week idle must not bank more than the bucket holds
	now = now.Add(7 * 24 * time.Hour)
	res, err := l.Check(ctx, Request{ContextType: rules.ContextUser, Identity: "u1"})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Remaining != 4 {
		t.Errorf("Remaining = %v, want 4 (full bucket minus this request)", res.Remaining)
	}

	key := BuildKey(rules.ContextUser, "u1", "")
	bucket, _ := l.BucketStatus(ctx, key)
	if bucket.Tokens > bucket.MaxTokens {
		t.Errorf("Tokens = %v exceeds MaxTokens = %v", bucket.Tokens, bucket.MaxTokens)
	}
}

func TestSlidingWindow(t *testing.T) {
	l, _ := newTestLimiter(t, userRule("r1", 3, 60, rules.AlgoSlidingWindow, rules.LimitBlock))

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, _ := l.Check(ctx, Request{ContextType: rules.ContextUser, Identity: "u1"})
		if !res.Allowed {
			t.Fatalf("Check %d denied, want allowed", i)
		}
		now = now.Add(time.Second)
	}

	res, _ := l.Check(ctx, Request{ContextType: rules.ContextUser, Identity: "u1"})
	if res.Allowed {
		t.Fatal("4th check within window allowed, want denied")
	}

	// Once the oldest entry slides out, one slot frees up
	now = now.Add(58 * time.Second)
	res, _ = l.Check(ctx, Request{ContextType: rules.ContextUser, Identity: "u1"})
	if !res.Allowed {
		t.Error("check after window slide denied, want allowed")
	}
}

func TestThrottleActionAllowsWithDelay(t *testing.T) {
	rule := userRule("r1", 1, 60, rules.AlgoTokenBucket, rules.LimitThrottle)
	rule.ThrottleDelayMS = 500
	l, _ := newTestLimiter(t, rule)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.WithClock(func() time.Time { return now })
	ctx := context.Background()

	l.Check(ctx, Request{ContextType: rules.ContextUser, Identity: "u1"})
	res, _ := l.Check(ctx, Request{ContextType: rules.ContextUser, Identity: "u1"})
	if !res.Allowed {
		t.Fatal("throttled check denied, want allowed")
	}
	if res.Action != rules.LimitThrottle {
		t.Errorf("Action = %v, want throttle", res.Action)
	}
	if res.ThrottleDelay != 500*time.Millisecond {
		t.Errorf("ThrottleDelay = %v, want 500ms", res.ThrottleDelay)
	}
}

func TestWarnActionAllows(t *testing.T) {
	l, _ := newTestLimiter(t, userRule("r1", 1, 60, rules.AlgoTokenBucket, rules.LimitWarn))

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.WithClock(func() time.Time { return now })
	ctx := context.Background()

	l.Check(ctx, Request{ContextType: rules.ContextUser, Identity: "u1"})
	res, _ := l.Check(ctx, Request{ContextType: rules.ContextUser, Identity: "u1"})
	if !res.Allowed || res.Action != rules.LimitWarn {
		t.Errorf("result = %v/%v, want allowed with warn", res.Allowed, res.Action)
	}
}

func TestConcurrentConsumersExactAdmission(t *testing.T) {
	l, _ := newTestLimiter(t, userRule("r1", 10, 60, rules.AlgoTokenBucket, rules.LimitBlock))

	// Fixed clock: no refill during the test
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.WithClock(func() time.Time { return now })
	ctx := context.Background()

	const consumers = 25
	var wg sync.WaitGroup
	results := make(chan bool, consumers)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(ctx, Request{ContextType: rules.ContextUser, Identity: "u1"})
			if err != nil {
				t.Errorf("Check failed: %v", err)
				results <- false
				return
			}
			results <- res.Allowed
		}()
	}
	wg.Wait()
	close(results)

	allowed := 0
	for ok := range results {
		if ok {
			allowed++
		}
	}
	if allowed != 10 {
		t.Errorf("allowed = %d of %d, want exactly 10", allowed, consumers)
	}
}

func TestBatchConsume(t *testing.T) {
	l, _ := newTestLimiter(t, userRule("r1", 10, 60, rules.AlgoTokenBucket, rules.LimitBlock))

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.WithClock(func() time.Time { return now })
	ctx := context.Background()

	res, _ := l.Check(ctx, Request{ContextType: rules.ContextUser, Identity: "u1", N: 8})
	if !res.Allowed || res.Remaining != 2 {
		t.Errorf("batch result = %v remaining %v, want allowed with 2", res.Allowed, res.Remaining)
	}
	res, _ = l.Check(ctx, Request{ContextType: rules.ContextUser, Identity: "u1", N: 3})
	if res.Allowed {
		t.Error("batch over budget allowed, want denied")
	}
}

func TestZeroBudgetRuleDenies(t *testing.T) {
	// A broken rule (no budget) must fail closed
	rule := userRule("broken", 0, 60, rules.AlgoTokenBucket, rules.LimitBlock)
	l, _ := newTestLimiter(t, rule)

	res, err := l.Check(context.Background(), Request{ContextType: rules.ContextUser, Identity: "u1"})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Allowed {
		t.Error("zero-budget rule allowed a request, want denied")
	}
}

func TestForceLimitAndClear(t *testing.T) {
	l, _ := newTestLimiter(t, userRule("r1", 100, 60, rules.AlgoTokenBucket, rules.LimitBlock))

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.WithClock(func() time.Time { return now })
	ctx := context.Background()
	key := BuildKey(rules.ContextUser, "u1", "")

	if _, err := l.ForceLimit(ctx, key, 10*time.Minute, "manual review"); err != nil {
		t.Fatalf("ForceLimit failed: %v", err)
	}

	res, _ := l.Check(ctx, Request{ContextType: rules.ContextUser, Identity: "u1"})
	if res.Allowed {
		t.Fatal("check on force-limited bucket allowed, want denied")
	}
	if res.RetryAfter != 10*time.Minute {
		t.Errorf("RetryAfter = %v, want 10m", res.RetryAfter)
	}

	if _, err := l.ClearLimit(ctx, key); err != nil {
		t.Fatalf("ClearLimit failed: %v", err)
	}
	res, _ = l.Check(ctx, Request{ContextType: rules.ContextUser, Identity: "u1"})
	if !res.Allowed {
		t.Error("check after ClearLimit denied, want allowed")
	}

	// Forced limits also expire on their own
	l.ForceLimit(ctx, key, 10*time.Minute, "again")
	now = now.Add(11 * time.Minute)
	res, _ = l.Check(ctx, Request{ContextType: rules.ContextUser, Identity: "u1"})
	if !res.Allowed {
		t.Error("check after forced limit expiry denied, want allowed")
	}
}

func TestBuildKeySanitizesSegments(t *testing.T) {
	a := BuildKey(rules.ContextUser, "a:b", "")
	b := BuildKey(rules.ContextUser, "a", "b")
	if a == b {
		t.Errorf("keys collide: %q", a)
	}
}
