package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/kv"
)

func TestRateLimiter_BasicTokenLimit(t *testing.T) {
	cfg := &Config{
		Enabled: true,
		Limits: []LimitRule{
			{Type: LimitTypeToken, Window: WindowMinute, Limit: 100},
		},
	}

	limiter, err := NewRateLimiter(cfg, NewMemoryStore())
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	ctx := context.Background()

	// First request: 50 tokens, allowed.
	result, err := limiter.CheckAndRecord(ctx, ScopeSession, "session1", 50, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected request to be allowed")
	}

	usage := result.GetUsage(LimitTypeToken, WindowMinute)
	if usage == nil {
		t.Fatal("expected token usage to be present")
	}
	if usage.Current != 50 {
		t.Errorf("expected current usage to be 50, got %d", usage.Current)
	}
	if usage.Remaining != 50 {
		t.Errorf("expected remaining to be 50, got %d", usage.Remaining)
	}

	// Second request: 40 tokens, allowed (total 90).
	result, err = limiter.CheckAndRecord(ctx, ScopeSession, "session1", 40, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected request to be allowed")
	}
	if usage := result.GetUsage(LimitTypeToken, WindowMinute); usage.Current != 90 {
		t.Errorf("expected current usage to be 90, got %d", usage.Current)
	}

	// Third request pushes past the limit and is rejected.
	result, err = limiter.CheckAndRecord(ctx, ScopeSession, "session1", 20, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Errorf("expected request to be denied")
	}
	if result.RetryAfter == nil {
		t.Errorf("expected retry_after to be set")
	}
}

func TestRateLimiter_BasicCountLimit(t *testing.T) {
	cfg := &Config{
		Enabled: true,
		Limits: []LimitRule{
			{Type: LimitTypeCount, Window: WindowMinute, Limit: 5},
		},
	}

	limiter, err := NewRateLimiter(cfg, NewMemoryStore())
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		result, err := limiter.CheckAndRecord(ctx, ScopeSession, "session1", 0, 1)
		if err != nil {
			t.Fatalf("unexpected error on request %d: %v", i, err)
		}
		if !result.Allowed {
			t.Errorf("expected request %d to be allowed", i)
		}
		if usage := result.GetUsage(LimitTypeCount, WindowMinute); usage.Current != int64(i) {
			t.Errorf("expected current usage to be %d, got %d", i, usage.Current)
		}
	}

	result, err := limiter.CheckAndRecord(ctx, ScopeSession, "session1", 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Errorf("expected 6th request to be denied")
	}
}

func TestRateLimiter_MultiLayerLimits(t *testing.T) {
	cfg := &Config{
		Enabled: true,
		Limits: []LimitRule{
			{Type: LimitTypeToken, Window: WindowMinute, Limit: 100},
			{Type: LimitTypeToken, Window: WindowDay, Limit: 1000},
			{Type: LimitTypeCount, Window: WindowMinute, Limit: 10},
		},
	}

	limiter, err := NewRateLimiter(cfg, NewMemoryStore())
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	ctx := context.Background()

	result, err := limiter.CheckAndRecord(ctx, ScopeSession, "session1", 50, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected request to be allowed")
	}
	if len(result.Usages) != 3 {
		t.Errorf("expected 3 usage records, got %d", len(result.Usages))
	}

	if u := result.GetUsage(LimitTypeToken, WindowMinute); u == nil || u.Current != 50 {
		t.Errorf("expected token/minute usage to be 50")
	}
	if u := result.GetUsage(LimitTypeToken, WindowDay); u == nil || u.Current != 50 {
		t.Errorf("expected token/day usage to be 50")
	}
	if u := result.GetUsage(LimitTypeCount, WindowMinute); u == nil || u.Current != 5 {
		t.Errorf("expected count/minute usage to be 5")
	}
}

func TestRateLimiter_SeparateSessions(t *testing.T) {
	cfg := &Config{
		Enabled: true,
		Limits: []LimitRule{
			{Type: LimitTypeCount, Window: WindowMinute, Limit: 5},
		},
	}

	limiter, err := NewRateLimiter(cfg, NewMemoryStore())
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := limiter.CheckAndRecord(ctx, ScopeSession, "session1", 0, 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	result, err := limiter.CheckAndRecord(ctx, ScopeSession, "session2", 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected session2 to be allowed (separate quota)")
	}

	result, err = limiter.CheckAndRecord(ctx, ScopeSession, "session1", 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Errorf("expected session1 to be blocked")
	}
}

func TestRateLimiter_UserScope(t *testing.T) {
	cfg := &Config{
		Enabled: true,
		Limits: []LimitRule{
			{Type: LimitTypeCount, Window: WindowMinute, Limit: 10},
		},
	}

	limiter, err := NewRateLimiter(cfg, NewMemoryStore())
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	ctx := context.Background()

	// All sessions for a user share the same counter.
	for i := 0; i < 10; i++ {
		if _, err := limiter.CheckAndRecord(ctx, ScopeUser, "user1", 0, 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	result, err := limiter.CheckAndRecord(ctx, ScopeUser, "user1", 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Errorf("expected user1 to be blocked after 10 requests")
	}

	// Session scope is a separate key space from user scope.
	result, err = limiter.CheckAndRecord(ctx, ScopeSession, "user1", 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected session-scoped counter to be independent")
	}
}

func TestRateLimiter_Reset(t *testing.T) {
	cfg := &Config{
		Enabled: true,
		Limits: []LimitRule{
			{Type: LimitTypeCount, Window: WindowMinute, Limit: 5},
		},
	}

	limiter, err := NewRateLimiter(cfg, NewMemoryStore())
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := limiter.CheckAndRecord(ctx, ScopeSession, "session1", 0, 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	result, err := limiter.CheckAndRecord(ctx, ScopeSession, "session1", 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Errorf("expected to be blocked")
	}

	if err := limiter.Reset(ctx, ScopeSession, "session1"); err != nil {
		t.Fatalf("failed to reset: %v", err)
	}

	result, err = limiter.CheckAndRecord(ctx, ScopeSession, "session1", 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected to be allowed after reset")
	}
}

func TestRateLimiter_RecordThenCheck(t *testing.T) {
	cfg := &Config{
		Enabled: true,
		Limits: []LimitRule{
			{Type: LimitTypeToken, Window: WindowDay, Limit: 1000},
		},
	}

	limiter, err := NewRateLimiter(cfg, NewMemoryStore())
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	ctx := context.Background()

	// Token usage recorded out of band (from provider usage data).
	if err := limiter.Record(ctx, ScopeSession, "session1", 1500, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := limiter.Check(ctx, ScopeSession, "session1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Errorf("expected session over token budget to be blocked")
	}
	if u := result.GetUsage(LimitTypeToken, WindowDay); u == nil || u.Current != 1500 {
		t.Errorf("expected recorded usage to be visible on check")
	}
}

func TestRateLimiter_EmptyIdentifier(t *testing.T) {
	cfg := &Config{
		Enabled: true,
		Limits: []LimitRule{
			{Type: LimitTypeCount, Window: WindowMinute, Limit: 5},
		},
	}

	limiter, err := NewRateLimiter(cfg, NewMemoryStore())
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	if _, err := limiter.Check(context.Background(), ScopeSession, ""); err != ErrInvalidIdentifier {
		t.Errorf("Check with empty identifier: got %v, want ErrInvalidIdentifier", err)
	}
	if err := limiter.Record(context.Background(), ScopeSession, "", 1, 1); err != ErrInvalidIdentifier {
		t.Errorf("Record with empty identifier: got %v, want ErrInvalidIdentifier", err)
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	limiter, err := NewRateLimiter(&Config{Enabled: false}, NewMemoryStore())
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		result, err := limiter.CheckAndRecord(ctx, ScopeSession, "session1", 1000000, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.Allowed {
			t.Errorf("expected to be allowed when rate limiting is disabled")
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Enabled: true, Limits: []LimitRule{{Type: LimitTypeToken, Window: WindowDay, Limit: 1000}}}, false},
		{"disabled", Config{Enabled: false}, false},
		{"enabled without limits", Config{Enabled: true}, true},
		{"unknown type", Config{Enabled: true, Limits: []LimitRule{{Type: "bytes", Window: WindowDay, Limit: 1}}}, true},
		{"unknown window", Config{Enabled: true, Limits: []LimitRule{{Type: LimitTypeCount, Window: "fortnight", Limit: 1}}}, true},
		{"zero limit", Config{Enabled: true, Limits: []LimitRule{{Type: LimitTypeCount, Window: WindowDay, Limit: 0}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMemoryStore_WindowExpiration(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	windowEnd := time.Now().Add(100 * time.Millisecond)
	if err := store.SetUsage(ctx, ScopeSession, "session1", LimitTypeCount, WindowMinute, 100, windowEnd); err != nil {
		t.Fatalf("failed to set usage: %v", err)
	}

	amount, _, err := store.GetUsage(ctx, ScopeSession, "session1", LimitTypeCount, WindowMinute)
	if err != nil {
		t.Fatalf("failed to get usage: %v", err)
	}
	if amount != 100 {
		t.Errorf("expected amount to be 100, got %d", amount)
	}

	time.Sleep(150 * time.Millisecond)

	amount, newWindowEnd, err := store.GetUsage(ctx, ScopeSession, "session1", LimitTypeCount, WindowMinute)
	if err != nil {
		t.Fatalf("failed to get usage: %v", err)
	}
	if amount != 0 {
		t.Errorf("expected amount to be 0 after expiration, got %d", amount)
	}
	if !newWindowEnd.After(time.Now()) {
		t.Errorf("expected new window end to be in the future")
	}
}

func TestMemoryStore_DeleteExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	if err := store.SetUsage(ctx, ScopeSession, "old", LimitTypeCount, WindowMinute, 5, past); err != nil {
		t.Fatalf("failed to set usage: %v", err)
	}
	if err := store.SetUsage(ctx, ScopeSession, "live", LimitTypeCount, WindowMinute, 5, future); err != nil {
		t.Fatalf("failed to set usage: %v", err)
	}

	if err := store.DeleteExpired(ctx, time.Now()); err != nil {
		t.Fatalf("failed to delete expired: %v", err)
	}
	if store.Size() != 1 {
		t.Errorf("expected 1 record after cleanup, got %d", store.Size())
	}
}

func newTestKVStore(t *testing.T) *KVStore {
	t.Helper()

	backend := kv.NewMemoryStore()
	if err := backend.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Disconnect() })

	store, err := NewKVStore(backend)
	if err != nil {
		t.Fatalf("failed to create kv store: %v", err)
	}
	return store
}

func TestKVStore_IncrementAndGet(t *testing.T) {
	store := newTestKVStore(t)
	ctx := context.Background()

	amount, windowEnd, err := store.IncrementUsage(ctx, ScopeSession, "session1", LimitTypeCount, WindowMinute, 3)
	if err != nil {
		t.Fatalf("failed to increment: %v", err)
	}
	if amount != 3 {
		t.Errorf("expected amount 3, got %d", amount)
	}
	if !windowEnd.After(time.Now()) {
		t.Errorf("expected window end in the future")
	}

	amount, _, err = store.IncrementUsage(ctx, ScopeSession, "session1", LimitTypeCount, WindowMinute, 2)
	if err != nil {
		t.Fatalf("failed to increment: %v", err)
	}
	if amount != 5 {
		t.Errorf("expected amount 5, got %d", amount)
	}

	got, _, err := store.GetUsage(ctx, ScopeSession, "session1", LimitTypeCount, WindowMinute)
	if err != nil {
		t.Fatalf("failed to get usage: %v", err)
	}
	if got != 5 {
		t.Errorf("expected usage 5, got %d", got)
	}

	// Other limits and scopes are independent keys.
	got, _, err = store.GetUsage(ctx, ScopeUser, "session1", LimitTypeCount, WindowMinute)
	if err != nil {
		t.Fatalf("failed to get usage: %v", err)
	}
	if got != 0 {
		t.Errorf("expected user-scoped usage 0, got %d", got)
	}
}

func TestKVStore_WindowExpiration(t *testing.T) {
	store := newTestKVStore(t)
	ctx := context.Background()

	windowEnd := time.Now().Add(50 * time.Millisecond)
	if err := store.SetUsage(ctx, ScopeSession, "session1", LimitTypeToken, WindowMinute, 900, windowEnd); err != nil {
		t.Fatalf("failed to set usage: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	amount, _, err := store.GetUsage(ctx, ScopeSession, "session1", LimitTypeToken, WindowMinute)
	if err != nil {
		t.Fatalf("failed to get usage: %v", err)
	}
	if amount != 0 {
		t.Errorf("expected expired usage to read 0, got %d", amount)
	}

	// Increment after expiry restarts the window at the new amount.
	amount, _, err = store.IncrementUsage(ctx, ScopeSession, "session1", LimitTypeToken, WindowMinute, 10)
	if err != nil {
		t.Fatalf("failed to increment: %v", err)
	}
	if amount != 10 {
		t.Errorf("expected restarted window amount 10, got %d", amount)
	}
}

func TestKVStore_DeleteUsage(t *testing.T) {
	store := newTestKVStore(t)
	ctx := context.Background()

	if _, _, err := store.IncrementUsage(ctx, ScopeSession, "session1", LimitTypeCount, WindowMinute, 1); err != nil {
		t.Fatalf("failed to increment: %v", err)
	}
	if _, _, err := store.IncrementUsage(ctx, ScopeSession, "session1", LimitTypeToken, WindowDay, 100); err != nil {
		t.Fatalf("failed to increment: %v", err)
	}
	if _, _, err := store.IncrementUsage(ctx, ScopeSession, "session2", LimitTypeCount, WindowMinute, 1); err != nil {
		t.Fatalf("failed to increment: %v", err)
	}

	if err := store.DeleteUsage(ctx, ScopeSession, "session1"); err != nil {
		t.Fatalf("failed to delete usage: %v", err)
	}

	got, _, err := store.GetUsage(ctx, ScopeSession, "session1", LimitTypeCount, WindowMinute)
	if err != nil {
		t.Fatalf("failed to get usage: %v", err)
	}
	if got != 0 {
		t.Errorf("expected deleted usage to read 0, got %d", got)
	}

	got, _, err = store.GetUsage(ctx, ScopeSession, "session2", LimitTypeCount, WindowMinute)
	if err != nil {
		t.Fatalf("failed to get usage: %v", err)
	}
	if got != 1 {
		t.Errorf("expected session2 usage to survive, got %d", got)
	}
}

func TestKVStore_DeleteExpired(t *testing.T) {
	store := newTestKVStore(t)
	ctx := context.Background()

	if err := store.SetUsage(ctx, ScopeSession, "old", LimitTypeCount, WindowMinute, 5, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("failed to set usage: %v", err)
	}
	if err := store.SetUsage(ctx, ScopeSession, "live", LimitTypeCount, WindowMinute, 5, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("failed to set usage: %v", err)
	}

	if err := store.DeleteExpired(ctx, time.Now()); err != nil {
		t.Fatalf("failed to delete expired: %v", err)
	}

	got, _, err := store.GetUsage(ctx, ScopeSession, "live", LimitTypeCount, WindowMinute)
	if err != nil {
		t.Fatalf("failed to get usage: %v", err)
	}
	if got != 5 {
		t.Errorf("expected live usage to survive, got %d", got)
	}
}

func TestRateLimiter_KVStoreBacked(t *testing.T) {
	cfg := &Config{
		Enabled: true,
		Limits: []LimitRule{
			{Type: LimitTypeCount, Window: WindowMinute, Limit: 2},
		},
	}

	limiter, err := NewRateLimiter(cfg, newTestKVStore(t))
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}

	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		result, err := limiter.CheckAndRecord(ctx, ScopeSession, "session1", 0, 1)
		if err != nil {
			t.Fatalf("unexpected error on request %d: %v", i, err)
		}
		if !result.Allowed {
			t.Errorf("expected request %d to be allowed", i)
		}
	}

	result, err := limiter.CheckAndRecord(ctx, ScopeSession, "session1", 0, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Errorf("expected 3rd request to be denied")
	}
}

func TestNewRateLimiterFromConfig(t *testing.T) {
	t.Run("disabled returns nil", func(t *testing.T) {
		limiter, err := NewRateLimiterFromConfig(&config.RateLimitConfig{Enabled: config.BoolPtr(false)}, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if limiter != nil {
			t.Errorf("expected nil limiter when disabled")
		}
	})

	t.Run("memory backend", func(t *testing.T) {
		cfg := &config.RateLimitConfig{
			Enabled: config.BoolPtr(true),
			Backend: "memory",
			Limits: []config.RateLimitRule{
				{Type: "count", Window: "minute", Limit: 10},
			},
		}
		limiter, err := NewRateLimiterFromConfig(cfg, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if limiter == nil {
			t.Fatal("expected limiter")
		}

		result, err := limiter.CheckAndRecord(context.Background(), ScopeSession, "s1", 0, 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.Allowed {
			t.Errorf("expected first request to be allowed")
		}
	})

	t.Run("storage backend requires store", func(t *testing.T) {
		cfg := &config.RateLimitConfig{
			Enabled: config.BoolPtr(true),
			Backend: "storage",
			Limits: []config.RateLimitRule{
				{Type: "count", Window: "minute", Limit: 10},
			},
		}
		if _, err := NewRateLimiterFromConfig(cfg, nil); err == nil {
			t.Errorf("expected error when storage backend has no store")
		}
	})

	t.Run("storage backend", func(t *testing.T) {
		backend := kv.NewMemoryStore()
		if err := backend.Connect(context.Background()); err != nil {
			t.Fatalf("failed to connect backend: %v", err)
		}
		defer func() { _ = backend.Disconnect() }()

		cfg := &config.RateLimitConfig{
			Enabled: config.BoolPtr(true),
			Backend: "storage",
			Limits: []config.RateLimitRule{
				{Type: "count", Window: "minute", Limit: 10},
			},
		}
		limiter, err := NewRateLimiterFromConfig(cfg, backend)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if limiter == nil {
			t.Fatal("expected limiter")
		}
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := &config.RateLimitConfig{
			Enabled: config.BoolPtr(true),
			Backend: "redis",
			Limits: []config.RateLimitRule{
				{Type: "count", Window: "minute", Limit: 10},
			},
		}
		if _, err := NewRateLimiterFromConfig(cfg, nil); err == nil {
			t.Errorf("expected error for unknown backend")
		}
	})
}

func TestRateLimitError(t *testing.T) {
	result := &CheckResult{
		Allowed: false,
		Reason:  "count limit exceeded for minute window (61/60)",
	}
	err := NewRateLimitError(result)

	if !IsRateLimitError(err) {
		t.Errorf("expected IsRateLimitError to be true")
	}
	if got := GetRateLimitResult(err); got != result {
		t.Errorf("expected wrapped result back")
	}
	if err.Error() != result.Reason {
		t.Errorf("expected error message %q, got %q", result.Reason, err.Error())
	}

	if IsRateLimitError(nil) {
		t.Errorf("expected IsRateLimitError(nil) to be false")
	}
	if IsRateLimitError(context.Canceled) {
		t.Errorf("expected unrelated error to not be a rate limit error")
	}
}
