package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LimitRule is one enforced limit: an amount per time window.
type LimitRule struct {
	Type   LimitType
	Window TimeWindow
	Limit  int64
}

// Config is the limiter's resolved configuration.
type Config struct {
	Enabled bool
	Limits  []LimitRule
}

// Validate checks that every rule is well formed.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Limits) == 0 {
		return fmt.Errorf("at least one limit rule is required")
	}
	for i, rule := range c.Limits {
		if rule.Type != LimitTypeToken && rule.Type != LimitTypeCount {
			return fmt.Errorf("limits[%d]: unknown type %q", i, rule.Type)
		}
		if rule.Window.Duration() == 0 {
			return fmt.Errorf("limits[%d]: unknown window %q", i, rule.Window)
		}
		if rule.Limit <= 0 {
			return fmt.Errorf("limits[%d]: limit must be positive", i)
		}
	}
	return nil
}

// DefaultRateLimiter enforces the configured rules against a Store.
//
// The mutex serializes check/record sequences so CheckAndRecord stays atomic
// within the process even when the store cannot increment atomically.
type DefaultRateLimiter struct {
	config *Config
	store  Store
	mu     sync.RWMutex
}

// NewRateLimiter creates a rate limiter over the given store.
func NewRateLimiter(cfg *Config, store Store) (*DefaultRateLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	return &DefaultRateLimiter{
		config: cfg,
		store:  store,
	}, nil
}

// Check verifies whether the identifier is within all limits without
// recording usage.
func (rl *DefaultRateLimiter) Check(ctx context.Context, scope Scope, identifier string) (*CheckResult, error) {
	if !rl.config.Enabled {
		return &CheckResult{Allowed: true}, nil
	}
	if identifier == "" {
		return nil, ErrInvalidIdentifier
	}

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.checkUnlocked(ctx, scope, identifier)
}

// Record records actual usage against every matching rule.
func (rl *DefaultRateLimiter) Record(ctx context.Context, scope Scope, identifier string, tokenCount int64, requestCount int64) error {
	if !rl.config.Enabled {
		return nil
	}
	if identifier == "" {
		return ErrInvalidIdentifier
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.recordUnlocked(ctx, scope, identifier, tokenCount, requestCount)
}

// CheckAndRecord checks limits and records usage in one locked step.
//
// Usage is recorded only when the pre-check passes, so a blocked identifier
// cannot inflate its counters. The returned result reflects usage after
// recording; the request that pushes a counter past its limit is itself
// rejected.
func (rl *DefaultRateLimiter) CheckAndRecord(ctx context.Context, scope Scope, identifier string, tokenCount int64, requestCount int64) (*CheckResult, error) {
	if !rl.config.Enabled {
		return &CheckResult{Allowed: true}, nil
	}
	if identifier == "" {
		return nil, ErrInvalidIdentifier
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	result, err := rl.checkUnlocked(ctx, scope, identifier)
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		return result, nil
	}

	if err := rl.recordUnlocked(ctx, scope, identifier, tokenCount, requestCount); err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}

	return rl.checkUnlocked(ctx, scope, identifier)
}

// GetUsage returns current usage for all configured limits.
func (rl *DefaultRateLimiter) GetUsage(ctx context.Context, scope Scope, identifier string) ([]Usage, error) {
	if !rl.config.Enabled {
		return []Usage{}, nil
	}
	if identifier == "" {
		return nil, ErrInvalidIdentifier
	}

	rl.mu.RLock()
	defer rl.mu.RUnlock()

	result, err := rl.checkUnlocked(ctx, scope, identifier)
	if err != nil {
		return nil, err
	}
	return result.Usages, nil
}

// Reset clears usage for an identifier.
func (rl *DefaultRateLimiter) Reset(ctx context.Context, scope Scope, identifier string) error {
	if identifier == "" {
		return ErrInvalidIdentifier
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.store.DeleteUsage(ctx, scope, identifier)
}

// ResetExpired removes usage records whose window ended before the given time.
func (rl *DefaultRateLimiter) ResetExpired(ctx context.Context, before time.Time) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.store.DeleteExpired(ctx, before)
}

// checkUnlocked evaluates every rule. Callers hold rl.mu.
func (rl *DefaultRateLimiter) checkUnlocked(ctx context.Context, scope Scope, identifier string) (*CheckResult, error) {
	result := &CheckResult{
		Allowed: true,
		Usages:  make([]Usage, 0, len(rl.config.Limits)),
	}

	var earliestRetry *time.Time

	for _, rule := range rl.config.Limits {
		current, windowEnd, err := rl.store.GetUsage(ctx, scope, identifier, rule.Type, rule.Window)
		if err != nil {
			return nil, fmt.Errorf("failed to get usage for %s/%s: %w", rule.Type, rule.Window, err)
		}

		remaining := rule.Limit - current
		if remaining < 0 {
			remaining = 0
		}

		result.Usages = append(result.Usages, Usage{
			LimitType:  rule.Type,
			Window:     rule.Window,
			Current:    current,
			Limit:      rule.Limit,
			WindowEnd:  windowEnd,
			Remaining:  remaining,
			Percentage: float64(current) / float64(rule.Limit) * 100,
		})

		// Strictly greater: a counter sitting exactly at the limit was
		// filled by requests that were all allowed.
		if current > rule.Limit {
			result.Allowed = false
			if result.Reason == "" {
				result.Reason = fmt.Sprintf("%s limit exceeded for %s window (%d/%d)",
					rule.Type, rule.Window, current, rule.Limit)
			}
			if earliestRetry == nil || windowEnd.Before(*earliestRetry) {
				end := windowEnd
				earliestRetry = &end
			}
		}
	}

	if !result.Allowed && earliestRetry != nil {
		if retry := time.Until(*earliestRetry); retry > 0 {
			result.RetryAfter = &retry
		}
	}

	return result, nil
}

// recordUnlocked increments every matching rule. Callers hold rl.mu.
// Stores handle window rollover internally when incrementing.
func (rl *DefaultRateLimiter) recordUnlocked(ctx context.Context, scope Scope, identifier string, tokenCount int64, requestCount int64) error {
	for _, rule := range rl.config.Limits {
		var amount int64
		switch rule.Type {
		case LimitTypeToken:
			amount = tokenCount
		case LimitTypeCount:
			amount = requestCount
		}
		if amount <= 0 {
			continue
		}

		if _, _, err := rl.store.IncrementUsage(ctx, scope, identifier, rule.Type, rule.Window, amount); err != nil {
			return fmt.Errorf("failed to increment usage for %s/%s: %w", rule.Type, rule.Window, err)
		}
	}
	return nil
}
