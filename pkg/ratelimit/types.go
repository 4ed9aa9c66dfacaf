package ratelimit

import (
	"time"
)

// Scope determines which identity a usage counter is keyed by.
type Scope string

const (
	// ScopeSession keys counters by session ID; each session has its own quota.
	ScopeSession Scope = "session"
	// ScopeUser keys counters by user subject; all sessions for a user share quota.
	ScopeUser Scope = "user"
)

// ParseScope converts a config string to a Scope.
func ParseScope(s string) Scope {
	return Scope(s)
}

// TimeWindow is a rate limiting time window.
type TimeWindow string

const (
	WindowMinute TimeWindow = "minute"
	WindowHour   TimeWindow = "hour"
	WindowDay    TimeWindow = "day"
)

// Duration returns the duration for the time window, or 0 for unknown windows.
func (w TimeWindow) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// LimitType is what a limit rule counts.
type LimitType string

const (
	// LimitTypeToken counts LLM token usage.
	LimitTypeToken LimitType = "token"
	// LimitTypeCount counts requests.
	LimitTypeCount LimitType = "count"
)

// ParseTimeWindow converts a config string to a TimeWindow.
func ParseTimeWindow(s string) TimeWindow {
	return TimeWindow(s)
}

// ParseLimitType converts a config string to a LimitType.
func ParseLimitType(s string) LimitType {
	return LimitType(s)
}

// Usage is the current state of one limit rule for one identifier.
type Usage struct {
	LimitType  LimitType  `json:"limit_type"`
	Window     TimeWindow `json:"window"`
	Current    int64      `json:"current"`
	Limit      int64      `json:"limit"`
	WindowEnd  time.Time  `json:"window_end"`
	Remaining  int64      `json:"remaining"`
	Percentage float64    `json:"percentage"`
}

// CheckResult is the outcome of a rate limit check across all rules.
type CheckResult struct {
	Allowed    bool           `json:"allowed"`
	Reason     string         `json:"reason,omitempty"`
	Usages     []Usage        `json:"usages"`
	RetryAfter *time.Duration `json:"retry_after,omitempty"`
}

// IsExceeded returns true if any limit is exceeded.
func (r *CheckResult) IsExceeded() bool {
	return !r.Allowed
}

// GetUsage returns usage for a specific limit type and window, or nil.
func (r *CheckResult) GetUsage(limitType LimitType, window TimeWindow) *Usage {
	for i := range r.Usages {
		if r.Usages[i].LimitType == limitType && r.Usages[i].Window == window {
			return &r.Usages[i]
		}
	}
	return nil
}
