package config

import (
	"fmt"
	"time"
)

// SessionConfig configures the session manager.
type SessionConfig struct {
	// CacheSize bounds the number of sessions held in memory; least recently
	// used sessions beyond it are evicted (persisted state is untouched).
	// Default: 100
	CacheSize int `yaml:"cache_size,omitempty" json:"cache_size,omitempty" jsonschema:"title=Cache Size,description=Maximum sessions held in memory,minimum=1,default=100"`

	// TTL evicts sessions idle longer than this from the in-memory cache.
	// Zero disables TTL eviction.
	// Default: 30m
	TTL time.Duration `yaml:"ttl,omitempty" json:"ttl,omitempty" jsonschema:"title=TTL,description=Idle time before cache eviction"`

	// MaxMetadataConcurrency bounds parallel metadata loads when listing
	// sessions.
	// Default: 32
	MaxMetadataConcurrency int `yaml:"max_metadata_concurrency,omitempty" json:"max_metadata_concurrency,omitempty" jsonschema:"title=Max Metadata Concurrency,description=Parallel metadata loads when listing sessions,minimum=1,default=32"`
}

// SetDefaults applies default values to SessionConfig.
func (c *SessionConfig) SetDefaults() {
	if c.CacheSize == 0 {
		c.CacheSize = 100
	}
	if c.TTL == 0 {
		c.TTL = 30 * time.Minute
	}
	if c.MaxMetadataConcurrency == 0 {
		c.MaxMetadataConcurrency = 32
	}
}

// Validate checks the session configuration.
func (c *SessionConfig) Validate() error {
	if c.CacheSize < 1 {
		return fmt.Errorf("cache_size must be at least 1, got %d", c.CacheSize)
	}
	if c.TTL < 0 {
		return fmt.Errorf("ttl must be non-negative")
	}
	if c.MaxMetadataConcurrency < 1 {
		return fmt.Errorf("max_metadata_concurrency must be at least 1, got %d", c.MaxMetadataConcurrency)
	}
	return nil
}
