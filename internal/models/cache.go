package models

import (
	"fmt"
	"time"
)

const (
	DefaultSimilarityThreshold     = 0.95
	DefaultThresholdAdjustmentRate = 0.01
	DefaultMinThreshold            = 0.90
	DefaultMaxThreshold            = 0.98
	DefaultTargetHitRate           = 0.75
	DefaultExpirationSeconds       = 86400

	// DefaultObservationWindow is the observation buffer capacity; reaching it
	// triggers one threshold adjustment and drains the buffer.
	DefaultObservationWindow = 100

	DefaultWarmingBatchSize     = 5
	DefaultWarmingTopQueries    = 20
	DefaultWarmingDebounce      = 5 * time.Second
	DefaultExternalCallTimeout  = 2 * time.Second
	DefaultHitRateDeadBandWidth = 0.10
)

// CacheEntry is a resolved cache hit returned to callers. Entries are built
// fresh per call and never mutated afterwards; the backing records expire via
// TTL in their respective stores.
type CacheEntry struct {
	ID         string         `json:"id"`
	Query      string         `json:"query"`
	Response   string         `json:"response"`
	Similarity float64        `json:"similarity"`
	HitCount   int64          `json:"hit_count"`
	LastHitAt  time.Time      `json:"last_hit_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CheckCacheOptions carries per-call overrides for CheckCache.
type CheckCacheOptions struct {
	// BypassFastStore skips the exact-match tier and goes straight to the
	// similarity lookup.
	BypassFastStore bool `json:"bypass_fast_store,omitempty"`
	// CustomThreshold, when in (0,1], overrides the controller's current
	// threshold for this call only. Shared state is not mutated.
	CustomThreshold float64 `json:"custom_threshold,omitempty"`
}

// Observation is one recorded lookup outcome used to drive threshold
// adaptation. Similarity is nil when no candidate was returned at all.
type Observation struct {
	Hit        bool
	Similarity *float64
}

// CacheSettings holds the tuning knobs for the semantic cache. Immutable
// after construction; the one exception is the fast store disabling itself in
// place after an adapter failure (tracked inside the adapter, not here).
type CacheSettings struct {
	SimilarityThreshold     float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
	AdaptiveThreshold       bool    `yaml:"adaptive_threshold" json:"adaptive_threshold"`
	ThresholdAdjustmentRate float64 `yaml:"threshold_adjustment_rate" json:"threshold_adjustment_rate"`
	MinThreshold            float64 `yaml:"min_threshold" json:"min_threshold"`
	MaxThreshold            float64 `yaml:"max_threshold" json:"max_threshold"`
	TargetHitRate           float64 `yaml:"target_hit_rate" json:"target_hit_rate"`
	ExpirationSeconds       int     `yaml:"expiration_seconds" json:"expiration_seconds"`
	WarmingEnabled          bool    `yaml:"warming_enabled" json:"warming_enabled"`
	FastStoreEnabled        bool    `yaml:"fast_store_enabled" json:"fast_store_enabled"`
	WarmingDebounceMs       int     `yaml:"warming_debounce_ms,omitempty" json:"warming_debounce_ms,omitempty"`
	ExternalCallTimeoutMs   int     `yaml:"external_call_timeout_ms,omitempty" json:"external_call_timeout_ms,omitempty"`
}

// DefaultCacheSettings returns the default cache tuning configuration.
func DefaultCacheSettings() CacheSettings {
	return CacheSettings{
		SimilarityThreshold:     DefaultSimilarityThreshold,
		AdaptiveThreshold:       true,
		ThresholdAdjustmentRate: DefaultThresholdAdjustmentRate,
		MinThreshold:            DefaultMinThreshold,
		MaxThreshold:            DefaultMaxThreshold,
		TargetHitRate:           DefaultTargetHitRate,
		ExpirationSeconds:       DefaultExpirationSeconds,
		WarmingEnabled:          true,
		FastStoreEnabled:        true,
	}
}

// Validate checks threshold bounds at construction time. Invalid bounds fail
// fast instead of being silently clamped later.
func (s CacheSettings) Validate() error {
	if s.MinThreshold < 0 || s.MaxThreshold > 1 {
		return NewConfigurationError(fmt.Sprintf("threshold bounds [%.2f, %.2f] must lie within [0, 1]", s.MinThreshold, s.MaxThreshold), nil)
	}
	if s.MinThreshold > s.MaxThreshold {
		return NewConfigurationError(fmt.Sprintf("min_threshold %.2f exceeds max_threshold %.2f", s.MinThreshold, s.MaxThreshold), nil)
	}
	if s.SimilarityThreshold < s.MinThreshold || s.SimilarityThreshold > s.MaxThreshold {
		return NewConfigurationError(fmt.Sprintf("similarity_threshold %.2f outside [%.2f, %.2f]", s.SimilarityThreshold, s.MinThreshold, s.MaxThreshold), nil)
	}
	if s.ThresholdAdjustmentRate <= 0 || s.ThresholdAdjustmentRate >= 1 {
		return NewConfigurationError(fmt.Sprintf("threshold_adjustment_rate %.3f must be in (0, 1)", s.ThresholdAdjustmentRate), nil)
	}
	if s.TargetHitRate <= 0 || s.TargetHitRate >= 1 {
		return NewConfigurationError(fmt.Sprintf("target_hit_rate %.2f must be in (0, 1)", s.TargetHitRate), nil)
	}
	if s.ExpirationSeconds <= 0 {
		return NewConfigurationError(fmt.Sprintf("expiration_seconds %d must be positive", s.ExpirationSeconds), nil)
	}
	return nil
}

// TTL returns the configured entry expiration as a duration.
func (s CacheSettings) TTL() time.Duration {
	return time.Duration(s.ExpirationSeconds) * time.Second
}

// Debounce returns the warming debounce window, falling back to the default.
func (s CacheSettings) Debounce() time.Duration {
	if s.WarmingDebounceMs > 0 {
		return time.Duration(s.WarmingDebounceMs) * time.Millisecond
	}
	return DefaultWarmingDebounce
}

// CallTimeout returns the bounded timeout applied to each external call.
func (s CacheSettings) CallTimeout() time.Duration {
	if s.ExternalCallTimeoutMs > 0 {
		return time.Duration(s.ExternalCallTimeoutMs) * time.Millisecond
	}
	return DefaultExternalCallTimeout
}

// TimeRange is the analytics window selector.
type TimeRange string

const (
	TimeRange1h  TimeRange = "1h"
	TimeRange24h TimeRange = "24h"
	TimeRange7d  TimeRange = "7d"
)

// Duration maps a TimeRange to its trailing window length. Unknown values
// fall back to 24h.
func (tr TimeRange) Duration() time.Duration {
	switch tr {
	case TimeRange1h:
		return time.Hour
	case TimeRange7d:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}
