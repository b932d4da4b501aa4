package models

import "time"

// CacheAnalytics is a read-only snapshot derived from the metrics store for
// one tenant over a trailing window. Computed on demand, never cached.
type CacheAnalytics struct {
	HitRate              float64 `json:"hit_rate"`
	TotalQueries         int64   `json:"total_queries"`
	CacheHits            int64   `json:"cache_hits"`
	CacheMisses          int64   `json:"cache_misses"`
	AverageSimilarity    float64 `json:"average_similarity"`
	CurrentThreshold     float64 `json:"current_threshold"`
	RecommendedThreshold float64 `json:"recommended_threshold"`
}

// SimilarityCandidate is the best match returned by a similarity-store
// lookup, regardless of whether it clears the threshold in effect.
type SimilarityCandidate struct {
	ID         string         `json:"id"`
	Query      string         `json:"query"`
	Response   string         `json:"response"`
	Similarity float64        `json:"similarity"`
	HitCount   int64          `json:"hit_count"`
	LastHitAt  time.Time      `json:"last_hit_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// QueryPattern is one frequently hit query in a tenant's cache.
type QueryPattern struct {
	Pattern  string `json:"pattern"`
	HitCount int64  `json:"hit_count"`
}

// SimilarityStoreStats aggregates the similarity store's view of one tenant
// (or all tenants when unscoped).
type SimilarityStoreStats struct {
	TotalEntries   int64          `json:"total_entries"`
	AverageHitRate float64        `json:"average_hit_rate"`
	TopPatterns    []QueryPattern `json:"top_patterns"`
}

// CacheStatsSnapshot aggregates similarity-store totals, fast-store key
// counts and trailing average lookup latency from the metrics store.
type CacheStatsSnapshot struct {
	SimilarityStore  SimilarityStoreStats `json:"similarity_store"`
	FastStoreKeys    int64                `json:"fast_store_keys"`
	FastStoreEnabled bool                 `json:"fast_store_enabled"`
	AvgLatencyMs     float64              `json:"avg_latency_ms"`
	CurrentThreshold float64              `json:"current_threshold"`
}
