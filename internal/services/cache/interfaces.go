package cache

import (
	"context"
	"time"

	"github.com/Egham-7/adaptive-cache/internal/models"
)

// FastStore is the exact-match tier. Implementations are best-effort: after
// a backend failure they report Enabled() == false for the rest of the
// process lifetime and every operation degrades to a miss/no-op.
type FastStore interface {
	Enabled() bool
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteByPrefix(ctx context.Context, prefix string) (int64, error)
	CountKeys(ctx context.Context, prefix string) (int64, error)
}

// SimilarityStore is the system of record for cached responses, supporting
// nearest-neighbor lookup over embedded query vectors.
type SimilarityStore interface {
	Lookup(ctx context.Context, tenantID string, embedding []float32) (*models.SimilarityCandidate, error)
	Store(ctx context.Context, tenantID, query, response string, embedding []float32, metadata map[string]any, ttl time.Duration) (string, error)
	RecordHit(ctx context.Context, tenantID, id string) error
	DeleteByTenant(ctx context.Context, tenantID string) (int64, error)
	PurgeExpired(ctx context.Context) (int64, error)
	StatsByTenant(ctx context.Context, tenantID string) (*models.SimilarityStoreStats, error)
}

// MetricsSink records hit/miss events and answers windowed queries over them.
// Submit is fire-and-forget; it must never block a lookup.
type MetricsSink interface {
	Submit(params models.RecordMetricParams, requestID string)
	Query(ctx context.Context, tenantID string, metricTypes []models.MetricType, since time.Time) ([]models.CacheMetric, error)
	AverageLatency(ctx context.Context, tenantID string, since time.Time) (float64, error)
}
