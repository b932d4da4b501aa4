package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Egham-7/adaptive-cache/internal/models"
	"github.com/Egham-7/adaptive-cache/internal/services/faststore"
	"github.com/Egham-7/adaptive-cache/internal/services/vectorstore"
	"github.com/Egham-7/adaptive-cache/internal/utils"
)

// stubEmbedder returns canned vectors per input and a fallback for anything
// unmapped, so similarity between queries is fully controlled by the test.
type stubEmbedder struct {
	vectors  map[string][]float32
	fallback []float32
	err      error
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return s.fallback, nil
}

// captureSink records submitted metrics in memory and serves canned query
// results.
type captureSink struct {
	mu         sync.Mutex
	submitted  []models.RecordMetricParams
	queryRows  []models.CacheMetric
	queryErr   error
	avgLatency float64
}

func (c *captureSink) Submit(params models.RecordMetricParams, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, params)
}

func (c *captureSink) Query(_ context.Context, _ string, _ []models.MetricType, _ time.Time) ([]models.CacheMetric, error) {
	return c.queryRows, c.queryErr
}

func (c *captureSink) AverageLatency(_ context.Context, _ string, _ time.Time) (float64, error) {
	return c.avgLatency, nil
}

func (c *captureSink) metrics() []models.RecordMetricParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.RecordMetricParams, len(c.submitted))
	copy(out, c.submitted)
	return out
}

type testHarness struct {
	orchestrator *Orchestrator
	embedder     *stubEmbedder
	sink         *captureSink
	redis        *miniredis.Miniredis
}

func newHarness(t *testing.T, mutate func(*models.CacheSettings)) *testHarness {
	t.Helper()

	settings := models.DefaultCacheSettings()
	settings.WarmingEnabled = false
	if mutate != nil {
		mutate(&settings)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	embedder := &stubEmbedder{
		vectors:  make(map[string][]float32),
		fallback: []float32{0, 0, 1},
	}
	sink := &captureSink{}

	orchestrator, err := NewOrchestrator(settings, faststore.New(client), vectorstore.New(client), embedder, sink)
	require.NoError(t, err)
	t.Cleanup(orchestrator.Close)

	return &testHarness{orchestrator: orchestrator, embedder: embedder, sink: sink, redis: mr}
}

func TestNewOrchestratorRejectsInvalidSettings(t *testing.T) {
	settings := models.DefaultCacheSettings()
	settings.SimilarityThreshold = 0.5 // below min bound

	_, err := NewOrchestrator(settings, faststore.New(nil), nil, &stubEmbedder{}, &captureSink{})
	require.Error(t, err)
}

func TestCheckCacheValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.orchestrator.CheckCache(ctx, "", "query", nil)
	require.Error(t, err)

	_, err = h.orchestrator.CheckCache(ctx, "acme", "", nil)
	require.Error(t, err)

	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, models.ErrorTypeValidation, appErr.Type)
}

func TestStoreThenExactCheckHitsFastTier(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.embedder.vectors["what is go"] = []float32{1, 0, 0}

	require.NoError(t, h.orchestrator.StoreInCache(ctx, "acme", "what is go", "A programming language.", map[string]any{"model": "gpt-4o"}))

	entry, err := h.orchestrator.CheckCache(ctx, "acme", "what is go", nil)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, strings.HasPrefix(entry.ID, "fast:"))
	assert.Equal(t, "A programming language.", entry.Response)
	assert.Equal(t, 1.0, entry.Similarity)
	assert.Equal(t, "gpt-4o", entry.Metadata["model"])

	recorded := h.sink.metrics()
	require.Len(t, recorded, 1)
	assert.Equal(t, models.MetricCacheHit, recorded[0].MetricType)
	assert.Equal(t, "fast", recorded[0].Metadata["tier"])
	assert.Equal(t, 1, h.orchestrator.controller.Pending())
}

func TestBypassFastStoreUsesSimilarityTier(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.embedder.vectors["what is go"] = []float32{1, 0, 0}

	require.NoError(t, h.orchestrator.StoreInCache(ctx, "acme", "what is go", "A programming language.", nil))

	entry, err := h.orchestrator.CheckCache(ctx, "acme", "what is go", &models.CheckCacheOptions{BypassFastStore: true})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.False(t, strings.HasPrefix(entry.ID, "fast:"))
	assert.InDelta(t, 1.0, entry.Similarity, 1e-6)
	assert.Equal(t, int64(1), entry.HitCount)

	recorded := h.sink.metrics()
	require.Len(t, recorded, 1)
	assert.Equal(t, "similarity", recorded[0].Metadata["tier"])
}

func TestParaphraseBelowThresholdMisses(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Vectors with cosine similarity well under the 0.95 default.
	h.embedder.vectors["how do I reset my password"] = []float32{1, 0, 0}
	h.embedder.vectors["how do I delete my account"] = []float32{0.8, 0.6, 0}

	require.NoError(t, h.orchestrator.StoreInCache(ctx, "acme", "how do I reset my password", "Use the account page.", nil))

	entry, err := h.orchestrator.CheckCache(ctx, "acme", "how do I delete my account", nil)
	require.NoError(t, err)
	assert.Nil(t, entry)

	recorded := h.sink.metrics()
	require.Len(t, recorded, 1)
	assert.Equal(t, models.MetricCacheMiss, recorded[0].MetricType)
	require.NotNil(t, recorded[0].Similarity, "miss with a candidate must carry its similarity")
	assert.InDelta(t, 0.8, *recorded[0].Similarity, 1e-6)
	require.NotNil(t, recorded[0].Threshold)
	assert.InDelta(t, models.DefaultSimilarityThreshold, *recorded[0].Threshold, 1e-9)
	assert.Equal(t, 1, h.orchestrator.controller.Pending())
}

func TestParaphraseAboveThresholdHitsAndWritesThrough(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.embedder.vectors["reset password"] = []float32{1, 0, 0}
	h.embedder.vectors["reset my password"] = []float32{1, 0.05, 0}

	require.NoError(t, h.orchestrator.StoreInCache(ctx, "acme", "reset password", "Use the account page.", nil))

	entry, err := h.orchestrator.CheckCache(ctx, "acme", "reset my password", &models.CheckCacheOptions{BypassFastStore: true})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "Use the account page.", entry.Response)
	assert.GreaterOrEqual(t, entry.Similarity, models.DefaultSimilarityThreshold)

	// The hit was written through under the paraphrase's own exact key, so
	// the next identical check is served by the fast tier.
	entry, err = h.orchestrator.CheckCache(ctx, "acme", "reset my password", nil)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, strings.HasPrefix(entry.ID, "fast:"))
}

func TestCustomThresholdOverridesForOneCall(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Cosine similarity here is ~0.92: below the 0.95 default, above 0.90.
	h.embedder.vectors["original"] = []float32{1, 0, 0}
	h.embedder.vectors["paraphrase"] = []float32{0.92, 0.39, 0}

	require.NoError(t, h.orchestrator.StoreInCache(ctx, "acme", "original", "answer", nil))

	entry, err := h.orchestrator.CheckCache(ctx, "acme", "paraphrase", &models.CheckCacheOptions{BypassFastStore: true})
	require.NoError(t, err)
	assert.Nil(t, entry)

	entry, err = h.orchestrator.CheckCache(ctx, "acme", "paraphrase", &models.CheckCacheOptions{BypassFastStore: true, CustomThreshold: 0.90})
	require.NoError(t, err)
	require.NotNil(t, entry)

	// Shared threshold state is untouched by the per-call override.
	assert.InDelta(t, models.DefaultSimilarityThreshold, h.orchestrator.CurrentThreshold(), 1e-9)
}

func TestTenantIsolation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.embedder.vectors["shared question"] = []float32{1, 0, 0}

	require.NoError(t, h.orchestrator.StoreInCache(ctx, "acme", "shared question", "acme answer", nil))

	entry, err := h.orchestrator.CheckCache(ctx, "globex", "shared question", nil)
	require.NoError(t, err)
	assert.Nil(t, entry)

	entry, err = h.orchestrator.CheckCache(ctx, "acme", "shared question", nil)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "acme answer", entry.Response)
}

func TestEmbeddingFailureIsAMissNotAnError(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.embedder.err = errors.New("embeddings provider down")

	entry, err := h.orchestrator.CheckCache(ctx, "acme", "anything", nil)
	require.NoError(t, err)
	assert.Nil(t, entry)

	// Failed lookups must not drag the threshold: no observation recorded.
	assert.Zero(t, h.orchestrator.controller.Pending())
	assert.Empty(t, h.sink.metrics())
}

func TestRedisOutageIsAMissNotAnError(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.embedder.vectors["query"] = []float32{1, 0, 0}

	h.redis.Close()

	entry, err := h.orchestrator.CheckCache(ctx, "acme", "query", nil)
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, h.orchestrator.StoreInCache(ctx, "acme", "query", "answer", nil))
	assert.Zero(t, h.orchestrator.controller.Pending())
}

func TestStoreInCacheValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.Error(t, h.orchestrator.StoreInCache(ctx, "", "query", "response", nil))
	require.Error(t, h.orchestrator.StoreInCache(ctx, "acme", "", "response", nil))
}

func TestStoreInCacheIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.embedder.vectors["same question"] = []float32{1, 0, 0}

	require.NoError(t, h.orchestrator.StoreInCache(ctx, "acme", "same question", "old answer", nil))
	require.NoError(t, h.orchestrator.StoreInCache(ctx, "acme", "same question", "new answer", nil))

	stats := h.orchestrator.GetCacheStats(ctx, "acme")
	assert.Equal(t, int64(1), stats.SimilarityStore.TotalEntries)

	entry, err := h.orchestrator.CheckCache(ctx, "acme", "same question", nil)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "new answer", entry.Response)
}

func TestInvalidateProjectCacheClearsBothTiers(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.embedder.vectors["q1"] = []float32{1, 0, 0}
	h.embedder.vectors["q2"] = []float32{0, 1, 0}

	require.NoError(t, h.orchestrator.StoreInCache(ctx, "acme", "q1", "a1", nil))
	require.NoError(t, h.orchestrator.StoreInCache(ctx, "acme", "q2", "a2", nil))
	require.NoError(t, h.orchestrator.StoreInCache(ctx, "globex", "q1", "other", nil))

	require.NoError(t, h.orchestrator.InvalidateProjectCache(ctx, "acme"))

	stats := h.orchestrator.GetCacheStats(ctx, "acme")
	assert.Zero(t, stats.SimilarityStore.TotalEntries)
	assert.Zero(t, stats.FastStoreKeys)

	// The other tenant is untouched.
	stats = h.orchestrator.GetCacheStats(ctx, "globex")
	assert.Equal(t, int64(1), stats.SimilarityStore.TotalEntries)
	assert.Equal(t, int64(1), stats.FastStoreKeys)
}

func TestInvalidateProjectCacheValidation(t *testing.T) {
	h := newHarness(t, nil)

	err := h.orchestrator.InvalidateProjectCache(context.Background(), "")
	require.Error(t, err)
}

func TestClearExpiredCache(t *testing.T) {
	h := newHarness(t, func(s *models.CacheSettings) {
		s.ExpirationSeconds = 60
	})
	ctx := context.Background()
	h.embedder.vectors["short lived"] = []float32{1, 0, 0}

	require.NoError(t, h.orchestrator.StoreInCache(ctx, "acme", "short lived", "a", nil))

	h.redis.FastForward(10 * time.Minute)

	purged, err := h.orchestrator.ClearExpiredCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}

func TestFastStoreDisabledBySetting(t *testing.T) {
	h := newHarness(t, func(s *models.CacheSettings) {
		s.FastStoreEnabled = false
	})
	ctx := context.Background()
	h.embedder.vectors["query"] = []float32{1, 0, 0}

	require.NoError(t, h.orchestrator.StoreInCache(ctx, "acme", "query", "answer", nil))

	// No fast projection was written, and lookups resolve via similarity.
	for _, key := range h.redis.Keys() {
		assert.False(t, strings.HasPrefix(key, "semcache:fast:"))
	}

	entry, err := h.orchestrator.CheckCache(ctx, "acme", "query", nil)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.False(t, strings.HasPrefix(entry.ID, "fast:"))
}

func TestGetCacheAnalyticsEmptyTenant(t *testing.T) {
	h := newHarness(t, nil)

	analytics := h.orchestrator.GetCacheAnalytics(context.Background(), "nobody", models.TimeRange24h)
	assert.Zero(t, analytics.TotalQueries)
	assert.Zero(t, analytics.HitRate)
	assert.InDelta(t, models.DefaultSimilarityThreshold, analytics.CurrentThreshold, 1e-9)
	assert.InDelta(t, models.DefaultSimilarityThreshold, analytics.RecommendedThreshold, 1e-9)
}

func TestGetCacheAnalyticsSurvivesQueryFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.sink.queryErr = errors.New("metrics store down")

	analytics := h.orchestrator.GetCacheAnalytics(context.Background(), "acme", models.TimeRange1h)
	assert.Zero(t, analytics.TotalQueries)
	assert.InDelta(t, models.DefaultSimilarityThreshold, analytics.CurrentThreshold, 1e-9)
}

func TestGetCacheStats(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.embedder.vectors["q1"] = []float32{1, 0, 0}
	h.sink.avgLatency = 12.5

	require.NoError(t, h.orchestrator.StoreInCache(ctx, "acme", "q1", "a1", nil))

	stats := h.orchestrator.GetCacheStats(ctx, "acme")
	assert.Equal(t, int64(1), stats.SimilarityStore.TotalEntries)
	assert.Equal(t, int64(1), stats.FastStoreKeys)
	assert.True(t, stats.FastStoreEnabled)
	assert.InDelta(t, 12.5, stats.AvgLatencyMs, 1e-9)
	assert.InDelta(t, models.DefaultSimilarityThreshold, stats.CurrentThreshold, 1e-9)
}

func TestWarmCacheResolvesHistoricalQueries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.embedder.vectors["popular question"] = []float32{1, 0, 0}

	require.NoError(t, h.orchestrator.StoreInCache(ctx, "acme", "popular question", "answer", nil))

	// Drop the fast projection so warming has work to do.
	h.redis.Del(utils.FastKey("acme", "popular question"))

	require.NoError(t, h.orchestrator.WarmCache(ctx, "acme", nil))

	assert.True(t, h.redis.Exists(utils.FastKey("acme", "popular question")))
}

func TestWarmCacheExplicitQueries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.embedder.vectors["q1"] = []float32{1, 0, 0}

	require.NoError(t, h.orchestrator.StoreInCache(ctx, "acme", "q1", "a1", nil))

	// Warming a mix of cached and novel queries never errors; novel queries
	// are simply misses.
	require.NoError(t, h.orchestrator.WarmCache(ctx, "acme", []string{"q1", "never seen"}))
}

func TestWarmCacheValidation(t *testing.T) {
	h := newHarness(t, nil)

	require.Error(t, h.orchestrator.WarmCache(context.Background(), "", nil))
}

func TestThresholdAdaptsFromLiveMissTraffic(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// An empty tenant misses every lookup; one full window of misses loosens
	// the threshold by one adjustment step.
	for i := 0; i < models.DefaultObservationWindow; i++ {
		entry, err := h.orchestrator.CheckCache(ctx, "acme", "unseen query", nil)
		require.NoError(t, err)
		require.Nil(t, entry)
	}

	assert.InDelta(t, models.DefaultSimilarityThreshold-models.DefaultThresholdAdjustmentRate, h.orchestrator.CurrentThreshold(), 1e-9)
}
